package storage

import (
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	_ "modernc.org/sqlite"

	"subgrade/internal/quality"
)

// thresholdsKey is the single settings key user-editable thresholds persist
// under across sessions.
const thresholdsKey = "quality_thresholds"

// Store wraps SQLite-backed persistence for analysis runs, per-frame results
// and user settings.
type Store struct {
	DB *sql.DB // Export for direct database access
}

// New opens (or creates) the database at path and ensures schema.
func New(path string) (*Store, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}
	s := &Store{DB: db}
	if err := s.ensureSchema(); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

func (s *Store) ensureSchema() error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS analysis_runs (
            id TEXT PRIMARY KEY,
            folder TEXT NOT NULL,
            reference_file TEXT,
            state TEXT NOT NULL,
            thresholds_json TEXT,
            frame_count INTEGER DEFAULT 0,
            created_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP,
            completed_at TIMESTAMP
        );`,
		`CREATE TABLE IF NOT EXISTS analysis_results (
            run_id TEXT NOT NULL,
            file_name TEXT NOT NULL,
            file_path TEXT NOT NULL,
            classification TEXT NOT NULL,
            user_override TEXT,
            reason TEXT,
            quality_score INTEGER,
            metrics_json TEXT,
            created_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP,
            PRIMARY KEY (run_id, file_name)
        );`,
		`CREATE TABLE IF NOT EXISTS settings (
            key TEXT PRIMARY KEY,
            value TEXT NOT NULL,
            updated_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP
        );`,
		`CREATE INDEX IF NOT EXISTS idx_results_run ON analysis_results(run_id);`,
		`CREATE INDEX IF NOT EXISTS idx_results_class ON analysis_results(classification);`,
	}
	for _, stmt := range stmts {
		if _, err := s.DB.Exec(stmt); err != nil {
			return err
		}
	}
	return nil
}

// Close closes the underlying DB.
func (s *Store) Close() error {
	if s == nil || s.DB == nil {
		return nil
	}
	return s.DB.Close()
}

// RunRecord captures a persisted batch run.
type RunRecord struct {
	ID            string
	Folder        string
	ReferenceFile string
	State         string
	Thresholds    quality.Thresholds
	FrameCount    int
	CreatedAt     time.Time
	CompletedAt   *time.Time
}

// RecordRunStart inserts a run in the running state.
func (s *Store) RecordRunStart(id, folder, referenceFile string, t quality.Thresholds) error {
	if s == nil {
		return nil
	}
	tJSON, _ := json.Marshal(t)
	_, err := s.DB.Exec(`INSERT OR REPLACE INTO analysis_runs (id, folder, reference_file, state, thresholds_json) VALUES (?, ?, ?, 'running', ?);`,
		id, folder, referenceFile, string(tJSON))
	return err
}

// RecordRunFinish marks a run terminal with its final frame count.
func (s *Store) RecordRunFinish(id, state string, frameCount int) error {
	if s == nil {
		return nil
	}
	_, err := s.DB.Exec(`UPDATE analysis_runs SET state=?, frame_count=?, completed_at=CURRENT_TIMESTAMP WHERE id=?;`,
		state, frameCount, id)
	return err
}

// RecordResult persists one analyzed frame for a run.
func (s *Store) RecordResult(runID string, res quality.Result) error {
	if s == nil {
		return nil
	}
	metricsJSON, _ := json.Marshal(res.Metrics)
	_, err := s.DB.Exec(`INSERT OR REPLACE INTO analysis_results
        (run_id, file_name, file_path, classification, user_override, reason, quality_score, metrics_json)
        VALUES (?, ?, ?, ?, ?, ?, ?, ?);`,
		runID, res.Metrics.FileName, res.Metrics.FilePath,
		string(res.Classification), string(res.UserOverride), res.Reason,
		res.Metrics.QualityScore, string(metricsJSON))
	return err
}

// SetOverride records a manual reclassification on a persisted result.
func (s *Store) SetOverride(runID, fileName string, class quality.Classification) error {
	if s == nil {
		return errors.New("store not initialized")
	}
	res, err := s.DB.Exec(`UPDATE analysis_results SET user_override=? WHERE run_id=? AND file_name=?;`,
		string(class), runID, fileName)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return fmt.Errorf("no result for %s in run %s", fileName, runID)
	}
	return nil
}

// ResultsForRun loads all persisted results of a run.
func (s *Store) ResultsForRun(runID string) ([]quality.Result, error) {
	if s == nil {
		return nil, errors.New("store not initialized")
	}
	rows, err := s.DB.Query(`SELECT classification, user_override, reason, metrics_json
        FROM analysis_results WHERE run_id=? ORDER BY file_name;`, runID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var results []quality.Result
	for rows.Next() {
		var class, override, reason, metricsJSON string
		if err := rows.Scan(&class, &override, &reason, &metricsJSON); err != nil {
			return nil, err
		}
		var res quality.Result
		if err := json.Unmarshal([]byte(metricsJSON), &res.Metrics); err != nil {
			return nil, fmt.Errorf("unmarshal metrics: %w", err)
		}
		res.Classification = quality.Classification(class)
		res.UserOverride = quality.Classification(override)
		res.Reason = reason
		results = append(results, res)
	}
	return results, rows.Err()
}

// RecentRuns returns the latest runs up to limit.
func (s *Store) RecentRuns(limit int) ([]RunRecord, error) {
	if s == nil {
		return nil, errors.New("store not initialized")
	}
	rows, err := s.DB.Query(`SELECT id, folder, reference_file, state, thresholds_json, frame_count, created_at, completed_at
        FROM analysis_runs ORDER BY created_at DESC LIMIT ?;`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var recs []RunRecord
	for rows.Next() {
		var rec RunRecord
		var refFile, tJSON sql.NullString
		var completed sql.NullTime
		if err := rows.Scan(&rec.ID, &rec.Folder, &refFile, &rec.State, &tJSON, &rec.FrameCount, &rec.CreatedAt, &completed); err != nil {
			return nil, err
		}
		if refFile.Valid {
			rec.ReferenceFile = refFile.String
		}
		if tJSON.Valid {
			_ = json.Unmarshal([]byte(tJSON.String), &rec.Thresholds)
		}
		if completed.Valid {
			rec.CompletedAt = &completed.Time
		}
		recs = append(recs, rec)
	}
	return recs, rows.Err()
}

// LatestRunID returns the most recently created run, or "" when none exist.
func (s *Store) LatestRunID() (string, error) {
	if s == nil {
		return "", errors.New("store not initialized")
	}
	var id string
	err := s.DB.QueryRow(`SELECT id FROM analysis_runs ORDER BY created_at DESC LIMIT 1;`).Scan(&id)
	if errors.Is(err, sql.ErrNoRows) {
		return "", nil
	}
	return id, err
}

// SaveThresholds persists user-editable thresholds under the settings key.
func (s *Store) SaveThresholds(t quality.Thresholds) error {
	if s == nil {
		return nil
	}
	tJSON, err := json.Marshal(t)
	if err != nil {
		return err
	}
	_, err = s.DB.Exec(`INSERT INTO settings (key, value, updated_at) VALUES (?, ?, CURRENT_TIMESTAMP)
        ON CONFLICT(key) DO UPDATE SET value=excluded.value, updated_at=CURRENT_TIMESTAMP;`,
		thresholdsKey, string(tJSON))
	return err
}

// LoadThresholds returns the persisted thresholds, or (defaults, false) when
// none were saved yet.
func (s *Store) LoadThresholds() (quality.Thresholds, bool, error) {
	if s == nil {
		return quality.DefaultThresholds(), false, nil
	}
	var value string
	err := s.DB.QueryRow(`SELECT value FROM settings WHERE key=?;`, thresholdsKey).Scan(&value)
	if errors.Is(err, sql.ErrNoRows) {
		return quality.DefaultThresholds(), false, nil
	}
	if err != nil {
		return quality.DefaultThresholds(), false, err
	}
	var t quality.Thresholds
	if err := json.Unmarshal([]byte(value), &t); err != nil {
		return quality.DefaultThresholds(), false, fmt.Errorf("unmarshal thresholds: %w", err)
	}
	return t, true, nil
}
