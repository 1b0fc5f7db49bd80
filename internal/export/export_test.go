package export

import (
	"bytes"
	"encoding/csv"
	"os"
	"path/filepath"
	"testing"

	"subgrade/internal/quality"
)

func sampleResults(dir string, t *testing.T) []quality.Result {
	t.Helper()
	mk := func(name string, class, override quality.Classification) quality.Result {
		path := filepath.Join(dir, name)
		if err := os.WriteFile(path, []byte("frame data"), 0o644); err != nil {
			t.Fatal(err)
		}
		return quality.Result{
			Metrics: quality.FrameMetrics{
				FileName:          name,
				FilePath:          path,
				Exposure:          120,
				Filter:            "L",
				FWHM:              3.21,
				StarCount:         142,
				BackgroundNoise:   0.045,
				TrackingError:     1.1,
				StarElongationP90: 1.12,
				StarElongationMax: 1.31,
				QualityScore:      87,
			},
			Classification: class,
			Reason:         "meets all criteria",
			UserOverride:   override,
		}
	}
	return []quality.Result{
		mk("light_0001.fits", quality.ClassGood, ""),
		mk("light_0002.fits", quality.ClassBad, ""),
		mk("light_0003.fits", quality.ClassBad, quality.ClassAcceptable),
		mk("light_0004.fits", quality.ClassGood, quality.ClassBad),
	}
}

func TestWriteCSV(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "lights")
	if err := os.MkdirAll(dir, 0o755); err != nil {
		t.Fatal(err)
	}
	results := sampleResults(dir, t)

	var buf bytes.Buffer
	if err := WriteCSV(&buf, results); err != nil {
		t.Fatalf("WriteCSV: %v", err)
	}

	rows, err := csv.NewReader(&buf).ReadAll()
	if err != nil {
		t.Fatalf("parse csv: %v", err)
	}
	if len(rows) != 5 {
		t.Fatalf("expected header + 4 rows, got %d", len(rows))
	}
	if rows[0][0] != "file name" || rows[0][3] != "final classification" {
		t.Fatalf("unexpected header row %v", rows[0])
	}

	// Row for the overridden frame keeps both classifications.
	row := rows[3]
	if row[2] != "bad" || row[3] != "acceptable" {
		t.Fatalf("expected auto=bad final=acceptable, got auto=%s final=%s", row[2], row[3])
	}
	if row[4] != "87" {
		t.Fatalf("score column = %s, want 87", row[4])
	}
	if row[5] != "3.21" {
		t.Fatalf("fwhm column = %s, want 3.21", row[5])
	}
	if row[7] != "4.50" {
		t.Fatalf("noise %% column = %s, want 4.50", row[7])
	}
}

func TestSaveCSV(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "lights")
	if err := os.MkdirAll(dir, 0o755); err != nil {
		t.Fatal(err)
	}
	out := filepath.Join(t.TempDir(), "report.csv")
	if err := SaveCSV(out, sampleResults(dir, t)); err != nil {
		t.Fatalf("SaveCSV: %v", err)
	}
	data, err := os.ReadFile(out)
	if err != nil {
		t.Fatal(err)
	}
	if len(data) == 0 {
		t.Fatalf("expected non-empty report")
	}
}

func TestArchiveBadUsesEffectiveClassification(t *testing.T) {
	base := t.TempDir()
	dir := filepath.Join(base, "lights")
	if err := os.MkdirAll(dir, 0o755); err != nil {
		t.Fatal(err)
	}
	results := sampleResults(dir, t)

	n, err := ArchiveBad(dir, results, nil)
	if err != nil {
		t.Fatalf("ArchiveBad: %v", err)
	}
	// light_0002 is bad; light_0003 was overridden to acceptable and stays;
	// light_0004 was overridden to bad and goes.
	if n != 2 {
		t.Fatalf("expected 2 archived frames, got %d", n)
	}

	badDir := filepath.Join(base, "BAD")
	if _, err := os.Stat(filepath.Join(badDir, "light_0002.fits")); err != nil {
		t.Errorf("light_0002.fits not archived: %v", err)
	}
	if _, err := os.Stat(filepath.Join(badDir, "light_0004.fits")); err != nil {
		t.Errorf("light_0004.fits not archived: %v", err)
	}
	if _, err := os.Stat(filepath.Join(badDir, "light_0003.fits")); !os.IsNotExist(err) {
		t.Errorf("overridden frame must not be archived")
	}
}

func TestArchiveBadNoBadFrames(t *testing.T) {
	base := t.TempDir()
	dir := filepath.Join(base, "lights")
	if err := os.MkdirAll(dir, 0o755); err != nil {
		t.Fatal(err)
	}
	results := []quality.Result{
		{Metrics: quality.FrameMetrics{FileName: "a.fits", FilePath: filepath.Join(dir, "a.fits")}, Classification: quality.ClassGood},
	}

	n, err := ArchiveBad(dir, results, nil)
	if err != nil {
		t.Fatalf("ArchiveBad: %v", err)
	}
	if n != 0 {
		t.Fatalf("expected 0 archived, got %d", n)
	}
	if _, err := os.Stat(filepath.Join(base, "BAD")); !os.IsNotExist(err) {
		t.Fatalf("BAD directory must not be created when nothing is archived")
	}
}

func TestArchiveBadSkipsMissingSource(t *testing.T) {
	base := t.TempDir()
	dir := filepath.Join(base, "lights")
	if err := os.MkdirAll(dir, 0o755); err != nil {
		t.Fatal(err)
	}
	results := sampleResults(dir, t)
	results = append(results, quality.Result{
		Metrics: quality.FrameMetrics{
			FileName: "gone.fits",
			FilePath: filepath.Join(dir, "gone.fits"),
		},
		Classification: quality.ClassBad,
	})

	n, err := ArchiveBad(dir, results, nil)
	if err != nil {
		t.Fatalf("ArchiveBad: %v", err)
	}
	if n != 2 {
		t.Fatalf("missing source must be skipped, got %d archived", n)
	}
}
