package server

import (
	"bytes"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"

	"github.com/gorilla/mux"

	"subgrade/internal/fits"
	"subgrade/internal/quality"
	"subgrade/internal/run"
	"subgrade/internal/storage"
)

type staticHeaders struct{}

func (staticHeaders) ReadHeader(path string) (fits.Header, error) {
	return fits.Header{"EXPTIME": 60.0, "FILTER": "L"}, nil
}

func newTestServer(t *testing.T) (*Server, *mux.Router, *storage.Store, *run.Runner) {
	t.Helper()
	store, err := storage.New(filepath.Join(t.TempDir(), "test.db"))
	if err != nil {
		t.Fatalf("storage.New: %v", err)
	}
	t.Cleanup(func() { store.Close() })

	est := quality.NewEstimator(staticHeaders{}, nil, nil)
	runner := run.New(est, nil)
	log := slog.New(slog.NewTextHandler(io.Discard, nil))

	s := NewServer(":0", store, runner, log)
	r := mux.NewRouter()
	s.setupRoutes(r)
	return s, r, store, runner
}

func storedResult(name string, score int, class quality.Classification) quality.Result {
	return quality.Result{
		Metrics: quality.FrameMetrics{
			FileName:     name,
			FilePath:     "/captures/" + name,
			FWHM:         3.1,
			StarCount:    130,
			QualityScore: score,
		},
		Classification: class,
		Reason:         "meets all criteria",
	}
}

func TestHealthEndpoint(t *testing.T) {
	_, r, _, _ := newTestServer(t)

	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, httptest.NewRequest("GET", "/healthz", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
	if rec.Body.String() != "ok" {
		t.Fatalf("body = %q, want ok", rec.Body.String())
	}
}

func TestRunsEndpoint(t *testing.T) {
	_, r, store, _ := newTestServer(t)

	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, httptest.NewRequest("GET", "/runs", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
	var runs []storage.RunRecord
	if err := json.Unmarshal(rec.Body.Bytes(), &runs); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(runs) != 0 {
		t.Fatalf("expected no runs, got %d", len(runs))
	}

	if err := store.RecordRunStart("run-1", "/captures/m31", "ref.fits", quality.DefaultThresholds()); err != nil {
		t.Fatalf("RecordRunStart: %v", err)
	}
	rec = httptest.NewRecorder()
	r.ServeHTTP(rec, httptest.NewRequest("GET", "/runs", nil))
	if err := json.Unmarshal(rec.Body.Bytes(), &runs); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(runs) != 1 || runs[0].ID != "run-1" {
		t.Fatalf("unexpected runs: %+v", runs)
	}
}

func TestRunResultsEndpoint(t *testing.T) {
	_, r, store, _ := newTestServer(t)

	if err := store.RecordRunStart("run-1", "/captures/m31", "", quality.DefaultThresholds()); err != nil {
		t.Fatalf("RecordRunStart: %v", err)
	}
	if err := store.RecordResult("run-1", storedResult("light_0001.fits", 92, quality.ClassGood)); err != nil {
		t.Fatalf("RecordResult: %v", err)
	}

	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, httptest.NewRequest("GET", "/runs/run-1/results", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
	var results []quality.Result
	if err := json.Unmarshal(rec.Body.Bytes(), &results); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(results) != 1 || results[0].Metrics.FileName != "light_0001.fits" {
		t.Fatalf("unexpected results: %+v", results)
	}
}

func TestLatestResultsFallsBackToStore(t *testing.T) {
	_, r, store, _ := newTestServer(t)

	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, httptest.NewRequest("GET", "/results", nil))
	var results []quality.Result
	if err := json.Unmarshal(rec.Body.Bytes(), &results); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(results) != 0 {
		t.Fatalf("expected empty results, got %d", len(results))
	}

	if err := store.RecordRunStart("run-1", "/captures/m31", "", quality.DefaultThresholds()); err != nil {
		t.Fatalf("RecordRunStart: %v", err)
	}
	if err := store.RecordResult("run-1", storedResult("light_0002.fits", 48, quality.ClassBad)); err != nil {
		t.Fatalf("RecordResult: %v", err)
	}

	rec = httptest.NewRecorder()
	r.ServeHTTP(rec, httptest.NewRequest("GET", "/results", nil))
	if err := json.Unmarshal(rec.Body.Bytes(), &results); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(results) != 1 || results[0].Classification != quality.ClassBad {
		t.Fatalf("unexpected results: %+v", results)
	}
}

func TestThresholdsGetAndPut(t *testing.T) {
	_, r, store, runner := newTestServer(t)

	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, httptest.NewRequest("GET", "/thresholds", nil))
	var got quality.Thresholds
	if err := json.Unmarshal(rec.Body.Bytes(), &got); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if got != quality.DefaultThresholds() {
		t.Fatalf("thresholds = %+v, want defaults", got)
	}

	want := quality.Thresholds{MaxFWHM: 4.5, MinStars: 120, MaxNoise: 0.06, MaxTracking: 2.8}
	body, _ := json.Marshal(want)
	rec = httptest.NewRecorder()
	r.ServeHTTP(rec, httptest.NewRequest("PUT", "/thresholds", bytes.NewReader(body)))
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
	if runner.Thresholds() != want {
		t.Fatalf("runner thresholds = %+v, want %+v", runner.Thresholds(), want)
	}
	saved, found, err := store.LoadThresholds()
	if err != nil || !found {
		t.Fatalf("LoadThresholds: found=%v err=%v", found, err)
	}
	if saved != want {
		t.Fatalf("persisted thresholds = %+v, want %+v", saved, want)
	}
}

func TestThresholdsPutRejectsBadBody(t *testing.T) {
	_, r, _, _ := newTestServer(t)

	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, httptest.NewRequest("PUT", "/thresholds", bytes.NewReader([]byte("{bad"))))
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", rec.Code)
	}
}
