package run

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"subgrade/internal/fits"
	"subgrade/internal/quality"
)

// gatedHeaders serves synthetic headers and can block a chosen call so tests
// control exactly which frame is in flight when the run is stopped.
type gatedHeaders struct {
	mu      sync.Mutex
	calls   int
	blockAt int           // call number to block on, 0 = never
	reached chan struct{} // closed when the blocking call arrives
	release chan struct{} // the blocking call waits for this
	failFor map[string]error
}

func (g *gatedHeaders) ReadHeader(path string) (fits.Header, error) {
	g.mu.Lock()
	g.calls++
	n := g.calls
	g.mu.Unlock()

	if g.failFor != nil {
		if err, ok := g.failFor[path]; ok {
			return nil, err
		}
	}
	if g.blockAt > 0 && n == g.blockAt {
		close(g.reached)
		<-g.release
	}
	return fits.Header{"SIMPLE": true, "EXPTIME": 120.0, "FILTER": "L"}, nil
}

func testFiles(n int) []fits.File {
	files := make([]fits.File, n)
	for i := range files {
		name := fmt.Sprintf("light_2024-03-12T22-00-%02d_L.fits", i)
		files[i] = fits.File{Path: "/captures/" + name, Name: name}
	}
	return files
}

func newTestRunner(headers quality.HeaderReader) *Runner {
	est := quality.NewEstimator(headers, nil, nil)
	r := New(est, nil)
	r.SetYield(0)
	return r
}

func goodReference() quality.FrameMetrics {
	return quality.FrameMetrics{
		FileName:        "ref.fits",
		FWHM:            2.5,
		StarCount:       200,
		BackgroundNoise: 0.03,
		TrackingError:   1.0,
	}
}

func TestStartRequiresReference(t *testing.T) {
	r := newTestRunner(&gatedHeaders{})
	err := r.Start(context.Background(), testFiles(3))
	if !errors.Is(err, ErrNoReference) {
		t.Fatalf("expected ErrNoReference, got %v", err)
	}
	if r.State() != StateIdle {
		t.Fatalf("rejected start must leave the runner idle, state %s", r.State())
	}
}

func TestSetReferenceCalibratesThresholds(t *testing.T) {
	r := newTestRunner(&gatedHeaders{})
	if err := r.SetReference(goodReference()); err != nil {
		t.Fatalf("SetReference: %v", err)
	}
	got := r.Thresholds()
	want := quality.Thresholds{MaxFWHM: 4.5, MinStars: 120, MaxNoise: 0.06, MaxTracking: 2.5}
	if got != want {
		t.Fatalf("thresholds = %+v, want %+v", got, want)
	}
}

func TestRunCompletes(t *testing.T) {
	r := newTestRunner(&gatedHeaders{})
	if err := r.SetReference(goodReference()); err != nil {
		t.Fatal(err)
	}

	progCh, unsub := r.Subscribe()
	defer unsub()

	if err := r.Start(context.Background(), testFiles(5)); err != nil {
		t.Fatalf("Start: %v", err)
	}
	r.Wait()

	if r.State() != StateCompleted {
		t.Fatalf("state = %s, want completed", r.State())
	}
	results := r.Results()
	if len(results) != 5 {
		t.Fatalf("expected 5 results, got %d", len(results))
	}
	for _, res := range results {
		if res.Classification == "" || res.Reason == "" {
			t.Fatalf("result missing classification or reason: %+v", res)
		}
	}

	var last Progress
	for prog := range progCh {
		last = prog
		if prog.State != StateRunning {
			break
		}
	}
	if last.State != StateCompleted || last.Completed != 5 || last.Fraction != 1.0 {
		t.Fatalf("unexpected terminal progress %+v", last)
	}
}

func TestStartWhileRunningRejected(t *testing.T) {
	headers := &gatedHeaders{
		blockAt: 1,
		reached: make(chan struct{}),
		release: make(chan struct{}),
	}
	r := newTestRunner(headers)
	if err := r.SetReference(goodReference()); err != nil {
		t.Fatal(err)
	}
	if err := r.Start(context.Background(), testFiles(3)); err != nil {
		t.Fatalf("Start: %v", err)
	}
	<-headers.reached

	if err := r.Start(context.Background(), testFiles(3)); !errors.Is(err, ErrAlreadyRunning) {
		t.Fatalf("expected ErrAlreadyRunning, got %v", err)
	}
	if err := r.SetReference(goodReference()); !errors.Is(err, ErrAlreadyRunning) {
		t.Fatalf("expected reference change rejected mid-run, got %v", err)
	}
	if err := r.SetThresholds(quality.DefaultThresholds()); !errors.Is(err, ErrAlreadyRunning) {
		t.Fatalf("expected threshold change rejected mid-run, got %v", err)
	}

	close(headers.release)
	r.Wait()
}

func TestStopBetweenFrames(t *testing.T) {
	headers := &gatedHeaders{
		blockAt: 4,
		reached: make(chan struct{}),
		release: make(chan struct{}),
	}
	r := newTestRunner(headers)
	if err := r.SetReference(goodReference()); err != nil {
		t.Fatal(err)
	}

	if err := r.Start(context.Background(), testFiles(10)); err != nil {
		t.Fatalf("Start: %v", err)
	}
	<-headers.reached // three frames done, fourth in flight

	r.Stop()
	close(headers.release)
	r.Wait()

	if r.State() != StateStopped {
		t.Fatalf("state = %s, want stopped", r.State())
	}
	// The frame in flight finishes; nothing after it starts.
	if got := len(r.Results()); got != 4 {
		t.Fatalf("expected 4 results after stop, got %d", got)
	}
}

func TestRestartClearsResults(t *testing.T) {
	r := newTestRunner(&gatedHeaders{})
	if err := r.SetReference(goodReference()); err != nil {
		t.Fatal(err)
	}

	if err := r.Start(context.Background(), testFiles(4)); err != nil {
		t.Fatal(err)
	}
	r.Wait()
	if len(r.Results()) != 4 {
		t.Fatalf("expected 4 results from first run")
	}

	if err := r.Start(context.Background(), testFiles(2)); err != nil {
		t.Fatalf("restart after completion: %v", err)
	}
	r.Wait()
	if got := len(r.Results()); got != 2 {
		t.Fatalf("restart must clear prior results, got %d", got)
	}
	if r.State() != StateCompleted {
		t.Fatalf("state = %s, want completed", r.State())
	}
}

func TestUnreadableFrameSkippedAndRunContinues(t *testing.T) {
	files := testFiles(4)
	headers := &gatedHeaders{failFor: map[string]error{
		files[1].Path: errors.New("truncated header"),
	}}
	r := newTestRunner(headers)
	if err := r.SetReference(goodReference()); err != nil {
		t.Fatal(err)
	}

	progCh, unsub := r.Subscribe()
	defer unsub()

	if err := r.Start(context.Background(), files); err != nil {
		t.Fatal(err)
	}

	skipped := 0
	for prog := range progCh {
		if prog.Skipped {
			skipped++
		}
		if prog.State != StateRunning {
			break
		}
	}
	r.Wait()

	if r.State() != StateCompleted {
		t.Fatalf("state = %s, want completed", r.State())
	}
	if skipped != 1 {
		t.Fatalf("expected 1 skipped progress event, got %d", skipped)
	}
	if got := len(r.Results()); got != 3 {
		t.Fatalf("expected 3 results, got %d", got)
	}
}

func TestSetOverride(t *testing.T) {
	r := newTestRunner(&gatedHeaders{})
	if err := r.SetReference(goodReference()); err != nil {
		t.Fatal(err)
	}
	files := testFiles(2)
	if err := r.Start(context.Background(), files); err != nil {
		t.Fatal(err)
	}
	r.Wait()

	if !r.SetOverride(files[0].Name, quality.ClassBad) {
		t.Fatalf("expected override to find the frame")
	}
	if r.SetOverride("no_such_frame.fits", quality.ClassGood) {
		t.Fatalf("override of unknown frame must report false")
	}

	res := r.Results()[0]
	if res.UserOverride != quality.ClassBad {
		t.Fatalf("override not recorded: %+v", res)
	}
	if res.Effective() != quality.ClassBad {
		t.Fatalf("effective classification should honor the override")
	}
}

func TestSetThresholdsActsAsBaseline(t *testing.T) {
	r := newTestRunner(&gatedHeaders{})
	if err := r.SetThresholds(quality.DefaultThresholds()); err != nil {
		t.Fatal(err)
	}
	if err := r.Start(context.Background(), testFiles(1)); err != nil {
		t.Fatalf("threshold edit should satisfy the baseline requirement: %v", err)
	}
	r.Wait()
}

func TestSubscribeUnsubscribeStopsDelivery(t *testing.T) {
	r := newTestRunner(&gatedHeaders{})
	ch, unsub := r.Subscribe()
	unsub()
	select {
	case _, ok := <-ch:
		if ok {
			t.Fatalf("expected closed channel after unsubscribe")
		}
	case <-time.After(time.Second):
		t.Fatalf("unsubscribed channel should be closed")
	}
}
