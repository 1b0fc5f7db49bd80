// Package run drives a batch quality analysis over a set of FITS frames:
// one frame at a time, progress after each, cooperative stop between frames.
package run

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"subgrade/internal/fits"
	"subgrade/internal/quality"
)

// State is the batch run lifecycle.
type State string

const (
	StateIdle      State = "idle"
	StateRunning   State = "running"
	StateCompleted State = "completed"
	StateStopped   State = "stopped"
)

var (
	// ErrNoReference is returned when Start is called before a reference
	// frame has been designated.
	ErrNoReference = errors.New("no reference frame set")
	// ErrAlreadyRunning is returned when Start is called mid-run.
	ErrAlreadyRunning = errors.New("a batch run is already in progress")
)

// Progress is emitted after each analyzed (or skipped) frame and once at the
// terminal state transition.
type Progress struct {
	File      string          `json:"file"`
	Completed int             `json:"completed"`
	Total     int             `json:"total"`
	Fraction  float64         `json:"fraction"`
	Result    *quality.Result `json:"result,omitempty"`
	Skipped   bool            `json:"skipped,omitempty"`
	State     State           `json:"state"`
}

// Runner analyzes frames sequentially against calibrated thresholds.
// Thresholds are read-only while a run is active; exactly one run may be in
// flight at a time.
type Runner struct {
	estimator *quality.Estimator
	log       *slog.Logger

	// yield keeps the caller's event loop responsive between frames.
	yield time.Duration

	mu         sync.Mutex
	state      State
	reference  *quality.FrameMetrics
	thresholds quality.Thresholds
	results    []quality.Result
	cancel     context.CancelFunc
	done       chan struct{}

	subs      map[int]chan Progress
	nextSubID int
}

// New creates an idle Runner with default thresholds.
func New(estimator *quality.Estimator, log *slog.Logger) *Runner {
	return &Runner{
		estimator:  estimator,
		log:        log,
		yield:      10 * time.Millisecond,
		state:      StateIdle,
		thresholds: quality.DefaultThresholds(),
		subs:       make(map[int]chan Progress),
	}
}

// SetReference designates the reference frame and calibrates thresholds
// from it. Rejected while a run is active.
func (r *Runner) SetReference(ref quality.FrameMetrics) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.state == StateRunning {
		return ErrAlreadyRunning
	}
	refCopy := ref
	r.reference = &refCopy
	r.thresholds = quality.Calibrate(ref)
	if r.log != nil {
		r.log.Info("thresholds calibrated from reference",
			"reference", ref.FileName,
			"max_fwhm", r.thresholds.MaxFWHM,
			"min_stars", r.thresholds.MinStars,
			"max_noise", r.thresholds.MaxNoise,
			"max_tracking", r.thresholds.MaxTracking,
		)
	}
	return nil
}

// SetThresholds overrides individual limits after calibration. Rejected
// while a run is active.
func (r *Runner) SetThresholds(t quality.Thresholds) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.state == StateRunning {
		return ErrAlreadyRunning
	}
	r.thresholds = t
	// A threshold edit counts as having a baseline even without a
	// calibrated reference frame.
	if r.reference == nil {
		r.reference = &quality.FrameMetrics{}
	}
	return nil
}

// SetYield adjusts the cooperative pause between frames.
func (r *Runner) SetYield(d time.Duration) {
	r.mu.Lock()
	r.yield = d
	r.mu.Unlock()
}

// Thresholds returns the current limits.
func (r *Runner) Thresholds() quality.Thresholds {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.thresholds
}

// State returns the current lifecycle state.
func (r *Runner) State() State {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.state
}

// Results returns a copy of the accumulated results.
func (r *Runner) Results() []quality.Result {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]quality.Result, len(r.results))
	copy(out, r.results)
	return out
}

// SetOverride records a manual reclassification on an accumulated result.
// The automatic classification is left untouched.
func (r *Runner) SetOverride(fileName string, class quality.Classification) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	for i := range r.results {
		if r.results[i].Metrics.FileName == fileName {
			r.results[i].UserOverride = class
			return true
		}
	}
	return false
}

// Subscribe returns a channel of Progress events and an unsubscribe func.
func (r *Runner) Subscribe() (<-chan Progress, func()) {
	r.mu.Lock()
	defer r.mu.Unlock()
	id := r.nextSubID
	r.nextSubID++
	ch := make(chan Progress, 16)
	r.subs[id] = ch
	unsub := func() {
		r.mu.Lock()
		if c, ok := r.subs[id]; ok {
			close(c)
			delete(r.subs, id)
		}
		r.mu.Unlock()
	}
	return ch, unsub
}

// Start begins analyzing files in the background. It rejects when no
// reference frame is set or a run is already active, clears any prior
// results, and returns immediately; callers observe completion via Wait or
// Subscribe.
func (r *Runner) Start(ctx context.Context, files []fits.File) error {
	r.mu.Lock()
	if r.state == StateRunning {
		r.mu.Unlock()
		return ErrAlreadyRunning
	}
	if r.reference == nil {
		r.mu.Unlock()
		return ErrNoReference
	}
	runCtx, cancel := context.WithCancel(ctx)
	r.state = StateRunning
	r.results = nil
	r.cancel = cancel
	r.done = make(chan struct{})
	thresholds := r.thresholds
	done := r.done
	r.mu.Unlock()

	go func() {
		defer close(done)
		r.loop(runCtx, files, thresholds)
	}()
	return nil
}

// Stop requests a cooperative stop. The frame in flight finishes; the run
// transitions to Stopped before the next one.
func (r *Runner) Stop() {
	r.mu.Lock()
	cancel := r.cancel
	r.mu.Unlock()
	if cancel != nil {
		cancel()
	}
}

// Wait blocks until the current run reaches a terminal state.
func (r *Runner) Wait() {
	r.mu.Lock()
	done := r.done
	r.mu.Unlock()
	if done != nil {
		<-done
	}
}

func (r *Runner) loop(ctx context.Context, files []fits.File, thresholds quality.Thresholds) {
	total := len(files)
	completed := 0

	for i, f := range files {
		// Cancellation is honored between frames only.
		if ctx.Err() != nil {
			r.finish(StateStopped, completed, total)
			return
		}

		metrics, err := r.estimator.Estimate(ctx, f.Path, f.Header)
		if err != nil {
			if ctx.Err() != nil {
				r.finish(StateStopped, completed, total)
				return
			}
			if r.log != nil {
				r.log.Warn("frame analysis failed, skipping", "file", f.Name, "error", err)
			}
			r.broadcast(Progress{
				File: f.Name, Completed: completed, Total: total,
				Fraction: float64(i+1) / float64(total),
				Skipped:  true, State: StateRunning,
			})
			continue
		}

		metrics.QualityScore = quality.Score(metrics, thresholds)
		res := quality.Result{
			Metrics:        metrics,
			Classification: quality.Classify(metrics, thresholds),
			Reason:         quality.Reason(metrics, thresholds),
		}

		r.mu.Lock()
		r.results = append(r.results, res)
		r.mu.Unlock()
		completed++

		if r.log != nil {
			r.log.Info("frame analyzed",
				"file", f.Name,
				"score", metrics.QualityScore,
				"classification", res.Classification,
				"fwhm", metrics.FWHM,
				"stars", metrics.StarCount,
			)
		}
		r.broadcast(Progress{
			File: f.Name, Completed: completed, Total: total,
			Fraction: float64(i+1) / float64(total),
			Result:   &res, State: StateRunning,
		})

		// Brief pause between frames so a host event loop is never starved.
		if i < len(files)-1 && r.yield > 0 {
			select {
			case <-ctx.Done():
			case <-time.After(r.yield):
			}
		}
	}

	if ctx.Err() != nil {
		r.finish(StateStopped, completed, total)
		return
	}
	r.finish(StateCompleted, completed, total)
}

func (r *Runner) finish(terminal State, completed, total int) {
	r.mu.Lock()
	r.state = terminal
	if r.cancel != nil {
		r.cancel()
		r.cancel = nil
	}
	r.mu.Unlock()

	if r.log != nil {
		r.log.Info("batch run finished", "state", terminal, "analyzed", completed, "total", total)
	}
	fraction := 1.0
	if total > 0 {
		fraction = float64(completed) / float64(total)
	}
	r.broadcast(Progress{Completed: completed, Total: total, Fraction: fraction, State: terminal})
}

func (r *Runner) broadcast(p Progress) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for id, ch := range r.subs {
		select {
		case ch <- p:
		default:
			if r.log != nil {
				r.log.Warn("progress channel full", "subscriber", id)
			}
		}
	}
}
