// Package watch monitors a capture folder during a live imaging session and
// grades each new FITS frame as it lands.
package watch

import (
	"context"
	"log/slog"
	"os"
	"time"

	"github.com/fsnotify/fsnotify"

	"subgrade/internal/fits"
	"subgrade/internal/quality"
)

// FrameEvent is one freshly analyzed frame from a watched folder.
type FrameEvent struct {
	Path   string         `json:"path"`
	Result quality.Result `json:"result"`
	Time   time.Time      `json:"time"`
}

// Watcher grades frames appearing in a capture folder.
type Watcher struct {
	watcher    *fsnotify.Watcher
	estimator  *quality.Estimator
	thresholds quality.Thresholds
	log        *slog.Logger
	Events     chan FrameEvent
	// settleDelay gives the capture software time to finish writing a
	// frame before the header is read.
	settleDelay time.Duration
}

// New creates a watcher over folder using the given thresholds.
func New(folder string, estimator *quality.Estimator, thresholds quality.Thresholds, log *slog.Logger) (*Watcher, error) {
	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	if err := fw.Add(folder); err != nil {
		fw.Close()
		return nil, err
	}
	return &Watcher{
		watcher:     fw,
		estimator:   estimator,
		thresholds:  thresholds,
		log:         log,
		Events:      make(chan FrameEvent, 64),
		settleDelay: 500 * time.Millisecond,
	}, nil
}

// Run processes filesystem events until ctx is done. Each newly created
// FITS file is analyzed and pushed on Events; unreadable frames are logged
// and dropped.
func (w *Watcher) Run(ctx context.Context) error {
	defer w.watcher.Close()
	defer close(w.Events)

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()

		case event, ok := <-w.watcher.Events:
			if !ok {
				return nil
			}
			if event.Op&fsnotify.Create == 0 || !fits.IsFITSFile(event.Name) {
				continue
			}
			w.analyze(ctx, event.Name)

		case err, ok := <-w.watcher.Errors:
			if !ok {
				return nil
			}
			w.log.Error("watcher error", "error", err)
		}
	}
}

func (w *Watcher) analyze(ctx context.Context, path string) {
	w.waitForSettle(ctx, path)

	metrics, err := w.estimator.Estimate(ctx, path, nil)
	if err != nil {
		w.log.Warn("skipping unreadable frame", "file", path, "error", err)
		return
	}
	metrics.QualityScore = quality.Score(metrics, w.thresholds)
	res := quality.Result{
		Metrics:        metrics,
		Classification: quality.Classify(metrics, w.thresholds),
		Reason:         quality.Reason(metrics, w.thresholds),
	}

	w.log.Info("frame graded",
		"file", metrics.FileName,
		"score", metrics.QualityScore,
		"classification", res.Classification,
		"reason", res.Reason,
	)

	select {
	case w.Events <- FrameEvent{Path: path, Result: res, Time: time.Now()}:
	default:
		w.log.Warn("event buffer full, dropping frame event", "file", path)
	}
}

// waitForSettle polls until the file size stops changing, bounded by a few
// settle intervals, so half-written frames are not parsed.
func (w *Watcher) waitForSettle(ctx context.Context, path string) {
	var lastSize int64 = -1
	for i := 0; i < 6; i++ {
		select {
		case <-ctx.Done():
			return
		case <-time.After(w.settleDelay):
		}
		info, err := os.Stat(path)
		if err != nil {
			return
		}
		if info.Size() == lastSize {
			return
		}
		lastSize = info.Size()
	}
}
