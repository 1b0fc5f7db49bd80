package cli

import (
	"context"
	"fmt"
	"log/slog"
	"math/rand"
	"time"

	"subgrade/internal/config"
	"subgrade/internal/fits"
	"subgrade/internal/quality"
	"subgrade/internal/run"
	"subgrade/internal/stardetect"
	"subgrade/internal/storage"
)

// Root wires CLI commands to the analysis engine.
type Root struct {
	cfg   *config.Config
	log   *slog.Logger
	store *storage.Store
}

// NewRoot constructs the CLI root.
func NewRoot(cfg *config.Config, logger *slog.Logger, store *storage.Store) *Root {
	return &Root{
		cfg:   cfg,
		log:   logger,
		store: store,
	}
}

// newEstimator builds a frame estimator honoring the configured detection
// preferences. detect overrides the configured pixel-detection setting when
// non-nil.
func (r *Root) newEstimator(detect *bool) *quality.Estimator {
	usePixels := r.cfg.Analysis.UsePixelDetection
	if detect != nil {
		usePixels = *detect
	}
	var detector quality.StarDetector
	if usePixels {
		detector = stardetect.New()
	}
	est := quality.NewEstimator(fits.Reader{}, detector, r.log)
	if r.cfg.Analysis.CropSize > 0 {
		est.Options.CropSize = r.cfg.Analysis.CropSize
	}
	if r.cfg.Analysis.KSigma > 0 {
		est.Options.KSigma = r.cfg.Analysis.KSigma
	}
	return est
}

// newRunner builds a batch runner with the configured yield interval.
func (r *Root) newRunner(est *quality.Estimator) *run.Runner {
	runner := run.New(est, r.log)
	if r.cfg.Analysis.YieldMillis > 0 {
		runner.SetYield(time.Duration(r.cfg.Analysis.YieldMillis) * time.Millisecond)
	}
	return runner
}

// loadThresholds returns the persisted thresholds, falling back to defaults.
func (r *Root) loadThresholds() quality.Thresholds {
	t, ok, err := r.store.LoadThresholds()
	if err != nil {
		r.log.Warn("failed to load stored thresholds, using defaults", "error", err)
		return quality.DefaultThresholds()
	}
	if !ok {
		return quality.DefaultThresholds()
	}
	return t
}

// estimateReference analyzes the designated reference frame.
func (r *Root) estimateReference(ctx context.Context, est *quality.Estimator, path string) (quality.FrameMetrics, error) {
	ref, err := est.Estimate(ctx, path, nil)
	if err != nil {
		return quality.FrameMetrics{}, fmt.Errorf("analyze reference frame: %w", err)
	}
	return ref, nil
}

func newID(prefix string) string {
	ts := time.Now().UTC().Format("20060102T150405")
	return fmt.Sprintf("%s-%s-%04d", prefix, ts, rand.Intn(10000))
}
