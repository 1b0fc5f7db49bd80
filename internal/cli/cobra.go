package cli

import (
	"context"
	"fmt"
	"log/slog"
	"os/signal"
	"sort"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"subgrade/internal/config"
	"subgrade/internal/export"
	"subgrade/internal/fits"
	"subgrade/internal/logging"
	"subgrade/internal/quality"
	"subgrade/internal/run"
	"subgrade/internal/server"
	"subgrade/internal/storage"
	"subgrade/internal/watch"
)

// NewRootCmd creates the root Cobra command
func NewRootCmd(cfg *config.Config, log *slog.Logger, store *storage.Store) *cobra.Command {
	root := NewRoot(cfg, log, store)

	rootCmd := &cobra.Command{
		Use:   "subgrade",
		Short: "Subgrade grades astrophotography sub-frames by quality",
		Long: `Subgrade analyzes FITS sub-frames from an imaging session, scores each
frame against calibrated thresholds, and sorts the keepers from the rejects.`,
	}

	rootCmd.AddCommand(newAnalyzeCmd(root))
	rootCmd.AddCommand(newScanCmd(root))
	rootCmd.AddCommand(newCalibrateCmd(root))
	rootCmd.AddCommand(newThresholdsCmd(root))
	rootCmd.AddCommand(newOverrideCmd(root))
	rootCmd.AddCommand(newExportCmd(root))
	rootCmd.AddCommand(newArchiveCmd(root))
	rootCmd.AddCommand(newWatchCmd(root))
	rootCmd.AddCommand(newServeCmd(root))
	rootCmd.AddCommand(newConfigCmd(root))
	rootCmd.AddCommand(newVersionCmd(root))

	return rootCmd
}

func newAnalyzeCmd(root *Root) *cobra.Command {
	var (
		reference   string
		output      string
		archiveBad  bool
		detect      bool
		maxFWHM     float64
		minStars    int
		maxNoise    float64
		maxTracking float64
	)

	cmd := &cobra.Command{
		Use:   "analyze <input_directory>",
		Short: "Analyze a folder of FITS sub-frames",
		Long: `Scan a folder of FITS sub-frames, calibrate thresholds from a reference
frame, and classify every frame as good, acceptable, or bad.

Examples:
  # Calibrate against the best frame of the night, then grade the rest
  subgrade analyze /captures/m31/ --reference m31_0042.fits

  # Grade with stored thresholds and export a report
  subgrade analyze /captures/m31/ --output report.csv

  # Grade, archive the rejects, and skip pixel-level detection
  subgrade analyze /captures/m31/ --archive --detect=false`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			input := args[0]
			ctx := cmd.Context()

			detectFlag := &detect
			if !cmd.Flags().Changed("detect") {
				detectFlag = nil
			}
			est := root.newEstimator(detectFlag)
			runner := root.newRunner(est)

			scan, err := fits.ScanFolder(input, root.log)
			if err != nil {
				return err
			}

			// Calibrate from the reference when given, otherwise reuse
			// the stored thresholds.
			if reference != "" {
				refPath := resolveReference(scan, reference)
				ref, err := root.estimateReference(ctx, est, refPath)
				if err != nil {
					return err
				}
				if err := runner.SetReference(ref); err != nil {
					return err
				}
			} else {
				if err := runner.SetThresholds(root.loadThresholds()); err != nil {
					return err
				}
			}

			// Individual flag overrides win over calibration.
			t := runner.Thresholds()
			if cmd.Flags().Changed("max-fwhm") {
				t.MaxFWHM = maxFWHM
			}
			if cmd.Flags().Changed("min-stars") {
				t.MinStars = minStars
			}
			if cmd.Flags().Changed("max-noise") {
				t.MaxNoise = maxNoise
			}
			if cmd.Flags().Changed("max-tracking") {
				t.MaxTracking = maxTracking
			}
			if err := runner.SetThresholds(t); err != nil {
				return err
			}

			runID := newID("run")
			if err := root.store.RecordRunStart(runID, input, reference, t); err != nil {
				root.log.Warn("failed to record run start", "error", err)
			}
			logging.LogRunStart(root.log, runID, input, reference, len(scan.Files))
			started := time.Now()

			progCh, unsubscribe := runner.Subscribe()
			defer unsubscribe()

			// Stop cleanly on Ctrl+C; the frame in flight finishes first.
			runCtx, cancel := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
			defer cancel()

			if err := runner.Start(runCtx, scan.Files); err != nil {
				return err
			}
			for prog := range progCh {
				switch {
				case prog.State == run.StateRunning && prog.Skipped:
					fmt.Printf("[%3.0f%%] %s  skipped\n", prog.Fraction*100, prog.File)
				case prog.State == run.StateRunning && prog.Result != nil:
					fmt.Printf("[%3.0f%%] %s  score=%d  %s\n",
						prog.Fraction*100, prog.File,
						prog.Result.Metrics.QualityScore, prog.Result.Classification)
				default:
					// terminal transition
					unsubscribe()
				}
			}
			runner.Wait()

			results := runner.Results()
			for _, res := range results {
				if err := root.store.RecordResult(runID, res); err != nil {
					root.log.Warn("failed to record result", "file", res.Metrics.FileName, "error", err)
				}
			}
			state := string(runner.State())
			if err := root.store.RecordRunFinish(runID, state, len(results)); err != nil {
				root.log.Warn("failed to record run finish", "error", err)
			}
			logging.LogRunComplete(root.log, runID, state, time.Since(started), len(results))

			printRunSummary(results, state)

			if output != "" {
				if err := export.SaveCSV(output, results); err != nil {
					return fmt.Errorf("export csv: %w", err)
				}
				fmt.Printf("Report written to %s\n", output)
			}
			if archiveBad {
				n, err := export.ArchiveBad(input, results, root.log)
				if err != nil {
					return fmt.Errorf("archive bad frames: %w", err)
				}
				fmt.Printf("Archived %d bad frame(s)\n", n)
			}
			return nil
		},
	}

	cmd.Flags().StringVarP(&reference, "reference", "r", "", "reference frame to calibrate thresholds from (path or name within the folder)")
	cmd.Flags().StringVarP(&output, "output", "o", "", "write a CSV report to this path")
	cmd.Flags().BoolVar(&archiveBad, "archive", false, "copy bad frames into a BAD directory next to the input folder")
	cmd.Flags().BoolVar(&detect, "detect", true, "run pixel-level star detection (false = header estimates only)")
	cmd.Flags().Float64Var(&maxFWHM, "max-fwhm", 0, "override the FWHM limit in pixels")
	cmd.Flags().IntVar(&minStars, "min-stars", 0, "override the minimum star count")
	cmd.Flags().Float64Var(&maxNoise, "max-noise", 0, "override the background noise limit (fraction of full scale)")
	cmd.Flags().Float64Var(&maxTracking, "max-tracking", 0, "override the tracking error limit in pixels")

	return cmd
}

// resolveReference accepts either a bare file name within the scanned folder
// or a full path.
func resolveReference(scan fits.ScanResult, reference string) string {
	for _, f := range scan.Files {
		if f.Name == reference || f.Path == reference {
			return f.Path
		}
	}
	return reference
}

func printRunSummary(results []quality.Result, state string) {
	counts := map[quality.Classification]int{}
	for _, res := range results {
		counts[res.Effective()]++
	}
	fmt.Printf("\nRun %s: %d analyzed, %d good, %d acceptable, %d bad\n",
		state, len(results),
		counts[quality.ClassGood], counts[quality.ClassAcceptable], counts[quality.ClassBad])
}

func newScanCmd(root *Root) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "scan <input_directory>",
		Short: "Summarize the FITS frames in a folder",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			scan, err := fits.ScanFolder(args[0], root.log)
			if err != nil {
				return err
			}
			sum := fits.Summarize(scan)

			fmt.Printf("Folder: %s\n", scan.Folder)
			fmt.Printf("Frames: %d (%.0f s total integration)\n", sum.FrameCount, sum.TotalSecs)
			if len(sum.Objects) > 0 {
				fmt.Printf("Objects: %v\n", sum.Objects)
			}
			filters := make([]string, 0, len(sum.ByFilter))
			for f := range sum.ByFilter {
				filters = append(filters, f)
			}
			sort.Strings(filters)
			for _, f := range filters {
				fmt.Printf("  %-10s %4d frames  %8.0f s\n", f, sum.ByFilter[f], sum.FilterSecs[f])
			}
			if len(sum.SkippedNames) > 0 {
				fmt.Printf("Skipped (unreadable): %v\n", sum.SkippedNames)
			}
			return nil
		},
	}
	return cmd
}

func newCalibrateCmd(root *Root) *cobra.Command {
	var detect bool

	cmd := &cobra.Command{
		Use:   "calibrate <reference_frame>",
		Short: "Calibrate quality thresholds from a reference frame",
		Long: `Analyze a known-good reference frame and derive quality thresholds from
its measurements. The thresholds are stored and used by later analyze runs.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			detectFlag := &detect
			if !cmd.Flags().Changed("detect") {
				detectFlag = nil
			}
			est := root.newEstimator(detectFlag)

			ref, err := root.estimateReference(cmd.Context(), est, args[0])
			if err != nil {
				return err
			}
			t := quality.Calibrate(ref)
			if err := root.store.SaveThresholds(t); err != nil {
				return fmt.Errorf("save thresholds: %w", err)
			}

			fmt.Printf("Reference: %s (fwhm=%.2f stars=%d noise=%.3f tracking=%.2f)\n",
				ref.FileName, ref.FWHM, ref.StarCount, ref.BackgroundNoise, ref.TrackingError)
			printThresholds(t)
			return nil
		},
	}

	cmd.Flags().BoolVar(&detect, "detect", true, "run pixel-level star detection on the reference")
	return cmd
}

func newThresholdsCmd(root *Root) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "thresholds",
		Short: "Show or edit the stored quality thresholds",
	}

	showCmd := &cobra.Command{
		Use:   "show",
		Short: "Show the stored thresholds",
		RunE: func(cmd *cobra.Command, args []string) error {
			printThresholds(root.loadThresholds())
			return nil
		},
	}

	var (
		maxFWHM     float64
		minStars    int
		maxNoise    float64
		maxTracking float64
	)
	setCmd := &cobra.Command{
		Use:   "set",
		Short: "Override stored threshold values",
		RunE: func(cmd *cobra.Command, args []string) error {
			t := root.loadThresholds()
			if cmd.Flags().Changed("max-fwhm") {
				t.MaxFWHM = maxFWHM
			}
			if cmd.Flags().Changed("min-stars") {
				t.MinStars = minStars
			}
			if cmd.Flags().Changed("max-noise") {
				t.MaxNoise = maxNoise
			}
			if cmd.Flags().Changed("max-tracking") {
				t.MaxTracking = maxTracking
			}
			if err := root.store.SaveThresholds(t); err != nil {
				return fmt.Errorf("save thresholds: %w", err)
			}
			printThresholds(t)
			return nil
		},
	}
	setCmd.Flags().Float64Var(&maxFWHM, "max-fwhm", 0, "FWHM limit in pixels")
	setCmd.Flags().IntVar(&minStars, "min-stars", 0, "minimum star count")
	setCmd.Flags().Float64Var(&maxNoise, "max-noise", 0, "background noise limit (fraction of full scale)")
	setCmd.Flags().Float64Var(&maxTracking, "max-tracking", 0, "tracking error limit in pixels")

	resetCmd := &cobra.Command{
		Use:   "reset",
		Short: "Reset thresholds to the built-in defaults",
		RunE: func(cmd *cobra.Command, args []string) error {
			t := quality.DefaultThresholds()
			if err := root.store.SaveThresholds(t); err != nil {
				return fmt.Errorf("save thresholds: %w", err)
			}
			printThresholds(t)
			return nil
		},
	}

	cmd.AddCommand(showCmd, setCmd, resetCmd)
	return cmd
}

func printThresholds(t quality.Thresholds) {
	fmt.Printf("Thresholds:\n")
	fmt.Printf("  Max FWHM:       %.2f px\n", t.MaxFWHM)
	fmt.Printf("  Min stars:      %d\n", t.MinStars)
	fmt.Printf("  Max noise:      %.3f\n", t.MaxNoise)
	fmt.Printf("  Max tracking:   %.2f px\n", t.MaxTracking)
}

func newOverrideCmd(root *Root) *cobra.Command {
	var runID string

	cmd := &cobra.Command{
		Use:   "override <file_name> <good|acceptable|bad>",
		Short: "Manually reclassify a frame from a recorded run",
		Long: `Record a manual classification for one frame. The automatic classification
is kept; the override takes precedence for exports and archival.`,
		Args: cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			fileName := args[0]
			class, ok := quality.ParseClassification(args[1])
			if !ok {
				return fmt.Errorf("invalid classification %q (want good, acceptable, or bad)", args[1])
			}
			id, err := root.resolveRunID(runID)
			if err != nil {
				return err
			}
			if err := root.store.SetOverride(id, fileName, class); err != nil {
				return err
			}
			fmt.Printf("%s reclassified as %s in run %s\n", fileName, class, id)
			return nil
		},
	}

	cmd.Flags().StringVar(&runID, "run", "", "run to modify (default: most recent)")
	return cmd
}

func newExportCmd(root *Root) *cobra.Command {
	var runID string

	cmd := &cobra.Command{
		Use:   "export <output.csv>",
		Short: "Export a recorded run's results to CSV",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := root.resolveRunID(runID)
			if err != nil {
				return err
			}
			results, err := root.store.ResultsForRun(id)
			if err != nil {
				return err
			}
			if len(results) == 0 {
				return fmt.Errorf("run %s has no recorded results", id)
			}
			if err := export.SaveCSV(args[0], results); err != nil {
				return fmt.Errorf("export csv: %w", err)
			}
			fmt.Printf("Exported %d result(s) from run %s to %s\n", len(results), id, args[0])
			return nil
		},
	}

	cmd.Flags().StringVar(&runID, "run", "", "run to export (default: most recent)")
	return cmd
}

func newArchiveCmd(root *Root) *cobra.Command {
	var runID string

	cmd := &cobra.Command{
		Use:   "archive <input_directory>",
		Short: "Copy a run's bad frames into a BAD directory",
		Long: `Copy the frames classified bad (after overrides) from a recorded run into
a BAD directory created next to the scanned folder.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := root.resolveRunID(runID)
			if err != nil {
				return err
			}
			results, err := root.store.ResultsForRun(id)
			if err != nil {
				return err
			}
			n, err := export.ArchiveBad(args[0], results, root.log)
			if err != nil {
				return err
			}
			fmt.Printf("Archived %d bad frame(s) from run %s\n", n, id)
			return nil
		},
	}

	cmd.Flags().StringVar(&runID, "run", "", "run to archive from (default: most recent)")
	return cmd
}

// resolveRunID falls back to the most recent recorded run.
func (r *Root) resolveRunID(runID string) (string, error) {
	if runID != "" {
		return runID, nil
	}
	id, err := r.store.LatestRunID()
	if err != nil {
		return "", err
	}
	if id == "" {
		return "", fmt.Errorf("no recorded runs; run analyze first")
	}
	return id, nil
}

func newWatchCmd(root *Root) *cobra.Command {
	var detect bool

	cmd := &cobra.Command{
		Use:   "watch <capture_directory>",
		Short: "Grade frames live as a capture session writes them",
		Long: `Monitor a capture folder during an imaging session and grade each new FITS
frame as it lands, using the stored thresholds. Stop with Ctrl+C.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			detectFlag := &detect
			if !cmd.Flags().Changed("detect") {
				detectFlag = nil
			}
			est := root.newEstimator(detectFlag)
			thresholds := root.loadThresholds()

			w, err := watch.New(args[0], est, thresholds, root.log)
			if err != nil {
				return fmt.Errorf("watch %s: %w", args[0], err)
			}

			ctx, cancel := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer cancel()

			go func() {
				for ev := range w.Events {
					fmt.Printf("%s  score=%d  %s  (%s)\n",
						ev.Result.Metrics.FileName,
						ev.Result.Metrics.QualityScore,
						ev.Result.Classification,
						ev.Result.Reason)
				}
			}()

			root.log.Info("watching for new frames", "folder", args[0])
			if err := w.Run(ctx); err != nil && err != context.Canceled {
				return err
			}
			return nil
		},
	}

	cmd.Flags().BoolVar(&detect, "detect", true, "run pixel-level star detection on new frames")
	return cmd
}

func newServeCmd(root *Root) *cobra.Command {
	var addr string

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the HTTP monitoring server",
		Long: `Start an HTTP server exposing recorded runs, results, and thresholds, with
live batch progress over server-sent events and websockets.

Examples:
  subgrade serve --addr :8080`,
		RunE: func(cmd *cobra.Command, args []string) error {
			est := root.newEstimator(nil)
			runner := root.newRunner(est)

			ctx, cancel := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer cancel()

			root.log.Info("server ready",
				"addr", addr,
				"endpoints", []string{"/healthz", "/runs", "/results", "/thresholds", "/stream", "/ws"},
			)
			srv := server.NewServer(addr, root.store, runner, root.log)
			return srv.Start(ctx)
		},
	}

	cmd.Flags().StringVar(&addr, "addr", "", "server address (host:port), defaults to the configured address")
	cmd.PreRun = func(cmd *cobra.Command, args []string) {
		if addr == "" {
			addr = root.cfg.Server.Addr
		}
	}
	return cmd
}

func newConfigCmd(root *Root) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "config",
		Short: "Manage configuration settings",
		Long:  "Show or validate subgrade configuration",
	}

	showCmd := &cobra.Command{
		Use:   "show",
		Short: "Show current configuration",
		RunE: func(cmd *cobra.Command, args []string) error {
			fmt.Printf("Configuration:\n\n")
			fmt.Printf("Pixel Detection: %t\n", root.cfg.Analysis.UsePixelDetection)
			fmt.Printf("Crop Size:       %d\n", root.cfg.Analysis.CropSize)
			fmt.Printf("K-Sigma:         %.1f\n", root.cfg.Analysis.KSigma)
			fmt.Printf("Yield Millis:    %d\n", root.cfg.Analysis.YieldMillis)
			fmt.Printf("Database Path:   %s\n", root.cfg.Paths.DatabasePath)
			fmt.Printf("Default Output:  %s\n", root.cfg.Paths.DefaultOutput)
			fmt.Printf("Server Address:  %s\n", root.cfg.Server.Addr)
			fmt.Printf("Log Level:       %s\n", root.cfg.Logging.Level)
			fmt.Printf("Log Format:      %s\n", root.cfg.Logging.Format)
			fmt.Printf("Log Directory:   %s\n", root.cfg.Logging.LogDir)
			return nil
		},
	}

	validateCmd := &cobra.Command{
		Use:   "validate",
		Short: "Validate configuration",
		RunE: func(cmd *cobra.Command, args []string) error {
			if root.cfg.Analysis.CropSize < 0 {
				return fmt.Errorf("analysis.crop_size must not be negative")
			}
			if root.cfg.Analysis.KSigma < 0 {
				return fmt.Errorf("analysis.k_sigma must not be negative")
			}
			root.log.Info("configuration validation", "status", "valid")
			fmt.Println("Configuration is valid")
			return nil
		},
	}

	cmd.AddCommand(showCmd, validateCmd)
	return cmd
}

func newVersionCmd(root *Root) *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Show version information",
		Run: func(cmd *cobra.Command, args []string) {
			cmd.Println("Subgrade v1.0.0")
		},
	}
}
