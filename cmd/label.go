package main

import (
	"context"
	"encoding/json"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/sells-group/groundtruth/internal/config"
	"github.com/sells-group/groundtruth/internal/monitoring"
	"github.com/sells-group/groundtruth/internal/pipeline"
)

// runFlags are shared by the label, passages and judge commands.
type runFlags struct {
	input       string
	start       int
	end         int
	concurrency int
	serve       bool
	groundTruth string
}

func (f *runFlags) register(cmd *cobra.Command) {
	cmd.Flags().StringVar(&f.input, "input", "", "input JSON (default from config)")
	cmd.Flags().IntVar(&f.start, "start", 0, "first query index, inclusive (default from config)")
	cmd.Flags().IntVar(&f.end, "end", -1, "last query index, inclusive; -1 for the last query (default from config)")
	cmd.Flags().IntVar(&f.concurrency, "concurrency", 0, "queries processed at once (default from config)")
	cmd.Flags().BoolVar(&f.serve, "serve", false, "serve /healthz and /status while running")
	cmd.Flags().StringVar(&f.groundTruth, "ground-truth", "", "write ranked ground truth here after the run (default from config)")
}

// apply copies explicitly set flags over the loaded config.
func (f *runFlags) apply(cmd *cobra.Command, c *config.Config) {
	if cmd.Flags().Changed("input") {
		c.Run.InputPath = f.input
	}
	if cmd.Flags().Changed("start") {
		c.Run.QueryStart = f.start
	}
	if cmd.Flags().Changed("end") {
		c.Run.QueryEnd = f.end
	}
	if cmd.Flags().Changed("concurrency") {
		c.Run.Concurrency = f.concurrency
	}
	if f.serve {
		c.Monitoring.Enabled = true
	}
}

// groundTruthPath returns the export target for a run.
func (f *runFlags) groundTruthPath(c *config.Config) string {
	if f.groundTruth != "" {
		return f.groundTruth
	}
	return c.Run.GroundTruthPath
}

var (
	labelFlags    runFlags
	passagesFlags runFlags
	judgeFlags    runFlags
)

var labelCmd = &cobra.Command{
	Use:   "label",
	Short: "Judge every (query, entity) pair with one call",
	RunE: func(cmd *cobra.Command, args []string) error {
		return runMode(cmd, &labelFlags, pipeline.ModePair)
	},
}

var passagesCmd = &cobra.Command{
	Use:   "passages",
	Short: "Judge entity passages in batches and average the scores",
	RunE: func(cmd *cobra.Command, args []string) error {
		return runMode(cmd, &passagesFlags, pipeline.ModePassage)
	},
}

var judgeCmd = &cobra.Command{
	Use:   "judge",
	Short: "Summarize each entity per query, then pick the relevant ones in one call",
	RunE: func(cmd *cobra.Command, args []string) error {
		return runMode(cmd, &judgeFlags, pipeline.ModeQuery)
	},
}

func init() {
	labelFlags.register(labelCmd)
	passagesFlags.register(passagesCmd)
	judgeFlags.register(judgeCmd)
	rootCmd.AddCommand(labelCmd, passagesCmd, judgeCmd)
}

// runMode applies flags and runs mode. Ground truth goes to --ground-truth,
// or to run.ground_truth_path when the flag is unset.
func runMode(cmd *cobra.Command, f *runFlags, mode pipeline.Mode) error {
	f.apply(cmd, cfg)
	cfg.Run.Mode = string(mode)
	return runLabel(cmd.Context(), cfg, mode, f.groundTruthPath(cfg))
}

// runLabel executes one labeling run. SIGINT/SIGTERM stop it at the next
// entity boundary; the ledger is flushed either way.
func runLabel(parent context.Context, c *config.Config, mode pipeline.Mode, groundTruthPath string) error {
	ctx, stop := signal.NotifyContext(parent, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	in, err := pipeline.LoadInput(c.Run.InputPath)
	if err != nil {
		return err
	}

	env, err := initLabelEnv(ctx, c, mode)
	if err != nil {
		return err
	}
	defer env.Close(ctx)

	monCtx, cancelMon := context.WithCancel(ctx)
	var mon errgroup.Group
	if c.Monitoring.Enabled {
		srv := monitoring.NewServer(env.Collector, c.Monitoring)
		mon.Go(func() error { return srv.Run(monCtx) })
		checker := monitoring.NewChecker(env.Collector, monitoring.NewAlerter(c.Monitoring), c.Monitoring)
		mon.Go(func() error {
			checker.Run(monCtx)
			return nil
		})
	}

	summary, runErr := env.Orchestrator.Run(ctx, in)
	cancelMon()
	if err := mon.Wait(); err != nil {
		zap.L().Error("status server failed", zap.Error(err))
	}

	if summary != nil {
		printSummary(summary)
	}
	if runErr != nil {
		return runErr
	}

	if groundTruthPath != "" {
		gt := pipeline.BuildGroundTruth(env.Ledger.Snapshot())
		if err := pipeline.WriteGroundTruth(groundTruthPath, gt); err != nil {
			return err
		}
		zap.L().Info("ground truth written",
			zap.String("path", groundTruthPath),
			zap.Int("queries", len(gt)),
		)
	}
	return nil
}

func printSummary(s *pipeline.Summary) {
	out, err := json.MarshalIndent(s, "", "  ")
	if err != nil {
		zap.L().Error("marshal summary", zap.Error(err))
		return
	}
	_, _ = os.Stdout.Write(append(out, '\n'))
}
