package main

import (
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/sells-group/groundtruth/internal/pipeline"
)

var exportOutput string

var exportCmd = &cobra.Command{
	Use:   "export",
	Short: "Write ranked ground truth from the ledger",
	Long:  "Ranks each query's entities by score (highest first, ties by id), keeps scores above zero and writes the result as indented JSON.",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()

		env, err := initStoreEnv(ctx, cfg)
		if err != nil {
			return err
		}
		defer env.Close(ctx)

		out := exportOutput
		if out == "" {
			out = cfg.Run.GroundTruthPath
		}

		gt := pipeline.BuildGroundTruth(env.Ledger.Snapshot())
		if err := pipeline.WriteGroundTruth(out, gt); err != nil {
			return err
		}
		zap.L().Info("ground truth written",
			zap.String("path", out),
			zap.Int("queries", len(gt)),
		)
		return nil
	},
}

func init() {
	exportCmd.Flags().StringVarP(&exportOutput, "output", "o", "", "output path (default from config)")
	rootCmd.AddCommand(exportCmd)
}
