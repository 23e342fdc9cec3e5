package main

import (
	"context"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/sells-group/supplier-pipeline/internal/config"
	"github.com/sells-group/supplier-pipeline/internal/model"
	"github.com/sells-group/supplier-pipeline/internal/pipeline"
)

var (
	pipelineImportID string
	pipelineStep     string
	pipelineOffline  bool
)

var pipelineCmd = &cobra.Command{
	Use:   "pipeline",
	Short: "Run the clean, research and validate stages for an import",
}

var pipelineRunCmd = &cobra.Command{
	Use:   "run",
	Short: "Run all stages in order",
	RunE: func(cmd *cobra.Command, _ []string) error {
		ctx := cmd.Context()
		env, err := initEnv(ctx, config.ModePipeline, pipelineOffline)
		if err != nil {
			return err
		}
		defer env.Close()

		res, err := env.Runner.RunFull(ctx, pipelineImportID)
		if err != nil {
			return err
		}
		zap.L().Info("pipeline complete",
			zap.String("import_id", pipelineImportID),
			zap.Int("processed", res.TotalProcessed),
			zap.Int("errors", res.TotalErrors),
		)
		return printJSON(cmd.OutOrStdout(), res)
	},
}

var pipelineStepCmd = &cobra.Command{
	Use:   "step",
	Short: "Run a single stage",
	RunE: func(cmd *cobra.Command, _ []string) error {
		ctx := cmd.Context()
		env, err := initEnv(ctx, config.ModePipeline, pipelineOffline)
		if err != nil {
			return err
		}
		defer env.Close()

		res, err := runStep(ctx, env.Runner, pipelineImportID, model.Step(pipelineStep))
		if err != nil {
			return err
		}
		return printJSON(cmd.OutOrStdout(), res)
	},
}

var pipelineStatusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show company counts per status",
	RunE: func(cmd *cobra.Command, _ []string) error {
		ctx := cmd.Context()
		env, err := initEnv(ctx, config.ModeMaintenance, false)
		if err != nil {
			return err
		}
		defer env.Close()

		st, err := env.Runner.Status(ctx, pipelineImportID)
		if err != nil {
			return err
		}
		return printJSON(cmd.OutOrStdout(), st)
	},
}

// runStep runs one stage and returns its full result, so validate reports
// its issues rather than the folded counts.
func runStep(ctx context.Context, r *pipeline.Runner, importID string, step model.Step) (any, error) {
	if step == model.StepValidate {
		return r.Validate(ctx, importID)
	}
	return r.RunStep(ctx, importID, step)
}

func init() {
	pipelineCmd.PersistentFlags().StringVar(&pipelineImportID, "import", "", "import id (required)")
	_ = pipelineCmd.MarkPersistentFlagRequired("import")

	for _, c := range []*cobra.Command{pipelineRunCmd, pipelineStepCmd} {
		c.Flags().BoolVar(&pipelineOffline, "offline", false, "use stub providers instead of the Anthropic and Perplexity APIs")
	}
	pipelineStepCmd.Flags().StringVar(&pipelineStep, "step", "", "stage to run: clean, research or validate (required)")
	_ = pipelineStepCmd.MarkFlagRequired("step")

	pipelineCmd.AddCommand(pipelineRunCmd, pipelineStepCmd, pipelineStatusCmd)
	rootCmd.AddCommand(pipelineCmd)
}
