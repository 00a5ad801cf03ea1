package main

import (
	"context"
	"encoding/json"
	"io"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"

	"github.com/cartridge/signal/internal/config"
	"github.com/cartridge/signal/internal/trainer"
)

var trainCmd = &cobra.Command{
	Use:   "train",
	Short: "Train the controller",
	Long: `Runs the configured number of training episodes, writing the best,
periodic and final checkpoints. Ctrl-C stops after recording the partial
episode and saving an interrupted checkpoint.`,
	RunE: func(cmd *cobra.Command, _ []string) error {
		return runJob(cmd, cfg, func(ctx context.Context, a *app) (interface{}, error) {
			return a.trainer.Train(ctx)
		})
	},
}

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Evaluate a trained checkpoint",
	Long: `Loads a checkpoint and controls the intersection greedily over the
evaluation seeds. Operator phase requests posted to the API are honoured,
subject to the emergency override.`,
	RunE: func(cmd *cobra.Command, _ []string) error {
		return runJob(cmd, cfg, func(ctx context.Context, a *app) (interface{}, error) {
			return a.trainer.Evaluate(ctx)
		})
	},
}

var baselineCmd = &cobra.Command{
	Use:   "baseline",
	Short: "Run the fixed-timer baseline",
	Long: `Runs a fixed-time controller over the evaluation seeds. Decisions are
taken every second so the configured green durations are exact.`,
	RunE: func(cmd *cobra.Command, _ []string) error {
		c := *cfg
		c.Env.DecisionInterval = 1
		return runJob(cmd, &c, func(ctx context.Context, a *app) (interface{}, error) {
			return a.trainer.Baseline(ctx)
		})
	},
}

func init() {
	trainCmd.Flags().Int("episodes", 75, "Training episodes")
	trainCmd.Flags().String("resume", "", "Checkpoint to continue training from")
	trainCmd.Flags().String("checkpoint-dir", "models", "Directory for checkpoints")
	trainCmd.Flags().Float64("baseline-wait", 399.12, "Baseline average wait to compare episodes against")

	runCmd.Flags().String("checkpoint", "models/best.ckpt", "Checkpoint to evaluate")
	runCmd.Flags().Int("seeds", 5, "Number of evaluation seeds")
	runCmd.Flags().Float64("baseline-wait", 399.12, "Baseline average wait to compare against")

	baselineCmd.Flags().String("preset", trainer.PresetNaive, "Timing preset (naive, tuned)")
	baselineCmd.Flags().Int("green", 45, "Green seconds for presets without per-axis timing")
	baselineCmd.Flags().Int("seeds", 5, "Number of evaluation seeds")
}

// runJob builds the app, runs job under signal handling and prints its
// summary as JSON.
func runJob(cmd *cobra.Command, c *config.Config, job func(context.Context, *app) (interface{}, error)) error {
	ctx, cancel := signalContext()
	defer cancel()

	a, err := newApp(ctx, c, logger)
	if err != nil {
		return err
	}
	defer a.Close()

	var summary interface{}
	err = a.execute(ctx, func(ctx context.Context) error {
		var jerr error
		summary, jerr = job(ctx, a)
		return jerr
	})
	if err != nil && !interrupted(err) {
		return err
	}
	if err != nil {
		logger.Warn().Err(err).Msg("stopped by signal")
	}
	if run, ok := a.trainer.Status(); ok {
		logger.Info().
			Str("run_id", run.ID).
			Str("state", string(run.State)).
			Str("episodes", humanize.Comma(int64(run.EpisodesDone))).
			Str("steps", humanize.Comma(run.CurrentStep)).
			Msg("run finished")
	}
	return printSummary(cmd.OutOrStdout(), summary)
}

func printSummary(w io.Writer, summary interface{}) error {
	if summary == nil {
		return nil
	}
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(summary)
}
