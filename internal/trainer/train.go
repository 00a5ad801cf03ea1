package trainer

import (
	"context"
	"fmt"
	"math"
	"time"

	"github.com/cartridge/signal/internal/env"
	"github.com/cartridge/signal/internal/types"
)

// Summary describes a finished training run.
type Summary struct {
	RunID       string                `json:"run_id"`
	Episodes    []types.EpisodeRecord `json:"episodes"`
	BestAvgWait float64               `json:"best_avg_wait"`
	BestPath    string                `json:"best_path"`
	FinalPath   string                `json:"final_path"`
}

// Train runs the configured number of episodes. On cancellation the partial
// episode is still recorded, the current weights are written to the
// interrupted checkpoint and the context error is returned.
func (t *Trainer) Train(ctx context.Context) (Summary, error) {
	if t.cfg.Resume != "" {
		if err := t.agent.Load(t.cfg.Resume); err != nil {
			return Summary{}, fmt.Errorf("resume from %s: %w", t.cfg.Resume, err)
		}
		t.logger.Info().Str("checkpoint", t.cfg.Resume).Float64("epsilon", t.agent.Epsilon()).Msg("resuming training")
	}
	t.agent.SetEvalMode(false)

	run, err := t.begin(ctx, types.RunModeTrain, t.cfg.Episodes)
	if err != nil {
		return Summary{}, err
	}
	sum := Summary{RunID: run.ID, BestAvgWait: math.Inf(1)}
	policy := SelectorFunc(t.agent.SelectAction)

	for ep := 1; ep <= t.cfg.Episodes; ep++ {
		seed := t.cfg.SeedStride * int64(ep)
		started := t.now()
		stats, err := t.runEpisode(ctx, run.ID, ep, seed, policy, true, false)
		if err != nil {
			if ctx.Err() != nil {
				return sum, t.interrupt(ctx, run.ID, ep, seed, stats, started)
			}
			return sum, t.fail(ctx, err)
		}
		t.agent.DecayEpsilon()

		rec := t.episodeRecord(run.ID, ep, seed, stats, started)
		best := stats.AvgWait < sum.BestAvgWait
		if best {
			sum.BestAvgWait = stats.AvgWait
			sum.BestPath = t.cfg.bestPath()
			if err := t.saveCheckpoint(run.ID, sum.BestPath, "best"); err != nil {
				return sum, t.fail(ctx, err)
			}
			rec.Note = "best"
		}
		if t.cfg.CheckpointEvery > 0 && ep%t.cfg.CheckpointEvery == 0 {
			if err := t.saveCheckpoint(run.ID, t.cfg.periodicPath(ep), "periodic"); err != nil {
				return sum, t.fail(ctx, err)
			}
		}
		if err := t.recordEpisode(ctx, rec, best); err != nil {
			return sum, t.fail(ctx, err)
		}
		sum.Episodes = append(sum.Episodes, rec)
	}

	sum.FinalPath = t.cfg.finalPath()
	if err := t.saveCheckpoint(run.ID, sum.FinalPath, "final"); err != nil {
		return sum, t.fail(ctx, err)
	}
	if err := t.transition(ctx, types.RunStateCompleted, "completed"); err != nil {
		return sum, err
	}
	t.logger.Info().
		Str("run_id", run.ID).
		Float64("best_avg_wait", sum.BestAvgWait).
		Str("best", sum.BestPath).
		Str("final", sum.FinalPath).
		Msg("training complete")
	return sum, nil
}

// interrupt persists what a cancelled training episode produced and closes
// the run.
func (t *Trainer) interrupt(ctx context.Context, runID string, ep int, seed int64, stats env.EpisodeStats, started time.Time) error {
	cause := ctx.Err()
	persist, cancel := context.WithTimeout(context.WithoutCancel(ctx), 30*time.Second)
	defer cancel()

	t.logger.Warn().Str("run_id", runID).Int("episode", ep).Int("steps", stats.Steps).Msg("training interrupted")

	rec := t.episodeRecord(runID, ep, seed, stats, started)
	rec.Partial = true
	rec.Note = "interrupted"
	if err := t.recordEpisode(persist, rec, false); err != nil {
		t.logger.Error().Err(err).Msg("failed to record partial episode")
	}
	if err := t.saveCheckpoint(runID, t.cfg.interruptedPath(), "interrupted"); err != nil {
		t.logger.Error().Err(err).Msg("failed to save interrupted checkpoint")
	}
	if err := t.transition(persist, types.RunStateInterrupted, fmt.Sprintf("interrupted during episode %d", ep)); err != nil {
		t.logger.Error().Err(err).Msg("failed to mark run interrupted")
	}
	return fmt.Errorf("training interrupted at episode %d: %w", ep, cause)
}
