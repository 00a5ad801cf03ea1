package trainer

import (
	"context"
	"fmt"

	"github.com/samber/lo"
	"gonum.org/v1/gonum/stat"

	"github.com/cartridge/signal/internal/types"
)

// EvalSummary aggregates greedy or fixed-timer episodes over several seeds.
type EvalSummary struct {
	RunID       string                `json:"run_id"`
	Mode        types.RunMode         `json:"mode"`
	Episodes    []types.EpisodeRecord `json:"episodes"`
	MeanAvgWait float64               `json:"mean_avg_wait"`
	StdAvgWait  float64               `json:"std_avg_wait"`
	MeanPeak    float64               `json:"mean_peak_queue"`
	MeanArrived float64               `json:"mean_arrived"`
	// DeltaVsBaseline is the relative change of MeanAvgWait against the
	// configured baseline, in percent. Negative is better.
	DeltaVsBaseline *float64 `json:"delta_vs_baseline_pct,omitempty"`
}

// Evaluate loads the configured checkpoint and runs it greedily over the
// evaluation seeds. Queued operator requests are honoured.
func (t *Trainer) Evaluate(ctx context.Context) (EvalSummary, error) {
	if err := t.agent.Load(t.cfg.Checkpoint); err != nil {
		return EvalSummary{}, fmt.Errorf("load checkpoint: %w", err)
	}
	t.agent.SetEvalMode(true)
	return t.evaluate(ctx, types.RunModeEval, SelectorFunc(t.agent.SelectAction), true)
}

// Baseline runs the fixed-timer controller over the evaluation seeds.
func (t *Trainer) Baseline(ctx context.Context) (EvalSummary, error) {
	timer := NewFixedTimer(t.env.Controller(), t.cfg.BaselinePreset, t.cfg.BaselineGreen)
	return t.evaluate(ctx, types.RunModeBaseline, timer, false)
}

func (t *Trainer) evaluate(ctx context.Context, mode types.RunMode, sel Selector, manual bool) (EvalSummary, error) {
	seeds := EvalSeeds(t.cfg.EvalSeeds)
	run, err := t.begin(ctx, mode, len(seeds))
	if err != nil {
		return EvalSummary{}, err
	}
	sum := EvalSummary{RunID: run.ID, Mode: mode}

	for i, seed := range seeds {
		ep := i + 1
		started := t.now()
		stats, err := t.runEpisode(ctx, run.ID, ep, seed, sel, false, manual)
		if err != nil {
			if ctx.Err() != nil {
				persist := context.WithoutCancel(ctx)
				rec := t.episodeRecord(run.ID, ep, seed, stats, started)
				rec.Partial = true
				rec.Note = "interrupted"
				if rerr := t.recordEpisode(persist, rec, false); rerr != nil {
					t.logger.Error().Err(rerr).Msg("failed to record partial episode")
				}
				if terr := t.transition(persist, types.RunStateInterrupted, fmt.Sprintf("interrupted during episode %d", ep)); terr != nil {
					t.logger.Error().Err(terr).Msg("failed to mark run interrupted")
				}
				return sum, fmt.Errorf("%s interrupted at seed %d: %w", mode, seed, ctx.Err())
			}
			return sum, t.fail(ctx, err)
		}

		rec := t.episodeRecord(run.ID, ep, seed, stats, started)
		best := len(sum.Episodes) == 0 || rec.AvgWait < lo.MinBy(sum.Episodes, func(a, b types.EpisodeRecord) bool {
			return a.AvgWait < b.AvgWait
		}).AvgWait
		if err := t.recordEpisode(ctx, rec, best); err != nil {
			return sum, t.fail(ctx, err)
		}
		sum.Episodes = append(sum.Episodes, rec)
		t.logger.Info().
			Str("run_id", run.ID).
			Int64("seed", seed).
			Float64("avg_wait", rec.AvgWait).
			Float64("peak_queue", rec.PeakQueue).
			Int("arrived", rec.TotalArrived).
			Msg("evaluation episode")
	}

	waits := lo.Map(sum.Episodes, func(r types.EpisodeRecord, _ int) float64 { return r.AvgWait })
	sum.MeanAvgWait, sum.StdAvgWait = stat.PopMeanStdDev(waits, nil)
	sum.MeanPeak = stat.Mean(lo.Map(sum.Episodes, func(r types.EpisodeRecord, _ int) float64 { return r.PeakQueue }), nil)
	sum.MeanArrived = stat.Mean(lo.Map(sum.Episodes, func(r types.EpisodeRecord, _ int) float64 { return float64(r.TotalArrived) }), nil)
	if t.cfg.BaselineAvgWait > 0 {
		delta := (sum.MeanAvgWait - t.cfg.BaselineAvgWait) / t.cfg.BaselineAvgWait * 100
		sum.DeltaVsBaseline = &delta
	}

	if err := t.transition(ctx, types.RunStateCompleted, "completed"); err != nil {
		return sum, err
	}
	return sum, nil
}
