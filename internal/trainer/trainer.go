// Package trainer drives the agent through simulated episodes: training with
// checkpoints, greedy evaluation and the fixed-timer baseline. Every run is
// recorded in the run registry and announced through the event publisher.
package trainer

import (
	"context"
	"errors"
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/cartridge/signal/internal/env"
	"github.com/cartridge/signal/internal/events"
	"github.com/cartridge/signal/internal/intersection"
	"github.com/cartridge/signal/internal/metrics"
	"github.com/cartridge/signal/internal/replay"
	"github.com/cartridge/signal/internal/signal"
	"github.com/cartridge/signal/internal/storage"
	"github.com/cartridge/signal/internal/types"
)

// ErrRunNotActive is returned for commands addressed to a run that is not
// currently executing.
var ErrRunNotActive = errors.New("run is not active")

// Environment is the episode interface the trainer drives.
type Environment interface {
	Reset(ctx context.Context, seed int64) ([]float64, error)
	Step(ctx context.Context, action int) (env.Result, error)
	Episode() env.EpisodeStats
	Controller() *signal.Controller
	Scenario() intersection.Scenario
}

// Learner is the agent surface used by the trainer.
type Learner interface {
	SelectAction(state []float64) (int, error)
	Remember(t replay.Transition) error
	Learn() (float64, bool, error)
	DecayEpsilon()
	SetEvalMode(on bool)
	Epsilon() float64
	Steps() int64
	Save(path string) error
	Load(path string) error
}

// Trainer runs one episode loop at a time. Status and override submission
// are safe to call from other goroutines.
type Trainer struct {
	cfg       Config
	env       Environment
	agent     Learner
	store     storage.RunStore
	events    events.Publisher
	metrics   *metrics.Collector
	overrides *OverrideQueue
	logger    *zerolog.Logger
	now       func() time.Time

	mu      sync.RWMutex
	run     types.Run
	started bool
}

// New constructs a Trainer.
func New(cfg Config, environment Environment, learner Learner, store storage.RunStore,
	publisher events.Publisher, collector *metrics.Collector, logger *zerolog.Logger) (*Trainer, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &Trainer{
		cfg:       cfg,
		env:       environment,
		agent:     learner,
		store:     store,
		events:    publisher,
		metrics:   collector,
		overrides: NewOverrideQueue(environment.Scenario().Plan, cfg.OverrideQueue),
		logger:    logger,
		now:       time.Now,
	}, nil
}

// WithNow allows tests to override the time source.
func (t *Trainer) WithNow(now func() time.Time) {
	t.now = now
}

// Status returns a snapshot of the current (or last) run. The flag is false
// before any run has started.
func (t *Trainer) Status() (types.Run, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.run, t.started
}

// SubmitOverride queues a manual phase request for the active run.
func (t *Trainer) SubmitOverride(cmd types.OverrideCommand) error {
	run, ok := t.Status()
	if !ok || run.ID != cmd.RunID || run.State != types.RunStateRunning {
		return ErrRunNotActive
	}
	return t.overrides.Submit(cmd)
}

// Overrides exposes the manual request queue.
func (t *Trainer) Overrides() *OverrideQueue { return t.overrides }

// SetHealth records monitor-derived health and publishes changes.
func (t *Trainer) SetHealth(ctx context.Context, health types.RunHealth) error {
	t.mu.Lock()
	if !t.started || t.run.HealthStatus == health {
		t.mu.Unlock()
		return nil
	}
	t.run.HealthStatus = health
	t.run.UpdatedAt = t.now().UTC()
	run := t.run
	t.mu.Unlock()

	if err := t.store.UpdateRun(ctx, run); err != nil {
		return err
	}
	t.publishStatus(ctx, run)
	return nil
}

// begin registers a new run and moves it to running.
func (t *Trainer) begin(ctx context.Context, mode types.RunMode, episodes int) (types.Run, error) {
	now := t.now().UTC()
	run := types.Run{
		ID:           uuid.NewString(),
		Mode:         mode,
		Scenario:     t.env.Scenario().Plan.Name,
		State:        types.RunStateQueued,
		HealthStatus: types.RunHealthHealthy,
		Episodes:     episodes,
		Epsilon:      t.agent.Epsilon(),
		LearnSteps:   t.agent.Steps(),
		CreatedAt:    now,
		UpdatedAt:    now,
	}
	if err := t.store.CreateRun(ctx, run); err != nil {
		return types.Run{}, fmt.Errorf("register run: %w", err)
	}
	t.mu.Lock()
	t.run = run
	t.started = true
	t.mu.Unlock()
	t.overrides.drain()

	if err := t.transition(ctx, types.RunStateRunning, "started"); err != nil {
		return types.Run{}, err
	}
	run, _ = t.Status()
	t.logger.Info().
		Str("run_id", run.ID).
		Str("mode", string(mode)).
		Str("scenario", run.Scenario).
		Int("episodes", episodes).
		Msg("run started")
	return run, nil
}

// transition moves the active run to a new state, persisting and announcing
// it.
func (t *Trainer) transition(ctx context.Context, to types.RunState, reason string) error {
	now := t.now().UTC()
	t.mu.Lock()
	from := t.run.State
	t.run.State = to
	t.run.StatusMessage = reason
	t.run.UpdatedAt = now
	switch {
	case to == types.RunStateRunning:
		t.run.StartedAt = &now
	case to.Terminal():
		t.run.EndedAt = &now
	}
	t.run.Epsilon = t.agent.Epsilon()
	t.run.LearnSteps = t.agent.Steps()
	run := t.run
	t.mu.Unlock()

	if err := t.store.UpdateRun(ctx, run); err != nil {
		return fmt.Errorf("update run: %w", err)
	}
	if err := t.store.AppendTransition(ctx, storage.RunTransition{
		RunID:     run.ID,
		FromState: from,
		ToState:   to,
		Reason:    reason,
		CreatedAt: now,
	}); err != nil {
		t.logger.Error().Err(err).Str("run_id", run.ID).Msg("failed to record transition")
	}
	t.metrics.RunStateTransition(run.ID, string(from), string(to))
	t.publishStatus(ctx, run)
	return nil
}

// fail marks the run failed. The original error is returned.
func (t *Trainer) fail(ctx context.Context, err error) error {
	if terr := t.transition(context.WithoutCancel(ctx), types.RunStateFailed, err.Error()); terr != nil {
		t.logger.Error().Err(terr).Msg("failed to mark run failed")
	}
	return err
}

func (t *Trainer) publishStatus(ctx context.Context, run types.Run) {
	if err := t.events.PublishRunStatus(ctx, events.StatusEvent(run)); err != nil {
		t.logger.Error().Err(err).Str("run_id", run.ID).Msg("failed to publish run status")
	}
}

// progress is called after every decision step.
func (t *Trainer) progress(loss float64, learned bool) {
	now := t.now().UTC()
	t.mu.Lock()
	defer t.mu.Unlock()
	t.run.CurrentStep++
	t.run.LastProgressAt = &now
	t.run.LearnSteps = t.agent.Steps()
	if learned {
		t.run.Loss = loss
	}
}

// recordEpisode persists and announces an episode summary.
func (t *Trainer) recordEpisode(ctx context.Context, rec types.EpisodeRecord, best bool) error {
	if err := t.store.AppendEpisode(ctx, rec); err != nil {
		return fmt.Errorf("record episode %d: %w", rec.Episode, err)
	}

	t.mu.Lock()
	if !rec.Partial {
		t.run.EpisodesDone++
	}
	if best {
		t.run.BestAvgWait = rec.AvgWait
	}
	t.run.Epsilon = t.agent.Epsilon()
	t.run.UpdatedAt = t.now().UTC()
	run := t.run
	t.mu.Unlock()

	if err := t.store.UpdateRun(ctx, run); err != nil {
		return fmt.Errorf("update run: %w", err)
	}
	if err := t.events.PublishEpisode(ctx, events.EpisodeEvent{EpisodeRecord: rec, Best: best}); err != nil {
		t.logger.Error().Err(err).Str("run_id", run.ID).Msg("failed to publish episode")
	}
	t.metrics.EpisodeCompleted(run.ID, rec.Episode, rec.TotalReward, rec.AvgWait, rec.Epsilon,
		rec.TotalArrived, time.Duration(rec.DurationMillis)*time.Millisecond)
	return nil
}

func (t *Trainer) episodeRecord(runID string, episode int, seed int64, stats env.EpisodeStats, started time.Time) types.EpisodeRecord {
	rec := types.EpisodeRecord{
		RunID:            runID,
		Episode:          episode,
		Seed:             seed,
		Steps:            stats.Steps,
		TotalReward:      stats.TotalReward,
		AvgWait:          stats.AvgWait,
		PeakQueue:        stats.PeakQueue,
		TotalArrived:     stats.TotalArrived,
		Epsilon:          t.agent.Epsilon(),
		EmergencyMaxWait: stats.EmergencyMaxWait,
		Preemptions:      stats.Preemptions,
		DurationMillis:   t.now().Sub(started).Milliseconds(),
		CreatedAt:        t.now().UTC(),
	}
	if t.cfg.BaselineAvgWait > 0 {
		delta := (stats.AvgWait - t.cfg.BaselineAvgWait) / t.cfg.BaselineAvgWait * 100
		rec.DeltaVsBaseline = &delta
	}
	return rec
}

// saveCheckpoint writes the agent and reports the file size.
func (t *Trainer) saveCheckpoint(runID, path, reason string) error {
	if err := t.agent.Save(path); err != nil {
		return fmt.Errorf("save %s checkpoint: %w", reason, err)
	}
	var size int64
	if fi, err := os.Stat(path); err == nil {
		size = fi.Size()
	}
	t.metrics.CheckpointSaved(runID, path, size, reason)
	return nil
}

// runEpisode plays one episode. When learn is set transitions are stored
// and the agent updated after every step; when manual is set queued
// operator requests replace the selected action. On cancellation the
// statistics gathered so far are returned with the context error.
func (t *Trainer) runEpisode(ctx context.Context, runID string, episode int, seed int64, sel Selector, learn, manual bool) (env.EpisodeStats, error) {
	state, err := t.env.Reset(ctx, seed)
	if err != nil {
		return env.EpisodeStats{}, fmt.Errorf("reset episode %d: %w", episode, err)
	}
	for {
		if err := ctx.Err(); err != nil {
			return t.env.Episode(), err
		}
		action, err := sel.Select(state)
		if err != nil {
			return t.env.Episode(), err
		}
		if manual {
			action = t.manualAction(action)
		}

		res, err := t.env.Step(ctx, action)
		if err != nil {
			return t.env.Episode(), fmt.Errorf("step episode %d: %w", episode, err)
		}
		if res.Info.Preempted {
			t.metrics.Preemption(runID, episode, res.Info.PreemptedApproach, res.Info.PreemptedBy)
		}

		var (
			loss    float64
			learned bool
		)
		if learn {
			if err := t.agent.Remember(replay.Transition{
				State:     state,
				Action:    action,
				Reward:    res.Reward,
				NextState: res.Observation,
				Terminal:  res.Done,
			}); err != nil {
				return t.env.Episode(), err
			}
			if loss, learned, err = t.agent.Learn(); err != nil {
				return t.env.Episode(), fmt.Errorf("learn: %w", err)
			}
			if learned && t.agent.Steps()%t.cfg.LearnLogEvery == 0 {
				t.metrics.LearnStep(runID, t.agent.Steps(), loss)
			}
		}
		t.progress(loss, learned)

		state = res.Observation
		if res.Done {
			return t.env.Episode(), nil
		}
	}
}

// manualAction substitutes the next queued operator request, if any, for
// the selected action.
func (t *Trainer) manualAction(selected int) int {
	req, ok := t.overrides.next()
	if !ok {
		return selected
	}
	ctrl := t.env.Controller()
	plan := ctrl.Plan()
	action, err := plan.ActionFor(req.phase, ctrl.Current().ID)
	if err != nil {
		t.logger.Warn().Err(err).
			Str("command_id", req.cmd.ID).
			Str("phase", req.cmd.Phase).
			Msg("manual phase request dropped")
		return selected
	}
	t.logger.Info().
		Str("command_id", req.cmd.ID).
		Str("actor", req.cmd.Actor.ID).
		Str("phase", req.cmd.Phase).
		Int("action", action).
		Msg("manual phase request applied")
	return action
}
