package events

import (
	"context"
	"errors"

	"github.com/cartridge/signal/internal/types"
)

// Publisher is implemented by downstream fan-out mechanisms.
type Publisher interface {
	PublishRunStatus(ctx context.Context, payload RunStatusEvent) error
	PublishEpisode(ctx context.Context, payload EpisodeEvent) error
}

// RunStatusEvent is emitted whenever run state or health changes.
type RunStatusEvent struct {
	RunID        string  `json:"run_id"`
	Mode         string  `json:"mode"`
	State        string  `json:"state"`
	HealthStatus string  `json:"health_status"`
	Step         int64   `json:"step"`
	LearnSteps   int64   `json:"learn_steps"`
	EpisodesDone int     `json:"episodes_done"`
	Epsilon      float64 `json:"epsilon"`
	Loss         float64 `json:"loss"`
	LastError    string  `json:"last_error,omitempty"`
}

// EpisodeEvent announces a finished (or aborted) episode.
type EpisodeEvent struct {
	types.EpisodeRecord
	Best bool `json:"best,omitempty"`
}

// StatusEvent builds the event for a run snapshot.
func StatusEvent(run types.Run) RunStatusEvent {
	return RunStatusEvent{
		RunID:        run.ID,
		Mode:         string(run.Mode),
		State:        string(run.State),
		HealthStatus: string(run.HealthStatus),
		Step:         run.CurrentStep,
		LearnSteps:   run.LearnSteps,
		EpisodesDone: run.EpisodesDone,
		Epsilon:      run.Epsilon,
		Loss:         run.Loss,
	}
}

// NoopPublisher logs nothing; useful for tests.
type NoopPublisher struct{}

// PublishRunStatus satisfies Publisher.
func (NoopPublisher) PublishRunStatus(context.Context, RunStatusEvent) error { return nil }

// PublishEpisode satisfies Publisher.
func (NoopPublisher) PublishEpisode(context.Context, EpisodeEvent) error { return nil }

// Fanout delivers every event to each publisher in turn. All publishers are
// attempted; their errors are joined.
type Fanout []Publisher

// PublishRunStatus satisfies Publisher.
func (f Fanout) PublishRunStatus(ctx context.Context, payload RunStatusEvent) error {
	var errs []error
	for _, p := range f {
		errs = append(errs, p.PublishRunStatus(ctx, payload))
	}
	return errors.Join(errs...)
}

// PublishEpisode satisfies Publisher.
func (f Fanout) PublishEpisode(ctx context.Context, payload EpisodeEvent) error {
	var errs []error
	for _, p := range f {
		errs = append(errs, p.PublishEpisode(ctx, payload))
	}
	return errors.Join(errs...)
}
