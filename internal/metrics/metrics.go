package metrics

import (
	"time"

	"github.com/dustin/go-humanize"
	"github.com/rs/zerolog"
)

// Collector emits metric lines through the structured logger.
type Collector struct {
	logger zerolog.Logger
}

func NewCollector(logger zerolog.Logger) *Collector {
	return &Collector{
		logger: logger,
	}
}

// EpisodeCompleted tracks per-episode training outcomes.
func (c *Collector) EpisodeCompleted(runID string, episode int, totalReward, avgWait, epsilon float64, arrived int, duration time.Duration) {
	c.logger.Info().
		Str("metric", "episode_completed").
		Str("run_id", runID).
		Int("episode", episode).
		Float64("total_reward", totalReward).
		Float64("avg_wait", avgWait).
		Float64("epsilon", epsilon).
		Str("arrived", humanize.Comma(int64(arrived))).
		Dur("duration", duration).
		Msg("Episode metric")
}

// LearnStep tracks optimisation progress. Callers sample it; it is not
// meant for every update.
func (c *Collector) LearnStep(runID string, step int64, loss float64) {
	c.logger.Debug().
		Str("metric", "learn_step").
		Str("run_id", runID).
		Int64("step", step).
		Float64("loss", loss).
		Msg("Learn metric")
}

// Preemption tracks emergency overrides during an episode.
func (c *Collector) Preemption(runID string, episode int, approach, vehicleID string) {
	c.logger.Info().
		Str("metric", "preemption").
		Str("run_id", runID).
		Int("episode", episode).
		Str("approach", approach).
		Str("vehicle_id", vehicleID).
		Msg("Preemption metric")
}

// CheckpointSaved tracks checkpoint writes.
func (c *Collector) CheckpointSaved(runID, path string, size int64, reason string) {
	c.logger.Info().
		Str("metric", "checkpoint_saved").
		Str("run_id", runID).
		Str("path", path).
		Str("size", humanize.Bytes(uint64(size))).
		Str("reason", reason).
		Msg("Checkpoint metric")
}

// Track API request metrics
func (c *Collector) APIRequest(method, endpoint string, statusCode int, duration time.Duration) {
	c.logger.Info().
		Str("metric", "api_request").
		Str("method", method).
		Str("endpoint", endpoint).
		Int("status_code", statusCode).
		Dur("duration", duration).
		Msg("API request metric")
}

// Track run state transitions
func (c *Collector) RunStateTransition(runID string, fromState, toState string) {
	c.logger.Info().
		Str("metric", "run_state_transition").
		Str("run_id", runID).
		Str("from_state", fromState).
		Str("to_state", toState).
		Msg("Run state transition metric")
}

// Track health monitoring events
func (c *Collector) HealthEvent(runID string, eventType string, severity string) {
	c.logger.Warn().
		Str("metric", "health_event").
		Str("run_id", runID).
		Str("event_type", eventType).
		Str("severity", severity).
		Msg("Health monitoring event")
}
