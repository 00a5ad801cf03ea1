package types

import (
	"errors"
	"fmt"
	"time"
)

// RunState enumerates the lifecycle states persisted in the run registry.
type RunState string

const (
	RunStateQueued      RunState = "queued"
	RunStateRunning     RunState = "running"
	RunStateCompleted   RunState = "completed"
	RunStateInterrupted RunState = "interrupted"
	RunStateFailed      RunState = "failed"
)

// Terminal reports whether no further transitions are expected.
func (s RunState) Terminal() bool {
	return s == RunStateCompleted || s == RunStateInterrupted || s == RunStateFailed
}

// RunMode is what a run does with the agent.
type RunMode string

const (
	RunModeTrain    RunMode = "train"
	RunModeEval     RunMode = "eval"
	RunModeBaseline RunMode = "baseline"
)

// RunHealth reflects monitor-derived health.
type RunHealth string

const (
	RunHealthHealthy RunHealth = "healthy"
	RunHealthStalled RunHealth = "stalled"
)

// Run captures run metadata and progress.
type Run struct {
	ID            string    `json:"id"`
	Mode          RunMode   `json:"mode"`
	Scenario      string    `json:"scenario"`
	State         RunState  `json:"state"`
	StatusMessage string    `json:"status_message,omitempty"`
	HealthStatus  RunHealth `json:"health_status"`
	Episodes      int       `json:"episodes"`
	EpisodesDone  int       `json:"episodes_done"`
	// CurrentStep counts decision steps taken across the run.
	CurrentStep    int64      `json:"current_step"`
	LearnSteps     int64      `json:"learn_steps"`
	Epsilon        float64    `json:"epsilon"`
	Loss           float64    `json:"loss"`
	BestAvgWait    float64    `json:"best_avg_wait"`
	LastProgressAt *time.Time `json:"last_progress_at,omitempty"`
	StartedAt      *time.Time `json:"started_at,omitempty"`
	EndedAt        *time.Time `json:"ended_at,omitempty"`
	CreatedAt      time.Time  `json:"created_at"`
	UpdatedAt      time.Time  `json:"updated_at"`
}

// EpisodeRecord is the summary persisted for every finished or aborted
// episode.
type EpisodeRecord struct {
	RunID            string    `json:"run_id"`
	Episode          int       `json:"episode"`
	Seed             int64     `json:"seed"`
	Steps            int       `json:"steps"`
	TotalReward      float64   `json:"total_reward"`
	AvgWait          float64   `json:"avg_wait"`
	PeakQueue        float64   `json:"peak_queue"`
	TotalArrived     int       `json:"total_arrived"`
	Epsilon          float64   `json:"epsilon"`
	EmergencyMaxWait float64   `json:"emergency_max_wait"`
	Preemptions      int       `json:"preemptions"`
	DeltaVsBaseline  *float64  `json:"delta_vs_baseline_pct,omitempty"`
	Partial          bool      `json:"partial,omitempty"`
	Note             string    `json:"note,omitempty"`
	DurationMillis   int64     `json:"duration_ms"`
	CreatedAt        time.Time `json:"created_at"`
}

// CommandActorType differentiates between human and automated initiators.
type CommandActorType string

const (
	CommandActorOperator CommandActorType = "operator"
	CommandActorSystem   CommandActorType = "system"
)

// CommandActor metadata.
type CommandActor struct {
	Type CommandActorType `json:"type"`
	ID   string           `json:"id"`
}

// OverrideCommand asks the running controller for a specific green phase on
// the next decision step.
type OverrideCommand struct {
	ID       string       `json:"id"`
	RunID    string       `json:"run_id"`
	Phase    string       `json:"phase"`
	Actor    CommandActor `json:"actor"`
	IssuedAt time.Time    `json:"issued_at"`
}

// Validate performs schema checks. Whether the phase exists is decided by
// the controller that receives the command.
func (c OverrideCommand) Validate() error {
	if c.RunID == "" {
		return errors.New("run_id is required")
	}
	if c.Phase == "" {
		return errors.New("phase is required")
	}
	switch c.Actor.Type {
	case CommandActorOperator, CommandActorSystem:
	default:
		return fmt.Errorf("invalid actor type %q", c.Actor.Type)
	}
	if c.Actor.ID == "" {
		return errors.New("actor.id is required")
	}
	if c.IssuedAt.IsZero() {
		return errors.New("issued_at is required")
	}
	return nil
}
