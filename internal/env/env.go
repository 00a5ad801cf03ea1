// Package env is the MDP boundary the agent sees: it composes the
// simulator, phase controller, safety override, observation encoder and
// reward model behind Reset and Step.
package env

import (
	"context"
	"errors"
	"fmt"

	"github.com/rs/zerolog"
	"github.com/samber/lo"

	"github.com/cartridge/signal/internal/intersection"
	"github.com/cartridge/signal/internal/observation"
	"github.com/cartridge/signal/internal/reward"
	"github.com/cartridge/signal/internal/signal"
	"github.com/cartridge/signal/internal/sim"
)

var (
	// ErrNotStarted is returned by Step before the first Reset.
	ErrNotStarted = errors.New("environment not started: call Reset first")
	// ErrEpisodeOver is returned by Step after an episode has ended.
	ErrEpisodeOver = errors.New("episode is over: call Reset")
	// ErrInvalidAction is returned for actions outside the action space.
	ErrInvalidAction = errors.New("invalid action")
)

// Config holds the episode timing and the calibration of the observation
// and reward.
type Config struct {
	DecisionInterval int                `mapstructure:"decision_interval"`
	EpisodeDuration  int                `mapstructure:"episode_duration"`
	Scales           observation.Scales `mapstructure:"scales"`
	Weights          reward.Weights     `mapstructure:"reward"`
}

// DefaultConfig is a two-hour episode with five-second decisions.
func DefaultConfig() Config {
	return Config{
		DecisionInterval: 5,
		EpisodeDuration:  7200,
		Scales:           observation.DefaultScales(),
		Weights:          reward.DefaultWeights(),
	}
}

// Validate checks the timing values.
func (c Config) Validate() error {
	if c.DecisionInterval <= 0 {
		return fmt.Errorf("decision_interval must be positive")
	}
	if c.EpisodeDuration <= 0 {
		return fmt.Errorf("episode_duration must be positive")
	}
	return nil
}

// Info carries diagnostics of one decision step.
type Info struct {
	SimTime        int              `json:"sim_time"`
	Phase          string           `json:"phase"`
	Elapsed        int              `json:"elapsed"`
	Arrived        int              `json:"arrived"`
	TotalArrived   int              `json:"total_arrived"`
	ApproachQueues []float64        `json:"approach_queues"`
	AvgWait        float64          `json:"avg_wait"`
	Preempted      bool             `json:"preempted"`
	Outcome        signal.Outcome   `json:"outcome"`
	Reward         reward.Breakdown `json:"reward"`
	// Defaulted counts metric queries that failed and were read as zero.
	Defaulted int `json:"defaulted"`
	// PreemptedBy and PreemptedApproach name the emergency vehicle when
	// Preempted is set.
	PreemptedBy       string `json:"preempted_by,omitempty"`
	PreemptedApproach string `json:"preempted_approach,omitempty"`
}

// Result is what Step returns.
type Result struct {
	Observation []float64
	Reward      float64
	Done        bool
	Info        Info
}

// Environment is single-threaded; callers must not share it across
// goroutines.
type Environment struct {
	cfg      Config
	scenario intersection.Scenario
	sim      sim.Simulator
	ctrl     *signal.Controller
	override *signal.Override
	encoder  *observation.Encoder
	reward   *reward.Model
	logger   zerolog.Logger

	started   bool
	done      bool
	simTime   int
	prevQueue float64
	episode   *episodeTracker
}

// New builds an environment over a simulator. The environment owns the
// simulator and closes it in Close.
func New(cfg Config, scenario intersection.Scenario, simulator sim.Simulator, logger zerolog.Logger) (*Environment, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &Environment{
		cfg:      cfg,
		scenario: scenario,
		sim:      simulator,
		ctrl:     signal.NewController(scenario.Plan),
		override: signal.NewOverride(scenario.Layout, scenario.Plan),
		encoder:  observation.NewEncoder(scenario.Layout, scenario.Plan, cfg.Scales),
		reward:   reward.NewModel(cfg.Weights),
		logger:   logger.With().Str("component", "env").Logger(),
		episode:  newEpisodeTracker(),
	}, nil
}

// ObservationSize is the length of every observation.
func (e *Environment) ObservationSize() int { return e.encoder.Size() }

// ActionCount is the size of the discrete action space.
func (e *Environment) ActionCount() int { return e.scenario.Plan.ActionCount() }

// Scenario returns the junction the environment controls.
func (e *Environment) Scenario() intersection.Scenario { return e.scenario }

// Controller exposes the phase state for status reporting and manual
// overrides.
func (e *Environment) Controller() *signal.Controller { return e.ctrl }

// Reset restarts the simulator with seed and returns the first observation.
func (e *Environment) Reset(ctx context.Context, seed int64) ([]float64, error) {
	if err := e.sim.Start(ctx, seed); err != nil {
		return nil, fmt.Errorf("start simulator: %w", err)
	}
	e.ctrl.Reset()
	if err := e.applySignal(ctx); err != nil {
		return nil, err
	}
	report, err := e.sim.Step(ctx)
	if err != nil {
		return nil, fmt.Errorf("advance simulator: %w", err)
	}
	e.ctrl.Tick()

	e.started = true
	e.done = false
	e.simTime = report.Time
	e.episode = newEpisodeTracker()

	snap := e.collect(ctx)
	e.prevQueue = snap.totalQueue
	e.logger.Debug().Int64("seed", seed).Int("obs_size", e.encoder.Size()).Msg("episode reset")
	return e.encode(snap), nil
}

// Step applies an action and advances the simulator by one decision
// interval.
func (e *Environment) Step(ctx context.Context, action int) (Result, error) {
	if !e.started {
		return Result{}, ErrNotStarted
	}
	if e.done {
		return Result{}, ErrEpisodeOver
	}
	if action < 0 || action >= e.ActionCount() {
		return Result{}, fmt.Errorf("%w: %d not in [0,%d)", ErrInvalidAction, action, e.ActionCount())
	}

	sightings, defaulted := e.sightings(ctx)
	decision := e.override.Check(e.ctrl, sightings)

	var (
		outcome signal.Outcome
		flicker bool
		err     error
	)
	if decision.Preempt {
		outcome, err = e.override.Apply(e.ctrl, decision)
		if err != nil {
			return Result{}, err
		}
		e.episode.preemptions++
		e.logger.Info().
			Str("vehicle_id", decision.VehicleID).
			Str("approach", decision.Approach).
			Str("target", e.scenario.Plan.NameOf(decision.Target)).
			Int("sim_time", e.simTime).
			Msg("emergency preemption")
	} else {
		outcome, flicker, err = e.applyAction(action)
		if err != nil {
			return Result{}, err
		}
	}
	if outcome == signal.OutcomeSwitched {
		if err := e.applySignal(ctx); err != nil {
			return Result{}, err
		}
	}

	block, err := e.advance(ctx)
	if err != nil {
		return Result{}, err
	}

	snap := e.collect(ctx)
	breakdown := e.reward.Compute(reward.Inputs{
		TotalQueue:      snap.totalQueue,
		PrevTotalQueue:  e.prevQueue,
		Arrived:         block.arrived,
		EmergencyHalted: block.emergencyHalted,
		Flicker:         flicker,
		ApproachQueues:  snap.approachQueues,
		ApproachWaits:   snap.approachWaits,
	})
	e.prevQueue = snap.totalQueue

	e.done = e.simTime >= e.cfg.EpisodeDuration || block.exhausted
	e.episode.record(breakdown.Total, snap, block.arrived)

	return Result{
		Observation: e.encode(snap),
		Reward:      breakdown.Total,
		Done:        e.done,
		Info: Info{
			SimTime:        e.simTime,
			Phase:          e.ctrl.Current().Name,
			Elapsed:        e.ctrl.Elapsed(),
			Arrived:        block.arrived,
			TotalArrived:   e.episode.totalArrived,
			ApproachQueues: snap.approachQueues,
			AvgWait:        snap.avgWait,
			Preempted:      decision.Preempt,
			Outcome:        outcome,
			Reward:         breakdown,
			Defaulted:      defaulted + block.defaulted + snap.defaulted,

			PreemptedBy:       decision.VehicleID,
			PreemptedApproach: decision.Approach,
		},
	}, nil
}

// applyAction routes an agent action through the controller. A switch
// refused for minimum hold is a flicker.
func (e *Environment) applyAction(action int) (signal.Outcome, bool, error) {
	target, ok, err := e.scenario.Plan.ActionTarget(action, e.ctrl.Current().ID)
	if err != nil {
		return "", false, fmt.Errorf("%w: %v", ErrInvalidAction, err)
	}
	if !ok {
		return signal.OutcomeNoOp, false, nil
	}
	outcome, err := e.ctrl.RequestSwitch(target)
	if err != nil {
		return "", false, err
	}
	return outcome, outcome == signal.OutcomeRefusedMinHold, nil
}

type blockStats struct {
	arrived         int
	emergencyHalted int
	exhausted       bool
	defaulted       int
}

// advance runs the simulator one second at a time for a decision interval,
// expiring yellows as it goes.
func (e *Environment) advance(ctx context.Context) (blockStats, error) {
	var b blockStats
	for i := 0; i < e.cfg.DecisionInterval; i++ {
		if err := ctx.Err(); err != nil {
			return b, err
		}
		report, err := e.sim.Step(ctx)
		if err != nil {
			return b, fmt.Errorf("advance simulator: %w", err)
		}
		e.simTime = report.Time
		b.arrived += report.Arrived

		if e.ctrl.Tick() {
			if err := e.applySignal(ctx); err != nil {
				return b, err
			}
		}

		halted, defaulted := e.trackEmergencies(ctx)
		b.emergencyHalted = lo.Max([]int{b.emergencyHalted, halted})
		b.defaulted += defaulted

		if report.Remaining == 0 {
			b.exhausted = true
			break
		}
	}
	return b, nil
}

func (e *Environment) applySignal(ctx context.Context) error {
	if err := e.sim.SetSignal(ctx, e.ctrl.Current().Signal); err != nil {
		return fmt.Errorf("set signal %s: %w", e.ctrl.Current().Name, err)
	}
	return nil
}

// sightings lists emergency vehicles on incoming approaches. Approaches that
// cannot be queried are skipped.
func (e *Environment) sightings(ctx context.Context) ([]signal.Sighting, int) {
	var (
		out       []signal.Sighting
		defaulted int
	)
	for _, a := range e.scenario.Layout.Approaches {
		vs, err := e.sim.Vehicles(ctx, a.ID)
		if err != nil {
			defaulted++
			e.logger.Debug().Err(err).Str("approach", a.ID).Msg("vehicle query defaulted")
			continue
		}
		for _, v := range vs {
			if v.IsEmergency() {
				out = append(out, signal.Sighting{VehicleID: v.ID, Approach: a.ID, Lane: v.Lane})
			}
		}
	}
	return out, defaulted
}

// trackEmergencies counts halted emergency vehicles and records each one's
// worst wait for the episode summary.
func (e *Environment) trackEmergencies(ctx context.Context) (int, int) {
	halted, defaulted := 0, 0
	for _, a := range e.scenario.Layout.Approaches {
		vs, err := e.sim.Vehicles(ctx, a.ID)
		if err != nil {
			defaulted++
			continue
		}
		for _, v := range vs {
			if !v.IsEmergency() {
				continue
			}
			if v.Halted() {
				halted++
			}
			if v.Wait > e.episode.emergencyWaits[v.ID] {
				e.episode.emergencyWaits[v.ID] = v.Wait
			}
		}
	}
	return halted, defaulted
}

func (e *Environment) encode(s snapshot) []float64 {
	return e.encoder.Encode(observation.Input{
		Lanes:     s.lanes,
		Phase:     e.ctrl.Current().ID,
		Elapsed:   e.ctrl.Elapsed(),
		Emergency: s.emergency,
	})
}

// Episode returns the running statistics of the current episode.
func (e *Environment) Episode() EpisodeStats { return e.episode.stats() }

// SimTime is the simulated second reached.
func (e *Environment) SimTime() int { return e.simTime }

// Close releases the simulator.
func (e *Environment) Close() error {
	e.started = false
	return e.sim.Close()
}
