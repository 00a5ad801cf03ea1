package env

import (
	"context"
	"errors"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cartridge/signal/internal/intersection"
	"github.com/cartridge/signal/internal/signal"
	"github.com/cartridge/signal/internal/sim"
)

// scriptedSim is a simulator whose state is set directly by the test.
type scriptedSim struct {
	time      int
	remaining int
	lanes     map[string]sim.LaneMetrics
	vehicles  map[string][]sim.Vehicle
	laneErr   error
	signals   []string
	closed    bool
}

func newScriptedSim() *scriptedSim {
	return &scriptedSim{
		remaining: 100,
		lanes:     map[string]sim.LaneMetrics{},
		vehicles:  map[string][]sim.Vehicle{},
	}
}

func (s *scriptedSim) Start(context.Context, int64) error {
	s.time = 0
	s.signals = nil
	return nil
}

func (s *scriptedSim) SetSignal(_ context.Context, state string) error {
	s.signals = append(s.signals, state)
	return nil
}

func (s *scriptedSim) Step(context.Context) (sim.StepReport, error) {
	s.time++
	return sim.StepReport{Time: s.time, Arrived: 1, Remaining: s.remaining}, nil
}

func (s *scriptedSim) Lane(_ context.Context, id string) (sim.LaneMetrics, error) {
	if s.laneErr != nil {
		return sim.LaneMetrics{}, s.laneErr
	}
	return s.lanes[id], nil
}

func (s *scriptedSim) Vehicles(_ context.Context, approach string) ([]sim.Vehicle, error) {
	return s.vehicles[approach], nil
}

func (s *scriptedSim) Close() error {
	s.closed = true
	return nil
}

func twoPhase(t *testing.T) intersection.Scenario {
	t.Helper()
	s, err := intersection.Preset(intersection.ScenarioTwoPhase, intersection.Timing{MinGreen: 15, Yellow: 3})
	require.NoError(t, err)
	return s
}

func newEnv(t *testing.T, cfg Config, s sim.Simulator) *Environment {
	t.Helper()
	e, err := New(cfg, twoPhase(t), s, zerolog.Nop())
	require.NoError(t, err)
	return e
}

func TestStep_BeforeReset(t *testing.T) {
	e := newEnv(t, DefaultConfig(), newScriptedSim())
	_, err := e.Step(context.Background(), 0)
	assert.ErrorIs(t, err, ErrNotStarted)
}

func TestStep_InvalidAction(t *testing.T) {
	e := newEnv(t, DefaultConfig(), newScriptedSim())
	ctx := context.Background()
	_, err := e.Reset(ctx, 1)
	require.NoError(t, err)

	_, err = e.Step(ctx, 2)
	assert.ErrorIs(t, err, ErrInvalidAction)
	_, err = e.Step(ctx, -1)
	assert.ErrorIs(t, err, ErrInvalidAction)
}

func TestReset_ObservationAndSignal(t *testing.T) {
	s := newScriptedSim()
	e := newEnv(t, DefaultConfig(), s)
	obs, err := e.Reset(context.Background(), 137)
	require.NoError(t, err)
	assert.Len(t, obs, e.ObservationSize())
	assert.Equal(t, []string{"GGGGrr"}, s.signals)
	assert.Equal(t, 1, e.SimTime())
	assert.Equal(t, 2, e.ActionCount())
}

func TestStep_EarlySwitchIsFlicker(t *testing.T) {
	e := newEnv(t, DefaultConfig(), newScriptedSim())
	ctx := context.Background()
	_, err := e.Reset(ctx, 1)
	require.NoError(t, err)

	res, err := e.Step(ctx, 1)
	require.NoError(t, err)
	assert.Equal(t, signal.OutcomeRefusedMinHold, res.Info.Outcome)
	assert.Equal(t, -10.0, res.Info.Reward.Flicker)
	assert.Equal(t, "NS_GREEN", res.Info.Phase)
	assert.Equal(t, 6, res.Info.SimTime)
	assert.Equal(t, 5, res.Info.Arrived)

	hold, err := e.Step(ctx, 0)
	require.NoError(t, err)
	assert.Equal(t, 0.0, hold.Info.Reward.Flicker)
}

func TestStep_SwitchPassesThroughYellow(t *testing.T) {
	s := newScriptedSim()
	e := newEnv(t, DefaultConfig(), s)
	ctx := context.Background()
	_, err := e.Reset(ctx, 1)
	require.NoError(t, err)

	for i := 0; i < 3; i++ {
		_, err = e.Step(ctx, 0)
		require.NoError(t, err)
	}
	res, err := e.Step(ctx, 1)
	require.NoError(t, err)
	assert.Equal(t, signal.OutcomeSwitched, res.Info.Outcome)
	assert.Equal(t, "EW_GREEN", res.Info.Phase)
	assert.Equal(t, 2, res.Info.Elapsed)
	assert.Equal(t, []string{"GGGGrr", "yyyyrr", "rrrrGG"}, s.signals)
}

func TestStep_EmergencyPreemptsAction(t *testing.T) {
	s := newScriptedSim()
	s.vehicles["W2J"] = []sim.Vehicle{{ID: "amb0", Type: sim.VehicleEmergency, Approach: "W2J", Lane: "W2J_0", Wait: 12}}
	e := newEnv(t, DefaultConfig(), s)
	ctx := context.Background()
	_, err := e.Reset(ctx, 1)
	require.NoError(t, err)

	// Hold is requested but the ambulance on a red approach wins.
	res, err := e.Step(ctx, 0)
	require.NoError(t, err)
	assert.True(t, res.Info.Preempted)
	assert.Equal(t, "EW_GREEN", res.Info.Phase)
	assert.Equal(t, 0.0, res.Info.Reward.Flicker)
	assert.Equal(t, -50.0, res.Info.Reward.Emergency)

	// The emergency flag for W2J is the last observation entry.
	assert.Equal(t, 1.0, res.Observation[len(res.Observation)-1])

	st := e.Episode()
	assert.Equal(t, 1, st.Preemptions)
	assert.Equal(t, 12.0, st.EmergencyMaxWait)

	res, err = e.Step(ctx, 1)
	require.NoError(t, err)
	assert.False(t, res.Info.Preempted)
}

func TestStep_DefaultsFailedLaneQueries(t *testing.T) {
	s := newScriptedSim()
	s.laneErr = errors.New("lane not yet instantiated")
	e := newEnv(t, DefaultConfig(), s)
	ctx := context.Background()
	_, err := e.Reset(ctx, 1)
	require.NoError(t, err)

	res, err := e.Step(ctx, 0)
	require.NoError(t, err)
	assert.Equal(t, 6, res.Info.Defaulted)
	assert.Equal(t, []float64{0, 0, 0, 0}, res.Info.ApproachQueues)
	assert.Equal(t, 1.0, res.Info.Reward.Balance)
}

func TestStep_EpisodeEnds(t *testing.T) {
	cfg := DefaultConfig()
	cfg.EpisodeDuration = 11
	e := newEnv(t, cfg, newScriptedSim())
	ctx := context.Background()
	_, err := e.Reset(ctx, 1)
	require.NoError(t, err)

	res, err := e.Step(ctx, 0)
	require.NoError(t, err)
	assert.False(t, res.Done)
	res, err = e.Step(ctx, 0)
	require.NoError(t, err)
	assert.True(t, res.Done)

	_, err = e.Step(ctx, 0)
	assert.ErrorIs(t, err, ErrEpisodeOver)

	st := e.Episode()
	assert.Equal(t, 2, st.Steps)
	assert.Equal(t, 10, st.TotalArrived)

	_, err = e.Reset(ctx, 2)
	require.NoError(t, err)
	assert.Equal(t, 0, e.Episode().Steps)
}

func TestStep_DemandExhaustionEndsEarly(t *testing.T) {
	s := newScriptedSim()
	e := newEnv(t, DefaultConfig(), s)
	ctx := context.Background()
	_, err := e.Reset(ctx, 1)
	require.NoError(t, err)

	s.remaining = 0
	res, err := e.Step(ctx, 0)
	require.NoError(t, err)
	assert.True(t, res.Done)
	assert.Equal(t, 2, res.Info.SimTime)
}

func TestEnvironment_SyntheticEpisode(t *testing.T) {
	scenario := twoPhase(t)
	cfgSim := sim.DefaultSyntheticConfig()
	cfgSim.DemandSeconds = 300
	cfg := DefaultConfig()
	cfg.EpisodeDuration = 600

	e, err := New(cfg, scenario, sim.NewSynthetic(scenario.Layout, cfgSim), zerolog.Nop())
	require.NoError(t, err)
	ctx := context.Background()
	_, err = e.Reset(ctx, 137)
	require.NoError(t, err)

	steps := 0
	for {
		action := 0
		if steps%6 == 5 {
			action = 1
		}
		res, err := e.Step(ctx, action)
		require.NoError(t, err)
		for _, v := range res.Observation {
			require.GreaterOrEqual(t, v, 0.0)
			require.LessOrEqual(t, v, 1.0)
		}
		steps++
		if res.Done {
			break
		}
	}
	st := e.Episode()
	assert.Equal(t, steps, st.Steps)
	assert.Greater(t, st.TotalArrived, 0)

	require.NoError(t, e.Close())
}
