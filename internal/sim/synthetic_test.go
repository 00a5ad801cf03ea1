package sim

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cartridge/signal/internal/intersection"
)

func smallConfig() SyntheticConfig {
	cfg := DefaultSyntheticConfig()
	cfg.DemandSeconds = 120
	cfg.MainRate = 0.3
	cfg.SideRate = 0.3
	return cfg
}

func run(t *testing.T, s *Synthetic, seconds int) (arrived int, last StepReport) {
	t.Helper()
	ctx := context.Background()
	for i := 0; i < seconds; i++ {
		r, err := s.Step(ctx)
		require.NoError(t, err)
		arrived += r.Arrived
		last = r
	}
	return arrived, last
}

func TestSynthetic_NotRunning(t *testing.T) {
	s := NewSynthetic(intersection.TwoPhaseLayout(), smallConfig())
	ctx := context.Background()

	_, err := s.Step(ctx)
	assert.ErrorIs(t, err, ErrNotRunning)
	assert.ErrorIs(t, s.SetSignal(ctx, "GGGGrr"), ErrNotRunning)
}

func TestSynthetic_Deterministic(t *testing.T) {
	ctx := context.Background()
	a := NewSynthetic(intersection.TwoPhaseLayout(), smallConfig())
	b := NewSynthetic(intersection.TwoPhaseLayout(), smallConfig())
	require.NoError(t, a.Start(ctx, 137))
	require.NoError(t, b.Start(ctx, 137))
	require.NoError(t, a.SetSignal(ctx, "GGGGrr"))
	require.NoError(t, b.SetSignal(ctx, "GGGGrr"))

	arrA, lastA := run(t, a, 90)
	arrB, lastB := run(t, b, 90)
	assert.Equal(t, arrA, arrB)
	assert.Equal(t, lastA, lastB)

	la, err := a.Lane(ctx, "E2J_0")
	require.NoError(t, err)
	lb, err := b.Lane(ctx, "E2J_0")
	require.NoError(t, err)
	assert.Equal(t, la, lb)
}

func TestSynthetic_RedLanesQueue(t *testing.T) {
	ctx := context.Background()
	s := NewSynthetic(intersection.TwoPhaseLayout(), smallConfig())
	require.NoError(t, s.Start(ctx, 7))
	require.NoError(t, s.SetSignal(ctx, "GGGGrr"))
	run(t, s, 100)

	east, err := s.Lane(ctx, "E2J_0")
	require.NoError(t, err)
	assert.Greater(t, east.Queue, 0.0)
	assert.Greater(t, east.Wait, 0.0)

	vs, err := s.Vehicles(ctx, "E2J")
	require.NoError(t, err)
	require.NotEmpty(t, vs)
	assert.True(t, vs[0].Halted())
	assert.Equal(t, "E2J_0", vs[0].Lane)

	// Flip the signal and the side road drains.
	require.NoError(t, s.SetSignal(ctx, "rrrrGG"))
	arrived, _ := run(t, s, 200)
	assert.Greater(t, arrived, 0)
	after, err := s.Lane(ctx, "E2J_0")
	require.NoError(t, err)
	assert.Equal(t, 0.0, after.Queue)
}

func TestSynthetic_DemandExhausts(t *testing.T) {
	ctx := context.Background()
	cfg := smallConfig()
	cfg.DemandSeconds = 30
	s := NewSynthetic(intersection.TwoPhaseLayout(), cfg)
	require.NoError(t, s.Start(ctx, 1))
	require.NoError(t, s.SetSignal(ctx, "GGGGGG"))

	_, last := run(t, s, 200)
	assert.Equal(t, 0, last.Remaining)
	assert.Equal(t, 200, last.Time)
}

func TestSynthetic_UnknownLane(t *testing.T) {
	ctx := context.Background()
	s := NewSynthetic(intersection.TwoPhaseLayout(), smallConfig())
	require.NoError(t, s.Start(ctx, 1))

	_, err := s.Lane(ctx, "N2J_7")
	assert.ErrorIs(t, err, ErrUnknownLane)

	r := ReadLane(ctx, s, "N2J_7")
	assert.True(t, r.Defaulted())
	assert.True(t, r.Queue.Defaulted)
	assert.Equal(t, 0.0, r.Wait.Value)

	ok := ReadLane(ctx, s, "N2J_0")
	assert.False(t, ok.Defaulted())
	assert.InDelta(t, 13.89, ok.Speed.Value, 1e-9)

	assert.Error(t, s.SetSignal(ctx, "GG"))
}

func TestSynthetic_EmergencyVehicles(t *testing.T) {
	ctx := context.Background()
	cfg := smallConfig()
	cfg.EmergencyShare = 1
	s := NewSynthetic(intersection.TwoPhaseLayout(), cfg)
	require.NoError(t, s.Start(ctx, 3))
	require.NoError(t, s.SetSignal(ctx, "GGGGrr"))
	run(t, s, 60)

	vs, err := s.Vehicles(ctx, "W2J")
	require.NoError(t, err)
	require.NotEmpty(t, vs)
	for _, v := range vs {
		assert.True(t, v.IsEmergency())
	}
}
