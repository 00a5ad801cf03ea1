package agent

import (
	"math"
	"math/rand"
	"os"
	"path/filepath"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/vmihailenco/msgpack/v5"

	"github.com/cartridge/signal/internal/replay"
)

func smallConfig() Config {
	cfg := DefaultConfig()
	cfg.Hidden = []int{8}
	cfg.BatchSize = 4
	cfg.MinBuffer = 8
	cfg.BufferSize = 100
	cfg.TargetSync = 2
	cfg.Seed = 1
	return cfg
}

func newAgent(t *testing.T, cfg Config) *Agent {
	t.Helper()
	a, err := New(3, 2, cfg, zerolog.Nop())
	require.NoError(t, err)
	return a
}

func fill(t *testing.T, a *Agent, n int) {
	t.Helper()
	rng := rand.New(rand.NewSource(5))
	for i := 0; i < n; i++ {
		s := []float64{rng.Float64(), rng.Float64(), rng.Float64()}
		ns := []float64{rng.Float64(), rng.Float64(), rng.Float64()}
		require.NoError(t, a.Remember(replay.Transition{
			State: s, Action: i % 2, Reward: rng.NormFloat64(), NextState: ns, Terminal: i%7 == 0,
		}))
	}
}

func TestDecayEpsilon(t *testing.T) {
	a := newAgent(t, smallConfig())
	assert.Equal(t, 1.0, a.Epsilon())

	for k := 1; k <= 60; k++ {
		a.DecayEpsilon()
		want := math.Max(0.05, math.Pow(0.92, float64(k)))
		assert.InDelta(t, want, a.Epsilon(), 1e-12, "after %d decays", k)
	}
	assert.Equal(t, 0.05, a.Epsilon())
}

func TestBootstrapTargets(t *testing.T) {
	nextPolicy := [][]float64{{0.1, 0.9, 0.3}, {5, 1, 2}}
	nextTarget := [][]float64{{10, 20, 30}, {7, 8, 9}}

	got := BootstrapTargets([]float64{1, 2}, []bool{false, false}, nextPolicy, nextTarget, 0.95)
	// Policy argmax picks index 1 then 0; the target network supplies values.
	assert.InDelta(t, 1+0.95*20, got[0], 1e-12)
	assert.InDelta(t, 2+0.95*7, got[1], 1e-12)

	terminal := BootstrapTargets([]float64{-3.5}, []bool{true}, [][]float64{{1e9, 0}}, [][]float64{{1e9, 1e9}}, 0.95)
	assert.Equal(t, []float64{-3.5}, terminal)
}

func TestLearn_WarmUpThenUpdates(t *testing.T) {
	a := newAgent(t, smallConfig())
	fill(t, a, 7)

	loss, updated, err := a.Learn()
	require.NoError(t, err)
	assert.False(t, updated)
	assert.Equal(t, 0.0, loss)
	assert.Equal(t, int64(0), a.Steps())

	fill(t, a, 1)
	for i := 0; i < 4; i++ {
		loss, updated, err = a.Learn()
		require.NoError(t, err)
		assert.True(t, updated)
		assert.GreaterOrEqual(t, loss, 0.0)
	}
	assert.Equal(t, int64(4), a.Steps())

	// TargetSync=2, so after 4 updates the networks agree.
	state := []float64{0.2, 0.4, 0.6}
	q, err := a.policy.Forward(state)
	require.NoError(t, err)
	tq, err := a.target.Forward(state)
	require.NoError(t, err)
	assert.Equal(t, q, tq)
}

func TestRemember_RejectsBadShapes(t *testing.T) {
	a := newAgent(t, smallConfig())
	assert.Error(t, a.Remember(replay.Transition{State: []float64{1}, NextState: []float64{1, 2, 3}}))
	assert.Error(t, a.Remember(replay.Transition{State: []float64{1, 2, 3}, NextState: []float64{1, 2, 3}, Action: 2}))
	assert.Equal(t, 0, a.BufferLen())
}

func TestSelectAction_EvalIsGreedy(t *testing.T) {
	a := newAgent(t, smallConfig())
	a.SetEvalMode(true)
	assert.Zero(t, a.Epsilon())
	state := []float64{0.5, 0.1, 0.9}
	q, err := a.QValues(state)
	require.NoError(t, err)
	want := argmax(q)
	for i := 0; i < 20; i++ {
		got, err := a.SelectAction(state)
		require.NoError(t, err)
		assert.Equal(t, want, got)
	}

	a.SetEvalMode(false)
	assert.Equal(t, 1.0, a.Epsilon())
	seen := map[int]bool{}
	for i := 0; i < 200; i++ {
		got, err := a.SelectAction(state)
		require.NoError(t, err)
		seen[got] = true
	}
	assert.Len(t, seen, 2)
}

func TestCheckpoint_RoundTrip(t *testing.T) {
	cfg := smallConfig()
	a := newAgent(t, cfg)
	fill(t, a, 20)
	for i := 0; i < 5; i++ {
		_, _, err := a.Learn()
		require.NoError(t, err)
	}
	a.DecayEpsilon()

	path := filepath.Join(t.TempDir(), "models", "best.ckpt")
	require.NoError(t, a.Save(path))

	cfg.Seed = 99
	b := newAgent(t, cfg)
	require.NoError(t, b.Load(path))
	assert.Equal(t, a.Epsilon(), b.Epsilon())
	assert.Equal(t, a.Steps(), b.Steps())

	a.SetEvalMode(true)
	b.SetEvalMode(true)
	rng := rand.New(rand.NewSource(3))
	for i := 0; i < 25; i++ {
		s := []float64{rng.Float64(), rng.Float64(), rng.Float64()}
		qa, err := a.QValues(s)
		require.NoError(t, err)
		qb, err := b.QValues(s)
		require.NoError(t, err)
		assert.Equal(t, qa, qb)

		actA, _ := a.SelectAction(s)
		actB, _ := b.SelectAction(s)
		assert.Equal(t, actA, actB)
	}

	// Loaded target mirrors loaded policy.
	s := []float64{0.3, 0.3, 0.3}
	q, _ := b.policy.Forward(s)
	tq, _ := b.target.Forward(s)
	assert.Equal(t, q, tq)
}

func TestCheckpoint_MissingPath(t *testing.T) {
	a := newAgent(t, smallConfig())
	err := a.Load(filepath.Join(t.TempDir(), "nope.ckpt"))
	require.Error(t, err)
	assert.ErrorIs(t, err, os.ErrNotExist)
}

func TestCheckpoint_LegacyRecordDefaults(t *testing.T) {
	a := newAgent(t, smallConfig())
	rec := checkpoint{
		Version:    1,
		StateSize:  3,
		ActionSize: 2,
		Hidden:     []int{8},
		Policy:     a.policy.State(),
		Target:     a.target.State(),
	}
	data, err := msgpack.Marshal(&rec)
	require.NoError(t, err)
	path := filepath.Join(t.TempDir(), "old.ckpt")
	require.NoError(t, os.WriteFile(path, data, 0o644))

	b := newAgent(t, smallConfig())
	require.NoError(t, b.Load(path))
	assert.Equal(t, 0.05, b.Epsilon())
	assert.Equal(t, int64(0), b.Steps())
}

func TestCheckpoint_Rejects(t *testing.T) {
	a := newAgent(t, smallConfig())
	path := filepath.Join(t.TempDir(), "a.ckpt")
	require.NoError(t, a.Save(path))

	wider, err := New(4, 2, smallConfig(), zerolog.Nop())
	require.NoError(t, err)
	assert.ErrorIs(t, wider.Load(path), ErrCheckpointShape)

	cfg := smallConfig()
	cfg.Hidden = []int{16}
	deeper := newAgent(t, cfg)
	assert.ErrorIs(t, deeper.Load(path), ErrCheckpointShape)

	future, err := msgpack.Marshal(&checkpoint{Version: CheckpointVersion + 1})
	require.NoError(t, err)
	fpath := filepath.Join(t.TempDir(), "future.ckpt")
	require.NoError(t, os.WriteFile(fpath, future, 0o644))
	assert.ErrorIs(t, a.Load(fpath), ErrCheckpointVersion)
}

func TestConfig_Validate(t *testing.T) {
	require.NoError(t, DefaultConfig().Validate())

	cfg := DefaultConfig()
	cfg.Device = "cuda"
	assert.Error(t, cfg.Validate())

	cfg = DefaultConfig()
	cfg.MinBuffer = 10
	assert.Error(t, cfg.Validate())

	cfg = DefaultConfig()
	cfg.EpsilonMin = 2
	assert.Error(t, cfg.Validate())

	dev, err := ResolveDevice("auto")
	require.NoError(t, err)
	assert.Equal(t, "cpu", dev)
}
