package observation

import (
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cartridge/signal/internal/intersection"
)

func twoPhaseEncoder() *Encoder {
	return NewEncoder(intersection.TwoPhaseLayout(), intersection.TwoPhasePlan(15, 3), DefaultScales())
}

func TestEncoder_Size(t *testing.T) {
	e := twoPhaseEncoder()
	// 6 lanes x 3 + 4 approach queues + 4 phases + elapsed + 4 flags
	assert.Equal(t, 31, e.Size())
	assert.Len(t, e.Encode(Input{}), e.Size())

	four := NewEncoder(intersection.FourMovementLayout(), intersection.FourMovementPlan(15, 10, 3), DefaultScales())
	assert.Equal(t, 8*3+4+8+1+4, four.Size())
	assert.Len(t, four.Encode(Input{Phase: intersection.EWLeft}), four.Size())
}

func TestEncoder_Layout(t *testing.T) {
	e := twoPhaseEncoder()
	lanes := []LaneSample{
		{Queue: 5, Speed: 13.89, Wait: 60},
		{Queue: 50, Speed: 0, Wait: 1200},
		{}, {}, {Queue: 10}, {},
	}
	obs := e.Encode(Input{
		Lanes:     lanes,
		Phase:     intersection.EWGreen,
		Elapsed:   48,
		Emergency: map[string]bool{"W2J": true},
	})
	require.Len(t, obs, 31)

	assert.InDelta(t, 0.2, obs[0], 1e-9)
	assert.InDelta(t, 1.0, obs[1], 1e-9)
	assert.InDelta(t, 0.1, obs[2], 1e-9)
	// Values above the design maximum are clipped.
	assert.Equal(t, 1.0, obs[3])
	assert.Equal(t, 1.0, obs[5])

	// N2J total 55 over 50 clips, E2J total 10.
	assert.Equal(t, 1.0, obs[18])
	assert.Equal(t, 0.0, obs[19])
	assert.InDelta(t, 0.2, obs[20], 1e-9)

	assert.Equal(t, []float64{0, 0, 1, 0}, obs[22:26])
	assert.InDelta(t, 0.5, obs[26], 1e-9)
	assert.Equal(t, []float64{0, 0, 0, 1}, obs[27:31])
}

func TestEncoder_Bounds(t *testing.T) {
	e := twoPhaseEncoder()
	obs := e.Encode(Input{
		Lanes:   []LaneSample{{Queue: -3, Speed: 99, Wait: 1e9}},
		Elapsed: 10_000,
	})
	for i, v := range obs {
		assert.GreaterOrEqual(t, v, 0.0, "index %d", i)
		assert.LessOrEqual(t, v, 1.0, "index %d", i)
	}
}

func TestEncoder_NonFiniteMetrics(t *testing.T) {
	e := twoPhaseEncoder()
	obs := e.Encode(Input{
		Lanes: []LaneSample{{Queue: math.NaN(), Speed: math.Inf(1), Wait: math.NaN()}},
	})
	assert.Equal(t, 0.0, obs[0])
	assert.Equal(t, 1.0, obs[1])
	assert.Equal(t, 0.0, obs[2])
	for i, v := range obs {
		assert.False(t, math.IsNaN(v), "index %d", i)
		assert.GreaterOrEqual(t, v, 0.0, "index %d", i)
		assert.LessOrEqual(t, v, 1.0, "index %d", i)
	}
}

func TestEncoder_ApproachQueues(t *testing.T) {
	e := twoPhaseEncoder()
	q := e.ApproachQueues([]LaneSample{{Queue: 1}, {Queue: 2}, {Queue: 3}, {Queue: 4}, {Queue: 5}, {Queue: 6}})
	assert.Equal(t, []float64{3, 7, 5, 6}, q)
}
