package signal

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cartridge/signal/internal/intersection"
)

func TestOverride_NoSightings(t *testing.T) {
	s, err := intersection.Preset(intersection.ScenarioTwoPhase, intersection.Timing{MinGreen: 15, Yellow: 3})
	require.NoError(t, err)
	o := NewOverride(s.Layout, s.Plan)
	c := NewController(s.Plan)

	d := o.Check(c, nil)
	assert.False(t, d.Preempt)

	out, err := o.Apply(c, d)
	require.NoError(t, err)
	assert.Equal(t, OutcomeNoOp, out)
}

func TestOverride_ServedApproachIgnored(t *testing.T) {
	s, err := intersection.Preset(intersection.ScenarioTwoPhase, intersection.Timing{MinGreen: 15, Yellow: 3})
	require.NoError(t, err)
	o := NewOverride(s.Layout, s.Plan)
	c := NewController(s.Plan)

	d := o.Check(c, []Sighting{{VehicleID: "amb1", Approach: "S2J"}})
	assert.False(t, d.Preempt)
}

func TestOverride_PreemptsUnservedApproach(t *testing.T) {
	s, err := intersection.Preset(intersection.ScenarioTwoPhase, intersection.Timing{MinGreen: 15, Yellow: 3})
	require.NoError(t, err)
	o := NewOverride(s.Layout, s.Plan)
	c := NewController(s.Plan)
	c.Tick()

	d := o.Check(c, []Sighting{{VehicleID: "amb1", Approach: "E2J"}})
	require.True(t, d.Preempt)
	assert.Equal(t, intersection.EWGreen, d.Target)
	assert.Equal(t, "E2J", d.Approach)
	assert.Equal(t, "amb1", d.VehicleID)

	out, err := o.Apply(c, d)
	require.NoError(t, err)
	assert.Equal(t, OutcomeSwitched, out)
	assert.True(t, c.InYellow())

	// Once the serving green is pending, the vehicle no longer triggers.
	assert.False(t, o.Check(c, []Sighting{{VehicleID: "amb1", Approach: "E2J"}}).Preempt)
}

func TestOverride_LayoutOrderAndThroughPreference(t *testing.T) {
	s, err := intersection.Preset(intersection.ScenarioFourMovement, intersection.Timing{MinGreen: 15, MinLeftGreen: 10, Yellow: 3})
	require.NoError(t, err)
	o := NewOverride(s.Layout, s.Plan)
	c := NewController(s.Plan)

	// West is listed after East in the layout, so the East vehicle wins.
	d := o.Check(c, []Sighting{
		{VehicleID: "fire", Approach: "W2J"},
		{VehicleID: "amb", Approach: "E2J"},
	})
	require.True(t, d.Preempt)
	assert.Equal(t, "amb", d.VehicleID)
	assert.Equal(t, intersection.EWThrough, d.Target)

	// A left-turn green on the same axis already serves the approach.
	_, err = c.Force(intersection.EWLeft)
	require.NoError(t, err)
	assert.False(t, o.Check(c, []Sighting{{VehicleID: "amb", Approach: "E2J"}}).Preempt)
}

func TestOverride_LaneMovementDecidesService(t *testing.T) {
	s, err := intersection.Preset(intersection.ScenarioFourMovement, intersection.Timing{MinGreen: 15, MinLeftGreen: 10, Yellow: 3})
	require.NoError(t, err)
	o := NewOverride(s.Layout, s.Plan)
	c := NewController(s.Plan)
	_, err = c.Force(intersection.NSLeft)
	require.NoError(t, err)
	for c.InYellow() {
		c.Tick()
	}
	require.Equal(t, intersection.NSLeft, c.Current().ID)

	// NS_LEFT does not serve a vehicle waiting in the through lane.
	d := o.Check(c, []Sighting{{VehicleID: "amb", Approach: "N2J", Lane: "N2J_0"}})
	require.True(t, d.Preempt)
	assert.Equal(t, intersection.NSThrough, d.Target)

	// It does serve one in the left-turn lane.
	assert.False(t, o.Check(c, []Sighting{{VehicleID: "amb", Approach: "N2J", Lane: "N2J_1"}}).Preempt)

	// A left-turn vehicle elsewhere targets its own left green.
	d = o.Check(c, []Sighting{{VehicleID: "fire", Approach: "W2J", Lane: "W2J_1"}})
	require.True(t, d.Preempt)
	assert.Equal(t, intersection.EWLeft, d.Target)
}
