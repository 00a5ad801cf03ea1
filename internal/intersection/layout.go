// Package intersection describes the fixed geometry and signal plan of the
// controlled junction: incoming approaches, their lanes, and the phases the
// controller may show.
package intersection

import "fmt"

// Movement is the turning movement a lane is dedicated to.
type Movement string

const (
	MovementThrough Movement = "through"
	MovementLeft    Movement = "left"
)

// Approach is an incoming edge of the junction.
type Approach struct {
	ID    string `json:"id"`
	Label string `json:"label"`
}

// Lane is a single incoming lane. Link is its index into the signal state
// string sent to the simulator.
type Lane struct {
	ID       string   `json:"id"`
	Approach string   `json:"approach"`
	Link     int      `json:"link"`
	Movement Movement `json:"movement"`
}

// Layout is the ordered set of approaches and lanes. Order is significant:
// observation vectors and reward distributions follow it.
type Layout struct {
	Approaches []Approach
	Lanes      []Lane
}

// ApproachIndex returns the position of an approach in the layout.
func (l *Layout) ApproachIndex(id string) (int, bool) {
	for i, a := range l.Approaches {
		if a.ID == id {
			return i, true
		}
	}
	return -1, false
}

// LanesOf returns the lanes belonging to an approach, in layout order.
func (l *Layout) LanesOf(approach string) []Lane {
	var lanes []Lane
	for _, lane := range l.Lanes {
		if lane.Approach == approach {
			lanes = append(lanes, lane)
		}
	}
	return lanes
}

// Links is the length of the signal state string.
func (l *Layout) Links() int {
	n := 0
	for _, lane := range l.Lanes {
		if lane.Link+1 > n {
			n = lane.Link + 1
		}
	}
	return n
}

// Validate checks lane references and link indices.
func (l *Layout) Validate() error {
	if len(l.Approaches) == 0 {
		return fmt.Errorf("layout has no approaches")
	}
	seen := make(map[int]string, len(l.Lanes))
	for _, lane := range l.Lanes {
		if _, ok := l.ApproachIndex(lane.Approach); !ok {
			return fmt.Errorf("lane %s references unknown approach %s", lane.ID, lane.Approach)
		}
		if lane.Link < 0 {
			return fmt.Errorf("lane %s has negative link index", lane.ID)
		}
		if other, dup := seen[lane.Link]; dup {
			return fmt.Errorf("lanes %s and %s share link %d", other, lane.ID, lane.Link)
		}
		seen[lane.Link] = lane.ID
	}
	return nil
}

var compass = []Approach{
	{ID: "N2J", Label: "North"},
	{ID: "S2J", Label: "South"},
	{ID: "E2J", Label: "East"},
	{ID: "W2J", Label: "West"},
}

// TwoPhaseLayout is the original network: two-lane north/south main road,
// single-lane east/west side road.
func TwoPhaseLayout() *Layout {
	return &Layout{
		Approaches: append([]Approach(nil), compass...),
		Lanes: []Lane{
			{ID: "N2J_0", Approach: "N2J", Link: 0, Movement: MovementThrough},
			{ID: "N2J_1", Approach: "N2J", Link: 1, Movement: MovementThrough},
			{ID: "S2J_0", Approach: "S2J", Link: 2, Movement: MovementThrough},
			{ID: "S2J_1", Approach: "S2J", Link: 3, Movement: MovementThrough},
			{ID: "E2J_0", Approach: "E2J", Link: 4, Movement: MovementThrough},
			{ID: "W2J_0", Approach: "W2J", Link: 5, Movement: MovementThrough},
		},
	}
}

// FourMovementLayout gives every approach a through lane and a protected
// left-turn lane.
func FourMovementLayout() *Layout {
	layout := &Layout{Approaches: append([]Approach(nil), compass...)}
	for i, a := range compass {
		layout.Lanes = append(layout.Lanes,
			Lane{ID: a.ID + "_0", Approach: a.ID, Link: 2 * i, Movement: MovementThrough},
			Lane{ID: a.ID + "_1", Approach: a.ID, Link: 2*i + 1, Movement: MovementLeft},
		)
	}
	return layout
}
