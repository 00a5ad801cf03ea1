package signal

import (
	"github.com/samber/lo"

	"github.com/cartridge/signal/internal/intersection"
)

// Sighting is an emergency vehicle observed on an incoming approach.
type Sighting struct {
	VehicleID string
	Approach  string
	// Lane is optional. When it names a layout lane, only the greens for
	// that lane's movement serve the vehicle.
	Lane string
}

// Decision is the result of a preemption check. The zero value means no
// preemption.
type Decision struct {
	Preempt   bool
	Target    intersection.PhaseID
	Approach  string
	VehicleID string
}

// Override forces the controller toward the green serving an emergency
// vehicle that is not currently being served.
type Override struct {
	layout *intersection.Layout
	plan   *intersection.Plan
}

// NewOverride builds an override for a scenario.
func NewOverride(layout *intersection.Layout, plan *intersection.Plan) *Override {
	return &Override{layout: layout, plan: plan}
}

// Check scans approaches in layout order and returns the first unserved
// emergency vehicle. A vehicle on a known lane is served only by a green for
// that lane's movement; without a lane any green of its approach serves it.
// The through green is preferred over the turn green as the target.
func (o *Override) Check(ctrl *Controller, sightings []Sighting) Decision {
	for _, approach := range o.layout.Approaches {
		for _, s := range sightings {
			if s.Approach != approach.ID {
				continue
			}
			serving := o.servingGreens(approach.ID, s.Lane)
			if len(serving) == 0 {
				continue
			}
			served := false
			for _, g := range serving {
				if ctrl.Serving(g) {
					served = true
					break
				}
			}
			if served {
				continue
			}
			return Decision{
				Preempt:   true,
				Target:    serving[0],
				Approach:  approach.ID,
				VehicleID: s.VehicleID,
			}
		}
	}
	return Decision{Target: intersection.NoPhase}
}

func (o *Override) servingGreens(approach, laneID string) []intersection.PhaseID {
	greens := o.plan.ServingGreens(approach)
	lane, ok := lo.Find(o.layout.LanesOf(approach), func(l intersection.Lane) bool { return l.ID == laneID })
	if !ok {
		return greens
	}
	matching := lo.Filter(greens, func(g intersection.PhaseID, _ int) bool {
		return o.plan.MustPhase(g).Movement == lane.Movement
	})
	if len(matching) == 0 {
		return greens
	}
	return matching
}

// Apply forces the controller toward the decision's target. It does nothing
// when the decision does not preempt.
func (o *Override) Apply(ctrl *Controller, d Decision) (Outcome, error) {
	if !d.Preempt {
		return OutcomeNoOp, nil
	}
	return ctrl.Force(d.Target)
}
