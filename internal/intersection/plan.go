package intersection

import (
	"fmt"
	"sort"

	"github.com/samber/lo"
)

// PhaseID indexes a phase within its plan. It is also the phase's slot in the
// one-hot observation encoding.
type PhaseID int

// NoPhase marks the absence of a phase.
const NoPhase PhaseID = -1

// PhaseKind separates serving phases from clearance phases.
type PhaseKind string

const (
	KindGreen  PhaseKind = "green"
	KindYellow PhaseKind = "yellow"
)

// Phase is one signal state of the junction.
type Phase struct {
	ID       PhaseID
	Name     string
	Kind     PhaseKind
	Movement Movement
	// MinHold is the number of seconds a green must be shown before the
	// controller accepts a switch request. Zero for yellows.
	MinHold int
	// Signal is the per-link state string understood by the simulator.
	Signal string
	// Serves lists the approaches given right of way by a green.
	Serves []string
	// Yellow is the clearance phase that follows a green.
	Yellow PhaseID
	// Clears is the green a yellow phase clears.
	Clears PhaseID
}

// IsGreen reports whether the phase serves traffic.
func (p Phase) IsGreen() bool { return p.Kind == KindGreen }

// Plan is the complete phase enumeration together with the action space the
// agent chooses from.
type Plan struct {
	Name           string
	Phases         []Phase
	Default        PhaseID
	YellowDuration int
	// Cyclic plans expose a single "advance to the next green" action;
	// otherwise every entry of Targets is an explicit action.
	Cyclic  bool
	Targets []PhaseID
}

// Phase returns the phase with the given id.
func (p *Plan) Phase(id PhaseID) (Phase, bool) {
	if id < 0 || int(id) >= len(p.Phases) {
		return Phase{}, false
	}
	return p.Phases[id], true
}

// MustPhase is Phase for ids known to be valid.
func (p *Plan) MustPhase(id PhaseID) Phase {
	ph, ok := p.Phase(id)
	if !ok {
		panic(fmt.Sprintf("intersection: unknown phase %d in plan %s", id, p.Name))
	}
	return ph
}

// NameOf returns a phase's name, or "?" for unknown ids.
func (p *Plan) NameOf(id PhaseID) string {
	if ph, ok := p.Phase(id); ok {
		return ph.Name
	}
	return "?"
}

// PhaseByName looks a phase up by its name.
func (p *Plan) PhaseByName(name string) (Phase, bool) {
	return lo.Find(p.Phases, func(ph Phase) bool { return ph.Name == name })
}

// Greens lists the green phases in plan order.
func (p *Plan) Greens() []PhaseID {
	return lo.FilterMap(p.Phases, func(ph Phase, _ int) (PhaseID, bool) {
		return ph.ID, ph.IsGreen()
	})
}

// ActionCount is the size of the discrete action space, hold included.
func (p *Plan) ActionCount() int {
	if p.Cyclic {
		return 2
	}
	return 1 + len(p.Targets)
}

// ActionTarget maps an action to the green it requests. Action 0 is hold
// and returns false.
func (p *Plan) ActionTarget(action int, current PhaseID) (PhaseID, bool, error) {
	if action < 0 || action >= p.ActionCount() {
		return NoPhase, false, fmt.Errorf("action %d outside [0,%d)", action, p.ActionCount())
	}
	if action == 0 {
		return NoPhase, false, nil
	}
	if p.Cyclic {
		return p.NextGreen(current), true, nil
	}
	return p.Targets[action-1], true, nil
}

// ActionFor is the inverse of ActionTarget: the action that requests the
// given green while current is showing.
func (p *Plan) ActionFor(green, current PhaseID) (int, error) {
	ph, ok := p.Phase(green)
	if !ok || !ph.IsGreen() {
		return 0, fmt.Errorf("phase %d is not a green of plan %s", green, p.Name)
	}
	if p.Cyclic {
		if green == current {
			return 0, nil
		}
		if p.NextGreen(current) != green {
			return 0, fmt.Errorf("%s is not reachable from %s in one switch", ph.Name, p.NameOf(current))
		}
		return 1, nil
	}
	idx := lo.IndexOf(p.Targets, green)
	if idx < 0 {
		return 0, fmt.Errorf("phase %s has no action", ph.Name)
	}
	return idx + 1, nil
}

// NextGreen returns the green that follows current in plan order. For a
// yellow, the green it clears is used as the reference point.
func (p *Plan) NextGreen(current PhaseID) PhaseID {
	ref := current
	if ph, ok := p.Phase(current); ok && !ph.IsGreen() {
		ref = ph.Clears
	}
	greens := p.Greens()
	idx := lo.IndexOf(greens, ref)
	return greens[(idx+1)%len(greens)]
}

// ServingGreens returns the greens serving an approach, through movements
// ahead of turning movements.
func (p *Plan) ServingGreens(approach string) []PhaseID {
	serving := lo.Filter(p.Phases, func(ph Phase, _ int) bool {
		return ph.IsGreen() && lo.Contains(ph.Serves, approach)
	})
	sort.SliceStable(serving, func(i, j int) bool {
		return serving[i].Movement == MovementThrough && serving[j].Movement != MovementThrough
	})
	return lo.Map(serving, func(ph Phase, _ int) PhaseID { return ph.ID })
}

// Validate checks the internal references of the plan against a layout.
func (p *Plan) Validate(layout *Layout) error {
	if len(p.Phases) == 0 {
		return fmt.Errorf("plan %s has no phases", p.Name)
	}
	if p.YellowDuration <= 0 {
		return fmt.Errorf("plan %s: yellow duration must be positive", p.Name)
	}
	links := layout.Links()
	for i, ph := range p.Phases {
		if ph.ID != PhaseID(i) {
			return fmt.Errorf("plan %s: phase %s has id %d at index %d", p.Name, ph.Name, ph.ID, i)
		}
		if len(ph.Signal) != links {
			return fmt.Errorf("plan %s: phase %s signal has %d links, layout has %d", p.Name, ph.Name, len(ph.Signal), links)
		}
		switch ph.Kind {
		case KindGreen:
			y, ok := p.Phase(ph.Yellow)
			if !ok || y.Kind != KindYellow || y.Clears != ph.ID {
				return fmt.Errorf("plan %s: green %s has no matching yellow", p.Name, ph.Name)
			}
		case KindYellow:
			g, ok := p.Phase(ph.Clears)
			if !ok || !g.IsGreen() {
				return fmt.Errorf("plan %s: yellow %s clears no green", p.Name, ph.Name)
			}
		default:
			return fmt.Errorf("plan %s: phase %s has unknown kind %q", p.Name, ph.Name, ph.Kind)
		}
	}
	if d, ok := p.Phase(p.Default); !ok || !d.IsGreen() {
		return fmt.Errorf("plan %s: default phase must be a green", p.Name)
	}
	for _, t := range p.Targets {
		if ph, ok := p.Phase(t); !ok || !ph.IsGreen() {
			return fmt.Errorf("plan %s: action target %d is not a green", p.Name, t)
		}
	}
	if !p.Cyclic && len(p.Targets) == 0 {
		return fmt.Errorf("plan %s: explicit plans need action targets", p.Name)
	}
	return nil
}

// Two-phase plan ids.
const (
	NSGreen  PhaseID = 0
	NSYellow PhaseID = 1
	EWGreen  PhaseID = 2
	EWYellow PhaseID = 3
)

// Four-movement plan ids.
const (
	NSThrough       PhaseID = 0
	NSThroughYellow PhaseID = 1
	NSLeft          PhaseID = 2
	NSLeftYellow    PhaseID = 3
	EWThrough       PhaseID = 4
	EWThroughYellow PhaseID = 5
	EWLeft          PhaseID = 6
	EWLeftYellow    PhaseID = 7
)

// TwoPhasePlan alternates the north/south and east/west greens. Matches
// TwoPhaseLayout's six links.
func TwoPhasePlan(minGreen, yellow int) *Plan {
	return &Plan{
		Name: "two-phase",
		Phases: []Phase{
			{ID: NSGreen, Name: "NS_GREEN", Kind: KindGreen, Movement: MovementThrough, MinHold: minGreen,
				Signal: "GGGGrr", Serves: []string{"N2J", "S2J"}, Yellow: NSYellow, Clears: NoPhase},
			{ID: NSYellow, Name: "NS_YELLOW", Kind: KindYellow, Signal: "yyyyrr", Yellow: NoPhase, Clears: NSGreen},
			{ID: EWGreen, Name: "EW_GREEN", Kind: KindGreen, Movement: MovementThrough, MinHold: minGreen,
				Signal: "rrrrGG", Serves: []string{"E2J", "W2J"}, Yellow: EWYellow, Clears: NoPhase},
			{ID: EWYellow, Name: "EW_YELLOW", Kind: KindYellow, Signal: "rrrryy", Yellow: NoPhase, Clears: EWGreen},
		},
		Default:        NSGreen,
		YellowDuration: yellow,
		Cyclic:         true,
	}
}

// FourMovementPlan gives protected through and left-turn greens to each
// axis. Matches FourMovementLayout's eight links.
func FourMovementPlan(minThrough, minLeft, yellow int) *Plan {
	ns := []string{"N2J", "S2J"}
	ew := []string{"E2J", "W2J"}
	return &Plan{
		Name: "four-movement",
		Phases: []Phase{
			{ID: NSThrough, Name: "NS_THROUGH", Kind: KindGreen, Movement: MovementThrough, MinHold: minThrough,
				Signal: "GrGrrrrr", Serves: ns, Yellow: NSThroughYellow, Clears: NoPhase},
			{ID: NSThroughYellow, Name: "NS_THROUGH_YELLOW", Kind: KindYellow, Signal: "yryrrrrr", Yellow: NoPhase, Clears: NSThrough},
			{ID: NSLeft, Name: "NS_LEFT", Kind: KindGreen, Movement: MovementLeft, MinHold: minLeft,
				Signal: "rGrGrrrr", Serves: ns, Yellow: NSLeftYellow, Clears: NoPhase},
			{ID: NSLeftYellow, Name: "NS_LEFT_YELLOW", Kind: KindYellow, Signal: "ryryrrrr", Yellow: NoPhase, Clears: NSLeft},
			{ID: EWThrough, Name: "EW_THROUGH", Kind: KindGreen, Movement: MovementThrough, MinHold: minThrough,
				Signal: "rrrrGrGr", Serves: ew, Yellow: EWThroughYellow, Clears: NoPhase},
			{ID: EWThroughYellow, Name: "EW_THROUGH_YELLOW", Kind: KindYellow, Signal: "rrrryryr", Yellow: NoPhase, Clears: EWThrough},
			{ID: EWLeft, Name: "EW_LEFT", Kind: KindGreen, Movement: MovementLeft, MinHold: minLeft,
				Signal: "rrrrrGrG", Serves: ew, Yellow: EWLeftYellow, Clears: NoPhase},
			{ID: EWLeftYellow, Name: "EW_LEFT_YELLOW", Kind: KindYellow, Signal: "rrrrryry", Yellow: NoPhase, Clears: EWLeft},
		},
		Default:        NSThrough,
		YellowDuration: yellow,
		Targets:        []PhaseID{NSThrough, NSLeft, EWThrough, EWLeft},
	}
}

// Scenario bundles a layout with the plan that drives it.
type Scenario struct {
	Layout *Layout
	Plan   *Plan
}

// Scenario names accepted by Preset.
const (
	ScenarioTwoPhase     = "two-phase"
	ScenarioFourMovement = "four-movement"
)

// Timing holds the signal timing knobs shared by the presets.
type Timing struct {
	MinGreen     int
	MinLeftGreen int
	Yellow       int
}

// Preset builds a named scenario and validates it.
func Preset(name string, t Timing) (Scenario, error) {
	var s Scenario
	switch name {
	case ScenarioTwoPhase:
		s = Scenario{Layout: TwoPhaseLayout(), Plan: TwoPhasePlan(t.MinGreen, t.Yellow)}
	case ScenarioFourMovement:
		s = Scenario{Layout: FourMovementLayout(), Plan: FourMovementPlan(t.MinGreen, t.MinLeftGreen, t.Yellow)}
	default:
		return Scenario{}, fmt.Errorf("unknown scenario %q", name)
	}
	if err := s.Layout.Validate(); err != nil {
		return Scenario{}, err
	}
	if err := s.Plan.Validate(s.Layout); err != nil {
		return Scenario{}, err
	}
	return s, nil
}
