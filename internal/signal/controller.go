// Package signal runs the phase state machine of the junction and the
// emergency preemption rule that can override it.
package signal

import (
	"errors"
	"fmt"

	"github.com/cartridge/signal/internal/intersection"
)

// ErrUnknownPhase is returned when a switch targets something other than a
// green of the controller's plan.
var ErrUnknownPhase = errors.New("unknown green phase")

// Outcome reports what a switch request did.
type Outcome string

const (
	OutcomeSwitched        Outcome = "switched"
	OutcomeNoOp            Outcome = "noop"
	OutcomeRefusedMinHold  Outcome = "refused_min_hold"
	OutcomeRefusedInYellow Outcome = "refused_in_yellow"
)

// Controller is the phase state machine. One phase is active at any time;
// a change between greens always passes through the yellow that clears the
// outgoing green.
type Controller struct {
	plan      *intersection.Plan
	current   intersection.PhaseID
	elapsed   int
	countdown int
	pending   intersection.PhaseID
}

// NewController creates a controller showing the plan's default green.
func NewController(plan *intersection.Plan) *Controller {
	c := &Controller{plan: plan}
	c.Reset()
	return c
}

// Reset returns to the default green with a fresh elapsed counter.
func (c *Controller) Reset() {
	c.current = c.plan.Default
	c.elapsed = 0
	c.countdown = 0
	c.pending = intersection.NoPhase
}

// Plan returns the plan the controller runs.
func (c *Controller) Plan() *intersection.Plan { return c.plan }

// Current is the active phase.
func (c *Controller) Current() intersection.Phase { return c.plan.MustPhase(c.current) }

// Elapsed is the number of simulated seconds spent in the active phase.
func (c *Controller) Elapsed() int { return c.elapsed }

// InYellow reports whether a clearance interval is running.
func (c *Controller) InYellow() bool { return !c.Current().IsGreen() }

// Pending is the green queued behind the running yellow.
func (c *Controller) Pending() (intersection.Phase, bool) {
	if !c.InYellow() {
		return intersection.Phase{}, false
	}
	return c.plan.MustPhase(c.pending), true
}

// Serving reports whether a green is either active or queued behind the
// running yellow.
func (c *Controller) Serving(green intersection.PhaseID) bool {
	if c.current == green {
		return true
	}
	return c.InYellow() && c.pending == green
}

// CanSwitch is true once the active green has been held for its minimum.
func (c *Controller) CanSwitch() bool {
	cur := c.Current()
	return cur.IsGreen() && c.elapsed >= cur.MinHold
}

// RequestSwitch asks for a transition to target. A request for the phase
// already showing or already queued is a no-op.
func (c *Controller) RequestSwitch(target intersection.PhaseID) (Outcome, error) {
	if err := c.checkGreen(target); err != nil {
		return "", err
	}
	if c.Serving(target) {
		return OutcomeNoOp, nil
	}
	if c.InYellow() {
		return OutcomeRefusedInYellow, nil
	}
	if !c.CanSwitch() {
		return OutcomeRefusedMinHold, nil
	}
	c.enterYellow(target)
	return OutcomeSwitched, nil
}

// Force starts a transition toward target without waiting for the minimum
// hold. During a yellow the queued green is replaced.
func (c *Controller) Force(target intersection.PhaseID) (Outcome, error) {
	if err := c.checkGreen(target); err != nil {
		return "", err
	}
	if c.Serving(target) {
		return OutcomeNoOp, nil
	}
	if c.InYellow() {
		c.pending = target
		return OutcomeSwitched, nil
	}
	c.enterYellow(target)
	return OutcomeSwitched, nil
}

// Tick advances the controller by one simulated second and reports whether
// the active phase changed.
func (c *Controller) Tick() bool {
	if c.InYellow() {
		c.countdown--
		if c.countdown <= 0 {
			c.current = c.pending
			c.pending = intersection.NoPhase
			c.elapsed = 0
			return true
		}
	}
	c.elapsed++
	return false
}

func (c *Controller) enterYellow(target intersection.PhaseID) {
	c.current = c.Current().Yellow
	c.pending = target
	c.countdown = c.plan.YellowDuration
	c.elapsed = 0
}

func (c *Controller) checkGreen(id intersection.PhaseID) error {
	ph, ok := c.plan.Phase(id)
	if !ok || !ph.IsGreen() {
		return fmt.Errorf("%w: %d", ErrUnknownPhase, id)
	}
	return nil
}
