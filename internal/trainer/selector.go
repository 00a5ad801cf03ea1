package trainer

import (
	"github.com/cartridge/signal/internal/intersection"
	"github.com/cartridge/signal/internal/signal"
)

// Selector chooses the action for a decision step.
type Selector interface {
	Select(state []float64) (int, error)
}

// SelectorFunc adapts a function to Selector.
type SelectorFunc func(state []float64) (int, error)

// Select calls f.
func (f SelectorFunc) Select(state []float64) (int, error) { return f(state) }

// Baseline timer presets.
const (
	PresetNaive = "naive"
	PresetTuned = "tuned"
)

// baselinePresets give green durations by phase name; greens not listed use
// the configured default.
var baselinePresets = map[string]map[string]int{
	PresetNaive: {},
	PresetTuned: {"NS_GREEN": 55, "EW_GREEN": 35, "NS_THROUGH": 55, "EW_THROUGH": 35},
}

// FixedTimer cycles the greens in plan order, holding each for a fixed
// duration. It ignores the observation.
type FixedTimer struct {
	ctrl     *signal.Controller
	greens   map[intersection.PhaseID]int
	fallback int
}

// NewFixedTimer builds a timer over ctrl's plan from a preset.
func NewFixedTimer(ctrl *signal.Controller, preset string, green int) *FixedTimer {
	plan := ctrl.Plan()
	greens := make(map[intersection.PhaseID]int)
	for name, d := range baselinePresets[preset] {
		if ph, ok := plan.PhaseByName(name); ok && ph.IsGreen() {
			greens[ph.ID] = d
		}
	}
	return &FixedTimer{ctrl: ctrl, greens: greens, fallback: green}
}

// Duration is the green time of a phase.
func (f *FixedTimer) Duration(id intersection.PhaseID) int {
	if d, ok := f.greens[id]; ok {
		return d
	}
	return f.fallback
}

// Select holds until the current green has run its duration, then requests
// the next green.
func (f *FixedTimer) Select([]float64) (int, error) {
	if f.ctrl.InYellow() {
		return 0, nil
	}
	cur := f.ctrl.Current()
	if f.ctrl.Elapsed() < f.Duration(cur.ID) {
		return 0, nil
	}
	plan := f.ctrl.Plan()
	return plan.ActionFor(plan.NextGreen(cur.ID), cur.ID)
}
