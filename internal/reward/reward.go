// Package reward scores one decision block of junction traffic.
package reward

import (
	"math"

	"github.com/samber/lo"
)

// Weights scale each reward term.
type Weights struct {
	Queue             float64 `mapstructure:"queue"`
	Growth            float64 `mapstructure:"growth"`
	Arrived           float64 `mapstructure:"arrived"`
	Emergency         float64 `mapstructure:"emergency"`
	Flicker           float64 `mapstructure:"flicker"`
	Balance           float64 `mapstructure:"balance"`
	Fairness          float64 `mapstructure:"fairness"`
	FairnessThreshold float64 `mapstructure:"fairness_threshold"`
}

// DefaultWeights are tuned so a fixed-timer baseline ends an episode well
// below zero while a competent policy ends well above it.
func DefaultWeights() Weights {
	return Weights{
		Queue:             0.2,
		Growth:            0.5,
		Arrived:           3.0,
		Emergency:         50,
		Flicker:           10,
		Balance:           1.0,
		Fairness:          0.05,
		FairnessThreshold: 120,
	}
}

// Inputs describe the block being scored.
type Inputs struct {
	TotalQueue     float64
	PrevTotalQueue float64
	Arrived        int
	// EmergencyHalted is the largest number of emergency vehicles found
	// halted in any single second of the block.
	EmergencyHalted int
	Flicker         bool
	ApproachQueues  []float64
	// ApproachWaits enables the fairness term when non-empty.
	ApproachWaits []float64
}

// Breakdown holds each signed term and their sum.
type Breakdown struct {
	Queue     float64 `json:"queue" msgpack:"queue"`
	Growth    float64 `json:"growth" msgpack:"growth"`
	Arrived   float64 `json:"arrived" msgpack:"arrived"`
	Emergency float64 `json:"emergency" msgpack:"emergency"`
	Flicker   float64 `json:"flicker" msgpack:"flicker"`
	Balance   float64 `json:"balance" msgpack:"balance"`
	Fairness  float64 `json:"fairness" msgpack:"fairness"`
	Total     float64 `json:"total" msgpack:"total"`
}

// Model computes rewards from a fixed set of weights.
type Model struct {
	w Weights
}

// NewModel returns a reward model.
func NewModel(w Weights) *Model {
	return &Model{w: w}
}

// Weights returns the configured weights.
func (m *Model) Weights() Weights { return m.w }

// Compute scores a block. Queue shrinkage earns nothing: only growth is
// penalized.
func (m *Model) Compute(in Inputs) Breakdown {
	b := Breakdown{
		Queue:     -m.w.Queue * in.TotalQueue,
		Growth:    -m.w.Growth * math.Max(0, in.TotalQueue-in.PrevTotalQueue),
		Arrived:   m.w.Arrived * float64(in.Arrived),
		Emergency: -m.w.Emergency * float64(in.EmergencyHalted),
		Balance:   m.w.Balance * Balance(in.ApproachQueues),
	}
	if in.Flicker {
		b.Flicker = -m.w.Flicker
	}
	if m.w.Fairness != 0 && len(in.ApproachWaits) > 0 {
		worst := lo.Max(in.ApproachWaits)
		b.Fairness = -m.w.Fairness * math.Max(0, worst-m.w.FairnessThreshold)
	}
	b.Total = b.Queue + b.Growth + b.Arrived + b.Emergency + b.Flicker + b.Balance + b.Fairness
	return b
}

// Balance is 1 for an empty or perfectly even queue distribution and falls
// with its spread: max(0, 1 - std/(mean+1)), population std.
func Balance(queues []float64) float64 {
	total := lo.Sum(queues)
	if total == 0 || len(queues) == 0 {
		return 1
	}
	mean := total / float64(len(queues))
	variance := lo.SumBy(queues, func(q float64) float64 {
		return (q - mean) * (q - mean)
	}) / float64(len(queues))
	return math.Max(0, 1-math.Sqrt(variance)/(mean+1))
}
