// Package observation turns raw junction metrics into the fixed-length,
// normalized vector the agent consumes.
package observation

import (
	"math"

	"github.com/samber/lo"

	"github.com/cartridge/signal/internal/intersection"
)

// Scales are the calibration constants each raw quantity is divided by.
type Scales struct {
	LaneQueue     float64 `mapstructure:"lane_queue"`
	LaneSpeed     float64 `mapstructure:"lane_speed"`
	LaneWait      float64 `mapstructure:"lane_wait"`
	ApproachQueue float64 `mapstructure:"approach_queue"`
	PhaseTime     float64 `mapstructure:"phase_time"`
}

// DefaultScales returns the calibration used for training.
func DefaultScales() Scales {
	return Scales{
		LaneQueue:     25,
		LaneSpeed:     13.89,
		LaneWait:      600,
		ApproachQueue: 50,
		PhaseTime:     96,
	}
}

// LaneSample holds the raw metrics of one lane.
type LaneSample struct {
	Queue float64
	Speed float64
	Wait  float64
}

// Input is everything the encoder needs for one observation. Lanes are
// aligned with the layout's lanes; Emergency is keyed by approach id.
type Input struct {
	Lanes     []LaneSample
	Phase     intersection.PhaseID
	Elapsed   int
	Emergency map[string]bool
}

// Encoder is a pure function from Input to observation vector.
type Encoder struct {
	layout *intersection.Layout
	plan   *intersection.Plan
	scales Scales
}

// NewEncoder builds an encoder for a scenario.
func NewEncoder(layout *intersection.Layout, plan *intersection.Plan, scales Scales) *Encoder {
	return &Encoder{layout: layout, plan: plan, scales: scales}
}

// Size is the observation length.
func (e *Encoder) Size() int {
	return 3*len(e.layout.Lanes) + 2*len(e.layout.Approaches) + len(e.plan.Phases) + 1
}

// ApproachQueues sums lane queues per approach in layout order. Missing
// lanes count as empty.
func (e *Encoder) ApproachQueues(lanes []LaneSample) []float64 {
	totals := make([]float64, len(e.layout.Approaches))
	for i, lane := range e.layout.Lanes {
		if i >= len(lanes) {
			break
		}
		if idx, ok := e.layout.ApproachIndex(lane.Approach); ok {
			totals[idx] += lanes[i].Queue
		}
	}
	return totals
}

// Encode builds the observation vector.
func (e *Encoder) Encode(in Input) []float64 {
	obs := make([]float64, 0, e.Size())
	for i := range e.layout.Lanes {
		var s LaneSample
		if i < len(in.Lanes) {
			s = in.Lanes[i]
		}
		obs = append(obs,
			norm(s.Queue, e.scales.LaneQueue),
			norm(s.Speed, e.scales.LaneSpeed),
			norm(s.Wait, e.scales.LaneWait),
		)
	}

	obs = append(obs, lo.Map(e.ApproachQueues(in.Lanes), func(q float64, _ int) float64 {
		return norm(q, e.scales.ApproachQueue)
	})...)

	for _, ph := range e.plan.Phases {
		obs = append(obs, lo.Ternary(ph.ID == in.Phase, 1.0, 0.0))
	}

	obs = append(obs, norm(float64(in.Elapsed), e.scales.PhaseTime))

	for _, a := range e.layout.Approaches {
		obs = append(obs, lo.Ternary(in.Emergency[a.ID], 1.0, 0.0))
	}
	return obs
}

func norm(v, scale float64) float64 {
	if scale <= 0 || v <= 0 || math.IsNaN(v) {
		return 0
	}
	return lo.Clamp(v/scale, 0, 1)
}
