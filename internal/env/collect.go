package env

import (
	"context"

	"github.com/samber/lo"

	"github.com/cartridge/signal/internal/observation"
	"github.com/cartridge/signal/internal/sim"
)

// snapshot is the end-of-block state of the junction.
type snapshot struct {
	lanes          []observation.LaneSample
	approachQueues []float64
	approachWaits  []float64
	totalQueue     float64
	avgWait        float64
	emergency      map[string]bool
	defaulted      int
}

// collect reads every lane and approach. Failed queries read as zero.
func (e *Environment) collect(ctx context.Context) snapshot {
	layout := e.scenario.Layout
	s := snapshot{
		lanes:         make([]observation.LaneSample, len(layout.Lanes)),
		approachWaits: make([]float64, len(layout.Approaches)),
		emergency:     make(map[string]bool, len(layout.Approaches)),
	}

	laneCount := make([]int, len(layout.Approaches))
	for i, lane := range layout.Lanes {
		r := sim.ReadLane(ctx, e.sim, lane.ID)
		if r.Defaulted() {
			s.defaulted++
			e.logger.Debug().Err(r.Cause).Str("lane", lane.ID).Msg("lane query defaulted")
		}
		s.lanes[i] = observation.LaneSample{Queue: r.Queue.Value, Speed: r.Speed.Value, Wait: r.Wait.Value}
		if idx, ok := layout.ApproachIndex(lane.Approach); ok {
			s.approachWaits[idx] += r.Wait.Value
			laneCount[idx]++
		}
	}
	for i := range s.approachWaits {
		s.approachWaits[i] /= float64(lo.Max([]int{laneCount[i], 1}))
	}

	s.approachQueues = e.encoder.ApproachQueues(s.lanes)
	s.totalQueue = lo.Sum(s.approachQueues)
	s.avgWait = lo.Sum(s.approachWaits) / float64(len(s.approachWaits))

	for _, a := range layout.Approaches {
		vs, err := e.sim.Vehicles(ctx, a.ID)
		if err != nil {
			s.defaulted++
			continue
		}
		s.emergency[a.ID] = lo.ContainsBy(vs, func(v sim.Vehicle) bool { return v.IsEmergency() })
	}
	return s
}

// EpisodeStats summarizes an episode so far.
type EpisodeStats struct {
	Steps        int     `json:"steps"`
	TotalReward  float64 `json:"total_reward"`
	AvgWait      float64 `json:"avg_wait"`
	PeakQueue    float64 `json:"peak_queue"`
	TotalArrived int     `json:"total_arrived"`
	Preemptions  int     `json:"preemptions"`
	// EmergencyMaxWait is the worst wait of any emergency vehicle.
	EmergencyMaxWait float64            `json:"emergency_max_wait"`
	EmergencyWaits   map[string]float64 `json:"emergency_waits,omitempty"`
}

type episodeTracker struct {
	rewards        []float64
	waits          []float64
	queues         []float64
	totalArrived   int
	preemptions    int
	emergencyWaits map[string]float64
}

func newEpisodeTracker() *episodeTracker {
	return &episodeTracker{emergencyWaits: make(map[string]float64)}
}

func (t *episodeTracker) record(r float64, s snapshot, arrived int) {
	t.rewards = append(t.rewards, r)
	t.waits = append(t.waits, s.avgWait)
	t.queues = append(t.queues, s.totalQueue)
	t.totalArrived += arrived
}

func (t *episodeTracker) stats() EpisodeStats {
	st := EpisodeStats{
		Steps:          len(t.rewards),
		TotalReward:    lo.Sum(t.rewards),
		TotalArrived:   t.totalArrived,
		Preemptions:    t.preemptions,
		EmergencyWaits: lo.Assign(t.emergencyWaits),
	}
	if len(t.waits) > 0 {
		st.AvgWait = lo.Sum(t.waits) / float64(len(t.waits))
		st.PeakQueue = lo.Max(t.queues)
	}
	if len(t.emergencyWaits) > 0 {
		st.EmergencyMaxWait = lo.Max(lo.Values(t.emergencyWaits))
	}
	return st
}
