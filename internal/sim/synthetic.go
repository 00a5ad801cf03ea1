package sim

import (
	"context"
	"fmt"
	"math/rand"
	"sync"

	"github.com/samber/lo"

	"github.com/cartridge/signal/internal/intersection"
)

// SyntheticConfig shapes the in-process traffic demand.
type SyntheticConfig struct {
	// DemandSeconds is the window during which vehicles are generated.
	DemandSeconds int `mapstructure:"demand_seconds"`
	// MainApproaches receive MainRate on through lanes; the others SideRate.
	MainApproaches []string `mapstructure:"main_approaches"`
	MainRate       float64  `mapstructure:"main_rate"`
	SideRate       float64  `mapstructure:"side_rate"`
	LeftRate       float64  `mapstructure:"left_rate"`
	EmergencyShare float64  `mapstructure:"emergency_share"`
	// Headway is the number of seconds between discharges from one lane.
	Headway      int     `mapstructure:"headway"`
	ApproachTime int     `mapstructure:"approach_time"`
	ExitTime     int     `mapstructure:"exit_time"`
	FreeSpeed    float64 `mapstructure:"free_speed"`
}

// DefaultSyntheticConfig is a rush-hour hour of demand on a main road
// crossing a side road.
func DefaultSyntheticConfig() SyntheticConfig {
	return SyntheticConfig{
		DemandSeconds:  3600,
		MainApproaches: []string{"N2J", "S2J"},
		MainRate:       0.12,
		SideRate:       0.06,
		LeftRate:       0.03,
		EmergencyShare: 0.01,
		Headway:        2,
		ApproachTime:   6,
		ExitTime:       8,
		FreeSpeed:      13.89,
	}
}

type carState struct {
	Vehicle
	// toStop is the number of seconds before the vehicle reaches the stop
	// line; zero means it is queued there.
	toStop int
}

type laneState struct {
	lane     intersection.Lane
	cars     []*carState
	green    bool
	cooldown int
}

type spawn struct {
	at   int
	lane int
	kind string
}

// Synthetic is a deterministic queueing simulator of the junction. Arrivals
// are drawn per lane and second from a seeded Bernoulli process; green lanes
// discharge one vehicle per headway.
type Synthetic struct {
	cfg    SyntheticConfig
	layout *intersection.Layout

	mu       sync.Mutex
	running  bool
	time     int
	lanes    []*laneState
	byID     map[string]*laneState
	schedule []spawn
	next     int
	exiting  []int
	serial   int
}

// NewSynthetic builds a synthetic simulator over a layout.
func NewSynthetic(layout *intersection.Layout, cfg SyntheticConfig) *Synthetic {
	return &Synthetic{cfg: cfg, layout: layout}
}

// Start discards any previous run and draws a fresh demand schedule.
func (s *Synthetic) Start(_ context.Context, seed int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	rng := rand.New(rand.NewSource(seed))
	s.lanes = make([]*laneState, len(s.layout.Lanes))
	s.byID = make(map[string]*laneState, len(s.layout.Lanes))
	for i, l := range s.layout.Lanes {
		ls := &laneState{lane: l}
		s.lanes[i] = ls
		s.byID[l.ID] = ls
	}

	s.schedule = s.schedule[:0]
	for t := 1; t <= s.cfg.DemandSeconds; t++ {
		for i, l := range s.layout.Lanes {
			if rng.Float64() >= s.rate(l) {
				continue
			}
			kind := VehiclePassenger
			if rng.Float64() < s.cfg.EmergencyShare {
				kind = VehicleEmergency
			}
			s.schedule = append(s.schedule, spawn{at: t, lane: i, kind: kind})
		}
	}
	s.next = 0
	s.exiting = s.exiting[:0]
	s.time = 0
	s.serial = 0
	s.running = true
	return nil
}

func (s *Synthetic) rate(l intersection.Lane) float64 {
	if l.Movement == intersection.MovementLeft {
		return s.cfg.LeftRate
	}
	if lo.Contains(s.cfg.MainApproaches, l.Approach) {
		return s.cfg.MainRate
	}
	return s.cfg.SideRate
}

// SetSignal applies a per-link state string. 'G' and 'g' are green.
func (s *Synthetic) SetSignal(_ context.Context, state string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.running {
		return ErrNotRunning
	}
	if len(state) != s.layout.Links() {
		return fmt.Errorf("signal state %q has %d links, junction has %d", state, len(state), s.layout.Links())
	}
	for _, ls := range s.lanes {
		c := state[ls.lane.Link]
		ls.green = c == 'G' || c == 'g'
	}
	return nil
}

// Step advances one second.
func (s *Synthetic) Step(_ context.Context) (StepReport, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.running {
		return StepReport{}, ErrNotRunning
	}
	s.time++

	arrived := 0
	still := s.exiting[:0]
	for _, left := range s.exiting {
		if left <= 1 {
			arrived++
			continue
		}
		still = append(still, left-1)
	}
	s.exiting = still

	for _, ls := range s.lanes {
		s.advanceLane(ls)
	}

	for s.next < len(s.schedule) && s.schedule[s.next].at <= s.time {
		sp := s.schedule[s.next]
		s.next++
		s.serial++
		ls := s.lanes[sp.lane]
		ls.cars = append(ls.cars, &carState{
			Vehicle: Vehicle{
				ID:       fmt.Sprintf("%s.%d", ls.lane.ID, s.serial),
				Type:     sp.kind,
				Approach: ls.lane.Approach,
				Lane:     ls.lane.ID,
				Speed:    s.cfg.FreeSpeed,
			},
			toStop: s.cfg.ApproachTime,
		})
	}

	return StepReport{Time: s.time, Arrived: arrived, Remaining: s.remaining()}, nil
}

func (s *Synthetic) advanceLane(ls *laneState) {
	if ls.cooldown > 0 {
		ls.cooldown--
	}
	if ls.green && ls.cooldown == 0 && len(ls.cars) > 0 && ls.cars[0].toStop == 0 {
		ls.cars = ls.cars[1:]
		s.exiting = append(s.exiting, s.cfg.ExitTime)
		ls.cooldown = s.cfg.Headway
	}
	// Cars at the stop line form the queue in arrival order.
	for _, c := range ls.cars {
		if c.toStop > 0 {
			c.toStop--
			c.Speed = s.cfg.FreeSpeed
			continue
		}
		c.Speed = 0
		c.Wait++
	}
}

func (s *Synthetic) remaining() int {
	n := len(s.schedule) - s.next + len(s.exiting)
	for _, ls := range s.lanes {
		n += len(ls.cars)
	}
	return n
}

// Lane reports halted count, mean speed and summed wait of a lane. An empty
// lane reports free-flow speed.
func (s *Synthetic) Lane(_ context.Context, laneID string) (LaneMetrics, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.running {
		return LaneMetrics{}, ErrNotRunning
	}
	ls, ok := s.byID[laneID]
	if !ok {
		return LaneMetrics{}, fmt.Errorf("%w: %s", ErrUnknownLane, laneID)
	}
	if len(ls.cars) == 0 {
		return LaneMetrics{Speed: s.cfg.FreeSpeed}, nil
	}
	var m LaneMetrics
	for _, c := range ls.cars {
		if c.Halted() {
			m.Queue++
		}
		m.Speed += c.Speed
		m.Wait += c.Wait
	}
	m.Speed /= float64(len(ls.cars))
	return m, nil
}

// Vehicles lists vehicles on the lanes of an approach, front first.
func (s *Synthetic) Vehicles(_ context.Context, approach string) ([]Vehicle, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.running {
		return nil, ErrNotRunning
	}
	if _, ok := s.layout.ApproachIndex(approach); !ok {
		return nil, fmt.Errorf("unknown approach %s", approach)
	}
	var out []Vehicle
	for _, ls := range s.lanes {
		if ls.lane.Approach != approach {
			continue
		}
		for _, c := range ls.cars {
			out = append(out, c.Vehicle)
		}
	}
	return out, nil
}

// Close stops the simulation.
func (s *Synthetic) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.running = false
	return nil
}
