// Package sim is the boundary to the traffic simulator. The environment only
// talks to a Simulator; Synthetic runs in-process and Bridge forwards to an
// external simulator process.
package sim

import (
	"context"
	"errors"
)

var (
	// ErrUnknownLane is returned for lanes the simulator has not built.
	ErrUnknownLane = errors.New("unknown lane")
	// ErrNotRunning is returned before Start or after Close.
	ErrNotRunning = errors.New("simulation not running")
)

// Vehicle types reported by the simulator.
const (
	VehiclePassenger = "passenger"
	VehicleEmergency = "emergency"
)

// HaltSpeed is the speed in m/s below which a vehicle counts as halted.
const HaltSpeed = 0.1

// Vehicle is a vehicle currently on an incoming lane.
type Vehicle struct {
	ID       string  `msgpack:"id" json:"id"`
	Type     string  `msgpack:"type" json:"type"`
	Approach string  `msgpack:"approach" json:"approach"`
	Lane     string  `msgpack:"lane" json:"lane"`
	Speed    float64 `msgpack:"speed" json:"speed"`
	// Wait is the vehicle's accumulated waiting time in seconds.
	Wait float64 `msgpack:"wait" json:"wait"`
}

// IsEmergency reports whether the vehicle may trigger preemption.
func (v Vehicle) IsEmergency() bool { return v.Type == VehicleEmergency }

// Halted reports whether the vehicle is standing.
func (v Vehicle) Halted() bool { return v.Speed < HaltSpeed }

// LaneMetrics is the per-second state of one lane.
type LaneMetrics struct {
	Queue float64 `msgpack:"queue" json:"queue"`
	Speed float64 `msgpack:"speed" json:"speed"`
	Wait  float64 `msgpack:"wait" json:"wait"`
}

// StepReport summarizes one simulated second.
type StepReport struct {
	Time int `msgpack:"time" json:"time"`
	// Arrived is the number of vehicles that finished their trip this second.
	Arrived int `msgpack:"arrived" json:"arrived"`
	// Remaining counts vehicles still in the network or waiting to enter it.
	Remaining int `msgpack:"remaining" json:"remaining"`
}

// Simulator advances traffic one second at a time.
type Simulator interface {
	Start(ctx context.Context, seed int64) error
	SetSignal(ctx context.Context, state string) error
	Step(ctx context.Context) (StepReport, error)
	Lane(ctx context.Context, laneID string) (LaneMetrics, error)
	Vehicles(ctx context.Context, approach string) ([]Vehicle, error)
	Close() error
}

// Reading is a metric that may be unavailable. Unavailable readings carry
// the zero value and are marked Defaulted.
type Reading struct {
	Value     float64
	Defaulted bool
}

// Available wraps a measured value.
func Available(v float64) Reading { return Reading{Value: v} }

// Unavailable is the defaulted reading.
func Unavailable() Reading { return Reading{Defaulted: true} }

// LaneReading is the degraded view of a lane query.
type LaneReading struct {
	LaneID string
	Queue  Reading
	Speed  Reading
	Wait   Reading
	// Cause is the query failure behind a defaulted reading.
	Cause error
}

// Defaulted reports whether the lane could not be read.
func (r LaneReading) Defaulted() bool { return r.Cause != nil }

// ReadLane queries a lane and absorbs failures into defaulted readings.
func ReadLane(ctx context.Context, s Simulator, laneID string) LaneReading {
	m, err := s.Lane(ctx, laneID)
	if err != nil {
		return LaneReading{
			LaneID: laneID,
			Queue:  Unavailable(),
			Speed:  Unavailable(),
			Wait:   Unavailable(),
			Cause:  err,
		}
	}
	return LaneReading{
		LaneID: laneID,
		Queue:  Available(m.Queue),
		Speed:  Available(m.Speed),
		Wait:   Available(m.Wait),
	}
}
