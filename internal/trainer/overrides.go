package trainer

import (
	"errors"
	"fmt"

	"github.com/cartridge/signal/internal/intersection"
	"github.com/cartridge/signal/internal/types"
)

var (
	// ErrQueueFull is returned when manual requests arrive faster than
	// decision steps consume them.
	ErrQueueFull = errors.New("override queue full")
	// ErrUnknownPhase is returned for requests naming no green of the plan.
	ErrUnknownPhase = errors.New("unknown green phase")
)

type manualRequest struct {
	cmd   types.OverrideCommand
	phase intersection.PhaseID
}

// OverrideQueue hands operator phase requests to the decision loop. Each
// request replaces the selected action for one decision step.
type OverrideQueue struct {
	plan *intersection.Plan
	ch   chan manualRequest
}

// NewOverrideQueue creates a queue holding at most size pending requests.
func NewOverrideQueue(plan *intersection.Plan, size int) *OverrideQueue {
	return &OverrideQueue{plan: plan, ch: make(chan manualRequest, size)}
}

// Submit validates and enqueues a request without blocking.
func (q *OverrideQueue) Submit(cmd types.OverrideCommand) error {
	if err := cmd.Validate(); err != nil {
		return err
	}
	ph, ok := q.plan.PhaseByName(cmd.Phase)
	if !ok || !ph.IsGreen() {
		return fmt.Errorf("%w: %s", ErrUnknownPhase, cmd.Phase)
	}
	select {
	case q.ch <- manualRequest{cmd: cmd, phase: ph.ID}:
		return nil
	default:
		return ErrQueueFull
	}
}

// Len is the number of pending requests.
func (q *OverrideQueue) Len() int { return len(q.ch) }

func (q *OverrideQueue) next() (manualRequest, bool) {
	select {
	case r := <-q.ch:
		return r, true
	default:
		return manualRequest{}, false
	}
}

// drain discards pending requests, for example between runs.
func (q *OverrideQueue) drain() {
	for {
		if _, ok := q.next(); !ok {
			return
		}
	}
}
