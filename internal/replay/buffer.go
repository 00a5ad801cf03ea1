// Package replay holds the fixed-capacity experience buffer the agent learns
// from.
package replay

import (
	"errors"
	"fmt"
	"math/rand"
	"sync"
	"time"
)

// ErrInsufficient is returned when a sample asks for more transitions than
// are stored.
var ErrInsufficient = errors.New("not enough transitions to sample")

// Transition is one step of experience. Stored transitions own their slices
// and are never mutated.
type Transition struct {
	State     []float64
	Action    int
	Reward    float64
	NextState []float64
	Terminal  bool
}

func (t Transition) clone() Transition {
	t.State = append([]float64(nil), t.State...)
	t.NextState = append([]float64(nil), t.NextState...)
	return t
}

// Batch is a sample split by field.
type Batch struct {
	States     [][]float64
	Actions    []int
	Rewards    []float64
	NextStates [][]float64
	Terminals  []bool
}

// Len is the number of transitions in the batch.
func (b Batch) Len() int { return len(b.Actions) }

// Stats describes buffer occupancy.
type Stats struct {
	Size     int    `json:"size"`
	Capacity int    `json:"capacity"`
	Pushed   uint64 `json:"pushed"`
	Evicted  uint64 `json:"evicted"`
}

// Buffer is a ring of transitions; pushing beyond capacity evicts the
// oldest.
type Buffer struct {
	mu       sync.RWMutex
	items    []Transition
	head     int
	capacity int
	pushed   uint64
	rng      *rand.Rand
}

// Option configures a Buffer.
type Option func(*Buffer)

// WithRand sets the sampling source.
func WithRand(rng *rand.Rand) Option {
	return func(b *Buffer) { b.rng = rng }
}

// New creates an empty buffer.
func New(capacity int, opts ...Option) (*Buffer, error) {
	if capacity <= 0 {
		return nil, fmt.Errorf("capacity must be greater than zero, got %d", capacity)
	}
	b := &Buffer{
		items:    make([]Transition, 0, min(capacity, 4096)),
		capacity: capacity,
		rng:      rand.New(rand.NewSource(time.Now().UnixNano())),
	}
	for _, opt := range opts {
		opt(b)
	}
	return b, nil
}

// Push stores a copy of t.
func (b *Buffer) Push(t Transition) {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.pushed++
	if len(b.items) < b.capacity {
		b.items = append(b.items, t.clone())
		return
	}
	b.items[b.head] = t.clone()
	b.head = (b.head + 1) % b.capacity
}

// Sample draws n distinct transitions uniformly at random.
func (b *Buffer) Sample(n int) (Batch, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if n <= 0 {
		return Batch{}, fmt.Errorf("sample size must be positive, got %d", n)
	}
	if n > len(b.items) {
		return Batch{}, fmt.Errorf("%w: want %d, have %d", ErrInsufficient, n, len(b.items))
	}

	// Partial Fisher-Yates over a virtual identity permutation; only the
	// swapped positions are materialized.
	swapped := make(map[int]int, 2*n)
	at := func(i int) int {
		if v, ok := swapped[i]; ok {
			return v
		}
		return i
	}
	size := len(b.items)
	batch := Batch{
		States:     make([][]float64, n),
		Actions:    make([]int, n),
		Rewards:    make([]float64, n),
		NextStates: make([][]float64, n),
		Terminals:  make([]bool, n),
	}
	for i := 0; i < n; i++ {
		j := i + b.rng.Intn(size-i)
		pick := at(j)
		swapped[j] = at(i)
		t := b.items[pick]
		batch.States[i] = t.State
		batch.Actions[i] = t.Action
		batch.Rewards[i] = t.Reward
		batch.NextStates[i] = t.NextState
		batch.Terminals[i] = t.Terminal
	}
	return batch, nil
}

// Len is the current occupancy.
func (b *Buffer) Len() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.items)
}

// Capacity is the maximum occupancy.
func (b *Buffer) Capacity() int { return b.capacity }

// Snapshot returns the stored transitions oldest first.
func (b *Buffer) Snapshot() []Transition {
	b.mu.RLock()
	defer b.mu.RUnlock()

	out := make([]Transition, 0, len(b.items))
	out = append(out, b.items[b.head:]...)
	out = append(out, b.items[:b.head]...)
	return out
}

// Stats reports occupancy counters.
func (b *Buffer) Stats() Stats {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return Stats{
		Size:     len(b.items),
		Capacity: b.capacity,
		Pushed:   b.pushed,
		Evicted:  b.pushed - uint64(len(b.items)),
	}
}
