package storage

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/cartridge/signal/internal/types"
)

var (
	// ErrNotFound indicates the requested resource does not exist.
	ErrNotFound = errors.New("not found")
	// ErrConflict indicates a uniqueness violation.
	ErrConflict = errors.New("conflict")
)

// RunStore captures the persistence operations the trainer relies on.
type RunStore interface {
	CreateRun(ctx context.Context, run types.Run) error
	GetRun(ctx context.Context, id string) (types.Run, error)
	UpdateRun(ctx context.Context, run types.Run) error
	AppendTransition(ctx context.Context, transition RunTransition) error
	AppendEpisode(ctx context.Context, record types.EpisodeRecord) error
	ListEpisodes(ctx context.Context, runID string) ([]types.EpisodeRecord, error)
}

// RunTransition records a state change for auditing.
type RunTransition struct {
	RunID     string         `json:"run_id"`
	FromState types.RunState `json:"from_state"`
	ToState   types.RunState `json:"to_state"`
	Reason    string         `json:"reason"`
	CreatedAt time.Time      `json:"created_at"`
}

// MemoryStore is an in-memory RunStore for development/testing.
type MemoryStore struct {
	mu          sync.RWMutex
	runs        map[string]types.Run
	episodes    map[string]map[int]types.EpisodeRecord // runID -> episode -> record
	transitions map[string][]RunTransition
}

// NewMemoryStore constructs a MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		runs:        make(map[string]types.Run),
		episodes:    make(map[string]map[int]types.EpisodeRecord),
		transitions: make(map[string][]RunTransition),
	}
}

// CreateRun inserts a new run, enforcing uniqueness.
func (m *MemoryStore) CreateRun(_ context.Context, run types.Run) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, exists := m.runs[run.ID]; exists {
		return ErrConflict
	}
	m.runs[run.ID] = run
	return nil
}

// GetRun fetches a run by ID.
func (m *MemoryStore) GetRun(_ context.Context, id string) (types.Run, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	run, ok := m.runs[id]
	if !ok {
		return types.Run{}, ErrNotFound
	}
	return run, nil
}

// UpdateRun replaces the stored run.
func (m *MemoryStore) UpdateRun(_ context.Context, run types.Run) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.runs[run.ID]; !ok {
		return ErrNotFound
	}
	m.runs[run.ID] = run
	return nil
}

// AppendTransition adds a state transition entry.
func (m *MemoryStore) AppendTransition(_ context.Context, transition RunTransition) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.transitions[transition.RunID] = append(m.transitions[transition.RunID], transition)
	return nil
}

// Transitions returns the audit trail for a run, oldest first.
func (m *MemoryStore) Transitions(runID string) []RunTransition {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return append([]RunTransition(nil), m.transitions[runID]...)
}

// AppendEpisode stores an episode summary. Recording the same episode twice
// is a conflict unless the earlier record was partial.
func (m *MemoryStore) AppendEpisode(_ context.Context, record types.EpisodeRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.runs[record.RunID]; !ok {
		return ErrNotFound
	}
	runEpisodes, ok := m.episodes[record.RunID]
	if !ok {
		runEpisodes = make(map[int]types.EpisodeRecord)
		m.episodes[record.RunID] = runEpisodes
	}
	if prev, exists := runEpisodes[record.Episode]; exists && !prev.Partial {
		return ErrConflict
	}
	runEpisodes[record.Episode] = record
	return nil
}

// ListEpisodes returns a run's episodes ordered by episode number.
func (m *MemoryStore) ListEpisodes(_ context.Context, runID string) ([]types.EpisodeRecord, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if _, ok := m.runs[runID]; !ok {
		return nil, ErrNotFound
	}
	out := make([]types.EpisodeRecord, 0, len(m.episodes[runID]))
	for _, rec := range m.episodes[runID] {
		out = append(out, rec)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Episode < out[j].Episode })
	return out, nil
}
