package events

import (
	"context"
	"sync"
)

// Message is what Hub subscribers receive. Exactly one payload is set.
type Message struct {
	Kind    string          `json:"kind"`
	Status  *RunStatusEvent `json:"status,omitempty"`
	Episode *EpisodeEvent   `json:"episode,omitempty"`
}

const (
	KindStatus  = "status"
	KindEpisode = "episode"
)

// Hub is an in-process Publisher that fans events out to live subscribers,
// such as streaming API clients. Slow subscribers miss messages rather than
// block the publisher.
type Hub struct {
	mu     sync.Mutex
	next   int
	subs   map[int]subscriber
	buffer int
}

type subscriber struct {
	runID string
	ch    chan Message
}

// NewHub creates a hub whose subscriber channels hold buffer messages.
func NewHub(buffer int) *Hub {
	if buffer <= 0 {
		buffer = 16
	}
	return &Hub{subs: make(map[int]subscriber), buffer: buffer}
}

// Subscribe registers for events of runID. The returned cancel func must be
// called to release the subscription; it closes the channel.
func (h *Hub) Subscribe(runID string) (<-chan Message, func()) {
	h.mu.Lock()
	defer h.mu.Unlock()
	id := h.next
	h.next++
	ch := make(chan Message, h.buffer)
	h.subs[id] = subscriber{runID: runID, ch: ch}

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			h.mu.Lock()
			defer h.mu.Unlock()
			delete(h.subs, id)
			close(ch)
		})
	}
}

// Subscribers reports the number of live subscriptions.
func (h *Hub) Subscribers() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.subs)
}

func (h *Hub) broadcast(runID string, msg Message) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for _, s := range h.subs {
		if s.runID != runID {
			continue
		}
		select {
		case s.ch <- msg:
		default:
		}
	}
}

// PublishRunStatus satisfies Publisher.
func (h *Hub) PublishRunStatus(_ context.Context, event RunStatusEvent) error {
	h.broadcast(event.RunID, Message{Kind: KindStatus, Status: &event})
	return nil
}

// PublishEpisode satisfies Publisher.
func (h *Hub) PublishEpisode(_ context.Context, event EpisodeEvent) error {
	h.broadcast(event.RunID, Message{Kind: KindEpisode, Episode: &event})
	return nil
}
