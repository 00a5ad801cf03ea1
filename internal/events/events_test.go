package events

import (
	"context"
	"errors"
	"net"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cartridge/signal/internal/types"
)

type recorder struct {
	statuses []RunStatusEvent
	episodes []EpisodeEvent
	err      error
}

func (r *recorder) PublishRunStatus(_ context.Context, e RunStatusEvent) error {
	r.statuses = append(r.statuses, e)
	return r.err
}

func (r *recorder) PublishEpisode(_ context.Context, e EpisodeEvent) error {
	r.episodes = append(r.episodes, e)
	return r.err
}

func TestFanoutDeliversToAll(t *testing.T) {
	boom := errors.New("boom")
	a, b := &recorder{}, &recorder{err: boom}
	f := Fanout{a, b, NoopPublisher{}}

	err := f.PublishRunStatus(context.Background(), RunStatusEvent{RunID: "r"})
	assert.ErrorIs(t, err, boom)
	assert.Len(t, a.statuses, 1)
	assert.Len(t, b.statuses, 1)

	require.ErrorIs(t, f.PublishEpisode(context.Background(), EpisodeEvent{}), boom)
	assert.Len(t, a.episodes, 1)
}

func TestHubFiltersByRun(t *testing.T) {
	h := NewHub(4)
	mine, cancelMine := h.Subscribe("run-1")
	other, cancelOther := h.Subscribe("run-2")
	defer cancelOther()

	ep := EpisodeEvent{EpisodeRecord: types.EpisodeRecord{RunID: "run-1", Episode: 3}}
	require.NoError(t, h.PublishEpisode(context.Background(), ep))

	msg := <-mine
	assert.Equal(t, KindEpisode, msg.Kind)
	require.NotNil(t, msg.Episode)
	assert.Equal(t, 3, msg.Episode.Episode)
	assert.Len(t, other, 0)

	cancelMine()
	cancelMine()
	_, open := <-mine
	assert.False(t, open)
	assert.Equal(t, 1, h.Subscribers())
}

func TestHubDropsWhenSubscriberIsFull(t *testing.T) {
	h := NewHub(1)
	ch, cancel := h.Subscribe("r")
	defer cancel()
	for i := 0; i < 3; i++ {
		require.NoError(t, h.PublishRunStatus(context.Background(), RunStatusEvent{RunID: "r", Step: int64(i)}))
	}
	msg := <-ch
	assert.Equal(t, int64(0), msg.Status.Step)
	assert.Len(t, ch, 0)
}

func TestStatusEvent(t *testing.T) {
	ev := StatusEvent(types.Run{ID: "r", Mode: types.RunModeEval, State: types.RunStateRunning, EpisodesDone: 2})
	assert.Equal(t, "eval", ev.Mode)
	assert.Equal(t, "running", ev.State)
	assert.Equal(t, 2, ev.EpisodesDone)
}

// closedAddr returns an address nothing listens on.
func closedAddr(t *testing.T) string {
	t.Helper()
	l, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	addr := l.Addr().String()
	require.NoError(t, l.Close())
	return addr
}

func TestRedisPublisherConnectErrors(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	_, err := NewRedisPublisher(ctx, "not a url", "signal.runs", zerolog.Nop())
	assert.ErrorContains(t, err, "parse redis url")

	_, err = NewRedisPublisher(ctx, "redis://"+closedAddr(t)+"/0", "signal.runs", zerolog.Nop())
	assert.ErrorContains(t, err, "ping redis")
}

func TestNATSPublisherConnectError(t *testing.T) {
	_, err := NewNATSPublisher("nats://"+closedAddr(t), "signal.runs", zerolog.Nop())
	assert.Error(t, err)
}
