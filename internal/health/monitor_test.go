package health

import (
	"context"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"

	"github.com/cartridge/signal/internal/metrics"
	"github.com/cartridge/signal/internal/types"
)

type fakeTracker struct {
	run     types.Run
	started bool
	set     []types.RunHealth
}

func (f *fakeTracker) Status() (types.Run, bool) { return f.run, f.started }

func (f *fakeTracker) SetHealth(_ context.Context, h types.RunHealth) error {
	f.set = append(f.set, h)
	f.run.HealthStatus = h
	return nil
}

func newMonitor(tracker RunTracker, now time.Time) *Monitor {
	m := NewMonitor(tracker, metrics.NewCollector(zerolog.Nop()), Config{CheckInterval: time.Second, StaleAfter: time.Minute}, zerolog.Nop())
	m.now = func() time.Time { return now }
	return m
}

func TestCheckMarksStalledAndRecovers(t *testing.T) {
	base := time.Date(2025, 1, 1, 12, 0, 0, 0, time.UTC)
	last := base
	tracker := &fakeTracker{started: true, run: types.Run{
		ID: "r", State: types.RunStateRunning, HealthStatus: types.RunHealthHealthy, LastProgressAt: &last,
	}}

	newMonitor(tracker, base.Add(30*time.Second)).Check(context.Background())
	assert.Empty(t, tracker.set)

	stalled := newMonitor(tracker, base.Add(2*time.Minute))
	stalled.Check(context.Background())
	stalled.Check(context.Background())
	assert.Equal(t, []types.RunHealth{types.RunHealthStalled}, tracker.set)

	progressed := base.Add(2 * time.Minute)
	tracker.run.LastProgressAt = &progressed
	newMonitor(tracker, progressed.Add(time.Second)).Check(context.Background())
	assert.Equal(t, []types.RunHealth{types.RunHealthStalled, types.RunHealthHealthy}, tracker.set)
}

func TestCheckIgnoresIdleRuns(t *testing.T) {
	old := time.Date(2020, 1, 1, 0, 0, 0, 0, time.UTC)
	tracker := &fakeTracker{started: true, run: types.Run{ID: "r", State: types.RunStateCompleted, LastProgressAt: &old}}
	newMonitor(tracker, time.Now()).Check(context.Background())
	assert.Empty(t, tracker.set)

	newMonitor(&fakeTracker{}, time.Now()).Check(context.Background())
}

func TestStartStopsOnCancel(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		newMonitor(&fakeTracker{}, time.Now()).Start(ctx)
		close(done)
	}()
	cancel()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("monitor did not stop")
	}
}

func TestStartWithoutIntervalReturns(t *testing.T) {
	m := NewMonitor(&fakeTracker{}, metrics.NewCollector(zerolog.Nop()), Config{StaleAfter: time.Minute}, zerolog.Nop())
	done := make(chan struct{})
	go func() {
		assert.NotPanics(t, func() { m.Start(context.Background()) })
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("monitor with zero interval should return")
	}
}
