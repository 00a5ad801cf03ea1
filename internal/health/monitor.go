package health

import (
	"context"
	"time"

	"github.com/rs/zerolog"

	"github.com/cartridge/signal/internal/metrics"
	"github.com/cartridge/signal/internal/types"
)

// Config holds health monitoring configuration
type Config struct {
	CheckInterval time.Duration `mapstructure:"check_interval"`
	StaleAfter    time.Duration `mapstructure:"stale_after"`
}

// RunTracker exposes the live run to the monitor.
type RunTracker interface {
	Status() (types.Run, bool)
	SetHealth(ctx context.Context, health types.RunHealth) error
}

// Monitor runs background health checks
type Monitor struct {
	tracker RunTracker
	metrics *metrics.Collector
	config  Config
	logger  zerolog.Logger
	now     func() time.Time
}

// NewMonitor creates a new health monitor
func NewMonitor(tracker RunTracker, collector *metrics.Collector, config Config, logger zerolog.Logger) *Monitor {
	return &Monitor{
		tracker: tracker,
		metrics: collector,
		config:  config,
		logger:  logger,
		now:     time.Now,
	}
}

// Start begins the health monitoring loop
func (m *Monitor) Start(ctx context.Context) {
	if m.config.CheckInterval <= 0 {
		m.logger.Warn().Dur("check_interval", m.config.CheckInterval).Msg("Health monitor disabled")
		return
	}
	ticker := time.NewTicker(m.config.CheckInterval)
	defer ticker.Stop()

	m.logger.Info().
		Dur("check_interval", m.config.CheckInterval).
		Dur("stale_after", m.config.StaleAfter).
		Msg("Starting health monitor")

	for {
		select {
		case <-ctx.Done():
			m.logger.Info().Msg("Health monitor stopped")
			return
		case <-ticker.C:
			m.Check(ctx)
		}
	}
}

// Check evaluates the live run once. A running run whose step counter has
// not advanced within StaleAfter is marked stalled; it recovers on the next
// progress.
func (m *Monitor) Check(ctx context.Context) {
	run, ok := m.tracker.Status()
	if !ok || run.State != types.RunStateRunning {
		return
	}
	last := run.StartedAt
	if run.LastProgressAt != nil {
		last = run.LastProgressAt
	}
	if last == nil {
		return
	}

	stale := m.now().Sub(*last) > m.config.StaleAfter
	switch {
	case stale && run.HealthStatus != types.RunHealthStalled:
		m.markStalled(ctx, run, *last)
	case !stale && run.HealthStatus == types.RunHealthStalled:
		m.logger.Info().Str("run_id", run.ID).Int64("step", run.CurrentStep).Msg("Run progressing again")
		if err := m.tracker.SetHealth(ctx, types.RunHealthHealthy); err != nil {
			m.logger.Error().Err(err).Str("run_id", run.ID).Msg("Failed to clear stalled status")
		}
	}
}

func (m *Monitor) markStalled(ctx context.Context, run types.Run, last time.Time) {
	m.logger.Warn().
		Str("run_id", run.ID).
		Int64("step", run.CurrentStep).
		Time("last_progress", last).
		Msg("Marking run as stalled")
	m.metrics.HealthEvent(run.ID, "stalled", "warning")

	if err := m.tracker.SetHealth(ctx, types.RunHealthStalled); err != nil {
		m.logger.Error().Err(err).Str("run_id", run.ID).Msg("Failed to publish stalled event")
	}
}
