package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	ossignal "os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/cartridge/signal/internal/agent"
	"github.com/cartridge/signal/internal/config"
	"github.com/cartridge/signal/internal/env"
	"github.com/cartridge/signal/internal/events"
	"github.com/cartridge/signal/internal/health"
	httpServer "github.com/cartridge/signal/internal/http"
	"github.com/cartridge/signal/internal/intersection"
	"github.com/cartridge/signal/internal/metrics"
	"github.com/cartridge/signal/internal/sim"
	"github.com/cartridge/signal/internal/storage"
	"github.com/cartridge/signal/internal/trainer"
)

const shutdownTimeout = 10 * time.Second

// app holds the process-wide dependencies shared by the subcommands.
type app struct {
	cfg       *config.Config
	logger    zerolog.Logger
	collector *metrics.Collector
	store     storage.RunStore
	hub       *events.Hub
	publisher events.Publisher
	trainer   *trainer.Trainer
	closers   []func() error
}

func newApp(ctx context.Context, cfg *config.Config, logger zerolog.Logger) (*app, error) {
	a := &app{
		cfg:       cfg,
		logger:    logger,
		collector: metrics.NewCollector(logger),
		hub:       events.NewHub(64),
	}
	if err := a.openStore(ctx); err != nil {
		a.Close()
		return nil, err
	}
	if err := a.openPublisher(ctx); err != nil {
		a.Close()
		return nil, err
	}
	if err := a.buildTrainer(ctx); err != nil {
		a.Close()
		return nil, err
	}
	return a, nil
}

func (a *app) openStore(ctx context.Context) error {
	switch a.cfg.Storage.Driver {
	case config.StoragePostgres:
		db, err := storage.OpenPostgres(ctx, a.cfg.Storage.DSN)
		if err != nil {
			return fmt.Errorf("open postgres: %w", err)
		}
		a.closers = append(a.closers, db.Close)
		store := storage.NewPostgresStore(db)
		if err := store.EnsureSchema(ctx); err != nil {
			return fmt.Errorf("ensure schema: %w", err)
		}
		a.store = store
	case config.StorageSQLite:
		store, err := storage.OpenSQLite(ctx, a.cfg.Storage.DSN)
		if err != nil {
			return fmt.Errorf("open sqlite: %w", err)
		}
		a.closers = append(a.closers, store.Close)
		a.store = store
	default:
		a.store = storage.NewMemoryStore()
	}
	a.logger.Info().Str("driver", a.cfg.Storage.Driver).Msg("run store ready")
	return nil
}

// openPublisher always feeds the in-process hub; an external bus is added
// when configured.
func (a *app) openPublisher(ctx context.Context) error {
	fanout := events.Fanout{a.hub}
	switch a.cfg.Events.Backend {
	case config.EventsNATS:
		pub, err := events.NewNATSPublisher(a.cfg.Events.URL, a.cfg.Events.Subject, a.logger)
		if err != nil {
			return fmt.Errorf("connect nats: %w", err)
		}
		a.closers = append(a.closers, func() error { pub.Close(); return nil })
		fanout = append(fanout, pub)
	case config.EventsRedis:
		pub, err := events.NewRedisPublisher(ctx, a.cfg.Events.URL, a.cfg.Events.Subject, a.logger)
		if err != nil {
			return fmt.Errorf("connect redis: %w", err)
		}
		a.closers = append(a.closers, pub.Close)
		fanout = append(fanout, pub)
	}
	a.publisher = fanout
	return nil
}

func (a *app) openSimulator(ctx context.Context, scenario intersection.Scenario) (sim.Simulator, error) {
	if a.cfg.Sim.Backend != config.SimBridge {
		return sim.NewSynthetic(scenario.Layout, a.cfg.Sim.Synthetic), nil
	}
	dialCtx, cancel := context.WithTimeout(ctx, a.cfg.Sim.DialTimeout)
	defer cancel()
	return sim.DialBridge(dialCtx, a.cfg.Sim.Network, a.cfg.Sim.Address, a.logger)
}

func (a *app) buildTrainer(ctx context.Context) error {
	scenario, err := intersection.Preset(a.cfg.Scenario.Name, a.cfg.Scenario.Timing())
	if err != nil {
		return err
	}
	simulator, err := a.openSimulator(ctx, scenario)
	if err != nil {
		return err
	}
	environment, err := env.New(a.cfg.Env, scenario, simulator, a.logger)
	if err != nil {
		_ = simulator.Close()
		return err
	}
	a.closers = append(a.closers, environment.Close)

	learner, err := agent.New(environment.ObservationSize(), environment.ActionCount(), a.cfg.Agent, a.logger)
	if err != nil {
		return err
	}
	tr, err := trainer.New(a.cfg.Training, environment, learner, a.store, a.publisher, a.collector, &a.logger)
	if err != nil {
		return err
	}
	a.trainer = tr
	a.logger.Info().
		Str("scenario", a.cfg.Scenario.Name).
		Str("sim", a.cfg.Sim.Backend).
		Int("observation_size", environment.ObservationSize()).
		Int("actions", environment.ActionCount()).
		Msg("controller ready")
	return nil
}

// Close releases resources in reverse order of acquisition.
func (a *app) Close() {
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i](); err != nil {
			a.logger.Warn().Err(err).Msg("close failed")
		}
	}
	a.closers = nil
}

// execute runs job next to the health monitor and, when configured, the
// operator API. Everything stops once the job returns or the process is
// signalled; a cancelled job is reported by the job itself.
func (a *app) execute(ctx context.Context, job func(context.Context) error) error {
	ctx, stop := context.WithCancel(ctx)
	defer stop()
	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		defer stop()
		return job(gctx)
	})
	g.Go(func() error {
		health.NewMonitor(a.trainer, a.collector, a.cfg.Health, a.logger).Start(gctx)
		return nil
	})

	if a.cfg.HTTP.Addr != "" {
		api := httpServer.NewServer(a.trainer, a.store, a.collector, &a.logger,
			httpServer.WithHub(a.hub), httpServer.WithJWTSecret(a.cfg.HTTP.JWTSecret))
		srv := &http.Server{
			Addr:              a.cfg.HTTP.Addr,
			Handler:           api.Routes(),
			ReadHeaderTimeout: a.cfg.HTTP.ReadTimeout,
			ReadTimeout:       a.cfg.HTTP.ReadTimeout,
			WriteTimeout:      a.cfg.HTTP.WriteTimeout,
		}
		g.Go(func() error {
			a.logger.Info().Str("addr", srv.Addr).Msg("operator API listening")
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return fmt.Errorf("http server: %w", err)
			}
			return nil
		})
		g.Go(func() error {
			<-gctx.Done()
			shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
			defer cancel()
			return srv.Shutdown(shutdownCtx)
		})
	}
	return g.Wait()
}

// signalContext is cancelled on SIGINT or SIGTERM.
func signalContext() (context.Context, context.CancelFunc) {
	return ossignal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
}

// interrupted reports whether err is the graceful result of a signal.
func interrupted(err error) bool {
	return errors.Is(err, context.Canceled)
}
