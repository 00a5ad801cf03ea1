package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/mitchellh/mapstructure"
	"github.com/spf13/viper"

	"github.com/cartridge/signal/internal/agent"
	"github.com/cartridge/signal/internal/env"
	"github.com/cartridge/signal/internal/health"
	"github.com/cartridge/signal/internal/intersection"
	"github.com/cartridge/signal/internal/sim"
	"github.com/cartridge/signal/internal/trainer"
)

// EnvPrefix is prepended to environment overrides, e.g. SIGNAL_AGENT_GAMMA.
const EnvPrefix = "SIGNAL"

// Config holds all controller configuration
type Config struct {
	Scenario ScenarioConfig `mapstructure:"scenario"`
	Env      env.Config     `mapstructure:"env"`
	Agent    agent.Config   `mapstructure:"agent"`
	Training trainer.Config `mapstructure:"training"`
	Sim      SimConfig      `mapstructure:"sim"`
	Storage  StorageConfig  `mapstructure:"storage"`
	Events   EventsConfig   `mapstructure:"events"`
	HTTP     HTTPConfig     `mapstructure:"http"`
	Health   health.Config  `mapstructure:"health"`

	LogLevel string `mapstructure:"log_level"`
}

// ScenarioConfig selects the intersection preset and its timing.
type ScenarioConfig struct {
	Name         string `mapstructure:"name"`
	MinGreen     int    `mapstructure:"min_green"`
	MinLeftGreen int    `mapstructure:"min_left_green"`
	Yellow       int    `mapstructure:"yellow"`
}

// Timing converts to the preset timing knobs.
func (s ScenarioConfig) Timing() intersection.Timing {
	return intersection.Timing{MinGreen: s.MinGreen, MinLeftGreen: s.MinLeftGreen, Yellow: s.Yellow}
}

// Simulator backends.
const (
	SimSynthetic = "synthetic"
	SimBridge    = "bridge"
)

// SimConfig selects the traffic simulator.
type SimConfig struct {
	Backend     string              `mapstructure:"backend"`
	Network     string              `mapstructure:"network"`
	Address     string              `mapstructure:"address"`
	DialTimeout time.Duration       `mapstructure:"dial_timeout"`
	Synthetic   sim.SyntheticConfig `mapstructure:"synthetic"`
}

// Storage drivers.
const (
	StorageMemory   = "memory"
	StoragePostgres = "postgres"
	StorageSQLite   = "sqlite"
)

// StorageConfig selects where runs and episodes are recorded. DSN is a
// connection string for postgres and a file path for sqlite.
type StorageConfig struct {
	Driver string `mapstructure:"driver"`
	DSN    string `mapstructure:"dsn"`
}

// Event backends.
const (
	EventsNone  = "none"
	EventsNATS  = "nats"
	EventsRedis = "redis"
)

// EventsConfig selects the external event bus.
type EventsConfig struct {
	Backend string `mapstructure:"backend"`
	URL     string `mapstructure:"url"`
	Subject string `mapstructure:"subject"`
}

// HTTPConfig configures the operator API. An empty Addr disables it.
type HTTPConfig struct {
	Addr         string        `mapstructure:"addr"`
	ReadTimeout  time.Duration `mapstructure:"read_timeout"`
	WriteTimeout time.Duration `mapstructure:"write_timeout"`
	JWTSecret    string        `mapstructure:"jwt_secret"`
}

// Default returns a config with sensible defaults
func Default() *Config {
	return &Config{
		Scenario: ScenarioConfig{
			Name:         intersection.ScenarioTwoPhase,
			MinGreen:     15,
			MinLeftGreen: 10,
			Yellow:       3,
		},
		Env:      env.DefaultConfig(),
		Agent:    agent.DefaultConfig(),
		Training: trainer.DefaultConfig(),
		Sim: SimConfig{
			Backend:     SimSynthetic,
			Network:     "tcp",
			Address:     "127.0.0.1:8813",
			DialTimeout: 10 * time.Second,
			Synthetic:   sim.DefaultSyntheticConfig(),
		},
		Storage: StorageConfig{Driver: StorageMemory},
		Events:  EventsConfig{Backend: EventsNone, Subject: "signal.runs"},
		// No write timeout: event streams stay open for the whole run.
		HTTP: HTTPConfig{
			ReadTimeout: 10 * time.Second,
		},
		Health: health.Config{
			CheckInterval: 30 * time.Second,
			StaleAfter:    5 * time.Minute,
		},
		LogLevel: "info",
	}
}

// Validate checks if the configuration is valid
func (c *Config) Validate() error {
	if c.Scenario.MinGreen <= 0 || c.Scenario.Yellow <= 0 {
		return fmt.Errorf("scenario min_green and yellow must be positive")
	}
	if c.Scenario.Name == intersection.ScenarioFourMovement && c.Scenario.MinLeftGreen <= 0 {
		return fmt.Errorf("scenario min_left_green must be positive")
	}
	if err := c.Env.Validate(); err != nil {
		return fmt.Errorf("env: %w", err)
	}
	if err := c.Agent.Validate(); err != nil {
		return fmt.Errorf("agent: %w", err)
	}
	if err := c.Training.Validate(); err != nil {
		return fmt.Errorf("training: %w", err)
	}
	switch c.Sim.Backend {
	case SimSynthetic:
	case SimBridge:
		if c.Sim.Address == "" {
			return fmt.Errorf("sim.address is required for the bridge backend")
		}
	default:
		return fmt.Errorf("unknown sim backend %q", c.Sim.Backend)
	}
	switch c.Storage.Driver {
	case StorageMemory:
	case StoragePostgres, StorageSQLite:
		if c.Storage.DSN == "" {
			return fmt.Errorf("storage.dsn is required for %s", c.Storage.Driver)
		}
	default:
		return fmt.Errorf("unknown storage driver %q", c.Storage.Driver)
	}
	switch c.Events.Backend {
	case EventsNone:
	case EventsNATS, EventsRedis:
		if c.Events.URL == "" {
			return fmt.Errorf("events.url is required for %s", c.Events.Backend)
		}
		if c.Events.Subject == "" {
			return fmt.Errorf("events.subject is required")
		}
	default:
		return fmt.Errorf("unknown events backend %q", c.Events.Backend)
	}
	if c.Health.CheckInterval <= 0 || c.Health.StaleAfter <= 0 {
		return fmt.Errorf("health.check_interval and health.stale_after must be positive")
	}
	return nil
}

// Load reads configuration from v. Every key of Default is registered so
// that SIGNAL_* environment variables override nested values too. A config
// file, if set on v, must already have been read.
func Load(v *viper.Viper) (*Config, error) {
	defaults := map[string]interface{}{}
	if err := mapstructure.Decode(Default(), &defaults); err != nil {
		return nil, fmt.Errorf("flatten defaults: %w", err)
	}
	for key, value := range flatten("", defaults) {
		v.SetDefault(key, value)
	}
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}
	return cfg, nil
}

func flatten(prefix string, in map[string]interface{}) map[string]interface{} {
	out := make(map[string]interface{}, len(in))
	for k, val := range in {
		key := k
		if prefix != "" {
			key = prefix + "." + k
		}
		if nested, ok := val.(map[string]interface{}); ok {
			for nk, nv := range flatten(key, nested) {
				out[nk] = nv
			}
			continue
		}
		out[key] = val
	}
	return out
}
