package main

import (
	"errors"
	"fmt"
	"io/fs"
	"os"

	"github.com/joho/godotenv"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/cartridge/signal/internal/config"
)

var (
	cfgFile string
	v       = viper.New()
	cfg     *config.Config
	logger  zerolog.Logger
)

var rootCmd = &cobra.Command{
	Use:   "signalctl",
	Short: "Adaptive traffic signal controller",
	Long: `signalctl trains and runs a Double-DQN controller for a four-way
signalized intersection.

Configuration is layered: defaults, an optional config file, SIGNAL_*
environment variables (a .env file in the working directory is loaded
first) and finally command-line flags.`,
	SilenceUsage:      true,
	PersistentPreRunE: loadConfig,
}

func init() {
	flags := rootCmd.PersistentFlags()
	flags.StringVar(&cfgFile, "config", "", "Config file (yaml, toml or json)")
	flags.String("log-level", "info", "Log level (debug, info, warn, error)")
	flags.String("scenario", "two-phase", "Intersection preset (two-phase, four-movement)")
	flags.String("sim", "synthetic", "Simulator backend (synthetic, bridge)")
	flags.String("sim-address", "127.0.0.1:8813", "Simulator bridge address")
	flags.String("storage", "memory", "Run store (memory, postgres, sqlite)")
	flags.String("dsn", "", "Postgres connection string or sqlite file")
	flags.String("http-addr", "", "Operator API listen address; empty disables it")

	rootCmd.AddCommand(trainCmd, runCmd, baselineCmd)
}

// flagKeys maps command-line flags onto config keys. Only flags set on the
// command line override the other layers.
var flagKeys = map[string]string{
	"log-level":      "log_level",
	"scenario":       "scenario.name",
	"sim":            "sim.backend",
	"sim-address":    "sim.address",
	"storage":        "storage.driver",
	"dsn":            "storage.dsn",
	"http-addr":      "http.addr",
	"episodes":       "training.episodes",
	"resume":         "training.resume",
	"checkpoint-dir": "training.checkpoint_dir",
	"checkpoint":     "training.checkpoint",
	"seeds":          "training.eval_seeds",
	"baseline-wait":  "training.baseline_avg_wait",
	"preset":         "training.baseline_preset",
	"green":          "training.baseline_green",
}

func loadConfig(cmd *cobra.Command, _ []string) error {
	for name, key := range flagKeys {
		if f := cmd.Flags().Lookup(name); f != nil {
			if err := v.BindPFlag(key, f); err != nil {
				return err
			}
		}
	}
	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("load .env: %w", err)
	}
	if cfgFile != "" {
		v.SetConfigFile(cfgFile)
		if err := v.ReadInConfig(); err != nil {
			return fmt.Errorf("read config %s: %w", cfgFile, err)
		}
	}
	loaded, err := config.Load(v)
	if err != nil {
		return err
	}
	if err := loaded.Validate(); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}
	cfg = loaded

	level, err := zerolog.ParseLevel(cfg.LogLevel)
	if err != nil {
		return fmt.Errorf("invalid log level %q: %w", cfg.LogLevel, err)
	}
	logger = zerolog.New(os.Stdout).Level(level).With().Timestamp().Logger()
	return nil
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}
