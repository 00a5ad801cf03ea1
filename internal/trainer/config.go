package trainer

import (
	"fmt"
	"path/filepath"
)

// Config holds the driver settings for training, evaluation and baseline
// runs.
type Config struct {
	Episodes int `mapstructure:"episodes"`
	// SeedStride spaces the simulator seeds of consecutive training
	// episodes: episode k runs with seed k*SeedStride.
	SeedStride      int64  `mapstructure:"seed_stride"`
	CheckpointDir   string `mapstructure:"checkpoint_dir"`
	CheckpointEvery int    `mapstructure:"checkpoint_every"`
	// Resume is an optional checkpoint to continue training from.
	Resume string `mapstructure:"resume"`
	// Checkpoint is the model evaluated by Evaluate.
	Checkpoint string `mapstructure:"checkpoint"`
	EvalSeeds  int    `mapstructure:"eval_seeds"`
	// BaselineAvgWait is the fixed-timer average wait episodes are compared
	// against. Zero disables the comparison.
	BaselineAvgWait float64 `mapstructure:"baseline_avg_wait"`
	BaselinePreset  string  `mapstructure:"baseline_preset"`
	BaselineGreen   int     `mapstructure:"baseline_green"`
	OverrideQueue   int     `mapstructure:"override_queue"`
	// LearnLogEvery samples loss metrics every so many learning updates.
	LearnLogEvery int64 `mapstructure:"learn_log_every"`
}

// DefaultConfig mirrors the settings the controller was tuned with.
func DefaultConfig() Config {
	return Config{
		Episodes:        75,
		SeedStride:      137,
		CheckpointDir:   "models",
		CheckpointEvery: 10,
		Checkpoint:      filepath.Join("models", "best.ckpt"),
		EvalSeeds:       5,
		BaselineAvgWait: 399.12,
		BaselinePreset:  PresetNaive,
		BaselineGreen:   45,
		OverrideQueue:   8,
		LearnLogEvery:   500,
	}
}

// Validate checks ranges.
func (c Config) Validate() error {
	if c.Episodes <= 0 {
		return fmt.Errorf("episodes must be positive")
	}
	if c.SeedStride <= 0 {
		return fmt.Errorf("seed_stride must be positive")
	}
	if c.CheckpointDir == "" {
		return fmt.Errorf("checkpoint_dir is required")
	}
	if c.CheckpointEvery < 0 {
		return fmt.Errorf("checkpoint_every must not be negative")
	}
	if c.EvalSeeds <= 0 || c.EvalSeeds > len(evalSeeds) {
		return fmt.Errorf("eval_seeds must be in [1,%d]", len(evalSeeds))
	}
	if c.BaselineAvgWait < 0 {
		return fmt.Errorf("baseline_avg_wait must not be negative")
	}
	if _, ok := baselinePresets[c.BaselinePreset]; !ok {
		return fmt.Errorf("unknown baseline_preset %q", c.BaselinePreset)
	}
	if c.BaselineGreen <= 0 {
		return fmt.Errorf("baseline_green must be positive")
	}
	if c.OverrideQueue <= 0 {
		return fmt.Errorf("override_queue must be positive")
	}
	if c.LearnLogEvery <= 0 {
		return fmt.Errorf("learn_log_every must be positive")
	}
	return nil
}

// Paths written during training.
func (c Config) bestPath() string  { return filepath.Join(c.CheckpointDir, "best.ckpt") }
func (c Config) finalPath() string { return filepath.Join(c.CheckpointDir, "final.ckpt") }
func (c Config) interruptedPath() string {
	return filepath.Join(c.CheckpointDir, "interrupted.ckpt")
}
func (c Config) periodicPath(episode int) string {
	return filepath.Join(c.CheckpointDir, "checkpoints", fmt.Sprintf("ep%03d.ckpt", episode))
}

// evalSeeds are prime-spaced so they do not coincide with training seeds.
var evalSeeds = []int64{42, 271, 503, 719, 997, 1231, 1567, 1811, 2039, 2281}

// EvalSeeds returns the first n evaluation seeds.
func EvalSeeds(n int) []int64 {
	n = min(max(n, 0), len(evalSeeds))
	return append([]int64(nil), evalSeeds[:n]...)
}
