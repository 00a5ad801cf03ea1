package agent

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"slices"

	"github.com/vmihailenco/msgpack/v5"

	"github.com/cartridge/signal/internal/nn"
)

// CheckpointVersion is the record layout written by Save.
const CheckpointVersion = 1

var (
	// ErrCheckpointShape is returned when a checkpoint was trained for a
	// different observation, action or hidden layout.
	ErrCheckpointShape = errors.New("checkpoint shape does not match agent")
	// ErrCheckpointVersion is returned for records newer than this build.
	ErrCheckpointVersion = errors.New("unsupported checkpoint version")
)

// checkpoint is the persisted record. Epsilon and StepCount are optional so
// that older records still load.
type checkpoint struct {
	Version    int          `msgpack:"version"`
	StateSize  int          `msgpack:"state_size"`
	ActionSize int          `msgpack:"action_size"`
	Hidden     []int        `msgpack:"hidden"`
	Policy     nn.State     `msgpack:"policy"`
	Target     nn.State     `msgpack:"target"`
	Optimizer  nn.AdamState `msgpack:"optimizer"`
	Epsilon    *float64     `msgpack:"epsilon,omitempty"`
	StepCount  *int64       `msgpack:"step_count,omitempty"`
}

// Save writes the agent's parameters to path atomically. Parent
// directories are created.
func (a *Agent) Save(path string) error {
	eps, steps := a.epsilon, a.steps
	rec := checkpoint{
		Version:    CheckpointVersion,
		StateSize:  a.stateSize,
		ActionSize: a.actionSize,
		Hidden:     append([]int(nil), a.cfg.Hidden...),
		Policy:     a.policy.State(),
		Target:     a.target.State(),
		Optimizer:  a.opt.State(),
		Epsilon:    &eps,
		StepCount:  &steps,
	}
	data, err := msgpack.Marshal(&rec)
	if err != nil {
		return fmt.Errorf("encode checkpoint: %w", err)
	}

	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("create checkpoint dir: %w", err)
	}
	tmp, err := os.CreateTemp(dir, filepath.Base(path)+".*.tmp")
	if err != nil {
		return fmt.Errorf("create checkpoint: %w", err)
	}
	defer os.Remove(tmp.Name())
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return fmt.Errorf("write checkpoint: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("write checkpoint: %w", err)
	}
	if err := os.Rename(tmp.Name(), path); err != nil {
		return fmt.Errorf("commit checkpoint: %w", err)
	}

	a.logger.Info().Str("path", path).Int64("steps", a.steps).Float64("epsilon", a.epsilon).Msg("checkpoint saved")
	return nil
}

// Load restores parameters from path. The target network is re-synced from
// the loaded policy weights. Records without epsilon load at the minimum
// exploration rate; records without a step count start from zero.
func (a *Agent) Load(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read checkpoint: %w", err)
	}
	var rec checkpoint
	if err := msgpack.Unmarshal(data, &rec); err != nil {
		return fmt.Errorf("decode checkpoint %s: %w", path, err)
	}
	if rec.Version <= 0 || rec.Version > CheckpointVersion {
		return fmt.Errorf("%w: %d", ErrCheckpointVersion, rec.Version)
	}
	if rec.StateSize != a.stateSize || rec.ActionSize != a.actionSize || !slices.Equal(rec.Hidden, a.cfg.Hidden) {
		return fmt.Errorf("%w: checkpoint %d->%v->%d, agent %d->%v->%d", ErrCheckpointShape,
			rec.StateSize, rec.Hidden, rec.ActionSize, a.stateSize, a.cfg.Hidden, a.actionSize)
	}
	if err := a.policy.SetState(rec.Policy); err != nil {
		return fmt.Errorf("%w: %v", ErrCheckpointShape, err)
	}
	if err := a.target.CopyFrom(a.policy); err != nil {
		return err
	}
	if err := a.opt.SetState(a.policy, rec.Optimizer); err != nil {
		return fmt.Errorf("%w: %v", ErrCheckpointShape, err)
	}

	a.epsilon = a.cfg.EpsilonMin
	if rec.Epsilon != nil {
		a.epsilon = *rec.Epsilon
	}
	a.steps = 0
	if rec.StepCount != nil {
		a.steps = *rec.StepCount
	}

	a.logger.Info().Str("path", path).Int64("steps", a.steps).Float64("epsilon", a.epsilon).Msg("checkpoint loaded")
	return nil
}
