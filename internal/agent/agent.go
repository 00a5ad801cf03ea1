// Package agent is the Double-DQN learner: epsilon-greedy action selection,
// experience replay, a policy and a target network, and checkpointing.
package agent

import (
	"fmt"
	"math"
	"math/rand"
	"time"

	"github.com/rs/zerolog"
	"gonum.org/v1/gonum/mat"

	"github.com/cartridge/signal/internal/nn"
	"github.com/cartridge/signal/internal/replay"
)

// Config holds the learning hyperparameters.
type Config struct {
	Hidden       []int   `mapstructure:"hidden"`
	Gamma        float64 `mapstructure:"gamma"`
	LearningRate float64 `mapstructure:"learning_rate"`
	BatchSize    int     `mapstructure:"batch_size"`
	BufferSize   int     `mapstructure:"buffer_size"`
	MinBuffer    int     `mapstructure:"min_buffer"`
	TargetSync   int     `mapstructure:"target_sync"`
	EpsilonStart float64 `mapstructure:"epsilon_start"`
	EpsilonMin   float64 `mapstructure:"epsilon_min"`
	EpsilonDecay float64 `mapstructure:"epsilon_decay"`
	GradClip     float64 `mapstructure:"grad_clip"`
	// Device selects where the networks run. Only the CPU is supported;
	// "auto" resolves to it.
	Device string `mapstructure:"device"`
	// Seed drives exploration and weight initialization. Zero seeds from
	// the clock.
	Seed int64 `mapstructure:"seed"`
}

// DefaultConfig returns the training hyperparameters.
func DefaultConfig() Config {
	return Config{
		Hidden:       []int{128, 128},
		Gamma:        0.95,
		LearningRate: 1e-3,
		BatchSize:    64,
		BufferSize:   100_000,
		MinBuffer:    1000,
		TargetSync:   200,
		EpsilonStart: 1.0,
		EpsilonMin:   0.05,
		EpsilonDecay: 0.92,
		GradClip:     10,
		Device:       "auto",
	}
}

// Validate checks ranges.
func (c Config) Validate() error {
	if len(c.Hidden) == 0 {
		return fmt.Errorf("agent needs at least one hidden layer")
	}
	for _, h := range c.Hidden {
		if h <= 0 {
			return fmt.Errorf("hidden layer widths must be positive")
		}
	}
	if c.Gamma < 0 || c.Gamma > 1 {
		return fmt.Errorf("gamma must be in [0,1], got %v", c.Gamma)
	}
	if c.LearningRate <= 0 {
		return fmt.Errorf("learning_rate must be positive")
	}
	if c.BatchSize <= 0 || c.BufferSize < c.BatchSize {
		return fmt.Errorf("buffer_size must be at least batch_size and batch_size positive")
	}
	if c.MinBuffer < c.BatchSize {
		return fmt.Errorf("min_buffer must be at least batch_size")
	}
	if c.TargetSync <= 0 {
		return fmt.Errorf("target_sync must be positive")
	}
	if c.EpsilonMin < 0 || c.EpsilonStart < c.EpsilonMin || c.EpsilonStart > 1 {
		return fmt.Errorf("epsilon bounds must satisfy 0 <= min <= start <= 1")
	}
	if c.EpsilonDecay <= 0 || c.EpsilonDecay > 1 {
		return fmt.Errorf("epsilon_decay must be in (0,1]")
	}
	if c.GradClip <= 0 {
		return fmt.Errorf("grad_clip must be positive")
	}
	if _, err := ResolveDevice(c.Device); err != nil {
		return err
	}
	return nil
}

// ResolveDevice maps the configured device to the one actually used.
func ResolveDevice(device string) (string, error) {
	switch device {
	case "", "auto", "cpu":
		return "cpu", nil
	default:
		return "", fmt.Errorf("unsupported device %q: only cpu is available", device)
	}
}

// Agent owns the replay buffer and both networks. It is not safe for
// concurrent use.
type Agent struct {
	cfg        Config
	stateSize  int
	actionSize int
	device     string

	policy *nn.Network
	target *nn.Network
	opt    *nn.Adam
	buffer *replay.Buffer
	rng    *rand.Rand

	epsilon  float64
	steps    int64
	evalMode bool
	logger   zerolog.Logger
}

// Option configures an Agent.
type Option func(*Agent)

// WithRand replaces the agent's random source.
func WithRand(rng *rand.Rand) Option {
	return func(a *Agent) { a.rng = rng }
}

// New creates an agent for the given observation and action sizes.
func New(stateSize, actionSize int, cfg Config, logger zerolog.Logger, opts ...Option) (*Agent, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if stateSize <= 0 || actionSize <= 0 {
		return nil, fmt.Errorf("state and action sizes must be positive")
	}
	device, _ := ResolveDevice(cfg.Device)
	seed := cfg.Seed
	if seed == 0 {
		seed = time.Now().UnixNano()
	}
	a := &Agent{
		cfg:        cfg,
		stateSize:  stateSize,
		actionSize: actionSize,
		device:     device,
		rng:        rand.New(rand.NewSource(seed)),
		epsilon:    cfg.EpsilonStart,
		logger:     logger.With().Str("component", "agent").Logger(),
	}
	for _, opt := range opts {
		opt(a)
	}

	specs := nn.MLP(cfg.Hidden, actionSize)
	var err error
	if a.policy, err = nn.New(stateSize, specs, a.rng); err != nil {
		return nil, err
	}
	if a.target, err = nn.New(stateSize, specs, a.rng); err != nil {
		return nil, err
	}
	if err := a.target.CopyFrom(a.policy); err != nil {
		return nil, err
	}
	a.opt = nn.NewAdam(cfg.LearningRate)
	if a.buffer, err = replay.New(cfg.BufferSize, replay.WithRand(rand.New(rand.NewSource(a.rng.Int63())))); err != nil {
		return nil, err
	}

	a.logger.Info().
		Str("device", device).
		Int("state_size", stateSize).
		Int("action_size", actionSize).
		Ints("hidden", cfg.Hidden).
		Msg("agent created")
	return a, nil
}

// Epsilon is the exploration probability in effect: zero in evaluation
// mode. The training schedule is kept and saved with checkpoints.
func (a *Agent) Epsilon() float64 {
	if a.evalMode {
		return 0
	}
	return a.epsilon
}

// Steps is the number of learning updates applied.
func (a *Agent) Steps() int64 { return a.steps }

// Device is the resolved compute device.
func (a *Agent) Device() string { return a.device }

// BufferLen is the replay occupancy.
func (a *Agent) BufferLen() int { return a.buffer.Len() }

// ActionSize is the number of actions the agent chooses from.
func (a *Agent) ActionSize() int { return a.actionSize }

// SetEvalMode switches exploration off (true) or back on.
func (a *Agent) SetEvalMode(on bool) { a.evalMode = on }

// EvalMode reports whether exploration is off.
func (a *Agent) EvalMode() bool { return a.evalMode }

// QValues evaluates the policy network.
func (a *Agent) QValues(state []float64) ([]float64, error) {
	return a.policy.Forward(state)
}

// SelectAction picks an action epsilon-greedily. In eval mode it is always
// greedy.
func (a *Agent) SelectAction(state []float64) (int, error) {
	if !a.evalMode && a.rng.Float64() < a.epsilon {
		return a.rng.Intn(a.actionSize), nil
	}
	q, err := a.policy.Forward(state)
	if err != nil {
		return 0, err
	}
	return argmax(q), nil
}

// Remember stores a transition.
func (a *Agent) Remember(t replay.Transition) error {
	if len(t.State) != a.stateSize || len(t.NextState) != a.stateSize {
		return fmt.Errorf("%w: transition states of width %d/%d, agent expects %d",
			nn.ErrShape, len(t.State), len(t.NextState), a.stateSize)
	}
	if t.Action < 0 || t.Action >= a.actionSize {
		return fmt.Errorf("action %d outside [0,%d)", t.Action, a.actionSize)
	}
	a.buffer.Push(t)
	return nil
}

// Learn runs one Double-DQN update. It returns updated=false without error
// while the buffer is still warming up.
func (a *Agent) Learn() (float64, bool, error) {
	if a.buffer.Len() < a.cfg.MinBuffer {
		return 0, false, nil
	}
	batch, err := a.buffer.Sample(a.cfg.BatchSize)
	if err != nil {
		return 0, false, err
	}
	n := batch.Len()

	states := rowsToDense(batch.States, a.stateSize)
	nextStates := rowsToDense(batch.NextStates, a.stateSize)

	q, cache, err := a.policy.ForwardBatch(states)
	if err != nil {
		return 0, false, err
	}
	nextPolicy, _, err := a.policy.ForwardBatch(nextStates)
	if err != nil {
		return 0, false, err
	}
	nextTarget, _, err := a.target.ForwardBatch(nextStates)
	if err != nil {
		return 0, false, err
	}

	targets := BootstrapTargets(batch.Rewards, batch.Terminals, denseRows(nextPolicy), denseRows(nextTarget), a.cfg.Gamma)
	pred := make([]float64, n)
	for i, act := range batch.Actions {
		pred[i] = q.At(i, act)
	}
	loss, grad := nn.HuberLoss(pred, targets)

	gradOut := mat.NewDense(n, a.actionSize, nil)
	for i, act := range batch.Actions {
		gradOut.Set(i, act, grad[i])
	}
	grads, err := a.policy.Backward(cache, gradOut)
	if err != nil {
		return 0, false, err
	}
	nn.ClipGradNorm(grads, a.cfg.GradClip)
	if err := a.opt.Step(a.policy, grads); err != nil {
		return 0, false, err
	}

	a.steps++
	if a.steps%int64(a.cfg.TargetSync) == 0 {
		if err := a.target.CopyFrom(a.policy); err != nil {
			return 0, false, err
		}
		a.logger.Debug().Int64("step", a.steps).Msg("target network synced")
	}
	return loss, true, nil
}

// DecayEpsilon applies one episode's worth of decay, floored at the
// minimum.
func (a *Agent) DecayEpsilon() {
	a.epsilon = math.Max(a.cfg.EpsilonMin, a.epsilon*a.cfg.EpsilonDecay)
}

// BootstrapTargets computes Double-DQN targets: the policy network picks the
// next action and the target network values it. Terminal transitions take
// the reward alone.
func BootstrapTargets(rewards []float64, terminals []bool, nextPolicy, nextTarget [][]float64, gamma float64) []float64 {
	out := make([]float64, len(rewards))
	for i, r := range rewards {
		if terminals[i] {
			out[i] = r
			continue
		}
		best := argmax(nextPolicy[i])
		out[i] = r + gamma*nextTarget[i][best]
	}
	return out
}

func argmax(xs []float64) int {
	best := 0
	for i, v := range xs {
		if v > xs[best] {
			best = i
		}
	}
	return best
}

func rowsToDense(rows [][]float64, width int) *mat.Dense {
	data := make([]float64, 0, len(rows)*width)
	for _, r := range rows {
		data = append(data, r...)
	}
	return mat.NewDense(len(rows), width, data)
}

func denseRows(m *mat.Dense) [][]float64 {
	r, _ := m.Dims()
	out := make([][]float64, r)
	for i := range out {
		out[i] = mat.Row(nil, i, m)
	}
	return out
}
