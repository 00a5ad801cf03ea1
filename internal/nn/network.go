// Package nn is a small feed-forward network on gonum matrices: dense layers,
// batched backpropagation, Huber loss and the Adam optimizer.
package nn

import (
	"errors"
	"fmt"
	"math"
	"math/rand"

	"gonum.org/v1/gonum/mat"
)

// ErrShape is returned when states or inputs do not match the network.
var ErrShape = errors.New("shape mismatch")

// Activation is the nonlinearity applied after a layer.
type Activation string

const (
	Linear Activation = "linear"
	ReLU   Activation = "relu"
	Tanh   Activation = "tanh"
)

func (a Activation) apply(z float64) float64 {
	switch a {
	case ReLU:
		return math.Max(0, z)
	case Tanh:
		return math.Tanh(z)
	default:
		return z
	}
}

// derivative is taken with respect to the pre-activation z.
func (a Activation) derivative(z float64) float64 {
	switch a {
	case ReLU:
		if z > 0 {
			return 1
		}
		return 0
	case Tanh:
		t := math.Tanh(z)
		return 1 - t*t
	default:
		return 1
	}
}

func (a Activation) valid() bool {
	return a == Linear || a == ReLU || a == Tanh
}

// LayerSpec describes one dense layer.
type LayerSpec struct {
	Width      int        `msgpack:"width"`
	Activation Activation `msgpack:"activation"`
}

// MLP builds the usual layer stack: ReLU hidden layers and a linear output.
func MLP(hidden []int, outputs int) []LayerSpec {
	specs := make([]LayerSpec, 0, len(hidden)+1)
	for _, h := range hidden {
		specs = append(specs, LayerSpec{Width: h, Activation: ReLU})
	}
	return append(specs, LayerSpec{Width: outputs, Activation: Linear})
}

type dense struct {
	w   *mat.Dense // in x out
	b   []float64
	act Activation
}

// Network is an ordered stack of dense layers built once at construction.
type Network struct {
	inputs int
	layers []*dense
}

// New builds a network with Xavier-uniform weights and zero biases.
func New(inputs int, specs []LayerSpec, rng *rand.Rand) (*Network, error) {
	if inputs <= 0 {
		return nil, fmt.Errorf("inputs must be positive, got %d", inputs)
	}
	if len(specs) == 0 {
		return nil, fmt.Errorf("network needs at least one layer")
	}
	n := &Network{inputs: inputs}
	in := inputs
	for i, s := range specs {
		if s.Width <= 0 {
			return nil, fmt.Errorf("layer %d: width must be positive", i)
		}
		if !s.Activation.valid() {
			return nil, fmt.Errorf("layer %d: unknown activation %q", i, s.Activation)
		}
		bound := math.Sqrt(6 / float64(in+s.Width))
		data := make([]float64, in*s.Width)
		for k := range data {
			data[k] = (rng.Float64()*2 - 1) * bound
		}
		n.layers = append(n.layers, &dense{
			w:   mat.NewDense(in, s.Width, data),
			b:   make([]float64, s.Width),
			act: s.Activation,
		})
		in = s.Width
	}
	return n, nil
}

// Inputs is the expected input width.
func (n *Network) Inputs() int { return n.inputs }

// Outputs is the width of the last layer.
func (n *Network) Outputs() int {
	_, c := n.layers[len(n.layers)-1].w.Dims()
	return c
}

// Specs returns the layer specifications.
func (n *Network) Specs() []LayerSpec {
	specs := make([]LayerSpec, len(n.layers))
	for i, l := range n.layers {
		_, c := l.w.Dims()
		specs[i] = LayerSpec{Width: c, Activation: l.act}
	}
	return specs
}

// Cache keeps the activations of a batched forward pass for Backward.
type Cache struct {
	inputs []*mat.Dense // input to each layer
	pre    []*mat.Dense // pre-activation of each layer
}

// ForwardBatch evaluates a batch of rows.
func (n *Network) ForwardBatch(x *mat.Dense) (*mat.Dense, *Cache, error) {
	_, c := x.Dims()
	if c != n.inputs {
		return nil, nil, fmt.Errorf("%w: input width %d, network expects %d", ErrShape, c, n.inputs)
	}
	cache := &Cache{}
	a := x
	for _, l := range n.layers {
		rows, _ := a.Dims()
		_, out := l.w.Dims()
		z := mat.NewDense(rows, out, nil)
		z.Mul(a, l.w)
		z.Apply(func(_, j int, v float64) float64 { return v + l.b[j] }, z)

		next := mat.NewDense(rows, out, nil)
		next.Apply(func(_, _ int, v float64) float64 { return l.act.apply(v) }, z)

		cache.inputs = append(cache.inputs, a)
		cache.pre = append(cache.pre, z)
		a = next
	}
	return a, cache, nil
}

// Forward evaluates a single input.
func (n *Network) Forward(x []float64) ([]float64, error) {
	if len(x) != n.inputs {
		return nil, fmt.Errorf("%w: input width %d, network expects %d", ErrShape, len(x), n.inputs)
	}
	out, _, err := n.ForwardBatch(mat.NewDense(1, len(x), append([]float64(nil), x...)))
	if err != nil {
		return nil, err
	}
	return mat.Row(nil, 0, out), nil
}

// Gradients hold one gradient per parameter, shaped like the network.
type Gradients struct {
	Weights []*mat.Dense
	Biases  [][]float64
}

// Norm is the global L2 norm over all parameters.
func (g *Gradients) Norm() float64 {
	var sum float64
	for i := range g.Weights {
		for _, v := range g.Weights[i].RawMatrix().Data {
			sum += v * v
		}
		for _, v := range g.Biases[i] {
			sum += v * v
		}
	}
	return math.Sqrt(sum)
}

// Scale multiplies every gradient by f.
func (g *Gradients) Scale(f float64) {
	for i := range g.Weights {
		g.Weights[i].Scale(f, g.Weights[i])
		for j := range g.Biases[i] {
			g.Biases[i][j] *= f
		}
	}
}

// ClipGradNorm rescales g so its global norm is at most maxNorm and returns
// the norm before clipping.
func ClipGradNorm(g *Gradients, maxNorm float64) float64 {
	norm := g.Norm()
	if coef := maxNorm / (norm + 1e-6); coef < 1 {
		g.Scale(coef)
	}
	return norm
}

// Backward propagates dLoss/dOutput through a cached forward pass.
func (n *Network) Backward(cache *Cache, gradOut *mat.Dense) (*Gradients, error) {
	if cache == nil || len(cache.pre) != len(n.layers) {
		return nil, fmt.Errorf("%w: cache does not belong to this network", ErrShape)
	}
	g := &Gradients{
		Weights: make([]*mat.Dense, len(n.layers)),
		Biases:  make([][]float64, len(n.layers)),
	}
	delta := mat.DenseCopyOf(gradOut)
	for i := len(n.layers) - 1; i >= 0; i-- {
		l := n.layers[i]
		z := cache.pre[i]
		delta.Apply(func(r, c int, v float64) float64 { return v * l.act.derivative(z.At(r, c)) }, delta)

		in, out := l.w.Dims()
		dw := mat.NewDense(in, out, nil)
		dw.Mul(cache.inputs[i].T(), delta)
		g.Weights[i] = dw

		rows, _ := delta.Dims()
		db := make([]float64, out)
		for r := 0; r < rows; r++ {
			for c := 0; c < out; c++ {
				db[c] += delta.At(r, c)
			}
		}
		g.Biases[i] = db

		if i > 0 {
			prev := mat.NewDense(rows, in, nil)
			prev.Mul(delta, l.w.T())
			delta = prev
		}
	}
	return g, nil
}

// CopyFrom overwrites this network's parameters with src's. Shapes must
// match.
func (n *Network) CopyFrom(src *Network) error {
	if err := n.sameShape(src); err != nil {
		return err
	}
	for i, l := range n.layers {
		l.w.Copy(src.layers[i].w)
		copy(l.b, src.layers[i].b)
	}
	return nil
}

func (n *Network) sameShape(o *Network) error {
	if n.inputs != o.inputs || len(n.layers) != len(o.layers) {
		return fmt.Errorf("%w: networks differ in depth or input width", ErrShape)
	}
	for i, l := range n.layers {
		r, c := l.w.Dims()
		or, oc := o.layers[i].w.Dims()
		if r != or || c != oc || l.act != o.layers[i].act {
			return fmt.Errorf("%w: layer %d differs", ErrShape, i)
		}
	}
	return nil
}

// params returns the raw parameter slices in a fixed order: weights then
// biases of each layer. Updating them updates the network.
func (n *Network) params() [][]float64 {
	out := make([][]float64, 0, 2*len(n.layers))
	for _, l := range n.layers {
		out = append(out, l.w.RawMatrix().Data, l.b)
	}
	return out
}

func (g *Gradients) params() [][]float64 {
	out := make([][]float64, 0, 2*len(g.Weights))
	for i := range g.Weights {
		out = append(out, g.Weights[i].RawMatrix().Data, g.Biases[i])
	}
	return out
}

// LayerState is the serializable form of one layer.
type LayerState struct {
	In         int        `msgpack:"in"`
	Out        int        `msgpack:"out"`
	Activation Activation `msgpack:"activation"`
	Weights    []float64  `msgpack:"weights"`
	Biases     []float64  `msgpack:"biases"`
}

// State is the serializable form of a network.
type State struct {
	Layers []LayerState `msgpack:"layers"`
}

// State copies the parameters out.
func (n *Network) State() State {
	s := State{Layers: make([]LayerState, len(n.layers))}
	for i, l := range n.layers {
		r, c := l.w.Dims()
		s.Layers[i] = LayerState{
			In:         r,
			Out:        c,
			Activation: l.act,
			Weights:    append([]float64(nil), l.w.RawMatrix().Data...),
			Biases:     append([]float64(nil), l.b...),
		}
	}
	return s
}

// SetState loads parameters. The state must match the architecture.
func (n *Network) SetState(s State) error {
	if len(s.Layers) != len(n.layers) {
		return fmt.Errorf("%w: state has %d layers, network has %d", ErrShape, len(s.Layers), len(n.layers))
	}
	for i, ls := range s.Layers {
		l := n.layers[i]
		r, c := l.w.Dims()
		if ls.In != r || ls.Out != c || ls.Activation != l.act ||
			len(ls.Weights) != r*c || len(ls.Biases) != c {
			return fmt.Errorf("%w: layer %d is %dx%d %s in state, %dx%d %s in network",
				ErrShape, i, ls.In, ls.Out, ls.Activation, r, c, l.act)
		}
	}
	for i, ls := range s.Layers {
		copy(n.layers[i].w.RawMatrix().Data, ls.Weights)
		copy(n.layers[i].b, ls.Biases)
	}
	return nil
}
