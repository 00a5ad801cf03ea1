package nn

import (
	"fmt"
	"math"
)

// Adam is the Adam optimizer with bias-corrected moments.
type Adam struct {
	LR    float64
	Beta1 float64
	Beta2 float64
	Eps   float64

	step int
	m    [][]float64
	v    [][]float64
}

// NewAdam returns an optimizer with the usual betas.
func NewAdam(lr float64) *Adam {
	return &Adam{LR: lr, Beta1: 0.9, Beta2: 0.999, Eps: 1e-8}
}

// Steps is the number of updates applied.
func (a *Adam) Steps() int { return a.step }

// Step applies one update to net from g.
func (a *Adam) Step(net *Network, g *Gradients) error {
	params := net.params()
	grads := g.params()
	if len(params) != len(grads) {
		return fmt.Errorf("%w: %d gradient tensors for %d parameters", ErrShape, len(grads), len(params))
	}
	if a.m == nil {
		a.m = make([][]float64, len(params))
		a.v = make([][]float64, len(params))
		for i, p := range params {
			a.m[i] = make([]float64, len(p))
			a.v[i] = make([]float64, len(p))
		}
	}
	if len(a.m) != len(params) {
		return fmt.Errorf("%w: optimizer state does not match network", ErrShape)
	}

	a.step++
	bc1 := 1 - math.Pow(a.Beta1, float64(a.step))
	bc2 := 1 - math.Pow(a.Beta2, float64(a.step))
	stepSize := a.LR / bc1
	sqrtBC2 := math.Sqrt(bc2)

	for i, p := range params {
		gi, mi, vi := grads[i], a.m[i], a.v[i]
		if len(gi) != len(p) || len(mi) != len(p) {
			return fmt.Errorf("%w: tensor %d", ErrShape, i)
		}
		for k := range p {
			mi[k] = a.Beta1*mi[k] + (1-a.Beta1)*gi[k]
			vi[k] = a.Beta2*vi[k] + (1-a.Beta2)*gi[k]*gi[k]
			denom := math.Sqrt(vi[k])/sqrtBC2 + a.Eps
			p[k] -= stepSize * mi[k] / denom
		}
	}
	return nil
}

// AdamState is the serializable optimizer state.
type AdamState struct {
	LR    float64     `msgpack:"lr"`
	Beta1 float64     `msgpack:"beta1"`
	Beta2 float64     `msgpack:"beta2"`
	Eps   float64     `msgpack:"eps"`
	Step  int         `msgpack:"step"`
	M     [][]float64 `msgpack:"m"`
	V     [][]float64 `msgpack:"v"`
}

// State copies the optimizer state out.
func (a *Adam) State() AdamState {
	return AdamState{
		LR:    a.LR,
		Beta1: a.Beta1,
		Beta2: a.Beta2,
		Eps:   a.Eps,
		Step:  a.step,
		M:     cloneTensors(a.m),
		V:     cloneTensors(a.v),
	}
}

// SetState restores optimizer state for net. An empty state resets the
// moments.
func (a *Adam) SetState(net *Network, s AdamState) error {
	if len(s.M) != 0 {
		params := net.params()
		if len(s.M) != len(params) || len(s.V) != len(params) {
			return fmt.Errorf("%w: optimizer state has %d tensors, network has %d", ErrShape, len(s.M), len(params))
		}
		for i, p := range params {
			if len(s.M[i]) != len(p) || len(s.V[i]) != len(p) {
				return fmt.Errorf("%w: optimizer tensor %d", ErrShape, i)
			}
		}
	}
	if s.LR > 0 {
		a.LR, a.Beta1, a.Beta2, a.Eps = s.LR, s.Beta1, s.Beta2, s.Eps
	}
	a.step = s.Step
	a.m = cloneTensors(s.M)
	a.v = cloneTensors(s.V)
	return nil
}

func cloneTensors(ts [][]float64) [][]float64 {
	if ts == nil {
		return nil
	}
	out := make([][]float64, len(ts))
	for i, t := range ts {
		out[i] = append([]float64(nil), t...)
	}
	return out
}
