package numeric

import (
	"errors"
	"fmt"
	"strings"

	"github.com/born-ml/born/optim"
)

const (
	KindSGD  = "sgd"
	KindAdam = "adam"
)

// OptimizerSpec carries the hyperparameters needed to rebuild an optimizer
// over a different set of parameters.
type OptimizerSpec struct {
	Kind     string     `json:"kind"`
	LR       float32    `json:"lr"`
	Momentum float32    `json:"momentum,omitempty"`
	Betas    [2]float32 `json:"betas,omitempty"`
	Eps      float32    `json:"eps,omitempty"`
}

func (s OptimizerSpec) Validate() error {
	switch strings.ToLower(strings.TrimSpace(s.Kind)) {
	case KindSGD:
		if s.Momentum < 0 || s.Momentum >= 1 {
			return fmt.Errorf("sgd momentum must be in [0,1), got %v", s.Momentum)
		}
	case KindAdam:
	default:
		return fmt.Errorf("unknown optimizer kind %q", s.Kind)
	}
	if s.LR < 0 {
		return fmt.Errorf("learning rate must be non-negative, got %v", s.LR)
	}
	return nil
}

// Optimizer updates a model's parameters from tape gradients.
type Optimizer interface {
	Kind() string
	Spec() OptimizerSpec
	Step(grads Gradients)
	ZeroGrad()
	GetLR() float32
	SetLR(lr float32)
	StateDict() StateDict
	LoadStateDict(state StateDict) error
}

// NewOptimizer builds an optimizer over m's parameters.
func NewOptimizer(spec OptimizerSpec, m Model) (Optimizer, error) {
	if m == nil {
		return nil, errors.New("optimizer requires a model")
	}
	if err := spec.Validate(); err != nil {
		return nil, err
	}
	params := m.Parameters()
	switch strings.ToLower(strings.TrimSpace(spec.Kind)) {
	case KindSGD:
		inner := optim.NewSGD(params, optim.SGDConfig{LR: spec.LR, Momentum: spec.Momentum}, m.Backend())
		spec.Kind = KindSGD
		spec.LR = inner.GetLR()
		return &sgdOptimizer{spec: spec, inner: inner}, nil
	default:
		inner := optim.NewAdam(params, optim.AdamConfig{LR: spec.LR, Betas: spec.Betas, Eps: spec.Eps}, m.Backend())
		spec.Kind = KindAdam
		spec.LR = inner.GetLR()
		return &adamOptimizer{spec: spec, inner: inner}, nil
	}
}

// Rebind rebuilds opt over m's parameters, carrying its learning rate and
// state buffers across.
func Rebind(opt Optimizer, m Model) (Optimizer, error) {
	if opt == nil {
		return nil, nil
	}
	spec := opt.Spec()
	spec.LR = opt.GetLR()
	out, err := NewOptimizer(spec, m)
	if err != nil {
		return nil, err
	}
	state := StateDict{}
	for name, raw := range opt.StateDict() {
		cloned, err := cloneRaw(raw)
		if err != nil {
			return nil, err
		}
		state[name] = cloned
	}
	if err := out.LoadStateDict(state); err != nil {
		return nil, fmt.Errorf("load optimizer state: %w", err)
	}
	return out, nil
}

type sgdOptimizer struct {
	spec  OptimizerSpec
	inner *optim.SGD[*Backend]
}

func (o *sgdOptimizer) Kind() string { return KindSGD }

func (o *sgdOptimizer) Spec() OptimizerSpec {
	spec := o.spec
	spec.LR = o.inner.GetLR()
	return spec
}

func (o *sgdOptimizer) Step(grads Gradients) { o.inner.Step(grads) }

func (o *sgdOptimizer) ZeroGrad() { o.inner.ZeroGrad() }

func (o *sgdOptimizer) GetLR() float32 { return o.inner.GetLR() }

func (o *sgdOptimizer) SetLR(lr float32) { o.inner.SetLR(lr) }

func (o *sgdOptimizer) StateDict() StateDict { return o.inner.StateDict() }

func (o *sgdOptimizer) LoadStateDict(state StateDict) error { return o.inner.LoadStateDict(state) }

// adamOptimizer keeps no exportable moment buffers; only the spec and
// learning rate survive serialization.
type adamOptimizer struct {
	spec  OptimizerSpec
	inner *optim.Adam[*Backend]
}

func (o *adamOptimizer) Kind() string { return KindAdam }

func (o *adamOptimizer) Spec() OptimizerSpec {
	spec := o.spec
	spec.LR = o.inner.GetLR()
	return spec
}

func (o *adamOptimizer) Step(grads Gradients) { o.inner.Step(grads) }

func (o *adamOptimizer) ZeroGrad() { o.inner.ZeroGrad() }

func (o *adamOptimizer) GetLR() float32 { return o.inner.GetLR() }

func (o *adamOptimizer) SetLR(lr float32) { o.inner.SetLR(lr) }

func (o *adamOptimizer) StateDict() StateDict { return StateDict{} }

func (o *adamOptimizer) LoadStateDict(StateDict) error { return nil }

// EqualOptimizers reports whether two optimizers share kind, hyperparameters
// and state buffers.
func EqualOptimizers(a, b Optimizer) bool {
	if a == nil || b == nil {
		return a == nil && b == nil
	}
	return a.Spec() == b.Spec() && EqualState(a.StateDict(), b.StateDict())
}
