package numeric

import (
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/born-ml/born/nn"
)

// Model is a trainable network with a flat input and concatenated heads.
//
// Forward maps a [batch, InputDim] tensor to [batch, sum(OutputWidths)].
// Multi-head models expose one width per head; SplitHeads recovers them.
type Model interface {
	Kind() string
	Spec() json.RawMessage
	Backend() *Backend
	InputDim() int
	InputWidths() []int
	OutputWidths() []int
	Forward(x *Tensor) *Tensor
	Parameters() []*Parameter
	StateDict() StateDict
	LoadStateDict(state StateDict) error
	Train()
	Eval()
	Training() bool
}

// ModelFactory builds an untrained model from its JSON spec.
type ModelFactory func(spec json.RawMessage, b *Backend) (Model, error)

var (
	registryMu sync.RWMutex
	models     = map[string]ModelFactory{}
)

func RegisterModel(kind string, factory ModelFactory) {
	registryMu.Lock()
	defer registryMu.Unlock()
	kind = strings.ToLower(strings.TrimSpace(kind))
	if kind == "" || factory == nil {
		panic("numeric: RegisterModel requires kind and factory")
	}
	models[kind] = factory
}

func BuildModel(kind string, spec json.RawMessage, b *Backend) (Model, error) {
	registryMu.RLock()
	factory, ok := models[strings.ToLower(strings.TrimSpace(kind))]
	registryMu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("unknown model kind %q", kind)
	}
	if b == nil {
		b = NewBackend()
	}
	return factory(spec, b)
}

// ModelKinds lists registered kinds in sorted order.
func ModelKinds() []string {
	registryMu.RLock()
	defer registryMu.RUnlock()
	out := make([]string, 0, len(models))
	for k := range models {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}

func init() {
	RegisterModel(KindMLP, func(raw json.RawMessage, b *Backend) (Model, error) {
		var spec MLPSpec
		if err := json.Unmarshal(raw, &spec); err != nil {
			return nil, fmt.Errorf("decode mlp spec: %w", err)
		}
		return NewMLP(spec, b)
	})
}

const KindMLP = "mlp"

// MLPSpec describes a multi-input, multi-head perceptron.
// Inputs holds the flattened width of each feature column in order; Outputs
// the width of each label head.
type MLPSpec struct {
	Inputs  []int `json:"inputs"`
	Hidden  []int `json:"hidden,omitempty"`
	Outputs []int `json:"outputs"`
}

func (s MLPSpec) Validate() error {
	if len(s.Inputs) == 0 {
		return errors.New("mlp needs at least one input")
	}
	if len(s.Outputs) == 0 {
		return errors.New("mlp needs at least one output head")
	}
	for _, group := range [][]int{s.Inputs, s.Hidden, s.Outputs} {
		for _, w := range group {
			if w <= 0 {
				return fmt.Errorf("mlp widths must be positive, got %d", w)
			}
		}
	}
	return nil
}

type MLP struct {
	spec     MLPSpec
	backend  *Backend
	layers   []*nn.Linear[*Backend]
	relu     *nn.ReLU[*Backend]
	training bool
}

func NewMLP(spec MLPSpec, b *Backend) (*MLP, error) {
	if err := spec.Validate(); err != nil {
		return nil, err
	}
	if b == nil {
		b = NewBackend()
	}
	widths := []int{sum(spec.Inputs)}
	widths = append(widths, spec.Hidden...)
	widths = append(widths, sum(spec.Outputs))

	layers := make([]*nn.Linear[*Backend], 0, len(widths)-1)
	for i := 0; i+1 < len(widths); i++ {
		layers = append(layers, nn.NewLinear(widths[i], widths[i+1], b))
	}
	return &MLP{
		spec:     cloneSpec(spec),
		backend:  b,
		layers:   layers,
		relu:     nn.NewReLU[*Backend](),
		training: true,
	}, nil
}

func (m *MLP) Kind() string { return KindMLP }

func (m *MLP) Spec() json.RawMessage {
	raw, _ := json.Marshal(m.spec)
	return raw
}

func (m *MLP) Backend() *Backend { return m.backend }

func (m *MLP) InputDim() int { return sum(m.spec.Inputs) }

func (m *MLP) InputWidths() []int { return append([]int(nil), m.spec.Inputs...) }

func (m *MLP) OutputWidths() []int { return append([]int(nil), m.spec.Outputs...) }

func (m *MLP) Forward(x *Tensor) *Tensor {
	last := len(m.layers) - 1
	for i, layer := range m.layers {
		x = layer.Forward(x)
		if i < last {
			x = m.relu.Forward(x)
		}
	}
	return x
}

func (m *MLP) Parameters() []*Parameter {
	var params []*Parameter
	for _, layer := range m.layers {
		params = append(params, layer.Parameters()...)
	}
	return params
}

func (m *MLP) StateDict() StateDict {
	out := StateDict{}
	for i, layer := range m.layers {
		for name, raw := range layer.StateDict() {
			out[fmt.Sprintf("layers.%d.%s", i, name)] = raw
		}
	}
	return out
}

func (m *MLP) LoadStateDict(state StateDict) error {
	for i, layer := range m.layers {
		prefix := fmt.Sprintf("layers.%d.", i)
		sub := StateDict{}
		for name, raw := range state {
			if strings.HasPrefix(name, prefix) {
				sub[strings.TrimPrefix(name, prefix)] = raw
			}
		}
		if err := layer.LoadStateDict(sub); err != nil {
			return fmt.Errorf("layer %d: %w", i, err)
		}
	}
	return nil
}

func (m *MLP) Train() { m.training = true }

func (m *MLP) Eval() { m.training = false }

func (m *MLP) Training() bool { return m.training }

func sum(values []int) int {
	total := 0
	for _, v := range values {
		total += v
	}
	return total
}

func cloneSpec(s MLPSpec) MLPSpec {
	return MLPSpec{
		Inputs:  append([]int(nil), s.Inputs...),
		Hidden:  append([]int(nil), s.Hidden...),
		Outputs: append([]int(nil), s.Outputs...),
	}
}

// CloneModel builds a fresh model of the same kind and copies its state.
func CloneModel(m Model) (Model, error) {
	out, err := BuildModel(m.Kind(), m.Spec(), NewBackend())
	if err != nil {
		return nil, err
	}
	state := StateDict{}
	for name, raw := range m.StateDict() {
		cloned, err := cloneRaw(raw)
		if err != nil {
			return nil, err
		}
		state[name] = cloned
	}
	if err := out.LoadStateDict(state); err != nil {
		return nil, err
	}
	if !m.Training() {
		out.Eval()
	}
	return out, nil
}

// EqualModels reports whether two models share kind, spec and weights.
func EqualModels(a, b Model) bool {
	if a == nil || b == nil {
		return a == nil && b == nil
	}
	if a.Kind() != b.Kind() || string(a.Spec()) != string(b.Spec()) {
		return false
	}
	return EqualState(a.StateDict(), b.StateDict())
}

func EqualState(a, b StateDict) bool {
	if len(a) != len(b) {
		return false
	}
	for name, ra := range a {
		rb, ok := b[name]
		if !ok {
			return false
		}
		if !ra.Shape().Equal(rb.Shape()) || ra.DType() != rb.DType() {
			return false
		}
		if string(ra.Data()) != string(rb.Data()) {
			return false
		}
	}
	return true
}
