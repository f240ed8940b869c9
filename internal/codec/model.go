package codec

import (
	"errors"
	"fmt"

	"github.com/animus-labs/animus-train/internal/numeric"
)

type modelEnvelope struct {
	Kind     string
	Spec     []byte
	Training bool
	Tensors  []tensorRecord
}

// ModelCodec encodes numeric models. Each decode builds the model on a
// fresh backend so decoded copies never share a gradient tape.
type ModelCodec struct{}

var Models Codec[numeric.Model] = ModelCodec{}

func (ModelCodec) Encode(m numeric.Model) ([]byte, error) {
	if m == nil {
		return nil, nil
	}
	return seal(modelEnvelope{
		Kind:     m.Kind(),
		Spec:     m.Spec(),
		Training: m.Training(),
		Tensors:  encodeState(m.StateDict()),
	})
}

func (ModelCodec) Decode(data []byte) (numeric.Model, error) {
	if len(data) == 0 {
		return nil, nil
	}
	var env modelEnvelope
	if err := open(data, &env); err != nil {
		return nil, err
	}
	m, err := numeric.BuildModel(env.Kind, env.Spec, numeric.NewBackend())
	if err != nil {
		return nil, err
	}
	state, err := decodeState(env.Tensors)
	if err != nil {
		return nil, err
	}
	if err := m.LoadStateDict(state); err != nil {
		return nil, fmt.Errorf("load model state: %w", err)
	}
	if !env.Training {
		m.Eval()
	}
	return m, nil
}

type optimizerEnvelope struct {
	Spec    numeric.OptimizerSpec
	Tensors []tensorRecord
}

// OptimizerCodec decodes optimizers bound to Model's parameters.
type OptimizerCodec struct {
	Model numeric.Model
}

func Optimizers(m numeric.Model) Codec[numeric.Optimizer] {
	return OptimizerCodec{Model: m}
}

func (OptimizerCodec) Encode(opt numeric.Optimizer) ([]byte, error) {
	if opt == nil {
		return nil, nil
	}
	spec := opt.Spec()
	spec.LR = opt.GetLR()
	return seal(optimizerEnvelope{Spec: spec, Tensors: encodeState(opt.StateDict())})
}

func (c OptimizerCodec) Decode(data []byte) (numeric.Optimizer, error) {
	if len(data) == 0 {
		return nil, nil
	}
	if c.Model == nil {
		return nil, errors.New("optimizer decode requires a model to bind to")
	}
	var env optimizerEnvelope
	if err := open(data, &env); err != nil {
		return nil, err
	}
	opt, err := numeric.NewOptimizer(env.Spec, c.Model)
	if err != nil {
		return nil, err
	}
	state, err := decodeState(env.Tensors)
	if err != nil {
		return nil, err
	}
	if err := opt.LoadStateDict(state); err != nil {
		return nil, fmt.Errorf("load optimizer state: %w", err)
	}
	return opt, nil
}
