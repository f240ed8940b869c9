package numeric

import (
	"errors"
	"fmt"

	"github.com/born-ml/born/tensor"
)

// HeadLoss pairs a loss function with its weight for one output head.
type HeadLoss struct {
	Fn     LossFunc
	Weight float32
}

// ForwardBackward runs one recorded forward pass of m over x, scores every
// head against targets and returns the weighted loss and the parameter
// gradients. Targets are concatenated per row in head order. rowWeights may
// be nil for uniform weighting.
func ForwardBackward(m Model, x *Tensor, targets [][]float32, heads []HeadLoss, rowWeights []float32) (float32, Gradients, error) {
	widths := m.OutputWidths()
	if len(heads) != len(widths) {
		return 0, nil, fmt.Errorf("model has %d heads, got %d losses", len(widths), len(heads))
	}
	if rowWeights != nil && len(rowWeights) != len(targets) {
		return 0, nil, fmt.Errorf("got %d row weights for %d rows", len(rowWeights), len(targets))
	}

	b := m.Backend()
	tape := b.Tape()
	tape.Clear()
	tape.StartRecording()
	out := m.Forward(x)
	tape.StopRecording()
	defer tape.Clear()

	shape := out.Shape()
	if len(shape) != 2 || shape[0] != len(targets) {
		return 0, nil, fmt.Errorf("output shape %v does not match %d targets", shape, len(targets))
	}
	width := shape[1]
	preds := out.Data()

	var weightSum float32
	for r := range targets {
		weightSum += rowWeight(rowWeights, r)
	}
	if weightSum <= 0 {
		return 0, nil, errors.New("row weights sum to zero")
	}

	outGrad, err := tensor.NewRaw(shape, tensor.Float32, tensor.CPU)
	if err != nil {
		return 0, nil, err
	}
	gradData := outGrad.AsFloat32()

	var total float32
	for r, target := range targets {
		if len(target) != width {
			return 0, nil, fmt.Errorf("target row %d has %d values, want %d", r, len(target), width)
		}
		w := rowWeight(rowWeights, r) / weightSum
		offset := 0
		for h, head := range heads {
			hw := widths[h]
			pred := preds[r*width+offset : r*width+offset+hw]
			value, grad := head.Fn(pred, target[offset:offset+hw])
			scale := w * head.Weight
			total += scale * value
			for i, g := range grad {
				gradData[r*width+offset+i] += scale * g
			}
			offset += hw
		}
	}

	grads := tape.Backward(outGrad, b)
	return total, grads, nil
}

func rowWeight(weights []float32, r int) float32 {
	if weights == nil {
		return 1
	}
	return weights[r]
}

// FlattenGradients copies the gradient of every parameter into one vector in
// parameter order. Parameters with no gradient contribute zeros.
func FlattenGradients(params []*Parameter, grads Gradients) []float32 {
	var out []float32
	for _, p := range params {
		raw := p.Tensor().Raw()
		if g, ok := grads[raw]; ok && g != nil {
			out = append(out, g.AsFloat32()...)
			continue
		}
		out = append(out, make([]float32, raw.NumElements())...)
	}
	return out
}

// ScatterGradients writes vec back into grads in parameter order, creating
// entries for parameters that had none.
func ScatterGradients(params []*Parameter, grads Gradients, vec []float32) error {
	offset := 0
	for _, p := range params {
		raw := p.Tensor().Raw()
		n := raw.NumElements()
		if offset+n > len(vec) {
			return fmt.Errorf("gradient vector too short: %d values", len(vec))
		}
		g, ok := grads[raw]
		if !ok || g == nil {
			created, err := tensor.NewRaw(raw.Shape(), tensor.Float32, tensor.CPU)
			if err != nil {
				return err
			}
			grads[raw] = created
			g = created
		}
		copy(g.AsFloat32(), vec[offset:offset+n])
		offset += n
	}
	if offset != len(vec) {
		return fmt.Errorf("gradient vector has %d values, parameters need %d", len(vec), offset)
	}
	return nil
}
