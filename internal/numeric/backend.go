// Package numeric wires the born tensor library into the training and
// inference paths: models, optimizers, losses and batch helpers.
package numeric

import (
	"fmt"

	"github.com/born-ml/born/autodiff"
	"github.com/born-ml/born/backend/cpu"
	"github.com/born-ml/born/nn"
	"github.com/born-ml/born/tensor"
)

// Backend is the autodiff-decorated CPU backend every model is built on.
type Backend = autodiff.Backend[*cpu.Backend]

type Tensor = tensor.Tensor[float32, *Backend]

type Parameter = nn.Parameter[*Backend]

// StateDict maps parameter or buffer names to raw tensors.
type StateDict = map[string]*tensor.RawTensor

// Gradients maps a parameter's raw tensor to its gradient.
type Gradients = map[*tensor.RawTensor]*tensor.RawTensor

func NewBackend() *Backend {
	return autodiff.New(cpu.New())
}

// Batch packs rows of equal width into a [len(rows), width] tensor.
func Batch(rows [][]float32, width int, b *Backend) (*Tensor, error) {
	if width <= 0 {
		return nil, fmt.Errorf("batch width must be positive, got %d", width)
	}
	flat := make([]float32, 0, len(rows)*width)
	for i, row := range rows {
		if len(row) != width {
			return nil, fmt.Errorf("row %d has %d values, want %d", i, len(row), width)
		}
		flat = append(flat, row...)
	}
	return tensor.FromSlice(flat, tensor.Shape{len(rows), width}, b)
}

// Unbatch copies a [n, width] tensor back into per-row slices.
func Unbatch(t *Tensor) [][]float32 {
	shape := t.Shape()
	if len(shape) != 2 {
		return nil
	}
	data := t.Data()
	out := make([][]float32, shape[0])
	for i := range out {
		row := make([]float32, shape[1])
		copy(row, data[i*shape[1]:(i+1)*shape[1]])
		out[i] = row
	}
	return out
}

// SplitHeads slices one concatenated output row into per-head predictions.
func SplitHeads(row []float32, widths []int) ([][]float32, error) {
	total := 0
	for _, w := range widths {
		total += w
	}
	if total != len(row) {
		return nil, fmt.Errorf("output row has %d values, heads need %d", len(row), total)
	}
	out := make([][]float32, len(widths))
	offset := 0
	for i, w := range widths {
		head := make([]float32, w)
		copy(head, row[offset:offset+w])
		out[i] = head
		offset += w
	}
	return out, nil
}

// Predict runs a forward pass without recording on the tape.
func Predict(m Model, inputs [][]float32) ([][]float32, error) {
	b := m.Backend()
	tape := b.Tape()
	wasRecording := tape.IsRecording()
	tape.StopRecording()
	defer func() {
		if wasRecording {
			tape.StartRecording()
		}
	}()

	x, err := Batch(inputs, m.InputDim(), b)
	if err != nil {
		return nil, err
	}
	return Unbatch(m.Forward(x)), nil
}

func cloneRaw(raw *tensor.RawTensor) (*tensor.RawTensor, error) {
	out, err := tensor.NewRaw(raw.Shape(), raw.DType(), tensor.CPU)
	if err != nil {
		return nil, err
	}
	copy(out.Data(), raw.Data())
	return out, nil
}
