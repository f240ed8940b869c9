package codec

import (
	"fmt"
	"sort"

	"github.com/born-ml/born/tensor"

	"github.com/animus-labs/animus-train/internal/numeric"
)

type tensorRecord struct {
	Name   string
	Shape  []int
	DType  int
	Device int
	Data   []byte
}

func encodeState(state numeric.StateDict) []tensorRecord {
	names := make([]string, 0, len(state))
	for name := range state {
		names = append(names, name)
	}
	sort.Strings(names)
	out := make([]tensorRecord, 0, len(names))
	for _, name := range names {
		raw := state[name]
		data := make([]byte, len(raw.Data()))
		copy(data, raw.Data())
		out = append(out, tensorRecord{
			Name:   name,
			Shape:  append([]int(nil), raw.Shape()...),
			DType:  int(raw.DType()),
			Device: int(raw.Device()),
			Data:   data,
		})
	}
	return out
}

// decodeState materializes every tensor on the CPU regardless of the device
// it was encoded from.
func decodeState(records []tensorRecord) (numeric.StateDict, error) {
	state := numeric.StateDict{}
	for _, rec := range records {
		raw, err := decodeTensor(rec)
		if err != nil {
			return nil, err
		}
		state[rec.Name] = raw
	}
	return state, nil
}

func decodeTensor(rec tensorRecord) (*tensor.RawTensor, error) {
	raw, err := tensor.NewRaw(tensor.Shape(rec.Shape), tensor.DataType(rec.DType), tensor.CPU)
	if err != nil {
		return nil, fmt.Errorf("tensor %s: %w", rec.Name, err)
	}
	if len(raw.Data()) != len(rec.Data) {
		return nil, fmt.Errorf("tensor %s: %d bytes for shape %v", rec.Name, len(rec.Data), rec.Shape)
	}
	copy(raw.Data(), rec.Data)
	return raw, nil
}
