package domain

import (
	"fmt"
	"sort"
)

// DenseVector is a fixed-length vector column value.
type DenseVector struct {
	Values []float64 `json:"values"`
}

func NewDenseVector(values []float64) DenseVector {
	out := make([]float64, len(values))
	copy(out, values)
	return DenseVector{Values: out}
}

func (v DenseVector) Size() int {
	return len(v.Values)
}

func (v DenseVector) ToArray() []float64 {
	out := make([]float64, len(v.Values))
	copy(out, v.Values)
	return out
}

// SparseVector stores the nonzero entries of a vector of length Size.
// Indices are strictly increasing.
type SparseVector struct {
	Size    int       `json:"size"`
	Indices []int     `json:"indices"`
	Values  []float64 `json:"values"`
}

func NewSparseVector(size int, indices []int, values []float64) (SparseVector, error) {
	if size < 0 {
		return SparseVector{}, fmt.Errorf("sparse vector size must be non-negative, got %d", size)
	}
	if len(indices) != len(values) {
		return SparseVector{}, fmt.Errorf("sparse vector has %d indices but %d values", len(indices), len(values))
	}
	idx := make([]int, len(indices))
	copy(idx, indices)
	vals := make([]float64, len(values))
	copy(vals, values)
	if !sort.IntsAreSorted(idx) {
		order := make([]int, len(idx))
		for i := range order {
			order[i] = i
		}
		sort.Slice(order, func(a, b int) bool { return idx[order[a]] < idx[order[b]] })
		sortedIdx := make([]int, len(idx))
		sortedVals := make([]float64, len(vals))
		for i, o := range order {
			sortedIdx[i] = idx[o]
			sortedVals[i] = vals[o]
		}
		idx, vals = sortedIdx, sortedVals
	}
	for i, j := range idx {
		if j < 0 || j >= size {
			return SparseVector{}, fmt.Errorf("sparse vector index %d out of range [0,%d)", j, size)
		}
		if i > 0 && idx[i-1] == j {
			return SparseVector{}, fmt.Errorf("sparse vector index %d is duplicated", j)
		}
	}
	return SparseVector{Size: size, Indices: idx, Values: vals}, nil
}

// ToDense densifies the vector.
func (v SparseVector) ToDense() []float64 {
	out := make([]float64, v.Size)
	for i, j := range v.Indices {
		out[j] = v.Values[i]
	}
	return out
}

func (v SparseVector) NumNonzeros() int {
	n := 0
	for _, x := range v.Values {
		if x != 0 {
			n++
		}
	}
	return n
}

// Float32s flattens a column value into model input order. Sparse vectors
// are densified and booleans map to 0 or 1.
func Float32s(v any) ([]float32, error) {
	switch t := v.(type) {
	case float64:
		return []float32{float32(t)}, nil
	case float32:
		return []float32{t}, nil
	case int:
		return []float32{float32(t)}, nil
	case int32:
		return []float32{float32(t)}, nil
	case int64:
		return []float32{float32(t)}, nil
	case bool:
		if t {
			return []float32{1}, nil
		}
		return []float32{0}, nil
	case DenseVector:
		return toFloat32s(t.Values), nil
	case SparseVector:
		return toFloat32s(t.ToDense()), nil
	case []float64:
		return toFloat32s(t), nil
	case []float32:
		return append([]float32(nil), t...), nil
	case nil:
		return nil, fmt.Errorf("null value")
	default:
		return nil, fmt.Errorf("unsupported value type %T", v)
	}
}

func toFloat32s(in []float64) []float32 {
	out := make([]float32, len(in))
	for i, f := range in {
		out[i] = float32(f)
	}
	return out
}
