package collective

import (
	"context"
	"fmt"
	"math"
	"strings"
)

const maxHalf = 65504

// WithCompression wraps r so vectors are rounded before reduction.
// Supported kinds are "none" and "fp16".
func WithCompression(r Reducer, kind string) (Reducer, error) {
	switch strings.ToLower(strings.TrimSpace(kind)) {
	case "", "none":
		return r, nil
	case "fp16":
		return fp16{Reducer: r}, nil
	default:
		return nil, fmt.Errorf("unknown gradient compression %q", kind)
	}
}

type fp16 struct {
	Reducer
}

func (c fp16) AllReduceMean(ctx context.Context, vec []float32) error {
	for i, v := range vec {
		vec[i] = RoundHalf(v)
	}
	return c.Reducer.AllReduceMean(ctx, vec)
}

// RoundHalf rounds v to the nearest value representable in IEEE half
// precision, saturating at the largest finite half.
func RoundHalf(v float32) float32 {
	if math.IsNaN(float64(v)) {
		return v
	}
	if v > maxHalf {
		return maxHalf
	}
	if v < -maxHalf {
		return -maxHalf
	}
	if math.Abs(float64(v)) < 6e-8 {
		return 0
	}
	bits := math.Float32bits(v)
	bits += 0x0FFF + ((bits >> 13) & 1)
	bits &^= 0x1FFF
	return math.Float32frombits(bits)
}
