package params

import (
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"reflect"
	"strings"

	"github.com/go-viper/mapstructure/v2"
)

// decode weakly converts a loose value, as produced by YAML or JSON decoding,
// into T. Scalars become one-element lists and strings are trimmed.
func decode[T any](v any) (T, error) {
	var out T
	dec, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
		WeaklyTypedInput: true,
		DecodeHook: mapstructure.ComposeDecodeHookFunc(
			trimStrings,
			stringerToString,
			wholeNumbers,
		),
		Result: &out,
	})
	if err != nil {
		return out, err
	}
	if err := dec.Decode(v); err != nil {
		return out, err
	}
	return out, nil
}

func trimStrings(_ reflect.Type, _ reflect.Type, data any) (any, error) {
	if s, ok := data.(string); ok {
		return strings.TrimSpace(s), nil
	}
	return data, nil
}

func stringerToString(_ reflect.Type, to reflect.Type, data any) (any, error) {
	if to.Kind() != reflect.String {
		return data, nil
	}
	if s, ok := data.(fmt.Stringer); ok {
		return strings.TrimSpace(s.String()), nil
	}
	return data, nil
}

// wholeNumbers only lets floats without a fraction into integer targets.
func wholeNumbers(_ reflect.Type, to reflect.Type, data any) (any, error) {
	if n, ok := data.(json.Number); ok {
		if to.Kind() == reflect.String {
			return n.String(), nil
		}
		f, err := n.Float64()
		if err != nil {
			return nil, fmt.Errorf("expected number, got %q", n.String())
		}
		data = f
	}
	switch to.Kind() {
	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
	default:
		return data, nil
	}
	var f float64
	switch t := data.(type) {
	case float64:
		f = t
	case float32:
		f = float64(t)
	default:
		return data, nil
	}
	if f != math.Trunc(f) || math.IsInf(f, 0) {
		return nil, fmt.Errorf("expected integer, got %v", f)
	}
	return int64(f), nil
}

var errNoValue = errors.New("value is required")

func toInt(v any) (int, error) {
	if v == nil {
		return 0, errNoValue
	}
	return decode[int](v)
}

func toOptionalInt(v any) (*int, error) {
	if v == nil {
		return nil, nil
	}
	if p, ok := v.(*int); ok {
		if p == nil {
			return nil, nil
		}
		n := *p
		return &n, nil
	}
	n, err := decode[int](v)
	if err != nil {
		return nil, err
	}
	return &n, nil
}

func toFloat(v any) (float64, error) {
	if v == nil {
		return 0, errNoValue
	}
	return decode[float64](v)
}

func toBool(v any) (bool, error) {
	if v == nil {
		return false, errNoValue
	}
	return decode[bool](v)
}

func toString(v any) (string, error) {
	if v == nil {
		return "", nil
	}
	return decode[string](v)
}

// toStrings accepts a single string and wraps it in a one-element list.
func toStrings(v any) ([]string, error) {
	if s, ok := v.(string); ok && strings.TrimSpace(s) == "" {
		return nil, nil
	}
	if v == nil {
		return nil, nil
	}
	return decode[[]string](v)
}

func toFloats(v any) ([]float64, error) {
	if v == nil {
		return nil, nil
	}
	return decode[[]float64](v)
}

// toShapes accepts a list of shapes. A flat list of ints is one shape.
func toShapes(v any) ([][]int, error) {
	switch t := v.(type) {
	case nil:
		return nil, nil
	case []int:
		return [][]int{append([]int(nil), t...)}, nil
	}
	return decode[[][]int](v)
}

func cloneShapes(in [][]int) [][]int {
	if in == nil {
		return nil
	}
	out := make([][]int, len(in))
	for i, s := range in {
		out[i] = append([]int(nil), s...)
	}
	return out
}
