package dataframe

import (
	"bufio"
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"math"
	"strconv"
	"strings"

	"github.com/animus-labs/animus-train/internal/domain"
)

type vectorJSON struct {
	Type    string    `json:"type"`
	Size    int       `json:"size,omitempty"`
	Indices []int     `json:"indices,omitempty"`
	Values  []float64 `json:"values"`
}

// jsonFloat always renders with a decimal point so whole floats do not
// decode as integers.
type jsonFloat struct {
	v    float64
	bits int
}

func (f jsonFloat) MarshalJSON() ([]byte, error) {
	if math.IsNaN(f.v) || math.IsInf(f.v, 0) {
		return nil, fmt.Errorf("unsupported float value %v", f.v)
	}
	s := strconv.FormatFloat(f.v, 'f', -1, f.bits)
	if !strings.Contains(s, ".") {
		s += ".0"
	}
	return []byte(s), nil
}

// EncodeRow renders a row as one JSON object. Vectors are tagged objects so
// they survive a round trip with their encoding intact.
func EncodeRow(row domain.Row) ([]byte, error) {
	out := make(map[string]any, len(row))
	for k, v := range row {
		switch t := v.(type) {
		case float64:
			out[k] = jsonFloat{v: t, bits: 64}
		case float32:
			out[k] = jsonFloat{v: float64(t), bits: 32}
		case domain.DenseVector:
			out[k] = vectorJSON{Type: "dense", Values: t.Values}
		case domain.SparseVector:
			out[k] = vectorJSON{Type: "sparse", Size: t.Size, Indices: t.Indices, Values: t.Values}
		default:
			out[k] = v
		}
	}
	return json.Marshal(out)
}

// DecodeRow parses a row written by EncodeRow. Numbers without a fraction or
// exponent decode as int64 and all other numbers as float64.
func DecodeRow(data []byte) (domain.Row, error) {
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()
	var raw map[string]any
	if err := dec.Decode(&raw); err != nil {
		return nil, err
	}
	row := make(domain.Row, len(raw))
	for k, v := range raw {
		decoded, err := decodeValue(v)
		if err != nil {
			return nil, fmt.Errorf("column %q: %w", k, err)
		}
		row[k] = decoded
	}
	return row, nil
}

func decodeValue(v any) (any, error) {
	switch t := v.(type) {
	case json.Number:
		if i, err := t.Int64(); err == nil {
			return i, nil
		}
		return t.Float64()
	case map[string]any:
		return decodeVector(t)
	case []any:
		values, err := numbers(t)
		if err != nil {
			return nil, err
		}
		return domain.DenseVector{Values: values}, nil
	default:
		return v, nil
	}
}

func decodeVector(m map[string]any) (any, error) {
	kind, _ := m["type"].(string)
	rawValues, _ := m["values"].([]any)
	values, err := numbers(rawValues)
	if err != nil {
		return nil, err
	}
	switch strings.ToLower(kind) {
	case "dense":
		return domain.DenseVector{Values: values}, nil
	case "sparse":
		size, err := intOf(m["size"])
		if err != nil {
			return nil, fmt.Errorf("sparse size: %w", err)
		}
		rawIdx, _ := m["indices"].([]any)
		idx := make([]int, 0, len(rawIdx))
		for _, r := range rawIdx {
			i, err := intOf(r)
			if err != nil {
				return nil, fmt.Errorf("sparse index: %w", err)
			}
			idx = append(idx, i)
		}
		return domain.NewSparseVector(size, idx, values)
	default:
		return nil, fmt.Errorf("unknown vector type %q", kind)
	}
}

func numbers(in []any) ([]float64, error) {
	out := make([]float64, 0, len(in))
	for _, v := range in {
		n, ok := v.(json.Number)
		if !ok {
			return nil, fmt.Errorf("expected number, got %T", v)
		}
		f, err := n.Float64()
		if err != nil {
			return nil, err
		}
		out = append(out, f)
	}
	return out, nil
}

func intOf(v any) (int, error) {
	n, ok := v.(json.Number)
	if !ok {
		return 0, fmt.Errorf("expected integer, got %T", v)
	}
	f, err := n.Float64()
	if err != nil || f != math.Trunc(f) {
		return 0, fmt.Errorf("expected integer, got %s", n)
	}
	return int(f), nil
}

// ReadRows reads newline-delimited JSON rows, skipping blank lines.
func ReadRows(r io.Reader) ([]domain.Row, error) {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), 64*1024*1024)
	var rows []domain.Row
	line := 0
	for scanner.Scan() {
		line++
		text := bytes.TrimSpace(scanner.Bytes())
		if len(text) == 0 {
			continue
		}
		row, err := DecodeRow(text)
		if err != nil {
			return nil, fmt.Errorf("line %d: %w", line, err)
		}
		rows = append(rows, row)
	}
	if err := scanner.Err(); err != nil {
		return nil, err
	}
	return rows, nil
}

// WriteRows writes rows as newline-delimited JSON.
func WriteRows(w io.Writer, rows []domain.Row) error {
	bw := bufio.NewWriter(w)
	for _, row := range rows {
		data, err := EncodeRow(row)
		if err != nil {
			return err
		}
		if _, err := bw.Write(data); err != nil {
			return err
		}
		if err := bw.WriteByte('\n'); err != nil {
			return err
		}
	}
	return bw.Flush()
}

// ReadJSONLines loads a DataFrame with the given number of partitions.
func ReadJSONLines(r io.Reader, partitions int) (*DataFrame, error) {
	rows, err := ReadRows(r)
	if err != nil {
		return nil, err
	}
	return FromRows(rows, partitions), nil
}

func WriteJSONLines(w io.Writer, df *DataFrame) error {
	return WriteRows(w, df.Rows())
}
