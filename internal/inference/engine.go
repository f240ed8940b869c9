// Package inference applies a trained model to every row of a dataframe and
// decodes predictions back into typed column values.
package inference

import (
	"context"
	"errors"
	"fmt"
	"iter"
	"log/slog"
	"math"

	"github.com/animus-labs/animus-train/internal/codec"
	"github.com/animus-labs/animus-train/internal/dataframe"
	"github.com/animus-labs/animus-train/internal/domain"
	"github.com/animus-labs/animus-train/internal/numeric"
	"github.com/animus-labs/animus-train/internal/prepare"
)

// Engine transforms dataframes with one trained model. The engine never
// mutates Model; every partition works on its own decoded copy.
type Engine struct {
	Model       numeric.Model
	FeatureCols []string
	InputShapes [][]int
	LabelCols   []string
	OutputCols  []string
	Metadata    domain.Metadata
	Logger      *slog.Logger
}

func (e *Engine) Validate() error {
	switch {
	case e.Model == nil:
		return errors.New("inference requires a model")
	case len(e.FeatureCols) == 0:
		return errors.New("inference requires feature columns")
	case len(e.LabelCols) != len(e.OutputCols):
		return fmt.Errorf("%d label columns for %d output columns", len(e.LabelCols), len(e.OutputCols))
	case len(e.LabelCols) != len(e.Model.OutputWidths()):
		return fmt.Errorf("%d label columns for %d model heads", len(e.LabelCols), len(e.Model.OutputWidths()))
	case len(e.InputShapes) > 0 && len(e.InputShapes) != len(e.FeatureCols):
		return fmt.Errorf("%d input shapes for %d feature columns", len(e.InputShapes), len(e.FeatureCols))
	}
	return nil
}

// Transform returns df with one output column per label column appended to
// every row. Partitions run concurrently and each decodes a private model.
func (e *Engine) Transform(ctx context.Context, df *dataframe.DataFrame) (*dataframe.DataFrame, error) {
	if err := e.Validate(); err != nil {
		return nil, err
	}
	if df == nil {
		return nil, errors.New("dataframe is required")
	}
	payload, err := codec.Models.Encode(e.Model)
	if err != nil {
		return nil, fmt.Errorf("encode model: %w", err)
	}
	logger := e.Logger
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}

	out, err := df.MapPartitions(ctx, func(ctx context.Context, idx int, rows []domain.Row) ([]domain.Row, error) {
		m, err := codec.Models.Decode(payload)
		if err != nil {
			return nil, fmt.Errorf("decode model: %w", err)
		}
		m.Eval()
		result := make([]domain.Row, 0, len(rows))
		for row, err := range e.PredictRows(m, rows) {
			if err != nil {
				return nil, err
			}
			if err := ctx.Err(); err != nil {
				return nil, err
			}
			result = append(result, row)
		}
		logger.Debug("partition transformed", "partition", idx, "rows", len(result))
		return result, nil
	})
	if err != nil {
		return nil, err
	}
	out.Columns = appendMissing(out.Columns, e.OutputCols)
	return out, nil
}

// PredictRows lazily yields every row merged with its predictions. The
// sequence stops after the first error.
func (e *Engine) PredictRows(m numeric.Model, rows []domain.Row) iter.Seq2[domain.Row, error] {
	return func(yield func(domain.Row, error) bool) {
		widths := m.OutputWidths()
		for i, row := range rows {
			out, err := e.predictRow(m, widths, row)
			if err != nil {
				yield(nil, fmt.Errorf("row %d: %w", i, err))
				return
			}
			if !yield(out, nil) {
				return
			}
		}
	}
}

func (e *Engine) predictRow(m numeric.Model, widths []int, row domain.Row) (domain.Row, error) {
	x := make([]float32, 0, m.InputDim())
	for i, col := range e.FeatureCols {
		values, err := domain.Float32s(row[col])
		if err != nil {
			return nil, fmt.Errorf("feature %q: %w", col, err)
		}
		if len(e.InputShapes) > 0 {
			if n := elements(prepare.Resolve(e.InputShapes[i], len(values))); n != len(values) {
				return nil, &domain.IncompatibleShapeError{Column: col, Expected: n, Actual: len(values)}
			}
		}
		x = append(x, values...)
	}
	preds, err := numeric.Predict(m, [][]float32{x})
	if err != nil {
		return nil, err
	}
	heads, err := numeric.SplitHeads(preds[0], widths)
	if err != nil {
		return nil, err
	}
	fields := make(domain.Row, len(e.LabelCols))
	for h, label := range e.LabelCols {
		value, err := decode(e.Metadata, label, heads[h])
		if err != nil {
			return nil, err
		}
		fields[e.OutputCols[h]] = value
	}
	return row.Merge(fields), nil
}

// decode converts one head's prediction into the label column's type.
// Columns without metadata decode as float64 scalars or dense vectors.
func decode(meta domain.Metadata, label string, pred []float32) (any, error) {
	cm, ok := meta.Lookup(label)
	if !ok {
		if len(pred) == 1 {
			return float64(pred[0]), nil
		}
		return domain.DenseVector{Values: toFloat64s(pred)}, nil
	}
	switch {
	case cm.Type.IsScalar():
		if len(pred) != 1 {
			return nil, &domain.IncompatibleShapeError{Column: label, Expected: 1, Actual: len(pred)}
		}
		return scalar(cm.Type, pred[0]), nil
	case cm.Type == domain.ColumnDenseVector:
		if len(pred) != cm.Shape {
			return nil, &domain.IncompatibleShapeError{Column: label, Expected: cm.Shape, Actual: len(pred)}
		}
		return domain.DenseVector{Values: toFloat64s(pred)}, nil
	case cm.Type == domain.ColumnSparseVector:
		if len(pred) != cm.Shape {
			return nil, &domain.IncompatibleShapeError{Column: label, Expected: cm.Shape, Actual: len(pred)}
		}
		var indices []int
		var values []float64
		for i, v := range pred {
			if v != 0 {
				indices = append(indices, i)
				values = append(values, float64(v))
			}
		}
		return domain.NewSparseVector(cm.Shape, indices, values)
	default:
		return nil, fmt.Errorf("column %q has unsupported type %q", label, cm.Type)
	}
}

// scalar rounds integral and boolean types half to even before casting.
func scalar(t domain.ColumnType, v float32) any {
	switch t {
	case domain.ColumnInt32:
		return int32(math.RoundToEven(float64(v)))
	case domain.ColumnInt64:
		return int64(math.RoundToEven(float64(v)))
	case domain.ColumnFloat32:
		return v
	case domain.ColumnBool:
		return math.RoundToEven(float64(v)) != 0
	default:
		return float64(v)
	}
}

func elements(shape []int) int {
	n := 1
	for _, d := range shape {
		n *= d
	}
	return n
}

func toFloat64s(in []float32) []float64 {
	out := make([]float64, len(in))
	for i, v := range in {
		out[i] = float64(v)
	}
	return out
}

func appendMissing(columns, extra []string) []string {
	seen := make(map[string]struct{}, len(columns))
	for _, c := range columns {
		seen[c] = struct{}{}
	}
	for _, c := range extra {
		if _, ok := seen[c]; !ok {
			columns = append(columns, c)
			seen[c] = struct{}{}
		}
	}
	return columns
}
