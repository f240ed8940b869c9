package inference

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/animus-labs/animus-train/internal/dataframe"
	"github.com/animus-labs/animus-train/internal/domain"
	"github.com/animus-labs/animus-train/internal/numeric"
)

// identityModel returns an MLP whose single layer copies its input.
func identityModel(t *testing.T, width int) numeric.Model {
	t.Helper()
	m, err := numeric.NewMLP(numeric.MLPSpec{Inputs: []int{width}, Outputs: []int{width}}, numeric.NewBackend())
	require.NoError(t, err)
	for name, raw := range m.StateDict() {
		data := raw.AsFloat32()
		for i := range data {
			data[i] = 0
		}
		if name == "layers.0.weight" {
			for i := 0; i < width; i++ {
				data[i*width+i] = 1
			}
		}
	}
	return m
}

func TestIntegralScalarRoundsHalfToEven(t *testing.T) {
	e := &Engine{
		Model:       identityModel(t, 1),
		FeatureCols: []string{"x"},
		LabelCols:   []string{"y"},
		OutputCols:  []string{"y__output"},
		Metadata:    domain.Metadata{"y": {Type: domain.ColumnInt64, Shape: 1}},
	}
	df := dataframe.FromRows([]domain.Row{{"x": 2.7}, {"x": -2.5}, {"x": 2.2}, {"x": 2.5}, {"x": 3.5}}, 2)

	out, err := e.Transform(context.Background(), df)
	require.NoError(t, err)
	rows := out.Rows()
	require.Len(t, rows, 5)
	assert.Equal(t, int64(3), rows[0]["y__output"])
	assert.Equal(t, int64(-2), rows[1]["y__output"])
	assert.Equal(t, int64(2), rows[2]["y__output"])
	assert.Equal(t, int64(2), rows[3]["y__output"])
	assert.Equal(t, int64(4), rows[4]["y__output"])
	assert.Equal(t, 2.7, rows[0]["x"], "original fields are preserved")
	assert.Contains(t, out.Columns, "y__output")
}

func TestScalarDecoding(t *testing.T) {
	cases := []struct {
		name string
		typ  domain.ColumnType
		in   float32
		want any
	}{
		{"int32 half rounds to even", domain.ColumnInt32, 0.5, int32(0)},
		{"int32 negative", domain.ColumnInt32, -1.5, int32(-2)},
		{"int64 half rounds to even", domain.ColumnInt64, 2.5, int64(2)},
		{"bool half is false", domain.ColumnBool, 0.5, false},
		{"bool negative rounds to true", domain.ColumnBool, -0.7, true},
		{"bool small is false", domain.ColumnBool, 0.2, false},
		{"bool one is true", domain.ColumnBool, 0.9, true},
		{"float32 kept", domain.ColumnFloat32, 1.25, float32(1.25)},
		{"float64 widened", domain.ColumnFloat64, 1.25, 1.25},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			assert.Equal(t, tc.want, scalar(tc.typ, tc.in))
		})
	}
}

func TestSparseOutputKeepsNonzeros(t *testing.T) {
	e := &Engine{
		Model:       identityModel(t, 5),
		FeatureCols: []string{"x"},
		LabelCols:   []string{"y"},
		OutputCols:  []string{"y__output"},
		Metadata:    domain.Metadata{"y": {Type: domain.ColumnSparseVector, Shape: 5, IsSparse: true}},
	}
	row := domain.Row{"x": domain.DenseVector{Values: []float64{0, 0, 3.1, 0, 0}}}
	out, err := e.Transform(context.Background(), dataframe.FromRows([]domain.Row{row}, 1))
	require.NoError(t, err)

	sparse, ok := out.Rows()[0]["y__output"].(domain.SparseVector)
	require.True(t, ok, "expected a sparse vector, got %T", out.Rows()[0]["y__output"])
	assert.Equal(t, 5, sparse.Size)
	assert.Equal(t, []int{2}, sparse.Indices)
	require.Len(t, sparse.Values, 1)
	assert.InDelta(t, 3.1, sparse.Values[0], 1e-6)
}

func TestDenseAndFloatOutputs(t *testing.T) {
	m, err := numeric.NewMLP(numeric.MLPSpec{Inputs: []int{3}, Outputs: []int{1, 2}}, numeric.NewBackend())
	require.NoError(t, err)
	e := &Engine{
		Model:       m,
		FeatureCols: []string{"x"},
		InputShapes: [][]int{{-1}},
		LabelCols:   []string{"a", "b"},
		OutputCols:  []string{"a__output", "b__output"},
		Metadata: domain.Metadata{
			"a": {Type: domain.ColumnFloat32, Shape: 1},
			"b": {Type: domain.ColumnDenseVector, Shape: 2},
		},
	}
	sparseIn, err := domain.NewSparseVector(3, []int{0}, []float64{1})
	require.NoError(t, err)
	out, err := e.Transform(context.Background(), dataframe.FromRows([]domain.Row{{"x": sparseIn}}, 1))
	require.NoError(t, err)

	row := out.Rows()[0]
	assert.IsType(t, float32(0), row["a__output"])
	dense, ok := row["b__output"].(domain.DenseVector)
	require.True(t, ok)
	assert.Len(t, dense.Values, 2)
}

func TestTransformIsIdempotent(t *testing.T) {
	m, err := numeric.NewMLP(numeric.MLPSpec{Inputs: []int{2}, Hidden: []int{4}, Outputs: []int{1}}, numeric.NewBackend())
	require.NoError(t, err)
	before, err := numeric.CloneModel(m)
	require.NoError(t, err)
	e := &Engine{
		Model:       m,
		FeatureCols: []string{"x"},
		LabelCols:   []string{"y"},
		OutputCols:  []string{"y__output"},
		Metadata:    domain.Metadata{"y": {Type: domain.ColumnFloat64, Shape: 1}},
	}
	rows := make([]domain.Row, 12)
	for i := range rows {
		rows[i] = domain.Row{"x": domain.DenseVector{Values: []float64{float64(i), -float64(i)}}}
	}
	df := dataframe.FromRows(rows, 4)

	first, err := e.Transform(context.Background(), df)
	require.NoError(t, err)
	second, err := e.Transform(context.Background(), df)
	require.NoError(t, err)
	assert.Equal(t, first.Rows(), second.Rows())
	assert.True(t, numeric.EqualModels(before, m), "transform must not mutate the model")
	assert.True(t, m.Training(), "transform must not flip the caller's model into eval mode")
	for _, row := range df.Rows() {
		assert.NotContains(t, row, "y__output", "input rows must not be mutated")
	}
}

func TestPredictRowsStopsOnError(t *testing.T) {
	e := &Engine{
		Model:       identityModel(t, 1),
		FeatureCols: []string{"x"},
		LabelCols:   []string{"y"},
		OutputCols:  []string{"y__output"},
	}
	rows := []domain.Row{{"x": 1.0}, {"x": "bad"}, {"x": 2.0}}
	var got []domain.Row
	var lastErr error
	for row, err := range e.PredictRows(e.Model, rows) {
		if err != nil {
			lastErr = err
			break
		}
		got = append(got, row)
	}
	require.Error(t, lastErr)
	assert.Len(t, got, 1)
	assert.Equal(t, 1.0, got[0]["y__output"])
}

func TestValidateRejectsMismatchedColumns(t *testing.T) {
	e := &Engine{
		Model:       identityModel(t, 1),
		FeatureCols: []string{"x"},
		LabelCols:   []string{"y"},
	}
	_, err := e.Transform(context.Background(), dataframe.FromRows(nil, 1))
	require.Error(t, err)
}
