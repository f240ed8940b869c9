package prepare

import (
	"context"
	"errors"
	"testing"

	"github.com/animus-labs/animus-train/internal/dataframe"
	"github.com/animus-labs/animus-train/internal/domain"
	"github.com/animus-labs/animus-train/internal/store"
)

func newStore(t *testing.T) *store.LocalStore {
	t.Helper()
	st, err := store.NewLocalStore(t.TempDir())
	if err != nil {
		t.Fatalf("NewLocalStore: %v", err)
	}
	return st
}

func sampleFrame(n int) *dataframe.DataFrame {
	rows := make([]domain.Row, n)
	for i := range rows {
		rows[i] = domain.Row{
			"x":      domain.DenseVector{Values: []float64{float64(i), 1}},
			"y":      int64(i % 3),
			"w":      1.0,
			"is_val": i%4 == 0,
		}
	}
	return dataframe.FromRows(rows, 3)
}

func baseRequest(st store.Store, df *dataframe.DataFrame) Request {
	return Request{
		NumProcesses:         2,
		Store:                st,
		DataFrame:            df,
		FeatureCols:          []string{"x"},
		LabelCols:            []string{"y"},
		PartitionsPerProcess: 2,
	}
}

func TestPrepareWritesShardsAndMetadata(t *testing.T) {
	ctx := context.Background()
	st := newStore(t)
	req := baseRequest(st, sampleFrame(10))
	req.ValidationSplit = 0.2
	req.SampleWeightCol = "w"

	out, err := NewStorePreparer(nil).Prepare(ctx, req)
	if err != nil {
		t.Fatalf("Prepare: %v", err)
	}
	if out.TrainRows != 8 || out.ValRows != 2 || out.Shards != 4 {
		t.Fatalf("unexpected counts: %+v", out)
	}
	if out.AvgRowSize <= 0 {
		t.Fatalf("avg row size=%d", out.AvgRowSize)
	}
	if got := out.Metadata["x"]; got.Type != domain.ColumnDenseVector || got.Shape != 2 {
		t.Fatalf("x metadata=%+v", got)
	}
	if got := out.Metadata["y"]; got.Type != domain.ColumnInt64 || got.Shape != 1 {
		t.Fatalf("y metadata=%+v", got)
	}

	total := 0
	for i := 0; i < out.Shards; i++ {
		rows, err := ReadShard(ctx, st, st.TrainDataPath(i))
		if err != nil {
			t.Fatalf("ReadShard %d: %v", i, err)
		}
		total += len(rows)
	}
	if total != 8 {
		t.Fatalf("train shard rows=%d want 8", total)
	}

	simple, err := NewStorePreparer(nil).SimpleMeta(ctx, st, []string{"y"}, []string{"x"}, "w")
	if err != nil {
		t.Fatalf("SimpleMeta: %v", err)
	}
	if simple.TrainRows != out.TrainRows || simple.Metadata["x"] != out.Metadata["x"] {
		t.Fatalf("SimpleMeta=%+v want %+v", simple, out)
	}
}

func TestPrepareSplitsByValidationColumn(t *testing.T) {
	st := newStore(t)
	req := baseRequest(st, sampleFrame(8))
	req.ValidationCol = "is_val"
	out, err := NewStorePreparer(nil).Prepare(context.Background(), req)
	if err != nil {
		t.Fatalf("Prepare: %v", err)
	}
	if out.ValRows != 2 || out.TrainRows != 6 {
		t.Fatalf("unexpected split: %+v", out)
	}
}

func TestPrepareFailures(t *testing.T) {
	cases := []struct {
		name   string
		mutate func(*Request)
	}{
		{"missing column", func(r *Request) { r.FeatureCols = []string{"nope"} }},
		{"split out of range", func(r *Request) { r.ValidationSplit = 1 }},
		{"zero partitions", func(r *Request) { r.PartitionsPerProcess = 0 }},
		{"non boolean validation column", func(r *Request) { r.ValidationCol = "y" }},
		{"empty training set", func(r *Request) {
			rows := []domain.Row{{"x": 1.0, "y": 1.0, "v": true}}
			r.DataFrame = dataframe.FromRows(rows, 1)
			r.FeatureCols = []string{"x"}
			r.ValidationCol = "v"
		}},
		{"mixed column types", func(r *Request) {
			rows := []domain.Row{{"x": 1.0, "y": 1.0}, {"x": domain.DenseVector{Values: []float64{1}}, "y": 2.0}}
			r.DataFrame = dataframe.FromRows(rows, 1)
		}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			req := baseRequest(newStore(t), sampleFrame(6))
			tc.mutate(&req)
			_, err := NewStorePreparer(nil).Prepare(context.Background(), req)
			var prepErr *domain.DataPreparationError
			if !errors.As(err, &prepErr) {
				t.Fatalf("expected DataPreparationError, got %v", err)
			}
		})
	}
}

func TestSimpleMetaWithoutPreparedData(t *testing.T) {
	_, err := NewStorePreparer(nil).SimpleMeta(context.Background(), newStore(t), []string{"y"}, []string{"x"}, "")
	var prepErr *domain.DataPreparationError
	if !errors.As(err, &prepErr) || !errors.Is(err, store.ErrNotFound) {
		t.Fatalf("expected DataPreparationError wrapping ErrNotFound, got %v", err)
	}
}

func TestInferMetadataWidensNumbers(t *testing.T) {
	sparse, err := domain.NewSparseVector(5, []int{1, 3}, []float64{1, 2})
	if err != nil {
		t.Fatalf("NewSparseVector: %v", err)
	}
	rows := []domain.Row{
		{"n": int64(1), "s": sparse},
		{"n": 2.5, "s": sparse},
	}
	meta, err := InferMetadata(rows, []string{"n", "s"})
	if err != nil {
		t.Fatalf("InferMetadata: %v", err)
	}
	if meta["n"].Type != domain.ColumnFloat64 {
		t.Fatalf("n=%+v", meta["n"])
	}
	if s := meta["s"]; s.Type != domain.ColumnSparseVector || s.Shape != 5 || !s.IsSparse || s.MaxSize != 2 {
		t.Fatalf("s=%+v", s)
	}
}

func TestCheckShapeCompatibility(t *testing.T) {
	meta := domain.Metadata{
		"img": {Type: domain.ColumnDenseVector, Shape: 12},
		"y":   {Type: domain.ColumnFloat64, Shape: 1},
	}
	cases := []struct {
		name    string
		input   [][]int
		output  [][]int
		wantErr bool
	}{
		{name: "unchecked"},
		{name: "exact", input: [][]int{{3, 4}}, output: [][]int{{1}}},
		{name: "wildcard", input: [][]int{{-1, 4}}},
		{name: "wrong size", input: [][]int{{5}}, wantErr: true},
		{name: "wildcard mismatch", input: [][]int{{-1, 5}}, wantErr: true},
		{name: "two wildcards", input: [][]int{{-1, -1}}, wantErr: true},
		{name: "count mismatch", input: [][]int{{12}, {1}}, wantErr: true},
		{name: "bad output", output: [][]int{{2}}, wantErr: true},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			err := CheckShapeCompatibility(meta, []string{"img"}, []string{"y"}, tc.input, tc.output)
			if !tc.wantErr {
				if err != nil {
					t.Fatalf("unexpected error: %v", err)
				}
				return
			}
			var shapeErr *domain.IncompatibleShapeError
			if !errors.As(err, &shapeErr) {
				t.Fatalf("expected IncompatibleShapeError, got %v", err)
			}
		})
	}

	err := CheckShapeCompatibility(meta, []string{"missing"}, []string{"y"}, nil, nil)
	var shapeErr *domain.IncompatibleShapeError
	if !errors.As(err, &shapeErr) || shapeErr.Column != "missing" {
		t.Fatalf("expected missing metadata error, got %v", err)
	}
}

func TestResolve(t *testing.T) {
	got := Resolve([]int{-1, 4}, 12)
	if got[0] != 3 || got[1] != 4 {
		t.Fatalf("Resolve=%v", got)
	}
}
