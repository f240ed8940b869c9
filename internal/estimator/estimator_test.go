package estimator

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"reflect"
	"testing"
	"time"

	"github.com/animus-labs/animus-train/internal/backend"
	"github.com/animus-labs/animus-train/internal/codec"
	"github.com/animus-labs/animus-train/internal/dataframe"
	"github.com/animus-labs/animus-train/internal/domain"
	"github.com/animus-labs/animus-train/internal/numeric"
	"github.com/animus-labs/animus-train/internal/params"
	"github.com/animus-labs/animus-train/internal/prepare"
	"github.com/animus-labs/animus-train/internal/store"
	"github.com/animus-labs/animus-train/internal/trainer"
)

type fakePreparer struct {
	prepared prepare.Prepared
	err      error
	calls    int
}

func (f *fakePreparer) Prepare(context.Context, prepare.Request) (prepare.Prepared, error) {
	f.calls++
	return f.prepared, f.err
}

func (f *fakePreparer) SimpleMeta(context.Context, store.Store, []string, []string, string) (prepare.Prepared, error) {
	f.calls++
	return f.prepared, f.err
}

type fakeBackend struct {
	n       int
	results []domain.RunResult
	err     error
	calls   int
	task    backend.Task
	args    backend.Args
	env     map[string]string
}

func (f *fakeBackend) NumProcesses() int { return f.n }

func (f *fakeBackend) Run(_ context.Context, task backend.Task, args backend.Args, env map[string]string) ([]domain.RunResult, error) {
	f.calls++
	f.task = task
	f.args = args
	f.env = env
	return f.results, f.err
}

func newStore(t *testing.T) *store.LocalStore {
	t.Helper()
	st, err := store.NewLocalStore(t.TempDir())
	if err != nil {
		t.Fatalf("NewLocalStore: %v", err)
	}
	return st
}

func newModel(t *testing.T) numeric.Model {
	t.Helper()
	m, err := numeric.NewMLP(numeric.MLPSpec{Inputs: []int{1}, Outputs: []int{1}}, numeric.NewBackend())
	if err != nil {
		t.Fatalf("NewMLP: %v", err)
	}
	return m
}

func encodeModel(t *testing.T, m numeric.Model) []byte {
	t.Helper()
	data, err := codec.Models.Encode(m)
	if err != nil {
		t.Fatalf("encode model: %v", err)
	}
	return data
}

func scalarPrepared() prepare.Prepared {
	return prepare.Prepared{
		TrainRows:  8,
		AvgRowSize: 24,
		Shards:     2,
		Metadata: domain.Metadata{
			"x": {Type: domain.ColumnFloat64, Shape: 1},
			"y": {Type: domain.ColumnFloat64, Shape: 1},
		},
	}
}

func baseParams(st store.Store, m numeric.Model, b backend.Backend) *params.EstimatorParams {
	p := params.New()
	p.Store = st
	p.Model = m
	p.Backend = b
	p.FeatureCols = []string{"x"}
	p.LabelCols = []string{"y"}
	p.Loss = []string{"mse"}
	p.Verbose = 0
	return p
}

func results(t *testing.T, m numeric.Model, histories ...domain.History) []domain.RunResult {
	t.Helper()
	data := encodeModel(t, m)
	out := make([]domain.RunResult, len(histories))
	for i, h := range histories {
		out[i] = domain.RunResult{Rank: i, History: h, Model: data}
	}
	return out
}

func linearFrame(n int) *dataframe.DataFrame {
	rows := make([]domain.Row, n)
	for i := range rows {
		x := float64(i)/float64(n) - 0.5
		rows[i] = domain.Row{"x": x, "y": 2*x + 1}
	}
	return dataframe.FromRows(rows, 3)
}

func TestFitWithoutModelFailsBeforePreparation(t *testing.T) {
	prep := &fakePreparer{prepared: scalarPrepared()}
	fb := &fakeBackend{n: 1}
	var states []State
	est, err := New(baseParams(newStore(t), nil, fb), WithPreparer(prep), OnTransition(func(_, to State) {
		states = append(states, to)
	}))
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	_, err = est.Fit(context.Background(), linearFrame(8))
	var cfgErr *domain.ConfigurationError
	if !errors.As(err, &cfgErr) {
		t.Fatalf("expected ConfigurationError, got %v", err)
	}
	if !errors.Is(err, domain.ErrModelRequired) {
		t.Fatalf("expected ErrModelRequired, got %v", err)
	}
	if prep.calls != 0 || fb.calls != 0 {
		t.Fatalf("collaborators invoked: preparer=%d backend=%d", prep.calls, fb.calls)
	}
	if !reflect.DeepEqual(states, []State{StateFailed}) {
		t.Fatalf("unexpected transitions %v", states)
	}
}

func TestFitRequiresExactlyOneOfNumProcAndBackend(t *testing.T) {
	two := 2
	cases := map[string]func(p *params.EstimatorParams){
		"both": func(p *params.EstimatorParams) {
			p.NumProc = &two
		},
		"neither": func(p *params.EstimatorParams) {
			p.Backend = nil
		},
	}
	for name, mutate := range cases {
		t.Run(name, func(t *testing.T) {
			prep := &fakePreparer{prepared: scalarPrepared()}
			p := baseParams(newStore(t), newModel(t), &fakeBackend{n: 1})
			mutate(p)
			est, err := New(p, WithPreparer(prep))
			if err != nil {
				t.Fatalf("New: %v", err)
			}
			_, err = est.Fit(context.Background(), linearFrame(8))
			var cfgErr *domain.ConfigurationError
			if !errors.As(err, &cfgErr) {
				t.Fatalf("expected ConfigurationError, got %v", err)
			}
			if prep.calls != 0 {
				t.Fatalf("preparer invoked %d times", prep.calls)
			}
		})
	}
}

func TestLossAndLossConstructorsAreExclusive(t *testing.T) {
	p := baseParams(newStore(t), newModel(t), &fakeBackend{n: 1})
	p.LossConstructors = []string{"huber:1.0"}
	_, err := New(p)
	var cfgErr *domain.ConfigurationError
	if !errors.As(err, &cfgErr) {
		t.Fatalf("expected ConfigurationError, got %v", err)
	}

	est, err := New(baseParams(newStore(t), newModel(t), &fakeBackend{n: 1}))
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if err := est.Set(params.FieldLoss, "mae"); err != nil {
		t.Fatalf("Set loss: %v", err)
	}
	got, err := est.Get(params.FieldLoss)
	if err != nil {
		t.Fatalf("Get loss: %v", err)
	}
	if !reflect.DeepEqual(got, []string{"mae"}) {
		t.Fatalf("expected [mae], got %#v", got)
	}
}

func TestCanonicalResultIsRankZero(t *testing.T) {
	m := newModel(t)
	fb := &fakeBackend{n: 3, results: results(t, m,
		domain.History{"train_loss": {0.9, 0.5}},
		domain.History{"train_loss": {0.8, 0.4}},
		domain.History{"train_loss": {0.7, 0.3}},
	)}
	var states []State
	est, err := New(baseParams(newStore(t), m, fb),
		WithPreparer(&fakePreparer{prepared: scalarPrepared()}),
		OnTransition(func(_, to State) { states = append(states, to) }),
	)
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	model, err := est.Fit(context.Background(), linearFrame(8))
	if err != nil {
		t.Fatalf("Fit: %v", err)
	}
	if !reflect.DeepEqual(model.History(), fb.results[0].History) {
		t.Fatalf("history %v, want %v", model.History(), fb.results[0].History)
	}
	if !numeric.EqualModels(model.Model(), m) {
		t.Fatal("built model differs from rank 0 model")
	}
	if len(fb.env) != 0 {
		t.Fatalf("expected empty env, got %v", fb.env)
	}
	if fb.args.TrainRows != 8 || fb.args.Shards != 2 || !bytes.Equal(fb.args.Model, encodeModel(t, m)) {
		t.Fatalf("unexpected args %+v", fb.args)
	}
	want := []State{StateBackendResolved, StateDataPrepared, StateCheckpointResolved, StateDispatched, StateModelBuilt}
	if !reflect.DeepEqual(states, want) {
		t.Fatalf("transitions %v, want %v", states, want)
	}
	if got := model.OutputCols(); !reflect.DeepEqual(got, []string{"y__output"}) {
		t.Fatalf("unexpected output cols %v", got)
	}
}

func TestDivergedResults(t *testing.T) {
	m := newModel(t)
	newBackend := func() *fakeBackend {
		res := results(t, m, domain.History{}, domain.History{})
		res[1].Model = []byte("diverged")
		return &fakeBackend{n: 2, results: res}
	}

	est, err := New(baseParams(newStore(t), m, newBackend()), WithPreparer(&fakePreparer{prepared: scalarPrepared()}))
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if _, err := est.Fit(context.Background(), linearFrame(8)); err != nil {
		t.Fatalf("lenient fit should only warn: %v", err)
	}

	p := baseParams(newStore(t), m, newBackend())
	p.StrictConsistency = true
	est, err = New(p, WithPreparer(&fakePreparer{prepared: scalarPrepared()}))
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	_, err = est.Fit(context.Background(), linearFrame(8))
	var execErr *domain.BackendExecutionError
	if !errors.As(err, &execErr) || execErr.Rank != 1 {
		t.Fatalf("expected BackendExecutionError on rank 1, got %v", err)
	}
}

func TestFitWithNoResults(t *testing.T) {
	est, err := New(baseParams(newStore(t), newModel(t), &fakeBackend{n: 1}),
		WithPreparer(&fakePreparer{prepared: scalarPrepared()}))
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	_, err = est.Fit(context.Background(), linearFrame(8))
	var execErr *domain.BackendExecutionError
	if !errors.As(err, &execErr) {
		t.Fatalf("expected BackendExecutionError, got %v", err)
	}
}

func TestFitResumesFromCheckpoint(t *testing.T) {
	st := newStore(t)
	m := newModel(t)
	opt, err := numeric.NewOptimizer(numeric.OptimizerSpec{Kind: numeric.KindSGD, LR: 0.05}, m)
	if err != nil {
		t.Fatalf("NewOptimizer: %v", err)
	}
	cp, err := codec.Checkpoints.Encode(&codec.Checkpoint{
		Epoch:     1,
		History:   domain.History{"train_loss": {0.5}},
		Model:     m,
		Optimizer: opt,
	})
	if err != nil {
		t.Fatalf("encode checkpoint: %v", err)
	}
	path, ok := st.CheckpointPath("R1")
	if !ok {
		t.Fatal("expected checkpoint path")
	}
	if err := st.Write(context.Background(), path, cp); err != nil {
		t.Fatalf("write checkpoint: %v", err)
	}

	fb := &fakeBackend{n: 1, results: results(t, m, domain.History{"train_loss": {0.5, 0.4}})}
	p := baseParams(st, m, fb)
	p.RunID = "R1"
	est, err := New(p, WithPreparer(&fakePreparer{prepared: scalarPrepared()}))
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	model, err := est.Fit(context.Background(), linearFrame(8))
	var prepErr *domain.DataPreparationError
	if errors.As(err, &prepErr) {
		t.Fatalf("checkpoint caused data preparation error: %v", err)
	}
	if err != nil {
		t.Fatalf("Fit: %v", err)
	}
	task, ok := fb.task.(*trainer.RemoteTrainer)
	if !ok {
		t.Fatalf("unexpected task type %T", fb.task)
	}
	if task.RunID() != "R1" || !bytes.Equal(task.Checkpoint, cp) {
		t.Fatal("checkpoint was not handed to the task")
	}
	if model.RunID() != "R1" {
		t.Fatalf("unexpected run id %q", model.RunID())
	}
}

func TestFitRejectsUnreadableCheckpoint(t *testing.T) {
	st := newStore(t)
	path, _ := st.CheckpointPath("R1")
	if err := st.Write(context.Background(), path, []byte("not a checkpoint")); err != nil {
		t.Fatalf("write checkpoint: %v", err)
	}
	fb := &fakeBackend{n: 1}
	p := baseParams(st, newModel(t), fb)
	p.RunID = "R1"
	est, err := New(p, WithPreparer(&fakePreparer{prepared: scalarPrepared()}))
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	_, err = est.Fit(context.Background(), linearFrame(8))
	var cpErr *domain.CheckpointReadError
	if !errors.As(err, &cpErr) || cpErr.Path != path {
		t.Fatalf("expected CheckpointReadError for %s, got %v", path, err)
	}
	if fb.calls != 0 {
		t.Fatal("backend ran despite unreadable checkpoint")
	}
}

func TestFitRejectsIncompatibleShapes(t *testing.T) {
	prepared := scalarPrepared()
	prepared.Metadata["x"] = domain.ColumnMetadata{Type: domain.ColumnDenseVector, Shape: 3}
	fb := &fakeBackend{n: 1}
	est, err := New(baseParams(newStore(t), newModel(t), fb), WithPreparer(&fakePreparer{prepared: prepared}))
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	_, err = est.Fit(context.Background(), linearFrame(8))
	var shapeErr *domain.IncompatibleShapeError
	if !errors.As(err, &shapeErr) {
		t.Fatalf("expected IncompatibleShapeError, got %v", err)
	}
	if fb.calls != 0 {
		t.Fatal("backend ran despite shape mismatch")
	}
}

func TestDefaultRunID(t *testing.T) {
	m := newModel(t)
	fb := &fakeBackend{n: 1, results: results(t, m, domain.History{})}
	est, err := New(baseParams(newStore(t), m, fb),
		WithPreparer(&fakePreparer{prepared: scalarPrepared()}),
		WithClock(func() time.Time { return time.Unix(1700000000, 0) }),
	)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	model, err := est.Fit(context.Background(), linearFrame(8))
	if err != nil {
		t.Fatalf("Fit: %v", err)
	}
	if model.RunID() != "born_1700000000" {
		t.Fatalf("unexpected run id %q", model.RunID())
	}
}

func TestFitOnParquetUsesPreparedMetadata(t *testing.T) {
	m := newModel(t)
	prep := &fakePreparer{prepared: scalarPrepared()}
	fb := &fakeBackend{n: 1, results: results(t, m, domain.History{})}
	est, err := New(baseParams(newStore(t), m, fb), WithPreparer(prep))
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	model, err := est.FitOnParquet(context.Background(), map[string]any{params.FieldRunID: "parquet-run"})
	if err != nil {
		t.Fatalf("FitOnParquet: %v", err)
	}
	if prep.calls != 1 || model.RunID() != "parquet-run" {
		t.Fatalf("calls=%d run=%q", prep.calls, model.RunID())
	}
	if est.Params().RunID != "" {
		t.Fatal("overrides leaked into the estimator params")
	}
}

func TestFitEndToEnd(t *testing.T) {
	st := newStore(t)
	m := newModel(t)
	opt, err := numeric.NewOptimizer(numeric.OptimizerSpec{Kind: numeric.KindSGD, LR: 0.1}, m)
	if err != nil {
		t.Fatalf("NewOptimizer: %v", err)
	}
	two := 2
	p := baseParams(st, m, nil)
	p.NumProc = &two
	p.Optimizer = opt
	p.Epochs = 3
	p.BatchSize = 4
	p.PartitionsPerProcess = 2
	p.RunID = "e2e"
	est, err := New(p)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	df := linearFrame(32)
	model, err := est.Fit(context.Background(), df)
	if err != nil {
		t.Fatalf("Fit: %v", err)
	}
	if got := len(model.History()["train_loss"]); got != 3 {
		t.Fatalf("expected 3 epochs of train_loss, got %d", got)
	}

	path, _ := st.CheckpointPath("e2e")
	data, err := st.Read(context.Background(), path)
	if err != nil {
		t.Fatalf("read checkpoint: %v", err)
	}
	cp, err := codec.Checkpoints.Decode(data)
	if err != nil {
		t.Fatalf("decode checkpoint: %v", err)
	}
	if !numeric.EqualModels(cp.Model, model.Model()) {
		t.Fatal("final checkpoint differs from the trained model")
	}
	again, err := codec.Models.Decode(encodeModel(t, cp.Model))
	if err != nil {
		t.Fatalf("re-decode: %v", err)
	}
	if !numeric.EqualModels(again, cp.Model) {
		t.Fatal("model changed across encode/decode after checkpoint load")
	}

	out, err := model.Transform(context.Background(), df)
	if err != nil {
		t.Fatalf("Transform: %v", err)
	}
	for _, row := range out.Rows() {
		if _, ok := row["y__output"].(float64); !ok {
			t.Fatalf("missing float output in %v", row)
		}
		if _, ok := row["x"]; !ok {
			t.Fatalf("input column dropped: %v", row)
		}
	}
}

func TestEstimatorMetadataRoundTrip(t *testing.T) {
	st := newStore(t)
	m := newModel(t)
	opt, err := numeric.NewOptimizer(numeric.OptimizerSpec{Kind: numeric.KindAdam, LR: 0.01}, m)
	if err != nil {
		t.Fatalf("NewOptimizer: %v", err)
	}
	two := 2
	p := baseParams(st, m, nil)
	p.NumProc = &two
	p.Optimizer = opt
	p.BatchSize = 16
	p.Metrics = []string{"mae"}
	p.InputShapes = [][]int{{1}}
	est, err := New(p)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	data, err := est.MarshalMetadata()
	if err != nil {
		t.Fatalf("MarshalMetadata: %v", err)
	}

	var rec Record
	if err := json.Unmarshal(data, &rec); err != nil {
		t.Fatalf("unmarshal record: %v", err)
	}
	if rec.Class != ClassEstimator || rec.UID != est.UID() {
		t.Fatalf("unexpected record header %+v", rec)
	}
	for _, name := range []string{params.FieldBackend, params.FieldStore} {
		if v, ok := rec.Params[name]; !ok || v != nil {
			t.Fatalf("%s must be persisted as null", name)
		}
	}

	loaded, err := LoadEstimator(data, nil, st)
	if err != nil {
		t.Fatalf("LoadEstimator: %v", err)
	}
	lp := loaded.Params()
	if lp.NumProc == nil || *lp.NumProc != 2 || lp.BatchSize != 16 || lp.Store != st {
		t.Fatalf("unexpected params %+v", lp)
	}
	if !reflect.DeepEqual(lp.Metrics, []string{"mae"}) || !reflect.DeepEqual(lp.InputShapes, [][]int{{1}}) {
		t.Fatalf("lists not restored: %v %v", lp.Metrics, lp.InputShapes)
	}
	if !numeric.EqualModels(lp.Model, m) || !numeric.EqualOptimizers(lp.Optimizer, opt) {
		t.Fatal("model or optimizer not restored")
	}
	if loaded.UID() != est.UID() {
		t.Fatalf("uid %q, want %q", loaded.UID(), est.UID())
	}

	fb := &fakeBackend{n: 4}
	withBackend, err := LoadEstimator(data, fb, st)
	if err != nil {
		t.Fatalf("LoadEstimator with backend: %v", err)
	}
	if withBackend.Params().NumProc != nil || withBackend.Params().Backend != fb {
		t.Fatal("supplied backend must replace num_proc")
	}

	if _, err := LoadEstimator([]byte(`{"class":"other"}`), nil, st); err == nil {
		t.Fatal("expected class mismatch error")
	}
}

func TestModelMetadataRoundTripAndCopy(t *testing.T) {
	m := newModel(t)
	opt, err := numeric.NewOptimizer(numeric.OptimizerSpec{Kind: numeric.KindSGD, LR: 0.2, Momentum: 0.9}, m)
	if err != nil {
		t.Fatalf("NewOptimizer: %v", err)
	}
	model := NewModel(ModelConfig{
		History:     domain.History{"train_loss": {0.3, 0.2}},
		Model:       m,
		Optimizer:   opt,
		FeatureCols: []string{"x"},
		LabelCols:   []string{"y"},
		RunID:       "R9",
		Metadata:    scalarPrepared().Metadata,
	})
	data, err := model.MarshalMetadata()
	if err != nil {
		t.Fatalf("MarshalMetadata: %v", err)
	}
	loaded, err := LoadModel(data, nil)
	if err != nil {
		t.Fatalf("LoadModel: %v", err)
	}
	if loaded.UID() != model.UID() || loaded.RunID() != "R9" {
		t.Fatalf("unexpected identity %s %s", loaded.UID(), loaded.RunID())
	}
	if !reflect.DeepEqual(loaded.History(), model.History()) || !reflect.DeepEqual(loaded.OutputCols(), []string{"y__output"}) {
		t.Fatal("bookkeeping not restored")
	}
	if !reflect.DeepEqual(loaded.Metadata(), model.Metadata()) {
		t.Fatalf("metadata %v, want %v", loaded.Metadata(), model.Metadata())
	}
	if !numeric.EqualModels(loaded.Model(), m) {
		t.Fatal("model not restored")
	}
	restoredOpt, err := loaded.Optimizer()
	if err != nil {
		t.Fatalf("Optimizer: %v", err)
	}
	if !numeric.EqualOptimizers(restoredOpt, opt) {
		t.Fatal("optimizer not restored")
	}

	copied, err := model.Copy(map[string]any{"run_id": "R10"})
	if err != nil {
		t.Fatalf("Copy: %v", err)
	}
	if copied.RunID() != "R10" || model.RunID() != "R9" {
		t.Fatalf("copy run ids %q %q", copied.RunID(), model.RunID())
	}
	if _, err := model.Copy(map[string]any{"bogus": 1}); err == nil {
		t.Fatal("expected unknown field error")
	}
	if _, err := model.Copy(map[string]any{"run_id": 7}); err == nil {
		t.Fatal("expected type error")
	}
}

func TestModelCopyOwnsInputShapes(t *testing.T) {
	model := NewModel(ModelConfig{
		Model:       newModel(t),
		FeatureCols: []string{"x"},
		InputShapes: [][]int{{1}},
		LabelCols:   []string{"y"},
		RunID:       "R11",
		Metadata:    scalarPrepared().Metadata,
	})

	copied, err := model.Copy(nil)
	if err != nil {
		t.Fatalf("Copy: %v", err)
	}
	copied.cfg.InputShapes[0][0] = 9
	if got := model.InputShapes(); !reflect.DeepEqual(got, [][]int{{1}}) {
		t.Fatalf("copy shares input shapes with the source: %v", got)
	}

	override := [][]int{{-1, 1}}
	reshaped, err := model.Copy(map[string]any{"input_shapes": override})
	if err != nil {
		t.Fatalf("Copy input_shapes: %v", err)
	}
	override[0][0] = 5
	if got := reshaped.InputShapes(); !reflect.DeepEqual(got, [][]int{{-1, 1}}) {
		t.Fatalf("input_shapes override not applied: %v", got)
	}
	if _, err := model.Copy(map[string]any{"input_shapes": []int{1}}); err == nil {
		t.Fatal("expected type error for input_shapes")
	}
}
