package params

import (
	"encoding/json"
	"errors"
	"reflect"
	"testing"

	"github.com/animus-labs/animus-train/internal/backend"
	"github.com/animus-labs/animus-train/internal/domain"
	"github.com/animus-labs/animus-train/internal/store"
)

func intPtr(n int) *int { return &n }

func TestNewAppliesDefaults(t *testing.T) {
	p := New()
	if p.BatchSize != 32 || p.Epochs != 1 || p.Verbose != 1 || p.ValidationSplit != 0 || p.PartitionsPerProcess != 10 {
		t.Fatalf("unexpected defaults: %+v", p)
	}
	if p.Metrics == nil || len(p.Metrics) != 0 || p.Callbacks == nil || len(p.Callbacks) != 0 {
		t.Fatalf("metrics and callbacks should default to empty lists")
	}
	if p.Compression != CompressionNone {
		t.Fatalf("compression=%q", p.Compression)
	}
	if err := p.Validate(); err != nil {
		t.Fatalf("defaults should validate: %v", err)
	}
}

func TestValidateProcessesRequiresExactlyOne(t *testing.T) {
	local, err := backend.NewLocalBackend(2, nil)
	if err != nil {
		t.Fatalf("NewLocalBackend: %v", err)
	}
	cases := []struct {
		name    string
		numProc *int
		backend backend.Backend
		wantErr bool
	}{
		{name: "neither", wantErr: true},
		{name: "both", numProc: intPtr(2), backend: local, wantErr: true},
		{name: "num_proc only", numProc: intPtr(2)},
		{name: "backend only", backend: local},
		{name: "zero num_proc", numProc: intPtr(0), wantErr: true},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			p := New()
			p.NumProc = tc.numProc
			p.Backend = tc.backend
			err := p.ValidateProcesses()
			if !tc.wantErr {
				if err != nil {
					t.Fatalf("unexpected error: %v", err)
				}
				return
			}
			var cfgErr *domain.ConfigurationError
			if !errors.As(err, &cfgErr) {
				t.Fatalf("expected ConfigurationError, got %v", err)
			}
		})
	}
}

func TestLossAndLossConstructorsAreExclusive(t *testing.T) {
	p := New()
	if err := p.Set(FieldLoss, "mse"); err != nil {
		t.Fatalf("set loss: %v", err)
	}
	if err := p.Set(FieldLossConstructors, []any{"huber:1.0"}); err != nil {
		t.Fatalf("set loss constructors: %v", err)
	}
	var cfgErr *domain.ConfigurationError
	if err := p.ValidateLoss(); !errors.As(err, &cfgErr) {
		t.Fatalf("expected ConfigurationError, got %v", err)
	}
	if err := p.Validate(); !errors.As(err, &cfgErr) {
		t.Fatalf("Validate should report loss exclusivity, got %v", err)
	}
}

func TestScalarLossNormalizesToList(t *testing.T) {
	p := New()
	if err := p.Set(FieldLoss, "mse"); err != nil {
		t.Fatalf("set loss: %v", err)
	}
	got, err := p.Get(FieldLoss)
	if err != nil {
		t.Fatalf("get loss: %v", err)
	}
	if !reflect.DeepEqual(got, []string{"mse"}) {
		t.Fatalf("loss=%#v want [mse]", got)
	}

	p.LossConstructors = []string{" ", ""}
	p.Normalize()
	if p.LossConstructors != nil {
		t.Fatalf("blank constructors should normalize away, got %#v", p.LossConstructors)
	}
	if err := p.ValidateLoss(); err != nil {
		t.Fatalf("ValidateLoss: %v", err)
	}
}

func TestSetConvertsValues(t *testing.T) {
	p := New()
	err := p.SetAll(map[string]any{
		FieldNumProc:           float64(4),
		FieldBatchSize:         "64",
		FieldEpochs:            int64(3),
		FieldValidationSplit:   "0.25",
		FieldLossWeights:       []any{1, 0.5},
		FieldFeatureCols:       []any{"x1", "x2"},
		FieldLabelCols:         "y",
		FieldInputShapes:       []any{[]any{2}, []any{1, 3}},
		FieldStrictConsistency: "true",
	})
	if err != nil {
		t.Fatalf("SetAll: %v", err)
	}
	if *p.NumProc != 4 || p.BatchSize != 64 || p.Epochs != 3 || p.ValidationSplit != 0.25 {
		t.Fatalf("unexpected scalars: %+v", p)
	}
	if !reflect.DeepEqual(p.LossWeights, []float64{1, 0.5}) {
		t.Fatalf("loss weights=%v", p.LossWeights)
	}
	if !reflect.DeepEqual(p.LabelCols, []string{"y"}) || !reflect.DeepEqual(p.FeatureCols, []string{"x1", "x2"}) {
		t.Fatalf("columns: features=%v labels=%v", p.FeatureCols, p.LabelCols)
	}
	if !reflect.DeepEqual(p.InputShapes, [][]int{{2}, {1, 3}}) {
		t.Fatalf("input shapes=%v", p.InputShapes)
	}
	if !p.StrictConsistency {
		t.Fatalf("strict consistency not set")
	}
}

func TestSetWeaklyTypedValues(t *testing.T) {
	p := New()
	err := p.SetAll(map[string]any{
		FieldNumProc:      json.Number("3"),
		FieldBatchSize:    " 16 ",
		FieldEpochs:       float32(2),
		FieldLossWeights:  json.Number("0.5"),
		FieldMetrics:      []any{" mae ", "mse"},
		FieldRunID:        json.Number("42"),
		FieldLoss:         "  ",
		FieldOutputShapes: []int{-1, 2},
		FieldInputShapes:  []any{json.Number("4")},
		FieldValidation:   nil,
	})
	if err != nil {
		t.Fatalf("SetAll: %v", err)
	}
	if *p.NumProc != 3 || p.BatchSize != 16 || p.Epochs != 2 || p.RunID != "42" {
		t.Fatalf("unexpected scalars: num_proc=%d batch=%d epochs=%d run_id=%q", *p.NumProc, p.BatchSize, p.Epochs, p.RunID)
	}
	if !reflect.DeepEqual(p.LossWeights, []float64{0.5}) || !reflect.DeepEqual(p.Metrics, []string{"mae", "mse"}) {
		t.Fatalf("lists: weights=%v metrics=%v", p.LossWeights, p.Metrics)
	}
	if p.Loss != nil {
		t.Fatalf("blank loss should clear the list, got %#v", p.Loss)
	}
	if !reflect.DeepEqual(p.OutputShapes, [][]int{{-1, 2}}) || !reflect.DeepEqual(p.InputShapes, [][]int{{4}}) {
		t.Fatalf("shapes: input=%v output=%v", p.InputShapes, p.OutputShapes)
	}

	for _, value := range []any{json.Number("2.5"), float32(0.5), nil, "3.0"} {
		if err := New().Set(FieldEpochs, value); err == nil {
			t.Fatalf("Set(epochs, %#v) should fail", value)
		}
	}
}

func TestSetRejectsBadValues(t *testing.T) {
	cases := []struct {
		field string
		value any
	}{
		{FieldBatchSize, 1.5},
		{FieldEpochs, "many"},
		{FieldValidationSplit, []int{1}},
		{FieldBackend, "local"},
		{FieldStore, 42},
		{FieldModel, "mlp"},
		{"no_such_field", 1},
	}
	for _, tc := range cases {
		p := New()
		err := p.Set(tc.field, tc.value)
		var cfgErr *domain.ConfigurationError
		if !errors.As(err, &cfgErr) {
			t.Fatalf("Set(%s, %#v): expected ConfigurationError, got %v", tc.field, tc.value, err)
		}
	}
	if _, err := New().Get("no_such_field"); err == nil {
		t.Fatalf("Get on unknown field should fail")
	}
}

func TestValidateAggregatesIssues(t *testing.T) {
	p := New()
	p.BatchSize = 0
	p.ValidationSplit = 1
	p.Compression = "int8"
	err := p.Validate()
	var cfgErr *domain.ConfigurationError
	if !errors.As(err, &cfgErr) {
		t.Fatalf("expected ConfigurationError, got %v", err)
	}
	if len(cfgErr.Issues) != 3 {
		t.Fatalf("issues=%v want 3", cfgErr.Issues)
	}
}

func TestShouldValidate(t *testing.T) {
	p := New()
	if p.ShouldValidate() {
		t.Fatalf("no validation configured")
	}
	p.ValidationSplit = 0.2
	if !p.ShouldValidate() {
		t.Fatalf("split should enable validation")
	}
	p.ValidationSplit = 0
	p.ValidationCol = "is_val"
	if !p.ShouldValidate() {
		t.Fatalf("validation column should enable validation")
	}
}

func TestCopyIsDeepAndAppliesOverrides(t *testing.T) {
	p := New()
	p.NumProc = intPtr(2)
	p.FeatureCols = []string{"x"}
	p.InputShapes = [][]int{{1}}

	cp, err := p.Copy(map[string]any{FieldEpochs: 5})
	if err != nil {
		t.Fatalf("Copy: %v", err)
	}
	if cp.Epochs != 5 || p.Epochs != 1 {
		t.Fatalf("override leaked: copy=%d original=%d", cp.Epochs, p.Epochs)
	}
	*cp.NumProc = 8
	cp.FeatureCols[0] = "z"
	cp.InputShapes[0][0] = 9
	if *p.NumProc != 2 || p.FeatureCols[0] != "x" || p.InputShapes[0][0] != 1 {
		t.Fatalf("copy shares state with original: %+v", p)
	}

	if _, err := p.Copy(map[string]any{"bogus": 1}); err == nil {
		t.Fatalf("unknown override should fail")
	}
}

func TestPersistableExcludesEnvironmentBoundHandles(t *testing.T) {
	st, err := store.NewLocalStore(t.TempDir())
	if err != nil {
		t.Fatalf("NewLocalStore: %v", err)
	}
	p := New()
	p.Store = st
	values := p.Persistable()
	for _, name := range []string{FieldBackend, FieldStore} {
		if _, ok := values[name]; ok {
			t.Fatalf("%s must not be persisted", name)
		}
		if !EnvironmentBound(name) {
			t.Fatalf("%s should be environment bound", name)
		}
	}
	if EnvironmentBound(FieldModel) {
		t.Fatalf("model is persisted")
	}
	if len(values) != len(FieldNames())-2 {
		t.Fatalf("persistable=%d fields=%d", len(values), len(FieldNames()))
	}
}
