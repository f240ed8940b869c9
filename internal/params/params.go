// Package params holds the estimator's run configuration: typed fields with
// defaults, per-field converters for the generic Set/Get surface, and the
// cross-field validation rules applied at construction and at fit time.
package params

import (
	"fmt"
	"sort"
	"strings"

	"github.com/animus-labs/animus-train/internal/backend"
	"github.com/animus-labs/animus-train/internal/domain"
	"github.com/animus-labs/animus-train/internal/numeric"
	"github.com/animus-labs/animus-train/internal/store"
)

const (
	DefaultBatchSize            = 32
	DefaultEpochs               = 1
	DefaultVerbose              = 1
	DefaultValidationSplit      = 0.0
	DefaultPartitionsPerProcess = 10
)

const (
	CompressionNone = "none"
	CompressionFP16 = "fp16"
)

// EstimatorParams is the run configuration of one estimator. It is owned by
// the estimator until fit and treated as immutable afterwards.
type EstimatorParams struct {
	NumProc *int
	Backend backend.Backend
	Store   store.Store

	Model     numeric.Model
	Optimizer numeric.Optimizer

	Loss             []string
	LossConstructors []string
	LossWeights      []float64
	Metrics          []string
	Callbacks        []string

	FeatureCols     []string
	LabelCols       []string
	SampleWeightCol string
	ValidationCol   string

	BatchSize            int
	Epochs               int
	ValidationSplit      float64
	ShuffleBufferSize    int
	Verbose              int
	PartitionsPerProcess int
	RunID                string
	InputShapes          [][]int
	OutputShapes         [][]int
	Compression          string
	StrictConsistency    bool
}

func New() *EstimatorParams {
	return &EstimatorParams{
		Metrics:              []string{},
		Callbacks:            []string{},
		BatchSize:            DefaultBatchSize,
		Epochs:               DefaultEpochs,
		Verbose:              DefaultVerbose,
		ValidationSplit:      DefaultValidationSplit,
		PartitionsPerProcess: DefaultPartitionsPerProcess,
		Compression:          CompressionNone,
	}
}

// Set assigns field through its converter.
func (p *EstimatorParams) Set(name string, value any) error {
	f, ok := fields[name]
	if !ok {
		return domain.NewConfigurationError(fmt.Sprintf("unknown parameter %q", name))
	}
	if err := f.set(p, value); err != nil {
		return &domain.ConfigurationError{Issues: []string{fmt.Sprintf("%s: %v", name, err)}, Err: err}
	}
	return nil
}

func (p *EstimatorParams) Get(name string) (any, error) {
	f, ok := fields[name]
	if !ok {
		return nil, domain.NewConfigurationError(fmt.Sprintf("unknown parameter %q", name))
	}
	return f.get(p), nil
}

// SetAll applies values in sorted key order and stops at the first failure.
func (p *EstimatorParams) SetAll(values map[string]any) error {
	keys := make([]string, 0, len(values))
	for k := range values {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		if err := p.Set(k, values[k]); err != nil {
			return err
		}
	}
	return nil
}

// Normalize trims list-valued fields and fills unset defaults.
func (p *EstimatorParams) Normalize() {
	p.Loss = compact(p.Loss)
	p.LossConstructors = compact(p.LossConstructors)
	p.Metrics = compact(p.Metrics)
	if p.Metrics == nil {
		p.Metrics = []string{}
	}
	if p.Callbacks == nil {
		p.Callbacks = []string{}
	}
	if strings.TrimSpace(p.Compression) == "" {
		p.Compression = CompressionNone
	}
	p.Compression = strings.ToLower(strings.TrimSpace(p.Compression))
}

// ValidateLoss rejects configurations that set both loss and loss constructors.
func (p *EstimatorParams) ValidateLoss() error {
	if len(p.Loss) > 0 && len(p.LossConstructors) > 0 {
		return domain.NewConfigurationError("loss and loss_constructors are mutually exclusive")
	}
	return nil
}

// ValidateProcesses requires exactly one of num_proc and backend.
func (p *EstimatorParams) ValidateProcesses() error {
	hasProc := p.NumProc != nil
	hasBackend := p.Backend != nil
	switch {
	case hasProc && hasBackend:
		return domain.NewConfigurationError("num_proc and backend are mutually exclusive; set exactly one")
	case !hasProc && !hasBackend:
		return domain.NewConfigurationError("one of num_proc or backend is required")
	}
	if hasProc && *p.NumProc < 1 {
		return domain.NewConfigurationError(fmt.Sprintf("num_proc must be positive, got %d", *p.NumProc))
	}
	return nil
}

// Validate checks the field-level constraints that do not depend on fit-time
// collaborators.
func (p *EstimatorParams) Validate() error {
	cfgErr := domain.NewConfigurationError()
	if err := p.ValidateLoss(); err != nil {
		cfgErr.Add(err.(*domain.ConfigurationError).Issues[0])
	}
	if p.BatchSize < 1 {
		cfgErr.Add(fmt.Sprintf("batch_size must be positive, got %d", p.BatchSize))
	}
	if p.Epochs < 0 {
		cfgErr.Add(fmt.Sprintf("epochs must be non-negative, got %d", p.Epochs))
	}
	if p.ValidationSplit < 0 || p.ValidationSplit >= 1 {
		cfgErr.Add(fmt.Sprintf("validation_split must be in [0,1), got %v", p.ValidationSplit))
	}
	if p.PartitionsPerProcess < 1 {
		cfgErr.Add(fmt.Sprintf("partitions_per_process must be positive, got %d", p.PartitionsPerProcess))
	}
	if p.ShuffleBufferSize < 0 {
		cfgErr.Add(fmt.Sprintf("shuffle_buffer_size must be non-negative, got %d", p.ShuffleBufferSize))
	}
	if len(p.LossWeights) > 0 && len(p.LabelCols) > 0 && len(p.LossWeights) != len(p.LabelCols) {
		cfgErr.Add(fmt.Sprintf("loss_weights has %d entries for %d label columns", len(p.LossWeights), len(p.LabelCols)))
	}
	switch p.Compression {
	case "", CompressionNone, CompressionFP16:
	default:
		cfgErr.Add(fmt.Sprintf("unknown gradient compression %q", p.Compression))
	}
	return cfgErr.OrNil()
}

// ShouldValidate reports whether a validation set is configured.
func (p *EstimatorParams) ShouldValidate() bool {
	return strings.TrimSpace(p.ValidationCol) != "" || p.ValidationSplit > 0
}

// Copy returns a deep copy with overrides applied. Model, optimizer, backend
// and store handles are shared.
func (p *EstimatorParams) Copy(overrides map[string]any) (*EstimatorParams, error) {
	out := *p
	out.NumProc = nil
	if p.NumProc != nil {
		n := *p.NumProc
		out.NumProc = &n
	}
	out.Loss = cloneStrings(p.Loss)
	out.LossConstructors = cloneStrings(p.LossConstructors)
	out.LossWeights = append([]float64(nil), p.LossWeights...)
	out.Metrics = cloneStrings(p.Metrics)
	out.Callbacks = cloneStrings(p.Callbacks)
	out.FeatureCols = cloneStrings(p.FeatureCols)
	out.LabelCols = cloneStrings(p.LabelCols)
	out.InputShapes = cloneShapes(p.InputShapes)
	out.OutputShapes = cloneShapes(p.OutputShapes)
	if err := out.SetAll(overrides); err != nil {
		return nil, err
	}
	return &out, nil
}

// FieldNames lists every settable field in sorted order.
func FieldNames() []string {
	out := make([]string, 0, len(fields))
	for k := range fields {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}

// EnvironmentBound reports whether name refers to a handle that must be
// re-supplied per run and is never persisted.
func EnvironmentBound(name string) bool {
	f, ok := fields[name]
	return ok && f.envBound
}

// Persistable returns every field value that may be persisted, keyed by name.
func (p *EstimatorParams) Persistable() map[string]any {
	out := make(map[string]any, len(fields))
	for name, f := range fields {
		if f.envBound {
			continue
		}
		out[name] = f.get(p)
	}
	return out
}

func compact(in []string) []string {
	if in == nil {
		return nil
	}
	out := make([]string, 0, len(in))
	for _, s := range in {
		if s = strings.TrimSpace(s); s != "" {
			out = append(out, s)
		}
	}
	if len(out) == 0 {
		return nil
	}
	return out
}

func cloneStrings(in []string) []string {
	if in == nil {
		return nil
	}
	return append([]string{}, in...)
}
