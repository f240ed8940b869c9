// Package jobspec parses the YAML job files accepted by trainctl fit.
package jobspec

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/animus-labs/animus-train/internal/backend"
	"github.com/animus-labs/animus-train/internal/numeric"
	"github.com/animus-labs/animus-train/internal/params"
	"github.com/animus-labs/animus-train/internal/store"
)

const SchemaV1 = "animus.train.job.v1"

type Spec struct {
	Schema    string        `json:"schema" yaml:"schema"`
	RunID     string        `json:"run_id,omitempty" yaml:"run_id,omitempty"`
	Data      Data          `json:"data" yaml:"data"`
	Model     Model         `json:"model" yaml:"model"`
	Optimizer *Optimizer    `json:"optimizer,omitempty" yaml:"optimizer,omitempty"`
	Training  Training      `json:"training" yaml:"training"`
	Backend   BackendTarget `json:"backend" yaml:"backend"`
	Store     StoreTarget   `json:"store" yaml:"store"`
	Output    Output        `json:"output" yaml:"output"`
}

type Data struct {
	Path            string   `json:"path" yaml:"path"`
	Partitions      int      `json:"partitions,omitempty" yaml:"partitions,omitempty"`
	FeatureCols     []string `json:"feature_cols" yaml:"feature_cols"`
	LabelCols       []string `json:"label_cols" yaml:"label_cols"`
	SampleWeightCol string   `json:"sample_weight_col,omitempty" yaml:"sample_weight_col,omitempty"`
	ValidationCol   string   `json:"validation_col,omitempty" yaml:"validation_col,omitempty"`
	ValidationSplit float64  `json:"validation_split,omitempty" yaml:"validation_split,omitempty"`
}

type Model struct {
	Kind string         `json:"kind" yaml:"kind"`
	Spec map[string]any `json:"spec" yaml:"spec"`
}

type Optimizer struct {
	Kind     string     `json:"kind" yaml:"kind"`
	LR       float32    `json:"lr" yaml:"lr"`
	Momentum float32    `json:"momentum,omitempty" yaml:"momentum,omitempty"`
	Betas    [2]float32 `json:"betas,omitempty" yaml:"betas,omitempty"`
	Eps      float32    `json:"eps,omitempty" yaml:"eps,omitempty"`
}

// Training mirrors the estimator parameters. Zero values keep the defaults.
type Training struct {
	Loss                 StringList `json:"loss,omitempty" yaml:"loss,omitempty"`
	LossConstructors     StringList `json:"loss_constructors,omitempty" yaml:"loss_constructors,omitempty"`
	LossWeights          []float64  `json:"loss_weights,omitempty" yaml:"loss_weights,omitempty"`
	Metrics              []string   `json:"metrics,omitempty" yaml:"metrics,omitempty"`
	Callbacks            []string   `json:"callbacks,omitempty" yaml:"callbacks,omitempty"`
	BatchSize            int        `json:"batch_size,omitempty" yaml:"batch_size,omitempty"`
	Epochs               int        `json:"epochs,omitempty" yaml:"epochs,omitempty"`
	ShuffleBufferSize    int        `json:"shuffle_buffer_size,omitempty" yaml:"shuffle_buffer_size,omitempty"`
	Verbose              *int       `json:"verbose,omitempty" yaml:"verbose,omitempty"`
	PartitionsPerProcess int        `json:"partitions_per_process,omitempty" yaml:"partitions_per_process,omitempty"`
	InputShapes          [][]int    `json:"input_shapes,omitempty" yaml:"input_shapes,omitempty"`
	OutputShapes         [][]int    `json:"output_shapes,omitempty" yaml:"output_shapes,omitempty"`
	Compression          string     `json:"gradient_compression,omitempty" yaml:"gradient_compression,omitempty"`
	StrictConsistency    bool       `json:"strict_consistency,omitempty" yaml:"strict_consistency,omitempty"`
}

type BackendTarget struct {
	Kind    string `json:"kind,omitempty" yaml:"kind,omitempty"`
	NumProc int    `json:"num_proc" yaml:"num_proc"`
	Image   string `json:"image,omitempty" yaml:"image,omitempty"`
}

type StoreTarget struct {
	Kind string `json:"kind,omitempty" yaml:"kind,omitempty"`
	Dir  string `json:"dir,omitempty" yaml:"dir,omitempty"`
}

type Output struct {
	ModelPath string `json:"model_path" yaml:"model_path"`
}

// StringList accepts either a YAML sequence or a single scalar.
type StringList []string

func (l *StringList) UnmarshalYAML(node *yaml.Node) error {
	if node.Kind == yaml.ScalarNode {
		if node.Tag == "!!null" {
			*l = nil
			return nil
		}
		*l = StringList{node.Value}
		return nil
	}
	var values []string
	if err := node.Decode(&values); err != nil {
		return err
	}
	*l = values
	return nil
}

func Parse(input []byte) (Spec, error) {
	var spec Spec
	if err := yaml.Unmarshal(input, &spec); err != nil {
		return Spec{}, fmt.Errorf("decode job spec: %w", err)
	}
	spec.normalize()
	if err := spec.Validate(); err != nil {
		return Spec{}, err
	}
	return spec, nil
}

func (s *Spec) normalize() {
	s.Backend.Kind = strings.ToLower(strings.TrimSpace(s.Backend.Kind))
	if s.Backend.Kind == "" {
		s.Backend.Kind = backend.KindLocal
	}
	s.Store.Kind = strings.ToLower(strings.TrimSpace(s.Store.Kind))
	if s.Store.Kind == "" {
		s.Store.Kind = store.KindLocal
	}
	s.Model.Kind = strings.ToLower(strings.TrimSpace(s.Model.Kind))
	if s.Data.Partitions <= 0 {
		s.Data.Partitions = 1
	}
}

func (s Spec) Validate() error {
	if strings.TrimSpace(s.Schema) != SchemaV1 {
		return fmt.Errorf("job.schema must be %q", SchemaV1)
	}
	if strings.TrimSpace(s.Data.Path) == "" {
		return errors.New("job.data.path is required")
	}
	if len(trimNonEmpty(s.Data.FeatureCols)) == 0 {
		return errors.New("job.data.feature_cols must be non-empty")
	}
	if len(trimNonEmpty(s.Data.LabelCols)) == 0 {
		return errors.New("job.data.label_cols must be non-empty")
	}
	if s.Model.Kind == "" {
		return errors.New("job.model.kind is required")
	}
	if s.Backend.NumProc < 1 {
		return errors.New("job.backend.num_proc must be >= 1")
	}
	switch s.Backend.Kind {
	case backend.KindLocal, backend.KindDocker, backend.KindKubernetes:
	default:
		return fmt.Errorf("job.backend.kind unsupported: %q", s.Backend.Kind)
	}
	switch s.Store.Kind {
	case store.KindLocal, store.KindMinIO:
	default:
		return fmt.Errorf("job.store.kind unsupported: %q", s.Store.Kind)
	}
	if strings.TrimSpace(s.Output.ModelPath) == "" {
		return errors.New("job.output.model_path is required")
	}
	return nil
}

// BuildModel constructs the untrained model described by the job.
func (s Spec) BuildModel() (numeric.Model, error) {
	raw, err := json.Marshal(s.Model.Spec)
	if err != nil {
		return nil, fmt.Errorf("job.model.spec: %w", err)
	}
	return numeric.BuildModel(s.Model.Kind, raw, numeric.NewBackend())
}

// EstimatorParams builds estimator parameters for the job. The backend and
// store are environment-bound and left for the caller to attach.
func (s Spec) EstimatorParams() (*params.EstimatorParams, error) {
	model, err := s.BuildModel()
	if err != nil {
		return nil, err
	}
	p := params.New()
	p.Model = model
	if s.Optimizer != nil {
		opt, err := numeric.NewOptimizer(numeric.OptimizerSpec{
			Kind:     strings.ToLower(strings.TrimSpace(s.Optimizer.Kind)),
			LR:       s.Optimizer.LR,
			Momentum: s.Optimizer.Momentum,
			Betas:    s.Optimizer.Betas,
			Eps:      s.Optimizer.Eps,
		}, model)
		if err != nil {
			return nil, fmt.Errorf("job.optimizer: %w", err)
		}
		p.Optimizer = opt
	}

	t := s.Training
	p.RunID = strings.TrimSpace(s.RunID)
	p.FeatureCols = trimNonEmpty(s.Data.FeatureCols)
	p.LabelCols = trimNonEmpty(s.Data.LabelCols)
	p.SampleWeightCol = strings.TrimSpace(s.Data.SampleWeightCol)
	p.ValidationCol = strings.TrimSpace(s.Data.ValidationCol)
	p.ValidationSplit = s.Data.ValidationSplit
	p.Loss = t.Loss
	p.LossConstructors = t.LossConstructors
	p.LossWeights = t.LossWeights
	if t.Metrics != nil {
		p.Metrics = t.Metrics
	}
	if t.Callbacks != nil {
		p.Callbacks = t.Callbacks
	}
	if t.BatchSize > 0 {
		p.BatchSize = t.BatchSize
	}
	if t.Epochs > 0 {
		p.Epochs = t.Epochs
	}
	if t.PartitionsPerProcess > 0 {
		p.PartitionsPerProcess = t.PartitionsPerProcess
	}
	if t.Verbose != nil {
		p.Verbose = *t.Verbose
	}
	p.ShuffleBufferSize = t.ShuffleBufferSize
	p.InputShapes = t.InputShapes
	p.OutputShapes = t.OutputShapes
	p.Compression = t.Compression
	p.StrictConsistency = t.StrictConsistency
	p.Normalize()
	if err := p.Validate(); err != nil {
		return nil, err
	}
	return p, nil
}

func trimNonEmpty(values []string) []string {
	out := make([]string, 0, len(values))
	for _, v := range values {
		if v = strings.TrimSpace(v); v != "" {
			out = append(out, v)
		}
	}
	return out
}
