package estimator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"maps"
	"time"

	"github.com/google/uuid"

	"github.com/animus-labs/animus-train/internal/dataframe"
	"github.com/animus-labs/animus-train/internal/domain"
	"github.com/animus-labs/animus-train/internal/inference"
	"github.com/animus-labs/animus-train/internal/numeric"
)

// OutputSuffix is appended to a label column to name its prediction column.
const OutputSuffix = "__output"

// ModelConfig carries the fields of a trained Model.
type ModelConfig struct {
	History     domain.History
	Model       numeric.Model
	Optimizer   numeric.Optimizer
	FeatureCols []string
	InputShapes [][]int
	LabelCols   []string
	OutputCols  []string
	RunID       string
	Metadata    domain.Metadata
	Logger      *slog.Logger
}

// Model is the trained result of a fit. It is immutable; Copy derives a new
// one with some fields replaced.
type Model struct {
	uid       string
	createdAt time.Time
	cfg       ModelConfig
}

func NewModel(cfg ModelConfig) *Model {
	if len(cfg.OutputCols) == 0 {
		cfg.OutputCols = make([]string, len(cfg.LabelCols))
		for i, col := range cfg.LabelCols {
			cfg.OutputCols[i] = col + OutputSuffix
		}
	}
	if cfg.History == nil {
		cfg.History = domain.History{}
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.New(slog.DiscardHandler)
	}
	return &Model{
		uid:       "Model_" + uuid.NewString()[:12],
		createdAt: time.Now().UTC(),
		cfg:       cfg,
	}
}

func (m *Model) UID() string { return m.uid }

func (m *Model) History() domain.History { return m.cfg.History.Clone() }

func (m *Model) Model() numeric.Model { return m.cfg.Model }

func (m *Model) FeatureColumns() []string { return append([]string(nil), m.cfg.FeatureCols...) }

func (m *Model) LabelColumns() []string { return append([]string(nil), m.cfg.LabelCols...) }

func (m *Model) OutputCols() []string { return append([]string(nil), m.cfg.OutputCols...) }

func (m *Model) InputShapes() [][]int { return cloneShapes(m.cfg.InputShapes) }

func (m *Model) RunID() string { return m.cfg.RunID }

func (m *Model) Metadata() domain.Metadata { return m.cfg.Metadata.Clone() }

// Optimizer returns the trained optimizer bound to the trained model.
func (m *Model) Optimizer() (numeric.Optimizer, error) {
	if m.cfg.Optimizer == nil || m.cfg.Model == nil {
		return m.cfg.Optimizer, nil
	}
	return numeric.Rebind(m.cfg.Optimizer, m.cfg.Model)
}

// Copy returns a new Model with the named fields replaced. Recognized keys
// are history, model, optimizer, feature_columns, input_shapes,
// label_columns, output_cols, run_id and metadata.
func (m *Model) Copy(overrides map[string]any) (*Model, error) {
	cfg := m.cfg
	cfg.History = m.cfg.History.Clone()
	cfg.FeatureCols = append([]string(nil), m.cfg.FeatureCols...)
	cfg.InputShapes = cloneShapes(m.cfg.InputShapes)
	cfg.LabelCols = append([]string(nil), m.cfg.LabelCols...)
	cfg.OutputCols = append([]string(nil), m.cfg.OutputCols...)
	cfg.Metadata = m.cfg.Metadata.Clone()
	for _, key := range sortedKeys(overrides) {
		if err := cfg.set(key, overrides[key]); err != nil {
			return nil, domain.NewConfigurationError(fmt.Sprintf("%s: %v", key, err))
		}
	}
	return &Model{uid: m.uid, createdAt: m.createdAt, cfg: cfg}, nil
}

func (c *ModelConfig) set(key string, v any) error {
	var ok bool
	switch key {
	case "history":
		var h domain.History
		h, ok = v.(domain.History)
		if !ok {
			var raw map[string][]float64
			if raw, ok = v.(map[string][]float64); ok {
				h = domain.History(maps.Clone(raw))
			}
		}
		c.History = h.Clone()
	case "model":
		c.Model, ok = v.(numeric.Model)
	case "optimizer":
		c.Optimizer, ok = v.(numeric.Optimizer)
	case "feature_columns":
		c.FeatureCols, ok = v.([]string)
	case "input_shapes":
		var shapes [][]int
		if shapes, ok = v.([][]int); ok {
			c.InputShapes = cloneShapes(shapes)
		}
	case "label_columns":
		c.LabelCols, ok = v.([]string)
	case "output_cols":
		c.OutputCols, ok = v.([]string)
	case "run_id":
		c.RunID, ok = v.(string)
	case "metadata":
		c.Metadata, ok = v.(domain.Metadata)
	default:
		return errors.New("unknown model field")
	}
	if !ok {
		return fmt.Errorf("unexpected value type %T", v)
	}
	return nil
}

// Transform appends one prediction column per label column to df.
func (m *Model) Transform(ctx context.Context, df *dataframe.DataFrame) (*dataframe.DataFrame, error) {
	engine := &inference.Engine{
		Model:       m.cfg.Model,
		FeatureCols: m.cfg.FeatureCols,
		InputShapes: m.cfg.InputShapes,
		LabelCols:   m.cfg.LabelCols,
		OutputCols:  m.cfg.OutputCols,
		Metadata:    m.cfg.Metadata,
		Logger:      m.cfg.Logger,
	}
	if err := engine.Validate(); err != nil {
		return nil, err
	}
	return engine.Transform(ctx, df)
}

func cloneShapes(in [][]int) [][]int {
	if in == nil {
		return nil
	}
	out := make([][]int, len(in))
	for i, shape := range in {
		out[i] = append([]int(nil), shape...)
	}
	return out
}
