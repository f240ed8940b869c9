package estimator

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"sort"
	"time"

	"github.com/animus-labs/animus-train/internal/backend"
	"github.com/animus-labs/animus-train/internal/codec"
	"github.com/animus-labs/animus-train/internal/domain"
	"github.com/animus-labs/animus-train/internal/numeric"
	"github.com/animus-labs/animus-train/internal/params"
	"github.com/animus-labs/animus-train/internal/store"
)

const (
	ClassEstimator = "animus.train.Estimator"
	ClassModel     = "animus.train.Model"
)

// Record is the persisted form of an estimator or model. Every param is
// codec-encoded and base64-wrapped; a nil entry means the value was unset
// or is environment-bound.
type Record struct {
	Class     string             `json:"class"`
	UID       string             `json:"uid"`
	Timestamp int64              `json:"timestamp"`
	Params    map[string]*string `json:"params"`
}

func (r Record) Marshal() ([]byte, error) {
	return json.Marshal(r)
}

// ParseRecord decodes data and checks that it holds an instance of class.
func ParseRecord(data []byte, class string) (Record, error) {
	var r Record
	if err := json.Unmarshal(data, &r); err != nil {
		return Record{}, fmt.Errorf("decode metadata record: %w", err)
	}
	if r.Class != class {
		return Record{}, fmt.Errorf("metadata record holds %q, expected %q", r.Class, class)
	}
	if r.Params == nil {
		r.Params = map[string]*string{}
	}
	return r, nil
}

// Record captures the estimator's configuration. Backend and store are
// always written as null.
func (e *Estimator) Record() (Record, error) {
	rec := Record{
		Class:     ClassEstimator,
		UID:       e.uid,
		Timestamp: e.now().UnixMilli(),
		Params:    make(map[string]*string),
	}
	for _, name := range params.FieldNames() {
		if params.EnvironmentBound(name) {
			rec.Params[name] = nil
			continue
		}
		encoded, err := e.encodeParam(name)
		if err != nil {
			return Record{}, fmt.Errorf("encode %s: %w", name, err)
		}
		rec.Params[name] = encoded
	}
	return rec, nil
}

func (e *Estimator) encodeParam(name string) (*string, error) {
	switch name {
	case params.FieldModel:
		return codec.EncodeBase64[numeric.Model](codec.Models, e.params.Model)
	case params.FieldOptimizer:
		return codec.EncodeBase64[numeric.Optimizer](codec.Optimizers(e.params.Model), e.params.Optimizer)
	}
	v, err := e.params.Get(name)
	if err != nil {
		return nil, err
	}
	return codec.EncodeBase64[any](codec.JSON[any]{}, v)
}

func (e *Estimator) MarshalMetadata() ([]byte, error) {
	rec, err := e.Record()
	if err != nil {
		return nil, err
	}
	return rec.Marshal()
}

// LoadEstimator rebuilds an estimator from MarshalMetadata output. The
// backend and store are environment-bound and must be supplied again; a
// supplied backend replaces any persisted num_proc.
func LoadEstimator(data []byte, b backend.Backend, st store.Store, opts ...Option) (*Estimator, error) {
	rec, err := ParseRecord(data, ClassEstimator)
	if err != nil {
		return nil, err
	}
	p := params.New()
	model, err := codec.DecodeBase64[numeric.Model](codec.Models, rec.Params[params.FieldModel])
	if err != nil {
		return nil, fmt.Errorf("decode model: %w", err)
	}
	p.Model = model
	if p.Optimizer, err = codec.DecodeBase64[numeric.Optimizer](codec.Optimizers(model), rec.Params[params.FieldOptimizer]); err != nil {
		return nil, fmt.Errorf("decode optimizer: %w", err)
	}
	for _, name := range sortedKeys(rec.Params) {
		if name == params.FieldModel || name == params.FieldOptimizer || params.EnvironmentBound(name) {
			continue
		}
		v, err := codec.DecodeBase64[any](codec.JSON[any]{}, rec.Params[name])
		if err != nil {
			return nil, fmt.Errorf("decode %s: %w", name, err)
		}
		if v == nil {
			continue
		}
		if err := p.Set(name, v); err != nil {
			return nil, err
		}
	}
	p.Backend = b
	p.Store = st
	if b != nil {
		p.NumProc = nil
	}
	e, err := New(p, opts...)
	if err != nil {
		return nil, err
	}
	if rec.UID != "" {
		e.uid = rec.UID
	}
	return e, nil
}

// Record captures the trained model and its column bookkeeping.
func (m *Model) Record() (Record, error) {
	rec := Record{
		Class:     ClassModel,
		UID:       m.uid,
		Timestamp: m.createdAt.UnixMilli(),
		Params:    make(map[string]*string),
	}
	encoders := map[string]func() (*string, error){
		"history":         func() (*string, error) { return jsonParam(m.cfg.History) },
		"model":           func() (*string, error) { return codec.EncodeBase64[numeric.Model](codec.Models, m.cfg.Model) },
		"feature_columns": func() (*string, error) { return jsonParam(m.cfg.FeatureCols) },
		"input_shapes":    func() (*string, error) { return jsonParam(m.cfg.InputShapes) },
		"label_columns":   func() (*string, error) { return jsonParam(m.cfg.LabelCols) },
		"output_cols":     func() (*string, error) { return jsonParam(m.cfg.OutputCols) },
		"run_id":          func() (*string, error) { return jsonParam(m.cfg.RunID) },
		"metadata":        func() (*string, error) { return jsonParam(m.cfg.Metadata) },
		"optimizer": func() (*string, error) {
			return codec.EncodeBase64[numeric.Optimizer](codec.Optimizers(m.cfg.Model), m.cfg.Optimizer)
		},
	}
	for _, name := range sortedKeys(encoders) {
		s, err := encoders[name]()
		if err != nil {
			return Record{}, fmt.Errorf("encode %s: %w", name, err)
		}
		rec.Params[name] = s
	}
	return rec, nil
}

func (m *Model) MarshalMetadata() ([]byte, error) {
	rec, err := m.Record()
	if err != nil {
		return nil, err
	}
	return rec.Marshal()
}

// LoadModel rebuilds a trained model from Model.MarshalMetadata output.
func LoadModel(data []byte, logger *slog.Logger) (*Model, error) {
	rec, err := ParseRecord(data, ClassModel)
	if err != nil {
		return nil, err
	}
	var cfg ModelConfig
	if cfg.Model, err = codec.DecodeBase64[numeric.Model](codec.Models, rec.Params["model"]); err != nil {
		return nil, fmt.Errorf("decode model: %w", err)
	}
	if cfg.Model != nil {
		if cfg.Optimizer, err = codec.DecodeBase64[numeric.Optimizer](codec.Optimizers(cfg.Model), rec.Params["optimizer"]); err != nil {
			return nil, fmt.Errorf("decode optimizer: %w", err)
		}
	}
	if cfg.History, err = jsonValue[domain.History](rec.Params, "history"); err != nil {
		return nil, err
	}
	if cfg.FeatureCols, err = jsonValue[[]string](rec.Params, "feature_columns"); err != nil {
		return nil, err
	}
	if cfg.InputShapes, err = jsonValue[[][]int](rec.Params, "input_shapes"); err != nil {
		return nil, err
	}
	if cfg.LabelCols, err = jsonValue[[]string](rec.Params, "label_columns"); err != nil {
		return nil, err
	}
	if cfg.OutputCols, err = jsonValue[[]string](rec.Params, "output_cols"); err != nil {
		return nil, err
	}
	if cfg.RunID, err = jsonValue[string](rec.Params, "run_id"); err != nil {
		return nil, err
	}
	if cfg.Metadata, err = jsonValue[domain.Metadata](rec.Params, "metadata"); err != nil {
		return nil, err
	}
	cfg.Logger = logger
	m := NewModel(cfg)
	if rec.UID != "" {
		m.uid = rec.UID
	}
	if rec.Timestamp > 0 {
		m.createdAt = time.UnixMilli(rec.Timestamp).UTC()
	}
	return m, nil
}

func jsonParam[T any](v T) (*string, error) {
	return codec.EncodeBase64[T](codec.JSON[T]{}, v)
}

func jsonValue[T any](values map[string]*string, name string) (T, error) {
	v, err := codec.DecodeBase64[T](codec.JSON[T]{}, values[name])
	if err != nil {
		return v, fmt.Errorf("decode %s: %w", name, err)
	}
	return v, nil
}

func sortedKeys[V any](m map[string]V) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
