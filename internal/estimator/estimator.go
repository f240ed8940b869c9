// Package estimator drives one distributed fit end to end: it resolves the
// backend, prepares data, resolves a checkpoint, dispatches the training
// task and builds a Model from the canonical worker's result.
package estimator

import (
	"context"
	"crypto/sha256"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	"github.com/google/uuid"

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

// RunIDPrefix tags generated run identifiers.
const RunIDPrefix = "born_"

// State is a step of the fit state machine.
type State string

const (
	StateConfiguring        State = "configuring"
	StateBackendResolved    State = "backend_resolved"
	StateDataPrepared       State = "data_prepared"
	StateCheckpointResolved State = "checkpoint_resolved"
	StateDispatched         State = "dispatched"
	StateModelBuilt         State = "model_built"
	StateFailed             State = "failed"
)

// BackendFactory builds the default backend when only num_proc is set.
type BackendFactory func(numProc int, logger *slog.Logger) (backend.Backend, error)

type Option func(*Estimator)

func WithPreparer(p prepare.Preparer) Option {
	return func(e *Estimator) { e.preparer = p }
}

func WithLogger(logger *slog.Logger) Option {
	return func(e *Estimator) { e.logger = logger }
}

func WithClock(now func() time.Time) Option {
	return func(e *Estimator) { e.now = now }
}

func WithBackendFactory(f BackendFactory) Option {
	return func(e *Estimator) { e.newBackend = f }
}

// OnTransition registers a hook called for every state change.
func OnTransition(fn func(from, to State)) Option {
	return func(e *Estimator) { e.onTransition = fn }
}

type Estimator struct {
	uid          string
	params       *params.EstimatorParams
	preparer     prepare.Preparer
	newBackend   BackendFactory
	logger       *slog.Logger
	now          func() time.Time
	onTransition func(from, to State)
}

// New validates p and returns an estimator owning it. A nil p uses defaults.
func New(p *params.EstimatorParams, opts ...Option) (*Estimator, error) {
	if p == nil {
		p = params.New()
	}
	p.Normalize()
	if err := p.Validate(); err != nil {
		return nil, err
	}
	e := &Estimator{
		uid:    "Estimator_" + uuid.NewString()[:12],
		params: p,
		now:    time.Now,
		newBackend: func(n int, logger *slog.Logger) (backend.Backend, error) {
			return backend.NewLocalBackend(n, logger)
		},
	}
	for _, opt := range opts {
		opt(e)
	}
	if e.logger == nil {
		e.logger = slog.New(slog.DiscardHandler)
	}
	if e.preparer == nil {
		e.preparer = prepare.NewStorePreparer(e.logger)
	}
	return e, nil
}

func (e *Estimator) UID() string { return e.uid }

func (e *Estimator) Params() *params.EstimatorParams { return e.params }

func (e *Estimator) Set(name string, value any) error { return e.params.Set(name, value) }

func (e *Estimator) Get(name string) (any, error) { return e.params.Get(name) }

// Optimizer returns the configured optimizer rebuilt over the configured
// model's parameters.
func (e *Estimator) Optimizer() (numeric.Optimizer, error) {
	if e.params.Optimizer == nil || e.params.Model == nil {
		return e.params.Optimizer, nil
	}
	return numeric.Rebind(e.params.Optimizer, e.params.Model)
}

// Fit prepares df into the store and trains on it.
func (e *Estimator) Fit(ctx context.Context, df *dataframe.DataFrame) (*Model, error) {
	return e.run(ctx, e.params, func(ctx context.Context, p *params.EstimatorParams, numProc int) (prepare.Prepared, error) {
		return e.preparer.Prepare(ctx, prepare.Request{
			NumProcesses:         numProc,
			Store:                p.Store,
			DataFrame:            df,
			LabelCols:            p.LabelCols,
			FeatureCols:          p.FeatureCols,
			ValidationCol:        p.ValidationCol,
			ValidationSplit:      p.ValidationSplit,
			SampleWeightCol:      p.SampleWeightCol,
			PartitionsPerProcess: p.PartitionsPerProcess,
		})
	})
}

// FitOnParquet trains on data already prepared in the store, applying
// overrides to a copy of the parameters.
func (e *Estimator) FitOnParquet(ctx context.Context, overrides map[string]any) (*Model, error) {
	p, err := e.params.Copy(overrides)
	if err != nil {
		return nil, err
	}
	p.Normalize()
	return e.run(ctx, p, func(ctx context.Context, p *params.EstimatorParams, _ int) (prepare.Prepared, error) {
		return e.preparer.SimpleMeta(ctx, p.Store, p.LabelCols, p.FeatureCols, p.SampleWeightCol)
	})
}

type prepareFunc func(ctx context.Context, p *params.EstimatorParams, numProc int) (prepare.Prepared, error)

// fitRun tracks the state of one fit call.
type fitRun struct {
	e     *Estimator
	p     *params.EstimatorParams
	state State
}

func (r *fitRun) transition(to State) {
	from := r.state
	r.state = to
	level := slog.LevelDebug
	if r.p.Verbose > 0 {
		level = slog.LevelInfo
	}
	r.e.logger.Log(context.Background(), level, "fit state changed", "from", string(from), "to", string(to))
	if r.e.onTransition != nil {
		r.e.onTransition(from, to)
	}
}

func (e *Estimator) run(ctx context.Context, p *params.EstimatorParams, prep prepareFunc) (*Model, error) {
	r := &fitRun{e: e, p: p, state: StateConfiguring}
	m, err := r.fit(ctx, prep)
	if err != nil {
		r.transition(StateFailed)
		return nil, err
	}
	return m, nil
}

func (r *fitRun) fit(ctx context.Context, prep prepareFunc) (*Model, error) {
	p := r.p
	if err := validateForFit(p); err != nil {
		return nil, err
	}

	b := p.Backend
	if b == nil {
		var err error
		if b, err = r.e.newBackend(*p.NumProc, r.e.logger); err != nil {
			return nil, err
		}
	}
	numProc := b.NumProcesses()
	r.transition(StateBackendResolved)

	prepared, err := prep(ctx, p, numProc)
	if err != nil {
		return nil, err
	}
	r.transition(StateDataPrepared)

	if err := checkModelCompatibility(p, prepared.Metadata); err != nil {
		return nil, err
	}
	runID := p.RunID
	if runID == "" {
		runID = RunIDPrefix + strconv.FormatInt(r.e.now().Unix(), 10)
	}
	checkpoint, err := r.resolveCheckpoint(ctx, p.Store, runID)
	if err != nil {
		return nil, err
	}
	r.transition(StateCheckpointResolved)

	serializedModel, err := codec.Models.Encode(p.Model)
	if err != nil {
		return nil, fmt.Errorf("encode model: %w", err)
	}
	serializedOpt, err := codec.Optimizers(p.Model).Encode(p.Optimizer)
	if err != nil {
		return nil, fmt.Errorf("encode optimizer: %w", err)
	}
	task := trainer.New(runID, trainer.ConfigFromParams(p), prepared.Metadata, serializedOpt, checkpoint, p.Store)
	results, err := b.Run(ctx, task, backend.Args{
		Model:      serializedModel,
		TrainRows:  prepared.TrainRows,
		ValRows:    prepared.ValRows,
		AvgRowSize: prepared.AvgRowSize,
		Shards:     prepared.Shards,
	}, map[string]string{})
	if err != nil {
		return nil, err
	}
	r.transition(StateDispatched)

	canonical, err := r.canonicalResult(results)
	if err != nil {
		return nil, err
	}
	model, err := codec.Models.Decode(canonical.Model)
	if err != nil {
		return nil, &domain.BackendExecutionError{Rank: 0, Err: fmt.Errorf("decode model: %w", err)}
	}
	opt, err := codec.Optimizers(model).Decode(canonical.Optimizer)
	if err != nil {
		return nil, &domain.BackendExecutionError{Rank: 0, Err: fmt.Errorf("decode optimizer: %w", err)}
	}
	out := NewModel(ModelConfig{
		History:     canonical.History,
		Model:       model,
		Optimizer:   opt,
		FeatureCols: p.FeatureCols,
		InputShapes: p.InputShapes,
		LabelCols:   p.LabelCols,
		RunID:       runID,
		Metadata:    prepared.Metadata,
		Logger:      r.e.logger,
	})
	r.transition(StateModelBuilt)
	return out, nil
}

func validateForFit(p *params.EstimatorParams) error {
	if err := p.Validate(); err != nil {
		return err
	}
	if err := p.ValidateProcesses(); err != nil {
		return err
	}
	cfgErr := domain.NewConfigurationError()
	if p.Model == nil {
		cfgErr.Add(domain.ErrModelRequired.Error())
		cfgErr.Err = domain.ErrModelRequired
	}
	if p.Store == nil {
		cfgErr.Add("store is required")
	}
	if len(p.FeatureCols) == 0 {
		cfgErr.Add("feature_cols is required")
	}
	if len(p.LabelCols) == 0 {
		cfgErr.Add("label_cols is required")
	}
	if _, err := trainer.ParseCallbacks(p.Callbacks); err != nil {
		cfgErr.Add(err.Error())
	}
	for _, name := range p.Metrics {
		if _, err := numeric.Metric(name); err != nil {
			cfgErr.Add(err.Error())
		}
	}
	return cfgErr.OrNil()
}

// checkModelCompatibility checks declared shapes and the model's input and
// output widths against the observed column metadata.
func checkModelCompatibility(p *params.EstimatorParams, meta domain.Metadata) error {
	if err := prepare.CheckShapeCompatibility(meta, p.FeatureCols, p.LabelCols, p.InputShapes, p.OutputShapes); err != nil {
		return err
	}
	if widths := p.Model.InputWidths(); len(widths) == len(p.FeatureCols) {
		for i, col := range p.FeatureCols {
			if cm := meta[col]; cm.Shape != widths[i] {
				return &domain.IncompatibleShapeError{Column: col, Expected: widths[i], Actual: cm.Shape}
			}
		}
	} else if got := sumShapes(meta, p.FeatureCols); got != p.Model.InputDim() {
		return &domain.IncompatibleShapeError{Column: fmt.Sprint(p.FeatureCols), Expected: p.Model.InputDim(), Actual: got}
	}
	widths := p.Model.OutputWidths()
	if len(widths) != len(p.LabelCols) {
		return &domain.IncompatibleShapeError{
			Column: fmt.Sprint(p.LabelCols),
			Reason: fmt.Sprintf("model has %d heads for %d label columns", len(widths), len(p.LabelCols)),
		}
	}
	for i, col := range p.LabelCols {
		if cm := meta[col]; cm.Shape != widths[i] {
			return &domain.IncompatibleShapeError{Column: col, Expected: widths[i], Actual: cm.Shape}
		}
	}
	return nil
}

func sumShapes(meta domain.Metadata, cols []string) int {
	n := 0
	for _, col := range cols {
		n += meta[col].Shape
	}
	return n
}

// resolveCheckpoint returns the raw checkpoint for runID, or nil when there
// is none. A checkpoint that exists but cannot be decoded is an error.
func (r *fitRun) resolveCheckpoint(ctx context.Context, st store.Store, runID string) ([]byte, error) {
	path, ok := st.CheckpointPath(runID)
	if !ok {
		r.e.logger.Debug("store keeps no checkpoints for run", "run_id", runID)
		return nil, nil
	}
	exists, err := st.Exists(ctx, path)
	if err != nil {
		return nil, &domain.CheckpointReadError{Path: path, Err: err}
	}
	if !exists {
		r.e.logger.Debug("no checkpoint to resume from", "run_id", runID, "path", path)
		return nil, nil
	}
	if r.p.Verbose > 0 {
		r.e.logger.Info("resuming training from last checkpoint", "run_id", runID, "path", path)
	}
	data, err := st.Read(ctx, path)
	if err != nil {
		return nil, &domain.CheckpointReadError{Path: path, Err: err}
	}
	cp, err := codec.Checkpoints.Decode(data)
	if err != nil {
		return nil, &domain.CheckpointReadError{Path: path, Err: err}
	}
	if cp == nil {
		return nil, &domain.CheckpointReadError{Path: path, Err: errors.New("checkpoint is empty")}
	}
	return data, nil
}

// canonicalResult returns rank 0's result. Under synchronous training every
// rank ends with the same model; ranks that disagree are reported as a
// warning, or as an error with strict consistency.
func (r *fitRun) canonicalResult(results []domain.RunResult) (domain.RunResult, error) {
	if len(results) == 0 {
		return domain.RunResult{}, &domain.BackendExecutionError{Rank: -1, Err: errors.New("backend returned no results")}
	}
	canonical := results[0]
	want := sha256.Sum256(canonical.Model)
	for rank, res := range results[1:] {
		if sha256.Sum256(res.Model) == want {
			continue
		}
		if r.p.StrictConsistency {
			return domain.RunResult{}, &domain.BackendExecutionError{Rank: rank + 1, Err: errors.New("model diverged from rank 0")}
		}
		r.e.logger.Warn("worker model diverged from rank 0", "rank", rank+1)
	}
	return canonical, nil
}
