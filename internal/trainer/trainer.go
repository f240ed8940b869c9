// Package trainer implements the procedure every worker runs during a fit:
// restore state, read the rank's shards, train with synchronous gradient
// averaging and report history plus the final model and optimizer.
package trainer

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"hash/fnv"
	"log/slog"
	"math/rand/v2"

	"github.com/animus-labs/animus-train/internal/backend"
	"github.com/animus-labs/animus-train/internal/codec"
	"github.com/animus-labs/animus-train/internal/collective"
	"github.com/animus-labs/animus-train/internal/domain"
	"github.com/animus-labs/animus-train/internal/numeric"
	"github.com/animus-labs/animus-train/internal/params"
	"github.com/animus-labs/animus-train/internal/store"
)

// DefaultOptimizer is used when the estimator carries no optimizer.
var DefaultOptimizer = numeric.OptimizerSpec{Kind: numeric.KindSGD, LR: 0.01}

// Config is the serializable part of the run configuration a worker needs.
type Config struct {
	FeatureCols       []string  `json:"feature_cols"`
	LabelCols         []string  `json:"label_cols"`
	SampleWeightCol   string    `json:"sample_weight_col,omitempty"`
	Loss              []string  `json:"loss,omitempty"`
	LossConstructors  []string  `json:"loss_constructors,omitempty"`
	LossWeights       []float64 `json:"loss_weights,omitempty"`
	Metrics           []string  `json:"metrics,omitempty"`
	Callbacks         []string  `json:"callbacks,omitempty"`
	BatchSize         int       `json:"batch_size"`
	Epochs            int       `json:"epochs"`
	ShuffleBufferSize int       `json:"shuffle_buffer_size"`
	Verbose           int       `json:"verbose"`
	Compression       string    `json:"gradient_compression"`
	Validate          bool      `json:"validate"`
}

func ConfigFromParams(p *params.EstimatorParams) Config {
	return Config{
		FeatureCols:       append([]string(nil), p.FeatureCols...),
		LabelCols:         append([]string(nil), p.LabelCols...),
		SampleWeightCol:   p.SampleWeightCol,
		Loss:              append([]string(nil), p.Loss...),
		LossConstructors:  append([]string(nil), p.LossConstructors...),
		LossWeights:       append([]float64(nil), p.LossWeights...),
		Metrics:           append([]string(nil), p.Metrics...),
		Callbacks:         append([]string(nil), p.Callbacks...),
		BatchSize:         p.BatchSize,
		Epochs:            p.Epochs,
		ShuffleBufferSize: p.ShuffleBufferSize,
		Verbose:           p.Verbose,
		Compression:       p.Compression,
		Validate:          p.ShouldValidate(),
	}
}

// RemoteTrainer is the task shipped to every worker. Optimizer and
// Checkpoint are codec payloads; each worker decodes its own copy.
type RemoteTrainer struct {
	Run        string          `json:"run_id"`
	Config     Config          `json:"config"`
	Metadata   domain.Metadata `json:"metadata"`
	Optimizer  []byte          `json:"optimizer,omitempty"`
	Checkpoint []byte          `json:"checkpoint,omitempty"`

	store store.Store
}

var _ backend.PortableTask = (*RemoteTrainer)(nil)

func New(runID string, cfg Config, meta domain.Metadata, optimizer, checkpoint []byte, st store.Store) *RemoteTrainer {
	return &RemoteTrainer{
		Run:        runID,
		Config:     cfg,
		Metadata:   meta.Clone(),
		Optimizer:  optimizer,
		Checkpoint: checkpoint,
		store:      st,
	}
}

func (t *RemoteTrainer) RunID() string { return t.Run }

func (t *RemoteTrainer) MarshalBinary() ([]byte, error) {
	return json.Marshal(t)
}

// Decoder returns a task decoder that binds decoded trainers to st.
func Decoder(st store.Store) backend.TaskDecoder {
	return func(data []byte) (backend.Task, error) {
		var t RemoteTrainer
		if err := json.Unmarshal(data, &t); err != nil {
			return nil, fmt.Errorf("decode trainer: %w", err)
		}
		t.store = st
		return &t, nil
	}
}

func (t *RemoteTrainer) Train(ctx context.Context, w backend.WorkerContext, args backend.Args) (domain.RunResult, error) {
	if t.store == nil {
		return domain.RunResult{}, errors.New("trainer has no store")
	}
	logger := w.Logger
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	reducer := w.Reducer
	if reducer == nil {
		reducer = collective.Solo()
	}
	cfg := t.Config
	if cfg.BatchSize < 1 {
		return domain.RunResult{}, fmt.Errorf("batch size must be positive, got %d", cfg.BatchSize)
	}

	model, opt, history, start, err := t.restore(args.Model)
	if err != nil {
		return domain.RunResult{}, err
	}
	heads, err := buildHeads(cfg, len(model.OutputWidths()))
	if err != nil {
		return domain.RunResult{}, err
	}
	metrics, err := buildMetrics(cfg.Metrics)
	if err != nil {
		return domain.RunResult{}, err
	}
	callbacks, err := ParseCallbacks(cfg.Callbacks)
	if err != nil {
		return domain.RunResult{}, err
	}
	gradReducer, err := collective.WithCompression(reducer, cfg.Compression)
	if err != nil {
		return domain.RunResult{}, err
	}

	layout := newLayout(cfg, model)
	train, err := loadExamples(ctx, t.store, t.store.TrainDataPath, args.Shards, w.Rank, w.Size, layout)
	if err != nil {
		return domain.RunResult{}, fmt.Errorf("load training shards: %w", err)
	}
	var val []example
	validate := cfg.Validate && args.ValRows > 0
	if validate {
		if val, err = loadExamples(ctx, t.store, t.store.ValDataPath, args.Shards, w.Rank, w.Size, layout); err != nil {
			return domain.RunResult{}, fmt.Errorf("load validation shards: %w", err)
		}
	}
	if len(train) == 0 {
		logger.Warn("rank has no training rows; contributing zero gradients")
	}

	steps := stepsPerEpoch(args.TrainRows, w.Size, cfg.BatchSize)
	seed := runSeed(t.Run)
	modelParams := model.Parameters()
	for epoch := start; epoch < cfg.Epochs; epoch++ {
		model.Train()
		rng := rand.New(rand.NewPCG(seed+uint64(epoch), uint64(w.Rank)))
		order := shuffleBuffered(train, cfg.ShuffleBufferSize, rng)

		var stepLoss float64
		cursor := 0
		for step := 0; step < steps; step++ {
			if err := ctx.Err(); err != nil {
				return domain.RunResult{}, err
			}
			var batch []example
			batch, cursor = nextBatch(order, cursor, cfg.BatchSize)

			opt.ZeroGrad()
			grads := numeric.Gradients{}
			if len(batch) > 0 {
				x, targets, weights, err := stack(batch, model)
				if err != nil {
					return domain.RunResult{}, err
				}
				var loss float32
				loss, grads, err = numeric.ForwardBackward(model, x, targets, heads, weights)
				if err != nil {
					return domain.RunResult{}, fmt.Errorf("epoch %d step %d: %w", epoch, step, err)
				}
				stepLoss += float64(loss)
			}
			vec := numeric.FlattenGradients(modelParams, grads)
			if err := gradReducer.AllReduceMean(ctx, vec); err != nil {
				return domain.RunResult{}, fmt.Errorf("epoch %d step %d allreduce: %w", epoch, step, err)
			}
			if err := numeric.ScatterGradients(modelParams, grads, vec); err != nil {
				return domain.RunResult{}, err
			}
			opt.Step(grads)
		}

		model.Eval()
		trainLoss, err := globalMean(ctx, reducer, []float64{stepLoss / float64(steps)})
		if err != nil {
			return domain.RunResult{}, err
		}
		history.Append("train_loss", trainLoss[0])
		if len(metrics) > 0 {
			values, err := evaluate(ctx, reducer, model, train, nil, metrics, cfg.BatchSize)
			if err != nil {
				return domain.RunResult{}, err
			}
			for i, m := range metrics {
				history.Append("train_"+m.name, values[i])
			}
		}
		if validate {
			values, err := evaluate(ctx, reducer, model, val, heads, metrics, cfg.BatchSize)
			if err != nil {
				return domain.RunResult{}, err
			}
			history.Append("val_loss", values[0])
			for i, m := range metrics {
				history.Append("val_"+m.name, values[i+1])
			}
		}

		if w.Rank == 0 {
			level := slog.LevelDebug
			if cfg.Verbose > 0 {
				level = slog.LevelInfo
			}
			logger.Log(ctx, level, "epoch finished", "run_id", t.Run, "epoch", epoch+1, "train_loss", trainLoss[0])
			if err := t.writeCheckpoint(ctx, epoch+1, history, model, opt); err != nil {
				return domain.RunResult{}, err
			}
		}
		if stopTraining(callbacks, epoch, history, opt) {
			logger.Debug("callback stopped training", "epoch", epoch+1)
			break
		}
	}

	model.Eval()
	encodedModel, err := codec.Models.Encode(model)
	if err != nil {
		return domain.RunResult{}, err
	}
	encodedOpt, err := codec.Optimizers(model).Encode(opt)
	if err != nil {
		return domain.RunResult{}, err
	}
	return domain.RunResult{Rank: w.Rank, History: history, Model: encodedModel, Optimizer: encodedOpt}, nil
}

// restore decodes the dispatched model and optimizer and, when a checkpoint
// is present, loads its state and returns the epoch to resume from.
func (t *RemoteTrainer) restore(serialized []byte) (numeric.Model, numeric.Optimizer, domain.History, int, error) {
	model, err := codec.Models.Decode(serialized)
	if err != nil {
		return nil, nil, nil, 0, fmt.Errorf("decode model: %w", err)
	}
	if model == nil {
		return nil, nil, nil, 0, errors.New("no model dispatched")
	}
	var opt numeric.Optimizer
	if len(t.Optimizer) > 0 {
		if opt, err = codec.Optimizers(model).Decode(t.Optimizer); err != nil {
			return nil, nil, nil, 0, fmt.Errorf("decode optimizer: %w", err)
		}
	} else if opt, err = numeric.NewOptimizer(DefaultOptimizer, model); err != nil {
		return nil, nil, nil, 0, err
	}

	cp, err := codec.Checkpoints.Decode(t.Checkpoint)
	if err != nil {
		return nil, nil, nil, 0, fmt.Errorf("decode checkpoint: %w", err)
	}
	if cp == nil {
		return model, opt, domain.History{}, 0, nil
	}
	if err := model.LoadStateDict(cp.Model.StateDict()); err != nil {
		return nil, nil, nil, 0, fmt.Errorf("restore model from checkpoint: %w", err)
	}
	if opt, err = numeric.Rebind(cp.Optimizer, model); err != nil {
		return nil, nil, nil, 0, fmt.Errorf("restore optimizer from checkpoint: %w", err)
	}
	return model, opt, cp.History.Clone(), cp.Epoch, nil
}

func (t *RemoteTrainer) writeCheckpoint(ctx context.Context, epoch int, history domain.History, model numeric.Model, opt numeric.Optimizer) error {
	p, ok := t.store.CheckpointPath(t.Run)
	if !ok {
		return nil
	}
	data, err := codec.Checkpoints.Encode(&codec.Checkpoint{Epoch: epoch, History: history, Model: model, Optimizer: opt})
	if err != nil {
		return fmt.Errorf("encode checkpoint: %w", err)
	}
	if err := t.store.Write(ctx, p, data); err != nil {
		return fmt.Errorf("write checkpoint: %w", err)
	}
	return nil
}

func stepsPerEpoch(rows, size, batch int) int {
	if size < 1 {
		size = 1
	}
	per := size * batch
	steps := (rows + per - 1) / per
	if steps < 1 {
		return 1
	}
	return steps
}

func runSeed(runID string) uint64 {
	h := fnv.New64a()
	_, _ = h.Write([]byte(runID))
	return h.Sum64()
}

// globalMean averages values across every rank.
func globalMean(ctx context.Context, r collective.Reducer, values []float64) ([]float64, error) {
	vec := make([]float32, len(values))
	for i, v := range values {
		vec[i] = float32(v)
	}
	if err := r.AllReduceMean(ctx, vec); err != nil {
		return nil, err
	}
	out := make([]float64, len(vec))
	for i, v := range vec {
		out[i] = float64(v)
	}
	return out, nil
}
