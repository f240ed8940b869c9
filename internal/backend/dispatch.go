package backend

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"path"
	"time"

	"github.com/google/uuid"

	"github.com/animus-labs/animus-train/internal/collective"
	"github.com/animus-labs/animus-train/internal/domain"
	"github.com/animus-labs/animus-train/internal/store"
)

// Dispatch is what an out-of-process backend leaves in the store for its
// workers to pick up.
type Dispatch struct {
	RunID string            `json:"run_id"`
	Round string            `json:"round"`
	Size  int               `json:"size"`
	Task  []byte            `json:"task"`
	Args  Args              `json:"args"`
	Env   map[string]string `json:"env,omitempty"`
}

func dispatchPath(st store.Store, runID string) string {
	return path.Join(st.RunPath(runID), "dispatch.json")
}

// allreducePrefix is scoped per round so blobs left by an earlier round of
// the same run are never read.
func allreducePrefix(st store.Store, runID, round string) string {
	return path.Join(st.RunPath(runID), "allreduce", round)
}

func writeDispatch(ctx context.Context, st store.Store, d Dispatch) error {
	if d.Round == "" {
		d.Round = uuid.NewString()
	}
	data, err := json.Marshal(d)
	if err != nil {
		return fmt.Errorf("marshal dispatch: %w", err)
	}
	for rank := 0; rank < d.Size; rank++ {
		if err := st.Delete(ctx, st.RunResultPath(d.RunID, rank)); err != nil {
			return fmt.Errorf("clear stale result for rank %d: %w", rank, err)
		}
	}
	return st.Write(ctx, dispatchPath(st, d.RunID), data)
}

func ReadDispatch(ctx context.Context, st store.Store, runID string) (Dispatch, error) {
	data, err := st.Read(ctx, dispatchPath(st, runID))
	if err != nil {
		return Dispatch{}, err
	}
	var d Dispatch
	if err := json.Unmarshal(data, &d); err != nil {
		return Dispatch{}, fmt.Errorf("decode dispatch: %w", err)
	}
	return d, nil
}

func EncodeResult(res domain.RunResult) ([]byte, error) {
	return json.Marshal(res)
}

func DecodeResult(data []byte) (domain.RunResult, error) {
	var res domain.RunResult
	if err := json.Unmarshal(data, &res); err != nil {
		return domain.RunResult{}, fmt.Errorf("decode run result: %w", err)
	}
	return res, nil
}

// collectResults reads one result per rank; a missing result is a failure
// of that rank.
func collectResults(ctx context.Context, st store.Store, runID string, size int) ([]domain.RunResult, error) {
	results := make([]domain.RunResult, size)
	for rank := 0; rank < size; rank++ {
		data, err := st.Read(ctx, st.RunResultPath(runID, rank))
		if err != nil {
			return nil, &domain.BackendExecutionError{Rank: rank, Err: fmt.Errorf("read result: %w", err)}
		}
		res, err := DecodeResult(data)
		if err != nil {
			return nil, &domain.BackendExecutionError{Rank: rank, Err: err}
		}
		res.Rank = rank
		results[rank] = res
	}
	return results, nil
}

// TaskDecoder rebuilds a task from the bytes produced by MarshalBinary.
type TaskDecoder func(data []byte) (Task, error)

// WorkerOptions configure RunWorker.
type WorkerOptions struct {
	RunID  string
	Rank   int
	Poll   time.Duration
	Logger *slog.Logger
}

// RunWorker is the entry point of an out-of-process worker: it loads the
// dispatch, joins the store-backed reduction group, trains and publishes
// its result.
func RunWorker(ctx context.Context, st store.Store, decode TaskDecoder, opts WorkerOptions) error {
	if st == nil || decode == nil {
		return errors.New("worker requires a store and a task decoder")
	}
	logger := loggerOrDiscard(opts.Logger).With("run_id", opts.RunID, "rank", opts.Rank)

	d, err := ReadDispatch(ctx, st, opts.RunID)
	if err != nil {
		return fmt.Errorf("read dispatch: %w", err)
	}
	task, err := decode(d.Task)
	if err != nil {
		return fmt.Errorf("decode task: %w", err)
	}
	reducer, err := collective.NewBlobGroup(st, allreducePrefix(st, opts.RunID, d.Round), opts.Rank, d.Size, opts.Poll)
	if err != nil {
		return err
	}

	logger.Info("worker starting", "size", d.Size)
	res, err := task.Train(ctx, WorkerContext{
		Rank:    opts.Rank,
		Size:    d.Size,
		Reducer: reducer,
		Env:     d.Env,
		Logger:  logger,
	}, d.Args)
	if err != nil {
		logger.Error("worker failed", "error", err)
		return err
	}
	res.Rank = opts.Rank
	data, err := EncodeResult(res)
	if err != nil {
		return err
	}
	if err := st.Write(ctx, st.RunResultPath(opts.RunID, opts.Rank), data); err != nil {
		return fmt.Errorf("write result: %w", err)
	}
	logger.Info("worker finished")
	return nil
}
