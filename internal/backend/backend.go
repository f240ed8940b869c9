// Package backend dispatches one training round to a pool of workers and
// collects one RunResult per rank.
package backend

import (
	"context"
	"log/slog"

	"github.com/animus-labs/animus-train/internal/collective"
	"github.com/animus-labs/animus-train/internal/domain"
)

// Args are the per-round inputs shared by every worker.
type Args struct {
	Model      []byte `json:"model"`
	TrainRows  int    `json:"train_rows"`
	ValRows    int    `json:"val_rows"`
	AvgRowSize int    `json:"avg_row_size"`
	Shards     int    `json:"shards"`
}

// WorkerContext describes the worker a task runs as.
type WorkerContext struct {
	Rank    int
	Size    int
	Reducer collective.Reducer
	Env     map[string]string
	Logger  *slog.Logger
}

// Task is the procedure every worker runs.
type Task interface {
	Train(ctx context.Context, w WorkerContext, args Args) (domain.RunResult, error)
}

// PortableTask can be shipped to workers in other processes.
type PortableTask interface {
	Task
	RunID() string
	MarshalBinary() ([]byte, error)
}

// Backend runs a task on every worker and returns results ordered by rank.
// A failure on any worker fails the whole round.
type Backend interface {
	NumProcesses() int
	Run(ctx context.Context, task Task, args Args, env map[string]string) ([]domain.RunResult, error)
}

func loggerOrDiscard(logger *slog.Logger) *slog.Logger {
	if logger == nil {
		return slog.New(slog.DiscardHandler)
	}
	return logger
}
