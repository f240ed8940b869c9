package backend

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"golang.org/x/sync/errgroup"

	"github.com/animus-labs/animus-train/internal/collective"
	"github.com/animus-labs/animus-train/internal/domain"
)

// LocalBackend runs every rank as a goroutine in this process.
type LocalBackend struct {
	numProc int
	logger  *slog.Logger
}

func NewLocalBackend(numProc int, logger *slog.Logger) (*LocalBackend, error) {
	if numProc < 1 {
		return nil, fmt.Errorf("num_proc must be positive, got %d", numProc)
	}
	return &LocalBackend{numProc: numProc, logger: loggerOrDiscard(logger)}, nil
}

func (b *LocalBackend) NumProcesses() int {
	return b.numProc
}

func (b *LocalBackend) Run(ctx context.Context, task Task, args Args, env map[string]string) ([]domain.RunResult, error) {
	if task == nil {
		return nil, &domain.BackendExecutionError{Rank: -1, Err: errors.New("task is required")}
	}
	group := collective.NewGroup(b.numProc)
	results := make([]domain.RunResult, b.numProc)

	g, gctx := errgroup.WithContext(ctx)
	for rank := 0; rank < b.numProc; rank++ {
		g.Go(func() (err error) {
			defer func() {
				if r := recover(); r != nil {
					err = &domain.BackendExecutionError{Rank: rank, Err: fmt.Errorf("worker panic: %v", r)}
				}
			}()
			w := WorkerContext{
				Rank:    rank,
				Size:    b.numProc,
				Reducer: group.Member(rank),
				Env:     env,
				Logger:  b.logger.With("rank", rank),
			}
			res, err := task.Train(gctx, w, args)
			if err != nil {
				return &domain.BackendExecutionError{Rank: rank, Err: err}
			}
			res.Rank = rank
			results[rank] = res
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return results, nil
}
