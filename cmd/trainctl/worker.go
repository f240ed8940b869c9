package main

import (
	"context"
	"flag"
	"io"
	"log/slog"
	"strconv"
	"strings"
	"time"

	"github.com/animus-labs/animus-train/internal/backend"
	"github.com/animus-labs/animus-train/internal/platform/env"
	"github.com/animus-labs/animus-train/internal/store"
	"github.com/animus-labs/animus-train/internal/trainer"
)

func runWorker(ctx context.Context, args []string, logger *slog.Logger) error {
	rank, err := defaultRank()
	if err != nil {
		return usageError{msg: "worker: " + err.Error()}
	}
	poll, err := env.Duration("ANIMUS_TRAIN_COLLECTIVE_POLL", 50*time.Millisecond)
	if err != nil {
		return err
	}

	fs := flag.NewFlagSet("worker", flag.ContinueOnError)
	fs.SetOutput(io.Discard)
	runID := fs.String("run", env.String("ANIMUS_TRAIN_RUN_ID", ""), "Run id of the dispatched round")
	fs.IntVar(&rank, "rank", rank, "Worker rank (defaults to ANIMUS_TRAIN_RANK or JOB_COMPLETION_INDEX)")
	fs.DurationVar(&poll, "poll", poll, "Poll interval of the store-backed all-reduce")
	if err := fs.Parse(args); err != nil {
		return usageError{msg: "worker: " + err.Error()}
	}
	if strings.TrimSpace(*runID) == "" {
		return usageError{msg: "worker: -run is required"}
	}
	if rank < 0 {
		return usageError{msg: "worker: -rank must be >= 0"}
	}

	st, err := store.FromEnv(ctx)
	if err != nil {
		return err
	}
	return backend.RunWorker(ctx, st, trainer.Decoder(st), backend.WorkerOptions{
		RunID:  *runID,
		Rank:   rank,
		Poll:   poll,
		Logger: logger,
	})
}

// defaultRank reads the rank assigned by the docker backend, falling back to
// the completion index of an indexed Kubernetes job.
func defaultRank() (int, error) {
	raw := env.String("ANIMUS_TRAIN_RANK", "")
	if raw == "" {
		raw = env.String("JOB_COMPLETION_INDEX", "0")
	}
	return strconv.Atoi(strings.TrimSpace(raw))
}
