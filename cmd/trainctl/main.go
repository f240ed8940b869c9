// Command trainctl fits models from YAML job files, applies trained models
// to JSON-lines data and runs out-of-process training workers.
package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/animus-labs/animus-train/internal/platform/postgres"
	"github.com/animus-labs/animus-train/internal/repo"
	pgrepo "github.com/animus-labs/animus-train/internal/repo/postgres"
	"github.com/animus-labs/animus-train/internal/store"
)

type usageError struct {
	msg string
}

func (e usageError) Error() string { return e.msg }

const usage = `usage: trainctl <command> [flags]

commands:
  fit        train a model described by a job file
  transform  append predictions of a trained model to JSON-lines rows
  worker     run one rank of a dispatched training round`

func main() {
	logger := slog.New(slog.NewJSONHandler(os.Stderr, nil))

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, os.Args[1:], os.Stdout, logger); err != nil {
		var uerr usageError
		if errors.As(err, &uerr) {
			fmt.Fprintln(os.Stderr, err)
			os.Exit(2)
		}
		logger.Error("trainctl failed", "error", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, args []string, stdout io.Writer, logger *slog.Logger) error {
	if len(args) == 0 {
		return usageError{msg: usage}
	}
	switch args[0] {
	case "fit":
		return runFit(ctx, args[1:], stdout, logger)
	case "transform":
		return runTransform(ctx, args[1:], stdout, logger)
	case "worker":
		return runWorker(ctx, args[1:], logger)
	case "help", "-h", "--help":
		fmt.Fprintln(stdout, usage)
		return nil
	default:
		return usageError{msg: fmt.Sprintf("unknown command %q\n\n%s", args[0], usage)}
	}
}

// openRepository returns the Postgres record store when a database is
// configured and a store-backed repository otherwise.
func openRepository(ctx context.Context, st store.Store, logger *slog.Logger) (repo.EstimatorRepository, func(), error) {
	dbCfg, err := postgres.ConfigFromEnv()
	if err != nil {
		return nil, nil, fmt.Errorf("database config: %w", err)
	}
	if !dbCfg.Enabled() {
		return repo.NewStoreRepository(st), func() {}, nil
	}
	db, err := postgres.Open(ctx, dbCfg)
	if err != nil {
		return nil, nil, fmt.Errorf("database unavailable: %w", err)
	}
	records := pgrepo.NewEstimatorStore(db)
	if err := records.EnsureSchema(ctx); err != nil {
		_ = db.Close()
		return nil, nil, err
	}
	logger.Debug("persisting records to postgres")
	return records, func() { _ = db.Close() }, nil
}
