package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"github.com/animus-labs/animus-train/internal/backend"
	"github.com/animus-labs/animus-train/internal/dataframe"
	"github.com/animus-labs/animus-train/internal/domain"
	"github.com/animus-labs/animus-train/internal/estimator"
	"github.com/animus-labs/animus-train/internal/jobspec"
	"github.com/animus-labs/animus-train/internal/platform/objectstore"
	"github.com/animus-labs/animus-train/internal/repo"
	"github.com/animus-labs/animus-train/internal/store"
)

type fitSummary struct {
	RunID        string         `json:"run_id"`
	ModelUID     string         `json:"model_uid"`
	EstimatorUID string         `json:"estimator_uid"`
	ModelPath    string         `json:"model_path"`
	History      domain.History `json:"history"`
}

func runFit(ctx context.Context, args []string, stdout io.Writer, logger *slog.Logger) error {
	fs := flag.NewFlagSet("fit", flag.ContinueOnError)
	fs.SetOutput(io.Discard)
	jobPath := fs.String("job", "", "Path to the YAML job file")
	if err := fs.Parse(args); err != nil {
		return usageError{msg: "fit: " + err.Error()}
	}
	if strings.TrimSpace(*jobPath) == "" {
		return usageError{msg: "fit: -job is required"}
	}

	raw, err := os.ReadFile(*jobPath)
	if err != nil {
		return fmt.Errorf("read job: %w", err)
	}
	spec, err := jobspec.Parse(raw)
	if err != nil {
		return err
	}
	p, err := spec.EstimatorParams()
	if err != nil {
		return err
	}

	st, err := openStore(ctx, spec.Store)
	if err != nil {
		return err
	}
	p.Store = st
	if spec.Backend.Kind == backend.KindLocal {
		n := spec.Backend.NumProc
		p.NumProc = &n
	} else {
		cfg, err := backend.ConfigFromEnv()
		if err != nil {
			return fmt.Errorf("backend config: %w", err)
		}
		cfg.Kind = spec.Backend.Kind
		if spec.Backend.Image != "" {
			cfg.Image = spec.Backend.Image
		}
		if p.Backend, err = backend.New(ctx, cfg, spec.Backend.NumProc, st, logger); err != nil {
			return err
		}
	}

	df, err := readFrame(spec.Data.Path, spec.Data.Partitions)
	if err != nil {
		return err
	}
	est, err := estimator.New(p, estimator.WithLogger(logger))
	if err != nil {
		return err
	}
	model, err := est.Fit(ctx, df)
	if err != nil {
		return err
	}

	modelMeta, err := model.MarshalMetadata()
	if err != nil {
		return err
	}
	if err := writeFile(spec.Output.ModelPath, modelMeta); err != nil {
		return err
	}
	estMeta, err := est.MarshalMetadata()
	if err != nil {
		return err
	}

	records, closeRecords, err := openRepository(ctx, st, logger)
	if err != nil {
		return err
	}
	defer closeRecords()
	for _, rec := range []repo.Record{
		{UID: est.UID(), Class: estimator.ClassEstimator, RunID: model.RunID(), Payload: estMeta},
		{UID: model.UID(), Class: estimator.ClassModel, RunID: model.RunID(), Payload: modelMeta},
	} {
		if err := records.Save(ctx, rec); err != nil {
			return fmt.Errorf("save %s record: %w", rec.Class, err)
		}
	}

	logger.Info("fit finished", "run_id", model.RunID(), "model_uid", model.UID(), "model_path", spec.Output.ModelPath)
	enc := json.NewEncoder(stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(fitSummary{
		RunID:        model.RunID(),
		ModelUID:     model.UID(),
		EstimatorUID: est.UID(),
		ModelPath:    spec.Output.ModelPath,
		History:      model.History(),
	})
}

func openStore(ctx context.Context, target jobspec.StoreTarget) (store.Store, error) {
	cfg, err := store.ConfigFromEnv()
	if err != nil {
		return nil, fmt.Errorf("store config: %w", err)
	}
	if target.Kind != "" && target.Kind != cfg.Kind {
		cfg.Kind = target.Kind
		if cfg.Kind == store.KindMinIO {
			if cfg.MinIO, err = objectstore.ConfigFromEnv(); err != nil {
				return nil, fmt.Errorf("minio config: %w", err)
			}
		}
	}
	if target.Dir != "" {
		cfg.LocalDir = target.Dir
	}
	return store.Open(ctx, cfg)
}

func readFrame(path string, partitions int) (*dataframe.DataFrame, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open data: %w", err)
	}
	defer f.Close()
	df, err := dataframe.ReadJSONLines(f, partitions)
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", path, err)
	}
	return df, nil
}

func writeFile(path string, data []byte) error {
	if dir := filepath.Dir(path); dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return err
		}
	}
	return os.WriteFile(path, data, 0o644)
}
