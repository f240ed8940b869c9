package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"

	"github.com/animus-labs/animus-train/internal/dataframe"
	"github.com/animus-labs/animus-train/internal/estimator"
	"github.com/animus-labs/animus-train/internal/store"
)

func runTransform(ctx context.Context, args []string, stdout io.Writer, logger *slog.Logger) error {
	fs := flag.NewFlagSet("transform", flag.ContinueOnError)
	fs.SetOutput(io.Discard)
	modelPath := fs.String("model", "", "Path to model metadata written by fit")
	recordUID := fs.String("record", "", "Model uid to load from the record repository instead of -model")
	input := fs.String("input", "", "JSON-lines input rows")
	output := fs.String("output", "", "JSON-lines output path (default stdout)")
	partitions := fs.Int("partitions", 4, "Number of partitions to transform concurrently")
	if err := fs.Parse(args); err != nil {
		return usageError{msg: "transform: " + err.Error()}
	}
	if strings.TrimSpace(*input) == "" {
		return usageError{msg: "transform: -input is required"}
	}
	if (*modelPath == "") == (*recordUID == "") {
		return usageError{msg: "transform: exactly one of -model and -record is required"}
	}

	meta, err := loadModelMetadata(ctx, *modelPath, *recordUID, logger)
	if err != nil {
		return err
	}
	model, err := estimator.LoadModel(meta, logger)
	if err != nil {
		return err
	}
	df, err := readFrame(*input, *partitions)
	if err != nil {
		return err
	}
	out, err := model.Transform(ctx, df)
	if err != nil {
		return err
	}

	w := stdout
	if *output != "" {
		f, err := os.Create(*output)
		if err != nil {
			return fmt.Errorf("create output: %w", err)
		}
		defer f.Close()
		w = f
	}
	if err := dataframe.WriteJSONLines(w, out); err != nil {
		return fmt.Errorf("write output: %w", err)
	}
	logger.Info("transform finished", "model_uid", model.UID(), "rows", out.NumRows())
	return nil
}

func loadModelMetadata(ctx context.Context, path, uid string, logger *slog.Logger) ([]byte, error) {
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read model: %w", err)
		}
		return data, nil
	}
	st, err := store.FromEnv(ctx)
	if err != nil {
		return nil, err
	}
	records, closeRecords, err := openRepository(ctx, st, logger)
	if err != nil {
		return nil, err
	}
	defer closeRecords()
	rec, err := records.Get(ctx, uid)
	if err != nil {
		return nil, fmt.Errorf("load record %s: %w", uid, err)
	}
	if rec.Class != estimator.ClassModel {
		return nil, fmt.Errorf("record %s holds %s, not a model", uid, rec.Class)
	}
	return rec.Payload, nil
}
