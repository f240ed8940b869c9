package main

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/animus-labs/animus-train/internal/dataframe"
	"github.com/animus-labs/animus-train/internal/domain"
)

const testJob = `
schema: animus.train.job.v1
run_id: cli-run
data:
  path: %s
  partitions: 2
  feature_cols: [x]
  label_cols: [y]
model:
  kind: mlp
  spec:
    inputs: [1]
    outputs: [1]
optimizer:
  kind: sgd
  lr: 0.1
training:
  loss: mse
  epochs: 2
  batch_size: 4
  partitions_per_process: 1
  verbose: 0
backend:
  num_proc: 2
store:
  dir: %s
output:
  model_path: %s
`

func writeRows(t *testing.T, path string, n int) {
	t.Helper()
	rows := make([]domain.Row, n)
	for i := range rows {
		x := float64(i)/float64(n) - 0.5
		rows[i] = domain.Row{"x": x, "y": 2*x + 1}
	}
	f, err := os.Create(path)
	if err != nil {
		t.Fatalf("create rows: %v", err)
	}
	defer f.Close()
	if err := dataframe.WriteRows(f, rows); err != nil {
		t.Fatalf("write rows: %v", err)
	}
}

func TestFitThenTransform(t *testing.T) {
	dir := t.TempDir()
	storeDir := filepath.Join(dir, "store")
	t.Setenv("ANIMUS_TRAIN_STORE_KIND", "local")
	t.Setenv("ANIMUS_TRAIN_STORE_DIR", storeDir)
	t.Setenv("ANIMUS_TRAIN_DATABASE_URL", "")

	dataPath := filepath.Join(dir, "train.jsonl")
	writeRows(t, dataPath, 24)
	modelPath := filepath.Join(dir, "out", "model.json")
	jobPath := filepath.Join(dir, "job.yaml")
	if err := os.WriteFile(jobPath, []byte(fmt.Sprintf(testJob, dataPath, storeDir, modelPath)), 0o644); err != nil {
		t.Fatalf("write job: %v", err)
	}

	logger := slog.New(slog.DiscardHandler)
	var stdout bytes.Buffer
	if err := run(context.Background(), []string{"fit", "-job", jobPath}, &stdout, logger); err != nil {
		t.Fatalf("fit: %v", err)
	}
	var summary fitSummary
	if err := json.Unmarshal(stdout.Bytes(), &summary); err != nil {
		t.Fatalf("decode summary: %v", err)
	}
	if summary.RunID != "cli-run" || len(summary.History["train_loss"]) != 2 {
		t.Fatalf("unexpected summary %+v", summary)
	}
	if _, err := os.Stat(modelPath); err != nil {
		t.Fatalf("model metadata not written: %v", err)
	}

	outPath := filepath.Join(dir, "pred.jsonl")
	if err := run(context.Background(), []string{"transform", "-model", modelPath, "-input", dataPath, "-output", outPath}, &stdout, logger); err != nil {
		t.Fatalf("transform: %v", err)
	}
	f, err := os.Open(outPath)
	if err != nil {
		t.Fatalf("open predictions: %v", err)
	}
	defer f.Close()
	rows, err := dataframe.ReadRows(f)
	if err != nil {
		t.Fatalf("read predictions: %v", err)
	}
	if len(rows) != 24 {
		t.Fatalf("expected 24 rows, got %d", len(rows))
	}
	for _, row := range rows {
		if _, ok := row["y__output"].(float64); !ok {
			t.Fatalf("expected float prediction in %v", row)
		}
		if _, ok := row["x"].(float64); !ok {
			t.Fatalf("input column x lost its float type in %v", row)
		}
	}

	stdout.Reset()
	if err := run(context.Background(), []string{"transform", "-record", summary.ModelUID, "-input", dataPath}, &stdout, logger); err != nil {
		t.Fatalf("transform from record: %v", err)
	}
	if got := strings.Count(stdout.String(), "\n"); got != 24 {
		t.Fatalf("expected 24 output lines, got %d", got)
	}
}

func TestRunUsageErrors(t *testing.T) {
	logger := slog.New(slog.DiscardHandler)
	cases := [][]string{
		nil,
		{"bogus"},
		{"fit"},
		{"transform", "-input", "x.jsonl"},
		{"worker"},
	}
	for _, args := range cases {
		err := run(context.Background(), args, &bytes.Buffer{}, logger)
		var uerr usageError
		if !errors.As(err, &uerr) {
			t.Fatalf("%v: expected usage error, got %v", args, err)
		}
	}
}

func TestDefaultRank(t *testing.T) {
	t.Setenv("ANIMUS_TRAIN_RANK", "")
	t.Setenv("JOB_COMPLETION_INDEX", "3")
	if rank, err := defaultRank(); err != nil || rank != 3 {
		t.Fatalf("defaultRank()=%d,%v want 3", rank, err)
	}
	t.Setenv("ANIMUS_TRAIN_RANK", "1")
	if rank, err := defaultRank(); err != nil || rank != 1 {
		t.Fatalf("defaultRank()=%d,%v want 1", rank, err)
	}
	t.Setenv("ANIMUS_TRAIN_RANK", "x")
	if _, err := defaultRank(); err == nil {
		t.Fatalf("expected parse error")
	}
}
