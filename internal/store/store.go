// Package store lays out run artifacts (prepared shards, metadata,
// checkpoints, worker results) under a prefix and reads and writes them on
// the local filesystem or an S3-compatible bucket.
package store

import (
	"context"
	"errors"
	"fmt"
	"path"
	"strings"
)

// ErrNotFound is returned by Read when the path does not exist.
var ErrNotFound = errors.New("store: not found")

// Store is the checkpoint and data store shared by the driver and workers.
// Paths returned by the layout methods are opaque to callers and only valid
// for the store that produced them.
type Store interface {
	// CheckpointPath returns the checkpoint location for runID, or false
	// when the store keeps no checkpoints for it.
	CheckpointPath(runID string) (string, bool)
	Exists(ctx context.Context, p string) (bool, error)
	Read(ctx context.Context, p string) ([]byte, error)
	Write(ctx context.Context, p string, data []byte) error
	Delete(ctx context.Context, p string) error

	RunPath(runID string) string
	RunResultPath(runID string, rank int) string
	TrainDataPath(idx int) string
	ValDataPath(idx int) string
	MetadataPath() string
	RecordPath(uid string) string
}

// layout builds paths relative to a root using forward slashes.
type layout struct {
	root string
}

func (l layout) join(parts ...string) string {
	return path.Join(append([]string{l.root}, parts...)...)
}

func (l layout) CheckpointPath(runID string) (string, bool) {
	runID = strings.TrimSpace(runID)
	if runID == "" {
		return "", false
	}
	return l.join("runs", runID, "checkpoint.bin"), true
}

func (l layout) RunPath(runID string) string {
	return l.join("runs", runID)
}

func (l layout) RunResultPath(runID string, rank int) string {
	return l.join("runs", runID, "results", fmt.Sprintf("rank-%05d.bin", rank))
}

func (l layout) TrainDataPath(idx int) string {
	return l.join("intermediate", "train", fmt.Sprintf("part-%05d.jsonl", idx))
}

func (l layout) ValDataPath(idx int) string {
	return l.join("intermediate", "val", fmt.Sprintf("part-%05d.jsonl", idx))
}

func (l layout) MetadataPath() string {
	return l.join("intermediate", "metadata.json")
}

// RecordPath locates the persisted metadata record of an estimator or model.
func (l layout) RecordPath(uid string) string {
	return l.join("records", uid+".json")
}
