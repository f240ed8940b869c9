// Package prepare splits a dataframe into training and validation shards in
// the run store, infers per-column metadata and checks declared tensor shapes
// against it.
package prepare

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/animus-labs/animus-train/internal/dataframe"
	"github.com/animus-labs/animus-train/internal/domain"
	"github.com/animus-labs/animus-train/internal/store"
)

// Request carries everything the preparer needs for one fit.
type Request struct {
	NumProcesses         int
	Store                store.Store
	DataFrame            *dataframe.DataFrame
	LabelCols            []string
	FeatureCols          []string
	ValidationCol        string
	ValidationSplit      float64
	SampleWeightCol      string
	PartitionsPerProcess int
}

// Prepared describes shards already written to the store. Workers locate
// them through TrainDataPath and ValDataPath for shard indexes [0, Shards).
type Prepared struct {
	TrainRows  int             `json:"train_rows"`
	ValRows    int             `json:"val_rows"`
	AvgRowSize int             `json:"avg_row_size"`
	Shards     int             `json:"shards"`
	Metadata   domain.Metadata `json:"metadata"`
}

type Preparer interface {
	Prepare(ctx context.Context, req Request) (Prepared, error)
	// SimpleMeta reads the sidecar of data already prepared in st.
	SimpleMeta(ctx context.Context, st store.Store, labelCols, featureCols []string, sampleWeightCol string) (Prepared, error)
}

// StorePreparer writes JSON-lines shards to the run store.
type StorePreparer struct {
	logger *slog.Logger
}

func NewStorePreparer(logger *slog.Logger) *StorePreparer {
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	return &StorePreparer{logger: logger}
}

func (p *StorePreparer) Prepare(ctx context.Context, req Request) (Prepared, error) {
	if err := validateRequest(req); err != nil {
		return Prepared{}, err
	}
	rows := req.DataFrame.Rows()
	train, val, err := splitRows(rows, req.ValidationCol, req.ValidationSplit)
	if err != nil {
		return Prepared{}, err
	}
	if len(train) == 0 {
		return Prepared{}, &domain.DataPreparationError{Reason: "training set is empty after the validation split"}
	}

	columns := append(append([]string{}, req.FeatureCols...), req.LabelCols...)
	if req.SampleWeightCol != "" {
		columns = append(columns, req.SampleWeightCol)
	}
	meta, err := InferMetadata(rows, columns)
	if err != nil {
		return Prepared{}, err
	}

	shards := req.NumProcesses * req.PartitionsPerProcess
	trainBytes, err := writeShards(ctx, req.Store, req.Store.TrainDataPath, train, shards)
	if err != nil {
		return Prepared{}, err
	}
	valBytes, err := writeShards(ctx, req.Store, req.Store.ValDataPath, val, shards)
	if err != nil {
		return Prepared{}, err
	}

	out := Prepared{
		TrainRows:  len(train),
		ValRows:    len(val),
		AvgRowSize: (trainBytes + valBytes) / (len(train) + len(val)),
		Shards:     shards,
		Metadata:   meta,
	}
	sidecar, err := json.Marshal(out)
	if err != nil {
		return Prepared{}, fmt.Errorf("marshal metadata: %w", err)
	}
	if err := req.Store.Write(ctx, req.Store.MetadataPath(), sidecar); err != nil {
		return Prepared{}, &domain.DataPreparationError{Reason: "write metadata", Err: err}
	}
	p.logger.Debug("data prepared", "train_rows", out.TrainRows, "val_rows", out.ValRows, "shards", shards, "avg_row_size", out.AvgRowSize)
	return out, nil
}

func (p *StorePreparer) SimpleMeta(ctx context.Context, st store.Store, labelCols, featureCols []string, sampleWeightCol string) (Prepared, error) {
	if st == nil {
		return Prepared{}, &domain.DataPreparationError{Reason: "store is required"}
	}
	data, err := st.Read(ctx, st.MetadataPath())
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return Prepared{}, &domain.DataPreparationError{Reason: "no prepared dataset in store", Err: err}
		}
		return Prepared{}, &domain.DataPreparationError{Reason: "read metadata", Err: err}
	}
	var out Prepared
	if err := json.Unmarshal(data, &out); err != nil {
		return Prepared{}, &domain.DataPreparationError{Reason: "decode metadata", Err: err}
	}
	required := append(append([]string{}, featureCols...), labelCols...)
	if sampleWeightCol != "" {
		required = append(required, sampleWeightCol)
	}
	for _, col := range required {
		if _, ok := out.Metadata.Lookup(col); !ok {
			return Prepared{}, &domain.DataPreparationError{Reason: fmt.Sprintf("column %q is not in the prepared dataset", col)}
		}
	}
	if out.Shards < 1 || out.TrainRows < 1 {
		return Prepared{}, &domain.DataPreparationError{Reason: "prepared dataset has no training rows"}
	}
	return out, nil
}

func validateRequest(req Request) error {
	switch {
	case req.Store == nil:
		return &domain.DataPreparationError{Reason: "store is required"}
	case req.DataFrame == nil:
		return &domain.DataPreparationError{Reason: "dataframe is required"}
	case req.NumProcesses < 1:
		return &domain.DataPreparationError{Reason: fmt.Sprintf("num_processes must be positive, got %d", req.NumProcesses)}
	case req.PartitionsPerProcess < 1:
		return &domain.DataPreparationError{Reason: fmt.Sprintf("partitions_per_process must be positive, got %d", req.PartitionsPerProcess)}
	case req.ValidationSplit < 0 || req.ValidationSplit >= 1:
		return &domain.DataPreparationError{Reason: fmt.Sprintf("validation split %v outside [0,1)", req.ValidationSplit)}
	case len(req.FeatureCols) == 0 || len(req.LabelCols) == 0:
		return &domain.DataPreparationError{Reason: "feature and label columns are required"}
	}
	var missing []string
	for _, col := range append(append(append([]string{}, req.FeatureCols...), req.LabelCols...), req.SampleWeightCol, req.ValidationCol) {
		if col != "" && !req.DataFrame.HasColumn(col) {
			missing = append(missing, col)
		}
	}
	if len(missing) > 0 {
		return &domain.DataPreparationError{Reason: "missing columns: " + strings.Join(missing, ", ")}
	}
	return nil
}

// splitRows routes rows by a boolean validation column when one is set,
// otherwise holds out an evenly spaced floor(n*split) rows.
func splitRows(rows []domain.Row, validationCol string, split float64) (train, val []domain.Row, err error) {
	if validationCol != "" {
		for i, row := range rows {
			flag, ok := row[validationCol].(bool)
			if !ok {
				return nil, nil, &domain.DataPreparationError{Reason: fmt.Sprintf("validation column %q must be boolean, row %d has %T", validationCol, i, row[validationCol])}
			}
			if flag {
				val = append(val, row)
			} else {
				train = append(train, row)
			}
		}
		return train, val, nil
	}
	for i, row := range rows {
		if split > 0 && int(float64(i+1)*split) > int(float64(i)*split) {
			val = append(val, row)
			continue
		}
		train = append(train, row)
	}
	return train, val, nil
}

// writeShards writes exactly n shards, some possibly empty, and returns the
// total encoded size.
func writeShards(ctx context.Context, st store.Store, pathFor func(int) string, rows []domain.Row, n int) (int, error) {
	total := 0
	base, extra := len(rows)/n, len(rows)%n
	offset := 0
	for i := 0; i < n; i++ {
		size := base
		if i < extra {
			size++
		}
		var buf bytes.Buffer
		if err := dataframe.WriteRows(&buf, rows[offset:offset+size]); err != nil {
			return 0, &domain.DataPreparationError{Reason: fmt.Sprintf("encode shard %d", i), Err: err}
		}
		offset += size
		if err := st.Write(ctx, pathFor(i), buf.Bytes()); err != nil {
			return 0, &domain.DataPreparationError{Reason: fmt.Sprintf("write shard %d", i), Err: err}
		}
		total += buf.Len()
	}
	return total, nil
}

// ReadShard loads one shard written by Prepare.
func ReadShard(ctx context.Context, st store.Store, p string) ([]domain.Row, error) {
	data, err := st.Read(ctx, p)
	if err != nil {
		return nil, err
	}
	return dataframe.ReadRows(bytes.NewReader(data))
}
