// Package dataframe is a small partitioned row container with
// partition-parallel map support.
package dataframe

import (
	"context"
	"fmt"
	"sort"

	"github.com/unixpickle/essentials"
	"golang.org/x/sync/errgroup"

	"github.com/animus-labs/animus-train/internal/domain"
)

// DataFrame holds rows split into ordered partitions.
type DataFrame struct {
	Columns    []string
	Partitions [][]domain.Row
}

func New(columns []string, partitions [][]domain.Row) *DataFrame {
	if partitions == nil {
		partitions = [][]domain.Row{}
	}
	return &DataFrame{Columns: append([]string(nil), columns...), Partitions: partitions}
}

// FromRows splits rows into n contiguous partitions.
func FromRows(rows []domain.Row, n int) *DataFrame {
	return New(columnsOf(nil, rows), split(rows, n))
}

func split(rows []domain.Row, n int) [][]domain.Row {
	if n < 1 {
		n = 1
	}
	if n > len(rows) && len(rows) > 0 {
		n = len(rows)
	}
	out := make([][]domain.Row, n)
	base, extra := len(rows)/n, len(rows)%n
	offset := 0
	for i := 0; i < n; i++ {
		size := base
		if i < extra {
			size++
		}
		out[i] = rows[offset : offset+size : offset+size]
		offset += size
	}
	return out
}

func (df *DataFrame) NumPartitions() int {
	return len(df.Partitions)
}

func (df *DataFrame) NumRows() int {
	n := 0
	for _, p := range df.Partitions {
		n += len(p)
	}
	return n
}

// Rows returns every row in partition order.
func (df *DataFrame) Rows() []domain.Row {
	out := make([]domain.Row, 0, df.NumRows())
	for _, p := range df.Partitions {
		out = append(out, p...)
	}
	return out
}

func (df *DataFrame) HasColumn(name string) bool {
	return essentials.Contains(df.Columns, name)
}

func (df *DataFrame) Repartition(n int) *DataFrame {
	return New(df.Columns, split(df.Rows(), n))
}

// PartitionFunc transforms one partition. Implementations must not retain rows.
type PartitionFunc func(ctx context.Context, idx int, rows []domain.Row) ([]domain.Row, error)

// MapPartitions applies fn to every partition concurrently. Output partitions
// keep input order and the first error cancels the remaining work.
func (df *DataFrame) MapPartitions(ctx context.Context, fn PartitionFunc) (*DataFrame, error) {
	out := make([][]domain.Row, len(df.Partitions))
	g, gctx := errgroup.WithContext(ctx)
	for i, part := range df.Partitions {
		g.Go(func() error {
			rows, err := fn(gctx, i, part)
			if err != nil {
				return fmt.Errorf("partition %d: %w", i, err)
			}
			out[i] = rows
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	var all []domain.Row
	for _, p := range out {
		all = append(all, p...)
	}
	return New(columnsOf(df.Columns, all), out), nil
}

// columnsOf keeps known in order and appends any new keys in sorted order.
func columnsOf(known []string, rows []domain.Row) []string {
	seen := make(map[string]struct{}, len(known))
	out := append([]string(nil), known...)
	for _, c := range known {
		seen[c] = struct{}{}
	}
	var extra []string
	for _, row := range rows {
		for k := range row {
			if _, ok := seen[k]; ok {
				continue
			}
			seen[k] = struct{}{}
			extra = append(extra, k)
		}
	}
	sort.Strings(extra)
	return append(out, extra...)
}
