package prepare

import (
	"fmt"

	"github.com/animus-labs/animus-train/internal/domain"
)

// InferMetadata derives the type and flattened size of every column in cols
// from the values in rows. Integer and float values in one column widen to
// float64.
func InferMetadata(rows []domain.Row, cols []string) (domain.Metadata, error) {
	meta := make(domain.Metadata, len(cols))
	for _, col := range cols {
		if _, done := meta[col]; done {
			continue
		}
		var cm domain.ColumnMetadata
		for i, row := range rows {
			observed, size, nnz, err := observe(row[col])
			if err != nil {
				return nil, &domain.DataPreparationError{Reason: fmt.Sprintf("column %q row %d", col, i), Err: err}
			}
			merged, err := merge(cm, observed, size)
			if err != nil {
				return nil, &domain.DataPreparationError{Reason: fmt.Sprintf("column %q row %d", col, i), Err: err}
			}
			cm = merged
			if nnz > cm.MaxSize {
				cm.MaxSize = nnz
			}
		}
		if cm.Type == "" {
			return nil, &domain.DataPreparationError{Reason: fmt.Sprintf("column %q has no values", col)}
		}
		cm.IsSparse = cm.Type == domain.ColumnSparseVector
		meta[col] = cm
	}
	return meta, nil
}

func observe(v any) (domain.ColumnType, int, int, error) {
	switch t := v.(type) {
	case nil:
		return "", 0, 0, fmt.Errorf("null value")
	case bool:
		return domain.ColumnBool, 1, 1, nil
	case int32:
		return domain.ColumnInt32, 1, 1, nil
	case int, int64:
		return domain.ColumnInt64, 1, 1, nil
	case float32:
		return domain.ColumnFloat32, 1, 1, nil
	case float64:
		return domain.ColumnFloat64, 1, 1, nil
	case domain.DenseVector:
		return domain.ColumnDenseVector, t.Size(), t.Size(), nil
	case domain.SparseVector:
		return domain.ColumnSparseVector, t.Size, t.NumNonzeros(), nil
	default:
		return "", 0, 0, fmt.Errorf("unsupported value type %T", v)
	}
}

func merge(cm domain.ColumnMetadata, observed domain.ColumnType, size int) (domain.ColumnMetadata, error) {
	if cm.Type == "" {
		return domain.ColumnMetadata{Type: observed, Shape: size}, nil
	}
	if cm.Type == observed {
		if cm.Type.IsVector() && cm.Shape != size {
			return cm, fmt.Errorf("vector size %d differs from %d", size, cm.Shape)
		}
		return cm, nil
	}
	numeric := func(t domain.ColumnType) bool { return t.IsScalar() && t != domain.ColumnBool }
	switch {
	case numeric(cm.Type) && numeric(observed):
		cm.Type = widen(cm.Type, observed)
		return cm, nil
	case cm.Type.IsVector() && observed.IsVector():
		if cm.Shape != size {
			return cm, fmt.Errorf("vector size %d differs from %d", size, cm.Shape)
		}
		cm.Type = domain.ColumnDenseVector
		return cm, nil
	default:
		return cm, fmt.Errorf("mixed value types %s and %s", cm.Type, observed)
	}
}

func widen(a, b domain.ColumnType) domain.ColumnType {
	if a.IsIntegral() && b.IsIntegral() {
		return domain.ColumnInt64
	}
	if a == domain.ColumnFloat32 && b == domain.ColumnFloat32 {
		return domain.ColumnFloat32
	}
	return domain.ColumnFloat64
}
