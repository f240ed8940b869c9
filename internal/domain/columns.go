package domain

import "strings"

// ColumnType describes how a column's values are encoded in a dataframe.
type ColumnType string

const (
	ColumnInt32        ColumnType = "int32"
	ColumnInt64        ColumnType = "int64"
	ColumnFloat32      ColumnType = "float32"
	ColumnFloat64      ColumnType = "float64"
	ColumnBool         ColumnType = "bool"
	ColumnDenseVector  ColumnType = "dense_vector"
	ColumnSparseVector ColumnType = "sparse_vector"
)

func NormalizeColumnType(raw string) ColumnType {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "int", "int32", "integer":
		return ColumnInt32
	case "int64", "long", "bigint":
		return ColumnInt64
	case "float", "float32":
		return ColumnFloat32
	case "double", "float64":
		return ColumnFloat64
	case "bool", "boolean":
		return ColumnBool
	case "dense_vector", "densevector", "vector":
		return ColumnDenseVector
	case "sparse_vector", "sparsevector":
		return ColumnSparseVector
	default:
		return ""
	}
}

func (t ColumnType) IsScalar() bool {
	switch t {
	case ColumnInt32, ColumnInt64, ColumnFloat32, ColumnFloat64, ColumnBool:
		return true
	default:
		return false
	}
}

func (t ColumnType) IsIntegral() bool {
	return t == ColumnInt32 || t == ColumnInt64
}

func (t ColumnType) IsVector() bool {
	return t == ColumnDenseVector || t == ColumnSparseVector
}

// ColumnMetadata records the observed type and flattened size of a column.
// For scalar columns Shape is 1.
type ColumnMetadata struct {
	Type     ColumnType `json:"spark_data_type"`
	Shape    int        `json:"shape"`
	IsSparse bool       `json:"is_sparse_vector_only"`
	MaxSize  int        `json:"max_size"`
}

// Metadata maps column names to their ColumnMetadata. It is produced once by
// data preparation and treated as read-only afterwards.
type Metadata map[string]ColumnMetadata

func (m Metadata) Clone() Metadata {
	if m == nil {
		return Metadata{}
	}
	out := make(Metadata, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}

// Lookup returns the metadata for col and whether it exists.
func (m Metadata) Lookup(col string) (ColumnMetadata, bool) {
	meta, ok := m[col]
	return meta, ok
}
