package domain

// Row is a single record of a dataframe keyed by column name. Values are
// scalars (int32, int64, float32, float64, bool, string), DenseVector or
// SparseVector.
type Row map[string]any

func (r Row) Clone() Row {
	if r == nil {
		return Row{}
	}
	out := make(Row, len(r))
	for k, v := range r {
		out[k] = v
	}
	return out
}

// Merge returns a copy of r with fields applied on top.
func (r Row) Merge(fields Row) Row {
	out := make(Row, len(r)+len(fields))
	for k, v := range r {
		out[k] = v
	}
	for k, v := range fields {
		out[k] = v
	}
	return out
}
