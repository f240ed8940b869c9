package prepare

import (
	"fmt"

	"github.com/animus-labs/animus-train/internal/domain"
)

// CheckShapeCompatibility verifies that every declared shape flattens to the
// size recorded for its column. A single -1 dimension is inferred. Empty
// shape lists are not checked.
func CheckShapeCompatibility(meta domain.Metadata, featureCols, labelCols []string, inputShapes, outputShapes [][]int) error {
	if err := checkShapes(meta, featureCols, inputShapes, "input_shapes"); err != nil {
		return err
	}
	return checkShapes(meta, labelCols, outputShapes, "output_shapes")
}

func checkShapes(meta domain.Metadata, cols []string, shapes [][]int, field string) error {
	if len(shapes) == 0 {
		for _, col := range cols {
			if _, ok := meta.Lookup(col); !ok {
				return &domain.IncompatibleShapeError{Column: col, Reason: "no column metadata"}
			}
		}
		return nil
	}
	if len(shapes) != len(cols) {
		return &domain.IncompatibleShapeError{
			Column: fmt.Sprint(cols),
			Reason: fmt.Sprintf("%s has %d entries for %d columns", field, len(shapes), len(cols)),
		}
	}
	for i, col := range cols {
		cm, ok := meta.Lookup(col)
		if !ok {
			return &domain.IncompatibleShapeError{Column: col, Reason: "no column metadata"}
		}
		known, wildcards := 1, 0
		for _, dim := range shapes[i] {
			switch {
			case dim == -1:
				wildcards++
			case dim < 1:
				return &domain.IncompatibleShapeError{Column: col, Reason: fmt.Sprintf("invalid dimension %d in %v", dim, shapes[i])}
			default:
				known *= dim
			}
		}
		switch {
		case wildcards > 1:
			return &domain.IncompatibleShapeError{Column: col, Reason: fmt.Sprintf("more than one -1 in %v", shapes[i])}
		case wildcards == 1 && cm.Shape%known != 0:
			return &domain.IncompatibleShapeError{Column: col, Reason: fmt.Sprintf("%v cannot hold %d elements", shapes[i], cm.Shape)}
		case wildcards == 0 && known != cm.Shape:
			return &domain.IncompatibleShapeError{Column: col, Expected: known, Actual: cm.Shape}
		}
	}
	return nil
}

// Resolve returns shape with a -1 dimension replaced so the product is size.
func Resolve(shape []int, size int) []int {
	out := append([]int(nil), shape...)
	known, at := 1, -1
	for i, dim := range out {
		if dim == -1 {
			at = i
			continue
		}
		known *= dim
	}
	if at >= 0 && known > 0 {
		out[at] = size / known
	}
	return out
}
