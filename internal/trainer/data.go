package trainer

import (
	"context"
	"errors"
	"fmt"
	"math/rand/v2"

	"github.com/animus-labs/animus-train/internal/collective"
	"github.com/animus-labs/animus-train/internal/domain"
	"github.com/animus-labs/animus-train/internal/numeric"
	"github.com/animus-labs/animus-train/internal/prepare"
	"github.com/animus-labs/animus-train/internal/store"
)

type example struct {
	x []float32
	y []float32
	w float32
}

// layout maps row columns onto the model's flat input and output.
type layout struct {
	features []string
	labels   []string
	weight   string
	inputDim int
	widths   []int
}

func newLayout(cfg Config, m numeric.Model) layout {
	return layout{
		features: cfg.FeatureCols,
		labels:   cfg.LabelCols,
		weight:   cfg.SampleWeightCol,
		inputDim: m.InputDim(),
		widths:   m.OutputWidths(),
	}
}

func (l layout) example(row domain.Row) (example, error) {
	ex := example{x: make([]float32, 0, l.inputDim), w: 1}
	for _, col := range l.features {
		values, err := domain.Float32s(row[col])
		if err != nil {
			return example{}, fmt.Errorf("feature %q: %w", col, err)
		}
		ex.x = append(ex.x, values...)
	}
	if len(ex.x) != l.inputDim {
		return example{}, fmt.Errorf("features flatten to %d values, model expects %d", len(ex.x), l.inputDim)
	}
	if len(l.labels) != len(l.widths) {
		return example{}, fmt.Errorf("%d label columns for %d model heads", len(l.labels), len(l.widths))
	}
	for h, col := range l.labels {
		values, err := domain.Float32s(row[col])
		if err != nil {
			return example{}, fmt.Errorf("label %q: %w", col, err)
		}
		if len(values) != l.widths[h] {
			return example{}, fmt.Errorf("label %q has %d values, head expects %d", col, len(values), l.widths[h])
		}
		ex.y = append(ex.y, values...)
	}
	if l.weight != "" {
		values, err := domain.Float32s(row[l.weight])
		if err != nil || len(values) != 1 {
			return example{}, fmt.Errorf("sample weight %q must be a scalar", l.weight)
		}
		ex.w = values[0]
	}
	return ex, nil
}

// loadExamples reads every shard i with i % size == rank.
func loadExamples(ctx context.Context, st store.Store, pathFor func(int) string, shards, rank, size int, l layout) ([]example, error) {
	if size < 1 {
		size = 1
	}
	var out []example
	for i := rank; i < shards; i += size {
		rows, err := prepare.ReadShard(ctx, st, pathFor(i))
		if err != nil {
			return nil, fmt.Errorf("shard %d: %w", i, err)
		}
		for j, row := range rows {
			ex, err := l.example(row)
			if err != nil {
				return nil, fmt.Errorf("shard %d row %d: %w", i, j, err)
			}
			out = append(out, ex)
		}
	}
	return out, nil
}

// shuffleBuffered streams in through a buffer of the given size, emitting a
// random buffered element for every new one. A buffer of at most one keeps
// the input order.
func shuffleBuffered(in []example, buffer int, rng *rand.Rand) []example {
	out := make([]example, 0, len(in))
	if buffer <= 1 {
		return append(out, in...)
	}
	buf := make([]example, 0, buffer)
	for _, ex := range in {
		if len(buf) < buffer {
			buf = append(buf, ex)
			continue
		}
		i := rng.IntN(len(buf))
		out = append(out, buf[i])
		buf[i] = ex
	}
	rng.Shuffle(len(buf), func(i, j int) { buf[i], buf[j] = buf[j], buf[i] })
	return append(out, buf...)
}

// nextBatch takes up to size examples starting at cursor, wrapping around so
// every rank runs the same number of steps.
func nextBatch(order []example, cursor, size int) ([]example, int) {
	if len(order) == 0 {
		return nil, 0
	}
	n := min(size, len(order))
	batch := make([]example, 0, n)
	for len(batch) < n {
		batch = append(batch, order[cursor])
		cursor = (cursor + 1) % len(order)
	}
	return batch, cursor
}

func stack(batch []example, m numeric.Model) (*numeric.Tensor, [][]float32, []float32, error) {
	xs := make([][]float32, len(batch))
	targets := make([][]float32, len(batch))
	weights := make([]float32, len(batch))
	for i, ex := range batch {
		xs[i], targets[i], weights[i] = ex.x, ex.y, ex.w
	}
	x, err := numeric.Batch(xs, m.InputDim(), m.Backend())
	if err != nil {
		return nil, nil, nil, err
	}
	return x, targets, weights, nil
}

type metric struct {
	name string
	fn   func(pred, target []float32) float64
}

func buildMetrics(names []string) ([]metric, error) {
	out := make([]metric, 0, len(names))
	for _, name := range names {
		fn, err := numeric.Metric(name)
		if err != nil {
			return nil, err
		}
		out = append(out, metric{name: name, fn: fn})
	}
	return out, nil
}

// buildHeads resolves one weighted loss per model head. A single loss is
// shared by every head.
func buildHeads(cfg Config, n int) ([]numeric.HeadLoss, error) {
	var fns []numeric.LossFunc
	switch {
	case len(cfg.LossConstructors) > 0:
		for _, expr := range cfg.LossConstructors {
			fn, err := numeric.BuildLoss(expr)
			if err != nil {
				return nil, err
			}
			fns = append(fns, fn)
		}
	case len(cfg.Loss) > 0:
		for _, name := range cfg.Loss {
			fn, err := numeric.Loss(name)
			if err != nil {
				return nil, err
			}
			fns = append(fns, fn)
		}
	default:
		fns = []numeric.LossFunc{numeric.MSE}
	}
	if len(fns) == 1 && n > 1 {
		for len(fns) < n {
			fns = append(fns, fns[0])
		}
	}
	if len(fns) != n {
		return nil, fmt.Errorf("%d losses for %d model heads", len(fns), n)
	}
	if len(cfg.LossWeights) > 0 && len(cfg.LossWeights) != n {
		return nil, fmt.Errorf("%d loss weights for %d model heads", len(cfg.LossWeights), n)
	}
	heads := make([]numeric.HeadLoss, n)
	for i, fn := range fns {
		heads[i] = numeric.HeadLoss{Fn: fn, Weight: 1}
		if len(cfg.LossWeights) > 0 {
			heads[i].Weight = float32(cfg.LossWeights[i])
		}
	}
	return heads, nil
}

// evaluate scores model on examples without recording gradients and returns
// sample-weighted means over every rank. When heads is set the first value
// is the loss, followed by one value per metric.
func evaluate(ctx context.Context, r collective.Reducer, m numeric.Model, examples []example, heads []numeric.HeadLoss, metrics []metric, batchSize int) ([]float64, error) {
	width := len(metrics)
	if heads != nil {
		width++
	}
	sums := make([]float64, width+1)
	widths := m.OutputWidths()
	for start := 0; start < len(examples); start += batchSize {
		end := min(start+batchSize, len(examples))
		xs := make([][]float32, 0, end-start)
		for _, ex := range examples[start:end] {
			xs = append(xs, ex.x)
		}
		preds, err := numeric.Predict(m, xs)
		if err != nil {
			return nil, err
		}
		for i, pred := range preds {
			ex := examples[start+i]
			w := float64(ex.w)
			col := 0
			if heads != nil {
				var loss float64
				offset := 0
				for h, head := range heads {
					v, _ := head.Fn(pred[offset:offset+widths[h]], ex.y[offset:offset+widths[h]])
					loss += float64(head.Weight) * float64(v)
					offset += widths[h]
				}
				sums[col] += w * loss
				col++
			}
			for _, mt := range metrics {
				sums[col] += w * mt.fn(pred, ex.y)
				col++
			}
			sums[width] += w
		}
	}
	totals, err := globalMean(ctx, r, sums)
	if err != nil {
		return nil, err
	}
	count := totals[width]
	if count <= 0 {
		return nil, errors.New("no rows to evaluate on any rank")
	}
	out := make([]float64, width)
	for i := range out {
		out[i] = totals[i] / count
	}
	return out, nil
}
