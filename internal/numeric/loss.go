package numeric

import (
	"fmt"
	"math"
	"sort"
	"strconv"
	"strings"
)

// LossFunc returns the mean loss over pred and the gradient of that mean
// with respect to each prediction.
type LossFunc func(pred, target []float32) (float32, []float32)

// LossConstructor builds a LossFunc from numeric arguments.
type LossConstructor func(args ...float64) (LossFunc, error)

var losses = map[string]LossFunc{
	"mse": MSE,
	"mae": MAE,
	"bce": BCE,
}

var lossConstructors = map[string]LossConstructor{
	"huber": func(args ...float64) (LossFunc, error) {
		delta := 1.0
		if len(args) > 0 {
			delta = args[0]
		}
		if delta <= 0 {
			return nil, fmt.Errorf("huber delta must be positive, got %v", delta)
		}
		return Huber(float32(delta)), nil
	},
	"scaled_mse": func(args ...float64) (LossFunc, error) {
		scale := 1.0
		if len(args) > 0 {
			scale = args[0]
		}
		return scaled(MSE, float32(scale)), nil
	},
}

// Loss resolves a named loss.
func Loss(name string) (LossFunc, error) {
	fn, ok := losses[strings.ToLower(strings.TrimSpace(name))]
	if !ok {
		return nil, fmt.Errorf("unknown loss %q", name)
	}
	return fn, nil
}

func LossNames() []string {
	out := make([]string, 0, len(losses))
	for k := range losses {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}

// BuildLoss resolves a loss constructor expression of the form
// "name" or "name:arg1,arg2".
func BuildLoss(expr string) (LossFunc, error) {
	name, rawArgs, _ := strings.Cut(strings.TrimSpace(expr), ":")
	ctor, ok := lossConstructors[strings.ToLower(strings.TrimSpace(name))]
	if !ok {
		return nil, fmt.Errorf("unknown loss constructor %q", name)
	}
	var args []float64
	if strings.TrimSpace(rawArgs) != "" {
		for _, part := range strings.Split(rawArgs, ",") {
			v, err := strconv.ParseFloat(strings.TrimSpace(part), 64)
			if err != nil {
				return nil, fmt.Errorf("loss constructor %q: invalid argument %q", name, part)
			}
			args = append(args, v)
		}
	}
	return ctor(args...)
}

func MSE(pred, target []float32) (float32, []float32) {
	n := float32(len(pred))
	if n == 0 {
		return 0, nil
	}
	grad := make([]float32, len(pred))
	var total float32
	for i := range pred {
		d := pred[i] - target[i]
		total += d * d
		grad[i] = 2 * d / n
	}
	return total / n, grad
}

func MAE(pred, target []float32) (float32, []float32) {
	n := float32(len(pred))
	if n == 0 {
		return 0, nil
	}
	grad := make([]float32, len(pred))
	var total float32
	for i := range pred {
		d := pred[i] - target[i]
		total += float32(math.Abs(float64(d)))
		switch {
		case d > 0:
			grad[i] = 1 / n
		case d < 0:
			grad[i] = -1 / n
		}
	}
	return total / n, grad
}

// BCE is binary cross-entropy over logits.
func BCE(pred, target []float32) (float32, []float32) {
	n := float32(len(pred))
	if n == 0 {
		return 0, nil
	}
	grad := make([]float32, len(pred))
	var total float64
	for i := range pred {
		x := float64(pred[i])
		y := float64(target[i])
		// max(x,0) - x*y + log(1+exp(-|x|))
		total += math.Max(x, 0) - x*y + math.Log1p(math.Exp(-math.Abs(x)))
		p := 1 / (1 + math.Exp(-x))
		grad[i] = float32(p-y) / n
	}
	return float32(total) / n, grad
}

func Huber(delta float32) LossFunc {
	return func(pred, target []float32) (float32, []float32) {
		n := float32(len(pred))
		if n == 0 {
			return 0, nil
		}
		grad := make([]float32, len(pred))
		var total float32
		for i := range pred {
			d := pred[i] - target[i]
			ad := float32(math.Abs(float64(d)))
			if ad <= delta {
				total += 0.5 * d * d
				grad[i] = d / n
				continue
			}
			total += delta * (ad - 0.5*delta)
			if d > 0 {
				grad[i] = delta / n
			} else {
				grad[i] = -delta / n
			}
		}
		return total / n, grad
	}
}

func scaled(fn LossFunc, scale float32) LossFunc {
	return func(pred, target []float32) (float32, []float32) {
		v, g := fn(pred, target)
		for i := range g {
			g[i] *= scale
		}
		return v * scale, g
	}
}

// Metric returns the named evaluation metric's value only.
func Metric(name string) (func(pred, target []float32) float64, error) {
	fn, err := Loss(name)
	if err != nil {
		return nil, fmt.Errorf("unknown metric %q", name)
	}
	return func(pred, target []float32) float64 {
		v, _ := fn(pred, target)
		return float64(v)
	}, nil
}
