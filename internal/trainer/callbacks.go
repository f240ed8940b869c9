package trainer

import (
	"fmt"
	"math"
	"strconv"
	"strings"

	"github.com/animus-labs/animus-train/internal/domain"
	"github.com/animus-labs/animus-train/internal/numeric"
)

// Callback runs after every epoch on every rank. History is identical on all
// ranks at that point, so callbacks make the same decision everywhere.
type Callback interface {
	// OnEpochEnd returns true to stop training.
	OnEpochEnd(epoch int, history domain.History, opt numeric.Optimizer) bool
}

// ParseCallbacks builds callbacks from "name:arg[:arg]" expressions:
//
//	lr_decay:<factor>                  multiply the learning rate every epoch
//	early_stopping:<patience>[:metric] stop when metric stops improving
func ParseCallbacks(exprs []string) ([]Callback, error) {
	out := make([]Callback, 0, len(exprs))
	for _, expr := range exprs {
		parts := strings.Split(strings.TrimSpace(expr), ":")
		switch strings.ToLower(parts[0]) {
		case "lr_decay":
			if len(parts) != 2 {
				return nil, fmt.Errorf("lr_decay takes one factor, got %q", expr)
			}
			factor, err := strconv.ParseFloat(parts[1], 32)
			if err != nil || factor <= 0 {
				return nil, fmt.Errorf("invalid lr_decay factor %q", parts[1])
			}
			out = append(out, lrDecay{factor: float32(factor)})
		case "early_stopping":
			if len(parts) < 2 || len(parts) > 3 {
				return nil, fmt.Errorf("early_stopping takes a patience and an optional metric, got %q", expr)
			}
			patience, err := strconv.Atoi(parts[1])
			if err != nil || patience < 1 {
				return nil, fmt.Errorf("invalid early_stopping patience %q", parts[1])
			}
			cb := &earlyStopping{patience: patience}
			if len(parts) == 3 {
				cb.metric = parts[2]
			}
			out = append(out, cb)
		default:
			return nil, fmt.Errorf("unknown callback %q", expr)
		}
	}
	return out, nil
}

type lrDecay struct {
	factor float32
}

func (c lrDecay) OnEpochEnd(_ int, _ domain.History, opt numeric.Optimizer) bool {
	opt.SetLR(opt.GetLR() * c.factor)
	return false
}

type earlyStopping struct {
	patience int
	metric   string
	best     float64
	seen     bool
	waited   int
}

func (c *earlyStopping) OnEpochEnd(_ int, history domain.History, _ numeric.Optimizer) bool {
	metric := c.metric
	if metric == "" {
		metric = "train_loss"
		if _, ok := history["val_loss"]; ok {
			metric = "val_loss"
		}
	}
	values := history[metric]
	if len(values) == 0 {
		return false
	}
	latest := values[len(values)-1]
	if !c.seen || latest < c.best || math.IsNaN(c.best) {
		c.best, c.seen, c.waited = latest, true, 0
		return false
	}
	c.waited++
	return c.waited >= c.patience
}

func stopTraining(callbacks []Callback, epoch int, history domain.History, opt numeric.Optimizer) bool {
	stop := false
	for _, cb := range callbacks {
		if cb.OnEpochEnd(epoch, history, opt) {
			stop = true
		}
	}
	return stop
}
