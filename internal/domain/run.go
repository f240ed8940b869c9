package domain

// History maps a metric name (e.g. "train_loss", "val_mse") to one value per epoch.
type History map[string][]float64

func (h History) Clone() History {
	if h == nil {
		return History{}
	}
	out := make(History, len(h))
	for k, v := range h {
		values := make([]float64, len(v))
		copy(values, v)
		out[k] = values
	}
	return out
}

func (h History) Append(metric string, value float64) {
	h[metric] = append(h[metric], value)
}

// Epochs returns the number of epochs recorded for the longest metric.
func (h History) Epochs() int {
	n := 0
	for _, v := range h {
		if len(v) > n {
			n = len(v)
		}
	}
	return n
}

// RunResult is what a single worker reports back at the end of a training round.
// Model and Optimizer are codec-encoded payloads.
type RunResult struct {
	Rank      int     `json:"rank"`
	History   History `json:"history"`
	Model     []byte  `json:"model"`
	Optimizer []byte  `json:"optimizer"`
}
