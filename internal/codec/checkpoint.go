package codec

import (
	"fmt"

	"github.com/animus-labs/animus-train/internal/domain"
	"github.com/animus-labs/animus-train/internal/numeric"
)

// Checkpoint is the model and optimizer pair persisted after an epoch.
type Checkpoint struct {
	Epoch     int
	History   domain.History
	Model     numeric.Model
	Optimizer numeric.Optimizer
}

type checkpointEnvelope struct {
	Epoch     int
	History   map[string][]float64
	Model     []byte
	Optimizer []byte
}

type CheckpointCodec struct{}

var Checkpoints Codec[*Checkpoint] = CheckpointCodec{}

func (CheckpointCodec) Encode(cp *Checkpoint) ([]byte, error) {
	if cp == nil {
		return nil, nil
	}
	model, err := Models.Encode(cp.Model)
	if err != nil {
		return nil, fmt.Errorf("encode checkpoint model: %w", err)
	}
	opt, err := Optimizers(cp.Model).Encode(cp.Optimizer)
	if err != nil {
		return nil, fmt.Errorf("encode checkpoint optimizer: %w", err)
	}
	return seal(checkpointEnvelope{
		Epoch:     cp.Epoch,
		History:   cp.History.Clone(),
		Model:     model,
		Optimizer: opt,
	})
}

func (CheckpointCodec) Decode(data []byte) (*Checkpoint, error) {
	if len(data) == 0 {
		return nil, nil
	}
	var env checkpointEnvelope
	if err := open(data, &env); err != nil {
		return nil, err
	}
	model, err := Models.Decode(env.Model)
	if err != nil {
		return nil, fmt.Errorf("decode checkpoint model: %w", err)
	}
	var opt numeric.Optimizer
	if model != nil {
		opt, err = Optimizers(model).Decode(env.Optimizer)
		if err != nil {
			return nil, fmt.Errorf("decode checkpoint optimizer: %w", err)
		}
	}
	return &Checkpoint{
		Epoch:     env.Epoch,
		History:   domain.History(env.History).Clone(),
		Model:     model,
		Optimizer: opt,
	}, nil
}
