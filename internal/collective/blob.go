package collective

import (
	"context"
	"encoding/binary"
	"fmt"
	"math"
	"path"
	"time"
)

// Blobs is the subset of the run store used to exchange gradients between
// worker processes.
type Blobs interface {
	Exists(ctx context.Context, p string) (bool, error)
	Read(ctx context.Context, p string) ([]byte, error)
	Write(ctx context.Context, p string, data []byte) error
	Delete(ctx context.Context, p string) error
}

// BlobGroup exchanges gradients through shared storage. Each step every rank
// writes its vector and polls until all peers have written theirs.
type BlobGroup struct {
	blobs  Blobs
	prefix string
	rank   int
	size   int
	poll   time.Duration
	step   int
}

func NewBlobGroup(blobs Blobs, prefix string, rank, size int, poll time.Duration) (*BlobGroup, error) {
	if blobs == nil {
		return nil, fmt.Errorf("blob store is required")
	}
	if size < 1 || rank < 0 || rank >= size {
		return nil, fmt.Errorf("invalid rank %d for group of %d", rank, size)
	}
	if poll <= 0 {
		poll = 200 * time.Millisecond
	}
	return &BlobGroup{blobs: blobs, prefix: prefix, rank: rank, size: size, poll: poll}, nil
}

func (g *BlobGroup) Rank() int { return g.rank }

func (g *BlobGroup) Size() int { return g.size }

func (g *BlobGroup) key(step, rank int) string {
	return path.Join(g.prefix, fmt.Sprintf("step-%08d", step), fmt.Sprintf("rank-%05d.bin", rank))
}

func (g *BlobGroup) AllReduceMean(ctx context.Context, vec []float32) error {
	g.step++
	step := g.step
	if err := g.blobs.Write(ctx, g.key(step, g.rank), encodeFloats(vec)); err != nil {
		return fmt.Errorf("publish step %d: %w", step, err)
	}

	sum := make([]float32, len(vec))
	for peer := 0; peer < g.size; peer++ {
		data, err := g.await(ctx, g.key(step, peer))
		if err != nil {
			return fmt.Errorf("step %d rank %d: %w", step, peer, err)
		}
		values, err := decodeFloats(data)
		if err != nil {
			return fmt.Errorf("step %d rank %d: %w", step, peer, err)
		}
		if len(values) != len(vec) {
			return fmt.Errorf("step %d rank %d contributed %d values, want %d", step, peer, len(values), len(vec))
		}
		for i, v := range values {
			sum[i] += v
		}
	}
	scale := 1 / float32(g.size)
	for i := range vec {
		vec[i] = sum[i] * scale
	}

	// Every peer has published step, so all of them finished reading step-1.
	if step > 1 {
		_ = g.blobs.Delete(ctx, g.key(step-1, g.rank))
	}
	return nil
}

func (g *BlobGroup) await(ctx context.Context, key string) ([]byte, error) {
	ticker := time.NewTicker(g.poll)
	defer ticker.Stop()
	for {
		ok, err := g.blobs.Exists(ctx, key)
		if err != nil {
			return nil, err
		}
		if ok {
			return g.blobs.Read(ctx, key)
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-ticker.C:
		}
	}
}

func encodeFloats(vec []float32) []byte {
	out := make([]byte, 4*len(vec))
	for i, v := range vec {
		binary.LittleEndian.PutUint32(out[4*i:], math.Float32bits(v))
	}
	return out
}

func decodeFloats(data []byte) ([]float32, error) {
	if len(data)%4 != 0 {
		return nil, fmt.Errorf("gradient payload has %d bytes", len(data))
	}
	out := make([]float32, len(data)/4)
	for i := range out {
		out[i] = math.Float32frombits(binary.LittleEndian.Uint32(data[4*i:]))
	}
	return out, nil
}
