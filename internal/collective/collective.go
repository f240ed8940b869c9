// Package collective averages gradient vectors across the workers of one
// training round. Every call is a barrier: it returns only after all ranks
// contributed to the same step.
package collective

import (
	"context"
	"fmt"
	"sync"
)

// Reducer is one rank's handle on a synchronous group.
type Reducer interface {
	Rank() int
	Size() int
	// AllReduceMean replaces vec with the element-wise mean over all ranks.
	AllReduceMean(ctx context.Context, vec []float32) error
}

type solo struct{}

// Solo returns a reducer for a group of one.
func Solo() Reducer { return solo{} }

func (solo) Rank() int { return 0 }

func (solo) Size() int { return 1 }

func (solo) AllReduceMean(context.Context, []float32) error { return nil }

// Group is an in-process group whose members run as goroutines.
type Group struct {
	size    int
	mu      sync.Mutex
	current *round
}

type round struct {
	sum     []float32
	arrived int
	done    chan struct{}
	err     error
}

func NewGroup(size int) *Group {
	if size < 1 {
		size = 1
	}
	return &Group{size: size}
}

func (g *Group) Size() int { return g.size }

func (g *Group) Member(rank int) Reducer {
	return &member{group: g, rank: rank}
}

type member struct {
	group *Group
	rank  int
}

func (m *member) Rank() int { return m.rank }

func (m *member) Size() int { return m.group.size }

func (m *member) AllReduceMean(ctx context.Context, vec []float32) error {
	g := m.group
	g.mu.Lock()
	r := g.current
	if r == nil {
		r = &round{sum: make([]float32, len(vec)), done: make(chan struct{})}
		g.current = r
	}
	if len(vec) != len(r.sum) {
		if r.err == nil {
			r.err = fmt.Errorf("rank %d contributed %d values, group expects %d", m.rank, len(vec), len(r.sum))
		}
	} else {
		for i, v := range vec {
			r.sum[i] += v
		}
	}
	r.arrived++
	if r.arrived == g.size {
		scale := 1 / float32(g.size)
		for i := range r.sum {
			r.sum[i] *= scale
		}
		g.current = nil
		close(r.done)
	}
	g.mu.Unlock()

	select {
	case <-r.done:
	case <-ctx.Done():
		return ctx.Err()
	}
	if r.err != nil {
		return r.err
	}
	copy(vec, r.sum)
	return nil
}
