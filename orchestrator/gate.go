package orchestrator

import (
	"context"
	"slices"
	"sync"
)

// gate admits at most n holders at a time. Free slots go to the waiter with
// the lowest rank, FIFO within a rank, the same order the queue claims in.
type gate struct {
	mu      sync.Mutex
	free    int
	waiters []*waiter
}

type waiter struct {
	rank  int
	ready chan struct{}
}

func newGate(n int) *gate { return &gate{free: n} }

// acquire blocks until a slot is granted or ctx ends.
func (g *gate) acquire(ctx context.Context, rank int) error {
	g.mu.Lock()
	if g.free > 0 && len(g.waiters) == 0 {
		g.free--
		g.mu.Unlock()
		return nil
	}
	w := &waiter{rank: rank, ready: make(chan struct{})}
	i := slices.IndexFunc(g.waiters, func(o *waiter) bool { return o.rank > rank })
	if i < 0 {
		i = len(g.waiters)
	}
	g.waiters = slices.Insert(g.waiters, i, w)
	g.mu.Unlock()

	select {
	case <-w.ready:
		return nil
	case <-ctx.Done():
		g.mu.Lock()
		if i := slices.Index(g.waiters, w); i >= 0 {
			g.waiters = slices.Delete(g.waiters, i, i+1)
			g.mu.Unlock()
			return ctx.Err()
		}
		g.mu.Unlock()
		// Granted concurrently with the cancel: hand the slot on.
		g.release()
		return ctx.Err()
	}
}

// release returns a slot, waking the first waiter if any.
func (g *gate) release() {
	g.mu.Lock()
	defer g.mu.Unlock()
	if len(g.waiters) == 0 {
		g.free++
		return
	}
	w := g.waiters[0]
	g.waiters = slices.Delete(g.waiters, 0, 1)
	close(w.ready)
}
