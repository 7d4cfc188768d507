package uploader

import (
	"context"
	"sync"
)

// slotGate bounds the number of concurrently dispatched work items. The
// limit is a live signal: SetLimit may shrink or grow it mid-run. Shrinking
// never cancels in-flight work; acquisitions are simply held until the
// active count drops below the new limit.
type slotGate struct {
	mu     sync.Mutex
	cond   *sync.Cond
	limit  int
	active int
}

func newSlotGate(limit int) *slotGate {
	if limit < 1 {
		limit = 1
	}

	g := &slotGate{limit: limit}
	g.cond = sync.NewCond(&g.mu)

	return g
}

// SetLimit replaces the concurrency limit. Values below 1 clamp to 1.
func (g *slotGate) SetLimit(n int) {
	if n < 1 {
		n = 1
	}

	g.mu.Lock()
	g.limit = n
	g.mu.Unlock()

	// Increases release held acquirers; decreases take effect as slots drain.
	g.cond.Broadcast()
}

// Limit returns the current limit.
func (g *slotGate) Limit() int {
	g.mu.Lock()
	defer g.mu.Unlock()

	return g.limit
}

// Active returns the number of slots currently held.
func (g *slotGate) Active() int {
	g.mu.Lock()
	defer g.mu.Unlock()

	return g.active
}

// Acquire blocks until a slot is free or the context is canceled.
func (g *slotGate) Acquire(ctx context.Context) error {
	// Wake waiters when the context dies; sync.Cond has no native
	// cancellation support.
	stop := context.AfterFunc(ctx, func() {
		g.mu.Lock()
		g.cond.Broadcast()
		g.mu.Unlock()
	})
	defer stop()

	g.mu.Lock()
	defer g.mu.Unlock()

	for g.active >= g.limit {
		if err := ctx.Err(); err != nil {
			return err
		}

		g.cond.Wait()
	}

	if err := ctx.Err(); err != nil {
		return err
	}

	g.active++

	return nil
}

// Release returns a slot and wakes one held acquirer.
func (g *slotGate) Release() {
	g.mu.Lock()
	g.active--
	g.mu.Unlock()

	g.cond.Signal()
}
