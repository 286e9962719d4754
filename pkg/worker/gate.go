package worker

import (
	"context"
	"sync"
)

// concurrencyGate is a resizable counting semaphore: Acquire blocks until
// the in-flight count is below the current cap or ctx is done, and
// SetCap can change the cap at any time without callers having to
// re-create the semaphore. A cap of 0 or less means unbounded.
type concurrencyGate struct {
	mu   sync.Mutex
	cond *sync.Cond
	cap  int
	cur  int
}

func newConcurrencyGate(initial int) *concurrencyGate {
	g := &concurrencyGate{cap: initial}
	g.cond = sync.NewCond(&g.mu)
	return g
}

// SetCap changes the concurrency cap and wakes any goroutine waiting in
// Acquire so it can re-check against the new value.
func (g *concurrencyGate) SetCap(n int) {
	g.mu.Lock()
	g.cap = n
	g.mu.Unlock()
	g.cond.Broadcast()
}

// Acquire blocks until a slot is free under the current cap, then takes
// it and returns true. It returns false without taking a slot if ctx is
// done first.
func (g *concurrencyGate) Acquire(ctx context.Context) bool {
	stop := context.AfterFunc(ctx, func() {
		g.mu.Lock()
		g.cond.Broadcast()
		g.mu.Unlock()
	})
	defer stop()

	g.mu.Lock()
	defer g.mu.Unlock()
	for g.cap > 0 && g.cur >= g.cap {
		if ctx.Err() != nil {
			return false
		}
		g.cond.Wait()
	}
	if ctx.Err() != nil {
		return false
	}
	g.cur++
	return true
}

// Release frees a slot taken by a successful Acquire.
func (g *concurrencyGate) Release() {
	g.mu.Lock()
	g.cur--
	g.mu.Unlock()
	g.cond.Broadcast()
}

func (g *concurrencyGate) hasFreeCapacity() bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.cap <= 0 || g.cur < g.cap
}
