// Package settle provides a counting wait primitive used by the
// connection lifecycle's graceful close (§4.10): a close with
// awaitPending=true reinstruments every outstanding pending call so
// that its natural resolution also ticks this counter down, and close
// proceeds once it reaches zero. Adapted from the teacher's
// util/locks.waitGroup.
package settle

import "sync"

// Group counts outstanding work and lets a waiter block until the
// count returns to zero. Unlike sync.WaitGroup, Wait may be called
// concurrently with Add/Done from multiple goroutines and is safe to
// call when the counter is already zero.
type Group struct {
	mu      sync.Mutex
	cond    *sync.Cond
	counter int
}

// New returns a ready-to-use Group.
func New() *Group {
	g := &Group{}
	g.cond = sync.NewCond(&g.mu)
	return g
}

// Add registers one more outstanding item.
func (g *Group) Add() {
	g.mu.Lock()
	g.counter++
	g.mu.Unlock()
}

// Done marks one outstanding item settled.
func (g *Group) Done() {
	g.mu.Lock()
	g.counter--
	if g.counter < 0 {
		g.mu.Unlock()
		panic("settle: Done called more times than Add")
	}
	if g.counter == 0 {
		g.cond.Broadcast()
	}
	g.mu.Unlock()
}

// Wait blocks until the counter returns to zero.
func (g *Group) Wait() {
	g.mu.Lock()
	defer g.mu.Unlock()
	for g.counter != 0 {
		g.cond.Wait()
	}
}
