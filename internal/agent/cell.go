package agent

import (
	"context"
	"sync"
	"time"
)

// Cell is an observable value. Writers signal every change; behaviours
// wait for a predicate without holding the agent lock.
type Cell[T any] struct {
	mu      sync.Mutex
	v       T
	changed chan struct{}
}

func NewCell[T any](v T) *Cell[T] {
	return &Cell[T]{v: v, changed: make(chan struct{})}
}

func (c *Cell[T]) Get() T {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.v
}

func (c *Cell[T]) Set(v T) {
	c.mu.Lock()
	c.v = v
	ch := c.changed
	c.changed = make(chan struct{})
	c.mu.Unlock()
	close(ch)
}

func (c *Cell[T]) snapshot() (T, <-chan struct{}) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.v, c.changed
}

// Wait suspends b until pred holds for the cell value. It reports false
// when timeout elapses or ctx ends first. A non-positive timeout waits
// indefinitely.
func (c *Cell[T]) Wait(ctx context.Context, b *Behaviour, pred func(T) bool, timeout time.Duration) (T, bool) {
	var deadline time.Time
	if timeout > 0 {
		deadline = time.Now().Add(timeout)
	}
	for {
		v, ch := c.snapshot()
		if pred(v) {
			return v, true
		}
		remaining := time.Duration(0)
		if !deadline.IsZero() {
			remaining = time.Until(deadline)
			if remaining <= 0 {
				return v, false
			}
		}
		if !b.Await(ctx, ch, remaining) {
			v, _ = c.snapshot()
			return v, pred(v)
		}
	}
}
