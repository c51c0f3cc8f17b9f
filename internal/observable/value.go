// Package observable provides a single-value state cell that notifies
// subscribers whenever the value is replaced.
package observable

import (
	"context"
	"sync"
)

// Value holds exactly one current value of T. Replacements are atomic and are
// delivered to every current subscriber synchronously, in replacement order.
// Missed intermediate values are not buffered.
//
// A subscriber callback must not call Set, Update or Subscribe on the same
// Value; doing so deadlocks.
type Value[T any] struct {
	mu      sync.Mutex // guards v, subs, nextID
	deliver sync.Mutex // serializes notification rounds
	v       T
	subs    map[uint64]func(T)
	nextID  uint64
}

// New creates a cell holding initial.
func New[T any](initial T) *Value[T] {
	return &Value[T]{
		v:    initial,
		subs: make(map[uint64]func(T)),
	}
}

// Get returns the current value.
func (c *Value[T]) Get() T {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.v
}

// Set replaces the current value and notifies subscribers.
func (c *Value[T]) Set(v T) {
	c.Update(func(T) T { return v })
}

// Update replaces the current value with fn(current) as one atomic step and
// notifies subscribers. It returns the new value.
func (c *Value[T]) Update(fn func(T) T) T {
	c.deliver.Lock()
	defer c.deliver.Unlock()

	c.mu.Lock()
	next := fn(c.v)
	c.v = next
	subs := c.snapshotLocked()
	c.mu.Unlock()

	for _, sub := range subs {
		sub(next)
	}
	return next
}

// Subscribe registers fn, immediately delivers the current value to it, and
// returns a cancel function. Cancel is idempotent and safe to call from inside
// a callback.
func (c *Value[T]) Subscribe(fn func(T)) (cancel func()) {
	c.deliver.Lock()
	defer c.deliver.Unlock()

	c.mu.Lock()
	id := c.nextID
	c.nextID++
	c.subs[id] = fn
	current := c.v
	c.mu.Unlock()

	fn(current)

	var once sync.Once
	return func() {
		once.Do(func() {
			c.mu.Lock()
			delete(c.subs, id)
			c.mu.Unlock()
		})
	}
}

// Changes returns a channel that carries the current value and then each
// replacement. The channel holds at most one pending value; a newer value
// replaces an unread older one. It is closed after ctx is done.
func (c *Value[T]) Changes(ctx context.Context) <-chan T {
	ch := make(chan T, 1)
	cancel := c.Subscribe(func(v T) {
		for {
			select {
			case ch <- v:
				return
			default:
			}
			select {
			case <-ch:
			default:
			}
		}
	})

	go func() {
		<-ctx.Done()
		cancel()
		// Wait out any delivery that started before cancel.
		c.deliver.Lock()
		c.deliver.Unlock() //nolint:staticcheck // barrier
		close(ch)
	}()
	return ch
}

// Subscribers reports the number of registered subscribers.
func (c *Value[T]) Subscribers() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.subs)
}

func (c *Value[T]) snapshotLocked() []func(T) {
	out := make([]func(T), 0, len(c.subs))
	for _, fn := range c.subs {
		out = append(out, fn)
	}
	return out
}
