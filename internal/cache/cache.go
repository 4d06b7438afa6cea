// Package cache holds a single value loaded on demand and kept for a TTL.
package cache

import (
	"context"
	"sync"
	"time"
)

// Loader produces a fresh value.
type Loader[T any] func(ctx context.Context) (T, error)

// Option customizes a Cache.
type Option[T any] func(*Cache[T])

// WithClock replaces time.Now.
func WithClock[T any](now func() time.Time) Option[T] {
	return func(c *Cache[T]) { c.now = now }
}

// Cache keeps the last successfully loaded value for ttl. Concurrent Gets on an expired
// cache share a single load; failed loads are not cached.
type Cache[T any] struct {
	ttl  time.Duration
	load Loader[T]
	now  func() time.Time

	mu        sync.Mutex
	value     T
	fetchedAt time.Time
	has       bool
	inflight  *call[T]
}

type call[T any] struct {
	done chan struct{}
	val  T
	err  error
}

func New[T any](ttl time.Duration, load Loader[T], opts ...Option[T]) *Cache[T] {
	c := &Cache[T]{ttl: ttl, load: load, now: time.Now}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Get returns the cached value while it is fresh and loads it otherwise. The load runs
// detached from ctx so a caller giving up does not fail the others waiting on it.
func (c *Cache[T]) Get(ctx context.Context) (T, error) {
	c.mu.Lock()
	if c.has && c.now().Sub(c.fetchedAt) < c.ttl {
		v := c.value
		c.mu.Unlock()
		return v, nil
	}
	cl := c.inflight
	if cl == nil {
		cl = &call[T]{done: make(chan struct{})}
		c.inflight = cl
		go c.run(context.WithoutCancel(ctx), cl)
	}
	c.mu.Unlock()

	select {
	case <-cl.done:
		return cl.val, cl.err
	case <-ctx.Done():
		var zero T
		return zero, ctx.Err()
	}
}

func (c *Cache[T]) run(ctx context.Context, cl *call[T]) {
	v, err := c.load(ctx)

	c.mu.Lock()
	cl.val, cl.err = v, err
	if err == nil {
		c.value = v
		c.fetchedAt = c.now()
		c.has = true
	}
	c.inflight = nil
	c.mu.Unlock()
	close(cl.done)
}

// Peek returns the stored value and when it was loaded, without loading.
func (c *Cache[T]) Peek() (T, time.Time, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.value, c.fetchedAt, c.has
}

// Invalidate forces the next Get to load. A load already running is not cancelled.
func (c *Cache[T]) Invalidate() {
	c.mu.Lock()
	c.has = false
	c.mu.Unlock()
}
