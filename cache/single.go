package cache

import (
	"context"
	"sync"
	"time"
)

// Single is a TTL cell around one fetched value.
type Single[T any] struct {
	ttl   time.Duration
	fetch func(ctx context.Context) (T, error)
	now   func() time.Time

	mu        sync.Mutex
	value     T
	valid     bool
	fetchedAt time.Time
}

func NewSingle[T any](ttl time.Duration, fetch func(ctx context.Context) (T, error)) *Single[T] {
	return &Single[T]{ttl: ttl, fetch: fetch, now: time.Now}
}

func (c *Single[T]) Get(ctx context.Context) (T, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.valid && (c.ttl <= 0 || c.now().Sub(c.fetchedAt) < c.ttl) {
		return c.value, nil
	}
	v, err := c.fetch(ctx)
	if err != nil {
		var zero T
		return zero, err
	}
	c.value, c.valid, c.fetchedAt = v, true, c.now()
	return v, nil
}

func (c *Single[T]) Set(v T) {
	c.mu.Lock()
	c.value, c.valid, c.fetchedAt = v, true, c.now()
	c.mu.Unlock()
}

func (c *Single[T]) Invalidate() {
	c.mu.Lock()
	c.valid = false
	c.mu.Unlock()
}
