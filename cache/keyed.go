package cache

import (
	"context"
	"sync"
	"time"
)

type keyedEntry[V any] struct {
	value     V
	fetchedAt time.Time
}

// inflight tracks fetches of one key. Update and Delete bump gen, so a
// fetch that started before a notice does not store what it read.
type inflight struct {
	fetches int
	gen     uint64
}

// Keyed caches one value per key for a fixed lifetime. Values are treated as
// immutable: Update replaces them with the result of a copy-on-write patch so
// that readers holding an old value never see it change.
type Keyed[V any] struct {
	ttl   time.Duration
	fetch func(ctx context.Context, key string) (V, error)
	now   func() time.Time

	mu       sync.Mutex
	entries  map[string]keyedEntry[V]
	inflight map[string]*inflight
}

func NewKeyed[V any](ttl time.Duration, fetch func(ctx context.Context, key string) (V, error)) *Keyed[V] {
	return &Keyed[V]{
		ttl:     ttl,
		fetch:   fetch,
		now:     time.Now,
		entries:  map[string]keyedEntry[V]{},
		inflight: map[string]*inflight{},
	}
}

func (c *Keyed[V]) Get(ctx context.Context, key string) (V, error) {
	if v, ok := c.Peek(key); ok {
		return v, nil
	}

	c.mu.Lock()
	f := c.inflight[key]
	if f == nil {
		f = &inflight{}
		c.inflight[key] = f
	}
	f.fetches++
	gen := f.gen
	c.mu.Unlock()

	v, err := c.fetch(ctx, key)

	c.mu.Lock()
	defer c.mu.Unlock()
	if f.fetches--; f.fetches == 0 {
		delete(c.inflight, key)
	}
	if err != nil {
		var zero V
		return zero, err
	}
	if f.gen == gen {
		c.entries[key] = keyedEntry[V]{value: v, fetchedAt: c.now()}
	}
	return v, nil
}

// Peek returns the cached value of key without fetching.
func (c *Keyed[V]) Peek(key string) (V, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	e, ok := c.entries[key]
	if !ok || c.expired(e) {
		var zero V
		return zero, false
	}
	return e.value, true
}

// Update patches the cached value of key. Keys that are not cached are left
// alone; the next Get fetches the current state anyway.
func (c *Keyed[V]) Update(key string, patch func(V) V) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.invalidateInflight(key)
	e, ok := c.entries[key]
	if !ok || c.expired(e) {
		return
	}
	e.value = patch(e.value)
	c.entries[key] = e
}

func (c *Keyed[V]) Delete(key string) {
	c.mu.Lock()
	c.invalidateInflight(key)
	delete(c.entries, key)
	c.mu.Unlock()
}

func (c *Keyed[V]) invalidateInflight(key string) {
	if f := c.inflight[key]; f != nil {
		f.gen++
	}
}

func (c *Keyed[V]) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.entries)
}

// Sweep evicts expired entries.
func (c *Keyed[V]) Sweep() {
	c.mu.Lock()
	defer c.mu.Unlock()
	for k, e := range c.entries {
		if c.expired(e) {
			delete(c.entries, k)
		}
	}
}

func (c *Keyed[V]) expired(e keyedEntry[V]) bool {
	return c.ttl > 0 && c.now().Sub(e.fetchedAt) >= c.ttl
}
