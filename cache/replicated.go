// Package cache holds process-local views of database state that are kept
// current by notices on the broadcast bus.
package cache

import (
	"context"
	"slices"
	"sync"
	"time"

	"github.com/deemkeen/trunk/bus"
	"github.com/deemkeen/trunk/util"
	"github.com/rs/zerolog"
)

type NoticeKind int

const (
	NoticeCreated NoticeKind = iota + 1
	NoticeUpdated
	NoticeDeleted
)

// Notice is a decoded change announcement. Item carries the full new state;
// Active reports whether it belongs in the active view.
type Notice[T any] struct {
	Kind   NoticeKind
	Item   T
	Active bool
}

type ReplicatedOptions[T any] struct {
	Name     string
	Bus      bus.Bus
	FetchAll func(ctx context.Context) ([]T, error)
	Key      func(T) string
	// Decode maps an envelope from the internal channel to a notice. It
	// returns false for envelopes this cache does not care about.
	Decode func(env bus.Envelope) (Notice[T], bool)
	// RefreshInterval forces a full refetch on the next Get once this much
	// time has passed since the last one. Zero disables it.
	RefreshInterval time.Duration
}

// Replicated is the list of active resources of one kind, populated lazily
// from the database and then patched in place by notices.
type Replicated[T any] struct {
	opts  ReplicatedOptions[T]
	unsub func()
	now   func() time.Time
	log   zerolog.Logger

	mu        sync.Mutex
	items     []T
	populated bool
	fetchedAt time.Time
}

// NewReplicated subscribes to the internal channel right away; notices that
// arrive before the first Get are ignored.
func NewReplicated[T any](opts ReplicatedOptions[T]) *Replicated[T] {
	c := &Replicated[T]{opts: opts, now: time.Now, log: util.Logger("cache")}
	c.unsub = opts.Bus.Subscribe(bus.ChannelInternal, c.onMessage)
	return c
}

// Get returns a copy of the active view, fetching it when needed.
func (c *Replicated[T]) Get(ctx context.Context) ([]T, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.populated && (c.opts.RefreshInterval <= 0 || c.now().Sub(c.fetchedAt) < c.opts.RefreshInterval) {
		return slices.Clone(c.items), nil
	}

	// The lock is held across the fetch so a notice arriving meanwhile is
	// applied on top of the fetched state, never before it.
	items, err := c.opts.FetchAll(ctx)
	if err != nil {
		return nil, err
	}
	c.items = items
	c.populated = true
	c.fetchedAt = c.now()
	return slices.Clone(c.items), nil
}

// Invalidate drops the cached view; the next Get refetches.
func (c *Replicated[T]) Invalidate() {
	c.mu.Lock()
	c.items = nil
	c.populated = false
	c.mu.Unlock()
}

func (c *Replicated[T]) Close() {
	c.unsub()
}

func (c *Replicated[T]) onMessage(msg []byte) {
	env, err := bus.Decode(msg)
	if err != nil {
		c.log.Debug().Err(err).Str("cache", c.opts.Name).Msg("cache.notice.malformed")
		return
	}
	notice, ok := c.opts.Decode(env)
	if !ok {
		return
	}
	c.Apply(notice)
}

// Apply folds one notice into the view.
func (c *Replicated[T]) Apply(n Notice[T]) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.populated {
		return
	}

	key := c.opts.Key(n.Item)
	idx := slices.IndexFunc(c.items, func(it T) bool { return c.opts.Key(it) == key })

	switch n.Kind {
	case NoticeCreated:
		if n.Active && idx < 0 {
			c.items = append(c.items, n.Item)
		}
	case NoticeUpdated:
		switch {
		case n.Active && idx >= 0:
			c.items[idx] = n.Item
		case n.Active:
			c.items = append(c.items, n.Item)
		case idx >= 0:
			c.items = slices.Delete(c.items, idx, idx+1)
		}
	case NoticeDeleted:
		if idx >= 0 {
			c.items = slices.Delete(c.items, idx, idx+1)
		}
	}
}
