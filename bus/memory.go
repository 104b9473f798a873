package bus

import (
	"context"
	"sync"
	"sync/atomic"
)

// Memory is an in-process bus. Publish calls every handler synchronously,
// which keeps single-process deployments and tests deterministic.
type Memory struct {
	mu     sync.RWMutex
	subs   map[string]map[uint64]func([]byte)
	seq    atomic.Uint64
	closed atomic.Bool
}

func NewMemory() *Memory {
	return &Memory{subs: map[string]map[uint64]func([]byte){}}
}

func (b *Memory) Publish(_ context.Context, channel string, msg []byte) error {
	if b.closed.Load() {
		return ErrClosed
	}
	// Snapshot handlers so Publish doesn't hold locks while they run.
	b.mu.RLock()
	handlers := make([]func([]byte), 0, len(b.subs[channel]))
	for _, h := range b.subs[channel] {
		handlers = append(handlers, h)
	}
	b.mu.RUnlock()

	for _, h := range handlers {
		h(msg)
	}
	return nil
}

func (b *Memory) Subscribe(channel string, handler func([]byte)) func() {
	id := b.seq.Add(1)

	b.mu.Lock()
	if b.subs[channel] == nil {
		b.subs[channel] = map[uint64]func([]byte){}
	}
	b.subs[channel][id] = handler
	b.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			b.mu.Lock()
			delete(b.subs[channel], id)
			if len(b.subs[channel]) == 0 {
				delete(b.subs, channel)
			}
			b.mu.Unlock()
		})
	}
}

// Subscribers returns the number of handlers attached to channel.
func (b *Memory) Subscribers(channel string) int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs[channel])
}

func (b *Memory) Close() error {
	b.closed.Store(true)
	return nil
}
