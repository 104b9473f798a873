package bus

import (
	"context"
	"errors"
	"strings"
	"sync"

	"github.com/deemkeen/trunk/util"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
)

var ErrClosed = errors.New("bus closed")

// Redis fans messages out to every process connected to the same Redis
// server. All local handlers share one pub/sub connection; a Redis channel is
// subscribed while at least one handler is attached to it.
type Redis struct {
	client *redis.Client
	prefix string
	ps     *redis.PubSub
	log    zerolog.Logger

	// psMu orders attach/detach decisions together with the pub/sub
	// commands they issue; mu alone guards subs for the receive loop.
	psMu sync.Mutex
	mu   sync.Mutex
	subs map[string]map[uint64]func([]byte)
	seq  uint64

	done chan struct{}
	once sync.Once
}

// NewRedis starts the receive loop on a dedicated pub/sub connection. Channel
// names are namespaced with prefix so several deployments can share a server.
func NewRedis(client *redis.Client, prefix string) *Redis {
	b := &Redis{
		client: client,
		prefix: prefix,
		ps:     client.Subscribe(context.Background()),
		log:    util.Logger("bus"),
		subs:   map[string]map[uint64]func([]byte){},
		done:   make(chan struct{}),
	}
	go b.receive()
	return b
}

func (b *Redis) Publish(ctx context.Context, channel string, msg []byte) error {
	select {
	case <-b.done:
		return ErrClosed
	default:
	}
	return b.client.Publish(ctx, b.prefix+channel, msg).Err()
}

func (b *Redis) Subscribe(channel string, handler func([]byte)) func() {
	b.psMu.Lock()
	defer b.psMu.Unlock()

	b.mu.Lock()
	b.seq++
	id := b.seq
	first := len(b.subs[channel]) == 0
	if first {
		b.subs[channel] = map[uint64]func([]byte){}
	}
	b.subs[channel][id] = handler
	b.mu.Unlock()

	if first {
		if err := b.ps.Subscribe(context.Background(), b.prefix+channel); err != nil {
			b.log.Error().Err(err).Str("channel", channel).Msg("bus.subscribe.failed")
		}
	}

	var once sync.Once
	return func() {
		once.Do(func() { b.unsubscribe(channel, id) })
	}
}

func (b *Redis) unsubscribe(channel string, id uint64) {
	b.psMu.Lock()
	defer b.psMu.Unlock()

	b.mu.Lock()
	delete(b.subs[channel], id)
	last := len(b.subs[channel]) == 0
	if last {
		delete(b.subs, channel)
	}
	b.mu.Unlock()

	if last {
		if err := b.ps.Unsubscribe(context.Background(), b.prefix+channel); err != nil {
			b.log.Warn().Err(err).Str("channel", channel).Msg("bus.unsubscribe.failed")
		}
	}
}

func (b *Redis) receive() {
	ch := b.ps.Channel()
	for {
		select {
		case <-b.done:
			return
		case m, ok := <-ch:
			if !ok {
				return
			}
			channel := strings.TrimPrefix(m.Channel, b.prefix)
			b.mu.Lock()
			handlers := make([]func([]byte), 0, len(b.subs[channel]))
			for _, h := range b.subs[channel] {
				handlers = append(handlers, h)
			}
			b.mu.Unlock()

			payload := []byte(m.Payload)
			for _, h := range handlers {
				h(payload)
			}
		}
	}
}

// Close stops the receive loop and closes the pub/sub connection. The client
// itself belongs to the caller.
func (b *Redis) Close() error {
	var err error
	b.once.Do(func() {
		close(b.done)
		err = b.ps.Close()
	})
	return err
}
