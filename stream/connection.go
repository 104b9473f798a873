// Package stream serves live events to clients over a persistent
// connection. Each connection owns a snapshot of its user's relationships,
// a set of joined channels and reference-counted note subscriptions.
package stream

import (
	"context"
	"encoding/json"
	"sync"
	"sync/atomic"
	"time"

	"github.com/deemkeen/trunk/auth"
	"github.com/deemkeen/trunk/bus"
	"github.com/deemkeen/trunk/social"
	"github.com/deemkeen/trunk/util"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

type State int32

const (
	StateConnecting State = iota
	StateActive
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StateActive:
		return "active"
	default:
		return "closed"
	}
}

// eventBuffer bounds the events waiting for the loop goroutine.
const eventBuffer = 256

// NotificationReader marks the notifications of a user read.
type NotificationReader interface {
	ReadAllNotifications(ctx context.Context, userId uuid.UUID) error
}

// Outbound receives encoded frames for the client. Send is only called from
// the loop goroutine.
type Outbound interface {
	Send(frame []byte) error
}

type Deps struct {
	Bus           bus.Bus
	Caches        *social.Caches
	Notifications NotificationReader
	Channels      Registry
	Refresh       time.Duration
}

type Connection struct {
	deps  Deps
	bus   bus.Bus
	user  *uuid.UUID
	token *auth.Claims
	out   Outbound
	log   zerolog.Logger

	state     atomic.Int32
	events    chan func()
	done      chan struct{}
	closeOnce sync.Once
	dispOnce  sync.Once
	ctx       context.Context
	cancel    context.CancelFunc

	// Owned by the loop goroutine.
	snapshot       *Snapshot
	refreshing     bool
	notes          NoteSubscriptions
	noteUnsubs     map[string]func()
	channels       []Channel
	broadcastUnsub func()
}

// NewConnection prepares a connection for user (nil for anonymous clients)
// authenticated by token (nil when no token was presented).
func NewConnection(deps Deps, user *uuid.UUID, token *auth.Claims, out Outbound) *Connection {
	log := util.Logger("stream")
	if user != nil {
		log = log.With().Str("user", user.String()).Logger()
	}
	if deps.Channels == nil {
		deps.Channels = DefaultRegistry()
	}
	return &Connection{
		deps:       deps,
		bus:        deps.Bus,
		user:       user,
		token:      token,
		out:        out,
		log:        log,
		events:     make(chan func(), eventBuffer),
		done:       make(chan struct{}),
		snapshot:   emptySnapshot(),
		notes:      NoteSubscriptions{},
		noteUnsubs: map[string]func(){},
	}
}

func (c *Connection) State() State {
	return State(c.state.Load())
}

// Init loads the user's snapshot and attaches the broadcast channel. Run
// must follow a successful Init.
func (c *Connection) Init(ctx context.Context) error {
	c.ctx, c.cancel = context.WithCancel(ctx)
	if c.user != nil {
		snap, err := fetchSnapshot(c.ctx, c.deps.Caches, *c.user)
		if err != nil {
			c.cancel()
			c.state.Store(int32(StateClosed))
			return err
		}
		c.snapshot = snap
	}
	c.broadcastUnsub = c.subscribe(bus.ChannelBroadcast, func(env bus.Envelope) {
		c.send(env.Type, env.Body)
	})
	c.state.Store(int32(StateActive))
	return nil
}

// Run processes inbound messages, bus events and refresh ticks until Close
// is called or the context passed to Init ends, then disposes the
// connection.
func (c *Connection) Run() {
	defer c.dispose()

	var tick <-chan time.Time
	if c.user != nil && c.deps.Refresh > 0 {
		t := time.NewTicker(c.deps.Refresh)
		defer t.Stop()
		tick = t.C
	}

	for {
		select {
		case <-c.done:
			return
		case <-c.ctx.Done():
			return
		case fn := <-c.events:
			fn()
		case <-tick:
			c.refresh()
		}
	}
}

// Close stops the loop. It is safe to call from any goroutine, any number
// of times.
func (c *Connection) Close() {
	c.closeOnce.Do(func() { close(c.done) })
}

// Handle decodes one client frame and queues it for the loop. Malformed
// frames are dropped. It blocks while the queue is full.
func (c *Connection) Handle(data []byte) {
	msg, ok := ParseMessage(data)
	if !ok {
		c.log.Debug().Msg("stream.message.dropped")
		return
	}
	select {
	case c.events <- func() { c.handleMessage(msg) }:
	case <-c.done:
	}
}

// post queues fn for the loop without blocking. Overflow is dropped.
func (c *Connection) post(fn func()) {
	if c.State() == StateClosed {
		return
	}
	select {
	case c.events <- fn:
	default:
		c.log.Warn().Msg("stream.event.overflow")
	}
}

// subscribe attaches handler to a bus channel. Events are decoded on the
// publisher's goroutine and handled on the loop; none are handled after the
// returned function ran.
func (c *Connection) subscribe(channel string, handler func(bus.Envelope)) func() {
	live := true
	unsub := c.bus.Subscribe(channel, func(msg []byte) {
		env, err := bus.Decode(msg)
		if err != nil {
			c.log.Debug().Err(err).Str("channel", channel).Msg("stream.bus.decode.failed")
			return
		}
		c.post(func() {
			if live {
				handler(env)
			}
		})
	})
	return func() {
		live = false
		unsub()
	}
}

type frame struct {
	Type string `json:"type"`
	Body any    `json:"body,omitempty"`
}

func (c *Connection) send(typ string, body any) {
	data, err := json.Marshal(frame{Type: typ, Body: body})
	if err != nil {
		c.log.Warn().Err(err).Str("type", typ).Msg("stream.encode.failed")
		return
	}
	if err := c.out.Send(data); err != nil {
		c.log.Debug().Err(err).Msg("stream.send.failed")
	}
}

func (c *Connection) handleMessage(msg Message) {
	switch m := msg.(type) {
	case ReadNotification:
		c.readNotification()
	case SubNote:
		c.subNote(m.Id)
	case UnsubNote:
		c.unsubNote(m.Id)
	case Connect:
		c.connectChannel(m)
	case Disconnect:
		c.disconnectChannel(m.Id)
	case ChannelMessage:
		c.onChannelMessage(m)
	}
}

func (c *Connection) readNotification() {
	if c.user == nil || c.deps.Notifications == nil {
		return
	}
	userId := *c.user
	ctx := c.ctx
	go func() {
		if err := c.deps.Notifications.ReadAllNotifications(ctx, userId); err != nil {
			c.log.Warn().Err(err).Msg("stream.notifications.read.failed")
		}
	}()
}

// refresh reloads the snapshot off the loop and swaps it in on the loop.
// A failed reload keeps the previous snapshot.
func (c *Connection) refresh() {
	if c.refreshing {
		return
	}
	c.refreshing = true
	userId := *c.user
	go func() {
		snap, err := fetchSnapshot(c.ctx, c.deps.Caches, userId)
		apply := func() {
			c.refreshing = false
			if err != nil {
				c.log.Warn().Err(err).Msg("stream.snapshot.refresh.failed")
				return
			}
			c.snapshot = snap
		}
		select {
		case c.events <- apply:
		case <-c.done:
		case <-c.ctx.Done():
		}
	}()
}

type noteUpdated struct {
	Id   string          `json:"id"`
	Type string          `json:"type"`
	Body json.RawMessage `json:"body,omitempty"`
}

type reactionBody struct {
	UserId string `json:"userId"`
}

func (c *Connection) subNote(id string) {
	if c.notes.Subscribe(id) == EdgeAttach {
		c.noteUnsubs[id] = c.subscribe(bus.NoteStream(id), func(env bus.Envelope) {
			c.onNoteEvent(id, env)
		})
	}
}

func (c *Connection) unsubNote(id string) {
	if c.notes.Unsubscribe(id) == EdgeDetach {
		if unsub, ok := c.noteUnsubs[id]; ok {
			unsub()
			delete(c.noteUnsubs, id)
		}
	}
}

func (c *Connection) onNoteEvent(id string, env bus.Envelope) {
	if env.Type == "reacted" || env.Type == "unreacted" {
		var r reactionBody
		if err := json.Unmarshal(env.Body, &r); err == nil && c.snapshot.Muting.Has(r.UserId) {
			return
		}
	}
	c.send("noteUpdated", noteUpdated{Id: id, Type: env.Type, Body: env.Body})
}

// admit returns why def may not be joined, or "" when it may.
func (c *Connection) admit(def ChannelDef) string {
	if len(c.channels) >= MaxChannels {
		return "limit"
	}
	if def.RequireCredential && c.user == nil {
		return "credential"
	}
	if c.token != nil {
		if def.Kind != "" && !c.token.HasPermission(def.Kind) {
			return "permission"
		}
		if def.Kind == "" && def.RequireCredential && c.token.Scoped {
			return "permission"
		}
	}
	if def.Shareable {
		for _, ch := range c.channels {
			if ch.Name() == def.Name {
				return "joined"
			}
		}
	}
	return ""
}

type connectedBody struct {
	Id string `json:"id"`
}

func (c *Connection) connectChannel(m Connect) {
	def, ok := c.deps.Channels[m.Channel]
	if !ok {
		c.log.Debug().Str("channel", m.Channel).Msg("stream.channel.unknown")
		return
	}
	if reason := c.admit(def); reason != "" {
		c.log.Debug().Str("channel", m.Channel).Str("reason", reason).Msg("stream.channel.refused")
		return
	}

	ch := def.Create(m.Id, c)
	c.channels = append(c.channels, ch)
	ch.Init(m.Params)
	if m.Pong {
		c.send("connected", connectedBody{Id: m.Id})
	}
}

func (c *Connection) disconnectChannel(id string) {
	for i, ch := range c.channels {
		if ch.Id() == id {
			ch.Dispose()
			c.channels = append(c.channels[:i], c.channels[i+1:]...)
			return
		}
	}
}

func (c *Connection) onChannelMessage(m ChannelMessage) {
	for _, ch := range c.channels {
		if ch.Id() == m.Id {
			ch.OnMessage(m.Type, m.Body)
			return
		}
	}
}

// dispose releases every subscription. Runs once, on the loop goroutine.
func (c *Connection) dispose() {
	c.dispOnce.Do(func() {
		c.state.Store(int32(StateClosed))
		c.Close()
		if c.cancel != nil {
			c.cancel()
		}
		for id, unsub := range c.noteUnsubs {
			unsub()
			delete(c.noteUnsubs, id)
		}
		clear(c.notes)
		if c.broadcastUnsub != nil {
			c.broadcastUnsub()
		}
		for _, ch := range c.channels {
			ch.Dispose()
		}
		c.channels = nil
	})
}
