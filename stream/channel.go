package stream

import (
	"encoding/json"
)

// MaxChannels is the number of channels one connection may join.
const MaxChannels = 32

// Channel is one joined subscription of a connection. Every method runs on
// the connection's loop goroutine.
type Channel interface {
	Id() string
	Name() string
	Init(params map[string]json.RawMessage)
	OnMessage(typ string, body json.RawMessage)
	Dispose()
}

// ChannelDef describes a channel that clients may connect to.
type ChannelDef struct {
	Name              string
	Shareable         bool
	RequireCredential bool
	// Kind is the token permission required to join, if any.
	Kind   string
	Create func(id string, conn *Connection) Channel
}

// Registry maps channel names to their definitions.
type Registry map[string]ChannelDef

func (r Registry) Register(def ChannelDef) {
	r[def.Name] = def
}

// DefaultRegistry holds the channels served by the streaming endpoint.
func DefaultRegistry() Registry {
	r := Registry{}
	r.Register(MainChannelDef)
	r.Register(QueueStatsChannelDef)
	return r
}

// baseChannel carries the identity of a joined channel and its way back to
// the client.
type baseChannel struct {
	id   string
	name string
	conn *Connection
}

func (b *baseChannel) Id() string   { return b.id }
func (b *baseChannel) Name() string { return b.name }

// send wraps body in a channel frame addressed to this subscription.
func (b *baseChannel) send(typ string, body any) {
	raw, err := json.Marshal(body)
	if err != nil {
		b.conn.log.Warn().Err(err).Str("channel", b.name).Msg("stream.channel.encode.failed")
		return
	}
	b.conn.send("channel", channelFrame{Id: b.id, Type: typ, Body: raw})
}

type channelFrame struct {
	Id   string          `json:"id"`
	Type string          `json:"type"`
	Body json.RawMessage `json:"body,omitempty"`
}
