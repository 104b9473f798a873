package stream

import (
	"encoding/json"

	"github.com/deemkeen/trunk/auth"
	"github.com/deemkeen/trunk/bus"
)

var MainChannelDef = ChannelDef{
	Name:              "main",
	Shareable:         true,
	RequireCredential: true,
	Kind:              auth.PermReadAccount,
	Create: func(id string, conn *Connection) Channel {
		return &mainChannel{baseChannel: baseChannel{id: id, name: "main", conn: conn}}
	},
}

// mainChannel forwards the per-user events of mainStream:<userId>.
type mainChannel struct {
	baseChannel
	unsub func()
}

// notifierBody is the part of a notification event the filter reads.
type notifierBody struct {
	NotifierId string `json:"notifierId"`
}

func (c *mainChannel) Init(map[string]json.RawMessage) {
	c.unsub = c.conn.subscribe(bus.MainStream(c.conn.user.String()), c.onEvent)
}

func (c *mainChannel) onEvent(env bus.Envelope) {
	if env.Type == "notification" {
		var n notifierBody
		if err := json.Unmarshal(env.Body, &n); err == nil && n.NotifierId != "" {
			if c.conn.snapshot.Muting.Has(n.NotifierId) {
				return
			}
		}
	}
	c.send(env.Type, env.Body)
}

func (c *mainChannel) OnMessage(string, json.RawMessage) {}

func (c *mainChannel) Dispose() {
	if c.unsub != nil {
		c.unsub()
	}
}
