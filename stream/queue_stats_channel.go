package stream

import (
	"encoding/json"

	"github.com/deemkeen/trunk/auth"
	"github.com/deemkeen/trunk/bus"
	"github.com/deemkeen/trunk/queue"
)

var QueueStatsChannelDef = ChannelDef{
	Name:              "queueStats",
	Shareable:         true,
	RequireCredential: true,
	Kind:              auth.PermReadAdminQueue,
	Create: func(id string, conn *Connection) Channel {
		return &queueStatsChannel{
			baseChannel: baseChannel{id: id, name: "queueStats", conn: conn},
			pending:     map[string]func(){},
		}
	},
}

// queueStatsChannel forwards queue samples and answers log requests.
type queueStatsChannel struct {
	baseChannel
	unsub func()
	// pending log replies, by request id
	pending map[string]func()
}

func (c *queueStatsChannel) Init(map[string]json.RawMessage) {
	c.unsub = c.conn.subscribe(bus.ChannelQueueStats, func(env bus.Envelope) {
		if env.Type == "stats" {
			c.send("stats", env.Body)
		}
	})
}

func (c *queueStatsChannel) OnMessage(typ string, body json.RawMessage) {
	if typ != "requestLog" {
		return
	}
	var req queue.StatsRequest
	if err := json.Unmarshal(body, &req); err != nil || req.Id == "" {
		return
	}
	if _, dup := c.pending[req.Id]; dup {
		return
	}

	c.pending[req.Id] = c.conn.subscribe(bus.QueueStatsLog(req.Id), func(env bus.Envelope) {
		unsub, ok := c.pending[req.Id]
		if !ok {
			return
		}
		delete(c.pending, req.Id)
		unsub()
		c.send("statsLog", env.Body)
	})
	if err := bus.PublishEvent(c.conn.ctx, c.conn.bus, bus.ChannelRequestQueueStatsLog, "requestLog", req); err != nil {
		c.conn.log.Warn().Err(err).Msg("stream.queuestats.request.failed")
	}
}

func (c *queueStatsChannel) Dispose() {
	if c.unsub != nil {
		c.unsub()
	}
	for id, unsub := range c.pending {
		unsub()
		delete(c.pending, id)
	}
}
