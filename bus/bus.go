// Package bus carries events between the components of one process and,
// with the Redis implementation, between every process of a deployment.
//
// Contract:
//   - Delivery is at-most-once with no persistence.
//   - Handlers run on the publisher's or receiver's goroutine and must not
//     block; slow consumers buffer and drop on their own side.
package bus

import (
	"context"
	"encoding/json"
)

// Channel names.
const (
	ChannelInternal             = "internal"
	ChannelBroadcast            = "broadcast"
	ChannelQueueStats           = "queueStats"
	ChannelRequestQueueStatsLog = "requestQueueStatsLog"
)

func NoteStream(noteId string) string {
	return "noteStream:" + noteId
}

func MainStream(userId string) string {
	return "mainStream:" + userId
}

func QueueStatsLog(requestId string) string {
	return "queueStatsLog:" + requestId
}

type Bus interface {
	Publish(ctx context.Context, channel string, msg []byte) error
	// Subscribe registers handler for channel. The returned function detaches
	// it and is safe to call more than once.
	Subscribe(channel string, handler func(msg []byte)) (unsubscribe func())
	Close() error
}

// Envelope is the wire shape of every bus message.
type Envelope struct {
	Type string          `json:"type"`
	Body json.RawMessage `json:"body,omitempty"`
}

func Decode(msg []byte) (Envelope, error) {
	var env Envelope
	err := json.Unmarshal(msg, &env)
	return env, err
}

// PublishEvent wraps body in an Envelope and publishes it on channel.
func PublishEvent(ctx context.Context, b Bus, channel, typ string, body any) error {
	raw, err := json.Marshal(body)
	if err != nil {
		return err
	}
	msg, err := json.Marshal(Envelope{Type: typ, Body: raw})
	if err != nil {
		return err
	}
	return b.Publish(ctx, channel, msg)
}

// PublishInternal announces a state change to the caches of every process.
func PublishInternal(ctx context.Context, b Bus, typ string, body any) error {
	return PublishEvent(ctx, b, ChannelInternal, typ, body)
}
