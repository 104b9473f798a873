package stream

import (
	"encoding/json"
)

// Message is one decoded client message. The set of variants is closed;
// handleMessage switches over all of them.
type Message interface {
	isMessage()
}

type ReadNotification struct{}

type SubNote struct {
	Id string
}

type UnsubNote struct {
	Id string
}

type Connect struct {
	Channel string
	Id      string
	Params  map[string]json.RawMessage
	Pong    bool
}

type Disconnect struct {
	Id string
}

type ChannelMessage struct {
	Id   string
	Type string
	Body json.RawMessage
}

func (ReadNotification) isMessage() {}
func (SubNote) isMessage()          {}
func (UnsubNote) isMessage()        {}
func (Connect) isMessage()          {}
func (Disconnect) isMessage()       {}
func (ChannelMessage) isMessage()   {}

type rawMessage struct {
	Type string          `json:"type"`
	Body json.RawMessage `json:"body"`
}

// ParseMessage decodes a client frame. It reports false for malformed JSON,
// unknown types and bodies of the wrong shape.
func ParseMessage(data []byte) (Message, bool) {
	var raw rawMessage
	if err := json.Unmarshal(data, &raw); err != nil {
		return nil, false
	}

	switch raw.Type {
	case "readNotification":
		return ReadNotification{}, true
	case "subNote", "s", "sr":
		id, ok := noteId(raw.Body)
		return SubNote{Id: id}, ok
	case "unsubNote", "un":
		id, ok := noteId(raw.Body)
		return UnsubNote{Id: id}, ok
	case "connect":
		return parseConnect(raw.Body)
	case "disconnect":
		obj, ok := object(raw.Body)
		if !ok {
			return nil, false
		}
		id, ok := str(obj["id"])
		return Disconnect{Id: id}, ok
	case "channel", "ch":
		return parseChannelMessage(raw.Body)
	}
	return nil, false
}

func parseConnect(body json.RawMessage) (Message, bool) {
	obj, ok := object(body)
	if !ok {
		return nil, false
	}
	id, ok := str(obj["id"])
	if !ok {
		return nil, false
	}
	channel, ok := str(obj["channel"])
	if !ok {
		return nil, false
	}

	var pong bool
	if raw, present := obj["pong"]; present && !isNull(raw) {
		if err := json.Unmarshal(raw, &pong); err != nil {
			return nil, false
		}
	}

	params := map[string]json.RawMessage{}
	if raw, present := obj["params"]; present {
		if params, ok = object(raw); !ok {
			return nil, false
		}
	}
	return Connect{Channel: channel, Id: id, Params: params, Pong: pong}, true
}

func parseChannelMessage(body json.RawMessage) (Message, bool) {
	obj, ok := object(body)
	if !ok {
		return nil, false
	}
	id, ok := str(obj["id"])
	if !ok {
		return nil, false
	}
	typ, ok := str(obj["type"])
	if !ok {
		return nil, false
	}
	payload, present := obj["body"]
	if !present {
		return nil, false
	}
	return ChannelMessage{Id: id, Type: typ, Body: payload}, true
}

func noteId(body json.RawMessage) (string, bool) {
	obj, ok := object(body)
	if !ok {
		return "", false
	}
	id, ok := str(obj["id"])
	return id, ok && id != ""
}

// object decodes a JSON object; null, arrays and scalars are rejected.
func object(raw json.RawMessage) (map[string]json.RawMessage, bool) {
	if len(raw) == 0 || isNull(raw) {
		return nil, false
	}
	var obj map[string]json.RawMessage
	if err := json.Unmarshal(raw, &obj); err != nil {
		return nil, false
	}
	return obj, true
}

func str(raw json.RawMessage) (string, bool) {
	if len(raw) == 0 || isNull(raw) {
		return "", false
	}
	var s string
	if err := json.Unmarshal(raw, &s); err != nil {
		return "", false
	}
	return s, true
}

func isNull(raw json.RawMessage) bool {
	return string(raw) == "null"
}
