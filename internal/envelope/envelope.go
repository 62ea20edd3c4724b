// Package envelope defines the wire format shared by SSE frames, WebSocket
// text frames, and the resume store.
package envelope

import (
	"encoding/json"
	"time"
)

// MaxPayloadBytes bounds the serialized size of a published payload.
const MaxPayloadBytes = 64 * 1024

// SyntheticHeartbeatTopic is the topic idle heartbeats are reported under.
const SyntheticHeartbeatTopic = "_hb"

// Envelope is the canonical unit of publication and delivery.
type Envelope struct {
	V       int             `json:"v"`
	TS      string          `json:"ts"`
	Seq     uint64          `json:"seq"`
	Topic   string          `json:"topic"`
	Event   string          `json:"event"`
	Payload json.RawMessage `json:"payload"`
}

// Event names used across the core.
const (
	EventUpdate    = "update"
	EventHeartbeat = "heartbeat"
	EventError     = "error"
	EventReset     = "reset"
)

// New builds an envelope with the current UTC timestamp.
func New(topic string, seq uint64, event string, payload json.RawMessage, v int) Envelope {
	if v == 0 {
		v = 1
	}
	return Envelope{
		V:       v,
		TS:      time.Now().UTC().Format(time.RFC3339),
		Seq:     seq,
		Topic:   topic,
		Event:   event,
		Payload: payload,
	}
}

// Heartbeat builds a synthetic idle heartbeat envelope. It never carries a
// real seq for the subscribed topic (seq is always 0, topic is synthetic).
func Heartbeat() Envelope {
	return Envelope{
		V:       1,
		TS:      time.Now().UTC().Format(time.RFC3339),
		Seq:     0,
		Topic:   SyntheticHeartbeatTopic,
		Event:   EventHeartbeat,
		Payload: json.RawMessage(`{}`),
	}
}

// Marshal serializes the envelope once; callers reuse the bytes for both
// the resume store and the live fan-out.
func (e Envelope) Marshal() ([]byte, error) {
	return json.Marshal(e)
}
