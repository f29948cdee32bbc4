// Package transport is the client side of the event protocol: one WebSocket
// per namespace carrying JSON frames with positional arguments and optional
// acknowledgements.
package transport

import (
	"encoding/json"
	"fmt"
)

// EventAck is the event name of acknowledgement replies.
const EventAck = "ack"

// Frame is the wire envelope for every event in both directions.
type Frame struct {
	Event string            `json:"event"`
	Args  []json.RawMessage `json:"args,omitempty"`
	AckID string            `json:"ackId,omitempty"`
}

// NewFrame encodes args positionally.
func NewFrame(event string, args ...any) (Frame, error) {
	f := Frame{Event: event, Args: make([]json.RawMessage, 0, len(args))}
	for i, a := range args {
		raw, err := json.Marshal(a)
		if err != nil {
			return Frame{}, fmt.Errorf("encode %s arg %d: %w", event, i, err)
		}
		f.Args = append(f.Args, raw)
	}
	return f, nil
}

// Arg returns the i-th argument or nil when absent.
func (f Frame) Arg(i int) json.RawMessage {
	if i < 0 || i >= len(f.Args) {
		return nil
	}
	return f.Args[i]
}

// Decode unmarshals the i-th argument into v.
func (f Frame) Decode(i int, v any) error {
	raw := f.Arg(i)
	if raw == nil {
		return fmt.Errorf("%s: missing arg %d", f.Event, i)
	}
	if err := json.Unmarshal(raw, v); err != nil {
		return fmt.Errorf("%s: decode arg %d: %w", f.Event, i, err)
	}
	return nil
}

// AckReply is the conventional first argument of a join acknowledgement.
type AckReply struct {
	Success bool   `json:"success"`
	Error   string `json:"error,omitempty"`
}
