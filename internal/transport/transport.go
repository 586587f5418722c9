// Package transport is the broadcast channel replicas talk over: a named
// pub/sub channel with fire-and-forget publish and a connection-status
// callback. It offers no ordering, no delivery guarantee and no history.
package transport

import (
	"context"
	"errors"
	"fmt"

	json "github.com/goccy/go-json"
)

var (
	// ErrClosed is returned by Publish on a closed connection.
	ErrClosed = errors.New("transport closed")
	// ErrBufferFull is returned when a message was dropped because the send buffer is full.
	ErrBufferFull = errors.New("transport send buffer full")
)

// Event names the protocol message carried by an Envelope.
type Event string

const (
	EventDocUpdate    Event = "doc-update"
	EventSyncRequest  Event = "sync-request"
	EventSyncResponse Event = "sync-response"
	EventStateVector  Event = "state-vector"
	EventAwareness    Event = "awareness"
)

func (e Event) Valid() bool {
	switch e {
	case EventDocUpdate, EventSyncRequest, EventSyncResponse, EventStateVector, EventAwareness:
		return true
	}
	return false
}

// Envelope is the message sent over the wire. Sender is the publishing
// client's id so receivers can ignore their own messages; Target is set on
// messages meant for one client only.
type Envelope struct {
	Event   Event  `json:"event"`
	Sender  string `json:"sender"`
	Target  string `json:"target,omitempty"`
	Payload []byte `json:"payload,omitempty"`
}

func Encode(env Envelope) ([]byte, error) {
	return json.Marshal(env)
}

// Decode parses and validates a wire message.
func Decode(data []byte) (Envelope, error) {
	var env Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return Envelope{}, fmt.Errorf("decode envelope: %w", err)
	}
	if !env.Event.Valid() {
		return Envelope{}, fmt.Errorf("decode envelope: unknown event %q", env.Event)
	}
	if env.Sender == "" {
		return Envelope{}, fmt.Errorf("decode envelope: missing sender")
	}
	return env, nil
}

// Status is reported through Handlers.OnStatus when a connection is lost
// without Close having been called.
type Status int

const (
	StatusClosed Status = iota + 1
	StatusError
	StatusTimeout
)

func (s Status) String() string {
	switch s {
	case StatusClosed:
		return "closed"
	case StatusError:
		return "error"
	case StatusTimeout:
		return "timeout"
	default:
		return "unknown"
	}
}

// Handlers receive a connection's traffic. OnStatus fires at most once per connection.
type Handlers struct {
	OnMessage func(Envelope)
	// OnMalformed is called for payloads that could not be decoded. Optional.
	OnMalformed func(raw []byte, err error)
	OnStatus    func(status Status, err error)
}

// Transport opens connections to named channels.
type Transport interface {
	Open(ctx context.Context, channel string, h Handlers) (Conn, error)
}

// Conn is an open channel subscription.
type Conn interface {
	// Publish sends env to every subscriber of the channel without waiting for delivery.
	Publish(ctx context.Context, env Envelope) error
	Close() error
}

// deliver decodes raw and dispatches it to h, isolating malformed input.
func deliver(h Handlers, raw []byte) {
	env, err := Decode(raw)
	if err != nil {
		if h.OnMalformed != nil {
			h.OnMalformed(raw, err)
		}
		return
	}
	if h.OnMessage != nil {
		h.OnMessage(env)
	}
}
