// Package transport defines the duplex session with the remote inference
// endpoint and the state machine that governs its lifetime.
//
// A [Session] is built on top of a [Dialer], which performs the actual
// network handshake and yields a [Conn]. The Conn reports everything it
// observes as [Event] values; the Session alone decides what those events
// mean for its [State]. This split keeps wire protocols (see the gemini
// subpackage) free of lifecycle policy and lets tests drive the state machine
// with the in-memory dialer from the mock subpackage.
//
// All exported types are safe for concurrent use.
package transport

import (
	"context"

	"github.com/MrWong99/voxlink/pkg/audio"
)

// Handshake carries the session parameters sent to the remote endpoint when
// the connection is established. The engine treats them as opaque.
type Handshake struct {
	// Model selects the remote model. Empty means the dialer's default.
	Model string

	// Voice is the prebuilt voice name used for synthesised speech.
	Voice string

	// Instructions is the persona/system prompt.
	Instructions string
}

// EventKind enumerates what a [Conn] can observe.
type EventKind int

const (
	// EventOpen reports that the remote side acknowledged the handshake.
	EventOpen EventKind = iota + 1

	// EventMessage carries one inbound audio payload (base64 PCM16).
	EventMessage

	// EventClose reports a clean close initiated by the remote side.
	EventClose

	// EventError reports a handshake failure, protocol violation, or
	// transport fault.
	EventError
)

// String returns the event kind name.
func (k EventKind) String() string {
	switch k {
	case EventOpen:
		return "open"
	case EventMessage:
		return "message"
	case EventClose:
		return "close"
	case EventError:
		return "error"
	default:
		return "unknown"
	}
}

// Event is one observation from a [Conn].
type Event struct {
	Kind EventKind

	// Payload is set for EventMessage.
	Payload string

	// Reason is the close reason for EventClose, if any.
	Reason string

	// Err is set for EventError.
	Err error
}

// Conn is an established (or establishing) connection to the remote endpoint.
//
// Events must be delivered in the order they were observed on the wire. After
// an EventClose or EventError the Conn delivers nothing further. The Events
// channel is closed once the Conn's read side has shut down.
type Conn interface {
	// Events returns the channel of observations. It is the same channel on
	// every call.
	Events() <-chan Event

	// Send writes one outbound audio packet.
	Send(ctx context.Context, p audio.Packet) error

	// Close releases the connection. It is idempotent.
	Close() error
}

// Dialer opens connections to the remote endpoint. Dial returns once the
// handshake request has been sent; the acknowledgment arrives later as an
// EventOpen on the returned Conn.
type Dialer interface {
	Dial(ctx context.Context, hs Handshake) (Conn, error)
}
