package transport

import (
	"errors"
	"fmt"
)

var (
	// ErrClosed is reported for packets sent after [Session.Close].
	ErrClosed = errors.New("transport: session closed")

	// ErrNotConnected is reported for packets sent while the session is not
	// in the Connected state.
	ErrNotConnected = errors.New("transport: not connected")

	// ErrQueueFull is reported when the outbound queue cannot take a packet.
	ErrQueueFull = errors.New("transport: send queue full")

	// ErrRemoteClosed is the cause recorded when the remote side closes the
	// channel before acknowledging the handshake.
	ErrRemoteClosed = errors.New("transport: remote closed the connection")

	// ErrEventStreamEnded is the cause recorded when a Conn stops delivering
	// events without reporting why.
	ErrEventStreamEnded = errors.New("transport: event stream ended")
)

// HandshakeError is recorded when the session fails before reaching the
// Connected state.
type HandshakeError struct {
	Err error
}

func (e *HandshakeError) Error() string {
	return fmt.Sprintf("transport: handshake: %v", e.Err)
}

func (e *HandshakeError) Unwrap() error { return e.Err }

// SendError reports a dropped outbound packet. Send errors never change the
// session state.
type SendError struct {
	Err error
}

func (e *SendError) Error() string {
	return fmt.Sprintf("transport: send: %v", e.Err)
}

func (e *SendError) Unwrap() error { return e.Err }
