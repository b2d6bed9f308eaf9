// Package mock provides in-memory implementations of [transport.Dialer] and
// [transport.Conn] for use in unit tests.
//
// A test typically dials through [Dialer], then drives the returned [Conn]
// by emitting events:
//
//	conn := mock.NewConn()
//	d := &mock.Dialer{Conn: conn}
//	sess := transport.New(d, transport.Handshake{})
//	sess.Open(ctx)
//	conn.Open()                 // -> Connected
//	conn.Message(audio.Encode(samples).Data)
//	conn.RemoteClose("bye")     // -> Disconnected
package mock

import (
	"context"
	"slices"
	"sync"

	"github.com/MrWong99/voxlink/pkg/audio"
	"github.com/MrWong99/voxlink/pkg/transport"
)

var (
	_ transport.Dialer = (*Dialer)(nil)
	_ transport.Conn   = (*Conn)(nil)
)

// ─── Conn ─────────────────────────────────────────────────────────────────────

// Conn is a mock [transport.Conn]. Events emitted by the test are delivered
// on the Events channel in order.
type Conn struct {
	mu     sync.Mutex
	sent   []audio.Packet
	closed bool

	emitMu    sync.RWMutex
	events    chan transport.Event
	ended     bool
	done      chan struct{}
	closeOnce sync.Once

	// SendError, if non-nil, is returned by every Send call. The packet is
	// still recorded.
	SendError error

	// SendGate, if non-nil, makes Send block until it is closed or ctx is
	// done. Set it before the Conn is used.
	SendGate chan struct{}

	// CallCountClose records how many times Close was called.
	CallCountClose int
}

// NewConn returns a Conn with a 64-event buffer.
func NewConn() *Conn {
	return &Conn{
		events: make(chan transport.Event, 64),
		done:   make(chan struct{}),
	}
}

// Events implements [transport.Conn].
func (c *Conn) Events() <-chan transport.Event { return c.events }

// Send implements [transport.Conn].
func (c *Conn) Send(ctx context.Context, p audio.Packet) error {
	if c.SendGate != nil {
		select {
		case <-c.SendGate:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.sent = append(c.sent, p)
	return c.SendError
}

// Close implements [transport.Conn]. Pending and future Emit calls return
// false once Close has been called.
func (c *Conn) Close() error {
	c.mu.Lock()
	c.CallCountClose++
	c.closed = true
	c.mu.Unlock()
	c.closeOnce.Do(func() { close(c.done) })
	return nil
}

// EndStream closes the Events channel without an EventClose or EventError,
// as a connection whose reader died silently would.
func (c *Conn) EndStream() {
	c.emitMu.Lock()
	defer c.emitMu.Unlock()
	if !c.ended {
		c.ended = true
		close(c.events)
	}
}

// Emit delivers ev, blocking while the buffer is full. It reports false once
// the Conn is closed or the stream has ended.
func (c *Conn) Emit(ev transport.Event) bool {
	c.emitMu.RLock()
	defer c.emitMu.RUnlock()
	if c.ended {
		return false
	}
	select {
	case <-c.done:
		return false
	default:
	}
	select {
	case c.events <- ev:
		return true
	case <-c.done:
		return false
	}
}

// Open emits an [transport.EventOpen].
func (c *Conn) Open() bool { return c.Emit(transport.Event{Kind: transport.EventOpen}) }

// Message emits an [transport.EventMessage] carrying payload.
func (c *Conn) Message(payload string) bool {
	return c.Emit(transport.Event{Kind: transport.EventMessage, Payload: payload})
}

// RemoteClose emits an [transport.EventClose].
func (c *Conn) RemoteClose(reason string) bool {
	return c.Emit(transport.Event{Kind: transport.EventClose, Reason: reason})
}

// Fault emits an [transport.EventError].
func (c *Conn) Fault(err error) bool {
	return c.Emit(transport.Event{Kind: transport.EventError, Err: err})
}

// Sent returns a copy of every packet passed to Send.
func (c *Conn) Sent() []audio.Packet {
	c.mu.Lock()
	defer c.mu.Unlock()
	return slices.Clone(c.sent)
}

// Closed reports whether Close has been called.
func (c *Conn) Closed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

// ─── Dialer ───────────────────────────────────────────────────────────────────

// Dialer is a mock [transport.Dialer].
type Dialer struct {
	mu sync.Mutex

	// Conn is returned by Dial. If nil, a fresh Conn is created per call.
	Conn *Conn

	// DialError, if non-nil, is returned by Dial.
	DialError error

	// Gate, if non-nil, makes Dial block until it is closed or the dial
	// context is done.
	Gate chan struct{}

	// DialCalls records the handshake passed to each Dial call.
	DialCalls []transport.Handshake
}

// Dial implements [transport.Dialer].
func (d *Dialer) Dial(ctx context.Context, hs transport.Handshake) (transport.Conn, error) {
	d.mu.Lock()
	d.DialCalls = append(d.DialCalls, hs)
	gate := d.Gate
	d.mu.Unlock()

	if gate != nil {
		select {
		case <-gate:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}

	d.mu.Lock()
	defer d.mu.Unlock()
	if d.DialError != nil {
		return nil, d.DialError
	}
	if d.Conn == nil {
		return NewConn(), nil
	}
	return d.Conn, nil
}

// CallCountDial returns how many times Dial was called.
func (d *Dialer) CallCountDial() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.DialCalls)
}

// Handshakes returns a copy of the handshakes passed to Dial.
func (d *Dialer) Handshakes() []transport.Handshake {
	d.mu.Lock()
	defer d.mu.Unlock()
	return slices.Clone(d.DialCalls)
}
