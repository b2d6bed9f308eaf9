package transport

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"sync"
	"sync/atomic"

	"github.com/MrWong99/voxlink/pkg/audio"
)

// DefaultQueueSize is the default capacity of the outbound packet queue.
// At 4096 samples per frame and 16 kHz this holds roughly eight seconds of
// microphone audio.
const DefaultQueueSize = 32

// ChunkHandler receives decoded inbound audio in arrival order.
type ChunkHandler func(audio.Chunk)

// Listener receives state changes.
type Listener func(Change)

// ── Options ────────────────────────────────────────────────────────────────────

// Option is a functional option for configuring a Session.
type Option func(*Session)

// WithChunkHandler sets the receiver of inbound audio chunks.
func WithChunkHandler(h ChunkHandler) Option {
	return func(s *Session) { s.onChunk = h }
}

// WithSendErrorHandler sets the receiver of dropped-packet errors. Every
// error passed to it is a [*SendError].
func WithSendErrorHandler(h func(error)) Option {
	return func(s *Session) { s.onSendError = h }
}

// WithDecodeErrorHandler sets the receiver of inbound payloads that could not
// be decoded. Every error passed to it is a [*audio.DecodeError].
func WithDecodeErrorHandler(h func(error)) Option {
	return func(s *Session) { s.onDecodeError = h }
}

// WithListener registers a state change listener at construction time.
func WithListener(l Listener) Option {
	return func(s *Session) { s.listeners = append(s.listeners, l) }
}

// WithQueueSize sets the outbound queue capacity. Values below 1 are ignored.
func WithQueueSize(n int) Option {
	return func(s *Session) {
		if n > 0 {
			s.queueSize = n
		}
	}
}

// WithPlaybackRate sets the sample rate inbound payloads are decoded at.
func WithPlaybackRate(rate int) Option {
	return func(s *Session) {
		if rate > 0 {
			s.playbackRate = rate
		}
	}
}

// WithLogger sets the logger. Defaults to [slog.Default].
func WithLogger(l *slog.Logger) Option {
	return func(s *Session) { s.log = l }
}

// ── Session ────────────────────────────────────────────────────────────────────

// Session is one duplex voice session with the remote endpoint. It starts in
// [Connecting] and moves forward only, ending in [Disconnected] or [Error].
//
// State changes are published to listeners in transition order. A listener
// runs on the goroutine that caused the transition; a transition caused from
// inside a listener (for example by calling [Session.Close]) is published
// after the current listener returns.
type Session struct {
	dialer        Dialer
	hs            Handshake
	queueSize     int
	playbackRate  int
	onChunk       ChunkHandler
	onSendError   func(error)
	onDecodeError func(error)
	log           *slog.Logger

	ctx      context.Context
	cancel   context.CancelFunc
	outbound chan audio.Packet
	closing  chan struct{}

	mu         sync.Mutex
	state      State
	err        error
	conn       Conn
	opened     bool
	listeners  []Listener
	pending    []Change
	publishing bool

	// deliverMu is held for reading while a chunk is handed to onChunk.
	// shutdown takes it for writing once so that no delivery is in flight
	// when Close returns.
	deliverMu    sync.RWMutex
	shutdownOnce sync.Once

	sendFailures   atomic.Int64
	decodeFailures atomic.Int64
}

// New creates a Session in the [Connecting] state. No network activity
// happens until [Session.Open].
func New(dialer Dialer, hs Handshake, opts ...Option) *Session {
	ctx, cancel := context.WithCancel(context.Background())
	s := &Session{
		dialer:       dialer,
		hs:           hs,
		queueSize:    DefaultQueueSize,
		playbackRate: audio.PlaybackSampleRate,
		log:          slog.Default(),
		ctx:          ctx,
		cancel:       cancel,
		closing:      make(chan struct{}),
		state:        Connecting,
	}
	for _, o := range opts {
		o(s)
	}
	s.outbound = make(chan audio.Packet, s.queueSize)
	return s
}

// State returns the current state.
func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Err returns the cause of the [Error] state, or nil.
func (s *Session) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}

// OnStateChange registers l for all subsequent transitions.
func (s *Session) OnStateChange(l Listener) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.listeners = append(s.listeners, l)
}

// Open initiates the handshake in the background. The outcome arrives as a
// transition to [Connected] or [Error]. Open has no effect after the first
// call or once the session has left [Connecting].
//
// ctx bounds the dial only; cancelling it after the handshake has been sent
// does not end the session.
func (s *Session) Open(ctx context.Context) {
	s.mu.Lock()
	if s.opened || s.state != Connecting {
		s.mu.Unlock()
		return
	}
	s.opened = true
	s.mu.Unlock()

	go s.dial(ctx)
}

// Fail moves a session that has not been connected yet into [Error] without
// a handshake. It is used when a local prerequisite, such as the microphone,
// is unavailable.
func (s *Session) Fail(err error) {
	if s.fire(triggerAbort, err) {
		s.shutdown()
	}
}

// Send enqueues p for the writer goroutine. It never blocks. A packet that
// cannot be accepted is dropped and the failure is reported both as the
// return value and to the send error handler.
func (s *Session) Send(p audio.Packet) error {
	select {
	case <-s.closing:
		return s.sendFailed(ErrClosed)
	default:
	}
	if s.State() != Connected {
		return s.sendFailed(ErrNotConnected)
	}
	select {
	case s.outbound <- p:
		return nil
	default:
		return s.sendFailed(ErrQueueFull)
	}
}

// Close ends the session. It is idempotent and safe to call from any state,
// from any goroutine, and from within a listener, but not from within the
// chunk handler. A session closed before reaching a terminal state ends in
// [Disconnected]. Once Close returns no further chunk is delivered.
func (s *Session) Close() error {
	s.fire(triggerLocalClose, nil)
	s.shutdown()
	return nil
}

// ── internals ─────────────────────────────────────────────────────────────────

// fire applies t to the state machine and publishes the resulting change.
// It reports whether a transition happened.
func (s *Session) fire(t trigger, cause error) bool {
	s.mu.Lock()
	from := s.state
	to, ok := next(from, t)
	if !ok {
		s.mu.Unlock()
		s.log.Debug("transport: ignoring trigger", "state", from, "trigger", t)
		return false
	}
	s.state = to
	if to == Error {
		s.err = cause
	} else {
		cause = nil
	}
	s.pending = append(s.pending, Change{From: from, To: to, Err: cause})
	if s.publishing {
		s.mu.Unlock()
		return true
	}
	s.publishing = true
	for len(s.pending) > 0 {
		c := s.pending[0]
		s.pending = s.pending[1:]
		listeners := slices.Clone(s.listeners)
		s.mu.Unlock()

		s.logChange(c)
		for _, l := range listeners {
			l(c)
		}

		s.mu.Lock()
	}
	s.publishing = false
	s.mu.Unlock()
	return true
}

func (s *Session) logChange(c Change) {
	if c.Err != nil {
		s.log.Warn("transport: state change", "from", c.From, "to", c.To, "err", c.Err)
		return
	}
	s.log.Info("transport: state change", "from", c.From, "to", c.To)
}

// shutdown releases the connection and stops both goroutines. Runs once.
func (s *Session) shutdown() {
	s.shutdownOnce.Do(func() {
		close(s.closing)
		s.cancel()

		s.mu.Lock()
		conn := s.conn
		s.mu.Unlock()
		if conn != nil {
			if err := conn.Close(); err != nil {
				s.log.Debug("transport: close connection", "err", err)
			}
		}

		// Wait out any delivery that passed the closing check.
		s.deliverMu.Lock()
		s.deliverMu.Unlock()
	})
}

func (s *Session) isClosing() bool {
	select {
	case <-s.closing:
		return true
	default:
		return false
	}
}

// dial performs the handshake and then runs the receive loop.
func (s *Session) dial(ctx context.Context) {
	dialCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	stop := context.AfterFunc(s.ctx, cancel)
	defer stop()

	conn, err := s.dialer.Dial(dialCtx, s.hs)
	if err != nil {
		if s.isClosing() {
			return
		}
		if s.fire(triggerFault, &HandshakeError{Err: err}) {
			s.shutdown()
		}
		return
	}

	s.mu.Lock()
	if s.isClosing() {
		s.mu.Unlock()
		_ = conn.Close()
		return
	}
	s.conn = conn
	s.mu.Unlock()

	go s.writeLoop(conn)
	s.receiveLoop(conn)
}

// receiveLoop feeds connection events into the state machine until the
// session reaches a terminal state.
func (s *Session) receiveLoop(conn Conn) {
	events := conn.Events()
	for {
		select {
		case <-s.closing:
			return
		case ev, ok := <-events:
			if !ok {
				s.terminate(triggerFault, ErrEventStreamEnded)
				return
			}
			if s.handleEvent(ev) {
				return
			}
		}
	}
}

// handleEvent processes ev and reports whether the session is finished.
func (s *Session) handleEvent(ev Event) bool {
	switch ev.Kind {
	case EventOpen:
		s.fire(triggerOpened, nil)
	case EventMessage:
		s.deliver(ev.Payload)
	case EventClose:
		cause := error(ErrRemoteClosed)
		if ev.Reason != "" {
			cause = fmt.Errorf("%w: %s", ErrRemoteClosed, ev.Reason)
		}
		s.terminate(triggerRemoteClose, cause)
		return true
	case EventError:
		err := ev.Err
		if err == nil {
			err = errors.New("transport: unspecified error")
		}
		s.terminate(triggerFault, err)
		return true
	default:
		s.log.Debug("transport: unknown event", "kind", ev.Kind)
	}
	return false
}

// terminate fires t and shuts the session down. A cause observed while still
// connecting is reported as a handshake failure.
func (s *Session) terminate(t trigger, cause error) {
	if s.State() == Connecting {
		cause = &HandshakeError{Err: cause}
	}
	s.fire(t, cause)
	s.shutdown()
}

// deliver decodes payload and hands it to the chunk handler.
func (s *Session) deliver(payload string) {
	samples, err := audio.Decode(payload)
	if err != nil {
		s.decodeFailed(err)
		return
	}
	chunk := audio.NewChunk(samples, s.playbackRate)

	s.deliverMu.RLock()
	defer s.deliverMu.RUnlock()
	if s.isClosing() {
		return
	}
	if st := s.State(); st != Connected {
		s.log.Debug("transport: dropping inbound audio", "state", st)
		return
	}
	if s.onChunk != nil {
		s.onChunk(chunk)
	}
}

// writeLoop drains the outbound queue into conn.
func (s *Session) writeLoop(conn Conn) {
	for {
		select {
		case <-s.closing:
			return
		case p := <-s.outbound:
			if err := conn.Send(s.ctx, p); err != nil {
				if s.isClosing() {
					return
				}
				s.sendFailed(err)
			}
		}
	}
}

func (s *Session) sendFailed(cause error) error {
	err := &SendError{Err: cause}
	level := slog.LevelDebug
	if s.sendFailures.Add(1) == 1 {
		level = slog.LevelWarn
	}
	s.log.Log(s.ctx, level, "transport: dropped outbound packet", "err", cause)
	if s.onSendError != nil {
		s.onSendError(err)
	}
	return err
}

func (s *Session) decodeFailed(err error) {
	level := slog.LevelDebug
	if s.decodeFailures.Add(1) == 1 {
		level = slog.LevelWarn
	}
	s.log.Log(s.ctx, level, "transport: dropped inbound payload", "err", err)
	if s.onDecodeError != nil {
		s.onDecodeError(err)
	}
}
