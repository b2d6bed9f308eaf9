// Package session ties the transport, capture and playback components into a
// single voice session and owns its lifecycle.
//
// A [Manager] runs exactly one session from start to teardown. A session that
// has ended stays ended; starting another conversation means creating a new
// Manager, which [Controller] does on request.
package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"sync/atomic"
	"time"

	"github.com/MrWong99/voxlink/internal/events"
	"github.com/MrWong99/voxlink/internal/observe"
	"github.com/MrWong99/voxlink/internal/status"
	"github.com/MrWong99/voxlink/pkg/audio"
	"github.com/MrWong99/voxlink/pkg/audio/capture"
	"github.com/MrWong99/voxlink/pkg/audio/playback"
	"github.com/MrWong99/voxlink/pkg/transport"
	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// ErrAlreadyStarted is returned by [Manager.Start] on every call after the
// first.
var ErrAlreadyStarted = errors.New("session: already started")

// ErrTornDown is returned by [Manager.Start] after [Manager.Stop].
var ErrTornDown = errors.New("session: torn down")

// Config holds the collaborators and settings of one session.
type Config struct {
	// ID identifies the session in logs, events and status. A random UUID is
	// used when empty.
	ID string

	// Dialer opens the connection to the inference endpoint. Required.
	Dialer transport.Dialer

	// Handshake carries the model, voice and persona for this session.
	Handshake transport.Handshake

	// Capture is the microphone. Required.
	Capture audio.CaptureDevice

	// Sink is the playback device. Required. The Manager closes it on
	// teardown.
	Sink audio.Sink

	// CaptureRate is the sample rate requested from the microphone.
	// Defaults to [audio.WireSampleRate].
	CaptureRate int

	// FrameSize is the number of samples per captured frame.
	// Defaults to [audio.DefaultFrameSize].
	FrameSize int

	// VolumeGain scales the volume indicator. Defaults to
	// [audio.DefaultVolumeGain].
	VolumeGain float64

	// SendQueue is the outbound packet queue capacity.
	// Defaults to [transport.DefaultQueueSize].
	SendQueue int

	// Publisher receives state and volume events. May be nil.
	Publisher events.Publisher

	// Metrics records session metrics. Defaults to [observe.DefaultMetrics].
	Metrics *observe.Metrics
}

// Manager owns one voice session: its transport session, frame producer,
// playback scheduler and devices. All methods are safe for concurrent use.
type Manager struct {
	id        string
	log       *slog.Logger
	metrics   *observe.Metrics
	publisher events.Publisher
	sink      audio.Sink

	sess     *transport.Session
	producer *capture.Producer
	sched    *playback.Scheduler

	started        atomic.Bool
	tearingDown    atomic.Bool
	counted        atomic.Bool // holds one active_sessions increment
	handshakeStart atomic.Int64 // unix nanos, zero until Open
	volume         atomic.Uint64
	done           chan struct{}
}

var _ status.Source = (*Manager)(nil)

// New assembles a session in the [transport.Connecting] state. No device or
// network activity happens until [Manager.Start].
func New(cfg Config) (*Manager, error) {
	if cfg.Dialer == nil {
		return nil, errors.New("session: new: dialer is required")
	}
	if cfg.Capture == nil {
		return nil, errors.New("session: new: capture device is required")
	}
	if cfg.Sink == nil {
		return nil, errors.New("session: new: playback sink is required")
	}
	if cfg.ID == "" {
		cfg.ID = uuid.NewString()
	}
	if cfg.Metrics == nil {
		cfg.Metrics = observe.DefaultMetrics()
	}

	m := &Manager{
		id:        cfg.ID,
		log:       slog.Default().With("session_id", cfg.ID),
		metrics:   cfg.Metrics,
		publisher: cfg.Publisher,
		sink:      cfg.Sink,
		done:      make(chan struct{}),
	}

	m.sched = playback.New(cfg.Sink, playback.WithGapObserver(m.onGap))
	m.producer = capture.New(capture.Config{
		Device:     cfg.Capture,
		SampleRate: cfg.CaptureRate,
		FrameSize:  cfg.FrameSize,
		Meter:      audio.Meter{Gain: cfg.VolumeGain},
		OnPacket:   m.onPacket,
		OnVolume:   m.onVolume,
	})
	m.sess = transport.New(cfg.Dialer, cfg.Handshake,
		transport.WithChunkHandler(m.onChunk),
		transport.WithSendErrorHandler(m.onSendError),
		transport.WithDecodeErrorHandler(m.onDecodeError),
		transport.WithListener(m.onStateChange),
		transport.WithQueueSize(cfg.SendQueue),
		transport.WithPlaybackRate(audio.PlaybackSampleRate),
		transport.WithLogger(m.log),
	)
	return m, nil
}

// ID returns the session id.
func (m *Manager) ID() string { return m.id }

// State returns the transport state.
func (m *Manager) State() transport.State { return m.sess.State() }

// Err returns the reason the session ended in [transport.Error], or nil.
func (m *Manager) Err() error { return m.sess.Err() }

// Volume returns the most recent normalised microphone level in [0,1].
// It is 0 before capture starts and after teardown.
func (m *Manager) Volume() float64 {
	return math.Float64frombits(m.volume.Load())
}

// Done is closed once teardown has completed.
func (m *Manager) Done() <-chan struct{} { return m.done }

// Snapshot implements [status.Source].
func (m *Manager) Snapshot() status.Snapshot {
	return status.Snapshot{
		SessionID: m.id,
		State:     m.State().String(),
		Volume:    m.Volume(),
		CursorMS:  m.sched.Cursor().Milliseconds(),
		Active:    m.sched.Active(),
	}
}

// Check reports an error once the session has reached a terminal state. It
// is meant for readiness probes.
func (m *Manager) Check(_ context.Context) error {
	if st := m.State(); st.Terminal() {
		return fmt.Errorf("session %s is %s", m.id, st)
	}
	return nil
}

// Start acquires the microphone and begins the handshake. Frame production
// starts once the session is connected.
//
// If the microphone cannot be acquired the session moves to
// [transport.Error] without a handshake, is torn down, and the
// [*audio.DeviceAccessError] is returned. ctx bounds device acquisition and
// the handshake dial only.
func (m *Manager) Start(ctx context.Context) error {
	if m.tearingDown.Load() {
		return ErrTornDown
	}
	if !m.started.CompareAndSwap(false, true) {
		return ErrAlreadyStarted
	}
	ctx = observe.WithSessionID(ctx, m.id)
	ctx, span := observe.StartSpan(ctx, "session.start",
		trace.WithAttributes(attribute.String("session.id", m.id)),
	)
	defer span.End()
	log := observe.Logger(ctx)

	m.metrics.ActiveSessions.Add(ctx, 1)
	m.counted.Store(true)
	if m.tearingDown.Load() {
		// Teardown began after the check above; whichever side takes the
		// increment back does so exactly once.
		if m.counted.CompareAndSwap(true, false) {
			m.metrics.ActiveSessions.Add(ctx, -1)
		}
		return ErrTornDown
	}

	if err := m.producer.Acquire(ctx); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "capture device unavailable")
		log.Error("session: capture device unavailable", "err", err)
		m.sess.Fail(err)
		return err
	}

	m.handshakeStart.Store(time.Now().UnixNano())
	m.sess.Open(ctx)
	log.Info("session: handshake started")
	return nil
}

// Stop tears the session down and waits for teardown to finish. It is
// idempotent and may be called from any state.
func (m *Manager) Stop() {
	m.teardown()
	<-m.done
}

// teardown releases everything the session holds, in order: frame
// production, transport, devices, scheduled playback. Only the first call
// does any work; it may be re-entered from the transport's state listener.
func (m *Manager) teardown() {
	if !m.tearingDown.CompareAndSwap(false, true) {
		return
	}

	m.producer.Stop()
	if err := m.sess.Close(); err != nil {
		m.log.Warn("session: close transport", "err", err)
	}
	if err := m.producer.Release(); err != nil {
		m.log.Warn("session: release capture device", "err", err)
	}
	if err := m.sink.Close(); err != nil {
		m.log.Warn("session: close playback sink", "err", err)
	}
	m.sched.Reset()

	m.volume.Store(0)
	if m.counted.CompareAndSwap(true, false) {
		m.metrics.ActiveSessions.Add(context.Background(), -1)
	}
	close(m.done)
	m.log.Info("session: torn down", "state", m.State())
}

// ── callbacks ─────────────────────────────────────────────────────────────────

func (m *Manager) onStateChange(c transport.Change) {
	ctx := context.Background()
	m.metrics.RecordTransition(ctx, c.From.String(), c.To.String())

	if c.From == transport.Connecting {
		if t0 := m.handshakeStart.Load(); t0 != 0 {
			m.metrics.RecordHandshake(ctx, time.Since(time.Unix(0, t0)), c.To.String())
		}
	}

	if m.publisher != nil {
		ev := events.StateEvent{
			SessionID: m.id,
			From:      c.From.String(),
			To:        c.To.String(),
			Time:      time.Now().UTC(),
		}
		if c.Err != nil {
			ev.Error = c.Err.Error()
		}
		m.publisher.PublishState(ev)
	}

	switch {
	case c.To == transport.Connected:
		if err := m.producer.Start(); err != nil {
			m.log.Warn("session: start frame production", "err", err)
		}
	case c.To.Terminal():
		m.teardown()
	}
}

func (m *Manager) onPacket(p audio.Packet) {
	if err := m.sess.Send(p); err == nil {
		m.metrics.PacketsSent.Add(context.Background(), 1)
	}
}

func (m *Manager) onVolume(level float64) {
	m.volume.Store(math.Float64bits(level))
	if m.publisher != nil {
		m.publisher.PublishVolume(events.VolumeEvent{
			SessionID: m.id,
			Level:     level,
			Time:      time.Now().UTC(),
		})
	}
}

func (m *Manager) onChunk(chunk audio.Chunk) {
	start, err := m.sched.OnChunk(chunk)
	if err != nil {
		m.log.Warn("session: schedule chunk", "err", err)
		return
	}
	m.metrics.RecordChunk(context.Background(), chunk.Duration)
	m.log.Debug("session: chunk scheduled", "start", start, "duration", chunk.Duration)
}

func (m *Manager) onGap(gap time.Duration) {
	m.metrics.RecordGap(context.Background(), gap)
}

func (m *Manager) onSendError(error) {
	m.metrics.SendErrors.Add(context.Background(), 1)
}

func (m *Manager) onDecodeError(error) {
	m.metrics.DecodeErrors.Add(context.Background(), 1)
}
