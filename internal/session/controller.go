package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"

	"github.com/MrWong99/voxlink/internal/events"
	"github.com/MrWong99/voxlink/internal/observe"
	"github.com/MrWong99/voxlink/internal/status"
	"github.com/MrWong99/voxlink/pkg/audio"
	"github.com/MrWong99/voxlink/pkg/transport"
)

var (
	// ErrActive is returned by [Controller.Start] while a session is running.
	ErrActive = errors.New("session: a session is already active")

	// ErrNoSession is returned by [Controller.Stop] when nothing is running.
	ErrNoSession = errors.New("session: no active session")
)

// ControllerConfig holds the dependencies shared by every session a
// [Controller] starts.
type ControllerConfig struct {
	Dialer  transport.Dialer
	Capture audio.CaptureDevice

	// OpenSink opens a fresh playback device for each session. The session
	// closes it on teardown.
	OpenSink func() (audio.Sink, error)

	Handshake   transport.Handshake
	CaptureRate int
	FrameSize   int
	VolumeGain  float64
	SendQueue   int
	Publisher   events.Publisher
	Metrics     *observe.Metrics
}

// Controller runs at most one [Manager] at a time. A session that has ended
// is not restarted automatically; [Controller.Start] begins a new one.
// All exported methods are safe for concurrent use.
type Controller struct {
	cfg ControllerConfig

	mu      sync.Mutex
	current *Manager
}

var _ status.Source = (*Controller)(nil)

// NewController creates a Controller with no session.
func NewController(cfg ControllerConfig) *Controller {
	return &Controller{cfg: cfg}
}

// SetHandshake replaces the model, voice and persona used from the next
// session on. The running session is not affected.
func (c *Controller) SetHandshake(hs transport.Handshake) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.cfg.Handshake = hs
}

// Current returns the most recent session, which may have ended, or nil.
func (c *Controller) Current() *Manager {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.current
}

// Start creates and starts a new session. It returns [ErrActive] if the
// previous session has not been torn down yet.
//
// A device failure still leaves the failed session as [Controller.Current]
// so that its state can be inspected.
func (c *Controller) Start(ctx context.Context) (*Manager, error) {
	c.mu.Lock()
	if c.current != nil && !isDone(c.current) {
		id := c.current.ID()
		c.mu.Unlock()
		return nil, fmt.Errorf("%w (id=%s)", ErrActive, id)
	}
	cfg := c.cfg

	sink, err := cfg.OpenSink()
	if err != nil {
		c.mu.Unlock()
		return nil, fmt.Errorf("session: open playback device: %w", err)
	}
	m, err := New(Config{
		Dialer:      cfg.Dialer,
		Handshake:   cfg.Handshake,
		Capture:     cfg.Capture,
		Sink:        sink,
		CaptureRate: cfg.CaptureRate,
		FrameSize:   cfg.FrameSize,
		VolumeGain:  cfg.VolumeGain,
		SendQueue:   cfg.SendQueue,
		Publisher:   cfg.Publisher,
		Metrics:     cfg.Metrics,
	})
	if err != nil {
		_ = sink.Close()
		c.mu.Unlock()
		return nil, err
	}
	c.current = m
	c.mu.Unlock()

	slog.Info("session: starting", "session_id", m.ID(), "model", cfg.Handshake.Model, "voice", cfg.Handshake.Voice)
	if err := m.Start(ctx); err != nil {
		return m, err
	}
	return m, nil
}

// Stop tears down the running session and waits for it.
func (c *Controller) Stop() error {
	c.mu.Lock()
	m := c.current
	c.mu.Unlock()
	if m == nil || isDone(m) {
		return ErrNoSession
	}
	m.Stop()
	return nil
}

// Close stops the running session, if any. It is used on shutdown.
func (c *Controller) Close() error {
	if err := c.Stop(); err != nil && !errors.Is(err, ErrNoSession) {
		return err
	}
	return nil
}

// Snapshot implements [status.Source]. Without a session it reports an idle
// snapshot.
func (c *Controller) Snapshot() status.Snapshot {
	m := c.Current()
	if m == nil {
		return status.Snapshot{State: "idle"}
	}
	return m.Snapshot()
}

// Check reports whether a session is running. It is meant for readiness
// probes.
func (c *Controller) Check(ctx context.Context) error {
	m := c.Current()
	if m == nil {
		return errors.New("no session started")
	}
	return m.Check(ctx)
}

// ── HTTP ──────────────────────────────────────────────────────────────────────

// Register adds POST /session/start and POST /session/stop to mux.
func (c *Controller) Register(mux *http.ServeMux) {
	mux.HandleFunc("POST /session/start", c.handleStart)
	mux.HandleFunc("POST /session/stop", c.handleStop)
}

func (c *Controller) handleStart(w http.ResponseWriter, r *http.Request) {
	// The session outlives the request; keep its values but not its deadline.
	m, err := c.Start(context.WithoutCancel(r.Context()))
	switch {
	case errors.Is(err, ErrActive):
		http.Error(w, err.Error(), http.StatusConflict)
	case m == nil && err != nil:
		http.Error(w, err.Error(), http.StatusServiceUnavailable)
	case err != nil:
		// The session exists but failed; report its final state.
		w.WriteHeader(http.StatusServiceUnavailable)
		fmt.Fprintf(w, "session %s: %v\n", m.ID(), err)
	default:
		w.WriteHeader(http.StatusAccepted)
		fmt.Fprintf(w, "session %s starting\n", m.ID())
	}
}

func (c *Controller) handleStop(w http.ResponseWriter, _ *http.Request) {
	if err := c.Stop(); err != nil {
		http.Error(w, err.Error(), http.StatusConflict)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func isDone(m *Manager) bool {
	select {
	case <-m.Done():
		return true
	default:
		return false
	}
}
