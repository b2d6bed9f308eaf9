// Package status serves the live view of the voice session over HTTP:
//
//   - GET /status: JSON snapshot of the current session.
//   - GET /status/ws: websocket stream that starts with a snapshot and then
//     pushes every state change and volume level as it happens.
//
// [Hub] implements [events.Publisher], so the session reports into it the
// same way it reports to NATS.
package status

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/MrWong99/voxlink/internal/events"
	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"
)

const (
	defaultBuffer       = 64
	defaultWriteTimeout = 5 * time.Second
)

// Snapshot is the point-in-time view of a session.
type Snapshot struct {
	SessionID string  `json:"session_id"`
	State     string  `json:"state"`
	Volume    float64 `json:"volume"`
	CursorMS  int64   `json:"cursor_ms"`
	Active    int     `json:"active"`
}

// idle is reported while no session has been attached.
var idle = Snapshot{State: "idle"}

// Source provides snapshots of the current session.
type Source interface {
	Snapshot() Snapshot
}

// Message is one frame on the websocket stream. Exactly one of the payload
// fields is set, matching Type.
type Message struct {
	Type     string              `json:"type"`
	Snapshot *Snapshot           `json:"snapshot,omitempty"`
	State    *events.StateEvent  `json:"state,omitempty"`
	Volume   *events.VolumeEvent `json:"volume,omitempty"`
}

// Message types.
const (
	TypeSnapshot = "snapshot"
	TypeState    = "state"
	TypeVolume   = "volume"
)

// ── Options ───────────────────────────────────────────────────────────────────

// Option is a functional option for configuring a Hub.
type Option func(*Hub)

// WithBuffer sets how many messages may queue per stream client before new
// ones are dropped for that client.
func WithBuffer(n int) Option {
	return func(h *Hub) {
		if n > 0 {
			h.buffer = n
		}
	}
}

// WithOriginPatterns sets the host patterns allowed to open the stream from
// a browser on another origin.
func WithOriginPatterns(patterns ...string) Option {
	return func(h *Hub) { h.origins = patterns }
}

// ── Hub ───────────────────────────────────────────────────────────────────────

// Hub fans session events out to websocket clients. It is safe for
// concurrent use.
type Hub struct {
	buffer       int
	origins      []string
	writeTimeout time.Duration

	mu     sync.Mutex
	source Source
	subs   map[*subscriber]struct{}

	done      chan struct{}
	closeOnce sync.Once
	dropped   atomic.Int64
}

type subscriber struct {
	ch chan Message
}

var _ events.Publisher = (*Hub)(nil)

// NewHub creates a Hub with no source attached.
func NewHub(opts ...Option) *Hub {
	h := &Hub{
		buffer:       defaultBuffer,
		writeTimeout: defaultWriteTimeout,
		subs:         make(map[*subscriber]struct{}),
		done:         make(chan struct{}),
	}
	for _, o := range opts {
		o(h)
	}
	return h
}

// SetSource attaches the session whose snapshots are served. It replaces any
// previous source; nil detaches.
func (h *Hub) SetSource(src Source) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.source = src
}

// Snapshot returns the current snapshot, or an idle one without a source.
func (h *Hub) Snapshot() Snapshot {
	h.mu.Lock()
	src := h.source
	h.mu.Unlock()
	if src == nil {
		return idle
	}
	return src.Snapshot()
}

// Subscribers returns the number of connected stream clients.
func (h *Hub) Subscribers() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.subs)
}

// Dropped returns how many messages were dropped for slow clients.
func (h *Hub) Dropped() int64 {
	return h.dropped.Load()
}

// PublishState implements [events.Publisher].
func (h *Hub) PublishState(ev events.StateEvent) {
	h.broadcast(Message{Type: TypeState, State: &ev})
}

// PublishVolume implements [events.Publisher].
func (h *Hub) PublishVolume(ev events.VolumeEvent) {
	h.broadcast(Message{Type: TypeVolume, Volume: &ev})
}

func (h *Hub) broadcast(m Message) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for s := range h.subs {
		select {
		case s.ch <- m:
		default:
			h.dropped.Add(1)
		}
	}
}

func (h *Hub) subscribe() *subscriber {
	s := &subscriber{ch: make(chan Message, h.buffer)}
	h.mu.Lock()
	h.subs[s] = struct{}{}
	h.mu.Unlock()
	return s
}

func (h *Hub) unsubscribe(s *subscriber) {
	h.mu.Lock()
	delete(h.subs, s)
	h.mu.Unlock()
}

// Close disconnects every stream client with a going-away status. Later
// stream requests are closed immediately.
func (h *Hub) Close() {
	h.closeOnce.Do(func() { close(h.done) })
}

// ── HTTP ──────────────────────────────────────────────────────────────────────

// Register adds the /status and /status/ws routes to mux.
func (h *Hub) Register(mux *http.ServeMux) {
	mux.HandleFunc("GET /status", h.ServeStatus)
	mux.HandleFunc("GET /status/ws", h.ServeStream)
}

// ServeStatus writes the current [Snapshot] as JSON.
func (h *Hub) ServeStatus(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.Header().Set("Cache-Control", "no-store")
	if err := json.NewEncoder(w).Encode(h.Snapshot()); err != nil {
		slog.Debug("status: write snapshot", "err", err)
	}
}

// ServeStream upgrades to a websocket and streams [Message] frames until the
// client goes away or the hub is closed. Client messages are ignored.
func (h *Hub) ServeStream(w http.ResponseWriter, r *http.Request) {
	c, err := websocket.Accept(w, r, &websocket.AcceptOptions{OriginPatterns: h.origins})
	if err != nil {
		slog.Debug("status: websocket accept failed", "err", err)
		return
	}
	defer c.CloseNow()

	ctx := c.CloseRead(r.Context())
	sub := h.subscribe()
	defer h.unsubscribe(sub)

	snap := h.Snapshot()
	if err := h.write(ctx, c, Message{Type: TypeSnapshot, Snapshot: &snap}); err != nil {
		return
	}

	for {
		select {
		case <-ctx.Done():
			return
		case <-h.done:
			c.Close(websocket.StatusGoingAway, "server shutting down")
			return
		case m := <-sub.ch:
			if err := h.write(ctx, c, m); err != nil {
				slog.Debug("status: stream write failed", "err", err)
				return
			}
		}
	}
}

func (h *Hub) write(ctx context.Context, c *websocket.Conn, m Message) error {
	ctx, cancel := context.WithTimeout(ctx, h.writeTimeout)
	defer cancel()
	return wsjson.Write(ctx, c, m)
}
