// Package gemini implements [transport.Dialer] for Google's Gemini Live API.
//
// It establishes a bidirectional WebSocket connection to the Gemini Live
// endpoint and exchanges JSON messages according to the BidiGenerateContent
// protocol. Microphone audio goes out as realtimeInput media chunks; model
// audio comes back as inlineData parts of serverContent messages. The Conn
// only translates wire messages into [transport.Event] values; the session
// state machine lives in the transport package.
package gemini

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/MrWong99/voxlink/pkg/audio"
	"github.com/MrWong99/voxlink/pkg/transport"
	"github.com/coder/websocket"
)

// Compile-time assertions that Dialer and conn satisfy the transport interfaces.
var _ transport.Dialer = (*Dialer)(nil)
var _ transport.Conn = (*conn)(nil)

const (
	defaultModel   = "gemini-2.0-flash-live-001"
	defaultBaseURL = "wss://generativelanguage.googleapis.com/ws"
	endpointPath   = "/google.ai.generativelanguage.v1beta.GenerativeService.BidiGenerateContent"

	keepaliveInterval = 20 * time.Second
	keepaliveTimeout  = 5 * time.Second

	// maxMessageSize bounds a single inbound frame. Model turns carry
	// several seconds of base64 audio.
	maxMessageSize = 16 << 20
)

// ErrProtocol is wrapped by every error the Conn reports for a message that
// breaks the BidiGenerateContent exchange.
var ErrProtocol = errors.New("gemini: protocol violation")

// ── Options ────────────────────────────────────────────────────────────────────

// Option is a functional option for configuring a Dialer.
type Option func(*Dialer)

// WithModel sets the Gemini model used when the handshake does not name one.
func WithModel(model string) Option {
	return func(d *Dialer) { d.model = model }
}

// WithBaseURL overrides the base WebSocket URL. Primarily used in tests to
// point at a local mock server.
func WithBaseURL(url string) Option {
	return func(d *Dialer) { d.baseURL = url }
}

// WithKeepalive sets the interval between WebSocket pings. Zero disables
// keepalive pings.
func WithKeepalive(interval time.Duration) Option {
	return func(d *Dialer) { d.keepalive = interval }
}

// ── Dialer ─────────────────────────────────────────────────────────────────────

// Dialer implements transport.Dialer for Google's Gemini Live API.
type Dialer struct {
	apiKey    string
	model     string
	baseURL   string
	keepalive time.Duration
}

// New creates a new Gemini Live Dialer with the given API key and options.
func New(apiKey string, opts ...Option) *Dialer {
	d := &Dialer{
		apiKey:    apiKey,
		model:     defaultModel,
		baseURL:   defaultBaseURL,
		keepalive: keepaliveInterval,
	}
	for _, o := range opts {
		o(d)
	}
	return d
}

// Dial connects to Gemini Live and sends the setup message. The returned
// Conn reports [transport.EventOpen] once the server answers with
// setupComplete. The connection outlives ctx; only [transport.Conn.Close]
// ends it.
func (d *Dialer) Dial(ctx context.Context, hs transport.Handshake) (transport.Conn, error) {
	wsURL := d.baseURL + endpointPath + "?key=" + url.QueryEscape(d.apiKey)

	ws, _, err := websocket.Dial(ctx, wsURL, &websocket.DialOptions{
		HTTPHeader: http.Header{
			"Content-Type": []string{"application/json"},
		},
	})
	if err != nil {
		return nil, fmt.Errorf("gemini: dial: %w", err)
	}
	ws.SetReadLimit(maxMessageSize)

	connCtx, connCancel := context.WithCancel(context.Background())
	c := &conn{
		ws:     ws,
		events: make(chan transport.Event, 64),
		ctx:    connCtx,
		cancel: connCancel,
	}

	model := hs.Model
	if model == "" {
		model = d.model
	}
	if err := c.writeJSON(ctx, newSetup(model, hs)); err != nil {
		connCancel()
		ws.Close(websocket.StatusInternalError, "setup failed")
		return nil, fmt.Errorf("gemini: setup: %w", err)
	}

	go c.receiveLoop()
	if d.keepalive > 0 {
		go c.keepaliveLoop(d.keepalive)
	}
	return c, nil
}

// ── Protocol message types (outgoing) ─────────────────────────────────────────

type setupMessage struct {
	Setup setupConfig `json:"setup"`
}

type setupConfig struct {
	Model             string             `json:"model"`
	GenerationConfig  generationConfig   `json:"generationConfig"`
	SystemInstruction *systemInstruction `json:"systemInstruction,omitempty"`
}

type generationConfig struct {
	ResponseModalities []string      `json:"responseModalities"`
	SpeechConfig       *speechConfig `json:"speechConfig,omitempty"`
}

type speechConfig struct {
	VoiceConfig voiceConfig `json:"voiceConfig"`
}

type voiceConfig struct {
	PrebuiltVoiceConfig prebuiltVoiceConfig `json:"prebuiltVoiceConfig"`
}

type prebuiltVoiceConfig struct {
	VoiceName string `json:"voiceName"`
}

type systemInstruction struct {
	Parts []part `json:"parts"`
}

type part struct {
	Text       string      `json:"text,omitempty"`
	InlineData *inlineData `json:"inlineData,omitempty"`
}

type inlineData struct {
	MIMEType string `json:"mimeType"`
	Data     string `json:"data"` // base64-encoded
}

type realtimeInputMessage struct {
	RealtimeInput realtimeInput `json:"realtimeInput"`
}

type realtimeInput struct {
	MediaChunks []audio.Packet `json:"mediaChunks"`
}

// newSetup builds the BidiGenerateContent setup message for hs.
func newSetup(model string, hs transport.Handshake) setupMessage {
	if !strings.HasPrefix(model, "models/") {
		model = "models/" + model
	}
	msg := setupMessage{
		Setup: setupConfig{
			Model: model,
			GenerationConfig: generationConfig{
				ResponseModalities: []string{"audio"},
			},
		},
	}
	if hs.Instructions != "" {
		msg.Setup.SystemInstruction = &systemInstruction{
			Parts: []part{{Text: hs.Instructions}},
		}
	}
	if hs.Voice != "" {
		msg.Setup.GenerationConfig.SpeechConfig = &speechConfig{
			VoiceConfig: voiceConfig{
				PrebuiltVoiceConfig: prebuiltVoiceConfig{VoiceName: hs.Voice},
			},
		}
	}
	return msg
}

// ── Protocol message types (incoming) ─────────────────────────────────────────

type serverMessage struct {
	SetupComplete *json.RawMessage `json:"setupComplete,omitempty"`
	ServerContent *serverContent   `json:"serverContent,omitempty"`
	GoAway        *goAway          `json:"goAway,omitempty"`
	Error         *geminiError     `json:"error,omitempty"`
}

type geminiError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
	Status  string `json:"status,omitempty"`
}

type serverContent struct {
	ModelTurn    *modelTurn `json:"modelTurn,omitempty"`
	TurnComplete bool       `json:"turnComplete,omitempty"`
	Interrupted  bool       `json:"interrupted,omitempty"`
}

type modelTurn struct {
	Parts []part `json:"parts"`
}

type goAway struct {
	TimeLeft string `json:"timeLeft,omitempty"`
}

// ── conn ───────────────────────────────────────────────────────────────────────

type conn struct {
	ws     *websocket.Conn
	events chan transport.Event

	// ready is only touched by receiveLoop.
	ready bool

	ctx       context.Context
	cancel    context.CancelFunc
	closeOnce sync.Once
}

// writeJSON marshals v and writes it as a text WebSocket message.
func (c *conn) writeJSON(ctx context.Context, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("gemini: marshal: %w", err)
	}
	return c.ws.Write(ctx, websocket.MessageText, data)
}

// receiveLoop reads messages from the WebSocket and translates them into
// events. It owns events and closes it when it exits.
func (c *conn) receiveLoop() {
	defer close(c.events)

	for {
		_, data, err := c.ws.Read(c.ctx)
		if err != nil {
			// Local close: nothing left to report.
			if c.ctx.Err() != nil {
				return
			}
			c.emit(readFailure(err))
			return
		}

		var msg serverMessage
		if err := json.Unmarshal(data, &msg); err != nil {
			c.emit(transport.Event{
				Kind: transport.EventError,
				Err:  fmt.Errorf("%w: malformed message: %v", ErrProtocol, err),
			})
			return
		}

		if !c.handleServerMessage(&msg) {
			return
		}
	}
}

// readFailure maps a read error to a close or error event. Only a normal
// closure or going-away status counts as a clean remote close.
func readFailure(err error) transport.Event {
	switch websocket.CloseStatus(err) {
	case websocket.StatusNormalClosure, websocket.StatusGoingAway:
		var ce websocket.CloseError
		reason := ""
		if errors.As(err, &ce) {
			reason = ce.Reason
		}
		return transport.Event{Kind: transport.EventClose, Reason: reason}
	default:
		return transport.Event{Kind: transport.EventError, Err: fmt.Errorf("gemini: read: %w", err)}
	}
}

// handleServerMessage emits the events for msg and reports whether the loop
// should keep reading.
func (c *conn) handleServerMessage(msg *serverMessage) bool {
	if msg.Error != nil {
		text := "unknown error"
		if msg.Error.Message != "" {
			text = msg.Error.Message
		}
		c.emit(transport.Event{
			Kind: transport.EventError,
			Err:  fmt.Errorf("gemini: server error %d: %s", msg.Error.Code, text),
		})
		return false
	}

	if msg.SetupComplete != nil && !c.ready {
		c.ready = true
		if !c.emit(transport.Event{Kind: transport.EventOpen}) {
			return false
		}
	}

	if msg.ServerContent != nil {
		if !c.ready {
			c.emit(transport.Event{
				Kind: transport.EventError,
				Err:  fmt.Errorf("%w: content before setupComplete", ErrProtocol),
			})
			return false
		}
		if !c.handleServerContent(msg.ServerContent) {
			return false
		}
	}

	if msg.GoAway != nil {
		slog.Info("gemini: server going away", "time_left", msg.GoAway.TimeLeft)
	}
	return true
}

func (c *conn) handleServerContent(sc *serverContent) bool {
	if sc.ModelTurn == nil {
		return true
	}
	for _, p := range sc.ModelTurn.Parts {
		if p.InlineData == nil || p.InlineData.Data == "" {
			continue
		}
		if !strings.HasPrefix(p.InlineData.MIMEType, "audio/") && p.InlineData.MIMEType != "" {
			continue
		}
		if !c.emit(transport.Event{Kind: transport.EventMessage, Payload: p.InlineData.Data}) {
			return false
		}
	}
	return true
}

// emit delivers ev unless the conn is closing. It reports whether ev was
// delivered.
func (c *conn) emit(ev transport.Event) bool {
	select {
	case c.events <- ev:
		return true
	case <-c.ctx.Done():
		return false
	}
}

// keepaliveLoop sends WebSocket pings to keep the Gemini Live connection alive.
func (c *conn) keepaliveLoop(interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-c.ctx.Done():
			return
		case <-ticker.C:
			pingCtx, cancel := context.WithTimeout(c.ctx, keepaliveTimeout)
			if err := c.ws.Ping(pingCtx); err != nil && c.ctx.Err() == nil {
				slog.Debug("gemini: keepalive ping failed", "err", err)
			}
			cancel()
		}
	}
}

// ── transport.Conn methods ─────────────────────────────────────────────────────

// Events returns the channel on which wire observations arrive.
func (c *conn) Events() <-chan transport.Event { return c.events }

// Send delivers one PCM16 packet to the model as a realtimeInput media chunk.
func (c *conn) Send(ctx context.Context, p audio.Packet) error {
	if c.ctx.Err() != nil {
		return fmt.Errorf("gemini: connection closed")
	}
	msg := realtimeInputMessage{
		RealtimeInput: realtimeInput{MediaChunks: []audio.Packet{p}},
	}
	if err := c.writeJSON(ctx, msg); err != nil {
		return fmt.Errorf("gemini: send: %w", err)
	}
	return nil
}

// Close terminates the connection and releases all resources. Idempotent.
func (c *conn) Close() error {
	c.closeOnce.Do(func() {
		c.cancel() // unblocks receiveLoop and keepaliveLoop
		c.ws.Close(websocket.StatusNormalClosure, "session closed")
	})
	return nil
}
