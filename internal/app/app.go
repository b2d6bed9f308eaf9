// Package app wires the voxlink subsystems into a running server.
//
// The App struct owns the full lifecycle: New builds devices, transport,
// event publishers and the HTTP surface from the config, Run serves until its
// context is cancelled, and Shutdown tears everything down in order.
//
// For testing, inject doubles via functional options (WithRegistry,
// WithPublisher, etc.). Components are otherwise created through the
// [config.Registry] from the config.
package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/MrWong99/voxlink/internal/config"
	"github.com/MrWong99/voxlink/internal/events"
	"github.com/MrWong99/voxlink/internal/health"
	"github.com/MrWong99/voxlink/internal/journal"
	"github.com/MrWong99/voxlink/internal/observe"
	"github.com/MrWong99/voxlink/internal/session"
	"github.com/MrWong99/voxlink/internal/status"
	"github.com/MrWong99/voxlink/pkg/audio"
	"github.com/MrWong99/voxlink/pkg/transport"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/sync/errgroup"
)

// readHeaderTimeout bounds how long a client may take to send request headers.
const readHeaderTimeout = 10 * time.Second

// App owns all subsystem lifetimes.
type App struct {
	cfg *config.Config

	reg       *config.Registry
	level     *slog.LevelVar
	metrics   *observe.Metrics
	gatherer  prometheus.Gatherer
	publisher events.Publisher
	journal   *journal.Journal
	autoStart bool

	// Subsystems, initialised in New and torn down in Shutdown.
	hub        *status.Hub
	controller *session.Controller
	health     *health.Handler
	handler    http.Handler
	server     *http.Server

	// closers are called in order during Shutdown.
	closers []func() error

	// stopOnce guards the Shutdown path.
	stopOnce sync.Once
}

// Option is a functional option for New. Use these to inject test doubles.
type Option func(*App)

// WithRegistry sets the component registry. New fails if the config names a
// component the registry does not know.
func WithRegistry(reg *config.Registry) Option {
	return func(a *App) { a.reg = reg }
}

// WithLevel sets the level variable that hot reloads adjust.
func WithLevel(lv *slog.LevelVar) Option {
	return func(a *App) { a.level = lv }
}

// WithMetrics sets the metrics instruments. Defaults to [observe.DefaultMetrics].
func WithMetrics(m *observe.Metrics) Option {
	return func(a *App) { a.metrics = m }
}

// WithGatherer exposes g on GET /metrics.
func WithGatherer(g prometheus.Gatherer) Option {
	return func(a *App) { a.gatherer = g }
}

// WithPublisher injects an event publisher instead of connecting to NATS.
// The status hub always receives events as well.
func WithPublisher(p events.Publisher) Option {
	return func(a *App) { a.publisher = p }
}

// WithJournal injects a transition journal instead of opening one from
// events.journal_dsn. The App closes it on Shutdown.
func WithJournal(j *journal.Journal) Option {
	return func(a *App) { a.journal = j }
}

// WithAutoStart controls whether Run starts a session immediately.
// The default is true.
func WithAutoStart(enabled bool) Option {
	return func(a *App) { a.autoStart = enabled }
}

// ─── New ─────────────────────────────────────────────────────────────────────

// New creates an App by wiring all subsystems together. Devices are not opened
// until a session starts.
func New(ctx context.Context, cfg *config.Config, opts ...Option) (*App, error) {
	a := &App{
		cfg:       cfg,
		autoStart: true,
	}
	for _, o := range opts {
		o(a)
	}
	if a.reg == nil {
		return nil, errors.New("app: component registry is required")
	}
	if a.level == nil {
		a.level = new(slog.LevelVar)
		a.level.Set(cfg.Server.LogLevel.Slog())
	}
	if a.metrics == nil {
		a.metrics = observe.DefaultMetrics()
	}

	dialer, err := a.reg.CreateTransport(cfg.Transport)
	if err != nil {
		return nil, fmt.Errorf("app: create transport: %w", err)
	}
	mic, err := a.reg.CreateCapture(cfg.Capture)
	if err != nil {
		return nil, fmt.Errorf("app: create capture device: %w", err)
	}

	a.hub = status.NewHub(status.WithOriginPatterns(cfg.Server.StatusOrigins...))
	a.health = health.New()

	if err := a.initJournal(ctx); err != nil {
		return nil, err
	}
	pub, err := a.initPublisher()
	if err != nil {
		a.closeAll()
		return nil, err
	}

	playback := cfg.Playback
	a.controller = session.NewController(session.ControllerConfig{
		Dialer:  dialer,
		Capture: mic,
		OpenSink: func() (audio.Sink, error) {
			return a.reg.CreatePlayback(playback)
		},
		Handshake:   handshake(cfg),
		CaptureRate: cfg.Capture.SampleRate,
		FrameSize:   cfg.Capture.FrameSize,
		VolumeGain:  cfg.Capture.VolumeGain,
		SendQueue:   cfg.Transport.SendQueue,
		Publisher:   pub,
		Metrics:     a.metrics,
	})
	a.hub.SetSource(a.controller)
	a.health.Add(health.Checker{Name: "session", Check: a.controller.Check})

	mux := http.NewServeMux()
	a.health.Register(mux)
	a.hub.Register(mux)
	a.controller.Register(mux)
	if a.journal != nil {
		a.journal.Register(mux)
	}
	if a.gatherer != nil {
		mux.Handle("GET /metrics", promhttp.HandlerFor(a.gatherer, promhttp.HandlerOpts{}))
	}
	a.handler = observe.Middleware(a.metrics)(mux)
	a.server = &http.Server{
		Addr:              cfg.Server.ListenAddr,
		Handler:           a.handler,
		ReadHeaderTimeout: readHeaderTimeout,
	}

	slog.Info("app initialised",
		"transport", cfg.Transport.Name,
		"capture", cfg.Capture.Driver,
		"playback", cfg.Playback.Driver,
		"persona", cfg.Persona.Name,
		"journal", a.journal != nil,
	)
	return a, nil
}

// initJournal opens the transition journal when one is configured and no
// journal was injected.
func (a *App) initJournal(ctx context.Context) error {
	if a.journal == nil && a.cfg.Events.JournalDSN != "" {
		j, err := journal.Open(ctx, a.cfg.Events.JournalDSN)
		if err != nil {
			return fmt.Errorf("app: %w", err)
		}
		a.journal = j
	}
	if a.journal != nil {
		a.closers = append(a.closers, a.journal.Close)
		a.health.Add(health.Checker{Name: "journal", Check: a.journal.Check})
	}
	return nil
}

// initPublisher builds the event fan-out: the status hub, the journal if
// any, plus either the injected publisher or a NATS connection when one is
// configured.
func (a *App) initPublisher() (events.Publisher, error) {
	multi := events.Multi{a.hub}
	if a.journal != nil {
		multi = append(multi, a.journal)
	}
	if a.publisher != nil {
		return append(multi, a.publisher), nil
	}
	if a.cfg.Events.NATSURL == "" {
		return multi, nil
	}

	np, err := events.ConnectNATS(a.cfg.Events.NATSURL, a.cfg.Events.SubjectPrefix)
	if err != nil {
		return nil, fmt.Errorf("app: %w", err)
	}
	a.closers = append(a.closers, np.Close)
	a.health.Add(health.Checker{Name: "events", Check: np.Check})
	return append(multi, np), nil
}

// ─── Accessors ───────────────────────────────────────────────────────────────

// Handler returns the HTTP handler with all routes and middleware applied.
func (a *App) Handler() http.Handler { return a.handler }

// Controller returns the session controller.
func (a *App) Controller() *session.Controller { return a.controller }

// Hub returns the status hub.
func (a *App) Hub() *status.Hub { return a.hub }

// ─── Run ─────────────────────────────────────────────────────────────────────

// Run serves HTTP and, unless disabled, starts the first session. It blocks
// until ctx is cancelled or the server fails, then shuts the server down.
// A session that fails to start is logged; the server keeps running so that
// a new session can be requested over HTTP.
func (a *App) Run(ctx context.Context) error {
	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		slog.Info("http server listening", "addr", a.server.Addr, "tls", a.cfg.Server.TLS != nil)
		var err error
		if tls := a.cfg.Server.TLS; tls != nil {
			err = a.server.ListenAndServeTLS(tls.CertFile, tls.KeyFile)
		} else {
			err = a.server.ListenAndServe()
		}
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return fmt.Errorf("app: http server: %w", err)
	})

	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(gctx), 5*time.Second)
		defer cancel()
		return a.server.Shutdown(shutdownCtx)
	})

	if a.autoStart {
		if _, err := a.controller.Start(ctx); err != nil {
			slog.Error("initial session failed to start", "err", err)
		}
	}

	return g.Wait()
}

// ─── Reload ──────────────────────────────────────────────────────────────────

// Reload applies the hot-reloadable parts of a config change. It matches the
// onChange signature of [config.NewWatcher].
func (a *App) Reload(old, new *config.Config) {
	d := config.Diff(old, new)
	if !d.Changed() {
		return
	}
	if d.LogLevelChanged {
		a.level.Set(d.NewLogLevel.Slog())
		slog.Info("log level changed", "level", d.NewLogLevel)
	}
	if d.PersonaChanged {
		a.controller.SetHandshake(handshake(new))
		slog.Info("persona changed, applies from the next session", "persona", new.Persona.Name)
	}
	if len(d.RestartRequired) > 0 {
		slog.Warn("config changes require a restart", "sections", d.RestartRequired)
	}
}

// ─── Shutdown ────────────────────────────────────────────────────────────────

// Shutdown tears down all subsystems: the status streams first, then the
// running session, then the remaining closers. It respects the context
// deadline: if ctx expires before all closers finish, remaining closers are
// skipped and the context error is returned.
func (a *App) Shutdown(ctx context.Context) error {
	var shutdownErr error
	a.stopOnce.Do(func() {
		slog.Info("shutting down", "closers", len(a.closers))

		a.hub.Close()
		if err := a.controller.Close(); err != nil {
			slog.Warn("session close error", "err", err)
		}
		if err := a.server.Shutdown(ctx); err != nil {
			slog.Warn("http server shutdown error", "err", err)
		}

		for i, closer := range a.closers {
			select {
			case <-ctx.Done():
				slog.Warn("shutdown deadline exceeded", "remaining", len(a.closers)-i)
				shutdownErr = ctx.Err()
				return
			default:
			}
			if err := closer(); err != nil {
				slog.Warn("closer error", "index", i, "err", err)
			}
		}

		slog.Info("shutdown complete")
	})
	return shutdownErr
}

// ─── Helpers ─────────────────────────────────────────────────────────────────

// closeAll runs the closers registered so far. It is used when New fails
// part way.
func (a *App) closeAll() {
	for _, closer := range a.closers {
		_ = closer()
	}
}

// handshake builds the session handshake from the transport and persona
// sections.
func handshake(cfg *config.Config) transport.Handshake {
	return transport.Handshake{
		Model:        cfg.Transport.Model,
		Voice:        cfg.Persona.Voice,
		Instructions: cfg.Persona.Instructions,
	}
}
