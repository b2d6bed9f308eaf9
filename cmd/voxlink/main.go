// Command voxlink runs a duplex voice session between the local microphone
// and speakers and a realtime speech model.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/MrWong99/voxlink/internal/app"
	"github.com/MrWong99/voxlink/internal/config"
	"github.com/MrWong99/voxlink/internal/observe"
	"github.com/MrWong99/voxlink/pkg/audio"
	"github.com/MrWong99/voxlink/pkg/audio/portaudio"
	"github.com/MrWong99/voxlink/pkg/transport"
	"github.com/MrWong99/voxlink/pkg/transport/gemini"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"golang.org/x/sync/errgroup"
)

// version is set at build time via -ldflags.
var version = "dev"

func main() {
	os.Exit(run())
}

func run() int {
	// ── CLI flags ──────────────────────────────────────────────────────────────
	configPath := flag.String("config", "config.yaml", "path to the YAML configuration file")
	noAutoStart := flag.Bool("no-autostart", false, "wait for POST /session/start instead of starting a session immediately")
	flag.Parse()

	// ── Logger ────────────────────────────────────────────────────────────────
	level := new(slog.LevelVar)
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level})))

	// ── Load configuration ────────────────────────────────────────────────────
	var application *app.App
	watcher, err := config.NewWatcher(*configPath, func(old, new *config.Config) {
		if application != nil {
			application.Reload(old, new)
		}
	})
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			fmt.Fprintf(os.Stderr, "voxlink: config file %q not found\n", *configPath)
		} else {
			fmt.Fprintf(os.Stderr, "voxlink: %v\n", err)
		}
		return 1
	}
	cfg := watcher.Current()
	level.Set(cfg.Server.LogLevel.Slog())

	slog.Info("voxlink starting",
		"version", version,
		"config", *configPath,
		"listen_addr", cfg.Server.ListenAddr,
		"log_level", cfg.Server.LogLevel,
	)

	// ── Telemetry ─────────────────────────────────────────────────────────────
	promReg := prometheus.NewRegistry()
	promReg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	shutdownTelemetry, err := observe.InitProvider(context.Background(), observe.ProviderConfig{
		ServiceName:    cfg.Telemetry.ServiceName,
		ServiceVersion: version,
		Registerer:     promReg,
	})
	if err != nil {
		slog.Error("failed to initialise telemetry", "err", err)
		return 1
	}
	defer func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := shutdownTelemetry(ctx); err != nil {
			slog.Warn("telemetry shutdown error", "err", err)
		}
	}()

	// ── Component registry ────────────────────────────────────────────────────
	reg := config.NewRegistry()
	registerBuiltins(reg)

	// ── Signal context ────────────────────────────────────────────────────────
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	application, err = app.New(ctx, cfg,
		app.WithRegistry(reg),
		app.WithLevel(level),
		app.WithGatherer(promReg),
		app.WithAutoStart(!*noAutoStart),
	)
	if err != nil {
		slog.Error("failed to initialise application", "err", err)
		return 1
	}

	slog.Info("server ready, press Ctrl+C to shut down")

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return application.Run(gctx) })
	g.Go(func() error { return watcher.Run(gctx) })
	runErr := g.Wait()

	slog.Info("shutdown signal received, stopping")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := application.Shutdown(shutdownCtx); err != nil {
		slog.Error("shutdown error", "err", err)
		return 1
	}
	if runErr != nil && !errors.Is(runErr, context.Canceled) {
		slog.Error("run error", "err", runErr)
		return 1
	}
	slog.Info("goodbye")
	return 0
}

// ── Builtin components ────────────────────────────────────────────────────────

func registerBuiltins(reg *config.Registry) {
	reg.RegisterTransport("gemini-live", func(tc config.TransportConfig) (transport.Dialer, error) {
		if tc.APIKey == "" {
			return nil, fmt.Errorf("gemini-live: api key is required (set transport.api_key or %s)", config.EnvAPIKey)
		}
		var opts []gemini.Option
		if tc.Model != "" {
			opts = append(opts, gemini.WithModel(tc.Model))
		}
		if tc.BaseURL != "" {
			opts = append(opts, gemini.WithBaseURL(tc.BaseURL))
		}
		return gemini.New(tc.APIKey, opts...), nil
	})

	reg.RegisterCapture("portaudio", func(cc config.CaptureConfig) (audio.CaptureDevice, error) {
		return &portaudio.Microphone{Device: cc.Device}, nil
	})

	reg.RegisterPlayback("portaudio", func(pc config.PlaybackConfig) (audio.Sink, error) {
		return portaudio.OpenSpeaker(portaudio.SpeakerConfig{
			Device:     pc.Device,
			DeviceRate: pc.SampleRate,
			Channels:   pc.Channels,
		})
	})

	for kind, names := range config.ValidNames {
		for _, name := range names {
			slog.Debug("registered component", "kind", kind, "name", name)
		}
	}
}
