package config_test

import (
	"errors"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/MrWong99/voxlink/internal/config"
	"github.com/MrWong99/voxlink/pkg/audio"
	audiomock "github.com/MrWong99/voxlink/pkg/audio/mock"
	"github.com/MrWong99/voxlink/pkg/transport"
	transportmock "github.com/MrWong99/voxlink/pkg/transport/mock"
)

// ── helpers ──────────────────────────────────────────────────────────────────

const sampleYAML = `
server:
  listen_addr: ":9090"
  log_level: debug

transport:
  name: gemini-live
  api_key: test-key
  model: gemini-2.0-flash-live-001
  send_queue: 16

persona:
  name: Companion
  voice: Puck
  instructions: You are a calm, friendly companion.

capture:
  driver: portaudio
  device: USB
  sample_rate: 48000
  frame_size: 2048
  volume_gain: 5

playback:
  driver: portaudio
  sample_rate: 48000
  channels: 2

events:
  nats_url: nats://localhost:4222
  subject_prefix: companion

telemetry:
  service_name: voxlink-test
`

// minimalYAML is the smallest config that validates.
const minimalYAML = `
transport:
  api_key: k
`

// ── YAML loading ──────────────────────────────────────────────────────────────

func TestLoadFromReader_Valid(t *testing.T) {
	t.Parallel()
	cfg, err := config.LoadFromReader(strings.NewReader(sampleYAML))
	if err != nil {
		t.Fatalf("LoadFromReader: %v", err)
	}

	if cfg.Server.ListenAddr != ":9090" {
		t.Errorf("listen_addr = %q", cfg.Server.ListenAddr)
	}
	if cfg.Server.LogLevel != config.LogDebug {
		t.Errorf("log_level = %q", cfg.Server.LogLevel)
	}
	if cfg.Transport.Name != "gemini-live" || cfg.Transport.SendQueue != 16 {
		t.Errorf("transport = %+v", cfg.Transport)
	}
	if cfg.Persona.Voice != "Puck" || !strings.HasPrefix(cfg.Persona.Instructions, "You are") {
		t.Errorf("persona = %+v", cfg.Persona)
	}
	if cfg.Capture.SampleRate != 48000 || cfg.Capture.FrameSize != 2048 || cfg.Capture.VolumeGain != 5 || cfg.Capture.Device != "USB" {
		t.Errorf("capture = %+v", cfg.Capture)
	}
	if cfg.Playback.SampleRate != 48000 || cfg.Playback.Channels != 2 {
		t.Errorf("playback = %+v", cfg.Playback)
	}
	if cfg.Events.NATSURL != "nats://localhost:4222" || cfg.Events.SubjectPrefix != "companion" {
		t.Errorf("events = %+v", cfg.Events)
	}
	if cfg.Telemetry.ServiceName != "voxlink-test" {
		t.Errorf("telemetry = %+v", cfg.Telemetry)
	}
}

func TestLoadFromReader_AppliesDefaults(t *testing.T) {
	t.Parallel()
	cfg, err := config.LoadFromReader(strings.NewReader(minimalYAML))
	if err != nil {
		t.Fatalf("LoadFromReader: %v", err)
	}

	checks := []struct {
		name string
		got  any
		want any
	}{
		{"listen_addr", cfg.Server.ListenAddr, config.DefaultListenAddr},
		{"log_level", cfg.Server.LogLevel, config.LogInfo},
		{"transport.name", cfg.Transport.Name, config.DefaultTransport},
		{"send_queue", cfg.Transport.SendQueue, config.DefaultSendQueue},
		{"capture.driver", cfg.Capture.Driver, config.DefaultDriver},
		{"capture.sample_rate", cfg.Capture.SampleRate, audio.WireSampleRate},
		{"capture.frame_size", cfg.Capture.FrameSize, audio.DefaultFrameSize},
		{"capture.volume_gain", cfg.Capture.VolumeGain, audio.DefaultVolumeGain},
		{"playback.driver", cfg.Playback.Driver, config.DefaultDriver},
		{"playback.channels", cfg.Playback.Channels, 1},
		{"events.subject_prefix", cfg.Events.SubjectPrefix, config.DefaultSubjectPrefix},
		{"telemetry.service_name", cfg.Telemetry.ServiceName, config.DefaultServiceName},
	}
	for _, c := range checks {
		if c.got != c.want {
			t.Errorf("%s = %v, want %v", c.name, c.got, c.want)
		}
	}
	if cfg.Playback.SampleRate != 0 {
		t.Errorf("playback.sample_rate = %d, want 0 (inbound rate)", cfg.Playback.SampleRate)
	}
}

func TestLoadFromReader_UnknownField(t *testing.T) {
	t.Parallel()
	_, err := config.LoadFromReader(strings.NewReader(minimalYAML + "bogus: true\n"))
	if err == nil {
		t.Fatal("expected error for unknown field, got nil")
	}
}

func TestLoadFromReader_MalformedYAML(t *testing.T) {
	t.Parallel()
	_, err := config.LoadFromReader(strings.NewReader("server: [unclosed"))
	if err == nil {
		t.Fatal("expected error for malformed YAML, got nil")
	}
}

func TestLoad_File(t *testing.T) {
	t.Parallel()
	path := filepath.Join(t.TempDir(), "voxlink.yaml")
	if err := os.WriteFile(path, []byte(sampleYAML), 0o644); err != nil {
		t.Fatal(err)
	}
	cfg, err := config.Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Persona.Name != "Companion" {
		t.Errorf("persona.name = %q", cfg.Persona.Name)
	}
}

func TestLoad_MissingFile(t *testing.T) {
	t.Parallel()
	if _, err := config.Load("/nonexistent/voxlink.yaml"); err == nil {
		t.Fatal("expected error for missing file, got nil")
	}
}

// ── Environment ───────────────────────────────────────────────────────────────

func TestApplyEnv_OverridesAPIKey(t *testing.T) {
	t.Parallel()
	cfg := &config.Config{Transport: config.TransportConfig{APIKey: "from-file"}}
	config.ApplyEnv(cfg, func(key string) (string, bool) {
		if key == config.EnvAPIKey {
			return "from-env", true
		}
		return "", false
	})
	if cfg.Transport.APIKey != "from-env" {
		t.Errorf("api_key = %q, want from-env", cfg.Transport.APIKey)
	}
}

func TestApplyEnv_OverridesJournalDSN(t *testing.T) {
	t.Parallel()
	cfg := &config.Config{}
	config.ApplyEnv(cfg, func(key string) (string, bool) {
		if key == config.EnvJournalDSN {
			return "postgres://voxlink@db/voxlink", true
		}
		return "", false
	})
	if cfg.Events.JournalDSN != "postgres://voxlink@db/voxlink" {
		t.Errorf("journal_dsn = %q", cfg.Events.JournalDSN)
	}
}

func TestApplyEnv_EmptyValueIgnored(t *testing.T) {
	t.Parallel()
	cfg := &config.Config{Transport: config.TransportConfig{APIKey: "from-file"}}
	config.ApplyEnv(cfg, func(string) (string, bool) { return "", true })
	if cfg.Transport.APIKey != "from-file" {
		t.Errorf("api_key = %q, want from-file", cfg.Transport.APIKey)
	}
}

func TestLoadFromReader_APIKeyFromEnvironment(t *testing.T) {
	t.Setenv(config.EnvAPIKey, "env-key")
	cfg, err := config.LoadFromReader(strings.NewReader("persona:\n  voice: Kore\n"))
	if err != nil {
		t.Fatalf("LoadFromReader: %v", err)
	}
	if cfg.Transport.APIKey != "env-key" {
		t.Errorf("api_key = %q, want env-key", cfg.Transport.APIKey)
	}
}

// ── Validation ────────────────────────────────────────────────────────────────

func TestValidate_Errors(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name   string
		mutate func(*config.Config)
		want   string
	}{
		{"log level", func(c *config.Config) { c.Server.LogLevel = "verbose" }, "server.log_level"},
		{"tls incomplete", func(c *config.Config) { c.Server.TLS = &config.TLSConfig{CertFile: "c.pem"} }, "server.tls"},
		{"missing api key", func(c *config.Config) { c.Transport.APIKey = "" }, "transport.api_key"},
		{"negative queue", func(c *config.Config) { c.Transport.SendQueue = -1 }, "transport.send_queue"},
		{"http base url", func(c *config.Config) { c.Transport.BaseURL = "http://example.com" }, "transport.base_url"},
		{"capture rate", func(c *config.Config) { c.Capture.SampleRate = 100 }, "capture.sample_rate"},
		{"frame size", func(c *config.Config) { c.Capture.FrameSize = -4 }, "capture.frame_size"},
		{"gain", func(c *config.Config) { c.Capture.VolumeGain = -1 }, "capture.volume_gain"},
		{"playback rate", func(c *config.Config) { c.Playback.SampleRate = 500000 }, "playback.sample_rate"},
		{"channels", func(c *config.Config) { c.Playback.Channels = 9 }, "playback.channels"},
		{"nats url", func(c *config.Config) { c.Events.NATSURL = "nats://[::1" }, "events.nats_url"},
		{"journal dsn", func(c *config.Config) { c.Events.JournalDSN = "host=db port=notaport" }, "events.journal_dsn"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			cfg := &config.Config{Transport: config.TransportConfig{APIKey: "k"}}
			config.ApplyDefaults(cfg)
			tt.mutate(cfg)
			err := config.Validate(cfg)
			if err == nil {
				t.Fatal("expected validation error, got nil")
			}
			if !strings.Contains(err.Error(), tt.want) {
				t.Errorf("error %q should mention %q", err, tt.want)
			}
		})
	}
}

func TestValidate_JoinsAllErrors(t *testing.T) {
	t.Parallel()
	cfg := &config.Config{}
	config.ApplyDefaults(cfg)
	cfg.Server.LogLevel = "loud"
	cfg.Playback.Channels = 0

	err := config.Validate(cfg)
	for _, want := range []string{"server.log_level", "transport.api_key", "playback.channels"} {
		if err == nil || !strings.Contains(err.Error(), want) {
			t.Errorf("error %v should mention %q", err, want)
		}
	}
}

func TestValidate_DefaultsAreValid(t *testing.T) {
	t.Parallel()
	cfg := &config.Config{Transport: config.TransportConfig{APIKey: "k"}}
	config.ApplyDefaults(cfg)
	if err := config.Validate(cfg); err != nil {
		t.Errorf("defaults should validate, got: %v", err)
	}
}

func TestLogLevel_IsValid(t *testing.T) {
	t.Parallel()
	for _, l := range []config.LogLevel{config.LogDebug, config.LogInfo, config.LogWarn, config.LogError} {
		if !l.IsValid() {
			t.Errorf("%q should be valid", l)
		}
	}
	if config.LogLevel("trace").IsValid() {
		t.Error(`"trace" should be invalid`)
	}
}

func TestLogLevel_Slog(t *testing.T) {
	t.Parallel()
	tests := []struct {
		in   config.LogLevel
		want slog.Level
	}{
		{config.LogDebug, slog.LevelDebug},
		{config.LogInfo, slog.LevelInfo},
		{config.LogWarn, slog.LevelWarn},
		{config.LogError, slog.LevelError},
		{"", slog.LevelInfo},
	}
	for _, tt := range tests {
		if got := tt.in.Slog(); got != tt.want {
			t.Errorf("LogLevel(%q).Slog() = %v, want %v", tt.in, got, tt.want)
		}
	}
}

// ── Registry ─────────────────────────────────────────────────────────────────

func TestRegistry_Unknown(t *testing.T) {
	t.Parallel()
	reg := config.NewRegistry()

	if _, err := reg.CreateTransport(config.TransportConfig{Name: "nope"}); !errors.Is(err, config.ErrNotRegistered) {
		t.Errorf("CreateTransport error = %v, want ErrNotRegistered", err)
	}
	if _, err := reg.CreateCapture(config.CaptureConfig{Driver: "nope"}); !errors.Is(err, config.ErrNotRegistered) {
		t.Errorf("CreateCapture error = %v, want ErrNotRegistered", err)
	}
	if _, err := reg.CreatePlayback(config.PlaybackConfig{Driver: "nope"}); !errors.Is(err, config.ErrNotRegistered) {
		t.Errorf("CreatePlayback error = %v, want ErrNotRegistered", err)
	}
}

func TestRegistry_Registered(t *testing.T) {
	t.Parallel()
	reg := config.NewRegistry()

	dialer := &transportmock.Dialer{}
	var gotKey string
	reg.RegisterTransport("fake", func(c config.TransportConfig) (transport.Dialer, error) {
		gotKey = c.APIKey
		return dialer, nil
	})
	mic := &audiomock.CaptureDevice{}
	reg.RegisterCapture("fake", func(config.CaptureConfig) (audio.CaptureDevice, error) { return mic, nil })
	sink := audiomock.NewSink()
	reg.RegisterPlayback("fake", func(config.PlaybackConfig) (audio.Sink, error) { return sink, nil })

	d, err := reg.CreateTransport(config.TransportConfig{Name: "fake", APIKey: "secret"})
	if err != nil || d != dialer {
		t.Errorf("CreateTransport = %v, %v", d, err)
	}
	if gotKey != "secret" {
		t.Errorf("factory saw api key %q", gotKey)
	}
	if c, err := reg.CreateCapture(config.CaptureConfig{Driver: "fake"}); err != nil || c != mic {
		t.Errorf("CreateCapture = %v, %v", c, err)
	}
	if s, err := reg.CreatePlayback(config.PlaybackConfig{Driver: "fake"}); err != nil || s != sink {
		t.Errorf("CreatePlayback = %v, %v", s, err)
	}
}

func TestRegistry_FactoryError(t *testing.T) {
	t.Parallel()
	reg := config.NewRegistry()
	boom := errors.New("no audio server")
	reg.RegisterPlayback("broken", func(config.PlaybackConfig) (audio.Sink, error) { return nil, boom })

	if _, err := reg.CreatePlayback(config.PlaybackConfig{Driver: "broken"}); !errors.Is(err, boom) {
		t.Errorf("error = %v, want %v", err, boom)
	}
}
