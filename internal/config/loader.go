package config

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/url"
	"os"
	"slices"

	"github.com/jackc/pgx/v5/pgxpool"
	"gopkg.in/yaml.v3"
)

// Environment variables read by [ApplyEnv].
const (
	// EnvAPIKey overrides transport.api_key.
	EnvAPIKey = "VOXLINK_API_KEY"

	// EnvJournalDSN overrides events.journal_dsn.
	EnvJournalDSN = "VOXLINK_JOURNAL_DSN"
)

// Defaults applied by [ApplyDefaults].
const (
	DefaultListenAddr    = ":8080"
	DefaultTransport     = "gemini-live"
	DefaultDriver        = "portaudio"
	DefaultSendQueue     = 32
	DefaultCaptureRate   = 16000
	DefaultFrameSize     = 4096
	DefaultVolumeGain    = 4.0
	DefaultSubjectPrefix = "voxlink"
	DefaultServiceName   = "voxlink"
)

// ValidNames lists known component names per kind.
// Used by [Validate] to warn about unrecognised names.
var ValidNames = map[string][]string{
	"transport": {"gemini-live"},
	"capture":   {"portaudio"},
	"playback":  {"portaudio"},
}

// Load reads the YAML configuration file at path and returns a validated [Config].
// It is a convenience wrapper around [LoadFromReader].
func Load(path string) (*Config, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("config: open %q: %w", path, err)
	}
	defer f.Close()

	cfg, err := LoadFromReader(f)
	if err != nil {
		return nil, fmt.Errorf("config: parse %q: %w", path, err)
	}
	return cfg, nil
}

// LoadFromReader decodes a YAML config from r, applies environment overrides
// and defaults, and validates the result.
func LoadFromReader(r io.Reader) (*Config, error) {
	cfg := &Config{}
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("config: decode yaml: %w", err)
	}
	ApplyEnv(cfg, os.LookupEnv)
	ApplyDefaults(cfg)
	if err := Validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// ApplyEnv overrides fields from the environment. lookup is usually
// [os.LookupEnv].
func ApplyEnv(cfg *Config, lookup func(string) (string, bool)) {
	if v, ok := lookup(EnvAPIKey); ok && v != "" {
		cfg.Transport.APIKey = v
	}
	if v, ok := lookup(EnvJournalDSN); ok && v != "" {
		cfg.Events.JournalDSN = v
	}
}

// ApplyDefaults fills every unset field that has a default.
func ApplyDefaults(cfg *Config) {
	if cfg.Server.ListenAddr == "" {
		cfg.Server.ListenAddr = DefaultListenAddr
	}
	if cfg.Server.LogLevel == "" {
		cfg.Server.LogLevel = LogInfo
	}
	if cfg.Transport.Name == "" {
		cfg.Transport.Name = DefaultTransport
	}
	if cfg.Transport.SendQueue == 0 {
		cfg.Transport.SendQueue = DefaultSendQueue
	}
	if cfg.Capture.Driver == "" {
		cfg.Capture.Driver = DefaultDriver
	}
	if cfg.Capture.SampleRate == 0 {
		cfg.Capture.SampleRate = DefaultCaptureRate
	}
	if cfg.Capture.FrameSize == 0 {
		cfg.Capture.FrameSize = DefaultFrameSize
	}
	if cfg.Capture.VolumeGain == 0 {
		cfg.Capture.VolumeGain = DefaultVolumeGain
	}
	if cfg.Playback.Driver == "" {
		cfg.Playback.Driver = DefaultDriver
	}
	if cfg.Playback.Channels == 0 {
		cfg.Playback.Channels = 1
	}
	if cfg.Events.SubjectPrefix == "" {
		cfg.Events.SubjectPrefix = DefaultSubjectPrefix
	}
	if cfg.Telemetry.ServiceName == "" {
		cfg.Telemetry.ServiceName = DefaultServiceName
	}
}

// Validate checks that cfg contains a coherent set of values.
// It returns a joined error listing all validation failures found.
func Validate(cfg *Config) error {
	var errs []error

	// Server
	if cfg.Server.LogLevel != "" && !cfg.Server.LogLevel.IsValid() {
		errs = append(errs, fmt.Errorf("server.log_level %q is invalid; valid values: debug, info, warn, error", cfg.Server.LogLevel))
	}
	if tls := cfg.Server.TLS; tls != nil && (tls.CertFile == "" || tls.KeyFile == "") {
		errs = append(errs, errors.New("server.tls requires both cert_file and key_file"))
	}

	// Component names: warn for unknown names.
	validateName("transport", cfg.Transport.Name)
	validateName("capture", cfg.Capture.Driver)
	validateName("playback", cfg.Playback.Driver)

	// Transport
	if cfg.Transport.Name == "" {
		errs = append(errs, errors.New("transport.name is required"))
	}
	if cfg.Transport.Name == "gemini-live" && cfg.Transport.APIKey == "" {
		errs = append(errs, fmt.Errorf("transport.api_key is required for gemini-live (or set %s)", EnvAPIKey))
	}
	if cfg.Transport.SendQueue < 0 {
		errs = append(errs, fmt.Errorf("transport.send_queue %d must not be negative", cfg.Transport.SendQueue))
	}
	if cfg.Transport.BaseURL != "" {
		if u, err := url.Parse(cfg.Transport.BaseURL); err != nil || (u.Scheme != "ws" && u.Scheme != "wss") {
			errs = append(errs, fmt.Errorf("transport.base_url %q must be a ws:// or wss:// URL", cfg.Transport.BaseURL))
		}
	}

	// Persona
	if cfg.Persona.Instructions == "" {
		slog.Warn("persona.instructions is empty; the remote model will use its default persona")
	}

	// Capture
	if r := cfg.Capture.SampleRate; r < 8000 || r > 192000 {
		errs = append(errs, fmt.Errorf("capture.sample_rate %d is out of range [8000, 192000]", r))
	}
	if n := cfg.Capture.FrameSize; n <= 0 || n > 1<<16 {
		errs = append(errs, fmt.Errorf("capture.frame_size %d is out of range [1, 65536]", n))
	}
	if cfg.Capture.VolumeGain < 0 {
		errs = append(errs, fmt.Errorf("capture.volume_gain %.2f must not be negative", cfg.Capture.VolumeGain))
	}

	// Playback
	if r := cfg.Playback.SampleRate; r != 0 && (r < 8000 || r > 192000) {
		errs = append(errs, fmt.Errorf("playback.sample_rate %d is out of range [8000, 192000]", r))
	}
	if c := cfg.Playback.Channels; c < 1 || c > 8 {
		errs = append(errs, fmt.Errorf("playback.channels %d is out of range [1, 8]", c))
	}

	// Events
	if cfg.Events.NATSURL != "" {
		if _, err := url.Parse(cfg.Events.NATSURL); err != nil {
			errs = append(errs, fmt.Errorf("events.nats_url %q is invalid: %w", cfg.Events.NATSURL, err))
		}
	}
	if dsn := cfg.Events.JournalDSN; dsn != "" {
		if _, err := pgxpool.ParseConfig(dsn); err != nil {
			errs = append(errs, fmt.Errorf("events.journal_dsn is invalid: %w", err))
		}
	}

	return errors.Join(errs...)
}

// validateName logs a warning if name is non-empty and not found in the
// [ValidNames] list for the given kind.
func validateName(kind, name string) {
	if name == "" {
		return
	}
	known, ok := ValidNames[kind]
	if !ok {
		return
	}
	if slices.Contains(known, name) {
		return
	}
	slog.Warn("unknown component name; may be a typo or a third-party component",
		"kind", kind,
		"name", name,
		"known", known,
	)
}
