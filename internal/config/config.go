// Package config provides the configuration schema, loader, watcher, and
// component registry for the voxlink voice session engine.
package config

import "log/slog"

// LogLevel controls log verbosity for the voxlink server.
type LogLevel string

const (
	LogDebug LogLevel = "debug"
	LogInfo  LogLevel = "info"
	LogWarn  LogLevel = "warn"
	LogError LogLevel = "error"
)

// IsValid reports whether l is a recognised log level.
func (l LogLevel) IsValid() bool {
	switch l {
	case LogDebug, LogInfo, LogWarn, LogError:
		return true
	}
	return false
}

// Slog converts l to the matching [slog.Level]. Unknown values map to
// [slog.LevelInfo].
func (l LogLevel) Slog() slog.Level {
	switch l {
	case LogDebug:
		return slog.LevelDebug
	case LogWarn:
		return slog.LevelWarn
	case LogError:
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// Config is the root configuration structure for voxlink.
// It is typically loaded from a YAML file using [Load] or [LoadFromReader].
type Config struct {
	Server    ServerConfig    `yaml:"server"`
	Transport TransportConfig `yaml:"transport"`
	Persona   PersonaConfig   `yaml:"persona"`
	Capture   CaptureConfig   `yaml:"capture"`
	Playback  PlaybackConfig  `yaml:"playback"`
	Events    EventsConfig    `yaml:"events"`
	Telemetry TelemetryConfig `yaml:"telemetry"`
}

// ServerConfig holds network and logging settings for the HTTP surface
// (health, status, metrics).
type ServerConfig struct {
	// ListenAddr is the TCP address the server listens on (e.g., ":8080").
	ListenAddr string `yaml:"listen_addr"`

	// LogLevel controls verbosity.
	LogLevel LogLevel `yaml:"log_level"`

	// StatusOrigins lists host patterns allowed to open the status websocket
	// from a browser on another origin (e.g., "localhost:*").
	StatusOrigins []string `yaml:"status_origins"`

	// TLS configures TLS for the server. When nil, the server runs plain HTTP.
	TLS *TLSConfig `yaml:"tls"`
}

// TLSConfig holds TLS certificate paths for enabling HTTPS.
type TLSConfig struct {
	// CertFile is the path to the PEM-encoded TLS certificate.
	CertFile string `yaml:"cert_file"`

	// KeyFile is the path to the PEM-encoded TLS private key.
	KeyFile string `yaml:"key_file"`
}

// TransportConfig selects and configures the remote inference endpoint.
type TransportConfig struct {
	// Name selects the registered dialer (e.g., "gemini-live").
	Name string `yaml:"name"`

	// APIKey authenticates against the endpoint. The VOXLINK_API_KEY
	// environment variable overrides it.
	APIKey string `yaml:"api_key"`

	// BaseURL overrides the dialer's default endpoint.
	BaseURL string `yaml:"base_url"`

	// Model selects a specific remote model.
	Model string `yaml:"model"`

	// SendQueue is the outbound packet queue capacity.
	SendQueue int `yaml:"send_queue"`
}

// PersonaConfig is the opaque session payload sent with the handshake.
type PersonaConfig struct {
	// Name is a display name used in logs and status output.
	Name string `yaml:"name"`

	// Voice is the remote prebuilt voice (e.g., "Puck").
	Voice string `yaml:"voice"`

	// Instructions is the persona prompt.
	Instructions string `yaml:"instructions"`
}

// CaptureConfig configures the microphone pipeline.
type CaptureConfig struct {
	// Driver selects the registered capture device factory (e.g., "portaudio").
	Driver string `yaml:"driver"`

	// Device is a case-insensitive substring of the input device name.
	// Empty selects the system default.
	Device string `yaml:"device"`

	// SampleRate is requested from the device. Frames are always sent at
	// 16 kHz regardless.
	SampleRate int `yaml:"sample_rate"`

	// FrameSize is the number of samples per captured frame.
	FrameSize int `yaml:"frame_size"`

	// VolumeGain scales frame RMS into the [0,1] indicator range.
	VolumeGain float64 `yaml:"volume_gain"`
}

// PlaybackConfig configures the speaker pipeline.
type PlaybackConfig struct {
	// Driver selects the registered playback sink factory (e.g., "portaudio").
	Driver string `yaml:"driver"`

	// Device is a case-insensitive substring of the output device name.
	// Empty selects the system default.
	Device string `yaml:"device"`

	// SampleRate is the output device rate. Zero plays at the inbound rate.
	SampleRate int `yaml:"sample_rate"`

	// Channels is the number of output channels.
	Channels int `yaml:"channels"`
}

// EventsConfig configures the optional event sinks.
type EventsConfig struct {
	// NATSURL is the NATS server URL. Empty disables event publishing.
	NATSURL string `yaml:"nats_url"`

	// SubjectPrefix prefixes every published subject.
	SubjectPrefix string `yaml:"subject_prefix"`

	// JournalDSN is a PostgreSQL connection string for the session
	// transition journal. Empty disables the journal.
	JournalDSN string `yaml:"journal_dsn"`
}

// TelemetryConfig configures OpenTelemetry resource attributes.
type TelemetryConfig struct {
	// ServiceName is reported as the service.name resource attribute.
	ServiceName string `yaml:"service_name"`
}
