package config

import (
	"errors"
	"fmt"
	"sync"

	"github.com/MrWong99/voxlink/pkg/audio"
	"github.com/MrWong99/voxlink/pkg/transport"
)

// ErrNotRegistered is returned by Create* methods when no factory has been
// registered under the requested name.
var ErrNotRegistered = errors.New("config: component not registered")

// Registry maps component names to their constructor functions for each
// component kind. It is safe for concurrent use.
type Registry struct {
	mu        sync.RWMutex
	transport map[string]func(TransportConfig) (transport.Dialer, error)
	capture   map[string]func(CaptureConfig) (audio.CaptureDevice, error)
	playback  map[string]func(PlaybackConfig) (audio.Sink, error)
}

// NewRegistry returns an empty, ready-to-use [Registry].
func NewRegistry() *Registry {
	return &Registry{
		transport: make(map[string]func(TransportConfig) (transport.Dialer, error)),
		capture:   make(map[string]func(CaptureConfig) (audio.CaptureDevice, error)),
		playback:  make(map[string]func(PlaybackConfig) (audio.Sink, error)),
	}
}

// RegisterTransport registers a dialer factory under name.
// Subsequent calls with the same name overwrite the previous registration.
func (r *Registry) RegisterTransport(name string, factory func(TransportConfig) (transport.Dialer, error)) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.transport[name] = factory
}

// RegisterCapture registers a capture device factory under name.
func (r *Registry) RegisterCapture(name string, factory func(CaptureConfig) (audio.CaptureDevice, error)) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.capture[name] = factory
}

// RegisterPlayback registers a playback sink factory under name. A sink is
// opened per session, so the factory is called once for every session start.
func (r *Registry) RegisterPlayback(name string, factory func(PlaybackConfig) (audio.Sink, error)) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.playback[name] = factory
}

// CreateTransport instantiates a dialer using the factory registered under
// cfg.Name. Returns [ErrNotRegistered] if no factory has been registered for
// that name.
func (r *Registry) CreateTransport(cfg TransportConfig) (transport.Dialer, error) {
	r.mu.RLock()
	factory, ok := r.transport[cfg.Name]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: transport/%q", ErrNotRegistered, cfg.Name)
	}
	return factory(cfg)
}

// CreateCapture instantiates a capture device using the factory registered
// under cfg.Driver.
func (r *Registry) CreateCapture(cfg CaptureConfig) (audio.CaptureDevice, error) {
	r.mu.RLock()
	factory, ok := r.capture[cfg.Driver]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: capture/%q", ErrNotRegistered, cfg.Driver)
	}
	return factory(cfg)
}

// CreatePlayback opens a playback sink using the factory registered under
// cfg.Driver.
func (r *Registry) CreatePlayback(cfg PlaybackConfig) (audio.Sink, error) {
	r.mu.RLock()
	factory, ok := r.playback[cfg.Driver]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: playback/%q", ErrNotRegistered, cfg.Driver)
	}
	return factory(cfg)
}
