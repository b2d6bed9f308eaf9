package events

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync/atomic"

	"github.com/nats-io/nats.go"
)

// Conn is the subset of [*nats.Conn] used by [NATSPublisher].
type Conn interface {
	Publish(subject string, data []byte) error
	IsConnected() bool
	Drain() error
}

var _ Conn = (*nats.Conn)(nil)

// NATSPublisher publishes events as JSON to NATS subjects below a prefix:
//
//	<prefix>.session.state
//	<prefix>.session.volume
//
// nats.go buffers publishes in memory while reconnecting, so a publish never
// waits for the network.
type NATSPublisher struct {
	conn          Conn
	stateSubject  string
	volumeSubject string
	failures      atomic.Int64
}

var _ Publisher = (*NATSPublisher)(nil)

// NewNATSPublisher wraps an established connection.
func NewNATSPublisher(conn Conn, prefix string) *NATSPublisher {
	return &NATSPublisher{
		conn:          conn,
		stateSubject:  prefix + ".session.state",
		volumeSubject: prefix + ".session.volume",
	}
}

// ConnectNATS dials url and returns a publisher on top of the connection.
// The connection reconnects forever; disconnects are logged.
func ConnectNATS(url, prefix string) (*NATSPublisher, error) {
	nc, err := nats.Connect(url,
		nats.Name("voxlink"),
		nats.MaxReconnects(-1),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			slog.Warn("events: nats disconnected", "err", err)
		}),
		nats.ReconnectHandler(func(c *nats.Conn) {
			slog.Info("events: nats reconnected", "url", c.ConnectedUrl())
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("events: connect %q: %w", url, err)
	}
	slog.Info("events: connected to nats", "url", nc.ConnectedUrl(), "prefix", prefix)
	return NewNATSPublisher(nc, prefix), nil
}

// PublishState implements [Publisher].
func (p *NATSPublisher) PublishState(ev StateEvent) {
	p.publish(p.stateSubject, ev)
}

// PublishVolume implements [Publisher].
func (p *NATSPublisher) PublishVolume(ev VolumeEvent) {
	p.publish(p.volumeSubject, ev)
}

func (p *NATSPublisher) publish(subject string, v any) {
	data, err := json.Marshal(v)
	if err == nil {
		err = p.conn.Publish(subject, data)
	}
	if err == nil {
		return
	}
	level := slog.LevelDebug
	if p.failures.Add(1) == 1 {
		level = slog.LevelWarn
	}
	slog.Log(context.Background(), level, "events: publish failed", "subject", subject, "err", err)
}

// Check reports whether the NATS connection is up. It is meant for readiness
// probes.
func (p *NATSPublisher) Check(_ context.Context) error {
	if !p.conn.IsConnected() {
		return errors.New("nats not connected")
	}
	return nil
}

// Close drains pending publishes and closes the connection.
func (p *NATSPublisher) Close() error {
	if err := p.conn.Drain(); err != nil && !errors.Is(err, nats.ErrConnectionClosed) {
		return fmt.Errorf("events: drain: %w", err)
	}
	return nil
}
