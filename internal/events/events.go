// Package events carries session state and microphone volume to observers
// outside the voice engine: a NATS subject tree for other processes and the
// in-process status stream.
//
// Publishing never blocks the caller for long and never fails the session;
// delivery problems are logged.
package events

import (
	"time"
)

// StateEvent describes one session state transition.
type StateEvent struct {
	SessionID string    `json:"session_id"`
	From      string    `json:"from"`
	To        string    `json:"to"`
	Error     string    `json:"error,omitempty"`
	Time      time.Time `json:"time"`
}

// VolumeEvent carries the normalised microphone level of one captured frame.
type VolumeEvent struct {
	SessionID string    `json:"session_id"`
	Level     float64   `json:"level"`
	Time      time.Time `json:"time"`
}

// Publisher receives session events. Implementations must be safe for
// concurrent use and must return quickly.
type Publisher interface {
	PublishState(StateEvent)
	PublishVolume(VolumeEvent)
}

// Multi fans every event out to each non-nil publisher in order.
type Multi []Publisher

var _ Publisher = Multi(nil)

// PublishState implements [Publisher].
func (m Multi) PublishState(ev StateEvent) {
	for _, p := range m {
		if p != nil {
			p.PublishState(ev)
		}
	}
}

// PublishVolume implements [Publisher].
func (m Multi) PublishVolume(ev VolumeEvent) {
	for _, p := range m {
		if p != nil {
			p.PublishVolume(ev)
		}
	}
}
