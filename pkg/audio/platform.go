// Package audio defines the audio data types, the wire codec, and the device
// capabilities used by the voxlink voice session engine.
//
// The device abstractions are:
//
//   - [CaptureDevice] opens a microphone and yields a [CaptureStream] that
//     delivers fixed-size float frames at the device cadence.
//   - [Sink] is a playback device with its own clock on which float buffers
//     can be scheduled to start at an exact time.
//
// Implementations live in adapter packages (e.g., audio/portaudio) so that the
// engine can be exercised against fakes (audio/mock) without real hardware.
//
// This package lives under pkg/ because host applications are expected to
// supply their own [CaptureDevice] and [Sink] implementations.
package audio

import (
	"context"
	"fmt"
	"time"
)

// CaptureFormat requests a capture configuration from a [CaptureDevice].
type CaptureFormat struct {
	// SampleRate in Hz. Devices may not support every rate; the frames they
	// deliver carry the rate actually used.
	SampleRate int

	// Channels requested; 1 for mono.
	Channels int

	// FrameSize is the number of samples per channel in each delivered frame.
	FrameSize int
}

// CaptureStream is an open microphone stream.
//
// Implementations must be safe for concurrent use: Close may be called while
// another goroutine is ranging over Frames.
type CaptureStream interface {
	// Frames returns the channel on which captured frames are delivered at the
	// device cadence. The channel is closed when the stream stops, either
	// because Close was called or because the device failed.
	Frames() <-chan Frame

	// Close stops capture and releases the device. Calling Close more than
	// once is safe and returns nil.
	Close() error
}

// CaptureDevice opens microphone streams.
type CaptureDevice interface {
	// Open acquires the device and starts capture. Returns a
	// [*DeviceAccessError] if the device is unavailable or access is denied.
	Open(ctx context.Context, format CaptureFormat) (CaptureStream, error)
}

// Handle identifies a buffer scheduled on a [Sink].
type Handle uint64

// Sink is a playback device with a monotonic clock.
//
// Implementations must be safe for concurrent use.
type Sink interface {
	// Now returns the current time of the playback clock. It never decreases.
	Now() time.Duration

	// ScheduleBuffer queues mono samples to begin playing exactly at start on
	// the playback clock. onEnded is invoked once, from any goroutine, when
	// the buffer finishes playing naturally. It is not invoked for buffers
	// stopped with Stop.
	ScheduleBuffer(samples []float32, start time.Duration, onEnded func()) (Handle, error)

	// Stop halts a scheduled or playing buffer immediately. Stopping an
	// unknown or already finished handle is a no-op.
	Stop(h Handle)

	// Close releases the playback device. Stop remains safe after Close.
	// Calling Close more than once is safe and returns nil.
	Close() error
}

// DeviceAccessError reports that an audio device could not be acquired,
// for example because no microphone is attached or permission was denied.
// It is fatal for the session that encountered it.
type DeviceAccessError struct {
	// Device names the device kind, e.g. "capture" or "playback".
	Device string

	// Err is the underlying cause.
	Err error
}

func (e *DeviceAccessError) Error() string {
	return fmt.Sprintf("audio: %s device unavailable: %v", e.Device, e.Err)
}

func (e *DeviceAccessError) Unwrap() error { return e.Err }
