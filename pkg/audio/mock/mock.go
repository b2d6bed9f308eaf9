// Package mock provides in-memory mock implementations of the
// [audio.CaptureDevice], [audio.CaptureStream], and [audio.Sink] interfaces
// for use in unit tests.
//
// All mocks are safe for concurrent use. They record every method call so that
// tests can assert on call counts and arguments, and they expose exported fields
// that the test can set to control return values.
//
// Typical usage:
//
//	stream := mock.NewCaptureStream(4)
//	dev := &mock.CaptureDevice{Stream: stream}
//	sink := mock.NewSink()
//	sink.SetNow(time.Second)
//	stream.Push(audio.Frame{Samples: make([]float32, 4096), SampleRate: 16000, Channels: 1})
package mock

import (
	"context"
	"slices"
	"sync"
	"time"

	"github.com/MrWong99/voxlink/pkg/audio"
)

// ─── CaptureStream ────────────────────────────────────────────────────────────

// CaptureStream is a mock implementation of [audio.CaptureStream]. Frames
// pushed with [CaptureStream.Push] are delivered on the Frames channel.
type CaptureStream struct {
	mu     sync.Mutex
	frames chan audio.Frame
	closed bool

	// CloseError is returned by the first call to Close.
	CloseError error

	// CallCountClose records how many times Close was called.
	CallCountClose int
}

// NewCaptureStream returns a stream whose frame channel has the given buffer.
func NewCaptureStream(buffer int) *CaptureStream {
	return &CaptureStream{frames: make(chan audio.Frame, buffer)}
}

// Frames implements [audio.CaptureStream].
func (s *CaptureStream) Frames() <-chan audio.Frame { return s.frames }

// Push delivers f on the frame channel. It reports false if the stream is
// closed or the buffer is full.
func (s *CaptureStream) Push(f audio.Frame) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return false
	}
	select {
	case s.frames <- f:
		return true
	default:
		return false
	}
}

// Close implements [audio.CaptureStream]. The frame channel is closed on the
// first call; CloseError is returned only then.
func (s *CaptureStream) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.CallCountClose++
	if s.closed {
		return nil
	}
	s.closed = true
	close(s.frames)
	return s.CloseError
}

// Closed reports whether Close has been called.
func (s *CaptureStream) Closed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

// ─── CaptureDevice ────────────────────────────────────────────────────────────

// CaptureDevice is a mock implementation of [audio.CaptureDevice].
type CaptureDevice struct {
	mu sync.Mutex

	// Stream is returned by Open. If nil, a new stream with an 8-frame buffer
	// is created on each call.
	Stream *CaptureStream

	// OpenError, if non-nil, is returned by Open wrapped in a
	// [*audio.DeviceAccessError].
	OpenError error

	// OpenCalls records the format passed to each Open call.
	OpenCalls []audio.CaptureFormat
}

// Open implements [audio.CaptureDevice].
func (d *CaptureDevice) Open(_ context.Context, format audio.CaptureFormat) (audio.CaptureStream, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.OpenCalls = append(d.OpenCalls, format)
	if d.OpenError != nil {
		return nil, &audio.DeviceAccessError{Device: "capture", Err: d.OpenError}
	}
	if d.Stream == nil {
		return NewCaptureStream(8), nil
	}
	return d.Stream, nil
}

// CallCountOpen returns how many times Open was called.
func (d *CaptureDevice) CallCountOpen() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.OpenCalls)
}

// ─── Sink ─────────────────────────────────────────────────────────────────────

// ScheduleCall records the arguments of a single [Sink.ScheduleBuffer] invocation.
type ScheduleCall struct {
	// Handle is the handle returned for this buffer.
	Handle audio.Handle

	// Samples is the buffer passed to ScheduleBuffer.
	Samples []float32

	// Start is the requested start time on the playback clock.
	Start time.Duration
}

// Sink is a mock implementation of [audio.Sink] driven by a manual clock.
// Buffers never end on their own; call [Sink.Finish] to simulate natural
// completion.
type Sink struct {
	mu      sync.Mutex
	now     time.Duration
	next    audio.Handle
	pending map[audio.Handle]func()

	// ScheduleError, if non-nil, is returned by ScheduleBuffer.
	ScheduleError error

	// CloseError is returned by Close.
	CloseError error

	// ScheduleCalls records all ScheduleBuffer invocations in order.
	ScheduleCalls []ScheduleCall

	// StopCalls records every handle passed to Stop.
	StopCalls []audio.Handle

	// CallCountClose records how many times Close was called.
	CallCountClose int
}

// NewSink returns a Sink whose clock starts at zero.
func NewSink() *Sink {
	return &Sink{pending: make(map[audio.Handle]func())}
}

// Now implements [audio.Sink].
func (s *Sink) Now() time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.now
}

// SetNow moves the playback clock to t. Moving it backwards is ignored.
func (s *Sink) SetNow(t time.Duration) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if t > s.now {
		s.now = t
	}
}

// Advance moves the playback clock forward by d.
func (s *Sink) Advance(d time.Duration) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if d > 0 {
		s.now += d
	}
}

// ScheduleBuffer implements [audio.Sink].
func (s *Sink) ScheduleBuffer(samples []float32, start time.Duration, onEnded func()) (audio.Handle, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.ScheduleError != nil {
		return 0, s.ScheduleError
	}
	s.next++
	h := s.next
	s.pending[h] = onEnded
	s.ScheduleCalls = append(s.ScheduleCalls, ScheduleCall{Handle: h, Samples: samples, Start: start})
	return h, nil
}

// Stop implements [audio.Sink]. A stopped buffer never reports completion.
func (s *Sink) Stop(h audio.Handle) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.StopCalls = append(s.StopCalls, h)
	delete(s.pending, h)
}

// Close implements [audio.Sink].
func (s *Sink) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.CallCountClose++
	return s.CloseError
}

// Finish simulates natural completion of h by invoking its onEnded callback.
// It reports false if h is unknown, stopped, or already finished.
func (s *Sink) Finish(h audio.Handle) bool {
	s.mu.Lock()
	cb, ok := s.pending[h]
	delete(s.pending, h)
	s.mu.Unlock()
	if !ok {
		return false
	}
	if cb != nil {
		cb()
	}
	return true
}

// Calls returns a snapshot of ScheduleCalls.
func (s *Sink) Calls() []ScheduleCall {
	s.mu.Lock()
	defer s.mu.Unlock()
	return slices.Clone(s.ScheduleCalls)
}

// Stops returns a snapshot of StopCalls.
func (s *Sink) Stops() []audio.Handle {
	s.mu.Lock()
	defer s.mu.Unlock()
	return slices.Clone(s.StopCalls)
}

// Closes returns how many times Close was called.
func (s *Sink) Closes() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.CallCountClose
}

// Compile-time interface assertions.
var (
	_ audio.CaptureDevice = (*CaptureDevice)(nil)
	_ audio.CaptureStream = (*CaptureStream)(nil)
	_ audio.Sink          = (*Sink)(nil)
)
