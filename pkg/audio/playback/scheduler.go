// Package playback turns a stream of inbound speech chunks, which may arrive
// with irregular timing, into back-to-back playback on an [audio.Sink].
//
// The [Scheduler] keeps a single monotonic cursor: the earliest time at which
// the next chunk may start. Each chunk starts at max(cursor, now), so chunks
// that arrive faster than real time queue gaplessly, while late chunks anchor
// to the current clock instead of being scheduled in the past. The cost of
// jitter is a brief audible gap, never an overlap.
//
// Chunks are scheduled strictly in the order OnChunk is called. The transport
// delivers chunks in arrival order; reordering on the wire is not defended
// against.
package playback

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/MrWong99/voxlink/pkg/audio"
)

// ErrEmptyChunk is returned by [Scheduler.OnChunk] for a chunk with no samples.
var ErrEmptyChunk = errors.New("playback: empty chunk")

// Option is a functional option for configuring a [Scheduler].
type Option func(*Scheduler)

// WithGapObserver registers fn to be called whenever a chunk arrives after the
// previous chunk has finished, with the length of the resulting silence. The
// wait before the first chunk is not a gap. fn is called from the goroutine
// that called OnChunk and must not block.
func WithGapObserver(fn func(gap time.Duration)) Option {
	return func(s *Scheduler) { s.onGap = fn }
}

// Scheduler sequences chunks on a playback sink with no overlap.
//
// The cursor and the active set are private and mutated only through
// Scheduler methods. All methods are safe for concurrent use. Completion
// callbacks may arrive on any goroutine but must not be invoked synchronously
// from within [audio.Sink.ScheduleBuffer].
type Scheduler struct {
	sink  audio.Sink
	onGap func(time.Duration)

	mu     sync.Mutex
	cursor time.Duration
	active map[audio.Handle]struct{}
	primed bool // a chunk has been scheduled since New or Reset
}

// New creates a Scheduler on sink with its cursor at the sink's current time.
func New(sink audio.Sink, opts ...Option) *Scheduler {
	s := &Scheduler{
		sink:   sink,
		cursor: sink.Now(),
		active: make(map[audio.Handle]struct{}),
	}
	for _, o := range opts {
		o(s)
	}
	return s
}

// OnChunk schedules chunk to start at max(cursor, now) and advances the cursor
// by the chunk's duration. It returns the start time used.
//
// If the sink rejects the buffer the cursor is left unchanged and the error is
// returned; subsequent chunks are unaffected.
func (s *Scheduler) OnChunk(chunk audio.Chunk) (time.Duration, error) {
	if len(chunk.Samples) == 0 {
		return 0, ErrEmptyChunk
	}
	duration := chunk.Duration
	if duration <= 0 {
		duration = audio.SamplesDuration(len(chunk.Samples), chunk.SampleRate)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.sink.Now()
	start := max(s.cursor, now)
	gap := now - s.cursor

	var handle audio.Handle
	h, err := s.sink.ScheduleBuffer(chunk.Samples, start, func() {
		s.mu.Lock()
		defer s.mu.Unlock()
		// A handle already cleared by Reset is simply absent here.
		delete(s.active, handle)
	})
	if err != nil {
		return 0, fmt.Errorf("playback: schedule buffer: %w", err)
	}
	handle = h
	s.active[h] = struct{}{}
	s.cursor = start + duration

	if gap > 0 && s.primed && s.onGap != nil {
		s.onGap(gap)
	}
	s.primed = true
	return start, nil
}

// Reset stops every active buffer immediately, clears the active set, and
// moves the cursor to the sink's current time. It is idempotent.
func (s *Scheduler) Reset() {
	s.mu.Lock()
	handles := make([]audio.Handle, 0, len(s.active))
	for h := range s.active {
		handles = append(handles, h)
	}
	clear(s.active)
	s.cursor = s.sink.Now()
	s.primed = false
	s.mu.Unlock()

	for _, h := range handles {
		s.sink.Stop(h)
	}
}

// Cursor returns the earliest start time for the next chunk.
func (s *Scheduler) Cursor() time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cursor
}

// Active returns the number of scheduled buffers that have not yet finished.
func (s *Scheduler) Active() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.active)
}
