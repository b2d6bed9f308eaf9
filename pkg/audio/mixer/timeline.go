// Package mixer renders scheduled audio buffers onto a sample-accurate
// timeline. A [Timeline] is the software clock behind a callback-driven
// output device: the device pulls frames with [Timeline.Render], and every
// frame rendered advances [Timeline.Now].
//
// Buffers are queued in a min-heap keyed by start frame. A buffer scheduled
// to start exactly where the previous one ends continues it with no gap and
// no overlap; overlapping buffers are summed and clamped.
package mixer

import (
	"container/heap"
	"slices"
	"sync"
	"time"

	"github.com/MrWong99/voxlink/pkg/audio"
)

// defaultQueueCap is the initial capacity hint for the pending queue.
const defaultQueueCap = 16

// Timeline is safe for concurrent use. Render is normally called from the
// device's audio thread while Schedule and Stop are called from the session.
type Timeline struct {
	rate     int
	channels int

	mu      sync.Mutex
	pos     int64 // frames rendered so far
	seq     uint64
	next    audio.Handle
	pending voiceHeap
	playing []*voice
}

// NewTimeline creates a Timeline for a device running at rate frames per
// second with the given number of interleaved output channels.
func NewTimeline(rate, channels int) *Timeline {
	if channels < 1 {
		channels = 1
	}
	t := &Timeline{
		rate:     rate,
		channels: channels,
		pending:  make(voiceHeap, 0, defaultQueueCap),
	}
	heap.Init(&t.pending)
	return t
}

// Rate returns the device frame rate.
func (t *Timeline) Rate() int { return t.rate }

// Now returns the playback clock: the time of the next frame to be rendered.
func (t *Timeline) Now() time.Duration {
	t.mu.Lock()
	defer t.mu.Unlock()
	return audio.SamplesDuration(int(t.pos), t.rate)
}

// frameAt converts a clock time to the nearest device frame.
func (t *Timeline) frameAt(d time.Duration) int64 {
	return (int64(d)*int64(t.rate) + int64(time.Second)/2) / int64(time.Second)
}

// Schedule queues mono samples to start at the clock time start. onEnded,
// which may be nil, is returned by the Render call that plays the last
// sample. Samples whose start is already in the past are skipped so the
// buffer stays aligned with the clock.
func (t *Timeline) Schedule(samples []float32, start time.Duration, onEnded func()) audio.Handle {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.next++
	t.seq++
	heap.Push(&t.pending, &voice{
		handle:  t.next,
		start:   t.frameAt(start),
		samples: samples,
		onEnded: onEnded,
		seq:     t.seq,
	})
	return t.next
}

// Stop removes the buffer h. Its onEnded callback is never returned. Stop
// reports whether h was still scheduled or playing.
func (t *Timeline) Stop(h audio.Handle) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	for i, v := range t.pending {
		if v.handle == h {
			heap.Remove(&t.pending, i)
			return true
		}
	}
	for i, v := range t.playing {
		if v.handle == h {
			t.playing = slices.Delete(t.playing, i, i+1)
			return true
		}
	}
	return false
}

// StopAll removes every buffer without returning their callbacks.
func (t *Timeline) StopAll() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.pending = t.pending[:0]
	t.playing = nil
}

// Len returns the number of buffers scheduled or playing.
func (t *Timeline) Len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.pending) + len(t.playing)
}

// Render fills out with the next len(out)/channels interleaved frames and
// advances the clock by that many frames. It returns the onEnded callbacks of
// buffers that finished within this block, in start order; the
// caller must invoke them outside the audio thread.
func (t *Timeline) Render(out []float32) []func() {
	clear(out)
	frames := int64(len(out) / t.channels)

	t.mu.Lock()
	defer t.mu.Unlock()

	blockStart := t.pos
	blockEnd := blockStart + frames

	for len(t.pending) > 0 && t.pending[0].start < blockEnd {
		t.playing = append(t.playing, heap.Pop(&t.pending).(*voice))
	}

	var ended []func()
	kept := t.playing[:0]
	for _, v := range t.playing {
		from := max(v.start, blockStart)
		to := min(v.end(), blockEnd)
		for f := from; f < to; f++ {
			s := v.samples[f-v.start]
			base := int(f-blockStart) * t.channels
			for c := range t.channels {
				out[base+c] += s
			}
		}
		if v.end() <= blockEnd {
			if v.onEnded != nil {
				ended = append(ended, v.onEnded)
			}
			continue
		}
		kept = append(kept, v)
	}
	clear(t.playing[len(kept):])
	t.playing = kept

	for i, s := range out {
		out[i] = min(max(s, -1), 1)
	}
	t.pos = blockEnd
	return ended
}
