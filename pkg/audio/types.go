package audio

import "time"

const (
	// WireSampleRate is the sample rate of outbound microphone audio on the wire.
	WireSampleRate = 16000

	// PlaybackSampleRate is the sample rate of inbound synthesised speech.
	PlaybackSampleRate = 24000

	// InputMIMEType describes outbound packets: mono little-endian PCM16 at 16 kHz.
	InputMIMEType = "audio/pcm;rate=16000"

	// DefaultFrameSize is the number of samples per captured frame. Large
	// enough to amortise per-frame overhead, small enough to keep latency low.
	DefaultFrameSize = 4096
)

// Frame is one fixed-size batch of float samples delivered by a capture
// device. Samples are in [-1.0, 1.0]. Multi-channel frames are interleaved.
//
// A Frame is owned by the capture loop and discarded once encoded.
type Frame struct {
	// Samples holds interleaved float samples.
	Samples []float32

	// SampleRate in Hz (e.g., 48000 for a typical USB microphone).
	SampleRate int

	// Channels: 1 for mono, 2 for stereo.
	Channels int
}

// Chunk is a decoded block of inbound speech ready for playback.
// It is owned by the playback scheduler for the duration of playback.
type Chunk struct {
	// Samples holds mono float samples in [-1.0, 1.0].
	Samples []float32

	// SampleRate in Hz. Inbound speech arrives at [PlaybackSampleRate].
	SampleRate int

	// Duration is the playback length of Samples at SampleRate.
	Duration time.Duration
}

// NewChunk wraps mono samples at rate into a [Chunk] and computes its
// duration. A non-positive rate yields a zero duration.
func NewChunk(samples []float32, rate int) Chunk {
	return Chunk{
		Samples:    samples,
		SampleRate: rate,
		Duration:   SamplesDuration(len(samples), rate),
	}
}

// SamplesDuration returns the playback length of n mono samples at rate.
// The computation is exact for whole-nanosecond results, so 4800 samples at
// 24 kHz yield exactly 200ms.
func SamplesDuration(n, rate int) time.Duration {
	if rate <= 0 || n <= 0 {
		return 0
	}
	return time.Duration(int64(n) * int64(time.Second) / int64(rate))
}
