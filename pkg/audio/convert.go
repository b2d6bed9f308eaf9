package audio

import (
	"fmt"
	"log/slog"
	"sync"
)

// Format describes the sample rate and channel count of an audio stream.
type Format struct {
	SampleRate int
	Channels   int
}

// String returns a human-readable format, e.g. "48000Hz stereo".
func (f Format) String() string {
	return formatString(f.SampleRate, f.Channels)
}

// FrameConverter converts captured frames to mono at the target rate. It logs
// once on the first format mismatch. Create one per capture stream; not
// designed for shared use across goroutines.
type FrameConverter struct {
	TargetRate     int
	warnedMismatch sync.Once
}

// Convert returns mono samples at TargetRate for frame. If frame already
// matches, its samples are returned unchanged (zero allocation).
// Conversion order: downmix first, then resample.
func (c *FrameConverter) Convert(frame Frame) []float32 {
	channels := frame.Channels
	if channels <= 0 {
		channels = 1
	}
	if channels == 1 && (frame.SampleRate == c.TargetRate || frame.SampleRate <= 0) {
		return frame.Samples
	}

	c.warnedMismatch.Do(func() {
		slog.Debug("capture format differs from wire format: converting",
			"from", formatString(frame.SampleRate, channels),
			"to", formatString(c.TargetRate, 1),
		)
	})

	samples := frame.Samples
	if channels > 1 {
		samples = Downmix(samples, channels)
	}
	return ResampleFloat32(samples, frame.SampleRate, c.TargetRate)
}

// Downmix averages interleaved multi-channel samples into mono.
// Trailing samples that do not form a whole frame are dropped.
func Downmix(interleaved []float32, channels int) []float32 {
	if channels <= 1 {
		return interleaved
	}
	frames := len(interleaved) / channels
	out := make([]float32, frames)
	for i := range frames {
		var sum float32
		for ch := range channels {
			sum += interleaved[i*channels+ch]
		}
		out[i] = sum / float32(channels)
	}
	return out
}

// ResampleFloat32 resamples mono float samples from srcRate to dstRate using
// linear interpolation. If srcRate == dstRate, the input is returned unchanged.
func ResampleFloat32(samples []float32, srcRate, dstRate int) []float32 {
	if srcRate <= 0 || dstRate <= 0 {
		return samples
	}
	if srcRate == dstRate || len(samples) < 2 {
		return samples
	}
	srcLen := len(samples)
	dstLen := int(int64(srcLen) * int64(dstRate) / int64(srcRate))
	if dstLen == 0 {
		return nil
	}

	out := make([]float32, dstLen)
	ratio := float64(srcRate) / float64(dstRate)

	for i := range dstLen {
		srcPos := float64(i) * ratio
		srcIdx := int(srcPos)
		frac := float32(srcPos - float64(srcIdx))

		s0 := samples[srcIdx]
		s1 := s0
		if srcIdx+1 < srcLen {
			s1 = samples[srcIdx+1]
		}
		out[i] = s0*(1-frac) + s1*frac
	}
	return out
}

// formatString returns a human-readable string for a sample rate and channel count,
// e.g. "48000Hz stereo".
func formatString(rate, channels int) string {
	ch := "mono"
	if channels == 2 {
		ch = "stereo"
	} else if channels > 2 {
		ch = fmt.Sprintf("%dch", channels)
	}
	return fmt.Sprintf("%dHz %s", rate, ch)
}
