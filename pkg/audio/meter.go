package audio

import "math"

// DefaultVolumeGain scales raw RMS into the [0,1] indicator range. Speech
// rarely exceeds an RMS of 0.25, so an unscaled meter would barely move.
const DefaultVolumeGain = 4.0

// RMS returns sqrt(mean(s²)) over frame, or 0 for an empty frame.
func RMS(frame []float32) float64 {
	if len(frame) == 0 {
		return 0
	}
	var sum float64
	for _, s := range frame {
		f := float64(s)
		sum += f * f
	}
	return math.Sqrt(sum / float64(len(frame)))
}

// Meter turns frames into a normalised volume level for a live visualiser.
// The zero value uses [DefaultVolumeGain].
type Meter struct {
	// Gain multiplies the raw RMS before clamping. Zero means DefaultVolumeGain.
	Gain float64
}

// Level returns the normalised volume of frame, clamped to [0,1].
func (m Meter) Level(frame []float32) float64 {
	gain := m.Gain
	if gain <= 0 {
		gain = DefaultVolumeGain
	}
	v := RMS(frame) * gain
	if v > 1 {
		return 1
	}
	if v < 0 || math.IsNaN(v) {
		return 0
	}
	return v
}
