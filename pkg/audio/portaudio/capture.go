package portaudio

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/MrWong99/voxlink/pkg/audio"
	"github.com/gordonklaus/portaudio"
)

var _ audio.CaptureDevice = (*Microphone)(nil)

// Microphone opens capture streams on a PortAudio input device.
type Microphone struct {
	// Device is a case-insensitive substring of the device name. Empty
	// selects the system default input.
	Device string
}

// Open implements [audio.CaptureDevice]. If the device refuses the requested
// sample rate the stream is opened at the device's default rate instead;
// frames carry the rate they were captured at.
func (m *Microphone) Open(ctx context.Context, format audio.CaptureFormat) (audio.CaptureStream, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if err := acquire(); err != nil {
		return nil, &audio.DeviceAccessError{Device: m.name(), Err: err}
	}
	s, err := m.open(format)
	if err != nil {
		_ = release()
		return nil, &audio.DeviceAccessError{Device: m.name(), Err: err}
	}
	return s, nil
}

func (m *Microphone) name() string {
	if m.Device == "" {
		return "default input"
	}
	return m.Device
}

func (m *Microphone) open(format audio.CaptureFormat) (*captureStream, error) {
	dev, err := findDevice(m.Device, true)
	if err != nil {
		return nil, fmt.Errorf("find input device: %w", err)
	}

	channels := max(format.Channels, 1)
	buf := make([]float32, format.FrameSize*channels)
	params := portaudio.LowLatencyParameters(dev, nil)
	params.Input.Channels = channels
	params.Output.Device = nil
	params.Output.Channels = 0
	params.SampleRate = float64(format.SampleRate)
	params.FramesPerBuffer = format.FrameSize

	stream, err := portaudio.OpenStream(params, buf)
	if err != nil && dev.DefaultSampleRate != params.SampleRate {
		slog.Debug("portaudio: requested rate refused, using device default",
			"device", dev.Name, "requested", format.SampleRate, "default", dev.DefaultSampleRate, "err", err)
		params.SampleRate = dev.DefaultSampleRate
		stream, err = portaudio.OpenStream(params, buf)
	}
	if err != nil {
		return nil, fmt.Errorf("open capture stream: %w", err)
	}
	if err := stream.Start(); err != nil {
		_ = stream.Close()
		return nil, fmt.Errorf("start capture: %w", err)
	}

	s := &captureStream{
		stream:   stream,
		buf:      buf,
		rate:     int(params.SampleRate),
		channels: channels,
		frames:   make(chan audio.Frame, 4),
		done:     make(chan struct{}),
		exited:   make(chan struct{}),
	}
	slog.Debug("portaudio: capture started", "device", dev.Name, "rate", s.rate, "channels", channels)
	go s.readLoop()
	return s, nil
}

// captureStream implements [audio.CaptureStream] over a blocking PortAudio
// input stream.
type captureStream struct {
	stream   *portaudio.Stream
	buf      []float32
	rate     int
	channels int

	frames    chan audio.Frame
	done      chan struct{}
	exited    chan struct{}
	closeOnce sync.Once
	closeErr  error
}

func (s *captureStream) Frames() <-chan audio.Frame { return s.frames }

// readLoop reads one buffer at a time and forwards a copy. A frame that
// cannot be forwarded immediately is dropped so the device never overruns.
func (s *captureStream) readLoop() {
	defer close(s.exited)
	defer close(s.frames)
	for {
		err := s.stream.Read()
		select {
		case <-s.done:
			return
		default:
		}
		if err != nil && !errors.Is(err, portaudio.InputOverflowed) {
			slog.Warn("portaudio: capture read failed", "err", err)
			return
		}
		frame := audio.Frame{
			Samples:    append([]float32(nil), s.buf...),
			SampleRate: s.rate,
			Channels:   s.channels,
		}
		select {
		case s.frames <- frame:
		default:
			slog.Debug("portaudio: capture frame dropped")
		}
	}
}

// Close stops the device and waits for the reader to exit. It is idempotent.
func (s *captureStream) Close() error {
	s.closeOnce.Do(func() {
		close(s.done)
		if err := s.stream.Abort(); err != nil {
			slog.Debug("portaudio: abort capture", "err", err)
		}
		<-s.exited
		if err := s.stream.Close(); err != nil {
			s.closeErr = fmt.Errorf("portaudio: close capture: %w", err)
		}
		if err := release(); err != nil && s.closeErr == nil {
			s.closeErr = err
		}
	})
	return s.closeErr
}
