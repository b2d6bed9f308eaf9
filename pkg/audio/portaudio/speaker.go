package portaudio

import (
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/MrWong99/voxlink/pkg/audio"
	"github.com/MrWong99/voxlink/pkg/audio/mixer"
	"github.com/gordonklaus/portaudio"
)

var _ audio.Sink = (*Speaker)(nil)

// defaultBlockSize is the number of frames PortAudio pulls per callback.
const defaultBlockSize = 512

// SpeakerConfig configures [OpenSpeaker].
type SpeakerConfig struct {
	// Device is a case-insensitive substring of the device name. Empty
	// selects the system default output.
	Device string

	// SourceRate is the rate of the samples passed to ScheduleBuffer.
	// Defaults to [audio.PlaybackSampleRate].
	SourceRate int

	// DeviceRate is the output rate. Zero uses SourceRate, falling back to
	// the device default if the device refuses it.
	DeviceRate int

	// Channels is the number of output channels. Defaults to 1.
	Channels int
}

// Speaker is an [audio.Sink] that plays scheduled buffers on a PortAudio
// output device. Its clock is the number of frames the device has pulled, so
// buffers scheduled back to back play sample-exact.
type Speaker struct {
	timeline   *mixer.Timeline
	stream     *portaudio.Stream
	sourceRate int

	ended     *mixer.Completions
	done      chan struct{}
	notifier  sync.WaitGroup
	closeOnce sync.Once
	closeErr  error
}

// OpenSpeaker opens and starts an output stream.
func OpenSpeaker(cfg SpeakerConfig) (*Speaker, error) {
	if cfg.SourceRate <= 0 {
		cfg.SourceRate = audio.PlaybackSampleRate
	}
	if cfg.DeviceRate <= 0 {
		cfg.DeviceRate = cfg.SourceRate
	}
	cfg.Channels = max(cfg.Channels, 1)

	devName := cfg.Device
	if devName == "" {
		devName = "default output"
	}
	if err := acquire(); err != nil {
		return nil, &audio.DeviceAccessError{Device: devName, Err: err}
	}
	sp, err := openSpeaker(cfg)
	if err != nil {
		_ = release()
		return nil, &audio.DeviceAccessError{Device: devName, Err: err}
	}
	return sp, nil
}

func openSpeaker(cfg SpeakerConfig) (*Speaker, error) {
	dev, err := findDevice(cfg.Device, false)
	if err != nil {
		return nil, fmt.Errorf("find output device: %w", err)
	}

	sp := &Speaker{
		sourceRate: cfg.SourceRate,
		ended:      mixer.NewCompletions(),
		done:       make(chan struct{}),
	}

	params := portaudio.LowLatencyParameters(nil, dev)
	params.Input.Device = nil
	params.Input.Channels = 0
	params.Output.Channels = cfg.Channels
	params.SampleRate = float64(cfg.DeviceRate)
	params.FramesPerBuffer = defaultBlockSize

	sp.timeline = mixer.NewTimeline(cfg.DeviceRate, cfg.Channels)
	stream, err := portaudio.OpenStream(params, sp.render)
	if err != nil && dev.DefaultSampleRate != params.SampleRate {
		slog.Debug("portaudio: requested rate refused, using device default",
			"device", dev.Name, "requested", cfg.DeviceRate, "default", dev.DefaultSampleRate, "err", err)
		params.SampleRate = dev.DefaultSampleRate
		sp.timeline = mixer.NewTimeline(int(dev.DefaultSampleRate), cfg.Channels)
		stream, err = portaudio.OpenStream(params, sp.render)
	}
	if err != nil {
		return nil, fmt.Errorf("open playback stream: %w", err)
	}
	sp.stream = stream

	sp.notifier.Go(sp.notify)
	if err := stream.Start(); err != nil {
		close(sp.done)
		sp.notifier.Wait()
		_ = stream.Close()
		return nil, fmt.Errorf("start playback: %w", err)
	}
	slog.Debug("portaudio: playback started", "device", dev.Name, "rate", sp.timeline.Rate())
	return sp, nil
}

// render is the PortAudio callback. It runs on the audio thread and must not
// block: finished callbacks are handed to the notifier goroutine.
func (sp *Speaker) render(out []float32) {
	sp.ended.Push(sp.timeline.Render(out))
}

// notify invokes completion callbacks off the audio thread.
func (sp *Speaker) notify() {
	for {
		select {
		case <-sp.done:
			return
		case <-sp.ended.Ready():
			for _, fn := range sp.ended.Drain() {
				fn()
			}
		}
	}
}

// Now implements [audio.Sink].
func (sp *Speaker) Now() time.Duration { return sp.timeline.Now() }

// ScheduleBuffer implements [audio.Sink]. Samples at SourceRate are resampled
// to the device rate before they are queued.
func (sp *Speaker) ScheduleBuffer(samples []float32, start time.Duration, onEnded func()) (audio.Handle, error) {
	select {
	case <-sp.done:
		return 0, fmt.Errorf("portaudio: speaker closed")
	default:
	}
	if rate := sp.timeline.Rate(); rate != sp.sourceRate {
		samples = audio.ResampleFloat32(samples, sp.sourceRate, rate)
	}
	return sp.timeline.Schedule(samples, start, onEnded), nil
}

// Stop implements [audio.Sink].
func (sp *Speaker) Stop(h audio.Handle) { sp.timeline.Stop(h) }

// Close stops the output stream. Buffers still queued are discarded without
// completion callbacks. Close is idempotent, and Stop remains a safe no-op
// afterwards.
func (sp *Speaker) Close() error {
	sp.closeOnce.Do(func() {
		close(sp.done)
		if err := sp.stream.Abort(); err != nil {
			slog.Debug("portaudio: abort playback", "err", err)
		}
		if err := sp.stream.Close(); err != nil {
			sp.closeErr = fmt.Errorf("portaudio: close playback: %w", err)
		}
		sp.notifier.Wait()
		sp.timeline.StopAll()
		if err := release(); err != nil && sp.closeErr == nil {
			sp.closeErr = err
		}
	})
	return sp.closeErr
}
