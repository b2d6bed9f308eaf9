// Package capture drives periodic delivery of microphone frames, derives a
// volume level from each frame, and hands encoded packets to a non-blocking
// sink.
//
// A [Producer] separates device acquisition from frame delivery so that the
// owner can acquire the microphone before a transport handshake and only
// start pumping packets once the transport is connected.
package capture

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/MrWong99/voxlink/pkg/audio"
)

// ErrNotAcquired is returned by [Producer.Start] when no device is held.
var ErrNotAcquired = errors.New("capture: device not acquired")

// PacketSink receives encoded packets. It must not block: the capture loop
// calls it once per frame and a slow sink would stall capture.
type PacketSink func(audio.Packet)

// VolumeFunc receives the normalised [0,1] volume of each frame.
type VolumeFunc func(level float64)

// Config configures a [Producer].
type Config struct {
	// Device is the microphone to capture from. Required.
	Device audio.CaptureDevice

	// SampleRate requested from the device. Defaults to [audio.WireSampleRate].
	SampleRate int

	// FrameSize is the number of samples per frame. Defaults to
	// [audio.DefaultFrameSize].
	FrameSize int

	// Meter normalises frame RMS for OnVolume.
	Meter audio.Meter

	// OnPacket receives each encoded frame. Required.
	OnPacket PacketSink

	// OnVolume receives the volume of each frame. May be nil.
	OnVolume VolumeFunc
}

// Producer owns a capture stream and the loop that drains it.
// All methods are safe for concurrent use.
type Producer struct {
	device   audio.CaptureDevice
	format   audio.CaptureFormat
	meter    audio.Meter
	onPacket PacketSink
	onVolume VolumeFunc
	conv     audio.FrameConverter

	mu       sync.Mutex
	stream   audio.CaptureStream
	started  bool
	stopped  bool
	stop     chan struct{}
	loopDone chan struct{}
}

// New creates a Producer. It does not touch the device until [Producer.Acquire].
func New(cfg Config) *Producer {
	if cfg.SampleRate <= 0 {
		cfg.SampleRate = audio.WireSampleRate
	}
	if cfg.FrameSize <= 0 {
		cfg.FrameSize = audio.DefaultFrameSize
	}
	return &Producer{
		device: cfg.Device,
		format: audio.CaptureFormat{
			SampleRate: cfg.SampleRate,
			Channels:   1,
			FrameSize:  cfg.FrameSize,
		},
		meter:    cfg.Meter,
		onPacket: cfg.OnPacket,
		onVolume: cfg.OnVolume,
		conv:     audio.FrameConverter{TargetRate: audio.WireSampleRate},
		stop:     make(chan struct{}),
		loopDone: make(chan struct{}),
	}
}

// Acquire opens the capture device. A failure is returned as a
// [*audio.DeviceAccessError]; the producer then never starts.
func (p *Producer) Acquire(ctx context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.stopped {
		return fmt.Errorf("capture: acquire: producer stopped")
	}
	if p.stream != nil {
		return nil
	}
	if p.device == nil {
		return &audio.DeviceAccessError{Device: "capture", Err: errors.New("no capture device configured")}
	}
	stream, err := p.device.Open(ctx, p.format)
	if err != nil {
		var dae *audio.DeviceAccessError
		if errors.As(err, &dae) {
			return err
		}
		return &audio.DeviceAccessError{Device: "capture", Err: err}
	}
	p.stream = stream
	return nil
}

// Start begins delivering frames. Calling Start more than once is a no-op.
func (p *Producer) Start() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.stopped {
		return fmt.Errorf("capture: start: producer stopped")
	}
	if p.stream == nil {
		return ErrNotAcquired
	}
	if p.started {
		return nil
	}
	p.started = true
	go p.loop(p.stream.Frames())
	return nil
}

// Stop prevents any further frame from being processed and waits for an
// in-progress frame to finish. It is idempotent. The device stays open until
// [Producer.Release].
func (p *Producer) Stop() {
	p.mu.Lock()
	if p.stopped {
		p.mu.Unlock()
		return
	}
	p.stopped = true
	started := p.started
	close(p.stop)
	p.mu.Unlock()

	if started {
		<-p.loopDone
	}
}

// Release closes the capture stream. It is idempotent.
func (p *Producer) Release() error {
	p.mu.Lock()
	stream := p.stream
	p.stream = nil
	p.mu.Unlock()

	if stream == nil {
		return nil
	}
	if err := stream.Close(); err != nil {
		return fmt.Errorf("capture: release: %w", err)
	}
	return nil
}

// loop drains frames until Stop is called or the stream ends.
func (p *Producer) loop(frames <-chan audio.Frame) {
	defer close(p.loopDone)
	for {
		select {
		case <-p.stop:
			return
		case frame, ok := <-frames:
			if !ok {
				slog.Warn("capture stream ended")
				return
			}
			// Stop wins over a frame that was ready at the same time.
			select {
			case <-p.stop:
				return
			default:
			}
			p.handle(frame)
		}
	}
}

// handle meters, converts and encodes one frame.
func (p *Producer) handle(frame audio.Frame) {
	if len(frame.Samples) == 0 {
		return
	}
	mono := p.conv.Convert(frame)
	if p.onVolume != nil {
		p.onVolume(p.meter.Level(mono))
	}
	p.onPacket(audio.Encode(mono))
}
