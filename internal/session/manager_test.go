package session_test

import (
	"context"
	"errors"
	"slices"
	"sync"
	"testing"
	"time"

	"github.com/MrWong99/voxlink/internal/events"
	"github.com/MrWong99/voxlink/internal/observe"
	"github.com/MrWong99/voxlink/internal/session"
	"github.com/MrWong99/voxlink/pkg/audio"
	audiomock "github.com/MrWong99/voxlink/pkg/audio/mock"
	"github.com/MrWong99/voxlink/pkg/transport"
	transportmock "github.com/MrWong99/voxlink/pkg/transport/mock"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"
)

// ── Helpers ───────────────────────────────────────────────────────────────────

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timeout waiting for %s", what)
		}
		time.Sleep(time.Millisecond)
	}
}

func waitDone(t *testing.T, m *session.Manager) {
	t.Helper()
	select {
	case <-m.Done():
	case <-time.After(2 * time.Second):
		t.Fatal("session was not torn down")
	}
}

// recorder is an in-memory events.Publisher.
type recorder struct {
	mu      sync.Mutex
	states  []events.StateEvent
	volumes []events.VolumeEvent
}

func (r *recorder) PublishState(ev events.StateEvent) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.states = append(r.states, ev)
}

func (r *recorder) PublishVolume(ev events.VolumeEvent) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.volumes = append(r.volumes, ev)
}

func (r *recorder) targets() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]string, len(r.states))
	for i, ev := range r.states {
		out[i] = ev.To
	}
	return out
}

func (r *recorder) volumeCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.volumes)
}

type fixture struct {
	m      *session.Manager
	dialer *transportmock.Dialer
	conn   *transportmock.Conn
	stream *audiomock.CaptureStream
	mic    *audiomock.CaptureDevice
	sink   *audiomock.Sink
	pub    *recorder
	reader *sdkmetric.ManualReader
}

func newFixture(t *testing.T, mutate ...func(*session.Config)) *fixture {
	t.Helper()
	reader := sdkmetric.NewManualReader()
	mp := sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader))
	t.Cleanup(func() { _ = mp.Shutdown(context.Background()) })
	metrics, err := observe.NewMetrics(mp)
	if err != nil {
		t.Fatalf("NewMetrics: %v", err)
	}

	f := &fixture{
		conn:   transportmock.NewConn(),
		stream: audiomock.NewCaptureStream(8),
		sink:   audiomock.NewSink(),
		pub:    &recorder{},
		reader: reader,
	}
	f.dialer = &transportmock.Dialer{Conn: f.conn}
	f.mic = &audiomock.CaptureDevice{Stream: f.stream}
	f.sink.SetNow(time.Second)

	cfg := session.Config{
		ID:        "test-session",
		Dialer:    f.dialer,
		Handshake: transport.Handshake{Model: "m", Voice: "Puck", Instructions: "be kind"},
		Capture:   f.mic,
		Sink:      f.sink,
		Publisher: f.pub,
		Metrics:   metrics,
	}
	for _, fn := range mutate {
		fn(&cfg)
	}
	f.m, err = session.New(cfg)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	t.Cleanup(f.m.Stop)
	return f
}

// connect starts the session and completes the handshake.
func (f *fixture) connect(t *testing.T) {
	t.Helper()
	if err := f.m.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	waitFor(t, "dial", func() bool { return f.dialer.CallCountDial() == 1 })
	f.conn.Open()
	waitFor(t, "connected", func() bool { return f.m.State() == transport.Connected })
}

func silentFrame() audio.Frame {
	return audio.Frame{Samples: make([]float32, audio.DefaultFrameSize), SampleRate: audio.WireSampleRate, Channels: 1}
}

func int64Value(t *testing.T, reader *sdkmetric.ManualReader, name string) int64 {
	t.Helper()
	var rm metricdata.ResourceMetrics
	if err := reader.Collect(context.Background(), &rm); err != nil {
		t.Fatalf("Collect: %v", err)
	}
	for _, sm := range rm.ScopeMetrics {
		for _, met := range sm.Metrics {
			if met.Name != name {
				continue
			}
			sum, ok := met.Data.(metricdata.Sum[int64])
			if !ok {
				t.Fatalf("metric %q is not an int64 sum", name)
			}
			var total int64
			for _, dp := range sum.DataPoints {
				total += dp.Value
			}
			return total
		}
	}
	return 0
}

// ── Construction ──────────────────────────────────────────────────────────────

func TestNew_RequiresCollaborators(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		cfg  session.Config
	}{
		{"no dialer", session.Config{Capture: &audiomock.CaptureDevice{}, Sink: audiomock.NewSink()}},
		{"no capture", session.Config{Dialer: &transportmock.Dialer{}, Sink: audiomock.NewSink()}},
		{"no sink", session.Config{Dialer: &transportmock.Dialer{}, Capture: &audiomock.CaptureDevice{}}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			if _, err := session.New(tt.cfg); err == nil {
				t.Error("expected error, got nil")
			}
		})
	}
}

func TestNew_GeneratesID(t *testing.T) {
	t.Parallel()
	m, err := session.New(session.Config{
		Dialer:  &transportmock.Dialer{},
		Capture: &audiomock.CaptureDevice{},
		Sink:    audiomock.NewSink(),
	})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	t.Cleanup(m.Stop)
	if len(m.ID()) != 36 {
		t.Errorf("ID = %q, want a UUID", m.ID())
	}
	if m.State() != transport.Connecting {
		t.Errorf("State = %v, want connecting", m.State())
	}
}

// ── Lifecycle ─────────────────────────────────────────────────────────────────

func TestStart_HandshakeCarriesPersona(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	f.connect(t)

	if got := f.dialer.DialCalls[0]; got.Voice != "Puck" || got.Instructions != "be kind" {
		t.Errorf("handshake = %+v", got)
	}
	if n := f.mic.CallCountOpen(); n != 1 {
		t.Errorf("capture opened %d times, want 1", n)
	}
}

func TestStart_FramesFlowOnlyAfterConnected(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	if err := f.m.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	waitFor(t, "dial", func() bool { return f.dialer.CallCountDial() == 1 })

	// Queued before Connected; production has not started.
	f.stream.Push(silentFrame())
	time.Sleep(20 * time.Millisecond)
	if n := len(f.conn.Sent()); n != 0 {
		t.Fatalf("sent %d packets before connected, want 0", n)
	}

	f.conn.Open()
	waitFor(t, "packet sent", func() bool { return len(f.conn.Sent()) == 1 })

	p := f.conn.Sent()[0]
	if len(p.Data) != 10924 {
		t.Errorf("packet data length = %d, want 10924", len(p.Data))
	}
	if p.MIMEType != audio.InputMIMEType {
		t.Errorf("mime type = %q", p.MIMEType)
	}
	waitFor(t, "volume event", func() bool { return f.pub.volumeCount() == 1 })
	if v := f.m.Volume(); v != 0 {
		t.Errorf("Volume = %v, want 0 for silence", v)
	}
	waitFor(t, "packets metric", func() bool {
		return int64Value(t, f.reader, "voxlink.capture.packets") == 1
	})
}

func TestInboundChunk_AdvancesCursor(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	f.connect(t)

	// 0.2s at 24 kHz with the playback clock at 1.0s.
	f.conn.Message(audio.Encode(make([]float32, 4800)).Data)
	waitFor(t, "chunk scheduled", func() bool { return len(f.sink.Calls()) == 1 })

	if start := f.sink.Calls()[0].Start; start != time.Second {
		t.Errorf("start = %v, want 1s", start)
	}
	snap := f.m.Snapshot()
	if snap.CursorMS != 1200 {
		t.Errorf("cursor = %dms, want 1200ms", snap.CursorMS)
	}
	if snap.Active != 1 || snap.State != "connected" || snap.SessionID != "test-session" {
		t.Errorf("snapshot = %+v", snap)
	}
}

func TestStart_DeviceFailureSkipsHandshake(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	f.mic.OpenError = errors.New("permission denied")

	err := f.m.Start(context.Background())
	var dae *audio.DeviceAccessError
	if !errors.As(err, &dae) {
		t.Fatalf("Start error = %v, want *audio.DeviceAccessError", err)
	}
	waitDone(t, f.m)

	if st := f.m.State(); st != transport.Error {
		t.Errorf("State = %v, want error", st)
	}
	if !errors.As(f.m.Err(), &dae) {
		t.Errorf("Err = %v, want the device error", f.m.Err())
	}
	if n := f.dialer.CallCountDial(); n != 0 {
		t.Errorf("dial called %d times, want 0", n)
	}
	if got := f.pub.targets(); !slices.Equal(got, []string{"error"}) {
		t.Errorf("published states = %v, want [error]", got)
	}
	if n := f.sink.Closes(); n != 1 {
		t.Errorf("sink closed %d times, want 1", n)
	}
	if err := f.m.Check(context.Background()); err == nil {
		t.Error("Check should fail after an error")
	}
}

func TestStart_Twice(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	if err := f.m.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	if err := f.m.Start(context.Background()); !errors.Is(err, session.ErrAlreadyStarted) {
		t.Errorf("second Start = %v, want ErrAlreadyStarted", err)
	}
}

func TestStop_TearsDownOnce(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	f.connect(t)

	f.conn.Message(audio.Encode(make([]float32, 4800)).Data)
	waitFor(t, "chunk scheduled", func() bool { return len(f.sink.Calls()) == 1 })

	var wg sync.WaitGroup
	for range 4 {
		wg.Go(f.m.Stop)
	}
	wg.Wait()
	f.m.Stop()

	if st := f.m.State(); st != transport.Disconnected {
		t.Errorf("State = %v, want disconnected", st)
	}
	if !f.conn.Closed() {
		t.Error("transport connection not closed")
	}
	if n := f.stream.CallCountClose; n != 1 {
		t.Errorf("capture stream closed %d times, want 1", n)
	}
	if n := f.sink.Closes(); n != 1 {
		t.Errorf("sink closed %d times, want 1", n)
	}
	handle := f.sink.Calls()[0].Handle
	if stops := f.sink.Stops(); !slices.Contains(stops, handle) {
		t.Errorf("scheduled buffer %d not stopped, stops = %v", handle, stops)
	}
	if snap := f.m.Snapshot(); snap.Active != 0 {
		t.Errorf("active = %d after teardown, want 0", snap.Active)
	}
	if got := f.pub.targets(); !slices.Equal(got, []string{"connected", "disconnected"}) {
		t.Errorf("published states = %v", got)
	}
}

func TestStop_BeforeStart(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	f.m.Stop()

	waitDone(t, f.m)
	if st := f.m.State(); st != transport.Disconnected {
		t.Errorf("State = %v, want disconnected", st)
	}
	if n := f.dialer.CallCountDial(); n != 0 {
		t.Errorf("dial called %d times, want 0", n)
	}
}

func TestStart_AfterStop(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	f.m.Stop()
	if err := f.m.Start(context.Background()); !errors.Is(err, session.ErrTornDown) {
		t.Errorf("Start after Stop = %v, want ErrTornDown", err)
	}
	if n := f.mic.CallCountOpen(); n != 0 {
		t.Errorf("capture opened %d times, want 0", n)
	}
}

func TestRemoteClose_TearsDown(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	f.connect(t)

	f.conn.RemoteClose("session expired")
	waitDone(t, f.m)

	if st := f.m.State(); st != transport.Disconnected {
		t.Errorf("State = %v, want disconnected", st)
	}
	if n := f.sink.Closes(); n != 1 {
		t.Errorf("sink closed %d times, want 1", n)
	}
	if n := f.stream.CallCountClose; n != 1 {
		t.Errorf("capture stream closed %d times, want 1", n)
	}
}

func TestHandshakeFailure_TearsDown(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	f.dialer.DialError = errors.New("connection refused")

	if err := f.m.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	waitDone(t, f.m)

	var hse *transport.HandshakeError
	if !errors.As(f.m.Err(), &hse) {
		t.Errorf("Err = %v, want *transport.HandshakeError", f.m.Err())
	}
	if n := f.stream.CallCountClose; n != 1 {
		t.Errorf("capture stream closed %d times, want 1", n)
	}
}

func TestMetrics_ActiveSessionsAndTransitions(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	f.connect(t)

	if got := int64Value(t, f.reader, "voxlink.active_sessions"); got != 1 {
		t.Errorf("active sessions = %d, want 1", got)
	}

	f.m.Stop()
	if got := int64Value(t, f.reader, "voxlink.active_sessions"); got != 0 {
		t.Errorf("active sessions after stop = %d, want 0", got)
	}
	if got := int64Value(t, f.reader, "voxlink.session.transitions"); got != 2 {
		t.Errorf("transitions = %d, want 2", got)
	}
}

func TestDecodeError_Counted(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	f.connect(t)

	f.conn.Message("not base64!")
	waitFor(t, "decode error", func() bool {
		return int64Value(t, f.reader, "voxlink.transport.decode_errors") == 1
	})
	if st := f.m.State(); st != transport.Connected {
		t.Errorf("State = %v, decode errors must not end the session", st)
	}
}

// gatedSink blocks Close until release is closed.
type gatedSink struct {
	*audiomock.Sink
	entered chan struct{}
	release chan struct{}
}

func (s *gatedSink) Close() error {
	close(s.entered)
	<-s.release
	return s.Sink.Close()
}

func TestMetrics_StartDuringTeardownKeepsGaugeBalanced(t *testing.T) {
	t.Parallel()
	sink := &gatedSink{
		Sink:    audiomock.NewSink(),
		entered: make(chan struct{}),
		release: make(chan struct{}),
	}
	f := newFixture(t, func(c *session.Config) { c.Sink = sink })

	stopped := make(chan struct{})
	go func() {
		f.m.Stop()
		close(stopped)
	}()
	<-sink.entered

	if err := f.m.Start(context.Background()); !errors.Is(err, session.ErrTornDown) {
		t.Errorf("Start during teardown = %v, want ErrTornDown", err)
	}
	close(sink.release)
	<-stopped

	if got := int64Value(t, f.reader, "voxlink.active_sessions"); got != 0 {
		t.Errorf("active sessions = %d, want 0", got)
	}
	if n := f.mic.CallCountOpen(); n != 0 {
		t.Errorf("capture opened %d times, want 0", n)
	}
}
