package capture

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/fossabot/hark/internal/audiocore"
	"github.com/fossabot/hark/internal/audiocore/sources/synthetic"
	"github.com/fossabot/hark/internal/errors"
	"github.com/fossabot/hark/internal/logger"
	"github.com/fossabot/hark/internal/observability/metrics"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

var mono16k = audiocore.Format{SampleRate: 16000, Channels: 1}

// manualDevice hands its callbacks to the test so delivery is fully controlled.
type manualDevice struct {
	format  audiocore.Format
	mu      sync.Mutex
	cb      audiocore.Callbacks
	started chan struct{}
	closed  atomic.Bool
}

func newManualDevice(format audiocore.Format) *manualDevice {
	return &manualDevice{format: format, started: make(chan struct{})}
}

func (d *manualDevice) Info() audiocore.DeviceInfo { return audiocore.DeviceInfo{Name: "manual"} }
func (d *manualDevice) Format() audiocore.Format   { return d.format }
func (d *manualDevice) Stop() error                { return nil }
func (d *manualDevice) Close() error               { d.closed.Store(true); return nil }

func (d *manualDevice) Start(cb audiocore.Callbacks) error {
	d.mu.Lock()
	d.cb = cb
	d.mu.Unlock()
	close(d.started)
	return nil
}

// push delivers n sample frames of value v.
func (d *manualDevice) push(n int, v float32) {
	samples := make([]float32, n*d.format.Channels)
	for i := range samples {
		samples[i] = v
	}
	d.mu.Lock()
	cb := d.cb
	d.mu.Unlock()
	cb.Data(audiocore.EncodeS16LE(nil, samples))
}

func (d *manualDevice) stop(err error) {
	d.mu.Lock()
	cb := d.cb
	d.mu.Unlock()
	cb.Stop(err)
}

type staticAccess struct {
	dev audiocore.Device
	err error
}

func (a staticAccess) Open(context.Context, audiocore.Selector, audiocore.Format) (audiocore.Device, error) {
	return a.dev, a.err
}

// fakeClock is a settable time source.
type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Set(t time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = t
}

func collect(ch <-chan audiocore.AudioFrame) []audiocore.AudioFrame {
	var out []audiocore.AudioFrame
	for f := range ch {
		out = append(out, f)
	}
	return out
}

func TestReaderEmitsFixedCadenceFramesFromSyntheticDevice(t *testing.T) {
	t.Parallel()

	samples := make([]float32, 1000)
	for i := range samples {
		samples[i] = float32(i%100) / 32768
	}
	access := synthetic.NewAccess().Set(audiocore.RoleMicrophone, synthetic.Spec{Samples: samples, Speed: 10})

	r := NewReader(access, ReaderConfig{
		Selector:      audiocore.Selector{Role: audiocore.RoleMicrophone},
		Format:        mono16k,
		FrameDuration: 20 * time.Millisecond,
	}, WithLogger(logger.NewDiscardLogger()))
	require.NoError(t, r.Open(context.Background()))

	errCh := make(chan error, 1)
	go func() { errCh <- r.Run(context.Background()) }()

	frames := collect(r.Frames())
	require.NoError(t, <-errCh)

	var got []float32
	for i, f := range frames {
		got = f.AppendTo(got)
		if i > 0 {
			assert.Equal(t, frames[i-1].End(), f.Timestamp(), "frame %d not contiguous", i)
		}
		if i < len(frames)-1 {
			assert.Equal(t, 320, f.Frames())
		}
	}
	assert.Equal(t, samples, got)
	assert.Equal(t, 40, frames[len(frames)-1].Frames())
	assert.True(t, access.AllClosed())

	select {
	case <-r.Live():
	default:
		t.Fatal("Live not closed after frames were emitted")
	}
}

func TestReaderCancellationStopsPromptly(t *testing.T) {
	t.Parallel()

	access := synthetic.NewAccess().Set(audiocore.RoleMicrophone, synthetic.Spec{
		Signal: synthetic.Sine(440, 0.5, 16000),
	})
	r := NewReader(access, ReaderConfig{
		Selector: audiocore.Selector{Role: audiocore.RoleMicrophone},
		Format:   mono16k,
	}, WithLogger(logger.NewDiscardLogger()))
	require.NoError(t, r.Open(context.Background()))

	ctx, cancel := context.WithCancel(context.Background())
	errCh := make(chan error, 1)
	go func() { errCh <- r.Run(ctx) }()

	done := make(chan []audiocore.AudioFrame)
	go func() { done <- collect(r.Frames()) }()

	select {
	case <-r.Live():
	case <-time.After(2 * time.Second):
		t.Fatal("reader never went live")
	}
	cancel()

	select {
	case err := <-errCh:
		require.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("Run did not return after cancellation")
	}
	frames := <-done
	assert.NotEmpty(t, frames)
	assert.True(t, access.AllClosed())
}

func TestReaderDeviceFailureIsDisconnected(t *testing.T) {
	t.Parallel()

	dev := newManualDevice(mono16k)
	r := NewReader(staticAccess{dev: dev}, ReaderConfig{
		Selector: audiocore.Selector{Role: audiocore.RoleSystem, Device: "monitor"},
		Format:   mono16k,
	}, WithLogger(logger.NewDiscardLogger()))
	require.NoError(t, r.Open(context.Background()))

	errCh := make(chan error, 1)
	go func() { errCh <- r.Run(context.Background()) }()
	<-dev.started

	dev.push(320, 0.25)
	dev.push(100, 0.25)
	dev.stop(errors.NewStd("device unplugged"))

	frames := collect(r.Frames())
	err := <-errCh
	require.Error(t, err)
	assert.ErrorIs(t, err, audiocore.ErrDeviceDisconnected)
	assert.Contains(t, err.Error(), "unplugged")

	total := 0
	for _, f := range frames {
		total += f.Frames()
	}
	assert.Equal(t, 420, total, "audio captured before the failure must be preserved")
	assert.True(t, dev.closed.Load())
}

func TestReaderOpenFailures(t *testing.T) {
	t.Parallel()

	t.Run("access error becomes device unavailable", func(t *testing.T) {
		t.Parallel()
		r := NewReader(staticAccess{err: errors.NewStd("permission denied")}, ReaderConfig{
			Selector: audiocore.Selector{Role: audiocore.RoleMicrophone},
			Format:   mono16k,
		}, WithLogger(logger.NewDiscardLogger()))
		err := r.Open(context.Background())
		require.Error(t, err)
		assert.ErrorIs(t, err, audiocore.ErrDeviceUnavailable)
		assert.Equal(t, errors.CategoryDeviceUnavailable, errors.CategoryOf(err))
	})

	t.Run("missing synthetic role", func(t *testing.T) {
		t.Parallel()
		r := NewReader(synthetic.NewAccess(), ReaderConfig{
			Selector: audiocore.Selector{Role: audiocore.RoleSystem},
			Format:   mono16k,
		}, WithLogger(logger.NewDiscardLogger()))
		assert.ErrorIs(t, r.Open(context.Background()), audiocore.ErrDeviceUnavailable)
	})

	t.Run("format mismatch releases the device", func(t *testing.T) {
		t.Parallel()
		dev := newManualDevice(audiocore.Format{SampleRate: 48000, Channels: 2})
		r := NewReader(staticAccess{dev: dev}, ReaderConfig{
			Selector: audiocore.Selector{Role: audiocore.RoleMicrophone},
			Format:   mono16k,
		}, WithLogger(logger.NewDiscardLogger()))
		assert.ErrorIs(t, r.Open(context.Background()), audiocore.ErrDeviceUnavailable)
		assert.True(t, dev.closed.Load())
	})

	t.Run("run without open", func(t *testing.T) {
		t.Parallel()
		r := NewReader(synthetic.NewAccess(), ReaderConfig{Format: mono16k}, WithLogger(logger.NewDiscardLogger()))
		err := r.Run(context.Background())
		assert.ErrorIs(t, err, audiocore.ErrInvalidState)
		_, open := <-r.Frames()
		assert.False(t, open)
	})
}

func TestReaderOverflowAdvancesTimeline(t *testing.T) {
	t.Parallel()

	origin := time.Unix(1000, 0)
	clock := &fakeClock{now: origin.Add(20 * time.Millisecond)}
	registry := prometheus.NewRegistry()
	m, err := metrics.NewCaptureMetrics(registry)
	require.NoError(t, err)

	dev := newManualDevice(mono16k)
	r := NewReader(staticAccess{dev: dev}, ReaderConfig{
		Selector:      audiocore.Selector{Role: audiocore.RoleMicrophone},
		Format:        mono16k,
		FrameDuration: 20 * time.Millisecond,
		QueueSize:     1,
		RingDuration:  40 * time.Millisecond,
		Origin:        origin,
	}, WithLogger(logger.NewDiscardLogger()), WithClock(clock.Now), WithMetrics(m))
	require.NoError(t, r.Open(context.Background()))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	errCh := make(chan error, 1)
	go func() { errCh <- r.Run(ctx) }()
	<-dev.started

	dev.push(320, 0.1)
	require.Eventually(t, func() bool { return len(r.frames) == 1 }, time.Second, time.Millisecond)
	dev.push(320, 0.1) // cut, then the reader blocks sending it
	require.Eventually(t, func() bool { return r.ring.Length() == 0 }, time.Second, time.Millisecond)
	dev.push(320, 0.1)
	dev.push(320, 0.1) // ring full
	dev.push(320, 0.1) // dropped

	var frames []audiocore.AudioFrame
	for range 4 {
		frames = append(frames, <-r.Frames())
	}
	require.Eventually(t, func() bool { return r.droppedBytes.Load() == 0 }, time.Second, time.Millisecond)

	dev.push(320, 0.1)
	frames = append(frames, <-r.Frames())
	cancel()
	frames = append(frames, collect(r.Frames())...)
	require.NoError(t, <-errCh)

	want := []time.Duration{0, 20, 40, 60, 100}
	require.Len(t, frames, len(want))
	for i, ms := range want {
		assert.Equal(t, ms*time.Millisecond, frames[i].Timestamp(), "frame %d", i)
	}
	assert.InDelta(t, 640, counterValue(t, registry, "hark_capture_dropped_bytes_total"), 0)
}

// counterValue sums a counter family from the registry.
func counterValue(t *testing.T, registry *prometheus.Registry, name string) float64 {
	t.Helper()
	families, err := registry.Gather()
	require.NoError(t, err)
	var sum float64
	for _, mf := range families {
		if mf.GetName() != name {
			continue
		}
		for _, metric := range mf.GetMetric() {
			sum += metric.GetCounter().GetValue()
		}
	}
	return sum
}

func TestReaderResyncsForwardAfterDeviceGap(t *testing.T) {
	t.Parallel()

	origin := time.Unix(2000, 0)
	clock := &fakeClock{now: origin.Add(20 * time.Millisecond)}
	dev := newManualDevice(mono16k)
	r := NewReader(staticAccess{dev: dev}, ReaderConfig{
		Selector: audiocore.Selector{Role: audiocore.RoleMicrophone},
		Format:   mono16k,
		Origin:   origin,
	}, WithLogger(logger.NewDiscardLogger()), WithClock(clock.Now))
	require.NoError(t, r.Open(context.Background()))

	ctx, cancel := context.WithCancel(context.Background())
	errCh := make(chan error, 1)
	go func() { errCh <- r.Run(ctx) }()
	<-dev.started

	dev.push(320, 0.1)
	first := <-r.Frames()
	clock.Set(origin.Add(40 * time.Millisecond))
	dev.push(320, 0.1)
	second := <-r.Frames()
	clock.Set(origin.Add(time.Second))
	dev.push(320, 0.1)
	third := <-r.Frames()

	cancel()
	_ = collect(r.Frames())
	require.NoError(t, <-errCh)

	assert.Equal(t, time.Duration(0), first.Timestamp())
	assert.Equal(t, 20*time.Millisecond, second.Timestamp())
	assert.Equal(t, 980*time.Millisecond, third.Timestamp())
	assert.Greater(t, third.Timestamp(), second.Timestamp())
}

func TestReaderFlushesShortTailOnEndOfStream(t *testing.T) {
	t.Parallel()

	dev := newManualDevice(audiocore.Format{SampleRate: 16000, Channels: 2})
	r := NewReader(staticAccess{dev: dev}, ReaderConfig{
		Selector: audiocore.Selector{Role: audiocore.RoleMicrophone},
		Format:   audiocore.Format{SampleRate: 16000, Channels: 2},
	}, WithLogger(logger.NewDiscardLogger()))
	require.NoError(t, r.Open(context.Background()))

	errCh := make(chan error, 1)
	go func() { errCh <- r.Run(context.Background()) }()
	<-dev.started

	dev.push(320+37, 0.5)
	dev.stop(nil)

	frames := collect(r.Frames())
	require.NoError(t, <-errCh)
	require.Len(t, frames, 2)
	assert.Equal(t, 320, frames[0].Frames())
	assert.Equal(t, 37, frames[1].Frames())
	assert.Equal(t, 2, frames[1].Format().Channels)
}
