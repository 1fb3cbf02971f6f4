// Package capture turns callback-driven audio devices into a lazy, bounded
// sequence of fixed-cadence, timestamped frames.
package capture

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/smallnest/ringbuffer"

	"github.com/fossabot/hark/internal/audiocore"
	"github.com/fossabot/hark/internal/errors"
	"github.com/fossabot/hark/internal/logger"
	"github.com/fossabot/hark/internal/observability/metrics"
)

const componentCapture = "capture"

// Reader defaults
const (
	DefaultQueueSize       = 50
	DefaultRingDuration    = 2 * time.Second
	DefaultResyncThreshold = 200 * time.Millisecond
)

// ReaderConfig configures one reader.
type ReaderConfig struct {
	Selector audiocore.Selector
	Format   audiocore.Format
	// FrameDuration is the nominal cadence of emitted frames.
	FrameDuration time.Duration
	// QueueSize bounds the output channel in frames.
	QueueSize int
	// RingDuration sizes the staging ring between the device callback and the frame cutter.
	RingDuration time.Duration
	// ResyncThreshold is how far wall clock may run ahead of the sample
	// clock before timestamps are re-anchored forward.
	ResyncThreshold time.Duration
	// Origin is the session clock origin shared by all readers of a session.
	// Zero means the time Open is called.
	Origin time.Time
}

func (c *ReaderConfig) applyDefaults() {
	if c.FrameDuration <= 0 {
		c.FrameDuration = audiocore.DefaultFrameDuration
	}
	if c.QueueSize <= 0 {
		c.QueueSize = DefaultQueueSize
	}
	if c.RingDuration < 2*c.FrameDuration {
		c.RingDuration = max(DefaultRingDuration, 2*c.FrameDuration)
	}
	if c.ResyncThreshold <= 0 {
		c.ResyncThreshold = DefaultResyncThreshold
	}
}

// Option customizes a Reader.
type Option func(*Reader)

// WithLogger sets the reader logger.
func WithLogger(l logger.Logger) Option {
	return func(r *Reader) {
		if l != nil {
			r.log = l
		}
	}
}

// WithMetrics enables capture metrics.
func WithMetrics(m *metrics.CaptureMetrics) Option {
	return func(r *Reader) { r.metrics = m }
}

// WithClock replaces time.Now, for tests.
func WithClock(now func() time.Time) Option {
	return func(r *Reader) {
		if now != nil {
			r.now = now
		}
	}
}

// Reader owns one device for its lifetime and emits its audio as frames.
//
// Usage: Open, then Run in its own goroutine while consuming Frames until
// the channel is closed. Run releases the device on every exit path; Close
// releases it if Run is never called.
type Reader struct {
	access  audiocore.DeviceAccess
	cfg     ReaderConfig
	log     logger.Logger
	metrics *metrics.CaptureMetrics
	now     func() time.Time

	device     audiocore.Device
	closeOnce  sync.Once
	closeErr   error
	ran        atomic.Bool
	frameBytes int
	frameLen   int // sample frames per emitted frame

	ring    *ringbuffer.RingBuffer
	notify  chan struct{}
	stopped chan struct{}
	stopMu  sync.Mutex
	stopErr error
	stopSet bool

	// written by the device callback
	firstArrival atomic.Int64 // ns since origin of the first block's end, -1 until set
	droppedBytes atomic.Int64

	// owned by the Run goroutine
	anchor   time.Duration
	consumed int64 // sample frames emitted or accounted as dropped
	scratch  []byte
	flushing bool

	frames   chan audiocore.AudioFrame
	live     chan struct{}
	liveOnce sync.Once
}

// NewReader creates a reader that will open its device through access.
func NewReader(access audiocore.DeviceAccess, cfg ReaderConfig, opts ...Option) *Reader {
	cfg.applyDefaults()
	r := &Reader{
		access:  access,
		cfg:     cfg,
		log:     logger.Global().Module(componentCapture),
		now:     time.Now,
		notify:  make(chan struct{}, 1),
		stopped: make(chan struct{}),
		frames:  make(chan audiocore.AudioFrame, cfg.QueueSize),
		live:    make(chan struct{}),
	}
	for _, opt := range opts {
		opt(r)
	}
	r.log = r.log.With(logger.String("source", string(cfg.Selector.Role)))
	r.firstArrival.Store(-1)
	return r
}

// Role returns the role this reader captures for.
func (r *Reader) Role() audiocore.SourceRole { return r.cfg.Selector.Role }

// Frames returns the output sequence. It is closed when Run returns.
func (r *Reader) Frames() <-chan audiocore.AudioFrame { return r.frames }

// Live is closed once the first frame is handed to Frames. A receiver of
// any frame therefore always observes Live closed.
func (r *Reader) Live() <-chan struct{} { return r.live }

// Device returns information about the opened device.
func (r *Reader) Device() audiocore.DeviceInfo {
	if r.device == nil {
		return audiocore.DeviceInfo{}
	}
	return r.device.Info()
}

// Open acquires the device. It fails with a DeviceUnavailable error when
// the source cannot be opened or does not deliver the requested format.
func (r *Reader) Open(ctx context.Context) error {
	if r.device != nil {
		return errors.Newf("reader already open").
			Component(componentCapture).
			Category(errors.CategoryInvalidState).
			Context("source", string(r.cfg.Selector.Role)).
			Build()
	}
	if err := r.cfg.Format.Validate(); err != nil {
		return err
	}
	if r.cfg.Origin.IsZero() {
		r.cfg.Origin = r.now()
	}

	dev, err := r.access.Open(ctx, r.cfg.Selector, r.cfg.Format)
	if err != nil {
		r.metrics.RecordDeviceError(string(r.cfg.Selector.Role), "open")
		if errors.IsCategory(err, errors.CategoryDeviceUnavailable) {
			return err
		}
		return errors.New(err).
			Component(componentCapture).
			Category(errors.CategoryDeviceUnavailable).
			Context("source", string(r.cfg.Selector.Role)).
			Context("device", r.cfg.Selector.Device).
			Context("operation", "open_device").
			Build()
	}

	if got := dev.Format(); got != r.cfg.Format {
		_ = dev.Close()
		r.metrics.RecordDeviceError(string(r.cfg.Selector.Role), "format")
		return errors.Newf("device delivers %s, want %s", got, r.cfg.Format).
			Component(componentCapture).
			Category(errors.CategoryDeviceUnavailable).
			Context("source", string(r.cfg.Selector.Role)).
			Context("device", dev.Info().Name).
			Build()
	}

	r.device = dev
	r.frameLen = r.cfg.Format.FramesFor(r.cfg.FrameDuration)
	r.frameBytes = r.frameLen * r.cfg.Format.Channels * audiocore.BytesPerSample
	ringBytes := r.cfg.Format.FramesFor(r.cfg.RingDuration) * r.cfg.Format.Channels * audiocore.BytesPerSample
	r.ring = ringbuffer.New(ringBytes)
	r.scratch = make([]byte, r.frameBytes)

	r.log.Info("audio device opened",
		logger.String("device", dev.Info().Name),
		logger.String("format", r.cfg.Format.String()),
		logger.Duration("frame_duration", r.cfg.FrameDuration))
	return nil
}

// Close releases the device. It is idempotent.
func (r *Reader) Close() error {
	r.closeOnce.Do(func() {
		if r.device != nil {
			r.closeErr = r.device.Close()
		}
	})
	return r.closeErr
}

// Run streams frames until ctx is cancelled, the device reports the end
// of its stream, or the device fails. Cancellation and end of stream are
// normal terminations and return nil; a device failure returns a
// DeviceDisconnected error. Staged audio is flushed before Frames is closed.
func (r *Reader) Run(ctx context.Context) error {
	defer close(r.frames)
	defer func() {
		if err := r.Close(); err != nil {
			r.log.Warn("failed to close audio device", logger.Error(err))
		}
	}()

	if r.device == nil || !r.ran.CompareAndSwap(false, true) {
		return errors.Newf("reader not open or already running").
			Component(componentCapture).
			Category(errors.CategoryInvalidState).
			Context("source", string(r.cfg.Selector.Role)).
			Build()
	}

	if err := r.device.Start(audiocore.Callbacks{Data: r.onData, Stop: r.onStop}); err != nil {
		r.metrics.RecordDeviceError(string(r.cfg.Selector.Role), "start")
		return errors.New(err).
			Component(componentCapture).
			Category(errors.CategoryDeviceUnavailable).
			Context("source", string(r.cfg.Selector.Role)).
			Context("operation", "start_device").
			Build()
	}

	var pending []audiocore.AudioFrame
	for {
		select {
		case <-ctx.Done():
			r.stopDevice()
			r.flush(pending)
			r.log.Debug("capture cancelled", logger.Int64("sample_frames", r.consumed))
			return nil

		case <-r.stopped:
			r.stopDevice()
			r.flush(pending)
			return r.stopError()

		case <-r.notify:
			var ok bool
			pending, ok = r.emitStaged(ctx, pending)
			if !ok {
				continue // ctx is done, handled above
			}
		}
	}
}

// onData runs on the device thread. It never blocks: a block that does not
// fit in the ring is dropped whole so sample alignment is preserved.
func (r *Reader) onData(pcm []byte) {
	if len(pcm) == 0 {
		return
	}
	if r.firstArrival.Load() < 0 {
		blockFrames := len(pcm) / (r.cfg.Format.Channels * audiocore.BytesPerSample)
		start := r.now().Sub(r.cfg.Origin) - r.cfg.Format.DurationOf(blockFrames)
		r.firstArrival.CompareAndSwap(-1, int64(max(start, 0)))
	}

	if r.ring.Free() < len(pcm) {
		r.droppedBytes.Add(int64(len(pcm)))
		r.metrics.RecordDroppedBytes(string(r.cfg.Selector.Role), len(pcm))
	} else if _, err := r.ring.Write(pcm); err != nil {
		r.droppedBytes.Add(int64(len(pcm)))
		r.metrics.RecordDroppedBytes(string(r.cfg.Selector.Role), len(pcm))
	}

	select {
	case r.notify <- struct{}{}:
	default:
	}
}

// onStop records the device's end-of-stream report. Only the first report counts.
func (r *Reader) onStop(err error) {
	r.stopMu.Lock()
	defer r.stopMu.Unlock()
	if r.stopSet {
		return
	}
	r.stopSet = true
	r.stopErr = err
	close(r.stopped)
}

func (r *Reader) stopError() error {
	r.stopMu.Lock()
	defer r.stopMu.Unlock()
	if r.stopErr == nil {
		r.log.Info("audio source exhausted", logger.Int64("sample_frames", r.consumed))
		return nil
	}
	r.metrics.RecordDeviceError(string(r.cfg.Selector.Role), "disconnected")
	return errors.New(r.stopErr).
		Component(componentCapture).
		Category(errors.CategoryDeviceDisconnected).
		Priority(errors.PriorityHigh).
		Context("source", string(r.cfg.Selector.Role)).
		Context("device", r.device.Info().Name).
		Context("captured", r.cfg.Format.DurationOf(int(r.consumed)).String()).
		Build()
}

func (r *Reader) stopDevice() {
	if err := r.device.Stop(); err != nil {
		r.log.Debug("device stop reported error", logger.Error(err))
	}
}

// emitStaged cuts every whole frame out of the ring and sends it with
// backpressure. If ctx ends mid-send the unsent frames are returned with
// ok=false so the final flush can deliver them.
func (r *Reader) emitStaged(ctx context.Context, pending []audiocore.AudioFrame) ([]audiocore.AudioFrame, bool) {
	for len(pending) > 0 {
		r.markLive()
		select {
		case r.frames <- pending[0]:
			pending = pending[1:]
		case <-ctx.Done():
			return pending, false
		}
	}

	for r.ring.Length() >= r.frameBytes {
		f, ok := r.cut(r.frameBytes)
		if !ok {
			break
		}
		r.markLive()
		select {
		case r.frames <- f:
		case <-ctx.Done():
			return []audiocore.AudioFrame{f}, false
		}
	}
	r.accountDrops()
	return nil, true
}

// flush delivers everything still staged, including a short final frame,
// with blocking sends. Consumers drain until the channel closes.
func (r *Reader) flush(pending []audiocore.AudioFrame) {
	r.flushing = true
	for _, f := range pending {
		r.markLive()
		r.frames <- f
	}
	for r.ring.Length() >= r.frameBytes {
		f, ok := r.cut(r.frameBytes)
		if !ok {
			return
		}
		r.markLive()
		r.frames <- f
	}
	sampleFrameBytes := r.cfg.Format.Channels * audiocore.BytesPerSample
	if tail := r.ring.Length() / sampleFrameBytes * sampleFrameBytes; tail > 0 {
		if f, ok := r.cut(tail); ok {
			r.markLive()
			r.frames <- f
		}
	}
}

// cut reads n bytes from the ring into a timestamped frame.
func (r *Reader) cut(n int) (audiocore.AudioFrame, bool) {
	buf := r.scratch[:n]
	read, err := r.ring.Read(buf)
	if err != nil || read != n {
		r.log.Warn("short read from staging ring",
			logger.Int("want", n),
			logger.Int("got", read),
			logger.Error(err))
		return audiocore.AudioFrame{}, false
	}

	if r.consumed == 0 && r.anchor == 0 {
		if first := r.firstArrival.Load(); first > 0 {
			r.anchor = time.Duration(first)
		}
	}
	r.resync()

	samples := audiocore.DecodeS16LE(make([]float32, 0, n/audiocore.BytesPerSample), buf)
	ts := r.anchor + r.cfg.Format.DurationOf(int(r.consumed))
	f := audiocore.NewFrameOwned(samples, r.cfg.Format, ts)
	r.consumed += int64(f.Frames())
	r.metrics.RecordFrame(string(r.cfg.Selector.Role))
	return f, true
}

// accountDrops advances the timeline over samples the device delivered
// but the ring could not hold.
func (r *Reader) accountDrops() {
	dropped := r.droppedBytes.Swap(0)
	if dropped == 0 {
		return
	}
	lost := int(dropped) / (r.cfg.Format.Channels * audiocore.BytesPerSample)
	r.consumed += int64(lost)
	r.log.Warn("staging ring overflow, samples dropped",
		logger.Int("sample_frames", lost),
		logger.Duration("gap", r.cfg.Format.DurationOf(lost)))
}

// resync moves the anchor forward when the device has delivered less audio
// than wall time says it should have, so that gaps show up in timestamps.
func (r *Reader) resync() {
	if r.consumed == 0 || r.flushing {
		return
	}
	received := r.ring.Length() + int(r.droppedBytes.Load())
	staged := received / (r.cfg.Format.Channels * audiocore.BytesPerSample)
	sampleClock := r.anchor + r.cfg.Format.DurationOf(int(r.consumed)+staged+r.frameLen)
	wall := r.now().Sub(r.cfg.Origin)
	if lag := wall - sampleClock; lag > r.cfg.ResyncThreshold {
		r.anchor += lag
		r.metrics.RecordResync(string(r.cfg.Selector.Role))
		r.log.Debug("sample clock re-anchored", logger.Duration("lag", lag))
	}
}

func (r *Reader) markLive() {
	r.liveOnce.Do(func() { close(r.live) })
}
