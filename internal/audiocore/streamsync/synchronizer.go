// Package streamsync merges one or two capture streams onto a single
// timeline. A single source passes through unchanged. Two sources are
// combined into stereo frames, microphone on the left and system audio on
// the right, with silence inserted on whichever side falls behind.
package streamsync

import (
	"context"
	"time"

	"golang.org/x/time/rate"

	"github.com/fossabot/hark/internal/audiocore"
	"github.com/fossabot/hark/internal/errors"
	"github.com/fossabot/hark/internal/logger"
	"github.com/fossabot/hark/internal/observability/metrics"
)

const componentSync = "streamsync"

// Synchronizer defaults
const (
	DefaultSkewTolerance = 40 * time.Millisecond
	DefaultMaxSkew       = 500 * time.Millisecond
	DefaultSustainWindow = 2 * time.Second
	DefaultQueueSize     = 50
	DefaultWarningQueue  = 16
)

// Config configures a Synchronizer.
type Config struct {
	SampleRate int
	// Channels of a single pass-through source. Dual-source output is always stereo.
	Channels      int
	FrameDuration time.Duration
	// SkewTolerance is the timestamp difference tolerated before padding,
	// and also how long a missing source is waited for in wall time.
	SkewTolerance time.Duration
	// MaxSkew held for SustainWindow of stream time is fatal.
	MaxSkew       time.Duration
	SustainWindow time.Duration
	QueueSize     int
	WarningQueue  int
}

func (c *Config) applyDefaults() {
	if c.Channels <= 0 {
		c.Channels = audiocore.DefaultChannels
	}
	if c.FrameDuration <= 0 {
		c.FrameDuration = audiocore.DefaultFrameDuration
	}
	if c.SkewTolerance <= 0 {
		c.SkewTolerance = DefaultSkewTolerance
	}
	if c.MaxSkew <= 0 {
		c.MaxSkew = DefaultMaxSkew
	}
	if c.SustainWindow <= 0 {
		c.SustainWindow = DefaultSustainWindow
	}
	if c.QueueSize <= 0 {
		c.QueueSize = DefaultQueueSize
	}
	if c.WarningQueue <= 0 {
		c.WarningQueue = DefaultWarningQueue
	}
}

// Input is one source stream.
type Input struct {
	Role   audiocore.SourceRole
	Frames <-chan audiocore.AudioFrame
}

// SkewWarning reports the start of a padding episode on one source.
type SkewWarning struct {
	Source audiocore.SourceRole
	// Skew is how far the source was behind when padding began.
	Skew time.Duration
	// At is the output timestamp of the first padded frame.
	At time.Duration
}

// Stats summarizes a finished run.
type Stats struct {
	Frames      int
	Warnings    int
	StaleFrames int
	Padded      map[audiocore.SourceRole]time.Duration
}

// Option customizes a Synchronizer.
type Option func(*Synchronizer)

// WithLogger sets the synchronizer logger.
func WithLogger(l logger.Logger) Option {
	return func(s *Synchronizer) {
		if l != nil {
			s.log = l
		}
	}
}

// WithMetrics enables synchronization metrics.
func WithMetrics(m *metrics.CaptureMetrics) Option {
	return func(s *Synchronizer) { s.metrics = m }
}

// WithInputCancel registers the function that stops the upstream readers.
// It is called before inputs are drained after a fatal error, so readers
// blocked on a full queue can finish.
func WithInputCancel(cancel func()) Option {
	return func(s *Synchronizer) { s.cancelInputs = cancel }
}

// Synchronizer aligns source streams. Create with New and call Run once.
type Synchronizer struct {
	cfg      Config
	format   audiocore.Format
	inputs   []Input
	lanes    []*lane
	frameLen int

	out      chan audiocore.AudioFrame
	warnings chan SkewWarning

	log          logger.Logger
	metrics      *metrics.CaptureMetrics
	logLimiter   *rate.Limiter
	cancelInputs func()

	realigning bool
	stats      Stats
	done       chan struct{}
}

// New validates the inputs. One input is passed through; two inputs must
// be a microphone and a system source.
func New(cfg Config, inputs []Input, opts ...Option) (*Synchronizer, error) {
	cfg.applyDefaults()

	if len(inputs) == 0 || len(inputs) > 2 {
		return nil, errors.Newf("synchronizer needs one or two inputs, got %d", len(inputs)).
			Component(componentSync).
			Category(errors.CategoryConfiguration).
			Build()
	}

	s := &Synchronizer{
		cfg:        cfg,
		inputs:     inputs,
		out:        make(chan audiocore.AudioFrame, cfg.QueueSize),
		warnings:   make(chan SkewWarning, cfg.WarningQueue),
		log:        logger.Global().Module(componentSync),
		logLimiter: rate.NewLimiter(rate.Every(time.Second), 1),
		stats:      Stats{Padded: make(map[audiocore.SourceRole]time.Duration)},
		done:       make(chan struct{}),
	}
	for _, opt := range opts {
		opt(s)
	}

	if len(inputs) == 1 {
		s.format = audiocore.Format{SampleRate: cfg.SampleRate, Channels: cfg.Channels}
	} else {
		s.format = audiocore.Format{SampleRate: cfg.SampleRate, Channels: 2}
	}
	if err := s.format.Validate(); err != nil {
		return nil, err
	}
	s.frameLen = s.format.FramesFor(cfg.FrameDuration)

	if len(inputs) == 2 {
		mic, sys := laneFor(inputs, audiocore.RoleMicrophone), laneFor(inputs, audiocore.RoleSystem)
		if mic == nil || sys == nil {
			return nil, errors.Newf("dual-source synchronization needs a microphone and a system input").
				Component(componentSync).
				Category(errors.CategoryConfiguration).
				Context("first", string(inputs[0].Role)).
				Context("second", string(inputs[1].Role)).
				Build()
		}
		mic.rate, sys.rate = cfg.SampleRate, cfg.SampleRate
		s.lanes = []*lane{mic, sys}
	}
	return s, nil
}

func laneFor(inputs []Input, role audiocore.SourceRole) *lane {
	for _, in := range inputs {
		if in.Role == role {
			return &lane{role: role, in: in.Frames, open: true}
		}
	}
	return nil
}

// Format is the format of emitted frames.
func (s *Synchronizer) Format() audiocore.Format { return s.format }

// Frames is the synchronized output. It is closed when Run returns.
func (s *Synchronizer) Frames() <-chan audiocore.AudioFrame { return s.out }

// Warnings delivers skew warnings. Warnings are dropped rather than block
// the stream when nobody reads them. Closed when Run returns.
func (s *Synchronizer) Warnings() <-chan SkewWarning { return s.warnings }

// Stats returns run statistics. Valid after Run returns.
func (s *Synchronizer) Stats() Stats {
	<-s.done
	padded := make(map[audiocore.SourceRole]time.Duration, len(s.stats.Padded))
	for k, v := range s.stats.Padded {
		padded[k] = v
	}
	st := s.stats
	st.Padded = padded
	return st
}

// Run merges until every input is closed. Cancellation of ctx is a normal
// termination and returns nil. Sustained skew returns a Synchronization
// error. In every case inputs are drained to closure before Run returns.
func (s *Synchronizer) Run(ctx context.Context) (err error) {
	defer close(s.done)
	defer s.drain()
	defer close(s.warnings)
	defer close(s.out)
	defer func() {
		if err != nil {
			s.metrics.RecordSyncError()
			if s.cancelInputs != nil {
				s.cancelInputs()
			}
		}
	}()

	if len(s.inputs) == 1 {
		return s.passThrough(ctx)
	}
	return s.merge(ctx)
}

func (s *Synchronizer) drain() {
	for _, in := range s.inputs {
		for range in.Frames {
		}
	}
}

func (s *Synchronizer) passThrough(ctx context.Context) error {
	in := s.inputs[0]
	var lastEnd time.Duration
	for {
		select {
		case <-ctx.Done():
			return nil
		case f, ok := <-in.Frames:
			if !ok {
				return nil
			}
			if f.Format() != s.format {
				return s.formatError(in.Role, f.Format())
			}
			if f.Timestamp() < lastEnd {
				f = f.WithTimestamp(lastEnd)
			}
			lastEnd = f.End()
			if !s.emit(ctx, f) {
				return nil
			}
		}
	}
}

func (s *Synchronizer) merge(ctx context.Context) error {
	fd := s.cfg.FrameDuration
	half := fd / 2
	tol := s.cfg.SkewTolerance
	n := s.frameLen
	mic, sys := s.lanes[0], s.lanes[1]

	var (
		originSet bool
		origin    time.Duration
		window    int
		over      time.Duration
	)

	for {
		for _, l := range s.lanes {
			if err := s.fill(l, n, half); err != nil {
				return err
			}
		}
		if !mic.open && !sys.open && len(mic.buf) == 0 && len(sys.buf) == 0 {
			return nil
		}

		micReady, sysReady := mic.ready(n), sys.ready(n)
		if !micReady && !sysReady {
			progressed, err := s.wait(ctx, nil, 0, half)
			if err != nil || !progressed {
				return err
			}
			continue
		}

		// One side has a full window. Give the other the tolerance in wall time.
		if l := waitingLane(mic, sys, micReady, sysReady); l != nil {
			progressed, err := s.wait(ctx, l, tol, half)
			if err != nil {
				return err
			}
			if progressed {
				continue
			}
			if ctx.Err() != nil {
				return nil
			}
			l.stalled = true
			s.log.Debug("source stalled", logger.String("source", string(l.role)))
		}

		if !originSet {
			origin = earliest(mic, sys, micReady, sysReady)
			for _, l := range s.lanes {
				l.next, l.dataEnd = origin, origin
			}
			originSet = true
		}
		at := origin + audiocore.Format{SampleRate: s.cfg.SampleRate, Channels: 1}.DurationOf(window*n)

		for _, l := range s.lanes {
			if l.dropStale(half) {
				s.stats.StaleFrames++
				s.metrics.RecordStaleFrame(string(l.role))
			}
		}
		micReady, sysReady = mic.ready(n), sys.ready(n)

		var left, right []float32
		var lag time.Duration
		switch {
		case micReady && sysReady:
			d := sys.ts - mic.ts
			if !s.realigning && abs(d) > tol {
				s.realigning = true
			}
			if s.realigning && abs(d) < half {
				s.realigning = false
			}
			if s.realigning {
				lag = abs(d)
				if d > 0 {
					left = mic.take(n, fd)
					s.pad(sys, lag, at)
				} else {
					right = sys.take(n, fd)
					s.pad(mic, lag, at)
				}
			} else {
				left, right = mic.take(n, fd), sys.take(n, fd)
			}
		case micReady:
			if sys.open {
				lag = mic.ts - sys.dataEnd
			}
			left = mic.take(n, fd)
			s.pad(sys, lag, at)
		case sysReady:
			if mic.open {
				lag = sys.ts - mic.dataEnd
			}
			right = sys.take(n, fd)
			s.pad(mic, lag, at)
		default:
			// Stale trimming emptied both sides; refill first.
			continue
		}

		if lag > s.cfg.MaxSkew {
			over += fd
			if over >= s.cfg.SustainWindow {
				s.log.Error("sources drifted apart",
					logger.Duration("skew", lag),
					logger.Duration("sustained", over))
				return errors.Newf("sources skewed by %s for %s", lag.Round(time.Millisecond), over).
					Component(componentSync).
					Category(errors.CategorySynchronization).
					Context("max_skew", s.cfg.MaxSkew.String()).
					Context("sustain_window", s.cfg.SustainWindow.String()).
					Build()
			}
		} else {
			over = 0
		}

		if !s.emit(ctx, audiocore.NewFrameOwned(interleave(left, right, n), s.format, at)) {
			return nil
		}
		window++
	}
}

// fill moves already queued frames into the lane without blocking.
func (s *Synchronizer) fill(l *lane, n int, half time.Duration) error {
	for l.open && len(l.buf) < n {
		select {
		case f, ok := <-l.in:
			if !ok {
				l.open = false
				return nil
			}
			if err := s.push(l, f, half); err != nil {
				return err
			}
		default:
			return nil
		}
	}
	return nil
}

// wait blocks until a frame arrives on only (or any open lane when only is
// nil), the timeout elapses, or ctx is done. It reports whether lane state changed.
func (s *Synchronizer) wait(ctx context.Context, only *lane, timeout, half time.Duration) (bool, error) {
	var chans [2]<-chan audiocore.AudioFrame
	for i, l := range s.lanes {
		if l.open && (only == nil || only == l) {
			chans[i] = l.in
		}
	}
	var expired <-chan time.Time
	if timeout > 0 {
		t := time.NewTimer(timeout)
		defer t.Stop()
		expired = t.C
	}

	var (
		idx int
		f   audiocore.AudioFrame
		ok  bool
	)
	select {
	case <-ctx.Done():
		return false, nil
	case <-expired:
		return false, nil
	case f, ok = <-chans[0]:
		idx = 0
	case f, ok = <-chans[1]:
		idx = 1
	}
	l := s.lanes[idx]
	if !ok {
		l.open = false
		return true, nil
	}
	return true, s.push(l, f, half)
}

func (s *Synchronizer) push(l *lane, f audiocore.AudioFrame, half time.Duration) error {
	if f.Format().SampleRate != s.cfg.SampleRate {
		return s.formatError(l.role, f.Format())
	}
	if !l.push(f, half) {
		s.stats.StaleFrames++
		s.metrics.RecordStaleFrame(string(l.role))
	}
	return nil
}

// pad gives l one window of silence and opens a warning episode if needed.
func (s *Synchronizer) pad(l *lane, lag, at time.Duration) {
	fd := s.cfg.FrameDuration
	l.pad(fd)
	s.stats.Padded[l.role] += fd

	if !l.open {
		return
	}
	s.metrics.RecordSkewWarning(string(l.role), fd)
	if l.padding {
		return
	}
	l.padding = true

	w := SkewWarning{Source: l.role, Skew: lag, At: at}
	s.stats.Warnings++
	select {
	case s.warnings <- w:
	default:
	}
	if s.logLimiter.Allow() {
		s.log.Warn("source skew, padding with silence",
			logger.String("source", string(l.role)),
			logger.Duration("skew", lag),
			logger.Duration("at", at))
	}
}

func (s *Synchronizer) emit(ctx context.Context, f audiocore.AudioFrame) bool {
	select {
	case s.out <- f:
		s.stats.Frames++
		return true
	case <-ctx.Done():
		return false
	}
}

func (s *Synchronizer) formatError(role audiocore.SourceRole, got audiocore.Format) error {
	return errors.New(audiocore.ErrInvalidAudioFormat).
		Component(componentSync).
		Category(errors.CategoryValidation).
		Context("source", string(role)).
		Context("got", got.String()).
		Context("want_rate", s.cfg.SampleRate).
		Build()
}

func waitingLane(mic, sys *lane, micReady, sysReady bool) *lane {
	switch {
	case micReady && !sysReady && sys.open && !sys.stalled:
		return sys
	case sysReady && !micReady && mic.open && !mic.stalled:
		return mic
	}
	return nil
}

func earliest(mic, sys *lane, micReady, sysReady bool) time.Duration {
	switch {
	case micReady && sysReady:
		return min(mic.ts, sys.ts)
	case micReady:
		return mic.ts
	default:
		return sys.ts
	}
}

func interleave(left, right []float32, n int) []float32 {
	out := make([]float32, 2*n)
	for i := range n {
		if left != nil {
			out[2*i] = left[i]
		}
		if right != nil {
			out[2*i+1] = right[i]
		}
	}
	return out
}

func abs(d time.Duration) time.Duration {
	if d < 0 {
		return -d
	}
	return d
}
