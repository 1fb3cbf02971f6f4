// Package recorder owns the lifetime of a recording session: it opens the
// capture devices, wires readers, synchronizer, preprocessing and the
// session buffer together, and drives the session state machine.
package recorder

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/fossabot/hark/internal/audiocore"
	"github.com/fossabot/hark/internal/audiocore/capture"
	"github.com/fossabot/hark/internal/audiocore/processors"
	"github.com/fossabot/hark/internal/audiocore/streamsync"
	"github.com/fossabot/hark/internal/errors"
	"github.com/fossabot/hark/internal/logger"
	"github.com/fossabot/hark/internal/observability/metrics"
	"github.com/fossabot/hark/internal/session"
)

const componentRecorder = "recorder"

// Status is a snapshot of the running session.
type Status struct {
	ID          string
	Source      audiocore.InputSource
	State       State
	StartedAt   time.Time
	Elapsed     time.Duration
	MaxDuration time.Duration
}

// Option customizes a Controller.
type Option func(*Controller)

// WithLogger sets the controller logger.
func WithLogger(l logger.Logger) Option {
	return func(c *Controller) {
		if l != nil {
			c.log = l
		}
	}
}

// WithMetrics enables metrics for the controller and every component it builds.
func WithMetrics(m *metrics.CaptureMetrics) Option {
	return func(c *Controller) { c.metrics = m }
}

// WithLevelCallback receives the RMS level of every captured frame.
// It runs on the recording goroutine and must return quickly.
func WithLevelCallback(fn func(rms float64)) Option {
	return func(c *Controller) { c.onLevel = fn }
}

// WithStateCallback observes every state transition.
func WithStateCallback(fn func(from, to State)) Option {
	return func(c *Controller) { c.onState = fn }
}

// WithSkewCallback receives synchronizer skew warnings.
func WithSkewCallback(fn func(streamsync.SkewWarning)) Option {
	return func(c *Controller) { c.onSkew = fn }
}

// WithClock replaces time.Now, for tests.
func WithClock(now func() time.Time) Option {
	return func(c *Controller) {
		if now != nil {
			c.now = now
		}
	}
}

// Controller runs one recording session. Start and Stop may be called
// from any goroutine; Run blocks for the lifetime of the session and can
// be called once.
type Controller struct {
	cfg    Config
	access audiocore.DeviceAccess

	log     logger.Logger
	metrics *metrics.CaptureMetrics
	onLevel func(float64)
	onState func(from, to State)
	onSkew  func(streamsync.SkewWarning)
	now     func() time.Time

	startCh   chan struct{}
	stopCh    chan struct{}
	startOnce sync.Once
	stopOnce  sync.Once
	ran       atomic.Bool

	mu        sync.Mutex
	state     State
	id        string
	startedAt time.Time
	captured  atomic.Int64 // sample frames taken into the session
}

// New validates cfg and returns an idle controller.
func New(access audiocore.DeviceAccess, cfg Config, opts ...Option) (*Controller, error) {
	cfg.applyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if access == nil {
		return nil, configError("no device access", "access", "nil")
	}

	c := &Controller{
		cfg:     cfg,
		access:  access,
		log:     logger.Global().Module(componentRecorder),
		now:     time.Now,
		startCh: make(chan struct{}),
		stopCh:  make(chan struct{}),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c, nil
}

// Start asks an idle controller to begin recording. Extra calls are ignored.
func (c *Controller) Start() {
	c.startOnce.Do(func() { close(c.startCh) })
}

// Stop asks the controller to finish. Before Start it ends the session
// without recording. Extra calls are ignored.
func (c *Controller) Stop() {
	c.stopOnce.Do(func() { close(c.stopCh) })
}

// State returns the current state.
func (c *Controller) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Status returns a snapshot of the session.
func (c *Controller) Status() Status {
	c.mu.Lock()
	defer c.mu.Unlock()
	return Status{
		ID:          c.id,
		Source:      c.cfg.Source,
		State:       c.state,
		StartedAt:   c.startedAt,
		Elapsed:     c.elapsed(),
		MaxDuration: c.cfg.MaxDuration,
	}
}

func (c *Controller) elapsed() time.Duration {
	return c.cfg.readerFormat().DurationOf(int(c.captured.Load()))
}

// Run waits for Start, records until the session ends and returns the
// finalized audio. Stop and cancellation of ctx are normal endings. When a
// fault ends the session, the partial audio is returned with the fault.
// A failure to open the devices returns no audio.
func (c *Controller) Run(ctx context.Context) (*session.Audio, error) {
	if !c.ran.CompareAndSwap(false, true) {
		return nil, errors.Newf("controller already ran").
			Component(componentRecorder).
			Category(errors.CategoryInvalidState).
			Context("state", c.State().String()).
			Build()
	}

	select {
	case <-c.startCh:
	case <-c.stopCh:
		c.log.Debug("stopped before start")
		return nil, c.transition(StateStopped)
	case <-ctx.Done():
		c.log.Debug("cancelled before start")
		return nil, c.transition(StateStopped)
	}

	if err := c.transition(StateArmed); err != nil {
		return nil, err
	}
	c.mu.Lock()
	c.id = uuid.NewString()
	c.startedAt = c.now()
	c.mu.Unlock()

	return c.record(ctx)
}

// stopCause collects why the consumer loop is winding down.
type stopCause struct {
	reason session.StopReason
	fault  error
}

func (s *stopCause) set(reason session.StopReason, fault error) {
	if s.reason == "" {
		s.reason = reason
	}
	if s.fault == nil {
		s.fault = fault
	}
}

// fail records a fault discovered while finalizing.
func (s *stopCause) fail(err error) {
	s.reason = session.StopFault
	if s.fault == nil {
		s.fault = err
	}
}

func (c *Controller) record(ctx context.Context) (*session.Audio, error) {
	log := c.log.With(logger.String("session_id", c.id))

	readers, err := c.openReaders(ctx, log)
	if err != nil {
		c.metrics.RecordSession(string(session.StopFault), 0)
		if terr := c.transition(StateStopped); terr != nil {
			log.Warn("state transition failed", logger.Error(terr))
		}
		return nil, err
	}

	// Cancelling ctx ends the session like Stop: readers flush and the
	// synchronizer runs until its inputs close. Only a fault cancels gctx.
	runCtx, cancelRun := context.WithCancel(context.WithoutCancel(ctx))
	defer cancelRun()
	g, gctx := errgroup.WithContext(runCtx)
	readerCtx, stopReaders := context.WithCancel(gctx)
	defer stopReaders()

	inputs := make([]streamsync.Input, len(readers))
	for i, r := range readers {
		inputs[i] = streamsync.Input{Role: r.Role(), Frames: r.Frames()}
	}
	syncCfg := c.cfg.Sync
	syncCfg.SampleRate = c.cfg.Format.SampleRate
	syncCfg.Channels = c.cfg.readerFormat().Channels
	syncCfg.FrameDuration = c.cfg.FrameDuration
	syncer, err := streamsync.New(syncCfg, inputs,
		streamsync.WithLogger(log.Module("streamsync")),
		streamsync.WithMetrics(c.metrics),
		streamsync.WithInputCancel(stopReaders))
	if err != nil {
		closeReaders(readers, log)
		_ = c.transition(StateStopped)
		return nil, err
	}

	pipeline, err := processors.NewPipeline(c.cfg.Preprocessing,
		processors.WithLogger(log.Module("processors")),
		processors.WithMetrics(c.metrics))
	if err != nil {
		closeReaders(readers, log)
		_ = c.transition(StateStopped)
		return nil, err
	}

	buffer, err := session.NewBuffer(syncer.Format(),
		session.WithLogger(log.Module("session")),
		session.WithCapacity(min(c.cfg.MaxDuration, time.Minute)))
	if err != nil {
		closeReaders(readers, log)
		_ = c.transition(StateStopped)
		return nil, err
	}

	for _, r := range readers {
		g.Go(func() error { return r.Run(readerCtx) })
	}
	g.Go(func() error { return syncer.Run(gctx) })

	lives := make([]<-chan struct{}, len(readers))
	for i, r := range readers {
		lives[i] = r.Live()
	}

	var cause stopCause
	c.consume(ctx, syncer, pipeline, buffer, lives, stopReaders, &cause, log)
	stopReaders()

	if gerr := g.Wait(); gerr != nil {
		cause.set(session.StopFault, gerr)
	}
	if cause.fault != nil {
		cause.reason = session.StopFault
	}
	if cause.reason == "" && ctx.Err() != nil {
		cause.reason = session.StopCancelled
	}
	if cause.reason == "" {
		cause.reason = session.StopEndOfInput
	}

	if c.State() != StateFinalizing {
		if err := c.transition(StateFinalizing); err != nil {
			log.Warn("state transition failed", logger.Error(err))
		}
	}

	flushed, err := pipeline.Flush()
	if err != nil {
		cause.fail(err)
	}
	for _, f := range flushed {
		if err := buffer.Append(f); err != nil {
			cause.fail(err)
			break
		}
	}

	devices := make(map[audiocore.SourceRole]string, len(readers))
	for _, r := range readers {
		devices[r.Role()] = r.Device().Name
	}
	captured := c.elapsed()
	audio, err := buffer.Finalize(session.Info{
		ID:        c.id,
		Source:    c.cfg.Source,
		Devices:   devices,
		StartedAt: c.startedAt,
		Captured:  captured,
		Reason:    cause.reason,
		Fault:     cause.fault,
		Trimmed:   pipeline.Trimmed(),
		Warnings:  syncer.Stats().Warnings,
	})
	if err != nil {
		cause.fail(err)
	}

	if err := c.transition(StateStopped); err != nil {
		log.Warn("state transition failed", logger.Error(err))
	}
	c.metrics.RecordSession(string(cause.reason), captured)

	if cause.fault != nil {
		log.Error("recording ended with fault",
			logger.String("reason", string(cause.reason)),
			logger.Duration("captured", captured),
			logger.Error(cause.fault))
	} else {
		log.Info("recording finished",
			logger.String("reason", string(cause.reason)),
			logger.Duration("captured", captured))
	}
	return audio, cause.fault
}

// consume runs the pipeline over synchronized frames until the frame
// stream closes, setting cause when something asks the session to end.
func (c *Controller) consume(
	ctx context.Context,
	syncer *streamsync.Synchronizer,
	pipeline *processors.Pipeline,
	buffer *session.Buffer,
	lives []<-chan struct{},
	stopReaders context.CancelFunc,
	cause *stopCause,
	log logger.Logger,
) {
	format := syncer.Format()
	maxFrames := format.FramesFor(c.cfg.MaxDuration)

	armTimer := time.NewTimer(c.cfg.ArmTimeout)
	defer armTimer.Stop()

	var (
		frames   = syncer.Frames()
		warnings = syncer.Warnings()
		stop     = c.stopCh
		done     = ctx.Done()
		armed    = armTimer.C
		live     bool
		ending   bool
		full     bool // max duration reached or pipeline failed; discard the rest
	)

	end := func(reason session.StopReason, fault error) {
		cause.set(reason, fault)
		stopReaders()
		stop, done, armed = nil, nil, nil
		if live && !ending {
			if err := c.transition(StateFinalizing); err != nil {
				log.Warn("state transition failed", logger.Error(err))
			}
		}
		ending = true
	}

	for {
		// A pending stop or cancellation wins over queued frames.
		select {
		case <-stop:
			log.Debug("stop requested")
			end(session.StopUser, nil)
		case <-done:
			log.Debug("recording cancelled")
			end(session.StopCancelled, nil)
		default:
		}

		select {
		case <-armed:
			end(session.StopFault, errors.Newf("no audio within %s", c.cfg.ArmTimeout).
				Component(componentRecorder).
				Category(errors.CategoryDeviceUnavailable).
				Context("arm_timeout", c.cfg.ArmTimeout.String()).
				Build())

		case <-stop:
			log.Debug("stop requested")
			end(session.StopUser, nil)

		case <-done:
			log.Debug("recording cancelled")
			end(session.StopCancelled, nil)

		case w, ok := <-warnings:
			if !ok {
				warnings = nil
				continue
			}
			if c.onSkew != nil {
				c.onSkew(w)
			}

		case f, ok := <-frames:
			if !ok {
				c.drainWarnings(warnings)
				return
			}
			if !live && !ending && allClosed(lives) {
				live, armed = true, nil
				if err := c.transition(StateRecording); err != nil {
					log.Warn("state transition failed", logger.Error(err))
				}
			}
			if full {
				continue
			}

			taken := int(c.captured.Load())
			if remaining := maxFrames - taken; f.Frames() >= remaining {
				f = f.Slice(0, remaining)
				full = true
			}
			c.captured.Add(int64(f.Frames()))
			if c.onLevel != nil {
				c.onLevel(f.RMS())
			}

			out, err := pipeline.Process(f)
			if err == nil {
				for _, pf := range out {
					if err = buffer.Append(pf); err != nil {
						break
					}
				}
			}
			if err != nil {
				full = true
				end(session.StopFault, err)
				continue
			}
			if full {
				log.Info("max duration reached", logger.Duration("max_duration", c.cfg.MaxDuration))
				end(session.StopMaxDuration, nil)
			}
		}
	}
}

func (c *Controller) openReaders(ctx context.Context, log logger.Logger) ([]*capture.Reader, error) {
	origin := c.now()
	roles := c.cfg.Source.Roles()
	readers := make([]*capture.Reader, 0, len(roles))

	for _, role := range roles {
		r := capture.NewReader(c.access, capture.ReaderConfig{
			Selector:      audiocore.Selector{Role: role, Device: c.cfg.Devices[role]},
			Format:        c.cfg.readerFormat(),
			FrameDuration: c.cfg.FrameDuration,
			QueueSize:     c.cfg.QueueSize,
			Origin:        origin,
		},
			capture.WithLogger(log.Module("capture").With(logger.String("source", string(role)))),
			capture.WithMetrics(c.metrics),
			capture.WithClock(c.now))

		if err := r.Open(ctx); err != nil {
			log.Error("failed to open source",
				logger.String("source", string(role)),
				logger.Error(err))
			closeReaders(readers, log)
			return nil, err
		}
		readers = append(readers, r)
	}
	return readers, nil
}

// drainWarnings delivers warnings already queued when the stream ended.
func (c *Controller) drainWarnings(warnings <-chan streamsync.SkewWarning) {
	for warnings != nil {
		select {
		case w, ok := <-warnings:
			if !ok {
				return
			}
			if c.onSkew != nil {
				c.onSkew(w)
			}
		default:
			return
		}
	}
}

// allClosed reports whether every channel is closed, without blocking.
func allClosed(chans []<-chan struct{}) bool {
	for _, ch := range chans {
		select {
		case <-ch:
		default:
			return false
		}
	}
	return true
}

func closeReaders(readers []*capture.Reader, log logger.Logger) {
	for _, r := range readers {
		if err := r.Close(); err != nil {
			log.Warn("failed to close source",
				logger.String("source", string(r.Role())),
				logger.Error(err))
		}
	}
}

func (c *Controller) transition(to State) error {
	c.mu.Lock()
	from := c.state
	if !from.CanTransition(to) {
		c.mu.Unlock()
		return errors.Newf("illegal transition %s -> %s", from, to).
			Component(componentRecorder).
			Category(errors.CategoryInvalidState).
			Context("from", from.String()).
			Context("to", to.String()).
			Build()
	}
	c.state = to
	onState := c.onState
	c.mu.Unlock()

	c.metrics.RecordTransition(from.String(), to.String())
	c.log.Debug("state changed",
		logger.String("from", from.String()),
		logger.String("to", to.String()))
	if onState != nil {
		onState(from, to)
	}
	return nil
}
