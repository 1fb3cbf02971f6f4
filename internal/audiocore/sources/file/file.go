// Package file replays WAV and FLAC recordings as capture devices, so an
// existing recording can be run through the same session path as live audio.
package file

import (
	"context"
	"io"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/fossabot/hark/internal/audiocore"
	"github.com/fossabot/hark/internal/errors"
	"github.com/fossabot/hark/internal/logger"
)

const componentFile = "sources/file"

// DefaultBlock is the duration of each delivered block.
const DefaultBlock = 20 * time.Millisecond

// Access serves one file per source role.
type Access struct {
	log   logger.Logger
	paths map[audiocore.SourceRole]string
	speed float64
	block time.Duration
}

// Option configures an Access.
type Option func(*Access)

func WithLogger(l logger.Logger) Option {
	return func(a *Access) {
		if l != nil {
			a.log = l
		}
	}
}

// WithSpeed replays faster (>1) or slower (<1) than real time. Values
// that are not positive keep real time.
func WithSpeed(speed float64) Option {
	return func(a *Access) {
		if speed > 0 {
			a.speed = speed
		}
	}
}

// WithBlock sets the delivery block duration.
func WithBlock(d time.Duration) Option {
	return func(a *Access) {
		if d > 0 {
			a.block = d
		}
	}
}

// NewAccess returns an Access replaying paths by role.
func NewAccess(paths map[audiocore.SourceRole]string, opts ...Option) *Access {
	a := &Access{
		log:   logger.Global().Module("capture").With(logger.String("backend", "file")),
		paths: make(map[audiocore.SourceRole]string, len(paths)),
		speed: 1,
		block: DefaultBlock,
	}
	for role, p := range paths {
		a.paths[role] = p
	}
	for _, opt := range opts {
		opt(a)
	}
	return a
}

// Devices lists the file configured for role, if any.
func (a *Access) Devices(_ context.Context, role audiocore.SourceRole) ([]audiocore.DeviceInfo, error) {
	p, ok := a.paths[role]
	if !ok {
		return nil, nil
	}
	return []audiocore.DeviceInfo{a.info(role, p)}, nil
}

func (a *Access) info(role audiocore.SourceRole, path string) audiocore.DeviceInfo {
	return audiocore.DeviceInfo{
		ID:        path,
		Name:      filepath.Base(path),
		Backend:   "file",
		IsDefault: true,
		Loopback:  role == audiocore.RoleSystem,
	}
}

// Open opens and probes the file for sel.Role. The file must be recorded
// at format's sample rate; channels are remixed to format.Channels.
func (a *Access) Open(ctx context.Context, sel audiocore.Selector, format audiocore.Format) (audiocore.Device, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if err := format.Validate(); err != nil {
		return nil, err
	}
	path, ok := a.paths[sel.Role]
	if !ok || path == "" {
		return nil, errors.Newf("no input file configured for %s", sel.Role).
			Component(componentFile).
			Category(errors.CategoryDeviceUnavailable).
			Context("source", string(sel.Role)).
			Build()
	}

	f, err := os.Open(path)
	if err != nil {
		return nil, errors.New(err).
			Component(componentFile).
			Category(errors.CategoryDeviceUnavailable).
			Context("source", string(sel.Role)).
			Context("path", path).
			Context("operation", "open_file").
			Build()
	}
	s, err := openStream(f)
	if err != nil {
		_ = f.Close()
		return nil, errors.New(err).
			Component(componentFile).
			Category(errors.CategoryDeviceUnavailable).
			Context("source", string(sel.Role)).
			Context("path", path).
			Build()
	}
	if s.SampleRate() != format.SampleRate {
		_ = f.Close()
		return nil, errors.Newf("file is sampled at %d Hz, want %d Hz", s.SampleRate(), format.SampleRate).
			Component(componentFile).
			Category(errors.CategoryDeviceUnavailable).
			Context("source", string(sel.Role)).
			Context("path", path).
			Context("file_sample_rate", s.SampleRate()).
			Build()
	}

	a.log.Debug("input file opened",
		logger.String("path", path),
		logger.Int("file_channels", s.Channels()),
		logger.Float64("speed", a.speed))

	return &Device{
		file:   f,
		stream: s,
		format: format,
		info:   a.info(sel.Role, path),
		block:  a.block,
		speed:  a.speed,
		quit:   make(chan struct{}),
		done:   make(chan struct{}),
	}, nil
}

// Device delivers a file's audio at a paced rate.
type Device struct {
	file   *os.File
	stream stream
	format audiocore.Format
	info   audiocore.DeviceInfo
	block  time.Duration
	speed  float64

	mu        sync.Mutex
	started   bool
	closed    bool
	quit      chan struct{}
	done      chan struct{}
	stopOnce  sync.Once
	closeOnce sync.Once
	closeErr  error
}

func (d *Device) Info() audiocore.DeviceInfo { return d.info }
func (d *Device) Format() audiocore.Format   { return d.format }

// Start begins delivery. At end of file cb.Stop receives nil; a decode
// failure is reported as a non-nil error.
func (d *Device) Start(cb audiocore.Callbacks) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed || d.started {
		return errors.Newf("file device closed or already started").
			Component(componentFile).
			Category(errors.CategoryInvalidState).
			Context("path", d.info.ID).
			Build()
	}
	d.started = true
	go d.deliver(cb)
	return nil
}

// Stop halts delivery and waits for the delivery goroutine to exit.
func (d *Device) Stop() error {
	d.mu.Lock()
	started := d.started
	d.mu.Unlock()
	if !started {
		return nil
	}
	d.stopOnce.Do(func() { close(d.quit) })
	<-d.done
	return nil
}

// Close stops delivery and closes the file.
func (d *Device) Close() error {
	d.closeOnce.Do(func() {
		_ = d.Stop()
		d.mu.Lock()
		d.closed = true
		d.mu.Unlock()
		d.closeErr = d.file.Close()
	})
	return d.closeErr
}

func (d *Device) deliver(cb audiocore.Callbacks) {
	defer close(d.done)

	frames := max(d.format.FramesFor(d.block), 1)
	interval := time.Duration(float64(d.block) / d.speed)
	ticker := time.NewTicker(max(interval, 50*time.Microsecond))
	defer ticker.Stop()

	var (
		raw   []float32
		mixed []float32
		pcm   []byte
	)
	for {
		var err error
		raw, err = d.stream.Read(raw[:0], frames)
		if err == io.EOF {
			if cb.Stop != nil {
				cb.Stop(nil)
			}
			return
		}
		if err != nil {
			if cb.Stop != nil {
				cb.Stop(errors.New(err).
					Component(componentFile).
					Category(errors.CategoryFileIO).
					Context("path", d.info.ID).
					Context("operation", "decode").
					Build())
			}
			return
		}

		mixed = remix(mixed[:0], raw, d.stream.Channels(), d.format.Channels)
		pcm = audiocore.EncodeS16LE(pcm[:0], mixed)
		if cb.Data != nil {
			cb.Data(pcm)
		}

		select {
		case <-ticker.C:
		case <-d.quit:
			return
		}
	}
}
