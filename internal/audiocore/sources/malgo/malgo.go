// Package malgo captures from sound cards and loopback sources through
// miniaudio. It implements audiocore.DeviceAccess and audiocore.DeviceLister.
package malgo

import (
	"context"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gen2brain/malgo"
	"github.com/patrickmn/go-cache"

	"github.com/fossabot/hark/internal/audiocore"
	"github.com/fossabot/hark/internal/errors"
	"github.com/fossabot/hark/internal/logger"
)

const (
	componentMalgo = "sources/malgo"
	backendName    = "malgo"
)

// DefaultListTTL is how long a device enumeration is reused.
const DefaultListTTL = 30 * time.Second

// enumerateFunc lists devices of kind, already converted to candidates.
type enumerateFunc func(kind malgo.DeviceType) ([]candidate, error)

// Access opens hardware devices. Every opened device owns its own miniaudio
// context so closing one device never affects another.
type Access struct {
	log       logger.Logger
	backends  []malgo.Backend
	lists     *cache.Cache
	enumerate enumerateFunc
}

// Option configures an Access.
type Option func(*Access)

// WithLogger sets the logger. The default is the global "capture" module logger.
func WithLogger(l logger.Logger) Option {
	return func(a *Access) {
		if l != nil {
			a.log = l
		}
	}
}

// WithBackends overrides the platform backend order.
func WithBackends(backends ...malgo.Backend) Option {
	return func(a *Access) { a.backends = backends }
}

// WithListTTL sets how long device listings are cached.
func WithListTTL(ttl time.Duration) Option {
	return func(a *Access) { a.lists = cache.New(ttl, 2*ttl) }
}

// NewAccess returns an Access for the platform's audio backends.
func NewAccess(opts ...Option) *Access {
	a := &Access{
		log:      logger.Global().Module("capture").With(logger.String("backend", "malgo")),
		backends: platformBackends(),
		lists:    cache.New(DefaultListTTL, 2*DefaultListTTL),
	}
	for _, opt := range opts {
		opt(a)
	}
	a.enumerate = a.enumerateHardware
	return a
}

// Devices lists the devices that can serve role. Results are cached for
// the list TTL; Refresh drops the cache.
func (a *Access) Devices(ctx context.Context, role audiocore.SourceRole) ([]audiocore.DeviceInfo, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	kind := deviceKind(role)
	key := strconv.Itoa(int(kind))

	if cached, ok := a.lists.Get(key); ok {
		return filterInfos(cached.([]audiocore.DeviceInfo), role), nil
	}

	cands, err := a.enumerate(kind)
	if err != nil {
		return nil, err
	}
	infos := make([]audiocore.DeviceInfo, 0, len(cands))
	for _, c := range cands {
		infos = append(infos, c.info(backendName))
	}
	a.lists.Set(key, infos, cache.DefaultExpiration)
	return filterInfos(infos, role), nil
}

// Refresh forgets cached device listings.
func (a *Access) Refresh() {
	a.lists.Flush()
}

// DefaultDevice returns the device an empty selector would open for role.
func (a *Access) DefaultDevice(ctx context.Context, role audiocore.SourceRole) (audiocore.DeviceInfo, error) {
	infos, err := a.Devices(ctx, role)
	if err != nil {
		return audiocore.DeviceInfo{}, err
	}
	for _, info := range infos {
		if info.IsDefault {
			return info, nil
		}
	}
	if len(infos) > 0 {
		return infos[0], nil
	}
	return audiocore.DeviceInfo{}, errors.Newf("no %s device found", role).
		Component(componentMalgo).
		Category(errors.CategoryDeviceUnavailable).
		Context("source", string(role)).
		Build()
}

func filterInfos(infos []audiocore.DeviceInfo, role audiocore.SourceRole) []audiocore.DeviceInfo {
	out := make([]audiocore.DeviceInfo, 0, len(infos))
	for _, info := range infos {
		if info.Loopback == (role == audiocore.RoleSystem) {
			out = append(out, info)
		}
	}
	return out
}

func deviceKind(role audiocore.SourceRole) malgo.DeviceType {
	if usesWasapiLoopback(role) {
		return malgo.Playback
	}
	return malgo.Capture
}

func (a *Access) initContext() (*malgo.AllocatedContext, error) {
	mctx, err := malgo.InitContext(a.backends, malgo.ContextConfig{}, func(message string) {
		a.log.Trace("miniaudio", logger.String("message", message))
	})
	if err != nil {
		return nil, errors.New(err).
			Component(componentMalgo).
			Category(errors.CategoryDeviceUnavailable).
			Context("operation", "init_context").
			Build()
	}
	return mctx, nil
}

func (a *Access) enumerateHardware(kind malgo.DeviceType) ([]candidate, error) {
	mctx, err := a.initContext()
	if err != nil {
		return nil, err
	}
	defer func() {
		_ = mctx.Uninit()
		mctx.Free()
	}()
	return listCandidates(mctx, kind)
}

func listCandidates(mctx *malgo.AllocatedContext, kind malgo.DeviceType) ([]candidate, error) {
	infos, err := mctx.Devices(kind)
	if err != nil {
		return nil, errors.New(err).
			Component(componentMalgo).
			Category(errors.CategoryDeviceUnavailable).
			Context("operation", "enumerate_devices").
			Build()
	}
	return toCandidates(infos, kind == malgo.Playback), nil
}

// Open selects and initializes a device delivering S16LE at format.
// miniaudio converts rate, channel count and sample format as needed, so
// the device always reports the requested format.
func (a *Access) Open(ctx context.Context, sel audiocore.Selector, format audiocore.Format) (audiocore.Device, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if err := format.Validate(); err != nil {
		return nil, err
	}

	mctx, err := a.initContext()
	if err != nil {
		return nil, err
	}
	release := func() {
		_ = mctx.Uninit()
		mctx.Free()
	}

	kind := deviceKind(sel.Role)
	cands, err := listCandidates(mctx, kind)
	if err != nil {
		release()
		return nil, err
	}
	chosen, err := selectCandidate(cands, sel.Role, sel.Device)
	if err != nil {
		release()
		return nil, err
	}

	deviceType := malgo.Capture
	if kind == malgo.Playback {
		deviceType = malgo.Loopback
	}
	cfg := malgo.DefaultDeviceConfig(deviceType)
	cfg.Capture.Format = malgo.FormatS16
	cfg.Capture.Channels = uint32(format.Channels)
	cfg.Capture.DeviceID = chosen.Pointer
	cfg.SampleRate = uint32(format.SampleRate)
	cfg.Alsa.NoMMap = 1

	d := &Device{
		log:    a.log.With(logger.String("source", string(sel.Role)), logger.String("device", chosen.Name)),
		mctx:   mctx,
		config: cfg,
		format: format,
		info:   chosen.info(backendName),
	}
	if sel.Role == audiocore.RoleSystem {
		d.info.Loopback = true
	}
	return d, nil
}

// Device is an opened miniaudio capture device.
type Device struct {
	log    logger.Logger
	mctx   *malgo.AllocatedContext
	config malgo.DeviceConfig
	format audiocore.Format
	info   audiocore.DeviceInfo

	mu        sync.Mutex
	device    *malgo.Device
	stopping  atomic.Bool
	closed    bool
	closeOnce sync.Once
}

func (d *Device) Info() audiocore.DeviceInfo { return d.info }
func (d *Device) Format() audiocore.Format   { return d.format }

// Start initializes the device with cb and begins capture. A stop that
// miniaudio reports without Stop being called is delivered to cb.Stop as
// a disconnect.
func (d *Device) Start(cb audiocore.Callbacks) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.closed || d.device != nil {
		return errors.Newf("device closed or already started").
			Component(componentMalgo).
			Category(errors.CategoryInvalidState).
			Context("device_name", d.info.Name).
			Build()
	}

	callbacks := malgo.DeviceCallbacks{
		Data: func(_, input []byte, _ uint32) {
			if cb.Data != nil && len(input) > 0 {
				cb.Data(input)
			}
		},
		Stop: func() {
			if d.stopping.Load() {
				return
			}
			d.log.Warn("audio device stopped unexpectedly")
			if cb.Stop != nil {
				cb.Stop(errors.Newf("audio device stopped unexpectedly").
					Component(componentMalgo).
					Category(errors.CategoryDeviceDisconnected).
					Context("device_name", d.info.Name).
					Build())
			}
		},
	}

	device, err := malgo.InitDevice(d.mctx.Context, d.config, callbacks)
	if err != nil {
		return errors.New(err).
			Component(componentMalgo).
			Category(errors.CategoryDeviceUnavailable).
			Context("device_name", d.info.Name).
			Context("operation", "init_device").
			Build()
	}
	if err := device.Start(); err != nil {
		device.Uninit()
		return errors.New(err).
			Component(componentMalgo).
			Category(errors.CategoryDeviceUnavailable).
			Context("device_name", d.info.Name).
			Context("operation", "start_device").
			Build()
	}
	d.device = device
	d.log.Debug("audio device started", logger.String("format", d.format.String()))
	return nil
}

// Stop halts capture. miniaudio guarantees no data callback runs after it returns.
func (d *Device) Stop() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.device == nil {
		return nil
	}
	d.stopping.Store(true)
	if err := d.device.Stop(); err != nil {
		return errors.New(err).
			Component(componentMalgo).
			Category(errors.CategoryAudio).
			Context("device_name", d.info.Name).
			Context("operation", "stop_device").
			Build()
	}
	return nil
}

// Close stops and releases the device and its context.
func (d *Device) Close() error {
	d.closeOnce.Do(func() {
		_ = d.Stop()
		d.mu.Lock()
		defer d.mu.Unlock()
		if d.device != nil {
			d.device.Uninit()
			d.device = nil
		}
		_ = d.mctx.Uninit()
		d.mctx.Free()
		d.closed = true
	})
	return nil
}
