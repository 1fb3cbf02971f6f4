// Package synthetic provides generated audio devices. They implement the
// same device contract as hardware sources and are used to exercise the
// capture core deterministically.
package synthetic

import (
	"context"
	"math"
	"sync"
	"sync/atomic"
	"time"

	"github.com/fossabot/hark/internal/audiocore"
	"github.com/fossabot/hark/internal/errors"
)

const componentSynthetic = "sources/synthetic"

// DefaultBlock is the delivery block size when Spec.Block is zero.
const DefaultBlock = 10 * time.Millisecond

// Signal returns the sample value at sample frame n. Every channel gets the same value.
type Signal func(n int64) float32

// Sine returns a sine signal.
func Sine(freq float64, amplitude float32, sampleRate int) Signal {
	return func(n int64) float32 {
		return amplitude * float32(math.Sin(2*math.Pi*freq*float64(n)/float64(sampleRate)))
	}
}

// Constant returns a DC signal, handy for telling sources apart.
func Constant(v float32) Signal {
	return func(int64) float32 { return v }
}

// Spec describes what a synthetic device delivers.
type Spec struct {
	// Signal generates audio indefinitely. Nil means silence.
	Signal Signal
	// Samples, when set, are delivered (interleaved) instead of Signal and
	// the device then reports end of stream.
	Samples []float32
	// Block is the duration of each delivered block.
	Block time.Duration
	// Speed multiplies the delivery rate relative to wall clock. Zero means 1.
	Speed float64
	// Mute keeps the device open and started but never delivers audio.
	Mute bool
	// FailAfter makes the device fail with ErrUnplugged after delivering
	// this much audio. Zero disables.
	FailAfter time.Duration
	// StartDelay postpones the first block by this much wall time.
	StartDelay time.Duration
	// Name overrides the reported device name.
	Name string
}

// ErrUnplugged is reported through the Stop callback when FailAfter elapses.
var ErrUnplugged = errors.NewStd("synthetic device unplugged")

// Access is a DeviceAccess serving synthetic devices by role.
type Access struct {
	mu       sync.Mutex
	specs    map[audiocore.SourceRole]Spec
	openErrs map[audiocore.SourceRole]error
	devices  []*Device
}

// NewAccess returns an empty Access. Roles without a spec fail to open.
func NewAccess() *Access {
	return &Access{
		specs:    make(map[audiocore.SourceRole]Spec),
		openErrs: make(map[audiocore.SourceRole]error),
	}
}

// Set registers the spec served for role.
func (a *Access) Set(role audiocore.SourceRole, spec Spec) *Access {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.specs[role] = spec
	return a
}

// FailOpen makes opening role fail with err.
func (a *Access) FailOpen(role audiocore.SourceRole, err error) *Access {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.openErrs[role] = err
	return a
}

// Open implements audiocore.DeviceAccess.
func (a *Access) Open(ctx context.Context, sel audiocore.Selector, format audiocore.Format) (audiocore.Device, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	a.mu.Lock()
	defer a.mu.Unlock()

	if err := a.openErrs[sel.Role]; err != nil {
		return nil, err
	}
	spec, ok := a.specs[sel.Role]
	if !ok {
		return nil, errors.Newf("no synthetic %s source configured", sel.Role).
			Component(componentSynthetic).
			Category(errors.CategoryDeviceUnavailable).
			Context("source", string(sel.Role)).
			Build()
	}
	if spec.Block <= 0 {
		spec.Block = DefaultBlock
	}
	if spec.Speed <= 0 {
		spec.Speed = 1
	}
	name := spec.Name
	if name == "" {
		name = "synthetic " + string(sel.Role)
	}

	d := &Device{
		spec:   spec,
		format: format,
		info: audiocore.DeviceInfo{
			ID:       "synthetic:" + string(sel.Role),
			Name:     name,
			Backend:  "synthetic",
			Loopback: sel.Role == audiocore.RoleSystem,
		},
		quit: make(chan struct{}),
		done: make(chan struct{}),
	}
	a.devices = append(a.devices, d)
	return d, nil
}

// Devices returns every device opened so far.
func (a *Access) Devices() []*Device {
	a.mu.Lock()
	defer a.mu.Unlock()
	out := make([]*Device, len(a.devices))
	copy(out, a.devices)
	return out
}

// AllClosed reports whether every opened device has been closed.
func (a *Access) AllClosed() bool {
	for _, d := range a.Devices() {
		if !d.Closed() {
			return false
		}
	}
	return true
}

// Device is a running synthetic device.
type Device struct {
	spec   Spec
	format audiocore.Format
	info   audiocore.DeviceInfo

	mu      sync.Mutex
	started bool
	closed  bool
	quit    chan struct{}
	done    chan struct{}
	stopOne sync.Once

	delivered atomic.Int64
}

func (d *Device) Info() audiocore.DeviceInfo { return d.info }
func (d *Device) Format() audiocore.Format   { return d.format }

// Start begins delivery on a separate goroutine.
func (d *Device) Start(cb audiocore.Callbacks) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed || d.started {
		return errors.Newf("synthetic device closed or already started").
			Component(componentSynthetic).
			Category(errors.CategoryInvalidState).
			Build()
	}
	d.started = true
	go d.deliver(cb)
	return nil
}

// Stop halts delivery and waits until no further callbacks can run.
func (d *Device) Stop() error {
	d.mu.Lock()
	started := d.started
	d.mu.Unlock()
	if !started {
		return nil
	}
	d.stopOne.Do(func() { close(d.quit) })
	<-d.done
	return nil
}

// Close stops the device and marks it released.
func (d *Device) Close() error {
	_ = d.Stop()
	d.mu.Lock()
	defer d.mu.Unlock()
	d.closed = true
	return nil
}

// Delivered returns the sample frames handed to the data callback so far.
func (d *Device) Delivered() int64 { return d.delivered.Load() }

// Closed reports whether Close has been called.
func (d *Device) Closed() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.closed
}

func (d *Device) deliver(cb audiocore.Callbacks) {
	defer close(d.done)

	if d.spec.StartDelay > 0 {
		select {
		case <-time.After(d.spec.StartDelay):
		case <-d.quit:
			return
		}
	}

	blockFrames := max(d.format.FramesFor(d.spec.Block), 1)
	interval := time.Duration(float64(d.spec.Block) / d.spec.Speed)
	ticker := time.NewTicker(max(interval, 50*time.Microsecond))
	defer ticker.Stop()

	failAt := int64(-1)
	if d.spec.FailAfter > 0 {
		failAt = int64(d.format.FramesFor(d.spec.FailAfter))
	}

	var (
		n   int64
		pcm []byte
		buf []float32
	)
	for {
		if d.spec.Samples != nil && n*int64(d.format.Channels) >= int64(len(d.spec.Samples)) {
			stop(cb, nil)
			return
		}
		if failAt >= 0 && n >= failAt {
			stop(cb, ErrUnplugged)
			return
		}

		if !d.spec.Mute {
			buf = d.block(buf[:0], n, blockFrames)
			pcm = audiocore.EncodeS16LE(pcm[:0], buf)
			if cb.Data != nil {
				cb.Data(pcm)
			}
			n += int64(len(buf) / d.format.Channels)
			d.delivered.Store(n)
		}

		select {
		case <-ticker.C:
		case <-d.quit:
			return
		}
	}
}

// block renders up to count sample frames starting at frame n.
func (d *Device) block(dst []float32, n int64, count int) []float32 {
	ch := d.format.Channels
	if d.spec.Samples != nil {
		start := int(n) * ch
		end := min(start+count*ch, len(d.spec.Samples))
		return append(dst, d.spec.Samples[start:end]...)
	}
	for i := range int64(count) {
		var v float32
		if d.spec.Signal != nil {
			v = d.spec.Signal(n + i)
		}
		for range ch {
			dst = append(dst, v)
		}
	}
	return dst
}

func stop(cb audiocore.Callbacks, err error) {
	if cb.Stop != nil {
		cb.Stop(err)
	}
}
