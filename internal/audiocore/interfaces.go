package audiocore

import (
	"context"
	"strings"

	"github.com/fossabot/hark/internal/errors"
)

// InputSource selects which devices a recording captures from.
type InputSource int

const (
	SourceMicrophone InputSource = iota + 1
	SourceSystem
	SourceBoth
)

// ParseInputSource accepts the config spellings of an input source.
func ParseInputSource(s string) (InputSource, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "mic", "microphone":
		return SourceMicrophone, nil
	case "system", "systemaudio", "system_audio", "system-audio":
		return SourceSystem, nil
	case "both":
		return SourceBoth, nil
	}
	return 0, errors.Newf("unknown input source %q, want microphone, system or both", s).
		Component(ComponentAudioCore).
		Category(errors.CategoryConfiguration).
		Context("input_source", s).
		Build()
}

func (s InputSource) String() string {
	switch s {
	case SourceMicrophone:
		return "microphone"
	case SourceSystem:
		return "system"
	case SourceBoth:
		return "both"
	default:
		return "unknown"
	}
}

// Roles lists the readers needed for the source, in output channel order.
func (s InputSource) Roles() []SourceRole {
	switch s {
	case SourceMicrophone:
		return []SourceRole{RoleMicrophone}
	case SourceSystem:
		return []SourceRole{RoleSystem}
	case SourceBoth:
		return []SourceRole{RoleMicrophone, RoleSystem}
	default:
		return nil
	}
}

// SourceRole identifies a reader. In stereo output the microphone is the
// left channel and system audio the right.
type SourceRole string

const (
	RoleMicrophone SourceRole = "microphone"
	RoleSystem     SourceRole = "system"
)

// Selector names the device to open for a role. An empty Device selects
// the host default for that role.
type Selector struct {
	Role   SourceRole
	Device string
}

// DeviceInfo describes an enumerated or opened device.
type DeviceInfo struct {
	ID        string
	Name      string
	Backend   string
	IsDefault bool
	// Loopback is set for monitor/loopback sources that capture system output.
	Loopback bool
}

// Callbacks receive device events. Data is invoked on the device thread with
// S16LE interleaved PCM that is only valid for the duration of the call and
// must not block. Stop reports the end of the stream: nil when the source is
// exhausted, non-nil when the device failed.
type Callbacks struct {
	Data func(pcm []byte)
	Stop func(err error)
}

// Device is an opened, exclusively held audio input.
type Device interface {
	Info() DeviceInfo
	// Format is the format PCM is actually delivered in.
	Format() Format
	Start(cb Callbacks) error
	Stop() error
	// Close releases the OS handle. It is safe to call more than once.
	Close() error
}

// DeviceAccess opens devices. It is injected into readers in place of any
// global device registry.
type DeviceAccess interface {
	Open(ctx context.Context, sel Selector, format Format) (Device, error)
}

// DeviceLister enumerates devices that can serve a role.
type DeviceLister interface {
	Devices(ctx context.Context, role SourceRole) ([]DeviceInfo, error)
}
