// Package sources chooses the device backend a recording captures from.
package sources

import (
	"context"

	"github.com/fossabot/hark/internal/audiocore"
	"github.com/fossabot/hark/internal/audiocore/sources/file"
	"github.com/fossabot/hark/internal/audiocore/sources/malgo"
	"github.com/fossabot/hark/internal/logger"
)

// Access both opens and enumerates devices.
type Access interface {
	audiocore.DeviceAccess
	audiocore.DeviceLister
}

// Config selects the backend. Without input files hardware devices are used.
type Config struct {
	// InputFiles replays a WAV or FLAC file per role instead of live capture.
	InputFiles map[audiocore.SourceRole]string
	// ReplaySpeed paces file replay relative to real time. Zero means 1.
	ReplaySpeed float64
	Logger      logger.Logger
}

// NewAccess returns the device access described by cfg.
func NewAccess(cfg Config) Access {
	if len(cfg.InputFiles) > 0 {
		return file.NewAccess(cfg.InputFiles,
			file.WithLogger(cfg.Logger),
			file.WithSpeed(cfg.ReplaySpeed))
	}
	return malgo.NewAccess(malgo.WithLogger(cfg.Logger))
}

// Listing groups the devices available for one role.
type Listing struct {
	Role    audiocore.SourceRole
	Devices []audiocore.DeviceInfo
	// Err is set when the role could not be enumerated. Other roles are
	// still listed.
	Err error
}

// ListDevices enumerates every role. A failing role does not hide the others.
func ListDevices(ctx context.Context, lister audiocore.DeviceLister) []Listing {
	roles := []audiocore.SourceRole{audiocore.RoleMicrophone, audiocore.RoleSystem}
	out := make([]Listing, 0, len(roles))
	for _, role := range roles {
		devices, err := lister.Devices(ctx, role)
		out = append(out, Listing{Role: role, Devices: devices, Err: err})
	}
	return out
}

// DefaultDevice returns the device an empty selector resolves to, or false
// when none is marked default and none is listed.
func (l Listing) DefaultDevice() (audiocore.DeviceInfo, bool) {
	for _, d := range l.Devices {
		if d.IsDefault {
			return d, true
		}
	}
	if len(l.Devices) > 0 {
		return l.Devices[0], true
	}
	return audiocore.DeviceInfo{}, false
}
