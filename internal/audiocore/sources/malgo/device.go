package malgo

import (
	"encoding/hex"
	"runtime"
	"strings"
	"unsafe"

	"github.com/gen2brain/malgo"

	"github.com/fossabot/hark/internal/audiocore"
	"github.com/fossabot/hark/internal/errors"
)

// candidate is one enumerated device, reduced to what selection needs.
type candidate struct {
	Index     int
	ID        string // decoded ID, e.g. ":0,0" for ALSA hardware
	Name      string
	IsDefault bool
	Loopback  bool
	Pointer   unsafe.Pointer
}

func (c candidate) info(backend string) audiocore.DeviceInfo {
	return audiocore.DeviceInfo{
		ID:        c.ID,
		Name:      c.Name,
		Backend:   backend,
		IsDefault: c.IsDefault,
		Loopback:  c.Loopback,
	}
}

// loopbackMarkers are name fragments of sources that capture system output:
// PulseAudio/PipeWire monitors, Windows "Stereo Mix" and macOS virtual drivers.
var loopbackMarkers = []string{
	"monitor of",
	".monitor",
	"loopback",
	"stereo mix",
	"what u hear",
	"blackhole",
	"soundflower",
}

// isLoopbackName reports whether a capture device name looks like a
// monitor of an output device.
func isLoopbackName(name string) bool {
	lower := strings.ToLower(name)
	for _, m := range loopbackMarkers {
		if strings.Contains(lower, m) {
			return true
		}
	}
	return false
}

// isDefaultAlias reports whether name asks for the host default.
func isDefaultAlias(name string) bool {
	switch strings.ToLower(strings.TrimSpace(name)) {
	case "", "default", "sysdefault":
		return true
	}
	return false
}

// toCandidates converts malgo device infos, skipping the null device.
// When loopback is set every device is treated as a loopback source,
// which is how WASAPI exposes playback endpoints for capture.
func toCandidates(infos []malgo.DeviceInfo, loopback bool) []candidate {
	out := make([]candidate, 0, len(infos))
	for i := range infos {
		name := infos[i].Name()
		if strings.Contains(name, "Discard all samples") {
			continue
		}
		decodedID, err := hexToASCII(infos[i].ID.String())
		if err != nil {
			decodedID = infos[i].ID.String()
		}
		out = append(out, candidate{
			Index:     i,
			ID:        strings.TrimRight(decodedID, "\x00"),
			Name:      name,
			IsDefault: infos[i].IsDefault == 1,
			Loopback:  loopback || isLoopbackName(name),
			Pointer:   infos[i].ID.Pointer(),
		})
	}
	return out
}

// filterRole keeps the devices that can serve role. Microphones are the
// non-loopback inputs; system audio needs a loopback source.
func filterRole(cands []candidate, role audiocore.SourceRole) []candidate {
	out := make([]candidate, 0, len(cands))
	for _, c := range cands {
		if c.Loopback == (role == audiocore.RoleSystem) {
			out = append(out, c)
		}
	}
	return out
}

// selectCandidate picks the device for role. An empty or default name
// selects the default device of the role, falling back to the first one.
// Otherwise the name is matched against every device, not only those of the
// role, by exact name, then decoded ID, then case-insensitive substring.
func selectCandidate(cands []candidate, role audiocore.SourceRole, name string) (candidate, error) {
	if isDefaultAlias(name) {
		pool := filterRole(cands, role)
		for _, c := range pool {
			if c.IsDefault {
				return c, nil
			}
		}
		if len(pool) > 0 {
			return pool[0], nil
		}
		msg := "no audio capture device found"
		if role == audiocore.RoleSystem {
			msg = "no monitor or loopback source found for system audio"
		}
		return candidate{}, errors.Newf("%s", msg).
			Component(componentMalgo).
			Category(errors.CategoryDeviceUnavailable).
			Context("source", string(role)).
			Context("available_devices", len(cands)).
			Build()
	}

	for _, c := range cands {
		if c.Name == name {
			return c, nil
		}
	}
	for _, c := range cands {
		if c.ID == name {
			return c, nil
		}
	}
	lower := strings.ToLower(name)
	for _, c := range cands {
		if strings.Contains(strings.ToLower(c.Name), lower) {
			return c, nil
		}
	}

	return candidate{}, errors.Newf("no audio device matches %q", name).
		Component(componentMalgo).
		Category(errors.CategoryDeviceUnavailable).
		Context("source", string(role)).
		Context("device_name", name).
		Context("available_devices", len(cands)).
		Build()
}

// platformBackends returns the backends tried in order on this OS. Linux
// prefers PulseAudio because ALSA does not expose monitor sources.
func platformBackends() []malgo.Backend {
	switch runtime.GOOS {
	case "linux":
		return []malgo.Backend{malgo.BackendPulseaudio, malgo.BackendAlsa}
	case "windows":
		return []malgo.Backend{malgo.BackendWasapi}
	case "darwin":
		return []malgo.Backend{malgo.BackendCoreaudio}
	default:
		return nil
	}
}

// usesWasapiLoopback reports whether system audio is captured through a
// loopback device of a playback endpoint instead of a monitor input.
func usesWasapiLoopback(role audiocore.SourceRole) bool {
	return role == audiocore.RoleSystem && runtime.GOOS == "windows"
}

func hexToASCII(hexStr string) (string, error) {
	bytes, err := hex.DecodeString(hexStr)
	if err != nil {
		return "", err
	}
	return string(bytes), nil
}
