package session

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	"github.com/go-audio/audio"
	"github.com/go-audio/wav"
	"github.com/shirou/gopsutil/v3/disk"

	"github.com/fossabot/hark/internal/audiocore"
	"github.com/fossabot/hark/internal/errors"
)

const (
	wavBitDepth   = 16
	wavHeaderSize = 44
	// diskHeadroom is kept free beyond the file itself.
	diskHeadroom = 10 << 20
)

// freeSpace is replaced in tests.
var freeSpace = func(path string) (uint64, error) {
	usage, err := disk.Usage(path)
	if err != nil {
		return 0, err
	}
	return usage.Free, nil
}

// Audio is a finalized recording. It is immutable; accessors return copies.
type Audio struct {
	info    Info
	format  audiocore.Format
	samples []float32
}

func (a *Audio) ID() string { return a.info.ID }
func (a *Audio) SampleRate() int { return a.format.SampleRate }
func (a *Audio) Channels() int { return a.format.Channels }
func (a *Audio) Format() audiocore.Format { return a.format }
func (a *Audio) Frames() int { return len(a.samples) / a.format.Channels }
func (a *Audio) Duration() time.Duration { return a.format.DurationOf(a.Frames()) }

// Info returns the session metadata.
func (a *Audio) Info() Info {
	info := a.info
	if a.info.Devices != nil {
		info.Devices = make(map[audiocore.SourceRole]string, len(a.info.Devices))
		for k, v := range a.info.Devices {
			info.Devices[k] = v
		}
	}
	return info
}

// Samples returns a copy of the interleaved samples.
func (a *Audio) Samples() []float32 {
	out := make([]float32, len(a.samples))
	copy(out, a.samples)
	return out
}

// Channel returns a copy of one channel.
func (a *Audio) Channel(ch int) []float32 {
	if ch < 0 || ch >= a.format.Channels {
		return nil
	}
	n := a.Frames()
	out := make([]float32, n)
	for i := range n {
		out[i] = a.samples[i*a.format.Channels+ch]
	}
	return out
}

// WAVSize is the byte size WriteWAV produces.
func (a *Audio) WAVSize() uint64 {
	return uint64(len(a.samples))*wavBitDepth/8 + wavHeaderSize
}

// WriteWAV encodes the audio as 16-bit PCM WAV.
func (a *Audio) WriteWAV(w io.WriteSeeker) error {
	data := make([]int, len(a.samples))
	for i, s := range a.samples {
		data[i] = int(audiocore.FloatToInt16(s))
	}

	enc := wav.NewEncoder(w, a.format.SampleRate, wavBitDepth, a.format.Channels, 1)
	buf := &audio.IntBuffer{
		Data:           data,
		Format:         &audio.Format{SampleRate: a.format.SampleRate, NumChannels: a.format.Channels},
		SourceBitDepth: wavBitDepth,
	}
	if err := enc.Write(buf); err != nil {
		return errors.New(err).
			Component(componentSession).
			Category(errors.CategoryFileIO).
			Context("operation", "encode_wav").
			Build()
	}
	if err := enc.Close(); err != nil {
		return errors.New(err).
			Component(componentSession).
			Category(errors.CategoryFileIO).
			Context("operation", "finalize_wav").
			Build()
	}
	return nil
}

// SaveTemp writes the audio to a new WAV file in dir and returns its path.
// Free space is checked first; a shortfall is an InsufficientDiskSpace error.
func (a *Audio) SaveTemp(dir string) (string, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", errors.New(err).
			Component(componentSession).
			Category(errors.CategoryFileIO).
			Context("operation", "create_temp_dir").
			Context("dir", dir).
			Build()
	}

	required := a.WAVSize() + diskHeadroom
	free, err := freeSpace(dir)
	if err != nil {
		return "", errors.New(err).
			Component(componentSession).
			Category(errors.CategorySystem).
			Context("operation", "check_disk_space").
			Context("dir", dir).
			Build()
	}
	if free < required {
		return "", errors.Newf("insufficient disk space: need %dMB, have %dMB", required>>20, free>>20).
			Component(componentSession).
			Category(errors.CategoryDiskSpace).
			Context("required_mb", required>>20).
			Context("available_mb", free>>20).
			Context("dir", dir).
			Build()
	}

	f, err := os.CreateTemp(dir, fmt.Sprintf("hark-%s-*.wav", shortID(a.info.ID)))
	if err != nil {
		return "", errors.New(err).
			Component(componentSession).
			Category(errors.CategoryFileIO).
			Context("operation", "create_temp_file").
			Build()
	}
	path := f.Name()

	if err := a.WriteWAV(f); err != nil {
		_ = f.Close()
		_ = os.Remove(path)
		return "", err
	}
	if err := f.Close(); err != nil {
		_ = os.Remove(path)
		return "", errors.New(err).
			Component(componentSession).
			Category(errors.CategoryFileIO).
			Context("operation", "close_temp_file").
			Build()
	}
	return filepath.Clean(path), nil
}

func shortID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	if id == "" {
		return "session"
	}
	return id
}
