package file

import (
	"context"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/go-audio/audio"
	"github.com/go-audio/wav"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/fossabot/hark/internal/audiocore"
	"github.com/fossabot/hark/internal/logger"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

var mono16k = audiocore.Format{SampleRate: 16000, Channels: 1}

// writeWAV writes frames sample frames where every channel ch holds values[ch].
func writeWAV(t *testing.T, name string, rate, bitDepth int, values []int, frames int) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	f, err := os.Create(path)
	require.NoError(t, err)

	channels := len(values)
	data := make([]int, 0, frames*channels)
	for range frames {
		data = append(data, values...)
	}
	enc := wav.NewEncoder(f, rate, bitDepth, channels, 1)
	require.NoError(t, enc.Write(&audio.IntBuffer{
		Data:           data,
		Format:         &audio.Format{SampleRate: rate, NumChannels: channels},
		SourceBitDepth: bitDepth,
	}))
	require.NoError(t, enc.Close())
	require.NoError(t, f.Close())
	return path
}

type capture struct {
	mu      sync.Mutex
	samples []float32
	stopErr error
	stopped chan struct{}
}

func newCapture() *capture {
	return &capture{stopped: make(chan struct{})}
}

func (c *capture) callbacks() audiocore.Callbacks {
	return audiocore.Callbacks{
		Data: func(pcm []byte) {
			c.mu.Lock()
			defer c.mu.Unlock()
			c.samples = audiocore.DecodeS16LE(c.samples, pcm)
		},
		Stop: func(err error) {
			c.stopErr = err
			close(c.stopped)
		},
	}
}

func (c *capture) wait(t *testing.T) {
	t.Helper()
	select {
	case <-c.stopped:
	case <-time.After(5 * time.Second):
		t.Fatal("file device never reported end of stream")
	}
}

func openDevice(t *testing.T, path string, role audiocore.SourceRole, format audiocore.Format) audiocore.Device {
	t.Helper()
	a := NewAccess(map[audiocore.SourceRole]string{role: path},
		WithLogger(logger.NewDiscardLogger()), WithSpeed(50))
	dev, err := a.Open(context.Background(), audiocore.Selector{Role: role}, format)
	require.NoError(t, err)
	t.Cleanup(func() { _ = dev.Close() })
	return dev
}

func TestReplayWAVToEnd(t *testing.T) {
	t.Parallel()

	path := writeWAV(t, "tone.wav", 16000, 16, []int{8192}, 16000/4)
	dev := openDevice(t, path, audiocore.RoleMicrophone, mono16k)

	assert.Equal(t, "tone.wav", dev.Info().Name)
	assert.Equal(t, mono16k, dev.Format())
	assert.False(t, dev.Info().Loopback)

	c := newCapture()
	require.NoError(t, dev.Start(c.callbacks()))
	c.wait(t)
	require.NoError(t, dev.Stop())

	assert.NoError(t, c.stopErr)
	require.Len(t, c.samples, 4000)
	for _, s := range c.samples {
		assert.InDelta(t, 0.25, s, 1e-4)
	}
}

func TestReplayRemixesChannels(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name     string
		values   []int
		channels int
		want     []float32
	}{
		{"stereo to mono averages", []int{16384, -8192}, 1, []float32{0.125}},
		{"mono to stereo duplicates", []int{8192}, 2, []float32{0.25, 0.25}},
		{"stereo kept", []int{8192, -8192}, 2, []float32{0.25, -0.25}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			path := writeWAV(t, "in.wav", 16000, 16, tt.values, 800)
			format := audiocore.Format{SampleRate: 16000, Channels: tt.channels}
			dev := openDevice(t, path, audiocore.RoleSystem, format)
			assert.True(t, dev.Info().Loopback)

			c := newCapture()
			require.NoError(t, dev.Start(c.callbacks()))
			c.wait(t)

			require.Len(t, c.samples, 800*tt.channels)
			for i, s := range c.samples {
				assert.InDelta(t, tt.want[i%tt.channels], s, 1e-4)
			}
		})
	}
}

func TestReplay24BitWAV(t *testing.T) {
	t.Parallel()

	path := writeWAV(t, "deep.wav", 16000, 24, []int{-4194304}, 320)
	dev := openDevice(t, path, audiocore.RoleMicrophone, mono16k)

	c := newCapture()
	require.NoError(t, dev.Start(c.callbacks()))
	c.wait(t)
	require.Len(t, c.samples, 320)
	assert.InDelta(t, -0.5, c.samples[0], 1e-4)
}

func TestOpenRejectsSampleRateMismatch(t *testing.T) {
	t.Parallel()

	path := writeWAV(t, "hifi.wav", 48000, 16, []int{0}, 480)
	a := NewAccess(map[audiocore.SourceRole]string{audiocore.RoleMicrophone: path},
		WithLogger(logger.NewDiscardLogger()))

	_, err := a.Open(context.Background(), audiocore.Selector{Role: audiocore.RoleMicrophone}, mono16k)
	require.Error(t, err)
	assert.ErrorIs(t, err, audiocore.ErrDeviceUnavailable)
	assert.Contains(t, err.Error(), "48000")
}

func TestOpenFailures(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	junk := filepath.Join(dir, "notes.txt")
	require.NoError(t, os.WriteFile(junk, []byte("definitely not audio"), 0o600))
	badWAV := filepath.Join(dir, "broken.wav")
	require.NoError(t, os.WriteFile(badWAV, []byte("RIFFxxxxWAVEjunk"), 0o600))

	tests := []struct {
		name  string
		paths map[audiocore.SourceRole]string
		role  audiocore.SourceRole
	}{
		{"role without file", map[audiocore.SourceRole]string{audiocore.RoleMicrophone: junk}, audiocore.RoleSystem},
		{"missing file", map[audiocore.SourceRole]string{audiocore.RoleMicrophone: filepath.Join(dir, "gone.wav")}, audiocore.RoleMicrophone},
		{"unknown container", map[audiocore.SourceRole]string{audiocore.RoleMicrophone: junk}, audiocore.RoleMicrophone},
		{"invalid wav header", map[audiocore.SourceRole]string{audiocore.RoleMicrophone: badWAV}, audiocore.RoleMicrophone},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			a := NewAccess(tt.paths, WithLogger(logger.NewDiscardLogger()))
			_, err := a.Open(context.Background(), audiocore.Selector{Role: tt.role}, mono16k)
			require.Error(t, err)
			assert.ErrorIs(t, err, audiocore.ErrDeviceUnavailable)
		})
	}
}

func TestStopBeforeEndOfFile(t *testing.T) {
	t.Parallel()

	path := writeWAV(t, "long.wav", 16000, 16, []int{100}, 16000*10)
	a := NewAccess(map[audiocore.SourceRole]string{audiocore.RoleMicrophone: path},
		WithLogger(logger.NewDiscardLogger()))
	dev, err := a.Open(context.Background(), audiocore.Selector{Role: audiocore.RoleMicrophone}, mono16k)
	require.NoError(t, err)

	c := newCapture()
	require.NoError(t, dev.Start(c.callbacks()))
	time.Sleep(50 * time.Millisecond)
	require.NoError(t, dev.Close())
	require.NoError(t, dev.Close())

	select {
	case <-c.stopped:
		t.Fatal("stopping the device must not report end of stream")
	default:
	}
	assert.Error(t, dev.Start(c.callbacks()), "closed device cannot restart")
}

func TestDevicesListsConfiguredFile(t *testing.T) {
	t.Parallel()

	a := NewAccess(map[audiocore.SourceRole]string{audiocore.RoleMicrophone: "/data/interview.flac"})
	infos, err := a.Devices(context.Background(), audiocore.RoleMicrophone)
	require.NoError(t, err)
	require.Len(t, infos, 1)
	assert.Equal(t, "interview.flac", infos[0].Name)
	assert.Equal(t, "file", infos[0].Backend)

	infos, err = a.Devices(context.Background(), audiocore.RoleSystem)
	require.NoError(t, err)
	assert.Empty(t, infos)
}

func TestFLACBlockDecoding(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name  string
		width int
		bits  int
		block []byte
		want  []float32
	}{
		{"16 bit", 2, 16, []byte{0x00, 0x40, 0x00, 0xc0}, []float32{0.5, -0.5}},
		{"24 bit sign extended", 3, 24, []byte{0x00, 0x00, 0xc0, 0x00, 0x00, 0x20}, []float32{-0.5, 0.25}},
		{"32 bit", 4, 32, []byte{0x00, 0x00, 0x00, 0x40}, []float32{0.5}},
		{"partial sample ignored", 2, 16, []byte{0x00, 0x40, 0x01}, []float32{0.5}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			div, ok := divisorFor(tt.bits)
			require.True(t, ok)
			s := &flacStream{width: tt.width, divisor: div, channels: 1}
			got := s.decodeBlock(nil, tt.block)
			require.Len(t, got, len(tt.want))
			for i := range got {
				assert.InDelta(t, tt.want[i], got[i], 1e-6)
			}
		})
	}
}

func TestRemix(t *testing.T) {
	t.Parallel()

	assert.Equal(t, []float32{0.5, 0}, remix(nil, []float32{1, 0, 0, 0}, 2, 1))
	assert.Equal(t, []float32{0.1, 0.1, 0.2, 0.2}, remix(nil, []float32{0.1, 0.2}, 1, 2))
	assert.Equal(t, []float32{1, 2, 4, 5}, remix(nil, []float32{1, 2, 3, 4, 5, 6}, 3, 2))
}
