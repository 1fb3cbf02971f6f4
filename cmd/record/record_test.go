package record

import (
	"bytes"
	"context"
	"math"
	"os"
	"path/filepath"
	"testing"

	"github.com/go-audio/audio"
	"github.com/go-audio/wav"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fossabot/hark/internal/audiocore"
	"github.com/fossabot/hark/internal/conf"
)

func TestKeyIntent(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name    string
		key     byte
		started bool
		want    intent
	}{
		{"space starts", ' ', false, intentStart},
		{"space stops", ' ', true, intentStop},
		{"enter before start ignored", '\r', false, intentNone},
		{"enter stops", '\r', true, intentStop},
		{"q quits before start", 'q', false, intentStop},
		{"Q stops", 'Q', true, intentStop},
		{"ctrl-c stops", keyCtrlC, true, intentStop},
		{"ctrl-d stops", keyCtrlD, false, intentStop},
		{"other key ignored", 'x', true, intentNone},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			assert.Equal(t, tt.want, keyIntent(tt.key, tt.started))
		})
	}
}

func TestMeterBar(t *testing.T) {
	t.Parallel()

	tests := []struct {
		rms   float64
		fill  int
		label string
	}{
		{0, 0, "-inf dBFS"},
		{0.001, 0, "-60 dBFS"},
		{0.1, 20, "-20 dBFS"},
		{1, 30, "0 dBFS"},
		{2, 30, "6 dBFS"},
	}

	for _, tt := range tests {
		bar := meterBar(tt.rms, meterWidth)
		assert.Equal(t, tt.fill, bytes.Count([]byte(bar), []byte("#")), "rms %g", tt.rms)
		assert.Contains(t, bar, tt.label, "rms %g", tt.rms)
	}
}

func TestInputFiles(t *testing.T) {
	t.Parallel()

	files, err := inputFiles(audiocore.SourceMicrophone, nil)
	require.NoError(t, err)
	assert.Nil(t, files)

	files, err = inputFiles(audiocore.SourceSystem, []string{"sys.wav"})
	require.NoError(t, err)
	assert.Equal(t, map[audiocore.SourceRole]string{audiocore.RoleSystem: "sys.wav"}, files)

	files, err = inputFiles(audiocore.SourceBoth, []string{"mic.wav", "sys.flac"})
	require.NoError(t, err)
	assert.Equal(t, "mic.wav", files[audiocore.RoleMicrophone])
	assert.Equal(t, "sys.flac", files[audiocore.RoleSystem])

	_, err = inputFiles(audiocore.SourceBoth, []string{"mic.wav"})
	require.ErrorIs(t, err, audiocore.ErrConfiguration)
}

func TestApplyOverrides(t *testing.T) {
	t.Parallel()

	s := loadSettings(t, t.TempDir())
	applyOverrides(s, &options{noNormalize: true, noTrimSilence: true})
	assert.True(t, s.Preprocessing.NoiseReduction.Enabled)
	assert.False(t, s.Preprocessing.Normalization.Enabled)
	assert.False(t, s.Preprocessing.SilenceTrimming.Enabled)
}

func TestRecordReplayWritesOutput(t *testing.T) {
	dir := t.TempDir()
	tempDir := filepath.Join(dir, "tmp")
	input := writeTone(t, filepath.Join(dir, "speech.wav"), 16000)
	output := filepath.Join(dir, "out.wav")

	var stderr bytes.Buffer
	err := run(testCommand(&stderr), loadSettings(t, tempDir), &options{
		inputFiles:  []string{input},
		replaySpeed: 50,
		output:      output,
	})
	require.NoError(t, err)

	f, err := os.Open(output)
	require.NoError(t, err)
	defer f.Close()
	dec := wav.NewDecoder(f)
	buf, err := dec.FullPCMBuffer()
	require.NoError(t, err)
	assert.Equal(t, uint32(16000), dec.SampleRate)
	assert.Equal(t, uint16(1), dec.NumChans)
	assert.Greater(t, len(buf.Data), 8000)

	assert.Contains(t, stderr.String(), "end_of_input")
	assert.Contains(t, stderr.String(), "Saved "+output)

	// temp file removed without --keep
	entries, err := os.ReadDir(tempDir)
	require.NoError(t, err)
	assert.Empty(t, entries)
}

func TestRecordReplayKeepsTempFile(t *testing.T) {
	dir := t.TempDir()
	tempDir := filepath.Join(dir, "tmp")
	input := writeTone(t, filepath.Join(dir, "speech.wav"), 16000)

	var stderr bytes.Buffer
	err := run(testCommand(&stderr), loadSettings(t, tempDir), &options{
		inputFiles:  []string{input},
		replaySpeed: 50,
		keep:        true,
	})
	require.NoError(t, err)

	entries, err := os.ReadDir(tempDir)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, ".wav", filepath.Ext(entries[0].Name()))
	assert.Contains(t, stderr.String(), "Kept ")
}

func TestRecordTooShort(t *testing.T) {
	dir := t.TempDir()
	input := writeTone(t, filepath.Join(dir, "blip.wav"), 3200) // 0.2s

	var stderr bytes.Buffer
	err := run(testCommand(&stderr), loadSettings(t, filepath.Join(dir, "tmp")), &options{
		inputFiles:  []string{input},
		replaySpeed: 50,
	})
	require.Error(t, err)
	assert.ErrorIs(t, err, audiocore.ErrRecordingTooShort)
}

func TestRecordRateMismatch(t *testing.T) {
	dir := t.TempDir()
	input := writeToneAt(t, filepath.Join(dir, "speech.wav"), 8000, 44100)

	err := run(testCommand(&bytes.Buffer{}), loadSettings(t, filepath.Join(dir, "tmp")), &options{
		inputFiles: []string{input},
	})
	require.Error(t, err)
	assert.ErrorIs(t, err, audiocore.ErrDeviceUnavailable)
}

func testCommand(stderr *bytes.Buffer) *cobra.Command {
	cmd := &cobra.Command{}
	cmd.SetContext(context.Background())
	cmd.SetErr(stderr)
	return cmd
}

func loadSettings(t *testing.T, tempDir string) *conf.Settings {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	body := "recording:\n  temp_dir: " + tempDir + "\n"
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
	s, err := conf.Load(viper.New(), path)
	require.NoError(t, err)
	return s
}

func writeTone(t *testing.T, path string, samples int) string {
	t.Helper()
	return writeToneAt(t, path, samples, 16000)
}

// writeToneAt writes a 16-bit mono 440 Hz tone at half scale.
func writeToneAt(t *testing.T, path string, samples, rate int) string {
	t.Helper()
	f, err := os.Create(path)
	require.NoError(t, err)
	defer f.Close()

	data := make([]int, samples)
	for i := range data {
		data[i] = int(16384 * math.Sin(2*math.Pi*440*float64(i)/float64(rate)))
	}
	enc := wav.NewEncoder(f, rate, 16, 1, 1)
	require.NoError(t, enc.Write(&audio.IntBuffer{
		Format:         &audio.Format{NumChannels: 1, SampleRate: rate},
		Data:           data,
		SourceBitDepth: 16,
	}))
	require.NoError(t, enc.Close())
	return path
}
