package processors

import (
	"fmt"
	"math"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fossabot/hark/internal/audiocore"
	"github.com/fossabot/hark/internal/errors"
	"github.com/fossabot/hark/internal/logger"
	"github.com/fossabot/hark/internal/observability/metrics"
)

var mono16k = audiocore.Format{SampleRate: 16000, Channels: 1}

const frameLen = 320 // 20 ms at 16 kHz

func constFrame(v float32, idx int) audiocore.AudioFrame {
	samples := make([]float32, frameLen)
	for i := range samples {
		samples[i] = v
	}
	return audiocore.NewFrameOwned(samples, mono16k, time.Duration(idx)*20*time.Millisecond)
}

func sineFrame(amp float64, idx int) audiocore.AudioFrame {
	samples := make([]float32, frameLen)
	for i := range samples {
		n := idx*frameLen + i
		samples[i] = float32(amp * math.Sin(2*math.Pi*440*float64(n)/16000))
	}
	return audiocore.NewFrameOwned(samples, mono16k, time.Duration(idx)*20*time.Millisecond)
}

// drive pushes frames through p and flushes.
func drive(t *testing.T, p *Pipeline, in []audiocore.AudioFrame) []audiocore.AudioFrame {
	t.Helper()
	var out []audiocore.AudioFrame
	for _, f := range in {
		res, err := p.Process(f)
		require.NoError(t, err)
		out = append(out, res...)
	}
	res, err := p.Flush()
	require.NoError(t, err)
	return append(out, res...)
}

func flatten(frames []audiocore.AudioFrame) []float32 {
	var out []float32
	for _, f := range frames {
		out = f.AppendTo(out)
	}
	return out
}

func TestConfigValidate(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr bool
	}{
		{"defaults", func(*Config) {}, false},
		{"strength zero", func(c *Config) { c.NoiseReduction.Strength = 0 }, false},
		{"strength one", func(c *Config) { c.NoiseReduction.Strength = 1 }, false},
		{"strength negative", func(c *Config) { c.NoiseReduction.Strength = -0.1 }, true},
		{"strength above one", func(c *Config) { c.NoiseReduction.Strength = 1.5 }, true},
		{"strength NaN", func(c *Config) { c.NoiseReduction.Strength = math.NaN() }, true},
		{"gate ratio NaN", func(c *Config) { c.NoiseReduction.GateRatio = math.NaN() }, true},
		{"target peak NaN", func(c *Config) { c.Normalization.TargetPeak = math.NaN() }, true},
		{"threshold NaN", func(c *Config) { c.SilenceTrimming.Threshold = math.NaN() }, true},
		{"target peak above one", func(c *Config) { c.Normalization.TargetPeak = 1.2 }, true},
		{"threshold one", func(c *Config) { c.SilenceTrimming.Threshold = 1 }, true},
		{"negative guard", func(c *Config) { c.SilenceTrimming.Guard = -time.Millisecond }, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			cfg := DefaultConfig()
			tt.mutate(&cfg)
			err := cfg.Validate()
			if !tt.wantErr {
				assert.NoError(t, err)
				return
			}
			require.Error(t, err)
			assert.Equal(t, errors.CategoryConfiguration, errors.CategoryOf(err))
		})
	}
}

func TestNewPipelineRejectsInvalidStrength(t *testing.T) {
	t.Parallel()

	for _, strength := range []float64{2, -1, math.NaN(), math.Inf(1)} {
		cfg := DefaultConfig()
		cfg.NoiseReduction.Strength = strength
		_, err := NewPipeline(cfg)
		require.Error(t, err, "strength %g", strength)
		assert.ErrorIs(t, err, audiocore.ErrConfiguration, "strength %g", strength)
	}
}

func TestNewPipelineStageOrder(t *testing.T) {
	t.Parallel()

	p, err := NewPipeline(DefaultConfig(), WithLogger(logger.NewDiscardLogger()))
	require.NoError(t, err)
	assert.Equal(t, []string{"noise_reduction", "normalization", "silence_trimming"}, p.Stages())

	cfg := DefaultConfig()
	cfg.Normalization.Enabled = false
	p, err = NewPipeline(cfg)
	require.NoError(t, err)
	assert.Equal(t, []string{"noise_reduction", "silence_trimming"}, p.Stages())
}

func TestDisabledPipelineIsIdentity(t *testing.T) {
	t.Parallel()

	p, err := NewPipeline(Config{})
	require.NoError(t, err)
	assert.Empty(t, p.Stages())

	in := make([]audiocore.AudioFrame, 0, 10)
	for i := range 10 {
		in = append(in, sineFrame(0.3, i))
	}
	out := drive(t, p, in)

	require.Len(t, out, len(in))
	for i := range in {
		assert.Equal(t, in[i].Timestamp(), out[i].Timestamp())
		a, b := in[i].Samples(), out[i].Samples()
		for j := range a {
			require.Equal(t, math.Float32bits(a[j]), math.Float32bits(b[j]), "frame %d sample %d", i, j)
		}
	}
	assert.Zero(t, p.Trimmed())
}

func TestPipelineFlushRunsLaterStages(t *testing.T) {
	t.Parallel()

	cfg := Config{
		Normalization:   NormalizationConfig{Enabled: true},
		SilenceTrimming: SilenceTrimmingConfig{Enabled: true, Guard: 40 * time.Millisecond},
	}
	p, err := NewPipeline(cfg)
	require.NoError(t, err)

	var in []audiocore.AudioFrame
	for i := range 10 {
		in = append(in, constFrame(0, i))
	}
	for i := 10; i < 15; i++ {
		in = append(in, sineFrame(0.2, i))
	}
	for i := 15; i < 25; i++ {
		in = append(in, constFrame(0, i))
	}

	out := drive(t, p, in)
	// Two guard frames either side of the five voiced frames.
	require.Len(t, out, 9)
	assert.InDelta(t, DefaultTargetPeak, audiocore.Peak(flatten(out)), 1e-3)
	assert.Equal(t, 16*20*time.Millisecond, p.Trimmed())
}

type failingStage struct{}

func (failingStage) Name() string { return "broken" }
func (failingStage) Process(audiocore.AudioFrame) ([]audiocore.AudioFrame, error) {
	return nil, fmt.Errorf("boom")
}
func (failingStage) Flush() ([]audiocore.AudioFrame, error) { return nil, nil }

func TestPipelineWrapsStageErrors(t *testing.T) {
	t.Parallel()

	p := NewPipelineWithStages([]Stage{failingStage{}}, WithLogger(logger.NewDiscardLogger()))
	_, err := p.Process(constFrame(0.1, 0))
	require.Error(t, err)
	assert.Equal(t, errors.CategoryProcessing, errors.CategoryOf(err))
	assert.Contains(t, err.Error(), "boom")
}

func TestPipelineUnusableAfterFlush(t *testing.T) {
	t.Parallel()

	p := NewPipelineWithStages(nil)
	_, err := p.Flush()
	require.NoError(t, err)

	_, err = p.Process(constFrame(0.1, 0))
	assert.ErrorIs(t, err, audiocore.ErrInvalidState)
	_, err = p.Flush()
	assert.ErrorIs(t, err, audiocore.ErrInvalidState)
}

func TestPipelineRecordsStageMetrics(t *testing.T) {
	t.Parallel()

	m, err := metrics.NewCaptureMetrics(prometheus.NewRegistry())
	require.NoError(t, err)

	p, err := NewPipeline(DefaultConfig(), WithMetrics(m))
	require.NoError(t, err)
	drive(t, p, []audiocore.AudioFrame{sineFrame(0.5, 0), sineFrame(0.5, 1)})

	assert.Equal(t, 3, testutil.CollectAndCount(m, "hark_pipeline_stage_duration_seconds"))
}
