package processors

import (
	"fmt"
	"time"

	"github.com/fossabot/hark/internal/errors"
)

// Stage defaults
const (
	DefaultNoiseStrength = 0.5
	DefaultGateRatio     = 2.0
	DefaultNoiseBlock    = 10 * time.Millisecond
	DefaultNoiseWindow   = 1500 * time.Millisecond

	DefaultTargetPeak   = 0.891 // about -1 dBFS
	DefaultSilenceFloor = 1e-4

	DefaultTrimThreshold = 0.01 // about -40 dBFS
	DefaultTrimGuard     = 100 * time.Millisecond
)

// NoiseReductionConfig configures the downward expander.
type NoiseReductionConfig struct {
	Enabled bool
	// Strength in [0, 1]; 0 leaves audio untouched.
	Strength float64
	// GateRatio scales the tracked noise floor into the expander threshold.
	GateRatio float64
	// Block is the analysis block length.
	Block time.Duration
	// Window is the span the minimum-statistics tracker looks back over.
	Window time.Duration
}

// NormalizationConfig configures peak normalization.
type NormalizationConfig struct {
	Enabled      bool
	TargetPeak   float64
	SilenceFloor float64
}

// SilenceTrimmingConfig configures leading and trailing silence removal.
type SilenceTrimmingConfig struct {
	Enabled   bool
	Threshold float64
	Guard     time.Duration
}

// Config selects and tunes the preprocessing stages.
type Config struct {
	NoiseReduction  NoiseReductionConfig
	Normalization   NormalizationConfig
	SilenceTrimming SilenceTrimmingConfig
}

// DefaultConfig enables every stage with default tunables.
func DefaultConfig() Config {
	return Config{
		NoiseReduction: NoiseReductionConfig{
			Enabled:   true,
			Strength:  DefaultNoiseStrength,
			GateRatio: DefaultGateRatio,
			Block:     DefaultNoiseBlock,
			Window:    DefaultNoiseWindow,
		},
		Normalization: NormalizationConfig{
			Enabled:      true,
			TargetPeak:   DefaultTargetPeak,
			SilenceFloor: DefaultSilenceFloor,
		},
		SilenceTrimming: SilenceTrimmingConfig{
			Enabled:   true,
			Threshold: DefaultTrimThreshold,
			Guard:     DefaultTrimGuard,
		},
	}
}

// applyDefaults fills zero tunables. Strength is left alone since zero is meaningful.
func (c *Config) applyDefaults() {
	if c.NoiseReduction.GateRatio == 0 {
		c.NoiseReduction.GateRatio = DefaultGateRatio
	}
	if c.NoiseReduction.Block <= 0 {
		c.NoiseReduction.Block = DefaultNoiseBlock
	}
	if c.NoiseReduction.Window <= 0 {
		c.NoiseReduction.Window = DefaultNoiseWindow
	}
	if c.Normalization.TargetPeak == 0 {
		c.Normalization.TargetPeak = DefaultTargetPeak
	}
	if c.Normalization.SilenceFloor == 0 {
		c.Normalization.SilenceFloor = DefaultSilenceFloor
	}
	if c.SilenceTrimming.Threshold == 0 {
		c.SilenceTrimming.Threshold = DefaultTrimThreshold
	}
}

// Validate reports every out-of-range tunable, NaN included. Values are never clamped.
func (c Config) Validate() error {
	var problems []string

	if s := c.NoiseReduction.Strength; !(s >= 0 && s <= 1) {
		problems = append(problems, fmt.Sprintf("noise reduction strength %g outside [0, 1]", s))
	}
	if !(c.NoiseReduction.GateRatio >= 0) {
		problems = append(problems, fmt.Sprintf("noise gate ratio %g is negative", c.NoiseReduction.GateRatio))
	}
	if p := c.Normalization.TargetPeak; !(p >= 0 && p <= 1) {
		problems = append(problems, fmt.Sprintf("normalization target peak %g outside [0, 1]", p))
	}
	if !(c.Normalization.SilenceFloor >= 0) {
		problems = append(problems, "normalization silence floor is negative")
	}
	if th := c.SilenceTrimming.Threshold; !(th >= 0 && th < 1) {
		problems = append(problems, fmt.Sprintf("silence threshold %g outside [0, 1)", th))
	}
	if c.SilenceTrimming.Guard < 0 {
		problems = append(problems, "silence guard is negative")
	}

	if len(problems) == 0 {
		return nil
	}
	return errors.Newf("invalid preprocessing config: %v", problems).
		Component(componentProcessors).
		Category(errors.CategoryConfiguration).
		Context("problems", problems).
		Build()
}
