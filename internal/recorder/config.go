package recorder

import (
	"time"

	"github.com/fossabot/hark/internal/audiocore"
	"github.com/fossabot/hark/internal/audiocore/processors"
	"github.com/fossabot/hark/internal/audiocore/streamsync"
	"github.com/fossabot/hark/internal/errors"
)

// Controller defaults
const (
	DefaultMaxDuration = 600 * time.Second
	DefaultArmTimeout  = 5 * time.Second
)

// Config describes one recording.
type Config struct {
	Source audiocore.InputSource
	// Devices maps a role to a device name or ID; empty means the default device.
	Devices map[audiocore.SourceRole]string
	// Format of single-source recordings. Dual-source recordings capture
	// each side in mono and produce stereo at Format.SampleRate.
	Format        audiocore.Format
	FrameDuration time.Duration
	MaxDuration   time.Duration
	ArmTimeout    time.Duration
	QueueSize     int

	Sync          streamsync.Config
	Preprocessing processors.Config
}

func (c *Config) applyDefaults() {
	if c.Format.SampleRate == 0 {
		c.Format.SampleRate = audiocore.DefaultSampleRate
	}
	if c.Format.Channels == 0 {
		c.Format.Channels = audiocore.DefaultChannels
	}
	if c.FrameDuration <= 0 {
		c.FrameDuration = audiocore.DefaultFrameDuration
	}
	if c.MaxDuration == 0 {
		c.MaxDuration = DefaultMaxDuration
	}
	if c.ArmTimeout <= 0 {
		c.ArmTimeout = DefaultArmTimeout
	}
}

// Validate checks a defaulted config.
func (c Config) Validate() error {
	if len(c.Source.Roles()) == 0 {
		return configError("input source not set", "source", c.Source.String())
	}
	if c.MaxDuration < 0 {
		return configError("max duration must be positive", "max_duration", c.MaxDuration.String())
	}
	if c.FrameDuration >= c.MaxDuration {
		return configError("frame duration must be shorter than max duration",
			"frame_duration", c.FrameDuration.String())
	}
	if err := c.Format.Validate(); err != nil {
		return err
	}
	return c.Preprocessing.Validate()
}

// readerFormat is the per-device capture format.
func (c Config) readerFormat() audiocore.Format {
	if c.Source == audiocore.SourceBoth {
		return audiocore.Format{SampleRate: c.Format.SampleRate, Channels: 1}
	}
	return c.Format
}

func configError(msg, key string, value any) error {
	return errors.Newf("%s", msg).
		Component(componentRecorder).
		Category(errors.CategoryConfiguration).
		Context(key, value).
		Build()
}
