package conf

import (
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/fossabot/hark/internal/audiocore"
	"github.com/fossabot/hark/internal/audiocore/processors"
	"github.com/fossabot/hark/internal/audiocore/streamsync"
	"github.com/fossabot/hark/internal/errors"
	"github.com/fossabot/hark/internal/logger"
	"github.com/fossabot/hark/internal/recorder"
)

func seconds(s float64) time.Duration {
	return time.Duration(s * float64(time.Second))
}

func millis(ms int) time.Duration {
	return time.Duration(ms) * time.Millisecond
}

// RecorderConfig builds the controller configuration from validated settings.
func (s *Settings) RecorderConfig() (recorder.Config, error) {
	source, err := audiocore.ParseInputSource(s.Recording.InputSource)
	if err != nil {
		return recorder.Config{}, err
	}
	frame := millis(s.Recording.FrameMs)

	devices := make(map[audiocore.SourceRole]string, 2)
	if s.Recording.Device != "" {
		devices[audiocore.RoleMicrophone] = s.Recording.Device
	}
	if s.Recording.SystemDevice != "" {
		devices[audiocore.RoleSystem] = s.Recording.SystemDevice
	}

	return recorder.Config{
		Source:  source,
		Devices: devices,
		Format: audiocore.Format{
			SampleRate: s.Recording.SampleRate,
			Channels:   s.Recording.Channels,
		},
		FrameDuration: frame,
		MaxDuration:   seconds(s.Recording.MaxDuration),
		Sync: streamsync.Config{
			SkewTolerance: millis(s.Sync.SkewToleranceMs),
			MaxSkew:       millis(s.Sync.MaxSkewMs),
			SustainWindow: millis(s.Sync.SustainMs),
		},
		Preprocessing: s.PreprocessingConfig(),
	}, nil
}

// PreprocessingConfig maps the preprocessing section onto stage configs.
// Tunables without a config key keep their stage defaults.
func (s *Settings) PreprocessingConfig() processors.Config {
	cfg := processors.DefaultConfig()
	p := s.Preprocessing

	cfg.NoiseReduction.Enabled = p.NoiseReduction.Enabled
	cfg.NoiseReduction.Strength = p.NoiseReduction.Strength
	cfg.NoiseReduction.GateRatio = p.NoiseReduction.GateRatio

	cfg.Normalization.Enabled = p.Normalization.Enabled
	cfg.Normalization.TargetPeak = p.Normalization.TargetPeak

	cfg.SilenceTrimming.Enabled = p.SilenceTrimming.Enabled
	cfg.SilenceTrimming.Threshold = p.SilenceTrimming.Threshold
	cfg.SilenceTrimming.Guard = millis(p.SilenceTrimming.GuardMs)
	return cfg
}

// MinDuration is the shortest recording handed to transcription.
func (s *Settings) MinDuration() time.Duration {
	return seconds(s.Recording.MinDuration)
}

// LoggingConfig maps the logging section onto the central logger config.
// Debug mode forces the debug level.
func (s *Settings) LoggingConfig() *logger.LoggingConfig {
	level := strings.ToLower(s.Logging.Level)
	if s.Debug {
		level = string(logger.LogLevelDebug)
	}
	cfg := &logger.LoggingConfig{
		DefaultLevel: level,
		Timezone:     "Local",
		Console: &logger.ConsoleOutput{
			Enabled: s.Logging.Console,
			Level:   level,
		},
	}
	if s.Logging.File.Enabled {
		cfg.FileOutput = &logger.FileOutput{
			Enabled:    true,
			Path:       s.Logging.File.Path,
			Level:      level,
			MaxSize:    s.Logging.File.MaxSize,
			MaxAge:     s.Logging.File.MaxAge,
			MaxBackups: s.Logging.File.MaxBackups,
			Compress:   s.Logging.File.Compress,
		}
	}
	return cfg
}

// Render returns the effective settings as YAML.
func Render(s *Settings) ([]byte, error) {
	out, err := yaml.Marshal(s)
	if err != nil {
		return nil, errors.New(err).
			Component(componentConf).
			Category(errors.CategoryConfiguration).
			Context("operation", "render_config").
			Build()
	}
	return out, nil
}
