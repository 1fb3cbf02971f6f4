package conf

import (
	"fmt"
	"math"
	"net"
	"strings"

	"github.com/fossabot/hark/internal/audiocore"
	"github.com/fossabot/hark/internal/errors"
	"github.com/fossabot/hark/internal/logger"
)

// ValidationError represents a collection of validation errors
type ValidationError struct {
	Errors []string
}

// Error returns a string representation of the validation errors
func (ve ValidationError) Error() string {
	return fmt.Sprintf("invalid configuration: %s", strings.Join(ve.Errors, "; "))
}

// ErrorCategory places validation failures in the configuration category.
func (ve ValidationError) ErrorCategory() errors.ErrorCategory {
	return errors.CategoryConfiguration
}

// ValidateSettings validates the entire Settings struct and reports every
// problem at once.
func ValidateSettings(settings *Settings) error {
	ve := ValidationError{}
	ve.Errors = append(ve.Errors, validateRecordingSettings(&settings.Recording)...)
	ve.Errors = append(ve.Errors, validatePreprocessingSettings(&settings.Preprocessing)...)
	ve.Errors = append(ve.Errors, validateSyncSettings(&settings.Sync)...)
	ve.Errors = append(ve.Errors, validateLoggingSettings(&settings.Logging)...)
	ve.Errors = append(ve.Errors, validateTelemetrySettings(&settings.Telemetry)...)

	if len(ve.Errors) > 0 {
		return ve
	}
	return nil
}

func validateRecordingSettings(s *RecordingSettings) []string {
	var errs []string

	if s.SampleRate < audiocore.MinSampleRate || s.SampleRate > audiocore.MaxSampleRate {
		errs = append(errs, fmt.Sprintf("recording.sample_rate must be between %d and %d, got %d",
			audiocore.MinSampleRate, audiocore.MaxSampleRate, s.SampleRate))
	}
	if s.Channels < 1 || s.Channels > audiocore.MaxChannels {
		errs = append(errs, fmt.Sprintf("recording.channels must be 1 or 2, got %d", s.Channels))
	}
	if !(s.MaxDuration > 0) || math.IsInf(s.MaxDuration, 1) {
		errs = append(errs, "recording.max_duration must be a positive number of seconds")
	}
	if !(s.MinDuration >= 0) {
		errs = append(errs, "recording.min_duration must not be negative")
	} else if s.MaxDuration > 0 && s.MinDuration >= s.MaxDuration {
		errs = append(errs, "recording.min_duration must be shorter than recording.max_duration")
	}
	if _, err := audiocore.ParseInputSource(s.InputSource); err != nil {
		errs = append(errs, fmt.Sprintf("recording.input_source %q must be microphone, system or both", s.InputSource))
	}
	if s.FrameMs < 1 || s.FrameMs > 1000 {
		errs = append(errs, fmt.Sprintf("recording.frame_ms must be between 1 and 1000, got %d", s.FrameMs))
	} else if s.MaxDuration > 0 && float64(s.FrameMs) >= s.MaxDuration*1000 {
		errs = append(errs, "recording.frame_ms must be shorter than recording.max_duration")
	}
	return errs
}

func validatePreprocessingSettings(s *PreprocessingSettings) []string {
	var errs []string

	nr := s.NoiseReduction
	if !(nr.Strength >= 0 && nr.Strength <= 1) {
		errs = append(errs, fmt.Sprintf("preprocessing.noise_reduction.strength must be between 0 and 1, got %g", nr.Strength))
	}
	if !(nr.GateRatio >= 1) {
		errs = append(errs, "preprocessing.noise_reduction.gate_ratio must be at least 1")
	}
	if p := s.Normalization.TargetPeak; !(p > 0 && p <= 1) {
		errs = append(errs, "preprocessing.normalization.target_peak must be in (0, 1]")
	}
	st := s.SilenceTrimming
	if !(st.Threshold >= 0 && st.Threshold < 1) {
		errs = append(errs, "preprocessing.silence_trimming.threshold must be in [0, 1)")
	}
	if st.GuardMs < 0 {
		errs = append(errs, "preprocessing.silence_trimming.guard_ms must not be negative")
	}
	return errs
}

func validateSyncSettings(s *SyncSettings) []string {
	var errs []string
	if s.SkewToleranceMs <= 0 {
		errs = append(errs, "sync.skew_tolerance_ms must be positive")
	}
	if s.MaxSkewMs <= s.SkewToleranceMs {
		errs = append(errs, "sync.max_skew_ms must be greater than sync.skew_tolerance_ms")
	}
	if s.SustainMs <= 0 {
		errs = append(errs, "sync.sustain_ms must be positive")
	}
	return errs
}

func validateLoggingSettings(s *LoggingSettings) []string {
	var errs []string
	if !logger.ValidLevel(strings.ToLower(s.Level)) {
		errs = append(errs, fmt.Sprintf("logging.level %q must be trace, debug, info, warn or error", s.Level))
	}
	if s.File.Enabled {
		if s.File.Path == "" {
			errs = append(errs, "logging.file.path must be set when file logging is enabled")
		}
		if s.File.MaxSize <= 0 {
			errs = append(errs, "logging.file.max_size must be positive")
		}
		if s.File.MaxAge < 0 || s.File.MaxBackups < 0 {
			errs = append(errs, "logging.file.max_age and logging.file.max_backups must not be negative")
		}
	}
	return errs
}

func validateTelemetrySettings(s *TelemetrySettings) []string {
	var errs []string
	if s.Sentry.Enabled && s.Sentry.DSN == "" {
		errs = append(errs, "telemetry.sentry.dsn must be set when sentry is enabled")
	}
	if s.Metrics.Enabled {
		if _, _, err := net.SplitHostPort(s.Metrics.Listen); err != nil {
			errs = append(errs, fmt.Sprintf("telemetry.metrics.listen %q is not a host:port address", s.Metrics.Listen))
		}
	}
	return errs
}
