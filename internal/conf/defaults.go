package conf

import (
	"os"
	"path/filepath"

	"github.com/spf13/viper"

	"github.com/fossabot/hark/internal/audiocore"
	"github.com/fossabot/hark/internal/audiocore/processors"
	"github.com/fossabot/hark/internal/audiocore/streamsync"
	"github.com/fossabot/hark/internal/logger"
	"github.com/fossabot/hark/internal/recorder"
)

// DefaultTempDir is where session WAV files are written unless configured.
func DefaultTempDir() string {
	return filepath.Join(os.TempDir(), appDir)
}

// setDefaultConfig registers a default for every key. Keys without a
// default are invisible to environment overrides.
func setDefaultConfig(v *viper.Viper) {
	v.SetDefault("debug", false)

	v.SetDefault("recording.sample_rate", audiocore.DefaultSampleRate)
	v.SetDefault("recording.channels", audiocore.DefaultChannels)
	v.SetDefault("recording.max_duration", recorder.DefaultMaxDuration.Seconds())
	v.SetDefault("recording.min_duration", 0.5)
	v.SetDefault("recording.input_source", "microphone")
	v.SetDefault("recording.device", "")
	v.SetDefault("recording.system_device", "")
	v.SetDefault("recording.frame_ms", int(audiocore.DefaultFrameDuration.Milliseconds()))
	v.SetDefault("recording.temp_dir", DefaultTempDir())

	v.SetDefault("preprocessing.noise_reduction.enabled", true)
	v.SetDefault("preprocessing.noise_reduction.strength", processors.DefaultNoiseStrength)
	v.SetDefault("preprocessing.noise_reduction.gate_ratio", processors.DefaultGateRatio)
	v.SetDefault("preprocessing.normalization.enabled", true)
	v.SetDefault("preprocessing.normalization.target_peak", processors.DefaultTargetPeak)
	v.SetDefault("preprocessing.silence_trimming.enabled", true)
	v.SetDefault("preprocessing.silence_trimming.threshold", processors.DefaultTrimThreshold)
	v.SetDefault("preprocessing.silence_trimming.guard_ms", int(processors.DefaultTrimGuard.Milliseconds()))

	v.SetDefault("sync.skew_tolerance_ms", int(streamsync.DefaultSkewTolerance.Milliseconds()))
	v.SetDefault("sync.max_skew_ms", int(streamsync.DefaultMaxSkew.Milliseconds()))
	v.SetDefault("sync.sustain_ms", int(streamsync.DefaultSustainWindow.Milliseconds()))

	v.SetDefault("logging.level", logger.DefaultLogLevel)
	v.SetDefault("logging.console", logger.DefaultConsoleEnabled)
	v.SetDefault("logging.file.enabled", false)
	v.SetDefault("logging.file.path", logger.DefaultLogPath)
	v.SetDefault("logging.file.max_size", logger.DefaultMaxSize)
	v.SetDefault("logging.file.max_age", logger.DefaultMaxAge)
	v.SetDefault("logging.file.max_backups", logger.DefaultMaxBackups)
	v.SetDefault("logging.file.compress", false)

	v.SetDefault("telemetry.sentry.enabled", false)
	v.SetDefault("telemetry.sentry.dsn", "")
	v.SetDefault("telemetry.sentry.environment", "production")
	v.SetDefault("telemetry.sentry.debug", false)
	v.SetDefault("telemetry.metrics.enabled", false)
	v.SetDefault("telemetry.metrics.listen", "127.0.0.1:9464")
}
