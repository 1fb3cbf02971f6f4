// Package conf loads hark settings from defaults, a YAML file, HARK_
// environment variables and command line flags, in increasing precedence.
package conf

import (
	"embed"
	"io/fs"
	"os"
	"path/filepath"
	"runtime"
	"strings"

	"github.com/spf13/viper"

	"github.com/fossabot/hark/internal/errors"
)

//go:embed config.yaml
var configFiles embed.FS

const (
	componentConf = "conf"

	// EnvPrefix prefixes environment overrides, e.g. HARK_RECORDING_MAX_DURATION.
	EnvPrefix = "HARK"

	configName = "config"
	appDir     = "hark"
)

// Settings is the full hark configuration.
type Settings struct {
	Debug         bool                  `mapstructure:"debug" yaml:"debug"`
	Recording     RecordingSettings     `mapstructure:"recording" yaml:"recording"`
	Preprocessing PreprocessingSettings `mapstructure:"preprocessing" yaml:"preprocessing"`
	Sync          SyncSettings          `mapstructure:"sync" yaml:"sync"`
	Logging       LoggingSettings       `mapstructure:"logging" yaml:"logging"`
	Telemetry     TelemetrySettings     `mapstructure:"telemetry" yaml:"telemetry"`
}

// RecordingSettings control capture and the session.
type RecordingSettings struct {
	SampleRate   int     `mapstructure:"sample_rate" yaml:"sample_rate"`
	Channels     int     `mapstructure:"channels" yaml:"channels"`
	MaxDuration  float64 `mapstructure:"max_duration" yaml:"max_duration"` // seconds
	MinDuration  float64 `mapstructure:"min_duration" yaml:"min_duration"` // seconds
	InputSource  string  `mapstructure:"input_source" yaml:"input_source"` // microphone, system or both
	Device       string  `mapstructure:"device" yaml:"device"`             // microphone device name or ID, empty for default
	SystemDevice string  `mapstructure:"system_device" yaml:"system_device"`
	FrameMs      int     `mapstructure:"frame_ms" yaml:"frame_ms"`
	TempDir      string  `mapstructure:"temp_dir" yaml:"temp_dir"`
}

// PreprocessingSettings select the cleanup stages run on captured audio.
type PreprocessingSettings struct {
	NoiseReduction  NoiseReductionSettings  `mapstructure:"noise_reduction" yaml:"noise_reduction"`
	Normalization   NormalizationSettings   `mapstructure:"normalization" yaml:"normalization"`
	SilenceTrimming SilenceTrimmingSettings `mapstructure:"silence_trimming" yaml:"silence_trimming"`
}

type NoiseReductionSettings struct {
	Enabled   bool    `mapstructure:"enabled" yaml:"enabled"`
	Strength  float64 `mapstructure:"strength" yaml:"strength"`
	GateRatio float64 `mapstructure:"gate_ratio" yaml:"gate_ratio"`
}

type NormalizationSettings struct {
	Enabled    bool    `mapstructure:"enabled" yaml:"enabled"`
	TargetPeak float64 `mapstructure:"target_peak" yaml:"target_peak"`
}

type SilenceTrimmingSettings struct {
	Enabled   bool    `mapstructure:"enabled" yaml:"enabled"`
	Threshold float64 `mapstructure:"threshold" yaml:"threshold"`
	GuardMs   int     `mapstructure:"guard_ms" yaml:"guard_ms"`
}

// SyncSettings tune dual-source alignment.
type SyncSettings struct {
	SkewToleranceMs int `mapstructure:"skew_tolerance_ms" yaml:"skew_tolerance_ms"`
	MaxSkewMs       int `mapstructure:"max_skew_ms" yaml:"max_skew_ms"`
	SustainMs       int `mapstructure:"sustain_ms" yaml:"sustain_ms"`
}

type LoggingSettings struct {
	Level   string          `mapstructure:"level" yaml:"level"`
	Console bool            `mapstructure:"console" yaml:"console"`
	File    LogFileSettings `mapstructure:"file" yaml:"file"`
}

type LogFileSettings struct {
	Enabled    bool   `mapstructure:"enabled" yaml:"enabled"`
	Path       string `mapstructure:"path" yaml:"path"`
	MaxSize    int    `mapstructure:"max_size" yaml:"max_size"` // megabytes
	MaxAge     int    `mapstructure:"max_age" yaml:"max_age"`   // days
	MaxBackups int    `mapstructure:"max_backups" yaml:"max_backups"`
	Compress   bool   `mapstructure:"compress" yaml:"compress"`
}

type TelemetrySettings struct {
	Sentry  SentrySettings  `mapstructure:"sentry" yaml:"sentry"`
	Metrics MetricsSettings `mapstructure:"metrics" yaml:"metrics"`
}

// SentrySettings configure opt-in error reporting.
type SentrySettings struct {
	Enabled     bool   `mapstructure:"enabled" yaml:"enabled"`
	DSN         string `mapstructure:"dsn" yaml:"dsn"`
	Environment string `mapstructure:"environment" yaml:"environment"`
	Debug       bool   `mapstructure:"debug" yaml:"debug"`
}

// MetricsSettings configure the Prometheus endpoint.
type MetricsSettings struct {
	Enabled bool   `mapstructure:"enabled" yaml:"enabled"`
	Listen  string `mapstructure:"listen" yaml:"listen"`
}

// Load reads settings into v. An explicit configFile must exist; otherwise
// the default search paths are tried and a missing file leaves the defaults
// in place. Flags bound to v before Load take precedence over everything.
func Load(v *viper.Viper, configFile string) (*Settings, error) {
	setDefaultConfig(v)

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if configFile != "" {
		v.SetConfigFile(configFile)
	} else {
		v.SetConfigName(configName)
		v.SetConfigType("yaml")
		for _, path := range DefaultConfigPaths() {
			v.AddConfigPath(path)
		}
	}

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if configFile != "" || !errors.As(err, &notFound) {
			return nil, errors.New(err).
				Component(componentConf).
				Category(errors.CategoryConfiguration).
				Context("config_file", configFile).
				Context("operation", "read_config").
				Build()
		}
		GetLogger().Debug("no config file found, using defaults")
	}

	settings := &Settings{}
	if err := v.Unmarshal(settings); err != nil {
		return nil, errors.New(err).
			Component(componentConf).
			Category(errors.CategoryConfiguration).
			Context("operation", "unmarshal_config").
			Build()
	}

	if strings.TrimSpace(settings.Recording.TempDir) == "" {
		settings.Recording.TempDir = DefaultTempDir()
	}

	if err := ValidateSettings(settings); err != nil {
		return nil, errors.New(err).
			Component(componentConf).
			Category(errors.CategoryConfiguration).
			Context("config_file", v.ConfigFileUsed()).
			Build()
	}
	return settings, nil
}

// DefaultConfigPaths lists where config.yaml is searched, most specific first.
func DefaultConfigPaths() []string {
	paths := []string{"."}
	if xdg := os.Getenv("XDG_CONFIG_HOME"); xdg != "" {
		paths = append(paths, filepath.Join(xdg, appDir))
	}
	if runtime.GOOS == "windows" {
		if appData := os.Getenv("APPDATA"); appData != "" {
			paths = append(paths, filepath.Join(appData, appDir))
		}
	}
	if home, err := os.UserHomeDir(); err == nil {
		paths = append(paths, filepath.Join(home, ".config", appDir))
	}
	return paths
}

// DefaultConfigYAML returns the commented default configuration.
func DefaultConfigYAML() []byte {
	data, err := fs.ReadFile(configFiles, "config.yaml")
	if err != nil {
		// The file is embedded at build time.
		panic(err)
	}
	return data
}

// WriteDefaultConfig writes the default configuration to path, creating
// parent directories. An existing file is only replaced when force is set.
func WriteDefaultConfig(path string, force bool) error {
	if !force {
		if _, err := os.Stat(path); err == nil {
			return errors.Newf("config file already exists").
				Component(componentConf).
				Category(errors.CategoryConfiguration).
				Context("path", path).
				Build()
		}
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return errors.New(err).
			Component(componentConf).
			Category(errors.CategoryFileIO).
			Context("path", path).
			Context("operation", "create_config_dir").
			Build()
	}
	if err := os.WriteFile(path, DefaultConfigYAML(), 0o644); err != nil {
		return errors.New(err).
			Component(componentConf).
			Category(errors.CategoryFileIO).
			Context("path", path).
			Context("operation", "write_config").
			Build()
	}
	return nil
}
