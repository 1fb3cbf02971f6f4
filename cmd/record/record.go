// Package record implements the record command.
package record

import (
	"os"
	"os/signal"
	"sync"
	"syscall"

	"github.com/spf13/cobra"
	"golang.org/x/term"

	"github.com/fossabot/hark/internal/audiocore"
	"github.com/fossabot/hark/internal/audiocore/sources"
	"github.com/fossabot/hark/internal/conf"
	"github.com/fossabot/hark/internal/errors"
	"github.com/fossabot/hark/internal/logger"
	"github.com/fossabot/hark/internal/observability"
	"github.com/fossabot/hark/internal/recorder"
	"github.com/fossabot/hark/internal/session"
)

const componentRecord = "record"

// options holds flags that have no config key.
type options struct {
	inputFiles  []string
	replaySpeed float64
	output      string
	keep        bool

	noNoiseReduction bool
	noNormalize      bool
	noTrimSilence    bool
}

// Command creates the record command.
func Command(ctx *conf.Context) *cobra.Command {
	opts := &options{}

	cmd := &cobra.Command{
		Use:   "record",
		Short: "Record speech until stopped",
		Long: "Record from the microphone, system audio or both. In a terminal press space\n" +
			"to start, then space, enter or q to stop. Without a terminal recording starts\n" +
			"at once and ends on SIGINT or SIGTERM. Recording also stops at --max-duration.",
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return run(cmd, ctx.Settings, opts)
		},
	}

	setupFlags(cmd, ctx, opts)
	return cmd
}

// setupFlags configures flags specific to the record command.
func setupFlags(cmd *cobra.Command, ctx *conf.Context, opts *options) {
	f := cmd.Flags()
	f.StringP("input-source", "s", "microphone", "Audio to record: microphone, system or both")
	f.String("device", "", "Microphone device name or ID (default device when empty)")
	f.String("system-device", "", "Monitor or loopback source for system audio")
	f.Float64P("max-duration", "m", 600, "Stop recording after this many seconds")
	f.Int("sample-rate", audiocore.DefaultSampleRate, "Sample rate in Hz")
	f.Int("channels", audiocore.DefaultChannels, "Channels for single-source recordings")
	f.Float64("noise-strength", 0.5, "Noise reduction strength between 0 and 1")

	f.BoolVar(&opts.noNoiseReduction, "no-noise-reduction", false, "Disable noise reduction")
	f.BoolVar(&opts.noNormalize, "no-normalize", false, "Disable peak normalization")
	f.BoolVar(&opts.noTrimSilence, "no-trim-silence", false, "Keep leading and trailing silence")

	f.StringSliceVarP(&opts.inputFiles, "input-file", "i", nil,
		"Replay WAV or FLAC files instead of capturing; with both sources give the microphone file first")
	f.Float64Var(&opts.replaySpeed, "replay-speed", 1, "Replay speed relative to real time for --input-file")
	f.StringVarP(&opts.output, "output", "o", "", "Write the finished recording to this WAV file")
	f.BoolVar(&opts.keep, "keep", false, "Keep the temporary WAV file")

	bindings := map[string]string{
		"recording.input_source":                 "input-source",
		"recording.device":                       "device",
		"recording.system_device":                "system-device",
		"recording.max_duration":                 "max-duration",
		"recording.sample_rate":                  "sample-rate",
		"recording.channels":                     "channels",
		"preprocessing.noise_reduction.strength": "noise-strength",
	}
	for key, name := range bindings {
		_ = ctx.Viper.BindPFlag(key, f.Lookup(name))
	}
}

// applyOverrides folds the disabling flags into settings.
func applyOverrides(settings *conf.Settings, opts *options) {
	if opts.noNoiseReduction {
		settings.Preprocessing.NoiseReduction.Enabled = false
	}
	if opts.noNormalize {
		settings.Preprocessing.Normalization.Enabled = false
	}
	if opts.noTrimSilence {
		settings.Preprocessing.SilenceTrimming.Enabled = false
	}
}

// inputFiles assigns replay files to the roles of source, in role order.
func inputFiles(source audiocore.InputSource, files []string) (map[audiocore.SourceRole]string, error) {
	if len(files) == 0 {
		return nil, nil
	}
	roles := source.Roles()
	if len(files) != len(roles) {
		return nil, errors.Newf("--input-file needs %d file(s) for %s input, got %d", len(roles), source, len(files)).
			Component(componentRecord).
			Category(errors.CategoryConfiguration).
			Build()
	}
	out := make(map[audiocore.SourceRole]string, len(roles))
	for i, role := range roles {
		out[role] = files[i]
	}
	return out, nil
}

func run(cmd *cobra.Command, settings *conf.Settings, opts *options) error {
	log := logger.Global().Module(componentRecord)

	applyOverrides(settings, opts)
	recCfg, err := settings.RecorderConfig()
	if err != nil {
		return err
	}
	files, err := inputFiles(recCfg.Source, opts.inputFiles)
	if err != nil {
		return err
	}

	access := sources.NewAccess(sources.Config{
		InputFiles:  files,
		ReplaySpeed: opts.replaySpeed,
		Logger:      logger.Global().Module("sources"),
	})

	m, err := observability.NewMetrics()
	if err != nil {
		return err
	}

	ctx, cancel := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	var wg sync.WaitGroup
	defer wg.Wait()
	defer cancel()

	if settings.Telemetry.Metrics.Enabled {
		endpoint := observability.NewEndpoint(settings.Telemetry.Metrics.Listen, m)
		wg.Go(func() {
			if err := endpoint.Run(ctx); err != nil {
				log.Warn("metrics endpoint stopped", logger.Error(err))
			}
		})
	}

	interactive := len(files) == 0 && term.IsTerminal(int(os.Stdin.Fd()))
	ui := newConsole(cmd.ErrOrStderr(), interactive)

	ctrl, err := recorder.New(access, recCfg,
		recorder.WithLogger(logger.Global().Module("recorder")),
		recorder.WithMetrics(m.Capture),
		recorder.WithLevelCallback(ui.level),
		recorder.WithStateCallback(ui.state),
	)
	if err != nil {
		return err
	}

	if interactive {
		restore, err := watchKeys(os.Stdin, ctrl)
		if err != nil {
			return err
		}
		defer restore()
		ui.println("Press space to start recording, q to quit")
	} else {
		ctrl.Start()
	}

	audio, runErr := ctrl.Run(ctx)
	ui.finish()
	if audio == nil {
		return runErr
	}
	return deliver(ui, log, audio, runErr, settings, opts)
}

// deliver reports the session, gates it on the minimum duration and writes
// it out. A fault that ended recording early is returned after the partial
// audio has been saved.
func deliver(ui *console, log logger.Logger, audio *session.Audio, runErr error, settings *conf.Settings, opts *options) error {
	info := audio.Info()
	ui.println("Recorded %.1fs from %s (%s)", audio.Duration().Seconds(), info.Source, info.Reason)
	if info.Trimmed > 0 {
		ui.println("Trimmed %.1fs of silence", info.Trimmed.Seconds())
	}
	if info.Warnings > 0 {
		ui.println("Sources drifted apart %d time(s); gaps were filled with silence", info.Warnings)
	}
	if runErr != nil {
		ui.println("Recording ended early: %v", runErr)
	}

	if err := session.NewHandoff(nil, settings.MinDuration()).Check(audio); err != nil {
		return errors.Join(runErr, err)
	}

	path, err := audio.SaveTemp(settings.Recording.TempDir)
	if err != nil {
		return errors.Join(runErr, err)
	}
	log.Debug("session saved",
		logger.String("session_id", audio.ID()),
		logger.String("path", path))

	if opts.output != "" {
		if err := writeOutput(audio, opts.output); err != nil {
			return errors.Join(runErr, err)
		}
		ui.println("Saved %s", opts.output)
	}

	if opts.keep {
		ui.println("Kept %s", path)
	} else if err := os.Remove(path); err != nil {
		log.Warn("failed to remove temporary recording",
			logger.String("path", path),
			logger.Error(err))
	}
	return runErr
}

func writeOutput(audio *session.Audio, path string) error {
	f, err := os.Create(path)
	if err != nil {
		return errors.New(err).
			Component(componentRecord).
			Category(errors.CategoryFileIO).
			Context("operation", "create_output").
			Build()
	}
	if err := audio.WriteWAV(f); err != nil {
		_ = f.Close()
		return err
	}
	if err := f.Close(); err != nil {
		return errors.New(err).
			Component(componentRecord).
			Category(errors.CategoryFileIO).
			Context("operation", "close_output").
			Build()
	}
	return nil
}
