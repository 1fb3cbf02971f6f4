package cmd

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/fossabot/hark/cmd/config"
	"github.com/fossabot/hark/cmd/devices"
	"github.com/fossabot/hark/cmd/record"
	"github.com/fossabot/hark/internal/conf"
	"github.com/fossabot/hark/internal/logger"
	"github.com/fossabot/hark/internal/telemetry"
)

// RootCommand creates and returns the root command
func RootCommand(ctx *conf.Context) *cobra.Command {
	rootCmd := &cobra.Command{
		Use:           "hark",
		Short:         "Record speech from a microphone, system audio or both",
		Version:       ctx.Build.GetVersion(),
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	setupFlags(rootCmd, ctx)

	configCmd := config.Command(ctx)
	rootCmd.AddCommand(
		record.Command(ctx),
		devices.Command(ctx),
		configCmd,
	)

	rootCmd.PersistentPreRunE = func(cmd *cobra.Command, args []string) error {
		// config init must work while the existing file is broken
		if cmd.Name() == "init" && cmd.Parent() == configCmd {
			return nil
		}
		return initialize(ctx)
	}

	return rootCmd
}

// initialize loads settings and brings up logging and error reporting
// before any subcommand runs.
func initialize(ctx *conf.Context) error {
	if err := ctx.Load(); err != nil {
		return err
	}
	settings := ctx.Settings

	central, err := logger.NewCentralLogger(settings.LoggingConfig())
	if err != nil {
		return fmt.Errorf("failed to initialize logging: %w", err)
	}
	logger.SetGlobal(central)
	ctx.OnClose(func() {
		_ = central.Flush()
		_ = central.Close()
	})

	log := logger.Global().Module("main")
	log.Debug("configuration loaded",
		logger.String("config_file", ctx.Viper.ConfigFileUsed()),
		logger.String("version", ctx.Build.GetVersion()))

	if settings.Telemetry.Sentry.Enabled {
		flush, err := telemetry.InitSentry(telemetry.Options{
			DSN:         settings.Telemetry.Sentry.DSN,
			Environment: settings.Telemetry.Sentry.Environment,
			Release:     ctx.Build.Release(),
			Debug:       settings.Telemetry.Sentry.Debug,
		})
		if err != nil {
			// Reporting is optional; recording works without it.
			log.Warn("sentry disabled", logger.Error(err))
		} else {
			ctx.OnClose(flush)
		}
	}
	return nil
}

// setupFlags defines flags that are global to the command line interface
func setupFlags(rootCmd *cobra.Command, ctx *conf.Context) {
	flags := rootCmd.PersistentFlags()
	flags.StringVarP(&ctx.ConfigFile, "config", "c", "", "Path to config file (default: search ./config.yaml, ~/.config/hark)")
	flags.BoolP("debug", "d", false, "Enable debug output")

	// Bound flags only override the config when set on the command line.
	_ = ctx.Viper.BindPFlag("debug", flags.Lookup("debug"))
}
