// Package config implements the config command.
package config

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/fossabot/hark/internal/conf"
)

// Command creates the config command with its init and show subcommands.
func Command(ctx *conf.Context) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "config",
		Short: "Create or inspect the configuration file",
	}
	cmd.AddCommand(initCommand(), showCommand(ctx))
	return cmd
}

func initCommand() *cobra.Command {
	var force bool

	cmd := &cobra.Command{
		Use:   "init [path]",
		Short: "Write the default configuration file",
		Long: "Write a commented default configuration. Without a path it goes to\n" +
			"~/.config/hark/config.yaml. An existing file is kept unless --force is given.",
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			path, err := initPath(args)
			if err != nil {
				return err
			}
			if err := conf.WriteDefaultConfig(path, force); err != nil {
				return err
			}
			_, err = fmt.Fprintf(cmd.OutOrStdout(), "Wrote %s\n", path)
			return err
		},
	}
	cmd.Flags().BoolVarP(&force, "force", "f", false, "Overwrite an existing file")
	return cmd
}

func initPath(args []string) (string, error) {
	if len(args) == 1 {
		return args[0], nil
	}
	dir, err := os.UserConfigDir()
	if err != nil {
		return "", fmt.Errorf("cannot determine config directory, pass a path: %w", err)
	}
	return filepath.Join(dir, "hark", "config.yaml"), nil
}

func showCommand(ctx *conf.Context) *cobra.Command {
	return &cobra.Command{
		Use:   "show",
		Short: "Print the effective configuration",
		Long:  "Print the configuration after defaults, file, environment and flags are merged.",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			out, err := conf.Render(ctx.Settings)
			if err != nil {
				return err
			}
			w := cmd.OutOrStdout()
			if used := ctx.Viper.ConfigFileUsed(); used != "" {
				if _, err := fmt.Fprintf(w, "# loaded from %s\n", used); err != nil {
					return err
				}
			}
			_, err = w.Write(out)
			return err
		},
	}
}
