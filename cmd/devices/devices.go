// Package devices implements the devices command.
package devices

import (
	"fmt"
	"io"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/fossabot/hark/internal/audiocore/sources"
	"github.com/fossabot/hark/internal/conf"
	"github.com/fossabot/hark/internal/logger"
)

// Command creates the devices command.
func Command(_ *conf.Context) *cobra.Command {
	return &cobra.Command{
		Use:   "devices",
		Short: "List capture devices and system audio sources",
		Long: "List microphones and the monitor or loopback sources usable for system audio.\n" +
			"The device marked * is used when no device is configured.",
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			access := sources.NewAccess(sources.Config{
				Logger: logger.Global().Module("devices"),
			})
			return Print(cmd.OutOrStdout(), sources.ListDevices(cmd.Context(), access))
		},
	}
}

// Print writes one table per role. A role that failed to enumerate shows its error.
func Print(w io.Writer, listings []sources.Listing) error {
	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	for i, l := range listings {
		if i > 0 {
			fmt.Fprintln(tw)
		}
		fmt.Fprintf(tw, "%s:\n", l.Role)
		switch {
		case l.Err != nil:
			fmt.Fprintf(tw, "  unavailable: %v\n", l.Err)
			continue
		case len(l.Devices) == 0:
			fmt.Fprintln(tw, "  none found")
			continue
		}

		def, _ := l.DefaultDevice()
		for _, d := range l.Devices {
			mark := " "
			if d.ID == def.ID && d.Name == def.Name {
				mark = "*"
			}
			fmt.Fprintf(tw, "  %s\t%s\t%s\t%s\n", mark, d.Name, d.Backend, d.ID)
		}
	}
	return tw.Flush()
}
