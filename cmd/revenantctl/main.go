// Command revenantctl is the CLI client for revenantd: one
// subcommand per daemon.Command, plus a live-updating watch view.
package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/spf13/cobra"

	"drive-revenant/daemon"
	"drive-revenant/model"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	root := newRootCommand()
	if err := root.ExecuteContext(ctx); err != nil {
		if errors.Is(err, context.Canceled) {
			os.Exit(130)
		}
		fmt.Fprintln(os.Stderr, "revenantctl:", err)
		os.Exit(1)
	}
}

func newRootCommand() *cobra.Command {
	var socketPath string

	root := &cobra.Command{
		Use:           "revenantctl",
		Short:         "Control revenantd, the drive keep-alive daemon",
		SilenceErrors: true,
		SilenceUsage:  true,
	}
	root.PersistentFlags().StringVar(&socketPath, "socket", "", "path to revenantd's Unix socket (default: "+daemon.DefaultSocketPath+")")

	client := func() *daemon.Client { return daemon.NewClient(socketPath) }

	root.AddCommand(
		newSetDriveConfigCommand(client),
		newPauseCommand(client),
		newResumeCommand(client),
		newReleaseQuarantineCommand(client),
		newPingNowCommand(client),
		newStatusCommand(client),
		newWatchCommand(client),
	)
	return root
}

func newSetDriveConfigCommand(client func() *daemon.Client) *cobra.Command {
	var (
		intervalSec int
		driveType   string
		enabled     bool
		pingDir     string
	)

	cmd := &cobra.Command{
		Use:   "set-drive-config <letter>",
		Short: "Create or update a drive's configuration",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			t, err := parseDriveType(driveType)
			if err != nil {
				return err
			}
			cfg := model.DriveConfig{
				Letter:      args[0],
				IntervalSec: intervalSec,
				Type:        t,
				Enabled:     enabled,
				PingDir:     pingDir,
			}
			return client().SetDriveConfig(cfg)
		},
	}
	cmd.Flags().IntVar(&intervalSec, "interval-sec", 20, "keep-alive interval in seconds")
	cmd.Flags().StringVar(&driveType, "type", "ssd", "drive type: ssd, hdd, removable")
	cmd.Flags().BoolVar(&enabled, "enabled", true, "enable scheduling for this drive")
	cmd.Flags().StringVar(&pingDir, "ping-dir", "", "directory the probe writes into (default: per-letter convention)")
	return cmd
}

func parseDriveType(s string) (model.DriveType, error) {
	switch s {
	case "ssd":
		return model.SSD, nil
	case "hdd":
		return model.HDD, nil
	case "removable":
		return model.Removable, nil
	default:
		return model.Unknown, fmt.Errorf("unknown drive type %q (want ssd, hdd, or removable)", s)
	}
}

func newPauseCommand(client func() *daemon.Client) *cobra.Command {
	return &cobra.Command{
		Use:   "pause <letter>",
		Short: "Pause keep-alive probing for a drive",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return client().PauseDrive(args[0])
		},
	}
}

func newResumeCommand(client func() *daemon.Client) *cobra.Command {
	return &cobra.Command{
		Use:   "resume <letter>",
		Short: "Clear a user pause on a drive",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return client().ResumeDrive(args[0])
		},
	}
}

func newReleaseQuarantineCommand(client func() *daemon.Client) *cobra.Command {
	return &cobra.Command{
		Use:   "release-quarantine <letter>",
		Short: "Manually release a quarantined drive back to active scheduling",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return client().ReleaseQuarantine(args[0])
		},
	}
}

func newPingNowCommand(client func() *daemon.Client) *cobra.Command {
	return &cobra.Command{
		Use:   "ping-now <letter>",
		Short: "Request an out-of-cycle probe on the next tick",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return client().PingNow(args[0])
		},
	}
}

func newStatusCommand(client func() *daemon.Client) *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Print the current snapshot as a table",
		RunE: func(cmd *cobra.Command, args []string) error {
			snap, err := client().CurrentSnapshot()
			if err != nil {
				return err
			}
			printSnapshot(cmd.OutOrStdout(), snap)
			return nil
		},
	}
}

func newWatchCommand(client func() *daemon.Client) *cobra.Command {
	return &cobra.Command{
		Use:   "watch",
		Short: "Live-updating view of every managed drive",
		RunE: func(cmd *cobra.Command, args []string) error {
			p := tea.NewProgram(newWatchModel(client()))
			_, err := p.Run()
			return err
		},
	}
}

func printSnapshot(w io.Writer, snap model.Snapshot) {
	fmt.Fprintf(w, "%-6s %-10s %-10s %8s %10s\n", "DRIVE", "TYPE", "STATE", "INTERVAL", "NEXT IN")
	for _, d := range snap.Drives {
		fmt.Fprintf(w, "%-6s %-10s %-10s %8ds %9ds\n",
			d.Letter, d.Type, d.State, int(d.IntervalSec), int(d.SecondsUntilNext))
	}
}
