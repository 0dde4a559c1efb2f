// Package cli implements the stocksync command line.
package cli

import (
	"github.com/spf13/cobra"
)

// Version is stamped at build time with -ldflags "-X .../internal/cli.Version=..."
var Version = "dev"

// RootOptions holds global flags for all commands.
type RootOptions struct {
	ConfigFile string
	LogLevel   string
}

// NewRootCommand creates the root command for the stocksync CLI.
func NewRootCommand() *cobra.Command {
	opts := &RootOptions{}

	cmd := &cobra.Command{
		Use:   "stocksync",
		Short: "Inventory order sync and notification service",
		Long: `stocksync keeps a signed-in viewer's order lists in sync with the
order database and raises local notifications when an order's status changes.`,
		SilenceUsage: true,
	}

	cmd.PersistentFlags().StringVarP(&opts.ConfigFile, "config", "c", "", "path to YAML config file")
	cmd.PersistentFlags().StringVar(&opts.LogLevel, "log-level", "", "log level (debug|info|warn|error)")

	cmd.AddCommand(NewServeCommand(opts))
	cmd.AddCommand(NewConfigCommand(opts))
	cmd.AddCommand(NewStatusCommand())
	cmd.AddCommand(NewSessionCommand())
	cmd.AddCommand(NewWatchCommand())
	cmd.AddCommand(NewVersionCommand())

	return cmd
}
