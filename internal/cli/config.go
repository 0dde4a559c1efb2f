package cli

import (
	"github.com/nkkko/stocksync/internal/config"
	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"
)

// NewConfigCommand creates the config command, which prints the effective
// configuration after file, environment and flag overrides.
func NewConfigCommand(rootOpts *RootOptions) *cobra.Command {
	var dataDir, addr string

	cmd := &cobra.Command{
		Use:   "config",
		Short: "Print the effective configuration as YAML",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.LoadConfig(rootOpts.ConfigFile, dataDir, addr, rootOpts.LogLevel)
			if err != nil {
				return WrapExitError(ExitCommandError, "invalid configuration", err)
			}

			enc := yaml.NewEncoder(cmd.OutOrStdout())
			enc.SetIndent(2)
			defer enc.Close()
			return enc.Encode(cfg)
		},
	}

	cmd.Flags().StringVar(&dataDir, "data-dir", "", "directory for snapshot storage")
	cmd.Flags().StringVar(&addr, "addr", "", "control API listen address")

	return cmd
}
