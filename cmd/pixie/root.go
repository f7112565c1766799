package main

import (
	"fmt"
	"log/slog"

	"github.com/spf13/cobra"
)

// rootOptions carries the state every subcommand needs: the parsed config
// file and a shared logger, both populated by the root command's
// PersistentPreRunE before any subcommand's RunE runs.
type rootOptions struct {
	config *config
	logger *slog.Logger
}

func newRootCommand() *cobra.Command {
	opts := &rootOptions{logger: slog.Default()}
	configPath := "pixie.yaml"

	cmd := &cobra.Command{
		Use:           "pixie",
		Short:         "Build and serve network-boot images",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(_ *cobra.Command, _ []string) error {
			cfg, err := loadConfig(configPath)
			if err != nil {
				return fmt.Errorf("failed to load config: %w", err)
			}
			opts.config = cfg
			return nil
		},
	}

	cmd.PersistentFlags().StringVarP(&configPath, "config", "c", configPath, "Path to config file")

	cmd.AddCommand(newISOCommand(opts))
	cmd.AddCommand(newFetchGrubCommand(opts))

	return cmd
}
