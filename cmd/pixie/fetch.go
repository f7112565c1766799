package main

import (
	"fmt"

	"github.com/davejbax/pixie/internal/bootloader_old"
	"github.com/spf13/cobra"
)

func newFetchGrubCommand(opts *rootOptions) *cobra.Command {
	version := "2.12"

	cmd := &cobra.Command{
		Use:   "fetch-grub",
		Short: "Download and extract a GRUB release into the storage directory",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg := bootloader.NewGrubConfig(opts.config.StorageDir, version)

			if _, err := bootloader.LoadGrubOrDownload(cmd.Context(), cfg); err != nil {
				return fmt.Errorf("failed to load or download GRUB: %w", err)
			}

			opts.logger.Info("GRUB release ready", "version", version, "directory", cfg.StorageDirectory())
			return nil
		},
	}

	cmd.Flags().StringVar(&version, "grub-version", version, "GRUB release version to fetch")

	return cmd
}
