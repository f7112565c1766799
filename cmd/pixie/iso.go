package main

import (
	"fmt"
	"os"

	"github.com/davejbax/pixie/internal/grub"
	"github.com/davejbax/pixie/internal/iso"
	"github.com/spf13/cobra"
)

func newISOCommand(opts *rootOptions) *cobra.Command {
	outputPath := ""
	arch := "x86_64"

	cmd := &cobra.Command{
		Use:   "iso",
		Short: "Generate bootable ISO images",
		RunE: func(_ *cobra.Command, _ []string) error {
			grubImage, cleanup, err := grub.NewImageFromConfig(&opts.config.Grub, arch, "(cd0)")
			if err != nil {
				return fmt.Errorf("failed to create GRUB image from config: %w", err)
			}
			defer cleanup()

			machine, err := grubImage.Machine()
			if err != nil {
				return fmt.Errorf("failed to determine EFI machine type: %w", err)
			}

			output, err := os.OpenFile(outputPath, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0o644)
			if err != nil {
				return fmt.Errorf("could not open output ISO file: %w", err)
			}

			builder := iso.NewBuilder(opts.config.TempDir)

			if err := builder.AddEFIEntrypoint(grubImage, machine); err != nil {
				return fmt.Errorf("failed to add EFI entrypoint: %w", err)
			}

			if err := builder.Build(output); err != nil {
				return fmt.Errorf("ISO build failed: %w", err)
			}

			opts.logger.Info("successfully created ISO image",
				"path", outputPath,
			)

			return nil
		},
	}

	cmd.Flags().StringVarP(&outputPath, "output", "o", "pixie.iso", "Path to output ISO file")
	cmd.Flags().StringVar(&arch, "arch", arch, "GRUB arch-platform directory to build for (x86_64, arm, arm64, ia64)")

	return cmd
}
