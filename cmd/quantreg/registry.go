package main

import (
	"context"
	"errors"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/malbeck/quantreg/internal/catalog"
)

var registryCommand = &cobra.Command{
	Use:   "registry",
	Short: "Maintain the derived catalog",
}

var registryRebuildForce bool

var registryRebuildCommand = &cobra.Command{
	Use:   "rebuild",
	Short: "Rebuild the catalog from storage manifests",
	RunE: func(_ *cobra.Command, _ []string) error {
		a, err := openApp()
		if err != nil {
			return err
		}
		defer a.close()

		stats, err := a.catalog.Rebuild(context.Background(), registryRebuildForce)
		if err != nil {
			var rebuildErr *catalog.RebuildError
			if errors.As(err, &rebuildErr) {
				for _, e := range rebuildErr.Errs {
					fmt.Fprintf(os.Stderr, "rebuild: %v\n", e)
				}
			}
			return err
		}
		return a.printer.RebuildStats(stats)
	},
}

func init() {
	registryRebuildCommand.Flags().BoolVar(&registryRebuildForce, "force", false, "Rebuild even when manifests fail validation, skipping the bad ones")

	registryCommand.AddCommand(registryRebuildCommand)
	rootCmd.AddCommand(registryCommand)
}
