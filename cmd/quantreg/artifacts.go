package main

import (
	"context"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/malbeck/quantreg/internal/catalog"
	"github.com/malbeck/quantreg/internal/types"
)

var artifactsCommand = &cobra.Command{
	Use:   "artifacts",
	Short: "Inspect and manage registered artifacts",
}

var (
	artifactsListType   string
	artifactsListStatus string
	artifactsListLimit  int

	artifactsDownstreamTransitive bool
)

var artifactsListCommand = &cobra.Command{
	Use:   "list",
	Short: "List artifacts, newest first",
	RunE: func(_ *cobra.Command, _ []string) error {
		a, err := openApp()
		if err != nil {
			return err
		}
		defer a.close()

		artifacts, err := a.registry.List(context.Background(), catalog.ArtifactFilters{
			Type:   types.ArtifactType(artifactsListType),
			Status: types.ArtifactStatus(artifactsListStatus),
			Limit:  a.listLimit(artifactsListLimit),
		})
		if err != nil {
			return err
		}
		return a.printer.Artifacts(artifacts)
	},
}

var artifactsGetCommand = &cobra.Command{
	Use:   "get <artifact-id>",
	Short: "Show one artifact (prints nothing when absent)",
	Args:  cobra.ExactArgs(1),
	RunE: func(_ *cobra.Command, args []string) error {
		a, err := openApp()
		if err != nil {
			return err
		}
		defer a.close()

		artifact, err := a.registry.Get(context.Background(), args[0])
		if err != nil {
			return err
		}
		return a.printer.Artifact(artifact)
	},
}

var artifactsFindCommand = &cobra.Command{
	Use:   "find <type> <logical-key>",
	Short: "Find artifact versions under a logical key, most recent first",
	Args:  cobra.ExactArgs(2),
	RunE: func(_ *cobra.Command, args []string) error {
		a, err := openApp()
		if err != nil {
			return err
		}
		defer a.close()

		artifacts, err := a.registry.Find(context.Background(), types.ArtifactType(args[0]), args[1])
		if err != nil {
			return err
		}
		return a.printer.Artifacts(artifacts)
	},
}

var artifactsLineageCommand = &cobra.Command{
	Use:   "lineage <artifact-id>",
	Short: "Show one hop of upstream lineage",
	Args:  cobra.ExactArgs(1),
	RunE: func(_ *cobra.Command, args []string) error {
		a, err := openApp()
		if err != nil {
			return err
		}
		defer a.close()

		inputs, err := a.registry.Lineage(context.Background(), args[0])
		if err != nil {
			return err
		}
		return a.printer.Lineage(inputs)
	},
}

var artifactsDownstreamCommand = &cobra.Command{
	Use:   "downstream <artifact-id>",
	Short: "Show the artifacts that consume this one",
	Args:  cobra.ExactArgs(1),
	RunE: func(_ *cobra.Command, args []string) error {
		a, err := openApp()
		if err != nil {
			return err
		}
		defer a.close()

		consumers, err := a.registry.Downstream(context.Background(), args[0], artifactsDownstreamTransitive)
		if err != nil {
			return err
		}
		return a.printer.Artifacts(consumers)
	},
}

var artifactsTombstoneCommand = &cobra.Command{
	Use:   "tombstone <artifact-id>",
	Short: "Retire an artifact (refused while consumers or resolutions reference it)",
	Args:  cobra.ExactArgs(1),
	RunE: func(_ *cobra.Command, args []string) error {
		a, err := openApp()
		if err != nil {
			return err
		}
		defer a.close()

		if err := a.registry.Tombstone(context.Background(), args[0]); err != nil {
			return err
		}
		fmt.Fprintf(os.Stderr, "tombstoned %s\n", args[0])
		return nil
	},
}

func init() {
	artifactsListCommand.Flags().StringVar(&artifactsListType, "type", "", "Filter by artifact type")
	artifactsListCommand.Flags().StringVar(&artifactsListStatus, "status", "", "Filter by status (active, superseded, tombstoned)")
	artifactsListCommand.Flags().IntVar(&artifactsListLimit, "limit", 0, "Maximum rows to return")

	artifactsDownstreamCommand.Flags().BoolVar(&artifactsDownstreamTransitive, "transitive", false, "Follow consumers of consumers")

	artifactsCommand.AddCommand(artifactsListCommand)
	artifactsCommand.AddCommand(artifactsGetCommand)
	artifactsCommand.AddCommand(artifactsFindCommand)
	artifactsCommand.AddCommand(artifactsLineageCommand)
	artifactsCommand.AddCommand(artifactsDownstreamCommand)
	artifactsCommand.AddCommand(artifactsTombstoneCommand)
	rootCmd.AddCommand(artifactsCommand)
}
