package main

import (
	"context"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/malbeck/quantreg/internal/types"
)

var runsetCommand = &cobra.Command{
	Use:   "runset",
	Short: "Define and resolve reproducible run selections",
}

var (
	runsetCreateDataset    string
	runsetCreateFrom       string
	runsetCreateTo         string
	runsetCreateUniverse   []string
	runsetCreateStrategies []string
	runsetCreateTags       []string
	runsetCreateLatest     bool

	runsetResolveForce bool
	runsetFreezeForce  bool

	runsetGetHistory bool
)

var runsetCreateCommand = &cobra.Command{
	Use:   "create",
	Short: "Register a runset spec (idempotent for identical specs)",
	RunE: func(_ *cobra.Command, _ []string) error {
		from, err := parseTimeFlag("from", runsetCreateFrom)
		if err != nil {
			return err
		}
		to, err := parseTimeFlag("to", runsetCreateTo)
		if err != nil {
			return err
		}

		a, err := openApp()
		if err != nil {
			return err
		}
		defer a.close()

		rs, err := a.resolver.Create(context.Background(), types.RunSetSpec{
			DatasetID:  runsetCreateDataset,
			From:       from,
			To:         to,
			Universe:   runsetCreateUniverse,
			Strategies: runsetCreateStrategies,
			Tags:       runsetCreateTags,
			Latest:     runsetCreateLatest,
		})
		if err != nil {
			return err
		}
		return a.printer.RunSet(rs, nil)
	},
}

var runsetResolveCommand = &cobra.Command{
	Use:   "resolve <runset-id>",
	Short: "Resolve a runset to concrete runs and artifacts",
	Args:  cobra.ExactArgs(1),
	RunE: func(_ *cobra.Command, args []string) error {
		a, err := openApp()
		if err != nil {
			return err
		}
		defer a.close()

		res, err := a.resolver.Resolve(context.Background(), args[0], runsetResolveForce)
		if err != nil {
			return err
		}
		return a.printer.Resolution(res)
	},
}

var runsetFreezeCommand = &cobra.Command{
	Use:   "freeze <runset-id>",
	Short: "Pin a runset to its latest resolution",
	Args:  cobra.ExactArgs(1),
	RunE: func(_ *cobra.Command, args []string) error {
		a, err := openApp()
		if err != nil {
			return err
		}
		defer a.close()

		res, err := a.resolver.Freeze(context.Background(), args[0], runsetFreezeForce)
		if err != nil {
			return err
		}
		if res == nil {
			return a.printer.Resolution(nil)
		}
		// Stdout carries only the structured printer output.
		fmt.Fprintf(os.Stderr, "frozen %s at seq %d\n", args[0], res.Seq)
		return a.printer.Resolution(res)
	},
}

var runsetListCommand = &cobra.Command{
	Use:   "list",
	Short: "List registered runsets",
	RunE: func(_ *cobra.Command, _ []string) error {
		a, err := openApp()
		if err != nil {
			return err
		}
		defer a.close()

		runsets, err := a.resolver.List(context.Background())
		if err != nil {
			return err
		}
		return a.printer.RunSets(runsets)
	},
}

var runsetGetCommand = &cobra.Command{
	Use:   "get <runset-id>",
	Short: "Show a runset, optionally with its resolution history",
	Args:  cobra.ExactArgs(1),
	RunE: func(_ *cobra.Command, args []string) error {
		a, err := openApp()
		if err != nil {
			return err
		}
		defer a.close()

		rs, err := a.resolver.Get(context.Background(), args[0])
		if err != nil {
			return err
		}
		var history []types.Resolution
		if rs != nil && runsetGetHistory {
			history, err = a.resolver.History(context.Background(), args[0])
			if err != nil {
				return err
			}
		}
		return a.printer.RunSet(rs, history)
	},
}

func init() {
	runsetCreateCommand.Flags().StringVar(&runsetCreateDataset, "dataset", "", "Dataset the runset selects from (required)")
	runsetCreateCommand.Flags().StringVar(&runsetCreateFrom, "from", "", "Window start, RFC3339 or YYYY-MM-DD (required)")
	runsetCreateCommand.Flags().StringVar(&runsetCreateTo, "to", "", "Window end, RFC3339 or YYYY-MM-DD (required)")
	runsetCreateCommand.Flags().StringSliceVar(&runsetCreateUniverse, "universe", nil, "Restrict to these instruments")
	runsetCreateCommand.Flags().StringSliceVar(&runsetCreateStrategies, "strategy", nil, "Restrict to these strategies")
	runsetCreateCommand.Flags().StringSliceVar(&runsetCreateTags, "tag", nil, "Require these run tags")
	runsetCreateCommand.Flags().BoolVar(&runsetCreateLatest, "latest", false, "Keep only the newest run per strategy")

	runsetResolveCommand.Flags().BoolVar(&runsetResolveForce, "force", false, "Re-resolve even when frozen")
	runsetFreezeCommand.Flags().BoolVar(&runsetFreezeForce, "force", false, "Re-pin an already frozen runset")
	runsetGetCommand.Flags().BoolVar(&runsetGetHistory, "history", false, "Include the resolution log")

	runsetCommand.AddCommand(runsetCreateCommand)
	runsetCommand.AddCommand(runsetResolveCommand)
	runsetCommand.AddCommand(runsetFreezeCommand)
	runsetCommand.AddCommand(runsetListCommand)
	runsetCommand.AddCommand(runsetGetCommand)
	rootCmd.AddCommand(runsetCommand)
}
