package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"github.com/malbeck/quantreg/internal/catalog"
	"github.com/malbeck/quantreg/internal/experiment"
	"github.com/malbeck/quantreg/internal/types"
)

var experimentsCommand = &cobra.Command{
	Use:   "experiments",
	Short: "Create, execute, and inspect experiments",
}

var (
	experimentsCreateName        string
	experimentsCreateDescription string
	experimentsCreateInputs      []string
	experimentsCreateRunSet      string
	experimentsCreateStrategy    string
	experimentsCreateParams      []string
	experimentsCreateConfigFile  string
	experimentsCreateFrom        string
	experimentsCreateTo          string
	experimentsCreateExecute     bool

	experimentsListStatus string
	experimentsListName   string
	experimentsListLimit  int
)

var experimentsCreateCommand = &cobra.Command{
	Use:   "create",
	Short: "Register a pending experiment from explicit inputs or a runset",
	RunE: func(_ *cobra.Command, _ []string) error {
		cfg, err := experimentConfigFromFlags()
		if err != nil {
			return err
		}
		inputs, err := experimentInputsFromFlags(experimentsCreateInputs)
		if err != nil {
			return err
		}
		req := experiment.CreateRequest{
			Name:        experimentsCreateName,
			Description: experimentsCreateDescription,
			Inputs:      inputs,
			RunSetRef:   experimentsCreateRunSet,
			Config:      cfg,
		}
		if experimentsCreateFrom != "" {
			from, err := parseTimeFlag("from", experimentsCreateFrom)
			if err != nil {
				return err
			}
			req.From = from
		}
		if experimentsCreateTo != "" {
			to, err := parseTimeFlag("to", experimentsCreateTo)
			if err != nil {
				return err
			}
			req.To = to
		}

		a, err := openApp()
		if err != nil {
			return err
		}
		defer a.close()

		exp, err := a.tracker.Create(context.Background(), req)
		if err != nil {
			return err
		}
		if experimentsCreateExecute {
			exp, err = a.tracker.Execute(context.Background(), exp.ID)
			if err != nil {
				return err
			}
		}
		return a.printer.Experiment(exp)
	},
}

var experimentsExecuteCommand = &cobra.Command{
	Use:   "execute <experiment-id>",
	Short: "Run a pending experiment through project, simulate, and publish",
	Args:  cobra.ExactArgs(1),
	RunE: func(_ *cobra.Command, args []string) error {
		a, err := openApp()
		if err != nil {
			return err
		}
		defer a.close()

		exp, err := a.tracker.Execute(context.Background(), args[0])
		if err != nil {
			return err
		}
		if err := a.printer.Experiment(exp); err != nil {
			return err
		}
		if exp != nil && exp.Status == types.ExperimentFailed {
			return fmt.Errorf("experiment %s failed: %s", exp.ID, exp.Error)
		}
		return nil
	},
}

var experimentsGetCommand = &cobra.Command{
	Use:   "get <experiment-id>",
	Short: "Show one experiment (prints nothing when absent)",
	Args:  cobra.ExactArgs(1),
	RunE: func(_ *cobra.Command, args []string) error {
		a, err := openApp()
		if err != nil {
			return err
		}
		defer a.close()

		exp, err := a.tracker.Get(context.Background(), args[0])
		if err != nil {
			return err
		}
		return a.printer.Experiment(exp)
	},
}

var experimentsListCommand = &cobra.Command{
	Use:   "list",
	Short: "List experiments, newest first",
	RunE: func(_ *cobra.Command, _ []string) error {
		a, err := openApp()
		if err != nil {
			return err
		}
		defer a.close()

		experiments, err := a.tracker.List(context.Background(), catalog.ExperimentFilters{
			Status: types.ExperimentStatus(experimentsListStatus),
			Name:   experimentsListName,
			Limit:  a.listLimit(experimentsListLimit),
		})
		if err != nil {
			return err
		}
		return a.printer.Experiments(experiments)
	},
}

var experimentsFindByInputsCommand = &cobra.Command{
	Use:   "find-by-inputs <artifact-id> [artifact-id...]",
	Short: "Find experiments that consumed any of the given artifacts",
	Args:  cobra.MinimumNArgs(1),
	RunE: func(_ *cobra.Command, args []string) error {
		a, err := openApp()
		if err != nil {
			return err
		}
		defer a.close()

		experiments, err := a.tracker.FindByInputs(context.Background(), args)
		if err != nil {
			return err
		}
		return a.printer.Experiments(experiments)
	},
}

func experimentConfigFromFlags() (types.ExperimentConfig, error) {
	var cfg types.ExperimentConfig
	if experimentsCreateConfigFile != "" {
		data, err := os.ReadFile(experimentsCreateConfigFile)
		if err != nil {
			return cfg, fmt.Errorf("failed to read config file: %w", err)
		}
		if err := json.Unmarshal(data, &cfg); err != nil {
			return cfg, fmt.Errorf("failed to parse config file: %w", err)
		}
	}
	if experimentsCreateStrategy != "" {
		cfg.Strategy = experimentsCreateStrategy
	}
	for _, kv := range experimentsCreateParams {
		name, value, err := splitParam(kv)
		if err != nil {
			return cfg, err
		}
		if cfg.Params == nil {
			cfg.Params = make(map[string]float64)
		}
		cfg.Params[name] = value
	}
	return cfg, nil
}

// experimentInputsFromFlags groups --input values by role.
func experimentInputsFromFlags(values []string) (map[string][]string, error) {
	if len(values) == 0 {
		return nil, nil
	}
	inputs := make(map[string][]string, len(values))
	for _, kv := range values {
		i := strings.IndexByte(kv, '=')
		if i <= 0 || i == len(kv)-1 {
			return nil, fmt.Errorf("invalid --input %q: expected role=artifact-id", kv)
		}
		role, id := kv[:i], kv[i+1:]
		inputs[role] = append(inputs[role], id)
	}
	return inputs, nil
}

func splitParam(kv string) (string, float64, error) {
	for i := 0; i < len(kv); i++ {
		if kv[i] == '=' {
			var value float64
			if _, err := fmt.Sscanf(kv[i+1:], "%g", &value); err != nil {
				return "", 0, fmt.Errorf("invalid --param %q: value must be numeric", kv)
			}
			return kv[:i], value, nil
		}
	}
	return "", 0, fmt.Errorf("invalid --param %q: expected name=value", kv)
}

func init() {
	experimentsCreateCommand.Flags().StringVar(&experimentsCreateName, "name", "", "Experiment name (required)")
	experimentsCreateCommand.Flags().StringVar(&experimentsCreateDescription, "description", "", "Free-form description")
	experimentsCreateCommand.Flags().StringSliceVar(&experimentsCreateInputs, "input", nil, "Input artifact as role=artifact-id (repeatable)")
	experimentsCreateCommand.Flags().StringVar(&experimentsCreateRunSet, "runset", "", "Resolve inputs from this runset")
	experimentsCreateCommand.Flags().StringVar(&experimentsCreateStrategy, "strategy", "", "Strategy to simulate")
	experimentsCreateCommand.Flags().StringSliceVar(&experimentsCreateParams, "param", nil, "Strategy parameter as name=value (repeatable)")
	experimentsCreateCommand.Flags().StringVar(&experimentsCreateConfigFile, "config-file", "", "JSON file with the full experiment config")
	experimentsCreateCommand.Flags().StringVar(&experimentsCreateFrom, "from", "", "Clamp simulation window start")
	experimentsCreateCommand.Flags().StringVar(&experimentsCreateTo, "to", "", "Clamp simulation window end")
	experimentsCreateCommand.Flags().BoolVar(&experimentsCreateExecute, "execute", false, "Execute immediately after creating")

	experimentsListCommand.Flags().StringVar(&experimentsListStatus, "status", "", "Filter by status")
	experimentsListCommand.Flags().StringVar(&experimentsListName, "name", "", "Filter by exact name")
	experimentsListCommand.Flags().IntVar(&experimentsListLimit, "limit", 0, "Maximum rows to return")

	experimentsCommand.AddCommand(experimentsCreateCommand)
	experimentsCommand.AddCommand(experimentsExecuteCommand)
	experimentsCommand.AddCommand(experimentsGetCommand)
	experimentsCommand.AddCommand(experimentsListCommand)
	experimentsCommand.AddCommand(experimentsFindByInputsCommand)
	rootCmd.AddCommand(experimentsCommand)
}
