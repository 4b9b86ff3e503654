// Package main provides the entry point for the quantreg artifact registry CLI.
package main

import (
	"fmt"
	"os"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
)

var rootCmd = &cobra.Command{
	Use:   "quantreg",
	Short: "Content-addressed artifact registry and reproducible-selection resolver",
	Long: `quantreg catalogs immutable data artifacts, tracks their lineage, resolves
declarative run selections (RunSets) in exploration or frozen mode, and records
simulation experiments with full input/output lineage.`,
	SilenceUsage: true,
}

var (
	rootConfigPath string
	rootDir        string
	rootFormat     string
	rootVerbose    bool
)

func init() {
	rootCmd.PersistentFlags().StringVar(&rootConfigPath, "config", "", "Path to config.json file (values can be overridden by other flags)")
	rootCmd.PersistentFlags().StringVar(&rootDir, "root", "", "Registry root directory (defaults to QUANTREG_ROOT env var)")
	rootCmd.PersistentFlags().StringVarP(&rootFormat, "format", "f", "", "Output format: json, table, or csv (default table)")
	rootCmd.PersistentFlags().BoolVar(&rootVerbose, "verbose", false, "Print diagnostics to stderr")
}

func main() {
	// Load .env file if it exists
	_ = godotenv.Load()

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}
