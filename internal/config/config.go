// Package config provides configuration loading and validation for the CLI.
package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
)

// EnvRoot is the environment variable naming the registry root directory.
const EnvRoot = "QUANTREG_ROOT"

// Config represents the CLI configuration that can be loaded from a JSON file.
// All fields are optional; missing values use defaults or must be provided via CLI flags.
type Config struct {
	// Root is the content-store root directory holding artifacts, the
	// registry area, and the catalog.
	Root string `json:"root,omitempty"`

	// Limits
	ListLimit int `json:"list_limit,omitempty"` // Default row limit for list commands

	// Behavior
	Format  string `json:"format,omitempty"`  // Default output format: json, table, or csv
	Verbose bool   `json:"verbose,omitempty"` // Print detailed debug information
}

// LoadConfig loads configuration from a JSON file.
// Returns an error if the file cannot be read or parsed.
func LoadConfig(path string) (*Config, error) {
	if path == "" {
		return nil, fmt.Errorf("config path is empty")
	}

	// Resolve path relative to current directory if not absolute
	if !filepath.IsAbs(path) {
		cwd, err := os.Getwd()
		if err != nil {
			return nil, fmt.Errorf("failed to get current directory: %w", err)
		}
		path = filepath.Join(cwd, path)
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file %s: %w", path, err)
	}

	var cfg Config
	if err := json.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config JSON: %w", err)
	}

	return &cfg, nil
}

// Validate checks that the configuration has valid values.
// Note: required fields are checked by CLI flag validation after merging.
func (c *Config) Validate() error {
	if c.ListLimit < 0 {
		return fmt.Errorf("config error: 'list_limit' must be non-negative")
	}
	switch c.Format {
	case "", "json", "table", "csv":
	default:
		return fmt.Errorf("config error: 'format' must be json, table, or csv, got %q", c.Format)
	}
	return nil
}

// MergeWithDefaults returns a new Config with empty fields filled from defaults.
// This is used to apply config file values as defaults for CLI flags.
func (c *Config) MergeWithDefaults(defaults Config) Config {
	result := *c

	if result.Root == "" {
		result.Root = defaults.Root
	}
	if result.Format == "" {
		result.Format = defaults.Format
	}
	if result.ListLimit == 0 {
		result.ListLimit = defaults.ListLimit
	}
	if !result.Verbose {
		result.Verbose = defaults.Verbose
	}

	return result
}

// ResolveRoot picks the registry root: the explicit value if set, then the
// environment, then the fallback.
func ResolveRoot(explicit, fallback string) string {
	if explicit != "" {
		return explicit
	}
	if env := os.Getenv(EnvRoot); env != "" {
		return env
	}
	return fallback
}
