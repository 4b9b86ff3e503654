package main

import (
	"fmt"
	"os"
	"time"

	"github.com/malbeck/quantreg/internal/catalog"
	"github.com/malbeck/quantreg/internal/config"
	"github.com/malbeck/quantreg/internal/experiment"
	"github.com/malbeck/quantreg/internal/observability"
	"github.com/malbeck/quantreg/internal/registry"
	"github.com/malbeck/quantreg/internal/runset"
	"github.com/malbeck/quantreg/internal/sim"
	"github.com/malbeck/quantreg/internal/store"
)

// app wires the full stack for one CLI invocation.
type app struct {
	cfg      config.Config
	store    *store.Store
	catalog  *catalog.Catalog
	registry *registry.Registry
	resolver *runset.Resolver
	tracker  *experiment.Tracker
	printer  *observability.Printer
}

// openApp merges config sources (file, env, flags), opens the store and
// catalog, and builds the component stack.
func openApp() (*app, error) {
	var fileCfg config.Config
	if rootConfigPath != "" {
		loaded, err := config.LoadConfig(rootConfigPath)
		if err != nil {
			return nil, fmt.Errorf("failed to load config: %w", err)
		}
		if err := loaded.Validate(); err != nil {
			return nil, err
		}
		fileCfg = *loaded
	}

	// Flags win over the config file; the file fills whatever is unset.
	cfg := config.Config{Root: rootDir, Format: rootFormat, Verbose: rootVerbose}
	cfg = cfg.MergeWithDefaults(fileCfg)

	root := config.ResolveRoot(rootDir, fileCfg.Root)
	if root == "" {
		return nil, fmt.Errorf("registry root is required (--root flag, %s env var, or config file)", config.EnvRoot)
	}

	format, err := observability.ParseFormat(cfg.Format)
	if err != nil {
		return nil, err
	}

	if cfg.Verbose {
		fmt.Fprintf(os.Stderr, "using registry root %s\n", root)
	}

	st, err := store.Open(root)
	if err != nil {
		return nil, err
	}
	cat, err := catalog.Open(st)
	if err != nil {
		return nil, err
	}
	reg := registry.New(st, cat)
	resolver := runset.New(st, cat)
	tracker := experiment.New(reg, resolver, sim.LocalEngine{})

	return &app{
		cfg:      cfg,
		store:    st,
		catalog:  cat,
		registry: reg,
		resolver: resolver,
		tracker:  tracker,
		printer:  observability.NewPrinter(os.Stdout, format),
	}, nil
}

// listLimit prefers the per-command flag, then the configured default. Zero
// falls through to the catalog's own default.
func (a *app) listLimit(flag int) int {
	if flag > 0 {
		return flag
	}
	return a.cfg.ListLimit
}

func (a *app) close() {
	_ = a.catalog.Close()
}

// parseTimeFlag accepts RFC3339 timestamps or bare dates.
func parseTimeFlag(name, value string) (time.Time, error) {
	if value == "" {
		return time.Time{}, fmt.Errorf("--%s is required", name)
	}
	if t, err := time.Parse(time.RFC3339, value); err == nil {
		return t.UTC(), nil
	}
	if t, err := time.Parse("2006-01-02", value); err == nil {
		return t.UTC(), nil
	}
	return time.Time{}, fmt.Errorf("--%s: cannot parse %q (want RFC3339 or YYYY-MM-DD)", name, value)
}
