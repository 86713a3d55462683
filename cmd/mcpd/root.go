package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/Bigsy/mcpd/internal/config"
)

// Version information (set at build time via ldflags)
var (
	version = "dev"
	commit  = "unknown"
)

var rootCmd = &cobra.Command{
	Use:   "mcpd",
	Short: "MCP server aggregator and runtime",
	Long: `mcpd aggregates multiple MCP servers into a single interface.

Use 'mcpd serve' to run as a stdio MCP server (spawned by an MCP client),
'mcpd http' to run the streamable HTTP server, and the add/list/remove/
rename/login commands to manage the server configuration.`,
	Version: fmt.Sprintf("%s (commit: %s)", version, commit),
}

func init() {
	// Suppress errors from being printed twice
	rootCmd.SilenceErrors = true
	rootCmd.SilenceUsage = true
}

func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

// loadConfig loads from the given path, or the default location when
// empty.
func loadConfig(path string) (*config.Config, error) {
	var cfg *config.Config
	var err error
	if path != "" {
		cfg, err = config.LoadFrom(path)
	} else {
		cfg, err = config.Load()
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}
	return cfg, nil
}

// saveConfig saves to the given path, or the default location when empty.
func saveConfig(cfg *config.Config, path string) error {
	var err error
	if path != "" {
		err = config.SaveTo(cfg, path)
	} else {
		err = config.Save(cfg)
	}
	if err != nil {
		return fmt.Errorf("failed to save config: %w", err)
	}
	return nil
}
