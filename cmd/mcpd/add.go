package main

import (
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/Bigsy/mcpd/internal/config"
)

var (
	addEnvFlags    []string
	addHeaderFlags []string
	addCwd         string
	addConfigPath  string
	addURL         string
	addOAuth       bool
	addScopes      string
	addDisabled    bool
)

var addCmd = &cobra.Command{
	Use:   "add <name> [<url> | -- <command> [args...]]",
	Short: "Add a new MCP server",
	Long: `Add a new MCP server to the configuration.

For stdio servers, the command and arguments follow the -- separator.
For HTTP servers, provide the URL as a positional argument (or use --url).

Examples:
  # Stdio server
  mcpd add context7 -- npx -y @upstash/context7-mcp
  mcpd add my-server --env FOO=bar --env BAZ=qux -- ./server --flag
  mcpd add filesystem --cwd /home/user -- npx -y @anthropics/mcp-fs

  # HTTP server with a static header
  mcpd add internal https://mcp.example.com/mcp --header "Authorization=Bearer abc"

  # HTTP server with OAuth (login separately)
  mcpd add atlassian https://mcp.atlassian.com/mcp --oauth --scopes "read write"`,
	RunE: runAdd,
}

func init() {
	addCmd.Flags().StringArrayVarP(&addEnvFlags, "env", "e", nil, "Environment variable (KEY=VALUE), can be repeated")
	addCmd.Flags().StringVar(&addCwd, "cwd", "", "Working directory for the server")
	addCmd.Flags().StringVarP(&addConfigPath, "config", "c", "", "Path to config file (default: ~/.config/mcpd/config.json)")
	addCmd.Flags().StringVar(&addURL, "url", "", "Server URL for streamable HTTP transport")
	addCmd.Flags().StringArrayVar(&addHeaderFlags, "header", nil, "Static HTTP header (KEY=VALUE), can be repeated")
	addCmd.Flags().BoolVar(&addOAuth, "oauth", false, "Enable OAuth for this HTTP server")
	addCmd.Flags().StringVar(&addScopes, "scopes", "", "OAuth scopes to request (space-separated)")
	addCmd.Flags().BoolVar(&addDisabled, "disabled", false, "Add the server in a disabled state")

	rootCmd.AddCommand(addCmd)
}

func runAdd(cmd *cobra.Command, args []string) error {
	if addURL != "" {
		return runAddHTTP(cmd, args)
	}
	// No -- separator and a URL-shaped second arg means HTTP.
	if cmd.ArgsLenAtDash() == -1 && len(args) >= 2 && isURL(args[1]) {
		addURL = args[1]
		return runAddHTTP(cmd, args[:1])
	}
	return runAddStdio(cmd, args)
}

// isURL checks if a string looks like an HTTP(S) URL.
func isURL(s string) bool {
	return strings.HasPrefix(s, "http://") || strings.HasPrefix(s, "https://")
}

func runAddStdio(cmd *cobra.Command, args []string) error {
	dashIdx := cmd.ArgsLenAtDash()
	if dashIdx == -1 {
		return fmt.Errorf("missing -- separator\n\nUsage: mcpd add <name> -- <command> [args...]")
	}
	if dashIdx < 1 {
		return fmt.Errorf("missing server name\n\nUsage: mcpd add <name> -- <command> [args...]")
	}
	name := args[0]

	cmdArgs := args[dashIdx:]
	if len(cmdArgs) < 1 {
		return fmt.Errorf("missing command after --\n\nUsage: mcpd add <name> -- <command> [args...]")
	}

	env, err := parseKeyValueFlags("env", addEnvFlags)
	if err != nil {
		return err
	}

	cfg, err := loadConfig(addConfigPath)
	if err != nil {
		return err
	}

	srv := config.ServerConfig{
		Name:    name,
		Kind:    config.ServerKindStdio,
		Command: cmdArgs[0],
		Args:    cmdArgs[1:],
		Cwd:     addCwd,
		Env:     env,
	}
	if addDisabled {
		srv.SetEnabled(false)
	}

	// AddServer enforces name uniqueness.
	if _, err := cfg.AddServer(srv); err != nil {
		return err
	}
	if err := saveConfig(cfg, addConfigPath); err != nil {
		return err
	}

	fmt.Printf("Added server %q\n", name)
	return nil
}

func runAddHTTP(cmd *cobra.Command, args []string) error {
	if len(args) < 1 {
		return fmt.Errorf("missing server name\n\nUsage: mcpd add <name> <url>")
	}
	name := args[0]

	headers, err := parseKeyValueFlags("header", addHeaderFlags)
	if err != nil {
		return err
	}

	cfg, err := loadConfig(addConfigPath)
	if err != nil {
		return err
	}

	srv := config.ServerConfig{
		Name:         name,
		Kind:         config.ServerKindHTTP,
		URL:          addURL,
		Headers:      headers,
		OAuthEnabled: addOAuth,
		OAuthScopes:  addScopes,
	}
	if addDisabled {
		srv.SetEnabled(false)
	}

	if _, err := cfg.AddServer(srv); err != nil {
		return err
	}
	if err := saveConfig(cfg, addConfigPath); err != nil {
		return err
	}

	fmt.Printf("Added HTTP server %q (%s)\n", name, addURL)
	return nil
}

// parseKeyValueFlags parses KEY=VALUE pairs from repeated flags.
func parseKeyValueFlags(flag string, flags []string) (map[string]string, error) {
	if len(flags) == 0 {
		return nil, nil
	}
	out := make(map[string]string)
	for _, kv := range flags {
		parts := strings.SplitN(kv, "=", 2)
		if len(parts) != 2 {
			return nil, fmt.Errorf("invalid --%s format %q: expected KEY=VALUE", flag, kv)
		}
		if parts[0] == "" {
			return nil, fmt.Errorf("invalid --%s format %q: key cannot be empty", flag, kv)
		}
		out[parts[0]] = parts[1]
	}
	return out, nil
}
