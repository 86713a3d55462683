package main

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/Bigsy/mcpd/internal/config"
)

var (
	listJSON       bool
	listConfigPath string
)

var listCmd = &cobra.Command{
	Use:   "list",
	Short: "List configured MCP servers",
	Long: `List all configured MCP servers.

By default, outputs a human-readable table. Use --json for machine-readable output.

Examples:
  mcpd list
  mcpd list --json`,
	RunE: runList,
}

func init() {
	listCmd.Flags().BoolVar(&listJSON, "json", false, "Output as JSON")
	listCmd.Flags().StringVarP(&listConfigPath, "config", "c", "", "Path to config file (default: ~/.config/mcpd/config.json)")

	rootCmd.AddCommand(listCmd)
}

func runList(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig(listConfigPath)
	if err != nil {
		return err
	}

	servers := cfg.ServerList()
	if listJSON {
		return outputJSON(servers)
	}
	return outputTable(servers)
}

func outputJSON(servers []config.ServerConfig) error {
	type serverView struct {
		Name    string            `json:"name"`
		Kind    string            `json:"kind"`
		Command string            `json:"command,omitempty"`
		Args    []string          `json:"args,omitempty"`
		URL     string            `json:"url,omitempty"`
		Cwd     string            `json:"cwd,omitempty"`
		Env     map[string]string `json:"env,omitempty"`
		Enabled bool              `json:"enabled"`
		Auth    string            `json:"auth,omitempty"`
	}

	views := make([]serverView, len(servers))
	for i, srv := range servers {
		views[i] = serverView{
			Name:    srv.Name,
			Kind:    string(srv.Kind),
			Command: srv.Command,
			Args:    srv.Args,
			URL:     srv.URL,
			Cwd:     srv.Cwd,
			Env:     srv.Env,
			Enabled: srv.IsEnabled(),
			Auth:    authType(srv),
		}
	}

	data, err := json.MarshalIndent(views, "", "  ")
	if err != nil {
		return err
	}
	fmt.Println(string(data))
	return nil
}

func authType(srv config.ServerConfig) string {
	if srv.Kind != config.ServerKindHTTP {
		return "-"
	}
	if srv.OAuthEnabled {
		return "oauth"
	}
	if _, ok := srv.Headers["Authorization"]; ok {
		return "header"
	}
	return "none"
}

func outputTable(servers []config.ServerConfig) error {
	if len(servers) == 0 {
		fmt.Println("No servers configured")
		return nil
	}

	nameWidth := 4 // "NAME"
	cmdWidth := 15 // "COMMAND/URL"
	for _, srv := range servers {
		if len(srv.Name) > nameWidth {
			nameWidth = len(srv.Name)
		}
		if s := commandOrURL(srv); len(s) > cmdWidth {
			cmdWidth = len(s)
		}
	}
	// Cap widths for readability
	if cmdWidth > 35 {
		cmdWidth = 35
	}

	fmt.Printf("%-*s  %-6s  %-*s  %-6s  %s\n", nameWidth, "NAME", "TYPE", cmdWidth, "COMMAND/URL", "AUTH", "ENABLED")
	for _, srv := range servers {
		cmdStr := commandOrURL(srv)
		if len(cmdStr) > cmdWidth {
			cmdStr = cmdStr[:cmdWidth-3] + "..."
		}
		enabled := "yes"
		if !srv.IsEnabled() {
			enabled = "no"
		}
		fmt.Printf("%-*s  %-6s  %-*s  %-6s  %s\n", nameWidth, srv.Name, string(srv.Kind), cmdWidth, cmdStr, authType(srv), enabled)
	}
	return nil
}

func commandOrURL(srv config.ServerConfig) string {
	if srv.Kind == config.ServerKindHTTP {
		return srv.URL
	}
	if srv.Command == "" {
		return ""
	}
	if len(srv.Args) == 0 {
		return srv.Command
	}
	return srv.Command + " " + strings.Join(srv.Args, " ")
}
