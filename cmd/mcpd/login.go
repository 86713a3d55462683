package main

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/Bigsy/mcpd/internal/config"
	"github.com/Bigsy/mcpd/internal/oauth"
)

var (
	loginConfigPath string
	loginScopes     string
)

var loginCmd = &cobra.Command{
	Use:   "login <server-name>",
	Short: "Login to an OAuth-enabled MCP server",
	Long: `Initiate OAuth login for a remote MCP server.

This will:
1. Discover the server's OAuth configuration
2. Open your browser for authentication
3. Store the obtained credentials securely

Examples:
  mcpd login atlassian
  mcpd login figma --scopes "read write"`,
	Args: cobra.ExactArgs(1),
	RunE: runLogin,
}

var logoutCmd = &cobra.Command{
	Use:   "logout <server-name>",
	Short: "Logout from an MCP server",
	Long: `Remove stored OAuth credentials for an MCP server.

Examples:
  mcpd logout atlassian`,
	Args: cobra.ExactArgs(1),
	RunE: runLogout,
}

func init() {
	loginCmd.Flags().StringVarP(&loginConfigPath, "config", "c", "", "Path to config file")
	loginCmd.Flags().StringVar(&loginScopes, "scopes", "", "OAuth scopes to request (space-separated)")
	logoutCmd.Flags().StringVarP(&loginConfigPath, "config", "c", "", "Path to config file")

	rootCmd.AddCommand(loginCmd)
	rootCmd.AddCommand(logoutCmd)
}

func findHTTPServer(configPath, name string) (*config.ServerConfig, error) {
	cfg, err := loadConfig(configPath)
	if err != nil {
		return nil, err
	}
	srv := cfg.FindServerByName(name)
	if srv == nil {
		return nil, fmt.Errorf("server %q not found", name)
	}
	if srv.Kind != config.ServerKindHTTP {
		return nil, fmt.Errorf("server %q is not an HTTP server (OAuth not applicable)", name)
	}
	return srv, nil
}

func runLogin(cmd *cobra.Command, args []string) error {
	srv, err := findHTTPServer(loginConfigPath, args[0])
	if err != nil {
		return err
	}

	store, err := oauth.NewCredentialStore(oauth.StoreModeAuto)
	if err != nil {
		return fmt.Errorf("failed to create credential store: %w", err)
	}

	// CLI scopes override the configured ones.
	scopes := strings.Fields(srv.OAuthScopes)
	if loginScopes != "" {
		scopes = strings.Fields(loginScopes)
	}

	fmt.Printf("Starting OAuth login for %s...\n", srv.Name)
	fmt.Println("Your browser will open for authentication.")

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Minute)
	defer cancel()

	flow := oauth.NewFlow(oauth.FlowConfig{
		ServerURL:  srv.URL,
		ServerName: srv.Name,
		Scopes:     scopes,
		ClientID:   srv.OAuthClientID,
		Store:      store,
	})
	if err := flow.Run(ctx); err != nil {
		return fmt.Errorf("OAuth login failed: %w", err)
	}

	fmt.Printf("Successfully logged in to %s\n", srv.Name)
	return nil
}

func runLogout(cmd *cobra.Command, args []string) error {
	srv, err := findHTTPServer(loginConfigPath, args[0])
	if err != nil {
		return err
	}

	store, err := oauth.NewCredentialStore(oauth.StoreModeAuto)
	if err != nil {
		return fmt.Errorf("failed to create credential store: %w", err)
	}
	if err := store.Delete(srv.URL); err != nil {
		return fmt.Errorf("failed to remove credentials: %w", err)
	}

	fmt.Printf("Logged out from %s\n", srv.Name)
	return nil
}
