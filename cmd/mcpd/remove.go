package main

import (
	"bufio"
	"fmt"
	"os"
	"strings"

	"github.com/spf13/cobra"
)

var (
	removeYes        bool
	removeConfigPath string
)

var removeCmd = &cobra.Command{
	Use:   "remove <name>",
	Short: "Remove an MCP server",
	Long: `Remove an MCP server from the configuration.

By default, prompts for confirmation. Use --yes to skip the prompt.

Examples:
  mcpd remove my-server
  mcpd remove my-server --yes`,
	Args: cobra.ExactArgs(1),
	RunE: runRemove,
}

func init() {
	removeCmd.Flags().BoolVarP(&removeYes, "yes", "y", false, "Skip confirmation prompt")
	removeCmd.Flags().StringVarP(&removeConfigPath, "config", "c", "", "Path to config file (default: ~/.config/mcpd/config.json)")

	rootCmd.AddCommand(removeCmd)
}

func runRemove(cmd *cobra.Command, args []string) error {
	name := args[0]

	cfg, err := loadConfig(removeConfigPath)
	if err != nil {
		return err
	}
	if cfg.FindServerByName(name) == nil {
		return fmt.Errorf("server %q not found", name)
	}

	if !removeYes {
		fmt.Printf("Remove server %q? [y/N] ", name)
		reader := bufio.NewReader(os.Stdin)
		response, err := reader.ReadString('\n')
		if err != nil {
			return fmt.Errorf("failed to read response: %w", err)
		}
		response = strings.TrimSpace(strings.ToLower(response))
		if response != "y" && response != "yes" {
			fmt.Println("Cancelled")
			return nil
		}
	}

	if err := cfg.DeleteServerByName(name); err != nil {
		return err
	}
	if err := saveConfig(cfg, removeConfigPath); err != nil {
		return err
	}

	fmt.Printf("Removed server %q\n", name)
	return nil
}
