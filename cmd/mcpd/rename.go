package main

import (
	"fmt"

	"github.com/spf13/cobra"
)

var renameConfigPath string

var renameCmd = &cobra.Command{
	Use:   "rename <old-name> <new-name>",
	Short: "Rename an MCP server",
	Long: `Rename an MCP server. The server keeps its identity, so cached tool
lists and stored credentials remain valid.

Examples:
  mcpd rename old-server new-server`,
	Args: cobra.ExactArgs(2),
	RunE: runRename,
}

func init() {
	renameCmd.Flags().StringVarP(&renameConfigPath, "config", "c", "", "Path to config file")
	rootCmd.AddCommand(renameCmd)
}

func runRename(cmd *cobra.Command, args []string) error {
	oldName := args[0]
	newName := args[1]

	cfg, err := loadConfig(renameConfigPath)
	if err != nil {
		return err
	}
	if err := cfg.RenameServer(oldName, newName); err != nil {
		return err
	}
	if err := saveConfig(cfg, renameConfigPath); err != nil {
		return err
	}

	fmt.Printf("Renamed server %q to %q\n", oldName, newName)
	return nil
}
