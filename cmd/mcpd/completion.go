package main

import (
	"sort"

	"github.com/spf13/cobra"

	"github.com/Bigsy/mcpd/internal/config"
)

func init() {
	removeCmd.ValidArgsFunction = completeServerNames
	renameCmd.ValidArgsFunction = completeServerNames

	// Only HTTP servers can hold OAuth credentials.
	loginCmd.ValidArgsFunction = completeHTTPServerNames
	logoutCmd.ValidArgsFunction = completeHTTPServerNames

	for _, c := range []*cobra.Command{serveCmd, demoCmd, httpCmd} {
		_ = c.RegisterFlagCompletionFunc("log-level", func(cmd *cobra.Command, args []string, toComplete string) ([]string, cobra.ShellCompDirective) {
			return []string{"debug", "info", "warn", "error"}, cobra.ShellCompDirectiveNoFileComp
		})
	}
}

// loadConfigForCompletion loads config silently for shell completion.
func loadConfigForCompletion(cmd *cobra.Command) *config.Config {
	cfgPath, _ := cmd.Flags().GetString("config")
	cfg, err := loadConfig(cfgPath)
	if err != nil {
		return nil
	}
	return cfg
}

func completeServerNames(cmd *cobra.Command, args []string, toComplete string) ([]string, cobra.ShellCompDirective) {
	if len(args) != 0 {
		return nil, cobra.ShellCompDirectiveNoFileComp
	}
	return serverNames(cmd, func(config.ServerConfig) bool { return true }), cobra.ShellCompDirectiveNoFileComp
}

func completeHTTPServerNames(cmd *cobra.Command, args []string, toComplete string) ([]string, cobra.ShellCompDirective) {
	if len(args) != 0 {
		return nil, cobra.ShellCompDirectiveNoFileComp
	}
	return serverNames(cmd, func(srv config.ServerConfig) bool {
		return srv.Kind == config.ServerKindHTTP
	}), cobra.ShellCompDirectiveNoFileComp
}

func serverNames(cmd *cobra.Command, keep func(config.ServerConfig) bool) []string {
	cfg := loadConfigForCompletion(cmd)
	if cfg == nil {
		return nil
	}
	var names []string
	for _, srv := range cfg.ServerList() {
		if keep(srv) {
			names = append(names, srv.Name)
		}
	}
	sort.Strings(names)
	return names
}
