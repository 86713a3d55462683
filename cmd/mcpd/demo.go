package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/Bigsy/mcpd/internal/logging"
	"github.com/Bigsy/mcpd/internal/server"
)

var demoLogLevel string

var demoCmd = &cobra.Command{
	Use:   "demo",
	Short: "Run the built-in demo MCP server over stdio",
	Long: `Run a self-contained MCP server over stdio with the demo tool set
(echo, add, time), a readme resource and a greeting prompt. Useful for
smoke-testing MCP clients without configuring upstream servers.`,
	RunE: runDemo,
}

func init() {
	demoCmd.Flags().StringVarP(&demoLogLevel, "log-level", "l", "info", "Log level (debug, info, warn, error)")
	rootCmd.AddCommand(demoCmd)
}

func runDemo(cmd *cobra.Command, args []string) error {
	log, err := logging.New(logging.Config{Level: demoLogLevel})
	if err != nil {
		return err
	}
	defer func() { _ = logging.Sync(log) }()

	log.Info("mcpd demo starting", zap.String("version", version))

	rt := server.NewDemoRuntime(version, log.Named("runtime"))
	stdio := server.NewStdioServer(server.StdioOptions{
		Handler: rt,
		Stdin:   os.Stdin,
		Stdout:  os.Stdout,
		Logger:  log.Named("stdio"),
	})
	rt.SetNotifier(stdio)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := stdio.Run(ctx); err != nil && err != context.Canceled {
		return fmt.Errorf("server error: %w", err)
	}
	return nil
}
