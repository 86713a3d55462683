package main

import (
	"context"
	"fmt"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/Bigsy/mcpd/internal/authz"
	"github.com/Bigsy/mcpd/internal/httpserver"
	"github.com/Bigsy/mcpd/internal/logging"
	"github.com/Bigsy/mcpd/internal/oauthproxy"
	"github.com/Bigsy/mcpd/internal/protocol"
	"github.com/Bigsy/mcpd/internal/server"
	"github.com/Bigsy/mcpd/internal/session"
)

var httpLogLevel string

var httpCmd = &cobra.Command{
	Use:   "http",
	Short: "Run the streamable HTTP MCP server",
	Long: `Run the streamable HTTP MCP server on the configured port.

All settings come from the environment:

  PORT                       Listen port (default 80)
  MCP_MANAGEMENT_TOKEN       Bearer token for POST /management/cleanup
  MCP_SESSION_MAX_IDLE       Session inactivity threshold (default 30m)
  MCP_SESSION_SWEEP_INTERVAL Background sweep interval (default 5m)
  MCP_AUTH_REQUIRED          Require OAuth bearer tokens on /mcp
  MCP_OAUTH_ISSUER           Authorization server for token introspection
  MCP_OAUTH_PROXY_ENABLED    Mount the OAuth proxy endpoints

See the full variable list in the deployment docs.`,
	RunE: runHTTP,
}

func init() {
	httpCmd.Flags().StringVarP(&httpLogLevel, "log-level", "l", "info", "Log level (debug, info, warn, error)")
	rootCmd.AddCommand(httpCmd)
}

func runHTTP(cmd *cobra.Command, args []string) error {
	log, err := logging.New(logging.Config{Level: httpLogLevel})
	if err != nil {
		return err
	}
	defer func() { _ = logging.Sync(log) }()

	cfg, err := httpserver.LoadEnvConfig()
	if err != nil {
		return err
	}

	sessions := session.NewStore(session.StoreConfig{Logger: log.Named("sessions")})
	rt := server.NewRuntime(server.Options{
		ServerInfo:    protocol.Implementation{Name: "mcpd", Version: version},
		Instructions:  "Demo server with echo, add and time tools.",
		Subscriptions: sessions,
		Logger:        log.Named("runtime"),
	})
	server.RegisterDemo(rt)

	opts := httpserver.Options{
		Runtime:         rt,
		Sessions:        sessions,
		ManagementToken: cfg.ManagementToken,
		SessionMaxIdle:  cfg.SessionMaxIdle,
		SweepInterval:   cfg.SweepInterval,
		Logger:          log.Named("http"),
	}

	if cfg.AuthRequired {
		authorizer, err := authz.New(authz.Config{
			Issuer:         cfg.OAuthIssuer,
			ClientID:       cfg.OAuthClientID,
			ClientSecret:   cfg.OAuthClientSecret,
			RequiredScopes: cfg.RequiredScopes,
			Logger:         log.Named("authz"),
		})
		if err != nil {
			return err
		}
		opts.Authorizer = authorizer
	}

	if cfg.ProxyEnabled {
		proxy, err := oauthproxy.New(oauthproxy.Config{
			BaseURL:                       cfg.ProxyBaseURL,
			UpstreamIssuer:                cfg.ProxyUpstreamIssuer,
			UpstreamAuthorizeEndpoint:     cfg.ProxyUpstreamAuthorize,
			UpstreamTokenEndpoint:         cfg.ProxyUpstreamToken,
			UpstreamIntrospectionEndpoint: cfg.ProxyUpstreamIntrospect,
			UpstreamRevocationEndpoint:    cfg.ProxyUpstreamRevoke,
			ClientID:                      cfg.ProxyClientID,
			ClientSecret:                  cfg.ProxyClientSecret,
			StateSecret:                   cfg.ProxyStateSecret,
			Logger:                        log.Named("oauthproxy"),
		})
		if err != nil {
			return err
		}
		opts.Proxy = proxy
	}

	srv, err := httpserver.New(opts)
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	addr := fmt.Sprintf(":%d", cfg.Port)
	log.Info("mcpd http starting", zap.String("version", version), zap.String("addr", addr))
	return srv.Start(ctx, addr)
}
