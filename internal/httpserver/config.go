// Package httpserver implements the streamable HTTP server transport:
// the unified /mcp endpoint with per-session SSE streams, health and
// metrics endpoints, the session-cleanup management endpoint, and
// optional OAuth protection via the authz and oauthproxy packages.
package httpserver

import (
	"errors"
	"fmt"
	"time"

	"github.com/caarlos0/env/v11"
)

// EnvConfig is the process-level HTTP server configuration, populated
// from the environment.
type EnvConfig struct {
	// Port the server listens on.
	Port int `env:"PORT" envDefault:"80"`

	// ManagementToken guards POST /management/cleanup. Empty disables
	// the endpoint.
	ManagementToken string `env:"MCP_MANAGEMENT_TOKEN"`

	// SessionMaxIdle is the inactivity threshold for the background
	// sweep; SweepInterval is how often it runs. A zero interval
	// disables the background sweep (the management endpoint still
	// works).
	SessionMaxIdle time.Duration `env:"MCP_SESSION_MAX_IDLE" envDefault:"30m"`
	SweepInterval  time.Duration `env:"MCP_SESSION_SWEEP_INTERVAL" envDefault:"5m"`

	// OAuth resource-server settings. AuthRequired turns bearer
	// enforcement on for /mcp.
	AuthRequired      bool     `env:"MCP_AUTH_REQUIRED"`
	OAuthIssuer       string   `env:"MCP_OAUTH_ISSUER"`
	OAuthClientID     string   `env:"MCP_OAUTH_CLIENT_ID"`
	OAuthClientSecret string   `env:"MCP_OAUTH_CLIENT_SECRET"`
	RequiredScopes    []string `env:"MCP_REQUIRED_SCOPES" envSeparator:" "`

	// OAuth proxy settings. ProxyEnabled mounts the proxy endpoints.
	ProxyEnabled            bool   `env:"MCP_OAUTH_PROXY_ENABLED"`
	ProxyBaseURL            string `env:"MCP_OAUTH_PROXY_BASE_URL"`
	ProxyUpstreamIssuer     string `env:"MCP_OAUTH_UPSTREAM_ISSUER"`
	ProxyUpstreamAuthorize  string `env:"MCP_OAUTH_UPSTREAM_AUTHORIZE_ENDPOINT"`
	ProxyUpstreamToken      string `env:"MCP_OAUTH_UPSTREAM_TOKEN_ENDPOINT"`
	ProxyUpstreamIntrospect string `env:"MCP_OAUTH_UPSTREAM_INTROSPECTION_ENDPOINT"`
	ProxyUpstreamRevoke     string `env:"MCP_OAUTH_UPSTREAM_REVOCATION_ENDPOINT"`
	ProxyClientID           string `env:"MCP_OAUTH_PROXY_CLIENT_ID"`
	ProxyClientSecret       string `env:"MCP_OAUTH_PROXY_CLIENT_SECRET"`
	ProxyStateSecret        string `env:"MCP_OAUTH_PROXY_STATE_SECRET"`
}

// LoadEnvConfig reads the server configuration from the environment and
// validates cross-field requirements.
func LoadEnvConfig() (*EnvConfig, error) {
	var cfg EnvConfig
	if err := env.Parse(&cfg); err != nil {
		return nil, fmt.Errorf("parse environment: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate reports configuration problems at startup, never at request
// time.
func (c *EnvConfig) Validate() error {
	if c.Port <= 0 || c.Port > 65535 {
		return fmt.Errorf("invalid port %d", c.Port)
	}
	if c.AuthRequired {
		if c.OAuthIssuer == "" {
			return errors.New("MCP_AUTH_REQUIRED is set but MCP_OAUTH_ISSUER is empty")
		}
		if c.OAuthClientID == "" || c.OAuthClientSecret == "" {
			return errors.New("MCP_AUTH_REQUIRED is set but introspection client credentials are missing")
		}
	}
	if c.ProxyEnabled {
		if c.ProxyBaseURL == "" || c.ProxyUpstreamIssuer == "" {
			return errors.New("OAuth proxy enabled but base URL or upstream issuer is missing")
		}
		if len(c.ProxyStateSecret) < 32 {
			return errors.New("MCP_OAUTH_PROXY_STATE_SECRET must be at least 32 characters")
		}
	}
	return nil
}
