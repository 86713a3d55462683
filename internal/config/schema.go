// Package config provides the server configuration file, environment
// configuration and the persisted tool cache for mcpd.
package config

import (
	"sort"
	"time"
)

// SchemaVersion is the current config schema version.
const SchemaVersion = 1

// ServerKind represents the transport type for an MCP server.
type ServerKind string

const (
	ServerKindStdio ServerKind = "stdio"
	ServerKindHTTP  ServerKind = "http"
)

// ServerConfig represents an MCP server configuration. Identity fields
// carry a hash:"ignore" tag so renames keep the tool-cache fingerprint.
type ServerConfig struct {
	ID      string            `json:"id" hash:"ignore"`
	Name    string            `json:"name" hash:"ignore"`
	Kind    ServerKind        `json:"kind"`
	Enabled *bool             `json:"enabled,omitempty" hash:"ignore"` // nil treated as true
	Command string            `json:"command,omitempty"`               // stdio only
	Args    []string          `json:"args,omitempty"`                  // stdio only
	Cwd     string            `json:"cwd,omitempty"`
	Env     map[string]string `json:"env,omitempty"`

	// Streamable HTTP fields
	URL     string            `json:"url,omitempty"`
	Headers map[string]string `json:"headers,omitempty"`

	// OAuth fields
	OAuthEnabled      bool   `json:"oauthEnabled,omitempty"`
	OAuthClientID     string `json:"oauthClientId,omitempty"`
	OAuthScopes       string `json:"oauthScopes,omitempty"`
	OAuthAuthURL      string `json:"oauthAuthUrl,omitempty"`
	OAuthTokenURL     string `json:"oauthTokenUrl,omitempty"`
	OAuthClientSecret string `json:"-" hash:"ignore"` // never persisted in config, stored separately
}

// Config is the root configuration structure.
type Config struct {
	SchemaVersion int                     `json:"schemaVersion"`
	Servers       map[string]ServerConfig `json:"servers"`
	LastModified  time.Time               `json:"lastModified"`
}

// NewConfig creates a new empty configuration with default values.
func NewConfig() *Config {
	return &Config{
		SchemaVersion: SchemaVersion,
		Servers:       make(map[string]ServerConfig),
		LastModified:  time.Now(),
	}
}

// IsEnabled returns whether the server is enabled (nil defaults to true).
func (s ServerConfig) IsEnabled() bool {
	return s.Enabled == nil || *s.Enabled
}

// SetEnabled sets the enabled state.
func (s *ServerConfig) SetEnabled(enabled bool) {
	s.Enabled = &enabled
}

// ServerList returns the servers as a slice, sorted by name for display.
func (c *Config) ServerList() []ServerConfig {
	servers := make([]ServerConfig, 0, len(c.Servers))
	for _, s := range c.Servers {
		servers = append(servers, s)
	}
	sort.Slice(servers, func(i, j int) bool {
		if servers[i].Name != servers[j].Name {
			return servers[i].Name < servers[j].Name
		}
		return servers[i].ID < servers[j].ID
	})
	return servers
}

// GetServer returns a server by ID, or nil if not found.
func (c *Config) GetServer(id string) *ServerConfig {
	if s, ok := c.Servers[id]; ok {
		return &s
	}
	return nil
}
