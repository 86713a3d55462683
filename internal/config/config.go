package config

import (
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"
)

const (
	configDir  = ".config/mcpd"
	configFile = "config.json"
)

// ConfigPath returns the default config file location under the user's
// home directory.
func ConfigPath() (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("get home dir: %w", err)
	}
	return filepath.Join(home, configDir, configFile), nil
}

// expandHome resolves a leading ~/ against the user's home directory.
func expandHome(path string) (string, error) {
	if !strings.HasPrefix(path, "~/") {
		return path, nil
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("get home dir: %w", err)
	}
	return filepath.Join(home, path[2:]), nil
}

// Load reads the configuration from the default path. A missing file
// yields a fresh empty config, not an error.
func Load() (*Config, error) {
	path, err := ConfigPath()
	if err != nil {
		return nil, err
	}
	return LoadFrom(path)
}

// LoadFrom reads the configuration from an explicit path. A missing
// file yields a fresh empty config, not an error.
func LoadFrom(path string) (*Config, error) {
	path, err := expandHome(path)
	if err != nil {
		return nil, err
	}

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return NewConfig(), nil
		}
		return nil, fmt.Errorf("read config: %w", err)
	}

	var cfg Config
	if err := json.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}

	if cfg.Servers == nil {
		cfg.Servers = make(map[string]ServerConfig)
	}

	// Older files stored the ID only as the map key.
	for id, srv := range cfg.Servers {
		if srv.ID == "" {
			srv.ID = id
			cfg.Servers[id] = srv
		}
	}

	return &cfg, nil
}

// Save writes the configuration to the default path.
func Save(cfg *Config) error {
	path, err := ConfigPath()
	if err != nil {
		return err
	}
	return SaveTo(cfg, path)
}

// SaveTo writes the configuration to an explicit path, via tmp file and
// rename so a crash never leaves a half-written config behind.
func SaveTo(cfg *Config, path string) error {
	path, err := expandHome(path)
	if err != nil {
		return err
	}

	if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
		return fmt.Errorf("create config dir: %w", err)
	}

	cfg.LastModified = time.Now()

	data, err := json.MarshalIndent(cfg, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal config: %w", err)
	}

	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0600); err != nil {
		return fmt.Errorf("write temp config: %w", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("rename config: %w", err)
	}
	return nil
}

// GenerateID returns a short random server ID: 4 characters [a-z0-9].
func GenerateID() string {
	b := make([]byte, 2)
	if _, err := rand.Read(b); err != nil {
		return fmt.Sprintf("%04x", time.Now().UnixNano()&0xFFFF)
	}
	return hex.EncodeToString(b)
}

// ValidateID checks a server ID: exactly 4 characters, [a-z0-9] only.
// Dots are rejected explicitly since IDs appear in qualified tool names.
func ValidateID(id string) error {
	if len(id) != 4 {
		return errors.New("id must be 4 characters")
	}
	if strings.Contains(id, ".") {
		return errors.New("id cannot contain '.'")
	}
	for _, c := range id {
		if (c < 'a' || c > 'z') && (c < '0' || c > '9') {
			return errors.New("id must contain only [a-z0-9]")
		}
	}
	return nil
}

// AddServer registers a server, generating an ID when none is supplied.
// Names and IDs must be unique; the kind defaults to stdio.
func (c *Config) AddServer(srv ServerConfig) (string, error) {
	if srv.Name != "" {
		if existing := c.FindServerByName(srv.Name); existing != nil {
			return "", fmt.Errorf("server with name %q already exists", srv.Name)
		}
	}

	if srv.ID == "" {
		for {
			srv.ID = GenerateID()
			if _, taken := c.Servers[srv.ID]; !taken {
				break
			}
		}
	}
	if err := ValidateID(srv.ID); err != nil {
		return "", fmt.Errorf("invalid id: %w", err)
	}
	if _, taken := c.Servers[srv.ID]; taken {
		return "", fmt.Errorf("server id %q already exists", srv.ID)
	}

	if srv.Kind == "" {
		srv.Kind = ServerKindStdio
	}

	c.Servers[srv.ID] = srv
	return srv.ID, nil
}

// FindServerByName returns the server with the given display name, or
// nil when none matches.
func (c *Config) FindServerByName(name string) *ServerConfig {
	for _, srv := range c.Servers {
		if srv.Name == name {
			return &srv
		}
	}
	return nil
}

// DeleteServerByName removes the server with the given display name.
func (c *Config) DeleteServerByName(name string) error {
	for id, srv := range c.Servers {
		if srv.Name == name {
			return c.DeleteServer(id)
		}
	}
	return fmt.Errorf("server %q not found", name)
}

// UpdateServer replaces an existing server's configuration in place.
func (c *Config) UpdateServer(srv ServerConfig) error {
	if _, exists := c.Servers[srv.ID]; !exists {
		return fmt.Errorf("server %q not found", srv.ID)
	}
	c.Servers[srv.ID] = srv
	return nil
}

// DeleteServer removes a server by ID.
func (c *Config) DeleteServer(id string) error {
	if _, exists := c.Servers[id]; !exists {
		return fmt.Errorf("server %q not found", id)
	}
	delete(c.Servers, id)
	return nil
}

// RenameServer changes a server's display name. The new name must not be
// taken by another server.
func (c *Config) RenameServer(name, newName string) error {
	if newName == "" {
		return errors.New("new name is required")
	}
	if existing := c.FindServerByName(newName); existing != nil {
		return fmt.Errorf("server with name %q already exists", newName)
	}
	for id, srv := range c.Servers {
		if srv.Name == name {
			srv.Name = newName
			c.Servers[id] = srv
			return nil
		}
	}
	return fmt.Errorf("server %q not found", name)
}
