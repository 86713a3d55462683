// Package testutil provides common test utilities.
package testutil

import (
	"os"
	"path/filepath"
	"testing"
)

// SetupTestHome creates an isolated $HOME directory for tests. The
// config store and PID tracker both resolve paths under ~/.config/mcpd,
// so tests that touch either need a throwaway home to avoid clobbering
// the developer's real files.
//
// The temp directory is automatically cleaned up when the test ends.
func SetupTestHome(t *testing.T) string {
	t.Helper()

	tmpHome := t.TempDir()
	t.Setenv("HOME", tmpHome)
	t.Setenv("XDG_CONFIG_HOME", filepath.Join(tmpHome, ".config"))
	// TMPDIR for macOS
	t.Setenv("TMPDIR", tmpHome)

	configDir := filepath.Join(tmpHome, ".config", "mcpd")
	if err := os.MkdirAll(configDir, 0755); err != nil {
		t.Fatalf("create test config dir: %v", err)
	}

	return tmpHome
}

// WriteTestConfig writes a config file into the isolated $HOME and
// returns its path.
func WriteTestConfig(t *testing.T, configJSON string) string {
	t.Helper()

	home := os.Getenv("HOME")
	if home == "" {
		t.Fatal("HOME not set - call SetupTestHome first")
	}

	configPath := filepath.Join(home, ".config", "mcpd", "config.json")
	if err := os.WriteFile(configPath, []byte(configJSON), 0644); err != nil {
		t.Fatalf("write test config: %v", err)
	}

	return configPath
}
