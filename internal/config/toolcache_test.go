package config

import (
	"encoding/json"
	"os"
	"path/filepath"
	"sync"
	"testing"

	"github.com/Bigsy/mcpd/internal/protocol"
)

func newTestCache(t *testing.T) *ToolCache {
	t.Helper()
	configPath := filepath.Join(t.TempDir(), "config.json")
	tc, err := NewToolCache(configPath)
	if err != nil {
		t.Fatalf("NewToolCache: %v", err)
	}
	return tc
}

func sampleTools() []protocol.Tool {
	return []protocol.Tool{
		{
			Name:        "read_file",
			Description: "Read a file from disk",
			InputSchema: json.RawMessage(`{"type":"object","properties":{"path":{"type":"string"}}}`),
		},
		{
			Name:        "write_file",
			Description: "Write content to a file",
			InputSchema: json.RawMessage(`{"type":"object","properties":{"path":{"type":"string"},"content":{"type":"string"}}}`),
		},
	}
}

func TestToolCache_UpdateAndGet(t *testing.T) {
	tc := newTestCache(t)

	if err := tc.Update("ab12", 42, sampleTools()); err != nil {
		t.Fatalf("Update: %v", err)
	}

	tools, ok := tc.Get("ab12", 42)
	if !ok {
		t.Fatal("expected to find cached tools")
	}
	if len(tools) != 2 {
		t.Fatalf("expected 2 tools, got %d", len(tools))
	}
	if tools[0].Name != "read_file" {
		t.Errorf("expected first tool name 'read_file', got %q", tools[0].Name)
	}
}

func TestToolCache_FingerprintMismatchIsMiss(t *testing.T) {
	tc := newTestCache(t)
	_ = tc.Update("ab12", 42, sampleTools())

	if _, ok := tc.Get("ab12", 43); ok {
		t.Error("expected fingerprint mismatch to miss")
	}
}

func TestToolCache_Delete(t *testing.T) {
	tc := newTestCache(t)
	_ = tc.Update("ab12", 42, sampleTools())

	if err := tc.Delete("ab12"); err != nil {
		t.Fatalf("Delete: %v", err)
	}

	if _, ok := tc.Get("ab12", 42); ok {
		t.Error("expected server to be deleted from cache")
	}
}

func TestToolCache_Delete_Nonexistent(t *testing.T) {
	tc := newTestCache(t)
	if err := tc.Delete("zz99"); err != nil {
		t.Fatalf("Delete nonexistent: %v", err)
	}
}

func TestToolCache_GetNonexistent(t *testing.T) {
	tc := newTestCache(t)
	if _, ok := tc.Get("zz99", 0); ok {
		t.Error("expected false for nonexistent server")
	}
}

func TestToolCache_Rename(t *testing.T) {
	tc := newTestCache(t)
	_ = tc.Update("ab12", 42, sampleTools())

	if err := tc.Rename("ab12", "cd34"); err != nil {
		t.Fatalf("Rename: %v", err)
	}

	if _, ok := tc.Get("ab12", 42); ok {
		t.Error("expected old key to be gone after rename")
	}

	tools, ok := tc.Get("cd34", 42)
	if !ok {
		t.Fatal("expected new key to exist after rename")
	}
	if len(tools) != 2 {
		t.Fatalf("expected 2 tools after rename, got %d", len(tools))
	}
}

func TestToolCache_Rename_Nonexistent(t *testing.T) {
	tc := newTestCache(t)
	if err := tc.Rename("zz99", "cd34"); err != nil {
		t.Fatalf("Rename nonexistent: %v", err)
	}
}

func TestFingerprint_IgnoresIdentityFields(t *testing.T) {
	srv := ServerConfig{
		ID:      "ab12",
		Name:    "alpha",
		Kind:    ServerKindStdio,
		Command: "echo",
		Args:    []string{"hello"},
	}
	fp := Fingerprint(srv)

	renamed := srv
	renamed.ID = "cd34"
	renamed.Name = "beta"
	renamed.SetEnabled(false)
	if Fingerprint(renamed) != fp {
		t.Error("expected identity fields to not affect the fingerprint")
	}

	changed := srv
	changed.Command = "cat"
	if Fingerprint(changed) == fp {
		t.Error("expected command change to change the fingerprint")
	}
}

func TestToolCache_Persistence(t *testing.T) {
	configPath := filepath.Join(t.TempDir(), "config.json")

	tc1, err := NewToolCache(configPath)
	if err != nil {
		t.Fatalf("NewToolCache: %v", err)
	}
	_ = tc1.Update("ab12", 42, sampleTools())

	tc2, err := NewToolCache(configPath)
	if err != nil {
		t.Fatalf("NewToolCache: %v", err)
	}
	tools, ok := tc2.Get("ab12", 42)
	if !ok {
		t.Fatal("expected tools to persist across instances")
	}
	if len(tools) != 2 {
		t.Fatalf("expected 2 tools, got %d", len(tools))
	}
}

func TestToolCache_FilePermissions(t *testing.T) {
	configPath := filepath.Join(t.TempDir(), "config.json")

	tc, _ := NewToolCache(configPath)
	_ = tc.Update("ab12", 42, sampleTools())

	cachePath, _ := ToolCachePath(configPath)
	info, err := os.Stat(cachePath)
	if err != nil {
		t.Fatalf("stat cache file: %v", err)
	}
	if perm := info.Mode().Perm(); perm != 0600 {
		t.Errorf("expected 0600 permissions, got %o", perm)
	}
}

func TestToolCache_VersionMismatch(t *testing.T) {
	configPath := filepath.Join(t.TempDir(), "config.json")
	cachePath, _ := ToolCachePath(configPath)

	data := `{"version":999,"servers":{"ab12":{"fingerprint":42,"tools":[{"name":"tool"}]}}}`
	_ = os.WriteFile(cachePath, []byte(data), 0600)

	tc, err := NewToolCache(configPath)
	if err != nil {
		t.Fatalf("NewToolCache: %v", err)
	}

	if _, ok := tc.Get("ab12", 42); ok {
		t.Error("expected version mismatch to discard cache")
	}
}

func TestToolCache_CorruptFile(t *testing.T) {
	configPath := filepath.Join(t.TempDir(), "config.json")
	cachePath, _ := ToolCachePath(configPath)

	_ = os.WriteFile(cachePath, []byte("{corrupt"), 0600)

	tc, err := NewToolCache(configPath)
	if err != nil {
		t.Fatalf("NewToolCache: %v", err)
	}

	if _, ok := tc.Get("ab12", 42); ok {
		t.Error("expected corrupt file to result in fresh cache")
	}
}

func TestToolCachePath_Default(t *testing.T) {
	path, err := ToolCachePath("")
	if err != nil {
		t.Fatalf("ToolCachePath: %v", err)
	}
	home, _ := os.UserHomeDir()
	expected := filepath.Join(home, ".config", "mcpd", "toolcache.json")
	if path != expected {
		t.Errorf("expected %q, got %q", expected, path)
	}
}

func TestToolCachePath_CustomConfig(t *testing.T) {
	path, err := ToolCachePath("/custom/path/config.json")
	if err != nil {
		t.Fatalf("ToolCachePath: %v", err)
	}
	if path != "/custom/path/toolcache.json" {
		t.Errorf("expected /custom/path/toolcache.json, got %q", path)
	}
}

func TestToolCachePath_TildeExpansion(t *testing.T) {
	path, err := ToolCachePath("~/foo/config.json")
	if err != nil {
		t.Fatalf("ToolCachePath: %v", err)
	}
	home, _ := os.UserHomeDir()
	expected := filepath.Join(home, "foo", "toolcache.json")
	if path != expected {
		t.Errorf("expected %q, got %q", expected, path)
	}
}

func TestToolCache_ConcurrentUpdates(t *testing.T) {
	tc := newTestCache(t)

	var wg sync.WaitGroup
	for range 10 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_ = tc.Update("ab12", 42, []protocol.Tool{{Name: "tool", Description: "desc"}})
		}()
	}
	wg.Wait()

	tools, ok := tc.Get("ab12", 42)
	if !ok {
		t.Fatal("expected tools to be cached after concurrent updates")
	}
	if len(tools) != 1 {
		t.Errorf("expected 1 tool, got %d", len(tools))
	}
}
