package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/mitchellh/hashstructure/v2"

	"github.com/Bigsy/mcpd/internal/protocol"
)

const ToolCacheVersion = 2

// ToolCache persists per-server tool lists alongside the active config
// file. Entries are keyed by a fingerprint of the server's transport
// configuration, so a changed command or URL invalidates the cached list
// while renames keep it.
type ToolCache struct {
	path  string
	cache toolCacheFile
	mu    sync.RWMutex
}

type toolCacheFile struct {
	Version int                        `json:"version"`
	Servers map[string]ServerToolCache `json:"servers"`
}

// ServerToolCache stores the cached tool list for a single server.
type ServerToolCache struct {
	Fingerprint uint64          `json:"fingerprint"`
	Tools       []protocol.Tool `json:"tools"`
	UpdatedAt   time.Time       `json:"updatedAt"`
}

// Fingerprint hashes the parts of a server config that determine which
// tools it can expose. Identity fields (id, name, enabled) are excluded.
func Fingerprint(srv ServerConfig) uint64 {
	h, err := hashstructure.Hash(srv, hashstructure.FormatV2, nil)
	if err != nil {
		return 0
	}
	return h
}

// ToolCachePath returns the cache file path co-located with the active config.
func ToolCachePath(configPath string) (string, error) {
	if configPath != "" {
		expanded := configPath
		if strings.HasPrefix(expanded, "~/") {
			home, err := os.UserHomeDir()
			if err != nil {
				return "", fmt.Errorf("get home dir: %w", err)
			}
			expanded = filepath.Join(home, expanded[2:])
		}
		return filepath.Join(filepath.Dir(expanded), "toolcache.json"), nil
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("get home dir: %w", err)
	}
	return filepath.Join(home, configDir, "toolcache.json"), nil
}

// NewToolCache creates or loads a tool cache for the given config path.
func NewToolCache(configPath string) (*ToolCache, error) {
	path, err := ToolCachePath(configPath)
	if err != nil {
		return nil, err
	}
	tc := &ToolCache{
		path: path,
		cache: toolCacheFile{
			Version: ToolCacheVersion,
			Servers: make(map[string]ServerToolCache),
		},
	}
	tc.load()
	return tc, nil
}

// Update caches tools for a server under the given config fingerprint.
func (tc *ToolCache) Update(serverID string, fingerprint uint64, tools []protocol.Tool) error {
	tc.mu.Lock()
	defer tc.mu.Unlock()

	tc.cache.Servers[serverID] = ServerToolCache{
		Fingerprint: fingerprint,
		Tools:       tools,
		UpdatedAt:   time.Now(),
	}
	return tc.save()
}

// Get retrieves cached tools for a server. A fingerprint mismatch is a
// miss: the server's transport config changed since the list was cached.
func (tc *ToolCache) Get(serverID string, fingerprint uint64) ([]protocol.Tool, bool) {
	tc.mu.RLock()
	defer tc.mu.RUnlock()

	entry, ok := tc.cache.Servers[serverID]
	if !ok || entry.Fingerprint != fingerprint {
		return nil, false
	}
	return entry.Tools, true
}

// Delete removes a server from the cache.
func (tc *ToolCache) Delete(serverID string) error {
	tc.mu.Lock()
	defer tc.mu.Unlock()

	if _, ok := tc.cache.Servers[serverID]; !ok {
		return nil
	}
	delete(tc.cache.Servers, serverID)
	return tc.save()
}

// Rename migrates a cache entry to a new key. The fingerprint is
// unchanged; identity fields do not participate in it.
func (tc *ToolCache) Rename(oldID, newID string) error {
	tc.mu.Lock()
	defer tc.mu.Unlock()

	entry, ok := tc.cache.Servers[oldID]
	if !ok {
		return nil
	}
	delete(tc.cache.Servers, oldID)
	tc.cache.Servers[newID] = entry
	return tc.save()
}

func (tc *ToolCache) load() {
	data, err := os.ReadFile(tc.path)
	if err != nil {
		return
	}

	var file toolCacheFile
	if err := json.Unmarshal(data, &file); err != nil {
		return
	}

	// Version mismatch, discard stale cache
	if file.Version != ToolCacheVersion {
		return
	}

	if file.Servers == nil {
		file.Servers = make(map[string]ServerToolCache)
	}
	tc.cache = file
}

func (tc *ToolCache) save() error {
	dir := filepath.Dir(tc.path)
	if err := os.MkdirAll(dir, 0700); err != nil {
		return fmt.Errorf("create cache dir: %w", err)
	}

	data, err := json.MarshalIndent(tc.cache, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal tool cache: %w", err)
	}

	tmpFile := tc.path + ".tmp"
	if err := os.WriteFile(tmpFile, data, 0600); err != nil {
		return fmt.Errorf("write temp cache: %w", err)
	}

	if err := os.Rename(tmpFile, tc.path); err != nil {
		_ = os.Remove(tmpFile)
		return fmt.Errorf("rename cache: %w", err)
	}

	return nil
}
