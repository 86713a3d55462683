package mcp

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"syscall"

	"go.uber.org/zap"
)

// PIDTracker records spawned child pids in a file so that a later startup
// can reap processes orphaned by a crash of this process.
type PIDTracker struct {
	mu   sync.Mutex
	path string
	log  *zap.Logger
}

// trackedPID is one entry in the pid file.
type trackedPID struct {
	PID     int    `json:"pid"`
	Command string `json:"command,omitempty"`
}

// NewPIDTracker stores pids at the given path, typically
// ~/.config/mcpd/pids.json.
func NewPIDTracker(path string, logger *zap.Logger) *PIDTracker {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &PIDTracker{path: path, log: logger}
}

// DefaultPIDPath returns the pid file location under the user config dir.
func DefaultPIDPath() (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("resolve home dir: %w", err)
	}
	return filepath.Join(home, ".config", "mcpd", "pids.json"), nil
}

// Add records a live child pid under the given key.
func (p *PIDTracker) Add(key string, pid int) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	pids, err := p.load()
	if err != nil {
		return err
	}
	pids[key] = trackedPID{PID: pid}
	return p.save(pids)
}

// Remove forgets the entry for key. Missing entries are not an error.
func (p *PIDTracker) Remove(key string) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	pids, err := p.load()
	if err != nil {
		return err
	}
	if _, ok := pids[key]; !ok {
		return nil
	}
	delete(pids, key)
	return p.save(pids)
}

// CleanupOrphans signals any recorded pid that is still alive and clears
// the file. Called once at startup, before any children are spawned.
func (p *PIDTracker) CleanupOrphans() {
	p.mu.Lock()
	defer p.mu.Unlock()

	pids, err := p.load()
	if err != nil {
		p.log.Warn("failed to load pid file", zap.Error(err))
		return
	}
	for key, entry := range pids {
		proc, err := os.FindProcess(entry.PID)
		if err != nil {
			continue
		}
		// Signal 0 probes liveness without delivering anything.
		if err := proc.Signal(syscall.Signal(0)); err != nil {
			continue
		}
		p.log.Warn("terminating orphaned child process",
			zap.String("key", key), zap.Int("pid", entry.PID))
		if err := proc.Signal(syscall.SIGTERM); err != nil {
			p.log.Warn("failed to signal orphan", zap.Int("pid", entry.PID), zap.Error(err))
		}
	}
	if err := p.save(map[string]trackedPID{}); err != nil {
		p.log.Warn("failed to reset pid file", zap.Error(err))
	}
}

func (p *PIDTracker) load() (map[string]trackedPID, error) {
	data, err := os.ReadFile(p.path)
	if os.IsNotExist(err) {
		return map[string]trackedPID{}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read pid file: %w", err)
	}
	pids := map[string]trackedPID{}
	if err := json.Unmarshal(data, &pids); err != nil {
		// A corrupt file should not block spawning. Start fresh.
		return map[string]trackedPID{}, nil
	}
	return pids, nil
}

func (p *PIDTracker) save(pids map[string]trackedPID) error {
	if err := os.MkdirAll(filepath.Dir(p.path), 0700); err != nil {
		return fmt.Errorf("create pid dir: %w", err)
	}
	data, err := json.MarshalIndent(pids, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal pids: %w", err)
	}
	if err := os.WriteFile(p.path, data, 0600); err != nil {
		return fmt.Errorf("write pid file: %w", err)
	}
	return nil
}
