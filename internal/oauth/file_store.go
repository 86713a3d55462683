package oauth

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
)

const (
	credentialsDir  = ".config/mcpd"
	credentialsFile = ".credentials.json"
)

// FileStore keeps credentials in a single JSON file, written atomically
// with owner-only permissions.
type FileStore struct {
	path string
	mu   sync.RWMutex
}

// NewFileStore returns a store rooted at the default credentials path
// under the user's home directory.
func NewFileStore() (*FileStore, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return nil, fmt.Errorf("get home dir: %w", err)
	}
	return &FileStore{path: filepath.Join(home, credentialsDir, credentialsFile)}, nil
}

// NewFileStoreAt returns a store backed by an explicit path.
func NewFileStoreAt(path string) *FileStore {
	return &FileStore{path: path}
}

// Get retrieves credentials for a server by URL. Returns nil, nil when
// no entry exists.
func (s *FileStore) Get(serverURL string) (*Credential, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	creds, err := s.load()
	if err != nil {
		return nil, err
	}
	for _, c := range creds {
		if c.ServerURL == serverURL {
			return c, nil
		}
	}
	return nil, nil
}

// Put stores credentials for a server, replacing any existing entry for
// the same URL. The credential is validated before anything is written.
func (s *FileStore) Put(cred *Credential) error {
	if err := cred.Validate(); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	creds, err := s.load()
	if err != nil {
		return err
	}

	for i, c := range creds {
		if c.ServerURL == cred.ServerURL {
			creds[i] = cred
			return s.save(creds)
		}
	}
	return s.save(append(creds, cred))
}

// Delete removes credentials for a server. Deleting an absent entry is
// not an error.
func (s *FileStore) Delete(serverURL string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	creds, err := s.load()
	if err != nil {
		return err
	}

	kept := creds[:0]
	for _, c := range creds {
		if c.ServerURL != serverURL {
			kept = append(kept, c)
		}
	}
	return s.save(kept)
}

// List returns all stored credentials.
func (s *FileStore) List() ([]*Credential, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.load()
}

// load reads the credentials file. A missing file is an empty store.
// Caller must hold the lock.
func (s *FileStore) load() ([]*Credential, error) {
	data, err := os.ReadFile(s.path)
	if err != nil {
		if os.IsNotExist(err) {
			return []*Credential{}, nil
		}
		return nil, fmt.Errorf("read credentials: %w", err)
	}

	var creds []*Credential
	if err := json.Unmarshal(data, &creds); err != nil {
		return nil, fmt.Errorf("parse credentials: %w", err)
	}
	return creds, nil
}

// save writes the full credential list via tmp file and rename. Caller
// must hold the lock.
func (s *FileStore) save(creds []*Credential) error {
	if err := os.MkdirAll(filepath.Dir(s.path), 0700); err != nil {
		return fmt.Errorf("create credentials dir: %w", err)
	}

	data, err := json.MarshalIndent(creds, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal credentials: %w", err)
	}

	tmp := s.path + ".tmp"
	if err := os.WriteFile(tmp, data, 0600); err != nil {
		return fmt.Errorf("write credentials: %w", err)
	}
	if err := os.Rename(tmp, s.path); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("rename credentials: %w", err)
	}
	return nil
}
