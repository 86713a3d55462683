package oauth

import (
	"encoding/json"
	"fmt"
	"strings"
	"sync"

	"github.com/zalando/go-keyring"
)

const (
	// keyringService is the service name under which entries are filed
	// in the system keychain.
	keyringService = "mcpd"

	// keyringIndexKey holds the list of stored server URLs. Keychains
	// have no enumeration API, so the index is maintained by hand.
	keyringIndexKey = "_index"
)

// KeyringStore keeps credentials in the operating system keychain.
type KeyringStore struct {
	mu sync.RWMutex
}

// NewKeyringStore probes the keychain and returns a store backed by it.
// Fails on headless systems without a keychain service.
func NewKeyringStore() (*KeyringStore, error) {
	_, err := keyring.Get(keyringService, "_test_availability")
	if err != nil && err != keyring.ErrNotFound {
		return nil, fmt.Errorf("keyring not available: %w", err)
	}
	return &KeyringStore{}, nil
}

// Get retrieves credentials for a server by URL. Returns nil, nil when
// no entry exists.
func (s *KeyringStore) Get(serverURL string) (*Credential, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	data, err := keyring.Get(keyringService, urlToKey(serverURL))
	if err != nil {
		if err == keyring.ErrNotFound {
			return nil, nil
		}
		return nil, fmt.Errorf("keyring get: %w", err)
	}

	var cred Credential
	if err := json.Unmarshal([]byte(data), &cred); err != nil {
		return nil, fmt.Errorf("parse credential: %w", err)
	}
	return &cred, nil
}

// Put stores credentials for a server. The credential is validated
// before anything is written.
func (s *KeyringStore) Put(cred *Credential) error {
	if err := cred.Validate(); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	data, err := json.Marshal(cred)
	if err != nil {
		return fmt.Errorf("marshal credential: %w", err)
	}
	if err := keyring.Set(keyringService, urlToKey(cred.ServerURL), string(data)); err != nil {
		return fmt.Errorf("keyring set: %w", err)
	}

	return s.updateIndex(func(urls []string) []string {
		for _, u := range urls {
			if u == cred.ServerURL {
				return urls
			}
		}
		return append(urls, cred.ServerURL)
	})
}

// Delete removes credentials for a server. Deleting an absent entry is
// not an error.
func (s *KeyringStore) Delete(serverURL string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := keyring.Delete(keyringService, urlToKey(serverURL)); err != nil && err != keyring.ErrNotFound {
		return fmt.Errorf("keyring delete: %w", err)
	}

	return s.updateIndex(func(urls []string) []string {
		kept := urls[:0]
		for _, u := range urls {
			if u != serverURL {
				kept = append(kept, u)
			}
		}
		return kept
	})
}

// List returns all stored credentials. Index entries whose keychain
// record is missing or unreadable are skipped.
func (s *KeyringStore) List() ([]*Credential, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	urls, err := s.loadIndex()
	if err != nil {
		return nil, err
	}

	creds := make([]*Credential, 0, len(urls))
	for _, url := range urls {
		data, err := keyring.Get(keyringService, urlToKey(url))
		if err != nil {
			if err == keyring.ErrNotFound {
				continue
			}
			return nil, fmt.Errorf("keyring get %s: %w", url, err)
		}

		var cred Credential
		if err := json.Unmarshal([]byte(data), &cred); err != nil {
			continue
		}
		creds = append(creds, &cred)
	}
	return creds, nil
}

// loadIndex reads the stored URL list. Caller must hold the lock.
func (s *KeyringStore) loadIndex() ([]string, error) {
	data, err := keyring.Get(keyringService, keyringIndexKey)
	if err != nil {
		if err == keyring.ErrNotFound {
			return nil, nil
		}
		return nil, fmt.Errorf("keyring get index: %w", err)
	}
	if data == "" {
		return nil, nil
	}

	var urls []string
	if err := json.Unmarshal([]byte(data), &urls); err != nil {
		return nil, fmt.Errorf("parse index: %w", err)
	}
	return urls, nil
}

// updateIndex applies fn to the URL list and writes it back. Caller
// must hold the lock.
func (s *KeyringStore) updateIndex(fn func([]string) []string) error {
	urls, err := s.loadIndex()
	if err != nil {
		return err
	}

	data, err := json.Marshal(fn(urls))
	if err != nil {
		return fmt.Errorf("marshal index: %w", err)
	}
	if err := keyring.Set(keyringService, keyringIndexKey, string(data)); err != nil {
		return fmt.Errorf("keyring set index: %w", err)
	}
	return nil
}

// urlToKey flattens a server URL into a keychain-safe key.
func urlToKey(url string) string {
	key := strings.ReplaceAll(url, "://", "_")
	key = strings.ReplaceAll(key, "/", "_")
	return strings.ReplaceAll(key, ":", "_")
}
