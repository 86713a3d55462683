// Package oauthproxy fronts an upstream authorization server that lacks
// dynamic client registration and PKCE, presenting a conformant OAuth 2.1
// surface to clients: local RFC 7591 registration, PKCE enforcement, state
// forwarding via an HS256 JWT, and token-to-client mappings keyed by token
// hash.
package oauthproxy

import (
	"sync"
	"time"
)

// ClientRecord is a locally registered OAuth client.
type ClientRecord struct {
	ClientID                string    `json:"clientId"`
	ClientSecretHash        string    `json:"clientSecretHash,omitempty"`
	RedirectURIs            []string  `json:"redirectUris"`
	GrantTypes              []string  `json:"grantTypes"`
	ResponseTypes           []string  `json:"responseTypes"`
	TokenEndpointAuthMethod string    `json:"tokenEndpointAuthMethod"`
	Scope                   string    `json:"scope,omitempty"`
	ClientName              string    `json:"clientName,omitempty"`
	CreatedAt               time.Time `json:"createdAt"`
}

// HasRedirectURI reports whether uri is one of the registered redirect URIs.
func (c *ClientRecord) HasRedirectURI(uri string) bool {
	for _, u := range c.RedirectURIs {
		if u == uri {
			return true
		}
	}
	return false
}

// CodeRecord maps an authorization code to the client it was issued for.
// Short-lived and consumed exactly once.
type CodeRecord struct {
	ClientID            string    `json:"clientId"`
	RedirectURI         string    `json:"redirectUri"`
	CodeChallenge       string    `json:"codeChallenge,omitempty"`
	CodeChallengeMethod string    `json:"codeChallengeMethod,omitempty"`
	Scope               string    `json:"scope,omitempty"`
	IssuedAt            time.Time `json:"issuedAt"`
	ExpiresAt           time.Time `json:"expiresAt"`
}

// Expired reports whether the code's lifetime has passed.
func (c *CodeRecord) Expired(now time.Time) bool {
	return now.After(c.ExpiresAt)
}

// TokenKind distinguishes access and refresh token mappings.
type TokenKind string

const (
	TokenKindAccess  TokenKind = "access"
	TokenKindRefresh TokenKind = "refresh"
)

// TokenRecord links an upstream-issued token (by SHA-256 hash) to the
// local client it was exchanged for. The token plaintext is never stored.
type TokenRecord struct {
	LocalClientID string    `json:"clientIdLocal"`
	Kind          TokenKind `json:"tokenType"`
	IssuedAt      time.Time `json:"issuedAt"`
	ExpiresAt     time.Time `json:"expiresAt,omitempty"`
}

// Storage persists proxy state. Implementations must be safe for
// concurrent use.
type Storage interface {
	// PutClient stores a registered client.
	PutClient(rec ClientRecord) error

	// GetClient returns the client with id, or nil if unknown.
	GetClient(id string) (*ClientRecord, error)

	// PutCode stores an authorization-code mapping.
	PutCode(code string, rec CodeRecord) error

	// ConsumeCode removes and returns the mapping for code, or nil if it
	// was never stored or already consumed.
	ConsumeCode(code string) (*CodeRecord, error)

	// PutToken stores a token mapping under the token's SHA-256 hash.
	// An existing mapping for the same hash is overwritten.
	PutToken(hash string, rec TokenRecord) error

	// GetToken returns the mapping for hash, or nil if absent.
	GetToken(hash string) (*TokenRecord, error)

	// DeleteToken removes the mapping for hash. Absent hashes are a no-op.
	DeleteToken(hash string) error
}

// MemoryStorage is the in-process Storage used by default.
type MemoryStorage struct {
	mu      sync.RWMutex
	clients map[string]ClientRecord
	codes   map[string]CodeRecord
	tokens  map[string]TokenRecord
}

// NewMemoryStorage creates an empty in-memory store.
func NewMemoryStorage() *MemoryStorage {
	return &MemoryStorage{
		clients: make(map[string]ClientRecord),
		codes:   make(map[string]CodeRecord),
		tokens:  make(map[string]TokenRecord),
	}
}

// PutClient stores a registered client.
func (m *MemoryStorage) PutClient(rec ClientRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.clients[rec.ClientID] = rec
	return nil
}

// GetClient returns the client with id, or nil if unknown.
func (m *MemoryStorage) GetClient(id string) (*ClientRecord, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	rec, ok := m.clients[id]
	if !ok {
		return nil, nil
	}
	return &rec, nil
}

// PutCode stores an authorization-code mapping.
func (m *MemoryStorage) PutCode(code string, rec CodeRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.codes[code] = rec
	return nil
}

// ConsumeCode removes and returns the mapping for code.
func (m *MemoryStorage) ConsumeCode(code string) (*CodeRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	rec, ok := m.codes[code]
	if !ok {
		return nil, nil
	}
	delete(m.codes, code)
	return &rec, nil
}

// PutToken stores a token mapping under hash, overwriting any existing
// mapping for the same hash.
func (m *MemoryStorage) PutToken(hash string, rec TokenRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.tokens[hash] = rec
	return nil
}

// GetToken returns the mapping for hash, or nil if absent.
func (m *MemoryStorage) GetToken(hash string) (*TokenRecord, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	rec, ok := m.tokens[hash]
	if !ok {
		return nil, nil
	}
	return &rec, nil
}

// DeleteToken removes the mapping for hash.
func (m *MemoryStorage) DeleteToken(hash string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.tokens, hash)
	return nil
}
