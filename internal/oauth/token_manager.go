package oauth

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"
)

// WarningHandler is called for non-fatal problems that the user should
// hear about, such as a refreshed token that could not be persisted.
type WarningHandler func(serverURL string, warning error)

// TokenManager hands out valid access tokens, refreshing them behind the
// scenes. It is the BearerTokenProvider behind OAuth-authenticated HTTP
// transports.
type TokenManager struct {
	store     CredentialStore
	log       *zap.Logger
	onWarning WarningHandler

	mu       sync.Mutex
	metadata map[string]*AuthorizationServerMetadata // cached by server URL
}

// NewTokenManager creates a token manager over the given store.
func NewTokenManager(store CredentialStore) *TokenManager {
	return &TokenManager{
		store:    store,
		log:      zap.NewNop(),
		metadata: make(map[string]*AuthorizationServerMetadata),
	}
}

// SetLogger attaches a logger. Nil resets to a no-op logger.
func (m *TokenManager) SetLogger(logger *zap.Logger) {
	if logger == nil {
		logger = zap.NewNop()
	}
	m.log = logger
}

// SetWarningHandler sets a callback for non-fatal warnings so callers can
// surface them without failing the operation.
func (m *TokenManager) SetWarningHandler(handler WarningHandler) {
	m.onWarning = handler
}

// GetAccessToken returns a valid access token for a server, refreshing it
// first when it is within the expiry skew window.
func (m *TokenManager) GetAccessToken(ctx context.Context, serverURL string) (string, error) {
	cred, err := m.store.Get(serverURL)
	if err != nil {
		return "", fmt.Errorf("get credential: %w", err)
	}
	if cred == nil {
		return "", fmt.Errorf("no credentials for %s", serverURL)
	}

	if !cred.NeedsRefresh() {
		return cred.AccessToken, nil
	}

	if cred.RefreshToken == "" {
		return "", fmt.Errorf("token expired and no refresh token available")
	}

	metadata, err := m.metadataFor(ctx, serverURL)
	if err != nil {
		return "", fmt.Errorf("discover metadata: %w", err)
	}

	tokens, err := RefreshToken(ctx, metadata.TokenEndpoint, cred.ClientID, cred.ClientSecret, cred.RefreshToken, metadata)
	if err != nil {
		return "", fmt.Errorf("refresh token: %w", err)
	}

	cred.AccessToken = tokens.AccessToken
	if tokens.RefreshToken != "" {
		cred.RefreshToken = tokens.RefreshToken
	}
	cred.ExpiresAt = time.Now().Add(time.Duration(tokens.ExpiresIn) * time.Second).UnixMilli()
	if tokens.Scope != "" {
		cred.Scopes = strings.Split(tokens.Scope, " ")
	}

	if err := m.store.Put(cred); err != nil {
		// The refreshed token works for this run; the next restart will
		// need a re-login.
		m.log.Warn("failed to store refreshed token", zap.String("serverURL", serverURL), zap.Error(err))
		if m.onWarning != nil {
			m.onWarning(serverURL, fmt.Errorf("failed to save refreshed token (re-login required on restart): %w", err))
		}
	}

	return cred.AccessToken, nil
}

func (m *TokenManager) metadataFor(ctx context.Context, serverURL string) (*AuthorizationServerMetadata, error) {
	m.mu.Lock()
	metadata, ok := m.metadata[serverURL]
	m.mu.Unlock()
	if ok {
		return metadata, nil
	}

	result, err := Discover(ctx, serverURL)
	if err != nil {
		return nil, err
	}

	m.mu.Lock()
	m.metadata[serverURL] = result.Metadata
	m.mu.Unlock()
	return result.Metadata, nil
}
