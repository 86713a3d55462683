package oauth

import (
	"path/filepath"
	"testing"
	"time"
)

// Authentication for an HTTP server resolves in order: a static
// Authorization header from config wins, then stored OAuth credentials,
// and a server with neither is in the needs-login state. The routing
// itself lives in the serve aggregator; these tests pin down the store
// states it distinguishes.

func TestAuthPrecedence_StoredCredentialAvailable(t *testing.T) {
	store := NewFileStoreAt(filepath.Join(t.TempDir(), "creds.json"))
	serverURL := "https://example.com/mcp"

	cred := &Credential{
		ServerName:   "test",
		ServerURL:    serverURL,
		ClientID:     "client-123",
		AccessToken:  "oauth-token",
		RefreshToken: "refresh-token",
		ExpiresAt:    time.Now().Add(time.Hour).UnixMilli(),
	}
	if err := store.Put(cred); err != nil {
		t.Fatalf("failed to store credential: %v", err)
	}

	stored, err := store.Get(serverURL)
	if err != nil {
		t.Fatalf("failed to get credential: %v", err)
	}
	if stored == nil {
		t.Fatal("expected stored OAuth credential")
	}
	if stored.AccessToken != "oauth-token" {
		t.Errorf("AccessToken = %q, want %q", stored.AccessToken, "oauth-token")
	}
	if stored.NeedsRefresh() {
		t.Error("credential with an hour left should not need refresh")
	}
}

func TestAuthPrecedence_NoCredentialMeansNeedsLogin(t *testing.T) {
	store := NewFileStoreAt(filepath.Join(t.TempDir(), "creds.json"))

	// An unknown server yields nil without error; callers treat that as
	// the needs-login state rather than a failure.
	cred, err := store.Get("https://example.com/mcp")
	if err != nil {
		t.Fatalf("failed to get credential: %v", err)
	}
	if cred != nil {
		t.Fatalf("expected no stored credential, got %+v", cred)
	}
}

func TestAuthPrecedence_ExpiredCredentialStillStored(t *testing.T) {
	store := NewFileStoreAt(filepath.Join(t.TempDir(), "creds.json"))
	serverURL := "https://example.com/mcp"

	cred := &Credential{
		ServerName:   "test",
		ServerURL:    serverURL,
		ClientID:     "client-123",
		AccessToken:  "expired-token",
		RefreshToken: "refresh-token",
		ExpiresAt:    time.Now().Add(-time.Hour).UnixMilli(),
	}
	if err := store.Put(cred); err != nil {
		t.Fatalf("failed to store credential: %v", err)
	}

	// Expiry does not demote the server to needs-login; the refresh
	// token keeps it in the authenticated state.
	stored, err := store.Get(serverURL)
	if err != nil {
		t.Fatalf("failed to get credential: %v", err)
	}
	if stored == nil {
		t.Fatal("expected stored credential despite expiry")
	}
	if !stored.IsExpired() || !stored.NeedsRefresh() {
		t.Error("expected credential to be expired and need refresh")
	}
}
