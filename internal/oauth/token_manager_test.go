package oauth

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"sync/atomic"
	"testing"
	"time"
)

// newAuthServer starts a test server that answers authorization server
// metadata discovery for /mcp and serves /token with the given handler.
func newAuthServer(t *testing.T, tokenHandler http.HandlerFunc) *httptest.Server {
	t.Helper()

	mux := http.NewServeMux()
	server := httptest.NewServer(mux)
	t.Cleanup(server.Close)

	mux.HandleFunc("/.well-known/oauth-authorization-server/mcp", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]any{
			"issuer":                 server.URL,
			"authorization_endpoint": server.URL + "/authorize",
			"token_endpoint":         server.URL + "/token",
		})
	})
	mux.HandleFunc("/token", tokenHandler)

	return server
}

func storeWithCredential(t *testing.T, cred *Credential) *FileStore {
	t.Helper()
	store := NewFileStoreAt(filepath.Join(t.TempDir(), "creds.json"))
	if cred != nil {
		if err := store.Put(cred); err != nil {
			t.Fatalf("failed to store credential: %v", err)
		}
	}
	return store
}

func TestTokenManager_ValidTokenReturnedWithoutRefresh(t *testing.T) {
	var tokenCalls atomic.Int32
	server := newAuthServer(t, func(w http.ResponseWriter, r *http.Request) {
		tokenCalls.Add(1)
		w.WriteHeader(http.StatusInternalServerError)
	})
	serverURL := server.URL + "/mcp"

	store := storeWithCredential(t, &Credential{
		ServerURL:   serverURL,
		ClientID:    "client-123",
		AccessToken: "fresh-token",
		ExpiresAt:   time.Now().Add(time.Hour).UnixMilli(),
	})

	token, err := NewTokenManager(store).GetAccessToken(context.Background(), serverURL)
	if err != nil {
		t.Fatalf("GetAccessToken failed: %v", err)
	}
	if token != "fresh-token" {
		t.Errorf("token = %q, want %q", token, "fresh-token")
	}
	if tokenCalls.Load() != 0 {
		t.Errorf("token endpoint called %d times for a fresh token", tokenCalls.Load())
	}
}

func TestTokenManager_RefreshesExpiredToken(t *testing.T) {
	server := newAuthServer(t, func(w http.ResponseWriter, r *http.Request) {
		if err := r.ParseForm(); err != nil {
			t.Errorf("parse form: %v", err)
		}
		if got := r.Form.Get("grant_type"); got != "refresh_token" {
			t.Errorf("grant_type = %q", got)
		}
		if got := r.Form.Get("refresh_token"); got != "refresh-1" {
			t.Errorf("refresh_token = %q", got)
		}
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]any{
			"access_token":  "access-2",
			"refresh_token": "refresh-2",
			"token_type":    "Bearer",
			"expires_in":    3600,
		})
	})
	serverURL := server.URL + "/mcp"

	store := storeWithCredential(t, &Credential{
		ServerURL:    serverURL,
		ClientID:     "client-123",
		AccessToken:  "access-1",
		RefreshToken: "refresh-1",
		ExpiresAt:    time.Now().Add(-time.Hour).UnixMilli(),
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	token, err := NewTokenManager(store).GetAccessToken(ctx, serverURL)
	if err != nil {
		t.Fatalf("GetAccessToken failed: %v", err)
	}
	if token != "access-2" {
		t.Errorf("token = %q, want %q", token, "access-2")
	}

	// The rotated tokens are persisted.
	stored, err := store.Get(serverURL)
	if err != nil {
		t.Fatalf("re-read credential: %v", err)
	}
	if stored.AccessToken != "access-2" || stored.RefreshToken != "refresh-2" {
		t.Errorf("stored tokens = %q/%q, want access-2/refresh-2", stored.AccessToken, stored.RefreshToken)
	}
	if stored.IsExpired() {
		t.Error("refreshed credential reported expired")
	}
}

func TestTokenManager_RefreshFailure_ReturnsError(t *testing.T) {
	server := newAuthServer(t, func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/plain")
		w.WriteHeader(http.StatusBadRequest)
		_, _ = w.Write([]byte("invalid_grant"))
	})
	serverURL := server.URL + "/mcp"

	store := storeWithCredential(t, &Credential{
		ServerName:   "test",
		ServerURL:    serverURL,
		ClientID:     "client-123",
		AccessToken:  "expired-token",
		RefreshToken: "refresh-token",
		ExpiresAt:    time.Now().Add(-time.Hour).UnixMilli(),
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	_, err := NewTokenManager(store).GetAccessToken(ctx, serverURL)
	if err == nil {
		t.Fatal("expected error from refresh failure")
	}
	if !strings.Contains(err.Error(), "refresh token") {
		t.Errorf("expected error to mention refresh token, got: %v", err)
	}
	if !strings.Contains(err.Error(), "HTTP 400") {
		t.Errorf("expected error to include HTTP 400, got: %v", err)
	}

	// A failed refresh must not clobber the stored credential.
	stored, err := store.Get(serverURL)
	if err != nil {
		t.Fatalf("re-read credential: %v", err)
	}
	if stored.AccessToken != "expired-token" {
		t.Errorf("AccessToken mutated on refresh failure: %q", stored.AccessToken)
	}
}

func TestTokenManager_NoCredentials(t *testing.T) {
	store := storeWithCredential(t, nil)

	_, err := NewTokenManager(store).GetAccessToken(context.Background(), "https://unknown.example.com/mcp")
	if err == nil || !strings.Contains(err.Error(), "no credentials") {
		t.Errorf("error = %v, want no-credentials error", err)
	}
}

func TestTokenManager_ExpiredWithoutRefreshToken(t *testing.T) {
	serverURL := "https://mcp.example.com/mcp"
	store := storeWithCredential(t, &Credential{
		ServerURL:   serverURL,
		ClientID:    "client-123",
		AccessToken: "expired-token",
		ExpiresAt:   time.Now().Add(-time.Hour).UnixMilli(),
	})

	_, err := NewTokenManager(store).GetAccessToken(context.Background(), serverURL)
	if err == nil || !strings.Contains(err.Error(), "no refresh token") {
		t.Errorf("error = %v, want no-refresh-token error", err)
	}
}
