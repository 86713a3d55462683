package oauth

import (
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func validCredential() *Credential {
	return &Credential{
		ServerURL:   "https://example.com/mcp",
		ClientID:    "client-123",
		AccessToken: "token-abc",
		ExpiresAt:   time.Now().Add(time.Hour).UnixMilli(),
	}
}

func TestCredential_Validate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*Credential)
		wantErr string
	}{
		{name: "valid", mutate: func(c *Credential) {}},
		{name: "missing ServerURL", mutate: func(c *Credential) { c.ServerURL = "" }, wantErr: "ServerURL is required"},
		{name: "missing ClientID", mutate: func(c *Credential) { c.ClientID = "" }, wantErr: "ClientID is required"},
		{name: "missing AccessToken", mutate: func(c *Credential) { c.AccessToken = "" }, wantErr: "AccessToken is required"},
		{name: "zero ExpiresAt", mutate: func(c *Credential) { c.ExpiresAt = 0 }, wantErr: "ExpiresAt must be a positive timestamp"},
		{name: "negative ExpiresAt", mutate: func(c *Credential) { c.ExpiresAt = -1 }, wantErr: "ExpiresAt must be a positive timestamp"},
		{name: "optional fields empty", mutate: func(c *Credential) {
			c.ServerName = ""
			c.ClientSecret = ""
			c.RefreshToken = ""
			c.Scopes = nil
		}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cred := validCredential()
			tt.mutate(cred)

			err := cred.Validate()
			if tt.wantErr == "" {
				if err != nil {
					t.Errorf("Validate() error = %v, want nil", err)
				}
				return
			}
			if err == nil || !strings.Contains(err.Error(), tt.wantErr) {
				t.Errorf("Validate() error = %v, want error containing %q", err, tt.wantErr)
			}
		})
	}
}

func TestNewCredential(t *testing.T) {
	expiresAt := time.Now().Add(time.Hour)

	cred, err := NewCredential("my-server", "https://example.com/mcp", "client-123", "secret-456",
		"token-abc", "refresh-xyz", expiresAt, []string{"read", "write"})
	if err != nil {
		t.Fatalf("NewCredential failed: %v", err)
	}
	if cred.ServerName != "my-server" || cred.ServerURL != "https://example.com/mcp" {
		t.Errorf("identity fields: %+v", cred)
	}
	if cred.ClientID != "client-123" || cred.ClientSecret != "secret-456" {
		t.Errorf("client fields: %+v", cred)
	}
	if cred.AccessToken != "token-abc" || cred.RefreshToken != "refresh-xyz" {
		t.Errorf("token fields: %+v", cred)
	}
	if cred.ExpiresAt != expiresAt.UnixMilli() {
		t.Errorf("ExpiresAt = %d, want %d", cred.ExpiresAt, expiresAt.UnixMilli())
	}

	// Public client with no name, secret or scopes is fine.
	if _, err := NewCredential("", "https://example.com/mcp", "client-123", "",
		"token-abc", "", expiresAt, nil); err != nil {
		t.Errorf("public client credential rejected: %v", err)
	}

	// Invalid input is rejected and returns no credential.
	cred, err = NewCredential("my-server", "", "client-123", "", "token-abc", "", expiresAt, nil)
	if err == nil || !strings.Contains(err.Error(), "ServerURL is required") {
		t.Errorf("error = %v, want ServerURL error", err)
	}
	if cred != nil {
		t.Error("expected nil credential on validation failure")
	}

	if _, err := NewCredential("my-server", "https://example.com/mcp", "client-123", "",
		"token-abc", "", time.Time{}, nil); err == nil {
		t.Error("expected error for zero expiry time")
	}
}

func TestCredential_Expiry(t *testing.T) {
	fresh := validCredential()
	if fresh.IsExpired() {
		t.Error("credential with an hour left reported expired")
	}
	if fresh.NeedsRefresh() {
		t.Error("credential with an hour left reported needing refresh")
	}
	if fresh.TimeUntilExpiry() <= 0 {
		t.Error("expected positive time until expiry")
	}

	// Inside the refresh window but not yet expired.
	closing := validCredential()
	closing.ExpiresAt = time.Now().Add(10 * time.Second).UnixMilli()
	if closing.IsExpired() {
		t.Error("credential 10s from expiry reported expired")
	}
	if !closing.NeedsRefresh() {
		t.Error("credential 10s from expiry should need refresh")
	}

	expired := validCredential()
	expired.ExpiresAt = time.Now().Add(-time.Minute).UnixMilli()
	if !expired.IsExpired() {
		t.Error("expired credential not reported expired")
	}
	if !expired.NeedsRefresh() {
		t.Error("expired credential should need refresh")
	}
	if expired.TimeUntilExpiry() > 0 {
		t.Error("expected non-positive time until expiry")
	}
}

func TestFileStore_Put_Validation(t *testing.T) {
	store := NewFileStoreAt(filepath.Join(t.TempDir(), "creds.json"))

	if err := store.Put(validCredential()); err != nil {
		t.Errorf("Put(valid) error = %v", err)
	}

	invalid := validCredential()
	invalid.AccessToken = ""
	err := store.Put(invalid)
	if err == nil || !strings.Contains(err.Error(), "AccessToken is required") {
		t.Errorf("Put(invalid) error = %v, want AccessToken error", err)
	}
}
