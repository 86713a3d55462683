package oauth

import (
	"crypto/sha256"
	"encoding/base64"
	"testing"
)

func TestNewPKCE(t *testing.T) {
	pkce, err := NewPKCE()
	if err != nil {
		t.Fatalf("NewPKCE failed: %v", err)
	}

	if pkce.Method != "S256" {
		t.Errorf("Method = %q, want S256", pkce.Method)
	}

	// RFC 7636 requires a verifier of 43-128 characters.
	if n := len(pkce.Verifier); n < 43 || n > 128 {
		t.Errorf("verifier length = %d, want 43-128", n)
	}

	sum := sha256.Sum256([]byte(pkce.Verifier))
	if want := base64.RawURLEncoding.EncodeToString(sum[:]); pkce.Challenge != want {
		t.Errorf("Challenge = %q, want %q", pkce.Challenge, want)
	}
}

func TestNewPKCE_Uniqueness(t *testing.T) {
	seen := make(map[string]bool)
	for range 100 {
		pkce, err := NewPKCE()
		if err != nil {
			t.Fatalf("NewPKCE failed: %v", err)
		}
		if seen[pkce.Verifier] {
			t.Error("generated duplicate verifier")
		}
		seen[pkce.Verifier] = true
	}
}

func TestGenerateState(t *testing.T) {
	seen := make(map[string]bool)
	for range 100 {
		s, err := GenerateState()
		if err != nil {
			t.Fatalf("GenerateState failed: %v", err)
		}
		if s == "" {
			t.Fatal("empty state")
		}
		if seen[s] {
			t.Error("generated duplicate state")
		}
		seen[s] = true
	}
}
