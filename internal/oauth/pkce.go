package oauth

import (
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"fmt"
)

// verifierLen is the number of random bytes behind the code verifier.
// 32 bytes encodes to 43 base64url characters, the RFC 7636 minimum.
const verifierLen = 32

// PKCE is a code verifier/challenge pair for the authorization code flow.
type PKCE struct {
	// Verifier is the secret sent with the token request.
	Verifier string

	// Challenge is base64url(SHA-256(Verifier)), sent with the
	// authorization request.
	Challenge string

	// Method is always "S256". Plain is not supported.
	Method string
}

// NewPKCE generates a fresh S256 verifier/challenge pair.
func NewPKCE() (*PKCE, error) {
	raw, err := randomURLSafe(verifierLen)
	if err != nil {
		return nil, fmt.Errorf("generate code verifier: %w", err)
	}

	sum := sha256.Sum256([]byte(raw))
	return &PKCE{
		Verifier:  raw,
		Challenge: base64.RawURLEncoding.EncodeToString(sum[:]),
		Method:    "S256",
	}, nil
}

// GenerateState produces a random state parameter for CSRF protection.
func GenerateState() (string, error) {
	return randomURLSafe(16)
}

func randomURLSafe(n int) (string, error) {
	buf := make([]byte, n)
	if _, err := rand.Read(buf); err != nil {
		return "", err
	}
	return base64.RawURLEncoding.EncodeToString(buf), nil
}
