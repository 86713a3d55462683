package oauthproxy

import (
	"crypto/rand"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/base64"
	"encoding/hex"
	"fmt"
	"net/url"
	"strings"
)

var (
	allowedGrantTypes    = map[string]bool{"authorization_code": true, "refresh_token": true}
	allowedResponseTypes = map[string]bool{"code": true}
	allowedAuthMethods   = map[string]bool{"client_secret_basic": true, "client_secret_post": true, "none": true}
)

// RegistrationRequest is the RFC 7591 dynamic registration body.
type RegistrationRequest struct {
	RedirectURIs            []string `json:"redirect_uris"`
	GrantTypes              []string `json:"grant_types,omitempty"`
	ResponseTypes           []string `json:"response_types,omitempty"`
	TokenEndpointAuthMethod string   `json:"token_endpoint_auth_method,omitempty"`
	ClientName              string   `json:"client_name,omitempty"`
	Scope                   string   `json:"scope,omitempty"`
}

// registrationError is an RFC 7591 error with a wire error code.
type registrationError struct {
	code        string
	description string
}

func (e *registrationError) Error() string {
	return fmt.Sprintf("%s: %s", e.code, e.description)
}

func invalidMetadata(format string, args ...any) *registrationError {
	return &registrationError{code: "invalid_client_metadata", description: fmt.Sprintf(format, args...)}
}

// validateRegistration checks a registration request against the RFC 7591
// constraints and the optional allowed-scope configuration.
func validateRegistration(req *RegistrationRequest, allowedScopes []string) *registrationError {
	if len(req.RedirectURIs) == 0 {
		return &registrationError{code: "invalid_redirect_uri", description: "redirect_uris must not be empty"}
	}
	for _, raw := range req.RedirectURIs {
		u, err := url.Parse(raw)
		if err != nil {
			return &registrationError{code: "invalid_redirect_uri", description: fmt.Sprintf("redirect uri %q does not parse", raw)}
		}
		if u.Fragment != "" {
			return &registrationError{code: "invalid_redirect_uri", description: fmt.Sprintf("redirect uri %q must not contain a fragment", raw)}
		}
		if u.Scheme != "https" && !isLoopbackHost(u.Hostname()) {
			return &registrationError{code: "invalid_redirect_uri", description: fmt.Sprintf("redirect uri %q must use https or a loopback host", raw)}
		}
	}

	for _, gt := range req.GrantTypes {
		if !allowedGrantTypes[gt] {
			return invalidMetadata("unsupported grant type %q", gt)
		}
	}
	for _, rt := range req.ResponseTypes {
		if !allowedResponseTypes[rt] {
			return invalidMetadata("unsupported response type %q", rt)
		}
	}
	if req.TokenEndpointAuthMethod != "" && !allowedAuthMethods[req.TokenEndpointAuthMethod] {
		return invalidMetadata("unsupported token endpoint auth method %q", req.TokenEndpointAuthMethod)
	}

	if len(allowedScopes) > 0 && req.Scope != "" {
		allowed := make(map[string]bool, len(allowedScopes))
		for _, s := range allowedScopes {
			allowed[s] = true
		}
		for _, s := range strings.Fields(req.Scope) {
			if !allowed[s] {
				return invalidMetadata("scope %q is not allowed", s)
			}
		}
	}
	return nil
}

func isLoopbackHost(host string) bool {
	return host == "localhost" || host == "127.0.0.1" || host == "::1"
}

// generateClientID returns "proxy_" plus 32 hex chars.
func generateClientID() (string, error) {
	b := make([]byte, 16)
	if _, err := rand.Read(b); err != nil {
		return "", fmt.Errorf("generate client id: %w", err)
	}
	return "proxy_" + hex.EncodeToString(b), nil
}

// generateClientSecret returns 64 hex chars (32 random bytes).
func generateClientSecret() (string, error) {
	b := make([]byte, 32)
	if _, err := rand.Read(b); err != nil {
		return "", fmt.Errorf("generate client secret: %w", err)
	}
	return hex.EncodeToString(b), nil
}

// hashSecret hashes a client secret or token for storage: SHA-256 hex.
func hashSecret(secret string) string {
	sum := sha256.Sum256([]byte(secret))
	return hex.EncodeToString(sum[:])
}

// verifySecret compares the stored hash against the hash of the presented
// secret in constant time.
func verifySecret(storedHash, presented string) bool {
	computed := hashSecret(presented)
	return subtle.ConstantTimeCompare([]byte(storedHash), []byte(computed)) == 1
}

// verifyPKCE checks a code_verifier against the challenge captured at
// authorize time. S256 compares base64url(sha256(verifier)) constant-time;
// plain compares directly.
func verifyPKCE(challenge, method, verifier string) bool {
	switch method {
	case "S256":
		sum := sha256.Sum256([]byte(verifier))
		computed := base64.RawURLEncoding.EncodeToString(sum[:])
		return subtle.ConstantTimeCompare([]byte(challenge), []byte(computed)) == 1
	case "plain", "":
		return challenge == verifier
	default:
		return false
	}
}
