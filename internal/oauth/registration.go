package oauth

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/Bigsy/mcpd/internal/protocol"
)

// registrationTimeout bounds the dynamic registration request.
const registrationTimeout = 30 * time.Second

// ClientRegistrationRequest is an RFC 7591 dynamic client registration
// request body.
type ClientRegistrationRequest struct {
	RedirectURIs []string `json:"redirect_uris"`
	ClientName   string   `json:"client_name,omitempty"`

	GrantTypes    []string `json:"grant_types,omitempty"`
	ResponseTypes []string `json:"response_types,omitempty"`

	// TokenEndpointAuthMethod is "none" for public clients.
	TokenEndpointAuthMethod string `json:"token_endpoint_auth_method,omitempty"`

	// Scope is a space-separated scope list.
	Scope string `json:"scope,omitempty"`
}

// ClientRegistrationResponse is the registration result.
type ClientRegistrationResponse struct {
	ClientID string `json:"client_id"`

	// ClientSecret is empty for public clients.
	ClientSecret string `json:"client_secret,omitempty"`

	// ClientSecretExpiresAt is zero when the secret never expires.
	ClientSecretExpiresAt int64 `json:"client_secret_expires_at,omitempty"`

	RegistrationAccessToken string `json:"registration_access_token,omitempty"`
	RegistrationClientURI   string `json:"registration_client_uri,omitempty"`
}

// RegisterClient registers mcpd as a public client with an
// authorization server that supports dynamic registration.
func RegisterClient(ctx context.Context, registrationEndpoint string, redirectURI string, scopes []string) (*ClientRegistrationResponse, error) {
	body, err := json.Marshal(ClientRegistrationRequest{
		RedirectURIs:            []string{redirectURI},
		ClientName:              "mcpd",
		GrantTypes:              []string{"authorization_code", "refresh_token"},
		ResponseTypes:           []string{"code"},
		TokenEndpointAuthMethod: "none",
		Scope:                   strings.Join(scopes, " "),
	})
	if err != nil {
		return nil, fmt.Errorf("marshal registration request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, registrationEndpoint, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")
	req.Header.Set("MCP-Protocol-Version", protocol.LatestProtocolVersion())

	client := &http.Client{Timeout: registrationTimeout}
	resp, err := client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("registration request: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	respBody, err := io.ReadAll(io.LimitReader(resp.Body, metadataSizeLimit))
	if err != nil {
		return nil, fmt.Errorf("read response: %w", err)
	}

	if resp.StatusCode != http.StatusCreated && resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("registration failed: HTTP %d: %s", resp.StatusCode, string(respBody))
	}

	var result ClientRegistrationResponse
	if err := json.Unmarshal(respBody, &result); err != nil {
		return nil, fmt.Errorf("parse response: %w", err)
	}
	if result.ClientID == "" {
		return nil, fmt.Errorf("registration response missing client_id")
	}
	return &result, nil
}
