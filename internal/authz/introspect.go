// Package authz implements OAuth 2.1 resource-server protection for the
// HTTP transport: bearer extraction, RFC 7662 token introspection with a
// bounded result cache, and scope gating.
package authz

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"
)

// TokenInfo is an RFC 7662 introspection response.
type TokenInfo struct {
	Active    bool   `json:"active"`
	Scope     string `json:"scope,omitempty"`
	ClientID  string `json:"client_id,omitempty"`
	Username  string `json:"username,omitempty"`
	TokenType string `json:"token_type,omitempty"`
	Exp       int64  `json:"exp,omitempty"`
	Iat       int64  `json:"iat,omitempty"`
	Sub       string `json:"sub,omitempty"`
	Iss       string `json:"iss,omitempty"`
}

// Expired reports whether the token's exp claim has passed. Tokens without
// an exp claim never report expired here.
func (t *TokenInfo) Expired(now time.Time) bool {
	return t.Exp > 0 && now.Unix() >= t.Exp
}

// HasScope reports whether the space-separated scope claim contains scope.
func (t *TokenInfo) HasScope(scope string) bool {
	for _, s := range strings.Fields(t.Scope) {
		if s == scope {
			return true
		}
	}
	return false
}

// DiscoveryCache resolves and memoizes the introspection endpoint per
// issuer. The first successful discovery wins for the process lifetime.
type DiscoveryCache struct {
	client *http.Client

	mu        sync.Mutex
	endpoints map[string]string
}

// NewDiscoveryCache creates a discovery cache. client may be nil.
func NewDiscoveryCache(client *http.Client) *DiscoveryCache {
	if client == nil {
		client = &http.Client{Timeout: 10 * time.Second}
	}
	return &DiscoveryCache{
		client:    client,
		endpoints: make(map[string]string),
	}
}

// IntrospectionEndpoint returns the introspection endpoint for issuer,
// trying {issuer}/.well-known/oauth-authorization-server and falling back
// to {issuer}/.well-known/openid-configuration.
func (d *DiscoveryCache) IntrospectionEndpoint(ctx context.Context, issuer string) (string, error) {
	d.mu.Lock()
	if ep, ok := d.endpoints[issuer]; ok {
		d.mu.Unlock()
		return ep, nil
	}
	d.mu.Unlock()

	base := strings.TrimSuffix(issuer, "/")
	paths := []string{
		base + "/.well-known/oauth-authorization-server",
		base + "/.well-known/openid-configuration",
	}

	var lastErr error
	for _, metadataURL := range paths {
		ep, err := d.fetchIntrospectionEndpoint(ctx, metadataURL)
		if err != nil {
			lastErr = err
			continue
		}

		d.mu.Lock()
		d.endpoints[issuer] = ep
		d.mu.Unlock()
		return ep, nil
	}
	return "", fmt.Errorf("discover introspection endpoint for %s: %w", issuer, lastErr)
}

func (d *DiscoveryCache) fetchIntrospectionEndpoint(ctx context.Context, metadataURL string) (string, error) {
	req, err := http.NewRequestWithContext(ctx, "GET", metadataURL, nil)
	if err != nil {
		return "", fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Accept", "application/json")

	resp, err := d.client.Do(req)
	if err != nil {
		return "", fmt.Errorf("request failed: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("HTTP %d", resp.StatusCode)
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1024*1024))
	if err != nil {
		return "", fmt.Errorf("read response: %w", err)
	}

	var metadata struct {
		IntrospectionEndpoint string `json:"introspection_endpoint"`
	}
	if err := json.Unmarshal(body, &metadata); err != nil {
		return "", fmt.Errorf("parse metadata: %w", err)
	}
	if metadata.IntrospectionEndpoint == "" {
		return "", errors.New("missing introspection_endpoint")
	}
	return metadata.IntrospectionEndpoint, nil
}

// Introspector calls the authorization server's introspection endpoint
// with HTTP Basic client credentials.
type Introspector struct {
	issuer    string
	clientID  string
	secret    string
	override  string
	client    *http.Client
	discovery *DiscoveryCache
}

// NewIntrospector creates an introspector for issuer. endpointOverride,
// when non-empty, skips discovery entirely.
func NewIntrospector(issuer, clientID, clientSecret, endpointOverride string, client *http.Client) *Introspector {
	if client == nil {
		client = &http.Client{Timeout: 10 * time.Second}
	}
	return &Introspector{
		issuer:    issuer,
		clientID:  clientID,
		secret:    clientSecret,
		override:  endpointOverride,
		client:    client,
		discovery: NewDiscoveryCache(client),
	}
}

// Introspect posts the token to the introspection endpoint and decodes
// the result. An inactive token is not an error.
func (i *Introspector) Introspect(ctx context.Context, token string) (*TokenInfo, error) {
	endpoint := i.override
	if endpoint == "" {
		var err error
		endpoint, err = i.discovery.IntrospectionEndpoint(ctx, i.issuer)
		if err != nil {
			return nil, err
		}
	}

	form := url.Values{}
	form.Set("token", token)
	form.Set("token_type_hint", "access_token")

	req, err := http.NewRequestWithContext(ctx, "POST", endpoint, strings.NewReader(form.Encode()))
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	req.Header.Set("Accept", "application/json")
	req.SetBasicAuth(i.clientID, i.secret)

	resp, err := i.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("introspection request failed: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1024*1024))
	if err != nil {
		return nil, fmt.Errorf("read introspection response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("introspection failed: HTTP %d: %s", resp.StatusCode, truncate(string(body), 200))
	}

	var info TokenInfo
	if err := json.Unmarshal(body, &info); err != nil {
		return nil, fmt.Errorf("parse introspection response: %w", err)
	}
	return &info, nil
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
