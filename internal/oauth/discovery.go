package oauth

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/Bigsy/mcpd/internal/protocol"
)

// DiscoveryTimeout bounds each metadata fetch during discovery.
const DiscoveryTimeout = 5 * time.Second

// metadataSizeLimit caps how much of a metadata response is read.
const metadataSizeLimit = 1 << 20

// AuthorizationServerMetadata is the RFC 8414 authorization server
// metadata document.
type AuthorizationServerMetadata struct {
	Issuer                string `json:"issuer"`
	AuthorizationEndpoint string `json:"authorization_endpoint"`
	TokenEndpoint         string `json:"token_endpoint"`

	RegistrationEndpoint string   `json:"registration_endpoint,omitempty"`
	RevocationEndpoint   string   `json:"revocation_endpoint,omitempty"`
	ScopesSupported      []string `json:"scopes_supported,omitempty"`

	CodeChallengeMethodsSupported []string `json:"code_challenge_methods_supported,omitempty"`

	GrantTypesSupported      []string `json:"grant_types_supported,omitempty"`
	ResponseTypesSupported   []string `json:"response_types_supported,omitempty"`
	TokenEndpointAuthMethods []string `json:"token_endpoint_auth_methods_supported,omitempty"`
}

// SupportsS256 reports whether the server accepts S256 PKCE challenges.
func (m *AuthorizationServerMetadata) SupportsS256() bool {
	for _, method := range m.CodeChallengeMethodsSupported {
		if method == "S256" {
			return true
		}
	}
	return false
}

// DiscoverResult is the outcome of authorization server discovery.
type DiscoverResult struct {
	// Metadata is the parsed metadata document.
	Metadata *AuthorizationServerMetadata

	// URL is where the document was found.
	URL string
}

// Discover locates the authorization server for an MCP server per
// RFC 8414, trying the well-known path variants in the order the MCP
// authorization spec prescribes.
func Discover(ctx context.Context, serverURL string) (*DiscoverResult, error) {
	parsed, err := url.Parse(serverURL)
	if err != nil {
		return nil, fmt.Errorf("parse server URL: %w", err)
	}

	client := &http.Client{Timeout: DiscoveryTimeout}

	var lastErr error
	for _, discoveryURL := range buildDiscoveryPaths(parsed) {
		var metadata AuthorizationServerMetadata
		if err := fetchJSON(ctx, client, discoveryURL, &metadata); err != nil {
			lastErr = err
			continue
		}
		if metadata.AuthorizationEndpoint == "" {
			lastErr = errors.New("missing authorization_endpoint")
			continue
		}
		if metadata.TokenEndpoint == "" {
			lastErr = errors.New("missing token_endpoint")
			continue
		}
		return &DiscoverResult{Metadata: &metadata, URL: discoveryURL}, nil
	}

	if lastErr != nil {
		return nil, fmt.Errorf("oauth discovery failed: %w", lastErr)
	}
	return nil, errors.New("oauth discovery: no valid metadata found")
}

// buildDiscoveryPaths lists the well-known URLs to try for a server.
// For a server with a path component the path-aware variants come
// first, root discovery is always the final fallback.
func buildDiscoveryPaths(serverURL *url.URL) []string {
	base := serverURL.Scheme + "://" + serverURL.Host
	path := strings.TrimSuffix(serverURL.Path, "/")

	var paths []string
	if path != "" && path != "/" {
		paths = append(paths,
			base+"/.well-known/oauth-authorization-server/"+strings.TrimPrefix(path, "/"),
			base+path+"/.well-known/oauth-authorization-server",
		)
	}
	return append(paths, base+"/.well-known/oauth-authorization-server")
}

// SupportsOAuth probes a server URL for OAuth support. A failed
// discovery is not an error, it just means the server is unprotected.
func SupportsOAuth(ctx context.Context, serverURL string) (*AuthorizationServerMetadata, error) {
	result, err := Discover(ctx, serverURL)
	if err != nil {
		return nil, nil
	}
	return result.Metadata, nil
}

// ResourceMetadata is the RFC 9728 protected resource metadata document
// referenced by the resource_metadata parameter of a Bearer challenge.
type ResourceMetadata struct {
	// Resource is the protected resource identifier.
	Resource string `json:"resource"`

	// AuthorizationServers lists the authorization servers guarding it.
	AuthorizationServers []string `json:"authorization_servers"`

	ScopesSupported        []string `json:"scopes_supported,omitempty"`
	BearerMethodsSupported []string `json:"bearer_methods_supported,omitempty"`
	ResourceDocumentation  string   `json:"resource_documentation,omitempty"`
}

// DiscoverFromChallenge resolves authorization server metadata starting
// from a 401 challenge: fetch the resource metadata document it points
// at, then run standard discovery against each listed authorization
// server until one answers.
func DiscoverFromChallenge(ctx context.Context, challenge *BearerChallenge) (*DiscoverResult, error) {
	if challenge == nil || challenge.ResourceMetadata == "" {
		return nil, errors.New("no resource_metadata in challenge")
	}

	client := &http.Client{Timeout: DiscoveryTimeout}

	var resourceMeta ResourceMetadata
	if err := fetchJSON(ctx, client, challenge.ResourceMetadata, &resourceMeta); err != nil {
		return nil, fmt.Errorf("fetch resource metadata: %w", err)
	}
	if len(resourceMeta.AuthorizationServers) == 0 {
		return nil, errors.New("resource metadata has no authorization_servers")
	}

	var lastErr error
	for _, authServerURL := range resourceMeta.AuthorizationServers {
		result, err := Discover(ctx, authServerURL)
		if err != nil {
			lastErr = err
			continue
		}
		return result, nil
	}

	if lastErr != nil {
		return nil, fmt.Errorf("discovery on auth servers failed: %w", lastErr)
	}
	return nil, errors.New("no valid authorization server found")
}

// fetchJSON GETs a metadata URL and decodes the JSON body into out.
func fetchJSON(ctx context.Context, client *http.Client, url string, out any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	req.Header.Set("MCP-Protocol-Version", protocol.LatestProtocolVersion())

	resp, err := client.Do(req)
	if err != nil {
		return fmt.Errorf("request failed: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("HTTP %d", resp.StatusCode)
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, metadataSizeLimit))
	if err != nil {
		return fmt.Errorf("read response: %w", err)
	}
	if err := json.Unmarshal(body, out); err != nil {
		return fmt.Errorf("parse metadata: %w", err)
	}
	return nil
}
