package oauth

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os/exec"
	"runtime"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/Bigsy/mcpd/internal/protocol"
)

// defaultClientID is used when a server offers neither a configured client
// id nor working dynamic registration.
const defaultClientID = "mcpd"

// FlowConfig holds configuration for an OAuth flow.
type FlowConfig struct {
	// ServerURL is the MCP server URL.
	ServerURL string

	// ServerName is the user-facing name of the server.
	ServerName string

	// Scopes are the OAuth scopes to request.
	Scopes []string

	// CallbackPort is the port for the callback server (nil = random).
	CallbackPort *int

	// Store is the credential store for saving tokens.
	Store CredentialStore

	// ClientID is a pre-registered OAuth client ID (for servers without
	// dynamic registration). If empty, dynamic registration is attempted.
	ClientID string

	Logger *zap.Logger
}

// Flow orchestrates an OAuth 2.1 authorization flow.
type Flow struct {
	config       FlowConfig
	log          *zap.Logger
	metadata     *AuthorizationServerMetadata
	clientID     string
	clientSecret string // from dynamic registration, may be empty
	pkce         *PKCE
	state        string
	callback     *CallbackServer
}

// TokenResponse is the response from the token endpoint.
type TokenResponse struct {
	AccessToken  string `json:"access_token"`
	TokenType    string `json:"token_type"`
	ExpiresIn    int    `json:"expires_in"`
	RefreshToken string `json:"refresh_token,omitempty"`
	Scope        string `json:"scope,omitempty"`
}

// NewFlow creates a new OAuth flow.
func NewFlow(config FlowConfig) *Flow {
	logger := config.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Flow{config: config, log: logger}
}

// Run executes the full OAuth flow: discover metadata, start the callback
// server, register or pick a client id, open the browser, wait for the
// callback, exchange the code and store the credential.
func (f *Flow) Run(ctx context.Context) error {
	// Standard RFC 8414 discovery first, then the RFC 9728 challenge
	// path for servers that only advertise through WWW-Authenticate.
	result, err := Discover(ctx, f.config.ServerURL)
	if err != nil {
		f.log.Info("standard OAuth discovery failed, trying challenge-based discovery", zap.Error(err))
		result, err = f.discoverViaChallenge(ctx)
		if err != nil {
			return fmt.Errorf("oauth discovery failed (tried standard and challenge-based): %w", err)
		}
	}
	f.metadata = result.Metadata

	f.callback, err = NewCallbackServer(f.config.CallbackPort)
	if err != nil {
		return fmt.Errorf("start callback server: %w", err)
	}
	if err := f.callback.Start(); err != nil {
		return fmt.Errorf("start callback server: %w", err)
	}
	defer func() { _ = f.callback.Stop() }()

	redirectURI := f.callback.RedirectURI()

	// Client id priority: configured, then dynamic registration, then the
	// default. Some servers advertise a registration endpoint but reject
	// registrations, so a failed registration is not fatal.
	switch {
	case f.config.ClientID != "":
		f.clientID = f.config.ClientID
		f.log.Info("using configured OAuth client id", zap.String("clientID", f.clientID))
	case f.metadata.RegistrationEndpoint != "":
		reg, err := RegisterClient(ctx, f.metadata.RegistrationEndpoint, redirectURI, f.config.Scopes)
		if err != nil {
			f.log.Warn("client registration failed, falling back to default client id", zap.Error(err))
			f.clientID = defaultClientID
		} else {
			f.clientID = reg.ClientID
			f.clientSecret = reg.ClientSecret
		}
	default:
		f.clientID = defaultClientID
	}

	f.pkce, err = NewPKCE()
	if err != nil {
		return fmt.Errorf("generate PKCE: %w", err)
	}

	f.state, err = GenerateState()
	if err != nil {
		return fmt.Errorf("generate state: %w", err)
	}

	authURL := f.buildAuthorizationURL(redirectURI)
	if err := openBrowser(authURL); err != nil {
		return fmt.Errorf("open browser: %w (URL: %s)", err, authURL)
	}

	callbackCtx, cancel := context.WithTimeout(ctx, 5*time.Minute)
	defer cancel()

	callbackResult, err := f.callback.Wait(callbackCtx)
	if err != nil {
		return fmt.Errorf("waiting for callback: %w", err)
	}

	if callbackResult.Error != "" {
		return fmt.Errorf("authorization error: %s - %s", callbackResult.Error, callbackResult.ErrorDescription)
	}
	if callbackResult.State != f.state {
		return fmt.Errorf("state mismatch: possible CSRF attack")
	}
	if callbackResult.Code == "" {
		return fmt.Errorf("no authorization code received")
	}

	tokens, err := f.exchangeCode(ctx, callbackResult.Code, redirectURI)
	if err != nil {
		return fmt.Errorf("token exchange: %w", err)
	}

	scopes := f.config.Scopes
	if tokens.Scope != "" {
		scopes = strings.Split(tokens.Scope, " ")
	}

	expiresAt := time.Now().Add(time.Duration(tokens.ExpiresIn) * time.Second)
	cred, err := NewCredential(
		f.config.ServerName,
		f.config.ServerURL,
		f.clientID,
		f.clientSecret,
		tokens.AccessToken,
		tokens.RefreshToken,
		expiresAt,
		scopes,
	)
	if err != nil {
		return fmt.Errorf("create credential: %w", err)
	}

	if err := f.config.Store.Put(cred); err != nil {
		return fmt.Errorf("store credentials: %w", err)
	}
	return nil
}

// discoverViaChallenge triggers a 401 from the MCP server to obtain its
// WWW-Authenticate header and follows the RFC 9728 Protected Resource
// Metadata chain to the authorization server.
func (f *Flow) discoverViaChallenge(ctx context.Context) (*DiscoverResult, error) {
	client := &http.Client{Timeout: DiscoveryTimeout}

	// A well-formed initialize request makes strict servers respond with
	// the expected 401 instead of a parse error.
	req, err := http.NewRequestWithContext(ctx, "POST", f.config.ServerURL, strings.NewReader(`{"jsonrpc":"2.0","method":"initialize","id":0,"params":{"protocolVersion":"2024-11-05","clientInfo":{"name":"mcpd","version":"1.0.0"},"capabilities":{}}}`))
	if err != nil {
		return nil, fmt.Errorf("create challenge request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")
	req.Header.Set("MCP-Protocol-Version", protocol.LatestProtocolVersion())

	resp, err := client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("challenge request: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusUnauthorized {
		return nil, fmt.Errorf("expected 401, got %d", resp.StatusCode)
	}

	challenge := ParseBearerChallenge(resp.Header)
	if challenge == nil {
		return nil, fmt.Errorf("no Bearer challenge in WWW-Authenticate header")
	}
	if challenge.ResourceMetadata == "" {
		return nil, fmt.Errorf("no resource_metadata in WWW-Authenticate Bearer challenge")
	}

	return DiscoverFromChallenge(ctx, challenge)
}

// buildAuthorizationURL constructs the OAuth authorization URL.
func (f *Flow) buildAuthorizationURL(redirectURI string) string {
	params := url.Values{
		"response_type":         {"code"},
		"client_id":             {f.clientID},
		"redirect_uri":          {redirectURI},
		"state":                 {f.state},
		"code_challenge":        {f.pkce.Challenge},
		"code_challenge_method": {f.pkce.Method},
	}

	if len(f.config.Scopes) > 0 {
		params.Set("scope", strings.Join(f.config.Scopes, " "))
	}

	return f.metadata.AuthorizationEndpoint + "?" + params.Encode()
}

// TokenAuthMethod specifies how to authenticate to the token endpoint.
type TokenAuthMethod string

const (
	// TokenAuthNone is for public clients (no authentication).
	TokenAuthNone TokenAuthMethod = "none"
	// TokenAuthSecretPost sends client_id and client_secret in the POST body.
	TokenAuthSecretPost TokenAuthMethod = "client_secret_post"
	// TokenAuthSecretBasic uses HTTP Basic authentication.
	TokenAuthSecretBasic TokenAuthMethod = "client_secret_basic"
)

// TokenRequestConfig holds configuration for token endpoint requests.
type TokenRequestConfig struct {
	Endpoint     string
	Params       url.Values
	ClientID     string
	ClientSecret string
	AuthMethod   TokenAuthMethod
}

// doTokenRequest performs a token endpoint request. It is the common HTTP
// handling shared by the code exchange and refresh paths.
func doTokenRequest(ctx context.Context, cfg TokenRequestConfig) (*TokenResponse, error) {
	params := cfg.Params

	switch cfg.AuthMethod {
	case TokenAuthSecretPost:
		params.Set("client_id", cfg.ClientID)
		if cfg.ClientSecret != "" {
			params.Set("client_secret", cfg.ClientSecret)
		}
	case TokenAuthSecretBasic:
		// Authorization header is set below. Some servers still want
		// client_id in the body.
		params.Set("client_id", cfg.ClientID)
	default:
		params.Set("client_id", cfg.ClientID)
	}

	req, err := http.NewRequestWithContext(ctx, "POST", cfg.Endpoint, strings.NewReader(params.Encode()))
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}

	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	req.Header.Set("Accept", "application/json")
	req.Header.Set("MCP-Protocol-Version", protocol.LatestProtocolVersion())

	if cfg.AuthMethod == TokenAuthSecretBasic && cfg.ClientSecret != "" {
		req.SetBasicAuth(cfg.ClientID, cfg.ClientSecret)
	}

	client := &http.Client{Timeout: 30 * time.Second}
	resp, err := client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("request: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1024*1024))
	if err != nil {
		return nil, fmt.Errorf("read response: %w", err)
	}

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("token endpoint returned HTTP %d: %s", resp.StatusCode, string(body))
	}

	var tokens TokenResponse
	if err := json.Unmarshal(body, &tokens); err != nil {
		return nil, fmt.Errorf("parse response: %w", err)
	}

	if tokens.AccessToken == "" {
		return nil, fmt.Errorf("response missing access_token")
	}
	return &tokens, nil
}

// determineAuthMethod picks the token endpoint auth method from server
// metadata and the client credentials at hand.
func determineAuthMethod(metadata *AuthorizationServerMetadata, clientSecret string) TokenAuthMethod {
	if clientSecret == "" {
		return TokenAuthNone
	}

	supportedMethods := metadata.TokenEndpointAuthMethods
	if len(supportedMethods) == 0 {
		// RFC 8414 default.
		return TokenAuthSecretBasic
	}

	for _, method := range supportedMethods {
		if method == "client_secret_post" {
			return TokenAuthSecretPost
		}
	}
	for _, method := range supportedMethods {
		if method == "client_secret_basic" {
			return TokenAuthSecretBasic
		}
	}
	return TokenAuthSecretPost
}

// exchangeCode exchanges the authorization code for tokens.
func (f *Flow) exchangeCode(ctx context.Context, code, redirectURI string) (*TokenResponse, error) {
	params := url.Values{
		"grant_type":    {"authorization_code"},
		"code":          {code},
		"redirect_uri":  {redirectURI},
		"code_verifier": {f.pkce.Verifier},
	}

	authMethod := determineAuthMethod(f.metadata, f.clientSecret)
	return doTokenRequest(ctx, TokenRequestConfig{
		Endpoint:     f.metadata.TokenEndpoint,
		Params:       params,
		ClientID:     f.clientID,
		ClientSecret: f.clientSecret,
		AuthMethod:   authMethod,
	})
}

// RefreshToken refreshes an access token using a refresh token. Pass an
// empty clientSecret for public clients.
func RefreshToken(ctx context.Context, tokenEndpoint, clientID, clientSecret, refreshToken string, metadata *AuthorizationServerMetadata) (*TokenResponse, error) {
	params := url.Values{
		"grant_type":    {"refresh_token"},
		"refresh_token": {refreshToken},
	}

	authMethod := TokenAuthNone
	if metadata != nil {
		authMethod = determineAuthMethod(metadata, clientSecret)
	} else if clientSecret != "" {
		authMethod = TokenAuthSecretPost
	}

	return doTokenRequest(ctx, TokenRequestConfig{
		Endpoint:     tokenEndpoint,
		Params:       params,
		ClientID:     clientID,
		ClientSecret: clientSecret,
		AuthMethod:   authMethod,
	})
}

// openBrowser opens the default browser to a URL.
func openBrowser(url string) error {
	var cmd *exec.Cmd

	switch runtime.GOOS {
	case "darwin":
		cmd = exec.Command("open", url)
	case "linux":
		cmd = exec.Command("xdg-open", url)
	case "windows":
		cmd = exec.Command("cmd", "/c", "start", url)
	default:
		return fmt.Errorf("unsupported platform: %s", runtime.GOOS)
	}

	return cmd.Start()
}

// Logout removes credentials for a server.
func Logout(ctx context.Context, store CredentialStore, serverURL string) error {
	return store.Delete(serverURL)
}
