package oauthproxy

import (
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/labstack/echo/v4"
	"go.uber.org/zap"
)

// codeTTL bounds the authorization-code mapping lifetime.
const codeTTL = 10 * time.Minute

// Config configures the OAuth proxy.
type Config struct {
	// BaseURL is the externally visible base URL of the proxy, without a
	// trailing slash.
	BaseURL string

	// UpstreamIssuer identifies the real authorization server, advertised
	// to clients as x-upstream-issuer.
	UpstreamIssuer string

	// Upstream endpoints. Authorize and token are required; introspection
	// and revocation are optional (absent endpoints are answered from the
	// local token mappings).
	UpstreamAuthorizeEndpoint     string
	UpstreamTokenEndpoint         string
	UpstreamIntrospectionEndpoint string
	UpstreamRevocationEndpoint    string

	// ClientID and ClientSecret are the proxy's own registration at the
	// upstream server, used for every forwarded grant.
	ClientID     string
	ClientSecret string

	// StateSecret signs the state JWT. Must be at least 32 characters.
	StateSecret string

	// AllowedScopes restricts registration and authorize requests. Empty
	// allows any scope.
	AllowedScopes []string

	// ScopesSupported is advertised in server metadata.
	ScopesSupported []string

	// Storage defaults to in-memory.
	Storage Storage

	HTTPClient *http.Client
	Logger     *zap.Logger
}

// Proxy implements the proxying authorization server.
type Proxy struct {
	cfg    Config
	store  Storage
	client *http.Client
	secret []byte
	log    *zap.Logger
}

// New validates cfg and builds a Proxy. Misconfiguration is reported
// here, never at request time.
func New(cfg Config) (*Proxy, error) {
	if cfg.BaseURL == "" {
		return nil, errors.New("oauthproxy: base URL required")
	}
	if _, err := url.Parse(cfg.BaseURL); err != nil {
		return nil, fmt.Errorf("oauthproxy: invalid base URL: %w", err)
	}
	cfg.BaseURL = strings.TrimSuffix(cfg.BaseURL, "/")

	if cfg.UpstreamIssuer == "" {
		return nil, errors.New("oauthproxy: upstream issuer required")
	}
	if cfg.UpstreamAuthorizeEndpoint == "" || cfg.UpstreamTokenEndpoint == "" {
		return nil, errors.New("oauthproxy: upstream authorize and token endpoints required")
	}
	if cfg.ClientID == "" {
		return nil, errors.New("oauthproxy: upstream client id required")
	}
	if len(cfg.StateSecret) < 32 {
		return nil, errors.New("oauthproxy: state secret must be at least 32 characters")
	}

	store := cfg.Storage
	if store == nil {
		store = NewMemoryStorage()
	}
	client := cfg.HTTPClient
	if client == nil {
		client = &http.Client{Timeout: 30 * time.Second}
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	return &Proxy{
		cfg:    cfg,
		store:  store,
		client: client,
		secret: []byte(cfg.StateSecret),
		log:    logger,
	}, nil
}

// Register mounts the proxy's routes on e.
func (p *Proxy) Register(e *echo.Echo) {
	e.GET("/.well-known/oauth-authorization-server", p.handleASMetadata)
	e.GET("/.well-known/oauth-protected-resource", p.handleResourceMetadata)
	e.POST("/oauth/register", p.handleRegister)
	e.GET("/oauth/clients/:id", p.handleClientInfo)
	e.GET("/oauth/authorize", p.handleAuthorize)
	e.GET("/oauth/callback", p.handleCallback)
	e.POST("/oauth/token", p.handleToken)
	e.POST("/oauth/introspect", p.handleIntrospect)
	e.POST("/oauth/revoke", p.handleRevoke)
}

func (p *Proxy) callbackURL() string {
	return p.cfg.BaseURL + "/oauth/callback"
}

// oauthError writes an RFC-shaped error body.
func oauthError(c echo.Context, status int, code, description string) error {
	body := map[string]string{"error": code}
	if description != "" {
		body["error_description"] = description
	}
	return c.JSON(status, body)
}

type asMetadata struct {
	Issuer                        string   `json:"issuer"`
	AuthorizationEndpoint         string   `json:"authorization_endpoint"`
	TokenEndpoint                 string   `json:"token_endpoint"`
	RegistrationEndpoint          string   `json:"registration_endpoint"`
	IntrospectionEndpoint         string   `json:"introspection_endpoint"`
	RevocationEndpoint            string   `json:"revocation_endpoint"`
	ResponseTypesSupported        []string `json:"response_types_supported"`
	GrantTypesSupported           []string `json:"grant_types_supported"`
	TokenEndpointAuthMethods      []string `json:"token_endpoint_auth_methods_supported"`
	CodeChallengeMethodsSupported []string `json:"code_challenge_methods_supported"`
	ScopesSupported               []string `json:"scopes_supported,omitempty"`
	UpstreamIssuer                string   `json:"x-upstream-issuer"`
}

// handleASMetadata advertises the proxy as a conformant authorization
// server regardless of upstream capabilities.
func (p *Proxy) handleASMetadata(c echo.Context) error {
	base := p.cfg.BaseURL
	return c.JSON(http.StatusOK, asMetadata{
		Issuer:                        base,
		AuthorizationEndpoint:         base + "/oauth/authorize",
		TokenEndpoint:                 base + "/oauth/token",
		RegistrationEndpoint:          base + "/oauth/register",
		IntrospectionEndpoint:         base + "/oauth/introspect",
		RevocationEndpoint:            base + "/oauth/revoke",
		ResponseTypesSupported:        []string{"code"},
		GrantTypesSupported:           []string{"authorization_code", "refresh_token"},
		TokenEndpointAuthMethods:      []string{"client_secret_basic", "client_secret_post"},
		CodeChallengeMethodsSupported: []string{"S256", "plain"},
		ScopesSupported:               p.cfg.ScopesSupported,
		UpstreamIssuer:                p.cfg.UpstreamIssuer,
	})
}

type resourceMetadata struct {
	Resource               string   `json:"resource"`
	BearerMethodsSupported []string `json:"bearer_methods_supported"`
	AuthorizationServers   []string `json:"authorization_servers"`
	ScopesSupported        []string `json:"scopes_supported,omitempty"`
}

// handleResourceMetadata serves RFC 9728 protected-resource metadata.
func (p *Proxy) handleResourceMetadata(c echo.Context) error {
	return c.JSON(http.StatusOK, resourceMetadata{
		Resource:               p.cfg.BaseURL,
		BearerMethodsSupported: []string{"header"},
		AuthorizationServers:   []string{p.cfg.BaseURL},
		ScopesSupported:        p.cfg.ScopesSupported,
	})
}

type registrationResponse struct {
	ClientID                string   `json:"client_id"`
	ClientSecret            string   `json:"client_secret,omitempty"`
	ClientIDIssuedAt        int64    `json:"client_id_issued_at"`
	ClientSecretExpiresAt   int64    `json:"client_secret_expires_at"`
	RedirectURIs            []string `json:"redirect_uris"`
	GrantTypes              []string `json:"grant_types"`
	ResponseTypes           []string `json:"response_types"`
	TokenEndpointAuthMethod string   `json:"token_endpoint_auth_method"`
	ClientName              string   `json:"client_name,omitempty"`
	Scope                   string   `json:"scope,omitempty"`
}

// handleRegister performs local RFC 7591 dynamic registration. The secret
// is returned exactly once; only its hash is stored.
func (p *Proxy) handleRegister(c echo.Context) error {
	var req RegistrationRequest
	if err := c.Bind(&req); err != nil {
		return oauthError(c, http.StatusBadRequest, "invalid_client_metadata", "request body is not valid JSON")
	}
	if regErr := validateRegistration(&req, p.cfg.AllowedScopes); regErr != nil {
		return oauthError(c, http.StatusBadRequest, regErr.code, regErr.description)
	}

	if len(req.GrantTypes) == 0 {
		req.GrantTypes = []string{"authorization_code"}
	}
	if len(req.ResponseTypes) == 0 {
		req.ResponseTypes = []string{"code"}
	}
	if req.TokenEndpointAuthMethod == "" {
		req.TokenEndpointAuthMethod = "client_secret_basic"
	}

	clientID, err := generateClientID()
	if err != nil {
		return oauthError(c, http.StatusInternalServerError, "server_error", "could not generate client id")
	}

	var secret string
	var secretHash string
	if req.TokenEndpointAuthMethod != "none" {
		secret, err = generateClientSecret()
		if err != nil {
			return oauthError(c, http.StatusInternalServerError, "server_error", "could not generate client secret")
		}
		secretHash = hashSecret(secret)
	}

	now := time.Now()
	rec := ClientRecord{
		ClientID:                clientID,
		ClientSecretHash:        secretHash,
		RedirectURIs:            req.RedirectURIs,
		GrantTypes:              req.GrantTypes,
		ResponseTypes:           req.ResponseTypes,
		TokenEndpointAuthMethod: req.TokenEndpointAuthMethod,
		Scope:                   req.Scope,
		ClientName:              req.ClientName,
		CreatedAt:               now,
	}
	if err := p.store.PutClient(rec); err != nil {
		p.log.Error("store client registration", zap.Error(err))
		return oauthError(c, http.StatusInternalServerError, "server_error", "could not store registration")
	}

	p.log.Info("registered OAuth client",
		zap.String("clientID", clientID),
		zap.String("clientName", req.ClientName))

	return c.JSON(http.StatusCreated, registrationResponse{
		ClientID:                clientID,
		ClientSecret:            secret,
		ClientIDIssuedAt:        now.Unix(),
		ClientSecretExpiresAt:   0,
		RedirectURIs:            rec.RedirectURIs,
		GrantTypes:              rec.GrantTypes,
		ResponseTypes:           rec.ResponseTypes,
		TokenEndpointAuthMethod: rec.TokenEndpointAuthMethod,
		ClientName:              rec.ClientName,
		Scope:                   rec.Scope,
	})
}

type clientInfo struct {
	ClientID                string   `json:"client_id"`
	RedirectURIs            []string `json:"redirect_uris"`
	GrantTypes              []string `json:"grant_types"`
	ResponseTypes           []string `json:"response_types"`
	TokenEndpointAuthMethod string   `json:"token_endpoint_auth_method"`
	ClientName              string   `json:"client_name,omitempty"`
	Scope                   string   `json:"scope,omitempty"`
	ClientIDIssuedAt        int64    `json:"client_id_issued_at"`
}

// handleClientInfo returns the public portion of a registration. The
// secret hash never leaves storage.
func (p *Proxy) handleClientInfo(c echo.Context) error {
	rec, err := p.store.GetClient(c.Param("id"))
	if err != nil {
		return oauthError(c, http.StatusInternalServerError, "server_error", "storage failure")
	}
	if rec == nil {
		return oauthError(c, http.StatusNotFound, "invalid_client", "unknown client")
	}
	return c.JSON(http.StatusOK, clientInfo{
		ClientID:                rec.ClientID,
		RedirectURIs:            rec.RedirectURIs,
		GrantTypes:              rec.GrantTypes,
		ResponseTypes:           rec.ResponseTypes,
		TokenEndpointAuthMethod: rec.TokenEndpointAuthMethod,
		ClientName:              rec.ClientName,
		Scope:                   rec.Scope,
		ClientIDIssuedAt:        rec.CreatedAt.Unix(),
	})
}
