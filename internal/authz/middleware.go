package authz

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"
	"github.com/labstack/echo/v4"
	"go.uber.org/zap"
)

const (
	defaultRealm     = "MCP Server"
	defaultCacheTTL  = 60 * time.Second
	defaultCacheSize = 10000

	tokenInfoContextKey = "authz.tokenInfo"
)

// Config configures the resource-server authorizer.
type Config struct {
	// Issuer is the upstream authorization server. Required unless
	// IntrospectionEndpoint is set.
	Issuer string

	// ClientID and ClientSecret authenticate this resource server to the
	// introspection endpoint (HTTP Basic).
	ClientID     string
	ClientSecret string

	// IntrospectionEndpoint overrides endpoint discovery.
	IntrospectionEndpoint string

	// RequiredScopes must all appear in the token's scope claim.
	RequiredScopes []string

	// Realm names the protected resource in WWW-Authenticate challenges.
	// Defaults to "MCP Server".
	Realm string

	// CacheTTL bounds how long an active introspection result is reused.
	// Defaults to 60s. Inactive results are never cached.
	CacheTTL time.Duration

	// CacheSize bounds the introspection cache. Defaults to 10000.
	CacheSize int

	HTTPClient *http.Client
	Logger     *zap.Logger
}

// Authorizer guards echo routes with bearer-token introspection.
type Authorizer struct {
	introspector   *Introspector
	cache          *expirable.LRU[string, *TokenInfo]
	requiredScopes []string
	realm          string
	issuer         string
	log            *zap.Logger
}

// New validates cfg and builds an Authorizer. Configuration problems are
// reported here, never at request time.
func New(cfg Config) (*Authorizer, error) {
	if cfg.Issuer == "" && cfg.IntrospectionEndpoint == "" {
		return nil, errors.New("authz: issuer or introspection endpoint required")
	}
	if cfg.ClientID == "" || cfg.ClientSecret == "" {
		return nil, errors.New("authz: introspection client credentials required")
	}

	realm := cfg.Realm
	if realm == "" {
		realm = defaultRealm
	}
	ttl := cfg.CacheTTL
	if ttl <= 0 {
		ttl = defaultCacheTTL
	}
	size := cfg.CacheSize
	if size <= 0 {
		size = defaultCacheSize
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	return &Authorizer{
		introspector:   NewIntrospector(cfg.Issuer, cfg.ClientID, cfg.ClientSecret, cfg.IntrospectionEndpoint, cfg.HTTPClient),
		cache:          expirable.NewLRU[string, *TokenInfo](size, nil, ttl),
		requiredScopes: cfg.RequiredScopes,
		realm:          realm,
		issuer:         cfg.Issuer,
		log:            logger,
	}, nil
}

// BearerFromHeader extracts the bearer token from the last Authorization
// header, matching the scheme case-insensitively.
func BearerFromHeader(h http.Header) (string, bool) {
	values := h.Values("Authorization")
	if len(values) == 0 {
		return "", false
	}
	last := values[len(values)-1]

	const prefix = "bearer "
	if len(last) <= len(prefix) || !strings.EqualFold(last[:len(prefix)], prefix) {
		return "", false
	}
	token := strings.TrimSpace(last[len(prefix):])
	if token == "" {
		return "", false
	}
	return token, true
}

// Middleware returns the echo middleware enforcing bearer authorization.
func (a *Authorizer) Middleware() echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			token, ok := BearerFromHeader(c.Request().Header)
			if !ok {
				return a.deny(c, http.StatusUnauthorized, "missing_token", "missing bearer token")
			}

			info, err := a.resolve(c.Request().Context(), token)
			if err != nil {
				a.log.Error("token introspection failed", zap.Error(err))
				return a.deny(c, http.StatusUnauthorized, "invalid_token", "token could not be validated")
			}
			if !info.Active || info.Expired(time.Now()) {
				a.cache.Remove(token)
				return a.deny(c, http.StatusUnauthorized, "invalid_token", "token is not active")
			}

			for _, required := range a.requiredScopes {
				if !info.HasScope(required) {
					return a.deny(c, http.StatusForbidden, "insufficient_scope",
						fmt.Sprintf("missing required scope %q", required))
				}
			}

			c.Set(tokenInfoContextKey, info)
			return next(c)
		}
	}
}

// resolve consults the cache before the introspection endpoint. Only
// active results are cached.
func (a *Authorizer) resolve(ctx context.Context, token string) (*TokenInfo, error) {
	if info, ok := a.cache.Get(token); ok {
		return info, nil
	}

	info, err := a.introspector.Introspect(ctx, token)
	if err != nil {
		return nil, err
	}
	if info.Active {
		a.cache.Add(token, info)
	}
	return info, nil
}

func (a *Authorizer) deny(c echo.Context, status int, code, description string) error {
	c.Response().Header().Set("WWW-Authenticate", a.challenge(code, description))
	return c.JSON(status, map[string]string{
		"error":             code,
		"error_description": description,
	})
}

// challenge builds the WWW-Authenticate value:
// Bearer realm="...", error="...", error_description="...", scope="...",
// authz_server="...".
func (a *Authorizer) challenge(code, description string) string {
	parts := []string{fmt.Sprintf("Bearer realm=%q", a.realm)}
	if code != "" {
		parts = append(parts, fmt.Sprintf("error=%q", code))
	}
	if description != "" {
		parts = append(parts, fmt.Sprintf("error_description=%q", description))
	}
	if len(a.requiredScopes) > 0 {
		parts = append(parts, fmt.Sprintf("scope=%q", strings.Join(a.requiredScopes, " ")))
	}
	if a.issuer != "" {
		parts = append(parts, fmt.Sprintf("authz_server=%q", a.issuer))
	}
	return strings.Join(parts, ", ")
}

// TokenInfoFrom returns the introspection result stashed by Middleware,
// or nil when the route is unauthenticated.
func TokenInfoFrom(c echo.Context) *TokenInfo {
	info, _ := c.Get(tokenInfoContextKey).(*TokenInfo)
	return info
}
