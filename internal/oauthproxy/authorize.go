package oauthproxy

import (
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/labstack/echo/v4"
	"go.uber.org/zap"
)

// handleAuthorize validates the client and redirect URI, wraps the
// original request in a state JWT and bounces the browser to the
// upstream authorize endpoint under the proxy's own client id.
func (p *Proxy) handleAuthorize(c echo.Context) error {
	clientID := c.QueryParam("client_id")
	redirectURI := c.QueryParam("redirect_uri")
	responseType := c.QueryParam("response_type")
	scope := c.QueryParam("scope")
	state := c.QueryParam("state")
	codeChallenge := c.QueryParam("code_challenge")
	codeChallengeMethod := c.QueryParam("code_challenge_method")

	if clientID == "" {
		return oauthError(c, http.StatusBadRequest, "invalid_request", "client_id is required")
	}
	client, err := p.store.GetClient(clientID)
	if err != nil {
		return oauthError(c, http.StatusInternalServerError, "server_error", "storage failure")
	}
	if client == nil {
		return oauthError(c, http.StatusBadRequest, "invalid_client", "unknown client")
	}

	// An unregistered redirect URI must never be redirected to.
	if redirectURI == "" || !client.HasRedirectURI(redirectURI) {
		return oauthError(c, http.StatusBadRequest, "invalid_request", "redirect_uri is not registered for this client")
	}

	if responseType != "code" {
		return p.redirectError(c, redirectURI, state, "unsupported_response_type", "only the code response type is supported")
	}
	if codeChallengeMethod != "" && codeChallengeMethod != "S256" && codeChallengeMethod != "plain" {
		return p.redirectError(c, redirectURI, state, "invalid_request", "unsupported code challenge method")
	}
	if codeChallengeMethod != "" && codeChallenge == "" {
		return p.redirectError(c, redirectURI, state, "invalid_request", "code_challenge_method given without code_challenge")
	}
	if scope != "" && len(p.cfg.AllowedScopes) > 0 {
		allowed := make(map[string]bool, len(p.cfg.AllowedScopes))
		for _, s := range p.cfg.AllowedScopes {
			allowed[s] = true
		}
		for _, s := range strings.Fields(scope) {
			if !allowed[s] {
				return p.redirectError(c, redirectURI, state, "invalid_scope", "scope "+s+" is not allowed")
			}
		}
	}

	method := codeChallengeMethod
	if codeChallenge != "" && method == "" {
		method = "plain"
	}

	signed, err := encodeState(p.secret, stateClaims{
		ClientID:            clientID,
		RedirectURI:         redirectURI,
		OriginalState:       state,
		CodeChallenge:       codeChallenge,
		CodeChallengeMethod: method,
		Scope:               scope,
	})
	if err != nil {
		p.log.Error("sign state JWT", zap.Error(err))
		return p.redirectError(c, redirectURI, state, "server_error", "could not create state")
	}

	upstream, err := url.Parse(p.cfg.UpstreamAuthorizeEndpoint)
	if err != nil {
		return p.redirectError(c, redirectURI, state, "server_error", "upstream authorize endpoint misconfigured")
	}
	q := upstream.Query()
	q.Set("response_type", "code")
	q.Set("client_id", p.cfg.ClientID)
	q.Set("redirect_uri", p.callbackURL())
	q.Set("state", signed)
	if scope != "" {
		q.Set("scope", scope)
	}
	upstream.RawQuery = q.Encode()

	return c.Redirect(http.StatusFound, upstream.String())
}

// handleCallback receives the upstream redirect, records the code
// mapping and forwards the browser to the original client.
func (p *Proxy) handleCallback(c echo.Context) error {
	rawState := c.QueryParam("state")
	if rawState == "" {
		return oauthError(c, http.StatusBadRequest, "invalid_request", "state is required")
	}
	claims, err := decodeState(p.secret, rawState)
	if err != nil {
		p.log.Warn("rejected callback with bad state", zap.Error(err))
		return oauthError(c, http.StatusBadRequest, "invalid_request", "state parameter is invalid or expired")
	}

	// Upstream denials pass through to the original client.
	if upstreamErr := c.QueryParam("error"); upstreamErr != "" {
		return p.redirectError(c, claims.RedirectURI, claims.OriginalState,
			upstreamErr, c.QueryParam("error_description"))
	}

	code := c.QueryParam("code")
	if code == "" {
		return oauthError(c, http.StatusBadRequest, "invalid_request", "code is required")
	}

	now := time.Now()
	err = p.store.PutCode(code, CodeRecord{
		ClientID:            claims.ClientID,
		RedirectURI:         claims.RedirectURI,
		CodeChallenge:       claims.CodeChallenge,
		CodeChallengeMethod: claims.CodeChallengeMethod,
		Scope:               claims.Scope,
		IssuedAt:            now,
		ExpiresAt:           now.Add(codeTTL),
	})
	if err != nil {
		p.log.Error("store authorization code", zap.Error(err))
		return oauthError(c, http.StatusInternalServerError, "server_error", "could not store authorization code")
	}

	target, err := url.Parse(claims.RedirectURI)
	if err != nil {
		return oauthError(c, http.StatusBadRequest, "invalid_request", "stored redirect uri does not parse")
	}
	q := target.Query()
	q.Set("code", code)
	if claims.OriginalState != "" {
		q.Set("state", claims.OriginalState)
	}
	target.RawQuery = q.Encode()

	return c.Redirect(http.StatusFound, target.String())
}

// redirectError sends an OAuth error back to a validated redirect URI.
func (p *Proxy) redirectError(c echo.Context, redirectURI, state, code, description string) error {
	target, err := url.Parse(redirectURI)
	if err != nil {
		return oauthError(c, http.StatusBadRequest, "invalid_request", "redirect uri does not parse")
	}
	q := target.Query()
	q.Set("error", code)
	if description != "" {
		q.Set("error_description", description)
	}
	if state != "" {
		q.Set("state", state)
	}
	target.RawQuery = q.Encode()
	return c.Redirect(http.StatusFound, target.String())
}
