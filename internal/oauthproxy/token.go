package oauthproxy

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/labstack/echo/v4"
	"go.uber.org/zap"
)

// upstreamTokenResponse is the subset of the upstream token reply the
// proxy needs for mapping bookkeeping. The full body passes through to
// the client untouched.
type upstreamTokenResponse struct {
	AccessToken  string `json:"access_token"`
	TokenType    string `json:"token_type"`
	ExpiresIn    int    `json:"expires_in"`
	RefreshToken string `json:"refresh_token,omitempty"`
	Scope        string `json:"scope,omitempty"`
}

// authenticateClient resolves and verifies the local client from Basic
// credentials or form fields. Public clients (auth method "none")
// authenticate by client_id alone. On failure the error response has
// already been written; callers must stop when the client is nil.
func (p *Proxy) authenticateClient(c echo.Context) (*ClientRecord, error) {
	clientID, clientSecret, viaBasic := c.Request().BasicAuth()
	if !viaBasic {
		clientID = c.FormValue("client_id")
		clientSecret = c.FormValue("client_secret")
	}
	if clientID == "" {
		return nil, oauthError(c, http.StatusUnauthorized, "invalid_client", "client authentication required")
	}

	rec, err := p.store.GetClient(clientID)
	if err != nil {
		return nil, oauthError(c, http.StatusInternalServerError, "server_error", "storage failure")
	}
	if rec == nil {
		return nil, oauthError(c, http.StatusUnauthorized, "invalid_client", "unknown client")
	}

	if rec.TokenEndpointAuthMethod == "none" {
		return rec, nil
	}
	if clientSecret == "" || !verifySecret(rec.ClientSecretHash, clientSecret) {
		return nil, oauthError(c, http.StatusUnauthorized, "invalid_client", "client authentication failed")
	}
	return rec, nil
}

// handleToken exchanges grants on behalf of local clients, enforcing the
// code mapping and PKCE before anything reaches the upstream server.
func (p *Proxy) handleToken(c echo.Context) error {
	client, err := p.authenticateClient(c)
	if client == nil {
		return err
	}

	switch c.FormValue("grant_type") {
	case "authorization_code":
		return p.exchangeCode(c, client)
	case "refresh_token":
		return p.exchangeRefresh(c, client)
	default:
		return oauthError(c, http.StatusBadRequest, "unsupported_grant_type", "grant_type must be authorization_code or refresh_token")
	}
}

func (p *Proxy) exchangeCode(c echo.Context, client *ClientRecord) error {
	code := c.FormValue("code")
	if code == "" {
		return oauthError(c, http.StatusBadRequest, "invalid_request", "code is required")
	}

	mapping, err := p.store.ConsumeCode(code)
	if err != nil {
		return oauthError(c, http.StatusInternalServerError, "server_error", "storage failure")
	}
	if mapping == nil {
		return oauthError(c, http.StatusBadRequest, "invalid_grant", "authorization code is unknown or already used")
	}
	if mapping.Expired(time.Now()) {
		return oauthError(c, http.StatusBadRequest, "invalid_grant", "authorization code expired")
	}
	if mapping.ClientID != client.ClientID {
		return oauthError(c, http.StatusBadRequest, "invalid_grant", "authorization code was issued to a different client")
	}
	if redirectURI := c.FormValue("redirect_uri"); redirectURI != mapping.RedirectURI {
		return oauthError(c, http.StatusBadRequest, "invalid_grant", "redirect_uri does not match the authorization request")
	}

	if mapping.CodeChallenge != "" {
		verifier := c.FormValue("code_verifier")
		if verifier == "" {
			return oauthError(c, http.StatusBadRequest, "invalid_request", "code_verifier is required")
		}
		if !verifyPKCE(mapping.CodeChallenge, mapping.CodeChallengeMethod, verifier) {
			return oauthError(c, http.StatusBadRequest, "invalid_grant", "PKCE verification failed")
		}
	}

	form := url.Values{}
	form.Set("grant_type", "authorization_code")
	form.Set("code", code)
	form.Set("redirect_uri", p.callbackURL())
	form.Set("client_id", p.cfg.ClientID)
	if p.cfg.ClientSecret != "" {
		form.Set("client_secret", p.cfg.ClientSecret)
	}

	return p.forwardTokenGrant(c, client, form)
}

func (p *Proxy) exchangeRefresh(c echo.Context, client *ClientRecord) error {
	refreshToken := c.FormValue("refresh_token")
	if refreshToken == "" {
		return oauthError(c, http.StatusBadRequest, "invalid_request", "refresh_token is required")
	}

	mapping, err := p.store.GetToken(hashSecret(refreshToken))
	if err != nil {
		return oauthError(c, http.StatusInternalServerError, "server_error", "storage failure")
	}
	if mapping == nil || mapping.Kind != TokenKindRefresh {
		return oauthError(c, http.StatusBadRequest, "invalid_grant", "refresh token is unknown")
	}
	if mapping.LocalClientID != client.ClientID {
		return oauthError(c, http.StatusBadRequest, "invalid_grant", "refresh token was issued to a different client")
	}

	form := url.Values{}
	form.Set("grant_type", "refresh_token")
	form.Set("refresh_token", refreshToken)
	form.Set("client_id", p.cfg.ClientID)
	if p.cfg.ClientSecret != "" {
		form.Set("client_secret", p.cfg.ClientSecret)
	}
	if scope := c.FormValue("scope"); scope != "" {
		form.Set("scope", scope)
	}

	return p.forwardTokenGrant(c, client, form)
}

// forwardTokenGrant posts the grant upstream with the proxy's own
// credentials, stores token mappings on success and passes the upstream
// body through either way.
func (p *Proxy) forwardTokenGrant(c echo.Context, client *ClientRecord, form url.Values) error {
	status, body, err := p.postForm(c.Request().Context(), p.cfg.UpstreamTokenEndpoint, form)
	if err != nil {
		p.log.Error("upstream token request failed", zap.Error(err))
		return oauthError(c, http.StatusBadGateway, "server_error", "upstream token endpoint unreachable")
	}

	if status != http.StatusOK {
		return p.passUpstreamError(c, status, body, "upstream token endpoint")
	}

	var tokens upstreamTokenResponse
	if err := json.Unmarshal(body, &tokens); err != nil || tokens.AccessToken == "" {
		p.log.Error("upstream token response unreadable", zap.Error(err))
		return c.JSON(http.StatusBadGateway, map[string]any{
			"error":             "server_error",
			"error_description": "upstream token endpoint returned an unreadable response",
			"upstream_error":    true,
		})
	}

	now := time.Now()
	access := TokenRecord{
		LocalClientID: client.ClientID,
		Kind:          TokenKindAccess,
		IssuedAt:      now,
	}
	if tokens.ExpiresIn > 0 {
		access.ExpiresAt = now.Add(time.Duration(tokens.ExpiresIn) * time.Second)
	}
	if err := p.store.PutToken(hashSecret(tokens.AccessToken), access); err != nil {
		p.log.Error("store access token mapping", zap.Error(err))
	}
	if tokens.RefreshToken != "" {
		refresh := TokenRecord{
			LocalClientID: client.ClientID,
			Kind:          TokenKindRefresh,
			IssuedAt:      now,
		}
		if err := p.store.PutToken(hashSecret(tokens.RefreshToken), refresh); err != nil {
			p.log.Error("store refresh token mapping", zap.Error(err))
		}
	}

	p.log.Info("token grant exchanged",
		zap.String("clientID", client.ClientID),
		zap.String("grantType", form.Get("grant_type")))

	return c.JSONBlob(http.StatusOK, body)
}

// handleIntrospect forwards introspection upstream and rewrites client_id
// to the local client when a token mapping exists. Without an upstream
// introspection endpoint the answer is synthesized from the mapping alone.
func (p *Proxy) handleIntrospect(c echo.Context) error {
	caller, err := p.authenticateClient(c)
	if caller == nil {
		return err
	}

	token := c.FormValue("token")
	if token == "" {
		return oauthError(c, http.StatusBadRequest, "invalid_request", "token is required")
	}

	mapping, err := p.store.GetToken(hashSecret(token))
	if err != nil {
		return oauthError(c, http.StatusInternalServerError, "server_error", "storage failure")
	}

	if p.cfg.UpstreamIntrospectionEndpoint == "" {
		return c.JSON(http.StatusOK, p.localIntrospection(mapping))
	}

	form := url.Values{}
	form.Set("token", token)
	if hint := c.FormValue("token_type_hint"); hint != "" {
		form.Set("token_type_hint", hint)
	}
	form.Set("client_id", p.cfg.ClientID)
	if p.cfg.ClientSecret != "" {
		form.Set("client_secret", p.cfg.ClientSecret)
	}

	status, body, err := p.postForm(c.Request().Context(), p.cfg.UpstreamIntrospectionEndpoint, form)
	if err != nil {
		p.log.Error("upstream introspection failed", zap.Error(err))
		return oauthError(c, http.StatusBadGateway, "server_error", "upstream introspection endpoint unreachable")
	}
	if status != http.StatusOK {
		return p.passUpstreamError(c, status, body, "upstream introspection endpoint")
	}

	var result map[string]any
	if err := json.Unmarshal(body, &result); err != nil {
		return c.JSON(http.StatusBadGateway, map[string]any{
			"error":             "server_error",
			"error_description": "upstream introspection endpoint returned an unreadable response",
			"upstream_error":    true,
		})
	}
	if mapping != nil {
		result["client_id"] = mapping.LocalClientID
	}
	return c.JSON(http.StatusOK, result)
}

func (p *Proxy) localIntrospection(mapping *TokenRecord) map[string]any {
	if mapping == nil {
		return map[string]any{"active": false}
	}
	if !mapping.ExpiresAt.IsZero() && time.Now().After(mapping.ExpiresAt) {
		return map[string]any{"active": false}
	}
	return map[string]any{
		"active":    true,
		"client_id": mapping.LocalClientID,
	}
}

// handleRevoke forwards revocation and destroys the local mapping no
// matter what the upstream says (RFC 7009 always answers 200).
func (p *Proxy) handleRevoke(c echo.Context) error {
	caller, err := p.authenticateClient(c)
	if caller == nil {
		return err
	}

	token := c.FormValue("token")
	if token == "" {
		return oauthError(c, http.StatusBadRequest, "invalid_request", "token is required")
	}

	if p.cfg.UpstreamRevocationEndpoint != "" {
		form := url.Values{}
		form.Set("token", token)
		if hint := c.FormValue("token_type_hint"); hint != "" {
			form.Set("token_type_hint", hint)
		}
		form.Set("client_id", p.cfg.ClientID)
		if p.cfg.ClientSecret != "" {
			form.Set("client_secret", p.cfg.ClientSecret)
		}
		if status, _, err := p.postForm(c.Request().Context(), p.cfg.UpstreamRevocationEndpoint, form); err != nil {
			p.log.Warn("upstream revocation failed", zap.Error(err))
		} else if status != http.StatusOK {
			p.log.Warn("upstream revocation rejected", zap.Int("status", status))
		}
	}

	if err := p.store.DeleteToken(hashSecret(token)); err != nil {
		p.log.Error("delete token mapping", zap.Error(err))
	}
	return c.NoContent(http.StatusOK)
}

// passUpstreamError relays an upstream OAuth error body, marking it so
// clients can tell local failures from proxied ones.
func (p *Proxy) passUpstreamError(c echo.Context, status int, body []byte, source string) error {
	var parsed map[string]any
	if err := json.Unmarshal(body, &parsed); err != nil || parsed["error"] == nil {
		return c.JSON(http.StatusBadGateway, map[string]any{
			"error":             "server_error",
			"error_description": fmt.Sprintf("%s returned HTTP %d", source, status),
			"upstream_error":    true,
		})
	}
	parsed["upstream_error"] = true
	return c.JSON(status, parsed)
}

// postForm sends a form-encoded POST and reads up to 1MB of response.
func (p *Proxy) postForm(ctx context.Context, endpoint string, form url.Values) (int, []byte, error) {
	req, err := http.NewRequestWithContext(ctx, "POST", endpoint, strings.NewReader(form.Encode()))
	if err != nil {
		return 0, nil, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	req.Header.Set("Accept", "application/json")

	resp, err := p.client.Do(req)
	if err != nil {
		return 0, nil, fmt.Errorf("request failed: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1024*1024))
	if err != nil {
		return 0, nil, fmt.Errorf("read response: %w", err)
	}
	return resp.StatusCode, body, nil
}
