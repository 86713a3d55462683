// Package oauth implements the OAuth 2.1 authorization code flow used to
// authenticate against protected MCP servers, along with credential
// storage and token refresh.
package oauth

import (
	"errors"
	"time"
)

// refreshSkew is how long before expiry a token is considered stale.
const refreshSkew = 30 * time.Second

// Credential is the stored authentication state for one server, keyed
// by server URL.
type Credential struct {
	// ServerName is the display name of the server, informational only.
	ServerName string `json:"server_name"`

	// ServerURL is the lookup key.
	ServerURL string `json:"server_url"`

	// ClientID comes from dynamic client registration or config.
	ClientID string `json:"client_id"`

	// ClientSecret is empty for public clients.
	ClientSecret string `json:"client_secret,omitempty"`

	AccessToken  string `json:"access_token"`
	RefreshToken string `json:"refresh_token,omitempty"`

	// ExpiresAt is the access token expiry in Unix milliseconds.
	ExpiresAt int64 `json:"expires_at"`

	// Scopes granted by the authorization server.
	Scopes []string `json:"scopes,omitempty"`
}

// Validate reports whether the credential has every required field.
func (c *Credential) Validate() error {
	switch {
	case c.ServerURL == "":
		return errors.New("credential: ServerURL is required")
	case c.ClientID == "":
		return errors.New("credential: ClientID is required")
	case c.AccessToken == "":
		return errors.New("credential: AccessToken is required")
	case c.ExpiresAt <= 0:
		return errors.New("credential: ExpiresAt must be a positive timestamp")
	}
	return nil
}

// NewCredential builds and validates a Credential. ServerName,
// ClientSecret, RefreshToken and Scopes may be empty.
func NewCredential(serverName, serverURL, clientID, clientSecret, accessToken, refreshToken string, expiresAt time.Time, scopes []string) (*Credential, error) {
	cred := &Credential{
		ServerName:   serverName,
		ServerURL:    serverURL,
		ClientID:     clientID,
		ClientSecret: clientSecret,
		AccessToken:  accessToken,
		RefreshToken: refreshToken,
		ExpiresAt:    expiresAt.UnixMilli(),
		Scopes:       scopes,
	}
	if err := cred.Validate(); err != nil {
		return nil, err
	}
	return cred, nil
}

// IsExpired reports whether the access token has expired.
func (c Credential) IsExpired() bool {
	return time.Now().UnixMilli() >= c.ExpiresAt
}

// NeedsRefresh reports whether the token is within the refresh window.
func (c Credential) NeedsRefresh() bool {
	return time.Now().UnixMilli() >= c.ExpiresAt-refreshSkew.Milliseconds()
}

// TimeUntilExpiry returns the remaining lifetime of the access token.
// Negative once expired.
func (c Credential) TimeUntilExpiry() time.Duration {
	return time.Until(time.UnixMilli(c.ExpiresAt))
}

// CredentialStore persists credentials keyed by server URL.
type CredentialStore interface {
	Get(serverURL string) (*Credential, error)
	Put(cred *Credential) error
	Delete(serverURL string) error
	List() ([]*Credential, error)
}

// StoreMode selects the credential storage backend.
type StoreMode string

const (
	// StoreModeAuto prefers the system keychain, falling back to a file.
	StoreModeAuto StoreMode = "auto"

	// StoreModeKeyring requires the system keychain.
	StoreModeKeyring StoreMode = "keyring"

	// StoreModeFile stores credentials in a JSON file under the config dir.
	StoreModeFile StoreMode = "file"
)

// NewCredentialStore creates the credential store for the given mode.
func NewCredentialStore(mode StoreMode) (CredentialStore, error) {
	switch mode {
	case StoreModeKeyring:
		store, err := NewKeyringStore()
		if err != nil {
			return nil, err
		}
		return store, nil
	case StoreModeAuto, "":
		if store, err := NewKeyringStore(); err == nil {
			return store, nil
		}
		return NewFileStore()
	default:
		return NewFileStore()
	}
}
