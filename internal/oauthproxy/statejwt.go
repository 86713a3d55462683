package oauthproxy

import (
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// stateTTL bounds how long an authorize redirect may take to come back
// through the upstream callback.
const stateTTL = 600 * time.Second

// stateClaims carries the original client request through the upstream
// round trip as the OAuth state parameter.
type stateClaims struct {
	ClientID            string `json:"cid"`
	RedirectURI         string `json:"ruri"`
	OriginalState       string `json:"ost,omitempty"`
	CodeChallenge       string `json:"cc,omitempty"`
	CodeChallengeMethod string `json:"ccm,omitempty"`
	Scope               string `json:"scp,omitempty"`
	CreatedAt           int64  `json:"ts"`
	jwt.RegisteredClaims
}

// encodeState signs the claims with HS256.
func encodeState(secret []byte, claims stateClaims) (string, error) {
	now := time.Now()
	claims.CreatedAt = now.Unix()
	claims.IssuedAt = jwt.NewNumericDate(now)
	claims.ExpiresAt = jwt.NewNumericDate(now.Add(stateTTL))

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := token.SignedString(secret)
	if err != nil {
		return "", fmt.Errorf("sign state: %w", err)
	}
	return signed, nil
}

// decodeState verifies signature, iat and exp. Any failure means the
// state parameter cannot be trusted.
func decodeState(secret []byte, raw string) (*stateClaims, error) {
	var claims stateClaims
	_, err := jwt.ParseWithClaims(raw, &claims, func(t *jwt.Token) (any, error) {
		return secret, nil
	},
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithIssuedAt(),
		jwt.WithExpirationRequired(),
	)
	if err != nil {
		return nil, fmt.Errorf("parse state: %w", err)
	}
	return &claims, nil
}
