// Package identity verifies bearer tokens presented on websocket upgrades
// and the group management API.
package identity

import (
	"errors"
	"fmt"

	"github.com/golang-jwt/jwt/v5"
)

// ErrInvalidToken is returned for any token that fails verification:
// bad signature, expired, malformed, or missing the subject claim.
var ErrInvalidToken = errors.New("identity: invalid token")

// Identity is the authenticated principal extracted from a token.
type Identity struct {
	UserID string
	Email  string
}

// Verifier turns a bearer token into an Identity.
type Verifier interface {
	Verify(token string) (Identity, error)
}

// JWTVerifier validates HS256-signed tokens carrying the user id in the
// subject claim.
type JWTVerifier struct {
	secret []byte
}

// NewJWTVerifier constructs a verifier for the given shared secret.
func NewJWTVerifier(secret []byte) *JWTVerifier {
	return &JWTVerifier{secret: secret}
}

type claims struct {
	Email string `json:"email,omitempty"`
	jwt.RegisteredClaims
}

// Verify parses and validates token and extracts the principal.
func (v *JWTVerifier) Verify(token string) (Identity, error) {
	var c claims
	parsed, err := jwt.ParseWithClaims(token, &c, func(t *jwt.Token) (any, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method %q", t.Method.Alg())
		}
		return v.secret, nil
	}, jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}))
	if err != nil || !parsed.Valid {
		return Identity{}, ErrInvalidToken
	}
	if c.Subject == "" {
		return Identity{}, ErrInvalidToken
	}
	return Identity{UserID: c.Subject, Email: c.Email}, nil
}

// StaticVerifier maps fixed tokens to identities. Used in dev mode and tests.
type StaticVerifier map[string]Identity

func (v StaticVerifier) Verify(token string) (Identity, error) {
	id, ok := v[token]
	if !ok {
		return Identity{}, ErrInvalidToken
	}
	return id, nil
}
