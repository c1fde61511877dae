// Package credential implements the Credential Service: issuance and
// validation of bearer tokens identifying a principal (spec.md §4.2).
package credential

import (
	"errors"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/vitaliisemenov/llmgateway/internal/gatewayerr"
)

// claims is the JWT claim set issued for a principal. Only the fields
// spec.md §4.2 names are carried; no scopes or roles travel in the token
// since tier and active-state are re-read from the User Directory on every
// request rather than trusted from the token body.
type claims struct {
	jwt.RegisteredClaims
}

// Service issues and validates HMAC-SHA256 signed bearer tokens.
type Service struct {
	secret []byte
	ttl    time.Duration
}

// New constructs a Credential Service with the given signing secret and
// token lifetime.
func New(secret string, ttl time.Duration) *Service {
	return &Service{secret: []byte(secret), ttl: ttl}
}

// Issue mints a new bearer token for principal, valid for the service's
// configured TTL from now.
func (s *Service) Issue(principal string) (string, time.Time, error) {
	now := time.Now().UTC()
	exp := now.Add(s.ttl)

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims{
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   principal,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(exp),
		},
	})

	signed, err := token.SignedString(s.secret)
	if err != nil {
		return "", time.Time{}, gatewayerr.Wrap(gatewayerr.KindInternal, "sign bearer token", err)
	}
	return signed, exp, nil
}

// Validate parses and verifies a bearer token, returning the principal name
// it identifies. Expiry, malformed structure, and bad signatures are all
// translated to a single Unauthorized-class error so callers never need to
// branch on JWT-library internals (spec.md §4.2 "validate collapses failure
// modes to Unauthorized").
func (s *Service) Validate(tokenString string) (string, error) {
	parsed, err := jwt.ParseWithClaims(tokenString, &claims{}, func(t *jwt.Token) (any, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, errors.New("unexpected signing method")
		}
		return s.secret, nil
	}, jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Name}))

	if err != nil {
		return "", gatewayerr.Wrap(gatewayerr.KindUnauthorized, "invalid bearer token", err)
	}

	c, ok := parsed.Claims.(*claims)
	if !ok || !parsed.Valid || c.Subject == "" {
		return "", gatewayerr.New(gatewayerr.KindUnauthorized, "invalid bearer token")
	}
	return c.Subject, nil
}
