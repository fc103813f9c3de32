package authdb

import (
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/vertex-link/aha/internal/core"
)

// sessionTTL bounds how long an admin bearer token is accepted after
// issuance; the admin API has no refresh flow, matching the "root
// session, not a user account system" scope of SPEC_FULL.md §3.
const sessionTTL = 12 * time.Hour

// SessionIssuer mints and verifies HMAC-signed bearer tokens for the
// admin HTTP API, grounded on the teacher's ManifestTokenIssuer
// pattern (a short-lived, symmetrically signed token carrying just
// enough claims to authorise one kind of call).
type SessionIssuer struct {
	key []byte
}

// NewSessionIssuer returns an issuer signing with key, which must stay
// stable across a cell's restarts or every outstanding session is
// invalidated; callers typically derive it once via
// golang.org/x/crypto/hkdf from the cell's root secret.
func NewSessionIssuer(key []byte) *SessionIssuer {
	return &SessionIssuer{key: key}
}

type sessionClaims struct {
	jwt.RegisteredClaims
}

// Issue mints a bearer token authorising admin API calls for
// sessionTTL.
func (i *SessionIssuer) Issue() (string, error) {
	now := time.Now()
	claims := sessionClaims{
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   "aha:admin",
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(sessionTTL)),
		},
	}
	tok := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := tok.SignedString(i.key)
	if err != nil {
		return "", fmt.Errorf("authdb: sign session token: %w", err)
	}
	return signed, nil
}

// Verify checks a bearer token's signature and expiry, returning
// core.ErrAuthDeny on any failure.
func (i *SessionIssuer) Verify(token string) error {
	_, err := jwt.ParseWithClaims(token, &sessionClaims{}, func(t *jwt.Token) (interface{}, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method %v", t.Header["alg"])
		}
		return i.key, nil
	})
	if err != nil {
		return &core.ErrAuthDeny{Reason: fmt.Sprintf("invalid session token: %v", err)}
	}
	return nil
}
