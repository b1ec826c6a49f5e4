// Package auth issues and validates bearer tokens for observer connections.
//
// Tokens are HS256 JWTs signed with a shared secret from the host config.
// The subject names the observer and ends up in the connection log; the
// jti is a random UUID so individual tokens can be told apart in logs.
// There is no revocation list: rotate the secret to invalidate every token.
package auth

import (
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/golang/glog"
	"github.com/google/uuid"

	apperrors "github.com/treesync/host/internal/errors"
)

// MinSecretLen is the shortest accepted signing secret in bytes.
const MinSecretLen = 16

// DefaultTTL is the token lifetime used when Issue is given zero.
const DefaultTTL = 30 * 24 * time.Hour

// issuerName is the iss claim of every token.
const issuerName = "treesync"

// ErrSecretTooShort is returned by NewIssuer for weak secrets.
var ErrSecretTooShort = fmt.Errorf("auth: secret must be at least %d bytes", MinSecretLen)

// Claims are the token claims. Document, if set, limits the token to one
// document.
type Claims struct {
	jwt.RegisteredClaims
	Document string `json:"doc,omitempty"`
}

// Issuer signs and checks tokens with one secret.
type Issuer struct {
	secret  []byte
	timeNow func() time.Time
}

// NewIssuer returns an Issuer for secret.
func NewIssuer(secret []byte) (*Issuer, error) {
	if len(secret) < MinSecretLen {
		return nil, ErrSecretTooShort
	}
	return &Issuer{secret: secret, timeNow: time.Now}, nil
}

// Issue returns a signed token for subject that expires after ttl. A
// non-empty document restricts the token to that document.
func (i *Issuer) Issue(subject, document string, ttl time.Duration) (string, error) {
	if subject == "" {
		return "", errors.New("auth: subject cannot be empty")
	}
	if ttl <= 0 {
		ttl = DefaultTTL
	}

	now := i.timeNow()
	claims := &Claims{
		RegisteredClaims: jwt.RegisteredClaims{
			ID:        uuid.NewString(),
			Issuer:    issuerName,
			Subject:   subject,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
		},
		Document: document,
	}

	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(i.secret)
	if err != nil {
		return "", fmt.Errorf("auth: sign token: %w", err)
	}
	glog.V(1).Infof("auth: issued token %s for %s (expires %s)", claims.ID, subject, claims.ExpiresAt.Time.Format(time.RFC3339))
	return token, nil
}

// Validate parses token and returns its claims. Expired tokens fail with
// auth.expired, everything else with auth.invalid. Only HS256 is accepted.
func (i *Issuer) Validate(token string) (*Claims, error) {
	parsed, err := jwt.ParseWithClaims(token, &Claims{}, func(t *jwt.Token) (any, error) {
		if t.Method != jwt.SigningMethodHS256 {
			return nil, fmt.Errorf("unexpected signing method: %v (only HS256 allowed)", t.Header["alg"])
		}
		return i.secret, nil
	},
		jwt.WithIssuer(issuerName),
		jwt.WithTimeFunc(i.timeNow),
		jwt.WithExpirationRequired(),
	)
	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return nil, apperrors.Wrap(apperrors.CodeAuthExpired, "token expired", err)
		}
		return nil, apperrors.Wrap(apperrors.CodeAuthInvalid, "invalid token", err)
	}

	claims, ok := parsed.Claims.(*Claims)
	if !ok || !parsed.Valid || claims.Subject == "" {
		return nil, apperrors.New(apperrors.CodeAuthInvalid, "invalid token")
	}
	return claims, nil
}

// Allows reports whether the claims grant access to document.
func (c *Claims) Allows(document string) bool {
	return c.Document == "" || c.Document == document
}

// BearerToken extracts the token from an Authorization header, falling
// back to the "token" query parameter (browser websocket clients cannot set
// headers). Returns "" if neither is present.
func BearerToken(r *http.Request) string {
	if h := r.Header.Get("Authorization"); h != "" {
		const prefix = "bearer "
		if len(h) > len(prefix) && strings.EqualFold(h[:len(prefix)], prefix) {
			return strings.TrimSpace(h[len(prefix):])
		}
	}
	return r.URL.Query().Get("token")
}
