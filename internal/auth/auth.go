// Package auth resolves the identity behind an HTTP request.
//
// Two credentials are accepted, as a bearer token or an access_token cookie:
// the configured system key, which identifies the scheduled snapshot trigger
// as an administrator, and HS256 JWTs whose "sub" claim is the user ID.
package auth

import (
	"crypto/subtle"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// SystemUserID is the identity of requests made with the system key.
const SystemUserID = "system"

const cookieName = "access_token"

var (
	// ErrNoCredentials is returned when the request carries no token.
	ErrNoCredentials = errors.New("authentication required")

	// ErrInvalidToken is returned for tokens that fail verification.
	ErrInvalidToken = errors.New("invalid or expired token")
)

// Identity is an authenticated caller.
type Identity struct {
	UserID string
	Admin  bool
}

// Claims are the JWT claims this service reads.
type Claims struct {
	jwt.RegisteredClaims
	Admin bool `json:"admin,omitempty"`
}

// Authenticator verifies request credentials.
type Authenticator struct {
	secret    []byte
	systemKey string
	now       func() time.Time
}

// New creates an Authenticator. An empty systemKey disables system-key access.
func New(jwtSecret, systemKey string) *Authenticator {
	return &Authenticator{secret: []byte(jwtSecret), systemKey: systemKey, now: time.Now}
}

// Authenticate returns the identity of the request.
func (a *Authenticator) Authenticate(r *http.Request) (Identity, error) {
	token := tokenFromRequest(r)
	if token == "" {
		return Identity{}, ErrNoCredentials
	}

	if a.systemKey != "" && subtle.ConstantTimeCompare([]byte(token), []byte(a.systemKey)) == 1 {
		return Identity{UserID: SystemUserID, Admin: true}, nil
	}

	if len(a.secret) == 0 {
		return Identity{}, ErrInvalidToken
	}

	var claims Claims
	_, err := jwt.ParseWithClaims(token, &claims, func(*jwt.Token) (any, error) {
		return a.secret, nil
	},
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithTimeFunc(a.now),
	)
	if err != nil {
		return Identity{}, fmt.Errorf("%w: %w", ErrInvalidToken, err)
	}
	if strings.TrimSpace(claims.Subject) == "" {
		return Identity{}, fmt.Errorf("%w: missing subject", ErrInvalidToken)
	}
	return Identity{UserID: claims.Subject, Admin: claims.Admin}, nil
}

// Issue signs a token for userID valid for ttl. Used by the CLI and tests.
func (a *Authenticator) Issue(userID string, admin bool, ttl time.Duration) (string, error) {
	if len(a.secret) == 0 {
		return "", errors.New("jwt secret is not configured")
	}
	now := a.now()
	claims := Claims{
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   userID,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
		},
		Admin: admin,
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(a.secret)
}

func tokenFromRequest(r *http.Request) string {
	if h := r.Header.Get("Authorization"); h != "" {
		scheme, token, ok := strings.Cut(h, " ")
		if ok && strings.EqualFold(scheme, "Bearer") {
			return strings.TrimSpace(token)
		}
	}
	if c, err := r.Cookie(cookieName); err == nil {
		return c.Value
	}
	return ""
}
