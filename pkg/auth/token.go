// Package auth issues and checks the bearer tokens that guard the admin API.
package auth

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

var (
	ErrMissingToken = errors.New("missing bearer token")
	ErrInvalidToken = errors.New("invalid token")
	ErrExpiredToken = errors.New("token has expired")
	ErrShortSecret  = errors.New("secret must be at least 32 characters")
	ErrInvalidScope = errors.New("invalid scope")
	ErrForbidden    = errors.New("token scope does not allow this operation")
)

// Scopes. An admin token may do everything a read token may.
const (
	ScopeRead  = "read"
	ScopeAdmin = "admin"
)

const (
	// Issuer is stamped on every token and required on validation.
	Issuer = "changelogd"
	// SecretEnv names the environment variable holding the signing secret.
	SecretEnv = "CHANGELOG_ADMIN_SECRET"

	minSecretLength = 32
)

var scopeRank = map[string]int{
	ScopeRead:  1,
	ScopeAdmin: 2,
}

// Claims are the registered JWT claims plus the granted scope.
type Claims struct {
	Scope string `json:"scope"`
	jwt.RegisteredClaims
}

// Allows reports whether the claims grant scope.
func (c *Claims) Allows(scope string) bool {
	return scopeRank[c.Scope] >= scopeRank[scope] && scopeRank[scope] > 0
}

// TokenManager signs and validates HS256 tokens with one shared secret.
type TokenManager struct {
	secret []byte
	now    func() time.Time
}

// NewTokenManager returns a manager for secret, which must be at least 32
// characters long.
func NewTokenManager(secret string) (*TokenManager, error) {
	if len(secret) < minSecretLength {
		return nil, ErrShortSecret
	}
	return &TokenManager{secret: []byte(secret), now: time.Now}, nil
}

// Issue signs a token for subject with the given scope. A zero ttl issues a
// token without expiry.
func (m *TokenManager) Issue(subject, scope string, ttl time.Duration) (string, error) {
	if _, ok := scopeRank[scope]; !ok {
		return "", fmt.Errorf("%w: %q", ErrInvalidScope, scope)
	}
	now := m.now()
	claims := Claims{
		Scope: scope,
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:   Issuer,
			Subject:  subject,
			IssuedAt: jwt.NewNumericDate(now),
		},
	}
	if ttl > 0 {
		claims.ExpiresAt = jwt.NewNumericDate(now.Add(ttl))
	}
	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(m.secret)
	if err != nil {
		return "", fmt.Errorf("failed to sign token: %w", err)
	}
	return signed, nil
}

// Validate checks the signature, issuer, expiry and scope of token.
func (m *TokenManager) Validate(token string) (*Claims, error) {
	if token == "" {
		return nil, ErrMissingToken
	}
	claims := &Claims{}
	_, err := jwt.ParseWithClaims(token, claims, func(t *jwt.Token) (any, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", t.Header["alg"])
		}
		return m.secret, nil
	},
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithIssuer(Issuer),
		jwt.WithTimeFunc(m.now),
	)
	switch {
	case errors.Is(err, jwt.ErrTokenExpired):
		return nil, ErrExpiredToken
	case err != nil:
		return nil, fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}
	if _, ok := scopeRank[claims.Scope]; !ok {
		return nil, fmt.Errorf("%w: %q", ErrInvalidScope, claims.Scope)
	}
	return claims, nil
}

// BearerToken extracts the token of an "Authorization: Bearer" header.
func BearerToken(r *http.Request) (string, error) {
	h := r.Header.Get("Authorization")
	if h == "" {
		return "", ErrMissingToken
	}
	scheme, token, ok := strings.Cut(h, " ")
	if !ok || !strings.EqualFold(scheme, "Bearer") || strings.TrimSpace(token) == "" {
		return "", fmt.Errorf("%w: malformed authorization header", ErrInvalidToken)
	}
	return strings.TrimSpace(token), nil
}

type claimsKey struct{}

// ClaimsFrom returns the claims Require stored on the request context.
func ClaimsFrom(ctx context.Context) (*Claims, bool) {
	c, ok := ctx.Value(claimsKey{}).(*Claims)
	return c, ok
}

// Require rejects requests without a valid token granting scope. A nil
// manager rejects everything, so an unconfigured server stays closed.
func (m *TokenManager) Require(scope string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if m == nil {
				deny(w, http.StatusUnauthorized, errors.New("admin authentication is not configured"))
				return
			}
			token, err := BearerToken(r)
			if err != nil {
				deny(w, http.StatusUnauthorized, err)
				return
			}
			claims, err := m.Validate(token)
			if err != nil {
				deny(w, http.StatusUnauthorized, err)
				return
			}
			if !claims.Allows(scope) {
				deny(w, http.StatusForbidden, ErrForbidden)
				return
			}
			next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), claimsKey{}, claims)))
		})
	}
}

func deny(w http.ResponseWriter, status int, err error) {
	if status == http.StatusUnauthorized {
		w.Header().Set("WWW-Authenticate", `Bearer realm="changelogd"`)
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(map[string]string{"error": err.Error()})
}

// LoadSecret reads the signing secret from path, or from SecretEnv when path
// is empty. It returns "" when neither is set.
func LoadSecret(path string) (string, error) {
	if path == "" {
		return strings.TrimSpace(os.Getenv(SecretEnv)), nil
	}
	raw, err := os.ReadFile(path)
	if err != nil {
		return "", fmt.Errorf("read admin secret: %w", err)
	}
	return strings.TrimSpace(string(raw)), nil
}
