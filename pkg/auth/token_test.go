package auth

import (
	"errors"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

const testSecret = "test-secret-key-must-be-at-least-32-characters-long"

func newTestManager(t *testing.T) *TokenManager {
	t.Helper()
	m, err := NewTokenManager(testSecret)
	if err != nil {
		t.Fatalf("Failed to create token manager: %v", err)
	}
	return m
}

func TestNewTokenManager_ShortSecret(t *testing.T) {
	if _, err := NewTokenManager("too-short"); !errors.Is(err, ErrShortSecret) {
		t.Errorf("NewTokenManager(short) error = %v, want ErrShortSecret", err)
	}
}

func TestTokenManager_IssueAndValidate(t *testing.T) {
	m := newTestManager(t)

	tests := []struct {
		name      string
		scope     string
		ttl       time.Duration
		wantError bool
	}{
		{name: "Admin scope", scope: ScopeAdmin, ttl: time.Hour},
		{name: "Read scope", scope: ScopeRead, ttl: time.Hour},
		{name: "No expiry", scope: ScopeRead},
		{name: "Unknown scope should fail", scope: "root", ttl: time.Hour, wantError: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			token, err := m.Issue("ops", tt.scope, tt.ttl)
			if tt.wantError {
				if !errors.Is(err, ErrInvalidScope) {
					t.Errorf("Issue() error = %v, want ErrInvalidScope", err)
				}
				return
			}
			if err != nil {
				t.Fatalf("Issue() error = %v", err)
			}
			claims, err := m.Validate(token)
			if err != nil {
				t.Fatalf("Validate() error = %v", err)
			}
			if claims.Subject != "ops" || claims.Scope != tt.scope || claims.Issuer != Issuer {
				t.Errorf("claims = %+v", claims)
			}
			if (claims.ExpiresAt == nil) != (tt.ttl == 0) {
				t.Errorf("ExpiresAt = %v for ttl %v", claims.ExpiresAt, tt.ttl)
			}
		})
	}
}

func TestTokenManager_ValidateRejects(t *testing.T) {
	m := newTestManager(t)

	other, _ := NewTokenManager("another-secret-key-that-is-also-32-chars-long")
	foreign, _ := other.Issue("ops", ScopeAdmin, time.Hour)

	wrongIssuer, _ := jwt.NewWithClaims(jwt.SigningMethodHS256, Claims{
		Scope:            ScopeAdmin,
		RegisteredClaims: jwt.RegisteredClaims{Issuer: "someone-else"},
	}).SignedString([]byte(testSecret))

	unsigned, _ := jwt.NewWithClaims(jwt.SigningMethodNone, Claims{
		Scope:            ScopeAdmin,
		RegisteredClaims: jwt.RegisteredClaims{Issuer: Issuer},
	}).SignedString(jwt.UnsafeAllowNoneSignatureType)

	noScope, _ := jwt.NewWithClaims(jwt.SigningMethodHS256, Claims{
		RegisteredClaims: jwt.RegisteredClaims{Issuer: Issuer},
	}).SignedString([]byte(testSecret))

	tests := []struct {
		name  string
		token string
		want  error
	}{
		{"Empty", "", ErrMissingToken},
		{"Garbage", "not.a.token", ErrInvalidToken},
		{"Other secret", foreign, ErrInvalidToken},
		{"Wrong issuer", wrongIssuer, ErrInvalidToken},
		{"alg none", unsigned, ErrInvalidToken},
		{"Missing scope", noScope, ErrInvalidScope},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := m.Validate(tt.token); !errors.Is(err, tt.want) {
				t.Errorf("Validate() error = %v, want %v", err, tt.want)
			}
		})
	}
}

func TestTokenManager_Expired(t *testing.T) {
	m := newTestManager(t)
	m.now = func() time.Time { return time.Now().Add(-2 * time.Hour) }
	token, err := m.Issue("ops", ScopeAdmin, time.Hour)
	if err != nil {
		t.Fatal(err)
	}
	m.now = time.Now
	if _, err := m.Validate(token); !errors.Is(err, ErrExpiredToken) {
		t.Errorf("Validate(expired) error = %v, want ErrExpiredToken", err)
	}
}

func TestClaims_Allows(t *testing.T) {
	admin := &Claims{Scope: ScopeAdmin}
	read := &Claims{Scope: ScopeRead}
	if !admin.Allows(ScopeRead) || !admin.Allows(ScopeAdmin) {
		t.Error("admin scope should allow everything")
	}
	if !read.Allows(ScopeRead) || read.Allows(ScopeAdmin) {
		t.Error("read scope should allow reads only")
	}
	if admin.Allows("bogus") {
		t.Error("unknown scope allowed")
	}
}

func TestBearerToken(t *testing.T) {
	tests := []struct {
		header string
		want   string
		err    error
	}{
		{"", "", ErrMissingToken},
		{"Bearer abc.def.ghi", "abc.def.ghi", nil},
		{"bearer  abc ", "abc", nil},
		{"Basic dXNlcjpwdw==", "", ErrInvalidToken},
		{"Bearer", "", ErrInvalidToken},
	}
	for _, tt := range tests {
		r := httptest.NewRequest(http.MethodGet, "/", nil)
		if tt.header != "" {
			r.Header.Set("Authorization", tt.header)
		}
		got, err := BearerToken(r)
		if !errors.Is(err, tt.err) || got != tt.want {
			t.Errorf("BearerToken(%q) = %q, %v; want %q, %v", tt.header, got, err, tt.want, tt.err)
		}
	}
}

func TestRequire(t *testing.T) {
	m := newTestManager(t)
	admin, _ := m.Issue("ops", ScopeAdmin, time.Hour)
	read, _ := m.Issue("dash", ScopeRead, time.Hour)

	var seen *Claims
	ok := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		seen, _ = ClaimsFrom(r.Context())
		w.WriteHeader(http.StatusNoContent)
	})

	tests := []struct {
		name    string
		manager *TokenManager
		token   string
		want    int
	}{
		{"No token", m, "", http.StatusUnauthorized},
		{"Read token on admin route", m, read, http.StatusForbidden},
		{"Admin token", m, admin, http.StatusNoContent},
		{"Unconfigured", nil, admin, http.StatusUnauthorized},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			seen = nil
			r := httptest.NewRequest(http.MethodPost, "/ecl/disable", nil)
			if tt.token != "" {
				r.Header.Set("Authorization", "Bearer "+tt.token)
			}
			w := httptest.NewRecorder()
			tt.manager.Require(ScopeAdmin)(ok).ServeHTTP(w, r)
			if w.Code != tt.want {
				t.Fatalf("status = %d, want %d (%s)", w.Code, tt.want, w.Body.String())
			}
			if tt.want == http.StatusUnauthorized && w.Header().Get("WWW-Authenticate") == "" {
				t.Error("401 without WWW-Authenticate")
			}
			if tt.want == http.StatusNoContent && (seen == nil || seen.Subject != "ops") {
				t.Errorf("claims on context = %+v", seen)
			}
		})
	}
}

func TestLoadSecret(t *testing.T) {
	t.Setenv(SecretEnv, " from-env \n")
	if got, _ := LoadSecret(""); got != "from-env" {
		t.Errorf("LoadSecret(env) = %q", got)
	}

	path := filepath.Join(t.TempDir(), "secret")
	if err := os.WriteFile(path, []byte(testSecret+"\n"), 0o600); err != nil {
		t.Fatal(err)
	}
	if got, _ := LoadSecret(path); got != testSecret {
		t.Errorf("LoadSecret(file) = %q", got)
	}
	if _, err := LoadSecret(filepath.Join(t.TempDir(), "missing")); err == nil {
		t.Error("missing file should fail")
	}
}
