package auth

import (
	"crypto/rand"
	"crypto/rsa"
	"encoding/base64"
	"encoding/json"
	"math/big"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/labstack/echo/v4"
)

var testSigningKey = []byte("test-secret-key-for-unit-tests-only")

func createTestToken(t *testing.T, claims Claims, key []byte) string {
	t.Helper()
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	tokenStr, err := token.SignedString(key)
	if err != nil {
		t.Fatalf("failed to sign test token: %v", err)
	}
	return tokenStr
}

func validClaims(sub string) Claims {
	return Claims{
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   sub,
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(1 * time.Hour)),
			IssuedAt:  jwt.NewNumericDate(time.Now()),
		},
	}
}

// serve runs mw over a handler that records the request context and returns
// the middleware's error.
func serve(t *testing.T, mw echo.MiddlewareFunc, authHeader string, check func(c echo.Context)) error {
	t.Helper()
	e := echo.New()
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	if authHeader != "" {
		req.Header.Set("Authorization", authHeader)
	}
	c := e.NewContext(req, httptest.NewRecorder())
	return mw(func(c echo.Context) error {
		if check != nil {
			check(c)
		}
		return c.String(http.StatusOK, "ok")
	})(c)
}

func expectUnauthorized(t *testing.T, err error) {
	t.Helper()
	if err == nil {
		t.Fatal("expected error")
	}
	httpErr, ok := err.(*echo.HTTPError)
	if !ok {
		t.Fatalf("expected echo.HTTPError, got %T", err)
	}
	if httpErr.Code != http.StatusUnauthorized {
		t.Errorf("expected 401, got %d", httpErr.Code)
	}
}

func TestJWTMiddleware_MissingHeader(t *testing.T) {
	err := serve(t, JWTMiddleware(JWTConfig{SigningKey: testSigningKey}), "", nil)
	expectUnauthorized(t, err)
}

func TestJWTMiddleware_InvalidFormat(t *testing.T) {
	tests := []struct {
		name   string
		header string
	}{
		{"no bearer prefix", "Token abc123"},
		{"missing token", "Bearer"},
		{"empty value", "Bearer "},
		{"basic auth", "Basic dXNlcjpwYXNz"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := serve(t, JWTMiddleware(JWTConfig{SigningKey: testSigningKey}), tt.header, nil)
			expectUnauthorized(t, err)
		})
	}
}

func TestJWTMiddleware_ValidToken(t *testing.T) {
	tokenStr := createTestToken(t, validClaims("user-123"), testSigningKey)

	var handlerCalled bool
	err := serve(t, JWTMiddleware(JWTConfig{SigningKey: testSigningKey}), "Bearer "+tokenStr, func(echo.Context) {
		handlerCalled = true
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !handlerCalled {
		t.Error("handler was not called")
	}
}

func TestJWTMiddleware_WrongKey(t *testing.T) {
	tokenStr := createTestToken(t, validClaims("user-123"), []byte("another-secret-key-another-secret"))
	err := serve(t, JWTMiddleware(JWTConfig{SigningKey: testSigningKey}), "Bearer "+tokenStr, nil)
	expectUnauthorized(t, err)
}

func TestJWTMiddleware_ExpiredToken(t *testing.T) {
	claims := validClaims("user-123")
	claims.ExpiresAt = jwt.NewNumericDate(time.Now().Add(-1 * time.Hour))
	claims.IssuedAt = jwt.NewNumericDate(time.Now().Add(-2 * time.Hour))
	tokenStr := createTestToken(t, claims, testSigningKey)

	err := serve(t, JWTMiddleware(JWTConfig{SigningKey: testSigningKey}), "Bearer "+tokenStr, nil)
	expectUnauthorized(t, err)
}

func TestJWTMiddleware_WrongIssuer(t *testing.T) {
	claims := validClaims("user-123")
	claims.Issuer = "https://other.test"
	tokenStr := createTestToken(t, claims, testSigningKey)

	cfg := JWTConfig{SigningKey: testSigningKey, Issuer: "https://idp.test"}
	err := serve(t, JWTMiddleware(cfg), "Bearer "+tokenStr, nil)
	expectUnauthorized(t, err)
}

func TestJWTMiddleware_MissingSubject(t *testing.T) {
	tokenStr := createTestToken(t, validClaims(""), testSigningKey)
	err := serve(t, JWTMiddleware(JWTConfig{SigningKey: testSigningKey}), "Bearer "+tokenStr, nil)
	expectUnauthorized(t, err)
}

func TestJWTMiddleware_ClaimsExtraction(t *testing.T) {
	claims := validClaims("kc-subject")
	claims.Roles = []string{"lab_tech"}
	claims.RealmAccess.Roles = []string{"lab_manager"}
	claims.PreferredUsername = "jdoe"
	claims.LISUserUUID = "lis-user-456"
	tokenStr := createTestToken(t, claims, testSigningKey)

	err := serve(t, JWTMiddleware(JWTConfig{SigningKey: testSigningKey}), "Bearer "+tokenStr, func(c echo.Context) {
		ctx := c.Request().Context()
		if uid := UserIDFromContext(ctx); uid != "lis-user-456" {
			t.Errorf("expected user_id=lis-user-456, got %s", uid)
		}
		if name := UsernameFromContext(ctx); name != "jdoe" {
			t.Errorf("expected username=jdoe, got %s", name)
		}
		roles := RolesFromContext(ctx)
		if len(roles) != 2 || roles[0] != "lab_tech" || roles[1] != "lab_manager" {
			t.Errorf("expected roles=[lab_tech lab_manager], got %v", roles)
		}
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
}

func TestClaims_UserIDFallsBackToSubject(t *testing.T) {
	c := validClaims("sub-1")
	if c.UserID() != "sub-1" {
		t.Errorf("expected sub-1, got %s", c.UserID())
	}
}

func newJWKSServer(t *testing.T, key *rsa.PrivateKey, kid string) *httptest.Server {
	t.Helper()
	var srv *httptest.Server
	srv = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		switch r.URL.Path {
		case "/.well-known/openid-configuration":
			json.NewEncoder(w).Encode(map[string]string{"issuer": srv.URL, "jwks_uri": srv.URL + "/certs"})
		case "/certs":
			json.NewEncoder(w).Encode(JWKSResponse{Keys: []JWKSKey{{
				Kty: "RSA",
				Kid: kid,
				Alg: "RS256",
				N:   base64.RawURLEncoding.EncodeToString(key.N.Bytes()),
				E:   base64.RawURLEncoding.EncodeToString(big.NewInt(int64(key.E)).Bytes()),
			}}})
		default:
			http.NotFound(w, r)
		}
	}))
	t.Cleanup(srv.Close)
	return srv
}

func TestJWTMiddleware_DiscoveredJWKS(t *testing.T) {
	key, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		t.Fatalf("generate key: %v", err)
	}
	srv := newJWKSServer(t, key, "kid-1")

	claims := validClaims("user-rs")
	claims.Issuer = srv.URL
	claims.Roles = []string{"lab_tech"}
	token := jwt.NewWithClaims(jwt.SigningMethodRS256, claims)
	token.Header["kid"] = "kid-1"
	tokenStr, err := token.SignedString(key)
	if err != nil {
		t.Fatalf("sign: %v", err)
	}

	mw := JWTMiddleware(JWTConfig{Issuer: srv.URL})
	err = serve(t, mw, "Bearer "+tokenStr, func(c echo.Context) {
		if uid := UserIDFromContext(c.Request().Context()); uid != "user-rs" {
			t.Errorf("expected user-rs, got %s", uid)
		}
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	token.Header["kid"] = "unknown"
	tokenStr, _ = token.SignedString(key)
	expectUnauthorized(t, serve(t, mw, "Bearer "+tokenStr, nil))
}

func TestNewOIDCProvider_MissingJWKS(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"issuer":"x"}`))
	}))
	defer srv.Close()

	if _, err := NewOIDCProvider(srv.URL); err == nil {
		t.Fatal("expected error for discovery document without jwks_uri")
	}
}

func TestDevAuthMiddleware_WithDefaults(t *testing.T) {
	err := serve(t, DevAuthMiddleware(""), "", func(c echo.Context) {
		ctx := c.Request().Context()
		if uid := UserIDFromContext(ctx); uid != "dev-user" {
			t.Errorf("expected user_id=dev-user, got %s", uid)
		}
		roles := RolesFromContext(ctx)
		if len(roles) != 1 || roles[0] != RoleAdmin {
			t.Errorf("expected roles=[admin], got %v", roles)
		}
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
}

func TestDevAuthMiddleware_ConfiguredUser(t *testing.T) {
	err := serve(t, DevAuthMiddleware("lis-user-1"), "Bearer ignored", func(c echo.Context) {
		if uid := UserIDFromContext(c.Request().Context()); uid != "lis-user-1" {
			t.Errorf("expected lis-user-1, got %s", uid)
		}
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
}
