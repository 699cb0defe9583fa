package transport

import (
	"crypto/rand"
	"crypto/rsa"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/tresgarza/may20-crm-final-sub000/internal/config"
	"github.com/tresgarza/may20-crm-final-sub000/model"
)

var testSecret = []byte("test-signing-secret")

// --- test helpers ---

func signJWT(t *testing.T, key any, method jwt.SigningMethod, claims jwt.MapClaims) string {
	t.Helper()
	s, err := jwt.NewWithClaims(method, claims).SignedString(key)
	if err != nil {
		t.Fatalf("SignedString: %v", err)
	}
	return s
}

func testIdentityCfg() config.IdentityConfig {
	return config.IdentityConfig{
		Issuer:     "https://identity.example.com",
		Audience:   "crm-status",
		Algorithms: []string{"HS256"},
		Leeway:     30 * time.Second,
	}
}

func validClaims() jwt.MapClaims {
	return jwt.MapClaims{
		"sub":       "user-adv",
		"role":      "advisor",
		"entity_id": "adv-1",
		"iss":       "https://identity.example.com",
		"aud":       "crm-status",
		"exp":       jwt.NewNumericDate(time.Now().Add(time.Hour)),
		"iat":       jwt.NewNumericDate(time.Now()),
	}
}

func authenticate(t *testing.T, header string) (*httptest.ResponseRecorder, map[string]any) {
	t.Helper()
	var seen map[string]any
	handler := JWTAuthenticator(testIdentityCfg(), testSecret)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		seen = ClaimsFrom(r.Context())
		w.WriteHeader(200)
	}))

	req := httptest.NewRequest("GET", "/", nil)
	if header != "" {
		req.Header.Set("Authorization", header)
	}
	w := httptest.NewRecorder()
	handler.ServeHTTP(w, req)
	return w, seen
}

func errorMessage(t *testing.T, w *httptest.ResponseRecorder) string {
	t.Helper()
	var resp struct {
		Error model.ErrorEnvelope `json:"error"`
	}
	if err := json.NewDecoder(w.Body).Decode(&resp); err != nil {
		t.Fatalf("decode error body: %v", err)
	}
	return resp.Error.Message
}

// --- JWTAuthenticator tests ---

func TestJWTAuthenticator_validToken(t *testing.T) {
	w, claims := authenticate(t, "Bearer "+signJWT(t, testSecret, jwt.SigningMethodHS256, validClaims()))

	if w.Code != 200 {
		t.Fatalf("status = %d, want 200", w.Code)
	}
	if sub, _ := claims["sub"].(string); sub != "user-adv" {
		t.Errorf("sub = %q, want user-adv", sub)
	}
	if role, _ := claims["role"].(string); role != "advisor" {
		t.Errorf("role = %q, want advisor", role)
	}
}

func TestJWTAuthenticator_rejections(t *testing.T) {
	expired := validClaims()
	expired["exp"] = jwt.NewNumericDate(time.Now().Add(-time.Hour))
	wrongIssuer := validClaims()
	wrongIssuer["iss"] = "https://evil.example.com"
	wrongAudience := validClaims()
	wrongAudience["aud"] = "other-service"
	noExp := validClaims()
	delete(noExp, "exp")

	rsaKey, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		t.Fatalf("GenerateKey: %v", err)
	}

	tests := []struct {
		name   string
		header string
		want   string
	}{
		{"missing header", "", "Missing authorization header"},
		{"basic auth", "Basic dXNlcjpwYXNz", "Invalid authorization header format"},
		{"expired", "Bearer " + signJWT(t, testSecret, jwt.SigningMethodHS256, expired), "Token expired"},
		{"wrong issuer", "Bearer " + signJWT(t, testSecret, jwt.SigningMethodHS256, wrongIssuer), "Invalid token issuer"},
		{"wrong audience", "Bearer " + signJWT(t, testSecret, jwt.SigningMethodHS256, wrongAudience), "Invalid token audience"},
		{"missing exp", "Bearer " + signJWT(t, testSecret, jwt.SigningMethodHS256, noExp), "Token is missing a required claim"},
		{"wrong secret", "Bearer " + signJWT(t, []byte("other"), jwt.SigningMethodHS256, validClaims()), "Invalid token signature"},
		{"disallowed algorithm", "Bearer " + signJWT(t, testSecret, jwt.SigningMethodHS512, validClaims()), "Disallowed signing algorithm"},
		{"asymmetric token", "Bearer " + signJWT(t, rsaKey, jwt.SigningMethodRS256, validClaims()), "Disallowed signing algorithm"},
		{"garbage", "Bearer not.a.jwt", "Invalid token"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w, _ := authenticate(t, tt.header)
			if w.Code != 401 {
				t.Fatalf("status = %d, want 401", w.Code)
			}
			if got := errorMessage(t, w); got != tt.want {
				t.Errorf("message = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestJWTAuthenticator_clockSkewTolerance(t *testing.T) {
	claims := validClaims()
	claims["exp"] = jwt.NewNumericDate(time.Now().Add(-15 * time.Second))

	w, _ := authenticate(t, "Bearer "+signJWT(t, testSecret, jwt.SigningMethodHS256, claims))
	if w.Code != 200 {
		t.Errorf("status = %d, want 200 (token within clock skew tolerance)", w.Code)
	}
}

func TestJWTAuthenticator_noSecretConfigured(t *testing.T) {
	handler := JWTAuthenticator(testIdentityCfg(), nil)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		t.Error("handler should not be called without a secret")
	}))
	req := httptest.NewRequest("GET", "/", nil)
	req.Header.Set("Authorization", "Bearer "+signJWT(t, testSecret, jwt.SigningMethodHS256, validClaims()))

	w := httptest.NewRecorder()
	handler.ServeHTTP(w, req)
	if w.Code != 401 {
		t.Errorf("status = %d, want 401", w.Code)
	}
}

func TestClassifyJWTError_fallback(t *testing.T) {
	if got := classifyJWTError(errors.New("boom")); got != "Invalid token" {
		t.Errorf("classifyJWTError() = %q, want Invalid token", got)
	}
}
