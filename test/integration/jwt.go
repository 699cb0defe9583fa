package integration

import (
	"maps"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// TestClaims holds the configurable claims for generating test JWT tokens.
type TestClaims struct {
	SubjectID string
	Role      string
	EntityID  string
	Extra     map[string]any
}

// tokenIssuer signs HS256 tokens with a shared secret, the way the identity
// collaborator does.
type tokenIssuer struct {
	secret   []byte
	issuer   string
	audience string
}

func newTokenIssuer() *tokenIssuer {
	return &tokenIssuer{
		secret:   []byte("integration-test-secret-0123456789"),
		issuer:   "https://auth.test.crm.example",
		audience: "crm-status-test",
	}
}

func (ti *tokenIssuer) mapClaims(claims TestClaims, issuedAt, expiresAt time.Time) jwt.MapClaims {
	mc := jwt.MapClaims{
		"iss": ti.issuer,
		"aud": ti.audience,
		"iat": jwt.NewNumericDate(issuedAt),
		"exp": jwt.NewNumericDate(expiresAt),
		"sub": claims.SubjectID,
	}
	if claims.Role != "" {
		mc["role"] = claims.Role
	}
	if claims.EntityID != "" {
		mc["entity_id"] = claims.EntityID
	}
	maps.Copy(mc, claims.Extra)
	return mc
}

func (ti *tokenIssuer) sign(mc jwt.MapClaims, key []byte) string {
	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, mc).SignedString(key)
	if err != nil {
		panic("sign JWT: " + err.Error())
	}
	return signed
}

// GenerateToken creates a valid, signed JWT token with the given claims.
func (ti *tokenIssuer) GenerateToken(claims TestClaims) string {
	now := time.Now()
	return ti.sign(ti.mapClaims(claims, now, now.Add(time.Hour)), ti.secret)
}

// GenerateExpiredToken creates a JWT token that expired in the past.
func (ti *tokenIssuer) GenerateExpiredToken(claims TestClaims) string {
	now := time.Now()
	return ti.sign(ti.mapClaims(claims, now.Add(-2*time.Hour), now.Add(-time.Hour)), ti.secret)
}

// GenerateForeignToken creates a token signed with a key the server does not
// know.
func (ti *tokenIssuer) GenerateForeignToken(claims TestClaims) string {
	now := time.Now()
	return ti.sign(ti.mapClaims(claims, now, now.Add(time.Hour)), []byte("some-other-secret-0123456789abcd"))
}

// Secret returns the shared signing secret.
func (ti *tokenIssuer) Secret() []byte {
	return ti.secret
}

// Issuer returns the expected token issuer claim.
func (ti *tokenIssuer) Issuer() string {
	return ti.issuer
}

// Audience returns the expected token audience claim.
func (ti *tokenIssuer) Audience() string {
	return ti.audience
}
