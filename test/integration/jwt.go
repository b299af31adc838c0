package integration

import (
	"crypto/rand"
	"encoding/hex"
	"maps"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/pitabwire/sagaflow/internal/config"
)

const testSecretEnv = "SAGAFLOW_INTEGRATION_AUTH_SECRET"

// TestClaims holds the configurable claims for generating test tokens.
type TestClaims struct {
	SubjectID string
	TenantID  string
	Roles     []string
	Extra     map[string]any
}

// tokenIssuer signs HMAC tokens with a per-test random secret.
type tokenIssuer struct {
	secret   []byte
	issuer   string
	audience string
}

// newTokenIssuer creates a token issuer with a fresh secret and exposes it
// to the authenticator through the environment.
func newTokenIssuer(t *testing.T) *tokenIssuer {
	t.Helper()

	raw := make([]byte, 32)
	if _, err := rand.Read(raw); err != nil {
		t.Fatalf("generate secret: %v", err)
	}
	secret := hex.EncodeToString(raw)
	t.Setenv(testSecretEnv, secret)

	return &tokenIssuer{
		secret:   []byte(secret),
		issuer:   "https://auth.test.sagaflow.dev",
		audience: "sagaflow-admin-test",
	}
}

// AuthConfig returns the auth settings that accept this issuer's tokens.
func (ti *tokenIssuer) AuthConfig() config.AuthConfig {
	return config.AuthConfig{
		Enabled:   true,
		SecretEnv: testSecretEnv,
		Issuer:    ti.issuer,
		Audience:  ti.audience,
		Methods:   []string{"HS256"},
	}
}

// GenerateToken creates a valid, signed token with the given claims.
func (ti *tokenIssuer) GenerateToken(claims TestClaims) string {
	now := time.Now()
	return ti.sign(claims, now, now.Add(1*time.Hour))
}

// GenerateExpiredToken creates a token that expired in the past.
func (ti *tokenIssuer) GenerateExpiredToken(claims TestClaims) string {
	now := time.Now()
	return ti.sign(claims, now.Add(-2*time.Hour), now.Add(-1*time.Hour))
}

func (ti *tokenIssuer) sign(claims TestClaims, iat, exp time.Time) string {
	mapClaims := jwt.MapClaims{
		"iss":       ti.issuer,
		"aud":       ti.audience,
		"iat":       jwt.NewNumericDate(iat),
		"exp":       jwt.NewNumericDate(exp),
		"sub":       claims.SubjectID,
		"tenant_id": claims.TenantID,
	}

	if len(claims.Roles) > 0 {
		// Store as []any to match JWT decode behavior.
		roles := make([]any, len(claims.Roles))
		for i, r := range claims.Roles {
			roles[i] = r
		}
		mapClaims["roles"] = roles
	}

	maps.Copy(mapClaims, claims.Extra)

	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, mapClaims).SignedString(ti.secret)
	if err != nil {
		panic("sign JWT: " + err.Error())
	}
	return signed
}

// SignWith signs claims with an arbitrary key, for forged-token tests.
func SignWith(key []byte, claims jwt.MapClaims) string {
	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(key)
	if err != nil {
		panic("sign JWT: " + err.Error())
	}
	return signed
}
