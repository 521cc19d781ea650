package integration

import (
	"crypto"
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
)

const testKeyID = "funnel-test-key"

// TestClaims are the identity claims put into a test token. Extra entries
// are copied last and may override the registered claims.
type TestClaims struct {
	SubjectID string
	Email     string
	Name      string
	Roles     []string
	Extra     map[string]any
}

// tokenIssuer plays the identity provider: it publishes one RSA key on a
// JWKS endpoint and signs tokens with it.
type tokenIssuer struct {
	key      *rsa.PrivateKey
	jwks     *httptest.Server
	issuer   string
	audience string
}

type tokenSpec struct {
	kid     string
	signer  crypto.Signer
	issued  time.Time
	expires time.Time
}

type tokenOption func(*tokenSpec)

func withKeyID(kid string) tokenOption {
	return func(s *tokenSpec) { s.kid = kid }
}

func signedBy(key crypto.Signer) tokenOption {
	return func(s *tokenSpec) { s.signer = key }
}

// expiredFor backdates the token so it expired d ago.
func expiredFor(d time.Duration) tokenOption {
	return func(s *tokenSpec) {
		s.expires = time.Now().Add(-d)
		s.issued = s.expires.Add(-time.Hour)
	}
}

func newTokenIssuer(t *testing.T) *tokenIssuer {
	t.Helper()
	key, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		t.Fatalf("generate RSA key: %v", err)
	}

	ti := &tokenIssuer{
		key:      key,
		issuer:   "https://auth.test.funnel.dev",
		audience: "funnel-bff-test",
	}
	published := map[string]string{
		"kid": testKeyID,
		"kty": "RSA",
		"alg": "RS256",
		"use": "sig",
		"n":   base64.RawURLEncoding.EncodeToString(key.N.Bytes()),
		"e":   base64.RawURLEncoding.EncodeToString(big.NewInt(int64(key.E)).Bytes()),
	}
	ti.jwks = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]any{"keys": []map[string]string{published}})
	}))
	t.Cleanup(ti.jwks.Close)
	return ti
}

func (ti *tokenIssuer) sign(c TestClaims, opts ...tokenOption) string {
	now := time.Now()
	plan := tokenSpec{kid: testKeyID, signer: ti.key, issued: now, expires: now.Add(time.Hour)}
	for _, opt := range opts {
		opt(&plan)
	}

	claims := jwt.MapClaims{
		"iss": ti.issuer,
		"aud": ti.audience,
		"iat": jwt.NewNumericDate(plan.issued),
		"exp": jwt.NewNumericDate(plan.expires),
	}
	if c.SubjectID != "" {
		claims["sub"] = c.SubjectID
	}
	if c.Email != "" {
		claims["email"] = c.Email
	}
	if c.Name != "" {
		claims["name"] = c.Name
	}
	if len(c.Roles) > 0 {
		// Decoded tokens carry []any, not []string.
		roles := make([]any, 0, len(c.Roles))
		for _, r := range c.Roles {
			roles = append(roles, r)
		}
		claims["roles"] = roles
	}
	for k, v := range c.Extra {
		claims[k] = v
	}

	token := jwt.NewWithClaims(jwt.SigningMethodRS256, claims)
	token.Header["kid"] = plan.kid
	signed, err := token.SignedString(plan.signer)
	if err != nil {
		panic("sign test token: " + err.Error())
	}
	return signed
}

func (ti *tokenIssuer) JWKSURL() string  { return ti.jwks.URL }
func (ti *tokenIssuer) Issuer() string   { return ti.issuer }
func (ti *tokenIssuer) Audience() string { return ti.audience }
