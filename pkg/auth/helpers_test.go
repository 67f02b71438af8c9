package auth

import (
	"crypto/rand"
	"crypto/rsa"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/lestrrat-go/jwx/v2/jwa"
	"github.com/lestrrat-go/jwx/v2/jwk"
	"github.com/lestrrat-go/jwx/v2/jwt"
)

const (
	testIssuer   = "https://test-issuer.com"
	testAudience = "test-audience"
)

func createJWKS(publicKey *rsa.PublicKey) (jwk.Set, error) {
	key, err := jwk.FromRaw(publicKey)
	if err != nil {
		return nil, err
	}
	if err := key.Set(jwk.KeyIDKey, "test-key-id"); err != nil {
		return nil, err
	}
	if err := key.Set(jwk.AlgorithmKey, jwa.RS256); err != nil {
		return nil, err
	}

	keyset := jwk.NewSet()
	if err := keyset.AddKey(key); err != nil {
		return nil, err
	}
	return keyset, nil
}

func signToken(t testing.TB, privateKey *rsa.PrivateKey, subject string, expires time.Time, claims map[string]any) string {
	t.Helper()

	token := jwt.New()
	_ = token.Set(jwt.IssuerKey, testIssuer)
	_ = token.Set(jwt.AudienceKey, testAudience)
	_ = token.Set(jwt.SubjectKey, subject)
	_ = token.Set(jwt.IssuedAtKey, time.Now().Add(-time.Minute))
	_ = token.Set(jwt.ExpirationKey, expires)
	for k, v := range claims {
		if err := token.Set(k, v); err != nil {
			t.Fatalf("Failed to set claim %s: %v", k, err)
		}
	}

	key, err := jwk.FromRaw(privateKey)
	if err != nil {
		t.Fatalf("Failed to create key: %v", err)
	}
	if err := key.Set(jwk.KeyIDKey, "test-key-id"); err != nil {
		t.Fatalf("Failed to set kid: %v", err)
	}

	signed, err := jwt.Sign(token, jwt.WithKey(jwa.RS256, key))
	if err != nil {
		t.Fatalf("Failed to sign token: %v", err)
	}
	return string(signed)
}

// setupTestValidator serves a JWKS over httptest and returns a validator for
// it together with the matching signing key.
func setupTestValidator(t testing.TB) (*JWTValidator, *rsa.PrivateKey, string) {
	t.Helper()

	privateKey, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		t.Fatalf("Failed to generate key pair: %v", err)
	}
	keyset, err := createJWKS(&privateKey.PublicKey)
	if err != nil {
		t.Fatalf("Failed to create JWKS: %v", err)
	}

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/.well-known/jwks.json" {
			http.NotFound(w, r)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(keyset)
	}))
	t.Cleanup(server.Close)

	jwksURL := server.URL + "/.well-known/jwks.json"
	validator, err := NewJWTValidator(JWTValidatorConfig{JWKSURL: jwksURL, Issuer: testIssuer, Audience: testAudience})
	if err != nil {
		t.Fatalf("Failed to create validator: %v", err)
	}
	t.Cleanup(validator.Close)

	return validator, privateKey, jwksURL
}
