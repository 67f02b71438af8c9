package auth

import (
	"context"
	"crypto/rand"
	"crypto/rsa"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/kadirpekel/toolbridge/pkg/config"
)

func TestNewJWTValidator_Errors(t *testing.T) {
	if _, err := NewJWTValidator(JWTValidatorConfig{}); err == nil {
		t.Error("expected error for missing JWKS URL")
	}
	if _, err := NewJWTValidator(JWTValidatorConfig{JWKSURL: "http://127.0.0.1:1/jwks.json"}); err == nil {
		t.Error("expected error for unreachable JWKS URL")
	}
}

func TestJWTValidator_ValidateToken(t *testing.T) {
	validator, privateKey, _ := setupTestValidator(t)

	token := signToken(t, privateKey, "user-123", time.Now().Add(time.Hour), map[string]any{
		"role":  "operator",
		"roles": []string{"viewer", "auditor"},
		"team":  "platform",
	})

	claims, err := validator.ValidateToken(context.Background(), token)
	if err != nil {
		t.Fatalf("ValidateToken() error = %v", err)
	}
	if claims.Subject != "user-123" {
		t.Errorf("Subject = %q, want user-123", claims.Subject)
	}
	if got := strings.Join(claims.Roles, ","); got != "operator,viewer,auditor" {
		t.Errorf("Roles = %q, want operator,viewer,auditor", got)
	}
	if !claims.HasAnyRole("auditor") || claims.HasAnyRole("admin") {
		t.Errorf("HasAnyRole mismatch for %v", claims.Roles)
	}
	if got := claims.Extra["team"]; got != "platform" {
		t.Errorf("extra claim team = %v, want platform", got)
	}
	if _, ok := claims.Extra["iss"]; ok {
		t.Error("registered claim iss should not be in Extra")
	}
	if _, ok := claims.Extra["roles"]; ok {
		t.Error("roles should not be in Extra")
	}
}

func TestJWTValidator_RejectsBadTokens(t *testing.T) {
	validator, privateKey, _ := setupTestValidator(t)
	otherKey, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		t.Fatal(err)
	}

	tests := []struct {
		name    string
		token   string
		wantErr error
	}{
		{"garbage", "not-a-jwt", ErrInvalidToken},
		{"expired", signToken(t, privateKey, "u", time.Now().Add(-time.Hour), nil), ErrTokenExpired},
		{"wrong key", signToken(t, otherKey, "u", time.Now().Add(time.Hour), nil), ErrInvalidToken},
		{"wrong audience", signToken(t, privateKey, "u", time.Now().Add(time.Hour), map[string]any{"aud": "someone-else"}), ErrInvalidToken},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := validator.ValidateToken(context.Background(), tt.token)
			if !errors.Is(err, tt.wantErr) {
				t.Errorf("ValidateToken() error = %v, want %v", err, tt.wantErr)
			}
		})
	}
}

func TestNewValidatorFromConfig(t *testing.T) {
	v, err := NewValidatorFromConfig(nil)
	if err != nil || v != nil {
		t.Fatalf("disabled config should return nil validator, got %v, %v", v, err)
	}

	if _, err := NewValidatorFromConfig(&config.AuthConfig{Enabled: true}); err == nil {
		t.Error("expected validation error for missing jwks_url")
	}

	_, _, jwksURL := setupTestValidator(t)
	cfg := &config.AuthConfig{Enabled: true, JWKSURL: jwksURL, Issuer: testIssuer, Audience: testAudience}
	v, err = NewValidatorFromConfig(cfg)
	if err != nil {
		t.Fatalf("NewValidatorFromConfig() error = %v", err)
	}
	defer v.Close()
	if cfg.RefreshInterval != 15*time.Minute {
		t.Errorf("RefreshInterval default = %v", cfg.RefreshInterval)
	}
}
