package auth

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/lestrrat-go/jwx/v2/jwk"
	"github.com/lestrrat-go/jwx/v2/jwt"
)

// TokenValidator turns a raw bearer token into claims.
type TokenValidator interface {
	ValidateToken(ctx context.Context, token string) (*Claims, error)
}

type JWTValidatorConfig struct {
	JWKSURL  string
	Issuer   string
	Audience string

	// RefreshInterval is the minimum time between JWKS refreshes. Default 15m.
	RefreshInterval time.Duration
}

// JWTValidator validates JWT tokens from external auth providers.
// It auto-fetches and caches JWKS (public keys) from the provider.
type JWTValidator struct {
	jwksURL  string
	cache    *jwk.Cache
	cancel   context.CancelFunc
	issuer   string
	audience string
}

// NewJWTValidator registers the JWKS URL and performs the initial fetch, so a
// misconfigured provider fails at startup.
func NewJWTValidator(cfg JWTValidatorConfig) (*JWTValidator, error) {
	if cfg.JWKSURL == "" {
		return nil, fmt.Errorf("jwks url is required")
	}
	interval := cfg.RefreshInterval
	if interval <= 0 {
		interval = 15 * time.Minute
	}

	// The cache refreshes in the background until cancel is called.
	ctx, cancel := context.WithCancel(context.Background())
	cache := jwk.NewCache(ctx)

	if err := cache.Register(cfg.JWKSURL, jwk.WithMinRefreshInterval(interval)); err != nil {
		cancel()
		return nil, fmt.Errorf("failed to register JWKS URL: %w", err)
	}

	if _, err := cache.Refresh(ctx, cfg.JWKSURL); err != nil {
		cancel()
		return nil, fmt.Errorf("failed to fetch JWKS from %s: %w", cfg.JWKSURL, err)
	}

	return &JWTValidator{
		jwksURL:  cfg.JWKSURL,
		cache:    cache,
		cancel:   cancel,
		issuer:   cfg.Issuer,
		audience: cfg.Audience,
	}, nil
}

// registeredClaims are not copied into Claims.Extra.
var registeredClaims = map[string]bool{
	"sub": true, "role": true, "roles": true,
	"iss": true, "aud": true, "exp": true, "iat": true, "nbf": true, "jti": true,
}

// ValidateToken checks the signature, expiry, issuer and audience of token.
func (v *JWTValidator) ValidateToken(ctx context.Context, tokenString string) (*Claims, error) {
	keyset, err := v.cache.Get(ctx, v.jwksURL)
	if err != nil {
		return nil, fmt.Errorf("failed to get JWKS: %w", err)
	}

	token, err := jwt.Parse(
		[]byte(tokenString),
		jwt.WithKeySet(keyset),
		jwt.WithValidate(true),
		jwt.WithIssuer(v.issuer),
		jwt.WithAudience(v.audience),
	)
	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired()) {
			return nil, fmt.Errorf("%w: %v", ErrTokenExpired, err)
		}
		return nil, fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}

	claims := &Claims{
		Subject: token.Subject(),
		Roles:   tokenRoles(token),
		Extra:   make(map[string]any),
	}
	for iter := token.Iterate(ctx); iter.Next(ctx); {
		pair := iter.Pair()
		key, ok := pair.Key.(string)
		if !ok || registeredClaims[key] {
			continue
		}
		claims.Extra[key] = pair.Value
	}

	return claims, nil
}

func tokenRoles(token jwt.Token) []string {
	var roles []string
	if v, ok := token.Get("role"); ok {
		if s, ok := v.(string); ok && s != "" {
			roles = append(roles, s)
		}
	}
	if v, ok := token.Get("roles"); ok {
		switch list := v.(type) {
		case []string:
			roles = append(roles, list...)
		case []any:
			for _, item := range list {
				if s, ok := item.(string); ok {
					roles = append(roles, s)
				}
			}
		}
	}
	return roles
}

// Close stops the background JWKS refresh.
func (v *JWTValidator) Close() {
	v.cancel()
}
