// Copyright 2025 Kadir Pekel
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package auth guards the bridge HTTP API with JWT bearer tokens.
//
// Tokens are verified against a JWKS that is refreshed in the background.
// Any valid token may prompt the bridge; direct tool calls and changes to
// the conversation can be limited to operator roles:
//
//	server:
//	  auth:
//	    enabled: true
//	    jwks_url: "https://auth.example.com/.well-known/jwks.json"
//	    issuer: "https://auth.example.com"
//	    audience: "toolbridge-api"
//	    operator_roles: [admin]
package auth

import (
	"context"
	"slices"
)

type claimsKey struct{}

// Claims is the caller identity taken from a verified token.
type Claims struct {
	Subject string `json:"sub"`

	// Roles merges the "role" string and the "roles" array claims.
	Roles []string `json:"roles,omitempty"`

	// Extra holds non-registered claims, keyed by name.
	Extra map[string]any `json:"-"`
}

// HasAnyRole reports whether the caller holds one of roles.
func (c *Claims) HasAnyRole(roles ...string) bool {
	for _, role := range roles {
		if slices.Contains(c.Roles, role) {
			return true
		}
	}
	return false
}

// ClaimsFromContext returns the claims stored by Middleware, or nil.
func ClaimsFromContext(ctx context.Context) *Claims {
	claims, _ := ctx.Value(claimsKey{}).(*Claims)
	return claims
}

func ContextWithClaims(ctx context.Context, claims *Claims) context.Context {
	return context.WithValue(ctx, claimsKey{}, claims)
}
