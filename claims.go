// Copyright 2026 szawaski. All rights reserved.
// Use of this source code is governed by the MIT license, see the LICENSE file.

package zerra

import "context"

// Claim is one identity claim carried with a request.
type Claim struct {
	Type  string
	Value string
}

type claimsKey struct{}

// WithClaims returns a context carrying the identity claims.
func WithClaims(ctx context.Context, claims []Claim) context.Context {
	return context.WithValue(ctx, claimsKey{}, claims)
}

// ClaimsFromContext returns the identity claims in ctx, if any.
func ClaimsFromContext(ctx context.Context) []Claim {
	claims, _ := ctx.Value(claimsKey{}).([]Claim)
	return claims
}

// ClaimValue returns the value of the first claim of the given type in ctx.
func ClaimValue(ctx context.Context, claimType string) (string, bool) {
	for _, c := range ClaimsFromContext(ctx) {
		if c.Type == claimType {
			return c.Value, true
		}
	}
	return "", false
}
