// Copyright 2026 szawaski. All rights reserved.
// Use of this source code is governed by the MIT license, see the LICENSE file.

package zerra

import (
	"context"
	"net/http"
	"testing"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
)

func Test_Destination_Parse(t *testing.T) {
	cases := map[string]Destination{
		"example.com":     {Host: "example.com", Port: DefaultPort},
		"example.com:80":  {Host: "example.com", Port: 80},
		" 10.0.0.1:9001 ": {Host: "10.0.0.1", Port: 9001},
		"[::1]:9002":      {Host: "::1", Port: 9002},
		"[fe80::1]":       {Host: "fe80::1", Port: DefaultPort},
		"localhost:65535": {Host: "localhost", Port: 65535},
	}
	for s, want := range cases {
		got, err := ParseDestination(s)
		assert.NoError(t, err, s)
		assert.Equal(t, want, got, s)
	}
	for _, s := range []string{"", ":80", "host:0", "host:70000", "host:http"} {
		_, err := ParseDestination(s)
		assert.Error(t, err, s)
	}
}

func Test_Destination_Key(t *testing.T) {
	a := Destination{Host: "Example.COM", Port: 80}
	b := Destination{Host: "example.com", Port: 80}
	assert.True(t, a.Equal(b))
	assert.Equal(t, a.Key(), b.Key())
	assert.Equal(t, "Example.COM:80", a.String())
	assert.Equal(t, "[::1]:80", Destination{Host: "::1", Port: 80}.String())
	assert.False(t, a.Equal(Destination{Host: "example.com", Port: 81}))
}

func Test_Claims_Context(t *testing.T) {
	ctx := context.Background()
	assert.Nil(t, ClaimsFromContext(ctx))
	_, ok := ClaimValue(ctx, "sub")
	assert.False(t, ok)

	claims := []Claim{{Type: "sub", Value: "alice"}, {Type: "role", Value: "admin"}, {Type: "role", Value: "user"}}
	ctx = WithClaims(ctx, claims)
	assert.Equal(t, claims, ClaimsFromContext(ctx))
	v, ok := ClaimValue(ctx, "role")
	assert.True(t, ok)
	assert.Equal(t, "admin", v)
}

func Test_TokenAuthorizer(t *testing.T) {
	ta := TokenAuthorizer{Token: "s3cret"}
	h, err := ta.AuthHeaders()
	assert.NoError(t, err)
	assert.Equal(t, "s3cret", h.Get("Authorization"))
	assert.NoError(t, ta.Authorize(h))

	err = ta.Authorize(http.Header{})
	assert.IsType(t, UnauthorizedError{}, errors.Cause(err))
	err = ta.Authorize(http.Header{"Authorization": {"wrong"}})
	assert.IsType(t, UnauthorizedError{}, errors.Cause(err))

	custom := TokenAuthorizer{Header: "x-api-key", Token: "k"}
	h, _ = custom.AuthHeaders()
	assert.Equal(t, "k", h.Get("X-Api-Key"))
	assert.NoError(t, custom.Authorize(http.Header{"X-Api-Key": {"k"}}))
}
