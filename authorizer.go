// Copyright 2026 szawaski. All rights reserved.
// Use of this source code is governed by the MIT license, see the LICENSE file.

package zerra

import (
	"crypto/subtle"
	"net/http"

	"github.com/pkg/errors"
)

// Authorizer validates incoming requests on a server and supplies the
// outgoing authentication headers on a client.
//
// Raw framing has no header bag, so with FramingRaw Authorize receives
// an empty http.Header and AuthHeaders is not consulted.
type Authorizer interface {
	// Authorize returns an error if the request headers are not acceptable.
	Authorize(headers http.Header) error
	// AuthHeaders returns the headers a client should send.
	AuthHeaders() (http.Header, error)
}

// TokenAuthorizer requires a fixed token in a header.
type TokenAuthorizer struct {
	Header string // header name, "Authorization" if empty
	Token  string
}

func (ta TokenAuthorizer) headerName() string {
	if ta.Header == "" {
		return "Authorization"
	}
	return http.CanonicalHeaderKey(ta.Header)
}

// Authorize accepts the request if the header carries the token.
func (ta TokenAuthorizer) Authorize(headers http.Header) error {
	got := headers.Get(ta.headerName())
	if got == "" {
		return errors.WithStack(UnauthorizedError{Reason: "missing " + ta.headerName()})
	}
	if subtle.ConstantTimeCompare([]byte(got), []byte(ta.Token)) != 1 {
		return errors.WithStack(UnauthorizedError{Reason: "invalid token"})
	}
	return nil
}

// AuthHeaders returns the header carrying the token.
func (ta TokenAuthorizer) AuthHeaders() (http.Header, error) {
	return http.Header{ta.headerName(): {ta.Token}}, nil
}
