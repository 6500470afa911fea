// Copyright 2026 szawaski. All rights reserved.
// Use of this source code is governed by the MIT license, see the LICENSE file.

package zerra

import (
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"
)

func Test_HTTPHeader_RequestRoundTrip(t *testing.T) {
	h := NewHTTPRequestHeader("Orders", ContentTypeJSON, 12)
	h.Path = "/Orders"
	h.Origin = "https://example.com"
	h.Headers = http.Header{"Authorization": {"Bearer x"}, "X-Trace": {"a", "b"}}
	b := h.AppendTo(nil)
	h2, err := DecodeHTTPHeader(b)
	assert.NoError(t, err)
	assert.Equal(t, h, h2)
	assert.True(t, h2.IsRequest())
	assert.False(t, h2.IsPreflight())
	assert.Equal(t, b, h2.AppendTo(nil))
	assert.Equal(t, "[HTTPHeader POST /Orders Orders]", h2.String())
}

func Test_HTTPHeader_ResponseRoundTrip(t *testing.T) {
	for _, isError := range []bool{false, true} {
		h := NewHTTPResponseHeader(isError, ContentTypeBytes)
		b := h.AppendTo(nil)
		h2, err := DecodeHTTPHeader(b)
		assert.NoError(t, err)
		assert.Equal(t, h, h2)
		assert.Equal(t, isError, h2.IsError())
		assert.True(t, h2.Chunked)
		assert.Equal(t, int64(-1), h2.ContentLength)
	}
}

func Test_HTTPHeader_Text(t *testing.T) {
	h := NewHTTPRequestHeader("Orders", ContentTypeBytes, 3)
	assert.Equal(t,
		"POST / HTTP/1.1\r\nContent-Type: application/octet-stream\r\nContent-Length: 3\r\nProvider-Type: Orders\r\n\r\n",
		string(h.AppendTo(nil)))
	assert.Equal(t,
		"HTTP/1.1 500 Internal Server Error\r\nContent-Type: application/json\r\nTransfer-Encoding: chunked\r\n\r\n",
		string(NewHTTPResponseHeader(true, ContentTypeJSON).AppendTo(nil)))
}

func Test_HTTPHeader_CanonicalKeys(t *testing.T) {
	b := []byte("POST /x HTTP/1.1\r\ncontent-type: application/json\r\ntransfer-encoding: Chunked\r\nprovider-type: Orders\r\nx-custom:  v \r\n\r\n")
	h, err := DecodeHTTPHeader(b)
	assert.NoError(t, err)
	assert.True(t, h.HasContentType)
	assert.Equal(t, ContentTypeJSON, h.ContentType)
	assert.True(t, h.Chunked)
	assert.Equal(t, "Orders", h.ProviderType)
	assert.Equal(t, "v", h.Headers.Get("X-Custom"))
}

func Test_HTTPHeader_Preflight(t *testing.T) {
	b := []byte("OPTIONS / HTTP/1.1\r\nOrigin: https://example.com\r\n\r\n")
	h, err := DecodeHTTPHeader(b)
	assert.NoError(t, err)
	assert.True(t, h.IsPreflight())
	assert.False(t, h.HasContentType)
	assert.Equal(t, "https://example.com", h.Origin)

	resp, err := DecodeHTTPHeader(newPreflightResponse("https://example.com").AppendTo(nil))
	assert.NoError(t, err)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, int64(0), resp.ContentLength)
	assert.Equal(t, "https://example.com", resp.Headers.Get(HeaderAllowOrigin))
	assert.Equal(t, "*", resp.Headers.Get(HeaderAllowMethods))

	resp, err = DecodeHTTPHeader(newPreflightResponse("").AppendTo(nil))
	assert.NoError(t, err)
	assert.Empty(t, resp.Headers.Get(HeaderAllowOrigin))
}

func Test_HTTPHeader_Malformed(t *testing.T) {
	for _, s := range []string{
		"POST / HTTP/1.1\r\n",
		"POST /\r\n\r\n",
		"GARBAGE\r\n\r\n",
		"HTTP/1.1 abc OK\r\n\r\n",
		"POST / HTTP/1.1\r\nno colon here\r\n\r\n",
		"POST / HTTP/1.1\r\nContent-Length: -4\r\n\r\n",
		"POST / HTTP/1.1\r\nTransfer-Encoding: gzip\r\n\r\n",
		"POST / HTTP/1.1\r\nContent-Type: text/html\r\n\r\n",
	} {
		_, err := DecodeHTTPHeader([]byte(s))
		assert.True(t, IsProtocolError(err), s)
	}
}

func Test_HTTPHeader_FindEnd(t *testing.T) {
	b := []byte("HTTP/1.1 200 OK\r\n\r\nbody")
	assert.Equal(t, 19, findHTTPHeaderEnd(b, 0))
	// the terminator straddles the previously scanned boundary
	assert.Equal(t, 19, findHTTPHeaderEnd(b, 17))
	assert.Equal(t, -1, findHTTPHeaderEnd(b[:18], 0))
}
