// Copyright 2026 szawaski. All rights reserved.
// Use of this source code is governed by the MIT license, see the LICENSE file.

package zerra

import (
	"bytes"
	"fmt"
	"net/http"
	"net/textproto"
	"sort"
	"strconv"
	"strings"

	"github.com/pkg/errors"
)

// Header names with a dedicated HTTPHeader field.
const (
	HeaderContentType      = "Content-Type"
	HeaderContentLength    = "Content-Length"
	HeaderTransferEncoding = "Transfer-Encoding"
	HeaderProviderType     = "Provider-Type"
	HeaderOrigin           = "Origin"
	HeaderAllowOrigin      = "Access-Control-Allow-Origin"
	HeaderAllowMethods     = "Access-Control-Allow-Methods"
	HeaderAllowHeaders     = "Access-Control-Allow-Headers"
)

const (
	httpVersion         = "HTTP/1.1"
	httpLineEnd         = "\r\n"
	httpHeaderEnd       = "\r\n\r\n"
	httpChunked         = "chunked"
	httpMethodPost      = "POST"
	httpMethodOptions   = "OPTIONS"
	httpStatusErrorCode = http.StatusInternalServerError
)

// HTTPHeader is a decoded HTTP framing header, either a request
// (Method is set) or a response (StatusCode is set).
type HTTPHeader struct {
	Method         string      // request method, empty for responses
	Path           string      // request target
	StatusCode     int         // response status, zero for requests
	ContentType    ContentType // valid if HasContentType
	HasContentType bool        // a Content-Type header was present
	ContentLength  int64       // -1 if not known
	Chunked        bool        // Transfer-Encoding: chunked
	ProviderType   string      // Provider-Type header
	Origin         string      // Origin header
	Headers        http.Header // all other headers, canonical keys
}

// NewHTTPRequestHeader returns a POST request header for the given provider type.
func NewHTTPRequestHeader(providerType string, ct ContentType, contentLength int64) HTTPHeader {
	return HTTPHeader{
		Method:         httpMethodPost,
		Path:           "/",
		ContentType:    ct,
		HasContentType: true,
		ContentLength:  contentLength,
		Chunked:        contentLength < 0,
		ProviderType:   providerType,
	}
}

// NewHTTPResponseHeader returns a chunked response header.
func NewHTTPResponseHeader(isError bool, ct ContentType) HTTPHeader {
	code := http.StatusOK
	if isError {
		code = httpStatusErrorCode
	}
	return HTTPHeader{
		StatusCode:     code,
		ContentType:    ct,
		HasContentType: true,
		ContentLength:  -1,
		Chunked:        true,
	}
}

// newPreflightResponse returns the answer to a CORS preflight request.
// If allowOrigin is empty, no Access-Control headers are sent and the
// browser will refuse the actual request.
func newPreflightResponse(allowOrigin string) HTTPHeader {
	h := HTTPHeader{
		StatusCode:    http.StatusOK,
		ContentLength: 0,
	}
	if allowOrigin != "" {
		h.Headers = http.Header{
			HeaderAllowOrigin:  {allowOrigin},
			HeaderAllowMethods: {"*"},
			HeaderAllowHeaders: {"*"},
		}
	}
	return h
}

// IsRequest returns true if the header is a request header.
func (h *HTTPHeader) IsRequest() bool {
	return h.Method != ""
}

// IsPreflight returns true for a CORS preflight (OPTIONS) request.
func (h *HTTPHeader) IsPreflight() bool {
	return h.Method == httpMethodOptions
}

// IsError returns true for responses signaling an exception body.
func (h *HTTPHeader) IsError() bool {
	return h.StatusCode >= http.StatusBadRequest
}

func (h HTTPHeader) String() string {
	if h.IsRequest() {
		return fmt.Sprintf("[HTTPHeader %s %s %s]", h.Method, h.Path, h.ProviderType)
	}
	return fmt.Sprintf("[HTTPHeader %d]", h.StatusCode)
}

func appendHeaderLine(b []byte, key, value string) []byte {
	b = append(b, key...)
	b = append(b, ':', ' ')
	b = append(b, value...)
	return append(b, httpLineEnd...)
}

// AppendTo appends the encoded header, including the blank line terminator, to b.
// Extra headers are written in sorted key order so encoding is deterministic.
func (h HTTPHeader) AppendTo(b []byte) []byte {
	if h.IsRequest() {
		path := h.Path
		if path == "" {
			path = "/"
		}
		b = append(b, h.Method...)
		b = append(b, ' ')
		b = append(b, path...)
		b = append(b, ' ')
		b = append(b, httpVersion...)
	} else {
		b = append(b, httpVersion...)
		b = append(b, ' ')
		b = strconv.AppendInt(b, int64(h.StatusCode), 10)
		b = append(b, ' ')
		b = append(b, http.StatusText(h.StatusCode)...)
	}
	b = append(b, httpLineEnd...)
	if h.HasContentType {
		b = appendHeaderLine(b, HeaderContentType, h.ContentType.MIMEType())
	}
	if h.Chunked {
		b = appendHeaderLine(b, HeaderTransferEncoding, httpChunked)
	} else if h.ContentLength >= 0 {
		b = appendHeaderLine(b, HeaderContentLength, strconv.FormatInt(h.ContentLength, 10))
	}
	if h.ProviderType != "" {
		b = appendHeaderLine(b, HeaderProviderType, h.ProviderType)
	}
	if h.Origin != "" {
		b = appendHeaderLine(b, HeaderOrigin, h.Origin)
	}
	if len(h.Headers) > 0 {
		keys := make([]string, 0, len(h.Headers))
		for k := range h.Headers {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		for _, k := range keys {
			for _, v := range h.Headers[k] {
				b = appendHeaderLine(b, k, v)
			}
		}
	}
	return append(b, httpLineEnd...)
}

// findHTTPHeaderEnd returns the index just past the blank line ending
// the header, scanning from start, or -1 if it has not been seen yet.
func findHTTPHeaderEnd(b []byte, start int) int {
	if start -= len(httpHeaderEnd) - 1; start < 0 {
		start = 0
	}
	if i := bytes.Index(b[start:], []byte(httpHeaderEnd)); i >= 0 {
		return start + i + len(httpHeaderEnd)
	}
	return -1
}

func httpProtocolError(format string, args ...interface{}) error {
	return errors.WithStack(ProtocolError{Reason: "http header: " + fmt.Sprintf(format, args...)})
}

// DecodeHTTPHeader decodes a HTTP framing header. b must end with the blank line terminator.
func DecodeHTTPHeader(b []byte) (h HTTPHeader, err error) {
	if !bytes.HasSuffix(b, []byte(httpHeaderEnd)) {
		return h, httpProtocolError("not terminated")
	}
	lines := strings.Split(string(b[:len(b)-len(httpHeaderEnd)]), httpLineEnd)
	if err = h.decodeStartLine(lines[0]); err != nil {
		return
	}
	h.ContentLength = -1
	for _, line := range lines[1:] {
		colon := strings.IndexByte(line, ':')
		if colon < 1 {
			return h, httpProtocolError("malformed line %q", line)
		}
		key := textproto.CanonicalMIMEHeaderKey(strings.TrimSpace(line[:colon]))
		value := strings.TrimSpace(line[colon+1:])
		switch key {
		case HeaderContentType:
			if h.ContentType, err = ParseMIMEType(value); err != nil {
				return
			}
			h.HasContentType = true
		case HeaderContentLength:
			n, converr := strconv.ParseInt(value, 10, 64)
			if converr != nil || n < 0 {
				return h, httpProtocolError("content length %q", value)
			}
			h.ContentLength = n
		case HeaderTransferEncoding:
			if !strings.EqualFold(value, httpChunked) {
				return h, httpProtocolError("transfer encoding %q", value)
			}
			h.Chunked = true
		case HeaderProviderType:
			h.ProviderType = value
		case HeaderOrigin:
			h.Origin = value
		default:
			if h.Headers == nil {
				h.Headers = make(http.Header)
			}
			h.Headers[key] = append(h.Headers[key], value)
		}
	}
	if h.Chunked {
		h.ContentLength = -1
	}
	return
}

func (h *HTTPHeader) decodeStartLine(line string) error {
	parts := strings.SplitN(line, " ", 3)
	if len(parts) < 2 {
		return httpProtocolError("start line %q", line)
	}
	if strings.HasPrefix(parts[0], "HTTP/") {
		code, err := strconv.Atoi(parts[1])
		if err != nil || code < 100 || code > 999 {
			return httpProtocolError("status line %q", line)
		}
		h.StatusCode = code
		return nil
	}
	if len(parts) != 3 || !strings.HasPrefix(parts[2], "HTTP/1.") {
		return httpProtocolError("request line %q", line)
	}
	h.Method = parts[0]
	h.Path = parts[1]
	return nil
}
