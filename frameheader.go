// Copyright 2026 szawaski. All rights reserved.
// Use of this source code is governed by the MIT license, see the LICENSE file.

// A raw framing header is a short line of ASCII text:
//
//	RAW <providerType> <contentType>~
//	ERR <providerType> <contentType>~
//
// The provider type is "*" when there is none (responses, and requests that
// only carry an envelope). The content type is the decimal ContentType value.
// The header is terminated by '~' rather than prefixed with a length, so it is
// bounded by MaxHeaderSize instead.

package zerra

import (
	"bytes"
	"fmt"
	"strconv"

	"github.com/pkg/errors"
)

const (
	rawHeaderTagRaw        = "RAW"
	rawHeaderTagErr        = "ERR"
	rawHeaderTerminator    = '~'
	rawHeaderNoProvider    = "*"
	rawHeaderFieldSplitter = ' '
)

// RawHeader is a decoded raw framing header.
type RawHeader struct {
	IsError      bool        // ERR instead of RAW
	ProviderType string      // empty if "*"
	ContentType  ContentType // serializer used for the body
}

func (h RawHeader) String() string {
	return fmt.Sprintf("[RawHeader %s]", string(h.AppendTo(nil)))
}

// validProviderType returns true if s can be carried in a raw header.
func validProviderType(s string) bool {
	if s == "" || s == rawHeaderNoProvider {
		return false
	}
	for i := 0; i < len(s); i++ {
		switch c := s[i]; {
		case c == rawHeaderFieldSplitter, c == rawHeaderTerminator, c < 0x21, c > 0x7e:
			return false
		}
	}
	return true
}

// AppendTo appends the encoded header, including the terminator, to b.
// It panics if the provider type cannot be represented.
func (h RawHeader) AppendTo(b []byte) []byte {
	if h.IsError {
		b = append(b, rawHeaderTagErr...)
	} else {
		b = append(b, rawHeaderTagRaw...)
	}
	b = append(b, rawHeaderFieldSplitter)
	if h.ProviderType == "" {
		b = append(b, rawHeaderNoProvider...)
	} else {
		if !validProviderType(h.ProviderType) {
			panic(fmt.Sprintf("RawHeader.AppendTo(): invalid provider type %q", h.ProviderType))
		}
		b = append(b, h.ProviderType...)
	}
	b = append(b, rawHeaderFieldSplitter)
	b = strconv.AppendInt(b, int64(h.ContentType), 10)
	return append(b, rawHeaderTerminator)
}

// findRawHeaderEnd returns the index just past the raw header terminator,
// scanning from start, or -1 if it has not been seen yet.
func findRawHeaderEnd(b []byte, start int) int {
	if i := bytes.IndexByte(b[start:], rawHeaderTerminator); i >= 0 {
		return start + i + 1
	}
	return -1
}

// DecodeRawHeader decodes a raw header. The terminator must be the last byte of b.
func DecodeRawHeader(b []byte) (h RawHeader, err error) {
	if len(b) < 1 || b[len(b)-1] != rawHeaderTerminator {
		return h, errors.WithStack(ProtocolError{Reason: "raw header not terminated"})
	}
	fields := bytes.Split(b[:len(b)-1], []byte{rawHeaderFieldSplitter})
	if len(fields) != 3 {
		return h, errors.WithStack(ProtocolError{Reason: fmt.Sprintf("raw header has %d fields", len(fields))})
	}
	switch string(fields[0]) {
	case rawHeaderTagRaw:
	case rawHeaderTagErr:
		h.IsError = true
	default:
		return h, errors.WithStack(ProtocolError{Reason: fmt.Sprintf("raw header tag %q", fields[0])})
	}
	if provider := string(fields[1]); provider != rawHeaderNoProvider {
		if !validProviderType(provider) {
			return h, errors.WithStack(ProtocolError{Reason: fmt.Sprintf("raw header provider %q", provider)})
		}
		h.ProviderType = provider
	}
	ct, converr := strconv.Atoi(string(fields[2]))
	if converr != nil {
		return h, errors.WithStack(ProtocolError{Reason: fmt.Sprintf("raw header content type %q", fields[2])})
	}
	h.ContentType = ContentType(ct)
	return
}
