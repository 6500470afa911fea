// Copyright 2026 szawaski. All rights reserved.
// Use of this source code is governed by the MIT license, see the LICENSE file.

package zerra

import (
	"mime"
	"strconv"

	"github.com/pkg/errors"
)

// ContentType selects the serializer used for envelopes and results.
// The numeric value is what travels in a raw framing header.
type ContentType int

const (
	// ContentTypeBytes is the compact binary serializer.
	ContentTypeBytes ContentType = 0
	// ContentTypeJSON is plain JSON with property names.
	ContentTypeJSON ContentType = 1
	// ContentTypeJSONNameless is JSON where structs are encoded as positional arrays.
	ContentTypeJSONNameless ContentType = 2
)

var contentTypeTexts = map[ContentType]string{
	ContentTypeBytes:        "Bytes",
	ContentTypeJSON:         "Json",
	ContentTypeJSONNameless: "JsonNameless",
}

var contentTypeMIME = map[ContentType]string{
	ContentTypeBytes:        "application/octet-stream",
	ContentTypeJSON:         "application/json",
	ContentTypeJSONNameless: "application/jsonnameless",
}

func (ct ContentType) String() string {
	if s, ok := contentTypeTexts[ct]; ok {
		return s
	}
	return strconv.Itoa(int(ct))
}

// Valid returns true if ct is a known content type.
func (ct ContentType) Valid() bool {
	_, ok := contentTypeTexts[ct]
	return ok
}

// MIMEType returns the media type used in HTTP framing headers.
func (ct ContentType) MIMEType() string {
	return contentTypeMIME[ct]
}

// ParseMIMEType maps a Content-Type header value to a ContentType.
// Parameters such as charset are ignored.
func ParseMIMEType(s string) (ContentType, error) {
	mt, _, err := mime.ParseMediaType(s)
	if err != nil {
		return 0, errors.WithStack(ProtocolError{Reason: "invalid content type " + strconv.Quote(s)})
	}
	for ct, v := range contentTypeMIME {
		if v == mt {
			return ct, nil
		}
	}
	return 0, errors.WithStack(ProtocolError{Reason: "unsupported content type " + strconv.Quote(mt)})
}
