// Copyright 2026 szawaski. All rights reserved.
// Use of this source code is governed by the MIT license, see the LICENSE file.

package zerra

import (
	"bytes"
	"io"

	"github.com/pkg/errors"
)

// Serializer turns values into bytes for one ContentType.
// Deserialize and Unmarshal take a pointer to the destination.
type Serializer interface {
	ContentType() ContentType
	Marshal(v interface{}) ([]byte, error)
	Unmarshal(data []byte, v interface{}) error
	Serialize(w io.Writer, v interface{}) error
	Deserialize(r io.Reader, v interface{}) error
}

var serializers = map[ContentType]Serializer{
	ContentTypeBytes:        BytesSerializer{},
	ContentTypeJSON:         JSONSerializer{},
	ContentTypeJSONNameless: JSONNamelessSerializer{},
}

// SerializerFor returns the Serializer for a content type.
func SerializerFor(ct ContentType) (Serializer, error) {
	if ser, ok := serializers[ct]; ok {
		return ser, nil
	}
	return nil, errors.WithStack(ProtocolError{Reason: "no serializer for content type " + ct.String()})
}

// serializeTo and deserializeFrom implement the stream methods for
// serializers that work on whole byte slices.
func serializeTo(ser Serializer, w io.Writer, v interface{}) error {
	data, err := ser.Marshal(v)
	if err == nil {
		_, err = w.Write(data)
	}
	return errors.WithStack(err)
}

func deserializeFrom(ser Serializer, r io.Reader, v interface{}) error {
	var buf bytes.Buffer
	if _, err := buf.ReadFrom(r); err != nil {
		return errors.WithStack(err)
	}
	return ser.Unmarshal(buf.Bytes(), v)
}
