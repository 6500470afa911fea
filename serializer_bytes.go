// Copyright 2026 szawaski. All rights reserved.
// Use of this source code is governed by the MIT license, see the LICENSE file.

package zerra

import (
	"encoding"
	"encoding/binary"
	"fmt"
	"io"
	"math"
	"reflect"

	"github.com/pkg/errors"
)

// BytesSerializer is the compact binary serializer.
//
// Values are written field by field with no names or type information, so
// both ends must use the same Go types:
//
//   - integers use varints (zigzag for signed), floats their IEEE bits
//   - strings are a length followed by the bytes
//   - slices, maps and pointers start with a length+1 or presence byte,
//     zero meaning nil
//   - structs write their exported fields in declaration order, unless
//     they implement encoding.BinaryMarshaler
type BytesSerializer struct{}

// ContentType returns ContentTypeBytes.
func (BytesSerializer) ContentType() ContentType { return ContentTypeBytes }

// Marshal encodes v. Top level pointers are followed; nil encodes as no bytes.
func (BytesSerializer) Marshal(v interface{}) ([]byte, error) {
	rv := reflect.ValueOf(v)
	for rv.Kind() == reflect.Ptr || rv.Kind() == reflect.Interface {
		if rv.IsNil() {
			return []byte{}, nil
		}
		rv = rv.Elem()
	}
	if !rv.IsValid() {
		return []byte{}, nil
	}
	var fd frameData
	if err := fd.writeValue(rv); err != nil {
		return nil, err
	}
	return fd, nil
}

// Unmarshal decodes data into the value v points to.
func (BytesSerializer) Unmarshal(data []byte, v interface{}) (err error) {
	rv := reflect.ValueOf(v)
	if rv.Kind() != reflect.Ptr || rv.IsNil() {
		return errors.Errorf("bytes serializer: cannot unmarshal into %T", v)
	}
	rv = rv.Elem()
	for rv.Kind() == reflect.Ptr {
		if rv.IsNil() {
			rv.Set(reflect.New(rv.Type().Elem()))
		}
		rv = rv.Elem()
	}
	if len(data) == 0 {
		rv.Set(reflect.Zero(rv.Type()))
		return nil
	}
	defer func() {
		if r := recover(); r != nil {
			err = errors.WithStack(ProtocolError{Reason: fmt.Sprint("bytes serializer: ", r)})
		}
	}()
	fp := frameParser(data)
	fp.readValue(rv)
	if len(fp) != 0 {
		return errors.WithStack(ProtocolError{Reason: fmt.Sprintf("bytes serializer: %d trailing bytes", len(fp))})
	}
	return nil
}

// Serialize writes the encoding of v to w.
func (s BytesSerializer) Serialize(w io.Writer, v interface{}) error {
	return serializeTo(s, w, v)
}

// Deserialize reads all of r and decodes it into v.
func (s BytesSerializer) Deserialize(r io.Reader, v interface{}) error {
	return deserializeFrom(s, r, v)
}

var (
	binaryMarshalerType   = reflect.TypeOf((*encoding.BinaryMarshaler)(nil)).Elem()
	binaryUnmarshalerType = reflect.TypeOf((*encoding.BinaryUnmarshaler)(nil)).Elem()
)

func isBinaryMarshaler(t reflect.Type) bool {
	return t.Kind() != reflect.Ptr &&
		t.Implements(binaryMarshalerType) &&
		reflect.PtrTo(t).Implements(binaryUnmarshalerType)
}

// frameData is the write side of the bytes encoding.
type frameData []byte

// writeUint64 writes an uint64 using a portable encoding.
func (fd *frameData) writeUint64(x uint64) {
	*fd = binary.AppendUvarint(*fd, x)
}

// writeInt64 writes an int64 using a portable encoding.
func (fd *frameData) writeInt64(x int64) {
	*fd = binary.AppendVarint(*fd, x)
}

// writeBytes writes a length and the bytes.
func (fd *frameData) writeBytes(b []byte) {
	fd.writeUint64(uint64(len(b)))
	*fd = append(*fd, b...)
}

// writeNullLen writes a length for a nilable value, 0 meaning nil.
func (fd *frameData) writeNullLen(n int, isNil bool) {
	if isNil {
		fd.writeUint64(0)
	} else {
		fd.writeUint64(uint64(n) + 1)
	}
}

func (fd *frameData) writeValue(rv reflect.Value) (err error) {
	if isBinaryMarshaler(rv.Type()) {
		var b []byte
		if b, err = rv.Interface().(encoding.BinaryMarshaler).MarshalBinary(); err == nil {
			fd.writeBytes(b)
		}
		return errors.WithStack(err)
	}
	switch rv.Kind() {
	case reflect.Bool:
		if rv.Bool() {
			*fd = append(*fd, 1)
		} else {
			*fd = append(*fd, 0)
		}
	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
		fd.writeInt64(rv.Int())
	case reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64, reflect.Uintptr:
		fd.writeUint64(rv.Uint())
	case reflect.Float32:
		*fd = binary.LittleEndian.AppendUint32(*fd, math.Float32bits(float32(rv.Float())))
	case reflect.Float64:
		*fd = binary.LittleEndian.AppendUint64(*fd, math.Float64bits(rv.Float()))
	case reflect.String:
		s := rv.String()
		fd.writeUint64(uint64(len(s)))
		*fd = append(*fd, s...)
	case reflect.Slice:
		fd.writeNullLen(rv.Len(), rv.IsNil())
		if rv.Type().Elem().Kind() == reflect.Uint8 {
			*fd = append(*fd, rv.Bytes()...)
			return
		}
		for i := 0; i < rv.Len() && err == nil; i++ {
			err = fd.writeValue(rv.Index(i))
		}
	case reflect.Array:
		for i := 0; i < rv.Len() && err == nil; i++ {
			err = fd.writeValue(rv.Index(i))
		}
	case reflect.Map:
		fd.writeNullLen(rv.Len(), rv.IsNil())
		iter := rv.MapRange()
		for err == nil && iter.Next() {
			if err = fd.writeValue(iter.Key()); err == nil {
				err = fd.writeValue(iter.Value())
			}
		}
	case reflect.Ptr:
		if rv.IsNil() {
			*fd = append(*fd, 0)
			return
		}
		*fd = append(*fd, 1)
		err = fd.writeValue(rv.Elem())
	case reflect.Struct:
		t := rv.Type()
		for i := 0; i < t.NumField() && err == nil; i++ {
			if bytesFieldSkipped(t.Field(i)) {
				continue
			}
			err = fd.writeValue(rv.Field(i))
		}
	default:
		err = errors.Errorf("bytes serializer: unsupported kind %s", rv.Kind())
	}
	return
}

func bytesFieldSkipped(sf reflect.StructField) bool {
	return sf.PkgPath != "" || sf.Tag.Get("zerra") == "-"
}

// frameParser is the read side of the bytes encoding. Malformed
// input panics; Unmarshal recovers and reports a ProtocolError.
type frameParser []byte

func (fp *frameParser) need(n uint64) {
	if n > uint64(len(*fp)) {
		panic(fmt.Sprintf("need %d bytes, have %d", n, len(*fp)))
	}
}

// readUint64 reads an uint64
func (fp *frameParser) readUint64() uint64 {
	x, n := binary.Uvarint(*fp)
	if n <= 0 {
		panic("readUint64(): malformed varint")
	}
	*fp = (*fp)[n:]
	return x
}

// readInt64 reads an int64
func (fp *frameParser) readInt64() int64 {
	x, n := binary.Varint(*fp)
	if n <= 0 {
		panic("readInt64(): malformed varint")
	}
	*fp = (*fp)[n:]
	return x
}

func (fp *frameParser) readRaw(n uint64) []byte {
	fp.need(n)
	b := (*fp)[:n]
	*fp = (*fp)[n:]
	return b
}

func (fp *frameParser) readBytes() []byte {
	return fp.readRaw(fp.readUint64())
}

// maxEmptyElements bounds the length of a slice or map whose elements
// encode to no bytes at all.
const maxEmptyElements = 1 << 16

// readNullLen returns the length of a nilable value and whether it is nil.
// Each element takes at least elemSize bytes, so lengths the remaining data
// cannot hold are refused before allocating.
func (fp *frameParser) readNullLen(elemSize uint64) (n int, isNil bool) {
	x := fp.readUint64()
	if x == 0 {
		return 0, true
	}
	x--
	if elemSize == 0 {
		if x > maxEmptyElements {
			panic(fmt.Sprintf("length %d too large", x))
		}
	} else if x > uint64(len(*fp))/elemSize {
		panic(fmt.Sprintf("length %d needs more than the %d bytes left", x, len(*fp)))
	}
	return int(x), false
}

// minEncodedSize returns the fewest bytes a value of type t encodes to.
func minEncodedSize(t reflect.Type) uint64 {
	if isBinaryMarshaler(t) {
		return 1
	}
	switch t.Kind() {
	case reflect.Float32:
		return 4
	case reflect.Float64:
		return 8
	case reflect.Array:
		return uint64(t.Len()) * minEncodedSize(t.Elem())
	case reflect.Struct:
		var n uint64
		for i := 0; i < t.NumField(); i++ {
			if !bytesFieldSkipped(t.Field(i)) {
				n += minEncodedSize(t.Field(i).Type)
			}
		}
		return n
	}
	return 1
}

func (fp *frameParser) readValue(rv reflect.Value) {
	if isBinaryMarshaler(rv.Type()) {
		b := fp.readBytes()
		if err := rv.Addr().Interface().(encoding.BinaryUnmarshaler).UnmarshalBinary(b); err != nil {
			panic(err.Error())
		}
		return
	}
	switch rv.Kind() {
	case reflect.Bool:
		rv.SetBool(fp.readRaw(1)[0] != 0)
	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
		rv.SetInt(fp.readInt64())
	case reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64, reflect.Uintptr:
		rv.SetUint(fp.readUint64())
	case reflect.Float32:
		rv.SetFloat(float64(math.Float32frombits(binary.LittleEndian.Uint32(fp.readRaw(4)))))
	case reflect.Float64:
		rv.SetFloat(math.Float64frombits(binary.LittleEndian.Uint64(fp.readRaw(8))))
	case reflect.String:
		rv.SetString(string(fp.readBytes()))
	case reflect.Slice:
		n, isNil := fp.readNullLen(minEncodedSize(rv.Type().Elem()))
		if isNil {
			rv.Set(reflect.Zero(rv.Type()))
			return
		}
		if rv.Type().Elem().Kind() == reflect.Uint8 {
			b := reflect.MakeSlice(rv.Type(), n, n)
			reflect.Copy(b, reflect.ValueOf(fp.readRaw(uint64(n))))
			rv.Set(b)
			return
		}
		s := reflect.MakeSlice(rv.Type(), n, n)
		for i := 0; i < n; i++ {
			fp.readValue(s.Index(i))
		}
		rv.Set(s)
	case reflect.Array:
		for i := 0; i < rv.Len(); i++ {
			fp.readValue(rv.Index(i))
		}
	case reflect.Map:
		t := rv.Type()
		n, isNil := fp.readNullLen(minEncodedSize(t.Key()) + minEncodedSize(t.Elem()))
		if isNil {
			rv.Set(reflect.Zero(t))
			return
		}
		m := reflect.MakeMapWithSize(t, n)
		for i := 0; i < n; i++ {
			k := reflect.New(t.Key()).Elem()
			fp.readValue(k)
			v := reflect.New(t.Elem()).Elem()
			fp.readValue(v)
			m.SetMapIndex(k, v)
		}
		rv.Set(m)
	case reflect.Ptr:
		if fp.readRaw(1)[0] == 0 {
			rv.Set(reflect.Zero(rv.Type()))
			return
		}
		p := reflect.New(rv.Type().Elem())
		fp.readValue(p.Elem())
		rv.Set(p)
	case reflect.Struct:
		t := rv.Type()
		for i := 0; i < t.NumField(); i++ {
			if bytesFieldSkipped(t.Field(i)) {
				continue
			}
			fp.readValue(rv.Field(i))
		}
	default:
		panic(fmt.Sprintf("unsupported kind %s", rv.Kind()))
	}
}
