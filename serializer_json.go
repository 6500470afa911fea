// Copyright 2026 szawaski. All rights reserved.
// Use of this source code is governed by the MIT license, see the LICENSE file.

package zerra

import (
	"bytes"
	"encoding"
	"io"
	"reflect"
	"strconv"
	"strings"

	json "github.com/goccy/go-json"
	"github.com/pkg/errors"
)

// JSONSerializer encodes values as JSON with property names.
type JSONSerializer struct{}

// ContentType returns ContentTypeJSON.
func (JSONSerializer) ContentType() ContentType { return ContentTypeJSON }

// Marshal returns the JSON encoding of v.
func (JSONSerializer) Marshal(v interface{}) ([]byte, error) {
	data, err := json.Marshal(v)
	return data, errors.WithStack(err)
}

// Unmarshal decodes JSON data into v.
func (JSONSerializer) Unmarshal(data []byte, v interface{}) error {
	return errors.WithStack(json.Unmarshal(data, v))
}

// Serialize writes the JSON encoding of v to w.
func (JSONSerializer) Serialize(w io.Writer, v interface{}) error {
	return errors.WithStack(json.NewEncoder(w).Encode(v))
}

// Deserialize decodes one JSON value from r into v.
func (JSONSerializer) Deserialize(r io.Reader, v interface{}) error {
	return errors.WithStack(json.NewDecoder(r).Decode(v))
}

// JSONNamelessSerializer encodes values as JSON, except that structs are
// written as arrays of their field values in declaration order. It is smaller
// on the wire than JSON, but both ends must agree on field order.
type JSONNamelessSerializer struct{}

// ContentType returns ContentTypeJSONNameless.
func (JSONNamelessSerializer) ContentType() ContentType { return ContentTypeJSONNameless }

// Marshal returns the nameless JSON encoding of v.
func (JSONNamelessSerializer) Marshal(v interface{}) ([]byte, error) {
	tree, err := toNameless(reflect.ValueOf(v))
	if err != nil {
		return nil, err
	}
	data, err := json.Marshal(tree)
	return data, errors.WithStack(err)
}

// Unmarshal decodes nameless JSON data into the value v points to.
func (JSONNamelessSerializer) Unmarshal(data []byte, v interface{}) error {
	rv := reflect.ValueOf(v)
	if rv.Kind() != reflect.Ptr || rv.IsNil() {
		return errors.Errorf("json nameless serializer: cannot unmarshal into %T", v)
	}
	return fromNameless(data, rv.Elem())
}

// Serialize writes the nameless JSON encoding of v to w.
func (s JSONNamelessSerializer) Serialize(w io.Writer, v interface{}) error {
	return serializeTo(s, w, v)
}

// Deserialize reads all of r and decodes it into v.
func (s JSONNamelessSerializer) Deserialize(r io.Reader, v interface{}) error {
	return deserializeFrom(s, r, v)
}

var (
	jsonMarshalerType   = reflect.TypeOf((*json.Marshaler)(nil)).Elem()
	jsonUnmarshalerType = reflect.TypeOf((*json.Unmarshaler)(nil)).Elem()
	textMarshalerType   = reflect.TypeOf((*encoding.TextMarshaler)(nil)).Elem()
	textUnmarshalerType = reflect.TypeOf((*encoding.TextUnmarshaler)(nil)).Elem()
)

func jsonFieldSkipped(sf reflect.StructField) bool {
	return sf.PkgPath != "" || sf.Tag.Get("json") == "-"
}

// toNameless converts rv into a tree of plain values with structs flattened to arrays.
func toNameless(rv reflect.Value) (interface{}, error) {
	if !rv.IsValid() {
		return nil, nil
	}
	t := rv.Type()
	if t.Kind() != reflect.Ptr && t.Kind() != reflect.Interface &&
		(t.Implements(jsonMarshalerType) || t.Implements(textMarshalerType)) {
		return rv.Interface(), nil
	}
	switch rv.Kind() {
	case reflect.Ptr, reflect.Interface:
		if rv.IsNil() {
			return nil, nil
		}
		return toNameless(rv.Elem())
	case reflect.Struct:
		fields := make([]interface{}, 0, t.NumField())
		for i := 0; i < t.NumField(); i++ {
			if jsonFieldSkipped(t.Field(i)) {
				continue
			}
			v, err := toNameless(rv.Field(i))
			if err != nil {
				return nil, err
			}
			fields = append(fields, v)
		}
		return fields, nil
	case reflect.Slice:
		if rv.IsNil() {
			return nil, nil
		}
		if t.Elem().Kind() == reflect.Uint8 {
			return rv.Bytes(), nil
		}
		fallthrough
	case reflect.Array:
		items := make([]interface{}, rv.Len())
		for i := range items {
			v, err := toNameless(rv.Index(i))
			if err != nil {
				return nil, err
			}
			items[i] = v
		}
		return items, nil
	case reflect.Map:
		if rv.IsNil() {
			return nil, nil
		}
		m := make(map[string]interface{}, rv.Len())
		iter := rv.MapRange()
		for iter.Next() {
			k, err := namelessKey(iter.Key())
			if err != nil {
				return nil, err
			}
			if m[k], err = toNameless(iter.Value()); err != nil {
				return nil, err
			}
		}
		return m, nil
	}
	return rv.Interface(), nil
}

func namelessKey(k reflect.Value) (string, error) {
	if k.Type().Implements(textMarshalerType) {
		b, err := k.Interface().(encoding.TextMarshaler).MarshalText()
		return string(b), errors.WithStack(err)
	}
	switch k.Kind() {
	case reflect.String:
		return k.String(), nil
	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
		return strconv.FormatInt(k.Int(), 10), nil
	case reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64, reflect.Uintptr:
		return strconv.FormatUint(k.Uint(), 10), nil
	}
	return "", errors.Errorf("json nameless serializer: unsupported map key %s", k.Type())
}

func parseNamelessKey(s string, t reflect.Type) (reflect.Value, error) {
	k := reflect.New(t)
	if k.Type().Implements(textUnmarshalerType) {
		err := k.Interface().(encoding.TextUnmarshaler).UnmarshalText([]byte(s))
		return k.Elem(), errors.WithStack(err)
	}
	switch t.Kind() {
	case reflect.String:
		k.Elem().SetString(s)
	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
		n, err := strconv.ParseInt(s, 10, t.Bits())
		if err != nil {
			return k.Elem(), errors.WithStack(err)
		}
		k.Elem().SetInt(n)
	case reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64, reflect.Uintptr:
		n, err := strconv.ParseUint(s, 10, t.Bits())
		if err != nil {
			return k.Elem(), errors.WithStack(err)
		}
		k.Elem().SetUint(n)
	default:
		return k.Elem(), errors.Errorf("json nameless serializer: unsupported map key %s", t)
	}
	return k.Elem(), nil
}

// fromNameless decodes data into rv, which must be settable.
func fromNameless(data []byte, rv reflect.Value) error {
	data = bytes.TrimSpace(data)
	if string(data) == "null" {
		rv.Set(reflect.Zero(rv.Type()))
		return nil
	}
	t := rv.Type()
	if t.Kind() != reflect.Ptr && t.Kind() != reflect.Interface {
		pt := reflect.PtrTo(t)
		if pt.Implements(jsonUnmarshalerType) || pt.Implements(textUnmarshalerType) {
			return errors.WithStack(json.Unmarshal(data, rv.Addr().Interface()))
		}
	}
	switch rv.Kind() {
	case reflect.Ptr:
		p := reflect.New(t.Elem())
		if err := fromNameless(data, p.Elem()); err != nil {
			return err
		}
		rv.Set(p)
		return nil
	case reflect.Struct:
		var items []json.RawMessage
		if err := json.Unmarshal(data, &items); err != nil {
			return errors.WithStack(err)
		}
		j := 0
		for i := 0; i < t.NumField() && j < len(items); i++ {
			if jsonFieldSkipped(t.Field(i)) {
				continue
			}
			if err := fromNameless(items[j], rv.Field(i)); err != nil {
				return errors.Wrapf(err, "field %s", t.Field(i).Name)
			}
			j++
		}
		return nil
	case reflect.Slice:
		if t.Elem().Kind() == reflect.Uint8 {
			break
		}
		var items []json.RawMessage
		if err := json.Unmarshal(data, &items); err != nil {
			return errors.WithStack(err)
		}
		s := reflect.MakeSlice(t, len(items), len(items))
		for i, item := range items {
			if err := fromNameless(item, s.Index(i)); err != nil {
				return err
			}
		}
		rv.Set(s)
		return nil
	case reflect.Array:
		var items []json.RawMessage
		if err := json.Unmarshal(data, &items); err != nil {
			return errors.WithStack(err)
		}
		for i := 0; i < rv.Len() && i < len(items); i++ {
			if err := fromNameless(items[i], rv.Index(i)); err != nil {
				return err
			}
		}
		return nil
	case reflect.Map:
		var items map[string]json.RawMessage
		if err := json.Unmarshal(data, &items); err != nil {
			return errors.WithStack(err)
		}
		m := reflect.MakeMapWithSize(t, len(items))
		for ks, item := range items {
			k, err := parseNamelessKey(ks, t.Key())
			if err != nil {
				return err
			}
			v := reflect.New(t.Elem()).Elem()
			if err = fromNameless(item, v); err != nil {
				return err
			}
			m.SetMapIndex(k, v)
		}
		rv.Set(m)
		return nil
	}
	if rv.CanAddr() {
		return errors.WithStack(json.Unmarshal(data, rv.Addr().Interface()))
	}
	return errors.Errorf("json nameless serializer: cannot decode into %s", strings.TrimPrefix(t.String(), "*"))
}
