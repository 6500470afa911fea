// Copyright 2026 szawaski. All rights reserved.
// Use of this source code is governed by the MIT license, see the LICENSE file.

package zerra

import (
	"fmt"
	"reflect"

	"github.com/pkg/errors"
)

// ExceptionEnvelope carries a handler failure to the caller.
type ExceptionEnvelope struct {
	TypeName string // registered name, or the Go type if unregistered
	Message  string // err.Error() on the sending side
	Payload  []byte // the error value, serialized, if its type is registered
}

// RemoteError is returned to a caller when the remote failure could not be
// reconstructed as its original type.
type RemoteError struct {
	TypeName string
	Message  string
}

func (err *RemoteError) Error() string {
	return err.Message
}

// Error types every peer knows without registering them.
var builtinErrors = NewRegistryBuilder().
	Register("Zerra.ProtocolError", ProtocolError{}).
	Register("Zerra.UnknownProviderError", UnknownProviderError{}).
	Register("Zerra.UnauthorizedError", UnauthorizedError{}).
	Build()

func errorTypeName(reg *Registry, v error) (string, bool) {
	if name, ok := reg.NameOf(v); ok {
		return name, true
	}
	return builtinErrors.NameOf(v)
}

func resolveErrorType(reg *Registry, name string) (reflect.Type, bool) {
	if t, ok := reg.Resolve(name); ok {
		return t, true
	}
	return builtinErrors.Resolve(name)
}

// EncodeException captures err for sending to a peer. Stack wrappers from
// github.com/pkg/errors are removed first.
func EncodeException(reg *Registry, ser Serializer, err error) (env ExceptionEnvelope) {
	cause := errors.Cause(err)
	if cause == nil {
		cause = err
	}
	env.Message = err.Error()
	if re, ok := cause.(*RemoteError); ok {
		env.TypeName = re.TypeName
		env.Message = re.Message
		return
	}
	name, ok := errorTypeName(reg, cause)
	if !ok {
		env.TypeName = fmt.Sprintf("%T", cause)
		return
	}
	env.TypeName = name
	if payload, merr := ser.Marshal(cause); merr == nil {
		env.Payload = payload
	}
	return
}

// DecodeException reconstructs the error described by env. If the type is not
// registered, or the payload does not decode into it, a *RemoteError with the
// original message is returned instead. It never panics.
func DecodeException(reg *Registry, ser Serializer, env ExceptionEnvelope) (err error) {
	fallback := &RemoteError{TypeName: env.TypeName, Message: env.Message}
	defer func() {
		if r := recover(); r != nil {
			err = fallback
		}
	}()
	t, ok := resolveErrorType(reg, env.TypeName)
	if !ok || env.Payload == nil {
		return fallback
	}
	var val reflect.Value
	if t.Kind() == reflect.Ptr {
		val = reflect.New(t.Elem())
		if ser.Unmarshal(env.Payload, val.Interface()) != nil {
			return fallback
		}
	} else {
		pv := reflect.New(t)
		if ser.Unmarshal(env.Payload, pv.Interface()) != nil {
			return fallback
		}
		val = pv.Elem()
	}
	if e, ok := val.Interface().(error); ok {
		return e
	}
	return fallback
}
