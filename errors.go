// Copyright 2026 szawaski. All rights reserved.
// Use of this source code is governed by the MIT license, see the LICENSE file.

package zerra

import (
	"fmt"
	"io"
	"net"
	"syscall"

	"github.com/pkg/errors"
)

var (
	// ErrConnectionAborted is returned when a freshly dialed connection was closed
	// by the peer before a response header arrived.
	ErrConnectionAborted = errors.New("connection aborted by peer")
	// ErrPoolClosed is returned by Pool.Acquire after the Pool was closed.
	ErrPoolClosed = errors.New("pool closed")
	// ErrServerClosed is returned by Server.Serve and Listener.Serve after Close.
	ErrServerClosed = errors.New("server closed")
	// ErrHeaderTooLarge is returned when no header terminator was found within MaxHeaderSize bytes.
	ErrHeaderTooLarge = errors.New("header too large")
	// ErrBodyFlushed is returned when writing to or flushing a body that has already been flushed.
	ErrBodyFlushed = errors.New("body already flushed")
	// ErrMixedHandlers is returned when registering query providers and commands or events on the same table.
	ErrMixedHandlers = errors.New("handler table cannot mix query providers with commands or events")
	// ErrHandlersSealed is returned when registering on a table that is already in use.
	ErrHandlersSealed = errors.New("handler table is sealed")
)

// ProtocolError is the error type used for reporting malformed or unexpected
// wire data. A protocol error is fatal to the connection it occurred on.
type ProtocolError struct {
	Reason string
}

func (err ProtocolError) Error() string {
	if err.Reason == "" {
		return "protocol error"
	}
	return "protocol error: " + err.Reason
}

// ConnectionError reports a failure to reach or talk to a destination.
type ConnectionError struct {
	Destination string
	Err         error
}

func (err *ConnectionError) Error() string {
	return fmt.Sprintf("connection to %s failed: %v", err.Destination, err.Err)
}

// Cause returns the underlying error for errors.Cause.
func (err *ConnectionError) Cause() error { return err.Err }

// Unwrap returns the underlying error.
func (err *ConnectionError) Unwrap() error { return err.Err }

// UnknownProviderError is returned for requests naming a type that is not registered.
type UnknownProviderError struct {
	Kind         MessageKind
	ProviderType string
}

func (err UnknownProviderError) Error() string {
	return fmt.Sprintf("unknown %s provider %q", err.Kind, err.ProviderType)
}

// UnauthorizedError is returned by an Authorizer rejecting a request.
type UnauthorizedError struct {
	Reason string
}

func (err UnauthorizedError) Error() string {
	if err.Reason == "" {
		return "unauthorized"
	}
	return "unauthorized: " + err.Reason
}

// IsProtocolError returns true if the cause of err is a ProtocolError.
func IsProtocolError(err error) bool {
	_, ok := errors.Cause(err).(ProtocolError)
	return ok
}

// IsConnectionError returns true if err reports a failure to reach a destination.
func IsConnectionError(err error) bool {
	var ce *ConnectionError
	return errors.As(err, &ce)
}

// isClosedError returns true if err means the peer or the local side closed the connection.
func isClosedError(err error) bool {
	switch errors.Cause(err) {
	case nil:
		return false
	case io.EOF, io.ErrUnexpectedEOF, io.ErrClosedPipe, net.ErrClosed:
		return true
	}
	return errors.Is(err, net.ErrClosed) ||
		errors.Is(err, syscall.ECONNRESET) ||
		errors.Is(err, syscall.EPIPE) ||
		errors.Is(err, syscall.ECONNABORTED)
}

// isTimeoutError returns true if err is a network timeout.
func isTimeoutError(err error) bool {
	var ne net.Error
	if errors.As(err, &ne) {
		return ne.Timeout()
	}
	return false
}
