// Copyright 2026 szawaski. All rights reserved.
// Use of this source code is governed by the MIT license, see the LICENSE file.

package zerra

import (
	"io"
	"net"
	"time"

	"github.com/pkg/errors"
)

// errUnexpectedRead means an idle connection had data waiting. For a pooled
// connection this is a protocol desync; during a call it is an abort signal.
var errUnexpectedRead = errors.New("unexpected read from idle connection")

// connCheckDeadline probes c with a very short read deadline. It consumes a
// pending byte, if any, so it is only used where that byte is not needed.
func connCheckDeadline(c net.Conn) error {
	var one [1]byte
	if err := c.SetReadDeadline(time.Now().Add(time.Millisecond)); err != nil {
		return errors.WithStack(err)
	}
	n, err := c.Read(one[:])
	if derr := c.SetReadDeadline(time.Time{}); derr != nil && err == nil {
		err = derr
	}
	switch {
	case n > 0:
		return errUnexpectedRead
	case err == nil, isTimeoutError(err):
		return nil
	case err == io.EOF:
		return io.EOF
	}
	return errors.WithStack(err)
}

// connAlive returns true if c is open and has no unread data.
func connAlive(c net.Conn) bool {
	return connCheck(c) == nil
}
