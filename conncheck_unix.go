// Copyright 2026 szawaski. All rights reserved.
// Use of this source code is governed by the MIT license, see the LICENSE file.

//go:build linux || darwin || dragonfly || freebsd || netbsd || openbsd

package zerra

import (
	"io"
	"net"
	"syscall"

	"github.com/pkg/errors"
)

// connCheck peeks at the socket without blocking and without consuming data.
func connCheck(c net.Conn) error {
	sc, ok := c.(syscall.Conn)
	if !ok {
		return connCheckDeadline(c)
	}
	rc, err := sc.SyscallConn()
	if err != nil {
		return errors.WithStack(err)
	}
	var checkErr error
	var one [1]byte
	err = rc.Read(func(fd uintptr) bool {
		n, _, rerr := syscall.Recvfrom(int(fd), one[:], syscall.MSG_PEEK|syscall.MSG_DONTWAIT)
		switch {
		case n == 0 && rerr == nil:
			checkErr = io.EOF
		case n > 0:
			checkErr = errUnexpectedRead
		case rerr == syscall.EAGAIN || rerr == syscall.EWOULDBLOCK:
			checkErr = nil
		default:
			checkErr = errors.WithStack(rerr)
		}
		return true
	})
	if err != nil {
		return errors.WithStack(err)
	}
	return checkErr
}
