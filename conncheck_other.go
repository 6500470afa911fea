// Copyright 2026 szawaski. All rights reserved.
// Use of this source code is governed by the MIT license, see the LICENSE file.

//go:build !(linux || darwin || dragonfly || freebsd || netbsd || openbsd)

package zerra

import "net"

func connCheck(c net.Conn) error {
	return connCheckDeadline(c)
}
