// Copyright 2026 szawaski. All rights reserved.
// Use of this source code is governed by the MIT license, see the LICENSE file.

package zerra

import (
	"fmt"
	"net"
	"sync/atomic"
	"time"
)

type connState int32

const (
	connIdle     = connState(iota) // in the pool's idle list
	connAcquired                   // owned by the caller of Pool.Acquire
	connClosed                     // socket closed, never reused
)

var connStateTexts = map[connState]string{
	connIdle:     "Idle",
	connAcquired: "Acquired",
	connClosed:   "Closed",
}

func (cs connState) String() string {
	if s, ok := connStateTexts[cs]; ok {
		return s
	}
	return fmt.Sprintf("connState(%d)", int32(cs))
}

// Conn is a pooled client connection to a Destination.
//
// Between Pool.Acquire and Release the Conn is owned by exactly one caller,
// which is the only one allowed to read from or write to it. The pool's
// liveness checks only run on idle connections.
type Conn struct {
	net.Conn
	pool         *Pool
	dp           *destPool
	created      time.Time
	serialNumber uint32
	reused       bool
	uses         int
	state        connState // guarded by pool.mu
}

var connNextSerialNumber uint32

func newConn(p *Pool, dp *destPool, nc net.Conn) *Conn {
	return &Conn{
		Conn:         nc,
		pool:         p,
		dp:           dp,
		created:      time.Now(),
		serialNumber: atomic.AddUint32(&connNextSerialNumber, 1),
		state:        connAcquired,
		uses:         1,
	}
}

// Serial returns a string identifying the Conn within this process.
func (conn *Conn) Serial() string {
	return fmt.Sprintf("%04x", conn.serialNumber)
}

func (conn *Conn) String() string {
	return fmt.Sprintf("[Conn %s %v uses=%d]", conn.Serial(), conn.dp.dest, conn.uses)
}

// Reused returns true if the Conn came from the idle list rather than a new dial.
// A reused connection may have been closed by the peer while idle.
func (conn *Conn) Reused() bool {
	return conn.reused
}

// Destination returns where the Conn is connected to.
func (conn *Conn) Destination() Destination {
	return conn.dp.dest
}

// Age returns how long ago the Conn was dialed.
func (conn *Conn) Age() time.Duration {
	return time.Since(conn.created)
}

// Release gives the Conn back to its Pool. If forceClose is true, or the Pool
// is closed, or the Conn is past its lifetime, the socket is closed instead of
// being kept idle. Only the first call has any effect.
func (conn *Conn) Release(forceClose bool) {
	conn.pool.release(conn, forceClose)
}
