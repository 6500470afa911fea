// Copyright 2026 szawaski. All rights reserved.
// Use of this source code is governed by the MIT license, see the LICENSE file.

package zerra

import (
	"bytes"
	"context"
	"net"
	"sync"
	"time"
)

// abortMonitor watches a server connection while a handler runs.
//
// The protocol is strictly request then response, so while the handler runs
// the monitor is the only reader of the connection and nobody writes to it.
// Any byte received in that window is the client cancelling the call.
type abortMonitor struct {
	conn       net.Conn
	cancel     context.CancelFunc
	done       chan struct{}
	mu         sync.Mutex
	aborted    bool
	peerClosed bool
}

// startAbortMonitor returns a context that is cancelled when the peer sends
// the abort byte or closes the connection. leftover is data already read past
// the end of the request body; an abort byte there fires the monitor at once.
func startAbortMonitor(ctx context.Context, conn net.Conn, leftover []byte) (context.Context, *abortMonitor) {
	ctx, cancel := context.WithCancel(ctx)
	am := &abortMonitor{
		conn:   conn,
		cancel: cancel,
		done:   make(chan struct{}),
	}
	if bytes.IndexByte(leftover, AbortByte) >= 0 {
		am.aborted = true
		cancel()
		close(am.done)
		return ctx, am
	}
	go am.run()
	return ctx, am
}

func (am *abortMonitor) run() {
	defer close(am.done)
	var one [1]byte
	n, err := am.conn.Read(one[:])
	am.mu.Lock()
	defer am.mu.Unlock()
	switch {
	case n > 0:
		am.aborted = true
	case err != nil && !isTimeoutError(err):
		am.peerClosed = true
	default:
		return
	}
	am.cancel()
}

// stop ends the monitor and reports whether the peer aborted the call or went
// away. The connection's read deadline is cleared afterwards.
func (am *abortMonitor) stop() (aborted, peerClosed bool) {
	select {
	case <-am.done:
	default:
		_ = am.conn.SetReadDeadline(time.Now())
		<-am.done
		_ = am.conn.SetReadDeadline(time.Time{})
	}
	am.mu.Lock()
	defer am.mu.Unlock()
	am.cancel()
	return am.aborted, am.peerClosed
}

// startAliveMonitor returns a context that is cancelled when a poll of conn
// finds it closed by the peer, or finds unexpected data on it. It is used
// while the server streams a response, when the abort monitor cannot read.
// The returned stop function must be called.
func startAliveMonitor(ctx context.Context, conn net.Conn, interval time.Duration) (context.Context, func()) {
	if interval <= 0 {
		interval = DefaultAliveInterval
	}
	ctx, cancel := context.WithCancel(ctx)
	done := make(chan struct{})
	finished := make(chan struct{})
	go func() {
		defer close(finished)
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-done:
				return
			case <-ctx.Done():
				return
			case <-ticker.C:
				if connCheck(conn) != nil {
					cancel()
					return
				}
			}
		}
	}()
	return ctx, func() {
		close(done)
		<-finished
		cancel()
	}
}
