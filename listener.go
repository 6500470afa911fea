// Copyright 2026 szawaski. All rights reserved.
// Use of this source code is governed by the MIT license, see the LICENSE file.

package zerra

import (
	"context"
	"log/slog"
	"net"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/pkg/errors"
	"golang.org/x/sync/errgroup"
)

// ConnHandler serves one accepted connection. Work that must finish before the
// connection's admission slot is released, but that should not hold up the
// handler, is started with h.Go.
type ConnHandler func(c net.Conn, h *Handoff)

// Handoff tracks background work started on behalf of a connection, and
// whether the connection is idle between requests.
type Handoff struct {
	wg      sync.WaitGroup
	mu      sync.Mutex
	conn    net.Conn
	idle    bool
	closing bool
}

// Go runs fn in a new goroutine tracked by h.
func (h *Handoff) Go(fn func()) {
	h.wg.Add(1)
	go func() {
		defer h.wg.Done()
		fn()
	}()
}

// Wait waits for all work started with Go to finish.
func (h *Handoff) Wait() {
	h.wg.Wait()
}

// Idle marks the connection as waiting for its next request. An idle
// connection is closed when the Listener closes. Idle returns false if the
// Listener is already closing, in which case no further request should be read.
func (h *Handoff) Idle() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.idle = !h.closing
	return h.idle
}

// Busy marks the connection as serving a request.
func (h *Handoff) Busy() {
	h.mu.Lock()
	h.idle = false
	h.mu.Unlock()
}

func (h *Handoff) shutdown() {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.closing = true
	if h.idle && h.conn != nil {
		_ = h.conn.Close()
	}
}

// tcpKeepAliveListener sets TCP keep-alive timeouts on accepted
// network connections, so dead network connections eventually go away.
type tcpKeepAliveListener struct {
	*net.TCPListener
}

func (ln tcpKeepAliveListener) Accept() (net.Conn, error) {
	tc, err := ln.AcceptTCP()
	if err != nil {
		return nil, err
	}
	_ = tc.SetKeepAlive(true)
	_ = tc.SetKeepAlivePeriod(3 * time.Minute)
	return tc, nil
}

// ListenAddresses expands a listen address list. Entries are separated by
// semicolons; each is "host:port", ":port", "host" or "port". A host of "+"
// or an empty host binds all interfaces. A missing port means DefaultPort.
func ListenAddresses(addr string) (addrs []string, err error) {
	for _, part := range strings.Split(addr, ";") {
		if part = strings.TrimSpace(part); part == "" {
			continue
		}
		host, port, splitErr := net.SplitHostPort(part)
		if splitErr != nil {
			if _, atoiErr := strconv.Atoi(part); atoiErr == nil {
				host, port = "", part
			} else {
				host, port = strings.TrimSuffix(strings.TrimPrefix(part, "["), "]"), ""
			}
		}
		if host == "+" || host == "*" {
			host = ""
		}
		if port == "" {
			port = strconv.Itoa(DefaultPort)
		}
		if n, atoiErr := strconv.Atoi(port); atoiErr != nil || n < 0 || n > 0xffff {
			return nil, errors.Errorf("listen address %q has invalid port", part)
		}
		addrs = append(addrs, net.JoinHostPort(host, port))
	}
	if len(addrs) == 0 {
		addrs = append(addrs, net.JoinHostPort("", strconv.Itoa(DefaultPort)))
	}
	return
}

// Listener accepts connections on one or more addresses and hands each to
// Handler, admitting at most MaxConnections at a time.
//
// Each connection holds an admission slot until Handler has returned and all
// work it started with Handoff.Go has finished.
type Listener struct {
	Addr           string          // semicolon separated listen addresses, see ListenAddresses
	MaxConnections int             // DefaultMaxConnections if zero
	Counter        *ReceiveCounter // optional lifetime limit on accepted connections
	Handler        ConnHandler     // connection handler to invoke
	Logger         *slog.Logger    // slog.Default() if nil

	mu        sync.Mutex
	listeners []net.Listener
	conns     map[net.Conn]*Handoff
	slots     chan struct{}
	doneChan  chan struct{}
	serving   sync.WaitGroup
}

func (l *Listener) logger() *slog.Logger {
	if l.Logger != nil {
		return l.Logger
	}
	return slog.Default()
}

func (l *Listener) getDoneChan() <-chan struct{} {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.getDoneChanLocked()
}

func (l *Listener) getDoneChanLocked() chan struct{} {
	if l.doneChan == nil {
		l.doneChan = make(chan struct{})
	}
	return l.doneChan
}

func (l *Listener) getSlots() chan struct{} {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.slots == nil {
		maxConns := l.MaxConnections
		if maxConns < 1 {
			maxConns = DefaultMaxConnections
		}
		l.slots = make(chan struct{}, maxConns)
	}
	return l.slots
}

// Open binds all listen addresses. If any fails, none stay bound.
func (l *Listener) Open() error {
	addrs, err := ListenAddresses(l.Addr)
	if err != nil {
		return err
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	select {
	case <-l.getDoneChanLocked():
		return errors.WithStack(ErrServerClosed)
	default:
	}
	if len(l.listeners) > 0 {
		return errors.New("listener already open")
	}
	var bound []net.Listener
	for _, addr := range addrs {
		ln, err := net.Listen("tcp", addr)
		if err != nil {
			for _, b := range bound {
				_ = b.Close()
			}
			return errors.Wrapf(err, "listen %s", addr)
		}
		if tl, ok := ln.(*net.TCPListener); ok {
			ln = tcpKeepAliveListener{tl}
		}
		bound = append(bound, ln)
	}
	l.listeners = bound
	return nil
}

// Addrs returns the bound addresses, valid after Open.
func (l *Listener) Addrs() (addrs []net.Addr) {
	l.mu.Lock()
	defer l.mu.Unlock()
	for _, ln := range l.listeners {
		addrs = append(addrs, ln.Addr())
	}
	return
}

// Serve runs one accept loop per bound address, calling Open first if needed.
// It returns nil once the receive counter has stopped all loops, and
// ErrServerClosed after Close.
func (l *Listener) Serve() error {
	if l.Handler == nil {
		return errors.New("listener has no handler")
	}
	l.mu.Lock()
	opened := len(l.listeners) > 0
	l.mu.Unlock()
	if !opened {
		if err := l.Open(); err != nil {
			return err
		}
	}
	l.mu.Lock()
	listeners := append([]net.Listener(nil), l.listeners...)
	l.mu.Unlock()

	g, ctx := errgroup.WithContext(context.Background())
	stopped := make(chan struct{})
	for _, ln := range listeners {
		ln := ln
		g.Go(func() error { return l.acceptLoop(ln) })
	}
	go func() {
		select {
		case <-ctx.Done():
			_ = l.closeListeners()
		case <-stopped:
		}
	}()
	err := g.Wait()
	close(stopped)
	return err
}

func (l *Listener) acceptLoop(ln net.Listener) error {
	var tempDelay time.Duration // how long to sleep on accept failure
	slots := l.getSlots()
	done := l.getDoneChan()
	for {
		select {
		case slots <- struct{}{}:
		case <-done:
			return errors.WithStack(ErrServerClosed)
		}
		rwc, err := ln.Accept()
		if err != nil {
			<-slots
			select {
			case <-done:
				return errors.WithStack(ErrServerClosed)
			default:
			}
			if l.Counter.Stopped() {
				return nil
			}
			if ne, ok := err.(net.Error); ok && ne.Temporary() { //nolint:staticcheck
				if tempDelay == 0 {
					tempDelay = 5 * time.Millisecond
				} else {
					tempDelay *= 2
				}
				if max := 1 * time.Second; tempDelay > max {
					tempDelay = max
				}
				time.Sleep(tempDelay)
				continue
			}
			return errors.WithStack(err)
		}
		if !l.Counter.BeginReceive() {
			// arrived past the limit on another address
			_ = rwc.Close()
			<-slots
			_ = l.closeListeners()
			return nil
		}
		tempDelay = 0
		h := &Handoff{conn: rwc}
		l.trackConn(rwc, h)
		l.serving.Add(1)
		go l.serveConn(rwc, h, slots)
		if l.Counter.Stopped() {
			l.logger().Info("receive limit reached, no longer accepting", "addr", ln.Addr().String())
			_ = l.closeListeners()
			return nil
		}
	}
}

func (l *Listener) serveConn(rwc net.Conn, h *Handoff, slots chan struct{}) {
	defer func() {
		h.Wait()
		l.trackConn(rwc, nil)
		l.Counter.CompleteReceive()
		<-slots
		l.serving.Done()
	}()
	l.Handler(rwc, h)
}

// trackConn registers c with its Handoff, or removes it if h is nil.
func (l *Listener) trackConn(c net.Conn, h *Handoff) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if h == nil {
		delete(l.conns, c)
		return
	}
	if l.conns == nil {
		l.conns = make(map[net.Conn]*Handoff)
	}
	l.conns[c] = h
	select {
	case <-l.getDoneChanLocked():
		h.closing = true
	default:
	}
}

func (l *Listener) closeListeners() (err error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	for _, ln := range l.listeners {
		if cerr := ln.Close(); cerr != nil && err == nil && !isClosedError(cerr) {
			err = cerr
		}
	}
	return
}

// Close stops accepting and closes the listening sockets. Idle connections
// are closed; requests in progress are left to finish, after which their
// connections close.
func (l *Listener) Close() error {
	l.mu.Lock()
	done := l.getDoneChanLocked()
	select {
	case <-done:
	default:
		close(done)
	}
	for _, h := range l.conns {
		h.shutdown()
	}
	l.mu.Unlock()
	return l.closeListeners()
}

// Shutdown closes the Listener and waits for connections being served to
// finish. If ctx ends first, the remaining connections are closed and the
// context error is returned without waiting for their handlers.
func (l *Listener) Shutdown(ctx context.Context) error {
	err := l.Close()
	finished := make(chan struct{})
	go func() {
		l.serving.Wait()
		close(finished)
	}()
	select {
	case <-finished:
		return err
	case <-ctx.Done():
		l.mu.Lock()
		for c := range l.conns {
			_ = c.Close()
		}
		l.mu.Unlock()
		return errors.WithStack(ctx.Err())
	}
}

// Active returns the number of connections holding an admission slot.
func (l *Listener) Active() int {
	return len(l.getSlots())
}
