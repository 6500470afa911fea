// Copyright 2026 szawaski. All rights reserved.
// Use of this source code is governed by the MIT license, see the LICENSE file.

package zerra

import (
	"context"
	"log/slog"
	"net"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/pkg/errors"
)

// Pool keeps idle client connections per Destination and bounds how many
// connections may be in use to each of them.
//
// The zero value is ready to use. Settings must not be changed after the
// first call to Acquire.
type Pool struct {
	MaxConnectionsPerDestination int           // DefaultMaxConnectionsPerDestination if zero
	MaxLifetime                  time.Duration // DefaultMaxLifetime if zero
	SweepInterval                time.Duration // DefaultSweepInterval if zero
	DNSTimeout                   time.Duration // DefaultDNSTimeout if zero
	DialTimeout                  time.Duration // DefaultDialTimeout if zero
	Resolver                     *net.Resolver // net.DefaultResolver if nil
	Logger                       *slog.Logger  // slog.Default() if nil

	mu       sync.Mutex
	dests    map[string]*destPool
	closed   bool
	doneChan chan struct{}
	sweepWg  sync.WaitGroup
	dials    int64 // atomic
}

// destPool is the state for one Destination. All but slots are guarded by Pool.mu.
type destPool struct {
	dest  Destination
	slots chan struct{} // one entry per acquired connection
	idle  []*Conn       // most recently released last
	open  int           // idle plus acquired
}

// NewPool returns a Pool with default settings.
func NewPool() *Pool {
	return &Pool{}
}

func (p *Pool) maxPerDestination() int {
	if p.MaxConnectionsPerDestination > 0 {
		return p.MaxConnectionsPerDestination
	}
	return DefaultMaxConnectionsPerDestination
}

func (p *Pool) maxLifetime() time.Duration {
	if p.MaxLifetime > 0 {
		return p.MaxLifetime
	}
	return DefaultMaxLifetime
}

func (p *Pool) sweepInterval() time.Duration {
	if p.SweepInterval > 0 {
		return p.SweepInterval
	}
	return DefaultSweepInterval
}

func (p *Pool) dnsTimeout() time.Duration {
	if p.DNSTimeout > 0 {
		return p.DNSTimeout
	}
	return DefaultDNSTimeout
}

func (p *Pool) dialTimeout() time.Duration {
	if p.DialTimeout > 0 {
		return p.DialTimeout
	}
	return DefaultDialTimeout
}

func (p *Pool) resolver() *net.Resolver {
	if p.Resolver != nil {
		return p.Resolver
	}
	return net.DefaultResolver
}

func (p *Pool) logger() *slog.Logger {
	if p.Logger != nil {
		return p.Logger
	}
	return slog.Default()
}

func (p *Pool) getDoneChanLocked() chan struct{} {
	if p.doneChan == nil {
		p.doneChan = make(chan struct{})
	}
	return p.doneChan
}

// destination returns the destPool for dest, creating it and starting the
// sweeper as needed.
func (p *Pool) destination(dest Destination) (*destPool, <-chan struct{}, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return nil, nil, errors.WithStack(ErrPoolClosed)
	}
	done := p.getDoneChanLocked()
	if p.dests == nil {
		p.dests = make(map[string]*destPool)
		p.sweepWg.Add(1)
		go p.sweeper(done)
	}
	key := dest.Key()
	dp := p.dests[key]
	if dp == nil {
		dp = &destPool{
			dest:  dest,
			slots: make(chan struct{}, p.maxPerDestination()),
		}
		p.dests[key] = dp
	}
	return dp, done, nil
}

// Acquire returns a connection to dest that has had initial written to it.
//
// It waits for one of the destination's slots, then tries idle connections
// most recently used first. An idle connection that fails the liveness check
// or the initial write is closed and the next one is tried. When no idle
// connection is usable a new one is dialed.
//
// A failure to connect is returned as a *ConnectionError.
func (p *Pool) Acquire(ctx context.Context, dest Destination, initial []byte) (*Conn, error) {
	return p.acquire(ctx, dest, initial, false)
}

// acquire is Acquire, but if fresh is true the idle connections to dest are
// closed and a new connection is always dialed. It is used after a reused
// connection turned out to be stale, which means the others likely are too.
func (p *Pool) acquire(ctx context.Context, dest Destination, initial []byte, fresh bool) (*Conn, error) {
	dp, done, err := p.destination(dest)
	if err != nil {
		return nil, err
	}
	select {
	case dp.slots <- struct{}{}:
	case <-done:
		return nil, errors.WithStack(ErrPoolClosed)
	case <-ctx.Done():
		return nil, errors.WithStack(ctx.Err())
	}
	if fresh {
		p.closeIdle(dp)
	}
	conn, err := p.acquireSlotted(ctx, dp, initial)
	if err != nil {
		<-dp.slots
	}
	return conn, err
}

func (p *Pool) acquireSlotted(ctx context.Context, dp *destPool, initial []byte) (*Conn, error) {
	for {
		conn, err := p.takeIdle(dp)
		if err != nil {
			return nil, err
		}
		if conn == nil {
			break
		}
		if err = connCheck(conn.Conn); err == nil {
			if err = writeInitial(conn.Conn, initial); err == nil {
				return conn, nil
			}
		}
		p.logger().Debug("discarding idle connection", "conn", conn.String(), "err", err)
		p.discard(conn)
	}
	return p.dial(ctx, dp, initial)
}

func writeInitial(c net.Conn, initial []byte) error {
	if len(initial) == 0 {
		return nil
	}
	_, err := c.Write(initial)
	return errors.WithStack(err)
}

// takeIdle pops the most recently released idle connection, if any. Once
// taken the sweeper no longer sees it, so it can be checked without the lock.
func (p *Pool) takeIdle(dp *destPool) (*Conn, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return nil, errors.WithStack(ErrPoolClosed)
	}
	n := len(dp.idle)
	if n == 0 {
		return nil, nil
	}
	conn := dp.idle[n-1]
	dp.idle[n-1] = nil
	dp.idle = dp.idle[:n-1]
	conn.state = connAcquired
	conn.reused = true
	conn.uses++
	return conn, nil
}

// discard closes an acquired connection without giving up its slot.
func (p *Pool) discard(conn *Conn) {
	p.mu.Lock()
	if conn.state == connClosed {
		p.mu.Unlock()
		return
	}
	conn.state = connClosed
	conn.dp.open--
	p.mu.Unlock()
	_ = conn.Conn.Close()
}

// closeIdle closes all idle connections to a destination.
func (p *Pool) closeIdle(dp *destPool) {
	p.mu.Lock()
	idle := dp.idle
	dp.idle = nil
	for _, conn := range idle {
		conn.state = connClosed
		dp.open--
	}
	p.mu.Unlock()
	for _, conn := range idle {
		_ = conn.Conn.Close()
	}
}

// resolve returns the addresses to try for host, in resolver order.
func (p *Pool) resolve(ctx context.Context, host string) ([]string, error) {
	if ip := net.ParseIP(host); ip != nil {
		return []string{host}, nil
	}
	ctx, cancel := context.WithTimeout(ctx, p.dnsTimeout())
	defer cancel()
	addrs, err := p.resolver().LookupHost(ctx, host)
	if err == nil && len(addrs) == 0 {
		err = errors.Errorf("no addresses for %q", host)
	}
	return addrs, errors.WithStack(err)
}

func (p *Pool) dial(ctx context.Context, dp *destPool, initial []byte) (*Conn, error) {
	addrs, err := p.resolve(ctx, dp.dest.Host)
	if err != nil {
		return nil, errors.WithStack(&ConnectionError{Destination: dp.dest.String(), Err: err})
	}
	port := strconv.Itoa(dp.dest.Port)
	dialer := net.Dialer{KeepAlive: 3 * time.Minute}
	var lastErr error
	for _, addr := range addrs {
		if ctx.Err() != nil {
			lastErr = ctx.Err()
			break
		}
		dctx, cancel := context.WithTimeout(ctx, p.dialTimeout())
		nc, err := dialer.DialContext(dctx, "tcp", net.JoinHostPort(addr, port))
		cancel()
		if err != nil {
			lastErr = err
			continue
		}
		atomic.AddInt64(&p.dials, 1)
		if err = writeInitial(nc, initial); err != nil {
			_ = nc.Close()
			lastErr = err
			continue
		}
		p.mu.Lock()
		if p.closed {
			p.mu.Unlock()
			_ = nc.Close()
			return nil, errors.WithStack(ErrPoolClosed)
		}
		conn := newConn(p, dp, nc)
		dp.open++
		p.mu.Unlock()
		return conn, nil
	}
	return nil, errors.WithStack(&ConnectionError{Destination: dp.dest.String(), Err: lastErr})
}

func (p *Pool) release(conn *Conn, forceClose bool) {
	if !forceClose {
		forceClose = conn.Conn.SetDeadline(time.Time{}) != nil
	}
	p.mu.Lock()
	if conn.state != connAcquired {
		p.mu.Unlock()
		return
	}
	dp := conn.dp
	if forceClose || p.closed || conn.Age() > p.maxLifetime() {
		conn.state = connClosed
		dp.open--
		p.mu.Unlock()
		_ = conn.Conn.Close()
	} else {
		conn.state = connIdle
		dp.idle = append(dp.idle, conn)
		p.mu.Unlock()
	}
	<-dp.slots
}

func (p *Pool) sweeper(done <-chan struct{}) {
	defer p.sweepWg.Done()
	ticker := time.NewTicker(p.sweepInterval())
	defer ticker.Stop()
	for {
		select {
		case <-done:
			return
		case <-ticker.C:
			p.Sweep()
		}
	}
}

// Sweep closes idle connections that are past MaxLifetime or fail the
// liveness check. It returns the number of connections closed.
// It runs every SweepInterval on its own.
func (p *Pool) Sweep() int {
	var dead []*Conn
	maxLifetime := p.maxLifetime()
	p.mu.Lock()
	for _, dp := range p.dests {
		kept := dp.idle[:0]
		for _, conn := range dp.idle {
			if conn.Age() > maxLifetime || connCheck(conn.Conn) != nil {
				conn.state = connClosed
				dp.open--
				dead = append(dead, conn)
			} else {
				kept = append(kept, conn)
			}
		}
		for i := len(kept); i < len(dp.idle); i++ {
			dp.idle[i] = nil
		}
		dp.idle = kept
	}
	p.mu.Unlock()
	for _, conn := range dead {
		_ = conn.Conn.Close()
	}
	if len(dead) > 0 {
		p.logger().Debug("pool sweep", "closed", len(dead))
	}
	return len(dead)
}

// Dials returns the number of connections established so far.
func (p *Pool) Dials() int64 {
	return atomic.LoadInt64(&p.dials)
}

// OpenConnections returns the number of idle and acquired connections to dest.
func (p *Pool) OpenConnections(dest Destination) int {
	p.mu.Lock()
	defer p.mu.Unlock()
	if dp := p.dests[dest.Key()]; dp != nil {
		return dp.open
	}
	return 0
}

// IdleConnections returns the number of idle connections to dest.
func (p *Pool) IdleConnections(dest Destination) int {
	p.mu.Lock()
	defer p.mu.Unlock()
	if dp := p.dests[dest.Key()]; dp != nil {
		return len(dp.idle)
	}
	return 0
}

// Close closes all idle connections and stops the sweeper. Waiting and future
// calls to Acquire fail with ErrPoolClosed. Acquired connections are closed
// when they are released.
func (p *Pool) Close() error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil
	}
	p.closed = true
	close(p.getDoneChanLocked())
	var idle []*Conn
	for _, dp := range p.dests {
		for _, conn := range dp.idle {
			conn.state = connClosed
			dp.open--
		}
		idle = append(idle, dp.idle...)
		dp.idle = nil
	}
	p.mu.Unlock()
	var err error
	for _, conn := range idle {
		if cerr := conn.Conn.Close(); cerr != nil && err == nil && !isClosedError(cerr) {
			err = cerr
		}
	}
	p.sweepWg.Wait()
	return errors.WithStack(err)
}
