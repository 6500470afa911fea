// Copyright 2026 szawaski. All rights reserved.
// Use of this source code is governed by the MIT license, see the LICENSE file.

package zerra

import (
	"context"
	"log/slog"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/pkg/errors"
	"golang.org/x/sync/semaphore"
)

// Server listens for connections and dispatches the queries, commands and
// events arriving on them to the registered handlers.
//
// Framing, ContentType, Encryptor and Compression must match the clients.
// Settings must not be changed after Open.
type Server struct {
	Addr           string          // listen addresses, see ListenAddresses
	Framing        Framing         // wire framing
	ContentType    ContentType     // required request content type
	Handlers       *HandlerTable   // handlers to dispatch to
	Registry       *Registry       // error types sent in exception envelopes
	Encryptor      Encryptor       // optional body encryption
	Compression    bool            // zstd body compression
	Authorizer     Authorizer      // optional; if nil, claims from the envelope are trusted
	AllowOrigins   []string        // CORS origins allowed with FramingHTTP, "*" allows all
	Counter        *ReceiveCounter // optional lifetime limit on accepted connections
	MaxConnections int             // DefaultMaxConnections if zero
	Hook           DispatchHook    // optional dispatch observer
	Logger         *slog.Logger    // slog.Default() if nil
	ReadTimeout    time.Duration   // read timeout for a request, including the wait for it
	WriteTimeout   time.Duration   // write timeout for a response
	AliveInterval  time.Duration   // peer poll interval while streaming, DefaultAliveInterval if zero

	mu            sync.Mutex
	ln            *Listener
	ser           Serializer
	throttle      *semaphore.Weighted
	baseCtx       context.Context
	cancelBase    context.CancelFunc
	serveErrorsMu sync.Mutex
	serveErrors   map[string]int
	bytesWritten  int64
	bytesRead     int64
	netLog        int32
}

// NewServer returns a Server with the raw framing and bytes content type.
func NewServer(addr string, handlers *HandlerTable) *Server {
	return &Server{
		Addr:        addr,
		Framing:     FramingRaw,
		ContentType: ContentTypeBytes,
		Handlers:    handlers,
	}
}

func (srv *Server) logger() *slog.Logger {
	if srv.Logger != nil {
		return srv.Logger
	}
	return slog.Default()
}

// Open seals the handler table and binds the listen addresses.
func (srv *Server) Open() error {
	srv.mu.Lock()
	defer srv.mu.Unlock()
	if srv.ln != nil {
		return errors.New("server already open")
	}
	if srv.Handlers == nil {
		return errors.New("server has no handlers")
	}
	ser, err := SerializerFor(srv.ContentType)
	if err != nil {
		return err
	}
	srv.Handlers.Seal()
	srv.ser = ser
	srv.throttle = semaphore.NewWeighted(int64(srv.Handlers.MaxConcurrency()))
	srv.baseCtx, srv.cancelBase = context.WithCancel(context.Background())
	ln := &Listener{
		Addr:           srv.Addr,
		MaxConnections: srv.MaxConnections,
		Counter:        srv.Counter,
		Handler:        srv.serveConn,
		Logger:         srv.Logger,
	}
	if err = ln.Open(); err != nil {
		return err
	}
	srv.ln = ln
	srv.serveErrorsMu.Lock()
	srv.serveErrors = make(map[string]int)
	srv.serveErrorsMu.Unlock()
	return nil
}

func (srv *Server) listener() *Listener {
	srv.mu.Lock()
	defer srv.mu.Unlock()
	return srv.ln
}

// Serve accepts connections until Close, or until the receive counter stops
// accepting. It calls Open first if needed.
func (srv *Server) Serve() error {
	ln := srv.listener()
	if ln == nil {
		if err := srv.Open(); err != nil {
			return err
		}
		ln = srv.listener()
	}
	srv.logger().Info("serving", "addrs", addrStrings(ln.Addrs()), "framing", srv.Framing, "contenttype", srv.ContentType)
	return ln.Serve()
}

// ListenAndServe is Open followed by Serve.
func (srv *Server) ListenAndServe() error {
	if err := srv.Open(); err != nil {
		return err
	}
	return srv.Serve()
}

// Addrs returns the bound addresses.
func (srv *Server) Addrs() []net.Addr {
	if ln := srv.listener(); ln != nil {
		return ln.Addrs()
	}
	return nil
}

// Close stops accepting connections. Requests in progress are allowed to finish.
func (srv *Server) Close() error {
	if ln := srv.listener(); ln != nil {
		return ln.Close()
	}
	return nil
}

// Shutdown stops accepting connections and waits for those being served,
// including background command and event handlers, to finish. If ctx ends
// first, connections are closed and handlers see their context cancelled.
func (srv *Server) Shutdown(ctx context.Context) error {
	ln := srv.listener()
	if ln == nil {
		return nil
	}
	err := ln.Shutdown(ctx)
	if err != nil {
		srv.cancelBase()
	}
	return err
}

// Active returns the number of connections being served.
func (srv *Server) Active() int {
	if ln := srv.listener(); ln != nil {
		return ln.Active()
	}
	return 0
}

// NetLog enables or disables debug logging of every request and of
// connection state changes.
func (srv *Server) NetLog(state bool) {
	var v int32
	if state {
		v = 1
	}
	atomic.StoreInt32(&srv.netLog, v)
}

func (srv *Server) netLogging() bool {
	return atomic.LoadInt32(&srv.netLog) != 0
}

func (srv *Server) recordServeError(err error) {
	srv.serveErrorsMu.Lock()
	defer srv.serveErrorsMu.Unlock()
	if srv.serveErrors == nil {
		srv.serveErrors = make(map[string]int)
	}
	srv.serveErrors[errors.Cause(err).Error()]++
}

// ServeErrors returns a copy of the serve errors map
func (srv *Server) ServeErrors() map[string]int {
	srv.serveErrorsMu.Lock()
	defer srv.serveErrorsMu.Unlock()
	m := make(map[string]int)
	for k, v := range srv.serveErrors {
		m[k] = v
	}
	return m
}

// AddBytesWritten adds n to the number of bytes written statistic.
func (srv *Server) AddBytesWritten(n int64) {
	atomic.AddInt64(&srv.bytesWritten, n)
}

// BytesWritten returns the current number of bytes written.
func (srv *Server) BytesWritten() int64 {
	return atomic.LoadInt64(&srv.bytesWritten)
}

// AddBytesRead adds n to the number of bytes read statistic.
func (srv *Server) AddBytesRead(n int64) {
	atomic.AddInt64(&srv.bytesRead, n)
}

// BytesRead returns the current number of bytes read.
func (srv *Server) BytesRead() int64 {
	return atomic.LoadInt64(&srv.bytesRead)
}

// originAllowed returns the value for Access-Control-Allow-Origin, or "".
func (srv *Server) originAllowed(origin string) string {
	return allowedOrigin(srv.AllowOrigins, origin)
}

func allowedOrigin(allowOrigins []string, origin string) string {
	if origin == "" {
		return ""
	}
	for _, allowed := range allowOrigins {
		if allowed == "*" || allowed == origin {
			return origin
		}
	}
	return ""
}

// StatsCollector receives byte counts.
type StatsCollector interface {
	AddBytesWritten(n int64)
	AddBytesRead(n int64)
}

// countingConn reports the bytes moved over a net.Conn to a StatsCollector.
type countingConn struct {
	net.Conn
	stats StatsCollector
}

func (c countingConn) Read(p []byte) (n int, err error) {
	n, err = c.Conn.Read(p)
	c.stats.AddBytesRead(int64(n))
	return
}

func (c countingConn) Write(p []byte) (n int, err error) {
	n, err = c.Conn.Write(p)
	c.stats.AddBytesWritten(int64(n))
	return
}

func addrStrings(addrs []net.Addr) (s []string) {
	for _, a := range addrs {
		s = append(s, a.String())
	}
	return
}
