// Copyright 2026 szawaski. All rights reserved.
// Use of this source code is governed by the MIT license, see the LICENSE file.

package zerra

import (
	"bufio"
	"bytes"
	"context"
	"fmt"
	"io"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/pkg/errors"
)

// serverConn serves the requests arriving on one connection, one at a time.
type serverConn struct {
	srv     *Server
	raw     net.Conn // the accepted socket
	conn    net.Conn // raw, counting bytes
	br      *bufio.Reader
	bw      *bufio.Writer
	handoff *Handoff
	buf     []byte // header buffer
	scratch []byte // header encoding buffer
	pending []byte // read past the previous request body
	remote  string
}

// request is what the dispatcher needs from a decoded request header.
type request struct {
	http           *HTTPHeader // nil with FramingRaw
	providerType   string
	contentType    ContentType
	hasContentType bool
	origin         string
	allowOrigin    string
	headers        http.Header
}

func (srv *Server) serveConn(nc net.Conn, h *Handoff) {
	conn := countingConn{Conn: nc, stats: srv}
	sc := &serverConn{
		srv:     srv,
		raw:     nc,
		conn:    conn,
		br:      bufio.NewReader(conn),
		bw:      bufio.NewWriterSize(conn, StreamChunkSize),
		handoff: h,
		buf:     headerBufferAlloc(),
		remote:  nc.RemoteAddr().String(),
	}
	defer sc.close()
	if srv.netLogging() {
		srv.logger().Debug("connection accepted", "remote", sc.remote)
	}
	for sc.serveRequest() {
	}
}

func (sc *serverConn) close() {
	headerBufferFree(sc.buf)
	sc.buf = nil
	_ = sc.raw.Close()
	if sc.srv.netLogging() {
		sc.srv.logger().Debug("connection closed", "remote", sc.remote)
	}
}

func (sc *serverConn) reader() io.Reader {
	if len(sc.pending) > 0 {
		return io.MultiReader(bytes.NewReader(sc.pending), sc.br)
	}
	return sc.br
}

// leftover returns the bytes received but not yet consumed.
func (sc *serverConn) leftover() []byte {
	b := append([]byte(nil), sc.pending...)
	if n := sc.br.Buffered(); n > 0 {
		peek, _ := sc.br.Peek(n)
		b = append(b, peek...)
	}
	return b
}

// drop ends the connection without a response.
func (sc *serverConn) drop(err error) {
	quiet := isClosedError(err) || isTimeoutError(err) || errors.Cause(err) == context.Canceled
	if !quiet {
		sc.srv.recordServeError(err)
	}
	if sc.srv.netLogging() {
		sc.srv.logger().Debug("dropping connection", "remote", sc.remote, "err", err)
	}
}

// serveRequest reads and answers one request. It returns false when the
// connection should be closed.
func (sc *serverConn) serveRequest() bool {
	srv := sc.srv
	if len(sc.pending) == 0 && sc.br.Buffered() == 0 && !sc.handoff.Idle() {
		return false
	}
	if srv.ReadTimeout > 0 {
		_ = sc.conn.SetReadDeadline(time.Now().Add(srv.ReadTimeout))
	}
	header, tail, err := readHeader(sc.reader(), sc.buf, srv.Framing)
	sc.handoff.Busy()
	sc.pending = nil
	if err != nil {
		if err != io.EOF {
			sc.drop(err)
		}
		return false
	}
	req, err := sc.decodeRequestHeader(header)
	if err != nil {
		sc.drop(err)
		return false
	}
	var body BodyStream
	if req.http != nil {
		body = newHTTPReadBody(req.http, sc.br, tail)
		if req.http.IsPreflight() {
			return sc.writePreflight(req, body)
		}
	} else {
		body = NewRawBody(sc.br, nil, tail)
	}
	if err = sc.checkRequest(req); err != nil {
		return sc.reject(req, body, err)
	}
	var env Envelope
	if err = readBody(body, srv.ser, &env, srv.Encryptor, srv.Compression); err != nil {
		sc.drop(err)
		return false
	}
	sc.pending = append(sc.pending, body.Leftover()...)
	if srv.ReadTimeout > 0 {
		_ = sc.conn.SetReadDeadline(time.Time{})
	}
	if req.providerType != "" && req.providerType != env.ProviderType {
		return sc.writeError(req, errors.WithStack(ProtocolError{
			Reason: fmt.Sprintf("header type %q does not match envelope type %q", req.providerType, env.ProviderType),
		}))
	}
	return sc.dispatch(req, &env)
}

func (sc *serverConn) decodeRequestHeader(header []byte) (req *request, err error) {
	if sc.srv.Framing == FramingHTTP {
		hh, err := DecodeHTTPHeader(header)
		if err != nil {
			return nil, err
		}
		if !hh.IsRequest() {
			return nil, errors.WithStack(ProtocolError{Reason: "expected a request"})
		}
		req = &request{
			http:           &hh,
			providerType:   hh.ProviderType,
			contentType:    hh.ContentType,
			hasContentType: hh.HasContentType,
			origin:         hh.Origin,
			allowOrigin:    sc.srv.originAllowed(hh.Origin),
			headers:        hh.Headers,
		}
		if req.headers == nil {
			req.headers = http.Header{}
		}
		return req, nil
	}
	rh, err := DecodeRawHeader(header)
	if err != nil {
		return nil, err
	}
	if rh.IsError {
		return nil, errors.WithStack(ProtocolError{Reason: "error header in request"})
	}
	return &request{
		providerType:   rh.ProviderType,
		contentType:    rh.ContentType,
		hasContentType: true,
		headers:        http.Header{},
	}, nil
}

func (sc *serverConn) checkRequest(req *request) error {
	if !req.hasContentType {
		return errors.WithStack(ProtocolError{Reason: "missing content type"})
	}
	if req.contentType != sc.srv.ContentType {
		return errors.WithStack(ProtocolError{
			Reason: fmt.Sprintf("content type %v, server expects %v", req.contentType, sc.srv.ContentType),
		})
	}
	if req.origin != "" && req.allowOrigin == "" {
		return errors.WithStack(UnauthorizedError{Reason: "origin " + req.origin + " not allowed"})
	}
	return nil
}

// reject discards the request body and answers with err.
func (sc *serverConn) reject(req *request, body BodyStream, err error) bool {
	if cerr := body.Close(); cerr != nil {
		sc.drop(cerr)
		return false
	}
	sc.pending = append(sc.pending, body.Leftover()...)
	if sc.srv.ReadTimeout > 0 {
		_ = sc.conn.SetReadDeadline(time.Time{})
	}
	if sc.srv.netLogging() {
		sc.srv.logger().Debug("request rejected", "remote", sc.remote, "err", err)
	}
	return sc.writeError(req, err)
}

func (sc *serverConn) metadata(req *request) map[string]string {
	if req.http == nil {
		return nil
	}
	md := make(map[string]string, len(req.headers))
	for k, v := range req.headers {
		if len(v) > 0 {
			md[strings.ToLower(k)] = v[0]
		}
	}
	return md
}

func (sc *serverConn) dispatch(req *request, env *Envelope) bool {
	srv := sc.srv
	ctx := srv.baseCtx
	info := DispatchInfo{
		Kind:         env.Kind,
		RequestID:    env.RequestID,
		ProviderType: env.ProviderType,
		MethodName:   env.MethodName,
		AwaitMode:    env.AwaitMode,
		Source:       env.Source,
		Framing:      srv.Framing,
		RemoteAddr:   sc.remote,
		Metadata:     sc.metadata(req),
	}
	if srv.netLogging() {
		srv.logger().Debug("request", "remote", sc.remote, "envelope", env.String())
	}
	if srv.Authorizer != nil {
		if err := srv.Authorizer.Authorize(req.headers); err != nil {
			return sc.writeError(req, err)
		}
	} else if len(env.Claims) > 0 {
		ctx = WithClaims(ctx, env.Claims)
	}

	if err := srv.throttle.Acquire(ctx, 1); err != nil {
		sc.drop(err)
		return false
	}

	switch env.Kind {
	case KindQuery:
		fn, err := srv.Handlers.query(env.ProviderType, env.MethodName)
		if err != nil {
			srv.throttle.Release(1)
			return sc.writeError(req, err)
		}
		result, aborted, err := sc.invoke(ctx, info, func(ctx context.Context) (interface{}, error) {
			return fn(ctx, srv.ser, env.Arguments)
		})
		srv.throttle.Release(1)
		if aborted {
			return false
		}
		if err != nil {
			return sc.writeError(req, err)
		}
		if r, ok := result.(io.Reader); ok {
			return sc.writeStream(ctx, req, r)
		}
		return sc.writeResult(req, result, true)

	case KindCommand, KindEvent:
		e, err := srv.Handlers.message(env.Kind, env.ProviderType)
		if err != nil {
			srv.throttle.Release(1)
			return sc.writeError(req, err)
		}
		mode := env.AwaitMode
		if env.Kind == KindEvent {
			mode = AwaitNone
		}
		data := env.MessageData
		run := func(ctx context.Context) (interface{}, error) {
			return e.handle(ctx, srv.ser, data)
		}
		switch mode {
		case AwaitResult:
			if !e.hasResult {
				srv.throttle.Release(1)
				return sc.writeError(req, ProtocolError{Reason: fmt.Sprintf("command %s has no result", e.name)})
			}
			result, aborted, err := sc.invoke(ctx, info, run)
			srv.throttle.Release(1)
			if aborted {
				return false
			}
			if err != nil {
				return sc.writeError(req, err)
			}
			return sc.writeResult(req, result, true)
		case AwaitCompletion:
			_, aborted, err := sc.invoke(ctx, info, run)
			srv.throttle.Release(1)
			if aborted {
				return false
			}
			if err != nil {
				return sc.writeError(req, err)
			}
			return sc.writeResult(req, nil, false)
		default:
			sc.handoff.Go(func() {
				defer srv.throttle.Release(1)
				hctx, token := sc.hookStart(ctx, info)
				_, err := callHandler(hctx, run)
				sc.hookEnd(hctx, token, info, err)
				if err != nil {
					srv.recordServeError(err)
					srv.logger().Warn("background handler failed",
						"kind", info.Kind.String(), "type", info.ProviderType, "requestid", info.RequestID, "err", err)
				}
			})
			return sc.writeResult(req, nil, false)
		}
	}
	srv.throttle.Release(1)
	return sc.writeError(req, ProtocolError{Reason: "unknown message kind " + env.Kind.String()})
}

func (sc *serverConn) hookStart(ctx context.Context, info DispatchInfo) (context.Context, HookToken) {
	if sc.srv.Hook == nil {
		return ctx, nil
	}
	return sc.srv.Hook.OnDispatchStart(ctx, info)
}

func (sc *serverConn) hookEnd(ctx context.Context, token HookToken, info DispatchInfo, err error) {
	if sc.srv.Hook != nil {
		sc.srv.Hook.OnDispatchEnd(ctx, token, info, err)
	}
}

// callHandler runs fn, turning a panic into an error.
func callHandler(ctx context.Context, fn func(context.Context) (interface{}, error)) (result interface{}, err error) {
	defer func() {
		if r := recover(); r != nil {
			result = nil
			err = errors.Errorf("handler panic: %v", r)
		}
	}()
	return fn(ctx)
}

// invoke runs a handler under the abort monitor. If the peer cancelled the
// call or went away, aborted is true and there must be no response.
func (sc *serverConn) invoke(ctx context.Context, info DispatchInfo, fn func(context.Context) (interface{}, error)) (result interface{}, aborted bool, err error) {
	hctx, token := sc.hookStart(ctx, info)
	mctx, am := startAbortMonitor(hctx, sc.conn, sc.leftover())
	result, err = callHandler(mctx, fn)
	abortSeen, peerClosed := am.stop()
	if abortSeen || peerClosed {
		if c, ok := result.(io.Closer); ok {
			_ = c.Close()
		}
		info.Aborted = true
		sc.srv.logger().Info("request canceled by peer",
			"method", info.Method(), "requestid", info.RequestID, "remote", sc.remote, "peerclosed", peerClosed)
		sc.hookEnd(hctx, token, info, context.Canceled)
		return nil, true, nil
	}
	sc.hookEnd(hctx, token, info, err)
	return result, false, err
}

// beginResponse writes the response header and returns the response body.
func (sc *serverConn) beginResponse(req *request, isError bool) BodyStream {
	if sc.srv.WriteTimeout > 0 {
		_ = sc.conn.SetWriteDeadline(time.Now().Add(sc.srv.WriteTimeout))
	}
	if req.http != nil {
		h := NewHTTPResponseHeader(isError, sc.srv.ContentType)
		if req.allowOrigin != "" {
			h.Headers = http.Header{HeaderAllowOrigin: {req.allowOrigin}}
		}
		sc.scratch = h.AppendTo(sc.scratch[:0])
		_, _ = sc.bw.Write(sc.scratch)
		return NewChunkedBody(nil, sc.bw, nil)
	}
	sc.scratch = RawHeader{IsError: isError, ContentType: sc.srv.ContentType}.AppendTo(sc.scratch[:0])
	_, _ = sc.bw.Write(sc.scratch)
	return NewRawBody(nil, sc.bw, nil)
}

func (sc *serverConn) endResponse(err error) bool {
	if sc.srv.WriteTimeout > 0 {
		_ = sc.conn.SetWriteDeadline(time.Time{})
	}
	if err != nil {
		sc.drop(err)
		return false
	}
	return true
}

func (sc *serverConn) writeResult(req *request, result interface{}, hasValue bool) bool {
	srv := sc.srv
	body := sc.beginResponse(req, false)
	var err error
	if hasValue {
		err = writeBody(body, srv.ser, result, srv.Encryptor, srv.Compression)
	} else {
		err = writeBodyBytes(body, nil, srv.Encryptor, srv.Compression)
	}
	return sc.endResponse(err)
}

// writeError sends herr in an exception envelope. A failure to do so is
// logged and closes the connection.
func (sc *serverConn) writeError(req *request, herr error) bool {
	srv := sc.srv
	exc := EncodeException(srv.Registry, srv.ser, herr)
	if srv.netLogging() {
		srv.logger().Debug("error response", "remote", sc.remote, "type", exc.TypeName, "message", exc.Message)
	}
	body := sc.beginResponse(req, true)
	err := writeBody(body, srv.ser, &exc, srv.Encryptor, srv.Compression)
	if err != nil {
		srv.logger().Warn("error response not sent", "remote", sc.remote, "type", exc.TypeName, "err", err)
	}
	return sc.endResponse(err)
}

// writeStream copies a handler's result stream to the response body. The peer
// is polled while copying; if it goes away or cancels, the copy stops and
// the connection is closed.
func (sc *serverConn) writeStream(ctx context.Context, req *request, r io.Reader) bool {
	if c, ok := r.(io.Closer); ok {
		defer c.Close()
	}
	srv := sc.srv
	body := sc.beginResponse(req, false)
	actx, stop := startAliveMonitor(ctx, sc.raw, srv.AliveInterval)
	defer stop()
	w, finish, err := newBodyWriter(body, srv.Encryptor, srv.Compression)
	if err == nil {
		buf := chunkBufferAlloc()
		err = copyStream(actx, w, r, buf)
		chunkBufferFree(buf)
		if err == nil {
			if err = finish(); err == nil {
				err = body.Flush()
			}
		}
	}
	return sc.endResponse(err)
}

// copyStream copies r to w using buf, checking ctx between chunks.
func copyStream(ctx context.Context, w io.Writer, r io.Reader, buf []byte) error {
	for {
		if err := ctx.Err(); err != nil {
			return errors.WithStack(err)
		}
		n, rerr := r.Read(buf)
		if n > 0 {
			if _, err := w.Write(buf[:n]); err != nil {
				return errors.WithStack(err)
			}
		}
		if rerr == io.EOF {
			return nil
		}
		if rerr != nil {
			return errors.WithStack(rerr)
		}
	}
}

func (sc *serverConn) writePreflight(req *request, body BodyStream) bool {
	if err := body.Close(); err != nil {
		sc.drop(err)
		return false
	}
	sc.pending = append(sc.pending, body.Leftover()...)
	if sc.srv.ReadTimeout > 0 {
		_ = sc.conn.SetReadDeadline(time.Time{})
	}
	sc.scratch = newPreflightResponse(req.allowOrigin).AppendTo(sc.scratch[:0])
	_, err := sc.bw.Write(sc.scratch)
	if err == nil {
		err = sc.bw.Flush()
	}
	return sc.endResponse(errors.WithStack(err))
}
