// Copyright 2026 szawaski. All rights reserved.
// Use of this source code is governed by the MIT license, see the LICENSE file.

package zerra

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"net"
	"sync"
	"time"

	"github.com/pkg/errors"
)

type exchangePhase int

const (
	phaseWrite  = exchangePhase(iota) // writing the request body
	phaseRead                         // waiting for or reading the response
	phaseStream                       // response body handed to the caller
	phaseDone                         // response read
)

// exchange is one request and response on an acquired connection.
//
// While the request is written, cancelling the context forces the write to
// fail and the connection is closed. While waiting for the response it sends
// the abort byte and gives the server AbortTimeout to answer, either by
// closing the connection or with the response it had already started.
type exchange struct {
	c              *Client
	conn           *Conn
	br             *bufio.Reader
	stream         bool
	retryable      bool // failed on a reused connection in a way a new one may not
	onStreamClosed func()
	stopWatch      func() bool

	mu       sync.Mutex
	phase    exchangePhase
	canceled bool
}

func (x *exchange) cancel() {
	x.mu.Lock()
	defer x.mu.Unlock()
	x.canceled = true
	switch x.phase {
	case phaseWrite, phaseStream:
		_ = x.conn.SetDeadline(time.Now())
	case phaseRead:
		timeout := x.c.abortTimeout()
		_ = x.conn.SetWriteDeadline(time.Now().Add(timeout))
		_, _ = x.conn.Write([]byte{AbortByte})
		_ = x.conn.SetReadDeadline(time.Now().Add(timeout))
		x.c.logger().Debug("call canceled, abort sent", "conn", x.conn.String())
	}
}

// setPhase moves to the next phase and returns true if the call was canceled.
func (x *exchange) setPhase(phase exchangePhase) bool {
	x.mu.Lock()
	defer x.mu.Unlock()
	x.phase = phase
	return x.canceled
}

func (x *exchange) isCanceled() bool {
	x.mu.Lock()
	defer x.mu.Unlock()
	return x.canceled
}

// isTransportError returns true for I/O failures of the connection itself.
func isTransportError(err error) bool {
	switch errors.Cause(err) {
	case ErrHeaderTooLarge, context.Canceled, context.DeadlineExceeded:
		return false
	}
	if IsProtocolError(err) {
		return false
	}
	var ne net.Error
	return isClosedError(err) || errors.As(err, &ne)
}

func (x *exchange) run(ctx context.Context, body []byte) (resp *Response, err error) {
	x.stopWatch = context.AfterFunc(ctx, x.cancel)
	resp, err = x.roundTrip(ctx, body)
	if resp == nil || resp.Body == nil {
		x.stopWatch()
	}
	return
}

// fail closes the connection after an I/O error.
func (x *exchange) fail(ctx context.Context, err error) error {
	x.conn.Release(true)
	if x.isCanceled() {
		return errors.WithStack(ctx.Err())
	}
	x.retryable = x.conn.Reused() && isTransportError(err)
	return err
}

func (x *exchange) roundTrip(ctx context.Context, body []byte) (*Response, error) {
	c := x.c
	conn := x.conn

	bw := bufio.NewWriterSize(conn, StreamChunkSize)
	var reqBody BodyStream
	if c.Framing == FramingHTTP {
		reqBody = NewFixedBody(nil, bw, nil, int64(len(body)))
	} else {
		reqBody = NewRawBody(nil, bw, nil)
	}
	_, err := reqBody.Write(body)
	if err == nil {
		err = reqBody.Flush()
	}
	if err != nil {
		return nil, x.fail(ctx, err)
	}
	x.setPhase(phaseRead)

	x.br = bufio.NewReader(conn)
	buf := headerBufferAlloc()
	defer headerBufferFree(buf)
	header, tail, err := readHeader(x.br, buf, c.Framing)
	if err != nil {
		if err == io.EOF && !x.isCanceled() {
			// closed without a byte of response: stale if the connection was reused
			conn.Release(true)
			x.retryable = conn.Reused()
			return nil, errors.WithStack(ErrConnectionAborted)
		}
		return nil, x.fail(ctx, err)
	}

	isError, respBody, err := x.responseBody(header, tail)
	if err != nil {
		conn.Release(true)
		return nil, err
	}

	if x.stream && !isError {
		return x.streamResponse(ctx, respBody)
	}

	var exc ExceptionEnvelope
	var data []byte
	if isError {
		err = readBody(respBody, c.ser, &exc, c.Encryptor, c.Compression)
	} else {
		data, err = readBodyBytes(respBody, c.Encryptor, c.Compression)
	}
	canceled := x.setPhase(phaseDone)
	if err != nil {
		return nil, x.fail(ctx, err)
	}
	conn.Release(!x.clean(respBody))
	if canceled {
		return nil, errors.WithStack(ctx.Err())
	}
	if isError {
		return nil, DecodeException(c.Registry, c.ser, exc)
	}
	return &Response{ContentType: c.ContentType, Data: data}, nil
}

// clean returns true if nothing was received past the end of the response.
func (x *exchange) clean(body BodyStream) bool {
	return x.br.Buffered() == 0 && len(body.Leftover()) == 0
}

func (x *exchange) responseBody(header, tail []byte) (isError bool, body BodyStream, err error) {
	c := x.c
	if c.Framing == FramingHTTP {
		hh, err := DecodeHTTPHeader(header)
		if err != nil {
			return false, nil, err
		}
		if hh.IsRequest() {
			return false, nil, errors.WithStack(ProtocolError{Reason: "expected a response"})
		}
		if hh.HasContentType && hh.ContentType != c.ContentType {
			return false, nil, errors.WithStack(ProtocolError{
				Reason: fmt.Sprintf("response content type %v, expected %v", hh.ContentType, c.ContentType),
			})
		}
		return hh.IsError(), newHTTPReadBody(&hh, x.br, tail), nil
	}
	rh, err := DecodeRawHeader(header)
	if err != nil {
		return false, nil, err
	}
	if rh.ContentType != c.ContentType {
		return false, nil, errors.WithStack(ProtocolError{
			Reason: fmt.Sprintf("response content type %v, expected %v", rh.ContentType, c.ContentType),
		})
	}
	return rh.IsError, NewRawBody(x.br, nil, tail), nil
}

func (x *exchange) streamResponse(ctx context.Context, body BodyStream) (*Response, error) {
	c := x.c
	r, release, err := newBodyReader(body, c.Encryptor, c.Compression)
	if err != nil {
		x.conn.Release(true)
		return nil, err
	}
	if x.setPhase(phaseStream) {
		release()
		x.conn.Release(true)
		return nil, errors.WithStack(ctx.Err())
	}
	prc := &pipelineReadCloser{
		r:       r,
		body:    body,
		release: release,
		onClose: func(complete bool) {
			x.stopWatch()
			x.setPhase(phaseDone)
			x.conn.Release(!complete || !x.clean(body))
			if x.onStreamClosed != nil {
				x.onStreamClosed()
			}
		},
	}
	return &Response{ContentType: c.ContentType, Body: prc}, nil
}

// readBodyBytes reads all of body through the pipeline, then closes it.
func readBodyBytes(body BodyStream, enc Encryptor, compress bool) (data []byte, err error) {
	r, release, err := newBodyReader(body, enc, compress)
	if err == nil {
		data, err = io.ReadAll(r)
		release()
	}
	if cerr := body.Close(); err == nil {
		err = cerr
	}
	return data, errors.WithStack(err)
}
