// Copyright 2026 szawaski. All rights reserved.
// Use of this source code is governed by the MIT license, see the LICENSE file.

package zerra

import (
	"bytes"
	"context"
	"io"
	"log/slog"
	"sync"
	"time"

	"github.com/pkg/errors"
	"golang.org/x/sync/semaphore"
)

// Client calls queries, dispatches commands and publishes events on a Server.
//
// Connections are taken from Pool as needed; no connection is made by
// NewClient. Framing, ContentType, Encryptor and Compression must match the
// server. Settings must not be changed after the first call.
type Client struct {
	Addr            string        // server address, "host[:port]"
	Framing         Framing       // wire framing
	ContentType     ContentType   // request and response content type
	Registry        *Registry     // error types expected in exception envelopes
	Encryptor       Encryptor     // optional body encryption
	Compression     bool          // zstd body compression
	Authorizer      Authorizer    // optional; supplies headers with FramingHTTP
	PropagateClaims bool          // send the claims in the call's context
	Pool            *Pool         // connection pool, the Client makes its own if nil
	MaxConcurrency  int           // calls in progress, DefaultMaxConcurrency if zero
	AbortTimeout    time.Duration // how long to wait for an abort to be acknowledged, DefaultAbortTimeout if zero
	Source          string        // sent in every envelope
	Logger          *slog.Logger  // slog.Default() if nil

	once     sync.Once
	initErr  error
	dest     Destination
	ser      Serializer
	pool     *Pool
	ownPool  bool
	throttle *semaphore.Weighted
}

// NewClient returns a Client for addr using the raw framing and the bytes
// content type.
func NewClient(addr string) *Client {
	return &Client{
		Addr:        addr,
		Framing:     FramingRaw,
		ContentType: ContentTypeBytes,
	}
}

// Response is a successful reply. Data holds the decoded body, or for a
// streamed result Body must be read and closed by the caller.
type Response struct {
	ContentType ContentType
	Data        []byte
	Body        io.ReadCloser
}

func (c *Client) init() error {
	c.once.Do(func() {
		if c.dest, c.initErr = ParseDestination(c.Addr); c.initErr != nil {
			return
		}
		if c.ser, c.initErr = SerializerFor(c.ContentType); c.initErr != nil {
			return
		}
		if c.pool = c.Pool; c.pool == nil {
			c.pool = &Pool{Logger: c.Logger}
			c.ownPool = true
		}
		maxConcurrency := c.MaxConcurrency
		if maxConcurrency < 1 {
			maxConcurrency = DefaultMaxConcurrency
		}
		c.throttle = semaphore.NewWeighted(int64(maxConcurrency))
	})
	return c.initErr
}

func (c *Client) logger() *slog.Logger {
	if c.Logger != nil {
		return c.Logger
	}
	return slog.Default()
}

func (c *Client) abortTimeout() time.Duration {
	if c.AbortTimeout > 0 {
		return c.AbortTimeout
	}
	return DefaultAbortTimeout
}

// Close closes the Client's own Pool. A Pool given to the Client is left open.
func (c *Client) Close() error {
	if err := c.init(); err != nil {
		return nil
	}
	if c.ownPool {
		return c.pool.Close()
	}
	return nil
}

func (c *Client) marshalArgs(args []interface{}) ([][]byte, error) {
	out := make([][]byte, len(args))
	for i, arg := range args {
		b, err := c.ser.Marshal(arg)
		if err != nil {
			return nil, errors.Wrapf(err, "argument %d", i)
		}
		out[i] = b
	}
	return out, nil
}

// Call invokes method on a query provider and decodes the result into result,
// which may be nil to discard it.
func (c *Client) Call(ctx context.Context, provider, method string, result interface{}, args ...interface{}) error {
	if err := c.init(); err != nil {
		return err
	}
	data, err := c.marshalArgs(args)
	if err != nil {
		return err
	}
	resp, err := c.Send(ctx, NewQueryEnvelope(provider, method, data), false)
	if err != nil {
		return err
	}
	if result == nil {
		return nil
	}
	return c.ser.Unmarshal(resp.Data, result)
}

// CallStream invokes a streaming query method. The caller must Close the
// returned stream; closing it before the end closes the connection.
func (c *Client) CallStream(ctx context.Context, provider, method string, args ...interface{}) (io.ReadCloser, error) {
	if err := c.init(); err != nil {
		return nil, err
	}
	data, err := c.marshalArgs(args)
	if err != nil {
		return nil, err
	}
	resp, err := c.Send(ctx, NewQueryEnvelope(provider, method, data), true)
	if err != nil {
		return nil, err
	}
	return resp.Body, nil
}

func (c *Client) dispatch(ctx context.Context, typeName string, cmd interface{}, mode AwaitMode, result interface{}) error {
	if err := c.init(); err != nil {
		return err
	}
	data, err := c.ser.Marshal(cmd)
	if err != nil {
		return errors.Wrapf(err, "command %s", typeName)
	}
	resp, err := c.Send(ctx, NewCommandEnvelope(typeName, data, mode), false)
	if err == nil && result != nil {
		err = c.ser.Unmarshal(resp.Data, result)
	}
	return err
}

// Dispatch sends a command and returns once the server has accepted it.
func (c *Client) Dispatch(ctx context.Context, typeName string, cmd interface{}) error {
	return c.dispatch(ctx, typeName, cmd, AwaitNone, nil)
}

// DispatchAwait sends a command and returns when its handler has finished.
func (c *Client) DispatchAwait(ctx context.Context, typeName string, cmd interface{}) error {
	return c.dispatch(ctx, typeName, cmd, AwaitCompletion, nil)
}

// DispatchAwaitResult sends a command and decodes its handler's result into result.
func (c *Client) DispatchAwaitResult(ctx context.Context, typeName string, cmd, result interface{}) error {
	return c.dispatch(ctx, typeName, cmd, AwaitResult, result)
}

// Publish sends an event and returns once the server has accepted it.
func (c *Client) Publish(ctx context.Context, typeName string, event interface{}) error {
	if err := c.init(); err != nil {
		return err
	}
	data, err := c.ser.Marshal(event)
	if err != nil {
		return errors.Wrapf(err, "event %s", typeName)
	}
	_, err = c.Send(ctx, NewEventEnvelope(typeName, data), false)
	return err
}

// encodeRequest returns the request header and the encoded request body.
func (c *Client) encodeRequest(env *Envelope) (header, body []byte, err error) {
	if env.ProviderType != "" && !validProviderType(env.ProviderType) {
		return nil, nil, errors.Errorf("invalid type name %q", env.ProviderType)
	}
	var buf bytes.Buffer
	w, finish, err := newBodyWriter(&buf, c.Encryptor, c.Compression)
	if err == nil {
		if err = c.ser.Serialize(w, env); err == nil {
			err = finish()
		}
	}
	if err != nil {
		return nil, nil, err
	}
	body = buf.Bytes()
	if c.Framing == FramingHTTP {
		h := NewHTTPRequestHeader(env.ProviderType, c.ContentType, int64(len(body)))
		h.Path = "/" + env.ProviderType
		if c.Authorizer != nil {
			if h.Headers, err = c.Authorizer.AuthHeaders(); err != nil {
				return nil, nil, err
			}
		}
		return h.AppendTo(nil), body, nil
	}
	return RawHeader{ProviderType: env.ProviderType, ContentType: c.ContentType}.AppendTo(nil), body, nil
}

// Send performs one request. If stream is true, a successful response's body
// is returned unread in Response.Body. A failure reported by the server is
// returned as the reconstructed error.
//
// A call that fails on a reused connection because the server had closed it
// is retried once on a new connection.
func (c *Client) Send(ctx context.Context, env *Envelope, stream bool) (*Response, error) {
	if err := c.init(); err != nil {
		return nil, err
	}
	if env.Source == "" {
		env.Source = c.Source
	}
	if c.PropagateClaims && env.Claims == nil {
		env.Claims = ClaimsFromContext(ctx)
	}
	header, body, err := c.encodeRequest(env)
	if err != nil {
		return nil, err
	}
	if err = c.throttle.Acquire(ctx, 1); err != nil {
		return nil, errors.WithStack(err)
	}
	releaseThrottle := true
	defer func() {
		if releaseThrottle {
			c.throttle.Release(1)
		}
	}()

	fresh := false
	for {
		conn, err := c.pool.acquire(ctx, c.dest, header, fresh)
		if err != nil {
			return nil, err
		}
		x := &exchange{c: c, conn: conn, stream: stream}
		resp, err := x.run(ctx, body)
		if err == nil {
			if stream {
				releaseThrottle = false
				x.onStreamClosed = func() { c.throttle.Release(1) }
			}
			return resp, nil
		}
		if !x.retryable || fresh {
			return nil, err
		}
		c.logger().Debug("retrying on a new connection", "requestid", env.RequestID, "err", err)
		fresh = true
	}
}
