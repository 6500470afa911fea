// Copyright 2026 szawaski. All rights reserved.
// Use of this source code is governed by the MIT license, see the LICENSE file.

package zerra

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"

	"github.com/goccy/go-json"
	"github.com/gorilla/websocket"
	"github.com/pkg/errors"
)

// DefaultGatewayMaxBodySize is the largest request body a Gateway accepts.
const DefaultGatewayMaxBodySize = 4 << 20

// Gateway receives HTTP requests and forwards them as queries, commands and
// events to an upstream Server using the JSON content type.
//
//	POST /query/{provider}/{method}           body: JSON array of arguments
//	POST /command/{type}?await=none|completion|result   body: the command
//	POST /event/{type}                         body: the event
//
// A GET with a websocket upgrade is served by ServeWebsocket.
type Gateway struct {
	Client       *Client
	MaxBodySize  int64        // DefaultGatewayMaxBodySize if zero
	AllowOrigins []string     // CORS and websocket origins, "*" allows all
	Logger       *slog.Logger // slog.Default() if nil
}

// NewGateway returns a Gateway forwarding to the upstream server at addr.
func NewGateway(addr string) *Gateway {
	c := NewClient(addr)
	c.ContentType = ContentTypeJSON
	c.Source = "gateway"
	c.PropagateClaims = true
	return &Gateway{Client: c}
}

// Close closes the gateway's connections.
func (g *Gateway) Close() error {
	return g.Client.Close()
}

func (g *Gateway) logger() *slog.Logger {
	if g.Logger != nil {
		return g.Logger
	}
	return slog.Default()
}

func (g *Gateway) maxBodySize() int64 {
	if g.MaxBodySize > 0 {
		return g.MaxBodySize
	}
	return DefaultGatewayMaxBodySize
}

// gatewayCall is one request decoded from a gateway route or websocket message.
type gatewayCall struct {
	ID       string            `json:"id,omitempty"`
	Kind     string            `json:"kind"`
	Provider string            `json:"provider"`
	Method   string            `json:"method,omitempty"`
	Await    string            `json:"await,omitempty"`
	Args     []json.RawMessage `json:"args,omitempty"`
	Data     json.RawMessage   `json:"data,omitempty"`
}

// gatewayFailure is the JSON body of a failed gateway request.
type gatewayFailure struct {
	Type    string `json:"type,omitempty"`
	Message string `json:"message"`
}

// parseGatewayPath decodes the route part of a gateway request.
func parseGatewayPath(path, await string) (*gatewayCall, error) {
	parts := strings.Split(strings.Trim(path, "/"), "/")
	gc := &gatewayCall{Kind: parts[0], Await: await}
	switch {
	case len(parts) == 3 && parts[0] == "query":
		gc.Provider, gc.Method = parts[1], parts[2]
	case len(parts) == 2 && (parts[0] == "command" || parts[0] == "event"):
		gc.Provider = parts[1]
	default:
		return nil, errors.WithStack(UnknownProviderError{ProviderType: path})
	}
	return gc, nil
}

// setBody stores a request body in the call.
func (gc *gatewayCall) setBody(body []byte) error {
	if gc.Kind == "query" {
		if len(strings.TrimSpace(string(body))) == 0 {
			return nil
		}
		if err := json.Unmarshal(body, &gc.Args); err != nil {
			return errors.WithStack(ProtocolError{Reason: "query arguments must be a JSON array: " + err.Error()})
		}
		return nil
	}
	if !json.Valid(body) {
		return errors.WithStack(ProtocolError{Reason: gc.Kind + " body is not valid JSON"})
	}
	gc.Data = body
	return nil
}

func parseAwaitMode(s string) (AwaitMode, error) {
	switch s {
	case "", "none":
		return AwaitNone, nil
	case "completion":
		return AwaitCompletion, nil
	case "result":
		return AwaitResult, nil
	}
	return AwaitNone, errors.WithStack(ProtocolError{Reason: fmt.Sprintf("invalid await mode %q", s)})
}

func (gc *gatewayCall) envelope() (*Envelope, error) {
	switch gc.Kind {
	case "query":
		args := make([][]byte, len(gc.Args))
		for i, arg := range gc.Args {
			args[i] = arg
		}
		return NewQueryEnvelope(gc.Provider, gc.Method, args), nil
	case "command":
		mode, err := parseAwaitMode(gc.Await)
		if err != nil {
			return nil, err
		}
		return NewCommandEnvelope(gc.Provider, gc.Data, mode), nil
	case "event":
		return NewEventEnvelope(gc.Provider, gc.Data), nil
	}
	return nil, errors.WithStack(ProtocolError{Reason: fmt.Sprintf("unknown kind %q", gc.Kind)})
}

// successStatus is the HTTP status of a forwarded request that succeeded.
func (gc *gatewayCall) successStatus() int {
	if gc.Kind == "query" || gc.Await == "result" {
		return http.StatusOK
	}
	if gc.Await == "completion" {
		return http.StatusNoContent
	}
	return http.StatusAccepted
}

// forward sends the call upstream. If stream is true, a query result is
// returned unread in Response.Body.
func (g *Gateway) forward(ctx context.Context, gc *gatewayCall, stream bool) (*Response, string, error) {
	env, err := gc.envelope()
	if err != nil {
		return nil, "", err
	}
	resp, err := g.Client.Send(ctx, env, stream && env.Kind == KindQuery)
	return resp, env.RequestID, err
}

// gatewayStatus maps a forwarding error to an HTTP status code.
func gatewayStatus(err error) int {
	cause := errors.Cause(err)
	switch cause.(type) {
	case UnknownProviderError:
		return http.StatusNotFound
	case UnauthorizedError:
		return http.StatusForbidden
	case ProtocolError:
		return http.StatusBadRequest
	}
	switch {
	case cause == context.DeadlineExceeded:
		return http.StatusGatewayTimeout
	case IsConnectionError(err), cause == ErrConnectionAborted, cause == ErrPoolClosed:
		return http.StatusBadGateway
	}
	return http.StatusInternalServerError
}

func newGatewayFailure(err error) gatewayFailure {
	cause := errors.Cause(err)
	if re, ok := cause.(*RemoteError); ok {
		return gatewayFailure{Type: re.TypeName, Message: re.Message}
	}
	return gatewayFailure{Type: fmt.Sprintf("%T", cause), Message: err.Error()}
}

func isWebsocketUpgrade(r *http.Request) bool {
	return r.Method == http.MethodGet && r.ProtoAtLeast(1, 1) && websocket.IsWebSocketUpgrade(r)
}

func (g *Gateway) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if isWebsocketUpgrade(r) {
		g.ServeWebsocket(w, r)
		return
	}
	if origin := allowedOrigin(g.AllowOrigins, r.Header.Get("Origin")); origin != "" {
		w.Header().Set("Access-Control-Allow-Origin", origin)
	}
	if r.Method != http.MethodPost {
		w.Header().Set("Allow", http.MethodPost)
		g.writeFailure(w, http.StatusMethodNotAllowed, errors.Errorf("method %s not allowed", r.Method))
		return
	}
	gc, err := parseGatewayPath(r.URL.Path, r.URL.Query().Get("await"))
	if err != nil {
		g.writeFailure(w, gatewayStatus(err), err)
		return
	}
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, g.maxBodySize()))
	if err != nil {
		var mbe *http.MaxBytesError
		if errors.As(err, &mbe) {
			g.writeFailure(w, http.StatusRequestEntityTooLarge, err)
			return
		}
		g.writeFailure(w, http.StatusBadRequest, err)
		return
	}
	if err = gc.setBody(body); err != nil {
		g.writeFailure(w, http.StatusBadRequest, err)
		return
	}

	resp, requestID, err := g.forward(r.Context(), gc, true)
	if requestID != "" {
		w.Header().Set("X-Request-Id", requestID)
	}
	if err != nil {
		g.logger().Debug("gateway request failed", "path", r.URL.Path, "requestid", requestID, "err", err)
		g.writeFailure(w, gatewayStatus(err), err)
		return
	}
	w.Header().Set("Content-Type", ContentTypeJSON.MIMEType())
	status := gc.successStatus()
	if resp.Body != nil {
		defer resp.Body.Close()
		w.WriteHeader(status)
		if _, err = io.Copy(w, resp.Body); err != nil {
			g.logger().Warn("gateway response copy failed", "path", r.URL.Path, "requestid", requestID, "err", err)
		}
		return
	}
	w.WriteHeader(status)
	if status != http.StatusNoContent {
		_, _ = w.Write(resp.Data)
	}
}

func (g *Gateway) writeFailure(w http.ResponseWriter, status int, err error) {
	b, _ := json.Marshal(newGatewayFailure(err))
	w.Header().Set("Content-Type", ContentTypeJSON.MIMEType())
	w.WriteHeader(status)
	_, _ = w.Write(b)
}
