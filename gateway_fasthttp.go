// Copyright 2026 szawaski. All rights reserved.
// Use of this source code is governed by the MIT license, see the LICENSE file.

package zerra

import (
	"net/http"

	"github.com/goccy/go-json"
	"github.com/valyala/fasthttp"
)

// HandleFastHTTP implements the handler for valyala/fasthttp.
// Websocket upgrades are not supported on this front.
func (g *Gateway) HandleFastHTTP(ctx *fasthttp.RequestCtx) {
	if !ctx.IsPost() {
		ctx.Response.Header.Set("Allow", http.MethodPost)
		g.writeFastFailure(ctx, http.StatusMethodNotAllowed, &gatewayFailure{Message: "method " + string(ctx.Method()) + " not allowed"})
		return
	}
	gc, err := parseGatewayPath(string(ctx.Path()), string(ctx.QueryArgs().Peek("await")))
	if err != nil {
		g.writeFastError(ctx, gatewayStatus(err), err)
		return
	}
	body := ctx.PostBody()
	if int64(len(body)) > g.maxBodySize() {
		g.writeFastFailure(ctx, http.StatusRequestEntityTooLarge, &gatewayFailure{Message: "request body too large"})
		return
	}
	// PostBody is only valid until the handler returns
	if err = gc.setBody(append([]byte(nil), body...)); err != nil {
		g.writeFastError(ctx, http.StatusBadRequest, err)
		return
	}

	resp, requestID, err := g.forward(ctx, gc, true)
	if requestID != "" {
		ctx.Response.Header.Set("X-Request-Id", requestID)
	}
	if err != nil {
		g.logger().Debug("gateway request failed", "path", string(ctx.Path()), "requestid", requestID, "err", err)
		g.writeFastError(ctx, gatewayStatus(err), err)
		return
	}
	ctx.SetContentType(ContentTypeJSON.MIMEType())
	status := gc.successStatus()
	ctx.SetStatusCode(status)
	switch {
	case resp.Body != nil:
		// fasthttp closes the stream once it is sent
		ctx.SetBodyStream(resp.Body, -1)
	case status != http.StatusNoContent:
		ctx.SetBody(resp.Data)
	}
}

func (g *Gateway) writeFastError(ctx *fasthttp.RequestCtx, status int, err error) {
	failure := newGatewayFailure(err)
	g.writeFastFailure(ctx, status, &failure)
}

func (g *Gateway) writeFastFailure(ctx *fasthttp.RequestCtx, status int, failure *gatewayFailure) {
	b, _ := json.Marshal(failure)
	ctx.SetContentType(ContentTypeJSON.MIMEType())
	ctx.SetStatusCode(status)
	ctx.SetBody(b)
}
