// Copyright 2026 szawaski. All rights reserved.
// Use of this source code is governed by the MIT license, see the LICENSE file.

package zerra

import (
	"context"
	"net/http"
	"sync"
	"time"

	"github.com/goccy/go-json"
	"github.com/gorilla/websocket"
	"github.com/pkg/errors"
)

// wsReply answers one websocket request message.
type wsReply struct {
	ID        string          `json:"id,omitempty"`
	RequestID string          `json:"requestId,omitempty"`
	Status    int             `json:"status"`
	Result    json.RawMessage `json:"result,omitempty"`
	Error     *gatewayFailure `json:"error,omitempty"`
}

// ServeWebsocket upgrades the request and forwards each JSON message
// received as a query, command or event. A message looks like
//
//	{"id":"1","kind":"query","provider":"Greeter","method":"Hello","args":["world"]}
//	{"id":"2","kind":"command","provider":"Rename","await":"result","data":{"name":"x"}}
//
// and is answered with {"id":..., "status":..., "result":...} or
// {"id":..., "status":..., "error":{...}}. Messages are forwarded
// concurrently, so replies may arrive out of order. Calls still in progress
// when the websocket closes are cancelled.
func (g *Gateway) ServeWebsocket(w http.ResponseWriter, r *http.Request) {
	upgrader := websocket.Upgrader{
		ReadBufferSize:    4096,
		WriteBufferSize:   4096,
		EnableCompression: true,
	}
	if len(g.AllowOrigins) > 0 {
		upgrader.CheckOrigin = func(r *http.Request) bool {
			return allowedOrigin(g.AllowOrigins, r.Header.Get("Origin")) != ""
		}
	}
	ws, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		g.logger().Debug("websocket upgrade failed", "remote", r.RemoteAddr, "err", err)
		return
	}
	defer ws.Close()
	ws.SetReadLimit(g.maxBodySize())

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	var wg sync.WaitGroup
	var writeMu sync.Mutex
	reply := func(rep *wsReply) {
		b, err := json.Marshal(rep)
		if err != nil {
			g.logger().Warn("websocket reply encoding failed", "id", rep.ID, "err", err)
			return
		}
		writeMu.Lock()
		defer writeMu.Unlock()
		if err = ws.WriteMessage(websocket.TextMessage, b); err != nil {
			g.logger().Debug("websocket write failed", "remote", r.RemoteAddr, "err", err)
		}
	}

	for {
		_, msg, err := ws.ReadMessage()
		if err != nil {
			if !isClosedError(err) && !websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				g.logger().Debug("websocket read failed", "remote", r.RemoteAddr, "err", err)
			}
			break
		}
		var gc gatewayCall
		if err = json.Unmarshal(msg, &gc); err != nil {
			err = errors.WithStack(ProtocolError{Reason: "invalid message: " + err.Error()})
			reply(wsFailure("", "", err))
			continue
		}
		wg.Add(1)
		go func() {
			defer wg.Done()
			reply(g.forwardWebsocket(ctx, &gc))
		}()
	}

	cancel()
	wg.Wait()
	writeMu.Lock()
	_ = ws.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
		time.Now().Add(time.Second))
	writeMu.Unlock()
}

func wsFailure(id, requestID string, err error) *wsReply {
	failure := newGatewayFailure(err)
	return &wsReply{ID: id, RequestID: requestID, Status: gatewayStatus(err), Error: &failure}
}

func (g *Gateway) forwardWebsocket(ctx context.Context, gc *gatewayCall) *wsReply {
	resp, requestID, err := g.forward(ctx, gc, false)
	if err != nil {
		return wsFailure(gc.ID, requestID, err)
	}
	rep := &wsReply{ID: gc.ID, RequestID: requestID, Status: gc.successStatus()}
	if len(resp.Data) > 0 {
		if json.Valid(resp.Data) {
			rep.Result = resp.Data
		} else {
			// a streamed result that is not JSON travels base64 encoded
			rep.Result, _ = json.Marshal(resp.Data)
		}
	}
	return rep
}
