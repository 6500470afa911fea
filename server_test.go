// Copyright 2026 szawaski. All rights reserved.
// Use of this source code is governed by the MIT license, see the LICENSE file.

package zerra

import (
	"bufio"
	"bytes"
	"context"
	"io"
	"log"
	"net"
	"net/http"
	"sync"
	"testing"
	"time"

	"github.com/fortytw2/leaktest"
	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const srvAddr = "127.0.0.1:0"

// testService holds the handlers used by the server tests.
type testService struct {
	mu       sync.Mutex
	placed   []placeOrder
	events   chan orderPlaced
	started  chan struct{}
	finished chan error
	release  chan struct{}
}

func newTestService() *testService {
	return &testService{
		events:   make(chan orderPlaced, 10),
		started:  make(chan struct{}, 1),
		finished: make(chan error, 1),
		release:  make(chan struct{}),
	}
}

func (ts *testService) queries(t *testing.T) *HandlerTable {
	ht := NewHandlerTable()
	require.NoError(t, ht.RegisterQuery("Echo", 0, map[string]QueryMethod{
		"Echo": Query1(func(ctx context.Context, b []byte) ([]byte, error) { return b, nil }),
		"Add":  Query2(func(ctx context.Context, a, b int) (int, error) { return a + b, nil }),
		"Repeat": QueryStream1(func(ctx context.Context, n int) (io.Reader, error) {
			return bytes.NewReader(testPayload(n)), nil
		}),
		"Whoami": Query0(func(ctx context.Context) (string, error) {
			sub, _ := ClaimValue(ctx, "sub")
			return sub, nil
		}),
		"Fail": Query1(func(ctx context.Context, item string) (string, error) {
			return "", &outOfStockError{Item: item}
		}),
		"Plain": Query0(func(ctx context.Context) (string, error) { return "", errors.New("plain failure") }),
		"Panic": Query0(func(ctx context.Context) (string, error) { panic("kaboom") }),
		"Block": Query0(ts.block),
	}))
	return ht
}

func (ts *testService) block(ctx context.Context) (string, error) {
	ts.started <- struct{}{}
	select {
	case <-ctx.Done():
		ts.finished <- ctx.Err()
		return "", ctx.Err()
	case <-time.After(time.Second * 5):
		ts.finished <- nil
		return "done", nil
	}
}

func (ts *testService) messages(t *testing.T) *HandlerTable {
	ht := NewHandlerTable()
	require.NoError(t, RegisterCommand(ht, "PlaceOrder", 0, func(ctx context.Context, cmd placeOrder) error {
		ts.mu.Lock()
		ts.placed = append(ts.placed, cmd)
		ts.mu.Unlock()
		return nil
	}))
	require.NoError(t, RegisterCommandWithResult(ht, "PlaceOrderNow", 0, func(ctx context.Context, cmd placeOrder) (orderPlaced, error) {
		return orderPlaced{OrderID: cmd.Item + "-1"}, nil
	}))
	require.NoError(t, RegisterCommand(ht, "Reject", 0, func(ctx context.Context, cmd placeOrder) error {
		return &outOfStockError{Item: cmd.Item}
	}))
	require.NoError(t, RegisterCommand(ht, "Slow", 0, func(ctx context.Context, cmd placeOrder) error {
		ts.started <- struct{}{}
		<-ts.release
		return nil
	}))
	require.NoError(t, RegisterEvent(ht, "OrderPlaced", 0, func(ctx context.Context, ev orderPlaced) error {
		ts.events <- ev
		return nil
	}))
	return ht
}

func (ts *testService) placedCount() int {
	ts.mu.Lock()
	defer ts.mu.Unlock()
	return len(ts.placed)
}

type srvTester struct {
	t         *testing.T
	isClosed  bool
	srv       *Server
	serveDone chan struct{}
	serveErr  error
}

func newSrvTester(t *testing.T, handlers *HandlerTable, options ...func(srv *Server)) *srvTester {
	srv := NewServer(srvAddr, handlers)
	srv.Registry = testErrorRegistry()
	for _, opt := range options {
		opt(srv)
	}
	require.NoError(t, srv.Open())
	st := &srvTester{
		t:         t,
		srv:       srv,
		serveDone: make(chan struct{}),
	}
	go st.serve()
	return st
}

func (st *srvTester) serve() {
	st.serveErr = st.srv.Serve()
	assert.Equal(st.t, ErrServerClosed, errors.Cause(st.serveErr))
	close(st.serveDone)
}

func (st *srvTester) addr() string {
	return st.srv.Addrs()[0].String()
}

// newClient returns a Client with settings matching the server.
func (st *srvTester) newClient(options ...func(c *Client)) *Client {
	c := NewClient(st.addr())
	c.Framing = st.srv.Framing
	c.ContentType = st.srv.ContentType
	c.Encryptor = st.srv.Encryptor
	c.Compression = st.srv.Compression
	c.Registry = testErrorRegistry()
	for _, opt := range options {
		opt(c)
	}
	return c
}

// dropConnections closes the server side of every connection.
func (st *srvTester) dropConnections() {
	ln := st.srv.listener()
	ln.mu.Lock()
	defer ln.mu.Unlock()
	for c := range ln.conns {
		_ = c.Close()
	}
}

func (st *srvTester) waitServeDone() {
	timer := time.NewTimer(time.Second * 5)
	defer timer.Stop()
	select {
	case <-st.serveDone:
	case <-timer.C:
		assert.Fail(st.t, "server_test: timeout waiting for server to stop")
	}
}

func (st *srvTester) Close() {
	if !st.isClosed {
		st.isClosed = true
		ctx, cancel := context.WithTimeout(context.Background(), time.Second*5)
		defer cancel()
		assert.NoError(st.t, st.srv.Shutdown(ctx))
		st.waitServeDone()
	}
}

type recordingHook struct {
	mu     sync.Mutex
	starts []DispatchInfo
	ends   []DispatchInfo
	errs   []error
}

func (h *recordingHook) OnDispatchStart(ctx context.Context, info DispatchInfo) (context.Context, HookToken) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.starts = append(h.starts, info)
	return ctx, len(h.starts)
}

func (h *recordingHook) OnDispatchEnd(ctx context.Context, token HookToken, info DispatchInfo, err error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.ends = append(h.ends, info)
	h.errs = append(h.errs, err)
}

func (h *recordingHook) ended() ([]DispatchInfo, []error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	return append([]DispatchInfo(nil), h.ends...), append([]error(nil), h.errs...)
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(time.Second * 2)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatal("condition not met in time")
		}
		time.Sleep(time.Millisecond * 5)
	}
}

var framings = []Framing{FramingRaw, FramingHTTP}

func Test_Server_Simple(t *testing.T) {
	if leaktestEnabled {
		defer leaktest.Check(t)()
	}
	st := newSrvTester(t, newTestService().queries(t))
	defer st.Close()
	assert.NotEmpty(t, st.srv.Addrs())
	assert.Error(t, st.srv.Open())
	em := st.srv.ServeErrors()
	assert.NotNil(t, em)
	assert.Empty(t, em)
	assert.Zero(t, st.srv.BytesWritten())
	assert.Zero(t, st.srv.BytesRead())
	st.srv.AddBytesRead(1)
	st.srv.AddBytesWritten(2)
	assert.Equal(t, int64(1), st.srv.BytesRead())
	assert.Equal(t, int64(2), st.srv.BytesWritten())
	st.Close()
	assert.NoError(t, st.srv.Close())
}

func Test_Server_NoHandlers(t *testing.T) {
	srv := NewServer(srvAddr, nil)
	assert.Error(t, srv.Open())
	srv = NewServer(srvAddr, NewHandlerTable())
	srv.ContentType = ContentType(9)
	assert.Error(t, srv.Open())
}

func testEcho(t *testing.T, framing Framing, tc pipelineCase) {
	st := newSrvTester(t, newTestService().queries(t), func(srv *Server) {
		srv.Framing = framing
		srv.Encryptor = tc.enc
		srv.Compression = tc.compress
	})
	defer st.Close()
	c := st.newClient()
	defer c.Close()

	payload := testPayload(100000)
	for i := 0; i < 5; i++ {
		var got []byte
		require.NoError(t, c.Call(context.Background(), "Echo", "Echo", &got, payload), "%s %s", framing, tc.name)
		assert.Equal(t, payload, got, "%s %s", framing, tc.name)
	}
	assert.Equal(t, int64(1), c.pool.Dials(), "%s %s", framing, tc.name)
	assert.Greater(t, st.srv.BytesWritten(), int64(0))
	if tc.enc == nil && !tc.compress {
		assert.Greater(t, st.srv.BytesRead(), int64(5*len(payload)))
	}
}

func Test_Server_Echo(t *testing.T) {
	if leaktestEnabled {
		defer leaktest.Check(t)()
	}
	for _, framing := range framings {
		for _, tc := range pipelineCases() {
			testEcho(t, framing, tc)
		}
	}
}

func Test_Server_ContentTypes(t *testing.T) {
	if leaktestEnabled {
		defer leaktest.Check(t)()
	}
	for _, ct := range []ContentType{ContentTypeBytes, ContentTypeJSON, ContentTypeJSONNameless} {
		st := newSrvTester(t, newTestService().queries(t), func(srv *Server) { srv.ContentType = ct })
		c := st.newClient()
		var sum int
		assert.NoError(t, c.Call(context.Background(), "Echo", "Add", &sum, 40, 2), ct)
		assert.Equal(t, 42, sum)
		var got []byte
		assert.NoError(t, c.Call(context.Background(), "Echo", "Echo", &got, []byte("json safe?")), ct)
		assert.Equal(t, "json safe?", string(got))
		assert.NoError(t, c.Call(context.Background(), "Echo", "Add", nil, 1, 2), ct)
		c.Close()
		st.Close()
	}
}

func Test_Server_RemoteException(t *testing.T) {
	if leaktestEnabled {
		defer leaktest.Check(t)()
	}
	for _, framing := range framings {
		st := newSrvTester(t, newTestService().queries(t), func(srv *Server) { srv.Framing = framing })
		c := st.newClient()
		ctx := context.Background()

		err := c.Call(ctx, "Echo", "Fail", nil, "widget")
		var oos *outOfStockError
		require.True(t, errors.As(err, &oos), framing)
		assert.Equal(t, "widget", oos.Item)

		err = c.Call(ctx, "Echo", "Plain", nil)
		var re *RemoteError
		require.True(t, errors.As(err, &re))
		assert.Equal(t, "plain failure", re.Message)

		err = c.Call(ctx, "Echo", "Panic", nil)
		assert.Contains(t, err.Error(), "kaboom")

		// failures do not cost the connection
		assert.Equal(t, int64(1), c.pool.Dials())
		c.Close()

		plain := st.newClient(func(c *Client) { c.Registry = nil })
		err = plain.Call(ctx, "Echo", "Fail", nil, "gadget")
		assert.Equal(t, &RemoteError{TypeName: "Shop.OutOfStock", Message: "gadget: 0 left"}, err)
		plain.Close()
		st.Close()
	}
}

func Test_Server_UnknownProvider(t *testing.T) {
	if leaktestEnabled {
		defer leaktest.Check(t)()
	}
	for _, framing := range framings {
		st := newSrvTester(t, newTestService().queries(t), func(srv *Server) { srv.Framing = framing })
		c := st.newClient()
		ctx := context.Background()
		err := c.Call(ctx, "Nope", "Echo", nil)
		assert.Equal(t, UnknownProviderError{Kind: KindQuery, ProviderType: "Nope"}, err)
		err = c.Call(ctx, "Echo", "Nope", nil)
		assert.True(t, IsProtocolError(err))
		err = c.Dispatch(ctx, "PlaceOrder", placeOrder{})
		assert.Equal(t, UnknownProviderError{Kind: KindCommand, ProviderType: "PlaceOrder"}, err)
		err = c.Call(ctx, "bad name", "Echo", nil)
		assert.Error(t, err)
		c.Close()
		st.Close()
	}
}

func Test_Server_ContentTypeMismatch(t *testing.T) {
	if leaktestEnabled {
		defer leaktest.Check(t)()
	}
	for _, framing := range framings {
		st := newSrvTester(t, newTestService().queries(t), func(srv *Server) { srv.Framing = framing })
		c := st.newClient(func(c *Client) { c.ContentType = ContentTypeJSON })
		err := c.Call(context.Background(), "Echo", "Add", nil, 1, 2)
		assert.True(t, IsProtocolError(err), framing)
		c.Close()
		st.Close()
	}
}

func Test_Server_Commands(t *testing.T) {
	if leaktestEnabled {
		defer leaktest.Check(t)()
	}
	for _, framing := range framings {
		ts := newTestService()
		st := newSrvTester(t, ts.messages(t), func(srv *Server) { srv.Framing = framing })
		c := st.newClient()
		ctx := context.Background()

		assert.NoError(t, c.Dispatch(ctx, "PlaceOrder", placeOrder{Item: "widget", Quantity: 1}))
		waitFor(t, func() bool { return ts.placedCount() == 1 })

		assert.NoError(t, c.DispatchAwait(ctx, "PlaceOrder", placeOrder{Item: "widget", Quantity: 2}))
		assert.Equal(t, 2, ts.placedCount())

		var placed orderPlaced
		assert.NoError(t, c.DispatchAwaitResult(ctx, "PlaceOrderNow", placeOrder{Item: "gadget"}, &placed))
		assert.Equal(t, orderPlaced{OrderID: "gadget-1"}, placed)

		err := c.DispatchAwaitResult(ctx, "PlaceOrder", placeOrder{Item: "gadget"}, &placed)
		assert.True(t, IsProtocolError(err))

		err = c.DispatchAwait(ctx, "Reject", placeOrder{Item: "widget"})
		var oos *outOfStockError
		assert.True(t, errors.As(err, &oos))

		// accepted, the failure stays on the server
		assert.NoError(t, c.Dispatch(ctx, "Reject", placeOrder{Item: "widget"}))

		assert.NoError(t, c.Publish(ctx, "OrderPlaced", orderPlaced{OrderID: "o-1"}))
		select {
		case ev := <-ts.events:
			assert.Equal(t, orderPlaced{OrderID: "o-1"}, ev)
		case <-time.After(time.Second * 2):
			t.Fatal("event not delivered")
		}

		err = c.Publish(ctx, "PlaceOrder", orderPlaced{})
		assert.Equal(t, UnknownProviderError{Kind: KindEvent, ProviderType: "PlaceOrder"}, err)
		err = c.Dispatch(ctx, "Missing", placeOrder{})
		assert.Equal(t, UnknownProviderError{Kind: KindCommand, ProviderType: "Missing"}, err)
		err = c.Call(ctx, "PlaceOrder", "Method", nil)
		assert.Equal(t, UnknownProviderError{Kind: KindQuery, ProviderType: "PlaceOrder"}, err)

		c.Close()
		st.Close()
		assert.Equal(t, 1, st.srv.ServeErrors()["widget: 0 left"], framing)
	}
}

func Test_Server_ShutdownWaitsForBackgroundWork(t *testing.T) {
	if leaktestEnabled {
		defer leaktest.Check(t)()
	}
	ts := newTestService()
	st := newSrvTester(t, ts.messages(t))
	defer st.Close()
	c := st.newClient()
	defer c.Close()

	assert.NoError(t, c.Dispatch(context.Background(), "Slow", placeOrder{}))
	<-ts.started
	c.Close()

	shut := make(chan error)
	go func() { shut <- st.srv.Shutdown(context.Background()) }()
	select {
	case <-shut:
		t.Fatal("shutdown did not wait for the background handler")
	case <-time.After(time.Millisecond * 50):
	}
	close(ts.release)
	select {
	case err := <-shut:
		assert.NoError(t, err)
	case <-time.After(time.Second * 2):
		t.Fatal("shutdown did not return")
	}
	st.isClosed = true
	st.waitServeDone()
}

func Test_Server_Claims(t *testing.T) {
	if leaktestEnabled {
		defer leaktest.Check(t)()
	}
	st := newSrvTester(t, newTestService().queries(t))
	defer st.Close()
	ctx := WithClaims(context.Background(), []Claim{{Type: "sub", Value: "alice"}})

	c := st.newClient(func(c *Client) { c.PropagateClaims = true })
	var sub string
	assert.NoError(t, c.Call(ctx, "Echo", "Whoami", &sub))
	assert.Equal(t, "alice", sub)
	c.Close()

	c = st.newClient()
	sub = "unchanged"
	assert.NoError(t, c.Call(ctx, "Echo", "Whoami", &sub))
	assert.Empty(t, sub)
	c.Close()
}

func Test_Server_Authorizer(t *testing.T) {
	if leaktestEnabled {
		defer leaktest.Check(t)()
	}
	auth := TokenAuthorizer{Token: "t0ken"}
	st := newSrvTester(t, newTestService().queries(t), func(srv *Server) {
		srv.Framing = FramingHTTP
		srv.Authorizer = auth
	})
	defer st.Close()
	ctx := WithClaims(context.Background(), []Claim{{Type: "sub", Value: "mallory"}})

	c := st.newClient(func(c *Client) {
		c.Authorizer = auth
		c.PropagateClaims = true
	})
	var sub string
	assert.NoError(t, c.Call(ctx, "Echo", "Whoami", &sub))
	// claims from the envelope are not trusted behind an authorizer
	assert.Empty(t, sub)
	c.Close()

	c = st.newClient()
	err := c.Call(ctx, "Echo", "Whoami", &sub)
	assert.Equal(t, UnauthorizedError{Reason: "missing Authorization"}, err)
	c.Close()

	c = st.newClient(func(c *Client) { c.Authorizer = TokenAuthorizer{Token: "guess"} })
	err = c.Call(ctx, "Echo", "Whoami", &sub)
	assert.Equal(t, UnauthorizedError{Reason: "invalid token"}, err)
	c.Close()
}

func Test_Server_RawAuthorizerSeesNoHeaders(t *testing.T) {
	if leaktestEnabled {
		defer leaktest.Check(t)()
	}
	auth := TokenAuthorizer{Token: "t0ken"}
	st := newSrvTester(t, newTestService().queries(t), func(srv *Server) { srv.Authorizer = auth })
	defer st.Close()
	c := st.newClient(func(c *Client) { c.Authorizer = auth })
	defer c.Close()
	err := c.Call(context.Background(), "Echo", "Whoami", nil)
	assert.IsType(t, UnauthorizedError{}, err)
}

func Test_Server_Streaming(t *testing.T) {
	if leaktestEnabled {
		defer leaktest.Check(t)()
	}
	for _, framing := range framings {
		for _, tc := range pipelineCases() {
			st := newSrvTester(t, newTestService().queries(t), func(srv *Server) {
				srv.Framing = framing
				srv.Encryptor = tc.enc
				srv.Compression = tc.compress
			})
			c := st.newClient()
			ctx := context.Background()

			rc, err := c.CallStream(ctx, "Echo", "Repeat", 300000)
			require.NoError(t, err)
			got, err := io.ReadAll(rc)
			assert.NoError(t, err)
			assert.NoError(t, rc.Close())
			assert.Equal(t, testPayload(300000), got, "%s %s", framing, tc.name)

			// a fully read stream leaves the connection reusable
			var sum int
			assert.NoError(t, c.Call(ctx, "Echo", "Add", &sum, 1, 2))
			assert.Equal(t, 3, sum)
			assert.Equal(t, int64(1), c.pool.Dials(), "%s %s", framing, tc.name)

			// a failing stream method answers with an error
			_, err = c.CallStream(ctx, "Echo", "Fail", "widget")
			var oos *outOfStockError
			assert.True(t, errors.As(err, &oos))

			c.Close()
			st.Close()
		}
	}
}

func Test_Server_StreamAbandoned(t *testing.T) {
	if leaktestEnabled {
		defer leaktest.Check(t)()
	}
	st := newSrvTester(t, newTestService().queries(t))
	defer st.Close()
	c := st.newClient()
	defer c.Close()
	ctx := context.Background()

	rc, err := c.CallStream(ctx, "Echo", "Repeat", 8<<20)
	require.NoError(t, err)
	var buf [1000]byte
	_, err = io.ReadFull(rc, buf[:])
	assert.NoError(t, err)
	assert.Equal(t, testPayload(1000), buf[:])
	assert.NoError(t, rc.Close())

	var sum int
	assert.NoError(t, c.Call(ctx, "Echo", "Add", &sum, 2, 2))
	assert.Equal(t, 4, sum)
	assert.Equal(t, int64(2), c.pool.Dials())
}

func Test_Server_Cancel(t *testing.T) {
	if leaktestEnabled {
		defer leaktest.Check(t)()
	}
	for _, framing := range framings {
		ts := newTestService()
		hook := &recordingHook{}
		st := newSrvTester(t, ts.queries(t), func(srv *Server) {
			srv.Framing = framing
			srv.Hook = hook
		})
		c := st.newClient()

		ctx, cancel := context.WithCancel(context.Background())
		callErr := make(chan error, 1)
		go func() { callErr <- c.Call(ctx, "Echo", "Block", nil) }()
		<-ts.started
		cancel()

		select {
		case err := <-callErr:
			assert.Equal(t, context.Canceled, errors.Cause(err), framing)
		case <-time.After(time.Second * 2):
			t.Fatal("call not canceled")
		}
		select {
		case err := <-ts.finished:
			assert.Equal(t, context.Canceled, err)
		case <-time.After(time.Second * 2):
			t.Fatal("handler not canceled")
		}
		waitFor(t, func() bool {
			ends, _ := hook.ended()
			return len(ends) == 1
		})
		ends, errs := hook.ended()
		assert.True(t, ends[0].Aborted)
		assert.Equal(t, "Echo.Block", ends[0].Method())
		assert.Equal(t, context.Canceled, errs[0])

		// the next call gets a new connection
		var sum int
		assert.NoError(t, c.Call(context.Background(), "Echo", "Add", &sum, 1, 1))
		assert.Equal(t, int64(2), c.pool.Dials())

		c.Close()
		st.Close()
		assert.Empty(t, st.srv.ServeErrors())
	}
}

func Test_Server_Deadline(t *testing.T) {
	if leaktestEnabled {
		defer leaktest.Check(t)()
	}
	ts := newTestService()
	st := newSrvTester(t, ts.queries(t))
	defer st.Close()
	c := st.newClient(func(c *Client) { c.AbortTimeout = time.Millisecond * 200 })
	defer c.Close()

	ctx, cancel := context.WithTimeout(context.Background(), time.Millisecond*100)
	defer cancel()
	err := c.Call(ctx, "Echo", "Block", nil)
	assert.Equal(t, context.DeadlineExceeded, errors.Cause(err))
	select {
	case err = <-ts.finished:
		assert.Equal(t, context.Canceled, err)
	case <-time.After(time.Second * 2):
		t.Fatal("handler not canceled")
	}
}

func Test_Server_ShutdownExpires(t *testing.T) {
	if leaktestEnabled {
		defer leaktest.Check(t)()
	}
	ts := newTestService()
	st := newSrvTester(t, ts.queries(t))
	c := st.newClient()
	defer c.Close()

	callErr := make(chan error, 1)
	go func() { callErr <- c.Call(context.Background(), "Echo", "Block", nil) }()
	<-ts.started

	ctx, cancel := context.WithTimeout(context.Background(), time.Millisecond*50)
	defer cancel()
	assert.Equal(t, context.DeadlineExceeded, errors.Cause(st.srv.Shutdown(ctx)))
	st.isClosed = true
	select {
	case err := <-ts.finished:
		assert.Equal(t, context.Canceled, err)
	case <-time.After(time.Second * 2):
		t.Fatal("handler not canceled")
	}
	select {
	case err := <-callErr:
		assert.Error(t, err)
	case <-time.After(time.Second * 2):
		t.Fatal("call did not fail")
	}
	st.waitServeDone()
}

func Test_Server_ConcurrentCalls(t *testing.T) {
	if leaktestEnabled {
		defer leaktest.Check(t)()
	}
	st := newSrvTester(t, newTestService().queries(t))
	defer st.Close()
	pool := &Pool{MaxConnectionsPerDestination: 4}
	defer pool.Close()
	c := st.newClient(func(c *Client) { c.Pool = pool })
	defer c.Close()

	var wg sync.WaitGroup
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			for j := 0; j < 25; j++ {
				var sum int
				if assert.NoError(t, c.Call(context.Background(), "Echo", "Add", &sum, i, j)) {
					assert.Equal(t, i+j, sum)
				}
			}
		}(i)
	}
	wg.Wait()
	assert.LessOrEqual(t, pool.Dials(), int64(4))
	assert.Empty(t, st.srv.ServeErrors())
}

func Test_Server_IdleTimeout(t *testing.T) {
	if leaktestEnabled {
		defer leaktest.Check(t)()
	}
	st := newSrvTester(t, newTestService().queries(t), func(srv *Server) { srv.ReadTimeout = time.Millisecond * 100 })
	defer st.Close()
	c := st.newClient()
	defer c.Close()

	ctx := context.Background()
	assert.NoError(t, c.Call(ctx, "Echo", "Add", nil, 1, 1))
	time.Sleep(time.Millisecond * 300)
	assert.NoError(t, c.Call(ctx, "Echo", "Add", nil, 1, 1))
	assert.Equal(t, int64(2), c.pool.Dials())
	assert.Empty(t, st.srv.ServeErrors())
}

func Test_Server_DroppedConnections(t *testing.T) {
	if leaktestEnabled {
		defer leaktest.Check(t)()
	}
	st := newSrvTester(t, newTestService().queries(t))
	defer st.Close()
	c := st.newClient()
	defer c.Close()

	ctx := context.Background()
	assert.NoError(t, c.Call(ctx, "Echo", "Add", nil, 1, 1))
	st.dropConnections()
	time.Sleep(time.Millisecond * 50)
	assert.NoError(t, c.Call(ctx, "Echo", "Add", nil, 1, 1))
	assert.Equal(t, int64(2), c.pool.Dials())
}

// fakeServe answers one raw framing echo request on c, or reads it and
// returns false without answering if respond is false.
func fakeServe(c net.Conn, respond bool) bool {
	buf := headerBufferAlloc()
	defer headerBufferFree(buf)
	_, tail, err := readHeader(c, buf, FramingRaw)
	if err != nil {
		return false
	}
	var env Envelope
	if err = readBody(NewRawBody(c, nil, tail), BytesSerializer{}, &env, nil, false); err != nil {
		return false
	}
	if !respond || len(env.Arguments) != 1 {
		return false
	}
	if _, err = c.Write(RawHeader{ContentType: ContentTypeBytes}.AppendTo(nil)); err != nil {
		return false
	}
	return writeBodyBytes(NewRawBody(nil, c, nil), env.Arguments[0], nil, false) == nil
}

func Test_Client_RetryStaleConnection(t *testing.T) {
	if leaktestEnabled {
		defer leaktest.Check(t)()
	}
	ln, err := net.Listen("tcp", srvAddr)
	require.NoError(t, err)
	defer ln.Close()
	done := make(chan struct{})
	go func() {
		defer close(done)
		c1, err := ln.Accept()
		if err != nil {
			return
		}
		fakeServe(c1, true)
		// the peer closes after reading the second request
		fakeServe(c1, false)
		_ = c1.Close()
		c2, err := ln.Accept()
		if err != nil {
			return
		}
		for fakeServe(c2, true) {
		}
		_ = c2.Close()
	}()

	c := NewClient(ln.Addr().String())
	ctx := context.Background()
	var got []byte
	require.NoError(t, c.Call(ctx, "Echo", "Echo", &got, []byte("one")))
	assert.Equal(t, "one", string(got))
	require.NoError(t, c.Call(ctx, "Echo", "Echo", &got, []byte("two")))
	assert.Equal(t, "two", string(got))
	assert.Equal(t, int64(2), c.pool.Dials())
	assert.NoError(t, c.Close())
	<-done
}

func Test_Client_NoRetryOnFreshConnection(t *testing.T) {
	if leaktestEnabled {
		defer leaktest.Check(t)()
	}
	ln, err := net.Listen("tcp", srvAddr)
	require.NoError(t, err)
	defer ln.Close()
	done := make(chan struct{})
	go func() {
		defer close(done)
		c1, err := ln.Accept()
		if err != nil {
			return
		}
		fakeServe(c1, false)
		_ = c1.Close()
	}()

	c := NewClient(ln.Addr().String())
	defer c.Close()
	err = c.Call(context.Background(), "Echo", "Echo", nil, []byte("one"))
	assert.Equal(t, ErrConnectionAborted, errors.Cause(err))
	assert.Equal(t, int64(1), c.pool.Dials())
	<-done
}

func Test_Client_Unreachable(t *testing.T) {
	if leaktestEnabled {
		defer leaktest.Check(t)()
	}
	ln, err := net.Listen("tcp", srvAddr)
	require.NoError(t, err)
	addr := ln.Addr().String()
	_ = ln.Close()

	c := NewClient(addr)
	defer c.Close()
	err = c.Call(context.Background(), "Echo", "Echo", nil)
	assert.True(t, IsConnectionError(err))

	bad := NewClient("")
	assert.Error(t, bad.Call(context.Background(), "Echo", "Echo", nil))
	assert.NoError(t, bad.Close())
}

func Test_Server_MalformedRequest(t *testing.T) {
	if leaktestEnabled {
		defer leaktest.Check(t)()
	}
	st := newSrvTester(t, newTestService().queries(t))
	defer st.Close()

	for _, garbage := range []string{"GARBAGE~", "ERR * 0~\x00\x00\x00\x00"} {
		c, err := net.Dial("tcp", st.addr())
		require.NoError(t, err)
		_, err = c.Write([]byte(garbage))
		assert.NoError(t, err)
		_ = c.SetReadDeadline(time.Now().Add(time.Second * 2))
		var one [1]byte
		_, err = c.Read(one[:])
		assert.Error(t, err, garbage)
		_ = c.Close()
	}
	st.Close()
	total := 0
	for _, n := range st.srv.ServeErrors() {
		total += n
	}
	assert.Equal(t, 2, total)
}

func Test_Server_Hook(t *testing.T) {
	if leaktestEnabled {
		defer leaktest.Check(t)()
	}
	hook := &recordingHook{}
	st := newSrvTester(t, newTestService().queries(t), func(srv *Server) {
		srv.Framing = FramingHTTP
		srv.Hook = hook
	})
	defer st.Close()
	c := st.newClient(func(c *Client) {
		c.Source = "tester"
		c.Authorizer = TokenAuthorizer{Token: "t0ken"}
	})
	defer c.Close()

	ctx := context.Background()
	assert.NoError(t, c.Call(ctx, "Echo", "Add", nil, 1, 2))
	assert.Error(t, c.Call(ctx, "Echo", "Fail", nil, "widget"))

	ends, errs := hook.ended()
	require.Len(t, ends, 2)
	assert.Equal(t, KindQuery, ends[0].Kind)
	assert.Equal(t, "Echo.Add", ends[0].Method())
	assert.Equal(t, "tester", ends[0].Source)
	assert.Equal(t, FramingHTTP, ends[0].Framing)
	assert.NotEmpty(t, ends[0].RequestID)
	assert.Equal(t, "t0ken", ends[0].Metadata["authorization"])
	assert.False(t, ends[0].Aborted)
	assert.NoError(t, errs[0])
	var oos *outOfStockError
	assert.True(t, errors.As(errs[1], &oos))
}

// httpExchange writes req on c and reads one HTTP framing response from br.
func httpExchange(t *testing.T, c net.Conn, br *bufio.Reader, req []byte) (HTTPHeader, []byte) {
	t.Helper()
	_, err := c.Write(req)
	require.NoError(t, err)
	buf := headerBufferAlloc()
	defer headerBufferFree(buf)
	header, tail, err := readHeader(br, buf, FramingHTTP)
	require.NoError(t, err)
	hh, err := DecodeHTTPHeader(header)
	require.NoError(t, err)
	body := newHTTPReadBody(&hh, br, tail)
	data, err := io.ReadAll(body)
	require.NoError(t, err)
	require.NoError(t, body.Close())
	return hh, data
}

func echoRequest(t *testing.T, origin string, arg []byte) []byte {
	env := NewQueryEnvelope("Echo", "Echo", [][]byte{mustMarshal(t, BytesSerializer{}, arg)})
	body := mustMarshal(t, BytesSerializer{}, env)
	h := NewHTTPRequestHeader("Echo", ContentTypeBytes, int64(len(body)))
	h.Origin = origin
	return append(h.AppendTo(nil), body...)
}

func Test_Server_HTTPOrigins(t *testing.T) {
	if leaktestEnabled {
		defer leaktest.Check(t)()
	}
	st := newSrvTester(t, newTestService().queries(t), func(srv *Server) {
		srv.Framing = FramingHTTP
		srv.AllowOrigins = []string{"https://app.example"}
	})
	defer st.Close()
	c, err := net.Dial("tcp", st.addr())
	require.NoError(t, err)
	defer c.Close()
	br := bufio.NewReader(c)

	hh, _ := httpExchange(t, c, br, []byte("OPTIONS /Echo HTTP/1.1\r\nHost: zerra\r\nOrigin: https://app.example\r\n\r\n"))
	assert.Equal(t, http.StatusOK, hh.StatusCode)
	assert.Equal(t, "https://app.example", hh.Headers.Get(HeaderAllowOrigin))

	hh, _ = httpExchange(t, c, br, []byte("OPTIONS /Echo HTTP/1.1\r\nOrigin: https://evil.example\r\n\r\n"))
	assert.Equal(t, http.StatusOK, hh.StatusCode)
	assert.Empty(t, hh.Headers.Get(HeaderAllowOrigin))

	hh, data := httpExchange(t, c, br, echoRequest(t, "https://evil.example", []byte("hello")))
	assert.True(t, hh.IsError())
	assert.Empty(t, hh.Headers.Get(HeaderAllowOrigin))
	var exc ExceptionEnvelope
	require.NoError(t, BytesSerializer{}.Unmarshal(data, &exc))
	assert.Equal(t, "Zerra.UnauthorizedError", exc.TypeName)

	hh, data = httpExchange(t, c, br, echoRequest(t, "https://app.example", []byte("hello")))
	assert.Equal(t, http.StatusOK, hh.StatusCode)
	assert.Equal(t, "https://app.example", hh.Headers.Get(HeaderAllowOrigin))
	var got []byte
	require.NoError(t, BytesSerializer{}.Unmarshal(data, &got))
	assert.Equal(t, "hello", string(got))
}

func Test_Server_NetHTTPClient(t *testing.T) {
	if leaktestEnabled {
		defer leaktest.Check(t)()
	}
	st := newSrvTester(t, newTestService().queries(t), func(srv *Server) { srv.Framing = FramingHTTP })
	defer st.Close()
	tr := &http.Transport{}
	defer tr.CloseIdleConnections()
	hc := &http.Client{Transport: tr, Timeout: time.Second * 5}

	post := func(env *Envelope) *http.Response {
		body := mustMarshal(t, BytesSerializer{}, env)
		req, err := http.NewRequest(http.MethodPost, "http://"+st.addr()+"/"+env.ProviderType, bytes.NewReader(body))
		require.NoError(t, err)
		req.Header.Set(HeaderContentType, ContentTypeBytes.MIMEType())
		req.Header.Set(HeaderProviderType, env.ProviderType)
		resp, err := hc.Do(req)
		require.NoError(t, err)
		return resp
	}

	ser := BytesSerializer{}
	resp := post(NewQueryEnvelope("Echo", "Add", [][]byte{mustMarshal(t, ser, 40), mustMarshal(t, ser, 2)}))
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, ContentTypeBytes.MIMEType(), resp.Header.Get(HeaderContentType))
	data, err := io.ReadAll(resp.Body)
	assert.NoError(t, err)
	assert.NoError(t, resp.Body.Close())
	var sum int
	require.NoError(t, ser.Unmarshal(data, &sum))
	assert.Equal(t, 42, sum)

	resp = post(NewQueryEnvelope("Nope", "Add", nil))
	assert.Equal(t, http.StatusInternalServerError, resp.StatusCode)
	data, err = io.ReadAll(resp.Body)
	assert.NoError(t, err)
	assert.NoError(t, resp.Body.Close())
	var exc ExceptionEnvelope
	require.NoError(t, ser.Unmarshal(data, &exc))
	assert.Equal(t, "Zerra.UnknownProviderError", exc.TypeName)
}

func Test_Server_ProviderTypeMismatch(t *testing.T) {
	if leaktestEnabled {
		defer leaktest.Check(t)()
	}
	ser := BytesSerializer{}
	args := [][]byte{mustMarshal(t, ser, 40), mustMarshal(t, ser, 2)}

	t.Run("raw", func(t *testing.T) {
		st := newSrvTester(t, newTestService().queries(t))
		defer st.Close()
		var req bytes.Buffer
		req.Write(RawHeader{ProviderType: "Other", ContentType: ContentTypeBytes}.AppendTo(nil))
		require.NoError(t, writeBody(NewRawBody(nil, &req, nil), ser, NewQueryEnvelope("Echo", "Add", args), nil, false))

		c, err := net.Dial("tcp", st.addr())
		require.NoError(t, err)
		defer c.Close()
		_ = c.SetDeadline(time.Now().Add(time.Second * 5))
		_, err = c.Write(req.Bytes())
		require.NoError(t, err)
		br := bufio.NewReader(c)
		header, tail, err := readHeader(br, make([]byte, MaxHeaderSize), FramingRaw)
		require.NoError(t, err)
		rh, err := DecodeRawHeader(header)
		require.NoError(t, err)
		assert.True(t, rh.IsError)
		var exc ExceptionEnvelope
		require.NoError(t, readBody(NewRawBody(br, nil, tail), ser, &exc, nil, false))
		assert.Equal(t, "Zerra.ProtocolError", exc.TypeName)
		assert.Contains(t, exc.Message, `"Other"`)
	})

	t.Run("http", func(t *testing.T) {
		st := newSrvTester(t, newTestService().queries(t), func(srv *Server) { srv.Framing = FramingHTTP })
		defer st.Close()
		tr := &http.Transport{}
		defer tr.CloseIdleConnections()
		hc := &http.Client{Transport: tr, Timeout: time.Second * 5}
		body := mustMarshal(t, ser, NewQueryEnvelope("Echo", "Add", args))
		req, err := http.NewRequest(http.MethodPost, "http://"+st.addr()+"/Other", bytes.NewReader(body))
		require.NoError(t, err)
		req.Header.Set(HeaderContentType, ContentTypeBytes.MIMEType())
		req.Header.Set(HeaderProviderType, "Other")
		resp, err := hc.Do(req)
		require.NoError(t, err)
		data, err := io.ReadAll(resp.Body)
		assert.NoError(t, err)
		assert.NoError(t, resp.Body.Close())
		assert.Equal(t, http.StatusInternalServerError, resp.StatusCode)
		var exc ExceptionEnvelope
		require.NoError(t, ser.Unmarshal(data, &exc))
		assert.Equal(t, "Zerra.ProtocolError", exc.TypeName)
	})
}

func Benchmark_Server_Echo(b *testing.B) {
	ht := NewHandlerTable()
	if err := ht.RegisterQuery("Echo", 0, map[string]QueryMethod{
		"Echo": Query1(func(ctx context.Context, data []byte) ([]byte, error) { return data, nil }),
	}); err != nil {
		log.Fatalf("%v", err)
	}
	srv := NewServer(srvAddr, ht)
	if err := srv.Open(); err != nil {
		log.Fatalf("%v", err)
	}
	go func() { _ = srv.Serve() }()
	defer srv.Shutdown(context.Background())
	c := NewClient(srv.Addrs()[0].String())
	defer c.Close()

	payload := testPayload(4096)
	var got []byte
	b.SetBytes(int64(len(payload)))
	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		if err := c.Call(context.Background(), "Echo", "Echo", &got, payload); err != nil {
			log.Fatalf("%v", err)
		}
	}
}
