package mcp

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/Bigsy/mcpd/internal/protocol"
)

// fakeTransport is an in-memory Transport. Tests play the server side by
// reading from sent and pushing replies.
type fakeTransport struct {
	mu      sync.Mutex
	sent    chan []byte
	msgs    chan []byte
	sendErr error
	failErr error
	closed  bool
}

func newFakeTransport() *fakeTransport {
	return &fakeTransport{
		sent: make(chan []byte, 64),
		msgs: make(chan []byte, 64),
	}
}

func (f *fakeTransport) Start(ctx context.Context) error { return nil }

func (f *fakeTransport) Send(ctx context.Context, msg []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.sendErr != nil {
		return f.sendErr
	}
	if f.closed {
		return errors.New("transport closed")
	}
	f.sent <- append([]byte(nil), msg...)
	return nil
}

func (f *fakeTransport) Messages() <-chan []byte { return f.msgs }

func (f *fakeTransport) Err() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.failErr
}

func (f *fakeTransport) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.closed {
		return nil
	}
	f.closed = true
	close(f.msgs)
	close(f.sent)
	return nil
}

// push delivers one raw envelope as if the server sent it.
func (f *fakeTransport) push(raw string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.closed {
		return
	}
	f.msgs <- []byte(raw)
}

// fail simulates an abnormal transport termination.
func (f *fakeTransport) fail(err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.closed {
		return
	}
	f.closed = true
	f.failErr = err
	close(f.msgs)
	close(f.sent)
}

// serve runs a scripted server: handle is called for every outbound
// envelope, and its non-empty return value is pushed back inbound.
func serve(f *fakeTransport, handle func(msg *protocol.Message) string) {
	go func() {
		for data := range f.sent {
			msg, rpcErr := protocol.ValidateMessage(data)
			if rpcErr != nil {
				continue
			}
			if reply := handle(msg); reply != "" {
				f.push(reply)
			}
		}
	}()
}

// acceptInitialize replies to initialize with the given version and
// swallows the initialized notification.
func acceptInitialize(version string) func(msg *protocol.Message) string {
	return func(msg *protocol.Message) string {
		if msg.Method == "initialize" {
			return initializeResult(msg.ID, version)
		}
		return ""
	}
}

func initializeResult(id json.RawMessage, version string) string {
	return fmt.Sprintf(`{"jsonrpc":"2.0","id":%s,"result":{"protocolVersion":%q,"capabilities":{"tools":{"listChanged":true}},"serverInfo":{"name":"fake-server","version":"1.0.0"}}}`, id, version)
}

func testCtx(t *testing.T) context.Context {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	t.Cleanup(cancel)
	return ctx
}

func waitForState(t *testing.T, c *Connector, want State) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if c.Status().Status == want {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("connector never reached state %q (now %q)", want, c.Status().Status)
}

func TestConnector_Connect(t *testing.T) {
	ft := newFakeTransport()

	var mu sync.Mutex
	var initIDs []string
	var initVersions []string
	serve(ft, func(msg *protocol.Message) string {
		if msg.Method == "initialize" {
			var params protocol.InitializeParams
			_ = json.Unmarshal(msg.Params, &params)
			mu.Lock()
			initIDs = append(initIDs, string(msg.ID))
			initVersions = append(initVersions, params.ProtocolVersion)
			mu.Unlock()
			return initializeResult(msg.ID, params.ProtocolVersion)
		}
		return ""
	})

	c := NewConnector(func() Transport { return ft }, Options{Name: "test"})
	res, err := c.Connect(testCtx(t))
	if err != nil {
		t.Fatalf("Connect failed: %v", err)
	}

	if res.ProtocolVersion != protocol.LatestProtocolVersion() {
		t.Errorf("negotiated %q, want %q", res.ProtocolVersion, protocol.LatestProtocolVersion())
	}
	if res.ServerInfo.Name != "fake-server" {
		t.Errorf("server name = %q", res.ServerInfo.Name)
	}

	st := c.Status()
	if st.Status != StateConnected {
		t.Errorf("status = %q, want connected", st.Status)
	}
	if st.ServerInfo == nil || st.ServerInfo.Name != "fake-server" {
		t.Errorf("status server info = %+v", st.ServerInfo)
	}

	mu.Lock()
	defer mu.Unlock()
	if len(initIDs) != 1 {
		t.Fatalf("expected 1 initialize, got %d", len(initIDs))
	}
	if initIDs[0] != "0" {
		t.Errorf("initialize id = %s, want 0", initIDs[0])
	}
	if initVersions[0] != protocol.LatestProtocolVersion() {
		t.Errorf("offered version = %q", initVersions[0])
	}
}

func TestConnector_VersionWalk(t *testing.T) {
	ft := newFakeTransport()
	accepted := "2025-03-26"

	var mu sync.Mutex
	var offered []string
	serve(ft, func(msg *protocol.Message) string {
		if msg.Method != "initialize" {
			return ""
		}
		var params protocol.InitializeParams
		_ = json.Unmarshal(msg.Params, &params)
		mu.Lock()
		offered = append(offered, params.ProtocolVersion)
		mu.Unlock()
		if params.ProtocolVersion != accepted {
			return fmt.Sprintf(`{"jsonrpc":"2.0","id":%s,"error":{"code":-32602,"message":"Invalid params: unsupported protocol version \"%s\""}}`, msg.ID, params.ProtocolVersion)
		}
		return initializeResult(msg.ID, accepted)
	})

	c := NewConnector(func() Transport { return ft }, Options{Name: "test"})
	res, err := c.Connect(testCtx(t))
	if err != nil {
		t.Fatalf("Connect failed: %v", err)
	}
	if res.ProtocolVersion != accepted {
		t.Errorf("negotiated %q, want %q", res.ProtocolVersion, accepted)
	}

	mu.Lock()
	defer mu.Unlock()
	want := []string{"2025-11-25", "2025-06-18", "2025-03-26"}
	if len(offered) != len(want) {
		t.Fatalf("offered %v, want %v", offered, want)
	}
	for i := range want {
		if offered[i] != want[i] {
			t.Errorf("offer %d = %q, want %q", i, offered[i], want[i])
		}
	}
}

func TestConnector_AllVersionsRejected(t *testing.T) {
	ft := newFakeTransport()
	serve(ft, func(msg *protocol.Message) string {
		if msg.Method == "initialize" {
			return fmt.Sprintf(`{"jsonrpc":"2.0","id":%s,"error":{"code":-32602,"message":"Invalid params: unsupported protocol version"}}`, msg.ID)
		}
		return ""
	})

	c := NewConnector(func() Transport { return ft }, Options{Name: "test"})
	_, err := c.Connect(testCtx(t))
	if err == nil {
		t.Fatal("expected error")
	}
	if !strings.Contains(err.Error(), "all protocol versions rejected") {
		t.Errorf("unexpected error: %v", err)
	}
	if got := c.Status().Status; got != StateDisconnected {
		t.Errorf("status = %q, want disconnected", got)
	}
}

func TestConnector_ConnectWhileConnectedReturnsCached(t *testing.T) {
	ft := newFakeTransport()
	var initCount int
	var mu sync.Mutex
	serve(ft, func(msg *protocol.Message) string {
		if msg.Method == "initialize" {
			mu.Lock()
			initCount++
			mu.Unlock()
			return initializeResult(msg.ID, protocol.LatestProtocolVersion())
		}
		return ""
	})

	c := NewConnector(func() Transport { return ft }, Options{Name: "test"})
	ctx := testCtx(t)
	first, err := c.Connect(ctx)
	if err != nil {
		t.Fatalf("Connect failed: %v", err)
	}
	second, err := c.Connect(ctx)
	if err != nil {
		t.Fatalf("second Connect failed: %v", err)
	}
	if first != second {
		t.Error("second Connect should return the cached initialize result")
	}

	mu.Lock()
	defer mu.Unlock()
	if initCount != 1 {
		t.Errorf("initialize sent %d times, want 1", initCount)
	}
}

func TestConnector_ConcurrentConnectShareAttempt(t *testing.T) {
	ft := newFakeTransport()
	release := make(chan struct{})
	var initCount int
	var mu sync.Mutex
	serve(ft, func(msg *protocol.Message) string {
		if msg.Method == "initialize" {
			mu.Lock()
			initCount++
			mu.Unlock()
			<-release
			return initializeResult(msg.ID, protocol.LatestProtocolVersion())
		}
		return ""
	})

	c := NewConnector(func() Transport { return ft }, Options{Name: "test"})
	ctx := testCtx(t)

	results := make(chan error, 2)
	go func() {
		_, err := c.Connect(ctx)
		results <- err
	}()
	// Let the first Connect claim the attempt before the second joins.
	waitForState(t, c, StateConnecting)
	go func() {
		_, err := c.Connect(ctx)
		results <- err
	}()

	time.Sleep(20 * time.Millisecond)
	close(release)

	for i := 0; i < 2; i++ {
		if err := <-results; err != nil {
			t.Fatalf("Connect %d failed: %v", i, err)
		}
	}

	mu.Lock()
	defer mu.Unlock()
	if initCount != 1 {
		t.Errorf("initialize sent %d times, want 1", initCount)
	}
}

func TestConnector_RequestResponse(t *testing.T) {
	ft := newFakeTransport()
	serve(ft, func(msg *protocol.Message) string {
		switch msg.Method {
		case "initialize":
			return initializeResult(msg.ID, protocol.LatestProtocolVersion())
		case "tools/list":
			return fmt.Sprintf(`{"jsonrpc":"2.0","id":%s,"result":{"tools":[{"name":"echo","inputSchema":{"type":"object"}}]}}`, msg.ID)
		}
		return ""
	})

	c := NewConnector(func() Transport { return ft }, Options{Name: "test"})
	ctx := testCtx(t)
	if _, err := c.Connect(ctx); err != nil {
		t.Fatalf("Connect failed: %v", err)
	}

	raw, err := c.SendRequest(ctx, "tools/list", nil)
	if err != nil {
		t.Fatalf("SendRequest failed: %v", err)
	}
	var res protocol.ListToolsResult
	if err := json.Unmarshal(raw, &res); err != nil {
		t.Fatalf("unmarshal result: %v", err)
	}
	if len(res.Tools) != 1 || res.Tools[0].Name != "echo" {
		t.Errorf("unexpected tools: %+v", res.Tools)
	}
}

func TestConnector_ErrorResponseSurfacesRPCError(t *testing.T) {
	ft := newFakeTransport()
	serve(ft, func(msg *protocol.Message) string {
		switch msg.Method {
		case "initialize":
			return initializeResult(msg.ID, protocol.LatestProtocolVersion())
		case "tools/call":
			return fmt.Sprintf(`{"jsonrpc":"2.0","id":%s,"error":{"code":-32601,"message":"Method not found: tools/call"}}`, msg.ID)
		}
		return ""
	})

	c := NewConnector(func() Transport { return ft }, Options{Name: "test"})
	ctx := testCtx(t)
	if _, err := c.Connect(ctx); err != nil {
		t.Fatalf("Connect failed: %v", err)
	}

	_, err := c.SendRequest(ctx, "tools/call", map[string]string{"name": "x"})
	if err == nil {
		t.Fatal("expected error")
	}
	var rpcErr *protocol.RPCError
	if !errors.As(err, &rpcErr) {
		t.Fatalf("expected *protocol.RPCError, got %T: %v", err, err)
	}
	if rpcErr.Code != protocol.ErrCodeMethodNotFound {
		t.Errorf("code = %d, want %d", rpcErr.Code, protocol.ErrCodeMethodNotFound)
	}
}

func TestConnector_RequestWhileDisconnected(t *testing.T) {
	c := NewConnector(func() Transport { return newFakeTransport() }, Options{Name: "test"})
	_, err := c.SendRequest(testCtx(t), "tools/list", nil)
	if !errors.Is(err, ErrNotConnected) {
		t.Errorf("err = %v, want ErrNotConnected", err)
	}
}

func TestConnector_DisconnectRejectsPending(t *testing.T) {
	ft := newFakeTransport()
	sawSlow := make(chan struct{})
	serve(ft, func(msg *protocol.Message) string {
		switch msg.Method {
		case "initialize":
			return initializeResult(msg.ID, protocol.LatestProtocolVersion())
		case "slow/op":
			close(sawSlow)
		}
		return ""
	})

	c := NewConnector(func() Transport { return ft }, Options{Name: "test"})
	ctx := testCtx(t)
	if _, err := c.Connect(ctx); err != nil {
		t.Fatalf("Connect failed: %v", err)
	}

	errCh := make(chan error, 1)
	go func() {
		_, err := c.SendRequest(ctx, "slow/op", nil)
		errCh <- err
	}()
	<-sawSlow

	if err := c.Disconnect(ctx); err != nil {
		t.Fatalf("Disconnect failed: %v", err)
	}

	err := <-errCh
	if err == nil || err.Error() != "connector disconnected" {
		t.Errorf("pending request error = %v, want connector disconnected", err)
	}
	if got := c.Status().Status; got != StateDisconnected {
		t.Errorf("status = %q, want disconnected", got)
	}
}

func TestConnector_DisconnectDuringConnect(t *testing.T) {
	ft := newFakeTransport()
	sawInit := make(chan struct{})
	serve(ft, func(msg *protocol.Message) string {
		if msg.Method == "initialize" {
			close(sawInit)
		}
		return "" // never answer
	})

	c := NewConnector(func() Transport { return ft }, Options{Name: "test"})
	ctx := testCtx(t)

	errCh := make(chan error, 1)
	go func() {
		_, err := c.Connect(ctx)
		errCh <- err
	}()
	<-sawInit

	if err := c.Disconnect(ctx); err != nil {
		t.Fatalf("Disconnect failed: %v", err)
	}

	err := <-errCh
	if err == nil || !strings.Contains(err.Error(), "disconnection initiated while connection was in progress") {
		t.Errorf("Connect error = %v", err)
	}
	if got := c.Status().Status; got != StateDisconnected {
		t.Errorf("status = %q, want disconnected", got)
	}
}

func TestConnector_DisconnectIdempotent(t *testing.T) {
	ft := newFakeTransport()
	serve(ft, acceptInitialize(protocol.LatestProtocolVersion()))

	c := NewConnector(func() Transport { return ft }, Options{Name: "test"})
	ctx := testCtx(t)
	if _, err := c.Connect(ctx); err != nil {
		t.Fatalf("Connect failed: %v", err)
	}
	if err := c.Disconnect(ctx); err != nil {
		t.Fatalf("first Disconnect failed: %v", err)
	}
	if err := c.Disconnect(ctx); err != nil {
		t.Fatalf("second Disconnect failed: %v", err)
	}
}

func TestConnector_TransportFailureRejectsPending(t *testing.T) {
	ft := newFakeTransport()
	sawSlow := make(chan struct{})
	serve(ft, func(msg *protocol.Message) string {
		switch msg.Method {
		case "initialize":
			return initializeResult(msg.ID, protocol.LatestProtocolVersion())
		case "slow/op":
			close(sawSlow)
		}
		return ""
	})

	c := NewConnector(func() Transport { return ft }, Options{Name: "test"})
	ctx := testCtx(t)
	if _, err := c.Connect(ctx); err != nil {
		t.Fatalf("Connect failed: %v", err)
	}

	errCh := make(chan error, 1)
	go func() {
		_, err := c.SendRequest(ctx, "slow/op", nil)
		errCh <- err
	}()
	<-sawSlow

	ft.fail(errors.New("pipe broke"))

	err := <-errCh
	if err == nil || err.Error() != "connector disconnected" {
		t.Errorf("pending request error = %v, want connector disconnected", err)
	}
	waitForState(t, c, StateDisconnected)
}

func TestConnector_ServerRequestDispatched(t *testing.T) {
	ft := newFakeTransport()
	responses := make(chan *protocol.Message, 1)
	serve(ft, func(msg *protocol.Message) string {
		switch {
		case msg.Method == "initialize":
			return initializeResult(msg.ID, protocol.LatestProtocolVersion())
		case msg.Kind() == protocol.KindResponse || msg.Kind() == protocol.KindError:
			responses <- msg
		}
		return ""
	})

	c := NewConnector(func() Transport { return ft }, Options{
		Name: "test",
		OnRequest: func(ctx context.Context, method string, params json.RawMessage) (any, *protocol.RPCError) {
			if method != "sampling/createMessage" {
				return nil, protocol.ErrMethodNotFound(method)
			}
			return map[string]string{"role": "assistant"}, nil
		},
	})
	ctx := testCtx(t)
	if _, err := c.Connect(ctx); err != nil {
		t.Fatalf("Connect failed: %v", err)
	}

	ft.push(`{"jsonrpc":"2.0","id":42,"method":"sampling/createMessage","params":{"messages":[]}}`)

	select {
	case resp := <-responses:
		if string(resp.ID) != "42" {
			t.Errorf("response id = %s, want 42", resp.ID)
		}
		if resp.Error != nil {
			t.Errorf("unexpected error response: %+v", resp.Error)
		}
		if !strings.Contains(string(resp.Result), "assistant") {
			t.Errorf("unexpected result: %s", resp.Result)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("no response to server request")
	}
}

func TestConnector_ServerRequestWithoutHandler(t *testing.T) {
	ft := newFakeTransport()
	responses := make(chan *protocol.Message, 1)
	serve(ft, func(msg *protocol.Message) string {
		switch {
		case msg.Method == "initialize":
			return initializeResult(msg.ID, protocol.LatestProtocolVersion())
		case msg.Kind() == protocol.KindResponse || msg.Kind() == protocol.KindError:
			responses <- msg
		}
		return ""
	})

	c := NewConnector(func() Transport { return ft }, Options{Name: "test"})
	ctx := testCtx(t)
	if _, err := c.Connect(ctx); err != nil {
		t.Fatalf("Connect failed: %v", err)
	}

	ft.push(`{"jsonrpc":"2.0","id":9,"method":"elicitation/create","params":{}}`)

	select {
	case resp := <-responses:
		if resp.Error == nil {
			t.Fatalf("expected error response, got %s", resp.Result)
		}
		if resp.Error.Code != protocol.ErrCodeMethodNotFound {
			t.Errorf("code = %d, want method not found", resp.Error.Code)
		}
		if !strings.Contains(resp.Error.Message, "not enabled") {
			t.Errorf("message = %q, want it to mention not enabled", resp.Error.Message)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("no response to server request")
	}
}

func TestConnector_NotificationDispatch(t *testing.T) {
	ft := newFakeTransport()
	serve(ft, acceptInitialize(protocol.LatestProtocolVersion()))

	notifications := make(chan string, 1)
	c := NewConnector(func() Transport { return ft }, Options{
		Name: "test",
		OnNotification: func(ctx context.Context, method string, params json.RawMessage) {
			notifications <- method
		},
	})
	ctx := testCtx(t)
	if _, err := c.Connect(ctx); err != nil {
		t.Fatalf("Connect failed: %v", err)
	}

	ft.push(`{"jsonrpc":"2.0","method":"notifications/tools/list_changed"}`)

	select {
	case method := <-notifications:
		if method != "notifications/tools/list_changed" {
			t.Errorf("method = %q", method)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("notification not dispatched")
	}
}

func TestConnector_UnknownResponseDropped(t *testing.T) {
	ft := newFakeTransport()
	serve(ft, func(msg *protocol.Message) string {
		switch msg.Method {
		case "initialize":
			return initializeResult(msg.ID, protocol.LatestProtocolVersion())
		case "ping":
			return fmt.Sprintf(`{"jsonrpc":"2.0","id":%s,"result":{}}`, msg.ID)
		}
		return ""
	})

	c := NewConnector(func() Transport { return ft }, Options{Name: "test"})
	ctx := testCtx(t)
	if _, err := c.Connect(ctx); err != nil {
		t.Fatalf("Connect failed: %v", err)
	}

	// A response with an id nothing is waiting on must not disturb the
	// connection.
	ft.push(`{"jsonrpc":"2.0","id":999,"result":{}}`)

	if _, err := c.SendRequest(ctx, "ping", nil); err != nil {
		t.Fatalf("ping after stray response failed: %v", err)
	}
}

func TestConnector_ReconnectResetsRequestIDs(t *testing.T) {
	var mu sync.Mutex
	var initIDs []string

	factory := func() Transport {
		ft := newFakeTransport()
		serve(ft, func(msg *protocol.Message) string {
			switch msg.Method {
			case "initialize":
				mu.Lock()
				initIDs = append(initIDs, string(msg.ID))
				mu.Unlock()
				return initializeResult(msg.ID, protocol.LatestProtocolVersion())
			case "ping":
				return fmt.Sprintf(`{"jsonrpc":"2.0","id":%s,"result":{}}`, msg.ID)
			}
			return ""
		})
		return ft
	}

	c := NewConnector(factory, Options{Name: "test"})
	ctx := testCtx(t)

	if _, err := c.Connect(ctx); err != nil {
		t.Fatalf("Connect failed: %v", err)
	}
	if _, err := c.SendRequest(ctx, "ping", nil); err != nil {
		t.Fatalf("ping failed: %v", err)
	}
	if err := c.Disconnect(ctx); err != nil {
		t.Fatalf("Disconnect failed: %v", err)
	}
	if _, err := c.Connect(ctx); err != nil {
		t.Fatalf("reconnect failed: %v", err)
	}

	mu.Lock()
	defer mu.Unlock()
	if len(initIDs) != 2 {
		t.Fatalf("expected 2 initializes, got %d", len(initIDs))
	}
	for i, id := range initIDs {
		if id != "0" {
			t.Errorf("initialize %d id = %s, want 0 (ids restart per connection)", i, id)
		}
	}
}

func TestConnector_UnauthorizedParksPendingAuth(t *testing.T) {
	ft := newFakeTransport()
	ft.sendErr = &UnauthorizedError{}

	c := NewConnector(func() Transport { return ft }, Options{Name: "test"})
	ctx := testCtx(t)

	_, err := c.Connect(ctx)
	if err == nil {
		t.Fatal("expected error")
	}
	var unauthorized *UnauthorizedError
	if !errors.As(err, &unauthorized) {
		t.Fatalf("expected UnauthorizedError, got %v", err)
	}
	if got := c.Status().Status; got != StatePendingAuth {
		t.Errorf("status = %q, want pending-auth", got)
	}

	// Disconnect clears the pending-auth state without a transport close.
	if err := c.Disconnect(ctx); err != nil {
		t.Fatalf("Disconnect failed: %v", err)
	}
	if got := c.Status().Status; got != StateDisconnected {
		t.Errorf("status = %q, want disconnected", got)
	}
}
