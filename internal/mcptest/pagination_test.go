package mcptest_test

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"testing"
	"time"

	"github.com/Bigsy/mcpd/internal/mcp"
	"github.com/Bigsy/mcpd/internal/mcptest"
	"github.com/Bigsy/mcpd/internal/protocol"
)

func testCtx(t *testing.T) context.Context {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	t.Cleanup(cancel)
	return ctx
}

func connect(t *testing.T, srv *mcptest.Server) *mcp.Connector {
	t.Helper()
	conn := mcp.NewConnector(srv.Factory(), mcp.Options{Name: "fake"})
	if _, err := conn.Connect(testCtx(t)); err != nil {
		t.Fatalf("connect: %v", err)
	}
	t.Cleanup(func() { _ = conn.Disconnect(context.Background()) })
	return conn
}

func numberedTools(n int) []protocol.Tool {
	tools := make([]protocol.Tool, n)
	for i := range tools {
		tools[i] = protocol.Tool{
			Name:        fmt.Sprintf("tool-%02d", i),
			InputSchema: json.RawMessage(`{"type":"object"}`),
		}
	}
	return tools
}

func TestListTools_FollowsPagination(t *testing.T) {
	srv := mcptest.NewServer(mcptest.Config{
		Tools:    numberedTools(5),
		PageSize: 2,
	})
	conn := connect(t, srv)

	tools, err := conn.ListTools(testCtx(t))
	if err != nil {
		t.Fatalf("ListTools failed: %v", err)
	}
	if len(tools) != 5 {
		t.Fatalf("got %d tools, want 5", len(tools))
	}
	for i, tool := range tools {
		want := fmt.Sprintf("tool-%02d", i)
		if tool.Name != want {
			t.Errorf("tools[%d] = %q, want %q (page order must be preserved)", i, tool.Name, want)
		}
	}

	// 5 items at 2 per page is 3 requests.
	if got := srv.CallCount("tools/list"); got != 3 {
		t.Errorf("tools/list requests = %d, want 3", got)
	}
}

func TestListResources_FollowsPagination(t *testing.T) {
	srv := mcptest.NewServer(mcptest.Config{
		Resources: []protocol.Resource{
			{URI: "file:///a", Name: "a"},
			{URI: "file:///b", Name: "b"},
			{URI: "file:///c", Name: "c"},
		},
		PageSize: 2,
	})
	conn := connect(t, srv)

	resources, err := conn.ListResources(testCtx(t))
	if err != nil {
		t.Fatalf("ListResources failed: %v", err)
	}
	if len(resources) != 3 {
		t.Fatalf("got %d resources, want 3", len(resources))
	}
	if resources[0].URI != "file:///a" || resources[2].URI != "file:///c" {
		t.Errorf("resources out of order: %v", resources)
	}
	if got := srv.CallCount("resources/list"); got != 2 {
		t.Errorf("resources/list requests = %d, want 2", got)
	}
}

func TestListTools_RepeatedCursorIsRejected(t *testing.T) {
	srv := mcptest.NewServer(mcptest.Config{
		Tools:      numberedTools(2),
		LoopCursor: "again",
	})
	conn := connect(t, srv)

	_, err := conn.ListTools(testCtx(t))
	if err == nil {
		t.Fatal("expected error from a server that repeats its cursor")
	}
	var rpcErr *protocol.RPCError
	if !errors.As(err, &rpcErr) {
		t.Fatalf("err = %v, want *protocol.RPCError", err)
	}
	if rpcErr.Code != protocol.ErrCodeInvalidParams {
		t.Errorf("code = %d, want %d", rpcErr.Code, protocol.ErrCodeInvalidParams)
	}
	if !strings.Contains(rpcErr.Message, "cursor loop") {
		t.Errorf("message = %q, want cursor loop named", rpcErr.Message)
	}

	// The walk stops after the second page reuses the cursor; it must
	// not spin.
	if got := srv.CallCount("tools/list"); got != 2 {
		t.Errorf("tools/list requests = %d, want 2", got)
	}
}

func TestListTools_MalformedCursorIsRejected(t *testing.T) {
	srv := mcptest.NewServer(mcptest.Config{
		Tools:    numberedTools(3),
		PageSize: 2,
	})
	conn := connect(t, srv)

	_, err := conn.SendRequest(testCtx(t), "tools/list", map[string]string{"cursor": "bogus"})
	if err == nil {
		t.Fatal("expected error for malformed cursor")
	}
	var rpcErr *protocol.RPCError
	if !errors.As(err, &rpcErr) {
		t.Fatalf("err = %v, want *protocol.RPCError", err)
	}
	if rpcErr.Code != protocol.ErrCodeInvalidParams {
		t.Errorf("code = %d, want %d", rpcErr.Code, protocol.ErrCodeInvalidParams)
	}
}
