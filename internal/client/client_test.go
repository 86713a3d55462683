package client

import (
	"context"
	"encoding/json"
	"strings"
	"testing"
	"time"

	"github.com/Bigsy/mcpd/internal/events"
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

func textTool(name string) protocol.Tool {
	return protocol.Tool{Name: name, InputSchema: json.RawMessage(`{"type":"object"}`)}
}

func TestClient_AddServerDuplicate(t *testing.T) {
	c := New(Options{})
	srv := mcptest.NewServer(mcptest.Config{})

	if err := c.AddServer("alpha", srv.Factory()); err != nil {
		t.Fatalf("AddServer failed: %v", err)
	}
	if err := c.AddServer("alpha", srv.Factory()); err == nil {
		t.Fatal("duplicate AddServer should fail")
	}
}

func TestClient_ConnectPrimesToolCache(t *testing.T) {
	srv := mcptest.NewServer(mcptest.Config{
		Tools: []protocol.Tool{textTool("read_file"), textTool("write_file")},
	})

	c := New(Options{})
	if err := c.AddServer("files", srv.Factory()); err != nil {
		t.Fatalf("AddServer failed: %v", err)
	}
	ctx := testCtx(t)
	if _, err := c.Connect(ctx, "files"); err != nil {
		t.Fatalf("Connect failed: %v", err)
	}

	tools, ok := c.CachedTools("files")
	if !ok {
		t.Fatal("no cached tools after connect")
	}
	if len(tools) != 2 || tools[0].Name != "read_file" {
		t.Errorf("cached tools = %+v", tools)
	}
}

func TestClient_ListAllToolsTagsServers(t *testing.T) {
	alpha := mcptest.NewServer(mcptest.Config{Tools: []protocol.Tool{textTool("echo")}})
	beta := mcptest.NewServer(mcptest.Config{Tools: []protocol.Tool{textTool("add"), textTool("sub")}})

	c := New(Options{})
	if err := c.AddServer("alpha", alpha.Factory()); err != nil {
		t.Fatal(err)
	}
	if err := c.AddServer("beta", beta.Factory()); err != nil {
		t.Fatal(err)
	}
	ctx := testCtx(t)
	c.ConnectAll(ctx)

	tools, err := c.ListAllTools(ctx)
	if err != nil {
		t.Fatalf("ListAllTools failed: %v", err)
	}
	if len(tools) != 3 {
		t.Fatalf("got %d tools, want 3", len(tools))
	}
	// Registration order is preserved.
	if tools[0].Server != "alpha" || tools[0].Name != "echo" {
		t.Errorf("tools[0] = %s/%s", tools[0].Server, tools[0].Name)
	}
	if tools[1].Server != "beta" || tools[1].Name != "add" {
		t.Errorf("tools[1] = %s/%s", tools[1].Server, tools[1].Name)
	}
}

func TestClient_FanOutSurvivesOneFailure(t *testing.T) {
	healthy := mcptest.NewServer(mcptest.Config{Tools: []protocol.Tool{textTool("ok")}})
	broken := mcptest.NewServer(mcptest.Config{
		Tools:  []protocol.Tool{textTool("never")},
		Errors: map[string]*protocol.RPCError{"tools/list": protocol.ErrInternalError("boom")},
	})

	c := New(Options{})
	if err := c.AddServer("healthy", healthy.Factory()); err != nil {
		t.Fatal(err)
	}
	if err := c.AddServer("broken", broken.Factory()); err != nil {
		t.Fatal(err)
	}
	ctx := testCtx(t)
	c.ConnectAll(ctx)

	tools, err := c.ListAllTools(ctx)
	if err != nil {
		t.Fatalf("ListAllTools failed: %v", err)
	}
	if len(tools) != 1 || tools[0].Server != "healthy" {
		t.Errorf("tools = %+v", tools)
	}
}

func TestClient_CallToolRoutesByServer(t *testing.T) {
	srv := mcptest.NewServer(mcptest.Config{
		Tools: []protocol.Tool{textTool("greet")},
		OnCallTool: func(name string, args json.RawMessage) (*protocol.CallToolResult, *protocol.RPCError) {
			if name != "greet" {
				return nil, protocol.ErrToolNotFound(name)
			}
			return &protocol.CallToolResult{
				Content: []protocol.ContentBlock{protocol.NewTextContent("hello")},
			}, nil
		},
	})

	c := New(Options{})
	if err := c.AddServer("greeter", srv.Factory()); err != nil {
		t.Fatal(err)
	}
	ctx := testCtx(t)
	if _, err := c.Connect(ctx, "greeter"); err != nil {
		t.Fatalf("Connect failed: %v", err)
	}

	result, err := c.CallTool(ctx, "greeter", "greet", json.RawMessage(`{}`))
	if err != nil {
		t.Fatalf("CallTool failed: %v", err)
	}
	if got, _ := result.Content[0].AsText(); got != "hello" {
		t.Errorf("content = %q", got)
	}

	if _, err := c.CallTool(ctx, "missing", "greet", nil); err == nil {
		t.Error("call to unregistered server should fail")
	}
}

func TestClient_ReadResourceRoutesByOwner(t *testing.T) {
	docs := mcptest.NewServer(mcptest.Config{
		Resources: []protocol.Resource{{URI: "docs://readme", Name: "readme", MimeType: "text/markdown"}},
	})
	data := mcptest.NewServer(mcptest.Config{
		Resources: []protocol.Resource{{URI: "data://table", Name: "table"}},
	})

	c := New(Options{})
	if err := c.AddServer("docs", docs.Factory()); err != nil {
		t.Fatal(err)
	}
	if err := c.AddServer("data", data.Factory()); err != nil {
		t.Fatal(err)
	}
	ctx := testCtx(t)
	c.ConnectAll(ctx)

	// Empty server name routes by the cached resource lists.
	result, err := c.ReadResource(ctx, "", "data://table")
	if err != nil {
		t.Fatalf("ReadResource failed: %v", err)
	}
	if len(result.Contents) != 1 || result.Contents[0].URI != "data://table" {
		t.Errorf("contents = %+v", result.Contents)
	}
	if docs.CallCount("resources/read") != 0 {
		t.Error("read was routed to the wrong server")
	}
	if data.CallCount("resources/read") != 1 {
		t.Error("owning server never saw the read")
	}

	if _, err := c.ReadResource(ctx, "", "nope://missing"); err == nil {
		t.Error("unclaimed URI should fail")
	}
}

func TestClient_CachedToolsSurviveDisconnect(t *testing.T) {
	srv := mcptest.NewServer(mcptest.Config{Tools: []protocol.Tool{textTool("echo")}})

	c := New(Options{})
	if err := c.AddServer("flaky", srv.Factory()); err != nil {
		t.Fatal(err)
	}
	ctx := testCtx(t)
	if _, err := c.Connect(ctx, "flaky"); err != nil {
		t.Fatalf("Connect failed: %v", err)
	}
	if err := c.Disconnect(ctx, "flaky"); err != nil {
		t.Fatalf("Disconnect failed: %v", err)
	}

	tools, ok := c.CachedTools("flaky")
	if !ok || len(tools) != 1 {
		t.Errorf("cached tools after disconnect = %v, %v", tools, ok)
	}
}

func TestClient_ToolListChangedRefreshesCache(t *testing.T) {
	srv := mcptest.NewServer(mcptest.Config{Tools: []protocol.Tool{textTool("old")}})

	c := New(Options{})
	if err := c.AddServer("live", srv.Factory()); err != nil {
		t.Fatal(err)
	}
	ctx := testCtx(t)
	if _, err := c.Connect(ctx, "live"); err != nil {
		t.Fatalf("Connect failed: %v", err)
	}

	srv.SetTools([]protocol.Tool{textTool("new")})
	if err := srv.Notify("notifications/tools/list_changed", nil); err != nil {
		t.Fatalf("Notify failed: %v", err)
	}

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if tools, ok := c.CachedTools("live"); ok && len(tools) == 1 && tools[0].Name == "new" {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	tools, _ := c.CachedTools("live")
	t.Fatalf("cache never refreshed, still %+v", tools)
}

func TestClient_SamplingHandlerInvoked(t *testing.T) {
	srv := mcptest.NewServer(mcptest.Config{})

	invoked := make(chan struct{}, 1)
	c := New(Options{
		OnSampling: func(ctx context.Context, params *protocol.CreateMessageParams) (*protocol.CreateMessageResult, error) {
			invoked <- struct{}{}
			return &protocol.CreateMessageResult{Role: "assistant"}, nil
		},
	})
	if err := c.AddServer("sampler", srv.Factory()); err != nil {
		t.Fatal(err)
	}
	ctx := testCtx(t)
	if _, err := c.Connect(ctx, "sampler"); err != nil {
		t.Fatalf("Connect failed: %v", err)
	}

	if err := srv.Request(7, "sampling/createMessage", map[string]any{"messages": []any{}}); err != nil {
		t.Fatalf("Request failed: %v", err)
	}

	select {
	case <-invoked:
	case <-time.After(2 * time.Second):
		t.Fatal("sampling handler never invoked")
	}
}

func TestClient_StatusAndViews(t *testing.T) {
	srv := mcptest.NewServer(mcptest.Config{})

	bus := events.NewBus()
	c := New(Options{Bus: bus})
	if err := c.AddServer("one", srv.Factory()); err != nil {
		t.Fatal(err)
	}

	st, ok := c.Status("one")
	if !ok {
		t.Fatal("Status should know registered server")
	}
	if st.Status != "disconnected" {
		t.Errorf("initial status = %q", st.Status)
	}

	ctx := testCtx(t)
	if _, err := c.Connect(ctx, "one"); err != nil {
		t.Fatalf("Connect failed: %v", err)
	}

	views := c.ListServers()
	if len(views) != 1 || views[0].Name != "one" {
		t.Fatalf("views = %+v", views)
	}
	if views[0].Status.Status != mcp.StateConnected {
		t.Errorf("view state = %q", views[0].Status.Status)
	}
}

func TestClient_RootsBroadcast(t *testing.T) {
	srv := mcptest.NewServer(mcptest.Config{})

	c := New(Options{})
	if err := c.AddServer("one", srv.Factory()); err != nil {
		t.Fatal(err)
	}
	ctx := testCtx(t)
	if _, err := c.Connect(ctx, "one"); err != nil {
		t.Fatalf("Connect failed: %v", err)
	}

	if !c.AddRoot(protocol.Root{URI: "file:///work", Name: "work"}) {
		t.Error("AddRoot returned false for a new root")
	}
	if c.AddRoot(protocol.Root{URI: "file:///work"}) {
		t.Error("AddRoot should reject duplicates")
	}

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if srv.CallCount("notifications/roots/list_changed") >= 1 {
			break
		}
		time.Sleep(10 * time.Millisecond)
	}
	if srv.CallCount("notifications/roots/list_changed") == 0 {
		t.Fatal("roots change was never broadcast")
	}

	roots := c.Roots()
	if len(roots) != 1 || roots[0].URI != "file:///work" {
		t.Errorf("roots = %+v", roots)
	}
	if !c.RemoveRoot("file:///work") {
		t.Error("RemoveRoot failed for known root")
	}
}

func TestClient_RemoveServerDisconnects(t *testing.T) {
	srv := mcptest.NewServer(mcptest.Config{})

	c := New(Options{})
	if err := c.AddServer("gone", srv.Factory()); err != nil {
		t.Fatal(err)
	}
	ctx := testCtx(t)
	if _, err := c.Connect(ctx, "gone"); err != nil {
		t.Fatalf("Connect failed: %v", err)
	}
	if err := c.RemoveServer(ctx, "gone"); err != nil {
		t.Fatalf("RemoveServer failed: %v", err)
	}
	if _, ok := c.Status("gone"); ok {
		t.Error("removed server still visible")
	}
	if err := c.RemoveServer(ctx, "gone"); err == nil || !strings.Contains(err.Error(), "not registered") {
		t.Errorf("second RemoveServer error = %v", err)
	}
}
