// Package mcptest provides an in-memory fake MCP server for tests.
// A Server speaks the wire protocol over an in-process transport, so
// connector, client, and gateway tests run without subprocesses.
package mcptest

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/Bigsy/mcpd/internal/mcp"
	"github.com/Bigsy/mcpd/internal/protocol"
)

// ToolHandler produces the result of a tools/call. Returning a non-nil
// *protocol.RPCError sends an error response instead.
type ToolHandler func(name string, arguments json.RawMessage) (*protocol.CallToolResult, *protocol.RPCError)

// Config controls a fake server's behavior.
type Config struct {
	// ServerInfo defaults to {mcptest, 1.0.0}.
	ServerInfo protocol.Implementation

	// ProtocolVersion is the single version the server accepts. Empty
	// means accept whatever the client offers.
	ProtocolVersion string

	Tools     []protocol.Tool
	Resources []protocol.Resource
	Prompts   []protocol.Prompt

	// Instructions is echoed in the initialize result.
	Instructions string

	// OnCallTool handles tools/call. Nil echoes the call back as text.
	OnCallTool ToolHandler

	// PageSize splits tools/resources/prompts list results into pages of
	// this many items, linked by nextCursor. Zero returns one page.
	PageSize int

	// LoopCursor, when set, makes every list response carry this same
	// nextCursor, simulating a server whose pagination never terminates.
	LoopCursor string

	// Errors forces an error response for a method.
	Errors map[string]*protocol.RPCError

	// Delays stalls a method's response. Keep these short.
	Delays map[string]time.Duration
}

// Server is a scripted MCP server. Every transport its Factory produces
// talks to the same server state, so reconnects work and call counts
// accumulate across connections.
type Server struct {
	cfg Config

	mu    sync.Mutex
	calls map[string]int
	conns []*conn
}

// NewServer creates a fake server. Call Factory to hand its transport
// to a connector or client.
func NewServer(cfg Config) *Server {
	if cfg.ServerInfo.Name == "" {
		cfg.ServerInfo = protocol.Implementation{Name: "mcptest", Version: "1.0.0"}
	}
	return &Server{cfg: cfg, calls: make(map[string]int)}
}

// Factory returns a transport factory. Each call to the factory opens a
// fresh connection to the server.
func (s *Server) Factory() mcp.TransportFactory {
	return func() mcp.Transport {
		c := &conn{
			srv:   s,
			sent:  make(chan []byte, 64),
			inbox: make(chan []byte, 64),
		}
		s.mu.Lock()
		s.conns = append(s.conns, c)
		s.mu.Unlock()
		go c.serve()
		return c
	}
}

// CallCount reports how many times a method was received, across all
// connections.
func (s *Server) CallCount(method string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.calls[method]
}

// SetTools swaps the advertised tool list. Pair with a
// notifications/tools/list_changed push to exercise cache refreshes.
func (s *Server) SetTools(tools []protocol.Tool) {
	s.mu.Lock()
	s.cfg.Tools = tools
	s.mu.Unlock()
}

// Notify pushes a server-initiated notification to every live
// connection.
func (s *Server) Notify(method string, params any) error {
	msg, err := protocol.NewNotification(method, params)
	if err != nil {
		return err
	}
	data, err := json.Marshal(msg)
	if err != nil {
		return err
	}
	for _, c := range s.liveConns() {
		c.push(data)
	}
	return nil
}

// Request pushes a server-initiated request with the given id to every
// live connection.
func (s *Server) Request(id int64, method string, params any) error {
	raw, err := json.Marshal(params)
	if err != nil {
		return err
	}
	data := []byte(fmt.Sprintf(`{"jsonrpc":"2.0","id":%d,"method":%q,"params":%s}`, id, method, raw))
	for _, c := range s.liveConns() {
		c.push(data)
	}
	return nil
}

func (s *Server) liveConns() []*conn {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]*conn, 0, len(s.conns))
	for _, c := range s.conns {
		if !c.isClosed() {
			out = append(out, c)
		}
	}
	return out
}

func (s *Server) countCall(method string) {
	s.mu.Lock()
	s.calls[method]++
	s.mu.Unlock()
}

func (s *Server) snapshot() Config {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cfg
}

func (s *Server) handle(msg *protocol.Message) *protocol.Message {
	cfg := s.snapshot()
	switch msg.Method {
	case "initialize":
		var p protocol.InitializeParams
		_ = json.Unmarshal(msg.Params, &p)
		version := p.ProtocolVersion
		if cfg.ProtocolVersion != "" {
			if p.ProtocolVersion != cfg.ProtocolVersion {
				return protocol.NewErrorResponse(msg.ID,
					protocol.ErrInvalidParams(fmt.Sprintf("unsupported protocol version %q", p.ProtocolVersion)))
			}
			version = cfg.ProtocolVersion
		}
		return result(msg.ID, protocol.InitializeResult{
			ProtocolVersion: version,
			Capabilities: protocol.ServerCapabilities{
				Tools:     &protocol.ToolsCapability{ListChanged: true},
				Resources: &protocol.ResourcesCapability{ListChanged: true},
				Prompts:   &protocol.PromptsCapability{ListChanged: true},
			},
			ServerInfo:   cfg.ServerInfo,
			Instructions: cfg.Instructions,
		})
	case "ping":
		return result(msg.ID, struct{}{})
	case "tools/list":
		if cfg.LoopCursor != "" {
			return result(msg.ID, protocol.ListToolsResult{Tools: cfg.Tools, NextCursor: cfg.LoopCursor})
		}
		start, end, next, rpcErr := cfg.pageBounds(msg.Params, len(cfg.Tools))
		if rpcErr != nil {
			return protocol.NewErrorResponse(msg.ID, rpcErr)
		}
		return result(msg.ID, protocol.ListToolsResult{Tools: cfg.Tools[start:end], NextCursor: next})
	case "tools/call":
		var p protocol.CallToolParams
		if err := json.Unmarshal(msg.Params, &p); err != nil {
			return protocol.NewErrorResponse(msg.ID, protocol.ErrInvalidParams(err.Error()))
		}
		if cfg.OnCallTool != nil {
			res, rpcErr := cfg.OnCallTool(p.Name, p.Arguments)
			if rpcErr != nil {
				return protocol.NewErrorResponse(msg.ID, rpcErr)
			}
			return result(msg.ID, res)
		}
		return result(msg.ID, &protocol.CallToolResult{
			Content: []protocol.ContentBlock{protocol.NewTextContent(fmt.Sprintf("called %s with %s", p.Name, p.Arguments))},
		})
	case "resources/list":
		if cfg.LoopCursor != "" {
			return result(msg.ID, protocol.ListResourcesResult{Resources: cfg.Resources, NextCursor: cfg.LoopCursor})
		}
		start, end, next, rpcErr := cfg.pageBounds(msg.Params, len(cfg.Resources))
		if rpcErr != nil {
			return protocol.NewErrorResponse(msg.ID, rpcErr)
		}
		return result(msg.ID, protocol.ListResourcesResult{Resources: cfg.Resources[start:end], NextCursor: next})
	case "resources/templates/list":
		return result(msg.ID, protocol.ListResourceTemplatesResult{ResourceTemplates: []protocol.ResourceTemplate{}})
	case "resources/read":
		var p protocol.ReadResourceParams
		if err := json.Unmarshal(msg.Params, &p); err != nil {
			return protocol.NewErrorResponse(msg.ID, protocol.ErrInvalidParams(err.Error()))
		}
		for _, r := range cfg.Resources {
			if r.URI == p.URI {
				return result(msg.ID, protocol.ReadResourceResult{
					Contents: []protocol.ResourceContents{{URI: r.URI, MimeType: r.MimeType, Text: "contents of " + r.URI}},
				})
			}
		}
		return protocol.NewErrorResponse(msg.ID, protocol.ErrResourceNotFound(p.URI))
	case "resources/subscribe", "resources/unsubscribe":
		return result(msg.ID, struct{}{})
	case "prompts/list":
		if cfg.LoopCursor != "" {
			return result(msg.ID, protocol.ListPromptsResult{Prompts: cfg.Prompts, NextCursor: cfg.LoopCursor})
		}
		start, end, next, rpcErr := cfg.pageBounds(msg.Params, len(cfg.Prompts))
		if rpcErr != nil {
			return protocol.NewErrorResponse(msg.ID, rpcErr)
		}
		return result(msg.ID, protocol.ListPromptsResult{Prompts: cfg.Prompts[start:end], NextCursor: next})
	case "prompts/get":
		var p protocol.GetPromptParams
		if err := json.Unmarshal(msg.Params, &p); err != nil {
			return protocol.NewErrorResponse(msg.ID, protocol.ErrInvalidParams(err.Error()))
		}
		for _, pr := range cfg.Prompts {
			if pr.Name == p.Name {
				return result(msg.ID, protocol.GetPromptResult{
					Messages: []protocol.PromptMessage{{Role: "user", Content: protocol.NewTextContent("prompt " + p.Name)}},
				})
			}
		}
		return protocol.NewErrorResponse(msg.ID, protocol.ErrInvalidParams("unknown prompt: "+p.Name))
	default:
		return protocol.NewErrorResponse(msg.ID, protocol.ErrMethodNotFound(msg.Method))
	}
}

// pageBounds selects the window [start, end) of an n-item list for the
// cursor in params. Cursors are item offsets; the final page returns an
// empty next cursor.
func (c Config) pageBounds(params json.RawMessage, n int) (start, end int, next string, rpcErr *protocol.RPCError) {
	if c.PageSize <= 0 {
		return 0, n, "", nil
	}

	var p struct {
		Cursor string `json:"cursor"`
	}
	_ = json.Unmarshal(params, &p)
	if p.Cursor != "" {
		v, err := strconv.Atoi(p.Cursor)
		if err != nil || v < 0 || v > n {
			return 0, 0, "", protocol.ErrInvalidParams("malformed cursor: " + p.Cursor)
		}
		start = v
	}

	end = start + c.PageSize
	if end >= n {
		end = n
	} else {
		next = strconv.Itoa(end)
	}
	return start, end, next, nil
}

func result(id json.RawMessage, res any) *protocol.Message {
	msg, err := protocol.NewResponse(id, res)
	if err != nil {
		return protocol.NewErrorResponse(id, protocol.ErrInternalError(err.Error()))
	}
	return msg
}

// conn is one client connection, implementing mcp.Transport.
type conn struct {
	srv *Server

	mu     sync.Mutex
	sent   chan []byte
	inbox  chan []byte
	closed bool
}

func (c *conn) Start(ctx context.Context) error { return nil }

func (c *conn) Send(ctx context.Context, msg []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return errors.New("transport closed")
	}
	c.sent <- append([]byte(nil), msg...)
	return nil
}

func (c *conn) Messages() <-chan []byte { return c.inbox }

func (c *conn) Err() error { return nil }

func (c *conn) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return nil
	}
	c.closed = true
	close(c.sent)
	close(c.inbox)
	return nil
}

func (c *conn) isClosed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

func (c *conn) push(data []byte) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return
	}
	c.inbox <- data
}

func (c *conn) serve() {
	for data := range c.sent {
		msg, rpcErr := protocol.ValidateMessage(data)
		if rpcErr != nil {
			continue
		}
		c.srv.countCall(msg.Method)
		if msg.Kind() != protocol.KindRequest {
			continue
		}
		if d, ok := c.srv.snapshot().Delays[msg.Method]; ok {
			time.Sleep(d)
		}
		cfg := c.srv.snapshot()
		if forced, ok := cfg.Errors[msg.Method]; ok {
			c.reply(protocol.NewErrorResponse(msg.ID, forced))
			continue
		}
		c.reply(c.srv.handle(msg))
	}
}

func (c *conn) reply(msg *protocol.Message) {
	if msg == nil {
		return
	}
	data, err := json.Marshal(msg)
	if err != nil {
		return
	}
	c.push(data)
}
