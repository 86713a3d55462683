package server

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/Bigsy/mcpd/internal/client"
	"github.com/Bigsy/mcpd/internal/protocol"
)

// DefaultToolCallTimeout bounds a forwarded tool call.
const DefaultToolCallTimeout = 30 * time.Second

// GatewayOptions configures a Gateway.
type GatewayOptions struct {
	// Client is the connector pool the gateway aggregates. Required.
	Client *client.Client

	ServerInfo   protocol.Implementation
	Instructions string

	// ToolCallTimeout defaults to 30s.
	ToolCallTimeout time.Duration

	Logger *zap.Logger
}

// Gateway presents an aggregated view of every upstream server as a
// single protocol endpoint. Tools and prompts are exposed under
// qualified names ("<server>.<name>"); resource reads route by URI
// through the cached resource lists.
type Gateway struct {
	pool         *client.Client
	info         protocol.Implementation
	instructions string
	callTimeout  time.Duration
	log          *zap.Logger

	mu          sync.Mutex
	initialized bool
}

// NewGateway creates a gateway over the given connector pool.
func NewGateway(opts GatewayOptions) *Gateway {
	log := opts.Logger
	if log == nil {
		log = zap.NewNop()
	}
	timeout := opts.ToolCallTimeout
	if timeout <= 0 {
		timeout = DefaultToolCallTimeout
	}
	return &Gateway{
		pool:         opts.Client,
		info:         opts.ServerInfo,
		instructions: opts.Instructions,
		callTimeout:  timeout,
		log:          log,
	}
}

// QualifyName prefixes a tool or prompt name with its server.
func QualifyName(server, name string) string {
	return server + "." + name
}

// splitQualified separates "<server>.<name>" at the first dot.
func splitQualified(qualified string) (server, name string, ok bool) {
	i := strings.IndexByte(qualified, '.')
	if i <= 0 || i == len(qualified)-1 {
		return "", "", false
	}
	return qualified[:i], qualified[i+1:], true
}

// Handle processes one inbound message. Satisfies Handler.
func (g *Gateway) Handle(ctx context.Context, sessionID string, msg *protocol.Message) *protocol.Message {
	switch msg.Kind() {
	case protocol.KindRequest:
		result, rpcErr := g.handleRequest(ctx, msg.Method, msg.Params)
		if rpcErr != nil {
			return protocol.NewErrorResponse(msg.ID, rpcErr)
		}
		return respond(msg.ID, result)
	case protocol.KindNotification:
		g.handleNotification(msg)
		return nil
	default:
		g.log.Warn("dropping unexpected response", zap.String("sessionId", sessionID))
		return nil
	}
}

func (g *Gateway) handleRequest(ctx context.Context, method string, params json.RawMessage) (any, *protocol.RPCError) {
	switch method {
	case "initialize":
		return g.handleInitialize(params)
	case "ping":
		return struct{}{}, nil
	}

	g.mu.Lock()
	ready := g.initialized
	g.mu.Unlock()
	if !ready {
		return nil, protocol.ErrInvalidRequest("server not initialized")
	}

	switch method {
	case "tools/list":
		return g.handleToolsList(ctx)
	case "tools/call":
		return g.handleToolsCall(ctx, params)
	case "resources/list":
		return g.handleResourcesList(ctx)
	case "resources/templates/list":
		return g.handleTemplatesList(ctx)
	case "resources/read":
		return g.handleResourcesRead(ctx, params)
	case "prompts/list":
		return g.handlePromptsList(ctx)
	case "prompts/get":
		return g.handlePromptsGet(ctx, params)
	default:
		return nil, protocol.ErrMethodNotFound(method)
	}
}

func (g *Gateway) handleInitialize(params json.RawMessage) (any, *protocol.RPCError) {
	var p protocol.InitializeParams
	if err := json.Unmarshal(params, &p); err != nil {
		return nil, protocol.ErrInvalidParams("malformed initialize params")
	}
	version, rpcErr := protocol.NegotiateVersion(p.ProtocolVersion)
	if rpcErr != nil {
		return nil, rpcErr
	}

	g.mu.Lock()
	g.initialized = true
	g.mu.Unlock()

	g.log.Info("gateway initialized",
		zap.String("protocolVersion", version),
		zap.String("client", p.ClientInfo.Name))

	return protocol.InitializeResult{
		ProtocolVersion: version,
		Capabilities: protocol.ServerCapabilities{
			Tools:     &protocol.ToolsCapability{ListChanged: true},
			Resources: &protocol.ResourcesCapability{ListChanged: true},
			Prompts:   &protocol.PromptsCapability{ListChanged: true},
		},
		ServerInfo:   g.info,
		Instructions: g.instructions,
	}, nil
}

// handleToolsList aggregates every connected server's tools under
// qualified names. Servers that are down contribute their cached lists.
func (g *Gateway) handleToolsList(ctx context.Context) (any, *protocol.RPCError) {
	serverTools, err := g.pool.ListAllTools(ctx)
	if err != nil {
		g.log.Error("tools fan-out failed", zap.Error(err))
	}

	listed := make(map[string]struct{})
	tools := make([]protocol.Tool, 0, len(serverTools))
	for _, st := range serverTools {
		t := st.Tool
		t.Name = QualifyName(st.Server, st.Name)
		tools = append(tools, t)
		listed[st.Server] = struct{}{}
	}

	// Disconnected servers still surface their last known tools so the
	// consumer can see what a reconnect would offer.
	for _, name := range g.pool.Names() {
		if _, ok := listed[name]; ok {
			continue
		}
		cached, ok := g.pool.CachedTools(name)
		if !ok {
			continue
		}
		for _, t := range cached {
			t.Name = QualifyName(name, t.Name)
			tools = append(tools, t)
		}
	}

	return protocol.ListToolsResult{Tools: tools}, nil
}

func (g *Gateway) handleToolsCall(ctx context.Context, params json.RawMessage) (any, *protocol.RPCError) {
	var p protocol.CallToolParams
	if err := json.Unmarshal(params, &p); err != nil || p.Name == "" {
		return nil, protocol.ErrInvalidParams("tool name is required")
	}
	server, tool, ok := splitQualified(p.Name)
	if !ok {
		return nil, protocol.ErrInvalidParams("tool name must be qualified as <server>.<tool>")
	}

	callCtx, cancel := context.WithTimeout(ctx, g.callTimeout)
	defer cancel()

	result, err := g.pool.CallTool(callCtx, server, tool, p.Arguments)
	if err != nil {
		if callCtx.Err() == context.DeadlineExceeded {
			return nil, protocol.ErrToolCallTimeout(server, tool)
		}
		var rpcErr *protocol.RPCError
		if errors.As(err, &rpcErr) {
			return nil, rpcErr
		}
		return nil, protocol.ErrServerUnavailable(server, err.Error())
	}
	return result, nil
}

func (g *Gateway) handleResourcesList(ctx context.Context) (any, *protocol.RPCError) {
	serverResources, err := g.pool.ListAllResources(ctx)
	if err != nil {
		g.log.Error("resources fan-out failed", zap.Error(err))
	}
	resources := make([]protocol.Resource, 0, len(serverResources))
	for _, sr := range serverResources {
		resources = append(resources, sr.Resource)
	}
	return protocol.ListResourcesResult{Resources: resources}, nil
}

func (g *Gateway) handleTemplatesList(ctx context.Context) (any, *protocol.RPCError) {
	serverTemplates, err := g.pool.ListAllResourceTemplates(ctx)
	if err != nil {
		g.log.Error("resource templates fan-out failed", zap.Error(err))
	}
	templates := make([]protocol.ResourceTemplate, 0, len(serverTemplates))
	for _, st := range serverTemplates {
		templates = append(templates, st.ResourceTemplate)
	}
	return protocol.ListResourceTemplatesResult{ResourceTemplates: templates}, nil
}

func (g *Gateway) handleResourcesRead(ctx context.Context, params json.RawMessage) (any, *protocol.RPCError) {
	var p protocol.ReadResourceParams
	if err := json.Unmarshal(params, &p); err != nil || p.URI == "" {
		return nil, protocol.ErrInvalidParams("uri is required")
	}

	result, err := g.pool.ReadResource(ctx, "", p.URI)
	if err != nil {
		var rpcErr *protocol.RPCError
		if errors.As(err, &rpcErr) {
			return nil, rpcErr
		}
		return nil, protocol.ErrResourceNotFound(p.URI)
	}
	return result, nil
}

func (g *Gateway) handlePromptsList(ctx context.Context) (any, *protocol.RPCError) {
	serverPrompts, err := g.pool.ListAllPrompts(ctx)
	if err != nil {
		g.log.Error("prompts fan-out failed", zap.Error(err))
	}
	prompts := make([]protocol.Prompt, 0, len(serverPrompts))
	for _, sp := range serverPrompts {
		p := sp.Prompt
		p.Name = QualifyName(sp.Server, p.Name)
		prompts = append(prompts, p)
	}
	return protocol.ListPromptsResult{Prompts: prompts}, nil
}

func (g *Gateway) handlePromptsGet(ctx context.Context, params json.RawMessage) (any, *protocol.RPCError) {
	var p protocol.GetPromptParams
	if err := json.Unmarshal(params, &p); err != nil || p.Name == "" {
		return nil, protocol.ErrInvalidParams("prompt name is required")
	}
	server, prompt, ok := splitQualified(p.Name)
	if !ok {
		return nil, protocol.ErrInvalidParams("prompt name must be qualified as <server>.<prompt>")
	}

	result, err := g.pool.GetPrompt(ctx, server, prompt, p.Arguments)
	if err != nil {
		var rpcErr *protocol.RPCError
		if errors.As(err, &rpcErr) {
			return nil, rpcErr
		}
		return nil, protocol.ErrServerUnavailable(server, err.Error())
	}
	return result, nil
}

func (g *Gateway) handleNotification(msg *protocol.Message) {
	switch msg.Method {
	case "notifications/initialized":
		g.log.Debug("client initialized")
	case "notifications/cancelled":
		g.log.Debug("request cancelled")
	default:
		g.log.Debug("notification ignored", zap.String("method", msg.Method))
	}
}
