package server

import (
	"context"
	"encoding/json"
	"sync"

	"go.uber.org/zap"

	"github.com/Bigsy/mcpd/internal/protocol"
)

// Subscriptions tracks per-session resource subscriptions. The HTTP
// transport wires the session store here; the stdio server falls back to
// a process-local set.
type Subscriptions interface {
	SubscribeResource(sessionID, uri string) bool
	UnsubscribeResource(sessionID, uri string) bool
	Subscribers(uri string) []string
}

// Notifier delivers server-initiated messages. Notify targets one
// session; Broadcast reaches every connected session.
type Notifier interface {
	Notify(sessionID string, msg *protocol.Message) error
	Broadcast(msg *protocol.Message)
}

// Options configures a Runtime.
type Options struct {
	ServerInfo   protocol.Implementation
	Instructions string

	// Nil registries default to fresh empty ones.
	Tools     *ToolRegistry
	Resources *ResourceRegistry
	Prompts   *PromptRegistry

	// Subscriptions defaults to a process-local implementation.
	Subscriptions Subscriptions

	// OnInitialize is invoked after a successful handshake with the
	// negotiated protocol version. Transports use it to record the
	// version on the session.
	OnInitialize func(sessionID, protocolVersion string, client protocol.Implementation)

	Logger *zap.Logger
}

// Runtime dispatches protocol requests against its registries. It is
// transport-agnostic: the stdio loop and the HTTP transport both feed it
// one decoded message at a time and forward whatever it returns.
type Runtime struct {
	info         protocol.Implementation
	instructions string
	tools        *ToolRegistry
	resources    *ResourceRegistry
	prompts      *PromptRegistry
	subs         Subscriptions
	onInit       func(string, string, protocol.Implementation)
	log          *zap.Logger

	mu       sync.Mutex
	sessions map[string]*sessionState
	notifier Notifier
}

type sessionState struct {
	initialized     bool
	protocolVersion string
	logLevel        string
}

// Syslog severity order used by logging/setLevel.
var logLevelRank = map[string]int{
	"debug":     0,
	"info":      1,
	"notice":    2,
	"warning":   3,
	"error":     4,
	"critical":  5,
	"alert":     6,
	"emergency": 7,
}

const defaultLogLevel = "info"

// NewRuntime creates a runtime and hooks registry changes up to
// list_changed broadcasts.
func NewRuntime(opts Options) *Runtime {
	rt := &Runtime{
		info:         opts.ServerInfo,
		instructions: opts.Instructions,
		tools:        opts.Tools,
		resources:    opts.Resources,
		prompts:      opts.Prompts,
		subs:         opts.Subscriptions,
		onInit:       opts.OnInitialize,
		log:          opts.Logger,
		sessions:     make(map[string]*sessionState),
	}
	if rt.tools == nil {
		rt.tools = NewToolRegistry()
	}
	if rt.resources == nil {
		rt.resources = NewResourceRegistry()
	}
	if rt.prompts == nil {
		rt.prompts = NewPromptRegistry()
	}
	if rt.subs == nil {
		rt.subs = newLocalSubs()
	}
	if rt.log == nil {
		rt.log = zap.NewNop()
	}

	rt.tools.onChanged = func() { rt.broadcast("notifications/tools/list_changed") }
	rt.resources.onChanged = func() { rt.broadcast("notifications/resources/list_changed") }
	rt.prompts.onChanged = func() { rt.broadcast("notifications/prompts/list_changed") }

	return rt
}

// SetNotifier attaches the outbound channel for server-initiated
// messages. Without one, notifications are dropped.
func (rt *Runtime) SetNotifier(n Notifier) {
	rt.mu.Lock()
	rt.notifier = n
	rt.mu.Unlock()
}

// Tools returns the tool registry.
func (rt *Runtime) Tools() *ToolRegistry { return rt.tools }

// Resources returns the resource registry.
func (rt *Runtime) Resources() *ResourceRegistry { return rt.resources }

// Prompts returns the prompt registry.
func (rt *Runtime) Prompts() *PromptRegistry { return rt.prompts }

// ServerInfo returns the identity advertised in the handshake.
func (rt *Runtime) ServerInfo() protocol.Implementation { return rt.info }

// ReleaseSession discards per-session runtime state. Called when a
// transport terminates a session.
func (rt *Runtime) ReleaseSession(sessionID string) {
	rt.mu.Lock()
	delete(rt.sessions, sessionID)
	rt.mu.Unlock()
}

// Handle processes one inbound message for the given session and returns
// the response to send, or nil for notifications.
func (rt *Runtime) Handle(ctx context.Context, sessionID string, msg *protocol.Message) *protocol.Message {
	switch msg.Kind() {
	case protocol.KindRequest:
		return rt.handleRequest(ctx, sessionID, msg)
	case protocol.KindNotification:
		rt.handleNotification(sessionID, msg)
		return nil
	default:
		// This runtime issues no client-bound requests over the inbound
		// channel, so responses have nothing to match.
		rt.log.Warn("dropping unexpected response", zap.String("sessionId", sessionID))
		return nil
	}
}

func (rt *Runtime) handleRequest(ctx context.Context, sessionID string, msg *protocol.Message) *protocol.Message {
	state := rt.state(sessionID)

	switch msg.Method {
	case "initialize":
		return rt.handleInitialize(sessionID, state, msg)
	case "ping":
		return respond(msg.ID, nil)
	}

	rt.mu.Lock()
	ready := state.initialized
	rt.mu.Unlock()
	if !ready {
		return protocol.NewErrorResponse(msg.ID, protocol.ErrInvalidRequest("server not initialized"))
	}

	switch msg.Method {
	case "tools/list":
		return respond(msg.ID, protocol.ListToolsResult{Tools: rt.tools.List()})

	case "tools/call":
		return rt.handleToolCall(ctx, msg)

	case "resources/list":
		return respond(msg.ID, protocol.ListResourcesResult{Resources: rt.resources.List()})

	case "resources/templates/list":
		return respond(msg.ID, protocol.ListResourceTemplatesResult{ResourceTemplates: rt.resources.Templates()})

	case "resources/read":
		return rt.handleResourceRead(ctx, msg)

	case "resources/subscribe":
		var params protocol.SubscribeParams
		if err := json.Unmarshal(msg.Params, &params); err != nil || params.URI == "" {
			return protocol.NewErrorResponse(msg.ID, protocol.ErrInvalidParams("uri is required"))
		}
		rt.subs.SubscribeResource(sessionID, params.URI)
		return respond(msg.ID, nil)

	case "resources/unsubscribe":
		var params protocol.UnsubscribeParams
		if err := json.Unmarshal(msg.Params, &params); err != nil || params.URI == "" {
			return protocol.NewErrorResponse(msg.ID, protocol.ErrInvalidParams("uri is required"))
		}
		rt.subs.UnsubscribeResource(sessionID, params.URI)
		return respond(msg.ID, nil)

	case "prompts/list":
		return respond(msg.ID, protocol.ListPromptsResult{Prompts: rt.prompts.List()})

	case "prompts/get":
		return rt.handlePromptGet(ctx, msg)

	case "logging/setLevel":
		var params protocol.SetLevelParams
		if err := json.Unmarshal(msg.Params, &params); err != nil {
			return protocol.NewErrorResponse(msg.ID, protocol.ErrInvalidParams("malformed setLevel params"))
		}
		if _, ok := logLevelRank[params.Level]; !ok {
			return protocol.NewErrorResponse(msg.ID, protocol.ErrInvalidParams("unknown log level: "+params.Level))
		}
		rt.mu.Lock()
		state.logLevel = params.Level
		rt.mu.Unlock()
		return respond(msg.ID, nil)

	default:
		return protocol.NewErrorResponse(msg.ID, protocol.ErrMethodNotFound(msg.Method))
	}
}

func (rt *Runtime) handleInitialize(sessionID string, state *sessionState, msg *protocol.Message) *protocol.Message {
	var params protocol.InitializeParams
	if err := json.Unmarshal(msg.Params, &params); err != nil {
		return protocol.NewErrorResponse(msg.ID, protocol.ErrInvalidParams("malformed initialize params"))
	}

	version, rpcErr := protocol.NegotiateVersion(params.ProtocolVersion)
	if rpcErr != nil {
		return protocol.NewErrorResponse(msg.ID, rpcErr)
	}

	rt.mu.Lock()
	state.initialized = true
	state.protocolVersion = version
	rt.mu.Unlock()

	if rt.onInit != nil {
		rt.onInit(sessionID, version, params.ClientInfo)
	}

	rt.log.Info("session initialized",
		zap.String("sessionId", sessionID),
		zap.String("protocolVersion", version),
		zap.String("client", params.ClientInfo.Name))

	return respond(msg.ID, protocol.InitializeResult{
		ProtocolVersion: version,
		Capabilities:    rt.capabilities(),
		ServerInfo:      rt.info,
		Instructions:    rt.instructions,
	})
}

func (rt *Runtime) handleToolCall(ctx context.Context, msg *protocol.Message) *protocol.Message {
	var params protocol.CallToolParams
	if err := json.Unmarshal(msg.Params, &params); err != nil || params.Name == "" {
		return protocol.NewErrorResponse(msg.ID, protocol.ErrInvalidParams("tool name is required"))
	}

	handler := rt.tools.Handler(params.Name)
	if handler == nil {
		return protocol.NewErrorResponse(msg.ID, protocol.ErrToolNotFound(params.Name))
	}

	result, err := handler(ctx, params.Arguments)
	if err != nil {
		// Execution failures are results, not protocol errors.
		return respond(msg.ID, protocol.CallToolResult{
			Content: []protocol.ContentBlock{protocol.NewTextContent(err.Error())},
			IsError: true,
		})
	}
	if result == nil {
		result = &protocol.CallToolResult{Content: []protocol.ContentBlock{}}
	}
	if result.Content == nil {
		result.Content = []protocol.ContentBlock{}
	}
	return respond(msg.ID, result)
}

func (rt *Runtime) handleResourceRead(ctx context.Context, msg *protocol.Message) *protocol.Message {
	var params protocol.ReadResourceParams
	if err := json.Unmarshal(msg.Params, &params); err != nil || params.URI == "" {
		return protocol.NewErrorResponse(msg.ID, protocol.ErrInvalidParams("uri is required"))
	}

	handler := rt.resources.Handler(params.URI)
	if handler == nil {
		return protocol.NewErrorResponse(msg.ID, protocol.ErrResourceNotFound(params.URI))
	}

	result, err := handler(ctx, params.URI)
	if err != nil {
		return protocol.NewErrorResponse(msg.ID, protocol.ErrInternalError("read resource: "+err.Error()))
	}
	return respond(msg.ID, result)
}

func (rt *Runtime) handlePromptGet(ctx context.Context, msg *protocol.Message) *protocol.Message {
	var params protocol.GetPromptParams
	if err := json.Unmarshal(msg.Params, &params); err != nil || params.Name == "" {
		return protocol.NewErrorResponse(msg.ID, protocol.ErrInvalidParams("prompt name is required"))
	}

	handler := rt.prompts.Handler(params.Name)
	if handler == nil {
		return protocol.NewErrorResponse(msg.ID, protocol.ErrInvalidParams("unknown prompt: "+params.Name))
	}

	result, err := handler(ctx, params.Arguments)
	if err != nil {
		return protocol.NewErrorResponse(msg.ID, protocol.ErrInternalError("render prompt: "+err.Error()))
	}
	return respond(msg.ID, result)
}

func (rt *Runtime) handleNotification(sessionID string, msg *protocol.Message) {
	switch msg.Method {
	case "notifications/initialized":
		rt.log.Debug("client initialized", zap.String("sessionId", sessionID))
	case "notifications/cancelled":
		var params protocol.CancelledParams
		if err := json.Unmarshal(msg.Params, &params); err == nil {
			rt.log.Debug("request cancelled",
				zap.String("sessionId", sessionID),
				zap.ByteString("requestId", params.RequestID),
				zap.String("reason", params.Reason))
		}
	case "notifications/roots/list_changed":
		rt.log.Debug("client roots changed", zap.String("sessionId", sessionID))
	default:
		rt.log.Warn("unknown notification", zap.String("method", msg.Method))
	}
}

func (rt *Runtime) capabilities() protocol.ServerCapabilities {
	return protocol.ServerCapabilities{
		Tools:     &protocol.ToolsCapability{ListChanged: true},
		Resources: &protocol.ResourcesCapability{ListChanged: true, Subscribe: true},
		Prompts:   &protocol.PromptsCapability{ListChanged: true},
		Logging:   &protocol.LoggingCapability{},
	}
}

// ResourceUpdated notifies every session subscribed to uri.
func (rt *Runtime) ResourceUpdated(uri string) {
	rt.mu.Lock()
	notifier := rt.notifier
	rt.mu.Unlock()
	if notifier == nil {
		return
	}

	note, err := protocol.NewNotification("notifications/resources/updated", protocol.ResourceUpdatedParams{URI: uri})
	if err != nil {
		return
	}
	for _, sid := range rt.subs.Subscribers(uri) {
		if err := notifier.Notify(sid, note); err != nil {
			rt.log.Warn("resource update notify failed",
				zap.String("sessionId", sid), zap.Error(err))
		}
	}
}

// LogToClient emits a notifications/message to one session, honoring the
// session's logging/setLevel threshold.
func (rt *Runtime) LogToClient(sessionID, level, loggerName string, data any) {
	rank, ok := logLevelRank[level]
	if !ok {
		return
	}

	rt.mu.Lock()
	notifier := rt.notifier
	threshold := defaultLogLevel
	if st, exists := rt.sessions[sessionID]; exists && st.logLevel != "" {
		threshold = st.logLevel
	}
	rt.mu.Unlock()

	if notifier == nil || rank < logLevelRank[threshold] {
		return
	}

	raw, err := json.Marshal(data)
	if err != nil {
		return
	}
	note, err := protocol.NewNotification("notifications/message", protocol.LoggingMessageParams{
		Level:  level,
		Logger: loggerName,
		Data:   raw,
	})
	if err != nil {
		return
	}
	if err := notifier.Notify(sessionID, note); err != nil {
		rt.log.Warn("log notify failed", zap.String("sessionId", sessionID), zap.Error(err))
	}
}

func (rt *Runtime) broadcast(method string) {
	rt.mu.Lock()
	notifier := rt.notifier
	rt.mu.Unlock()
	if notifier == nil {
		return
	}
	note, err := protocol.NewNotification(method, nil)
	if err != nil {
		return
	}
	notifier.Broadcast(note)
}

func (rt *Runtime) state(sessionID string) *sessionState {
	rt.mu.Lock()
	defer rt.mu.Unlock()
	st, ok := rt.sessions[sessionID]
	if !ok {
		st = &sessionState{}
		rt.sessions[sessionID] = st
	}
	return st
}

func respond(id json.RawMessage, result any) *protocol.Message {
	msg, err := protocol.NewResponse(id, result)
	if err != nil {
		return protocol.NewErrorResponse(id, protocol.ErrInternalError("encode result: "+err.Error()))
	}
	return msg
}

// localSubs is the in-process Subscriptions fallback used by the stdio
// server, where there is a single implicit session.
type localSubs struct {
	mu   sync.Mutex
	subs map[string]map[string]struct{}
}

func newLocalSubs() *localSubs {
	return &localSubs{subs: make(map[string]map[string]struct{})}
}

func (l *localSubs) SubscribeResource(sessionID, uri string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	set, ok := l.subs[sessionID]
	if !ok {
		set = make(map[string]struct{})
		l.subs[sessionID] = set
	}
	if _, exists := set[uri]; exists {
		return false
	}
	set[uri] = struct{}{}
	return true
}

func (l *localSubs) UnsubscribeResource(sessionID, uri string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	set, ok := l.subs[sessionID]
	if !ok {
		return false
	}
	if _, exists := set[uri]; !exists {
		return false
	}
	delete(set, uri)
	return true
}

func (l *localSubs) Subscribers(uri string) []string {
	l.mu.Lock()
	defer l.mu.Unlock()
	var out []string
	for sid, set := range l.subs {
		if _, ok := set[uri]; ok {
			out = append(out, sid)
		}
	}
	return out
}
