// Package client implements the multi-server aggregator: a pool of named
// connectors with parallel list fan-out, cached lists, shared roots, and
// routing for server-initiated sampling and elicitation requests.
package client

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/Bigsy/mcpd/internal/events"
	"github.com/Bigsy/mcpd/internal/mcp"
	"github.com/Bigsy/mcpd/internal/protocol"
)

const (
	// ToolDiscoveryTimeout bounds a single list refresh per server.
	ToolDiscoveryTimeout = 5 * time.Second
	// MaxConcurrentDiscovery caps parallel fan-out across servers.
	MaxConcurrentDiscovery = 4

	// DefaultConnectAttempts is how many times Connect retries the
	// handshake before giving up. Auth challenges are never retried.
	DefaultConnectAttempts = 3
	// DefaultConnectBackoff is the initial delay between handshake
	// attempts; it doubles per attempt.
	DefaultConnectBackoff = 500 * time.Millisecond
)

// SamplingHandler answers a server-initiated sampling/createMessage.
type SamplingHandler func(ctx context.Context, params *protocol.CreateMessageParams) (*protocol.CreateMessageResult, error)

// ElicitationHandler answers a server-initiated elicitation/create.
type ElicitationHandler func(ctx context.Context, params *protocol.ElicitParams) (*protocol.ElicitResult, error)

// ToolCachePersister persists per-server tool lists across runs so a
// disconnected server can still present its last known tools.
type ToolCachePersister interface {
	Load(serverName string) ([]protocol.Tool, bool)
	Store(serverName string, tools []protocol.Tool)
}

// Options configures a Client.
type Options struct {
	// ClientInfo is sent in every initialize handshake.
	ClientInfo protocol.Implementation
	Logger     *zap.Logger

	// Bus receives status, tool-update and log events. Optional.
	Bus *events.Bus

	// ToolCache warms tool lists before connect and persists them after
	// each refresh. Optional.
	ToolCache ToolCachePersister

	// OnSampling and OnElicitation answer server-initiated requests.
	// Leaving one nil declines the corresponding capability.
	OnSampling    SamplingHandler
	OnElicitation ElicitationHandler

	// OnResourceUpdated observes notifications/resources/updated from any
	// server. Optional.
	OnResourceUpdated func(serverName, uri string)

	MaxConcurrentDiscovery int
	ConnectAttempts        int
	ConnectBackoff         time.Duration
}

// Client owns a set of named connectors and aggregates their surfaces.
type Client struct {
	clientInfo        protocol.Implementation
	log               *zap.Logger
	bus               *events.Bus
	persister         ToolCachePersister
	onSampling        SamplingHandler
	onElicitation     ElicitationHandler
	onResourceUpdated func(string, string)
	maxDiscovery      int
	attempts          int
	backoff           time.Duration

	mu      sync.RWMutex
	servers map[string]*serverEntry
	order   []string

	cache *listCache
	roots *rootSet
}

type serverEntry struct {
	name      string
	connector *mcp.Connector
	lastState events.RuntimeState
}

// New creates an empty client pool.
func New(opts Options) *Client {
	log := opts.Logger
	if log == nil {
		log = zap.NewNop()
	}
	clientInfo := opts.ClientInfo
	if clientInfo.Name == "" {
		clientInfo = protocol.Implementation{Name: "mcpd", Version: "dev"}
	}
	maxDiscovery := opts.MaxConcurrentDiscovery
	if maxDiscovery <= 0 {
		maxDiscovery = MaxConcurrentDiscovery
	}
	attempts := opts.ConnectAttempts
	if attempts <= 0 {
		attempts = DefaultConnectAttempts
	}
	backoff := opts.ConnectBackoff
	if backoff <= 0 {
		backoff = DefaultConnectBackoff
	}

	c := &Client{
		clientInfo:        clientInfo,
		log:               log,
		bus:               opts.Bus,
		persister:         opts.ToolCache,
		onSampling:        opts.OnSampling,
		onElicitation:     opts.OnElicitation,
		onResourceUpdated: opts.OnResourceUpdated,
		maxDiscovery:      maxDiscovery,
		attempts:          attempts,
		backoff:           backoff,
		servers:           make(map[string]*serverEntry),
		cache:             newListCache(),
	}
	c.roots = newRootSet(c)
	return c
}

// AddServer registers a named server reachable through the given transport
// factory. The name must be unique within the client.
func (c *Client) AddServer(name string, factory mcp.TransportFactory) error {
	if name == "" {
		return errors.New("server name is required")
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if _, exists := c.servers[name]; exists {
		return fmt.Errorf("server %q already registered", name)
	}

	caps := protocol.ClientCapabilities{
		Roots: &protocol.RootsCapability{ListChanged: true},
	}
	if c.onSampling != nil {
		caps.Sampling = &protocol.SamplingCapability{}
	}
	if c.onElicitation != nil {
		caps.Elicitation = &protocol.ElicitationCapability{}
	}

	connector := mcp.NewConnector(factory, mcp.Options{
		Name:           name,
		ClientInfo:     c.clientInfo,
		Capabilities:   caps,
		Logger:         c.log,
		OnRequest:      c.requestHandler(name),
		OnNotification: c.notificationHandler(name),
	})

	c.servers[name] = &serverEntry{
		name:      name,
		connector: connector,
		lastState: events.StateDisconnected,
	}
	c.order = append(c.order, name)

	// Warm the in-memory tool cache so the server lists tools before its
	// first connect.
	if c.persister != nil {
		if tools, ok := c.persister.Load(name); ok {
			c.cache.setTools(name, tools)
		}
	}
	return nil
}

// RemoveServer disconnects and forgets a server. Unknown names are an
// error.
func (c *Client) RemoveServer(ctx context.Context, name string) error {
	c.mu.Lock()
	entry, ok := c.servers[name]
	if !ok {
		c.mu.Unlock()
		return fmt.Errorf("server %q not registered", name)
	}
	delete(c.servers, name)
	for i, n := range c.order {
		if n == name {
			c.order = append(c.order[:i], c.order[i+1:]...)
			break
		}
	}
	c.mu.Unlock()

	c.cache.drop(name)
	return entry.connector.Disconnect(ctx)
}

// Connect brings one server up, retrying the handshake with exponential
// backoff. An auth challenge parks the server in needs-auth immediately.
func (c *Client) Connect(ctx context.Context, name string) (*protocol.InitializeResult, error) {
	entry, ok := c.entry(name)
	if !ok {
		return nil, fmt.Errorf("server %q not registered", name)
	}

	c.setState(entry, events.StateConnecting, "")

	var lastErr error
	backoff := c.backoff
	for attempt := 1; attempt <= c.attempts; attempt++ {
		result, err := entry.connector.Connect(ctx)
		if err == nil {
			c.primeCaches(ctx, entry)
			c.setState(entry, events.StateConnected, "")
			return result, nil
		}
		lastErr = err

		var unauthorized *mcp.UnauthorizedError
		if errors.As(err, &unauthorized) {
			c.setState(entry, events.StateNeedsAuth, err.Error())
			return nil, err
		}

		if attempt < c.attempts {
			c.log.Warn("connect failed, retrying",
				zap.String("server", name),
				zap.Int("attempt", attempt),
				zap.Duration("backoff", backoff),
				zap.Error(err))
			select {
			case <-time.After(backoff):
			case <-ctx.Done():
				c.setState(entry, events.StateError, ctx.Err().Error())
				return nil, ctx.Err()
			}
			backoff *= 2
		}
	}

	c.setState(entry, events.StateError, lastErr.Error())
	c.publish(events.NewErrorEvent(name, lastErr, "connect failed"))
	return nil, fmt.Errorf("connect %s: %w", name, lastErr)
}

// ConnectAll connects every registered server in parallel with bounded
// concurrency. Per-server failures are logged and reported on the bus;
// the call itself does not fail.
func (c *Client) ConnectAll(ctx context.Context) {
	names := c.Names()
	sem := make(chan struct{}, c.maxDiscovery)
	var wg sync.WaitGroup
	for _, name := range names {
		wg.Add(1)
		go func(name string) {
			defer wg.Done()
			sem <- struct{}{}
			defer func() { <-sem }()
			if _, err := c.Connect(ctx, name); err != nil {
				c.log.Error("connect failed", zap.String("server", name), zap.Error(err))
			}
		}(name)
	}
	wg.Wait()
}

// Disconnect tears one server down.
func (c *Client) Disconnect(ctx context.Context, name string) error {
	entry, ok := c.entry(name)
	if !ok {
		return fmt.Errorf("server %q not registered", name)
	}
	c.setState(entry, events.StateDisconnecting, "")
	err := entry.connector.Disconnect(ctx)
	if err != nil {
		c.setState(entry, events.StateError, err.Error())
		return err
	}
	c.setState(entry, events.StateDisconnected, "")
	return nil
}

// DisconnectAll tears every server down in parallel.
func (c *Client) DisconnectAll(ctx context.Context) {
	names := c.Names()
	var wg sync.WaitGroup
	for _, name := range names {
		wg.Add(1)
		go func(name string) {
			defer wg.Done()
			if err := c.Disconnect(ctx, name); err != nil {
				c.log.Warn("disconnect failed", zap.String("server", name), zap.Error(err))
			}
		}(name)
	}
	wg.Wait()
}

// Status reports the connection status of one server.
func (c *Client) Status(name string) (mcp.Status, bool) {
	entry, ok := c.entry(name)
	if !ok {
		return mcp.Status{}, false
	}
	return entry.connector.Status(), true
}

// Names returns all registered server names in registration order.
func (c *Client) Names() []string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make([]string, len(c.order))
	copy(out, c.order)
	return out
}

// ServerView is one row of ListServers.
type ServerView struct {
	Name      string     `json:"name"`
	Status    mcp.Status `json:"status"`
	ToolCount int        `json:"toolCount"`
}

// ListServers returns the currently connected servers in registration
// order.
func (c *Client) ListServers() []ServerView {
	c.mu.RLock()
	defer c.mu.RUnlock()
	var out []ServerView
	for _, name := range c.order {
		st := c.servers[name].connector.Status()
		if st.Status != mcp.StateConnected {
			continue
		}
		tools, _ := c.cache.getTools(name)
		out = append(out, ServerView{Name: name, Status: st, ToolCount: len(tools)})
	}
	return out
}

// CachedTools returns the last known tool list for a server, live or
// warmed from the persisted cache.
func (c *Client) CachedTools(name string) ([]protocol.Tool, bool) {
	return c.cache.getTools(name)
}

func (c *Client) entry(name string) (*serverEntry, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	entry, ok := c.servers[name]
	return entry, ok
}

// connectedEntries snapshots the connected servers in registration order.
func (c *Client) connectedEntries() []*serverEntry {
	c.mu.RLock()
	defer c.mu.RUnlock()
	var out []*serverEntry
	for _, name := range c.order {
		entry := c.servers[name]
		if entry.connector.Status().Status == mcp.StateConnected {
			out = append(out, entry)
		}
	}
	return out
}

func (c *Client) setState(entry *serverEntry, state events.RuntimeState, errMsg string) {
	c.mu.Lock()
	old := entry.lastState
	entry.lastState = state
	c.mu.Unlock()
	if old == state {
		return
	}

	tools, _ := c.cache.getTools(entry.name)
	status := events.ServerStatus{
		ID:        entry.name,
		State:     state,
		ToolCount: len(tools),
		Error:     errMsg,
	}
	if state == events.StateConnected {
		now := time.Now()
		status.ConnectedAt = &now
	}
	c.publish(events.NewStatusChangedEvent(entry.name, old, state, status))
}

func (c *Client) publish(e events.Event) {
	if c.bus != nil {
		c.bus.Publish(e)
	}
}

// primeCaches fetches the initial lists for every capability the server
// declared. Failures are logged and leave any warmed cache in place.
func (c *Client) primeCaches(ctx context.Context, entry *serverEntry) {
	caps, ok := entry.connector.ServerCapabilities()
	if !ok {
		return
	}

	primeCtx, cancel := context.WithTimeout(ctx, ToolDiscoveryTimeout)
	defer cancel()

	if caps.Tools != nil {
		c.refreshTools(primeCtx, entry.name)
	}
	if caps.Resources != nil {
		c.refreshResources(primeCtx, entry.name)
		c.refreshTemplates(primeCtx, entry.name)
	}
	if caps.Prompts != nil {
		c.refreshPrompts(primeCtx, entry.name)
	}
}

func (c *Client) refreshTools(ctx context.Context, name string) {
	entry, ok := c.entry(name)
	if !ok {
		return
	}
	tools, err := entry.connector.ListTools(ctx)
	if err != nil {
		c.log.Error("refresh tools failed", zap.String("server", name), zap.Error(err))
		return
	}
	c.cache.setTools(name, tools)
	if c.persister != nil {
		c.persister.Store(name, tools)
	}
	c.publish(events.NewToolsUpdatedEvent(name, tools))
}

func (c *Client) refreshResources(ctx context.Context, name string) {
	entry, ok := c.entry(name)
	if !ok {
		return
	}
	resources, err := entry.connector.ListResources(ctx)
	if err != nil {
		c.log.Error("refresh resources failed", zap.String("server", name), zap.Error(err))
		return
	}
	c.cache.setResources(name, resources)
}

func (c *Client) refreshTemplates(ctx context.Context, name string) {
	entry, ok := c.entry(name)
	if !ok {
		return
	}
	templates, err := entry.connector.ListResourceTemplates(ctx)
	if err != nil {
		c.log.Error("refresh resource templates failed", zap.String("server", name), zap.Error(err))
		return
	}
	c.cache.setTemplates(name, templates)
}

func (c *Client) refreshPrompts(ctx context.Context, name string) {
	entry, ok := c.entry(name)
	if !ok {
		return
	}
	prompts, err := entry.connector.ListPrompts(ctx)
	if err != nil {
		c.log.Error("refresh prompts failed", zap.String("server", name), zap.Error(err))
		return
	}
	c.cache.setPrompts(name, prompts)
}

// requestHandler routes server-initiated requests: roots listing, ping,
// and the sampling/elicitation callbacks.
func (c *Client) requestHandler(name string) mcp.RequestHandler {
	return func(ctx context.Context, method string, params json.RawMessage) (any, *protocol.RPCError) {
		switch method {
		case "ping":
			return struct{}{}, nil

		case "roots/list":
			return protocol.ListRootsResult{Roots: c.Roots()}, nil

		case "sampling/createMessage":
			if c.onSampling == nil {
				return nil, protocol.ErrMethodNotFound("sampling/createMessage: no sampling handler configured")
			}
			var p protocol.CreateMessageParams
			if err := json.Unmarshal(params, &p); err != nil {
				return nil, protocol.ErrInvalidParams("malformed sampling params")
			}
			result, err := c.onSampling(ctx, &p)
			if err != nil {
				return nil, protocol.ErrInternalError("sampling: " + err.Error())
			}
			return result, nil

		case "elicitation/create":
			if c.onElicitation == nil {
				return nil, protocol.ErrMethodNotFound("elicitation/create: no elicitation handler configured")
			}
			var p protocol.ElicitParams
			if err := json.Unmarshal(params, &p); err != nil {
				return nil, protocol.ErrInvalidParams("malformed elicitation params")
			}
			result, err := c.onElicitation(ctx, &p)
			if err != nil {
				return nil, protocol.ErrInternalError("elicitation: " + err.Error())
			}
			return result, nil

		default:
			return nil, protocol.ErrMethodNotFound(method)
		}
	}
}

// notificationHandler reacts to list_changed notifications with
// capability-gated cache refreshes and forwards server log messages.
func (c *Client) notificationHandler(name string) mcp.NotificationHandler {
	return func(ctx context.Context, method string, params json.RawMessage) {
		switch method {
		case "notifications/tools/list_changed":
			if !c.advertises(name, func(caps protocol.ServerCapabilities) bool {
				return caps.Tools != nil && caps.Tools.ListChanged
			}) {
				c.log.Debug("ignoring tools/list_changed without capability", zap.String("server", name))
				return
			}
			go c.withRefreshCtx(func(ctx context.Context) { c.refreshTools(ctx, name) })

		case "notifications/resources/list_changed":
			if !c.advertises(name, func(caps protocol.ServerCapabilities) bool {
				return caps.Resources != nil && caps.Resources.ListChanged
			}) {
				c.log.Debug("ignoring resources/list_changed without capability", zap.String("server", name))
				return
			}
			go c.withRefreshCtx(func(ctx context.Context) {
				c.refreshResources(ctx, name)
				c.refreshTemplates(ctx, name)
			})

		case "notifications/prompts/list_changed":
			if !c.advertises(name, func(caps protocol.ServerCapabilities) bool {
				return caps.Prompts != nil && caps.Prompts.ListChanged
			}) {
				c.log.Debug("ignoring prompts/list_changed without capability", zap.String("server", name))
				return
			}
			go c.withRefreshCtx(func(ctx context.Context) { c.refreshPrompts(ctx, name) })

		case "notifications/resources/updated":
			var p protocol.ResourceUpdatedParams
			if err := json.Unmarshal(params, &p); err != nil {
				c.log.Warn("malformed resources/updated params", zap.String("server", name))
				return
			}
			c.log.Info("resource updated", zap.String("server", name), zap.String("uri", p.URI))
			if c.onResourceUpdated != nil {
				c.onResourceUpdated(name, p.URI)
			}

		case "notifications/message":
			var p protocol.LoggingMessageParams
			if err := json.Unmarshal(params, &p); err != nil {
				return
			}
			c.forwardServerLog(name, p)

		case "notifications/progress", "notifications/cancelled":
			c.log.Debug("notification", zap.String("server", name), zap.String("method", method))

		default:
			c.log.Debug("unknown notification", zap.String("server", name), zap.String("method", method))
		}
	}
}

func (c *Client) withRefreshCtx(fn func(context.Context)) {
	ctx, cancel := context.WithTimeout(context.Background(), ToolDiscoveryTimeout)
	defer cancel()
	fn(ctx)
}

func (c *Client) advertises(name string, pred func(protocol.ServerCapabilities) bool) bool {
	entry, ok := c.entry(name)
	if !ok {
		return false
	}
	caps, connected := entry.connector.ServerCapabilities()
	return connected && pred(caps)
}

func (c *Client) forwardServerLog(name string, p protocol.LoggingMessageParams) {
	line := string(p.Data)
	c.publish(events.NewLogReceivedEvent(name, p.Level, line))

	fields := []zap.Field{zap.String("server", name), zap.String("data", line)}
	switch p.Level {
	case "debug":
		c.log.Debug("server log", fields...)
	case "info", "notice":
		c.log.Info("server log", fields...)
	case "warning":
		c.log.Warn("server log", fields...)
	default:
		c.log.Error("server log", fields...)
	}
}
