package mcp

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/Bigsy/mcpd/internal/protocol"
)

// State names the connection lifecycle phases.
type State string

const (
	StateDisconnected  State = "disconnected"
	StateConnecting    State = "connecting"
	StatePendingAuth   State = "pending-auth"
	StateConnected     State = "connected"
	StateDisconnecting State = "disconnecting"
)

// ErrNotConnected is returned by request operations outside the connected
// state.
var ErrNotConnected = errors.New("connector not connected")

// errDisconnected is the terminal error delivered to every pending request
// when the connection goes away.
var errDisconnected = errors.New("connector disconnected")

// Status is a point-in-time snapshot of a connector.
type Status struct {
	Status          State                    `json:"status"`
	ServerInfo      *protocol.Implementation `json:"serverInfo,omitempty"`
	ProtocolVersion string                   `json:"protocolVersion,omitempty"`
}

// RequestHandler responds to a server-initiated request. Exactly one of the
// result and the error is used.
type RequestHandler func(ctx context.Context, method string, params json.RawMessage) (any, *protocol.RPCError)

// NotificationHandler consumes a server notification. It has no way to fail
// the connection; panics are caught and logged.
type NotificationHandler func(ctx context.Context, method string, params json.RawMessage)

// ConnectHandler observes a completed handshake.
type ConnectHandler func(result *protocol.InitializeResult)

// Options configures a connector.
type Options struct {
	// Name identifies the connector in logs and in the aggregator map.
	Name string
	// ClientInfo is sent in the initialize handshake.
	ClientInfo protocol.Implementation
	// Capabilities are the client capabilities declared to the server.
	Capabilities protocol.ClientCapabilities
	Logger       *zap.Logger

	OnRequest      RequestHandler
	OnNotification NotificationHandler
	OnConnect      ConnectHandler
}

// Connector is a full-duplex JSON-RPC endpoint bound to one server through
// one transport at a time. All inbound dispatch happens on a single pump
// goroutine, preserving arrival order between responses and notifications.
type Connector struct {
	name         string
	clientInfo   protocol.Implementation
	capabilities protocol.ClientCapabilities
	newTransport TransportFactory
	log          *zap.Logger

	onRequest      RequestHandler
	onNotification NotificationHandler
	onConnect      ConnectHandler

	mu        sync.Mutex
	state     State
	transport Transport
	nextID    int64
	pending   map[int64]*pendingCall
	attempt   *connectAttempt
	initRes   *protocol.InitializeResult
	pumpDone  chan struct{}
}

type pendingCall struct {
	method    string
	startedAt time.Time
	ch        chan callOutcome
}

type callOutcome struct {
	result json.RawMessage
	err    error
}

func (p *pendingCall) resolve(result json.RawMessage) {
	p.ch <- callOutcome{result: result}
}

func (p *pendingCall) reject(err error) {
	p.ch <- callOutcome{err: err}
}

// connectAttempt is the shared future returned to every Connect call that
// joins an in-flight handshake.
type connectAttempt struct {
	done   chan struct{}
	result *protocol.InitializeResult
	err    error
	once   sync.Once
}

func (a *connectAttempt) finish(result *protocol.InitializeResult, err error) {
	a.once.Do(func() {
		a.result = result
		a.err = err
		close(a.done)
	})
}

// NewConnector creates a disconnected connector. Each Connect builds a
// fresh transport from the factory.
func NewConnector(factory TransportFactory, opts Options) *Connector {
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	clientInfo := opts.ClientInfo
	if clientInfo.Name == "" {
		clientInfo = protocol.Implementation{Name: "mcpd", Version: "dev"}
	}
	return &Connector{
		name:           opts.Name,
		clientInfo:     clientInfo,
		capabilities:   opts.Capabilities,
		newTransport:   factory,
		log:            logger.With(zap.String("connector", opts.Name)),
		onRequest:      opts.OnRequest,
		onNotification: opts.OnNotification,
		onConnect:      opts.OnConnect,
		state:          StateDisconnected,
	}
}

// Name returns the connector name.
func (c *Connector) Name() string {
	return c.name
}

// Status returns a snapshot of the connection state.
func (c *Connector) Status() Status {
	c.mu.Lock()
	defer c.mu.Unlock()
	st := Status{Status: c.state}
	if c.initRes != nil {
		info := c.initRes.ServerInfo
		st.ServerInfo = &info
		st.ProtocolVersion = c.initRes.ProtocolVersion
	}
	return st
}

// ServerCapabilities returns the capabilities negotiated with the server.
// The second return is false unless the connector is connected.
func (c *Connector) ServerCapabilities() (protocol.ServerCapabilities, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state != StateConnected || c.initRes == nil {
		return protocol.ServerCapabilities{}, false
	}
	return c.initRes.Capabilities, true
}

// Connect brings the connector up: transport start, initialize handshake,
// initialized notification. A Connect that overlaps an in-flight handshake
// joins it rather than opening a second one. Connect on an already
// connected connector returns the cached initialize result.
func (c *Connector) Connect(ctx context.Context) (*protocol.InitializeResult, error) {
	c.mu.Lock()
	switch c.state {
	case StateConnected:
		res := c.initRes
		c.mu.Unlock()
		return res, nil
	case StateConnecting:
		a := c.attempt
		c.mu.Unlock()
		c.log.Warn("connect already in progress")
		select {
		case <-a.done:
			return a.result, a.err
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	case StateDisconnecting:
		c.mu.Unlock()
		return nil, errors.New("connector is disconnecting")
	}

	t := c.newTransport()
	a := &connectAttempt{done: make(chan struct{})}
	pumpDone := make(chan struct{})
	c.state = StateConnecting
	c.transport = t
	c.attempt = a
	c.nextID = 0
	c.pending = make(map[int64]*pendingCall)
	c.pumpDone = pumpDone
	c.initRes = nil
	c.mu.Unlock()

	c.runHandshake(ctx, t, a, pumpDone)

	<-a.done
	return a.result, a.err
}

// runHandshake drives transport start and the initialize exchange, walking
// the supported protocol versions on version rejection.
func (c *Connector) runHandshake(ctx context.Context, t Transport, a *connectAttempt, pumpDone chan struct{}) {
	if err := t.Start(ctx); err != nil {
		close(pumpDone)
		c.failConnect(t, a, fmt.Errorf("transport start: %w", err))
		return
	}

	go c.pump(t, pumpDone)

	var lastErr error
	for _, version := range protocol.SupportedProtocolVersions {
		params := protocol.InitializeParams{
			ProtocolVersion: version,
			Capabilities:    c.capabilities,
			ClientInfo:      c.clientInfo,
		}

		raw, err := c.roundTrip(ctx, "initialize", params, true)
		if err != nil {
			if isProtocolVersionError(err) {
				lastErr = err
				continue
			}
			c.failConnect(t, a, fmt.Errorf("initialize: %w", err))
			return
		}

		var result protocol.InitializeResult
		if err := json.Unmarshal(raw, &result); err != nil {
			c.failConnect(t, a, fmt.Errorf("initialize: unmarshal result: %w", err))
			return
		}
		if !protocol.IsSupportedVersion(result.ProtocolVersion) {
			c.failConnect(t, a, fmt.Errorf(
				"initialize: server negotiated unsupported protocol version %q", result.ProtocolVersion))
			return
		}

		// HTTP transports stamp the negotiated version on every request
		// from here on.
		if vt, ok := t.(interface{ SetProtocolVersion(string) }); ok {
			vt.SetProtocolVersion(result.ProtocolVersion)
		}

		if err := c.post(ctx, "notifications/initialized", nil, true); err != nil {
			c.failConnect(t, a, fmt.Errorf("initialized notification: %w", err))
			return
		}

		c.mu.Lock()
		if c.state != StateConnecting || c.transport != t {
			// Disconnect raced the handshake; its error wins.
			c.mu.Unlock()
			a.finish(nil, errDisconnected)
			return
		}
		c.state = StateConnected
		c.initRes = &result
		c.attempt = nil
		c.mu.Unlock()

		c.log.Info("connected",
			zap.String("server", result.ServerInfo.Name),
			zap.String("protocolVersion", result.ProtocolVersion))
		if c.onConnect != nil {
			c.onConnect(&result)
		}
		a.finish(&result, nil)
		return
	}

	if lastErr == nil {
		lastErr = errors.New("no protocol versions to try")
	}
	c.failConnect(t, a, fmt.Errorf("all protocol versions rejected: %w", lastErr))
}

// failConnect tears down a failed handshake. A 401 challenge from the HTTP
// transport parks the connector in pending-auth instead of disconnected so
// callers can run an auth flow and reconnect.
func (c *Connector) failConnect(t Transport, a *connectAttempt, err error) {
	c.mu.Lock()
	if c.transport == t && c.state == StateConnecting {
		var unauthorized *UnauthorizedError
		if errors.As(err, &unauthorized) {
			c.state = StatePendingAuth
		} else {
			c.state = StateDisconnected
		}
		c.transport = nil
		c.attempt = nil
		c.initRes = nil
	}
	pend := c.takePendingLocked()
	c.mu.Unlock()

	for _, p := range pend {
		p.reject(errDisconnected)
	}
	_ = t.Close()
	a.finish(nil, err)
}

// Disconnect tears the connection down. It is idempotent. Every pending
// request is rejected before the transport close runs; for stdio transports
// the close performs the shutdown escalation and its failure is returned.
func (c *Connector) Disconnect(ctx context.Context) error {
	c.mu.Lock()
	switch c.state {
	case StateDisconnected, StateDisconnecting:
		c.mu.Unlock()
		return nil
	case StatePendingAuth:
		c.state = StateDisconnected
		c.mu.Unlock()
		return nil
	}
	c.state = StateDisconnecting
	t := c.transport
	a := c.attempt
	c.attempt = nil
	c.initRes = nil
	pumpDone := c.pumpDone
	pend := c.takePendingLocked()
	c.mu.Unlock()

	// Finish the attempt before rejecting its pending initialize, so a
	// racing handshake goroutine cannot finish it with a different error.
	if a != nil {
		a.finish(nil, errors.New("disconnection initiated while connection was in progress"))
	}
	for _, p := range pend {
		p.reject(errDisconnected)
	}

	var closeErr error
	if t != nil {
		closeErr = t.Close()
	}
	if pumpDone != nil {
		select {
		case <-pumpDone:
		case <-ctx.Done():
		}
	}

	c.mu.Lock()
	c.state = StateDisconnected
	c.transport = nil
	c.mu.Unlock()

	return closeErr
}

func (c *Connector) takePendingLocked() []*pendingCall {
	pend := make([]*pendingCall, 0, len(c.pending))
	for _, p := range c.pending {
		pend = append(pend, p)
	}
	c.pending = make(map[int64]*pendingCall)
	return pend
}

// pump consumes the transport's inbound stream until it closes. It is the
// only goroutine that dispatches inbound messages, so responses and
// notifications on one transport are observed in arrival order.
func (c *Connector) pump(t Transport, done chan struct{}) {
	defer close(done)
	for raw := range t.Messages() {
		c.dispatch(context.Background(), raw)
	}
	c.transportClosed(t)
}

// transportClosed handles an unsolicited transport termination (child
// crash, socket close). Orderly Disconnect paths are handled there.
func (c *Connector) transportClosed(t Transport) {
	c.mu.Lock()
	if c.transport != t {
		c.mu.Unlock()
		return
	}
	if c.state == StateDisconnecting || c.state == StateDisconnected {
		c.mu.Unlock()
		return
	}
	wasConnecting := c.state == StateConnecting
	c.state = StateDisconnected
	c.transport = nil
	c.initRes = nil
	a := c.attempt
	c.attempt = nil
	pend := c.takePendingLocked()
	c.mu.Unlock()

	if err := t.Err(); err != nil {
		c.log.Error("transport closed", zap.Error(err))
	} else {
		c.log.Info("transport closed")
	}

	for _, p := range pend {
		p.reject(errDisconnected)
	}
	if a != nil {
		reason := t.Err()
		if reason == nil {
			reason = errors.New("transport closed")
		}
		if wasConnecting {
			a.finish(nil, fmt.Errorf("transport closed during connect: %w", reason))
		} else {
			a.finish(nil, reason)
		}
	}
}

// dispatch routes one parsed inbound envelope.
func (c *Connector) dispatch(ctx context.Context, raw []byte) {
	msg, rpcErr := protocol.ValidateMessage(raw)
	if rpcErr != nil {
		c.log.Warn("dropping invalid inbound message", zap.Error(rpcErr))
		return
	}

	switch msg.Kind() {
	case protocol.KindResponse, protocol.KindError:
		c.correlate(msg)
	case protocol.KindRequest:
		c.handleServerRequest(ctx, msg)
	case protocol.KindNotification:
		c.handleNotification(ctx, msg)
	}
}

// correlate matches a response to its pending request. The entry is removed
// from the map before the waiter is signalled, so a request resolves at
// most once.
func (c *Connector) correlate(msg *protocol.Message) {
	var id int64
	if err := json.Unmarshal(msg.ID, &id); err != nil {
		c.log.Warn("dropping response with non-numeric id", zap.ByteString("id", msg.ID))
		return
	}

	c.mu.Lock()
	p, ok := c.pending[id]
	delete(c.pending, id)
	c.mu.Unlock()

	if !ok {
		c.log.Warn("dropping response for unknown request id", zap.Int64("id", id))
		return
	}

	if msg.Error != nil {
		c.log.Error("received error response",
			zap.String("method", p.method),
			zap.Int("code", msg.Error.Code),
			zap.String("message", msg.Error.Message))
		p.reject(msg.Error)
		return
	}
	p.resolve(msg.Result)
}

// handleServerRequest answers a server-initiated request through the
// OnRequest callback, replying with its result or error under the same id.
func (c *Connector) handleServerRequest(ctx context.Context, msg *protocol.Message) {
	var result any
	var rpcErr *protocol.RPCError

	if c.onRequest == nil {
		rpcErr = protocol.ErrMethodNotFound(msg.Method + ": server-initiated requests not enabled")
	} else {
		func() {
			defer func() {
				if r := recover(); r != nil {
					c.log.Error("request handler panicked",
						zap.String("method", msg.Method), zap.Any("panic", r))
					rpcErr = protocol.ErrInternalError("request handler panicked")
				}
			}()
			result, rpcErr = c.onRequest(ctx, msg.Method, msg.Params)
		}()
	}

	var resp *protocol.Message
	if rpcErr != nil {
		resp = protocol.NewErrorResponse(msg.ID, rpcErr)
	} else {
		var err error
		resp, err = protocol.NewResponse(msg.ID, result)
		if err != nil {
			c.log.Error("marshal request handler result", zap.String("method", msg.Method), zap.Error(err))
			resp = protocol.NewErrorResponse(msg.ID, protocol.ErrInternalError("marshal result"))
		}
	}

	if err := c.sendMessage(ctx, resp); err != nil {
		c.log.Error("send response to server request", zap.String("method", msg.Method), zap.Error(err))
	}
}

func (c *Connector) handleNotification(ctx context.Context, msg *protocol.Message) {
	if c.onNotification == nil {
		c.log.Info("unhandled notification", zap.String("method", msg.Method))
		return
	}
	defer func() {
		if r := recover(); r != nil {
			c.log.Error("notification handler panicked",
				zap.String("method", msg.Method), zap.Any("panic", r))
		}
	}()
	c.onNotification(ctx, msg.Method, msg.Params)
}

// SendRequest issues a request and waits for its response. The error is a
// *protocol.RPCError when the server replied with an error envelope.
func (c *Connector) SendRequest(ctx context.Context, method string, params any) (json.RawMessage, error) {
	return c.roundTrip(ctx, method, params, false)
}

// roundTrip allocates the next id, records the pending entry, and hands the
// envelope to the transport, all under the connector mutex so a response
// can never arrive before its pending entry exists.
func (c *Connector) roundTrip(ctx context.Context, method string, params any, duringConnect bool) (json.RawMessage, error) {
	c.mu.Lock()
	if !c.sendableLocked(duringConnect) {
		c.mu.Unlock()
		return nil, ErrNotConnected
	}
	t := c.transport
	id := c.nextID
	c.nextID++

	idRaw, err := json.Marshal(id)
	if err != nil {
		c.mu.Unlock()
		return nil, fmt.Errorf("marshal id: %w", err)
	}
	msg, err := protocol.NewRequest(idRaw, method, params)
	if err != nil {
		c.mu.Unlock()
		return nil, fmt.Errorf("marshal %s params: %w", method, err)
	}
	data, err := json.Marshal(msg)
	if err != nil {
		c.mu.Unlock()
		return nil, fmt.Errorf("marshal %s request: %w", method, err)
	}

	p := &pendingCall{method: method, startedAt: time.Now(), ch: make(chan callOutcome, 1)}
	c.pending[id] = p
	sendErr := t.Send(ctx, data)
	if sendErr != nil {
		delete(c.pending, id)
	}
	c.mu.Unlock()

	if sendErr != nil {
		return nil, fmt.Errorf("send %s: %w", method, sendErr)
	}

	select {
	case out := <-p.ch:
		if out.err != nil {
			return nil, out.err
		}
		return out.result, nil
	case <-ctx.Done():
		c.mu.Lock()
		delete(c.pending, id)
		c.mu.Unlock()
		return nil, ctx.Err()
	}
}

// SendNotification sends a fire-and-forget notification. It fails only on
// transport failure.
func (c *Connector) SendNotification(ctx context.Context, method string, params any) error {
	return c.post(ctx, method, params, false)
}

func (c *Connector) post(ctx context.Context, method string, params any, duringConnect bool) error {
	c.mu.Lock()
	if !c.sendableLocked(duringConnect) {
		c.mu.Unlock()
		return ErrNotConnected
	}
	t := c.transport
	msg, err := protocol.NewNotification(method, params)
	if err != nil {
		c.mu.Unlock()
		return fmt.Errorf("marshal %s params: %w", method, err)
	}
	data, err := json.Marshal(msg)
	if err != nil {
		c.mu.Unlock()
		return fmt.Errorf("marshal %s notification: %w", method, err)
	}
	sendErr := t.Send(ctx, data)
	c.mu.Unlock()

	if sendErr != nil {
		return fmt.Errorf("send %s: %w", method, sendErr)
	}
	return nil
}

func (c *Connector) sendableLocked(duringConnect bool) bool {
	if c.transport == nil {
		return false
	}
	if c.state == StateConnected {
		return true
	}
	return duringConnect && c.state == StateConnecting
}

// sendMessage writes an already-built envelope, serialized with outbound
// requests on the same mutex.
func (c *Connector) sendMessage(ctx context.Context, msg *protocol.Message) error {
	data, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("marshal message: %w", err)
	}
	c.mu.Lock()
	t := c.transport
	c.mu.Unlock()
	if t == nil {
		return ErrNotConnected
	}
	return t.Send(ctx, data)
}

// isProtocolVersionError checks if an error indicates a protocol version
// rejection.
func isProtocolVersionError(err error) bool {
	if err == nil {
		return false
	}
	errStr := err.Error()
	return strings.Contains(errStr, "protocol") && strings.Contains(errStr, "version") ||
		strings.Contains(errStr, "protocolVersion") ||
		strings.Contains(errStr, "unsupported version")
}
