package mcp

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"os"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/Bigsy/mcpd/internal/oauth"
	"github.com/Bigsy/mcpd/internal/protocol"
)

const (
	// MaxSSEEventSize is the maximum size of a single SSE event (1MB).
	MaxSSEEventSize = 1024 * 1024

	// DefaultConnectTimeout is the timeout for initial HTTP connections.
	DefaultConnectTimeout = 30 * time.Second

	// SSEReconnectBaseDelay is the base delay for SSE reconnection.
	SSEReconnectBaseDelay = 500 * time.Millisecond

	// SSEReconnectMaxDelay is the maximum delay for SSE reconnection.
	SSEReconnectMaxDelay = 30 * time.Second
)

// StreamableHTTPConfig holds configuration for the HTTP transport.
type StreamableHTTPConfig struct {
	// URL is the MCP endpoint (e.g. "https://mcp.figma.com/mcp").
	URL string

	// BearerToken is a static bearer token (optional).
	BearerToken string

	// BearerTokenProvider resolves a bearer token per request (optional).
	// When set, it takes precedence over BearerToken.
	BearerTokenProvider func(context.Context) (string, error)

	// HTTPHeaders are static headers to include in all requests.
	HTTPHeaders map[string]string

	// Client is the HTTP client to use. If nil, http.DefaultClient is used.
	Client *http.Client

	Logger *zap.Logger

	// DisableListener turns off the GET event stream. Tests use this when
	// the fake server only implements POST.
	DisableListener bool
}

// StreamableHTTPTransport implements Transport over streamable HTTP. Each
// outbound envelope is POSTed; reply bodies (JSON or SSE) are consumed in
// the background and surfaced on Messages. A GET side channel carries
// server-initiated traffic once a session is established.
type StreamableHTTPTransport struct {
	cfg       StreamableHTTPConfig
	log       *zap.Logger
	sseClient *http.Client // no timeout, long-lived streams
	rpcClient *http.Client

	mu              sync.Mutex
	sessionID       string
	lastEventID     string
	protocolVersion string
	listenerOn      bool
	listenCancel    context.CancelFunc
	closed          bool

	msgs chan []byte
	done chan struct{}
	wg   sync.WaitGroup
}

// NewStreamableHTTPTransport creates an HTTP transport for the endpoint.
func NewStreamableHTTPTransport(cfg StreamableHTTPConfig) *StreamableHTTPTransport {
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	base := cfg.Client
	if base == nil {
		base = http.DefaultClient
	}

	// Never rely on http.Client.Timeout: it would sever SSE bodies.
	// Deadlines come from contexts and transport-level timeouts.
	return &StreamableHTTPTransport{
		cfg:       cfg,
		log:       logger,
		sseClient: cloneHTTPClient(base),
		rpcClient: cloneHTTPClient(base),
		msgs:      make(chan []byte, 100),
		done:      make(chan struct{}),
	}
}

// Start validates the endpoint. The first POST establishes the session.
func (t *StreamableHTTPTransport) Start(ctx context.Context) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return errors.New("transport closed")
	}
	u, err := url.Parse(t.cfg.URL)
	if err != nil {
		return fmt.Errorf("parse endpoint URL: %w", err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return fmt.Errorf("unsupported URL scheme %q", u.Scheme)
	}
	return nil
}

// Send POSTs one envelope. Status and headers are handled synchronously so
// auth failures surface to the caller; the reply body is consumed in the
// background and delivered via Messages.
func (t *StreamableHTTPTransport) Send(ctx context.Context, msg []byte) error {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return errors.New("transport closed")
	}
	sessionID := t.sessionID
	version := t.protocolVersion
	t.mu.Unlock()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, t.cfg.URL, bytes.NewReader(msg))
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	if err := t.setCommonHeaders(ctx, req, version); err != nil {
		return fmt.Errorf("set headers: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json, text/event-stream")
	if sessionID != "" {
		req.Header.Set(protocol.HeaderSessionID, sessionID)
	}

	resp, err := t.rpcClient.Do(req)
	if err != nil {
		return fmt.Errorf("send request: %w", err)
	}

	// Capture the session id. Servers assign it on the initialize reply.
	if sid := resp.Header.Get(protocol.HeaderSessionID); sid != "" {
		t.mu.Lock()
		t.sessionID = sid
		t.maybeStartListenerLocked()
		t.mu.Unlock()
	}

	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusAccepted {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
		_ = resp.Body.Close()
		if resp.StatusCode == http.StatusUnauthorized {
			// Preserve the WWW-Authenticate challenge for OAuth discovery.
			return &UnauthorizedError{Challenge: oauth.ParseBearerChallenge(resp.Header)}
		}
		return fmt.Errorf("request failed: %s - %s", resp.Status, string(body))
	}

	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		_ = resp.Body.Close()
		return errors.New("transport closed")
	}
	t.wg.Add(1)
	t.mu.Unlock()
	go t.consumeBody(resp)
	return nil
}

// Messages returns the inbound stream. It closes after Close.
func (t *StreamableHTTPTransport) Messages() <-chan []byte {
	return t.msgs
}

// Err is always nil: POST failures surface per call and the stream
// terminates only through Close.
func (t *StreamableHTTPTransport) Err() error {
	return nil
}

// SetProtocolVersion records the negotiated version. Every subsequent
// request carries it in the MCP-Protocol-Version header; before
// negotiation the header is absent.
func (t *StreamableHTTPTransport) SetProtocolVersion(version string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.protocolVersion = version
}

// SessionID returns the server-assigned session id, if any.
func (t *StreamableHTTPTransport) SessionID() string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.sessionID
}

// Close terminates the session with a DELETE, stops the listener and
// closes the message channel.
func (t *StreamableHTTPTransport) Close() error {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return nil
	}
	t.closed = true
	sessionID := t.sessionID
	version := t.protocolVersion
	cancel := t.listenCancel
	t.mu.Unlock()

	close(t.done)
	if cancel != nil {
		cancel()
	}
	t.wg.Wait()
	close(t.msgs)

	if sessionID != "" {
		t.deleteSession(sessionID, version)
	}
	return nil
}

// deleteSession tells the server the session is over. Best effort.
func (t *StreamableHTTPTransport) deleteSession(sessionID, version string) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodDelete, t.cfg.URL, nil)
	if err != nil {
		return
	}
	if err := t.setCommonHeaders(ctx, req, version); err != nil {
		return
	}
	req.Header.Set(protocol.HeaderSessionID, sessionID)

	resp, err := t.rpcClient.Do(req)
	if err != nil {
		t.log.Debug("session delete failed", zap.Error(err))
		return
	}
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 1024))
	_ = resp.Body.Close()
}

// consumeBody drains one POST reply body and queues its envelopes.
func (t *StreamableHTTPTransport) consumeBody(resp *http.Response) {
	defer t.wg.Done()
	defer resp.Body.Close()

	contentType := resp.Header.Get("Content-Type")
	switch {
	case strings.HasPrefix(contentType, "text/event-stream"):
		if err := t.consumeSSE(resp.Body); err != nil {
			t.log.Warn("error reading streamed response", zap.Error(err))
		}
	case strings.HasPrefix(contentType, "application/json"):
		data, err := io.ReadAll(resp.Body)
		if err != nil {
			t.log.Warn("error reading response body", zap.Error(err))
			return
		}
		if len(data) > 0 {
			t.queue(data)
		}
	default:
		// 202 Accepted for notifications has no body worth reading.
		_, _ = io.Copy(io.Discard, resp.Body)
	}
}

// consumeSSE queues the data of each event on a stream.
func (t *StreamableHTTPTransport) consumeSSE(body io.Reader) error {
	scanner := newSSEScanner(body, MaxSSEEventSize)
	for {
		event, err := scanner.Next()
		if err != nil {
			if err == io.EOF {
				return nil
			}
			return err
		}
		if event.ID != "" {
			t.mu.Lock()
			t.lastEventID = event.ID
			t.mu.Unlock()
		}
		if len(event.Data) > 0 && (event.Event == "" || event.Event == "message") {
			if !t.queue(event.Data) {
				return nil
			}
		}
	}
}

// queue delivers one envelope unless the transport is shutting down.
func (t *StreamableHTTPTransport) queue(data []byte) bool {
	select {
	case t.msgs <- data:
		return true
	case <-t.done:
		return false
	}
}

// maybeStartListenerLocked opens the GET side channel once a session
// exists. Caller holds t.mu.
func (t *StreamableHTTPTransport) maybeStartListenerLocked() {
	if t.listenerOn || t.closed || t.cfg.DisableListener {
		return
	}
	t.listenerOn = true
	ctx, cancel := context.WithCancel(context.Background())
	t.listenCancel = cancel
	t.wg.Add(1)
	go t.listen(ctx)
}

// listen keeps the GET event stream open, reconnecting with backoff and
// resuming from the last seen event id. Servers without a side channel
// answer 405 and the listener gives up quietly.
func (t *StreamableHTTPTransport) listen(ctx context.Context) {
	defer t.wg.Done()

	delay := SSEReconnectBaseDelay
	for {
		connected, retry, err := t.listenOnce(ctx)
		if !retry {
			if err != nil {
				t.log.Debug("event stream unavailable", zap.Error(err))
			}
			return
		}
		if err != nil {
			t.log.Debug("event stream interrupted", zap.Error(err))
		}
		if connected {
			delay = SSEReconnectBaseDelay
		}
		select {
		case <-ctx.Done():
			return
		case <-t.done:
			return
		case <-time.After(delay):
		}
		delay *= 2
		if delay > SSEReconnectMaxDelay {
			delay = SSEReconnectMaxDelay
		}
	}
}

func (t *StreamableHTTPTransport) listenOnce(ctx context.Context) (connected, retry bool, err error) {
	t.mu.Lock()
	sessionID := t.sessionID
	version := t.protocolVersion
	lastEventID := t.lastEventID
	t.mu.Unlock()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, t.cfg.URL, nil)
	if err != nil {
		return false, false, err
	}
	if err := t.setCommonHeaders(ctx, req, version); err != nil {
		return false, false, err
	}
	req.Header.Set("Accept", "text/event-stream")
	if sessionID != "" {
		req.Header.Set(protocol.HeaderSessionID, sessionID)
	}
	if lastEventID != "" {
		req.Header.Set("Last-Event-ID", lastEventID)
	}

	resp, err := t.sseClient.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return false, false, nil
		}
		return false, true, err
	}
	defer resp.Body.Close()

	switch resp.StatusCode {
	case http.StatusOK:
		if !strings.HasPrefix(resp.Header.Get("Content-Type"), "text/event-stream") {
			return false, false, fmt.Errorf("unexpected content type %q on event stream", resp.Header.Get("Content-Type"))
		}
		err := t.consumeSSE(resp.Body)
		if ctx.Err() != nil {
			return true, false, nil
		}
		return true, true, err
	case http.StatusMethodNotAllowed, http.StatusNotFound:
		// No side channel, or the session is gone. Nothing to resume.
		return false, false, nil
	case http.StatusUnauthorized:
		return false, false, errors.New("event stream unauthorized")
	default:
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
		return false, true, fmt.Errorf("event stream failed: %s - %s", resp.Status, string(body))
	}
}

// setCommonHeaders sets headers common to all requests.
func (t *StreamableHTTPTransport) setCommonHeaders(ctx context.Context, req *http.Request, version string) error {
	if version != "" {
		req.Header.Set(protocol.HeaderProtocolVersion, version)
	}

	if t.cfg.BearerTokenProvider != nil {
		token, err := t.cfg.BearerTokenProvider(ctx)
		if err != nil {
			return fmt.Errorf("resolve bearer token: %w", err)
		}
		if token != "" {
			req.Header.Set("Authorization", "Bearer "+token)
		}
	} else if t.cfg.BearerToken != "" {
		req.Header.Set("Authorization", "Bearer "+t.cfg.BearerToken)
	}

	for k, v := range t.cfg.HTTPHeaders {
		req.Header.Set(k, v)
	}
	return nil
}

// UnauthorizedError is returned on HTTP 401 responses. It preserves the
// WWW-Authenticate challenge so callers can extract it with errors.As for
// OAuth discovery.
type UnauthorizedError struct {
	Challenge *oauth.BearerChallenge
}

func (e *UnauthorizedError) Error() string {
	return "unauthorized - authentication required"
}

// ValidateBearerTokenEnvVar checks if the bearer token environment
// variable is set. Returns an error if the env var is configured but not
// present.
func ValidateBearerTokenEnvVar(envVarName string) (string, error) {
	if envVarName == "" {
		return "", nil
	}
	if !isValidEnvVarName(envVarName) {
		return "", fmt.Errorf("invalid bearer token env var name %q", envVarName)
	}
	val, ok := os.LookupEnv(envVarName)
	if !ok || strings.TrimSpace(val) == "" {
		return "", fmt.Errorf("bearer token env var %s is not set", envVarName)
	}
	if strings.ContainsAny(val, "\r\n") {
		return "", fmt.Errorf("bearer token env var %s must not contain newlines", envVarName)
	}
	return val, nil
}

func isValidEnvVarName(s string) bool {
	if s == "" {
		return false
	}
	for i := 0; i < len(s); i++ {
		b := s[i]
		isLetter := (b >= 'A' && b <= 'Z') || (b >= 'a' && b <= 'z')
		isDigit := b >= '0' && b <= '9'
		if i == 0 {
			if !isLetter && b != '_' {
				return false
			}
			continue
		}
		if !isLetter && !isDigit && b != '_' {
			return false
		}
	}
	return true
}

// sseEvent represents a single SSE event.
type sseEvent struct {
	ID    string
	Event string
	Data  []byte
}

// sseScanner parses SSE events from a reader.
type sseScanner struct {
	reader   *bufio.Reader
	maxSize  int
	currSize int
}

func newSSEScanner(r io.Reader, maxSize int) *sseScanner {
	return &sseScanner{
		reader:  bufio.NewReader(r),
		maxSize: maxSize,
	}
}

// Next reads the next SSE event.
func (s *sseScanner) Next() (*sseEvent, error) {
	event := &sseEvent{}
	var dataLines [][]byte
	s.currSize = 0

	for {
		line, err := s.reader.ReadBytes('\n')
		if err != nil {
			if err == io.EOF && len(dataLines) > 0 {
				// Incomplete event at EOF.
				event.Data = bytes.Join(dataLines, []byte("\n"))
				return event, nil
			}
			return nil, err
		}

		// Track size to prevent unbounded buffering.
		s.currSize += len(line)
		if s.currSize > s.maxSize {
			return nil, fmt.Errorf("SSE event exceeds maximum size of %d bytes", s.maxSize)
		}

		line = bytes.TrimSuffix(line, []byte("\n"))
		line = bytes.TrimSuffix(line, []byte("\r"))

		// Empty line = dispatch event.
		if len(line) == 0 {
			if len(dataLines) > 0 || event.ID != "" || event.Event != "" {
				event.Data = bytes.Join(dataLines, []byte("\n"))
				return event, nil
			}
			continue
		}

		// Comment line.
		if line[0] == ':' {
			continue
		}

		var field, value []byte
		colonIdx := bytes.IndexByte(line, ':')
		if colonIdx == -1 {
			field = line
			value = nil
		} else {
			field = line[:colonIdx]
			value = line[colonIdx+1:]
			if len(value) > 0 && value[0] == ' ' {
				value = value[1:]
			}
		}

		switch string(field) {
		case "id":
			event.ID = string(value)
		case "event":
			event.Event = string(value)
		case "data":
			dataLines = append(dataLines, value)
		case "retry":
			// Server-suggested reconnect delays are ignored.
		}
	}
}

func cloneHTTPClient(base *http.Client) *http.Client {
	c := &http.Client{}
	if base != nil {
		*c = *base
	}
	c.Timeout = 0

	if c.Transport == nil {
		c.Transport = defaultHTTPTransport()
		return c
	}
	if t, ok := c.Transport.(*http.Transport); ok {
		tt := t.Clone()
		if tt.ResponseHeaderTimeout == 0 {
			tt.ResponseHeaderTimeout = DefaultConnectTimeout
		}
		if tt.TLSHandshakeTimeout == 0 {
			tt.TLSHandshakeTimeout = DefaultConnectTimeout
		}
		if tt.DialContext == nil {
			tt.DialContext = (&net.Dialer{
				Timeout:   DefaultConnectTimeout,
				KeepAlive: 30 * time.Second,
			}).DialContext
		}
		c.Transport = tt
	}
	return c
}

func defaultHTTPTransport() *http.Transport {
	// Start from Go's defaults and add a header timeout so requests that
	// never respond don't hang, without imposing a hard deadline on
	// long-lived response bodies like SSE.
	if dt, ok := http.DefaultTransport.(*http.Transport); ok {
		t := dt.Clone()
		t.ResponseHeaderTimeout = DefaultConnectTimeout
		if t.TLSHandshakeTimeout == 0 {
			t.TLSHandshakeTimeout = DefaultConnectTimeout
		}
		return t
	}
	return &http.Transport{
		Proxy: http.ProxyFromEnvironment,
		DialContext: (&net.Dialer{
			Timeout:   DefaultConnectTimeout,
			KeepAlive: 30 * time.Second,
		}).DialContext,
		ForceAttemptHTTP2:     true,
		MaxIdleConns:          100,
		IdleConnTimeout:       90 * time.Second,
		TLSHandshakeTimeout:   DefaultConnectTimeout,
		ExpectContinueTimeout: 1 * time.Second,
		ResponseHeaderTimeout: DefaultConnectTimeout,
	}
}
