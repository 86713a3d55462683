package oauth

import (
	"context"
	"fmt"
	"html"
	"net"
	"net/http"
	"sync"
)

// CallbackResult carries the query parameters of an OAuth redirect.
type CallbackResult struct {
	// Code is the authorization code, empty on failure.
	Code string

	// State echoes the state parameter for CSRF verification.
	State string

	// Error and ErrorDescription are set when the user denied the
	// request or the authorization server rejected it.
	Error            string
	ErrorDescription string
}

// CallbackServer is the loopback HTTP listener that catches the
// browser redirect at the end of the authorization code flow.
type CallbackServer struct {
	listener net.Listener
	server   *http.Server
	result   chan CallbackResult
	port     int
	mu       sync.Mutex
	started  bool
}

// NewCallbackServer binds a listener on 127.0.0.1. A nil or zero port
// picks a random free port.
func NewCallbackServer(port *int) (*CallbackServer, error) {
	listenPort := 0
	if port != nil {
		listenPort = *port
	}

	// Loopback only. The redirect must never be reachable from outside.
	listener, err := net.Listen("tcp", fmt.Sprintf("127.0.0.1:%d", listenPort))
	if err != nil {
		return nil, fmt.Errorf("listen on port %d: %w", listenPort, err)
	}

	cs := &CallbackServer{
		listener: listener,
		result:   make(chan CallbackResult, 1),
		port:     listener.Addr().(*net.TCPAddr).Port,
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/callback", cs.handleCallback)
	cs.server = &http.Server{Handler: mux}

	return cs, nil
}

// Port returns the bound port.
func (s *CallbackServer) Port() int {
	return s.port
}

// RedirectURI returns the redirect URI to register with the
// authorization server.
func (s *CallbackServer) RedirectURI() string {
	return fmt.Sprintf("http://127.0.0.1:%d/callback", s.port)
}

// Start begins serving. It may be called once.
func (s *CallbackServer) Start() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.started {
		return fmt.Errorf("server already started")
	}
	s.started = true

	go func() { _ = s.server.Serve(s.listener) }()
	return nil
}

// Wait blocks until the redirect arrives or the context ends.
func (s *CallbackServer) Wait(ctx context.Context) (*CallbackResult, error) {
	select {
	case result := <-s.result:
		return &result, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Stop shuts the listener down.
func (s *CallbackServer) Stop() error {
	return s.server.Shutdown(context.Background())
}

func (s *CallbackServer) handleCallback(w http.ResponseWriter, r *http.Request) {
	query := r.URL.Query()

	result := CallbackResult{
		Code:             query.Get("code"),
		State:            query.Get("state"),
		Error:            query.Get("error"),
		ErrorDescription: query.Get("error_description"),
	}

	// Non-blocking: a second redirect must not hang the handler.
	select {
	case s.result <- result:
	default:
	}

	switch {
	case result.Error != "":
		writeCallbackPage(w, http.StatusBadRequest, "Authorization Failed",
			"Error: "+result.Error, result.ErrorDescription, "You can close this window.")
	case result.Code == "":
		writeCallbackPage(w, http.StatusBadRequest, "Error",
			"No authorization code received.", "You can close this window.")
	default:
		writeCallbackPage(w, http.StatusOK, "Authorization Complete",
			"You can close this window and return to the terminal.")
	}
}

// writeCallbackPage renders the minimal page shown in the user's
// browser after the redirect. All inputs are escaped.
func writeCallbackPage(w http.ResponseWriter, status int, title string, lines ...string) {
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	w.WriteHeader(status)

	fmt.Fprintf(w, `<!DOCTYPE html>
<html>
<head><title>mcpd - %s</title></head>
<body style="font-family: sans-serif; padding: 40px; text-align: center;">
<h1>%s</h1>
`, html.EscapeString(title), html.EscapeString(title))
	for _, line := range lines {
		if line != "" {
			fmt.Fprintf(w, "<p>%s</p>\n", html.EscapeString(line))
		}
	}
	fmt.Fprint(w, "</body>\n</html>")
}
