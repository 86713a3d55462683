package httpserver

import (
	"context"
	"crypto/subtle"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"go.uber.org/zap"

	"github.com/Bigsy/mcpd/internal/authz"
	"github.com/Bigsy/mcpd/internal/oauthproxy"
	"github.com/Bigsy/mcpd/internal/server"
	"github.com/Bigsy/mcpd/internal/session"
)

// Options wires a Server together.
type Options struct {
	// Runtime handles decoded protocol messages. Required.
	Runtime *server.Runtime

	// Sessions defaults to a fresh in-memory store.
	Sessions *session.Store

	// Authorizer, when set, enforces bearer tokens on /mcp.
	Authorizer *authz.Authorizer

	// Proxy, when set, mounts the OAuth proxy endpoints.
	Proxy *oauthproxy.Proxy

	// ManagementToken guards /management/cleanup. Empty disables it.
	ManagementToken string

	// SessionMaxIdle and SweepInterval drive the background inactivity
	// sweep. A zero interval disables it.
	SessionMaxIdle time.Duration
	SweepInterval  time.Duration

	Logger *zap.Logger
}

// Server is the streamable HTTP transport. It owns the echo instance,
// the session store and the live SSE stream registry, and satisfies
// server.Notifier so the runtime can push server-initiated messages.
type Server struct {
	echo     *echo.Echo
	runtime  *server.Runtime
	sessions *session.Store
	streams  *streamRegistry
	metrics  *metrics
	mgmtTok  string
	maxIdle  time.Duration
	sweepEv  time.Duration
	log      *zap.Logger

	sweepStop chan struct{}
	sweepDone chan struct{}
}

// New builds a Server and mounts all routes.
func New(opts Options) (*Server, error) {
	if opts.Runtime == nil {
		return nil, errors.New("httpserver: runtime is required")
	}
	log := opts.Logger
	if log == nil {
		log = zap.NewNop()
	}
	sessions := opts.Sessions
	if sessions == nil {
		sessions = session.NewStore(session.StoreConfig{Logger: log})
	}
	maxIdle := opts.SessionMaxIdle
	if maxIdle <= 0 {
		maxIdle = 30 * time.Minute
	}

	s := &Server{
		echo:     echo.New(),
		runtime:  opts.Runtime,
		sessions: sessions,
		streams:  newStreamRegistry(),
		mgmtTok:  opts.ManagementToken,
		maxIdle:  maxIdle,
		sweepEv:  opts.SweepInterval,
		log:      log,
	}
	s.metrics = newMetrics(sessions.Count)

	s.echo.HideBanner = true
	s.echo.HidePort = true
	s.echo.Use(middleware.CORSWithConfig(middleware.CORSConfig{
		AllowOrigins: []string{"*"},
		AllowMethods: []string{http.MethodGet, http.MethodPost, http.MethodDelete, http.MethodOptions},
		AllowHeaders: []string{"*"},
		ExposeHeaders: []string{
			"Mcp-Session-Id",
			"WWW-Authenticate",
		},
	}))
	s.echo.Use(middleware.Recover())
	s.echo.Use(s.metrics.middleware())

	mcpHandlers := []echo.MiddlewareFunc{}
	if opts.Authorizer != nil {
		mcpHandlers = append(mcpHandlers, opts.Authorizer.Middleware())
	}
	s.echo.POST("/mcp", s.handlePost, mcpHandlers...)
	s.echo.GET("/mcp", s.handleGet, mcpHandlers...)
	s.echo.DELETE("/mcp", s.handleDelete, mcpHandlers...)

	s.echo.GET("/health", s.handleHealth)
	s.echo.GET("/metrics", s.metrics.handler())
	s.echo.POST("/management/cleanup", s.handleCleanup)

	if opts.Proxy != nil {
		opts.Proxy.Register(s.echo)
	}

	opts.Runtime.SetNotifier(s)
	return s, nil
}

// Handler exposes the routing tree for httptest servers.
func (s *Server) Handler() http.Handler { return s.echo }

// Sessions returns the session store.
func (s *Server) Sessions() *session.Store { return s.sessions }

// Start listens on addr until ctx is cancelled, then shuts down
// gracefully. Returns nil on a clean shutdown so the process can exit 0.
func (s *Server) Start(ctx context.Context, addr string) error {
	if s.sweepEv > 0 {
		s.sweepStop = make(chan struct{})
		s.sweepDone = make(chan struct{})
		go s.sweepLoop()
	}

	errc := make(chan error, 1)
	go func() {
		errc <- s.echo.Start(addr)
	}()

	select {
	case err := <-errc:
		s.stopSweep()
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return fmt.Errorf("http server: %w", err)
	case <-ctx.Done():
	}

	s.log.Info("shutting down HTTP server")
	s.stopSweep()
	s.streams.closeAll()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := s.echo.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("shutdown: %w", err)
	}
	return nil
}

func (s *Server) sweepLoop() {
	defer close(s.sweepDone)
	ticker := time.NewTicker(s.sweepEv)
	defer ticker.Stop()
	for {
		select {
		case <-s.sweepStop:
			return
		case <-ticker.C:
			removed := s.sessions.SweepInactive(s.maxIdle)
			s.metrics.sweeps.Inc()
			for _, id := range s.streams.orphaned(s.sessions) {
				s.streams.closeSession(id)
			}
			if removed > 0 {
				s.log.Info("inactivity sweep", zap.Int("removed", removed))
			}
		}
	}
}

func (s *Server) stopSweep() {
	if s.sweepStop == nil {
		return
	}
	close(s.sweepStop)
	<-s.sweepDone
	s.sweepStop = nil
}

// handleHealth always reports healthy.
func (s *Server) handleHealth(c echo.Context) error {
	return c.JSON(http.StatusOK, map[string]any{
		"status":    "healthy",
		"timestamp": time.Now().UTC().Format(time.RFC3339),
	})
}

type cleanupRequest struct {
	InactivityTimeoutMs int64 `json:"inactivityTimeoutMs"`
}

// handleCleanup runs an on-demand inactivity sweep. Guarded by the
// static management token.
func (s *Server) handleCleanup(c echo.Context) error {
	if s.mgmtTok == "" {
		return c.JSON(http.StatusNotFound, map[string]string{
			"error":   "not_found",
			"message": "management endpoint is not configured",
		})
	}
	token, ok := authz.BearerFromHeader(c.Request().Header)
	if !ok || subtle.ConstantTimeCompare([]byte(token), []byte(s.mgmtTok)) != 1 {
		c.Response().Header().Set("WWW-Authenticate", `Bearer realm="MCP Server", error="invalid_token", error_description="management token required"`)
		return c.JSON(http.StatusUnauthorized, map[string]string{
			"error":   "invalid_token",
			"message": "management token required",
		})
	}

	var req cleanupRequest
	if err := c.Bind(&req); err != nil {
		return c.JSON(http.StatusBadRequest, map[string]string{
			"error":   "invalid_request",
			"message": "body must be JSON",
		})
	}
	maxIdle := s.maxIdle
	if req.InactivityTimeoutMs > 0 {
		maxIdle = time.Duration(req.InactivityTimeoutMs) * time.Millisecond
	}

	removed := s.sessions.SweepInactive(maxIdle)
	s.metrics.sweeps.Inc()
	for _, id := range s.streams.orphaned(s.sessions) {
		s.streams.closeSession(id)
	}
	return c.JSON(http.StatusOK, map[string]any{
		"sessionsRemoved": removed,
		"activeSessions":  s.sessions.Count(),
	})
}
