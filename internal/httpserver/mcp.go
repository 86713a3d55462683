package httpserver

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/labstack/echo/v4"
	"go.uber.org/zap"

	"github.com/Bigsy/mcpd/internal/authz"
	"github.com/Bigsy/mcpd/internal/protocol"
)

// maxBodySize bounds a single POSTed envelope.
const maxBodySize = 4 * 1024 * 1024

// keepaliveInterval paces comment lines on idle side-channel streams.
const keepaliveInterval = 30 * time.Second

// requestContext is everything extracted from headers before validation.
type requestContext struct {
	sessionID       string
	protocolVersion string
	userID          string
}

func extractContext(c echo.Context) requestContext {
	rc := requestContext{
		sessionID:       c.Request().Header.Get(protocol.HeaderSessionID),
		protocolVersion: c.Request().Header.Get(protocol.HeaderProtocolVersion),
	}
	if info := authz.TokenInfoFrom(c); info != nil {
		rc.userID = info.Sub
	}
	return rc
}

// statusForRPCError maps a protocol error onto the HTTP status for the
// enclosing response.
func statusForRPCError(code int) int {
	switch code {
	case protocol.ErrCodeParseError, protocol.ErrCodeInvalidRequest, protocol.ErrCodeInvalidParams:
		return http.StatusBadRequest
	case protocol.ErrCodeMethodNotFound:
		return http.StatusNotFound
	case protocol.ErrCodeInternalError:
		return http.StatusInternalServerError
	default:
		return http.StatusBadRequest
	}
}

// rpcErrorBody writes a JSON-RPC-shaped error with the mapped status.
func rpcErrorBody(c echo.Context, id json.RawMessage, rpcErr *protocol.RPCError) error {
	return c.JSON(statusForRPCError(rpcErr.Code), protocol.NewErrorResponse(id, rpcErr))
}

// handlePost accepts one JSON-RPC envelope. Validation gates run in a
// fixed order; only after every gate passes does the reply stream begin.
func (s *Server) handlePost(c echo.Context) error {
	rc := extractContext(c)

	accept := c.Request().Header.Get("Accept")
	if !strings.Contains(accept, "application/json") || !strings.Contains(accept, "text/event-stream") {
		return c.JSON(http.StatusNotAcceptable, map[string]string{
			"error":   "not_acceptable",
			"message": "Accept must include application/json and text/event-stream",
		})
	}
	if ct := c.Request().Header.Get("Content-Type"); !strings.Contains(ct, "application/json") {
		return c.JSON(http.StatusUnsupportedMediaType, map[string]string{
			"error":   "unsupported_media_type",
			"message": "Content-Type must be application/json",
		})
	}
	if rc.protocolVersion != "" && !protocol.IsSupportedVersion(rc.protocolVersion) {
		return rpcErrorBody(c, nil, protocol.ErrInvalidParams(fmt.Sprintf(
			"unsupported protocol version %q (supported: %s)",
			rc.protocolVersion, strings.Join(protocol.SupportedProtocolVersions, ", "))))
	}

	body, err := io.ReadAll(io.LimitReader(c.Request().Body, maxBodySize))
	if err != nil {
		return c.JSON(http.StatusBadRequest, map[string]string{
			"error":   "read_failed",
			"message": "could not read request body",
		})
	}
	msg, rpcErr := protocol.ValidateMessage(body)
	if rpcErr != nil {
		return rpcErrorBody(c, nil, rpcErr)
	}

	isInitialize := msg.Kind() == protocol.KindRequest && msg.Method == "initialize"
	var sessionID string
	switch {
	case isInitialize:
		if rc.sessionID != "" {
			return rpcErrorBody(c, msg.ID, protocol.ErrInvalidRequest(
				"initialize request must not carry Mcp-Session-Id"))
		}
		sess := s.sessions.Allocate(rc.userID)
		sessionID = sess.ID
	case rc.sessionID == "":
		return rpcErrorBody(c, msg.ID, protocol.ErrInvalidRequest(
			"Mcp-Session-Id header is required"))
	default:
		if s.sessions.Lookup(rc.sessionID) == nil {
			return c.JSON(http.StatusNotFound, map[string]string{
				"error":   "session_not_found",
				"message": "session not found or expired; reinitialize",
			})
		}
		sessionID = rc.sessionID
	}

	// Activity is recorded before dispatch so a slow handler cannot get
	// its own session swept out from under it.
	s.sessions.Touch(sessionID)

	reply := s.runtime.Handle(c.Request().Context(), sessionID, msg)
	if reply == nil {
		// Notification or stray response: nothing to send back.
		return c.NoContent(http.StatusAccepted)
	}

	if isInitialize {
		s.recordNegotiatedVersion(sessionID, reply)
		c.Response().Header().Set(protocol.HeaderSessionID, sessionID)
	}

	if reply.Error != nil {
		return c.JSON(statusForRPCError(reply.Error.Code), reply)
	}
	return s.streamReply(c, sessionID, reply)
}

// streamReply sends the final response as a one-event SSE stream. Event
// ids come from the session's sequence so the side channel and POST
// replies never collide.
func (s *Server) streamReply(c echo.Context, sessionID string, reply *protocol.Message) error {
	data, err := json.Marshal(reply)
	if err != nil {
		return rpcErrorBody(c, reply.ID, protocol.ErrInternalError("encode response"))
	}

	res := c.Response()
	h := res.Header()
	h.Set("Content-Type", "text/event-stream")
	h.Set("Cache-Control", "no-cache")
	h.Set("Connection", "keep-alive")
	res.WriteHeader(http.StatusOK)

	eventID, _ := s.sessions.NextEventID(sessionID)
	if _, err := fmt.Fprintf(res, "event: message\nid: %d\ndata: %s\n\n", eventID, data); err != nil {
		return err
	}
	res.Flush()
	return nil
}

// recordNegotiatedVersion stores the initialize result's protocol
// version on the session for later header validation.
func (s *Server) recordNegotiatedVersion(sessionID string, reply *protocol.Message) {
	if reply.Error != nil || len(reply.Result) == 0 {
		return
	}
	var result protocol.InitializeResult
	if err := json.Unmarshal(reply.Result, &result); err != nil {
		return
	}
	if sess := s.sessions.Lookup(sessionID); sess != nil {
		sess.SetProtocolVersion(result.ProtocolVersion)
	}
}

// handleGet opens the SSE side channel for server-initiated messages.
func (s *Server) handleGet(c echo.Context) error {
	rc := extractContext(c)

	if !strings.Contains(c.Request().Header.Get("Accept"), "text/event-stream") {
		return c.JSON(http.StatusNotAcceptable, map[string]string{
			"error":   "not_acceptable",
			"message": "Accept must include text/event-stream",
		})
	}
	if rc.protocolVersion != "" && !protocol.IsSupportedVersion(rc.protocolVersion) {
		return rpcErrorBody(c, nil, protocol.ErrInvalidParams(
			"unsupported protocol version "+strconv.Quote(rc.protocolVersion)))
	}
	if rc.sessionID == "" {
		return c.JSON(http.StatusBadRequest, map[string]string{
			"error":   "session_required",
			"message": "Mcp-Session-Id header is required",
		})
	}
	if s.sessions.Lookup(rc.sessionID) == nil {
		return c.JSON(http.StatusNotFound, map[string]string{
			"error":   "session_not_found",
			"message": "session not found or expired",
		})
	}
	s.sessions.Touch(rc.sessionID)

	res := c.Response()
	h := res.Header()
	h.Set("Content-Type", "text/event-stream")
	h.Set("Cache-Control", "no-cache")
	h.Set("Connection", "keep-alive")
	h.Set("X-Accel-Buffering", "no")
	res.WriteHeader(http.StatusOK)

	stream := s.streams.add(rc.sessionID)
	defer s.streams.remove(stream)
	s.metrics.streams.Inc()
	defer s.metrics.streams.Dec()

	// Priming event: establishes the id sequence for resumption.
	primingID, _ := s.sessions.NextEventID(rc.sessionID)
	fmt.Fprintf(res, "id: %d\ndata: \n\n", primingID)
	res.Flush()

	// Replay anything the client missed since its Last-Event-ID.
	if lastStr := c.Request().Header.Get("Last-Event-ID"); lastStr != "" {
		if last, err := strconv.ParseInt(lastStr, 10, 64); err == nil {
			for _, ev := range s.sessions.EventsSince(rc.sessionID, last) {
				fmt.Fprintf(res, "event: message\nid: %d\ndata: %s\n\n", ev.ID, ev.Data)
			}
			res.Flush()
		} else {
			s.log.Warn("invalid Last-Event-ID header", zap.String("value", lastStr))
		}
	}

	s.log.Debug("side channel opened", zap.String("sessionId", rc.sessionID))

	ticker := time.NewTicker(keepaliveInterval)
	defer ticker.Stop()
	ctx := c.Request().Context()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-stream.done:
			return nil
		case ev := <-stream.events:
			if _, err := fmt.Fprintf(res, "event: message\nid: %d\ndata: %s\n\n", ev.ID, ev.Data); err != nil {
				return nil
			}
			res.Flush()
		case <-ticker.C:
			if _, err := fmt.Fprint(res, ": keepalive\n\n"); err != nil {
				return nil
			}
			res.Flush()
		}
	}
}

// handleDelete terminates a session. Idempotent: deleting an unknown or
// already-deleted session still answers 200.
func (s *Server) handleDelete(c echo.Context) error {
	rc := extractContext(c)
	if rc.sessionID == "" {
		return c.JSON(http.StatusBadRequest, map[string]string{
			"error":   "session_required",
			"message": "Mcp-Session-Id header is required",
		})
	}

	if s.sessions.Terminate(rc.sessionID) {
		s.log.Info("session terminated", zap.String("sessionId", rc.sessionID))
	}
	s.streams.closeSession(rc.sessionID)
	s.runtime.ReleaseSession(rc.sessionID)

	return c.JSON(http.StatusOK, map[string]string{"status": "terminated"})
}
