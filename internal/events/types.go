// Package events provides the in-process pub/sub bus that carries server
// connection status, tool updates and forwarded server logs to CLI
// consumers.
package events

import (
	"time"

	"github.com/Bigsy/mcpd/internal/protocol"
)

// RuntimeState represents the connection state of a configured server.
type RuntimeState int

const (
	StateDisconnected RuntimeState = iota
	StateConnecting
	StateNeedsAuth // server requires OAuth login before connecting
	StateConnected
	StateDisconnecting
	StateError
)

func (s RuntimeState) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateConnecting:
		return "connecting"
	case StateNeedsAuth:
		return "needs-auth"
	case StateConnected:
		return "connected"
	case StateDisconnecting:
		return "disconnecting"
	case StateError:
		return "error"
	default:
		return "unknown"
	}
}

// IsActive returns true for states with a live or in-flight connection.
func (s RuntimeState) IsActive() bool {
	return s == StateConnecting || s == StateConnected || s == StateDisconnecting
}

// ServerStatus is a point-in-time snapshot carried on status events.
type ServerStatus struct {
	ID          string       `json:"id"`
	State       RuntimeState `json:"state"`
	ToolCount   int          `json:"toolCount"`
	Error       string       `json:"error,omitempty"`
	ConnectedAt *time.Time   `json:"connectedAt,omitempty"`
}

// EventType identifies the kind of event.
type EventType int

const (
	EventStatusChanged EventType = iota
	EventLogReceived
	EventToolsUpdated
	EventError
)

func (e EventType) String() string {
	switch e {
	case EventStatusChanged:
		return "status_changed"
	case EventLogReceived:
		return "log_received"
	case EventToolsUpdated:
		return "tools_updated"
	case EventError:
		return "error"
	default:
		return "unknown"
	}
}

// Event is the base interface for all events.
type Event interface {
	Type() EventType
	ServerID() string
	Timestamp() time.Time
}

// baseEvent provides common fields for all events.
type baseEvent struct {
	serverID  string
	timestamp time.Time
}

func (e baseEvent) ServerID() string     { return e.serverID }
func (e baseEvent) Timestamp() time.Time { return e.timestamp }

// StatusChangedEvent is emitted when a server's connection state changes.
type StatusChangedEvent struct {
	baseEvent
	OldState RuntimeState
	NewState RuntimeState
	Status   ServerStatus
}

func (e StatusChangedEvent) Type() EventType { return EventStatusChanged }

// NewStatusChangedEvent creates a new status changed event.
func NewStatusChangedEvent(serverID string, oldState, newState RuntimeState, status ServerStatus) StatusChangedEvent {
	return StatusChangedEvent{
		baseEvent: baseEvent{serverID: serverID, timestamp: time.Now()},
		OldState:  oldState,
		NewState:  newState,
		Status:    status,
	}
}

// LogReceivedEvent is emitted for a log line forwarded by a server, either
// from stdio stderr or a notifications/message.
type LogReceivedEvent struct {
	baseEvent
	Level string
	Line  string
}

func (e LogReceivedEvent) Type() EventType { return EventLogReceived }

// NewLogReceivedEvent creates a new log received event.
func NewLogReceivedEvent(serverID, level, line string) LogReceivedEvent {
	return LogReceivedEvent{
		baseEvent: baseEvent{serverID: serverID, timestamp: time.Now()},
		Level:     level,
		Line:      line,
	}
}

// ToolsUpdatedEvent is emitted when a server's tool list is discovered or
// changes.
type ToolsUpdatedEvent struct {
	baseEvent
	Tools []protocol.Tool
}

func (e ToolsUpdatedEvent) Type() EventType { return EventToolsUpdated }

// NewToolsUpdatedEvent creates a new tools updated event.
func NewToolsUpdatedEvent(serverID string, tools []protocol.Tool) ToolsUpdatedEvent {
	return ToolsUpdatedEvent{
		baseEvent: baseEvent{serverID: serverID, timestamp: time.Now()},
		Tools:     tools,
	}
}

// ErrorEvent is emitted when a background operation fails.
type ErrorEvent struct {
	baseEvent
	Err     error
	Message string
}

func (e ErrorEvent) Type() EventType { return EventError }

// NewErrorEvent creates a new error event.
func NewErrorEvent(serverID string, err error, message string) ErrorEvent {
	return ErrorEvent{
		baseEvent: baseEvent{serverID: serverID, timestamp: time.Now()},
		Err:       err,
		Message:   message,
	}
}
