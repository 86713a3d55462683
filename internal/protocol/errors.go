package protocol

import (
	"encoding/json"
	"fmt"
)

// JSON-RPC error codes
const (
	// Standard JSON-RPC errors
	ErrCodeParseError     = -32700
	ErrCodeInvalidRequest = -32600
	ErrCodeMethodNotFound = -32601
	ErrCodeInvalidParams  = -32602
	ErrCodeInternalError  = -32603

	// Protocol-specific errors (-32000 to -32099)
	ErrCodeServerNotFound    = -32000
	ErrCodeServerUnavailable = -32001
	ErrCodeResourceNotFound  = -32002
	ErrCodeToolNotFound      = -32003
	ErrCodeToolCallTimeout   = -32004
)

// RPCError represents a JSON-RPC 2.0 error.
type RPCError struct {
	Code    int             `json:"code"`
	Message string          `json:"message"`
	Data    json.RawMessage `json:"data,omitempty"`
}

func (e *RPCError) Error() string {
	return fmt.Sprintf("RPC error %d: %s", e.Code, e.Message)
}

// NewRPCError creates a new RPC error with optional data.
func NewRPCError(code int, message string, data any) *RPCError {
	err := &RPCError{
		Code:    code,
		Message: message,
	}
	if data != nil {
		if dataBytes, jsonErr := json.Marshal(data); jsonErr == nil {
			err.Data = dataBytes
		}
	}
	return err
}

// Error constructors for common cases

func ErrParseError(detail string) *RPCError {
	return NewRPCError(ErrCodeParseError, "Parse error: "+detail, nil)
}

func ErrInvalidRequest(detail string) *RPCError {
	return NewRPCError(ErrCodeInvalidRequest, "Invalid Request: "+detail, nil)
}

func ErrMethodNotFound(method string) *RPCError {
	return NewRPCError(ErrCodeMethodNotFound, fmt.Sprintf("Method not found: %s", method), nil)
}

func ErrInvalidParams(detail string) *RPCError {
	return NewRPCError(ErrCodeInvalidParams, "Invalid params: "+detail, nil)
}

func ErrInternalError(detail string) *RPCError {
	return NewRPCError(ErrCodeInternalError, "Internal error: "+detail, nil)
}

func ErrServerNotFound(serverID string) *RPCError {
	return NewRPCError(ErrCodeServerNotFound, fmt.Sprintf("Server not found: %s", serverID), map[string]string{"serverId": serverID})
}

func ErrResourceNotFound(uri string) *RPCError {
	return NewRPCError(ErrCodeResourceNotFound, fmt.Sprintf("Resource not found: %s", uri), map[string]string{"uri": uri})
}

func ErrToolNotFound(toolName string) *RPCError {
	return NewRPCError(ErrCodeToolNotFound, fmt.Sprintf("Tool not found: %s", toolName), map[string]string{"toolName": toolName})
}

func ErrServerUnavailable(serverID, reason string) *RPCError {
	return NewRPCError(ErrCodeServerUnavailable, fmt.Sprintf("Server %s unavailable: %s", serverID, reason), map[string]string{"serverId": serverID, "reason": reason})
}

func ErrToolCallTimeout(serverID, toolName string) *RPCError {
	return NewRPCError(ErrCodeToolCallTimeout, fmt.Sprintf("Tool call timeout: %s.%s", serverID, toolName), map[string]string{"serverId": serverID, "toolName": toolName})
}
