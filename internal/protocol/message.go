// Package protocol implements the JSON-RPC 2.0 wire layer shared by the
// client and server runtimes: envelope parsing and classification, error
// codes, and protocol version negotiation.
package protocol

import (
	"bytes"
	"encoding/json"
)

// JSONRPCVersion is the only accepted jsonrpc field value.
const JSONRPCVersion = "2.0"

// Header names used by the streamable HTTP transport on both sides.
const (
	HeaderSessionID       = "Mcp-Session-Id"
	HeaderProtocolVersion = "MCP-Protocol-Version"
)

// MessageKind classifies a parsed envelope.
type MessageKind int

const (
	KindRequest MessageKind = iota
	KindNotification
	KindResponse
	KindError
)

func (k MessageKind) String() string {
	switch k {
	case KindRequest:
		return "request"
	case KindNotification:
		return "notification"
	case KindResponse:
		return "response"
	case KindError:
		return "error"
	default:
		return "unknown"
	}
}

// Message is a parsed JSON-RPC envelope. Exactly one of the four shapes
// holds depending on which fields are set; Kind reports which.
type Message struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      json.RawMessage `json:"id,omitempty"`
	Method  string          `json:"method,omitempty"`
	Params  json.RawMessage `json:"params,omitempty"`
	Result  json.RawMessage `json:"result,omitempty"`
	Error   *RPCError       `json:"error,omitempty"`
}

var nullLiteral = []byte("null")

// HasID reports whether the envelope carries a non-null id.
func (m *Message) HasID() bool {
	return len(m.ID) > 0 && !bytes.Equal(m.ID, nullLiteral)
}

// Kind classifies the message. Only meaningful on messages returned by
// ValidateMessage.
func (m *Message) Kind() MessageKind {
	if m.Method != "" {
		if m.HasID() {
			return KindRequest
		}
		return KindNotification
	}
	if m.Error != nil {
		return KindError
	}
	return KindResponse
}

// ValidateMessage parses raw into a classified envelope. Syntactic failures
// return a parse error; structural failures (wrong jsonrpc, no recognizable
// shape, malformed id) return an invalid-request error.
func ValidateMessage(raw []byte) (*Message, *RPCError) {
	var msg Message
	if err := json.Unmarshal(raw, &msg); err != nil {
		return nil, ErrParseError(err.Error())
	}

	if msg.JSONRPC != JSONRPCVersion {
		return nil, ErrInvalidRequest(`jsonrpc must be "2.0"`)
	}

	if len(msg.ID) > 0 && !validID(msg.ID) {
		return nil, ErrInvalidRequest("id must be a string or integer")
	}

	if msg.Method == "" {
		if !msg.HasID() {
			return nil, ErrInvalidRequest("message has neither method nor id")
		}
		if msg.Error == nil && msg.Result == nil {
			return nil, ErrInvalidRequest("response carries neither result nor error")
		}
	}

	return &msg, nil
}

// validID accepts string and integer ids plus the null placeholder used in
// error responses to unparseable requests.
func validID(id json.RawMessage) bool {
	trimmed := bytes.TrimSpace(id)
	if len(trimmed) == 0 {
		return false
	}
	switch trimmed[0] {
	case '"':
		return true
	case '-':
		return len(trimmed) > 1
	case 'n':
		return bytes.Equal(trimmed, nullLiteral)
	default:
		return trimmed[0] >= '0' && trimmed[0] <= '9'
	}
}

// NewRequest builds a request envelope with an already-encoded id.
func NewRequest(id json.RawMessage, method string, params any) (*Message, error) {
	raw, err := marshalParams(params)
	if err != nil {
		return nil, err
	}
	return &Message{JSONRPC: JSONRPCVersion, ID: id, Method: method, Params: raw}, nil
}

// NewNotification builds a notification envelope.
func NewNotification(method string, params any) (*Message, error) {
	raw, err := marshalParams(params)
	if err != nil {
		return nil, err
	}
	return &Message{JSONRPC: JSONRPCVersion, Method: method, Params: raw}, nil
}

// NewResponse builds a success response for the given id. A nil result is
// encoded as an empty object so the result member is always present.
func NewResponse(id json.RawMessage, result any) (*Message, error) {
	raw, err := json.Marshal(result)
	if err != nil {
		return nil, err
	}
	if result == nil {
		raw = json.RawMessage(`{}`)
	}
	return &Message{JSONRPC: JSONRPCVersion, ID: id, Result: raw}, nil
}

// NewErrorResponse builds an error response. A nil id becomes the null id
// required for replies to unparseable requests.
func NewErrorResponse(id json.RawMessage, rpcErr *RPCError) *Message {
	if len(id) == 0 {
		id = nullLiteral
	}
	return &Message{JSONRPC: JSONRPCVersion, ID: id, Error: rpcErr}
}

func marshalParams(params any) (json.RawMessage, error) {
	if params == nil {
		return nil, nil
	}
	if raw, ok := params.(json.RawMessage); ok {
		return raw, nil
	}
	return json.Marshal(params)
}
