package mcp

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strconv"
)

// jsonrpcVersion is the JSON-RPC protocol version used by MCP.
const jsonrpcVersion = "2.0"

// Method names exchanged with tool servers.
const (
	MethodInitialize   = "initialize"
	MethodToolExecute  = "tool/execute"
	MethodResourceGet  = "resource/get"
	MethodShutdown     = "shutdown"
	MethodExit         = "exit"
	MethodLogMessage   = "window/logMessage"
	MethodProgress     = "$/progress"
	MethodCancel       = "$/cancelRequest"
	methodNotifMessage = "notifications/message"
	methodNotifProg    = "notifications/progress"
	methodNotifCancel  = "notifications/cancelled"
)

// Standard JSON-RPC error codes.
const (
	CodeParseError     = -32700
	CodeInvalidRequest = -32600
	CodeMethodNotFound = -32601
	CodeInvalidParams  = -32602
	CodeInternalError  = -32603
)

// Request is a JSON-RPC 2.0 request message. IDs are unsigned and
// assigned by the owning [Server].
type Request struct {
	JSONRPC string `json:"jsonrpc"`
	ID      uint64 `json:"id"`
	Method  string `json:"method"`
	Params  any    `json:"params,omitempty"`
}

// NewRequest creates a JSON-RPC 2.0 request with the given method and params.
func NewRequest(id uint64, method string, params any) *Request {
	return &Request{
		JSONRPC: jsonrpcVersion,
		ID:      id,
		Method:  method,
		Params:  params,
	}
}

// Response is a JSON-RPC 2.0 response message. Exactly one of Result
// or Error is non-nil in a well-formed response.
type Response struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      any             `json:"id"`
	Result  json.RawMessage `json:"result,omitempty"`
	Error   *RPCError       `json:"error,omitempty"`
}

// RPCError is a JSON-RPC 2.0 error object. When returned from a call it
// is the remote server's own error, carried through unchanged.
type RPCError struct {
	Code    int             `json:"code"`
	Message string          `json:"message"`
	Data    json.RawMessage `json:"data,omitempty"`
}

// Error implements the error interface for RPCError.
func (e *RPCError) Error() string {
	return fmt.Sprintf("jsonrpc error %d: %s", e.Code, e.Message)
}

// Notification is a JSON-RPC 2.0 notification (no ID, no response expected).
type Notification struct {
	JSONRPC string `json:"jsonrpc"`
	Method  string `json:"method"`
	Params  any    `json:"params,omitempty"`
}

// NewNotification creates a JSON-RPC 2.0 notification.
func NewNotification(method string, params any) *Notification {
	return &Notification{
		JSONRPC: jsonrpcVersion,
		Method:  method,
		Params:  params,
	}
}

// frameKind classifies an inbound frame.
type frameKind int

const (
	frameInvalid frameKind = iota
	frameResponse
	frameNotification
	frameRequest
)

// message is the union of every JSON-RPC shape a server may send.
// Fields are kept raw so classification never loses information.
type message struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      json.RawMessage `json:"id,omitempty"`
	Method  string          `json:"method,omitempty"`
	Params  json.RawMessage `json:"params,omitempty"`
	Result  json.RawMessage `json:"result,omitempty"`
	Error   *RPCError       `json:"error,omitempty"`
}

// hasID reports whether the frame carried a non-null id member.
func (m *message) hasID() bool {
	return len(m.ID) > 0 && !bytes.Equal(m.ID, []byte("null"))
}

// numericID parses the id member as an unsigned request ID. String IDs
// holding a decimal number are accepted since some servers echo IDs
// back as strings.
func (m *message) numericID() (uint64, bool) {
	raw := bytes.TrimSpace(m.ID)
	if len(raw) > 1 && raw[0] == '"' {
		var s string
		if err := json.Unmarshal(raw, &s); err != nil {
			return 0, false
		}
		raw = []byte(s)
	}
	id, err := strconv.ParseUint(string(raw), 10, 64)
	if err != nil {
		return 0, false
	}
	return id, true
}

// decodeFrame parses one inbound frame and classifies it. The error is
// non-nil only when the frame is not JSON at all; well-formed JSON that
// is not a valid JSON-RPC message is reported as frameInvalid with a
// reason.
func decodeFrame(data []byte) (*message, frameKind, string, error) {
	var m message
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, frameInvalid, "", fmt.Errorf("decode frame: %w", err)
	}
	if m.JSONRPC != jsonrpcVersion {
		return &m, frameInvalid, fmt.Sprintf("unsupported jsonrpc version %q", m.JSONRPC), nil
	}
	switch {
	case m.Method != "" && m.hasID():
		return &m, frameRequest, "", nil
	case m.Method != "":
		return &m, frameNotification, "", nil
	case m.hasID():
		if m.Result == nil && m.Error == nil {
			return &m, frameInvalid, "response has neither result nor error", nil
		}
		return &m, frameResponse, "", nil
	default:
		return &m, frameInvalid, "frame has neither method nor id", nil
	}
}
