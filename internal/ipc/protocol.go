package ipc

import (
	"encoding/json"
	"fmt"
)

// RequestType selects the daemon operation.
type RequestType string

const (
	TypeGetCapabilities RequestType = "get_capabilities"
	TypeExecuteTool     RequestType = "execute_tool"
	TypeGetResource     RequestType = "get_resource"
	TypeStatus          RequestType = "status"
	TypePing            RequestType = "ping"

	// TypeAutoExecute asks whether server/tool may run unconfirmed.
	TypeAutoExecute RequestType = "auto_execute"

	// TypeApprove records server/tool as approved for auto-execution.
	TypeApprove RequestType = "approve"
)

// Request is a client message. Which fields are used depends on Type:
// execute_tool, auto_execute and approve take Server and Tool (plus
// Args); get_resource takes Server, Name and Params.
type Request struct {
	ID     string          `json:"id,omitempty"`
	Type   RequestType     `json:"type"`
	Server string          `json:"server,omitempty"`
	Tool   string          `json:"tool,omitempty"`
	Name   string          `json:"name,omitempty"`
	Args   json.RawMessage `json:"args,omitempty"`
	Params json.RawMessage `json:"params,omitempty"`
}

// Status values for Response.
const (
	StatusSuccess = "success"
	StatusError   = "error"
)

// Response is the daemon's reply. Exactly one of Result and Error is
// set, according to Status.
type Response struct {
	ID     string          `json:"id,omitempty"`
	Status string          `json:"status"`
	Result json.RawMessage `json:"result,omitempty"`
	Error  *ErrorBody      `json:"error,omitempty"`
}

// ErrorBody describes a failed request. Kind uses the host's error
// labels ("timeout", "unknown_server", ...) plus "bad_request".
type ErrorBody struct {
	Message string `json:"message"`
	Kind    string `json:"kind,omitempty"`
}

// RemoteError is a daemon error response surfaced to a client.
type RemoteError struct {
	Kind    string
	Message string
}

func (e *RemoteError) Error() string {
	if e.Kind == "" {
		return "mcphost daemon: " + e.Message
	}
	return fmt.Sprintf("mcphost daemon: %s (%s)", e.Message, e.Kind)
}

// Decode unmarshals a successful result into v, or returns the error
// response as a *RemoteError.
func (r *Response) Decode(v any) error {
	if r.Status != StatusSuccess {
		if r.Error == nil {
			return &RemoteError{Message: fmt.Sprintf("unexpected status %q", r.Status)}
		}
		return &RemoteError{Kind: r.Error.Kind, Message: r.Error.Message}
	}
	if v == nil || len(r.Result) == 0 {
		return nil
	}
	if err := json.Unmarshal(r.Result, v); err != nil {
		return fmt.Errorf("decode %T: %w", v, err)
	}
	return nil
}
