package mcp

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// Sentinel errors returned by Host and Server operations. Use
// [errors.Is] to match them; the concrete error usually carries more
// context.
var (
	// ErrTimeout is matched by every *TimeoutError.
	ErrTimeout = errors.New("request timed out")

	// ErrUnknownServer means the qualified name referenced a server the
	// host does not know, or one that is not currently Ready.
	ErrUnknownServer = errors.New("unknown server")

	// ErrUnknownTool means the server is Ready but did not advertise
	// the requested tool.
	ErrUnknownTool = errors.New("unknown tool")

	// ErrUnknownResource means the server is Ready but did not
	// advertise the requested resource.
	ErrUnknownResource = errors.New("unknown resource")

	// ErrNotReady means the server exists but is not accepting calls.
	ErrNotReady = errors.New("server not ready")

	// ErrServerShuttingDown resolves calls that were pending, or were
	// attempted, after shutdown began.
	ErrServerShuttingDown = errors.New("server shutting down")

	// ErrConnectionLost resolves calls that were pending when the
	// connection failed.
	ErrConnectionLost = errors.New("connection lost")

	// ErrHostStopped is returned by Host operations after Shutdown.
	ErrHostStopped = errors.New("host stopped")
)

// TransportError reports a failure to spawn, connect, write or read a
// server's connection.
type TransportError struct {
	Server string
	Op     string
	Err    error
}

func (e *TransportError) Error() string {
	return fmt.Sprintf("mcp server %s: %s: %v", e.Server, e.Op, e.Err)
}

func (e *TransportError) Unwrap() error { return e.Err }

// ProtocolError reports a frame that was valid JSON but not a usable
// JSON-RPC message, or a result that did not match the expected shape.
type ProtocolError struct {
	Server string
	Reason string
}

func (e *ProtocolError) Error() string {
	return fmt.Sprintf("mcp server %s: protocol error: %s", e.Server, e.Reason)
}

// TimeoutError reports a request that received no response within its
// deadline. The request was removed from the pending table before this
// error was returned.
type TimeoutError struct {
	Server string
	Method string
	ID     uint64
	After  time.Duration
}

func (e *TimeoutError) Error() string {
	return fmt.Sprintf("mcp server %s: %s (id %d) timed out after %s", e.Server, e.Method, e.ID, e.After)
}

// Is makes errors.Is(err, ErrTimeout) succeed.
func (e *TimeoutError) Is(target error) bool { return target == ErrTimeout }

// UnavailableError reports a call addressed to a server that is
// unknown or not Ready. It matches ErrUnknownServer, and also
// ErrNotReady when the server exists.
type UnavailableError struct {
	Server string
	Status Status
	Known  bool
	Reason string
}

func (e *UnavailableError) Error() string {
	if !e.Known {
		return fmt.Sprintf("unknown server %q", e.Server)
	}
	if e.Reason != "" {
		return fmt.Sprintf("server %q is %s: %s", e.Server, e.Status, e.Reason)
	}
	return fmt.Sprintf("server %q is %s", e.Server, e.Status)
}

func (e *UnavailableError) Is(target error) bool {
	switch target {
	case ErrUnknownServer:
		return true
	case ErrNotReady:
		return e.Known
	}
	return false
}

// ErrorKind classifies err into a short stable label suitable for logs,
// audit records and structured error payloads.
func ErrorKind(err error) string {
	var (
		rpcErr   *RPCError
		trErr    *TransportError
		protoErr *ProtocolError
	)
	switch {
	case err == nil:
		return ""
	case errors.Is(err, ErrTimeout):
		return "timeout"
	case errors.Is(err, ErrServerShuttingDown), errors.Is(err, ErrHostStopped):
		return "shutting_down"
	case errors.Is(err, ErrConnectionLost):
		return "connection_lost"
	case errors.Is(err, ErrUnknownTool), errors.Is(err, ErrUnknownResource):
		return "unknown_tool"
	case errors.Is(err, ErrNotReady):
		return "not_ready"
	case errors.Is(err, ErrUnknownServer):
		return "unknown_server"
	case errors.As(err, &rpcErr):
		return "remote"
	case errors.As(err, &protoErr):
		return "protocol"
	case errors.As(err, &trErr):
		return "transport"
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return "canceled"
	default:
		return "internal"
	}
}
