package mcp

import (
	"context"
	"errors"
	"fmt"
	"testing"
)

func TestErrorKind(t *testing.T) {
	tests := []struct {
		err  error
		want string
	}{
		{nil, ""},
		{&TimeoutError{Server: "s", Method: "tool/execute", ID: 1}, "timeout"},
		{fmt.Errorf("wrapped: %w", ErrServerShuttingDown), "shutting_down"},
		{ErrHostStopped, "shutting_down"},
		{fmt.Errorf("%w: %w", ErrConnectionLost, &TransportError{Server: "s", Op: "receive", Err: errors.New("EOF")}), "connection_lost"},
		{fmt.Errorf("%w: s/x", ErrUnknownTool), "unknown_tool"},
		{fmt.Errorf("%w: s/x", ErrUnknownResource), "unknown_tool"},
		{&UnavailableError{Server: "s", Status: StatusDegraded, Known: true}, "not_ready"},
		{&UnavailableError{Server: "s"}, "unknown_server"},
		{&RPCError{Code: -32000, Message: "boom"}, "remote"},
		{&ProtocolError{Server: "s", Reason: "bad"}, "protocol"},
		{&TransportError{Server: "s", Op: "send", Err: errors.New("broken pipe")}, "transport"},
		{context.Canceled, "canceled"},
		{errors.New("other"), "internal"},
	}
	for _, tt := range tests {
		if got := ErrorKind(tt.err); got != tt.want {
			t.Errorf("ErrorKind(%v) = %q, want %q", tt.err, got, tt.want)
		}
	}
}

func TestUnavailableError(t *testing.T) {
	unknown := &UnavailableError{Server: "ghost"}
	if !errors.Is(unknown, ErrUnknownServer) || errors.Is(unknown, ErrNotReady) {
		t.Error("unknown server should match only ErrUnknownServer")
	}
	if unknown.Error() != `unknown server "ghost"` {
		t.Errorf("Error() = %q", unknown.Error())
	}

	degraded := &UnavailableError{Server: "fs", Status: StatusDegraded, Known: true, Reason: "exit status 1"}
	if !errors.Is(degraded, ErrUnknownServer) || !errors.Is(degraded, ErrNotReady) {
		t.Error("known server should match both sentinels")
	}
	if degraded.Error() != `server "fs" is DEGRADED: exit status 1` {
		t.Errorf("Error() = %q", degraded.Error())
	}
}
