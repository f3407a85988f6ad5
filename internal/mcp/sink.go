package mcp

import (
	"context"
	"encoding/json"
	"log/slog"
	"time"

	"github.com/nugget/mcphost/internal/events"
)

// NoticeKind identifies what a [Notice] reports.
type NoticeKind string

// Notice kinds.
const (
	NoticeLog      NoticeKind = "log"
	NoticeProgress NoticeKind = "progress"
	NoticeCancel   NoticeKind = "cancel"
	NoticeStderr   NoticeKind = "stderr"
	NoticeState    NoticeKind = "state"
	NoticeOther    NoticeKind = "notification"
)

// Notice is an out-of-band message from, or about, a tool server:
// server notifications (log lines, progress, cancellation), subprocess
// stderr, and lifecycle transitions.
type Notice struct {
	Time   time.Time
	Server string
	Kind   NoticeKind

	// Level and Message are set for log and stderr notices.
	Level   slog.Level
	Message string

	// Token and Value are set for progress notices.
	Token json.RawMessage
	Value json.RawMessage

	// RequestID is set for cancel notices.
	RequestID string

	// From and To are set for state notices.
	From Status
	To   Status

	// Method and Params carry the raw notification for kinds the host
	// does not interpret.
	Method string
	Params json.RawMessage
}

// Sink receives notices. Notify is called on the router goroutine and
// must not block.
type Sink interface {
	Notify(Notice)
}

// SinkFunc adapts a function to the Sink interface.
type SinkFunc func(Notice)

// Notify calls f(n).
func (f SinkFunc) Notify(n Notice) { f(n) }

// NopSink discards every notice.
type NopSink struct{}

// Notify does nothing.
func (NopSink) Notify(Notice) {}

// MultiSink fans a notice out to several sinks in order. Nil entries
// are skipped.
type MultiSink []Sink

// Notify forwards n to every sink.
func (m MultiSink) Notify(n Notice) {
	for _, s := range m {
		if s != nil {
			s.Notify(n)
		}
	}
}

// LogSink writes server log notices through a structured logger at the
// level the server requested. Other kinds are logged at debug.
type LogSink struct {
	Logger *slog.Logger
}

// Notify implements Sink.
func (s LogSink) Notify(n Notice) {
	logger := s.Logger
	if logger == nil {
		logger = slog.Default()
	}
	switch n.Kind {
	case NoticeLog:
		logger.Log(context.Background(), n.Level, n.Message, "mcp_server", n.Server)
	case NoticeProgress:
		logger.Debug("MCP progress", "mcp_server", n.Server,
			"token", string(n.Token), "value", string(n.Value))
	case NoticeCancel:
		logger.Debug("MCP server cancelled request", "mcp_server", n.Server, "id", n.RequestID)
	case NoticeOther:
		logger.Debug("MCP notification", "mcp_server", n.Server, "method", n.Method)
	}
}

// EventSink publishes notices on an event bus. A nil Bus is allowed and
// discards everything.
type EventSink struct {
	Bus *events.Bus
}

// Notify implements Sink.
func (s EventSink) Notify(n Notice) {
	data := map[string]any{"server": n.Server}
	var kind string
	switch n.Kind {
	case NoticeLog:
		kind = events.KindLogMessage
		data["level"] = n.Level.String()
		data["message"] = n.Message
	case NoticeStderr:
		kind = events.KindStderr
		data["line"] = n.Message
	case NoticeProgress:
		kind = events.KindProgress
		data["token"] = string(n.Token)
		data["value"] = string(n.Value)
	case NoticeCancel:
		kind = events.KindCancel
		data["request_id"] = n.RequestID
	case NoticeState:
		kind = events.KindServerState
		data["from"] = n.From.String()
		data["to"] = n.To.String()
	default:
		kind = events.KindNotification
		data["method"] = n.Method
	}
	s.Bus.Publish(events.Event{
		Timestamp: n.Time,
		Source:    events.SourceMCP,
		Kind:      kind,
		Data:      data,
	})
}

// logMessageLevel maps window/logMessage types (1 error, 2 warning,
// 3 info, 4 log) and MCP level names onto slog levels.
func logMessageLevel(params json.RawMessage) (slog.Level, string) {
	var p struct {
		Type    json.RawMessage `json:"type"`
		Level   string          `json:"level"`
		Message string          `json:"message"`
		Data    json.RawMessage `json:"data"`
	}
	_ = json.Unmarshal(params, &p)

	msg := p.Message
	if msg == "" && len(p.Data) > 0 {
		var s string
		if json.Unmarshal(p.Data, &s) == nil {
			msg = s
		} else {
			msg = string(p.Data)
		}
	}

	var typ int
	_ = json.Unmarshal(p.Type, &typ)
	switch {
	case typ == 1 || p.Level == "error" || p.Level == "critical" || p.Level == "alert" || p.Level == "emergency":
		return slog.LevelError, msg
	case typ == 2 || p.Level == "warning":
		return slog.LevelWarn, msg
	case typ == 3 || p.Level == "info" || p.Level == "notice":
		return slog.LevelInfo, msg
	default:
		return slog.LevelDebug, msg
	}
}
