package mcp

import (
	"encoding/json"
	"log/slog"
	"testing"
	"time"

	"github.com/nugget/mcphost/internal/events"
)

func TestLogMessageLevel(t *testing.T) {
	tests := []struct {
		params    string
		wantLevel slog.Level
		wantMsg   string
	}{
		{`{"type":1,"message":"bad"}`, slog.LevelError, "bad"},
		{`{"type":2,"message":"hmm"}`, slog.LevelWarn, "hmm"},
		{`{"type":3,"message":"fyi"}`, slog.LevelInfo, "fyi"},
		{`{"type":4,"message":"noise"}`, slog.LevelDebug, "noise"},
		{`{"level":"critical","data":"disk gone"}`, slog.LevelError, "disk gone"},
		{`{"level":"notice","data":{"k":1}}`, slog.LevelInfo, `{"k":1}`},
		{`{}`, slog.LevelDebug, ""},
	}
	for _, tt := range tests {
		level, msg := logMessageLevel(json.RawMessage(tt.params))
		if level != tt.wantLevel || msg != tt.wantMsg {
			t.Errorf("logMessageLevel(%s) = %v, %q; want %v, %q", tt.params, level, msg, tt.wantLevel, tt.wantMsg)
		}
	}
}

func TestEventSink(t *testing.T) {
	bus := events.New()
	sub := bus.Subscribe(8, events.KindServerState, events.KindProgress)
	defer sub.Close()

	sink := EventSink{Bus: bus}
	now := time.Now()
	sink.Notify(Notice{Time: now, Server: "fs", Kind: NoticeState, From: StatusInitializing, To: StatusReady})
	sink.Notify(Notice{Time: now, Server: "fs", Kind: NoticeLog, Message: "filtered out"})
	sink.Notify(Notice{Time: now, Server: "fs", Kind: NoticeProgress, Token: json.RawMessage(`"t1"`), Value: json.RawMessage(`50`)})

	state := <-sub.C
	if state.Source != events.SourceMCP || state.Kind != events.KindServerState {
		t.Fatalf("first event = %+v", state)
	}
	if state.Data["server"] != "fs" || state.Data["to"] != "READY" || state.Data["from"] != "INITIALIZING" {
		t.Errorf("state data = %v", state.Data)
	}

	progress := <-sub.C
	if progress.Kind != events.KindProgress || progress.Data["token"] != `"t1"` || progress.Data["value"] != "50" {
		t.Errorf("progress event = %+v", progress)
	}

	// A nil bus discards.
	EventSink{}.Notify(Notice{Kind: NoticeLog})
}

func TestMultiSink(t *testing.T) {
	a, b := &recordingSink{}, &recordingSink{}
	MultiSink{a, nil, b}.Notify(Notice{Kind: NoticeCancel, RequestID: "7"})
	if len(a.ofKind(NoticeCancel)) != 1 || len(b.ofKind(NoticeCancel)) != 1 {
		t.Error("MultiSink did not fan out")
	}
}
