package mcp

import (
	"encoding/json"
	"testing"
)

func TestDecodeFrame(t *testing.T) {
	tests := []struct {
		name    string
		frame   string
		want    frameKind
		wantErr bool
	}{
		{"response", `{"jsonrpc":"2.0","id":7,"result":{"ok":true}}`, frameResponse, false},
		{"null result", `{"jsonrpc":"2.0","id":7,"result":null}`, frameResponse, false},
		{"error response", `{"jsonrpc":"2.0","id":7,"error":{"code":-32601,"message":"nope"}}`, frameResponse, false},
		{"notification", `{"jsonrpc":"2.0","method":"$/progress","params":{}}`, frameNotification, false},
		{"null id is notification", `{"jsonrpc":"2.0","id":null,"method":"x"}`, frameNotification, false},
		{"request", `{"jsonrpc":"2.0","id":"a","method":"sampling/create"}`, frameRequest, false},
		{"wrong version", `{"jsonrpc":"1.0","id":1,"result":1}`, frameInvalid, false},
		{"missing version", `{"id":1,"result":1}`, frameInvalid, false},
		{"id without body", `{"jsonrpc":"2.0","id":1}`, frameInvalid, false},
		{"empty object", `{"jsonrpc":"2.0"}`, frameInvalid, false},
		{"array", `[1,2]`, frameInvalid, true},
		{"garbage", `not json`, frameInvalid, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, kind, reason, err := decodeFrame([]byte(tt.frame))
			if (err != nil) != tt.wantErr {
				t.Fatalf("err = %v, wantErr %v", err, tt.wantErr)
			}
			if kind != tt.want {
				t.Errorf("kind = %d, want %d", kind, tt.want)
			}
			if kind == frameInvalid && !tt.wantErr && reason == "" {
				t.Error("invalid frame has no reason")
			}
		})
	}
}

func TestMessageNumericID(t *testing.T) {
	tests := []struct {
		id     string
		want   uint64
		wantOK bool
	}{
		{`42`, 42, true},
		{`"42"`, 42, true},
		{`"abc"`, 0, false},
		{`-1`, 0, false},
		{`1.5`, 0, false},
	}
	for _, tt := range tests {
		m := &message{ID: json.RawMessage(tt.id)}
		got, ok := m.numericID()
		if got != tt.want || ok != tt.wantOK {
			t.Errorf("numericID(%s) = %d, %v; want %d, %v", tt.id, got, ok, tt.want, tt.wantOK)
		}
	}
}

func TestNewRequestWireFormat(t *testing.T) {
	data, err := json.Marshal(NewRequest(3, MethodToolExecute, executeParams{Name: "read", Args: map[string]any{}}))
	if err != nil {
		t.Fatal(err)
	}
	want := `{"jsonrpc":"2.0","id":3,"method":"tool/execute","params":{"name":"read","args":{}}}`
	if string(data) != want {
		t.Errorf("request = %s\nwant      %s", data, want)
	}

	data, _ = json.Marshal(NewNotification(MethodExit, nil))
	if string(data) != `{"jsonrpc":"2.0","method":"exit"}` {
		t.Errorf("notification = %s", data)
	}
}
