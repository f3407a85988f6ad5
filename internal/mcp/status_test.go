package mcp

import (
	"encoding/json"
	"testing"
)

func TestStatusText(t *testing.T) {
	for s := StatusStarting; s <= StatusStopped; s++ {
		data, err := json.Marshal(s)
		if err != nil {
			t.Fatalf("Marshal(%v): %v", s, err)
		}
		var back Status
		if err := json.Unmarshal(data, &back); err != nil {
			t.Fatalf("Unmarshal(%s): %v", data, err)
		}
		if back != s {
			t.Errorf("round trip of %v = %v", s, back)
		}
	}

	var s Status
	if err := json.Unmarshal([]byte(`"SLEEPING"`), &s); err == nil {
		t.Error("Unmarshal accepted an unknown status")
	}
}

func TestCanTransition(t *testing.T) {
	tests := []struct {
		from, to Status
		want     bool
	}{
		{StatusStarting, StatusInitializing, true},
		{StatusInitializing, StatusReady, true},
		{StatusReady, StatusDegraded, true},
		{StatusDegraded, StatusStarting, true},
		{StatusReady, StatusShuttingDown, true},
		{StatusShuttingDown, StatusStopped, true},
		{StatusStopped, StatusStarting, false},
		{StatusReady, StatusStarting, false},
		{StatusStarting, StatusReady, false},
	}
	for _, tt := range tests {
		if got := canTransition(tt.from, tt.to); got != tt.want {
			t.Errorf("canTransition(%v, %v) = %v, want %v", tt.from, tt.to, got, tt.want)
		}
	}
}
