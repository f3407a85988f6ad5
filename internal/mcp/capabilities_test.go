package mcp

import (
	"encoding/json"
	"testing"
)

func TestServerCapabilities_Unmarshal(t *testing.T) {
	tests := []struct {
		name          string
		input         string
		wantTools     int
		wantResources int
		wantSchema    string
	}{
		{
			name:          "parameters",
			input:         `{"tools":[{"name":"a","parameters":{"type":"object"}}],"resources":[{"name":"r"}]}`,
			wantTools:     1,
			wantResources: 1,
			wantSchema:    `{"type":"object"}`,
		},
		{
			name:       "inputSchema alias",
			input:      `{"tools":[{"name":"a","inputSchema":{"type":"string"}}]}`,
			wantTools:  1,
			wantSchema: `{"type":"string"}`,
		},
		{
			name:  "feature flag objects",
			input: `{"tools":{"listChanged":true},"resources":{"subscribe":false}}`,
		},
		{
			name:  "empty",
			input: `{}`,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var caps ServerCapabilities
			if err := json.Unmarshal([]byte(tt.input), &caps); err != nil {
				t.Fatalf("Unmarshal: %v", err)
			}
			if len(caps.Tools) != tt.wantTools || len(caps.Resources) != tt.wantResources {
				t.Fatalf("got %d tools, %d resources; want %d, %d",
					len(caps.Tools), len(caps.Resources), tt.wantTools, tt.wantResources)
			}
			if tt.wantSchema != "" && string(caps.Tools[0].Parameters) != tt.wantSchema {
				t.Errorf("Parameters = %s, want %s", caps.Tools[0].Parameters, tt.wantSchema)
			}
		})
	}
}

func TestSplitQualifiedName(t *testing.T) {
	tests := []struct {
		in           string
		server, name string
		ok           bool
	}{
		{"fs/read_file", "fs", "read_file", true},
		{"git/refs/heads", "git", "refs/heads", true},
		{"noslash", "", "", false},
		{"/tool", "", "", false},
		{"server/", "", "", false},
		{"", "", "", false},
	}
	for _, tt := range tests {
		server, name, ok := SplitQualifiedName(tt.in)
		if server != tt.server || name != tt.name || ok != tt.ok {
			t.Errorf("SplitQualifiedName(%q) = %q, %q, %v; want %q, %q, %v",
				tt.in, server, name, ok, tt.server, tt.name, tt.ok)
		}
	}
	if got := QualifiedName("fs", "read_file"); got != "fs/read_file" {
		t.Errorf("QualifiedName = %q", got)
	}
}

func TestQualifyDoesNotAlias(t *testing.T) {
	caps := ServerCapabilities{Tools: []Tool{{Name: "read"}}, Resources: []Resource{{Name: "motd"}}}
	q := caps.qualify("fs")
	if q.Tools[0].Name != "fs/read" || q.Tools[0].Server != "fs" || q.Resources[0].Name != "fs/motd" {
		t.Errorf("qualify = %+v", q)
	}
	if caps.Tools[0].Name != "read" {
		t.Errorf("qualify modified the original: %+v", caps.Tools[0])
	}
}

func TestUnwrapResult(t *testing.T) {
	tests := []struct{ in, want string }{
		{`{"result":{"a":1}}`, `{"a":1}`},
		{`{"result":"x"}`, `"x"`},
		{`{"result":1,"extra":2}`, `{"result":1,"extra":2}`},
		{`{"content":[]}`, `{"content":[]}`},
		{`[1,2]`, `[1,2]`},
		{`"plain"`, `"plain"`},
	}
	for _, tt := range tests {
		if got := string(unwrapResult(json.RawMessage(tt.in))); got != tt.want {
			t.Errorf("unwrapResult(%s) = %s, want %s", tt.in, got, tt.want)
		}
	}
}
