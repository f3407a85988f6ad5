package funcall

import (
	"encoding/json"
	"strings"
	"testing"

	"github.com/nugget/mcphost/internal/mcp"
)

func testCaps() mcp.ServerCapabilities {
	return mcp.ServerCapabilities{
		Tools: []mcp.Tool{
			{Name: "fs/read_file", Description: "Read a file", Server: "fs",
				Parameters: json.RawMessage(`{"type":"object","properties":{"path":{"type":"string","default":"/"}},"additionalProperties":false}`)},
			{Name: "web/fetch", Server: "web"},
			{Name: "memory/store_memory", Description: "Remember things", Server: "memory"},
		},
		Resources: []mcp.Resource{{Name: "fs/motd", Description: "Message of the day", Server: "fs"}},
	}
}

func TestDeclarations(t *testing.T) {
	decls := Declarations(testCaps(), DeclarationOptions{})
	if len(decls) != 3 {
		t.Fatalf("len = %d, want 3", len(decls))
	}
	if decls[0].Name != "fs/read_file" || decls[0].Description != "Read a file" {
		t.Errorf("decls[0] = %+v", decls[0])
	}
	if !strings.Contains(string(decls[0].Parameters), `"default":"/"`) {
		t.Errorf("schema was not copied verbatim: %s", decls[0].Parameters)
	}
	if string(decls[1].Parameters) != string(defaultSchema) {
		t.Errorf("tool without schema got %s", decls[1].Parameters)
	}
}

func TestDeclarations_Options(t *testing.T) {
	decls := Declarations(testCaps(), DeclarationOptions{
		EncodeNames: true,
		Sanitize:    true,
		Exclude:     []string{"memory/store_memory"},
	})
	if len(decls) != 2 {
		t.Fatalf("len = %d, want 2", len(decls))
	}
	if decls[0].Name != "fs.read_file" {
		t.Errorf("encoded name = %q", decls[0].Name)
	}
	var schema map[string]any
	if err := json.Unmarshal(decls[0].Parameters, &schema); err != nil {
		t.Fatal(err)
	}
	if _, ok := schema["additionalProperties"]; ok {
		t.Error("additionalProperties not stripped")
	}
	path := schema["properties"].(map[string]any)["path"].(map[string]any)
	if _, ok := path["default"]; ok {
		t.Error("nested default not stripped")
	}

	only := Declarations(testCaps(), DeclarationOptions{Include: []string{"web/fetch"}, Exclude: []string{"web/fetch"}})
	if len(only) != 1 || only[0].Name != "web/fetch" {
		t.Errorf("include = %+v", only)
	}
}

func TestEncodeDecodeName(t *testing.T) {
	tests := []struct{ qualified, encoded string }{
		{"fs/read_file", "fs.read_file"},
		{"git/refs/heads", "git.refs/heads"},
		{"web/get.page", "web.get.page"},
	}
	for _, tt := range tests {
		if got := EncodeName(tt.qualified); got != tt.encoded {
			t.Errorf("EncodeName(%q) = %q, want %q", tt.qualified, got, tt.encoded)
		}
		if got := DecodeName(tt.encoded); got != tt.qualified && !strings.Contains(tt.encoded, "/") {
			t.Errorf("DecodeName(%q) = %q, want %q", tt.encoded, got, tt.qualified)
		}
	}
	if got := DecodeName("fs/read_file"); got != "fs/read_file" {
		t.Errorf("DecodeName of a qualified name = %q", got)
	}
	if got := DecodeName("plain"); got != "plain" {
		t.Errorf("DecodeName(plain) = %q", got)
	}
	if got := EncodeName("plain"); got != "plain" {
		t.Errorf("EncodeName(plain) = %q", got)
	}
}

func TestBuildSystemPrompt(t *testing.T) {
	got := BuildSystemPrompt(testCaps(), true)
	for _, want := range []string{
		"## Available Tools",
		"* **fs.read_file**: Read a file",
		"* **web.fetch**: No description provided",
		"## Available Resources",
		"* **fs/motd**: Message of the day",
		"## Memory Storage",
	} {
		if !strings.Contains(got, want) {
			t.Errorf("prompt missing %q:\n%s", want, got)
		}
	}
	if strings.Contains(got, "Memory Retrieval") {
		t.Error("prompt mentions retrieval without a retrieval tool")
	}

	empty := BuildSystemPrompt(mcp.ServerCapabilities{}, false)
	if !strings.Contains(empty, "No tools are currently available") {
		t.Errorf("empty prompt = %q", empty)
	}
}
