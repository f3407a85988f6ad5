// Package funcall translates between aggregated MCP capabilities and
// LLM function calling.
//
// Declarations turns qualified tools into function declarations an LLM
// client can send with a prompt. ParseFunctionCall and
// ParseFunctionCalls pull the requested calls back out of a provider
// response, and Dispatch routes them through the host and wraps the
// outcome as a function-response payload. Nothing in this package
// holds state or performs I/O other than through the host it is given.
package funcall

import (
	"encoding/json"
	"strings"

	"github.com/nugget/mcphost/internal/mcp"
)

// defaultSchema is declared for tools that advertise no parameters.
var defaultSchema = json.RawMessage(`{"type":"object","properties":{},"required":[]}`)

// FunctionDeclaration is one callable function as presented to an LLM.
type FunctionDeclaration struct {
	Name        string          `json:"name"`
	Description string          `json:"description"`
	Parameters  json.RawMessage `json:"parameters"`
}

// DeclarationOptions adjusts how declarations are generated. The zero
// value copies names and schemas verbatim.
type DeclarationOptions struct {
	// EncodeNames renders "server/tool" as "server.tool" for providers
	// that reject "/" in function names.
	EncodeNames bool

	// Sanitize strips schema keywords some providers reject
	// ("default", "additionalProperties").
	Sanitize bool

	// Include, if non-empty, limits declarations to these qualified
	// names. Exclude drops the named tools. Include wins when both are
	// set.
	Include []string
	Exclude []string
}

// Declarations maps every qualified tool to a function declaration in
// capability order.
func Declarations(caps mcp.ServerCapabilities, opts DeclarationOptions) []FunctionDeclaration {
	include := toSet(opts.Include)
	exclude := toSet(opts.Exclude)

	decls := make([]FunctionDeclaration, 0, len(caps.Tools))
	for _, tool := range caps.Tools {
		if len(include) > 0 {
			if !include[tool.Name] {
				continue
			}
		} else if exclude[tool.Name] {
			continue
		}

		params := tool.Parameters
		if len(params) == 0 || string(params) == "null" {
			params = defaultSchema
		} else if opts.Sanitize {
			params = sanitizeSchema(params)
		}

		name := tool.Name
		if opts.EncodeNames {
			name = EncodeName(name)
		}
		decls = append(decls, FunctionDeclaration{
			Name:        name,
			Description: tool.Description,
			Parameters:  params,
		})
	}
	return decls
}

// EncodeName replaces the server separator in a qualified name with a
// dot. Server names never contain dots, so DecodeName reverses it.
func EncodeName(qualified string) string {
	server, tool, ok := mcp.SplitQualifiedName(qualified)
	if !ok {
		return qualified
	}
	return server + "." + tool
}

// DecodeName returns the qualified form of a function name as the LLM
// reported it. Names already containing "/" are returned unchanged.
func DecodeName(name string) string {
	if strings.Contains(name, "/") {
		return name
	}
	server, tool, ok := strings.Cut(name, ".")
	if !ok || server == "" || tool == "" {
		return name
	}
	return mcp.QualifiedName(server, tool)
}

// sanitizeSchema removes unsupported keywords from a schema and its
// nested properties and items. Schemas that do not decode as objects
// are returned unchanged.
func sanitizeSchema(raw json.RawMessage) json.RawMessage {
	var schema map[string]any
	if err := json.Unmarshal(raw, &schema); err != nil {
		return raw
	}
	stripSchema(schema)
	out, err := json.Marshal(schema)
	if err != nil {
		return raw
	}
	return out
}

func stripSchema(schema map[string]any) {
	delete(schema, "default")
	delete(schema, "additionalProperties")
	if props, ok := schema["properties"].(map[string]any); ok {
		for _, p := range props {
			if m, ok := p.(map[string]any); ok {
				stripSchema(m)
			}
		}
	}
	if items, ok := schema["items"].(map[string]any); ok {
		stripSchema(items)
	}
}

func toSet(items []string) map[string]bool {
	if len(items) == 0 {
		return nil
	}
	m := make(map[string]bool, len(items))
	for _, item := range items {
		m[item] = true
	}
	return m
}
