package mcp

import (
	"encoding/json"
	"strings"
)

// Tool is one callable operation advertised by a server. Parameters is
// the JSON Schema of the tool's arguments, kept verbatim.
type Tool struct {
	Name        string          `json:"name"`
	Description string          `json:"description,omitempty"`
	Parameters  json.RawMessage `json:"parameters,omitempty"`

	// Server is set on aggregated capabilities only.
	Server string `json:"server,omitempty"`
}

// UnmarshalJSON accepts "inputSchema" as an alias for "parameters",
// which is what servers following the upstream MCP schema send.
func (t *Tool) UnmarshalJSON(data []byte) error {
	type plain Tool
	var aux struct {
		plain
		InputSchema json.RawMessage `json:"inputSchema,omitempty"`
	}
	if err := json.Unmarshal(data, &aux); err != nil {
		return err
	}
	*t = Tool(aux.plain)
	if len(t.Parameters) == 0 && len(aux.InputSchema) > 0 {
		t.Parameters = aux.InputSchema
	}
	return nil
}

// Resource is a named, readable data source advertised by a server.
type Resource struct {
	Name        string `json:"name"`
	Description string `json:"description,omitempty"`

	// Server is set on aggregated capabilities only.
	Server string `json:"server,omitempty"`
}

// ServerCapabilities is the set of tools and resources a server
// advertised in its initialize result. In aggregated form every name
// is qualified as "server/name".
type ServerCapabilities struct {
	Tools     []Tool     `json:"tools"`
	Resources []Resource `json:"resources"`
}

// UnmarshalJSON tolerates servers that describe tools or resources
// with a non-array value (such as a feature flag object) by treating
// them as advertising none.
func (c *ServerCapabilities) UnmarshalJSON(data []byte) error {
	var raw struct {
		Tools     json.RawMessage `json:"tools"`
		Resources json.RawMessage `json:"resources"`
	}
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	*c = ServerCapabilities{}
	if isJSONArray(raw.Tools) {
		if err := json.Unmarshal(raw.Tools, &c.Tools); err != nil {
			return err
		}
	}
	if isJSONArray(raw.Resources) {
		if err := json.Unmarshal(raw.Resources, &c.Resources); err != nil {
			return err
		}
	}
	return nil
}

func isJSONArray(raw json.RawMessage) bool {
	trimmed := strings.TrimSpace(string(raw))
	return strings.HasPrefix(trimmed, "[")
}

// QualifiedName joins a server name and a tool or resource name.
func QualifiedName(server, name string) string {
	return server + "/" + name
}

// SplitQualifiedName splits on the first "/". Server names never
// contain "/", so everything after it belongs to the tool name.
func SplitQualifiedName(qualified string) (server, name string, ok bool) {
	server, name, ok = strings.Cut(qualified, "/")
	if !ok || server == "" || name == "" {
		return "", "", false
	}
	return server, name, true
}

// qualify returns a copy with names qualified by server.
func (c ServerCapabilities) qualify(server string) ServerCapabilities {
	out := ServerCapabilities{
		Tools:     make([]Tool, 0, len(c.Tools)),
		Resources: make([]Resource, 0, len(c.Resources)),
	}
	for _, t := range c.Tools {
		t.Name = QualifiedName(server, t.Name)
		t.Server = server
		out.Tools = append(out.Tools, t)
	}
	for _, r := range c.Resources {
		r.Name = QualifiedName(server, r.Name)
		r.Server = server
		out.Resources = append(out.Resources, r)
	}
	return out
}

func (c ServerCapabilities) hasTool(name string) bool {
	for _, t := range c.Tools {
		if t.Name == name {
			return true
		}
	}
	return false
}

func (c ServerCapabilities) hasResource(name string) bool {
	for _, r := range c.Resources {
		if r.Name == name {
			return true
		}
	}
	return false
}

// protocolVersion is the MCP protocol revision announced in initialize.
const protocolVersion = "2024-11-05"

type clientInfo struct {
	Name    string `json:"name"`
	Version string `json:"version"`
}

type initializeParams struct {
	ProtocolVersion string         `json:"protocolVersion"`
	ClientInfo      clientInfo     `json:"clientInfo"`
	Capabilities    map[string]any `json:"capabilities"`
}

type serverInfo struct {
	Name    string `json:"name"`
	Version string `json:"version"`
}

type initializeResult struct {
	ProtocolVersion string             `json:"protocolVersion,omitempty"`
	ServerInfo      serverInfo         `json:"serverInfo"`
	Capabilities    ServerCapabilities `json:"capabilities"`
}

type executeParams struct {
	Name string `json:"name"`
	Args any    `json:"args"`
}

type resourceParams struct {
	Name   string `json:"name"`
	Params any    `json:"params,omitempty"`
}

// unwrapResult returns the value of a {"result": ...} envelope, or the
// raw result when the server answered without one.
func unwrapResult(raw json.RawMessage) json.RawMessage {
	var env map[string]json.RawMessage
	if err := json.Unmarshal(raw, &env); err != nil || len(env) != 1 {
		return raw
	}
	if inner, ok := env["result"]; ok {
		return inner
	}
	return raw
}
