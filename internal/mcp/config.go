package mcp

import (
	"fmt"
	"regexp"
	"slices"

	"gopkg.in/yaml.v3"
)

// TransportKind names one of the supported connection kinds.
type TransportKind string

// Supported transports.
const (
	TransportStdio     TransportKind = "stdio"
	TransportSSE       TransportKind = "sse"
	TransportWebSocket TransportKind = "websocket"
)

// serverNameRe constrains server names so that qualified names split
// unambiguously on the first "/" and encode reversibly as "server.tool".
var serverNameRe = regexp.MustCompile(`^[A-Za-z0-9_-]+$`)

// ServerConfig is the immutable description of one tool server. It is
// owned by the Host once handed over.
type ServerConfig struct {
	// Name is the unique server identifier and the prefix of every
	// qualified tool name it contributes.
	Name string `yaml:"name" json:"name"`

	// Enabled controls whether the host launches the server at all.
	Enabled bool `yaml:"enabled" json:"enabled"`

	// Transport selects stdio, sse or websocket.
	Transport TransportKind `yaml:"transport" json:"transport"`

	// Command is the executable followed by any leading arguments
	// (stdio only).
	Command []string `yaml:"command,omitempty" json:"command,omitempty"`

	// Args are appended after Command (stdio only).
	Args []string `yaml:"args,omitempty" json:"args,omitempty"`

	// Env holds extra environment variables for the subprocess. They
	// are layered on top of the host's own environment.
	Env map[string]string `yaml:"env,omitempty" json:"env,omitempty"`

	// URL is the endpoint for sse and websocket transports.
	URL string `yaml:"url,omitempty" json:"url,omitempty"`

	// Headers are sent with every HTTP request or the WebSocket
	// handshake (e.g. Authorization).
	Headers map[string]string `yaml:"headers,omitempty" json:"headers,omitempty"`

	// AutoExecute lists unqualified tool names that may run without
	// user confirmation.
	AutoExecute []string `yaml:"auto_execute,omitempty" json:"auto_execute,omitempty"`
}

// UnmarshalYAML defaults Enabled to true when the key is omitted.
func (c *ServerConfig) UnmarshalYAML(value *yaml.Node) error {
	type plain ServerConfig
	p := plain{Enabled: true}
	if err := value.Decode(&p); err != nil {
		return err
	}
	*c = ServerConfig(p)
	return nil
}

// Validate checks that the config is complete for its transport.
func (c ServerConfig) Validate() error {
	if c.Name == "" {
		return fmt.Errorf("server name is required")
	}
	if !serverNameRe.MatchString(c.Name) {
		return fmt.Errorf("server %q: name may only contain letters, digits, '-' and '_'", c.Name)
	}
	switch c.Transport {
	case TransportStdio:
		if len(c.Command) == 0 || c.Command[0] == "" {
			return fmt.Errorf("server %q: stdio transport requires a command", c.Name)
		}
	case TransportSSE, TransportWebSocket:
		if c.URL == "" {
			return fmt.Errorf("server %q: %s transport requires a url", c.Name, c.Transport)
		}
	case "":
		return fmt.Errorf("server %q: transport is required", c.Name)
	default:
		return fmt.Errorf("server %q: unsupported transport %q (valid: stdio, sse, websocket)", c.Name, c.Transport)
	}
	return nil
}

// argv returns the full command line for a stdio server.
func (c ServerConfig) argv() []string {
	out := make([]string, 0, len(c.Command)+len(c.Args))
	out = append(out, c.Command...)
	return append(out, c.Args...)
}

// autoExecutes reports whether tool is on the static auto-execute list.
func (c ServerConfig) autoExecutes(tool string) bool {
	return slices.Contains(c.AutoExecute, tool)
}

// ValidateAll checks every config and rejects duplicate names.
func ValidateAll(configs []ServerConfig) error {
	seen := make(map[string]bool, len(configs))
	for _, c := range configs {
		if err := c.Validate(); err != nil {
			return err
		}
		if seen[c.Name] {
			return fmt.Errorf("duplicate server name %q", c.Name)
		}
		seen[c.Name] = true
	}
	return nil
}
