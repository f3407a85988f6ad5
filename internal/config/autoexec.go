package config

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"slices"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/nugget/mcphost/internal/mcp"
)

// ErrServerNotConfigured is returned by AddAutoExecute when no server
// record with the given name exists in the file.
var ErrServerNotConfigured = errors.New("server not found in config")

// AddAutoExecute appends tool to the named server's auto_execute list
// in the config file at path and writes the file back. The YAML is
// edited in place, so comments, ordering and unexpanded ${VARS} are
// kept. Servers that come from servers_file are updated there instead.
// Adding a tool that is already listed is a no-op.
func AddAutoExecute(path, server, tool string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return err
	}

	var doc yaml.Node
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return fmt.Errorf("parse %s: %w", path, err)
	}
	if len(doc.Content) == 0 || doc.Content[0].Kind != yaml.MappingNode {
		return fmt.Errorf("%s: top level is not a mapping", path)
	}
	root := doc.Content[0]

	if servers := mappingValue(root, "servers"); servers != nil && servers.Kind == yaml.SequenceNode {
		for _, item := range servers.Content {
			if name := mappingValue(item, "name"); name == nil || name.Value != server {
				continue
			}
			if !addToSequence(item, "auto_execute", tool) {
				return nil
			}
			return writeYAML(path, &doc)
		}
	}

	if file := mappingValue(root, "servers_file"); file != nil && file.Value != "" {
		jsonPath := expandHome(os.ExpandEnv(file.Value))
		if !filepath.IsAbs(jsonPath) {
			jsonPath = filepath.Join(filepath.Dir(path), jsonPath)
		}
		return addAutoExecuteJSON(jsonPath, server, tool)
	}

	return fmt.Errorf("%w: %s", ErrServerNotConfigured, server)
}

// mappingValue returns the value node for key in a mapping node.
func mappingValue(m *yaml.Node, key string) *yaml.Node {
	if m == nil || m.Kind != yaml.MappingNode {
		return nil
	}
	for i := 0; i+1 < len(m.Content); i += 2 {
		if m.Content[i].Value == key {
			return m.Content[i+1]
		}
	}
	return nil
}

// addToSequence appends value to the sequence under key in mapping m,
// creating it if needed. It reports whether m changed.
func addToSequence(m *yaml.Node, key, value string) bool {
	seq := mappingValue(m, key)
	if seq == nil {
		seq = &yaml.Node{Kind: yaml.SequenceNode, Tag: "!!seq"}
		m.Content = append(m.Content,
			&yaml.Node{Kind: yaml.ScalarNode, Tag: "!!str", Value: key},
			seq,
		)
	}
	if seq.Kind != yaml.SequenceNode {
		// "auto_execute: ~" and similar; replace with a list.
		*seq = yaml.Node{Kind: yaml.SequenceNode, Tag: "!!seq"}
	}
	for _, item := range seq.Content {
		if item.Value == value {
			return false
		}
	}
	seq.Content = append(seq.Content, &yaml.Node{Kind: yaml.ScalarNode, Tag: "!!str", Value: value})
	return true
}

func writeYAML(path string, doc *yaml.Node) error {
	var b strings.Builder
	enc := yaml.NewEncoder(&b)
	enc.SetIndent(2)
	if err := enc.Encode(doc); err != nil {
		return fmt.Errorf("encode %s: %w", path, err)
	}
	if err := enc.Close(); err != nil {
		return err
	}
	return writeFileKeepMode(path, []byte(b.String()))
}

func addAutoExecuteJSON(path, server, tool string) error {
	servers, err := LoadServersJSON(path)
	if err != nil {
		return err
	}
	idx := slices.IndexFunc(servers, func(s mcp.ServerConfig) bool { return s.Name == server })
	if idx < 0 {
		return fmt.Errorf("%w: %s", ErrServerNotConfigured, server)
	}
	if slices.Contains(servers[idx].AutoExecute, tool) {
		return nil
	}
	servers[idx].AutoExecute = append(servers[idx].AutoExecute, tool)

	data, err := json.MarshalIndent(servers, "", "  ")
	if err != nil {
		return err
	}
	return writeFileKeepMode(path, append(data, '\n'))
}

func writeFileKeepMode(path string, data []byte) error {
	mode := os.FileMode(0o600)
	if fi, err := os.Stat(path); err == nil {
		mode = fi.Mode().Perm()
	}
	return os.WriteFile(path, data, mode)
}

// FileApprovals persists runtime approvals into the config file's
// auto_execute lists. It is the approval store when no state database
// is configured. Approvals from earlier runs are already part of the
// loaded server configs, so IsApproved has nothing further to report.
type FileApprovals struct {
	Path string
}

// IsApproved implements mcp.ApprovalStore.
func (FileApprovals) IsApproved(context.Context, string) (bool, error) {
	return false, nil
}

// Approve implements mcp.ApprovalStore.
func (f FileApprovals) Approve(_ context.Context, qualified string) error {
	server, tool, ok := mcp.SplitQualifiedName(qualified)
	if !ok {
		return fmt.Errorf("malformed qualified name %q", qualified)
	}
	return AddAutoExecute(f.Path, server, tool)
}
