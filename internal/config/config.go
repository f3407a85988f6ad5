// Package config handles mcphost configuration loading.
package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/nugget/mcphost/internal/mcp"
)

// Environment variables that override timeouts at runtime.
const (
	EnvToolTimeout   = "MCPHOST_TOOL_TIMEOUT"
	EnvInitTimeout   = "MCPHOST_INIT_TIMEOUT"
	envTimeoutPrefix = "MCPHOST_TIMEOUT_"
)

// Startup modes.
const (
	StartupConcurrent = "concurrent"
	StartupSequential = "sequential"
)

// DefaultSearchPaths returns the config file search order.
// An explicit path (from -config flag) is checked first.
// Then: ./mcphost.yaml, ~/.config/mcphost/config.yaml, /etc/mcphost/config.yaml.
func DefaultSearchPaths() []string {
	paths := []string{"mcphost.yaml"}

	if home, err := os.UserHomeDir(); err == nil {
		paths = append(paths, filepath.Join(home, ".config", "mcphost", "config.yaml"))
	}

	paths = append(paths, "/etc/mcphost/config.yaml")
	return paths
}

// FindConfig locates a config file. If explicit is non-empty, it must exist.
// Otherwise, searches DefaultSearchPaths and returns the first that exists.
// Returns the path found, or an error if nothing was found.
func FindConfig(explicit string) (string, error) {
	if explicit != "" {
		if _, err := os.Stat(explicit); err != nil {
			return "", fmt.Errorf("config file not found: %s", explicit)
		}
		return explicit, nil
	}

	for _, p := range DefaultSearchPaths() {
		if _, err := os.Stat(p); err == nil {
			return p, nil
		}
	}

	return "", fmt.Errorf("no config file found (searched: %v)", DefaultSearchPaths())
}

// Config holds all mcphost configuration.
type Config struct {
	LogLevel  string `yaml:"log_level"`
	LogFormat string `yaml:"log_format"` // text or json

	Host   HostConfig   `yaml:"host"`
	Daemon DaemonConfig `yaml:"daemon"`
	State  StateConfig  `yaml:"state"`
	MQTT   MQTTConfig   `yaml:"mqtt"`

	// ServersFile points at a JSON array of server records, the format
	// older releases kept in mcp_servers.json. Relative paths resolve
	// against the config file's directory. Its entries are appended to
	// Servers.
	ServersFile string `yaml:"servers_file"`

	Servers []mcp.ServerConfig `yaml:"servers"`

	// path is the file this config was loaded from, if any.
	path string
}

// HostConfig controls server lifecycle timing.
type HostConfig struct {
	// Startup is "concurrent" (default) or "sequential".
	Startup string `yaml:"startup"`

	// StartConcurrency caps simultaneous launches in concurrent mode.
	// Zero means no cap.
	StartConcurrency int `yaml:"start_concurrency"`

	InitTimeout     time.Duration `yaml:"init_timeout"`
	CallTimeout     time.Duration `yaml:"call_timeout"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`

	// KillGrace is how long a stdio server has to exit after SIGTERM.
	KillGrace time.Duration `yaml:"kill_grace"`

	// RestartDegraded supervises servers and restarts them with
	// backoff when they fail.
	RestartDegraded bool `yaml:"restart_degraded"`

	// ToolTimeouts overrides CallTimeout per server ("fs") or per tool
	// ("fs/read_file").
	ToolTimeouts map[string]time.Duration `yaml:"tool_timeouts"`
}

// DaemonConfig defines the control socket served by "mcphost serve".
type DaemonConfig struct {
	Socket         string `yaml:"socket"`
	MaxConnections int    `yaml:"max_connections"`
}

// StateConfig locates the SQLite database for the call log and
// approvals. An empty path disables both.
type StateConfig struct {
	Path string `yaml:"path"`
}

// MQTTConfig configures the optional status publisher. It is enabled
// when Broker is set.
type MQTTConfig struct {
	Broker      string `yaml:"broker"`
	Username    string `yaml:"username"`
	Password    string `yaml:"password"`
	TopicPrefix string `yaml:"topic_prefix"`
	ClientID    string `yaml:"client_id"`
}

// Configured reports whether a broker is set.
func (c MQTTConfig) Configured() bool {
	return c.Broker != ""
}

// Load reads configuration from a YAML file. Environment variables in
// the file are expanded before parsing. Defaults are applied; call
// Validate before use.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	// Expand environment variables
	expanded := os.ExpandEnv(string(data))

	cfg := &Config{path: path}
	if err := yaml.Unmarshal([]byte(expanded), cfg); err != nil {
		return nil, fmt.Errorf("parse %s: %w", path, err)
	}

	if cfg.ServersFile != "" {
		file := expandHome(cfg.ServersFile)
		if !filepath.IsAbs(file) {
			file = filepath.Join(filepath.Dir(path), file)
		}
		servers, err := LoadServersJSON(file)
		if err != nil {
			return nil, err
		}
		cfg.Servers = append(cfg.Servers, servers...)
	}

	cfg.applyDefaults()
	return cfg, nil
}

// LoadServersJSON reads a JSON array of server records. A missing or
// empty file yields no servers.
func LoadServersJSON(path string) ([]mcp.ServerConfig, error) {
	data, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read servers file: %w", err)
	}
	if strings.TrimSpace(string(data)) == "" {
		return nil, nil
	}

	var servers []mcp.ServerConfig
	if err := json.Unmarshal(data, &servers); err != nil {
		return nil, fmt.Errorf("parse servers file %s: %w", path, err)
	}
	return servers, nil
}

// Default returns a configuration with no servers and every default
// applied.
func Default() *Config {
	cfg := &Config{}
	cfg.applyDefaults()
	return cfg
}

// Path returns the file the config was loaded from, or "".
func (c *Config) Path() string {
	return c.path
}

func (c *Config) applyDefaults() {
	if c.LogFormat == "" {
		c.LogFormat = "text"
	}
	if c.Host.Startup == "" {
		c.Host.Startup = StartupConcurrent
	}
	if c.Host.InitTimeout == 0 {
		c.Host.InitTimeout = mcp.DefaultInitTimeout
	}
	if c.Host.CallTimeout == 0 {
		c.Host.CallTimeout = mcp.DefaultCallTimeout
	}
	if c.Host.ShutdownTimeout == 0 {
		c.Host.ShutdownTimeout = mcp.DefaultShutdownTimeout
	}
	if c.Host.KillGrace == 0 {
		c.Host.KillGrace = mcp.DefaultKillGrace
	}
	if c.Daemon.Socket == "" {
		c.Daemon.Socket = DefaultSocketPath()
	}
	c.Daemon.Socket = expandHome(c.Daemon.Socket)
	if c.Daemon.MaxConnections == 0 {
		c.Daemon.MaxConnections = 16
	}
	c.State.Path = expandHome(c.State.Path)
	if c.MQTT.TopicPrefix == "" {
		c.MQTT.TopicPrefix = "mcphost"
	}
}

// Validate checks the configuration for errors that would prevent the
// host from starting.
func (c *Config) Validate() error {
	if _, err := ParseLogLevel(c.LogLevel); err != nil {
		return err
	}
	switch c.LogFormat {
	case "text", "json":
	default:
		return fmt.Errorf("log_format %q invalid (valid: text, json)", c.LogFormat)
	}
	switch c.Host.Startup {
	case StartupConcurrent, StartupSequential:
	default:
		return fmt.Errorf("host.startup %q invalid (valid: %s, %s)", c.Host.Startup, StartupConcurrent, StartupSequential)
	}

	for name, d := range map[string]time.Duration{
		"init_timeout":     c.Host.InitTimeout,
		"call_timeout":     c.Host.CallTimeout,
		"shutdown_timeout": c.Host.ShutdownTimeout,
		"kill_grace":       c.Host.KillGrace,
	} {
		if d < 0 {
			return fmt.Errorf("host.%s must not be negative", name)
		}
	}
	for key, d := range c.Host.ToolTimeouts {
		if d <= 0 {
			return fmt.Errorf("host.tool_timeouts[%q] must be positive", key)
		}
	}
	if c.Host.StartConcurrency < 0 {
		return fmt.Errorf("host.start_concurrency must not be negative")
	}
	if c.Daemon.MaxConnections < 0 {
		return fmt.Errorf("daemon.max_connections must not be negative")
	}

	if c.MQTT.Configured() {
		u, err := url.Parse(c.MQTT.Broker)
		if err != nil || u.Host == "" {
			return fmt.Errorf("mqtt.broker %q is not a valid URL", c.MQTT.Broker)
		}
	}

	return mcp.ValidateAll(c.Servers)
}

// ToolTimeout resolves the call deadline for a tool, most specific
// first: MCPHOST_TIMEOUT_<SERVER>_<TOOL>, MCPHOST_TIMEOUT_<SERVER>,
// tool_timeouts["server/tool"], tool_timeouts["server"],
// MCPHOST_TOOL_TIMEOUT, then call_timeout. Environment values are
// seconds or Go durations.
func (c *Config) ToolTimeout(server, tool string) time.Duration {
	if d, ok := envDuration(envTimeoutPrefix + envKey(server) + "_" + envKey(tool)); ok {
		return d
	}
	if d, ok := envDuration(envTimeoutPrefix + envKey(server)); ok {
		return d
	}
	if d, ok := c.Host.ToolTimeouts[mcp.QualifiedName(server, tool)]; ok && d > 0 {
		return d
	}
	if d, ok := c.Host.ToolTimeouts[server]; ok && d > 0 {
		return d
	}
	if d, ok := envDuration(EnvToolTimeout); ok {
		return d
	}
	if c.Host.CallTimeout > 0 {
		return c.Host.CallTimeout
	}
	return mcp.DefaultCallTimeout
}

// InitTimeout returns init_timeout, overridden by MCPHOST_INIT_TIMEOUT.
func (c *Config) InitTimeout() time.Duration {
	if d, ok := envDuration(EnvInitTimeout); ok {
		return d
	}
	if c.Host.InitTimeout > 0 {
		return c.Host.InitTimeout
	}
	return mcp.DefaultInitTimeout
}

// envKey upper-cases a name and replaces anything outside [A-Z0-9]
// with "_" for use in an environment variable name.
func envKey(name string) string {
	return strings.Map(func(r rune) rune {
		switch {
		case r >= 'a' && r <= 'z':
			return r - 'a' + 'A'
		case r >= 'A' && r <= 'Z', r >= '0' && r <= '9':
			return r
		default:
			return '_'
		}
	}, name)
}

// envDuration reads a positive duration from the environment. Bare
// integers are seconds.
func envDuration(key string) (time.Duration, bool) {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return 0, false
	}
	if n, err := strconv.Atoi(v); err == nil {
		if n <= 0 {
			return 0, false
		}
		return time.Duration(n) * time.Second, true
	}
	d, err := time.ParseDuration(v)
	if err != nil || d <= 0 {
		return 0, false
	}
	return d, true
}

// DefaultSocketPath returns the control socket location:
// $XDG_RUNTIME_DIR/mcphost.sock, or a per-user file in the temp dir.
func DefaultSocketPath() string {
	if dir := os.Getenv("XDG_RUNTIME_DIR"); dir != "" {
		return filepath.Join(dir, "mcphost.sock")
	}
	return filepath.Join(os.TempDir(), fmt.Sprintf("mcphost-%d.sock", os.Getuid()))
}

// expandHome replaces a leading ~ with the user's home directory.
func expandHome(path string) string {
	if path == "~" || strings.HasPrefix(path, "~/") {
		if home, err := os.UserHomeDir(); err == nil {
			return filepath.Join(home, path[1:])
		}
	}
	return path
}
