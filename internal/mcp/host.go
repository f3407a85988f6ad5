package mcp

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/nugget/mcphost/internal/connwatch"
)

// DefaultShutdownTimeout bounds Host.Shutdown when the caller's context
// has no earlier deadline.
const DefaultShutdownTimeout = 15 * time.Second

// ApprovalStore persists tools the user has approved for automatic
// execution at runtime. Names are qualified.
type ApprovalStore interface {
	IsApproved(ctx context.Context, qualified string) (bool, error)
	Approve(ctx context.Context, qualified string) error
}

// CallRecord describes one completed tool or resource call.
type CallRecord struct {
	Server   string
	Name     string
	Kind     string // "tool" or "resource"
	Started  time.Time
	Duration time.Duration
	Err      error
}

// CallRecorder receives a record of every routed call.
type CallRecorder interface {
	RecordCall(ctx context.Context, rec CallRecord) error
}

// Options configures a [Host]. The zero value is usable.
type Options struct {
	// Logger for structured logging. Uses slog.Default() if nil.
	Logger *slog.Logger

	// Sink receives server notifications and lifecycle transitions.
	Sink Sink

	// Dial opens transports. Defaults to [Dial].
	Dial TransportFactory

	// Transport holds transport-level limits.
	Transport TransportOptions

	// InitTimeout bounds each server's connect plus initialize.
	InitTimeout time.Duration

	// CallTimeout resolves the deadline for each call.
	CallTimeout func(server, name string) time.Duration

	// ShutdownTimeout bounds Shutdown.
	ShutdownTimeout time.Duration

	// Sequential starts servers one at a time in config order instead
	// of concurrently.
	Sequential bool

	// StartConcurrency caps simultaneous launches in concurrent mode.
	// Zero means no cap.
	StartConcurrency int

	// Approvals persists runtime auto-execute approvals. Optional.
	Approvals ApprovalStore

	// Recorder audits routed calls. Optional.
	Recorder CallRecorder
}

// Host owns every configured tool server, aggregates their
// capabilities and routes calls by qualified name. All methods are safe
// for concurrent use.
type Host struct {
	opts   Options
	logger *slog.Logger

	order   []string
	servers map[string]*Server

	mu       sync.RWMutex
	state    HostState
	approved map[string]bool

	shutdownOnce sync.Once
	stopped      chan struct{}
}

// NewHost validates configs and prepares a Server for every enabled
// entry. Nothing is launched until StartAll.
func NewHost(configs []ServerConfig, opts Options) (*Host, error) {
	if err := ValidateAll(configs); err != nil {
		return nil, err
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.Sink == nil {
		opts.Sink = NopSink{}
	}
	if opts.ShutdownTimeout <= 0 {
		opts.ShutdownTimeout = DefaultShutdownTimeout
	}

	h := &Host{
		opts:     opts,
		logger:   opts.Logger,
		servers:  make(map[string]*Server),
		approved: make(map[string]bool),
		stopped:  make(chan struct{}),
	}

	for _, cfg := range configs {
		if !cfg.Enabled {
			h.logger.Info("MCP server disabled, skipping", "server", cfg.Name)
			continue
		}
		h.order = append(h.order, cfg.Name)
		h.servers[cfg.Name] = NewServer(cfg, ServerOptions{
			Logger:      opts.Logger,
			Sink:        opts.Sink,
			Dial:        opts.Dial,
			Transport:   opts.Transport,
			InitTimeout: opts.InitTimeout,
			CallTimeout: opts.CallTimeout,
		})
	}
	return h, nil
}

// Start is NewHost followed by StartAll. Individual server failures do
// not fail it; only invalid configuration does.
func Start(ctx context.Context, configs []ServerConfig, opts Options) (*Host, error) {
	h, err := NewHost(configs, opts)
	if err != nil {
		return nil, err
	}
	if err := h.StartAll(ctx); err != nil {
		return nil, err
	}
	return h, nil
}

// StartAll launches every enabled server. A server that fails to spawn,
// connect or initialize is left Degraded and logged; the others are
// unaffected. The host is Ready when every start attempt has finished,
// even if none succeeded.
func (h *Host) StartAll(ctx context.Context) error {
	h.mu.Lock()
	if h.state != HostUninitialized {
		st := h.state
		h.mu.Unlock()
		return fmt.Errorf("host already %s", st)
	}
	h.state = HostStarting
	h.mu.Unlock()

	var g errgroup.Group
	switch {
	case h.opts.Sequential:
		g.SetLimit(1)
	case h.opts.StartConcurrency > 0:
		g.SetLimit(h.opts.StartConcurrency)
	}

	for _, name := range h.order {
		srv := h.servers[name]
		g.Go(func() error {
			if err := srv.Start(ctx); err != nil {
				h.logger.Error("MCP server initialization failed",
					"server", name,
					"error", err,
				)
			}
			return nil
		})
	}
	_ = g.Wait()

	h.mu.Lock()
	if h.state == HostStarting {
		h.state = HostReady
	}
	h.mu.Unlock()

	ready := 0
	for _, name := range h.order {
		if h.servers[name].Status() == StatusReady {
			ready++
		}
	}
	h.logger.Info("MCP host ready", "servers", len(h.order), "ready", ready)
	return nil
}

// State returns the host lifecycle state.
func (h *Host) State() HostState {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.state
}

// Server returns the named server, if configured and enabled.
func (h *Host) Server(name string) (*Server, bool) {
	srv, ok := h.servers[name]
	return srv, ok
}

// GetAllCapabilities returns the union of every Ready server's tools
// and resources under qualified names, in config order. Servers in any
// other state contribute nothing.
func (h *Host) GetAllCapabilities() ServerCapabilities {
	all := ServerCapabilities{Tools: []Tool{}, Resources: []Resource{}}
	for _, name := range h.order {
		q := h.servers[name].Capabilities().qualify(name)
		all.Tools = append(all.Tools, q.Tools...)
		all.Resources = append(all.Resources, q.Resources...)
	}
	return all
}

// resolve maps a qualified name to a Ready server and the unqualified
// name. It performs no I/O.
func (h *Host) resolve(qualified string) (*Server, string, error) {
	switch h.State() {
	case HostShuttingDown, HostStopped:
		return nil, "", ErrServerShuttingDown
	}

	server, name, ok := SplitQualifiedName(qualified)
	if !ok {
		return nil, "", fmt.Errorf("%w: malformed qualified name %q", ErrUnknownServer, qualified)
	}
	srv, ok := h.servers[server]
	if !ok {
		return nil, "", &UnavailableError{Server: server}
	}
	if st := srv.Status(); st != StatusReady {
		return nil, "", &UnavailableError{Server: server, Status: st, Known: true, Reason: srv.Reason()}
	}
	return srv, name, nil
}

// ExecuteTool routes a call to the server named by the qualified tool
// name and returns the tool's result. Remote errors are returned as
// *RPCError with code, message and data intact.
func (h *Host) ExecuteTool(ctx context.Context, qualified string, args any) (json.RawMessage, error) {
	srv, tool, err := h.resolve(qualified)
	if err != nil {
		return nil, err
	}

	started := time.Now()
	result, err := srv.ExecuteTool(ctx, tool, args)
	h.record(ctx, CallRecord{Server: srv.Name(), Name: tool, Kind: "tool", Started: started, Duration: time.Since(started), Err: err})
	if err != nil {
		return nil, err
	}
	return result, nil
}

// GetResource routes a resource read by qualified name.
func (h *Host) GetResource(ctx context.Context, qualified string, params any) (json.RawMessage, error) {
	srv, name, err := h.resolve(qualified)
	if err != nil {
		return nil, err
	}

	started := time.Now()
	result, err := srv.GetResource(ctx, name, params)
	h.record(ctx, CallRecord{Server: srv.Name(), Name: name, Kind: "resource", Started: started, Duration: time.Since(started), Err: err})
	if err != nil {
		return nil, err
	}
	return result, nil
}

func (h *Host) record(ctx context.Context, rec CallRecord) {
	level := slog.LevelDebug
	if rec.Err != nil {
		level = slog.LevelWarn
	}
	h.logger.Log(ctx, level, "MCP call finished",
		"server", rec.Server,
		"name", rec.Name,
		"kind", rec.Kind,
		"duration", rec.Duration.Round(time.Millisecond),
		"error_kind", ErrorKind(rec.Err),
	)
	if h.opts.Recorder == nil {
		return
	}
	// The caller's context may already be done (timeouts); the audit
	// write gets its own short deadline.
	rctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 2*time.Second)
	defer cancel()
	if err := h.opts.Recorder.RecordCall(rctx, rec); err != nil {
		h.logger.Warn("failed to record MCP call", "error", err)
	}
}

// Shutdown stops every server concurrently within the shutdown bound.
// Calls still pending resolve with ErrServerShuttingDown and stdio
// subprocesses are terminated. Shutdown is idempotent: later calls wait
// for the first to complete.
func (h *Host) Shutdown(ctx context.Context) error {
	first := false
	h.shutdownOnce.Do(func() {
		first = true
		h.mu.Lock()
		h.state = HostShuttingDown
		h.mu.Unlock()
	})
	if !first {
		select {
		case <-h.stopped:
			return nil
		case <-ctx.Done():
			return ctx.Err()
		}
	}

	ctx, cancel := context.WithTimeout(ctx, h.opts.ShutdownTimeout)
	defer cancel()

	h.logger.Info("shutting down MCP host", "servers", len(h.order))

	var g errgroup.Group
	for _, name := range h.order {
		srv := h.servers[name]
		g.Go(func() error {
			if err := srv.Shutdown(ctx); err != nil {
				return fmt.Errorf("shutdown %s: %w", name, err)
			}
			return nil
		})
	}
	err := g.Wait()

	h.mu.Lock()
	h.state = HostStopped
	h.mu.Unlock()
	close(h.stopped)

	h.logger.Info("MCP host stopped")
	return err
}

// Restart re-launches a Degraded server.
func (h *Host) Restart(ctx context.Context, name string) error {
	switch h.State() {
	case HostShuttingDown, HostStopped:
		return ErrServerShuttingDown
	}
	srv, ok := h.servers[name]
	if !ok {
		return &UnavailableError{Server: name}
	}
	return srv.Restart(ctx)
}

// Supervise registers a watcher per server that restarts it with
// exponential backoff whenever it is Degraded.
func (h *Host) Supervise(ctx context.Context, mgr *connwatch.Manager, backoff connwatch.BackoffConfig) {
	for _, name := range h.order {
		srv := h.servers[name]
		mgr.Watch(ctx, connwatch.WatcherConfig{
			Name:    name,
			Backoff: backoff,
			Probe: func(ctx context.Context) error {
				if srv.Status() == StatusDegraded {
					if err := h.Restart(ctx, name); err != nil {
						return err
					}
				}
				return srv.Probe(ctx)
			},
			OnReady: func() {
				h.logger.Info("MCP server available", "server", name)
			},
			OnDown: func(err error) {
				h.logger.Warn("MCP server unavailable", "server", name, "error", err)
			},
		})
	}
}

// IsAutoExecute reports whether a qualified tool may run without user
// confirmation: either listed in the server's auto_execute config or
// approved at runtime.
func (h *Host) IsAutoExecute(ctx context.Context, qualified string) bool {
	server, tool, ok := SplitQualifiedName(qualified)
	if !ok {
		return false
	}
	srv, ok := h.servers[server]
	if !ok {
		return false
	}
	if srv.cfg.autoExecutes(tool) {
		return true
	}

	h.mu.RLock()
	approved := h.approved[qualified]
	h.mu.RUnlock()
	if approved || h.opts.Approvals == nil {
		return approved
	}

	approved, err := h.opts.Approvals.IsApproved(ctx, qualified)
	if err != nil {
		h.logger.Warn("approval lookup failed", "tool", qualified, "error", err)
		return false
	}
	if approved {
		h.mu.Lock()
		h.approved[qualified] = true
		h.mu.Unlock()
	}
	return approved
}

// ApproveAutoExecute marks a qualified tool for automatic execution
// from now on, persisting the approval when a store is configured.
func (h *Host) ApproveAutoExecute(ctx context.Context, qualified string) error {
	server, _, ok := SplitQualifiedName(qualified)
	if !ok {
		return fmt.Errorf("%w: malformed qualified name %q", ErrUnknownServer, qualified)
	}
	if _, ok := h.servers[server]; !ok {
		return &UnavailableError{Server: server}
	}

	h.mu.Lock()
	h.approved[qualified] = true
	h.mu.Unlock()

	if h.opts.Approvals != nil {
		if err := h.opts.Approvals.Approve(ctx, qualified); err != nil {
			return fmt.Errorf("persist approval for %s: %w", qualified, err)
		}
	}
	h.logger.Info("tool approved for auto-execute", "tool", qualified)
	return nil
}

// LogToServers sends a window/logMessage notification to every Ready
// server. Levels map to message types 1 (error) through 4 (log).
func (h *Host) LogToServers(ctx context.Context, level slog.Level, message string) error {
	typ := 4
	switch {
	case level >= slog.LevelError:
		typ = 1
	case level >= slog.LevelWarn:
		typ = 2
	case level >= slog.LevelInfo:
		typ = 3
	}
	params := map[string]any{"type": typ, "message": message}

	var errs []error
	for _, name := range h.order {
		srv := h.servers[name]
		if srv.Status() != StatusReady {
			continue
		}
		if err := srv.Notify(ctx, MethodLogMessage, params); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// ServerStatus is a point-in-time view of one server.
type ServerStatus struct {
	Name      string        `json:"name"`
	Transport TransportKind `json:"transport"`
	Status    Status        `json:"status"`
	Reason    string        `json:"reason,omitempty"`
	Tools     int           `json:"tools"`
	Resources int           `json:"resources"`
	Pending   int           `json:"pending"`
	Uptime    string        `json:"uptime,omitempty"`
}

// Status returns a snapshot of every enabled server in config order.
func (h *Host) Status() []ServerStatus {
	out := make([]ServerStatus, 0, len(h.order))
	for _, name := range h.order {
		srv := h.servers[name]
		caps := srv.Capabilities()
		st := ServerStatus{
			Name:      name,
			Transport: srv.cfg.Transport,
			Status:    srv.Status(),
			Reason:    srv.Reason(),
			Tools:     len(caps.Tools),
			Resources: len(caps.Resources),
			Pending:   srv.PendingCount(),
		}
		if up := srv.Uptime(); up > 0 {
			st.Uptime = up.Truncate(time.Second).String()
		}
		out = append(out, st)
	}
	return out
}

// Summary renders Status as a short human-readable report.
func (h *Host) Summary() string {
	statuses := h.Status()
	if len(statuses) == 0 {
		return "No MCP servers connected."
	}

	var b strings.Builder
	fmt.Fprintf(&b, "%d MCP servers connected:\n", len(statuses))
	for _, st := range statuses {
		fmt.Fprintf(&b, "- %s [%s]: %d tools, %d resources", st.Name, st.Status, st.Tools, st.Resources)
		if st.Reason != "" {
			fmt.Fprintf(&b, " (%s)", st.Reason)
		}
		b.WriteByte('\n')
	}
	return b.String()
}
