package mcp

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/nugget/mcphost/internal/buildinfo"
)

// Default timeouts.
const (
	DefaultInitTimeout = 10 * time.Second
	DefaultCallTimeout = 120 * time.Second
)

// handshakeTimeout bounds the best-effort shutdown/exit writes.
const handshakeTimeout = 2 * time.Second

// ServerOptions configures a [Server]. The zero value is usable.
type ServerOptions struct {
	// Logger for structured logging. Uses slog.Default() if nil.
	Logger *slog.Logger

	// Sink receives notifications and lifecycle transitions.
	Sink Sink

	// Dial opens the transport. Defaults to [Dial].
	Dial TransportFactory

	// Transport holds transport-level limits.
	Transport TransportOptions

	// InitTimeout bounds connecting plus the initialize exchange.
	InitTimeout time.Duration

	// CallTimeout returns the deadline for a tool or resource call.
	// Defaults to DefaultCallTimeout for every call.
	CallTimeout func(server, name string) time.Duration

	// ClientName and ClientVersion are announced in initialize.
	ClientName    string
	ClientVersion string
}

// pendingCall is one in-flight request awaiting its response. ch is
// buffered so the router never blocks delivering to it.
type pendingCall struct {
	method  string
	started time.Time
	ch      chan callResult
}

type callResult struct {
	result json.RawMessage
	err    error
}

// Server is one live connection to a tool server. All public methods
// are safe for concurrent use; any number of calls may be in flight at
// once over the single underlying transport.
type Server struct {
	cfg    ServerConfig
	opts   ServerOptions
	logger *slog.Logger
	sink   Sink

	nextID atomic.Uint64

	// mu guards lifecycle state.
	mu         sync.Mutex
	status     Status
	reason     string
	transport  Transport
	routerDone chan struct{}
	caps       ServerCapabilities
	info       serverInfo
	readySince time.Time
	stopped    chan struct{}

	// pendingMu guards the correlation table. Critical sections are a
	// map insert, lookup or removal and nothing else.
	pendingMu sync.Mutex
	pending   map[uint64]*pendingCall
	closing   bool
}

// NewServer creates a server in the Starting state. Nothing is spawned
// or dialed until Start.
func NewServer(cfg ServerConfig, opts ServerOptions) *Server {
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.Sink == nil {
		opts.Sink = NopSink{}
	}
	if opts.Dial == nil {
		opts.Dial = Dial
	}
	if opts.InitTimeout <= 0 {
		opts.InitTimeout = DefaultInitTimeout
	}
	if opts.ClientName == "" {
		opts.ClientName = "mcphost"
	}
	if opts.ClientVersion == "" {
		opts.ClientVersion = buildinfo.Version
	}

	logger := opts.Logger.With("mcp_server", cfg.Name)
	opts.Transport.Logger = logger
	opts.Transport.Sink = opts.Sink

	return &Server{
		cfg:     cfg,
		opts:    opts,
		logger:  logger,
		sink:    opts.Sink,
		status:  StatusStarting,
		stopped: make(chan struct{}),
		pending: make(map[uint64]*pendingCall),
	}
}

// Name returns the configured server name.
func (s *Server) Name() string { return s.cfg.Name }

// Config returns the server's configuration.
func (s *Server) Config() ServerConfig { return s.cfg }

// NextRequestID returns a fresh request ID. IDs start at 1 and are
// never reused for the life of the Server, including across restarts.
func (s *Server) NextRequestID() uint64 {
	return s.nextID.Add(1)
}

// Status returns the current lifecycle state.
func (s *Server) Status() Status {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.status
}

// Reason returns the last failure reason, if any.
func (s *Server) Reason() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.reason
}

// Capabilities returns the tools and resources from the most recent
// successful initialize. It is empty unless the server is Ready.
func (s *Server) Capabilities() ServerCapabilities {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.status != StatusReady {
		return ServerCapabilities{}
	}
	return s.caps
}

// PendingCount returns the number of requests awaiting a response.
func (s *Server) PendingCount() int {
	s.pendingMu.Lock()
	defer s.pendingMu.Unlock()
	return len(s.pending)
}

// setStatusLocked performs a validated transition. Caller must hold
// s.mu and should call emitState with the result after unlocking.
func (s *Server) setStatusLocked(to Status, reason string) (Status, bool) {
	from := s.status
	if from == to || !canTransition(from, to) {
		return from, false
	}
	s.status = to
	switch to {
	case StatusReady:
		s.reason = ""
		s.readySince = time.Now()
	case StatusDegraded:
		s.reason = reason
	}
	return from, true
}

// emitState logs a transition and forwards it to the sink.
func (s *Server) emitState(from, to Status, reason string) {
	if to == StatusDegraded {
		s.logger.Warn("MCP server degraded", "from", from.String(), "reason", reason)
	} else {
		s.logger.Debug("MCP server state change", "from", from.String(), "to", to.String())
	}
	s.sink.Notify(Notice{
		Time:    time.Now(),
		Server:  s.cfg.Name,
		Kind:    NoticeState,
		From:    from,
		To:      to,
		Message: reason,
	})
}

// transition is setStatusLocked plus emitState for callers that do not
// already hold s.mu.
func (s *Server) transition(to Status, reason string) bool {
	s.mu.Lock()
	from, ok := s.setStatusLocked(to, reason)
	s.mu.Unlock()
	if ok {
		s.emitState(from, to, reason)
	}
	return ok
}

// Start connects to the server and performs the initialize exchange.
// On success the server is Ready and its capabilities are populated; on
// failure it is Degraded and no process or connection is left behind.
// Start is also how a Degraded server is restarted.
func (s *Server) Start(ctx context.Context) error {
	s.mu.Lock()
	var (
		old       Transport
		from      Status
		restarted bool
	)
	switch s.status {
	case StatusStarting:
	case StatusDegraded:
		old, s.transport = s.transport, nil
		from, restarted = s.setStatusLocked(StatusStarting, "")
	case StatusShuttingDown, StatusStopped:
		s.mu.Unlock()
		return ErrServerShuttingDown
	default:
		st := s.status
		s.mu.Unlock()
		return fmt.Errorf("server %s: cannot start from %s", s.cfg.Name, st)
	}
	s.mu.Unlock()
	if old != nil {
		go old.Close()
	}
	if restarted {
		s.emitState(from, StatusStarting, "")
	}

	dialCtx, cancel := context.WithTimeout(ctx, s.opts.InitTimeout)
	t, err := s.opts.Dial(dialCtx, s.cfg, s.opts.Transport)
	cancel()
	if err != nil {
		terr := &TransportError{Server: s.cfg.Name, Op: "connect", Err: err}
		s.transition(StatusDegraded, terr.Error())
		return terr
	}

	s.mu.Lock()
	if s.status != StatusStarting {
		// Shutdown began while we were connecting.
		s.mu.Unlock()
		t.Close()
		return ErrServerShuttingDown
	}
	done := make(chan struct{})
	s.transport = t
	s.routerDone = done
	from, _ = s.setStatusLocked(StatusInitializing, "")
	s.mu.Unlock()
	s.emitState(from, StatusInitializing, "")

	go s.route(t, done)

	caps, info, err := s.initialize(ctx)
	if err != nil {
		s.abortStart(t, err)
		return err
	}

	s.mu.Lock()
	if s.transport != t {
		s.mu.Unlock()
		return ErrConnectionLost
	}
	s.caps = caps
	s.info = info
	from, ok := s.setStatusLocked(StatusReady, "")
	s.mu.Unlock()
	if !ok {
		// Shutdown or a connection failure won the race.
		return &UnavailableError{Server: s.cfg.Name, Status: s.Status(), Known: true, Reason: s.Reason()}
	}
	s.emitState(from, StatusReady, "")

	s.logger.Info("MCP server initialized",
		"server_name", info.Name,
		"server_version", info.Version,
		"tools", len(caps.Tools),
		"resources", len(caps.Resources),
	)
	return nil
}

// abortStart marks the server Degraded after a failed initialize and
// releases the transport.
func (s *Server) abortStart(t Transport, cause error) {
	s.mu.Lock()
	var (
		from Status
		ok   bool
	)
	if s.transport == t {
		from, ok = s.setStatusLocked(StatusDegraded, cause.Error())
		s.transport = nil
	}
	s.mu.Unlock()
	if ok {
		s.emitState(from, StatusDegraded, cause.Error())
	}
	s.failPending(fmt.Errorf("%w: %w", ErrConnectionLost, cause))
	t.Close()
}

// initialize sends the initialize request and decodes the result.
func (s *Server) initialize(ctx context.Context) (ServerCapabilities, serverInfo, error) {
	params := initializeParams{
		ProtocolVersion: protocolVersion,
		ClientInfo: clientInfo{
			Name:    s.opts.ClientName,
			Version: s.opts.ClientVersion,
		},
		Capabilities: map[string]any{},
	}

	raw, err := s.call(ctx, MethodInitialize, params, s.opts.InitTimeout, StatusInitializing)
	if err != nil {
		return ServerCapabilities{}, serverInfo{}, fmt.Errorf("initialize %s: %w", s.cfg.Name, err)
	}

	var result initializeResult
	if err := json.Unmarshal(raw, &result); err != nil {
		return ServerCapabilities{}, serverInfo{}, &ProtocolError{
			Server: s.cfg.Name,
			Reason: fmt.Sprintf("decode initialize result: %v", err),
		}
	}
	return result.Capabilities, result.ServerInfo, nil
}

// ExecuteTool invokes a tool by its unqualified name and returns the
// tool's result value. Errors reported by the server come back as
// *RPCError with the remote code, message and data intact.
func (s *Server) ExecuteTool(ctx context.Context, tool string, args any) (json.RawMessage, error) {
	s.mu.Lock()
	st, known := s.status, s.caps.hasTool(tool)
	s.mu.Unlock()
	if st == StatusReady && !known {
		return nil, fmt.Errorf("%w: %s", ErrUnknownTool, QualifiedName(s.cfg.Name, tool))
	}
	if args == nil {
		args = map[string]any{}
	}

	raw, err := s.call(ctx, MethodToolExecute, executeParams{Name: tool, Args: args}, s.callTimeout(tool), StatusReady)
	if err != nil {
		return nil, err
	}
	return unwrapResult(raw), nil
}

// GetResource reads a resource by its unqualified name.
func (s *Server) GetResource(ctx context.Context, name string, params any) (json.RawMessage, error) {
	s.mu.Lock()
	st, known := s.status, s.caps.hasResource(name)
	s.mu.Unlock()
	if st == StatusReady && !known {
		return nil, fmt.Errorf("%w: %s", ErrUnknownResource, QualifiedName(s.cfg.Name, name))
	}

	raw, err := s.call(ctx, MethodResourceGet, resourceParams{Name: name, Params: params}, s.callTimeout(name), StatusReady)
	if err != nil {
		return nil, err
	}
	return unwrapResult(raw), nil
}

// Notify sends a notification to a Ready server without waiting.
func (s *Server) Notify(ctx context.Context, method string, params any) error {
	s.mu.Lock()
	st, t := s.status, s.transport
	s.mu.Unlock()
	if st != StatusReady || t == nil {
		return &UnavailableError{Server: s.cfg.Name, Status: st, Known: true}
	}
	frame, err := json.Marshal(NewNotification(method, params))
	if err != nil {
		return fmt.Errorf("marshal %s notification: %w", method, err)
	}
	if err := t.Send(ctx, frame); err != nil {
		return &TransportError{Server: s.cfg.Name, Op: "send", Err: err}
	}
	return nil
}

func (s *Server) callTimeout(name string) time.Duration {
	if s.opts.CallTimeout != nil {
		if d := s.opts.CallTimeout(s.cfg.Name, name); d > 0 {
			return d
		}
	}
	return DefaultCallTimeout
}

// call performs one request/response exchange. The request is
// registered in the pending table before it is written so a fast
// response can never arrive ahead of its slot.
func (s *Server) call(ctx context.Context, method string, params any, timeout time.Duration, want Status) (json.RawMessage, error) {
	s.mu.Lock()
	st, t, reason := s.status, s.transport, s.reason
	s.mu.Unlock()
	if st == StatusShuttingDown || st == StatusStopped {
		return nil, ErrServerShuttingDown
	}
	if st != want || t == nil {
		return nil, &UnavailableError{Server: s.cfg.Name, Status: st, Known: true, Reason: reason}
	}

	id := s.NextRequestID()
	pc := &pendingCall{
		method:  method,
		started: time.Now(),
		ch:      make(chan callResult, 1),
	}

	s.pendingMu.Lock()
	if s.closing {
		s.pendingMu.Unlock()
		return nil, ErrServerShuttingDown
	}
	s.pending[id] = pc
	s.pendingMu.Unlock()

	frame, err := json.Marshal(NewRequest(id, method, params))
	if err != nil {
		s.takePending(id)
		return nil, fmt.Errorf("marshal %s request: %w", method, err)
	}

	s.logger.Log(ctx, levelTrace, "MCP request", "id", id, "method", method, "frame", string(frame))

	if err := t.Send(ctx, frame); err != nil {
		s.takePending(id)
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		terr := &TransportError{Server: s.cfg.Name, Op: "send", Err: err}
		s.connectionFailed(t, terr)
		return nil, terr
	}

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case r := <-pc.ch:
		return r.result, r.err
	case <-timer.C:
		if s.takePending(id) == nil {
			// The router claimed the slot first; its result is on the way.
			r := <-pc.ch
			return r.result, r.err
		}
		s.cancelRemote(t, id)
		s.logger.Warn("MCP request timed out", "id", id, "method", method, "timeout", timeout)
		return nil, &TimeoutError{Server: s.cfg.Name, Method: method, ID: id, After: timeout}
	case <-ctx.Done():
		if s.takePending(id) == nil {
			r := <-pc.ch
			return r.result, r.err
		}
		s.cancelRemote(t, id)
		return nil, ctx.Err()
	}
}

// takePending removes and returns the pending call for id, or nil if
// it was already resolved or removed.
func (s *Server) takePending(id uint64) *pendingCall {
	s.pendingMu.Lock()
	defer s.pendingMu.Unlock()
	pc, ok := s.pending[id]
	if !ok {
		return nil
	}
	delete(s.pending, id)
	return pc
}

// failPending resolves every pending call with err and empties the
// table.
func (s *Server) failPending(err error) {
	s.pendingMu.Lock()
	calls := s.pending
	s.pending = make(map[uint64]*pendingCall)
	s.pendingMu.Unlock()

	for id, pc := range calls {
		s.logger.Debug("failing pending request", "id", id, "method", pc.method, "error", err)
		pc.ch <- callResult{err: err}
	}
}

// cancelRemote asks the server to abandon a request. Best effort: the
// write happens off the caller's goroutine and errors are ignored.
func (s *Server) cancelRemote(t Transport, id uint64) {
	go func() {
		frame, err := json.Marshal(NewNotification(MethodCancel, map[string]any{"id": id}))
		if err != nil {
			return
		}
		ctx, cancel := context.WithTimeout(context.Background(), handshakeTimeout)
		defer cancel()
		_ = t.Send(ctx, frame)
	}()
}

// connectionFailed marks the server Degraded after a transport failure
// on t and resolves every pending call with ErrConnectionLost. Failures
// on a transport that is no longer current, or during shutdown, are
// ignored.
func (s *Server) connectionFailed(t Transport, cause error) {
	s.mu.Lock()
	if s.transport != t || s.status == StatusShuttingDown || s.status == StatusStopped {
		s.mu.Unlock()
		return
	}
	from, ok := s.setStatusLocked(StatusDegraded, cause.Error())
	s.mu.Unlock()
	if ok {
		s.emitState(from, StatusDegraded, cause.Error())
	}

	s.failPending(fmt.Errorf("%w: %w", ErrConnectionLost, cause))
	go t.Close()
}

// Shutdown stops the server: pending calls are resolved with
// ErrServerShuttingDown, a best-effort shutdown request and exit
// notification are sent, and the transport is closed (terminating a
// stdio subprocess). Shutdown is idempotent; later calls wait for the
// first to finish or for ctx to expire.
func (s *Server) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	if s.status == StatusShuttingDown || s.status == StatusStopped {
		stopped := s.stopped
		s.mu.Unlock()
		select {
		case <-stopped:
			return nil
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	wasReady := s.status == StatusReady
	from, _ := s.setStatusLocked(StatusShuttingDown, "")
	t, done := s.transport, s.routerDone
	s.mu.Unlock()
	s.emitState(from, StatusShuttingDown, "")

	s.pendingMu.Lock()
	s.closing = true
	s.pendingMu.Unlock()
	s.failPending(ErrServerShuttingDown)

	var closeErr error
	if t != nil {
		if wasReady {
			s.sendHandshake(ctx, t)
		}
		closeErr = t.Close()
		if done != nil {
			select {
			case <-done:
			case <-ctx.Done():
				s.logger.Warn("router did not exit before shutdown deadline")
			}
		}
	}

	s.mu.Lock()
	from, _ = s.setStatusLocked(StatusStopped, "")
	close(s.stopped)
	s.mu.Unlock()
	s.emitState(from, StatusStopped, "")

	if closeErr != nil {
		s.logger.Debug("transport close reported error", "error", closeErr)
	}
	s.logger.Info("MCP server stopped")
	return nil
}

// sendHandshake writes a shutdown request and an exit notification
// without waiting for any reply.
func (s *Server) sendHandshake(ctx context.Context, t Transport) {
	ctx, cancel := context.WithTimeout(ctx, handshakeTimeout)
	defer cancel()

	shutdown, _ := json.Marshal(NewRequest(s.NextRequestID(), MethodShutdown, nil))
	exit, _ := json.Marshal(NewNotification(MethodExit, nil))
	for _, frame := range [][]byte{shutdown, exit} {
		if err := t.Send(ctx, frame); err != nil {
			s.logger.Debug("shutdown handshake write failed", "error", err)
			return
		}
	}
}

// Restart re-runs Start on a Degraded server.
func (s *Server) Restart(ctx context.Context) error {
	if st := s.Status(); st != StatusDegraded {
		return fmt.Errorf("server %s: restart requires %s, have %s", s.cfg.Name, StatusDegraded, st)
	}
	return s.Start(ctx)
}

// Probe reports whether the server is usable; connwatch calls it.
func (s *Server) Probe(context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.status == StatusReady {
		return nil
	}
	if s.reason != "" {
		return errors.New(s.reason)
	}
	return &UnavailableError{Server: s.cfg.Name, Status: s.status, Known: true}
}

// Uptime returns how long the server has been Ready, or zero.
func (s *Server) Uptime() time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.status != StatusReady {
		return 0
	}
	return time.Since(s.readySince)
}
