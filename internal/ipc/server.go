package ipc

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"os"
	"sync"
	"time"

	"golang.org/x/net/netutil"

	"github.com/nugget/mcphost/internal/mcp"
)

// Backend is the host the daemon exposes. *mcp.Host satisfies it.
type Backend interface {
	GetAllCapabilities() mcp.ServerCapabilities
	ExecuteTool(ctx context.Context, qualified string, args any) (json.RawMessage, error)
	GetResource(ctx context.Context, qualified string, params any) (json.RawMessage, error)
	Status() []mcp.ServerStatus
	IsAutoExecute(ctx context.Context, qualified string) bool
	ApproveAutoExecute(ctx context.Context, qualified string) error
}

// ServerOptions configures a [Server].
type ServerOptions struct {
	// Logger for structured logging. Uses slog.Default() if nil.
	Logger *slog.Logger

	// MaxConnections caps concurrently served clients. Zero means no
	// cap.
	MaxConnections int

	// IdleTimeout closes a connection that sends nothing for this long.
	// Zero disables it.
	IdleTimeout time.Duration
}

// Server answers control requests against a Backend.
type Server struct {
	backend Backend
	opts    ServerOptions
	logger  *slog.Logger

	mu    sync.Mutex
	conns map[net.Conn]struct{}
	wg    sync.WaitGroup
}

// NewServer creates a control server for backend.
func NewServer(backend Backend, opts ServerOptions) *Server {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Server{
		backend: backend,
		opts:    opts,
		logger:  logger.With("component", "ipc"),
		conns:   make(map[net.Conn]struct{}),
	}
}

// Listen binds a Unix socket at path, replacing a stale socket file
// left by an earlier run. The socket is readable only by its owner.
func Listen(path string) (net.Listener, error) {
	if fi, err := os.Lstat(path); err == nil {
		if fi.Mode()&os.ModeSocket == 0 {
			return nil, fmt.Errorf("%s exists and is not a socket", path)
		}
		if conn, err := net.DialTimeout("unix", path, 200*time.Millisecond); err == nil {
			conn.Close()
			return nil, fmt.Errorf("another daemon is listening on %s", path)
		}
		if err := os.Remove(path); err != nil {
			return nil, fmt.Errorf("remove stale socket: %w", err)
		}
	}

	ln, err := net.Listen("unix", path)
	if err != nil {
		return nil, err
	}
	if err := os.Chmod(path, 0o600); err != nil {
		ln.Close()
		return nil, fmt.Errorf("chmod socket: %w", err)
	}
	return ln, nil
}

// Serve accepts connections on ln until ctx is canceled, then closes
// ln and every open connection and waits for their handlers. It returns
// nil after a cancel and the accept error otherwise.
func (s *Server) Serve(ctx context.Context, ln net.Listener) error {
	if s.opts.MaxConnections > 0 {
		ln = netutil.LimitListener(ln, s.opts.MaxConnections)
	}

	stop := context.AfterFunc(ctx, func() {
		ln.Close()
		s.closeConns()
	})
	defer stop()

	s.logger.Info("control socket listening", "addr", ln.Addr().String())

	var err error
	for {
		var conn net.Conn
		conn, err = ln.Accept()
		if err != nil {
			break
		}
		if !s.track(conn) {
			conn.Close()
			continue
		}
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			defer s.untrack(conn)
			s.handleConn(ctx, conn)
		}()
	}

	s.closeConns()
	s.wg.Wait()
	if ctx.Err() != nil {
		return nil
	}
	return fmt.Errorf("accept: %w", err)
}

func (s *Server) track(conn net.Conn) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.conns == nil {
		return false
	}
	s.conns[conn] = struct{}{}
	return true
}

func (s *Server) untrack(conn net.Conn) {
	conn.Close()
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.conns != nil {
		delete(s.conns, conn)
	}
}

// closeConns closes open connections and refuses new ones.
func (s *Server) closeConns() {
	s.mu.Lock()
	defer s.mu.Unlock()
	for conn := range s.conns {
		conn.Close()
	}
	s.conns = nil
}

func (s *Server) handleConn(ctx context.Context, conn net.Conn) {
	s.logger.Debug("control client connected")
	defer s.logger.Debug("control client disconnected")

	for {
		if s.opts.IdleTimeout > 0 {
			conn.SetReadDeadline(time.Now().Add(s.opts.IdleTimeout))
		}
		body, err := ReadFrame(conn)
		if err != nil {
			if !errors.Is(err, io.EOF) && ctx.Err() == nil {
				s.logger.Debug("control read failed", "error", err)
			}
			return
		}
		conn.SetReadDeadline(time.Time{})

		resp := s.handle(ctx, body)
		if err := WriteFrame(conn, resp); err != nil {
			s.logger.Warn("control write failed", "error", err)
			return
		}
	}
}

func (s *Server) handle(ctx context.Context, body []byte) *Response {
	var req Request
	if err := json.Unmarshal(body, &req); err != nil {
		return errorResponse("", "bad_request", fmt.Errorf("invalid request: %w", err))
	}

	log := s.logger.With("request_id", req.ID, "type", req.Type)
	start := time.Now()
	result, err := s.dispatch(ctx, req)
	if err != nil {
		kind := mcp.ErrorKind(err)
		var bad badRequest
		if errors.As(err, &bad) {
			kind = "bad_request"
		}
		log.Debug("control request failed", "error", err, "kind", kind, "elapsed", time.Since(start))
		return errorResponse(req.ID, kind, err)
	}

	data, err := json.Marshal(result)
	if err != nil {
		return errorResponse(req.ID, "internal", fmt.Errorf("marshal result: %w", err))
	}
	log.Debug("control request served", "elapsed", time.Since(start))
	return &Response{ID: req.ID, Status: StatusSuccess, Result: data}
}

type badRequest string

func (b badRequest) Error() string { return string(b) }

func (s *Server) dispatch(ctx context.Context, req Request) (any, error) {
	switch req.Type {
	case TypePing:
		return "pong", nil
	case TypeGetCapabilities:
		return s.backend.GetAllCapabilities(), nil
	case TypeStatus:
		return s.backend.Status(), nil
	case TypeExecuteTool:
		if req.Server == "" || req.Tool == "" {
			return nil, badRequest("execute_tool needs server and tool")
		}
		var args any = req.Args
		if len(req.Args) == 0 {
			args = nil
		}
		return s.backend.ExecuteTool(ctx, mcp.QualifiedName(req.Server, req.Tool), args)
	case TypeGetResource:
		if req.Server == "" || req.Name == "" {
			return nil, badRequest("get_resource needs server and name")
		}
		var params any = req.Params
		if len(req.Params) == 0 {
			params = nil
		}
		return s.backend.GetResource(ctx, mcp.QualifiedName(req.Server, req.Name), params)
	case TypeAutoExecute:
		if req.Server == "" || req.Tool == "" {
			return nil, badRequest("auto_execute needs server and tool")
		}
		return s.backend.IsAutoExecute(ctx, mcp.QualifiedName(req.Server, req.Tool)), nil
	case TypeApprove:
		if req.Server == "" || req.Tool == "" {
			return nil, badRequest("approve needs server and tool")
		}
		if err := s.backend.ApproveAutoExecute(ctx, mcp.QualifiedName(req.Server, req.Tool)); err != nil {
			return nil, err
		}
		return true, nil
	default:
		return nil, badRequest(fmt.Sprintf("unknown request type %q", req.Type))
	}
}

func errorResponse(id, kind string, err error) *Response {
	return &Response{
		ID:     id,
		Status: StatusError,
		Error:  &ErrorBody{Message: err.Error(), Kind: kind},
	}
}
