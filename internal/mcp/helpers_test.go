package mcp

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"
)

var errMemClosed = errors.New("mem transport closed")

// memTransport is an in-memory Transport. The host side uses Send and
// Receive; the fake server side reads toServer and writes toHost.
type memTransport struct {
	toServer chan []byte
	toHost   chan []byte
	closed   chan struct{}
	once     sync.Once
}

func newMemTransport() *memTransport {
	return &memTransport{
		toServer: make(chan []byte, 64),
		toHost:   make(chan []byte, 64),
		closed:   make(chan struct{}),
	}
}

func (m *memTransport) Send(ctx context.Context, frame []byte) error {
	cp := append([]byte(nil), frame...)
	select {
	case <-m.closed:
		return errMemClosed
	default:
	}
	select {
	case m.toServer <- cp:
		return nil
	case <-m.closed:
		return errMemClosed
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (m *memTransport) Receive() ([]byte, error) {
	select {
	case f := <-m.toHost:
		return f, nil
	case <-m.closed:
		return nil, io.EOF
	}
}

func (m *memTransport) Close() error {
	m.once.Do(func() { close(m.closed) })
	return nil
}

func (m *memTransport) isClosed() bool {
	select {
	case <-m.closed:
		return true
	default:
		return false
	}
}

// push delivers a raw frame to the host side.
func (m *memTransport) push(frame string) {
	select {
	case m.toHost <- []byte(frame):
	case <-m.closed:
	}
}

// fakeCall is one request or notification received by a fakeServer.
type fakeCall struct {
	tr     *memTransport
	ID     json.RawMessage `json:"id"`
	Method string          `json:"method"`
	Params json.RawMessage `json:"params"`
}

func (c fakeCall) reply(result any) {
	data, _ := json.Marshal(map[string]any{"jsonrpc": "2.0", "id": c.ID, "result": result})
	c.tr.push(string(data))
}

func (c fakeCall) replyError(code int, msg string, data any) {
	e := map[string]any{"code": code, "message": msg}
	if data != nil {
		e["data"] = data
	}
	frame, _ := json.Marshal(map[string]any{"jsonrpc": "2.0", "id": c.ID, "error": e})
	c.tr.push(string(frame))
}

func (c fakeCall) notify(method string, params any) {
	data, _ := json.Marshal(map[string]any{"jsonrpc": "2.0", "method": method, "params": params})
	c.tr.push(string(data))
}

// toolArgs decodes tool/execute params.
func (c fakeCall) toolArgs() (string, map[string]any) {
	var p struct {
		Name string         `json:"name"`
		Args map[string]any `json:"args"`
	}
	_ = json.Unmarshal(c.Params, &p)
	return p.Name, p.Args
}

// fakeServer scripts a tool server over memTransports. initialize is
// answered automatically from caps unless initErr is set; every other
// frame goes to handle.
type fakeServer struct {
	caps    ServerCapabilities
	initErr *RPCError
	dialErr error
	handle  func(c fakeCall)

	mu       sync.Mutex
	received []fakeCall
	current  *memTransport
	dials    int
}

func newFakeServer(tools ...string) *fakeServer {
	fs := &fakeServer{}
	for _, name := range tools {
		fs.caps.Tools = append(fs.caps.Tools, Tool{
			Name:        name,
			Description: name + " tool",
			Parameters:  json.RawMessage(`{"type":"object","properties":{"path":{"type":"string"}}}`),
		})
	}
	return fs
}

func (fs *fakeServer) dial(_ context.Context, _ ServerConfig, _ TransportOptions) (Transport, error) {
	fs.mu.Lock()
	defer fs.mu.Unlock()
	fs.dials++
	if fs.dialErr != nil {
		return nil, fs.dialErr
	}
	tr := newMemTransport()
	fs.current = tr
	go fs.serve(tr)
	return tr, nil
}

func (fs *fakeServer) serve(tr *memTransport) {
	for {
		select {
		case frame := <-tr.toServer:
			fs.process(tr, frame)
		case <-tr.closed:
			// Frames written just before Close still count as received.
			for {
				select {
				case frame := <-tr.toServer:
					fs.process(tr, frame)
				default:
					return
				}
			}
		}
	}
}

func (fs *fakeServer) process(tr *memTransport, frame []byte) {
	c := fakeCall{tr: tr}
	if err := json.Unmarshal(frame, &c); err != nil {
		return
	}
	fs.mu.Lock()
	fs.received = append(fs.received, c)
	handle := fs.handle
	fs.mu.Unlock()

	switch {
	case c.Method == MethodInitialize && fs.initErr != nil:
		c.replyError(fs.initErr.Code, fs.initErr.Message, nil)
	case c.Method == MethodInitialize:
		c.reply(map[string]any{
			"serverInfo":   map[string]any{"name": "fake", "version": "0.0.1"},
			"capabilities": fs.caps,
		})
	case handle != nil:
		handle(c)
	}
}

// transport returns the transport from the most recent dial.
func (fs *fakeServer) transport() *memTransport {
	fs.mu.Lock()
	defer fs.mu.Unlock()
	return fs.current
}

// calls returns every received frame with the given method.
func (fs *fakeServer) calls(method string) []fakeCall {
	fs.mu.Lock()
	defer fs.mu.Unlock()
	var out []fakeCall
	for _, c := range fs.received {
		if c.Method == method {
			out = append(out, c)
		}
	}
	return out
}

// recordingSink collects notices.
type recordingSink struct {
	mu      sync.Mutex
	notices []Notice
}

func (r *recordingSink) Notify(n Notice) {
	r.mu.Lock()
	r.notices = append(r.notices, n)
	r.mu.Unlock()
}

func (r *recordingSink) ofKind(kind NoticeKind) []Notice {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []Notice
	for _, n := range r.notices {
		if n.Kind == kind {
			out = append(out, n)
		}
	}
	return out
}

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// startFake creates and starts a Server backed by fs.
func startFake(t *testing.T, name string, fs *fakeServer, opts ServerOptions) *Server {
	t.Helper()
	opts.Dial = fs.dial
	if opts.Logger == nil {
		opts.Logger = discardLogger()
	}
	srv := NewServer(ServerConfig{Name: name, Enabled: true, Transport: TransportStdio, Command: []string{"fake"}}, opts)
	if err := srv.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = srv.Shutdown(ctx)
	})
	return srv
}

// eventually polls cond until true or fails the test.
func eventually(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(2 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}
