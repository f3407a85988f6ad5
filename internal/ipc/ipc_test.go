package ipc

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/nugget/mcphost/internal/mcp"
)

type fakeBackend struct {
	mu       sync.Mutex
	approved map[string]bool
	calls    []string
}

func (f *fakeBackend) GetAllCapabilities() mcp.ServerCapabilities {
	return mcp.ServerCapabilities{
		Tools: []mcp.Tool{{Name: "fs/read_file", Description: "Read a file"}},
	}
}

func (f *fakeBackend) ExecuteTool(_ context.Context, qualified string, args any) (json.RawMessage, error) {
	f.mu.Lock()
	f.calls = append(f.calls, qualified)
	f.mu.Unlock()

	switch qualified {
	case "fs/read_file":
		raw, _ := args.(json.RawMessage)
		return json.RawMessage(`{"echo":` + string(raw) + `}`), nil
	case "fs/slow":
		return nil, &mcp.TimeoutError{Server: "fs", Method: "tools/call", ID: 3, After: time.Second}
	}
	return nil, errors.Join(mcp.ErrUnknownTool, errors.New(qualified))
}

func (f *fakeBackend) GetResource(_ context.Context, qualified string, params any) (json.RawMessage, error) {
	if qualified != "fs/cwd" {
		return nil, mcp.ErrUnknownResource
	}
	if params != nil {
		return nil, errors.New("unexpected params")
	}
	return json.RawMessage(`"/home"`), nil
}

func (f *fakeBackend) Status() []mcp.ServerStatus {
	return []mcp.ServerStatus{{Name: "fs", Transport: mcp.TransportStdio, Status: mcp.StatusReady, Tools: 1}}
}

func (f *fakeBackend) IsAutoExecute(_ context.Context, qualified string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.approved[qualified]
}

func (f *fakeBackend) ApproveAutoExecute(_ context.Context, qualified string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.approved == nil {
		f.approved = make(map[string]bool)
	}
	f.approved[qualified] = true
	return nil
}

func socketPath(t *testing.T) string {
	t.Helper()
	// Unix socket paths are short; t.TempDir can exceed the limit.
	dir, err := os.MkdirTemp("", "ipc")
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { os.RemoveAll(dir) })
	return filepath.Join(dir, "d.sock")
}

func startServer(t *testing.T, backend Backend, opts ServerOptions) string {
	t.Helper()
	path := socketPath(t)
	ln, err := Listen(path)
	if err != nil {
		t.Fatalf("Listen: %v", err)
	}
	if opts.Logger == nil {
		opts.Logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	srv := NewServer(backend, opts)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- srv.Serve(ctx, ln) }()
	t.Cleanup(func() {
		cancel()
		select {
		case err := <-done:
			if err != nil {
				t.Errorf("Serve returned %v after cancel", err)
			}
		case <-time.After(5 * time.Second):
			t.Error("Serve did not return after cancel")
		}
	})
	return path
}

func dial(t *testing.T, path string) *Client {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	c, err := Dial(ctx, path)
	if err != nil {
		t.Fatalf("Dial: %v", err)
	}
	t.Cleanup(func() { c.Close() })
	return c
}

func TestFrameRoundTrip(t *testing.T) {
	var buf bytes.Buffer
	if err := WriteFrame(&buf, Request{Type: TypePing, ID: "a"}); err != nil {
		t.Fatalf("WriteFrame: %v", err)
	}
	if got := buf.Bytes()[:4]; !bytes.Equal(got, []byte{0, 0, 0, byte(buf.Len() - 4)}) {
		t.Errorf("header = %v, want big-endian length %d", got, buf.Len()-4)
	}
	if err := WriteClose(&buf); err != nil {
		t.Fatalf("WriteClose: %v", err)
	}

	body, err := ReadFrame(&buf)
	if err != nil {
		t.Fatalf("ReadFrame: %v", err)
	}
	if string(body) != `{"id":"a","type":"ping"}` {
		t.Errorf("body = %s", body)
	}
	if _, err := ReadFrame(&buf); !errors.Is(err, io.EOF) {
		t.Errorf("zero-length frame: err = %v, want io.EOF", err)
	}
	if _, err := ReadFrame(&buf); !errors.Is(err, io.EOF) {
		t.Errorf("empty stream: err = %v, want io.EOF", err)
	}
}

func TestReadFrame_Errors(t *testing.T) {
	tests := []struct {
		name string
		in   []byte
		want error
	}{
		{name: "short header", in: []byte{0, 0}, want: io.ErrUnexpectedEOF},
		{name: "short body", in: []byte{0, 0, 0, 5, '{', '}'}, want: io.ErrUnexpectedEOF},
		{name: "too large", in: []byte{0xff, 0xff, 0xff, 0xff}, want: ErrFrameTooLarge},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := ReadFrame(bytes.NewReader(tt.in))
			if !errors.Is(err, tt.want) {
				t.Errorf("ReadFrame() error = %v, want %v", err, tt.want)
			}
		})
	}
}

func TestServe_Requests(t *testing.T) {
	backend := &fakeBackend{}
	path := startServer(t, backend, ServerOptions{MaxConnections: 2})
	c := dial(t, path)
	ctx := context.Background()

	if err := c.Ping(ctx); err != nil {
		t.Fatalf("Ping: %v", err)
	}

	caps, err := c.GetAllCapabilities(ctx)
	if err != nil {
		t.Fatalf("GetAllCapabilities: %v", err)
	}
	if len(caps.Tools) != 1 || caps.Tools[0].Name != "fs/read_file" {
		t.Errorf("capabilities = %+v", caps)
	}

	st, err := c.Status(ctx)
	if err != nil {
		t.Fatalf("Status: %v", err)
	}
	if len(st) != 1 || st[0].Status != mcp.StatusReady {
		t.Errorf("status = %+v", st)
	}

	out, err := c.ExecuteTool(ctx, "fs/read_file", map[string]string{"path": "/etc/hosts"})
	if err != nil {
		t.Fatalf("ExecuteTool: %v", err)
	}
	if string(out) != `{"echo":{"path":"/etc/hosts"}}` {
		t.Errorf("ExecuteTool = %s", out)
	}

	res, err := c.GetResource(ctx, "fs/cwd", nil)
	if err != nil {
		t.Fatalf("GetResource: %v", err)
	}
	if string(res) != `"/home"` {
		t.Errorf("GetResource = %s", res)
	}
}

func TestServe_ErrorKinds(t *testing.T) {
	path := startServer(t, &fakeBackend{}, ServerOptions{})
	c := dial(t, path)
	ctx := context.Background()

	_, err := c.ExecuteTool(ctx, "fs/slow", nil)
	var remote *RemoteError
	if !errors.As(err, &remote) {
		t.Fatalf("ExecuteTool error = %v, want *RemoteError", err)
	}
	if remote.Kind != "timeout" {
		t.Errorf("Kind = %q, want timeout", remote.Kind)
	}

	_, err = c.ExecuteTool(ctx, "fs/missing", nil)
	if !errors.As(err, &remote) || remote.Kind != "unknown_tool" {
		t.Errorf("unknown tool error = %v", err)
	}

	resp, err := c.Do(ctx, Request{Type: "reboot"})
	if err != nil {
		t.Fatalf("Do: %v", err)
	}
	if resp.Status != StatusError || resp.Error == nil || resp.Error.Kind != "bad_request" {
		t.Errorf("unknown type response = %+v", resp)
	}

	resp, err = c.Do(ctx, Request{Type: TypeExecuteTool, Server: "fs"})
	if err != nil {
		t.Fatalf("Do: %v", err)
	}
	if resp.Error == nil || resp.Error.Kind != "bad_request" {
		t.Errorf("missing tool response = %+v", resp)
	}

	// The connection survives errors.
	if err := c.Ping(ctx); err != nil {
		t.Errorf("Ping after errors: %v", err)
	}
}

func TestServe_MalformedRequest(t *testing.T) {
	path := startServer(t, &fakeBackend{}, ServerOptions{})
	conn, err := net.Dial("unix", path)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()
	conn.SetDeadline(time.Now().Add(5 * time.Second))

	body := []byte("{not json")
	frame := append([]byte{0, 0, 0, byte(len(body))}, body...)
	if _, err := conn.Write(frame); err != nil {
		t.Fatalf("write: %v", err)
	}
	data, err := ReadFrame(conn)
	if err != nil {
		t.Fatalf("ReadFrame: %v", err)
	}
	var resp Response
	if err := json.Unmarshal(data, &resp); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if resp.Status != StatusError || resp.Error.Kind != "bad_request" {
		t.Errorf("response = %+v", resp)
	}
}

func TestServe_ZeroFrameCloses(t *testing.T) {
	path := startServer(t, &fakeBackend{}, ServerOptions{})
	conn, err := net.Dial("unix", path)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()
	conn.SetDeadline(time.Now().Add(5 * time.Second))

	if err := WriteClose(conn); err != nil {
		t.Fatalf("WriteClose: %v", err)
	}
	if _, err := ReadFrame(conn); !errors.Is(err, io.EOF) {
		t.Errorf("read after close frame: err = %v, want io.EOF", err)
	}
}

func TestServe_AutoExecute(t *testing.T) {
	backend := &fakeBackend{}
	path := startServer(t, backend, ServerOptions{})
	c := dial(t, path)
	ctx := context.Background()

	if c.IsAutoExecute(ctx, "fs/read_file") {
		t.Fatal("IsAutoExecute true before approval")
	}
	if err := c.ApproveAutoExecute(ctx, "fs/read_file"); err != nil {
		t.Fatalf("ApproveAutoExecute: %v", err)
	}
	if !c.IsAutoExecute(ctx, "fs/read_file") {
		t.Error("IsAutoExecute false after approval")
	}
	if c.IsAutoExecute(ctx, "not-qualified") {
		t.Error("IsAutoExecute true for malformed name")
	}
}

func TestListen_RefusesLiveSocket(t *testing.T) {
	path := startServer(t, &fakeBackend{}, ServerOptions{})
	if _, err := Listen(path); err == nil {
		t.Fatal("Listen succeeded over a live daemon socket")
	}
}

func TestListen_ReplacesStaleSocket(t *testing.T) {
	path := socketPath(t)
	ln, err := net.Listen("unix", path)
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	// Leave the file behind as a crashed daemon would.
	ln.(*net.UnixListener).SetUnlinkOnClose(false)
	ln.Close()

	ln, err = Listen(path)
	if err != nil {
		t.Fatalf("Listen over stale socket: %v", err)
	}
	defer ln.Close()

	fi, err := os.Stat(path)
	if err != nil {
		t.Fatalf("stat: %v", err)
	}
	if perm := fi.Mode().Perm(); perm != 0o600 {
		t.Errorf("socket mode = %v, want 0600", perm)
	}
}

func TestServe_CancelClosesClients(t *testing.T) {
	path := socketPath(t)
	ln, err := Listen(path)
	if err != nil {
		t.Fatalf("Listen: %v", err)
	}
	srv := NewServer(&fakeBackend{}, ServerOptions{Logger: slog.New(slog.NewTextHandler(io.Discard, nil))})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- srv.Serve(ctx, ln) }()

	c := dial(t, path)
	if err := c.Ping(context.Background()); err != nil {
		t.Fatalf("Ping: %v", err)
	}

	cancel()
	select {
	case err := <-done:
		if err != nil {
			t.Errorf("Serve = %v, want nil", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("Serve did not return with an idle client connected")
	}

	ctx2, cancel2 := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel2()
	if err := c.Ping(ctx2); err == nil {
		t.Error("Ping succeeded after server shutdown")
	}
}
