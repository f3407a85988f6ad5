package httpkit

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"net/http/httptest"
	"os"
	"strings"
	"sync/atomic"
	"syscall"
	"testing"
	"time"

	"github.com/nugget/mcphost/internal/buildinfo"
)

func TestNewClient_Timeouts(t *testing.T) {
	tests := []struct {
		name string
		opts []ClientOption
		want time.Duration
	}{
		{"default", nil, 30 * time.Second},
		{"custom", []ClientOption{WithTimeout(5 * time.Second)}, 5 * time.Second},
		{"streaming", []ClientOption{WithTimeout(0)}, 0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := NewClient(tt.opts...).Timeout; got != tt.want {
				t.Errorf("Timeout = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestNewClient_Headers(t *testing.T) {
	var gotUA, gotAuth, gotCustom string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotUA = r.Header.Get("User-Agent")
		gotAuth = r.Header.Get("Authorization")
		gotCustom = r.Header.Get("X-Trace")
	}))
	defer srv.Close()

	client := NewClient(WithHeaders(map[string]string{
		"Authorization": "Bearer token",
		"X-Trace":       "static",
	}))

	req, _ := http.NewRequest(http.MethodGet, srv.URL, nil)
	req.Header.Set("X-Trace", "per-request")
	resp, err := client.Do(req)
	if err != nil {
		t.Fatalf("Do: %v", err)
	}
	resp.Body.Close()

	if gotUA != buildinfo.UserAgent() {
		t.Errorf("User-Agent = %q, want %q", gotUA, buildinfo.UserAgent())
	}
	if gotAuth != "Bearer token" {
		t.Errorf("Authorization = %q, want %q", gotAuth, "Bearer token")
	}
	if gotCustom != "per-request" {
		t.Errorf("X-Trace = %q, want request value to win", gotCustom)
	}
}

func TestNewTransport_HasTimeouts(t *testing.T) {
	tr := NewTransport()
	if tr.TLSHandshakeTimeout != DefaultTLSHandshakeTimeout {
		t.Errorf("TLSHandshakeTimeout = %v, want %v", tr.TLSHandshakeTimeout, DefaultTLSHandshakeTimeout)
	}
	if tr.ResponseHeaderTimeout != DefaultResponseHeader {
		t.Errorf("ResponseHeaderTimeout = %v, want %v", tr.ResponseHeaderTimeout, DefaultResponseHeader)
	}
}

func TestReadErrorBody(t *testing.T) {
	tests := []struct {
		name  string
		rc    io.ReadCloser
		limit int64
		want  string
	}{
		{"nil", nil, 10, ""},
		{"short", io.NopCloser(strings.NewReader("bad request")), 100, "bad request"},
		{"truncated", io.NopCloser(strings.NewReader("0123456789")), 4, "0123"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := ReadErrorBody(tt.rc, tt.limit); got != tt.want {
				t.Errorf("ReadErrorBody() = %q, want %q", got, tt.want)
			}
		})
	}
}

// fakeRT fails with err for the first n calls.
type fakeRT struct {
	calls atomic.Int32
	n     int32
	err   error
}

func (f *fakeRT) RoundTrip(req *http.Request) (*http.Response, error) {
	if f.calls.Add(1) <= f.n {
		return nil, f.err
	}
	return &http.Response{StatusCode: http.StatusOK, Body: io.NopCloser(strings.NewReader("ok")), Request: req}, nil
}

func dialErr(errno syscall.Errno) error {
	return &net.OpError{Op: "dial", Net: "tcp", Err: os.NewSyscallError("connect", errno)}
}

func TestRetryTransport(t *testing.T) {
	tests := []struct {
		name      string
		failures  int32
		err       error
		wantCalls int32
		wantErr   bool
	}{
		{"success first try", 0, nil, 1, false},
		{"refused then ok", 2, dialErr(syscall.ECONNREFUSED), 3, false},
		{"exhausted", 10, dialErr(syscall.EHOSTUNREACH), 4, true},
		{"not retryable", 1, errors.New("tls: bad certificate"), 1, true},
		{"reset not retried", 1, dialErr(syscall.ECONNRESET), 1, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			base := &fakeRT{n: tt.failures, err: tt.err}
			rt := &retryTransport{base: base, count: 3, delay: time.Millisecond, logger: discardLogger()}

			req, _ := http.NewRequest(http.MethodGet, "http://example.invalid", nil)
			resp, err := rt.RoundTrip(req)
			if resp != nil {
				resp.Body.Close()
			}
			if (err != nil) != tt.wantErr {
				t.Errorf("err = %v, wantErr %v", err, tt.wantErr)
			}
			if got := base.calls.Load(); got != tt.wantCalls {
				t.Errorf("calls = %d, want %d", got, tt.wantCalls)
			}
		})
	}
}

func TestRetryTransport_RespectsContext(t *testing.T) {
	base := &fakeRT{n: 100, err: dialErr(syscall.ECONNREFUSED)}
	rt := &retryTransport{base: base, count: 5, delay: time.Hour, logger: discardLogger()}

	ctx, cancel := context.WithCancel(context.Background())
	req, _ := http.NewRequestWithContext(ctx, http.MethodGet, "http://example.invalid", nil)
	go func() {
		time.Sleep(10 * time.Millisecond)
		cancel()
	}()

	_, err := rt.RoundTrip(req)
	if !errors.Is(err, context.Canceled) {
		t.Errorf("err = %v, want context.Canceled", err)
	}
}

func TestRetryTransport_NoRetryWithoutGetBody(t *testing.T) {
	base := &fakeRT{n: 1, err: dialErr(syscall.ECONNREFUSED)}
	rt := &retryTransport{base: base, count: 3, delay: time.Millisecond, logger: discardLogger()}

	req, _ := http.NewRequest(http.MethodPost, "http://example.invalid", io.NopCloser(strings.NewReader("{}")))
	req.GetBody = nil
	if _, err := rt.RoundTrip(req); err == nil {
		t.Fatal("expected error when body cannot be rewound")
	}
	if got := base.calls.Load(); got != 1 {
		t.Errorf("calls = %d, want 1", got)
	}
}

func TestIsRetryableError(t *testing.T) {
	tests := []struct {
		err  error
		want bool
	}{
		{dialErr(syscall.EHOSTUNREACH), true},
		{dialErr(syscall.ENETUNREACH), true},
		{dialErr(syscall.ECONNREFUSED), true},
		{dialErr(syscall.ECONNRESET), false},
		{fmt.Errorf("wrapped: %w", dialErr(syscall.ECONNREFUSED)), true},
		{errors.New("other"), false},
	}
	for _, tt := range tests {
		if got := isRetryableError(tt.err); got != tt.want {
			t.Errorf("isRetryableError(%v) = %v, want %v", tt.err, got, tt.want)
		}
	}
}

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}
