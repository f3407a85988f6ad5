package mcp

import (
	"context"
	"fmt"
	"log/slog"
	"time"
)

// Transport is a bidirectional framed byte channel to one tool server.
// It knows nothing about JSON-RPC beyond framing: every Send carries one
// complete JSON message and every Receive yields one.
//
// Send may be called from many goroutines; implementations serialize
// writes so frames never interleave. Receive is called only by the
// owning server's router goroutine. Close unblocks a pending Receive,
// which then returns an error; Close is idempotent.
type Transport interface {
	Send(ctx context.Context, frame []byte) error
	Receive() ([]byte, error)
	Close() error
}

// TransportOptions are shared settings for constructing transports.
type TransportOptions struct {
	// Logger receives transport diagnostics. Uses slog.Default() if nil.
	Logger *slog.Logger

	// Sink receives stderr lines from stdio subprocesses as
	// diagnostic notices. Optional.
	Sink Sink

	// KillGrace is how long a stdio subprocess may take to exit after
	// SIGTERM before it is killed (default 5s).
	KillGrace time.Duration

	// MaxFrameSize bounds a single inbound frame (default 16 MiB).
	MaxFrameSize int
}

// Default transport limits.
const (
	DefaultKillGrace    = 5 * time.Second
	DefaultMaxFrameSize = 16 << 20
)

func (o TransportOptions) withDefaults() TransportOptions {
	if o.Logger == nil {
		o.Logger = slog.Default()
	}
	if o.Sink == nil {
		o.Sink = NopSink{}
	}
	if o.KillGrace <= 0 {
		o.KillGrace = DefaultKillGrace
	}
	if o.MaxFrameSize <= 0 {
		o.MaxFrameSize = DefaultMaxFrameSize
	}
	return o
}

// TransportFactory opens a connection for a server config. Hosts use
// [Dial] unless a different factory is supplied.
type TransportFactory func(ctx context.Context, cfg ServerConfig, opts TransportOptions) (Transport, error)

// Dial opens the transport selected by cfg.Transport. For stdio this
// spawns the subprocess; for sse and websocket it connects to cfg.URL.
// The set of transports is closed.
func Dial(ctx context.Context, cfg ServerConfig, opts TransportOptions) (Transport, error) {
	opts = opts.withDefaults()
	switch cfg.Transport {
	case TransportStdio:
		return StartStdio(cfg, opts)
	case TransportSSE:
		return DialSSE(ctx, cfg, opts)
	case TransportWebSocket:
		return DialWebSocket(ctx, cfg, opts)
	default:
		return nil, fmt.Errorf("unsupported transport %q", cfg.Transport)
	}
}
