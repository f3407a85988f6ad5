package mcp

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/nugget/mcphost/internal/buildinfo"
)

// wsCloseTimeout bounds the close handshake write.
const wsCloseTimeout = time.Second

// WebSocketTransport talks to an MCP server over a single WebSocket
// connection. Each JSON-RPC message is exactly one text frame.
type WebSocketTransport struct {
	conn   *websocket.Conn
	logger *slog.Logger

	writeMu   sync.Mutex
	closeOnce sync.Once
	closeErr  error
}

// DialWebSocket connects to cfg.URL. http and https URLs are rewritten
// to ws and wss.
func DialWebSocket(ctx context.Context, cfg ServerConfig, opts TransportOptions) (*WebSocketTransport, error) {
	opts = opts.withDefaults()
	u, err := url.Parse(cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("parse websocket url: %w", err)
	}
	switch u.Scheme {
	case "https":
		u.Scheme = "wss"
	case "http":
		u.Scheme = "ws"
	}

	header := http.Header{}
	header.Set("User-Agent", buildinfo.UserAgent())
	for k, v := range cfg.Headers {
		header.Set(k, v)
	}

	opts.Logger.Info("connecting to MCP websocket", "url", u.String())

	dialer := websocket.Dialer{
		HandshakeTimeout: 10 * time.Second,
		ReadBufferSize:   256 * 1024,
		WriteBufferSize:  64 * 1024,
	}

	conn, resp, err := dialer.DialContext(ctx, u.String(), header)
	if err != nil {
		if resp != nil {
			return nil, fmt.Errorf("dial websocket: %w (status %d)", err, resp.StatusCode)
		}
		return nil, fmt.Errorf("dial websocket: %w", err)
	}
	conn.SetReadLimit(int64(opts.MaxFrameSize))

	return &WebSocketTransport{
		conn:   conn,
		logger: opts.Logger,
	}, nil
}

// Send writes one frame as a single text message.
func (t *WebSocketTransport) Send(ctx context.Context, frame []byte) error {
	t.writeMu.Lock()
	defer t.writeMu.Unlock()

	if deadline, ok := ctx.Deadline(); ok {
		_ = t.conn.SetWriteDeadline(deadline)
		defer t.conn.SetWriteDeadline(time.Time{})
	}
	if err := t.conn.WriteMessage(websocket.TextMessage, frame); err != nil {
		return fmt.Errorf("write websocket message: %w", err)
	}
	return nil
}

// Receive returns the payload of the next data message. Control frames
// are handled by the underlying connection.
func (t *WebSocketTransport) Receive() ([]byte, error) {
	for {
		kind, data, err := t.conn.ReadMessage()
		if err != nil {
			return nil, fmt.Errorf("read websocket message: %w", err)
		}
		if kind != websocket.TextMessage && kind != websocket.BinaryMessage {
			continue
		}
		return data, nil
	}
}

// Close sends a normal-closure frame and closes the connection. Safe to
// call more than once.
func (t *WebSocketTransport) Close() error {
	t.closeOnce.Do(func() {
		// WriteControl may run concurrently with a blocked WriteMessage.
		msg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, "host shutting down")
		_ = t.conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(wsCloseTimeout))
		t.closeErr = t.conn.Close()
	})
	return t.closeErr
}
