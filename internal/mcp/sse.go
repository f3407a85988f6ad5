package mcp

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"mime"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/tmaxmax/go-sse"

	"github.com/nugget/mcphost/internal/httpkit"
)

// sseEndpointWait bounds how long DialSSE waits for the server to
// announce a POST endpoint before falling back to the stream URL.
const sseEndpointWait = 3 * time.Second

// SSETransport talks to a remote MCP server over HTTP. Outbound frames
// are POSTed as JSON; inbound frames arrive as the data field of events
// on a long-lived GET stream. An "endpoint" event, if the server sends
// one, sets the URL that subsequent POSTs go to.
type SSETransport struct {
	name    string
	baseURL *url.URL
	headers map[string]string
	client  *http.Client
	logger  *slog.Logger

	cancel context.CancelFunc
	body   io.ReadCloser

	mu          sync.RWMutex
	postURL     string
	endpointSet chan struct{}
	endpointOne sync.Once

	frames     chan []byte
	streamDone chan struct{}
	readErr    error // written by the reader goroutine before streamDone is closed

	closed    chan struct{}
	closeOnce sync.Once
}

// DialSSE opens the event stream at cfg.URL and starts reading it.
func DialSSE(ctx context.Context, cfg ServerConfig, opts TransportOptions) (*SSETransport, error) {
	opts = opts.withDefaults()
	base, err := url.Parse(cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("parse sse url: %w", err)
	}

	t := &SSETransport{
		name:    cfg.Name,
		baseURL: base,
		headers: cfg.Headers,
		client: httpkit.NewClient(
			httpkit.WithTimeout(0),
			httpkit.WithHeaders(cfg.Headers),
			httpkit.WithLogger(opts.Logger),
		),
		logger:      opts.Logger,
		postURL:     base.String(),
		endpointSet: make(chan struct{}),
		frames:      make(chan []byte, 64),
		streamDone:  make(chan struct{}),
		closed:      make(chan struct{}),
	}

	// The stream outlives ctx, which only bounds the connect.
	streamCtx, cancel := context.WithCancel(context.Background())
	t.cancel = cancel

	req, err := http.NewRequestWithContext(streamCtx, http.MethodGet, base.String(), nil)
	if err != nil {
		cancel()
		return nil, fmt.Errorf("create sse request: %w", err)
	}
	req.Header.Set("Accept", "text/event-stream")
	req.Header.Set("Cache-Control", "no-cache")

	type dialResult struct {
		resp *http.Response
		err  error
	}
	ch := make(chan dialResult, 1)
	go func() {
		resp, err := t.client.Do(req)
		ch <- dialResult{resp, err}
	}()

	var resp *http.Response
	select {
	case <-ctx.Done():
		cancel()
		return nil, ctx.Err()
	case r := <-ch:
		if r.err != nil {
			cancel()
			return nil, fmt.Errorf("connect sse stream: %w", r.err)
		}
		resp = r.resp
	}

	if resp.StatusCode != http.StatusOK {
		body := httpkit.ReadErrorBody(resp.Body, 512)
		cancel()
		return nil, fmt.Errorf("sse stream returned %d: %s", resp.StatusCode, body)
	}
	if ct, _, _ := mime.ParseMediaType(resp.Header.Get("Content-Type")); ct != "text/event-stream" {
		httpkit.DrainAndClose(resp.Body, 1024)
		cancel()
		return nil, fmt.Errorf("sse stream has content type %q", ct)
	}
	t.body = resp.Body

	go t.readLoop(opts.MaxFrameSize)

	timer := time.NewTimer(sseEndpointWait)
	defer timer.Stop()
	select {
	case <-t.endpointSet:
	case <-timer.C:
		t.logger.Debug("no sse endpoint event, posting to stream url", "url", t.postURL)
	case <-ctx.Done():
		t.Close()
		return nil, ctx.Err()
	}

	t.logger.Info("MCP sse stream connected", "url", base.String(), "post_url", t.endpoint())
	return t, nil
}

// readLoop parses the event stream until it ends, pushing message
// payloads onto t.frames.
func (t *SSETransport) readLoop(maxFrame int) {
	defer close(t.streamDone)
	defer t.markEndpoint()

	for ev, err := range sse.Read(t.body, &sse.ReadConfig{MaxEventSize: maxFrame}) {
		if err != nil {
			t.readErr = fmt.Errorf("read sse stream: %w", err)
			return
		}

		switch ev.Type {
		case "endpoint":
			u, err := t.baseURL.Parse(ev.Data)
			if err != nil {
				t.logger.Warn("ignoring malformed sse endpoint", "data", ev.Data, "error", err)
				continue
			}
			t.mu.Lock()
			t.postURL = u.String()
			t.mu.Unlock()
			t.markEndpoint()
		case "", "message":
			if ev.Data == "" {
				continue
			}
			t.markEndpoint()
			select {
			case t.frames <- []byte(ev.Data):
			case <-t.closed:
				t.readErr = errSSEClosed
				return
			}
		default:
			t.logger.Debug("ignoring sse event", "type", ev.Type)
		}
	}
	t.readErr = io.EOF
}

func (t *SSETransport) markEndpoint() {
	t.endpointOne.Do(func() { close(t.endpointSet) })
}

func (t *SSETransport) endpoint() string {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.postURL
}

// Send POSTs one frame to the message endpoint. A JSON body in the POST
// reply is treated as an inbound frame, which lets servers answer
// inline instead of on the stream.
func (t *SSETransport) Send(ctx context.Context, frame []byte) error {
	select {
	case <-t.closed:
		return errSSEClosed
	default:
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, t.endpoint(), bytes.NewReader(frame))
	if err != nil {
		return fmt.Errorf("create post request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := t.client.Do(req)
	if err != nil {
		return fmt.Errorf("post frame: %w", err)
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		body := httpkit.ReadErrorBody(resp.Body, 512)
		return fmt.Errorf("post frame returned %d: %s", resp.StatusCode, body)
	}

	ct, _, _ := mime.ParseMediaType(resp.Header.Get("Content-Type"))
	if ct != "application/json" {
		httpkit.DrainAndClose(resp.Body, 64*1024)
		return nil
	}

	data, err := io.ReadAll(resp.Body)
	resp.Body.Close()
	if err != nil {
		return fmt.Errorf("read post response: %w", err)
	}
	if data = bytes.TrimSpace(data); len(data) > 0 {
		select {
		case t.frames <- data:
		case <-ctx.Done():
			return ctx.Err()
		case <-t.closed:
			return errSSEClosed
		}
	}
	return nil
}

// Receive returns the next inbound frame, or the stream's terminal
// error once it ends and every buffered frame has been consumed.
func (t *SSETransport) Receive() ([]byte, error) {
	select {
	case frame := <-t.frames:
		return frame, nil
	case <-t.streamDone:
		select {
		case frame := <-t.frames:
			return frame, nil
		default:
		}
		return nil, t.readErr
	case <-t.closed:
		return nil, errSSEClosed
	}
}

// Close cancels the event stream. Safe to call more than once.
func (t *SSETransport) Close() error {
	t.closeOnce.Do(func() {
		close(t.closed)
		t.cancel()
		if t.body != nil {
			t.body.Close()
		}
	})
	return nil
}

// errSSEClosed is reported when a POST races with Close.
var errSSEClosed = errors.New("sse transport closed")
