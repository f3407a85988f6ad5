package ipc

import (
	"context"
	"encoding/json"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/nugget/mcphost/internal/mcp"
)

// Client is a connection to a running daemon. Requests on one Client
// are serialized; use several clients for parallelism.
type Client struct {
	mu   sync.Mutex
	conn net.Conn
}

// Dial connects to the daemon socket at path.
func Dial(ctx context.Context, path string) (*Client, error) {
	var d net.Dialer
	conn, err := d.DialContext(ctx, "unix", path)
	if err != nil {
		return nil, fmt.Errorf("connect to mcphost daemon: %w", err)
	}
	return &Client{conn: conn}, nil
}

// Close sends the zero-length close frame and closes the connection.
func (c *Client) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.conn.SetWriteDeadline(time.Now().Add(time.Second))
	_ = WriteClose(c.conn)
	return c.conn.Close()
}

// Do sends req and waits for its response. A request ID is generated
// when req.ID is empty. The context deadline, if any, bounds the whole
// exchange.
func (c *Client) Do(ctx context.Context, req Request) (*Response, error) {
	if req.ID == "" {
		req.ID = uuid.NewString()
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	deadline, _ := ctx.Deadline()
	c.conn.SetDeadline(deadline)
	stop := context.AfterFunc(ctx, func() {
		c.conn.SetDeadline(time.Now())
	})
	defer stop()

	if err := WriteFrame(c.conn, req); err != nil {
		return nil, c.ctxErr(ctx, fmt.Errorf("send %s: %w", req.Type, err))
	}
	body, err := ReadFrame(c.conn)
	if err != nil {
		return nil, c.ctxErr(ctx, fmt.Errorf("receive %s: %w", req.Type, err))
	}

	var resp Response
	if err := json.Unmarshal(body, &resp); err != nil {
		return nil, fmt.Errorf("decode %s response: %w", req.Type, err)
	}
	if resp.ID != "" && resp.ID != req.ID {
		return nil, fmt.Errorf("response id %q does not match request %q", resp.ID, req.ID)
	}
	return &resp, nil
}

func (c *Client) ctxErr(ctx context.Context, err error) error {
	if ctxErr := ctx.Err(); ctxErr != nil {
		return ctxErr
	}
	return err
}

func (c *Client) call(ctx context.Context, req Request, v any) error {
	resp, err := c.Do(ctx, req)
	if err != nil {
		return err
	}
	return resp.Decode(v)
}

// Ping checks that the daemon is answering.
func (c *Client) Ping(ctx context.Context) error {
	return c.call(ctx, Request{Type: TypePing}, nil)
}

// GetAllCapabilities returns the daemon's aggregated capabilities.
func (c *Client) GetAllCapabilities(ctx context.Context) (mcp.ServerCapabilities, error) {
	var caps mcp.ServerCapabilities
	err := c.call(ctx, Request{Type: TypeGetCapabilities}, &caps)
	return caps, err
}

// Status returns the daemon's per-server status.
func (c *Client) Status(ctx context.Context) ([]mcp.ServerStatus, error) {
	var st []mcp.ServerStatus
	err := c.call(ctx, Request{Type: TypeStatus}, &st)
	return st, err
}

// ExecuteTool runs a qualified tool through the daemon. It has the
// same shape as [mcp.Host.ExecuteTool], so a Client can stand in for a
// host when dispatching function calls.
func (c *Client) ExecuteTool(ctx context.Context, qualified string, args any) (json.RawMessage, error) {
	server, tool, ok := mcp.SplitQualifiedName(qualified)
	if !ok {
		return nil, fmt.Errorf("%w: %q is not server/tool", mcp.ErrUnknownTool, qualified)
	}
	raw, err := marshalArg(args)
	if err != nil {
		return nil, err
	}
	var out json.RawMessage
	err = c.call(ctx, Request{Type: TypeExecuteTool, Server: server, Tool: tool, Args: raw}, &out)
	return out, err
}

// GetResource reads a qualified resource through the daemon.
func (c *Client) GetResource(ctx context.Context, qualified string, params any) (json.RawMessage, error) {
	server, name, ok := mcp.SplitQualifiedName(qualified)
	if !ok {
		return nil, fmt.Errorf("%w: %q is not server/name", mcp.ErrUnknownResource, qualified)
	}
	raw, err := marshalArg(params)
	if err != nil {
		return nil, err
	}
	var out json.RawMessage
	err = c.call(ctx, Request{Type: TypeGetResource, Server: server, Name: name, Params: raw}, &out)
	return out, err
}

// IsAutoExecute asks the daemon whether a tool may run without
// confirmation. Errors count as "no".
func (c *Client) IsAutoExecute(ctx context.Context, qualified string) bool {
	server, tool, ok := mcp.SplitQualifiedName(qualified)
	if !ok {
		return false
	}
	var auto bool
	if err := c.call(ctx, Request{Type: TypeAutoExecute, Server: server, Tool: tool}, &auto); err != nil {
		return false
	}
	return auto
}

// ApproveAutoExecute records an approval in the daemon.
func (c *Client) ApproveAutoExecute(ctx context.Context, qualified string) error {
	server, tool, ok := mcp.SplitQualifiedName(qualified)
	if !ok {
		return fmt.Errorf("%w: %q is not server/tool", mcp.ErrUnknownTool, qualified)
	}
	return c.call(ctx, Request{Type: TypeApprove, Server: server, Tool: tool}, nil)
}

func marshalArg(v any) (json.RawMessage, error) {
	switch v := v.(type) {
	case nil:
		return nil, nil
	case json.RawMessage:
		return v, nil
	default:
		data, err := json.Marshal(v)
		if err != nil {
			return nil, fmt.Errorf("marshal arguments: %w", err)
		}
		return data, nil
	}
}
