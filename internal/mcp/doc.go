// Package mcp implements the host side of MCP (Model Context Protocol):
// it launches or connects to external tool servers, multiplexes
// concurrent JSON-RPC 2.0 calls over each server's single connection,
// and aggregates every server's tools and resources into one namespace.
//
// Three transports are supported: stdio (subprocess, newline-delimited
// JSON), SSE (HTTP POST out, server-sent events in) and WebSocket (one
// message per frame). Each connected server is an [Server] that owns its
// transport, a monotonically increasing request ID counter and a
// correlation table of in-flight calls. A single router goroutine per
// server reads every inbound frame and either completes the matching
// pending call or forwards a notification to a [Sink].
//
// [Host] owns the set of servers. Startup failures are isolated per
// server; capabilities are exposed under qualified "server/tool" names
// and calls are routed back by splitting the qualified name.
package mcp
