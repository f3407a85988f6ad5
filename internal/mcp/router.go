package mcp

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"
)

// levelTrace matches config.LevelTrace; wire frames are logged here.
const levelTrace = slog.Level(-8)

// route is the server's single reader. It runs until t fails or is
// closed, and never blocks on anything but the next inbound frame:
// responses go into buffered pending slots, notifications go to a
// non-blocking sink, and replies to server-initiated requests are
// written from their own goroutine.
func (s *Server) route(t Transport, done chan struct{}) {
	defer close(done)

	for {
		frame, err := t.Receive()
		if err != nil {
			s.connectionFailed(t, &TransportError{Server: s.cfg.Name, Op: "receive", Err: err})
			return
		}

		s.logger.Log(context.Background(), levelTrace, "MCP frame", "frame", string(frame))

		msg, kind, reason, err := decodeFrame(frame)
		if err != nil {
			s.connectionFailed(t, &TransportError{Server: s.cfg.Name, Op: "receive", Err: err})
			return
		}

		switch kind {
		case frameResponse:
			s.deliver(msg)
		case frameNotification:
			s.handleNotification(msg)
		case frameRequest:
			s.rejectRequest(t, msg)
		default:
			perr := &ProtocolError{Server: s.cfg.Name, Reason: reason}
			s.logger.Warn("discarding invalid frame", "error", perr)
		}
	}
}

// deliver completes the pending call matching a response. Responses
// for unknown IDs (late arrivals after a timeout, or IDs we never
// issued) are logged and dropped.
func (s *Server) deliver(msg *message) {
	id, ok := msg.numericID()
	if !ok {
		s.logger.Warn("discarding response with non-numeric id", "id", string(msg.ID))
		return
	}

	pc := s.takePending(id)
	if pc == nil {
		s.logger.Warn("discarding late or unknown response", "id", id)
		return
	}

	r := callResult{result: msg.Result}
	if msg.Error != nil {
		r = callResult{err: msg.Error}
	}
	s.logger.Debug("MCP response",
		"id", id,
		"method", pc.method,
		"elapsed", time.Since(pc.started).Round(time.Millisecond),
		"error", msg.Error != nil,
	)
	pc.ch <- r
}

// handleNotification interprets the notification kinds the host
// understands and forwards everything to the sink.
func (s *Server) handleNotification(msg *message) {
	n := Notice{
		Time:   time.Now(),
		Server: s.cfg.Name,
		Method: msg.Method,
		Params: msg.Params,
	}

	switch msg.Method {
	case MethodLogMessage, methodNotifMessage:
		n.Kind = NoticeLog
		n.Level, n.Message = logMessageLevel(msg.Params)
	case MethodProgress, methodNotifProg:
		var p struct {
			Token         json.RawMessage `json:"token"`
			Value         json.RawMessage `json:"value"`
			ProgressToken json.RawMessage `json:"progressToken"`
			Progress      json.RawMessage `json:"progress"`
		}
		_ = json.Unmarshal(msg.Params, &p)
		n.Kind = NoticeProgress
		n.Token, n.Value = p.Token, p.Value
		if len(n.Token) == 0 {
			n.Token, n.Value = p.ProgressToken, p.Progress
		}
	case MethodCancel, methodNotifCancel:
		var p struct {
			ID        json.RawMessage `json:"id"`
			RequestID json.RawMessage `json:"requestId"`
		}
		_ = json.Unmarshal(msg.Params, &p)
		n.Kind = NoticeCancel
		n.RequestID = string(p.ID)
		if n.RequestID == "" {
			n.RequestID = string(p.RequestID)
		}
	default:
		n.Kind = NoticeOther
	}

	s.sink.Notify(n)
}

// rejectRequest answers a server-initiated request with "method not
// found". The write runs on its own goroutine so a slow transport
// cannot stall the router.
func (s *Server) rejectRequest(t Transport, msg *message) {
	s.logger.Debug("rejecting server-initiated request", "method", msg.Method)

	resp := Response{
		JSONRPC: jsonrpcVersion,
		ID:      msg.ID,
		Error: &RPCError{
			Code:    CodeMethodNotFound,
			Message: fmt.Sprintf("method not found: %s", msg.Method),
		},
	}
	go func() {
		frame, err := json.Marshal(resp)
		if err != nil {
			return
		}
		ctx, cancel := context.WithTimeout(context.Background(), handshakeTimeout)
		defer cancel()
		if err := t.Send(ctx, frame); err != nil {
			s.logger.Debug("reply to server request failed", "error", err)
		}
	}()
}
