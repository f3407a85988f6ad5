package funcall

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"golang.org/x/sync/errgroup"

	"github.com/nugget/mcphost/internal/mcp"
)

// Executor runs a qualified tool. *mcp.Host satisfies it.
type Executor interface {
	ExecuteTool(ctx context.Context, qualified string, args any) (json.RawMessage, error)
}

// AutoExecutor reports and records which tools may run without
// confirmation. *mcp.Host satisfies it.
type AutoExecutor interface {
	IsAutoExecute(ctx context.Context, qualified string) bool
	ApproveAutoExecute(ctx context.Context, qualified string) error
}

// Decision is the user's answer to a confirmation prompt.
type Decision int

const (
	Allow Decision = iota
	Deny
	AllowAlways
)

// ConfirmFunc asks the user whether a call may run. It is consulted
// only for tools that are not auto-executable.
type ConfirmFunc func(ctx context.Context, call Call) (Decision, error)

var (
	// ErrDenied is reported when the user declines a call.
	ErrDenied = errors.New("execution denied by user")

	// ErrInvalidArguments is reported when call arguments are not a
	// JSON object.
	ErrInvalidArguments = errors.New("arguments must be a JSON object")
)

// Response is the outcome of one dispatched call, ready to be fed back
// to the LLM as a function response.
type Response struct {
	ID       string          `json:"id,omitempty"`
	Name     string          `json:"name"`
	Response json.RawMessage `json:"response"`

	// Err is the underlying failure, if any. Response already holds
	// its payload form.
	Err error `json:"-"`
}

// Dispatch routes call through exec and wraps the result or error as a
// function-response payload. When confirm is non-nil and exec also
// implements AutoExecutor, tools that are not auto-executable are run
// only after the user allows them; AllowAlways records an approval
// first. Dispatch never returns an error: failures are in the payload.
func Dispatch(ctx context.Context, exec Executor, call Call, confirm ConfirmFunc) Response {
	resp := Response{ID: call.ID, Name: call.FunctionName}
	if resp.Name == "" {
		resp.Name = call.Name
	}

	result, err := execute(ctx, exec, call, confirm)
	if err != nil {
		resp.Err = err
		resp.Response = ErrorPayload(err)
		return resp
	}
	resp.Response = ResultPayload(result)
	return resp
}

func execute(ctx context.Context, exec Executor, call Call, confirm ConfirmFunc) (json.RawMessage, error) {
	args := normalizeArgs(call.Args)
	if args[0] != '{' {
		return nil, fmt.Errorf("%w: %s", ErrInvalidArguments, call.Name)
	}

	if auto, ok := exec.(AutoExecutor); ok && confirm != nil && !auto.IsAutoExecute(ctx, call.Name) {
		decision, err := confirm(ctx, call)
		if err != nil {
			return nil, fmt.Errorf("confirm %s: %w", call.Name, err)
		}
		switch decision {
		case Deny:
			return nil, fmt.Errorf("%w: %s", ErrDenied, call.Name)
		case AllowAlways:
			if err := auto.ApproveAutoExecute(ctx, call.Name); err != nil {
				return nil, err
			}
		}
	}

	return exec.ExecuteTool(ctx, call.Name, args)
}

// DispatchAll dispatches every call and returns responses in call
// order. Without a confirm function the calls run concurrently;
// with one they run in order so prompts never overlap.
func DispatchAll(ctx context.Context, exec Executor, calls []Call, confirm ConfirmFunc) []Response {
	out := make([]Response, len(calls))
	if confirm != nil {
		for i, c := range calls {
			out[i] = Dispatch(ctx, exec, c, confirm)
		}
		return out
	}

	var g errgroup.Group
	for i, c := range calls {
		g.Go(func() error {
			out[i] = Dispatch(ctx, exec, c, nil)
			return nil
		})
	}
	_ = g.Wait()
	return out
}

// ErrorInfo is the structured form of a call failure.
type ErrorInfo struct {
	Kind    string          `json:"kind"`
	Message string          `json:"message"`
	Code    int             `json:"code,omitempty"`
	Data    json.RawMessage `json:"data,omitempty"`
}

// Classify converts any error from the host into an ErrorInfo. Remote
// tool errors keep their code and data.
func Classify(err error) ErrorInfo {
	if err == nil {
		return ErrorInfo{}
	}
	info := ErrorInfo{Kind: mcp.ErrorKind(err), Message: err.Error()}
	switch {
	case errors.Is(err, ErrDenied):
		info.Kind = "denied"
	case errors.Is(err, ErrInvalidArguments):
		info.Kind = "invalid_arguments"
	}

	var rpcErr *mcp.RPCError
	if errors.As(err, &rpcErr) {
		info.Message = rpcErr.Message
		info.Code = rpcErr.Code
		info.Data = rpcErr.Data
	}
	return info
}

// ErrorPayload returns {"error": {...}} for err.
func ErrorPayload(err error) json.RawMessage {
	data, _ := json.Marshal(struct {
		Error ErrorInfo `json:"error"`
	}{Classify(err)})
	return data
}

// ResultPayload returns {"result": result}. An empty result becomes
// null.
func ResultPayload(result json.RawMessage) json.RawMessage {
	if len(result) == 0 {
		result = json.RawMessage("null")
	}
	data, _ := json.Marshal(struct {
		Result json.RawMessage `json:"result"`
	}{result})
	return data
}
