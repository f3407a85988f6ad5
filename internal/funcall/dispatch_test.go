package funcall

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"testing"

	"github.com/nugget/mcphost/internal/mcp"
)

// fakeHost implements Executor and AutoExecutor.
type fakeHost struct {
	mu       sync.Mutex
	auto     map[string]bool
	executed []string
	results  map[string]json.RawMessage
	errs     map[string]error
}

func newFakeHost() *fakeHost {
	return &fakeHost{
		auto:    map[string]bool{},
		results: map[string]json.RawMessage{},
		errs:    map[string]error{},
	}
}

func (f *fakeHost) ExecuteTool(_ context.Context, qualified string, args any) (json.RawMessage, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.executed = append(f.executed, qualified)
	if err := f.errs[qualified]; err != nil {
		return nil, err
	}
	if r, ok := f.results[qualified]; ok {
		return r, nil
	}
	data, _ := json.Marshal(args)
	return data, nil
}

func (f *fakeHost) IsAutoExecute(_ context.Context, qualified string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.auto[qualified]
}

func (f *fakeHost) ApproveAutoExecute(_ context.Context, qualified string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.auto[qualified] = true
	return nil
}

// executorOnly hides the AutoExecutor methods.
type executorOnly struct{ Executor }

func TestDispatch_Result(t *testing.T) {
	h := newFakeHost()
	h.results["fs/read_file"] = json.RawMessage(`"contents"`)

	resp := Dispatch(context.Background(), h, Call{ID: "c1", Name: "fs/read_file", FunctionName: "fs.read_file", Args: json.RawMessage(`{"path":"a"}`)}, nil)
	if resp.Err != nil {
		t.Fatalf("Err = %v", resp.Err)
	}
	if resp.ID != "c1" || resp.Name != "fs.read_file" {
		t.Errorf("resp = %+v, want ID c1 and the LLM's function name", resp)
	}
	if string(resp.Response) != `{"result":"contents"}` {
		t.Errorf("Response = %s", resp.Response)
	}
}

func TestDispatch_RemoteError(t *testing.T) {
	h := newFakeHost()
	h.errs["fs/read_file"] = &mcp.RPCError{Code: -32001, Message: "no such file", Data: json.RawMessage(`{"path":"a"}`)}

	resp := Dispatch(context.Background(), h, Call{Name: "fs/read_file", Args: json.RawMessage(`{}`)}, nil)
	want := `{"error":{"kind":"remote","message":"no such file","code":-32001,"data":{"path":"a"}}}`
	if string(resp.Response) != want {
		t.Errorf("Response = %s\nwant       %s", resp.Response, want)
	}
	if resp.Name != "fs/read_file" {
		t.Errorf("Name = %q, want qualified fallback", resp.Name)
	}
}

func TestDispatch_InvalidArguments(t *testing.T) {
	h := newFakeHost()
	resp := Dispatch(context.Background(), h, Call{Name: "fs/x", Args: json.RawMessage(`[1,2]`)}, nil)
	if !errors.Is(resp.Err, ErrInvalidArguments) {
		t.Fatalf("Err = %v, want ErrInvalidArguments", resp.Err)
	}
	if len(h.executed) != 0 {
		t.Error("tool executed with invalid arguments")
	}
}

func TestDispatch_Confirmation(t *testing.T) {
	ctx := context.Background()
	h := newFakeHost()
	h.auto["fs/read_file"] = true

	var asked []string
	answer := Deny
	confirm := func(_ context.Context, c Call) (Decision, error) {
		asked = append(asked, c.Name)
		return answer, nil
	}

	// Auto-executable tools skip the prompt.
	Dispatch(ctx, h, Call{Name: "fs/read_file"}, confirm)
	if len(asked) != 0 {
		t.Errorf("prompted for an auto-execute tool: %v", asked)
	}

	resp := Dispatch(ctx, h, Call{Name: "fs/delete"}, confirm)
	if !errors.Is(resp.Err, ErrDenied) || Classify(resp.Err).Kind != "denied" {
		t.Errorf("denied call err = %v", resp.Err)
	}

	answer = AllowAlways
	if resp := Dispatch(ctx, h, Call{Name: "fs/delete"}, confirm); resp.Err != nil {
		t.Fatalf("always: %v", resp.Err)
	}
	if !h.auto["fs/delete"] {
		t.Error("AllowAlways did not record an approval")
	}

	asked = nil
	Dispatch(ctx, h, Call{Name: "fs/delete"}, confirm)
	if len(asked) != 0 {
		t.Error("prompted again after AllowAlways")
	}

	// Confirmation needs an AutoExecutor.
	asked = nil
	Dispatch(ctx, executorOnly{h}, Call{Name: "fs/other"}, confirm)
	if len(asked) != 0 {
		t.Error("prompted without an AutoExecutor")
	}

	failing := func(context.Context, Call) (Decision, error) { return Allow, errors.New("stdin closed") }
	if resp := Dispatch(ctx, h, Call{Name: "fs/new"}, failing); resp.Err == nil {
		t.Error("confirm error was ignored")
	}
}

func TestDispatchAll_Order(t *testing.T) {
	h := newFakeHost()
	var calls []Call
	for i := range 8 {
		calls = append(calls, Call{Name: fmt.Sprintf("s/t%d", i), Args: json.RawMessage(fmt.Sprintf(`{"n":%d}`, i))})
	}

	resps := DispatchAll(context.Background(), h, calls, nil)
	for i, r := range resps {
		if want := fmt.Sprintf(`{"result":{"n":%d}}`, i); string(r.Response) != want {
			t.Errorf("resps[%d] = %s, want %s", i, r.Response, want)
		}
	}
}

func TestClassify(t *testing.T) {
	tests := []struct {
		err  error
		kind string
	}{
		{&mcp.TimeoutError{Server: "s", Method: "tool/execute"}, "timeout"},
		{fmt.Errorf("%w: s/x", mcp.ErrUnknownTool), "unknown_tool"},
		{&mcp.UnavailableError{Server: "s"}, "unknown_server"},
		{mcp.ErrServerShuttingDown, "shutting_down"},
		{errors.New("boom"), "internal"},
	}
	for _, tt := range tests {
		info := Classify(tt.err)
		if info.Kind != tt.kind || info.Message == "" {
			t.Errorf("Classify(%v) = %+v, want kind %s", tt.err, info, tt.kind)
		}
	}
	if got := string(ResultPayload(nil)); got != `{"result":null}` {
		t.Errorf("ResultPayload(nil) = %s", got)
	}
}
