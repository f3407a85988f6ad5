package funcall

import (
	"bytes"
	"encoding/json"
	"strings"
)

// Call is one function call requested by an LLM.
type Call struct {
	// ID is the provider-assigned call ID, when the provider uses one
	// to correlate responses.
	ID string `json:"id,omitempty"`

	// Name is the qualified tool name ("server/tool").
	Name string `json:"name"`

	// FunctionName is the name exactly as the LLM reported it, which
	// is what function responses must echo back.
	FunctionName string `json:"function_name"`

	// Args holds the call arguments as a JSON object.
	Args json.RawMessage `json:"args"`
}

// ParseFunctionCall returns the first call in an LLM response, or
// false for a plain-text response.
func ParseFunctionCall(resp []byte) (Call, bool) {
	calls := ParseFunctionCalls(resp)
	if len(calls) == 0 {
		return Call{}, false
	}
	return calls[0], true
}

// ParseFunctionCalls extracts every requested call from an LLM
// response. Structured calls are recognized in the Gemini
// (candidates/parts/functionCall), OpenAI and Ollama
// (message.tool_calls) and Anthropic (content tool_use blocks) shapes.
// When a response carries no structured call, fenced ```json blocks in
// its text holding {"name": ..., "arguments": ...} are accepted
// instead. Input that is not JSON at all is treated as text.
func ParseFunctionCalls(resp []byte) []Call {
	trimmed := bytes.TrimSpace(resp)
	if len(trimmed) == 0 {
		return nil
	}

	var r providerResponse
	if trimmed[0] != '{' || json.Unmarshal(trimmed, &r) != nil {
		return ParseText(string(resp))
	}

	calls, texts := r.collect()
	if len(calls) > 0 {
		return calls
	}
	for _, text := range texts {
		calls = append(calls, ParseText(text)...)
	}
	return calls
}

// ParseText finds function calls written as fenced JSON blocks in
// free text. Blocks that are not call objects are ignored.
func ParseText(text string) []Call {
	var (
		calls   []Call
		inBlock bool
		block   strings.Builder
	)
	for _, line := range strings.Split(text, "\n") {
		trimmed := strings.TrimSpace(line)
		if strings.HasPrefix(trimmed, "```") {
			if !inBlock {
				inBlock = true
				block.Reset()
				continue
			}
			inBlock = false
			if c, ok := parseTextCall(block.String()); ok {
				calls = append(calls, c)
			}
			continue
		}
		if inBlock {
			block.WriteString(line)
			block.WriteByte('\n')
		}
	}
	return calls
}

func parseTextCall(block string) (Call, bool) {
	var raw struct {
		Name      string          `json:"name"`
		Arguments json.RawMessage `json:"arguments"`
		Args      json.RawMessage `json:"args"`
	}
	if err := json.Unmarshal([]byte(block), &raw); err != nil || raw.Name == "" {
		return Call{}, false
	}
	args := raw.Arguments
	if len(args) == 0 {
		args = raw.Args
	}
	return newCall("", raw.Name, args), true
}

// newCall normalizes a provider call: the name is decoded to its
// qualified form and arguments encoded as a JSON string are unwrapped.
// Missing arguments become an empty object.
func newCall(id, name string, args json.RawMessage) Call {
	return Call{
		ID:           id,
		Name:         DecodeName(name),
		FunctionName: name,
		Args:         normalizeArgs(args),
	}
}

func normalizeArgs(args json.RawMessage) json.RawMessage {
	args = bytes.TrimSpace(args)
	if len(args) == 0 || bytes.Equal(args, []byte("null")) {
		return json.RawMessage(`{}`)
	}
	if args[0] == '"' {
		var s string
		if err := json.Unmarshal(args, &s); err == nil {
			s = strings.TrimSpace(s)
			if s == "" {
				return json.RawMessage(`{}`)
			}
			if json.Valid([]byte(s)) {
				return json.RawMessage(s)
			}
		}
	}
	return args
}

// providerResponse is the union of the response shapes we understand.
type providerResponse struct {
	// Gemini generateContent.
	Candidates []struct {
		Content geminiContent `json:"content"`
	} `json:"candidates"`
	Parts []geminiPart `json:"parts"`

	// Ollama /api/chat.
	Message *chatMessage `json:"message"`

	// OpenAI chat completions.
	Choices []struct {
		Message chatMessage `json:"message"`
	} `json:"choices"`

	// Anthropic messages (an array of blocks), or a bare chat message
	// (a string).
	Content   json.RawMessage `json:"content"`
	ToolCalls []chatToolCall  `json:"tool_calls"`
}

type geminiContent struct {
	Parts []geminiPart `json:"parts"`
}

type geminiPart struct {
	Text         string `json:"text"`
	FunctionCall *struct {
		ID   string          `json:"id"`
		Name string          `json:"name"`
		Args json.RawMessage `json:"args"`
	} `json:"functionCall"`
}

type chatMessage struct {
	Content   json.RawMessage `json:"content"`
	ToolCalls []chatToolCall  `json:"tool_calls"`
}

type chatToolCall struct {
	ID       string `json:"id"`
	Function struct {
		Name      string          `json:"name"`
		Arguments json.RawMessage `json:"arguments"`
	} `json:"function"`
}

type contentBlock struct {
	Type  string          `json:"type"`
	Text  string          `json:"text"`
	ID    string          `json:"id"`
	Name  string          `json:"name"`
	Input json.RawMessage `json:"input"`
}

// collect returns the structured calls in r and, separately, every
// text fragment for the fenced-block fallback.
func (r *providerResponse) collect() ([]Call, []string) {
	var (
		calls []Call
		texts []string
	)

	parts := r.Parts
	for _, c := range r.Candidates {
		parts = append(parts, c.Content.Parts...)
	}
	for _, p := range parts {
		if p.FunctionCall != nil && p.FunctionCall.Name != "" {
			calls = append(calls, newCall(p.FunctionCall.ID, p.FunctionCall.Name, p.FunctionCall.Args))
		} else if p.Text != "" {
			texts = append(texts, p.Text)
		}
	}

	messages := []chatMessage{{Content: r.Content, ToolCalls: r.ToolCalls}}
	if r.Message != nil {
		messages = append(messages, *r.Message)
	}
	for _, c := range r.Choices {
		messages = append(messages, c.Message)
	}
	for _, m := range messages {
		for _, tc := range m.ToolCalls {
			if tc.Function.Name != "" {
				calls = append(calls, newCall(tc.ID, tc.Function.Name, tc.Function.Arguments))
			}
		}
		c, t := contentCalls(m.Content)
		calls = append(calls, c...)
		texts = append(texts, t...)
	}
	return calls, texts
}

// contentCalls interprets a content member: a string is text, an array
// holds Anthropic-style text and tool_use blocks.
func contentCalls(raw json.RawMessage) ([]Call, []string) {
	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 {
		return nil, nil
	}
	switch raw[0] {
	case '"':
		var s string
		if json.Unmarshal(raw, &s) == nil && s != "" {
			return nil, []string{s}
		}
	case '[':
		var blocks []contentBlock
		if json.Unmarshal(raw, &blocks) != nil {
			return nil, nil
		}
		var (
			calls []Call
			texts []string
		)
		for _, b := range blocks {
			switch {
			case b.Type == "tool_use" && b.Name != "":
				calls = append(calls, newCall(b.ID, b.Name, b.Input))
			case b.Type == "text" && b.Text != "":
				texts = append(texts, b.Text)
			}
		}
		return calls, texts
	}
	return nil, nil
}
