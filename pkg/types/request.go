// Package types defines the vendor-neutral request and response shapes accepted
// and produced by the gateway. The wire format follows the OpenAI chat
// completion API so existing SDKs can talk to the gateway unchanged.
package types //nolint:revive // package name is intentional

import "github.com/goccy/go-json"

// ChatRequest is the inbound chat completion request.
type ChatRequest struct {
	Model         string          `json:"model"`
	Messages      []ChatMessage   `json:"messages"`
	Stream        bool            `json:"stream,omitempty"`
	MaxTokens     int             `json:"max_tokens,omitempty"`
	Temperature   *float64        `json:"temperature,omitempty"`
	TopP          *float64        `json:"top_p,omitempty"`
	Stop          []string        `json:"stop,omitempty"`
	User          string          `json:"user,omitempty"`
	Tools         []Tool          `json:"tools,omitempty"`
	ToolChoice    json.RawMessage `json:"tool_choice,omitempty"`
	StreamOptions *StreamOptions  `json:"stream_options,omitempty"`

	// Extra holds vendor parameters the gateway does not interpret.
	// They are forwarded to the selected provider untouched.
	Extra map[string]json.RawMessage `json:"-"`
}

var knownRequestFields = map[string]struct{}{
	"model":          {},
	"messages":       {},
	"stream":         {},
	"max_tokens":     {},
	"temperature":    {},
	"top_p":          {},
	"stop":           {},
	"user":           {},
	"tools":          {},
	"tool_choice":    {},
	"stream_options": {},
}

// MarshalJSON writes the known fields and then any Extra keys that do not
// collide with them.
func (r ChatRequest) MarshalJSON() ([]byte, error) {
	type plain ChatRequest

	body, err := json.Marshal(plain(r))
	if err != nil || len(r.Extra) == 0 {
		return body, err
	}

	var merged map[string]json.RawMessage
	if err := json.Unmarshal(body, &merged); err != nil {
		return nil, err
	}
	for k, v := range r.Extra {
		if _, taken := merged[k]; !taken {
			merged[k] = v
		}
	}
	return json.Marshal(merged)
}

// UnmarshalJSON decodes the known fields and keeps the rest in Extra.
func (r *ChatRequest) UnmarshalJSON(data []byte) error {
	type plain ChatRequest

	var decoded plain
	if err := json.Unmarshal(data, &decoded); err != nil {
		return err
	}

	var raw map[string]json.RawMessage
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	for k := range knownRequestFields {
		delete(raw, k)
	}

	*r = ChatRequest(decoded)
	r.Extra = nil
	if len(raw) > 0 {
		r.Extra = raw
	}
	return nil
}

// Clone returns a copy that can be mutated (for example to rewrite Model for
// a provider alias) without touching the caller's request.
func (r *ChatRequest) Clone() *ChatRequest {
	if r == nil {
		return nil
	}
	c := *r
	c.Messages = append([]ChatMessage(nil), r.Messages...)
	c.Stop = append([]string(nil), r.Stop...)
	c.Tools = append([]Tool(nil), r.Tools...)
	if r.Extra != nil {
		c.Extra = make(map[string]json.RawMessage, len(r.Extra))
		for k, v := range r.Extra {
			c.Extra[k] = v
		}
	}
	return &c
}

// ChatMessage is a single conversation turn. Content is kept raw because it
// may be a plain string or an array of content parts.
type ChatMessage struct {
	Role       string          `json:"role"`
	Content    json.RawMessage `json:"content"`
	Name       string          `json:"name,omitempty"`
	ToolCalls  []ToolCall      `json:"tool_calls,omitempty"`
	ToolCallID string          `json:"tool_call_id,omitempty"`
}

// NewTextMessage builds a message whose content is a plain string.
func NewTextMessage(role, text string) ChatMessage {
	content, _ := json.Marshal(text)
	return ChatMessage{Role: role, Content: content}
}

// Text returns the textual content of the message. Array content is reduced
// to the concatenation of its "text" parts.
func (m ChatMessage) Text() string {
	if len(m.Content) == 0 {
		return ""
	}
	var s string
	if err := json.Unmarshal(m.Content, &s); err == nil {
		return s
	}
	var parts []struct {
		Type string `json:"type"`
		Text string `json:"text"`
	}
	if err := json.Unmarshal(m.Content, &parts); err != nil {
		return ""
	}
	var out string
	for _, p := range parts {
		out += p.Text
	}
	return out
}

// Tool is a function the model may call.
type Tool struct {
	Type     string       `json:"type"`
	Function ToolFunction `json:"function"`
}

// ToolFunction describes a callable function.
type ToolFunction struct {
	Name        string          `json:"name"`
	Description string          `json:"description,omitempty"`
	Parameters  json.RawMessage `json:"parameters,omitempty"`
}

// ToolCall is a function invocation produced by the model.
type ToolCall struct {
	ID       string           `json:"id"`
	Type     string           `json:"type"`
	Function ToolCallFunction `json:"function"`
}

// ToolCallFunction carries the name and JSON arguments of a tool call.
type ToolCallFunction struct {
	Name      string `json:"name"`
	Arguments string `json:"arguments"`
}

// StreamOptions tunes streamed responses.
type StreamOptions struct {
	IncludeUsage bool `json:"include_usage,omitempty"`
}
