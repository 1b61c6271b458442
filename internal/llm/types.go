// Package llm defines the backend provider abstraction and its Ollama and
// OpenAI-compatible implementations.
package llm

import (
	"encoding/json"
	"log/slog"
)

// LevelTrace is below Debug, used for wire-level payload logging.
const LevelTrace = slog.Level(-8)

// Message is one chat message. It is kept free-form so that fields a
// client stores in a conversation (images, names, tool ids) survive a
// round trip untouched; only "role" and "content" have meaning here.
type Message map[string]any

// NewMessage builds a message with the given role and content.
func NewMessage(role, content string) Message {
	return Message{"role": role, "content": content}
}

// Role returns the message role, or "" when absent or not a string.
func (m Message) Role() string {
	s, _ := m["role"].(string)
	return s
}

// Content returns the message content, or "" when absent or not a string.
func (m Message) Content() string {
	s, _ := m["content"].(string)
	return s
}

// Clone returns a deep copy of m.
func (m Message) Clone() Message {
	if m == nil {
		return nil
	}
	return cloneValue(map[string]any(m)).(map[string]any)
}

// CloneMessages deep-copies a message sequence. A nil input yields an
// empty, non-nil slice so it always encodes as [].
func CloneMessages(msgs []Message) []Message {
	out := make([]Message, len(msgs))
	for i, m := range msgs {
		out[i] = m.Clone()
	}
	return out
}

func cloneValue(v any) any {
	switch t := v.(type) {
	case map[string]any:
		out := make(map[string]any, len(t))
		for k, val := range t {
			out[k] = cloneValue(val)
		}
		return out
	case Message:
		return Message(cloneValue(map[string]any(t)).(map[string]any))
	case []any:
		out := make([]any, len(t))
		for i, val := range t {
			out[i] = cloneValue(val)
		}
		return out
	default:
		// Strings, numbers, bools and nil are immutable.
		return v
	}
}

// ToolCall represents a tool call requested by the model.
type ToolCall struct {
	ID       string       `json:"id,omitempty"`
	Function ToolFunction `json:"function"`
}

// ToolFunction names the tool and carries its decoded arguments.
type ToolFunction struct {
	Name      string         `json:"name"`
	Arguments map[string]any `json:"arguments"`
}

// Request is what the orchestration loop hands to a provider.
type Request struct {
	Messages []Message
	Tools    []map[string]any // OpenAI-style function schemas
	Think    *bool
	Options  map[string]any // Backend sampling parameters, passed through
}

// Chunk is one incremental unit of a streamed completion.
type Chunk struct {
	Model     string
	Content   string
	Thinking  string
	ToolCalls []ToolCall
	Done      bool

	// Token usage, populated on the final chunk when the backend reports it.
	InputTokens  int
	OutputTokens int
}

// Stream yields chunks until Recv returns io.EOF. Close releases the
// underlying connection and is safe to call more than once.
type Stream interface {
	Recv() (*Chunk, error)
	Close() error
}

// decodeArguments accepts tool arguments either as a JSON object or as a
// string holding one (the OpenAI wire format).
func decodeArguments(raw json.RawMessage) map[string]any {
	if len(raw) == 0 {
		return map[string]any{}
	}
	var args map[string]any
	if err := json.Unmarshal(raw, &args); err == nil {
		if args == nil {
			args = map[string]any{}
		}
		return args
	}
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		if s == "" {
			return map[string]any{}
		}
		if err := json.Unmarshal([]byte(s), &args); err == nil && args != nil {
			return args
		}
		return map[string]any{"_raw": s}
	}
	return map[string]any{"_raw": string(raw)}
}
