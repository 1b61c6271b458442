package llm

import (
	"encoding/json"
	"errors"
	"testing"
)

func TestMessageClone_IsDeep(t *testing.T) {
	orig := Message{
		"role":    "user",
		"content": "hi",
		"images":  []any{"a.png"},
		"meta":    map[string]any{"k": "v"},
	}
	cp := orig.Clone()
	cp["content"] = "changed"
	cp["images"].([]any)[0] = "b.png"
	cp["meta"].(map[string]any)["k"] = "w"

	if orig.Content() != "hi" {
		t.Errorf("content leaked: %q", orig.Content())
	}
	if orig["images"].([]any)[0] != "a.png" {
		t.Error("nested slice shared")
	}
	if orig["meta"].(map[string]any)["k"] != "v" {
		t.Error("nested map shared")
	}
}

func TestCloneMessages_NilEncodesAsArray(t *testing.T) {
	data, _ := json.Marshal(CloneMessages(nil))
	if string(data) != "[]" {
		t.Errorf("got %s, want []", data)
	}
}

func TestMessageAccessors(t *testing.T) {
	m := Message{"role": 3, "content": nil}
	if m.Role() != "" || m.Content() != "" {
		t.Errorf("non-string fields should read as empty")
	}
	m = NewMessage("system", "be brief")
	if m.Role() != "system" || m.Content() != "be brief" {
		t.Errorf("NewMessage = %v", m)
	}
}

func TestDecodeArguments(t *testing.T) {
	tests := []struct {
		name string
		raw  string
		key  string
		want any
	}{
		{"object", `{"a":1}`, "a", float64(1)},
		{"string object", `"{\"a\":2}"`, "a", float64(2)},
		{"empty string", `""`, "", nil},
		{"null", `null`, "", nil},
		{"garbage string", `"a=1"`, "_raw", "a=1"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := decodeArguments(json.RawMessage(tt.raw))
			if got == nil {
				t.Fatal("decodeArguments returned nil map")
			}
			if tt.key != "" && got[tt.key] != tt.want {
				t.Errorf("got %v", got)
			}
		})
	}
}

func TestRegistry(t *testing.T) {
	r := NewRegistry()
	r.Register("ollama", func() Provider { return NewOllamaProvider("", nil) })
	r.Register("groq", func() Provider { return NewOpenAIProvider("groq", "http://x", "", nil) })

	if !r.Has("groq") || r.Has("anthropic") {
		t.Error("Has mismatch")
	}
	p1, err := r.New("ollama")
	if err != nil {
		t.Fatal(err)
	}
	p2, _ := r.New("ollama")
	if p1 == p2 {
		t.Error("New should return fresh instances")
	}
	if _, err := r.New("anthropic"); !errors.Is(err, ErrUnknownProvider) {
		t.Errorf("err = %v, want ErrUnknownProvider", err)
	}
	if names := r.Names(); len(names) != 2 || names[0] != "groq" {
		t.Errorf("Names = %v", names)
	}
}
