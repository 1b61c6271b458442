package llm

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
)

func sseServer(t *testing.T, events []string, gotAuth *string, gotBody *map[string]any) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/chat/completions" {
			http.NotFound(w, r)
			return
		}
		if gotAuth != nil {
			*gotAuth = r.Header.Get("Authorization")
		}
		if gotBody != nil {
			json.NewDecoder(r.Body).Decode(gotBody)
		}
		w.Header().Set("Content-Type", "text/event-stream")
		for _, e := range events {
			io.WriteString(w, "data: "+e+"\n\n")
		}
	}))
	t.Cleanup(srv.Close)
	return srv
}

func TestOpenAIProvider_Completion(t *testing.T) {
	var auth string
	var body map[string]any
	srv := sseServer(t, []string{
		`{"model":"llama","choices":[{"delta":{"content":"Let me "}}]}`,
		`{"model":"llama","choices":[{"delta":{"tool_calls":[{"index":0,"id":"call_1","function":{"name":"add","arguments":"{\"a\":"}}]}}]}`,
		`{"model":"llama","choices":[{"delta":{"tool_calls":[{"index":0,"function":{"arguments":"2,\"b\":3}"}}]}}]}`,
		`{"model":"llama","choices":[{"delta":{},"finish_reason":"tool_calls"}]}`,
		`{"model":"llama","choices":[],"usage":{"prompt_tokens":20,"completion_tokens":7}}`,
		`[DONE]`,
	}, &auth, &body)

	p := NewOpenAIProvider("groq", srv.URL, "gsk-test", nil)
	stream, err := p.Completion(context.Background(), "llama", Request{
		Messages: []Message{NewMessage("user", "add 2 and 3")},
		Tools:    []map[string]any{{"type": "function", "function": map[string]any{"name": "add"}}},
		Options:  map[string]any{"temperature": 0.5},
	})
	if err != nil {
		t.Fatalf("Completion: %v", err)
	}
	chunks, err := drain(t, stream)
	if err != nil {
		t.Fatalf("drain: %v", err)
	}

	if auth != "Bearer gsk-test" {
		t.Errorf("Authorization = %q", auth)
	}
	if body["stream"] != true || body["temperature"] != 0.5 || body["model"] != "llama" {
		t.Errorf("request body = %v", body)
	}

	var calls []ToolCall
	var content string
	var tokensIn int
	for _, c := range chunks {
		content += c.Content
		calls = append(calls, c.ToolCalls...)
		if c.InputTokens > 0 {
			tokensIn = c.InputTokens
		}
	}
	if content != "Let me " {
		t.Errorf("content = %q", content)
	}
	if len(calls) != 1 {
		t.Fatalf("got %d tool calls, want 1", len(calls))
	}
	if calls[0].ID != "call_1" || calls[0].Function.Name != "add" {
		t.Errorf("call = %+v", calls[0])
	}
	if calls[0].Function.Arguments["a"] != float64(2) || calls[0].Function.Arguments["b"] != float64(3) {
		t.Errorf("arguments = %v", calls[0].Function.Arguments)
	}
	if tokensIn != 20 {
		t.Errorf("input tokens = %d, want 20", tokensIn)
	}
	if !chunks[len(chunks)-1].Done {
		t.Error("last chunk should be Done")
	}
}

func TestOpenAIProvider_Truncated(t *testing.T) {
	srv := sseServer(t, []string{`{"choices":[{"delta":{"content":"par"}}]}`}, nil, nil)

	stream, err := NewOpenAIProvider("openai", srv.URL, "", nil).Completion(context.Background(), "m", Request{})
	if err != nil {
		t.Fatal(err)
	}
	if _, err := drain(t, stream); err == nil {
		t.Fatal("expected error for stream without finish_reason")
	}
}

func TestOpenAIProvider_ErrorEvent(t *testing.T) {
	srv := sseServer(t, []string{`{"error":{"message":"rate limited"}}`}, nil, nil)

	stream, err := NewOpenAIProvider("openai", srv.URL, "", nil).Completion(context.Background(), "m", Request{})
	if err != nil {
		t.Fatal(err)
	}
	if _, err := drain(t, stream); err == nil {
		t.Fatal("expected error event to surface")
	}
}

func TestOpenAIProvider_SetupKeyEnv(t *testing.T) {
	t.Setenv("HOLLOWFIRE_GROQ_KEY", "from-env")
	p := NewOpenAIProvider("groq", "https://example.invalid", "", nil)

	if err := p.Setup(context.Background(), map[string]any{"api_key_env": "HOLLOWFIRE_GROQ_KEY"}); err != nil {
		t.Fatalf("Setup: %v", err)
	}
	if p.apiKey != "from-env" {
		t.Errorf("apiKey = %q", p.apiKey)
	}
	if err := p.Setup(context.Background(), map[string]any{"api_key_env": "HOLLOWFIRE_UNSET_VAR"}); err == nil {
		t.Error("expected error for unset env var")
	}
}
