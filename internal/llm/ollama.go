package llm

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/FateUnix29/Hollowfire-1/internal/httpkit"
)

// OllamaProvider streams completions from Ollama's /api/chat.
type OllamaProvider struct {
	mu         sync.RWMutex
	baseURL    string
	keepAlive  string
	httpClient *http.Client
	logger     *slog.Logger
}

// NewOllamaProvider creates a new Ollama provider.
func NewOllamaProvider(baseURL string, logger *slog.Logger) *OllamaProvider {
	if baseURL == "" {
		baseURL = "http://localhost:11434"
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &OllamaProvider{
		baseURL: strings.TrimRight(baseURL, "/"),
		httpClient: httpkit.NewClient(
			httpkit.WithTimeout(0), // streams run as long as the model talks
			httpkit.WithRetry(2, 500*time.Millisecond),
			httpkit.WithLogger(logger),
		),
		logger: logger,
	}
}

// Name implements Provider.
func (p *OllamaProvider) Name() string { return "ollama" }

// Setup accepts base_url and keep_alive.
func (p *OllamaProvider) Setup(_ context.Context, cfg map[string]any) error {
	baseURL, hasURL, err := stringSetting(cfg, "base_url")
	if err != nil {
		return err
	}
	keepAlive, hasKeep, err := stringSetting(cfg, "keep_alive")
	if err != nil {
		return err
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	if hasURL {
		if !strings.HasPrefix(baseURL, "http://") && !strings.HasPrefix(baseURL, "https://") {
			return fmt.Errorf("base_url must be an http(s) URL")
		}
		p.baseURL = strings.TrimRight(baseURL, "/")
	}
	if hasKeep {
		p.keepAlive = keepAlive
	}
	return nil
}

type ollamaChatRequest struct {
	Model     string           `json:"model"`
	Messages  []Message        `json:"messages"`
	Stream    bool             `json:"stream"`
	Tools     []map[string]any `json:"tools,omitempty"`
	Think     *bool            `json:"think,omitempty"`
	Options   map[string]any   `json:"options,omitempty"`
	KeepAlive string           `json:"keep_alive,omitempty"`
}

type ollamaToolCall struct {
	Function struct {
		Name      string          `json:"name"`
		Arguments json.RawMessage `json:"arguments"` // Ollama returns an object, not a string
	} `json:"function"`
}

type ollamaChatChunk struct {
	Model   string `json:"model"`
	Message struct {
		Role      string           `json:"role"`
		Content   string           `json:"content"`
		Thinking  string           `json:"thinking"`
		ToolCalls []ollamaToolCall `json:"tool_calls"`
	} `json:"message"`
	Done            bool   `json:"done"`
	PromptEvalCount int    `json:"prompt_eval_count,omitempty"`
	EvalCount       int    `json:"eval_count,omitempty"`
	Error           string `json:"error,omitempty"`
}

// Completion implements Provider. The backend is always asked to stream.
func (p *OllamaProvider) Completion(ctx context.Context, model string, req Request) (Stream, error) {
	p.mu.RLock()
	baseURL, keepAlive := p.baseURL, p.keepAlive
	p.mu.RUnlock()

	body := ollamaChatRequest{
		Model:     model,
		Messages:  req.Messages,
		Stream:    true,
		Tools:     req.Tools,
		Think:     req.Think,
		Options:   req.Options,
		KeepAlive: keepAlive,
	}
	jsonData, err := json.Marshal(body)
	if err != nil {
		return nil, fmt.Errorf("marshal request: %w", err)
	}
	p.logger.Log(ctx, LevelTrace, "ollama request", "body", string(jsonData))

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, baseURL+"/api/chat", bytes.NewReader(jsonData))
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := p.httpClient.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("request failed: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		msg := httpkit.ReadErrorBody(resp.Body, 4096)
		return nil, fmt.Errorf("API error %d: %s", resp.StatusCode, msg)
	}

	return &ollamaStream{
		body:    resp.Body,
		decoder: json.NewDecoder(resp.Body),
		logger:  p.logger,
	}, nil
}

// ollamaStream decodes newline-delimited JSON chunks.
type ollamaStream struct {
	body    io.ReadCloser
	decoder *json.Decoder
	logger  *slog.Logger

	content     strings.Builder
	sawToolCall bool
	done        bool
	closeOnce   sync.Once
}

func (s *ollamaStream) Recv() (*Chunk, error) {
	if s.done {
		return nil, io.EOF
	}

	var raw ollamaChatChunk
	if err := s.decoder.Decode(&raw); err != nil {
		if errors.Is(err, io.EOF) {
			// A stream that ends without done:true was cut off.
			return nil, fmt.Errorf("stream ended before completion: %w", io.ErrUnexpectedEOF)
		}
		return nil, fmt.Errorf("decode stream chunk: %w", err)
	}
	if raw.Error != "" {
		return nil, fmt.Errorf("backend error: %s", raw.Error)
	}

	chunk := &Chunk{
		Model:    raw.Model,
		Content:  raw.Message.Content,
		Thinking: raw.Message.Thinking,
		Done:     raw.Done,
	}
	for _, tc := range raw.Message.ToolCalls {
		chunk.ToolCalls = append(chunk.ToolCalls, ToolCall{
			Function: ToolFunction{
				Name:      tc.Function.Name,
				Arguments: decodeArguments(tc.Function.Arguments),
			},
		})
	}
	if len(chunk.ToolCalls) > 0 {
		s.sawToolCall = true
	}
	s.content.WriteString(raw.Message.Content)

	if raw.Done {
		s.done = true
		chunk.InputTokens = raw.PromptEvalCount
		chunk.OutputTokens = raw.EvalCount
		// Some models emit tool calls as text instead of the native field.
		if !s.sawToolCall {
			if parsed := parseTextToolCalls(s.content.String()); len(parsed) > 0 {
				s.logger.Debug("recovered text tool calls", "count", len(parsed))
				chunk.ToolCalls = parsed
			}
		}
	}
	return chunk, nil
}

func (s *ollamaStream) Close() error {
	s.closeOnce.Do(func() { httpkit.DrainAndClose(s.body, 4096) })
	return nil
}

// parseTextToolCalls extracts tool calls a model wrote into its content.
// Handles a raw JSON object, a JSON array of objects, and either form
// wrapped in <tool_call> tags.
func parseTextToolCalls(content string) []ToolCall {
	content = strings.TrimSpace(content)
	if content == "" {
		return nil
	}

	if start := strings.Index(content, "<tool_call>"); start != -1 {
		rest := content[start+len("<tool_call>"):]
		if end := strings.Index(rest, "</tool_call>"); end != -1 {
			rest = rest[:end]
		}
		content = strings.TrimSpace(rest)
	}

	type textCall struct {
		Name      string          `json:"name"`
		Arguments json.RawMessage `json:"arguments"`
	}
	convert := func(calls []textCall) []ToolCall {
		out := make([]ToolCall, 0, len(calls))
		for _, c := range calls {
			if c.Name == "" {
				continue
			}
			out = append(out, ToolCall{Function: ToolFunction{Name: c.Name, Arguments: decodeArguments(c.Arguments)}})
		}
		return out
	}

	var calls []textCall
	if err := json.Unmarshal([]byte(content), &calls); err == nil && len(calls) > 0 {
		return convert(calls)
	}
	var single textCall
	if err := json.Unmarshal([]byte(content), &single); err == nil && single.Name != "" {
		return convert([]textCall{single})
	}
	return nil
}

// Ping checks if Ollama is reachable.
func (p *OllamaProvider) Ping(ctx context.Context) error {
	p.mu.RLock()
	baseURL := p.baseURL
	p.mu.RUnlock()

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, baseURL+"/api/tags", nil)
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	resp, err := p.httpClient.Do(httpReq)
	if err != nil {
		return fmt.Errorf("request failed: %w", err)
	}
	defer httpkit.DrainAndClose(resp.Body, 64*1024)

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("API error %d", resp.StatusCode)
	}
	return nil
}
