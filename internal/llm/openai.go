package llm

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/FateUnix29/Hollowfire-1/internal/httpkit"
)

// OpenAIProvider streams completions from an OpenAI-compatible
// /chat/completions endpoint. Groq is served by the same implementation
// under a different name and base URL.
type OpenAIProvider struct {
	name   string
	logger *slog.Logger

	mu      sync.RWMutex
	baseURL string
	apiKey  string
	client  *http.Client
}

// NewOpenAIProvider creates an OpenAI-compatible provider.
func NewOpenAIProvider(name, baseURL, apiKey string, logger *slog.Logger) *OpenAIProvider {
	if logger == nil {
		logger = slog.Default()
	}
	p := &OpenAIProvider{
		name:    name,
		logger:  logger,
		baseURL: strings.TrimRight(baseURL, "/"),
		apiKey:  apiKey,
	}
	p.client = p.newClient(apiKey)
	return p
}

func (p *OpenAIProvider) newClient(apiKey string) *http.Client {
	return httpkit.NewClient(
		httpkit.WithTimeout(0),
		httpkit.WithBearerToken(apiKey),
		httpkit.WithRetry(2, 500*time.Millisecond),
		httpkit.WithLogger(p.logger),
	)
}

// Name implements Provider.
func (p *OpenAIProvider) Name() string { return p.name }

// Setup accepts base_url, api_key, and api_key_env (the name of an
// environment variable holding the key).
func (p *OpenAIProvider) Setup(_ context.Context, cfg map[string]any) error {
	baseURL, hasURL, err := stringSetting(cfg, "base_url")
	if err != nil {
		return err
	}
	apiKey, hasKey, err := stringSetting(cfg, "api_key")
	if err != nil {
		return err
	}
	keyEnv, hasEnv, err := stringSetting(cfg, "api_key_env")
	if err != nil {
		return err
	}
	if hasEnv {
		v, ok := os.LookupEnv(keyEnv)
		if !ok {
			return fmt.Errorf("environment variable %s is not set", keyEnv)
		}
		apiKey, hasKey = v, true
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	if hasURL {
		p.baseURL = strings.TrimRight(baseURL, "/")
	}
	if hasKey {
		p.apiKey = apiKey
		p.client = p.newClient(apiKey)
	}
	return nil
}

type openAIToolCallDelta struct {
	Index    int    `json:"index"`
	ID       string `json:"id"`
	Function struct {
		Name      string `json:"name"`
		Arguments string `json:"arguments"`
	} `json:"function"`
}

type openAIStreamEvent struct {
	Model   string `json:"model"`
	Choices []struct {
		Delta struct {
			Content   string                `json:"content"`
			Reasoning string                `json:"reasoning"`
			ToolCalls []openAIToolCallDelta `json:"tool_calls"`
		} `json:"delta"`
		FinishReason *string `json:"finish_reason"`
	} `json:"choices"`
	Usage *struct {
		PromptTokens     int `json:"prompt_tokens"`
		CompletionTokens int `json:"completion_tokens"`
	} `json:"usage"`
	Error *struct {
		Message string `json:"message"`
	} `json:"error"`
}

// Completion implements Provider. Sampling options are merged into the
// top-level request body since OpenAI has no options object.
func (p *OpenAIProvider) Completion(ctx context.Context, model string, req Request) (Stream, error) {
	p.mu.RLock()
	baseURL, client := p.baseURL, p.client
	p.mu.RUnlock()

	body := make(map[string]any, len(req.Options)+5)
	for k, v := range req.Options {
		body[k] = v
	}
	body["model"] = model
	body["messages"] = req.Messages
	body["stream"] = true
	body["stream_options"] = map[string]any{"include_usage": true}
	if len(req.Tools) > 0 {
		body["tools"] = req.Tools
	}

	jsonData, err := json.Marshal(body)
	if err != nil {
		return nil, fmt.Errorf("marshal request: %w", err)
	}
	p.logger.Log(ctx, LevelTrace, "openai request", "provider", p.name, "body", string(jsonData))

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, baseURL+"/chat/completions", bytes.NewReader(jsonData))
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Accept", "text/event-stream")

	resp, err := client.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("request failed: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		msg := httpkit.ReadErrorBody(resp.Body, 4096)
		return nil, fmt.Errorf("API error %d: %s", resp.StatusCode, msg)
	}

	scanner := bufio.NewScanner(resp.Body)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	return &sseStream{
		body:    resp.Body,
		scanner: scanner,
		pending: make(map[int]*ToolCall),
		rawArgs: make(map[int]*strings.Builder),
	}, nil
}

// sseStream turns OpenAI server-sent events into chunks. Tool call
// fragments are accumulated by index and released on the chunk that
// carries a finish_reason.
type sseStream struct {
	body    io.ReadCloser
	scanner *bufio.Scanner

	pending   map[int]*ToolCall
	rawArgs   map[int]*strings.Builder
	finished  bool
	done      bool
	closeOnce sync.Once
}

func (s *sseStream) Recv() (*Chunk, error) {
	if s.done {
		return nil, io.EOF
	}
	for s.scanner.Scan() {
		line := s.scanner.Text()
		if !strings.HasPrefix(line, "data:") {
			continue
		}
		data := strings.TrimSpace(strings.TrimPrefix(line, "data:"))
		if data == "[DONE]" {
			s.done = true
			return &Chunk{Done: true, ToolCalls: s.flushToolCalls()}, nil
		}

		var ev openAIStreamEvent
		if err := json.Unmarshal([]byte(data), &ev); err != nil {
			return nil, fmt.Errorf("decode stream event: %w", err)
		}
		if ev.Error != nil {
			return nil, fmt.Errorf("backend error: %s", ev.Error.Message)
		}

		chunk := &Chunk{Model: ev.Model}
		if ev.Usage != nil {
			chunk.InputTokens = ev.Usage.PromptTokens
			chunk.OutputTokens = ev.Usage.CompletionTokens
		}
		for _, choice := range ev.Choices {
			chunk.Content += choice.Delta.Content
			chunk.Thinking += choice.Delta.Reasoning
			for _, d := range choice.Delta.ToolCalls {
				s.addToolDelta(d)
			}
			if choice.FinishReason != nil && *choice.FinishReason != "" {
				s.finished = true
				chunk.ToolCalls = s.flushToolCalls()
			}
		}
		return chunk, nil
	}
	if err := s.scanner.Err(); err != nil {
		return nil, fmt.Errorf("read stream: %w", err)
	}
	if !s.finished {
		return nil, fmt.Errorf("stream ended before completion: %w", io.ErrUnexpectedEOF)
	}
	s.done = true
	return nil, io.EOF
}

func (s *sseStream) addToolDelta(d openAIToolCallDelta) {
	tc, ok := s.pending[d.Index]
	if !ok {
		tc = &ToolCall{}
		s.pending[d.Index] = tc
		s.rawArgs[d.Index] = &strings.Builder{}
	}
	if d.ID != "" {
		tc.ID = d.ID
	}
	tc.Function.Name += d.Function.Name
	s.rawArgs[d.Index].WriteString(d.Function.Arguments)
}

func (s *sseStream) flushToolCalls() []ToolCall {
	if len(s.pending) == 0 {
		return nil
	}
	idx := make([]int, 0, len(s.pending))
	for i := range s.pending {
		idx = append(idx, i)
	}
	sort.Ints(idx)

	out := make([]ToolCall, 0, len(idx))
	for _, i := range idx {
		tc := *s.pending[i]
		raw, _ := json.Marshal(s.rawArgs[i].String())
		tc.Function.Arguments = decodeArguments(raw)
		out = append(out, tc)
	}
	s.pending = make(map[int]*ToolCall)
	s.rawArgs = make(map[int]*strings.Builder)
	return out
}

func (s *sseStream) Close() error {
	s.closeOnce.Do(func() { httpkit.DrainAndClose(s.body, 4096) })
	return nil
}

// Ping lists models, which every OpenAI-compatible server supports.
func (p *OpenAIProvider) Ping(ctx context.Context) error {
	p.mu.RLock()
	baseURL, client := p.baseURL, p.client
	p.mu.RUnlock()

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, baseURL+"/models", nil)
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	resp, err := client.Do(httpReq)
	if err != nil {
		return fmt.Errorf("request failed: %w", err)
	}
	defer httpkit.DrainAndClose(resp.Body, 64*1024)

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("API error %d", resp.StatusCode)
	}
	return nil
}
