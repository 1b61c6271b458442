// Package completion runs the tool-call orchestration loop behind
// POST /<conversation>/completion. The backend is always consumed as a
// stream; each chunk becomes one record, tool calls in a chunk are run
// on the spot and their output attached to that record. Records are
// either streamed to the client as they arrive or returned together as
// one JSON array.
package completion

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
	"golang.org/x/time/rate"

	"github.com/FateUnix29/Hollowfire-1/internal/conversation"
	"github.com/FateUnix29/Hollowfire-1/internal/events"
	"github.com/FateUnix29/Hollowfire-1/internal/llm"
	"github.com/FateUnix29/Hollowfire-1/internal/retrieval"
	"github.com/FateUnix29/Hollowfire-1/internal/tools"
	"github.com/FateUnix29/Hollowfire-1/internal/usage"
)

// MsgFailed is the error body sent when every attempt failed.
const MsgFailed = "Failed to generate response."

// Defaults used when Options leaves a field zero.
const (
	DefaultMaxAttempts = 5
	DefaultRetryRate   = 2.0
	DefaultRetryBurst  = 1
)

// errClientGone stops the loop without retrying: the response can no
// longer be delivered.
var errClientGone = errors.New("client connection lost")

// Request is the JSON body of a completion request. Fields the loop
// does not know are ignored.
type Request struct {
	Model     string           `json:"model"`
	Messages  []llm.Message    `json:"messages"`
	Stream    bool             `json:"stream"`
	Tools     []string         `json:"tools"`
	Think     *bool            `json:"think"`
	Options   map[string]any   `json:"options"`
	FaissData *retrieval.Query `json:"faiss_data"`
	Remember  bool             `json:"remember"`
}

// Record is one streamed chunk as the client sees it. ToolCalls is null
// when the chunk requested none.
type Record struct {
	Content       string            `json:"content"`
	ToolCalls     []llm.ToolCall    `json:"tool_calls"`
	Thinking      string            `json:"thinking,omitempty"`
	ToolResponses map[string]string `json:"tool_responses,omitempty"`
}

// UsageRecorder stores one row per completion request. The usage store
// satisfies it.
type UsageRecorder interface {
	Record(ctx context.Context, rec usage.Record) error
}

// Retriever answers retrieval queries against a per-conversation index.
type Retriever interface {
	Retrieve(ctx context.Context, conversationID string, q retrieval.Query) ([]retrieval.Match, error)
}

// Options configures a [Runner].
type Options struct {
	Tools        *tools.Registry
	DefaultModel string
	MaxAttempts  int
	RetryRate    float64 // attempts per second after the burst
	RetryBurst   int

	Retriever Retriever     // optional
	Usage     UsageRecorder // optional
	Bus       *events.Bus   // optional
	Logger    *slog.Logger
}

// Runner executes completion requests. It is safe for concurrent use.
type Runner struct {
	tools        *tools.Registry
	defaultModel string
	maxAttempts  int
	retryRate    float64
	retryBurst   int
	retriever    Retriever
	usage        UsageRecorder
	bus          *events.Bus
	logger       *slog.Logger
}

// New creates a Runner.
func New(opts Options) *Runner {
	r := &Runner{
		tools:        opts.Tools,
		defaultModel: opts.DefaultModel,
		maxAttempts:  opts.MaxAttempts,
		retryRate:    opts.RetryRate,
		retryBurst:   opts.RetryBurst,
		retriever:    opts.Retriever,
		usage:        opts.Usage,
		bus:          opts.Bus,
		logger:       opts.Logger,
	}
	if r.tools == nil {
		r.tools = tools.NewRegistry()
	}
	if r.maxAttempts <= 0 {
		r.maxAttempts = DefaultMaxAttempts
	}
	if r.retryRate <= 0 {
		r.retryRate = DefaultRetryRate
	}
	if r.retryBurst <= 0 {
		r.retryBurst = DefaultRetryBurst
	}
	if r.logger == nil {
		r.logger = slog.Default()
	}
	r.logger = r.logger.With("component", "completion")
	return r
}

func errorResult(status int, msg string) conversation.Result {
	return conversation.Result{Status: status, Body: conversation.ErrorBody{Error: msg}}
}

// run holds the state of one completion request.
type run struct {
	*Runner

	id       string
	conv     *conversation.Conversation
	provider llm.Provider
	model    string
	req      llm.Request
	allowed  *tools.Set
	logger   *slog.Logger

	w         http.ResponseWriter // nil when buffering
	rc        *http.ResponseController
	headersOn bool

	chunks       int
	toolCalls    int
	inputTokens  int
	outputTokens int
}

// Run executes a completion against conv. It has the signature of a
// session operation. With a nil w, or when the client did not ask for
// streaming, the records are returned in the Result; otherwise they are
// written to w and the Result has a zero Status.
func (r *Runner) Run(ctx context.Context, conv *conversation.Conversation, call conversation.Call, w http.ResponseWriter) conversation.Result {
	if !call.HasLength {
		return errorResult(http.StatusLengthRequired, conversation.MsgLengthRequired)
	}
	var body Request
	if err := json.Unmarshal(call.Body, &body); err != nil {
		r.logger.Warn("completion request is not JSON", "conversation", conv.ID(), "error", err)
		return errorResult(http.StatusBadRequest, conversation.MsgNotJSON)
	}

	id := newRequestID()
	st := &run{
		Runner:   r,
		id:       id,
		conv:     conv,
		provider: conv.Provider(),
		model:    body.Model,
		allowed:  r.tools.Allow(body.Tools),
		logger:   r.logger.With("request_id", id, "conversation", conv.ID()),
	}
	if st.model == "" {
		st.model = r.defaultModel
	}
	if st.provider == nil {
		st.logger.Error("conversation has no provider")
		return errorResult(http.StatusInternalServerError, MsgFailed)
	}
	if body.Stream && w != nil {
		st.w = w
		st.rc = http.NewResponseController(w)
	}

	messages := body.Messages
	if messages == nil {
		messages = conv.History()
	} else {
		messages = llm.CloneMessages(messages)
	}
	if body.FaissData != nil {
		messages = st.augment(ctx, messages, *body.FaissData)
	}
	think := true
	if body.Think != nil {
		think = *body.Think
	}
	st.req = llm.Request{
		Messages: messages,
		Tools:    st.allowed.Schemas(),
		Think:    &think,
		Options:  body.Options,
	}

	return st.execute(ctx, body.Remember)
}

func newRequestID() string {
	if id, err := uuid.NewV7(); err == nil {
		return id.String()
	}
	return uuid.NewString()
}

// augment splices retrieved context in front of the final message. The
// conversation history is never touched.
func (st *run) augment(ctx context.Context, messages []llm.Message, q retrieval.Query) []llm.Message {
	if st.retriever == nil {
		st.logger.Warn("retrieval requested but no embedder is configured; ignoring faiss_data")
		return messages
	}
	matches, err := st.retriever.Retrieve(ctx, st.conv.ID(), q)
	if err != nil {
		st.logger.Warn("retrieval failed; continuing without context", "error", err)
		return messages
	}
	if len(matches) == 0 {
		return messages
	}

	extra := llm.NewMessage("system", retrieval.Format(matches))
	at := len(messages) - 1
	if at < 0 {
		at = 0
	}
	out := make([]llm.Message, 0, len(messages)+1)
	out = append(out, messages[:at]...)
	out = append(out, extra)
	out = append(out, messages[at:]...)
	st.logger.Debug("retrieval context spliced", "matches", len(matches), "position", at)
	return out
}

func (st *run) execute(ctx context.Context, remember bool) conversation.Result {
	start := time.Now()
	st.logger.Info("generating response",
		"provider", st.provider.Name(),
		"model", st.model,
		"tools", len(st.req.Tools),
		"stream", st.w != nil,
	)
	st.bus.Emit(events.SourceCompletion, events.KindRequestStart, map[string]any{
		"request_id":      st.id,
		"conversation_id": st.conv.ID(),
		"provider":        st.provider.Name(),
		"model":           st.model,
		"tools":           st.allowed.Len(),
		"stream":          st.w != nil,
	})

	limiter := rate.NewLimiter(rate.Limit(st.retryRate), st.retryBurst)

	var (
		records  []Record
		lastErr  error
		attempts int
		ok       bool
	)
	for attempts < st.maxAttempts {
		if err := limiter.Wait(ctx); err != nil {
			lastErr = err
			break
		}
		attempts++
		st.logger.Debug("attempt", "attempt", attempts)

		var err error
		records, err = st.attempt(ctx)
		st.bus.Emit(events.SourceCompletion, events.KindLLMAttempt, attemptData(st.id, attempts, err))
		if err == nil {
			ok = true
			break
		}
		lastErr = err
		st.logger.Warn("attempt failed", "attempt", attempts, "error", err)
		if errors.Is(err, errClientGone) || ctx.Err() != nil {
			break
		}
	}

	elapsed := time.Since(start)
	st.finish(ctx, attempts, ok, elapsed)

	if !ok {
		st.logger.Error("failed to generate response", "attempts", attempts, "error", lastErr)
		if st.headersOn {
			// The status line is gone; tell the client in-band.
			if err := st.writeFrame(conversation.ErrorBody{Error: MsgFailed}); err != nil {
				st.logger.Debug("could not send final error record", "error", err)
			}
			return conversation.Result{}
		}
		return errorResult(http.StatusInternalServerError, MsgFailed)
	}

	content := concatContent(records)
	st.logger.Info("response generated", "attempts", attempts, "chunks", len(records), "elapsed", elapsed)
	st.logger.Debug("response content", "content", content)

	if remember {
		st.conv.Append(replyMessages(content, records)...)
	}

	if st.w != nil {
		if !st.headersOn {
			// A stream that produced no chunks still needs its headers.
			st.sendHeaders()
		}
		return conversation.Result{}
	}
	if records == nil {
		records = []Record{}
	}
	return conversation.Result{Status: http.StatusOK, Body: records}
}

func attemptData(id string, attempt int, err error) map[string]any {
	d := map[string]any{"request_id": id, "attempt": attempt, "ok": err == nil}
	if err != nil {
		d["error"] = err.Error()
	}
	return d
}

// attempt runs one backend stream to completion.
func (st *run) attempt(ctx context.Context) ([]Record, error) {
	stream, err := st.provider.Completion(ctx, st.model, st.req)
	if err != nil {
		return nil, fmt.Errorf("start completion: %w", err)
	}
	defer stream.Close()

	var records []Record
	for {
		chunk, err := stream.Recv()
		if errors.Is(err, io.EOF) {
			return records, nil
		}
		if err != nil {
			return records, fmt.Errorf("receive chunk: %w", err)
		}

		rec := Record{
			Content:   chunk.Content,
			Thinking:  chunk.Thinking,
			ToolCalls: chunk.ToolCalls,
		}
		if len(chunk.ToolCalls) > 0 {
			rec.ToolResponses = st.runTools(ctx, chunk.ToolCalls)
		}
		if chunk.InputTokens > 0 {
			st.inputTokens = chunk.InputTokens
		}
		if chunk.OutputTokens > 0 {
			st.outputTokens = chunk.OutputTokens
		}
		st.chunks++
		records = append(records, rec)

		if st.w != nil {
			if err := st.writeFrame(rec); err != nil {
				return records, fmt.Errorf("%w: %v", errClientGone, err)
			}
		}
	}
}

// runTools executes every tool call of a chunk in order.
func (st *run) runTools(ctx context.Context, calls []llm.ToolCall) map[string]string {
	out := make(map[string]string, len(calls))
	for _, tc := range calls {
		name := tc.Function.Name
		st.toolCalls++
		st.bus.Emit(events.SourceCompletion, events.KindToolCall, map[string]any{
			"request_id": st.id,
			"tool":       name,
		})

		began := time.Now()
		result, err := st.allowed.Execute(ctx, name, tc.Function.Arguments)

		var unavailable *tools.ErrToolUnavailable
		switch {
		case errors.As(err, &unavailable):
			st.logger.Warn("model called a tool it was not given", "tool", name)
			out[name] = "Invalid tool: " + name
		case err != nil:
			st.logger.Warn("tool failed", "tool", name, "error", err)
			out[name] = name + " raised:\n" + err.Error()
		default:
			st.logger.Info("tool used", "tool", name)
			out[name] = name + " returned:\n" + result
		}

		st.bus.Emit(events.SourceCompletion, events.KindToolDone, map[string]any{
			"request_id":  st.id,
			"tool":        name,
			"ok":          err == nil,
			"duration_ms": time.Since(began).Milliseconds(),
		})
	}
	return out
}

// sendHeaders starts the chunked response. It runs at most once per
// request, whatever the number of attempts.
func (st *run) sendHeaders() {
	if st.headersOn {
		return
	}
	st.headersOn = true
	h := st.w.Header()
	h.Set("Content-Type", "application/json")
	h.Set("Transfer-Encoding", "chunked")
	st.w.WriteHeader(http.StatusOK)
}

// writeFrame sends v as one chunk of the response. net/http adds the
// chunk framing and the terminating zero-length chunk.
func (st *run) writeFrame(v any) error {
	st.sendHeaders()
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	if _, err := st.w.Write(append(data, '\n')); err != nil {
		return err
	}
	return st.rc.Flush()
}

func (st *run) finish(ctx context.Context, attempts int, ok bool, elapsed time.Duration) {
	st.bus.Emit(events.SourceCompletion, events.KindRequestComplete, map[string]any{
		"request_id":      st.id,
		"conversation_id": st.conv.ID(),
		"attempts":        attempts,
		"chunks":          st.chunks,
		"ok":              ok,
		"tokens_in":       st.inputTokens,
		"tokens_out":      st.outputTokens,
		"elapsed_ms":      elapsed.Milliseconds(),
	})
	if st.usage == nil {
		return
	}
	err := st.usage.Record(context.WithoutCancel(ctx), usage.Record{
		RequestID:      st.id,
		ConversationID: st.conv.ID(),
		Provider:       st.provider.Name(),
		Model:          st.model,
		Attempts:       attempts,
		Chunks:         st.chunks,
		ToolCalls:      st.toolCalls,
		InputTokens:    st.inputTokens,
		OutputTokens:   st.outputTokens,
		Elapsed:        elapsed,
		OK:             ok,
	})
	if err != nil {
		st.logger.Warn("failed to record usage", "error", err)
	}
}

func concatContent(records []Record) string {
	var b strings.Builder
	for _, r := range records {
		b.WriteString(r.Content)
	}
	return b.String()
}

// replyMessages builds the history entries for a remembered reply: the
// assistant message, then one tool message per tool response.
func replyMessages(content string, records []Record) []llm.Message {
	assistant := llm.NewMessage("assistant", content)
	var calls []llm.ToolCall
	var toolMsgs []llm.Message
	for _, r := range records {
		calls = append(calls, r.ToolCalls...)
		for _, tc := range r.ToolCalls {
			resp, ok := r.ToolResponses[tc.Function.Name]
			if !ok {
				continue
			}
			m := llm.NewMessage("tool", resp)
			m["tool_name"] = tc.Function.Name
			toolMsgs = append(toolMsgs, m)
		}
	}
	if len(calls) > 0 {
		raw, err := json.Marshal(calls)
		if err == nil {
			var generic []any
			if json.Unmarshal(raw, &generic) == nil {
				assistant["tool_calls"] = generic
			}
		}
	}
	return append([]llm.Message{assistant}, toolMsgs...)
}
