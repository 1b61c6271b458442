package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/FateUnix29/Hollowfire-1/internal/completion"
	"github.com/FateUnix29/Hollowfire-1/internal/config"
	"github.com/FateUnix29/Hollowfire-1/internal/conversation"
	"github.com/FateUnix29/Hollowfire-1/internal/llm"
	"github.com/FateUnix29/Hollowfire-1/internal/logging"
	"github.com/FateUnix29/Hollowfire-1/internal/session"
)

// runAsk sends one question through the default conversation and
// prints the reply. Nothing is persisted: no state or usage database,
// no log file. Logs go to stderr so stdout carries only the answer.
func runAsk(ctx context.Context, stdout io.Writer, stderr io.Writer, f flags, question string) error {
	cfg, cfgPath, err := loadConfig(f)
	if err != nil {
		return err
	}
	level := config.LevelForVerbosity(f.verbosity)
	logger := logging.New(stderr, level, cfg.LogFormat)
	logger.Debug("config loaded", "path", cfgPath)

	c, err := buildCore(ctx, cfg, coreDeps{logger: logger})
	if err != nil {
		return err
	}

	reply, err := ask(ctx, c.mux, question)
	if err != nil {
		return fmt.Errorf("ask: %w", err)
	}
	if f.outputFmt == "json" {
		enc := json.NewEncoder(stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(map[string]string{"question": question, "answer": reply})
	}
	fmt.Fprintln(stdout, reply)
	return nil
}

// ask appends the question to the default conversation and runs a
// remembered completion, the same two calls a client makes over HTTP.
func ask(ctx context.Context, mux *session.Multiplexer, question string) (string, error) {
	msg, err := json.Marshal(llm.NewMessage("user", question))
	if err != nil {
		return "", err
	}
	res, err := mux.Invoke(ctx, defaultConversation, session.OpMemory, conversation.Call{
		Method:    http.MethodPost,
		Path:      "/memory",
		Body:      msg,
		HasLength: true,
	})
	if err != nil {
		return "", err
	}
	if err := resultError(res); err != nil {
		return "", err
	}

	res, err = mux.Invoke(ctx, defaultConversation, session.OpCompletion, conversation.Call{
		Method:    http.MethodPost,
		Path:      "/completion",
		Body:      []byte(`{"remember":true}`),
		HasLength: true,
	})
	if err != nil {
		return "", err
	}
	if err := resultError(res); err != nil {
		return "", err
	}

	records, ok := res.Body.([]completion.Record)
	if !ok {
		return "", fmt.Errorf("unexpected completion result %T", res.Body)
	}
	var sb strings.Builder
	for _, r := range records {
		sb.WriteString(r.Content)
	}
	return sb.String(), nil
}

// resultError turns a non-2xx operation result into an error carrying
// its message.
func resultError(res conversation.Result) error {
	if res.Status >= 200 && res.Status < 300 {
		return nil
	}
	if body, ok := res.Body.(conversation.ErrorBody); ok {
		return fmt.Errorf("%s (status %d)", body.Error, res.Status)
	}
	return fmt.Errorf("status %d", res.Status)
}
