// Package conversation implements a single conversation: its message
// history, the startout template it resets to, and the operations
// clients run against it.
//
// Every operation takes the conversation's own lock, so operations on one
// conversation are serialized while different conversations proceed in
// parallel. Operations return a Result rather than writing to the wire;
// the session layer renders it.
package conversation

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"sync"

	"github.com/FateUnix29/Hollowfire-1/internal/llm"
	"github.com/FateUnix29/Hollowfire-1/internal/startouts"
)

// Replacement is a literal substitution applied to template content.
type Replacement struct {
	From string
	To   string
}

// SettingsStore persists per-conversation settings so they survive a
// restart. The opstate store satisfies it.
type SettingsStore interface {
	Set(namespace, key, value string) error
}

// SettingsPrefix starts every per-conversation settings namespace.
const SettingsPrefix = "conversation:"

// SettingsNamespace is the opstate namespace holding settings for id.
func SettingsNamespace(id string) string {
	return SettingsPrefix + id
}

// Settings keys written under SettingsNamespace.
const (
	SettingStartout              = "startout"
	SettingStartoutConfiguration = "startout_configuration"
)

// Options configures a new Conversation.
type Options struct {
	ID           string
	Template     []llm.Message // deep-copied on construction
	StartoutName string
	Replacements []Replacement

	StartoutConfiguration int

	Provider  llm.Provider
	MemoryDir string
	Source    startouts.Source
	Settings  SettingsStore // optional
	Logger    *slog.Logger
}

// Conversation is one isolated message history plus its template and
// settings.
type Conversation struct {
	id        string
	memoryDir string
	source    startouts.Source
	settings  SettingsStore
	logger    *slog.Logger
	replacer  *strings.Replacer

	mu             sync.Mutex
	history        []llm.Message
	template       []llm.Message
	startoutName   string
	startoutConfig int
	provider       llm.Provider
}

// New creates a conversation and resets its history from the template.
func New(opts Options) *Conversation {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	c := &Conversation{
		id:             opts.ID,
		memoryDir:      opts.MemoryDir,
		source:         opts.Source,
		settings:       opts.Settings,
		logger:         logger.With("conversation", opts.ID),
		replacer:       newReplacer(opts.Replacements),
		template:       llm.CloneMessages(opts.Template),
		startoutName:   opts.StartoutName,
		startoutConfig: opts.StartoutConfiguration,
		provider:       opts.Provider,
	}
	c.history = c.substitutedTemplate()
	return c
}

// newReplacer builds a single-pass replacer. Text produced by one
// replacement is never matched by another; where keys overlap at the
// same position, the one listed first wins.
func newReplacer(reps []Replacement) *strings.Replacer {
	pairs := make([]string, 0, len(reps)*2)
	for _, r := range reps {
		if r.From == "" {
			continue
		}
		pairs = append(pairs, r.From, r.To)
	}
	return strings.NewReplacer(pairs...)
}

// substitutedTemplate returns a fresh copy of the template with
// replacements applied to every string content field. Caller holds mu.
func (c *Conversation) substitutedTemplate() []llm.Message {
	out := llm.CloneMessages(c.template)
	for _, m := range out {
		if s, ok := m["content"].(string); ok {
			m["content"] = c.replacer.Replace(s)
		}
	}
	return out
}

// ID returns the conversation id.
func (c *Conversation) ID() string { return c.id }

// History returns a copy of the current history.
func (c *Conversation) History() []llm.Message {
	c.mu.Lock()
	defer c.mu.Unlock()
	return llm.CloneMessages(c.history)
}

// Append adds messages to the end of the history.
func (c *Conversation) Append(msgs ...llm.Message) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, m := range msgs {
		c.history = append(c.history, m.Clone())
	}
}

// Provider returns the conversation's backend.
func (c *Conversation) Provider() llm.Provider {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.provider
}

// StartoutName returns the name of the active template.
func (c *Conversation) StartoutName() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.startoutName
}

// StartoutConfiguration returns the active configuration selector.
func (c *Conversation) StartoutConfiguration() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.startoutConfig
}

// SetupProvider passes client configuration to the conversation's
// backend. The conversation lock is not held while the backend runs.
func (c *Conversation) SetupProvider(ctx context.Context, cfg map[string]any) error {
	p := c.Provider()
	if p == nil {
		return fmt.Errorf("conversation has no provider")
	}
	if err := p.Setup(ctx, cfg); err != nil {
		return err
	}
	c.logger.Info("provider configured", "provider", p.Name())
	return nil
}

// Reset recomputes the history from the template.
func (c *Conversation) Reset(Call) Result {
	c.mu.Lock()
	c.history = c.substitutedTemplate()
	n := len(c.history)
	c.mu.Unlock()

	c.logger.Info("memory reset", "messages", n)
	return Result{Status: http.StatusOK}
}

// SearchSetStartout swaps the template for a named startout. POST also
// overwrites the start of the history with the substituted template;
// GET leaves the history alone.
func (c *Conversation) SearchSetStartout(call Call) Result {
	name := call.Trailing("search_set_startout")
	if name == "" {
		return errorResult(http.StatusBadRequest, "Request was invalid.")
	}
	if c.source == nil {
		return errorResult(http.StatusNotFound, fmt.Sprintf("Failed to find startout '%s'.", name))
	}

	tmpl, file, ok := c.source.Lookup(name)
	if !ok {
		c.logger.Warn("startout not found", "startout", name)
		return errorResult(http.StatusNotFound, fmt.Sprintf("Failed to find startout '%s'.", name))
	}

	c.mu.Lock()
	c.template = tmpl
	c.startoutName = name
	if call.Method == http.MethodPost {
		fixed := c.substitutedTemplate()
		for i, m := range fixed {
			if i < len(c.history) {
				c.history[i] = m
			} else {
				c.history = append(c.history, m)
			}
		}
	}
	history := llm.CloneMessages(c.history)
	c.mu.Unlock()

	c.persist(SettingStartout, name)
	c.logger.Info("startout changed", "startout", name, "file", file, "applied", call.Method == http.MethodPost)
	return Result{Status: http.StatusOK, Body: history}
}

// ChangeStartoutConfiguration stores a new configuration selector.
func (c *Conversation) ChangeStartoutConfiguration(call Call) Result {
	value, err := strconv.Atoi(call.Trailing("change_startout_configuration"))
	if err != nil {
		return errorResult(http.StatusBadRequest,
			"Failed to change startout configuration. Was the configuration an integer?")
	}

	c.mu.Lock()
	c.startoutConfig = value
	history := llm.CloneMessages(c.history)
	c.mu.Unlock()

	c.persist(SettingStartoutConfiguration, strconv.Itoa(value))
	c.logger.Info("startout configuration changed", "startout_configuration", value)
	return Result{Status: http.StatusOK, Body: history}
}

func (c *Conversation) persist(key, value string) {
	if c.settings == nil {
		return
	}
	if err := c.settings.Set(SettingsNamespace(c.id), key, value); err != nil {
		c.logger.Warn("failed to persist conversation setting", "key", key, "error", err)
	}
}
