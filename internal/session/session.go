// Package session maps request paths onto conversations. A single
// catch-all handler splits /<conversation>/<endpoint>/... paths, looks
// up the conversation and runs the endpoint's operation; a few
// side-channel routes create conversations and manage providers.
package session

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sort"
	"strconv"
	"strings"
	"sync"

	"github.com/FateUnix29/Hollowfire-1/internal/conversation"
	"github.com/FateUnix29/Hollowfire-1/internal/events"
	"github.com/FateUnix29/Hollowfire-1/internal/llm"
	"github.com/FateUnix29/Hollowfire-1/internal/server"
	"github.com/FateUnix29/Hollowfire-1/internal/startouts"
)

// Errors returned by the multiplexer.
var (
	ErrNoSuchConversation = errors.New("no such conversation")
	ErrNoDefaultStartout  = errors.New("default startout not found")
	ErrUnknownEndpoint    = errors.New("unknown endpoint")
	ErrMethodNotAllowed   = errors.New("method not accepted by endpoint")
	ErrNoHandler          = errors.New("no handler registered for operation")
	ErrReservedID         = errors.New("conversation id is reserved")
)

// Response messages.
const (
	MsgIncompletePath   = "Incomplete path for this request."
	MsgNotFound         = "Conversation not found."
	MsgInvalidCallback  = "Invalid request callback registered."
	MsgProviderNotFound = "Provider not found."
	MsgReservedID       = "Conversation id is reserved."
)

// Opstate namespace and key for the persisted default provider.
const (
	stateNamespace   = "session"
	stateKeyProvider = "default_provider"
)

// reserved holds first path segments answered by side-channel routes.
// They can never name a conversation.
var reserved = map[string]bool{
	"ensure-exist":    true,
	"change-provider": true,
	"setup-provider":  true,
	"events":          true,
	"health":          true,
	"version":         true,
	"usage":           true,
}

// StateStore persists multiplexer and conversation settings. The
// opstate store satisfies it.
type StateStore interface {
	Get(namespace, key string) (string, error)
	Set(namespace, key, value string) error
}

// Options configures a [Multiplexer].
type Options struct {
	Providers       *llm.Registry
	DefaultProvider string

	Startouts             startouts.Source
	DefaultStartout       string
	Replacements          []conversation.Replacement
	StartoutConfiguration int

	MemoryDir string
	State     StateStore // optional
	Bus       *events.Bus
	Logger    *slog.Logger
}

// Multiplexer owns the conversation map and dispatches requests to
// conversation operations. It is safe for concurrent use.
type Multiplexer struct {
	providers       *llm.Registry
	source          startouts.Source
	defaultStartout string
	replacements    []conversation.Replacement
	startoutConfig  int
	memoryDir       string
	state           StateStore
	bus             *events.Bus
	logger          *slog.Logger

	mu        sync.RWMutex
	convs     map[string]*conversation.Conversation
	provider  string
	endpoints map[string]endpoint
	ops       map[Op]OpFunc
}

// New creates a multiplexer with the default endpoint and op tables. The
// default startout must exist. A default provider persisted by an
// earlier run takes precedence over opts.DefaultProvider.
func New(opts Options) (*Multiplexer, error) {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	if opts.Providers == nil {
		return nil, errors.New("session: provider registry is required")
	}
	if opts.Startouts == nil {
		return nil, fmt.Errorf("%w: no startout source", ErrNoDefaultStartout)
	}
	if _, _, ok := opts.Startouts.Lookup(opts.DefaultStartout); !ok {
		return nil, fmt.Errorf("%w: %q", ErrNoDefaultStartout, opts.DefaultStartout)
	}

	m := &Multiplexer{
		providers:       opts.Providers,
		source:          opts.Startouts,
		defaultStartout: opts.DefaultStartout,
		replacements:    opts.Replacements,
		startoutConfig:  opts.StartoutConfiguration,
		memoryDir:       opts.MemoryDir,
		state:           opts.State,
		bus:             opts.Bus,
		logger:          logger.With("component", "session"),
		convs:           make(map[string]*conversation.Conversation),
		endpoints:       make(map[string]endpoint),
		ops:             DefaultOps(),
	}

	m.provider = opts.DefaultProvider
	if saved := m.loadSetting(stateNamespace, stateKeyProvider); saved != "" {
		if m.providers.Has(saved) {
			m.provider = saved
		} else {
			m.logger.Warn("ignoring persisted default provider", "provider", saved)
		}
	}
	if !m.providers.Has(m.provider) {
		return nil, fmt.Errorf("default provider %q: %w", m.provider, llm.ErrUnknownProvider)
	}

	for _, e := range DefaultEndpoints() {
		if err := m.Handle(e.Name, e.Op, e.Verbs...); err != nil {
			return nil, err
		}
	}
	return m, nil
}

// Handle maps an endpoint name to an operation for the given verbs.
func (m *Multiplexer) Handle(name string, op Op, verbs ...string) error {
	if !op.valid() {
		return fmt.Errorf("handle %q: invalid operation %v", name, op)
	}
	if name == "" || strings.Contains(name, "/") {
		return fmt.Errorf("handle %q: invalid endpoint name", name)
	}
	set := make(map[string]bool, len(verbs))
	for _, v := range verbs {
		set[v] = true
	}
	m.mu.Lock()
	m.endpoints[name] = endpoint{op: op, verbs: set}
	m.mu.Unlock()
	return nil
}

// SetOp binds (or with a nil fn, unbinds) the function that runs op.
func (m *Multiplexer) SetOp(op Op, fn OpFunc) error {
	if !op.valid() {
		return fmt.Errorf("set op: invalid operation %v", op)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if fn == nil {
		delete(m.ops, op)
		return nil
	}
	m.ops[op] = fn
	return nil
}

// DefaultProvider returns the provider name used for new conversations.
func (m *Multiplexer) DefaultProvider() string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.provider
}

// ChangeProvider sets the provider used for conversations created from
// now on. Existing conversations keep theirs.
func (m *Multiplexer) ChangeProvider(name string) error {
	if !m.providers.Has(name) {
		return fmt.Errorf("change provider %q: %w", name, llm.ErrUnknownProvider)
	}
	m.mu.Lock()
	m.provider = name
	m.mu.Unlock()

	if m.state != nil {
		if err := m.state.Set(stateNamespace, stateKeyProvider, name); err != nil {
			m.logger.Warn("failed to persist default provider", "provider", name, "error", err)
		}
	}
	m.logger.Info("default provider changed", "provider", name)
	m.bus.Emit(events.SourceSession, events.KindProviderChanged, map[string]any{"provider": name})
	return nil
}

// Get returns the conversation with the given id.
func (m *Multiplexer) Get(id string) (*conversation.Conversation, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	c, ok := m.convs[id]
	return c, ok
}

// IDs returns the ids of all conversations, sorted.
func (m *Multiplexer) IDs() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	ids := make([]string, 0, len(m.convs))
	for id := range m.convs {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// namespaceLister is implemented by state stores that can enumerate
// their namespaces. The opstate store does.
type namespaceLister interface {
	Namespaces(prefix string) ([]string, error)
}

// Restore recreates every conversation that has persisted settings, so
// named conversations come back after a restart with their startout
// selection. Histories start fresh from the template. It returns the
// ids it created.
func (m *Multiplexer) Restore() ([]string, error) {
	lister, ok := m.state.(namespaceLister)
	if !ok {
		return nil, nil
	}
	namespaces, err := lister.Namespaces(conversation.SettingsPrefix)
	if err != nil {
		return nil, fmt.Errorf("restore conversations: %w", err)
	}
	var restored []string
	for _, ns := range namespaces {
		id := strings.TrimPrefix(ns, conversation.SettingsPrefix)
		if id == "" {
			continue
		}
		if reserved[id] {
			m.logger.Warn("skipping persisted conversation with reserved id", "conversation", id)
			continue
		}
		_, created, err := m.EnsureExists(id)
		if err != nil {
			return restored, fmt.Errorf("restore conversations: %w", err)
		}
		if created {
			restored = append(restored, id)
		}
	}
	return restored, nil
}

// EnsureExists returns the conversation with the given id, creating it
// with the current defaults if needed. created reports whether it was
// new.
func (m *Multiplexer) EnsureExists(id string) (conv *conversation.Conversation, created bool, err error) {
	if reserved[id] {
		return nil, false, fmt.Errorf("%w: %q", ErrReservedID, id)
	}
	if c, ok := m.Get(id); ok {
		return c, false, nil
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if c, ok := m.convs[id]; ok {
		return c, false, nil
	}

	providerName := m.provider
	provider, err := m.providers.New(providerName)
	if err != nil {
		return nil, false, fmt.Errorf("create conversation %q: %w", id, err)
	}

	startoutName := m.defaultStartout
	if saved := m.loadSetting(conversation.SettingsNamespace(id), conversation.SettingStartout); saved != "" {
		if _, _, ok := m.source.Lookup(saved); ok {
			startoutName = saved
		} else {
			m.logger.Warn("persisted startout no longer exists", "conversation", id, "startout", saved)
		}
	}
	tmpl, _, ok := m.source.Lookup(startoutName)
	if !ok {
		return nil, false, fmt.Errorf("create conversation %q: %w: %q", id, ErrNoDefaultStartout, startoutName)
	}

	startoutConfig := m.startoutConfig
	if saved := m.loadSetting(conversation.SettingsNamespace(id), conversation.SettingStartoutConfiguration); saved != "" {
		if v, err := strconv.Atoi(saved); err == nil {
			startoutConfig = v
		}
	}

	var settings conversation.SettingsStore
	if m.state != nil {
		settings = m.state
	}
	conv = conversation.New(conversation.Options{
		ID:                    id,
		Template:              tmpl,
		StartoutName:          startoutName,
		Replacements:          m.replacements,
		StartoutConfiguration: startoutConfig,
		Provider:              provider,
		MemoryDir:             m.memoryDir,
		Source:                m.source,
		Settings:              settings,
		Logger:                m.logger,
	})
	m.convs[id] = conv

	m.logger.Info("conversation created", "conversation", id, "provider", providerName, "startout", startoutName)
	m.bus.Emit(events.SourceSession, events.KindConversationCreated, map[string]any{
		"conversation_id": id,
		"provider":        providerName,
		"startout":        startoutName,
	})
	return conv, true, nil
}

func (m *Multiplexer) loadSetting(namespace, key string) string {
	if m.state == nil {
		return ""
	}
	v, err := m.state.Get(namespace, key)
	if err != nil {
		m.logger.Warn("failed to read persisted setting", "namespace", namespace, "key", key, "error", err)
		return ""
	}
	return v
}

// resolve finds the op for an endpoint and verb. Caller must not hold mu.
func (m *Multiplexer) resolve(name, method string) (Op, OpFunc, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	ep, ok := m.endpoints[name]
	if !ok {
		return OpNone, nil, fmt.Errorf("%w: %q", ErrUnknownEndpoint, name)
	}
	if !ep.verbs[method] {
		return ep.op, nil, fmt.Errorf("%w: %s %q", ErrMethodNotAllowed, method, name)
	}
	fn := m.ops[ep.op]
	if fn == nil {
		return ep.op, nil, fmt.Errorf("%w: %v", ErrNoHandler, ep.op)
	}
	return ep.op, fn, nil
}

// Invoke runs op against a conversation without an HTTP request. The
// call's Method must be one the op's endpoint accepts.
func (m *Multiplexer) Invoke(ctx context.Context, id string, op Op, call conversation.Call) (conversation.Result, error) {
	conv, ok := m.Get(id)
	if !ok {
		return conversation.Result{}, fmt.Errorf("%w: %q", ErrNoSuchConversation, id)
	}
	m.mu.RLock()
	fn := m.ops[op]
	m.mu.RUnlock()
	if fn == nil {
		return conversation.Result{}, fmt.Errorf("%w: %v", ErrNoHandler, op)
	}
	return fn(ctx, conv, call, nil), nil
}

// Register installs the multiplexer and its side-channel routes on rt.
// Routes owning the other reserved segments (health, version, usage,
// events) must be registered before it; the catch-all answers 404 for a
// reserved path nothing has answered yet.
func (m *Multiplexer) Register(rt *server.Router) error {
	routes := []struct {
		method string
		path   string
		kind   server.MatchKind
		h      server.HandlerFunc
	}{
		{http.MethodGet, "/ensure-exist/", server.PrefixOf, m.handleEnsureExist},
		{http.MethodGet, "/change-provider/", server.PrefixOf, m.handleChangeProvider},
		{http.MethodPost, "/setup-provider/", server.PrefixOf, m.handleSetupProvider},
		{http.MethodGet, "/", server.PrefixOf, m.serve},
		{http.MethodPost, "/", server.PrefixOf, m.serve},
	}
	for _, r := range routes {
		if err := rt.Register(r.method, r.path, r.kind, r.h); err != nil {
			return err
		}
	}
	return nil
}

func splitPath(p string) []string {
	var segs []string
	for _, s := range strings.Split(p, "/") {
		if s != "" {
			segs = append(segs, s)
		}
	}
	return segs
}

// serve is the catch-all conversation handler.
func (m *Multiplexer) serve(w http.ResponseWriter, r *server.Request) error {
	segs := splitPath(r.Path)
	if len(segs) > 0 && reserved[segs[0]] {
		if !server.Responded(w) {
			m.logger.Debug("no side-channel route", "method", r.Method, "path", r.URL.Path)
			server.WriteError(w, http.StatusNotFound, server.MsgNotFound, m.logger)
		}
		return nil
	}
	if len(segs) < 2 {
		server.WriteError(w, http.StatusBadRequest, MsgIncompletePath, m.logger)
		return nil
	}

	id := segs[0]
	r.Path = "/" + strings.Join(segs[1:], "/")

	conv, ok := m.Get(id)
	if !ok {
		m.logger.Debug("request for unknown conversation", "conversation", id)
		server.WriteError(w, http.StatusNotFound, MsgNotFound, m.logger)
		return nil
	}

	op, fn, err := m.resolve(segs[1], r.Method)
	switch {
	case errors.Is(err, ErrUnknownEndpoint), errors.Is(err, ErrMethodNotAllowed):
		m.logger.Debug("no conversation endpoint", "conversation", id, "error", err)
		server.WriteError(w, http.StatusNotFound, server.MsgNotFound, m.logger)
		return nil
	case err != nil:
		m.logger.Error("conversation endpoint has no handler", "conversation", id, "op", op, "error", err)
		server.WriteError(w, http.StatusInternalServerError, MsgInvalidCallback, m.logger)
		return nil
	}

	call := conversation.Call{Method: r.Method, Path: r.Path, HasLength: r.HasLength()}
	if r.Method != http.MethodGet {
		body, err := r.ReadBody()
		if err != nil {
			return fmt.Errorf("read body: %w", err)
		}
		call.Body = body
	}

	m.logger.Debug("dispatching", "conversation", id, "op", op, "method", r.Method, "path", r.Path)
	res := fn(r.Context(), conv, call, w)
	writeResult(w, res, m.logger)
	return nil
}

// writeResult renders an operation result. A zero status means the op
// wrote its own response.
func writeResult(w http.ResponseWriter, res conversation.Result, logger *slog.Logger) {
	if res.Status == 0 {
		return
	}
	server.WriteJSON(w, res.Status, res.Body, logger)
}

// sideChannelArg returns the single path segment following prefix, or
// "" when there is none.
func sideChannelArg(path, prefix string) string {
	rest := strings.Trim(strings.TrimPrefix(path, prefix), "/")
	if rest == "" || strings.Contains(rest, "/") {
		return ""
	}
	return rest
}

func (m *Multiplexer) handleEnsureExist(w http.ResponseWriter, r *server.Request) error {
	id := sideChannelArg(r.URL.Path, "/ensure-exist/")
	if id == "" {
		server.WriteError(w, http.StatusBadRequest, MsgIncompletePath, m.logger)
		return nil
	}
	_, created, err := m.EnsureExists(id)
	if errors.Is(err, ErrReservedID) {
		server.WriteError(w, http.StatusBadRequest, MsgReservedID, m.logger)
		return nil
	}
	if err != nil {
		return err
	}
	server.WriteJSON(w, http.StatusOK, map[string]bool{"created": created}, m.logger)
	return nil
}

func (m *Multiplexer) handleChangeProvider(w http.ResponseWriter, r *server.Request) error {
	name := sideChannelArg(r.URL.Path, "/change-provider/")
	if name == "" {
		server.WriteError(w, http.StatusBadRequest, MsgIncompletePath, m.logger)
		return nil
	}
	if err := m.ChangeProvider(name); err != nil {
		if errors.Is(err, llm.ErrUnknownProvider) {
			server.WriteError(w, http.StatusNotFound, MsgProviderNotFound, m.logger)
			return nil
		}
		return err
	}
	server.WriteJSON(w, http.StatusOK, map[string]string{"provider": name}, m.logger)
	return nil
}

func (m *Multiplexer) handleSetupProvider(w http.ResponseWriter, r *server.Request) error {
	id := sideChannelArg(r.URL.Path, "/setup-provider/")
	if id == "" {
		server.WriteError(w, http.StatusBadRequest, MsgIncompletePath, m.logger)
		return nil
	}
	if !r.HasLength() {
		server.WriteError(w, http.StatusLengthRequired, conversation.MsgLengthRequired, m.logger)
		return nil
	}
	body, err := r.ReadBody()
	if err != nil {
		return fmt.Errorf("read body: %w", err)
	}
	var cfg map[string]any
	if err := json.Unmarshal(body, &cfg); err != nil || cfg == nil {
		server.WriteError(w, http.StatusBadRequest, conversation.MsgNotJSON, m.logger)
		return nil
	}

	conv, ok := m.Get(id)
	if !ok {
		server.WriteError(w, http.StatusNotFound, MsgNotFound, m.logger)
		return nil
	}
	if err := conv.SetupProvider(r.Context(), cfg); err != nil {
		m.logger.Warn("provider setup failed", "conversation", id, "error", err)
		server.WriteError(w, http.StatusBadRequest, "Provider setup failed: "+err.Error(), m.logger)
		return nil
	}
	w.WriteHeader(http.StatusOK)
	return nil
}
