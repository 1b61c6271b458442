package session

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"slices"
	"strings"
	"testing"

	"github.com/FateUnix29/Hollowfire-1/internal/conversation"
	"github.com/FateUnix29/Hollowfire-1/internal/events"
	"github.com/FateUnix29/Hollowfire-1/internal/llm"
	"github.com/FateUnix29/Hollowfire-1/internal/server"
)

type fakeSource map[string][]llm.Message

func (f fakeSource) Lookup(name string) ([]llm.Message, string, bool) {
	t, ok := f[name]
	if !ok {
		return nil, "", false
	}
	return llm.CloneMessages(t), "fake.yaml", true
}

type memState map[string]string

func (m memState) Get(ns, key string) (string, error) { return m[ns+"/"+key], nil }
func (m memState) Set(ns, key, value string) error {
	m[ns+"/"+key] = value
	return nil
}

func (m memState) Namespaces(prefix string) ([]string, error) {
	var out []string
	for k := range m {
		ns := k[:strings.LastIndex(k, "/")]
		if strings.HasPrefix(ns, prefix) && !slices.Contains(out, ns) {
			out = append(out, ns)
		}
	}
	slices.Sort(out)
	return out, nil
}

type fakeProvider struct {
	name     string
	setupErr error
	setup    map[string]any
}

func (p *fakeProvider) Name() string { return p.name }
func (p *fakeProvider) Setup(_ context.Context, cfg map[string]any) error {
	p.setup = cfg
	return p.setupErr
}
func (p *fakeProvider) Completion(context.Context, string, llm.Request) (llm.Stream, error) {
	return nil, errors.New("not used")
}
func (p *fakeProvider) Ping(context.Context) error { return nil }

type fixture struct {
	mux    *Multiplexer
	router *server.Router
	state  memState
	bus    *events.Bus
}

func newFixture(t *testing.T, state memState) *fixture {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))

	reg := llm.NewRegistry()
	reg.Register("ollama", func() llm.Provider { return &fakeProvider{name: "ollama"} })
	reg.Register("openai", func() llm.Provider { return &fakeProvider{name: "openai", setupErr: errors.New("api_key is required")} })

	if state == nil {
		state = memState{}
	}
	bus := events.New()
	m, err := New(Options{
		Providers:       reg,
		DefaultProvider: "ollama",
		Startouts: fakeSource{
			"main":  {llm.NewMessage("system", "You are {name}.")},
			"other": {llm.NewMessage("system", "Other"), llm.NewMessage("assistant", "Hi")},
		},
		DefaultStartout: "main",
		Replacements:    []conversation.Replacement{{From: "{name}", To: "Hollowfire"}},
		MemoryDir:       t.TempDir(),
		State:           state,
		Bus:             bus,
		Logger:          logger,
	})
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	rt := server.NewRouter(logger)
	if err := m.Register(rt); err != nil {
		t.Fatalf("Register: %v", err)
	}
	return &fixture{mux: m, router: rt, state: state, bus: bus}
}

func (f *fixture) do(t *testing.T, method, path, body string) *httptest.ResponseRecorder {
	t.Helper()
	var rd io.Reader
	if body != "" {
		rd = strings.NewReader(body)
	}
	rec := httptest.NewRecorder()
	f.router.ServeHTTP(rec, httptest.NewRequest(method, path, rd))
	return rec
}

func errorOf(t *testing.T, rec *httptest.ResponseRecorder) string {
	t.Helper()
	var body server.ErrorBody
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatalf("decode %q: %v", rec.Body.String(), err)
	}
	return body.Error
}

func TestNew_MissingDefaultStartout(t *testing.T) {
	_, err := New(Options{
		Providers:       llm.NewRegistry(),
		Startouts:       fakeSource{},
		DefaultStartout: "missing",
	})
	if !errors.Is(err, ErrNoDefaultStartout) {
		t.Errorf("err = %v, want ErrNoDefaultStartout", err)
	}
}

func TestNew_UnknownDefaultProvider(t *testing.T) {
	_, err := New(Options{
		Providers:       llm.NewRegistry(),
		DefaultProvider: "nope",
		Startouts:       fakeSource{"main": nil},
		DefaultStartout: "main",
	})
	if !errors.Is(err, llm.ErrUnknownProvider) {
		t.Errorf("err = %v, want ErrUnknownProvider", err)
	}
}

func TestServe_PathErrors(t *testing.T) {
	f := newFixture(t, nil)
	if _, _, err := f.mux.EnsureExists("default"); err != nil {
		t.Fatal(err)
	}

	tests := []struct {
		name   string
		method string
		path   string
		status int
		msg    string
	}{
		{"one segment", http.MethodGet, "/default", http.StatusBadRequest, MsgIncompletePath},
		{"root", http.MethodGet, "/", http.StatusBadRequest, MsgIncompletePath},
		{"empty segments ignored", http.MethodGet, "//default//", http.StatusBadRequest, MsgIncompletePath},
		{"unknown conversation", http.MethodGet, "/ghost/memory", http.StatusNotFound, MsgNotFound},
		{"unknown endpoint", http.MethodGet, "/default/bogus", http.StatusNotFound, server.MsgNotFound},
		{"wrong verb", http.MethodGet, "/default/completion", http.StatusNotFound, server.MsgNotFound},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := f.do(t, tt.method, tt.path, "")
			if rec.Code != tt.status {
				t.Fatalf("status = %d, want %d (%s)", rec.Code, tt.status, rec.Body.String())
			}
			if msg := errorOf(t, rec); msg != tt.msg {
				t.Errorf("error = %q, want %q", msg, tt.msg)
			}
		})
	}
}

func TestServe_MissingOpHandler(t *testing.T) {
	f := newFixture(t, nil)
	if _, _, err := f.mux.EnsureExists("default"); err != nil {
		t.Fatal(err)
	}

	// Completion has no runner bound in this fixture.
	rec := f.do(t, http.MethodPost, "/default/completion", "{}")
	if rec.Code != http.StatusInternalServerError {
		t.Fatalf("status = %d, want 500", rec.Code)
	}
	if msg := errorOf(t, rec); msg != MsgInvalidCallback {
		t.Errorf("error = %q", msg)
	}
}

func TestServe_MemoryRoundTrip(t *testing.T) {
	f := newFixture(t, nil)
	if _, _, err := f.mux.EnsureExists("default"); err != nil {
		t.Fatal(err)
	}

	rec := f.do(t, http.MethodPost, "/default/memory", `{"role":"user","content":"hello"}`)
	if rec.Code != http.StatusOK {
		t.Fatalf("POST memory status = %d: %s", rec.Code, rec.Body.String())
	}

	rec = f.do(t, http.MethodGet, "/default/memory", "")
	var hist []map[string]any
	if err := json.Unmarshal(rec.Body.Bytes(), &hist); err != nil {
		t.Fatalf("decode history: %v", err)
	}
	if len(hist) != 2 || hist[0]["content"] != "You are Hollowfire." || hist[1]["content"] != "hello" {
		t.Errorf("history = %v", hist)
	}

	rec = f.do(t, http.MethodDelete, "/default/memory/-1", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("DELETE status = %d: %s", rec.Code, rec.Body.String())
	}
	conv, _ := f.mux.Get("default")
	if n := len(conv.History()); n != 1 {
		t.Errorf("history length after delete = %d, want 1", n)
	}
}

func TestServe_ReservedSegments(t *testing.T) {
	tests := []struct {
		name     string
		method   string
		path     string
		wantCode int
		wantErr  string
	}{
		{"side channel answers once", http.MethodGet, "/ensure-exist/alpha", http.StatusOK, ""},
		{"answered by earlier route", http.MethodGet, "/health", http.StatusOK, ""},
		{"ensure-exist without slash", http.MethodGet, "/ensure-exist", http.StatusNotFound, server.MsgNotFound},
		{"ensure-exist wrong verb", http.MethodPost, "/ensure-exist/beta", http.StatusNotFound, server.MsgNotFound},
		{"ensure-exist delete", http.MethodDelete, "/ensure-exist/beta", http.StatusNotFound, server.MsgNotFound},
		{"change-provider wrong verb", http.MethodPost, "/change-provider/openai", http.StatusNotFound, server.MsgNotFound},
		{"setup-provider wrong verb", http.MethodGet, "/setup-provider/default", http.StatusNotFound, server.MsgNotFound},
		{"unclaimed reserved path", http.MethodGet, "/usage/extra", http.StatusNotFound, server.MsgNotFound},
		{"reserved conversation id", http.MethodGet, "/ensure-exist/health", http.StatusBadRequest, MsgReservedID},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t, nil)
			rt := server.NewRouter(slog.New(slog.NewTextHandler(io.Discard, nil)))
			health := func(w http.ResponseWriter, r *server.Request) error {
				server.WriteJSON(w, http.StatusOK, map[string]string{"status": "ok"}, f.mux.logger)
				return nil
			}
			if err := rt.Register(http.MethodGet, "/health", server.Exact, health); err != nil {
				t.Fatal(err)
			}
			if err := f.mux.Register(rt); err != nil {
				t.Fatal(err)
			}

			rec := httptest.NewRecorder()
			rt.ServeHTTP(rec, httptest.NewRequest(tt.method, tt.path, nil))
			if rec.Code != tt.wantCode {
				t.Fatalf("status = %d, want %d: %s", rec.Code, tt.wantCode, rec.Body.String())
			}
			if strings.Count(rec.Body.String(), "\n") != 1 {
				t.Errorf("want exactly one response body, got %q", rec.Body.String())
			}
			if tt.wantErr != "" {
				if got := errorOf(t, rec); got != tt.wantErr {
					t.Errorf("error = %q, want %q", got, tt.wantErr)
				}
			}
			if f.mux.DefaultProvider() != "ollama" {
				t.Errorf("default provider changed to %q", f.mux.DefaultProvider())
			}
			if _, ok := f.mux.Get("beta"); ok {
				t.Error("conversation beta created")
			}
		})
	}
}

func TestEnsureExists_RejectsReservedIDs(t *testing.T) {
	f := newFixture(t, nil)
	for _, id := range []string{"ensure-exist", "health", "events"} {
		if _, _, err := f.mux.EnsureExists(id); !errors.Is(err, ErrReservedID) {
			t.Errorf("EnsureExists(%q) error = %v, want ErrReservedID", id, err)
		}
	}
	if ids := f.mux.IDs(); slices.Contains(ids, "health") {
		t.Errorf("reserved id stored: %v", ids)
	}
}

func TestEnsureExist(t *testing.T) {
	f := newFixture(t, nil)
	sub := f.bus.Subscribe(4)
	defer f.bus.Unsubscribe(sub)

	for i, want := range []string{`{"created":true}`, `{"created":false}`} {
		rec := f.do(t, http.MethodGet, "/ensure-exist/alpha", "")
		if got := strings.TrimSpace(rec.Body.String()); got != want {
			t.Errorf("call %d body = %s, want %s", i, got, want)
		}
	}

	select {
	case e := <-sub:
		if e.Kind != events.KindConversationCreated || e.Data["conversation_id"] != "alpha" {
			t.Errorf("event = %+v", e)
		}
	default:
		t.Error("no conversation_created event")
	}

	conv, ok := f.mux.Get("alpha")
	if !ok {
		t.Fatal("conversation not stored")
	}
	if h := conv.History(); len(h) != 1 || h[0].Content() != "You are Hollowfire." {
		t.Errorf("new conversation history = %v", h)
	}
}

func TestEnsureExist_RestoresPersistedSettings(t *testing.T) {
	state := memState{
		conversation.SettingsNamespace("alpha") + "/" + conversation.SettingStartout:              "other",
		conversation.SettingsNamespace("alpha") + "/" + conversation.SettingStartoutConfiguration: "2",
	}
	f := newFixture(t, state)

	conv, created, err := f.mux.EnsureExists("alpha")
	if err != nil || !created {
		t.Fatalf("EnsureExists = %v, %v", created, err)
	}
	if conv.StartoutName() != "other" || conv.StartoutConfiguration() != 2 {
		t.Errorf("startout = %q/%d", conv.StartoutName(), conv.StartoutConfiguration())
	}
	if n := len(conv.History()); n != 2 {
		t.Errorf("history length = %d, want 2", n)
	}
}

func TestRestore(t *testing.T) {
	state := memState{
		conversation.SettingsNamespace("alpha") + "/" + conversation.SettingStartout:              "other",
		conversation.SettingsNamespace("beta") + "/" + conversation.SettingStartoutConfiguration: "1",
		conversation.SettingsNamespace("usage") + "/" + conversation.SettingStartout:              "other",
		"session/" + stateKeyProvider: "ollama",
	}
	f := newFixture(t, state)
	if _, _, err := f.mux.EnsureExists("beta"); err != nil {
		t.Fatal(err)
	}

	restored, err := f.mux.Restore()
	if err != nil {
		t.Fatalf("Restore: %v", err)
	}
	if !slices.Equal(restored, []string{"alpha"}) {
		t.Errorf("restored = %v, want [alpha]", restored)
	}
	if got := f.mux.IDs(); !slices.Equal(got, []string{"alpha", "beta"}) {
		t.Errorf("IDs = %v", got)
	}
	if conv, _ := f.mux.Get("alpha"); conv.StartoutName() != "other" {
		t.Errorf("alpha startout = %q", conv.StartoutName())
	}
}

func TestChangeProvider(t *testing.T) {
	f := newFixture(t, nil)
	if _, _, err := f.mux.EnsureExists("before"); err != nil {
		t.Fatal(err)
	}

	rec := f.do(t, http.MethodGet, "/change-provider/unknown", "")
	if rec.Code != http.StatusNotFound || errorOf(t, rec) != MsgProviderNotFound {
		t.Fatalf("unknown provider: %d %s", rec.Code, rec.Body.String())
	}

	rec = f.do(t, http.MethodGet, "/change-provider/openai", "")
	if rec.Code != http.StatusOK || strings.TrimSpace(rec.Body.String()) != `{"provider":"openai"}` {
		t.Fatalf("change: %d %s", rec.Code, rec.Body.String())
	}
	if f.state["session/default_provider"] != "openai" {
		t.Errorf("default provider not persisted: %v", f.state)
	}

	after, _, err := f.mux.EnsureExists("after")
	if err != nil {
		t.Fatal(err)
	}
	before, _ := f.mux.Get("before")
	if before.Provider().Name() != "ollama" {
		t.Errorf("existing conversation provider = %q, want ollama", before.Provider().Name())
	}
	if after.Provider().Name() != "openai" {
		t.Errorf("new conversation provider = %q, want openai", after.Provider().Name())
	}
}

func TestNew_PersistedDefaultProvider(t *testing.T) {
	f := newFixture(t, memState{"session/default_provider": "openai"})
	if got := f.mux.DefaultProvider(); got != "openai" {
		t.Errorf("DefaultProvider() = %q, want openai", got)
	}
}

func TestSetupProvider(t *testing.T) {
	f := newFixture(t, nil)
	if _, _, err := f.mux.EnsureExists("default"); err != nil {
		t.Fatal(err)
	}

	t.Run("missing length", func(t *testing.T) {
		rec := f.do(t, http.MethodPost, "/setup-provider/default", "")
		if rec.Code != http.StatusLengthRequired {
			t.Errorf("status = %d, want 411", rec.Code)
		}
	})
	t.Run("bad json", func(t *testing.T) {
		rec := f.do(t, http.MethodPost, "/setup-provider/default", "{nope")
		if rec.Code != http.StatusBadRequest {
			t.Errorf("status = %d, want 400", rec.Code)
		}
	})
	t.Run("unknown conversation", func(t *testing.T) {
		rec := f.do(t, http.MethodPost, "/setup-provider/ghost", `{"keep_alive":"5m"}`)
		if rec.Code != http.StatusNotFound {
			t.Errorf("status = %d, want 404", rec.Code)
		}
	})
	t.Run("ok", func(t *testing.T) {
		rec := f.do(t, http.MethodPost, "/setup-provider/default", `{"keep_alive":"5m"}`)
		if rec.Code != http.StatusOK || rec.Body.Len() != 0 {
			t.Fatalf("got %d %q", rec.Code, rec.Body.String())
		}
		conv, _ := f.mux.Get("default")
		if got := conv.Provider().(*fakeProvider).setup["keep_alive"]; got != "5m" {
			t.Errorf("setup config = %v", got)
		}
	})
	t.Run("setup failure", func(t *testing.T) {
		if err := f.mux.ChangeProvider("openai"); err != nil {
			t.Fatal(err)
		}
		if _, _, err := f.mux.EnsureExists("keyed"); err != nil {
			t.Fatal(err)
		}
		rec := f.do(t, http.MethodPost, "/setup-provider/keyed", `{}`)
		if rec.Code != http.StatusBadRequest {
			t.Fatalf("status = %d, want 400", rec.Code)
		}
		if msg := errorOf(t, rec); msg != "Provider setup failed: api_key is required" {
			t.Errorf("error = %q", msg)
		}
	})
}

func TestInvoke(t *testing.T) {
	f := newFixture(t, nil)

	_, err := f.mux.Invoke(context.Background(), "ghost", OpReset, conversation.Call{Method: http.MethodGet})
	if !errors.Is(err, ErrNoSuchConversation) {
		t.Errorf("unknown conversation err = %v", err)
	}

	if _, _, err := f.mux.EnsureExists("default"); err != nil {
		t.Fatal(err)
	}
	res, err := f.mux.Invoke(context.Background(), "default", OpMemory, conversation.Call{Method: http.MethodGet})
	if err != nil {
		t.Fatal(err)
	}
	if hist, ok := res.Body.([]llm.Message); !ok || len(hist) != 1 {
		t.Errorf("memory result = %#v", res.Body)
	}

	_, err = f.mux.Invoke(context.Background(), "default", OpCompletion, conversation.Call{Method: http.MethodPost})
	if !errors.Is(err, ErrNoHandler) {
		t.Errorf("unbound op err = %v, want ErrNoHandler", err)
	}
}

func TestHandle_RejectsInvalidOp(t *testing.T) {
	f := newFixture(t, nil)
	if err := f.mux.Handle("x", OpNone, http.MethodGet); err == nil {
		t.Error("OpNone accepted")
	}
	if err := f.mux.Handle("x", Op(99), http.MethodGet); err == nil {
		t.Error("out-of-range op accepted")
	}
	if err := f.mux.SetOp(Op(-1), nil); err == nil {
		t.Error("SetOp accepted an invalid op")
	}
}
