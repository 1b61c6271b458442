package server

import (
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
)

func testRouter(t *testing.T) *Router {
	t.Helper()
	return NewRouter(slog.New(slog.NewTextHandler(io.Discard, nil)))
}

func mustRegister(t *testing.T, rt *Router, method, path string, kind MatchKind, h HandlerFunc) {
	t.Helper()
	if err := rt.Register(method, path, kind, h); err != nil {
		t.Fatalf("Register(%s %s): %v", method, path, err)
	}
}

func errorMessage(t *testing.T, rec *httptest.ResponseRecorder) string {
	t.Helper()
	var body ErrorBody
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatalf("decode error body %q: %v", rec.Body.String(), err)
	}
	return body.Error
}

func TestRouter_AllMatchesFireInOrder(t *testing.T) {
	rt := testRouter(t)
	var order []string
	record := func(name string) HandlerFunc {
		return func(w http.ResponseWriter, r *Request) error {
			order = append(order, name)
			return nil
		}
	}
	mustRegister(t, rt, http.MethodGet, "/", PrefixOf, record("prefix-root"))
	mustRegister(t, rt, http.MethodGet, "/health", Exact, record("exact"))
	mustRegister(t, rt, http.MethodGet, "/health", Exact, record("exact-dup"))
	mustRegister(t, rt, http.MethodGet, "/other", Exact, record("other"))

	rec := httptest.NewRecorder()
	rt.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/health", nil))

	got := strings.Join(order, ",")
	if got != "prefix-root,exact,exact-dup" {
		t.Errorf("fired = %s", got)
	}
}

func TestRouter_ExactVersusPrefix(t *testing.T) {
	tests := []struct {
		name  string
		kind  MatchKind
		path  string
		fired bool
	}{
		{"exact equal", Exact, "/a/b", true},
		{"exact longer", Exact, "/a/b/c", false},
		{"prefix equal", PrefixOf, "/a/b", true},
		{"prefix longer", PrefixOf, "/a/b/c", true},
		{"prefix shorter", PrefixOf, "/a", false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rt := testRouter(t)
			fired := false
			mustRegister(t, rt, http.MethodGet, "/a/b", tt.kind, func(w http.ResponseWriter, r *Request) error {
				fired = true
				return nil
			})
			rec := httptest.NewRecorder()
			rt.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, tt.path, nil))
			if fired != tt.fired {
				t.Errorf("fired = %v, want %v", fired, tt.fired)
			}
			if !tt.fired && rec.Code != http.StatusNotFound {
				t.Errorf("status = %d, want 404", rec.Code)
			}
		})
	}
}

func TestRouter_NotFound(t *testing.T) {
	rt := testRouter(t)
	mustRegister(t, rt, http.MethodPost, "/only-post", Exact, func(w http.ResponseWriter, r *Request) error { return nil })

	rec := httptest.NewRecorder()
	rt.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/only-post", nil))

	if rec.Code != http.StatusNotFound {
		t.Fatalf("status = %d, want 404", rec.Code)
	}
	if msg := errorMessage(t, rec); msg != MsgNotFound {
		t.Errorf("error = %q", msg)
	}
	if !strings.HasSuffix(rec.Body.String(), "}\n") {
		t.Errorf("body not newline terminated: %q", rec.Body.String())
	}
}

func TestRouter_BodyVerbsUsePostTable(t *testing.T) {
	for _, method := range []string{http.MethodPut, http.MethodDelete, http.MethodPatch} {
		t.Run(method, func(t *testing.T) {
			rt := testRouter(t)
			var seen string
			mustRegister(t, rt, http.MethodPost, "/", PrefixOf, func(w http.ResponseWriter, r *Request) error {
				seen = r.Method
				return nil
			})
			rec := httptest.NewRecorder()
			rt.ServeHTTP(rec, httptest.NewRequest(method, "/conv/memory", strings.NewReader("{}")))
			if seen != method {
				t.Errorf("handler saw %q, want %q", seen, method)
			}
		})
	}
}

func TestRouter_UnsupportedMethod(t *testing.T) {
	rt := testRouter(t)
	mustRegister(t, rt, http.MethodGet, "/", PrefixOf, func(w http.ResponseWriter, r *Request) error { return nil })

	rec := httptest.NewRecorder()
	rt.ServeHTTP(rec, httptest.NewRequest(http.MethodOptions, "/x", nil))

	if rec.Code != http.StatusNotImplemented {
		t.Fatalf("status = %d, want 501", rec.Code)
	}
	if msg := errorMessage(t, rec); msg != MsgUnsupportedMethod {
		t.Errorf("error = %q", msg)
	}
}

func TestRouter_RegisterRejectsOtherVerbs(t *testing.T) {
	rt := testRouter(t)
	err := rt.Register(http.MethodPut, "/x", Exact, func(w http.ResponseWriter, r *Request) error { return nil })
	if !errors.Is(err, ErrUnsupportedMethod) {
		t.Errorf("err = %v, want ErrUnsupportedMethod", err)
	}
	if err := rt.Register(http.MethodGet, "/x", Exact, nil); err == nil {
		t.Error("nil handler accepted")
	}
}

func TestRouter_HandlerFailure(t *testing.T) {
	tests := []struct {
		name    string
		handler HandlerFunc
	}{
		{"error", func(w http.ResponseWriter, r *Request) error { return errors.New("boom") }},
		{"panic", func(w http.ResponseWriter, r *Request) error { panic("boom") }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rt := testRouter(t)
			laterFired := false
			mustRegister(t, rt, http.MethodPost, "/", PrefixOf, tt.handler)
			mustRegister(t, rt, http.MethodPost, "/", PrefixOf, func(w http.ResponseWriter, r *Request) error {
				laterFired = true
				return nil
			})

			rec := httptest.NewRecorder()
			rt.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/x", nil))

			if rec.Code != http.StatusInternalServerError {
				t.Fatalf("status = %d, want 500", rec.Code)
			}
			if msg := errorMessage(t, rec); msg != "Failed to process POST request." {
				t.Errorf("error = %q", msg)
			}
			if laterFired {
				t.Error("handler after the failure still fired")
			}
		})
	}
}

func TestRouter_FailureAfterWriteKeepsResponse(t *testing.T) {
	rt := testRouter(t)
	mustRegister(t, rt, http.MethodGet, "/", PrefixOf, func(w http.ResponseWriter, r *Request) error {
		WriteJSON(w, http.StatusOK, map[string]bool{"ok": true}, slog.Default())
		return errors.New("late failure")
	})

	rec := httptest.NewRecorder()
	rt.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/x", nil))

	if rec.Code != http.StatusOK {
		t.Errorf("status = %d, want 200", rec.Code)
	}
	if strings.Contains(rec.Body.String(), "Failed to process") {
		t.Errorf("error appended to written response: %q", rec.Body.String())
	}
}

func TestRouter_PathRewriteVisibleToLaterHandlers(t *testing.T) {
	rt := testRouter(t)
	var seen string
	mustRegister(t, rt, http.MethodGet, "/", PrefixOf, func(w http.ResponseWriter, r *Request) error {
		r.Path = "/rewritten"
		return nil
	})
	mustRegister(t, rt, http.MethodGet, "/conv", PrefixOf, func(w http.ResponseWriter, r *Request) error {
		seen = r.Path
		return nil
	})

	rec := httptest.NewRecorder()
	rt.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/conv/memory", nil))

	// The second entry was matched against the original path.
	if seen != "/rewritten" {
		t.Errorf("second handler saw %q", seen)
	}
}

func TestRequest_BodyCachedAndLength(t *testing.T) {
	hr := httptest.NewRequest(http.MethodPost, "/x", strings.NewReader(`{"a":1}`))
	r := &Request{Request: hr, Path: "/x"}

	if !r.HasLength() {
		t.Error("HasLength() = false for a sized body")
	}
	first, err := r.ReadBody()
	if err != nil {
		t.Fatal(err)
	}
	second, _ := r.ReadBody()
	if string(first) != `{"a":1}` || string(second) != string(first) {
		t.Errorf("bodies = %q, %q", first, second)
	}

	empty := &Request{Request: httptest.NewRequest(http.MethodPost, "/x", nil)}
	if empty.HasLength() {
		t.Error("HasLength() = true without a body or header")
	}
	empty.Header.Set("Content-Length", "0")
	if !empty.HasLength() {
		t.Error("HasLength() = false with an explicit zero length")
	}
}

func TestResponded(t *testing.T) {
	rt := testRouter(t)
	var seen []bool
	observe := func(w http.ResponseWriter, r *Request) error {
		seen = append(seen, Responded(w))
		return nil
	}
	mustRegister(t, rt, http.MethodGet, "/", PrefixOf, observe)
	mustRegister(t, rt, http.MethodGet, "/a", Exact, func(w http.ResponseWriter, r *Request) error {
		WriteJSON(w, http.StatusOK, map[string]string{"ok": "a"}, rt.logger)
		return nil
	})
	mustRegister(t, rt, http.MethodGet, "/", PrefixOf, observe)

	rt.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/a", nil))
	if len(seen) != 2 || seen[0] || !seen[1] {
		t.Errorf("Responded before/after write = %v, want [false true]", seen)
	}
	if Responded(httptest.NewRecorder()) {
		t.Error("Responded on a bare recorder = true")
	}
}
