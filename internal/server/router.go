// Package server implements the HTTP front-end: a callback-table router
// that fires every matching handler in registration order, and the
// loopback-only listener that serves it.
package server

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"runtime/debug"
	"strings"
	"sync"
)

// MatchKind selects how an entry's path is compared with the request
// path.
type MatchKind int

const (
	// Exact fires only when the request path equals the entry path.
	Exact MatchKind = iota
	// PrefixOf fires when the request path starts with the entry path.
	PrefixOf
)

func (k MatchKind) String() string {
	switch k {
	case Exact:
		return "exact"
	case PrefixOf:
		return "prefix"
	default:
		return fmt.Sprintf("MatchKind(%d)", int(k))
	}
}

// Error bodies written by the router itself.
const (
	MsgNotFound          = "Path/endpoint not found (or wrong method)"
	MsgUnsupportedMethod = "Unsupported method."
)

// ErrUnsupportedMethod is returned when registering a handler for a verb
// that has no table.
var ErrUnsupportedMethod = errors.New("handlers can only be registered for GET or POST")

// HandlerFunc answers a routed request. Returning an error makes the
// router answer 500 unless the handler already wrote a response, and
// stops the remaining matched handlers.
type HandlerFunc func(w http.ResponseWriter, r *Request) error

// Entry is one row of a callback table.
type Entry struct {
	Path    string
	Kind    MatchKind
	Handler HandlerFunc
}

func (e Entry) matches(path string) bool {
	if e.Kind == PrefixOf {
		return strings.HasPrefix(path, e.Path)
	}
	return path == e.Path
}

// Request wraps the incoming request. Path starts as the URL path and
// may be rewritten by a handler; handlers fired after it see the new
// value.
type Request struct {
	*http.Request
	Path string

	bodyOnce sync.Once
	body     []byte
	bodyErr  error
}

// ReadBody reads and caches the request body, so every handler sees the
// same bytes.
func (r *Request) ReadBody() ([]byte, error) {
	r.bodyOnce.Do(func() {
		if r.Body == nil {
			return
		}
		r.body, r.bodyErr = io.ReadAll(r.Body)
	})
	return r.body, r.bodyErr
}

// HasLength reports whether the client declared a Content-Length.
// Chunked request bodies do not count.
func (r *Request) HasLength() bool {
	return r.ContentLength > 0 || r.Header.Get("Content-Length") != ""
}

// Router dispatches requests to the GET and POST callback tables. It is
// safe for concurrent use; registration normally happens before
// serving.
type Router struct {
	mu     sync.RWMutex
	get    []Entry
	post   []Entry
	logger *slog.Logger
}

// NewRouter returns an empty router.
func NewRouter(logger *slog.Logger) *Router {
	if logger == nil {
		logger = slog.Default()
	}
	return &Router{logger: logger}
}

// Register appends an entry to the table for method. Duplicate paths are
// allowed; they all fire.
func (rt *Router) Register(method, path string, kind MatchKind, h HandlerFunc) error {
	if h == nil {
		return fmt.Errorf("register %s %s: nil handler", method, path)
	}
	if kind != Exact && kind != PrefixOf {
		return fmt.Errorf("register %s %s: invalid match kind %v", method, path, kind)
	}
	e := Entry{Path: path, Kind: kind, Handler: h}

	rt.mu.Lock()
	defer rt.mu.Unlock()
	switch method {
	case http.MethodGet:
		rt.get = append(rt.get, e)
	case http.MethodPost:
		rt.post = append(rt.post, e)
	default:
		return fmt.Errorf("register %s %s: %w", method, path, ErrUnsupportedMethod)
	}
	rt.logger.Debug("route registered", "method", method, "path", path, "match", kind)
	return nil
}

// table returns a snapshot of the entries consulted for method, or false
// when the verb is not served at all. PUT, DELETE and PATCH share the
// POST table; the verb itself is checked by the handlers.
func (rt *Router) table(method string) ([]Entry, bool) {
	rt.mu.RLock()
	defer rt.mu.RUnlock()
	switch method {
	case http.MethodGet:
		return rt.get, true
	case http.MethodPost, http.MethodPut, http.MethodDelete, http.MethodPatch:
		return rt.post, true
	default:
		return nil, false
	}
}

// ServeHTTP implements http.Handler.
func (rt *Router) ServeHTTP(w http.ResponseWriter, hr *http.Request) {
	rw := &responseWriter{ResponseWriter: w}
	req := &Request{Request: hr, Path: hr.URL.Path}

	entries, ok := rt.table(hr.Method)
	if !ok {
		WriteError(rw, http.StatusNotImplemented, MsgUnsupportedMethod, rt.logger)
		return
	}

	// Matching uses the original path; rewrites only affect what the
	// handlers see.
	var matched []Entry
	for _, e := range entries {
		if e.matches(req.Path) {
			matched = append(matched, e)
		}
	}
	if len(matched) == 0 {
		rt.logger.Debug("no route", "method", hr.Method, "path", req.Path)
		WriteError(rw, http.StatusNotFound, MsgNotFound, rt.logger)
		return
	}

	for _, e := range matched {
		if err := rt.invoke(e, rw, req); err != nil {
			rt.logger.Error("handler failed",
				"method", hr.Method,
				"path", hr.URL.Path,
				"route", e.Path,
				"error", err,
			)
			if !rw.wroteHeader {
				WriteError(rw, http.StatusInternalServerError,
					fmt.Sprintf("Failed to process %s request.", hr.Method), rt.logger)
			}
			return
		}
	}
}

// invoke runs one handler, converting a panic into an error.
func (rt *Router) invoke(e Entry, w http.ResponseWriter, r *Request) (err error) {
	defer func() {
		if p := recover(); p != nil {
			if p == http.ErrAbortHandler {
				panic(p)
			}
			rt.logger.Error("handler panic", "route", e.Path, "panic", p, "stack", string(debug.Stack()))
			err = fmt.Errorf("panic: %v", p)
		}
	}()
	return e.Handler(w, r)
}

// responseWriter records whether anything was sent, so the router knows
// if it can still answer with an error.
type responseWriter struct {
	http.ResponseWriter
	wroteHeader bool
	status      int
}

func (w *responseWriter) WriteHeader(code int) {
	if !w.wroteHeader {
		w.wroteHeader = true
		w.status = code
	}
	w.ResponseWriter.WriteHeader(code)
}

func (w *responseWriter) Write(b []byte) (int, error) {
	if !w.wroteHeader {
		w.wroteHeader = true
		w.status = http.StatusOK
	}
	return w.ResponseWriter.Write(b)
}

// Flush sends any buffered data. Chunked streaming relies on it.
func (w *responseWriter) Flush() {
	w.wroteHeader = true
	if w.status == 0 {
		w.status = http.StatusOK
	}
	if f, ok := w.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

// Hijack hands the connection to a protocol upgrade such as WebSocket.
func (w *responseWriter) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	h, ok := w.ResponseWriter.(http.Hijacker)
	if !ok {
		return nil, nil, errors.New("response writer does not support hijacking")
	}
	w.wroteHeader = true
	w.status = http.StatusSwitchingProtocols
	return h.Hijack()
}

// Unwrap lets http.ResponseController reach the underlying writer.
func (w *responseWriter) Unwrap() http.ResponseWriter {
	return w.ResponseWriter
}

// Responded reports whether a handler fired earlier for this request
// has already started the response. It is false for writers that did
// not come from a Router.
func Responded(w http.ResponseWriter) bool {
	rw, ok := w.(*responseWriter)
	return ok && rw.wroteHeader
}
