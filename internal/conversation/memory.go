package conversation

import (
	"encoding/json"
	"errors"
	"io/fs"
	"net/http"
	"os"
	"path"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/FateUnix29/Hollowfire-1/internal/llm"
)

const msgBadIndex = "Request did not have a valid index."

// Memory reads or edits the history according to the request verb.
func (c *Conversation) Memory(call Call) Result {
	switch call.Method {
	case http.MethodGet:
		return Result{Status: http.StatusOK, Body: c.History()}

	case http.MethodPost:
		var msg llm.Message
		if res, ok := decodeBody(call, &msg); !ok {
			return res
		}
		if msg == nil {
			return errorResult(http.StatusBadRequest, MsgNotJSON)
		}
		c.mu.Lock()
		c.history = append(c.history, msg)
		c.mu.Unlock()
		c.logger.Debug("memory appended", "role", msg.Role())
		return Result{Status: http.StatusOK}

	case http.MethodPut:
		var msgs []llm.Message
		if res, ok := decodeBody(call, &msgs); !ok {
			return res
		}
		if msgs == nil {
			return errorResult(http.StatusBadRequest, MsgNotJSON)
		}
		for _, m := range msgs {
			if m == nil {
				return errorResult(http.StatusBadRequest, MsgNotJSON)
			}
		}
		c.mu.Lock()
		c.history = msgs
		c.mu.Unlock()
		c.logger.Debug("memory replaced", "messages", len(msgs))
		return Result{Status: http.StatusOK}

	case http.MethodDelete:
		raw := lastSegment(call.Trailing("memory"))
		c.mu.Lock()
		defer c.mu.Unlock()
		idx, ok := resolveIndex(raw, len(c.history))
		if !ok {
			c.logger.Warn("memory delete without a valid index", "index", raw)
			return errorResult(http.StatusBadRequest, msgBadIndex)
		}
		c.history = append(c.history[:idx], c.history[idx+1:]...)
		c.logger.Debug("memory entry deleted", "index", idx)
		return Result{Status: http.StatusOK, Body: llm.CloneMessages(c.history)}

	case http.MethodPatch:
		raw := lastSegment(call.Trailing("memory"))
		var msg llm.Message
		if res, ok := decodeBody(call, &msg); !ok {
			return res
		}
		if msg == nil {
			return errorResult(http.StatusBadRequest, MsgNotJSON)
		}
		c.mu.Lock()
		defer c.mu.Unlock()
		idx, ok := resolveIndex(raw, len(c.history))
		if !ok {
			c.logger.Warn("memory patch without a valid index", "index", raw)
			return errorResult(http.StatusBadRequest, msgBadIndex)
		}
		c.history[idx] = msg
		c.logger.Debug("memory entry replaced", "index", idx)
		return Result{Status: http.StatusOK, Body: llm.CloneMessages(c.history)}

	default:
		return errorResult(http.StatusBadRequest, "Invalid request. How did you get this error?")
	}
}

func lastSegment(p string) string {
	if i := strings.LastIndex(p, "/"); i >= 0 {
		return p[i+1:]
	}
	return p
}

// resolveIndex turns a signed index into a position in a history of
// length n. Non-negative values count from the start; negative values
// count from the end, so -1 is the last entry. A raw value greater than
// n is rejected before resolution, and the resolved position must name an
// existing entry.
func resolveIndex(raw string, n int) (int, bool) {
	if raw == "" {
		return 0, false
	}
	v, err := strconv.Atoi(raw)
	if err != nil {
		return 0, false
	}
	if v > n {
		return 0, false
	}
	idx := v
	if v < 0 {
		idx = n - (-v - 1) - 1
	}
	if idx < 0 || idx >= n {
		return 0, false
	}
	return idx, true
}

// memoryPath maps a client-supplied file name to a path inside the
// memory directory. Names that would escape it are refused.
func (c *Conversation) memoryPath(name string) (string, bool) {
	if name == "" || !filepath.IsLocal(filepath.FromSlash(name)) || path.Clean(name) != name {
		return "", false
	}
	return filepath.Join(c.memoryDir, filepath.FromSlash(name)), true
}

// Save writes the history as indented JSON to the memory directory.
func (c *Conversation) Save(call Call) Result {
	p, ok := c.memoryPath(call.Trailing("save"))
	if !ok {
		return errorResult(http.StatusBadRequest, "Request did not have a valid path/file name.")
	}

	c.mu.Lock()
	data, err := json.MarshalIndent(c.history, "", "    ")
	c.mu.Unlock()
	if err == nil {
		err = os.MkdirAll(filepath.Dir(p), 0o750)
	}
	if err == nil {
		err = os.WriteFile(p, append(data, '\n'), 0o640)
	}
	if err != nil {
		c.logger.Error("failed to save memory", "path", p, "error", err)
		return errorResult(http.StatusInternalServerError, "Failed to save memory to disk.")
	}

	c.logger.Info("memory saved", "path", p)
	return Result{Status: http.StatusOK}
}

// Load replaces the history with the contents of a saved file.
func (c *Conversation) Load(call Call) Result {
	p, ok := c.memoryPath(call.Trailing("load"))
	if !ok {
		return errorResult(http.StatusBadRequest, "Request did not have a valid path/file name.")
	}

	info, err := os.Stat(p)
	switch {
	case errors.Is(err, fs.ErrNotExist):
		c.logger.Warn("memory file does not exist", "path", p)
		return errorResult(http.StatusNotFound, "File does not exist.")
	case err != nil:
		c.logger.Error("failed to stat memory file", "path", p, "error", err)
		return errorResult(http.StatusInternalServerError, "Failed to load memory from disk.")
	case !info.Mode().IsRegular():
		return errorResult(http.StatusBadRequest, "Path is not a file.")
	}

	data, err := os.ReadFile(p)
	var msgs []llm.Message
	if err == nil {
		err = json.Unmarshal(data, &msgs)
	}
	if err != nil {
		c.logger.Error("failed to load memory", "path", p, "error", err)
		return errorResult(http.StatusInternalServerError, "Failed to load memory from disk.")
	}
	if msgs == nil {
		msgs = []llm.Message{}
	}

	c.mu.Lock()
	c.history = msgs
	c.mu.Unlock()

	c.logger.Info("memory loaded", "path", p, "messages", len(msgs))
	return Result{Status: http.StatusOK}
}
