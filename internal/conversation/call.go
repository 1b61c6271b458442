package conversation

import (
	"encoding/json"
	"net/http"
	"strings"
)

// Call is one operation invocation. Path is the request path after the
// conversation id was stripped, e.g. "/memory/-1".
type Call struct {
	Method    string
	Path      string
	Body      []byte
	HasLength bool // the request carried a Content-Length header
}

// Trailing returns what follows "/<endpoint>/" in the path, or "" when
// nothing does.
func (c Call) Trailing(endpoint string) string {
	rest, ok := strings.CutPrefix(strings.TrimPrefix(c.Path, "/"), endpoint+"/")
	if !ok {
		return ""
	}
	return rest
}

// Result is the outcome of an operation. A nil Body means an empty
// response body. A zero Status means the operation already wrote its own
// response, as a streamed completion does.
type Result struct {
	Status int
	Body   any
}

// ErrorBody is the JSON shape of every error response.
type ErrorBody struct {
	Error string `json:"error"`
}

func errorResult(status int, msg string) Result {
	return Result{Status: status, Body: ErrorBody{Error: msg}}
}

// Error messages shared with the session and completion layers.
const (
	MsgLengthRequired = "Content length is required."
	MsgNotJSON        = "Failed to parse request, not JSON."
)

// decodeBody checks for a length header and decodes the body into v.
// On failure it returns the client error to send.
func decodeBody(call Call, v any) (Result, bool) {
	if !call.HasLength {
		return errorResult(http.StatusLengthRequired, MsgLengthRequired), false
	}
	if err := json.Unmarshal(call.Body, v); err != nil {
		return errorResult(http.StatusBadRequest, MsgNotJSON), false
	}
	return Result{}, true
}
