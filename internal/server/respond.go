package server

import (
	"encoding/json"
	"log/slog"
	"net/http"
)

// ErrorBody is the JSON shape of every error response.
type ErrorBody struct {
	Error string `json:"error"`
}

// WriteJSON sends v as a JSON body followed by a newline. A nil v sends
// the status with an empty body. Encoding errors usually mean the client
// went away and are only logged.
func WriteJSON(w http.ResponseWriter, status int, v any, logger *slog.Logger) {
	if v == nil {
		w.WriteHeader(status)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		logger.Debug("failed to write JSON response", "error", err)
	}
}

// WriteError sends {"error": msg} with the given status.
func WriteError(w http.ResponseWriter, status int, msg string, logger *slog.Logger) {
	WriteJSON(w, status, ErrorBody{Error: msg}, logger)
}
