package tools

import "fmt"

// ErrToolUnavailable is returned when the backend calls a tool that is
// not in the request's allowed set, either because the client did not
// ask for it or because it was never registered.
type ErrToolUnavailable struct {
	ToolName string
}

// Error implements the error interface.
func (e *ErrToolUnavailable) Error() string {
	return fmt.Sprintf("tool %q is not available for this request", e.ToolName)
}
