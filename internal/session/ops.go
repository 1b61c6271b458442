package session

import (
	"context"
	"fmt"
	"net/http"

	"github.com/FateUnix29/Hollowfire-1/internal/conversation"
)

// Op names a conversation operation. Endpoints map to an Op, and the op
// table maps each Op to the function that runs it.
type Op int

const (
	OpNone Op = iota
	OpCompletion
	OpMemory
	OpSave
	OpLoad
	OpReset
	OpSearchSetStartout
	OpChangeStartoutConfiguration

	opCount
)

var opNames = [...]string{
	OpNone:                        "none",
	OpCompletion:                  "completion",
	OpMemory:                      "memory",
	OpSave:                        "save",
	OpLoad:                        "load",
	OpReset:                       "reset",
	OpSearchSetStartout:           "search_set_startout",
	OpChangeStartoutConfiguration: "change_startout_configuration",
}

func (o Op) String() string {
	if o >= 0 && o < opCount {
		return opNames[o]
	}
	return fmt.Sprintf("Op(%d)", int(o))
}

func (o Op) valid() bool { return o > OpNone && o < opCount }

// OpFunc runs an operation against a conversation. w is nil when the
// operation is invoked without an HTTP request; an operation that writes
// to w itself returns a Result with a zero Status.
type OpFunc func(ctx context.Context, conv *conversation.Conversation, call conversation.Call, w http.ResponseWriter) conversation.Result

// resultOp adapts a conversation method that never streams.
func resultOp(fn func(*conversation.Conversation, conversation.Call) conversation.Result) OpFunc {
	return func(_ context.Context, conv *conversation.Conversation, call conversation.Call, _ http.ResponseWriter) conversation.Result {
		return fn(conv, call)
	}
}

// DefaultOps returns the op table for the conversation's own operations.
// Completion is not included; it is bound with [Multiplexer.SetOp] once
// the completion runner exists.
func DefaultOps() map[Op]OpFunc {
	return map[Op]OpFunc{
		OpMemory:                      resultOp((*conversation.Conversation).Memory),
		OpSave:                        resultOp((*conversation.Conversation).Save),
		OpLoad:                        resultOp((*conversation.Conversation).Load),
		OpReset:                       resultOp((*conversation.Conversation).Reset),
		OpSearchSetStartout:           resultOp((*conversation.Conversation).SearchSetStartout),
		OpChangeStartoutConfiguration: resultOp((*conversation.Conversation).ChangeStartoutConfiguration),
	}
}

// endpoint is one row of the endpoint table.
type endpoint struct {
	op    Op
	verbs map[string]bool
}

// DefaultEndpoints lists the conversation endpoints, their ops and the
// verbs each accepts.
func DefaultEndpoints() []EndpointSpec {
	return []EndpointSpec{
		{"completion", OpCompletion, []string{http.MethodPost}},
		{"memory", OpMemory, []string{http.MethodGet, http.MethodPost, http.MethodPut, http.MethodDelete, http.MethodPatch}},
		{"save", OpSave, []string{http.MethodGet}},
		{"load", OpLoad, []string{http.MethodGet}},
		{"reset", OpReset, []string{http.MethodGet}},
		{"search_set_startout", OpSearchSetStartout, []string{http.MethodGet, http.MethodPost}},
		{"change_startout_configuration", OpChangeStartoutConfiguration, []string{http.MethodGet}},
	}
}

// EndpointSpec describes an endpoint for registration.
type EndpointSpec struct {
	Name  string
	Op    Op
	Verbs []string
}
