// Package events provides a publish/subscribe bus for operational
// events. Components (the session multiplexer, the completion loop)
// publish; the /events WebSocket and the MQTT forwarder subscribe. The
// bus is nil-safe: Publish on a nil *Bus is a no-op, so components do
// not need guard checks.
package events

import (
	"sync"
	"time"
)

// Source constants identify which component published an event.
const (
	// SourceSession identifies events from the session multiplexer.
	SourceSession = "session"
	// SourceCompletion identifies events from the completion loop.
	SourceCompletion = "completion"
	// SourceStartouts identifies events from the startout watcher.
	SourceStartouts = "startouts"
	// SourceConnwatch identifies backend health transitions.
	SourceConnwatch = "connwatch"
)

// Kind constants describe the type of event within a source.
const (
	// KindConversationCreated signals a new conversation.
	// Data: conversation_id, provider, startout.
	KindConversationCreated = "conversation_created"
	// KindProviderChanged signals a new default provider.
	// Data: provider.
	KindProviderChanged = "provider_changed"

	// KindRequestStart signals the beginning of a completion request.
	// Data: request_id, conversation_id, provider, model, tools, stream.
	KindRequestStart = "request_start"
	// KindLLMAttempt signals one backend streaming attempt.
	// Data: request_id, attempt, error (when it failed).
	KindLLMAttempt = "llm_attempt"
	// KindToolCall signals the start of a tool execution.
	// Data: request_id, tool.
	KindToolCall = "tool_call"
	// KindToolDone signals completion of a tool execution.
	// Data: request_id, tool, ok, duration_ms.
	KindToolDone = "tool_done"
	// KindRequestComplete signals the end of a completion request.
	// Data: request_id, conversation_id, attempts, chunks, ok,
	// tokens_in, tokens_out, elapsed_ms.
	KindRequestComplete = "request_complete"

	// KindReloaded signals that the startout directory was reloaded.
	// Data: startouts.
	KindReloaded = "reloaded"

	// KindBackendUp and KindBackendDown report reachability changes.
	// Data: backend, error (down only).
	KindBackendUp   = "backend_up"
	KindBackendDown = "backend_down"
)

// Event represents a single operational event published by a component.
type Event struct {
	// Timestamp is when the event occurred.
	Timestamp time.Time `json:"ts"`
	// Source identifies the component that published the event.
	Source string `json:"source"`
	// Kind describes the type of event within the source.
	Kind string `json:"kind"`
	// Data holds event-specific key/value pairs.
	Data map[string]any `json:"data,omitempty"`
}

// Bus is a non-blocking broadcast event bus. Subscribers receive events
// on buffered channels; slow subscribers miss events rather than
// blocking publishers.
type Bus struct {
	mu   sync.RWMutex
	subs map[<-chan Event]*subscriber
}

// subscriber is one subscription. A nil kinds set accepts everything.
type subscriber struct {
	ch    chan Event
	kinds map[string]bool
}

func (s *subscriber) wants(kind string) bool {
	return s.kinds == nil || s.kinds[kind]
}

// New creates a new event bus ready for use.
func New() *Bus {
	return &Bus{subs: make(map[<-chan Event]*subscriber)}
}

// Publish sends an event to every subscriber that wants its kind. A
// subscriber whose channel is full misses the event. Safe to call on a
// nil receiver.
func (b *Bus) Publish(e Event) {
	if b == nil {
		return
	}
	b.mu.RLock()
	defer b.mu.RUnlock()
	for _, s := range b.subs {
		if !s.wants(e.Kind) {
			continue
		}
		select {
		case s.ch <- e:
		default:
		}
	}
}

// Emit publishes an event stamped with the current time.
func (b *Bus) Emit(source, kind string, data map[string]any) {
	if b == nil {
		return
	}
	b.Publish(Event{Timestamp: time.Now(), Source: source, Kind: kind, Data: data})
}

// Subscribe returns a channel that receives published events of the
// given kinds, or of every kind when none are named. The caller must
// eventually call Unsubscribe. bufSize controls the channel buffer; 64
// suits WebSocket consumers.
func (b *Bus) Subscribe(bufSize int, kinds ...string) <-chan Event {
	s := &subscriber{ch: make(chan Event, bufSize)}
	if len(kinds) > 0 {
		s.kinds = make(map[string]bool, len(kinds))
		for _, k := range kinds {
			s.kinds[k] = true
		}
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	b.subs[s.ch] = s
	return s.ch
}

// Unsubscribe removes a subscription and closes its channel. Unknown
// channels are ignored.
func (b *Bus) Unsubscribe(ch <-chan Event) {
	b.mu.Lock()
	defer b.mu.Unlock()
	s, ok := b.subs[ch]
	if !ok {
		return
	}
	delete(b.subs, ch)
	close(s.ch)
}

// SubscriberCount returns the number of active subscribers.
func (b *Bus) SubscriberCount() int {
	if b == nil {
		return 0
	}
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs)
}
