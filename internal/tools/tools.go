// Package tools defines the tools a backend may call during a completion.
package tools

import (
	"context"
	"fmt"
	"sort"
	"sync"
)

// Tool represents a callable tool.
type Tool struct {
	Name        string                                                         `json:"name"`
	Description string                                                         `json:"description"`
	Parameters  map[string]any                                                 `json:"parameters"`
	Handler     func(ctx context.Context, args map[string]any) (string, error) `json:"-"`
}

// Schema returns the OpenAI function schema sent to backends.
func (t *Tool) Schema() map[string]any {
	return map[string]any{
		"type": "function",
		"function": map[string]any{
			"name":        t.Name,
			"description": t.Description,
			"parameters":  t.Parameters,
		},
	}
}

// Registry holds the process-wide tool set. Names are unique; registering
// a name twice replaces the earlier tool.
type Registry struct {
	mu    sync.RWMutex
	tools map[string]*Tool
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{tools: make(map[string]*Tool)}
}

// Register adds a tool to the registry.
func (r *Registry) Register(t *Tool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.tools[t.Name] = t
}

// Get retrieves a tool by name, or nil.
func (r *Registry) Get(name string) *Tool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.tools[name]
}

// Names returns every registered tool name, sorted.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.tools))
	for n := range r.tools {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}

// Allow returns the subset of registered tools named in requested.
// Unknown names are dropped silently; order follows requested.
func (r *Registry) Allow(requested []string) *Set {
	r.mu.RLock()
	defer r.mu.RUnlock()
	s := &Set{byName: make(map[string]*Tool)}
	for _, name := range requested {
		t, ok := r.tools[name]
		if !ok {
			continue
		}
		if _, dup := s.byName[name]; dup {
			continue
		}
		s.byName[name] = t
		s.order = append(s.order, t)
	}
	return s
}

// Set is the tool subset one completion request may call.
type Set struct {
	byName map[string]*Tool
	order  []*Tool
}

// Len returns the number of allowed tools.
func (s *Set) Len() int { return len(s.order) }

// Schemas returns the function schemas for every allowed tool.
func (s *Set) Schemas() []map[string]any {
	if len(s.order) == 0 {
		return nil
	}
	out := make([]map[string]any, len(s.order))
	for i, t := range s.order {
		out[i] = t.Schema()
	}
	return out
}

// Execute runs an allowed tool. Calling a tool outside the set returns
// *ErrToolUnavailable. A panicking handler is reported as an error.
func (s *Set) Execute(ctx context.Context, name string, args map[string]any) (result string, err error) {
	t, ok := s.byName[name]
	if !ok {
		return "", &ErrToolUnavailable{ToolName: name}
	}
	if args == nil {
		args = map[string]any{}
	}
	defer func() {
		if p := recover(); p != nil {
			err = fmt.Errorf("tool %s panicked: %v", name, p)
		}
	}()
	return t.Handler(ctx, args)
}
