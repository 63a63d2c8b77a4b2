package tools

import (
	"errors"
	"fmt"
	"sync"

	"agentrelay/internal/protocol"
)

var ErrDuplicateTool = errors.New("tools: tool already registered")

// Registry maps tool names to tools. It is owned by one server and safe
// for concurrent use.
type Registry struct {
	mu    sync.RWMutex
	tools map[string]*Tool
	order []string
}

func NewRegistry() *Registry {
	return &Registry{tools: make(map[string]*Tool)}
}

func (r *Registry) Add(t *Tool) error {
	if t == nil {
		return errors.New("tools: nil tool")
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.tools[t.Name()]; ok {
		return fmt.Errorf("%w: %s", ErrDuplicateTool, t.Name())
	}
	r.tools[t.Name()] = t
	r.order = append(r.order, t.Name())
	return nil
}

func (r *Registry) Get(name string) (*Tool, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	t, ok := r.tools[name]
	return t, ok
}

// List returns metadata for every tool in registration order.
func (r *Registry) List() []protocol.ToolMetadata {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]protocol.ToolMetadata, 0, len(r.order))
	for _, name := range r.order {
		out = append(out, r.tools[name].Metadata())
	}
	return out
}

func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.tools)
}

// Priced reports whether any registered tool charges for calls.
func (r *Registry) Priced() bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, t := range r.tools {
		if t.Price() > 0 {
			return true
		}
	}
	return false
}
