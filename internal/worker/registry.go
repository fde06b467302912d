// internal/worker/registry.go
package worker

import (
	"context"
	"encoding/json"
	"sync"
)

// HandlerFunc executes a task. body is the serialized payload from the
// message envelope; the returned value is stored in the result backend.
type HandlerFunc func(ctx context.Context, body json.RawMessage) (interface{}, error)

// Registry maps task names to handlers.
type Registry struct {
	mu       sync.RWMutex
	handlers map[string]HandlerFunc
}

func NewRegistry() *Registry {
	return &Registry{handlers: make(map[string]HandlerFunc)}
}

// Register binds a handler to a task name, replacing any previous binding.
func (r *Registry) Register(task string, fn HandlerFunc) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.handlers[task] = fn
}

// Get returns the handler for a task name.
func (r *Registry) Get(task string) (HandlerFunc, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	fn, ok := r.handlers[task]
	return fn, ok
}

// Tasks lists the registered task names.
func (r *Registry) Tasks() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.handlers))
	for name := range r.handlers {
		names = append(names, name)
	}
	return names
}
