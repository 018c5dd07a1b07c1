// Package worker executes claimed messages and reclaims orphaned ones.
package worker

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"sync"
)

// Handler runs one task kind. Delivery is at-least-once, so handlers must be
// idempotent. Return queue.NewPermanentError to skip remaining retries.
type Handler interface {
	Execute(ctx context.Context, args []json.RawMessage, kwargs map[string]json.RawMessage) error
}

// HandlerFunc adapts a function to Handler.
type HandlerFunc func(ctx context.Context, args []json.RawMessage, kwargs map[string]json.RawMessage) error

// Execute calls f.
func (f HandlerFunc) Execute(ctx context.Context, args []json.RawMessage, kwargs map[string]json.RawMessage) error {
	return f(ctx, args, kwargs)
}

// Registry maps task names to handlers.
type Registry struct {
	mu       sync.RWMutex
	handlers map[string]Handler
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{handlers: make(map[string]Handler)}
}

// Register adds a handler. Registering a task name twice is an error.
func (r *Registry) Register(taskName string, h Handler) error {
	if taskName == "" {
		return fmt.Errorf("register handler: empty task name")
	}
	if h == nil {
		return fmt.Errorf("register handler %q: nil handler", taskName)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.handlers[taskName]; exists {
		return fmt.Errorf("register handler %q: already registered", taskName)
	}
	r.handlers[taskName] = h
	return nil
}

// Lookup returns the handler for taskName.
func (r *Registry) Lookup(taskName string) (Handler, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	h, ok := r.handlers[taskName]
	return h, ok
}

// TaskNames returns registered task names in sorted order.
func (r *Registry) TaskNames() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.handlers))
	for name := range r.handlers {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
