package timer

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
)

// HandlerFunc runs one due entry. Handlers run at least once per entry and
// must be idempotent.
type HandlerFunc func(ctx context.Context, e *Entry) error

// Registry maps kinds to handlers. It is safe for concurrent use.
type Registry struct {
	mu       sync.RWMutex
	handlers map[Kind]HandlerFunc
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{handlers: make(map[Kind]HandlerFunc)}
}

// Register binds a raw handler to kind, replacing any previous one.
func (r *Registry) Register(kind Kind, h HandlerFunc) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.handlers[kind] = h
}

// Handle registers a typed handler. The payload is JSON-decoded into T
// before fn runs.
func Handle[T any](r *Registry, kind Kind, fn func(ctx context.Context, payload T) error) {
	r.Register(kind, func(ctx context.Context, e *Entry) error {
		var p T
		if len(e.Payload) > 0 {
			if err := json.Unmarshal(e.Payload, &p); err != nil {
				return fmt.Errorf("timer: decode %s payload for %s: %w", kind, e.Key, err)
			}
		}
		return fn(ctx, p)
	})
}

// Get returns the handler for kind.
func (r *Registry) Get(kind Kind) (HandlerFunc, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	h, ok := r.handlers[kind]
	return h, ok
}

// Kinds returns all registered kinds.
func (r *Registry) Kinds() []Kind {
	r.mu.RLock()
	defer r.mu.RUnlock()
	kinds := make([]Kind, 0, len(r.handlers))
	for k := range r.handlers {
		kinds = append(kinds, k)
	}
	return kinds
}
