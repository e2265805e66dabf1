package queue

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"sync"
)

// Handler replays one mutation against the remote. Handlers must be
// idempotent: an item can be replayed again if the process dies between a
// successful call and the queue write that removes it. ItemID(ctx) carries
// a stable token for server-side dedup.
type Handler func(ctx context.Context, input json.RawMessage) error

// Handlers maps mutation keys to their replay handler.
type Handlers map[string]Handler

// Registry holds the handlers the app knows about.
type Registry struct {
	mu       sync.RWMutex
	handlers Handlers
}

func NewRegistry() *Registry {
	return &Registry{handlers: make(Handlers)}
}

// RegisterRaw registers h for key, replacing any previous handler.
func (r *Registry) RegisterRaw(key string, h Handler) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.handlers[key] = h
}

// Register registers a typed handler. The stored input is decoded into I
// before fn is called.
func Register[I any](r *Registry, key string, fn func(ctx context.Context, input I) error) {
	r.RegisterRaw(key, func(ctx context.Context, raw json.RawMessage) error {
		var in I
		if len(raw) > 0 {
			if err := json.Unmarshal(raw, &in); err != nil {
				return fmt.Errorf("decoding %s input: %w", key, err)
			}
		}
		return fn(ctx, in)
	})
}

// Lookup returns the handler for key.
func (r *Registry) Lookup(key string) (Handler, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	h, ok := r.handlers[key]
	return h, ok
}

// Keys returns the registered keys in sorted order.
func (r *Registry) Keys() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	keys := make([]string, 0, len(r.handlers))
	for k := range r.handlers {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// Handlers returns a snapshot of the registry suitable for Process.
func (r *Registry) Handlers() Handlers {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make(Handlers, len(r.handlers))
	for k, h := range r.handlers {
		out[k] = h
	}
	return out
}
