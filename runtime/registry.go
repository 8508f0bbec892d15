package runtime

import (
	"matrix-client/domain/event"
	"sync"
)

// Registry maps each event kind to the handlers the controller calls for it.
// It is the place business logic attaches to the event flow.
type Registry struct {
	mu       sync.RWMutex
	handlers map[event.Kind][]event.Handler
}

func NewRegistry() *Registry {
	return &Registry{handlers: make(map[event.Kind][]event.Handler)}
}

// NewLoggingRegistry returns a registry logging every kind of event.
func NewLoggingRegistry(handler *event.LogHandler) *Registry {
	r := NewRegistry()
	r.SubscribeAll(handler)
	return r
}

// Subscribe appends handler to the handlers of kind. Handlers run in
// registration order.
func (r *Registry) Subscribe(kind event.Kind, handler event.Handler) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.handlers[kind] = append(r.handlers[kind], handler)
}

func (r *Registry) SubscribeAll(handler event.Handler) {
	for _, kind := range event.Kinds {
		r.Subscribe(kind, handler)
	}
}

// HandlersFor returns a snapshot of the handlers registered for kind.
func (r *Registry) HandlersFor(kind event.Kind) []event.Handler {
	r.mu.RLock()
	defer r.mu.RUnlock()
	handlers := r.handlers[kind]
	if len(handlers) == 0 {
		return nil
	}
	return append([]event.Handler(nil), handlers...)
}
