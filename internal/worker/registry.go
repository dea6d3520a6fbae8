package worker

import (
	"fmt"
	"sync"
)

// Registry maps queue names to handlers. It is a constructed object wired at
// process start-up so producers and consumers register independently.
type Registry struct {
	mu       sync.RWMutex
	handlers map[string]Handler
}

func NewRegistry() *Registry {
	return &Registry{handlers: make(map[string]Handler)}
}

func (r *Registry) Register(queue string, handler Handler) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.handlers[queue] = handler
}

// Get returns the handler for the queue or an error when none is registered.
func (r *Registry) Get(queue string) (Handler, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	handler, ok := r.handlers[queue]
	if !ok {
		return nil, fmt.Errorf("handler for queue %q is not registered", queue)
	}
	return handler, nil
}

func (r *Registry) Unregister(queue string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.handlers, queue)
}
