package server

import (
	"context"
	"fmt"
	"sort"

	"github.com/dotside-studios/ntag-url-agent/internal/syncutil"
	"github.com/dotside-studios/ntag-url-agent/nfc"
)

// HandlerFunc handles one WebSocket request. The handler replies through
// the client; a returned error is logged and turned into an error reply.
type HandlerFunc func(ctx context.Context, client *Client, req WebsocketRequest) error

// HandlerServer is what handlers see of the server: route registration,
// lifecycle hooks and the event broadcast.
type HandlerServer interface {
	// Handle registers a handler function for a specific message type
	Handle(messageType string, handler HandlerFunc) error

	// StartLifecycle registers a function to be called when the server starts
	StartLifecycle(start func(ctx context.Context))

	// BroadcastEvent sends a machine event to every connected client
	BroadcastEvent(ev nfc.Event)
}

// ServerHandler is implemented by groups of handlers that register their
// routes and lifecycle in one place.
type ServerHandler interface {
	Register(server HandlerServer)
}

// HandlerRegistry maps message types to handlers.
type HandlerRegistry struct {
	handlers          map[string]HandlerFunc
	lifecycleStarters []func(ctx context.Context)
	mu                syncutil.RWMutex
}

// NewHandlerRegistry creates an empty registry.
func NewHandlerRegistry() *HandlerRegistry {
	return &HandlerRegistry{handlers: make(map[string]HandlerFunc)}
}

// Handle registers handler for messageType. Registering a type twice is an
// error.
func (r *HandlerRegistry) Handle(messageType string, handler HandlerFunc) error {
	if handler == nil {
		return fmt.Errorf("handler cannot be nil")
	}
	if messageType == "" {
		return fmt.Errorf("message type cannot be empty")
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.handlers[messageType]; exists {
		return fmt.Errorf("handler for message type '%s' already registered", messageType)
	}
	r.handlers[messageType] = handler
	return nil
}

// RegisterLifecycle queues a function to run when the server starts.
func (r *HandlerRegistry) RegisterLifecycle(start func(ctx context.Context)) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.lifecycleStarters = append(r.lifecycleStarters, start)
}

// Get returns the handler for messageType.
func (r *HandlerRegistry) Get(messageType string) (HandlerFunc, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	handler, ok := r.handlers[messageType]
	return handler, ok
}

// Has reports whether messageType has a handler.
func (r *HandlerRegistry) Has(messageType string) bool {
	_, ok := r.Get(messageType)
	return ok
}

// MessageTypes returns the registered types, sorted.
func (r *HandlerRegistry) MessageTypes() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	types := make([]string, 0, len(r.handlers))
	for t := range r.handlers {
		types = append(types, t)
	}
	sort.Strings(types)
	return types
}

// StartLifecycleHandlers runs every registered lifecycle function.
func (r *HandlerRegistry) StartLifecycleHandlers(ctx context.Context) {
	r.mu.RLock()
	starters := append([]func(context.Context){}, r.lifecycleStarters...)
	r.mu.RUnlock()

	for _, starter := range starters {
		starter(ctx)
	}
}
