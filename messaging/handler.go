package messaging

import (
	"context"
	"fmt"
	"sync"

	"github.com/glimte/notifier-go/contracts"
)

// Outcome is the explicit result of processing one envelope
type Outcome struct {
	err error
}

// Success reports that the envelope was processed
func Success() Outcome {
	return Outcome{}
}

// Failure reports that processing failed. A nil err still counts as failure.
func Failure(err error) Outcome {
	if err == nil {
		err = ErrHandlerFailed
	}
	return Outcome{err: err}
}

// Succeeded reports whether the outcome is a success
func (o Outcome) Succeeded() bool {
	return o.err == nil
}

// Err returns the failure cause, nil on success
func (o Outcome) Err() error {
	return o.err
}

func (o Outcome) String() string {
	if o.err == nil {
		return "success"
	}
	return fmt.Sprintf("failure: %v", o.err)
}

// Handler processes an envelope. Implementations may block on I/O.
type Handler interface {
	Process(ctx context.Context, env *contracts.Envelope) Outcome
}

// HandlerFunc adapts a function to Handler
type HandlerFunc func(ctx context.Context, env *contracts.Envelope) Outcome

// Process implements Handler
func (f HandlerFunc) Process(ctx context.Context, env *contracts.Envelope) Outcome {
	return f(ctx, env)
}

// Router dispatches envelopes by exact routing key. Envelopes with no
// registered handler go to the fallback, which fails by default.
type Router struct {
	mu       sync.RWMutex
	handlers map[string]Handler
	fallback Handler
}

// NewRouter creates an empty router
func NewRouter() *Router {
	return &Router{
		handlers: make(map[string]Handler),
		fallback: HandlerFunc(func(_ context.Context, env *contracts.Envelope) Outcome {
			return Failure(fmt.Errorf("%w: %s", ErrUnknownRoutingKey, env.RoutingKey))
		}),
	}
}

// Handle registers handler for routingKey, replacing any previous one
func (r *Router) Handle(routingKey string, handler Handler) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.handlers[routingKey] = handler
}

// Fallback replaces the handler used for unknown routing keys
func (r *Router) Fallback(handler Handler) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.fallback = handler
}

// RoutingKeys returns the registered routing keys
func (r *Router) RoutingKeys() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	keys := make([]string, 0, len(r.handlers))
	for k := range r.handlers {
		keys = append(keys, k)
	}
	return keys
}

// Process implements Handler
func (r *Router) Process(ctx context.Context, env *contracts.Envelope) Outcome {
	r.mu.RLock()
	handler, ok := r.handlers[env.RoutingKey]
	if !ok {
		handler = r.fallback
	}
	r.mu.RUnlock()

	return handler.Process(ctx, env)
}
