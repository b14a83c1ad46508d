package messaging

import (
	"errors"
	"fmt"
)

var (
	// ErrHandlerFailed is the cause of a Failure built without an error
	ErrHandlerFailed = errors.New("messaging: handler failed")
	// ErrUnknownRoutingKey is returned by the default Router fallback
	ErrUnknownRoutingKey = errors.New("messaging: no handler for routing key")
	// ErrInternal marks failures of the consumption loop itself
	ErrInternal = errors.New("messaging: internal error")
	// ErrInvalidSubscriber is returned for incomplete subscriber configuration
	ErrInvalidSubscriber = errors.New("messaging: invalid subscriber configuration")
)

// PanicError wraps a value recovered from a panic
type PanicError struct {
	Value interface{}
	Stack []byte
}

func (e *PanicError) Error() string {
	return fmt.Sprintf("panic: %v", e.Value)
}

// InternalError describes a failure outside the handler, such as a failed
// acknowledgment or a panic in the scheduler
type InternalError struct {
	Queue   string
	Stage   string
	TraceID string
	Err     error
}

func (e *InternalError) Error() string {
	return fmt.Sprintf("messaging: internal error during %s on queue %s (traceId=%s): %v",
		e.Stage, e.Queue, e.TraceID, e.Err)
}

func (e *InternalError) Unwrap() []error {
	return []error{ErrInternal, e.Err}
}
