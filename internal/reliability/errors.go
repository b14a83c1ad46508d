package reliability

import (
	"errors"
	"fmt"
	"time"
)

var (
	// Policy errors
	ErrInvalidPolicy = errors.New("retry: invalid policy")

	// Scheduler errors
	ErrSchedulerClosed = errors.New("retry: scheduler is closed")
	ErrNilEnvelope     = errors.New("retry: nil envelope")
)

// PublishError reports a follow-up publish (retry or dead-letter) that the
// broker did not confirm. The original delivery is already acknowledged, so
// the message is lost unless an operator recovers it from the logs.
type PublishError struct {
	Exchange   string
	RoutingKey string
	TraceID    string
	Attempt    int
	DeadLetter bool
	Err        error
	Timestamp  time.Time
}

func (e *PublishError) Error() string {
	kind := "retry"
	if e.DeadLetter {
		kind = "dead-letter"
	}
	return fmt.Sprintf("retry: %s publish to %s/%s not confirmed (attempt=%d, traceId=%s): %v",
		kind, e.Exchange, e.RoutingKey, e.Attempt, e.TraceID, e.Err)
}

func (e *PublishError) Unwrap() error {
	return e.Err
}

// IsPublishFailure reports whether err came from an unconfirmed follow-up publish
func IsPublishFailure(err error) bool {
	var pubErr *PublishError
	return errors.As(err, &pubErr)
}
