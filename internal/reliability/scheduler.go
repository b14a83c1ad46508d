package reliability

import (
	"context"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/glimte/notifier-go/contracts"
)

// EnvelopePublisher publishes an envelope and returns once the broker confirmed it
type EnvelopePublisher interface {
	Publish(ctx context.Context, exchange string, env *contracts.Envelope) error
}

// Delayer republishes an envelope to the events exchange once a delay has
// elapsed, without blocking the caller for the duration of the delay.
type Delayer interface {
	Defer(ctx context.Context, env *contracts.Envelope, delay time.Duration) error
	Close() error
}

// Action is the outcome of a scheduling decision
type Action int

const (
	// ActionRetry means the message was handed to the delayer with an incremented counter
	ActionRetry Action = iota
	// ActionDeadLetter means the retry budget was exhausted
	ActionDeadLetter
)

func (a Action) String() string {
	switch a {
	case ActionRetry:
		return "retry"
	case ActionDeadLetter:
		return "dead_letter"
	default:
		return "unknown"
	}
}

// Decision describes what the scheduler did with a failed envelope
type Decision struct {
	Action Action
	// Attempt is the retry attempt scheduled, or the exhausted count for dead letters
	Attempt int
	Delay   time.Duration
}

// RetryScheduler turns a failed delivery into exactly one follow-up publish:
// a delayed republish to the events exchange, or an immediate publish to the
// dead-letter exchange once the policy's budget is spent.
type RetryScheduler struct {
	policy             RetryPolicy
	publisher          EnvelopePublisher
	delayer            Delayer
	deadLetterExchange string
	logger             *slog.Logger
	metrics            MetricsCollector
	closed             atomic.Bool
}

// SchedulerOption configures the RetryScheduler
type SchedulerOption func(*RetryScheduler)

// WithSchedulerLogger sets the logger
func WithSchedulerLogger(logger *slog.Logger) SchedulerOption {
	return func(s *RetryScheduler) {
		s.logger = logger
	}
}

// WithSchedulerMetrics sets the metrics collector
func WithSchedulerMetrics(collector MetricsCollector) SchedulerOption {
	return func(s *RetryScheduler) {
		s.metrics = collector
	}
}

// NewRetryScheduler creates a scheduler publishing dead letters to deadLetterExchange
func NewRetryScheduler(policy RetryPolicy, publisher EnvelopePublisher, delayer Delayer, deadLetterExchange string, options ...SchedulerOption) (*RetryScheduler, error) {
	if policy == nil || publisher == nil || delayer == nil {
		return nil, fmt.Errorf("%w: policy, publisher and delayer are required", ErrInvalidPolicy)
	}
	if deadLetterExchange == "" {
		return nil, fmt.Errorf("%w: dead-letter exchange is required", ErrInvalidPolicy)
	}

	s := &RetryScheduler{
		policy:             policy,
		publisher:          publisher,
		delayer:            delayer,
		deadLetterExchange: deadLetterExchange,
		logger:             slog.Default(),
		metrics:            NoOpMetricsCollector{},
	}

	for _, opt := range options {
		opt(s)
	}

	return s, nil
}

// Schedule decides retry vs dead-letter for a failed envelope and performs the publish.
// The returned error is a *PublishError when the follow-up could not be confirmed.
func (s *RetryScheduler) Schedule(ctx context.Context, env *contracts.Envelope) (Decision, error) {
	if env == nil {
		return Decision{}, ErrNilEnvelope
	}
	if s.closed.Load() {
		return Decision{}, ErrSchedulerClosed
	}

	retryCount := env.RetryCount()
	attempt := retryCount + 1

	if s.policy.ShouldRetry(attempt) {
		return s.retry(ctx, env, attempt)
	}
	return s.deadLetter(ctx, env, retryCount)
}

func (s *RetryScheduler) retry(ctx context.Context, env *contracts.Envelope, attempt int) (Decision, error) {
	delay := s.policy.NextDelay(attempt)
	decision := Decision{Action: ActionRetry, Attempt: attempt, Delay: delay}

	s.logger.Warn("scheduling message for retry",
		"routingKey", env.RoutingKey,
		"attempt", attempt,
		"maxRetries", s.policy.MaxRetries(),
		"delay", delay,
		"traceId", env.TraceID(),
	)

	if err := s.delayer.Defer(ctx, env.WithRetryCount(attempt), delay); err != nil {
		s.metrics.RecordPublishFailure("retry", env.RoutingKey)
		pubErr := &PublishError{
			Exchange:   "retry",
			RoutingKey: env.RoutingKey,
			TraceID:    env.TraceID(),
			Attempt:    attempt,
			Err:        err,
			Timestamp:  time.Now(),
		}
		s.logger.Error("failed to schedule retry, message may be lost",
			"error", err,
			"routingKey", env.RoutingKey,
			"attempt", attempt,
			"delay", delay,
			"traceId", env.TraceID(),
		)
		return decision, pubErr
	}

	s.metrics.RecordRetryScheduled(env.RoutingKey, attempt, delay)
	return decision, nil
}

func (s *RetryScheduler) deadLetter(ctx context.Context, env *contracts.Envelope, retryCount int) (Decision, error) {
	decision := Decision{Action: ActionDeadLetter, Attempt: retryCount}

	s.logger.Error("retries exhausted, sending to dead-letter exchange",
		"routingKey", env.RoutingKey,
		"retries", retryCount,
		"exchange", s.deadLetterExchange,
		"traceId", env.TraceID(),
	)

	if err := s.publisher.Publish(ctx, s.deadLetterExchange, env); err != nil {
		s.metrics.RecordPublishFailure(s.deadLetterExchange, env.RoutingKey)
		s.logger.Error("dead-letter publish not confirmed, message may be lost",
			"error", err,
			"routingKey", env.RoutingKey,
			"retries", retryCount,
			"traceId", env.TraceID(),
		)
		return decision, &PublishError{
			Exchange:   s.deadLetterExchange,
			RoutingKey: env.RoutingKey,
			TraceID:    env.TraceID(),
			Attempt:    retryCount,
			DeadLetter: true,
			Err:        err,
			Timestamp:  time.Now(),
		}
	}

	s.metrics.RecordDeadLettered(env.RoutingKey, retryCount)
	return decision, nil
}

// Close stops accepting failures and releases the delayer. Retries whose
// delay has not elapsed yet are dropped when the delayer keeps them in memory.
func (s *RetryScheduler) Close() error {
	if !s.closed.CompareAndSwap(false, true) {
		return nil
	}
	return s.delayer.Close()
}
