package messaging

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"runtime/debug"
	"time"

	"github.com/glimte/notifier-go/contracts"
	"github.com/glimte/notifier-go/internal/reliability"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/errgroup"
)

const (
	tracerName            = "github.com/glimte/notifier-go/messaging"
	defaultHandlerTimeout = 30 * time.Second
)

// MessageSubscriber is the consumption loop. For every delivery it invokes
// the handler once, acknowledges the delivery, and passes failures to the
// scheduler.
type MessageSubscriber struct {
	transport      TransportSubscriber
	scheduler      Scheduler
	logger         *slog.Logger
	metrics        MetricsCollector
	tracer         trace.Tracer
	handlerTimeout time.Duration
}

// SubscriberOption configures the MessageSubscriber
type SubscriberOption func(*MessageSubscriber)

// WithSubscriberLogger sets the logger
func WithSubscriberLogger(logger *slog.Logger) SubscriberOption {
	return func(s *MessageSubscriber) {
		s.logger = logger
	}
}

// WithSubscriberMetrics sets the metrics collector
func WithSubscriberMetrics(collector MetricsCollector) SubscriberOption {
	return func(s *MessageSubscriber) {
		s.metrics = collector
	}
}

// WithTracer sets the tracer used for consume spans
func WithTracer(tracer trace.Tracer) SubscriberOption {
	return func(s *MessageSubscriber) {
		s.tracer = tracer
	}
}

// WithHandlerTimeout bounds a single handler invocation; zero disables it
func WithHandlerTimeout(timeout time.Duration) SubscriberOption {
	return func(s *MessageSubscriber) {
		s.handlerTimeout = timeout
	}
}

// NewMessageSubscriber creates a new consumption loop
func NewMessageSubscriber(transport TransportSubscriber, scheduler Scheduler, options ...SubscriberOption) (*MessageSubscriber, error) {
	if transport == nil || scheduler == nil {
		return nil, fmt.Errorf("%w: transport and scheduler are required", ErrInvalidSubscriber)
	}

	s := &MessageSubscriber{
		transport:      transport,
		scheduler:      scheduler,
		logger:         slog.Default(),
		metrics:        NoOpMetricsCollector{},
		tracer:         otel.Tracer(tracerName),
		handlerTimeout: defaultHandlerTimeout,
	}

	for _, opt := range options {
		opt(s)
	}

	return s, nil
}

// Run consumes every queue concurrently with the same handler. It returns
// when ctx is done or when a subscription fails, stopping the others.
func (s *MessageSubscriber) Run(ctx context.Context, queues []string, handler Handler) error {
	if len(queues) == 0 {
		return fmt.Errorf("%w: no queues to consume", ErrInvalidSubscriber)
	}

	g, gctx := errgroup.WithContext(ctx)
	for _, queue := range queues {
		g.Go(func() error {
			if err := s.Subscribe(gctx, queue, handler); err != nil {
				return fmt.Errorf("queue %s: %w", queue, err)
			}
			return nil
		})
	}
	return g.Wait()
}

// Subscribe consumes one queue until ctx is done
func (s *MessageSubscriber) Subscribe(ctx context.Context, queue string, handler Handler) error {
	if queue == "" {
		return fmt.Errorf("%w: queue name cannot be empty", ErrInvalidSubscriber)
	}
	if handler == nil {
		return fmt.Errorf("%w: handler cannot be nil", ErrInvalidSubscriber)
	}

	s.logger.Info("consuming queue", "queue", queue)
	return s.transport.Subscribe(ctx, queue, func(ctx context.Context, delivery TransportDelivery) {
		s.processDelivery(ctx, queue, handler, delivery)
	})
}

// processDelivery drives one delivery to a terminal state. Nothing escapes:
// a failure of the loop itself rejects the delivery when it is still
// unsettled, so the queue's dead-letter exchange takes over.
func (s *MessageSubscriber) processDelivery(ctx context.Context, queue string, handler Handler, delivery TransportDelivery) {
	start := time.Now()
	env := delivery.Envelope()
	settled := false
	state := StateDelivered

	s.metrics.RecordInFlight(queue, 1)

	ctx, span := s.tracer.Start(ctx, "notifier.consume",
		trace.WithSpanKind(trace.SpanKindConsumer),
		trace.WithAttributes(
			attribute.String("messaging.system", "rabbitmq"),
			attribute.String("messaging.destination.name", queue),
			attribute.String("messaging.rabbitmq.destination.routing_key", env.RoutingKey),
			attribute.String("messaging.message.id", env.MessageID),
			attribute.String("notifier.trace_id", env.TraceID()),
			attribute.Int("notifier.retry_count", env.RetryCount()),
		),
	)

	defer func() {
		if r := recover(); r != nil {
			stage := "schedule"
			if !settled {
				stage = "acknowledge"
			}
			err := &InternalError{
				Queue:   queue,
				Stage:   stage,
				TraceID: env.TraceID(),
				Err:     &PanicError{Value: r, Stack: debug.Stack()},
			}
			state = s.internalFailure(queue, env, delivery, settled, err)
		}

		span.SetAttributes(attribute.String("notifier.state", state.String()))
		if state != StateSucceeded {
			span.SetStatus(codes.Error, state.String())
		}
		span.End()

		s.metrics.RecordInFlight(queue, -1)
		s.metrics.RecordDelivery(queue, state, time.Since(start))
	}()

	state = StateProcessing
	outcome := s.invoke(ctx, handler, env)

	if err := delivery.Acknowledge(); err != nil {
		// the broker still owns the delivery; never schedule a follow-up for it
		state = s.internalFailure(queue, env, delivery, false, &InternalError{
			Queue:   queue,
			Stage:   "acknowledge",
			TraceID: env.TraceID(),
			Err:     err,
		})
		return
	}
	settled = true

	if outcome.Succeeded() {
		state = StateSucceeded
		s.logger.Info("message processed",
			"queue", queue,
			"routingKey", env.RoutingKey,
			"attempt", env.RetryCount(),
			"traceId", env.TraceID(),
			"duration", time.Since(start))
		return
	}

	state = StateFailed
	span.RecordError(outcome.Err())
	s.logger.Warn("message processing failed",
		"queue", queue,
		"routingKey", env.RoutingKey,
		"attempt", env.RetryCount(),
		"traceId", env.TraceID(),
		"error", outcome.Err())

	decision, err := s.scheduler.Schedule(ctx, env)
	if err != nil {
		// the scheduler already logged the unconfirmed publish
		state = StateLost
		span.RecordError(err)
		return
	}

	switch decision.Action {
	case reliability.ActionRetry:
		state = StateRetryScheduled
	case reliability.ActionDeadLetter:
		state = StateDeadLettered
	}
}

// invoke calls the handler exactly once and folds panics into a Failure
func (s *MessageSubscriber) invoke(ctx context.Context, handler Handler, env *contracts.Envelope) (outcome Outcome) {
	if s.handlerTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.handlerTimeout)
		defer cancel()
	}

	defer func() {
		if r := recover(); r != nil {
			s.logger.Error("handler panicked",
				"routingKey", env.RoutingKey,
				"traceId", env.TraceID(),
				"panic", r)
			outcome = Failure(&PanicError{Value: r, Stack: debug.Stack()})
		}
	}()

	return handler.Process(ctx, env)
}

// internalFailure handles errors of the loop itself. An unsettled delivery
// is rejected without requeue; a settled one can only be reported as lost.
func (s *MessageSubscriber) internalFailure(queue string, env *contracts.Envelope, delivery TransportDelivery, settled bool, err error) State {
	if settled {
		s.logger.Error("follow-up lost after acknowledgment",
			"queue", queue,
			"routingKey", env.RoutingKey,
			"attempt", env.RetryCount(),
			"traceId", env.TraceID(),
			"error", err)
		return StateLost
	}

	s.logger.Error("internal error, rejecting delivery without requeue",
		"queue", queue,
		"routingKey", env.RoutingKey,
		"attempt", env.RetryCount(),
		"traceId", env.TraceID(),
		"error", err)

	if rejectErr := delivery.Reject(false); rejectErr != nil {
		s.logger.Error("failed to reject delivery",
			"queue", queue,
			"traceId", env.TraceID(),
			"error", errors.Join(err, rejectErr))
	}
	return StateRejected
}
