package reliability

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/glimte/notifier-go/contracts"
	"github.com/glimte/notifier-go/internal/rabbitmq"
	amqp "github.com/rabbitmq/amqp091-go"
)

// HeaderRetryDelay selects the delay queue inside the delay exchange
const HeaderRetryDelay = "x-retry-delay-ms"

// TopologyDeclarer declares broker objects on demand
type TopologyDeclarer interface {
	DeclareExchange(ctx context.Context, exchange rabbitmq.ExchangeDeclaration) error
	DeclareQueue(ctx context.Context, queue rabbitmq.QueueDeclaration) (amqp.Queue, error)
	BindQueue(ctx context.Context, binding rabbitmq.Binding) error
}

// TTLDelayer parks retries on the broker instead of in process memory.
// Each distinct delay gets its own queue with a per-queue message TTL; expired
// messages are dead-lettered back into the events exchange and keep their
// original routing key. Pending retries survive a restart of the service.
type TTLDelayer struct {
	publisher      EnvelopePublisher
	topology       TopologyDeclarer
	eventsExchange string
	delayExchange  string
	queuePrefix    string
	logger         *slog.Logger

	mu          sync.Mutex
	initialized bool
	delayQueues map[int64]string
}

// TTLDelayerOption configures a TTLDelayer
type TTLDelayerOption func(*TTLDelayer)

// WithDelayExchange overrides the headers exchange that fronts the delay queues
func WithDelayExchange(name string) TTLDelayerOption {
	return func(d *TTLDelayer) {
		if name != "" {
			d.delayExchange = name
		}
	}
}

// WithDelayQueuePrefix overrides the delay queue name prefix
func WithDelayQueuePrefix(prefix string) TTLDelayerOption {
	return func(d *TTLDelayer) {
		if prefix != "" {
			d.queuePrefix = prefix
		}
	}
}

// WithTTLLogger sets the logger
func WithTTLLogger(logger *slog.Logger) TTLDelayerOption {
	return func(d *TTLDelayer) {
		d.logger = logger
	}
}

// NewTTLDelayer creates a broker-backed delayer feeding eventsExchange
func NewTTLDelayer(publisher EnvelopePublisher, topology TopologyDeclarer, eventsExchange string, options ...TTLDelayerOption) *TTLDelayer {
	d := &TTLDelayer{
		publisher:      publisher,
		topology:       topology,
		eventsExchange: eventsExchange,
		delayExchange:  "notification.retry.delay",
		queuePrefix:    "notification.retry",
		logger:         slog.Default(),
		delayQueues:    make(map[int64]string),
	}

	for _, opt := range options {
		opt(d)
	}

	return d
}

// Defer publishes a copy of env to the delay queue matching delay. It blocks
// only for the publisher confirm, never for the delay itself.
func (d *TTLDelayer) Defer(ctx context.Context, env *contracts.Envelope, delay time.Duration) error {
	if env == nil {
		return ErrNilEnvelope
	}

	ms := delay.Milliseconds()
	if ms < 1 {
		ms = 1
	}

	if err := d.ensureDelayQueue(ctx, ms); err != nil {
		return fmt.Errorf("failed to ensure delay queue: %w", err)
	}

	parked := *env
	parked.Headers = contracts.CloneHeaders(env.Headers)
	parked.Headers[HeaderRetryDelay] = ms

	if err := d.publisher.Publish(ctx, d.delayExchange, &parked); err != nil {
		return fmt.Errorf("failed to publish to delay exchange: %w", err)
	}

	d.logger.Debug("parked message for retry",
		"routingKey", env.RoutingKey,
		"delayMs", ms,
		"queue", d.delayQueueName(ms),
		"traceId", env.TraceID(),
	)
	return nil
}

// Close is a no-op: pending retries live on the broker
func (d *TTLDelayer) Close() error {
	return nil
}

func (d *TTLDelayer) delayQueueName(ms int64) string {
	return fmt.Sprintf("%s.%dms", d.queuePrefix, ms)
}

func (d *TTLDelayer) ensureDelayQueue(ctx context.Context, ms int64) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	if !d.initialized {
		err := d.topology.DeclareExchange(ctx, rabbitmq.ExchangeDeclaration{
			Name:    d.delayExchange,
			Type:    amqp.ExchangeHeaders,
			Durable: true,
		})
		if err != nil {
			return fmt.Errorf("failed to declare exchange %s: %w", d.delayExchange, err)
		}
		d.initialized = true
	}

	if _, ok := d.delayQueues[ms]; ok {
		return nil
	}

	name := d.delayQueueName(ms)
	// no x-expires: an expiring queue would drop the messages it still holds
	queue := rabbitmq.QueueDeclaration{
		Name:    name,
		Durable: true,
		Arguments: amqp.Table{
			"x-message-ttl":          ms,
			"x-dead-letter-exchange": d.eventsExchange,
		},
	}
	if _, err := d.topology.DeclareQueue(ctx, queue); err != nil {
		return fmt.Errorf("failed to declare delay queue %s: %w", name, err)
	}

	binding := rabbitmq.Binding{
		Queue:    name,
		Exchange: d.delayExchange,
		Arguments: amqp.Table{
			"x-match":        "all",
			HeaderRetryDelay: ms,
		},
	}
	if err := d.topology.BindQueue(ctx, binding); err != nil {
		return fmt.Errorf("failed to bind delay queue %s: %w", name, err)
	}

	d.delayQueues[ms] = name
	d.logger.Info("declared delay queue", "queue", name, "delayMs", ms)
	return nil
}
