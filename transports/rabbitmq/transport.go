package rabbitmq

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/glimte/notifier-go/contracts"
	"github.com/glimte/notifier-go/internal/rabbitmq"
	"github.com/glimte/notifier-go/messaging"
	amqp "github.com/rabbitmq/amqp091-go"
)

// Transport implements messaging.Transport for RabbitMQ
type Transport struct {
	manager   *rabbitmq.ConnectionManager
	pool      *rabbitmq.ChannelPool
	publisher *rabbitmq.Publisher
	consumer  *rabbitmq.Consumer
	topology  *rabbitmq.TopologyManager
	logger    *slog.Logger
}

var _ messaging.Transport = (*Transport)(nil)

// TransportConfig holds configuration for the transport
type TransportConfig struct {
	ConnectionOptions []rabbitmq.ConnectionOption
	PoolOptions       []rabbitmq.ChannelPoolOption
	PublisherOptions  []rabbitmq.PublisherOption
	ConsumerOptions   []rabbitmq.ConsumerOption
	Logger            *slog.Logger
}

// TransportOption configures the transport
type TransportOption func(*TransportConfig)

// WithConnectionOptions sets connection options
func WithConnectionOptions(opts ...rabbitmq.ConnectionOption) TransportOption {
	return func(cfg *TransportConfig) {
		cfg.ConnectionOptions = append(cfg.ConnectionOptions, opts...)
	}
}

// WithPoolOptions sets channel pool options
func WithPoolOptions(opts ...rabbitmq.ChannelPoolOption) TransportOption {
	return func(cfg *TransportConfig) {
		cfg.PoolOptions = append(cfg.PoolOptions, opts...)
	}
}

// WithPublisherOptions sets publisher options
func WithPublisherOptions(opts ...rabbitmq.PublisherOption) TransportOption {
	return func(cfg *TransportConfig) {
		cfg.PublisherOptions = append(cfg.PublisherOptions, opts...)
	}
}

// WithConsumerOptions sets consumer options
func WithConsumerOptions(opts ...rabbitmq.ConsumerOption) TransportOption {
	return func(cfg *TransportConfig) {
		cfg.ConsumerOptions = append(cfg.ConsumerOptions, opts...)
	}
}

// WithTransportLogger sets the logger shared by every broker component
func WithTransportLogger(logger *slog.Logger) TransportOption {
	return func(cfg *TransportConfig) {
		cfg.Logger = logger
	}
}

// NewTransport connects to the broker and prepares publishing and consuming
func NewTransport(ctx context.Context, connectionString string, options ...TransportOption) (*Transport, error) {
	cfg := &TransportConfig{Logger: slog.Default()}
	for _, opt := range options {
		opt(cfg)
	}

	// the shared logger goes first so explicit options still win
	connOpts := append([]rabbitmq.ConnectionOption{rabbitmq.WithLogger(cfg.Logger)}, cfg.ConnectionOptions...)
	poolOpts := append([]rabbitmq.ChannelPoolOption{rabbitmq.WithChannelLogger(cfg.Logger)}, cfg.PoolOptions...)
	pubOpts := append([]rabbitmq.PublisherOption{rabbitmq.WithPublisherLogger(cfg.Logger)}, cfg.PublisherOptions...)
	consOpts := append([]rabbitmq.ConsumerOption{rabbitmq.WithConsumerLogger(cfg.Logger)}, cfg.ConsumerOptions...)

	manager := rabbitmq.NewConnectionManager(connectionString, connOpts...)
	if err := manager.Connect(ctx); err != nil {
		return nil, fmt.Errorf("failed to connect: %w", err)
	}

	pool, err := rabbitmq.NewChannelPool(manager, poolOpts...)
	if err != nil {
		manager.Close()
		return nil, fmt.Errorf("failed to create channel pool: %w", err)
	}

	return &Transport{
		manager:   manager,
		pool:      pool,
		publisher: rabbitmq.NewPublisher(pool, pubOpts...),
		consumer:  rabbitmq.NewConsumer(manager, consOpts...),
		topology:  rabbitmq.NewTopologyManager(pool),
		logger:    cfg.Logger,
	}, nil
}

// Publish implements messaging.TransportPublisher. It returns once the
// broker confirmed the message.
func (t *Transport) Publish(ctx context.Context, exchange string, env *contracts.Envelope) error {
	return t.publisher.Publish(ctx, exchange, env)
}

// Subscribe implements messaging.TransportSubscriber. It blocks until ctx is
// done, resubscribing after connection loss.
func (t *Transport) Subscribe(ctx context.Context, queue string, handler func(context.Context, messaging.TransportDelivery)) error {
	return t.consumer.Consume(ctx, queue, func(ctx context.Context, d amqp.Delivery) {
		handler(ctx, newDeliveryAdapter(d))
	})
}

// DeclareTopology implements messaging.Transport
func (t *Transport) DeclareTopology(ctx context.Context, desc contracts.Topology) error {
	if err := desc.Validate(); err != nil {
		return err
	}

	if err := t.topology.DeclareTopology(ctx, rabbitmq.BuildTopology(desc)); err != nil {
		return err
	}

	t.logger.Info("topology declared",
		"eventsExchange", desc.EventsExchange.Name,
		"deadLetterExchange", desc.DeadLetterExchange.Name,
		"deadLetterQueue", desc.DeadLetterQueue,
		"queues", desc.QueueNames())
	return nil
}

// QueueDepth returns the ready message and consumer counts of a queue
func (t *Transport) QueueDepth(ctx context.Context, queue string) (messages, consumers int, err error) {
	q, err := t.topology.InspectQueue(ctx, queue)
	if err != nil {
		return 0, 0, err
	}
	return q.Messages, q.Consumers, nil
}

// Topology exposes the declarer used by broker-side retry delays
func (t *Transport) Topology() *rabbitmq.TopologyManager {
	return t.topology
}

// ConnectionManager exposes the connection for state listeners
func (t *Transport) ConnectionManager() *rabbitmq.ConnectionManager {
	return t.manager
}

// IsConnected returns connection status
func (t *Transport) IsConnected() bool {
	return t.manager.IsConnected()
}

// Close closes all resources
func (t *Transport) Close() error {
	if err := t.pool.Close(); err != nil {
		t.logger.Warn("failed to close channel pool", "error", err)
	}
	return t.manager.Close()
}

// deliveryAdapter adapts amqp.Delivery to messaging.TransportDelivery
type deliveryAdapter struct {
	delivery amqp.Delivery
	envelope *contracts.Envelope
}

func newDeliveryAdapter(d amqp.Delivery) *deliveryAdapter {
	return &deliveryAdapter{delivery: d, envelope: rabbitmq.FromDelivery(d)}
}

// Envelope implements messaging.TransportDelivery
func (d *deliveryAdapter) Envelope() *contracts.Envelope {
	return d.envelope
}

// Acknowledge implements messaging.TransportDelivery
func (d *deliveryAdapter) Acknowledge() error {
	return d.delivery.Ack(false)
}

// Reject implements messaging.TransportDelivery
func (d *deliveryAdapter) Reject(requeue bool) error {
	return d.delivery.Reject(requeue)
}
