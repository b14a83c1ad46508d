package rabbitmq

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	amqp "github.com/rabbitmq/amqp091-go"
	"golang.org/x/sync/errgroup"
)

// DeliveryHandler processes one delivery and owns its acknowledgment
type DeliveryHandler func(ctx context.Context, delivery amqp.Delivery)

// Consumer runs one manual-ack subscription per queue on a dedicated channel.
// Up to prefetchCount deliveries are processed concurrently.
type Consumer struct {
	manager          *ConnectionManager
	prefetchCount    int
	tagPrefix        string
	resubscribeDelay time.Duration
	logger           *slog.Logger
}

// ConsumerOption configures the consumer
type ConsumerOption func(*Consumer)

// WithPrefetchCount sets the QoS prefetch and the worker count
func WithPrefetchCount(count int) ConsumerOption {
	return func(c *Consumer) {
		if count > 0 {
			c.prefetchCount = count
		}
	}
}

// WithConsumerTag sets the prefix of generated consumer tags
func WithConsumerTag(prefix string) ConsumerOption {
	return func(c *Consumer) {
		c.tagPrefix = prefix
	}
}

// WithResubscribeDelay sets the pause before consuming again after the channel dropped
func WithResubscribeDelay(delay time.Duration) ConsumerOption {
	return func(c *Consumer) {
		c.resubscribeDelay = delay
	}
}

// WithConsumerLogger sets the logger
func WithConsumerLogger(logger *slog.Logger) ConsumerOption {
	return func(c *Consumer) {
		c.logger = logger
	}
}

// NewConsumer creates a new consumer
func NewConsumer(manager *ConnectionManager, options ...ConsumerOption) *Consumer {
	c := &Consumer{
		manager:          manager,
		prefetchCount:    10,
		tagPrefix:        "notifier",
		resubscribeDelay: time.Second,
		logger:           slog.Default(),
	}

	for _, opt := range options {
		opt(c)
	}

	return c
}

// PrefetchCount returns the configured prefetch
func (c *Consumer) PrefetchCount() int {
	return c.prefetchCount
}

// Consume blocks until ctx is cancelled. When the channel or connection
// drops, it waits for the connection manager to reconnect and subscribes
// again. Errors on the very first subscription are returned.
func (c *Consumer) Consume(ctx context.Context, queue string, handler DeliveryHandler) error {
	subscribed := false

	for {
		err := c.consumeOnce(ctx, queue, handler, func() { subscribed = true })
		if ctx.Err() != nil {
			return nil
		}
		if !subscribed {
			return err
		}

		c.logger.Warn("subscription interrupted, resubscribing",
			"queue", queue,
			"error", err)

		if err := c.manager.WaitConnected(ctx); err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return &ConsumerError{Queue: queue, Op: "resubscribe", Err: err, Timestamp: time.Now()}
		}

		select {
		case <-time.After(c.resubscribeDelay):
		case <-ctx.Done():
			return nil
		}
	}
}

func (c *Consumer) consumeOnce(ctx context.Context, queue string, handler DeliveryHandler, onSubscribed func()) error {
	tag := fmt.Sprintf("%s-%s", c.tagPrefix, uuid.New().String())

	ch, err := c.manager.Channel()
	if err != nil {
		return &ConsumerError{Queue: queue, ConsumerTag: tag, Op: "open channel", Err: err, Timestamp: time.Now()}
	}
	defer func() {
		if !ch.IsClosed() {
			_ = ch.Close()
		}
	}()

	if err := ch.Qos(c.prefetchCount, 0, false); err != nil {
		return &ConsumerError{Queue: queue, ConsumerTag: tag, Op: "qos", Err: err, Timestamp: time.Now()}
	}

	deliveries, err := ch.Consume(
		queue,
		tag,
		false, // auto-ack
		false, // exclusive
		false, // no-local
		false, // no-wait
		nil,
	)
	if err != nil {
		return &ConsumerError{Queue: queue, ConsumerTag: tag, Op: "consume", Err: err, Timestamp: time.Now()}
	}

	onSubscribed()
	c.logger.Info("subscribed to queue",
		"queue", queue,
		"consumerTag", tag,
		"prefetchCount", c.prefetchCount)

	// in-flight deliveries finish and settle after shutdown starts
	workCtx := context.WithoutCancel(ctx)
	var workers errgroup.Group
	workers.SetLimit(c.prefetchCount)

	err = c.dispatch(ctx, deliveries, func(d amqp.Delivery) {
		workers.Go(func() error {
			handler(workCtx, d)
			return nil
		})
	})

	if ctx.Err() != nil && !ch.IsClosed() {
		_ = ch.Cancel(tag, false)
	}
	_ = workers.Wait()

	c.logger.Info("consumer stopped", "queue", queue, "consumerTag", tag)
	return err
}

func (c *Consumer) dispatch(ctx context.Context, deliveries <-chan amqp.Delivery, run func(amqp.Delivery)) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case d, ok := <-deliveries:
			if !ok {
				return ErrDeliveriesClosed
			}
			run(d)
		}
	}
}
