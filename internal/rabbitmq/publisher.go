package rabbitmq

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/glimte/notifier-go/contracts"
	amqp "github.com/rabbitmq/amqp091-go"
)

// Publisher publishes persistent messages in confirm mode
type Publisher struct {
	pool           *ChannelPool
	confirmTimeout time.Duration
	maxRetries     int
	logger         *slog.Logger
}

// PublisherOption configures the publisher
type PublisherOption func(*Publisher)

// WithConfirmTimeout bounds the wait for the broker confirm
func WithConfirmTimeout(timeout time.Duration) PublisherOption {
	return func(p *Publisher) {
		if timeout > 0 {
			p.confirmTimeout = timeout
		}
	}
}

// WithPublishRetries sets how often an unconfirmed publish is repeated.
// The default is zero: callers decide what an unconfirmed publish means.
func WithPublishRetries(retries int) PublisherOption {
	return func(p *Publisher) {
		p.maxRetries = retries
	}
}

// WithPublisherLogger sets the logger
func WithPublisherLogger(logger *slog.Logger) PublisherOption {
	return func(p *Publisher) {
		p.logger = logger
	}
}

// NewPublisher creates a new publisher
func NewPublisher(pool *ChannelPool, options ...PublisherOption) *Publisher {
	p := &Publisher{
		pool:           pool,
		confirmTimeout: 5 * time.Second,
		logger:         slog.Default(),
	}

	for _, opt := range options {
		opt(p)
	}

	return p
}

// Publish sends env to exchange under its routing key and waits for the confirm
func (p *Publisher) Publish(ctx context.Context, exchange string, env *contracts.Envelope) error {
	return p.PublishRaw(ctx, exchange, env.RoutingKey, ToPublishing(env))
}

// PublishRaw publishes a prepared message and waits for the confirm
func (p *Publisher) PublishRaw(ctx context.Context, exchange, routingKey string, msg amqp.Publishing) error {
	var lastErr error
	for attempt := 0; attempt <= p.maxRetries; attempt++ {
		if attempt > 0 {
			select {
			case <-time.After(time.Duration(attempt) * time.Second):
			case <-ctx.Done():
				return ctx.Err()
			}
		}

		lastErr = p.publishWithConfirm(ctx, exchange, routingKey, msg)
		if lastErr == nil {
			return nil
		}

		p.logger.Debug("publish not confirmed",
			"exchange", exchange,
			"routingKey", routingKey,
			"messageId", msg.MessageId,
			"attempt", attempt+1,
			"error", lastErr)
	}

	return &PublishError{
		Exchange:   exchange,
		RoutingKey: routingKey,
		MessageID:  msg.MessageId,
		Err:        lastErr,
		Timestamp:  time.Now(),
	}
}

func (p *Publisher) publishWithConfirm(ctx context.Context, exchange, routingKey string, msg amqp.Publishing) error {
	ctx, cancel := context.WithTimeout(ctx, p.confirmTimeout)
	defer cancel()

	ch, err := p.pool.Get(ctx)
	if err != nil {
		return err
	}
	defer p.pool.Put(ch)

	if err := ch.EnableConfirms(); err != nil {
		return fmt.Errorf("failed to enable confirms: %w", err)
	}

	confirm, err := ch.PublishWithDeferredConfirmWithContext(ctx, exchange, routingKey, false, false, msg)
	if err != nil {
		return fmt.Errorf("failed to publish: %w", err)
	}

	acked, err := confirm.WaitContext(ctx)
	if err != nil {
		// the confirm may still arrive on this channel; do not hand it out again
		_ = ch.Channel.Close()
		return fmt.Errorf("%w: %v", ErrPublishNotConfirmed, err)
	}
	if !acked {
		return ErrPublishNacked
	}
	return nil
}

// ToPublishing maps an envelope onto AMQP message properties
func ToPublishing(env *contracts.Envelope) amqp.Publishing {
	contentType := env.ContentType
	if contentType == "" {
		contentType = contracts.ContentTypeJSON
	}

	return amqp.Publishing{
		Headers:       amqp.Table(contracts.CloneHeaders(env.Headers)),
		ContentType:   contentType,
		DeliveryMode:  amqp.Persistent,
		CorrelationId: env.CorrelationID,
		MessageId:     env.MessageID,
		Timestamp:     time.Now(),
		Body:          env.Payload,
	}
}

// FromDelivery rebuilds the envelope a delivery carries
func FromDelivery(d amqp.Delivery) *contracts.Envelope {
	return &contracts.Envelope{
		RoutingKey:    d.RoutingKey,
		Payload:       d.Body,
		Headers:       contracts.CloneHeaders(d.Headers),
		ContentType:   d.ContentType,
		MessageID:     d.MessageId,
		CorrelationID: d.CorrelationId,
	}
}
