package messaging

import (
	"context"

	"github.com/glimte/notifier-go/contracts"
	"github.com/glimte/notifier-go/internal/reliability"
)

// TransportDelivery is one broker delivery awaiting settlement
type TransportDelivery interface {
	// Envelope returns the routing key, payload and headers of the delivery
	Envelope() *contracts.Envelope

	// Acknowledge marks the delivery as settled
	Acknowledge() error

	// Reject settles the delivery negatively
	Reject(requeue bool) error
}

// TransportSubscriber delivers messages from a queue until ctx is done.
// The handler may be called concurrently and must settle every delivery.
type TransportSubscriber interface {
	Subscribe(ctx context.Context, queue string, handler func(ctx context.Context, delivery TransportDelivery)) error
}

// TransportSubscriberFunc adapts a function to TransportSubscriber
type TransportSubscriberFunc func(ctx context.Context, queue string, handler func(ctx context.Context, delivery TransportDelivery)) error

// Subscribe implements TransportSubscriber
func (f TransportSubscriberFunc) Subscribe(ctx context.Context, queue string, handler func(ctx context.Context, delivery TransportDelivery)) error {
	return f(ctx, queue, handler)
}

// TransportPublisher publishes envelopes with broker confirmation
type TransportPublisher interface {
	Publish(ctx context.Context, exchange string, env *contracts.Envelope) error
}

// Transport provides everything the service needs from a broker
type Transport interface {
	TransportPublisher
	TransportSubscriber

	// DeclareTopology declares exchanges, queues and bindings
	DeclareTopology(ctx context.Context, topology contracts.Topology) error

	// Close releases all broker resources
	Close() error
}

// Scheduler turns a failed envelope into a retry or a dead letter
type Scheduler interface {
	Schedule(ctx context.Context, env *contracts.Envelope) (reliability.Decision, error)
}
