package contracts

import (
	"errors"
	"fmt"
)

// Exchange kinds accepted by the descriptor
const (
	ExchangeTopic  = "topic"
	ExchangeDirect = "direct"

	// CatchAllBindingKey binds the dead-letter queue to every routing key
	CatchAllBindingKey = "#"
)

var (
	// ErrInvalidTopology is returned by Validate for malformed descriptors
	ErrInvalidTopology = errors.New("contracts: invalid topology")
)

// ExchangeSpec names an exchange and its kind
type ExchangeSpec struct {
	Name string
	Kind string
}

// QueueBinding ties a consumed queue to the events exchange
type QueueBinding struct {
	Queue      string
	BindingKey string
}

// Topology is the static description of everything the service declares at
// startup: the events exchange, the consumed queues and the dead-letter sink.
type Topology struct {
	EventsExchange     ExchangeSpec
	Queues             []QueueBinding
	DeadLetterExchange ExchangeSpec
	DeadLetterQueue    string
}

// DefaultTopology returns the notification service topology
func DefaultTopology() Topology {
	return Topology{
		EventsExchange: ExchangeSpec{Name: "payments.x", Kind: ExchangeTopic},
		Queues: []QueueBinding{
			{Queue: "notification.payment.requested", BindingKey: "payment.requested"},
			{Queue: "notification.payment.confirmed", BindingKey: "payment.confirmed"},
		},
		DeadLetterExchange: ExchangeSpec{Name: "notification.dlx", Kind: ExchangeTopic},
		DeadLetterQueue:    "notification.dlq",
	}
}

// QueueNames returns the consumed queue names in declaration order
func (t Topology) QueueNames() []string {
	names := make([]string, 0, len(t.Queues))
	for _, q := range t.Queues {
		names = append(names, q.Queue)
	}
	return names
}

// Validate checks the descriptor is usable
func (t Topology) Validate() error {
	if err := validateExchange("events exchange", t.EventsExchange); err != nil {
		return err
	}
	if err := validateExchange("dead-letter exchange", t.DeadLetterExchange); err != nil {
		return err
	}
	if t.EventsExchange.Name == t.DeadLetterExchange.Name {
		return fmt.Errorf("%w: events and dead-letter exchange must differ", ErrInvalidTopology)
	}
	if t.DeadLetterQueue == "" {
		return fmt.Errorf("%w: dead-letter queue name is empty", ErrInvalidTopology)
	}
	if len(t.Queues) == 0 {
		return fmt.Errorf("%w: no queues to consume", ErrInvalidTopology)
	}

	seen := make(map[string]bool, len(t.Queues))
	for i, q := range t.Queues {
		if q.Queue == "" {
			return fmt.Errorf("%w: queue %d has no name", ErrInvalidTopology, i)
		}
		if q.BindingKey == "" {
			return fmt.Errorf("%w: queue %s has no binding key", ErrInvalidTopology, q.Queue)
		}
		if q.Queue == t.DeadLetterQueue {
			return fmt.Errorf("%w: queue %s is also the dead-letter queue", ErrInvalidTopology, q.Queue)
		}
		if seen[q.Queue] {
			return fmt.Errorf("%w: duplicate queue %s", ErrInvalidTopology, q.Queue)
		}
		seen[q.Queue] = true
	}

	return nil
}

func validateExchange(label string, ex ExchangeSpec) error {
	if ex.Name == "" {
		return fmt.Errorf("%w: %s name is empty", ErrInvalidTopology, label)
	}
	switch ex.Kind {
	case ExchangeTopic, ExchangeDirect:
		return nil
	default:
		return fmt.Errorf("%w: %s kind %q not supported", ErrInvalidTopology, label, ex.Kind)
	}
}
