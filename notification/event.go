package notification

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/glimte/notifier-go/contracts"
	"github.com/google/uuid"
)

// Routing keys of the payment events this service consumes
const (
	RoutingKeyRequested = "payment.requested"
	RoutingKeyConfirmed = "payment.confirmed"
)

// Kind selects which payment event to build
type Kind string

const (
	KindRequested Kind = "requested"
	KindConfirmed Kind = "confirmed"
)

// ParseKind accepts "requested" or "confirmed"
func ParseKind(s string) (Kind, error) {
	switch Kind(s) {
	case KindRequested, KindConfirmed:
		return Kind(s), nil
	default:
		return "", fmt.Errorf("%w: %q, use \"requested\" or \"confirmed\"", ErrUnknownKind, s)
	}
}

// RoutingKey returns the routing key events of this kind are published with
func (k Kind) RoutingKey() string {
	if k == KindConfirmed {
		return RoutingKeyConfirmed
	}
	return RoutingKeyRequested
}

// User is the recipient of a notification
type User struct {
	ID    string `json:"id"`
	Email string `json:"email"`
}

// PaymentEvent is the payload of payment.requested and payment.confirmed
type PaymentEvent struct {
	EventType string    `json:"eventType"`
	PaymentID string    `json:"paymentId"`
	User      User      `json:"user"`
	Amount    float64   `json:"amount"`
	Currency  string    `json:"currency"`
	Timestamp time.Time `json:"timestamp"`
	TraceID   string    `json:"traceId"`
	// Fail makes the handler report a failure, to exercise retries by hand
	Fail bool `json:"fail,omitempty"`
}

// NewPaymentEvent builds a sample event with fresh payment and trace ids.
// Only requested events carry the fail flag.
func NewPaymentEvent(kind Kind, fail bool) *PaymentEvent {
	email := "customer@example.com"
	if fail {
		email = "fail@example.com"
	}

	return &PaymentEvent{
		EventType: kind.RoutingKey(),
		PaymentID: uuid.New().String(),
		User:      User{ID: "u1", Email: email},
		Amount:    129.9,
		Currency:  "BRL",
		Timestamp: time.Now().UTC(),
		TraceID:   uuid.New().String(),
		Fail:      fail && kind == KindRequested,
	}
}

// Envelope wraps the event for publishing: message id is the payment id and
// the trace id doubles as correlation id.
func (e *PaymentEvent) Envelope() (*contracts.Envelope, error) {
	body, err := json.Marshal(e)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal payment event: %w", err)
	}

	return contracts.NewEnvelope(e.EventType, body,
		contracts.WithMessageID(e.PaymentID),
		contracts.WithTraceID(e.TraceID),
	), nil
}

// DecodePaymentEvent parses an envelope payload
func DecodePaymentEvent(payload []byte) (*PaymentEvent, error) {
	var event PaymentEvent
	if err := json.Unmarshal(payload, &event); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidPayload, err)
	}
	return &event, nil
}
