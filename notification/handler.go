package notification

import (
	"context"
	"log/slog"

	"github.com/glimte/notifier-go/contracts"
	"github.com/glimte/notifier-go/messaging"
)

// Handler sends the notification for a payment event. Sending is simulated
// by a log line.
type Handler struct {
	logger *slog.Logger
}

// NewHandler creates the payment notification handler
func NewHandler(logger *slog.Logger) *Handler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Handler{logger: logger}
}

// Process implements messaging.Handler
func (h *Handler) Process(ctx context.Context, env *contracts.Envelope) messaging.Outcome {
	event, err := DecodePaymentEvent(env.Payload)
	if err != nil {
		return messaging.Failure(err)
	}

	if event.Fail {
		return messaging.Failure(ErrSimulatedFailure)
	}

	if err := ctx.Err(); err != nil {
		return messaging.Failure(err)
	}

	h.logger.Info("notification sent",
		"routingKey", env.RoutingKey,
		"paymentId", event.PaymentID,
		"email", event.User.Email,
		"amount", event.Amount,
		"currency", event.Currency,
		"traceId", env.TraceID(),
		"attempt", env.RetryCount())

	return messaging.Success()
}

// Register routes both payment routing keys to the handler
func (h *Handler) Register(router *messaging.Router) {
	router.Handle(RoutingKeyRequested, h)
	router.Handle(RoutingKeyConfirmed, h)
}
