// Package messaging drives deliveries from a queue to a terminal outcome.
//
// This package implements:
//   - Handler: the business capability, returning an explicit Outcome
//   - Router: dispatches envelopes to handlers by routing key
//   - MessageSubscriber: the consumption loop that invokes a handler once per
//     delivery, acknowledges the delivery whatever the outcome, and hands
//     failures to a Scheduler
//
// A delivery is acknowledged before its follow-up (retry or dead letter) is
// published. If the process dies between the two steps the follow-up is lost.
// Acknowledging first keeps a failing message from being redelivered by the
// broker in a tight loop.
//
// Example usage:
//
//	router := messaging.NewRouter()
//	router.Handle("payment.requested", messaging.HandlerFunc(
//		func(ctx context.Context, env *contracts.Envelope) messaging.Outcome {
//			if err := notify(ctx, env.Payload); err != nil {
//				return messaging.Failure(err)
//			}
//			return messaging.Success()
//		}))
//
//	subscriber, err := messaging.NewMessageSubscriber(transport, scheduler)
//	if err != nil {
//		return err
//	}
//	err = subscriber.Run(ctx, []string{"notification.payment.requested"}, router)
package messaging
