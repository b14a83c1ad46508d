// Package reliability decides what happens to a message whose handler failed.
//
// A RetryScheduler consults an ExponentialBackoff policy using the retry
// counter carried in the message headers:
//   - within budget, a copy with the counter incremented is handed to a
//     Delayer, which republishes it to the events exchange after
//     InitialInterval * 2^(attempt-1)
//   - once the budget is spent, the message is published unchanged to the
//     dead-letter exchange
//
// Two delayers are provided. TimerDelayer keeps pending retries in process
// memory and loses them on shutdown. TTLDelayer parks them in per-delay
// broker queues whose expired messages dead-letter back into the events
// exchange.
//
// Example usage:
//
//	policy := NewExponentialBackoff(time.Second, 3)
//	delayer := NewTimerDelayer(publisher, "payments.x")
//	scheduler, err := NewRetryScheduler(policy, publisher, delayer, "notification.dlx")
//	if err != nil {
//	    return err
//	}
//	decision, err := scheduler.Schedule(ctx, env)
package reliability
