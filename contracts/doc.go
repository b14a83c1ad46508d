// Package contracts defines the data that flows through the notifier:
//   - Envelope: routing key, raw payload and the headers that carry the retry
//     counter and the trace id across republishes
//   - Topology: the static exchange/queue/binding layout declared at startup
//
// Header names match the wire format used by the payment producers
// (x-retry-count, x-trace-id), so envelopes published by other services are
// understood without translation.
package contracts
