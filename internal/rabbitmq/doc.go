// Package rabbitmq is the broker gateway of the notifier.
//
// This package includes:
//   - ConnectionManager: the single process connection, re-dialled with backoff
//   - ChannelPool: channels shared by publishers and topology declarations
//   - Publisher: persistent confirm-mode publishing of envelopes
//   - Consumer: manual-ack subscriptions with QoS prefetch and a bounded worker pool
//   - TopologyManager: exchanges, queues and bindings, including BuildTopology
//     which expands a contracts.Topology into broker declarations
package rabbitmq
