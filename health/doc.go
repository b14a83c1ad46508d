// Package health aggregates readiness checks for the broker connection and
// the queues the service depends on, and serves them over HTTP.
package health
