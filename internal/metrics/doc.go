// Package metrics exports the service's Prometheus metrics and serves them,
// together with health endpoints, on a dedicated HTTP listener.
package metrics
