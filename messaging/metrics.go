package messaging

import "time"

// MetricsCollector receives per-delivery outcomes
type MetricsCollector interface {
	RecordDelivery(queue string, state State, duration time.Duration)
	RecordInFlight(queue string, delta int)
}

// NoOpMetricsCollector discards everything
type NoOpMetricsCollector struct{}

func (NoOpMetricsCollector) RecordDelivery(string, State, time.Duration) {}
func (NoOpMetricsCollector) RecordInFlight(string, int)                  {}
