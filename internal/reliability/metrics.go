package reliability

import "time"

// MetricsCollector receives retry scheduling events
type MetricsCollector interface {
	RecordRetryScheduled(routingKey string, attempt int, delay time.Duration)
	RecordDeadLettered(routingKey string, retryCount int)
	RecordPublishFailure(exchange, routingKey string)
	RecordRetriesDropped(count int)
}

// NoOpMetricsCollector discards everything
type NoOpMetricsCollector struct{}

func (NoOpMetricsCollector) RecordRetryScheduled(string, int, time.Duration) {}
func (NoOpMetricsCollector) RecordDeadLettered(string, int)                  {}
func (NoOpMetricsCollector) RecordPublishFailure(string, string)             {}
func (NoOpMetricsCollector) RecordRetriesDropped(int)                        {}
