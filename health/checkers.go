package health

import (
	"context"
	"fmt"
	"time"
)

// ConnectionState reports whether the broker connection is up
type ConnectionState interface {
	IsConnected() bool
}

// QueueInspector reads queue counters from the broker
type QueueInspector interface {
	QueueDepth(ctx context.Context, queue string) (messages, consumers int, err error)
}

// ConnectionChecker is unhealthy while the broker connection is down
type ConnectionChecker struct {
	conn ConnectionState
}

// NewConnectionChecker creates a broker connection checker
func NewConnectionChecker(conn ConnectionState) *ConnectionChecker {
	return &ConnectionChecker{conn: conn}
}

func (c *ConnectionChecker) Name() string {
	return "rabbitmq"
}

func (c *ConnectionChecker) Check(context.Context) CheckResult {
	if !c.conn.IsConnected() {
		return CheckResult{Name: c.Name(), Status: StatusUnhealthy, Message: "connection is down, reconnecting"}
	}
	return CheckResult{Name: c.Name(), Status: StatusHealthy, Message: "connection is healthy"}
}

// QueueChecker inspects a queue. A queue with more ready messages than the
// threshold is degraded; zero disables the threshold.
type QueueChecker struct {
	queue     string
	inspector QueueInspector
	threshold int
}

// NewQueueChecker creates a queue checker
func NewQueueChecker(queue string, inspector QueueInspector, threshold int) *QueueChecker {
	return &QueueChecker{queue: queue, inspector: inspector, threshold: threshold}
}

func (c *QueueChecker) Name() string {
	return fmt.Sprintf("queue_%s", c.queue)
}

func (c *QueueChecker) Check(ctx context.Context) CheckResult {
	start := time.Now()
	result := CheckResult{Name: c.Name(), Details: make(map[string]interface{})}

	messages, consumers, err := c.inspector.QueueDepth(ctx, c.queue)
	result.Duration = time.Since(start)
	if err != nil {
		result.Status = StatusUnhealthy
		result.Message = fmt.Sprintf("queue %s not accessible", c.queue)
		result.Error = err.Error()
		return result
	}

	result.Details["message_count"] = messages
	result.Details["consumer_count"] = consumers

	if c.threshold > 0 && messages > c.threshold {
		result.Status = StatusDegraded
		result.Message = fmt.Sprintf("queue %s has %d messages", c.queue, messages)
		return result
	}

	result.Status = StatusHealthy
	result.Message = fmt.Sprintf("queue %s is accessible", c.queue)
	return result
}
