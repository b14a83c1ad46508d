package metrics

import (
	"strconv"
	"time"

	"github.com/glimte/notifier-go/internal/rabbitmq"
	"github.com/glimte/notifier-go/internal/reliability"
	"github.com/glimte/notifier-go/messaging"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
)

const namespace = "notifier"

// Collector exports delivery, retry and connection metrics to Prometheus.
// It satisfies the metrics interfaces of the consumption loop and the retry
// scheduler, and listens to connection state changes.
type Collector struct {
	registry *prometheus.Registry

	deliveries       *prometheus.CounterVec
	deliveryDuration *prometheus.HistogramVec
	inFlight         *prometheus.GaugeVec
	retriesScheduled *prometheus.CounterVec
	retryDelay       prometheus.Histogram
	deadLetters      *prometheus.CounterVec
	publishFailures  *prometheus.CounterVec
	retriesDropped   prometheus.Counter
	connectionUp     prometheus.Gauge
	reconnects       prometheus.Counter
}

var (
	_ messaging.MetricsCollector       = (*Collector)(nil)
	_ reliability.MetricsCollector     = (*Collector)(nil)
	_ rabbitmq.ConnectionStateListener = (*Collector)(nil)
)

// NewCollector registers every metric on a fresh registry
func NewCollector() *Collector {
	c := &Collector{
		registry: prometheus.NewRegistry(),
		deliveries: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "deliveries_total",
			Help:      "Deliveries by queue and terminal state.",
		}, []string{"queue", "state"}),
		deliveryDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "delivery_duration_seconds",
			Help:      "Time from receipt to terminal state.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"queue", "state"}),
		inFlight: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "deliveries_in_flight",
			Help:      "Deliveries currently being processed.",
		}, []string{"queue"}),
		retriesScheduled: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "retries_scheduled_total",
			Help:      "Retries handed to the delayer by routing key and attempt.",
		}, []string{"routing_key", "attempt"}),
		retryDelay: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "retry_delay_seconds",
			Help:      "Delay applied to scheduled retries.",
			Buckets:   prometheus.ExponentialBuckets(0.1, 2, 12),
		}),
		deadLetters: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "dead_letters_total",
			Help:      "Messages published to the dead-letter exchange.",
		}, []string{"routing_key"}),
		publishFailures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "publish_failures_total",
			Help:      "Follow-up publishes the broker did not confirm.",
		}, []string{"exchange", "routing_key"}),
		retriesDropped: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "retries_dropped_total",
			Help:      "Pending in-memory retries cancelled at shutdown.",
		}),
		connectionUp: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "broker_connected",
			Help:      "1 while the broker connection is open.",
		}),
		reconnects: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "broker_reconnect_attempts_total",
			Help:      "Reconnection attempts after connection loss.",
		}),
	}

	c.registry.MustRegister(
		c.deliveries,
		c.deliveryDuration,
		c.inFlight,
		c.retriesScheduled,
		c.retryDelay,
		c.deadLetters,
		c.publishFailures,
		c.retriesDropped,
		c.connectionUp,
		c.reconnects,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	return c
}

// Registry returns the registry the collector's metrics live in
func (c *Collector) Registry() *prometheus.Registry {
	return c.registry
}

// RecordDelivery implements messaging.MetricsCollector
func (c *Collector) RecordDelivery(queue string, state messaging.State, duration time.Duration) {
	c.deliveries.WithLabelValues(queue, state.String()).Inc()
	c.deliveryDuration.WithLabelValues(queue, state.String()).Observe(duration.Seconds())
}

// RecordInFlight implements messaging.MetricsCollector
func (c *Collector) RecordInFlight(queue string, delta int) {
	c.inFlight.WithLabelValues(queue).Add(float64(delta))
}

// RecordRetryScheduled implements reliability.MetricsCollector
func (c *Collector) RecordRetryScheduled(routingKey string, attempt int, delay time.Duration) {
	c.retriesScheduled.WithLabelValues(routingKey, strconv.Itoa(attempt)).Inc()
	c.retryDelay.Observe(delay.Seconds())
}

// RecordDeadLettered implements reliability.MetricsCollector
func (c *Collector) RecordDeadLettered(routingKey string, _ int) {
	c.deadLetters.WithLabelValues(routingKey).Inc()
}

// RecordPublishFailure implements reliability.MetricsCollector
func (c *Collector) RecordPublishFailure(exchange, routingKey string) {
	c.publishFailures.WithLabelValues(exchange, routingKey).Inc()
}

// RecordRetriesDropped implements reliability.MetricsCollector
func (c *Collector) RecordRetriesDropped(count int) {
	c.retriesDropped.Add(float64(count))
}

// OnConnected implements rabbitmq.ConnectionStateListener
func (c *Collector) OnConnected() {
	c.connectionUp.Set(1)
}

// OnDisconnected implements rabbitmq.ConnectionStateListener
func (c *Collector) OnDisconnected(error) {
	c.connectionUp.Set(0)
}

// OnReconnecting implements rabbitmq.ConnectionStateListener
func (c *Collector) OnReconnecting(int) {
	c.reconnects.Inc()
}
