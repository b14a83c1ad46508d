package reliability

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/glimte/notifier-go/contracts"
)

const defaultPublishTimeout = 5 * time.Second

// stopFunc cancels a pending timer and reports whether it was still pending
type stopFunc func() bool

// afterFunc matches time.AfterFunc so tests can fire timers by hand
type afterFunc func(d time.Duration, f func()) stopFunc

func realAfterFunc(d time.Duration, f func()) stopFunc {
	return time.AfterFunc(d, f).Stop
}

// TimerDelayer keeps pending retries in process memory and republishes them
// to the events exchange when their timer fires. Pending retries are lost if
// the process exits before the delay elapses.
type TimerDelayer struct {
	publisher      EnvelopePublisher
	eventsExchange string
	publishTimeout time.Duration
	logger         *slog.Logger
	metrics        MetricsCollector
	after          afterFunc

	mu      sync.Mutex
	nextID  uint64
	pending map[uint64]pendingRetry
	closed  bool
	wg      sync.WaitGroup
}

type pendingRetry struct {
	env  *contracts.Envelope
	stop stopFunc
}

// TimerDelayerOption configures a TimerDelayer
type TimerDelayerOption func(*TimerDelayer)

// WithDelayerLogger sets the logger
func WithDelayerLogger(logger *slog.Logger) TimerDelayerOption {
	return func(d *TimerDelayer) {
		d.logger = logger
	}
}

// WithDelayerMetrics sets the metrics collector
func WithDelayerMetrics(collector MetricsCollector) TimerDelayerOption {
	return func(d *TimerDelayer) {
		d.metrics = collector
	}
}

// WithPublishTimeout bounds each deferred publish including its confirm wait
func WithPublishTimeout(timeout time.Duration) TimerDelayerOption {
	return func(d *TimerDelayer) {
		if timeout > 0 {
			d.publishTimeout = timeout
		}
	}
}

func withAfterFunc(f afterFunc) TimerDelayerOption {
	return func(d *TimerDelayer) {
		d.after = f
	}
}

// NewTimerDelayer creates an in-process delayer publishing to eventsExchange
func NewTimerDelayer(publisher EnvelopePublisher, eventsExchange string, options ...TimerDelayerOption) *TimerDelayer {
	d := &TimerDelayer{
		publisher:      publisher,
		eventsExchange: eventsExchange,
		publishTimeout: defaultPublishTimeout,
		logger:         slog.Default(),
		metrics:        NoOpMetricsCollector{},
		after:          realAfterFunc,
		pending:        make(map[uint64]pendingRetry),
	}

	for _, opt := range options {
		opt(d)
	}

	return d
}

// Defer arms a timer and returns immediately. The publish outcome is only
// observable through logs and metrics.
func (d *TimerDelayer) Defer(_ context.Context, env *contracts.Envelope, delay time.Duration) error {
	if env == nil {
		return ErrNilEnvelope
	}

	d.mu.Lock()
	defer d.mu.Unlock()

	if d.closed {
		return ErrSchedulerClosed
	}

	id := d.nextID
	d.nextID++
	d.wg.Add(1)
	stop := d.after(delay, func() { d.fire(id) })
	d.pending[id] = pendingRetry{env: env, stop: stop}

	return nil
}

// Pending returns the number of armed timers
func (d *TimerDelayer) Pending() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.pending)
}

func (d *TimerDelayer) fire(id uint64) {
	defer d.wg.Done()

	d.mu.Lock()
	p, ok := d.pending[id]
	if ok {
		delete(d.pending, id)
	}
	d.mu.Unlock()

	if !ok {
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), d.publishTimeout)
	defer cancel()

	if err := d.publisher.Publish(ctx, d.eventsExchange, p.env); err != nil {
		d.metrics.RecordPublishFailure(d.eventsExchange, p.env.RoutingKey)
		d.logger.Error("retry republish not confirmed, message may be lost",
			"error", err,
			"exchange", d.eventsExchange,
			"routingKey", p.env.RoutingKey,
			"attempt", p.env.RetryCount(),
			"traceId", p.env.TraceID(),
		)
		return
	}

	d.logger.Debug("retry republished",
		"routingKey", p.env.RoutingKey,
		"attempt", p.env.RetryCount(),
		"traceId", p.env.TraceID(),
	)
}

// Close cancels every pending timer and waits for in-flight publishes.
// Cancelled retries are logged so they can be replayed by hand.
func (d *TimerDelayer) Close() error {
	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return nil
	}
	d.closed = true

	dropped := 0
	for id, p := range d.pending {
		// a timer that already fired is left for fire to publish
		if !p.stop() {
			continue
		}
		delete(d.pending, id)
		dropped++
		d.wg.Done()
		d.logger.Warn("dropping pending retry on shutdown",
			"routingKey", p.env.RoutingKey,
			"attempt", p.env.RetryCount(),
			"traceId", p.env.TraceID(),
		)
	}
	d.mu.Unlock()

	if dropped > 0 {
		d.metrics.RecordRetriesDropped(dropped)
	}

	d.wg.Wait()
	return nil
}
