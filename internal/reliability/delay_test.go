package reliability

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/glimte/notifier-go/contracts"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTimerDelayer_Defer(t *testing.T) {
	t.Run("publishes to events exchange when timer fires", func(t *testing.T) {
		publisher := &recordingPublisher{}
		timers := &manualTimers{}
		d := NewTimerDelayer(publisher, testEventsExchange, withAfterFunc(timers.after))

		env := contracts.NewEnvelope("payment.requested", []byte(`{}`)).WithRetryCount(1)
		require.NoError(t, d.Defer(context.Background(), env, 3*time.Second))

		assert.Equal(t, 1, d.Pending())
		assert.Equal(t, []time.Duration{3 * time.Second}, timers.delays())
		assert.Empty(t, publisher.published())

		timers.fire(0)

		calls := publisher.published()
		require.Len(t, calls, 1)
		assert.Equal(t, testEventsExchange, calls[0].exchange)
		assert.Same(t, env, calls[0].env)
		assert.Equal(t, 0, d.Pending())
		require.NoError(t, d.Close())
	})

	t.Run("rejects nil envelope", func(t *testing.T) {
		d := NewTimerDelayer(&recordingPublisher{}, testEventsExchange)
		assert.ErrorIs(t, d.Defer(context.Background(), nil, time.Second), ErrNilEnvelope)
	})

	t.Run("rejects after close", func(t *testing.T) {
		d := NewTimerDelayer(&recordingPublisher{}, testEventsExchange)
		require.NoError(t, d.Close())

		err := d.Defer(context.Background(), contracts.NewEnvelope("payment.requested", nil), time.Second)
		assert.ErrorIs(t, err, ErrSchedulerClosed)
	})

	t.Run("publish failure is recorded not retried", func(t *testing.T) {
		metrics := &mockMetricsCollector{}
		metrics.On("RecordPublishFailure", testEventsExchange, "payment.requested").Once()

		publisher := &recordingPublisher{err: errors.New("channel closed")}
		timers := &manualTimers{}
		d := NewTimerDelayer(publisher, testEventsExchange,
			withAfterFunc(timers.after),
			WithDelayerMetrics(metrics),
		)

		env := contracts.NewEnvelope("payment.requested", []byte(`{}`)).WithRetryCount(2)
		require.NoError(t, d.Defer(context.Background(), env, time.Second))
		timers.fire(0)

		assert.Len(t, publisher.published(), 1)
		assert.Equal(t, 1, timers.count())
		metrics.AssertExpectations(t)
	})
}

func TestTimerDelayer_Close(t *testing.T) {
	metrics := &mockMetricsCollector{}
	metrics.On("RecordRetriesDropped", 2).Once()

	publisher := &recordingPublisher{}
	timers := &manualTimers{}
	d := NewTimerDelayer(publisher, testEventsExchange,
		withAfterFunc(timers.after),
		WithDelayerMetrics(metrics),
	)

	ctx := context.Background()
	for i := 0; i < 3; i++ {
		require.NoError(t, d.Defer(ctx, contracts.NewEnvelope("payment.requested", nil), time.Second))
	}
	timers.fire(1)

	require.NoError(t, d.Close())
	require.NoError(t, d.Close())

	assert.Equal(t, 0, d.Pending())
	assert.Len(t, publisher.published(), 1)
	metrics.AssertExpectations(t)
}

// blockingPublisher holds every publish until release is closed
type blockingPublisher struct {
	started chan struct{}
	release chan struct{}
	once    sync.Once
	mu      sync.Mutex
	done    int
}

func (p *blockingPublisher) Publish(ctx context.Context, _ string, _ *contracts.Envelope) error {
	p.once.Do(func() { close(p.started) })
	select {
	case <-p.release:
	case <-ctx.Done():
		return ctx.Err()
	}
	p.mu.Lock()
	p.done++
	p.mu.Unlock()
	return nil
}

func TestTimerDelayer_CloseWaitsForInFlightPublish(t *testing.T) {
	publisher := &blockingPublisher{started: make(chan struct{}), release: make(chan struct{})}
	d := NewTimerDelayer(publisher, testEventsExchange)

	require.NoError(t, d.Defer(context.Background(), contracts.NewEnvelope("payment.requested", nil), time.Millisecond))

	select {
	case <-publisher.started:
	case <-time.After(2 * time.Second):
		t.Fatal("timer never fired")
	}

	closed := make(chan struct{})
	go func() {
		_ = d.Close()
		close(closed)
	}()

	select {
	case <-closed:
		t.Fatal("Close returned while a publish was in flight")
	case <-time.After(50 * time.Millisecond):
	}

	close(publisher.release)

	select {
	case <-closed:
	case <-time.After(2 * time.Second):
		t.Fatal("Close did not return")
	}

	publisher.mu.Lock()
	defer publisher.mu.Unlock()
	assert.Equal(t, 1, publisher.done)
}

func TestTimerDelayer_PublishTimeout(t *testing.T) {
	publisher := &blockingPublisher{started: make(chan struct{}), release: make(chan struct{})}
	d := NewTimerDelayer(publisher, testEventsExchange, WithPublishTimeout(20*time.Millisecond))

	require.NoError(t, d.Defer(context.Background(), contracts.NewEnvelope("payment.requested", nil), time.Millisecond))

	<-publisher.started
	// returns once the bounded publish context expires without release
	require.NoError(t, d.Close())

	publisher.mu.Lock()
	defer publisher.mu.Unlock()
	assert.Equal(t, 0, publisher.done)
}
