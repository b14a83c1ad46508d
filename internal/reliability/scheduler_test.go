package reliability

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/glimte/notifier-go/contracts"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
)

const (
	testEventsExchange = "payments.x"
	testDLX            = "notification.dlx"
)

type schedulerFixture struct {
	publisher *recordingPublisher
	timers    *manualTimers
	delayer   *TimerDelayer
	scheduler *RetryScheduler
}

func newSchedulerFixture(t *testing.T, maxRetries int, options ...SchedulerOption) *schedulerFixture {
	t.Helper()

	publisher := &recordingPublisher{}
	timers := &manualTimers{}
	delayer := NewTimerDelayer(publisher, testEventsExchange, withAfterFunc(timers.after))
	scheduler, err := NewRetryScheduler(
		NewExponentialBackoff(1000*time.Millisecond, maxRetries),
		publisher,
		delayer,
		testDLX,
		options...,
	)
	require.NoError(t, err)
	t.Cleanup(func() { _ = scheduler.Close() })

	return &schedulerFixture{
		publisher: publisher,
		timers:    timers,
		delayer:   delayer,
		scheduler: scheduler,
	}
}

func TestNewRetryScheduler(t *testing.T) {
	publisher := &recordingPublisher{}
	delayer := NewTimerDelayer(publisher, testEventsExchange)
	policy := NewExponentialBackoff(time.Second, 3)

	t.Run("requires collaborators", func(t *testing.T) {
		_, err := NewRetryScheduler(nil, publisher, delayer, testDLX)
		assert.ErrorIs(t, err, ErrInvalidPolicy)

		_, err = NewRetryScheduler(policy, nil, delayer, testDLX)
		assert.ErrorIs(t, err, ErrInvalidPolicy)

		_, err = NewRetryScheduler(policy, publisher, nil, testDLX)
		assert.ErrorIs(t, err, ErrInvalidPolicy)
	})

	t.Run("requires dead-letter exchange", func(t *testing.T) {
		_, err := NewRetryScheduler(policy, publisher, delayer, "")
		assert.ErrorIs(t, err, ErrInvalidPolicy)
	})
}

func TestRetryScheduler_AlwaysFailingMessage(t *testing.T) {
	f := newSchedulerFixture(t, 3)
	ctx := context.Background()

	original := contracts.NewEnvelope("payment.requested", []byte(`{"paymentId":"p-1","fail":true}`))
	traceID := original.TraceID()
	current := original

	for attempt := 1; attempt <= 3; attempt++ {
		decision, err := f.scheduler.Schedule(ctx, current)
		require.NoError(t, err)
		assert.Equal(t, ActionRetry, decision.Action)
		assert.Equal(t, attempt, decision.Attempt)

		// nothing is published before the delay elapses
		require.Len(t, f.publisher.published(), attempt-1)

		f.timers.fire(attempt - 1)
		calls := f.publisher.published()
		require.Len(t, calls, attempt)

		republished := calls[attempt-1]
		assert.Equal(t, testEventsExchange, republished.exchange)
		assert.Equal(t, "payment.requested", republished.env.RoutingKey)
		assert.Equal(t, attempt, republished.env.RetryCount())
		assert.Equal(t, traceID, republished.env.TraceID())
		assert.Equal(t, original.Payload, republished.env.Payload)

		current = republished.env
	}

	assert.Equal(t, []time.Duration{1000 * time.Millisecond, 2000 * time.Millisecond, 4000 * time.Millisecond}, f.timers.delays())

	decision, err := f.scheduler.Schedule(ctx, current)
	require.NoError(t, err)
	assert.Equal(t, ActionDeadLetter, decision.Action)
	assert.Equal(t, 3, decision.Attempt)

	calls := f.publisher.published()
	require.Len(t, calls, 4)
	deadLettered := calls[3]
	assert.Equal(t, testDLX, deadLettered.exchange)
	assert.Equal(t, "payment.requested", deadLettered.env.RoutingKey)
	assert.Equal(t, 3, deadLettered.env.RetryCount())
	assert.Equal(t, traceID, deadLettered.env.TraceID())
	assert.Equal(t, 3, f.timers.count(), "dead-lettering must not arm a timer")

	// the caller's envelope is never mutated
	assert.Equal(t, 0, original.RetryCount())
}

func TestRetryScheduler_SucceedsOnLastRetry(t *testing.T) {
	f := newSchedulerFixture(t, 3)
	ctx := context.Background()

	env := contracts.NewEnvelope("payment.confirmed", []byte(`{}`))
	decision, err := f.scheduler.Schedule(ctx, env.WithRetryCount(1))
	require.NoError(t, err)

	assert.Equal(t, ActionRetry, decision.Action)
	assert.Equal(t, 2, decision.Attempt)
	assert.Equal(t, 2000*time.Millisecond, decision.Delay)

	f.timers.fire(0)
	calls := f.publisher.published()
	require.Len(t, calls, 1)
	assert.Equal(t, testEventsExchange, calls[0].exchange)
	assert.Equal(t, 2, calls[0].env.RetryCount())

	// the consumer succeeds on this delivery so nothing else is ever published
	for _, call := range calls {
		assert.NotEqual(t, testDLX, call.exchange)
	}
}

func TestRetryScheduler_MalformedRetryCount(t *testing.T) {
	tests := []struct {
		name  string
		value interface{}
		set   bool
	}{
		{"missing", nil, false},
		{"garbage string", "not-a-number", true},
		{"negative", int32(-4), true},
		{"unsupported type", []string{"1"}, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newSchedulerFixture(t, 3)
			env := &contracts.Envelope{
				RoutingKey: "payment.requested",
				Payload:    []byte(`{}`),
				Headers:    map[string]interface{}{contracts.HeaderTraceID: "trace-1"},
			}
			if tt.set {
				env.Headers[contracts.HeaderRetryCount] = tt.value
			}

			decision, err := f.scheduler.Schedule(context.Background(), env)
			require.NoError(t, err)
			assert.Equal(t, ActionRetry, decision.Action)
			assert.Equal(t, 1, decision.Attempt)
			assert.Equal(t, time.Second, decision.Delay)

			f.timers.fire(0)
			calls := f.publisher.published()
			require.Len(t, calls, 1)
			assert.Equal(t, 1, calls[0].env.RetryCount())
			assert.Equal(t, "trace-1", calls[0].env.TraceID())
		})
	}
}

func TestRetryScheduler_ZeroRetriesDeadLettersImmediately(t *testing.T) {
	f := newSchedulerFixture(t, 0)

	env := contracts.NewEnvelope("payment.requested", []byte(`{}`))
	decision, err := f.scheduler.Schedule(context.Background(), env)
	require.NoError(t, err)

	assert.Equal(t, ActionDeadLetter, decision.Action)
	assert.Equal(t, 0, decision.Attempt)
	assert.Equal(t, 0, f.timers.count())

	calls := f.publisher.published()
	require.Len(t, calls, 1)
	assert.Equal(t, testDLX, calls[0].exchange)
	assert.Same(t, env, calls[0].env)
}

func TestRetryScheduler_ExactlyOnePublishPerFailure(t *testing.T) {
	f := newSchedulerFixture(t, 2)
	ctx := context.Background()

	for count := 0; count <= 5; count++ {
		before := len(f.publisher.published())
		firedBefore := f.timers.count()

		env := contracts.NewEnvelope("payment.requested", []byte(`{}`)).WithRetryCount(count)
		_, err := f.scheduler.Schedule(ctx, env)
		require.NoError(t, err)

		if f.timers.count() > firedBefore {
			f.timers.fire(f.timers.count() - 1)
		}
		assert.Len(t, f.publisher.published(), before+1, "retry count %d", count)
	}
}

func TestRetryScheduler_DeadLetterPublishFailure(t *testing.T) {
	metrics := &mockMetricsCollector{}
	metrics.On("RecordPublishFailure", testDLX, "payment.requested").Once()

	f := newSchedulerFixture(t, 1, WithSchedulerMetrics(metrics))
	f.publisher.err = errors.New("nacked by broker")

	env := contracts.NewEnvelope("payment.requested", []byte(`{}`)).WithRetryCount(1)
	decision, err := f.scheduler.Schedule(context.Background(), env)

	require.Error(t, err)
	assert.True(t, IsPublishFailure(err))
	assert.Equal(t, ActionDeadLetter, decision.Action)

	var pubErr *PublishError
	require.True(t, errors.As(err, &pubErr))
	assert.True(t, pubErr.DeadLetter)
	assert.Equal(t, testDLX, pubErr.Exchange)
	assert.Equal(t, env.TraceID(), pubErr.TraceID)
	assert.ErrorIs(t, err, f.publisher.err)

	// not retried internally
	assert.Len(t, f.publisher.published(), 1)
	metrics.AssertExpectations(t)
}

func TestRetryScheduler_RecordsMetrics(t *testing.T) {
	metrics := &mockMetricsCollector{}
	metrics.On("RecordRetryScheduled", "payment.requested", 1, time.Second).Once()
	metrics.On("RecordDeadLettered", "payment.requested", 1).Once()

	f := newSchedulerFixture(t, 1, WithSchedulerMetrics(metrics))
	ctx := context.Background()

	env := contracts.NewEnvelope("payment.requested", []byte(`{}`))
	_, err := f.scheduler.Schedule(ctx, env)
	require.NoError(t, err)
	_, err = f.scheduler.Schedule(ctx, env.WithRetryCount(1))
	require.NoError(t, err)

	metrics.AssertExpectations(t)
	metrics.AssertNotCalled(t, "RecordPublishFailure", mock.Anything, mock.Anything)
}

func TestRetryScheduler_Close(t *testing.T) {
	f := newSchedulerFixture(t, 3)
	ctx := context.Background()

	_, err := f.scheduler.Schedule(ctx, contracts.NewEnvelope("payment.requested", []byte(`{}`)))
	require.NoError(t, err)
	assert.Equal(t, 1, f.delayer.Pending())

	require.NoError(t, f.scheduler.Close())
	require.NoError(t, f.scheduler.Close())
	assert.Equal(t, 0, f.delayer.Pending())

	// the stopped timer never publishes
	f.timers.fire(0)
	assert.Empty(t, f.publisher.published())

	_, err = f.scheduler.Schedule(ctx, contracts.NewEnvelope("payment.requested", []byte(`{}`)))
	assert.ErrorIs(t, err, ErrSchedulerClosed)
}

func TestRetryScheduler_NilEnvelope(t *testing.T) {
	f := newSchedulerFixture(t, 3)
	_, err := f.scheduler.Schedule(context.Background(), nil)
	assert.ErrorIs(t, err, ErrNilEnvelope)
}

func TestAction_String(t *testing.T) {
	assert.Equal(t, "retry", ActionRetry.String())
	assert.Equal(t, "dead_letter", ActionDeadLetter.String())
	assert.Equal(t, "unknown", Action(42).String())
}
