package reliability

import (
	"context"
	"sync"
	"time"

	"github.com/glimte/notifier-go/contracts"
	"github.com/stretchr/testify/mock"
)

type publishCall struct {
	exchange string
	env      *contracts.Envelope
}

// recordingPublisher confirms every publish unless err is set
type recordingPublisher struct {
	mu    sync.Mutex
	calls []publishCall
	err   error
}

func (p *recordingPublisher) Publish(_ context.Context, exchange string, env *contracts.Envelope) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.calls = append(p.calls, publishCall{exchange: exchange, env: env})
	return p.err
}

func (p *recordingPublisher) published() []publishCall {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]publishCall, len(p.calls))
	copy(out, p.calls)
	return out
}

type manualTimer struct {
	delay   time.Duration
	f       func()
	fired   bool
	stopped bool
}

// manualTimers replaces time.AfterFunc; timers only fire through fire
type manualTimers struct {
	mu     sync.Mutex
	timers []*manualTimer
}

func (m *manualTimers) after(d time.Duration, f func()) stopFunc {
	m.mu.Lock()
	defer m.mu.Unlock()
	t := &manualTimer{delay: d, f: f}
	m.timers = append(m.timers, t)
	return func() bool {
		m.mu.Lock()
		defer m.mu.Unlock()
		if t.fired || t.stopped {
			return false
		}
		t.stopped = true
		return true
	}
}

func (m *manualTimers) fire(i int) {
	m.mu.Lock()
	t := m.timers[i]
	if t.fired || t.stopped {
		m.mu.Unlock()
		return
	}
	t.fired = true
	m.mu.Unlock()
	t.f()
}

func (m *manualTimers) delays() []time.Duration {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]time.Duration, 0, len(m.timers))
	for _, t := range m.timers {
		out = append(out, t.delay)
	}
	return out
}

func (m *manualTimers) count() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.timers)
}

type mockMetricsCollector struct {
	mock.Mock
}

func (m *mockMetricsCollector) RecordRetryScheduled(routingKey string, attempt int, delay time.Duration) {
	m.Called(routingKey, attempt, delay)
}

func (m *mockMetricsCollector) RecordDeadLettered(routingKey string, retryCount int) {
	m.Called(routingKey, retryCount)
}

func (m *mockMetricsCollector) RecordPublishFailure(exchange, routingKey string) {
	m.Called(exchange, routingKey)
}

func (m *mockMetricsCollector) RecordRetriesDropped(count int) {
	m.Called(count)
}
