package messaging

import (
	"context"
	"sync"
	"time"

	"github.com/glimte/notifier-go/contracts"
	"github.com/glimte/notifier-go/internal/reliability"
	"github.com/stretchr/testify/mock"
)

type mockDelivery struct {
	mock.Mock
	env *contracts.Envelope
}

func newMockDelivery(env *contracts.Envelope) *mockDelivery {
	return &mockDelivery{env: env}
}

func (m *mockDelivery) Envelope() *contracts.Envelope {
	return m.env
}

func (m *mockDelivery) Acknowledge() error {
	args := m.Called()
	return args.Error(0)
}

func (m *mockDelivery) Reject(requeue bool) error {
	args := m.Called(requeue)
	return args.Error(0)
}

type mockScheduler struct {
	mock.Mock
}

func (m *mockScheduler) Schedule(ctx context.Context, env *contracts.Envelope) (reliability.Decision, error) {
	args := m.Called(ctx, env)
	return args.Get(0).(reliability.Decision), args.Error(1)
}

type deliveryRecord struct {
	queue    string
	state    State
	duration time.Duration
}

type recordingMetrics struct {
	mu         sync.Mutex
	deliveries []deliveryRecord
	inFlight   map[string]int
}

func (r *recordingMetrics) RecordDelivery(queue string, state State, duration time.Duration) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.deliveries = append(r.deliveries, deliveryRecord{queue: queue, state: state, duration: duration})
}

func (r *recordingMetrics) RecordInFlight(queue string, delta int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.inFlight == nil {
		r.inFlight = make(map[string]int)
	}
	r.inFlight[queue] += delta
}

func (r *recordingMetrics) states() []State {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]State, 0, len(r.deliveries))
	for _, d := range r.deliveries {
		out = append(out, d.state)
	}
	return out
}

// memoryBroker routes publishes on the events exchange back into a single
// queue and records everything sent to the dead-letter exchange.
type memoryBroker struct {
	eventsExchange string
	deadLetterX    string
	queue          chan *contracts.Envelope

	mu          sync.Mutex
	acks        int
	rejects     int
	deadLetters []*contracts.Envelope
}

func newMemoryBroker(eventsExchange, deadLetterExchange string) *memoryBroker {
	return &memoryBroker{
		eventsExchange: eventsExchange,
		deadLetterX:    deadLetterExchange,
		queue:          make(chan *contracts.Envelope, 16),
	}
}

func (b *memoryBroker) Publish(_ context.Context, exchange string, env *contracts.Envelope) error {
	switch exchange {
	case b.eventsExchange:
		b.queue <- env
	case b.deadLetterX:
		b.mu.Lock()
		b.deadLetters = append(b.deadLetters, env)
		b.mu.Unlock()
	}
	return nil
}

func (b *memoryBroker) Subscribe(ctx context.Context, _ string, handler func(context.Context, TransportDelivery)) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case env := <-b.queue:
			handler(ctx, &memoryDelivery{broker: b, env: env})
		}
	}
}

func (b *memoryBroker) deadLettered() []*contracts.Envelope {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]*contracts.Envelope(nil), b.deadLetters...)
}

func (b *memoryBroker) settlements() (acks, rejects int) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.acks, b.rejects
}

type memoryDelivery struct {
	broker *memoryBroker
	env    *contracts.Envelope
}

func (d *memoryDelivery) Envelope() *contracts.Envelope { return d.env }

func (d *memoryDelivery) Acknowledge() error {
	d.broker.mu.Lock()
	defer d.broker.mu.Unlock()
	d.broker.acks++
	return nil
}

func (d *memoryDelivery) Reject(bool) error {
	d.broker.mu.Lock()
	defer d.broker.mu.Unlock()
	d.broker.rejects++
	return nil
}
