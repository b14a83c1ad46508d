package reliability

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/glimte/notifier-go/contracts"
	"github.com/glimte/notifier-go/internal/rabbitmq"
	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
)

type mockTopology struct {
	mock.Mock
}

func (m *mockTopology) DeclareExchange(ctx context.Context, exchange rabbitmq.ExchangeDeclaration) error {
	args := m.Called(ctx, exchange)
	return args.Error(0)
}

func (m *mockTopology) DeclareQueue(ctx context.Context, queue rabbitmq.QueueDeclaration) (amqp.Queue, error) {
	args := m.Called(ctx, queue)
	return amqp.Queue{Name: queue.Name}, args.Error(0)
}

func (m *mockTopology) BindQueue(ctx context.Context, binding rabbitmq.Binding) error {
	args := m.Called(ctx, binding)
	return args.Error(0)
}

func TestTTLDelayer_Defer(t *testing.T) {
	ctx := context.Background()

	t.Run("declares delay queue once per delay and parks the message", func(t *testing.T) {
		topology := &mockTopology{}
		topology.On("DeclareExchange", ctx, rabbitmq.ExchangeDeclaration{
			Name:    "notification.retry.delay",
			Type:    amqp.ExchangeHeaders,
			Durable: true,
		}).Return(nil).Once()
		topology.On("DeclareQueue", ctx, rabbitmq.QueueDeclaration{
			Name:    "notification.retry.2000ms",
			Durable: true,
			Arguments: amqp.Table{
				"x-message-ttl":          int64(2000),
				"x-dead-letter-exchange": testEventsExchange,
			},
		}).Return(nil).Once()
		topology.On("BindQueue", ctx, rabbitmq.Binding{
			Queue:    "notification.retry.2000ms",
			Exchange: "notification.retry.delay",
			Arguments: amqp.Table{
				"x-match":        "all",
				HeaderRetryDelay: int64(2000),
			},
		}).Return(nil).Once()

		publisher := &recordingPublisher{}
		d := NewTTLDelayer(publisher, topology, testEventsExchange)

		env := contracts.NewEnvelope("payment.requested", []byte(`{"a":1}`)).WithRetryCount(2)
		require.NoError(t, d.Defer(ctx, env, 2*time.Second))
		require.NoError(t, d.Defer(ctx, env, 2*time.Second))

		calls := publisher.published()
		require.Len(t, calls, 2)
		parked := calls[0]
		assert.Equal(t, "notification.retry.delay", parked.exchange)
		assert.Equal(t, "payment.requested", parked.env.RoutingKey)
		assert.Equal(t, 2, parked.env.RetryCount())
		assert.Equal(t, env.TraceID(), parked.env.TraceID())
		assert.Equal(t, int64(2000), parked.env.Headers[HeaderRetryDelay])

		_, leaked := env.Headers[HeaderRetryDelay]
		assert.False(t, leaked, "caller headers must not be modified")

		topology.AssertExpectations(t)
		require.NoError(t, d.Close())
	})

	t.Run("custom names", func(t *testing.T) {
		topology := &mockTopology{}
		topology.On("DeclareExchange", ctx, mock.MatchedBy(func(e rabbitmq.ExchangeDeclaration) bool {
			return e.Name == "svc.delay"
		})).Return(nil)
		topology.On("DeclareQueue", ctx, mock.MatchedBy(func(q rabbitmq.QueueDeclaration) bool {
			return q.Name == "svc.retry.500ms"
		})).Return(nil)
		topology.On("BindQueue", ctx, mock.Anything).Return(nil)

		publisher := &recordingPublisher{}
		d := NewTTLDelayer(publisher, topology, testEventsExchange,
			WithDelayExchange("svc.delay"),
			WithDelayQueuePrefix("svc.retry"),
		)

		require.NoError(t, d.Defer(ctx, contracts.NewEnvelope("payment.requested", nil), 500*time.Millisecond))
		topology.AssertExpectations(t)
	})

	t.Run("topology failure is not cached", func(t *testing.T) {
		topology := &mockTopology{}
		topology.On("DeclareExchange", ctx, mock.Anything).Return(nil).Once()
		topology.On("DeclareQueue", ctx, mock.Anything).Return(errors.New("access refused")).Once()

		publisher := &recordingPublisher{}
		d := NewTTLDelayer(publisher, topology, testEventsExchange)

		err := d.Defer(ctx, contracts.NewEnvelope("payment.requested", nil), time.Second)
		require.Error(t, err)
		assert.Empty(t, publisher.published())

		topology.On("DeclareQueue", ctx, mock.Anything).Return(nil).Once()
		topology.On("BindQueue", ctx, mock.Anything).Return(nil).Once()
		require.NoError(t, d.Defer(ctx, contracts.NewEnvelope("payment.requested", nil), time.Second))
		topology.AssertExpectations(t)
	})

	t.Run("publish failure surfaces", func(t *testing.T) {
		topology := &mockTopology{}
		topology.On("DeclareExchange", ctx, mock.Anything).Return(nil)
		topology.On("DeclareQueue", ctx, mock.Anything).Return(nil)
		topology.On("BindQueue", ctx, mock.Anything).Return(nil)

		publisher := &recordingPublisher{err: errors.New("publish not confirmed")}
		d := NewTTLDelayer(publisher, topology, testEventsExchange)

		err := d.Defer(ctx, contracts.NewEnvelope("payment.requested", nil), time.Second)
		assert.ErrorIs(t, err, publisher.err)
	})
}
