package notification

import (
	"bytes"
	"context"
	"encoding/json"
	"log/slog"
	"testing"

	"github.com/glimte/notifier-go/contracts"
	"github.com/glimte/notifier-go/messaging"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewPaymentEvent(t *testing.T) {
	t.Run("requested", func(t *testing.T) {
		e := NewPaymentEvent(KindRequested, false)
		assert.Equal(t, RoutingKeyRequested, e.EventType)
		assert.NotEmpty(t, e.PaymentID)
		assert.NotEmpty(t, e.TraceID)
		assert.NotEqual(t, e.PaymentID, e.TraceID)
		assert.False(t, e.Fail)
	})

	t.Run("requested with fail", func(t *testing.T) {
		e := NewPaymentEvent(KindRequested, true)
		assert.True(t, e.Fail)
		assert.Equal(t, "fail@example.com", e.User.Email)
	})

	t.Run("confirmed never carries fail flag", func(t *testing.T) {
		e := NewPaymentEvent(KindConfirmed, true)
		assert.Equal(t, RoutingKeyConfirmed, e.EventType)
		assert.False(t, e.Fail)
	})
}

func TestParseKind(t *testing.T) {
	k, err := ParseKind("confirmed")
	require.NoError(t, err)
	assert.Equal(t, KindConfirmed, k)
	assert.Equal(t, RoutingKeyConfirmed, k.RoutingKey())

	_, err = ParseKind("refunded")
	assert.ErrorIs(t, err, ErrUnknownKind)
}

func TestPaymentEvent_Envelope(t *testing.T) {
	e := NewPaymentEvent(KindRequested, true)
	env, err := e.Envelope()
	require.NoError(t, err)

	assert.Equal(t, RoutingKeyRequested, env.RoutingKey)
	assert.Equal(t, e.PaymentID, env.MessageID)
	assert.Equal(t, e.TraceID, env.CorrelationID)
	assert.Equal(t, e.TraceID, env.TraceID())
	assert.Equal(t, 0, env.RetryCount())
	assert.Equal(t, contracts.ContentTypeJSON, env.ContentType)

	var decoded map[string]interface{}
	require.NoError(t, json.Unmarshal(env.Payload, &decoded))
	assert.Equal(t, true, decoded["fail"])
	assert.Equal(t, e.PaymentID, decoded["paymentId"])
}

func TestHandler_Process(t *testing.T) {
	var buf bytes.Buffer
	h := NewHandler(slog.New(slog.NewJSONHandler(&buf, nil)))
	ctx := context.Background()

	t.Run("success logs the notification", func(t *testing.T) {
		env, err := NewPaymentEvent(KindConfirmed, false).Envelope()
		require.NoError(t, err)

		o := h.Process(ctx, env)
		assert.True(t, o.Succeeded())
		assert.Contains(t, buf.String(), "notification sent")
		assert.Contains(t, buf.String(), env.TraceID())
	})

	t.Run("fail flag yields simulated failure", func(t *testing.T) {
		env, err := NewPaymentEvent(KindRequested, true).Envelope()
		require.NoError(t, err)

		o := h.Process(ctx, env)
		assert.False(t, o.Succeeded())
		assert.ErrorIs(t, o.Err(), ErrSimulatedFailure)
		assert.Equal(t, "failure: simulated notification failure", o.String())
	})

	t.Run("invalid json is a failure", func(t *testing.T) {
		o := h.Process(ctx, contracts.NewEnvelope(RoutingKeyRequested, []byte("not json")))
		assert.False(t, o.Succeeded())
		assert.ErrorIs(t, o.Err(), ErrInvalidPayload)
	})

	t.Run("cancelled context is a failure", func(t *testing.T) {
		cctx, cancel := context.WithCancel(ctx)
		cancel()
		env, err := NewPaymentEvent(KindRequested, false).Envelope()
		require.NoError(t, err)

		o := h.Process(cctx, env)
		assert.ErrorIs(t, o.Err(), context.Canceled)
	})
}

func TestHandler_Register(t *testing.T) {
	router := messaging.NewRouter()
	NewHandler(nil).Register(router)

	assert.ElementsMatch(t, []string{RoutingKeyRequested, RoutingKeyConfirmed}, router.RoutingKeys())

	env, err := NewPaymentEvent(KindRequested, false).Envelope()
	require.NoError(t, err)
	assert.True(t, router.Process(context.Background(), env).Succeeded())
}
