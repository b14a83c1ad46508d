package contracts

import (
	"strconv"
	"strings"

	"github.com/google/uuid"
)

const (
	// HeaderRetryCount carries the number of retry republishes already performed
	HeaderRetryCount = "x-retry-count"
	// HeaderTraceID carries the correlation identifier shared by every retry of a message
	HeaderTraceID = "x-trace-id"

	// ContentTypeJSON is the payload marker used by producers of domain events
	ContentTypeJSON = "application/json"
)

// Envelope is the unit of work flowing from the broker to the handlers.
// An envelope is never mutated once built; retries produce a copy.
type Envelope struct {
	RoutingKey    string
	Payload       []byte
	Headers       map[string]interface{}
	ContentType   string
	MessageID     string
	CorrelationID string
}

// EnvelopeOption configures an envelope created with NewEnvelope
type EnvelopeOption func(*Envelope)

// WithTraceID sets the trace identifier instead of generating one
func WithTraceID(traceID string) EnvelopeOption {
	return func(e *Envelope) {
		e.Headers[HeaderTraceID] = traceID
		e.CorrelationID = traceID
	}
}

// WithMessageID sets the message identifier
func WithMessageID(id string) EnvelopeOption {
	return func(e *Envelope) {
		e.MessageID = id
	}
}

// WithContentType overrides the default JSON content type
func WithContentType(contentType string) EnvelopeOption {
	return func(e *Envelope) {
		e.ContentType = contentType
	}
}

// WithHeader adds an application header
func WithHeader(key string, value interface{}) EnvelopeOption {
	return func(e *Envelope) {
		e.Headers[key] = value
	}
}

// NewEnvelope builds a first-delivery envelope as a producer would publish it:
// retry count 0, a fresh trace id, and correlation id mirroring the trace id.
func NewEnvelope(routingKey string, payload []byte, options ...EnvelopeOption) *Envelope {
	traceID := uuid.New().String()
	env := &Envelope{
		RoutingKey:    routingKey,
		Payload:       payload,
		ContentType:   ContentTypeJSON,
		MessageID:     uuid.New().String(),
		CorrelationID: traceID,
		Headers: map[string]interface{}{
			HeaderRetryCount: 0,
			HeaderTraceID:    traceID,
		},
	}

	for _, opt := range options {
		opt(env)
	}

	return env
}

// RetryCount returns the retry counter carried in the headers.
// Missing, negative or unparsable values count as zero.
func (e *Envelope) RetryCount() int {
	if e == nil || e.Headers == nil {
		return 0
	}
	return parseCount(e.Headers[HeaderRetryCount])
}

// TraceID returns the trace identifier, falling back to the correlation id
func (e *Envelope) TraceID() string {
	if e == nil {
		return ""
	}
	if e.Headers != nil {
		switch v := e.Headers[HeaderTraceID].(type) {
		case string:
			if v != "" {
				return v
			}
		case []byte:
			if len(v) > 0 {
				return string(v)
			}
		}
	}
	return e.CorrelationID
}

// WithRetryCount returns a copy of the envelope whose retry counter is n.
// Headers are cloned so the receiver stays untouched; the payload is shared
// because it is never written to.
func (e *Envelope) WithRetryCount(n int) *Envelope {
	clone := *e
	clone.Headers = CloneHeaders(e.Headers)
	clone.Headers[HeaderRetryCount] = n
	return &clone
}

// CloneHeaders returns a shallow copy of headers, never nil
func CloneHeaders(headers map[string]interface{}) map[string]interface{} {
	out := make(map[string]interface{}, len(headers)+1)
	for k, v := range headers {
		out[k] = v
	}
	return out
}

// parseCount converts any header value the AMQP codec may produce into a count
func parseCount(val interface{}) int {
	var n int64
	switch v := val.(type) {
	case int:
		n = int64(v)
	case int8:
		n = int64(v)
	case int16:
		n = int64(v)
	case int32:
		n = int64(v)
	case int64:
		n = v
	case uint8:
		n = int64(v)
	case uint16:
		n = int64(v)
	case uint32:
		n = int64(v)
	case uint64:
		if v > uint64(^uint32(0)) {
			return 0
		}
		n = int64(v)
	case float32:
		n = int64(v)
	case float64:
		n = int64(v)
	case string:
		return parseCountString(v)
	case []byte:
		return parseCountString(string(v))
	default:
		return 0
	}

	if n < 0 || n > int64(^uint32(0)>>1) {
		return 0
	}
	return int(n)
}

func parseCountString(s string) int {
	parsed, err := strconv.Atoi(strings.TrimSpace(s))
	if err != nil || parsed < 0 {
		return 0
	}
	return parsed
}
