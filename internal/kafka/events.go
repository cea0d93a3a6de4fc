package kafka

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/kapstong/integ-capstone-sub005/events"
	"github.com/kapstong/integ-capstone-sub005/internal/telemetry"
	"github.com/kapstong/integ-capstone-sub005/types"
)

// ErrBadEnvelope marks a message that can never be processed.
var ErrBadEnvelope = errors.New("malformed event envelope")

// Envelope is the wire shape of a domain event such as "invoice.created".
type Envelope struct {
	Event   string          `json:"event"`
	Payload json.RawMessage `json:"payload"`
}

// DecodeEnvelope parses a message value. The event name falls back to the
// message key. A missing or null payload becomes an empty object; any other
// payload must be an object.
func DecodeEnvelope(msg Message) (Envelope, error) {
	var env Envelope
	if err := json.Unmarshal(msg.Value, &env); err != nil {
		return env, fmt.Errorf("%w: %v", ErrBadEnvelope, err)
	}
	if env.Event == "" {
		env.Event = string(msg.Key)
	}
	if env.Event == "" {
		return env, fmt.Errorf("%w: missing event name", ErrBadEnvelope)
	}
	payload := bytes.TrimSpace(env.Payload)
	switch {
	case len(payload) == 0 || bytes.Equal(payload, []byte("null")):
		env.Payload = json.RawMessage(`{}`)
	case payload[0] != '{':
		return env, fmt.Errorf("%w: payload of %s is not an object", ErrBadEnvelope, env.Event)
	}
	return env, nil
}

// Triggerer runs the workflows bound to an event.
type Triggerer interface {
	Trigger(ctx context.Context, event string, payload json.RawMessage) ([]types.InstanceResult, error)
}

// TriggerHandler feeds consumed domain events into t. Malformed messages are
// logged and committed. Trigger failures are returned and leave the offset
// uncommitted.
func TriggerHandler(t Triggerer, logger *slog.Logger) HandlerFunc {
	tracer := otel.Tracer("kafka")
	return func(ctx context.Context, msg Message) error {
		env, err := DecodeEnvelope(msg)
		if err != nil {
			telemetry.EventsConsumed.WithLabelValues("malformed").Inc()
			logger.Warn("dropping event", slog.Int64("offset", msg.Offset), slog.String("error", err.Error()))
			return nil
		}

		ctx, span := tracer.Start(ctx, "kafka.consume "+env.Event, trace.WithAttributes(
			attribute.String("messaging.destination", msg.Topic),
			attribute.Int64("messaging.kafka.offset", msg.Offset),
		))
		defer span.End()

		results, err := t.Trigger(ctx, env.Event, env.Payload)
		if err != nil {
			telemetry.EventsConsumed.WithLabelValues("error").Inc()
			span.RecordError(err)
			return fmt.Errorf("trigger %s: %w", env.Event, err)
		}
		telemetry.EventsConsumed.WithLabelValues("ok").Inc()
		logger.Debug("event consumed", slog.String("event", env.Event), slog.Int("instances", len(results)))
		return nil
	}
}

// AuditForwarder is an events.Handler that copies audit events to topic.
type AuditForwarder struct {
	producer Producer
	topic    string
}

// NewAuditForwarder creates a forwarder writing to topic.
func NewAuditForwarder(p Producer, topic string) *AuditForwarder {
	return &AuditForwarder{producer: p, topic: topic}
}

// Handle implements events.Handler.
func (f *AuditForwarder) Handle(ctx context.Context, event events.Event) error {
	value, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("encode audit event %s: %w", event.ID, err)
	}
	return f.producer.Publish(ctx, f.topic, event.Type, value)
}
