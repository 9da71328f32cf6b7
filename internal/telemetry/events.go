package telemetry

import (
	"context"
	"time"

	"github.com/oklog/ulid/v2"
	"github.com/rs/zerolog"
)

// Publisher is the transport events are mirrored to.
type Publisher interface {
	Publish(ctx context.Context, routingKey string, event any, headers map[string]string) error
	Close() error
}

// EventEnvelope is the message-bus representation of a chat lifecycle
// event, consumed by search indexing and notification services.
type EventEnvelope struct {
	SchemaVersion int    `json:"schema_version"`
	EventID       string `json:"event_id"`
	EventType     string `json:"event_type"`
	OccurredAt    string `json:"occurred_at"`
	Service       string `json:"service"`
	Environment   string `json:"environment"`
	Payload       any    `json:"payload"`
}

// EventEmitter publishes chat lifecycle events to the bus.
// Best-effort: failures are logged, never surfaced to the caller.
type EventEmitter struct {
	publisher   Publisher
	routingKey  string
	service     string
	environment string
	logger      zerolog.Logger
}

// NewEventEmitter constructs an emitter. A nil publisher yields an
// emitter whose Emit is a no-op; the zero *EventEmitter is safe too.
func NewEventEmitter(publisher Publisher, routingKey, service, environment string, logger zerolog.Logger) *EventEmitter {
	return &EventEmitter{
		publisher:   publisher,
		routingKey:  routingKey,
		service:     service,
		environment: environment,
		logger:      logger,
	}
}

// Emit publishes one event.
func (e *EventEmitter) Emit(ctx context.Context, eventType string, payload any) {
	if e == nil || e.publisher == nil {
		return
	}

	envelope := EventEnvelope{
		SchemaVersion: 1,
		EventID:       ulid.Make().String(),
		EventType:     eventType,
		OccurredAt:    time.Now().UTC().Format(time.RFC3339Nano),
		Service:       e.service,
		Environment:   e.environment,
		Payload:       payload,
	}

	if err := e.publisher.Publish(ctx, e.routingKey, envelope, nil); err != nil {
		e.logger.Warn().Err(err).Str("event_type", eventType).Msg("event publish failed")
	}
}
