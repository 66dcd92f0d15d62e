package eventstore

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
	jsoniter "github.com/json-iterator/go"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"shelfledger/internal/apperr"
)

var (
	ErrConcurrencyConflict = errors.New("concurrency conflict: version mismatch")
	ErrEmptyEventType      = errors.New("event type must not be empty")
)

var codec = jsoniter.ConfigCompatibleWithStandardLibrary

// Event is one entry of an aggregate's history.
type Event struct {
	ID            int64           `json:"id" db:"id"`
	AggregateID   uuid.UUID       `json:"aggregate_id" db:"aggregate_id"`
	AggregateType string          `json:"aggregate_type" db:"aggregate_type"`
	EventType     string          `json:"event_type" db:"event_type"`
	EventData     json.RawMessage `json:"event_data" db:"event_data"`
	Version       int             `json:"version" db:"version"`
	CreatedAt     time.Time       `json:"created_at" db:"created_at"`
}

// Decode unmarshals the event payload into v.
func (e Event) Decode(v any) error {
	return codec.Unmarshal(e.EventData, v)
}

// EventStore writes domain events next to the state change they describe.
// Append takes the caller's transaction so an event is committed if and only
// if the state change is.
type EventStore struct {
	tracer trace.Tracer
}

// NewEventStore creates a new event store.
func NewEventStore() *EventStore {
	return &EventStore{
		tracer: otel.Tracer("shelfledger/eventstore"),
	}
}

// Append adds one event to the aggregate's stream inside tx and returns the
// version it was stored at.
func (es *EventStore) Append(ctx context.Context, tx sqlx.ExtContext, aggregateID uuid.UUID, aggregateType, eventType string, payload any) (int, error) {
	ctx, span := es.tracer.Start(ctx, "eventstore.append",
		trace.WithAttributes(
			attribute.String("aggregate.id", aggregateID.String()),
			attribute.String("aggregate.type", aggregateType),
			attribute.String("event.type", eventType),
		),
	)
	defer span.End()

	if eventType == "" {
		return 0, ErrEmptyEventType
	}

	data, err := codec.Marshal(payload)
	if err != nil {
		return 0, fmt.Errorf("marshal event data: %w", err)
	}

	var currentVersion int
	err = sqlx.GetContext(ctx, tx, &currentVersion, `
		SELECT COALESCE(MAX(version), 0)
		FROM events
		WHERE aggregate_id = $1
	`, aggregateID)
	if err != nil && err != sql.ErrNoRows {
		span.RecordError(err)
		return 0, fmt.Errorf("query current version: %w", err)
	}

	version := currentVersion + 1

	var eventID int64
	err = sqlx.GetContext(ctx, tx, &eventID, `
		INSERT INTO events (aggregate_id, aggregate_type, event_type, event_data, version, created_at)
		VALUES ($1, $2, $3, $4, $5, $6)
		RETURNING id
	`, aggregateID, aggregateType, eventType, string(data), version, time.Now().UTC())
	if err != nil {
		span.RecordError(err)
		// Two writers raced on the same aggregate without holding its row lock.
		if apperr.IsUniqueViolation(err) {
			span.SetAttributes(attribute.Bool("conflict.detected", true))
			return 0, ErrConcurrencyConflict
		}
		return 0, fmt.Errorf("insert event: %w", err)
	}

	span.AddEvent("event.appended", trace.WithAttributes(
		attribute.Int64("event.id", eventID),
		attribute.Int("event.version", version),
	))
	return version, nil
}

// Load returns the aggregate's events ordered by version.
func (es *EventStore) Load(ctx context.Context, q sqlx.QueryerContext, aggregateID uuid.UUID) ([]Event, error) {
	ctx, span := es.tracer.Start(ctx, "eventstore.load",
		trace.WithAttributes(attribute.String("aggregate.id", aggregateID.String())),
	)
	defer span.End()

	events := []Event{}
	err := sqlx.SelectContext(ctx, q, &events, `
		SELECT id, aggregate_id, aggregate_type, event_type, event_data, version, created_at
		FROM events
		WHERE aggregate_id = $1
		ORDER BY version ASC
	`, aggregateID)
	if err != nil {
		span.RecordError(err)
		return nil, fmt.Errorf("query events: %w", err)
	}

	span.SetAttributes(attribute.Int("events.loaded", len(events)))
	return events, nil
}

// CountByType returns how many events of eventType were recorded.
func (es *EventStore) CountByType(ctx context.Context, q sqlx.QueryerContext, eventType string) (int, error) {
	var n int
	if err := sqlx.GetContext(ctx, q, &n, `SELECT COUNT(*) FROM events WHERE event_type = $1`, eventType); err != nil {
		return 0, fmt.Errorf("count events: %w", err)
	}
	return n, nil
}
