// Package eventlog is an append-only journal of return domain events
// with optimistic per-aggregate versioning. Appends run inside the
// caller's commit transaction so the journal can never disagree with
// the ledger rows written alongside it.
package eventlog

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/lib/pq"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

var (
	ErrConcurrencyConflict = errors.New("eventlog: version mismatch")
)

// Event types recorded by the reconciliation engine.
const (
	TypeBookReturned     = "BookReturned"
	TypeSessionFinalized = "SessionFinalized"
)

// Event is one journal entry.
type Event struct {
	ID            int64           `json:"id"`
	AggregateID   uuid.UUID       `json:"aggregate_id"`
	AggregateType string          `json:"aggregate_type"`
	EventType     string          `json:"event_type"`
	EventData     json.RawMessage `json:"event_data"`
	Version       int             `json:"version"`
	CreatedAt     time.Time       `json:"created_at"`
}

// Journal appends and streams domain events.
type Journal struct {
	db     *sql.DB
	tracer trace.Tracer
}

// NewJournal creates an event journal over the given database.
func NewJournal(db *sql.DB) *Journal {
	return &Journal{
		db:     db,
		tracer: otel.Tracer("lib-return-backend/eventlog"),
	}
}

// AppendTx appends events for one aggregate with an optimistic version
// check, inside the caller's transaction. A concurrent writer surfaces
// as ErrConcurrencyConflict, either from the version probe or from the
// (aggregate_id, version) unique index.
func (j *Journal) AppendTx(ctx context.Context, tx *sql.Tx, aggregateID uuid.UUID, aggregateType string, expectedVersion int, events []Event) error {
	ctx, span := j.tracer.Start(ctx, "eventlog.append",
		trace.WithAttributes(
			attribute.String("aggregate.id", aggregateID.String()),
			attribute.String("aggregate.type", aggregateType),
			attribute.Int("expected.version", expectedVersion),
			attribute.Int("event.count", len(events)),
		),
	)
	defer span.End()

	var currentVersion int
	err := tx.QueryRowContext(ctx, `
		SELECT COALESCE(MAX(version), 0)
		FROM events
		WHERE aggregate_id = $1
	`, aggregateID).Scan(&currentVersion)
	if err != nil && !errors.Is(err, sql.ErrNoRows) {
		return fmt.Errorf("query current version: %w", err)
	}
	if currentVersion != expectedVersion {
		span.SetAttributes(
			attribute.Int("actual.version", currentVersion),
			attribute.Bool("conflict.detected", true),
		)
		return ErrConcurrencyConflict
	}

	for i, event := range events {
		version := expectedVersion + i + 1
		_, err := tx.ExecContext(ctx, `
			INSERT INTO events (aggregate_id, aggregate_type, event_type, event_data, version, created_at)
			VALUES ($1, $2, $3, $4, $5, $6)
		`, aggregateID, aggregateType, event.EventType, event.EventData, version, time.Now().UTC())
		if err != nil {
			var pqErr *pq.Error
			if errors.As(err, &pqErr) && pqErr.Code == "23505" {
				return ErrConcurrencyConflict
			}
			return fmt.Errorf("insert event %d: %w", i, err)
		}

		span.AddEvent("event.appended", trace.WithAttributes(
			attribute.Int("event.version", version),
			attribute.String("event.type", event.EventType),
		))
	}

	return nil
}

// Stream returns events after the given journal id, oldest first, for
// audit readers.
func (j *Journal) Stream(ctx context.Context, fromID int64, batchSize int) ([]Event, error) {
	ctx, span := j.tracer.Start(ctx, "eventlog.stream",
		trace.WithAttributes(
			attribute.Int64("from.id", fromID),
			attribute.Int("batch.size", batchSize),
		),
	)
	defer span.End()

	rows, err := j.db.QueryContext(ctx, `
		SELECT id, aggregate_id, aggregate_type, event_type, event_data, version, created_at
		FROM events
		WHERE id > $1
		ORDER BY id ASC
		LIMIT $2
	`, fromID, batchSize)
	if err != nil {
		return nil, fmt.Errorf("query event stream: %w", err)
	}
	defer rows.Close()

	var events []Event
	for rows.Next() {
		var event Event
		if err := rows.Scan(
			&event.ID,
			&event.AggregateID,
			&event.AggregateType,
			&event.EventType,
			&event.EventData,
			&event.Version,
			&event.CreatedAt,
		); err != nil {
			return nil, fmt.Errorf("scan event: %w", err)
		}
		events = append(events, event)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate events: %w", err)
	}

	span.SetAttributes(attribute.Int("events.streamed", len(events)))
	return events, nil
}

// BookReturnedEvent is appended when a tag commit succeeds.
type BookReturnedEvent struct {
	ReturnID   int64     `json:"return_id"`
	LoanID     int64     `json:"loan_id"`
	CopyID     int64     `json:"copy_id"`
	EPC        string    `json:"epc"`
	Fine       string    `json:"fine"`
	ReturnedAt time.Time `json:"returned_at"`
}

// SessionFinalizedEvent is appended when a session's transaction is
// finalized.
type SessionFinalizedEvent struct {
	DeviceID  string    `json:"device_id"`
	ReturnID  int64     `json:"return_id"`
	ItemCount int       `json:"item_count"`
	TotalFine string    `json:"total_fine"`
	ClosedAt  time.Time `json:"closed_at"`
}
