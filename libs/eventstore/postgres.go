package eventstore

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"github.com/md-rashed-zaman/shopflow/libs/db"
)

type querier interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// Schema creates the stored_events table.
const Schema = `
CREATE TABLE IF NOT EXISTS stored_events (
	id             uuid PRIMARY KEY,
	aggregate_id   text        NOT NULL,
	aggregate_type text        NOT NULL,
	event_type     text        NOT NULL,
	version        bigint      NOT NULL CHECK (version >= 1),
	payload        bytea       NOT NULL,
	occurred_at    timestamptz NOT NULL,
	correlation_id text        NOT NULL DEFAULT '',
	causation_id   text        NOT NULL DEFAULT '',
	UNIQUE (aggregate_id, version)
);
CREATE INDEX IF NOT EXISTS stored_events_occurred_idx ON stored_events (aggregate_id, occurred_at);
`

// Store is the Postgres event store.
type Store struct {
	pool *db.Pool
}

func NewStore(pool *db.Pool) *Store {
	return &Store{pool: pool}
}

// Append writes outside any caller transaction.
func (s *Store) Append(ctx context.Context, e NewEvent) (StoredEvent, error) {
	return appendEvent(ctx, s.pool, e)
}

// Appender binds appends to tx so events commit with the business mutation.
func (s *Store) Appender(tx pgx.Tx) Appender {
	return txAppender{tx: tx}
}

type txAppender struct {
	tx pgx.Tx
}

func (a txAppender) Append(ctx context.Context, e NewEvent) (StoredEvent, error) {
	return appendEvent(ctx, a.tx, e)
}

func appendEvent(ctx context.Context, q querier, e NewEvent) (StoredEvent, error) {
	evt, err := Build(e, time.Now().UTC())
	if err != nil {
		return StoredEvent{}, err
	}
	// The WHERE clause rejects gaps and stale writers; the unique index rejects
	// a concurrent writer that passed the same check.
	tag, err := q.Exec(ctx, `
		INSERT INTO stored_events
			(id, aggregate_id, aggregate_type, event_type, version, payload, occurred_at, correlation_id, causation_id)
		SELECT $1::uuid, $2::text, $3::text, $4::text, $5::bigint, $6::bytea, $7::timestamptz, $8::text, $9::text
		WHERE COALESCE((SELECT MAX(version) FROM stored_events WHERE aggregate_id = $2::text), 0) = $5::bigint - 1
	`, evt.ID, evt.AggregateID, evt.AggregateType, evt.EventType, evt.Version, evt.Payload,
		evt.OccurredAt, evt.CorrelationID, evt.CausationID)
	if err != nil {
		if db.IsUniqueViolation(err) || db.IsSerializationFailure(err) {
			return StoredEvent{}, &ConflictError{AggregateID: evt.AggregateID, Version: evt.Version}
		}
		return StoredEvent{}, fmt.Errorf("append event: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return StoredEvent{}, &ConflictError{AggregateID: evt.AggregateID, Version: evt.Version}
	}
	return evt, nil
}

func (s *Store) ReadFrom(ctx context.Context, aggregateID string, fromVersion int64) ([]StoredEvent, error) {
	return scanEvents(s.pool.Query(ctx, `
		SELECT id::text, aggregate_id, aggregate_type, event_type, version, payload, occurred_at, correlation_id, causation_id
		FROM stored_events
		WHERE aggregate_id = $1 AND version >= $2
		ORDER BY version
	`, aggregateID, fromVersion))
}

func (s *Store) ReadUntil(ctx context.Context, aggregateID string, until time.Time) ([]StoredEvent, error) {
	return scanEvents(s.pool.Query(ctx, `
		SELECT id::text, aggregate_id, aggregate_type, event_type, version, payload, occurred_at, correlation_id, causation_id
		FROM stored_events
		WHERE aggregate_id = $1 AND occurred_at <= $2
		ORDER BY version
	`, aggregateID, until))
}

func (s *Store) CurrentVersion(ctx context.Context, aggregateID string) (int64, error) {
	var v int64
	err := s.pool.QueryRow(ctx, `
		SELECT COALESCE(MAX(version), 0) FROM stored_events WHERE aggregate_id = $1
	`, aggregateID).Scan(&v)
	return v, err
}

func scanEvents(rows pgx.Rows, err error) ([]StoredEvent, error) {
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var events []StoredEvent
	for rows.Next() {
		var e StoredEvent
		if err := rows.Scan(&e.ID, &e.AggregateID, &e.AggregateType, &e.EventType, &e.Version, &e.Payload,
			&e.OccurredAt, &e.CorrelationID, &e.CausationID); err != nil {
			return nil, err
		}
		events = append(events, e)
	}
	if rows.Err() != nil {
		return nil, rows.Err()
	}
	return events, nil
}

var (
	_ Appender = (*Store)(nil)
	_ Reader   = (*Store)(nil)
)
