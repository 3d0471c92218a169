package outbox

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/md-rashed-zaman/shopflow/libs/db"
	otelx "github.com/md-rashed-zaman/shopflow/libs/otel"
)

// Schema creates the outbox_events table.
const Schema = `
CREATE TABLE IF NOT EXISTS outbox_events (
	id             uuid PRIMARY KEY,
	seq            bigserial   NOT NULL,
	aggregate_type text        NOT NULL,
	aggregate_id   text        NOT NULL,
	event_type     text        NOT NULL,
	topic          text        NOT NULL,
	payload        bytea       NOT NULL,
	status         text        NOT NULL DEFAULT 'PENDING'
		CHECK (status IN ('PENDING', 'PROCESSING', 'COMPLETED', 'FAILED')),
	retry_count    int         NOT NULL DEFAULT 0,
	last_error     text        NOT NULL DEFAULT '',
	claimed_by     text,
	claimed_until  timestamptz,
	traceparent    text        NOT NULL DEFAULT '',
	tracestate     text        NOT NULL DEFAULT '',
	created_at     timestamptz NOT NULL DEFAULT now(),
	processed_at   timestamptz
);
CREATE INDEX IF NOT EXISTS outbox_events_due_idx ON outbox_events (status, seq) WHERE status <> 'COMPLETED';
CREATE INDEX IF NOT EXISTS outbox_events_aggregate_idx ON outbox_events (aggregate_id, seq) WHERE status <> 'COMPLETED';
CREATE INDEX IF NOT EXISTS outbox_events_processed_idx ON outbox_events (processed_at) WHERE status = 'COMPLETED';
`

const recordColumns = `id::text, seq, aggregate_type, aggregate_id, event_type, topic, payload, status, created_at,
	processed_at, retry_count, last_error, COALESCE(claimed_by, ''), claimed_until, traceparent, tracestate`

// claimedColumns qualifies id, which is ambiguous against the due CTE.
const claimedColumns = `o.id::text, o.seq, o.aggregate_type, o.aggregate_id, o.event_type, o.topic, o.payload, o.status,
	o.created_at, o.processed_at, o.retry_count, o.last_error, COALESCE(o.claimed_by, ''), o.claimed_until,
	o.traceparent, o.tracestate`

type Repository struct {
	pool *db.Pool
}

func NewRepository(pool *db.Pool) *Repository {
	return &Repository{pool: pool}
}

// Writer binds inserts to tx.
func (r *Repository) Writer(tx pgx.Tx) Writer {
	return txWriter{repo: r, tx: tx}
}

type txWriter struct {
	repo *Repository
	tx   pgx.Tx
}

func (w txWriter) Insert(ctx context.Context, evt Event) (Record, error) {
	return w.repo.Insert(ctx, w.tx, evt)
}

func (r *Repository) Insert(ctx context.Context, tx pgx.Tx, evt Event) (Record, error) {
	if err := evt.validate(); err != nil {
		return Record{}, err
	}
	traceparent, tracestate := otelx.TraceContextStrings(ctx)
	rec := Record{
		ID:            uuid.NewString(),
		AggregateType: evt.AggregateType,
		AggregateID:   evt.AggregateID,
		EventType:     evt.EventType,
		Topic:         evt.topic(),
		Payload:       evt.Payload,
		Status:        StatusPending,
		Traceparent:   traceparent,
		Tracestate:    tracestate,
	}
	if rec.Payload == nil {
		rec.Payload = []byte{}
	}
	err := tx.QueryRow(ctx, `
		INSERT INTO outbox_events (id, aggregate_type, aggregate_id, event_type, topic, payload, traceparent, tracestate)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		RETURNING seq, created_at
	`, rec.ID, rec.AggregateType, rec.AggregateID, rec.EventType, rec.Topic, rec.Payload, traceparent, tracestate).
		Scan(&rec.Seq, &rec.CreatedAt)
	if err != nil {
		return Record{}, fmt.Errorf("insert outbox event: %w", err)
	}
	return rec, nil
}

func (r *Repository) Claim(ctx context.Context, req ClaimRequest) ([]Record, error) {
	records, err := scanRecords(r.pool.Query(ctx, `
		WITH candidates AS (
			SELECT id, aggregate_id, seq
			FROM outbox_events
			WHERE status = 'PENDING'
				OR (status = 'FAILED' AND retry_count < $2)
				OR (status = 'PROCESSING' AND claimed_until < now())
			ORDER BY seq
			LIMIT $1
			FOR UPDATE SKIP LOCKED
		), due AS (
			SELECT c.id
			FROM candidates c
			WHERE NOT EXISTS (
				SELECT 1
				FROM outbox_events p
				WHERE p.aggregate_id = c.aggregate_id
					AND p.seq < c.seq
					AND p.status <> 'COMPLETED'
					AND NOT (p.status = 'FAILED' AND p.retry_count >= $2)
					AND p.id NOT IN (SELECT id FROM candidates)
			)
		)
		UPDATE outbox_events o
		SET status = 'PROCESSING',
			claimed_by = $3,
			claimed_until = now() + ($4::bigint * interval '1 millisecond')
		FROM due
		WHERE o.id = due.id
		RETURNING `+claimedColumns, req.Limit, req.MaxRetries, req.Owner, req.ClaimTTL.Milliseconds()))
	if err != nil {
		return nil, fmt.Errorf("claim outbox batch: %w", err)
	}
	sortBySeq(records)
	return records, nil
}

func (r *Repository) MarkCompleted(ctx context.Context, id, owner string, at time.Time) error {
	tag, err := r.pool.Exec(ctx, `
		UPDATE outbox_events
		SET status = 'COMPLETED',
			processed_at = $3,
			last_error = '',
			claimed_by = NULL,
			claimed_until = NULL
		WHERE id = $1 AND status = 'PROCESSING' AND claimed_by = $2
	`, id, owner, at)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrNotOwner
	}
	return nil
}

func (r *Repository) MarkFailed(ctx context.Context, id, owner, reason string) (int, error) {
	var retries int
	err := r.pool.QueryRow(ctx, `
		UPDATE outbox_events
		SET status = 'FAILED',
			retry_count = retry_count + 1,
			last_error = $3,
			claimed_by = NULL,
			claimed_until = NULL
		WHERE id = $1 AND status = 'PROCESSING' AND claimed_by = $2
		RETURNING retry_count
	`, id, owner, reason).Scan(&retries)
	if errors.Is(err, pgx.ErrNoRows) {
		return 0, ErrNotOwner
	}
	return retries, err
}

func (r *Repository) Release(ctx context.Context, id, owner string) error {
	tag, err := r.pool.Exec(ctx, `
		UPDATE outbox_events
		SET status = CASE WHEN retry_count = 0 THEN 'PENDING' ELSE 'FAILED' END,
			claimed_by = NULL,
			claimed_until = NULL
		WHERE id = $1 AND status = 'PROCESSING' AND claimed_by = $2
	`, id, owner)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrNotOwner
	}
	return nil
}

func (r *Repository) DeleteCompletedBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	tag, err := r.pool.Exec(ctx, `
		DELETE FROM outbox_events
		WHERE status = 'COMPLETED' AND processed_at < $1
	`, cutoff)
	if err != nil {
		return 0, err
	}
	return tag.RowsAffected(), nil
}

func (r *Repository) DeadLetters(ctx context.Context, maxRetries, limit int) ([]Record, error) {
	if limit <= 0 {
		limit = 100
	}
	return scanRecords(r.pool.Query(ctx, `
		SELECT `+recordColumns+`
		FROM outbox_events
		WHERE status = 'FAILED' AND retry_count >= $1
		ORDER BY seq
		LIMIT $2
	`, maxRetries, limit))
}

func (r *Repository) CountDeadLetters(ctx context.Context, maxRetries int) (int64, error) {
	var n int64
	err := r.pool.QueryRow(ctx, `
		SELECT count(*) FROM outbox_events WHERE status = 'FAILED' AND retry_count >= $1
	`, maxRetries).Scan(&n)
	return n, err
}

func (r *Repository) Requeue(ctx context.Context, id string, maxRetries int) error {
	tag, err := r.pool.Exec(ctx, `
		UPDATE outbox_events
		SET retry_count = 0
		WHERE id = $1 AND status = 'FAILED' AND retry_count >= $2
	`, id, maxRetries)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// Get is used by operators and tests.
func (r *Repository) Get(ctx context.Context, id string) (Record, error) {
	records, err := scanRecords(r.pool.Query(ctx, `SELECT `+recordColumns+` FROM outbox_events WHERE id = $1`, id))
	if err != nil {
		return Record{}, err
	}
	if len(records) == 0 {
		return Record{}, ErrNotFound
	}
	return records[0], nil
}

func scanRecords(rows pgx.Rows, err error) ([]Record, error) {
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var records []Record
	for rows.Next() {
		var rcd Record
		var status string
		if err := rows.Scan(&rcd.ID, &rcd.Seq, &rcd.AggregateType, &rcd.AggregateID, &rcd.EventType, &rcd.Topic,
			&rcd.Payload, &status, &rcd.CreatedAt, &rcd.ProcessedAt, &rcd.RetryCount, &rcd.LastError,
			&rcd.ClaimedBy, &rcd.ClaimedUntil, &rcd.Traceparent, &rcd.Tracestate); err != nil {
			return nil, err
		}
		rcd.Status = Status(status)
		records = append(records, rcd)
	}
	if rows.Err() != nil {
		return nil, rows.Err()
	}
	return records, nil
}

// UPDATE ... RETURNING does not preserve the CTE order.
func sortBySeq(records []Record) {
	sort.Slice(records, func(i, j int) bool { return records[i].Seq < records[j].Seq })
}

var _ Store = (*Repository)(nil)
