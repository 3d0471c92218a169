// Package inbox records consumed event ids so redelivered events are applied
// once. The insert shares the transaction of the state change it guards.
package inbox

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/md-rashed-zaman/shopflow/libs/db"
)

const Schema = `
CREATE TABLE IF NOT EXISTS inbox_events (
	event_id    text PRIMARY KEY,
	event_type  text        NOT NULL,
	received_at timestamptz NOT NULL DEFAULT now()
);
`

var ErrMissingEventID = errors.New("inbox: event id is required")

// Recorder returns false when eventID was already recorded.
type Recorder interface {
	Record(ctx context.Context, eventID, eventType string) (bool, error)
}

// InTx returns a Recorder bound to tx.
func InTx(tx pgx.Tx) Recorder {
	return txRecorder{tx: tx}
}

type txRecorder struct {
	tx pgx.Tx
}

// Record relies on the primary key. ON CONFLICT keeps the surrounding
// transaction usable after a duplicate.
func (r txRecorder) Record(ctx context.Context, eventID, eventType string) (bool, error) {
	if eventID == "" {
		return false, ErrMissingEventID
	}
	tag, err := r.tx.Exec(ctx, `
		INSERT INTO inbox_events (event_id, event_type)
		VALUES ($1, $2)
		ON CONFLICT (event_id) DO NOTHING
	`, eventID, eventType)
	if err != nil {
		if db.IsUniqueViolation(err) {
			return false, nil
		}
		return false, err
	}
	return tag.RowsAffected() == 1, nil
}

type Memory struct {
	mu   sync.Mutex
	seen map[string]time.Time
}

func NewMemory() *Memory {
	return &Memory{seen: map[string]time.Time{}}
}

func (m *Memory) Record(_ context.Context, eventID, eventType string) (bool, error) {
	if eventID == "" {
		return false, ErrMissingEventID
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.seen[eventID]; ok {
		return false, nil
	}
	m.seen[eventID] = time.Now()
	return true, nil
}

func (m *Memory) Has(eventID string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.seen[eventID]
	return ok
}

var _ Recorder = (*Memory)(nil)
