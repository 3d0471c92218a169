// Package eventstore is an append-only, per-aggregate event log with
// optimistic concurrency. Versions for an aggregate start at 1 and grow by
// exactly one per event; appending at a version that is already taken, or
// that skips ahead, fails with a ConflictError.
package eventstore

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

type StoredEvent struct {
	ID            string
	AggregateID   string
	AggregateType string
	EventType     string
	Version       int64
	Payload       []byte
	OccurredAt    time.Time
	CorrelationID string
	CausationID   string
}

// NewEvent is an append request. ExpectedVersion is the version the event
// will take: the caller read version N and proposes N+1.
type NewEvent struct {
	AggregateID     string
	AggregateType   string
	EventType       string
	ExpectedVersion int64
	Payload         []byte
	OccurredAt      time.Time
	CorrelationID   string
	CausationID     string
}

// ConflictError rejects a stale writer. Re-read the aggregate and retry the
// whole command.
type ConflictError struct {
	AggregateID string
	Version     int64
}

func (e *ConflictError) Error() string {
	return fmt.Sprintf("version conflict on aggregate %s at version %d", e.AggregateID, e.Version)
}

func IsConflict(err error) bool {
	var ce *ConflictError
	return errors.As(err, &ce)
}

var ErrInvalidEvent = errors.New("invalid event")

type Appender interface {
	Append(ctx context.Context, e NewEvent) (StoredEvent, error)
}

type Reader interface {
	// ReadFrom returns events with version >= fromVersion in version order.
	ReadFrom(ctx context.Context, aggregateID string, fromVersion int64) ([]StoredEvent, error)
	// ReadUntil returns events that occurred at or before until, in version order.
	ReadUntil(ctx context.Context, aggregateID string, until time.Time) ([]StoredEvent, error)
	CurrentVersion(ctx context.Context, aggregateID string) (int64, error)
}

// Build validates e and stamps the identity fields of the event to store.
func Build(e NewEvent, now time.Time) (StoredEvent, error) {
	if e.AggregateID == "" || e.AggregateType == "" || e.EventType == "" {
		return StoredEvent{}, fmt.Errorf("%w: aggregate id, aggregate type and event type are required", ErrInvalidEvent)
	}
	if e.ExpectedVersion < 1 {
		return StoredEvent{}, fmt.Errorf("%w: version must be >= 1, got %d", ErrInvalidEvent, e.ExpectedVersion)
	}
	occurred := e.OccurredAt
	if occurred.IsZero() {
		occurred = now
	}
	payload := e.Payload
	if payload == nil {
		payload = []byte{}
	}
	return StoredEvent{
		ID:            uuid.NewString(),
		AggregateID:   e.AggregateID,
		AggregateType: e.AggregateType,
		EventType:     e.EventType,
		Version:       e.ExpectedVersion,
		Payload:       payload,
		OccurredAt:    occurred.UTC(),
		CorrelationID: e.CorrelationID,
		CausationID:   e.CausationID,
	}, nil
}
