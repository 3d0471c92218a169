// Package outbox implements the transactional outbox. Events are written in
// the same transaction as the state change that produced them and forwarded
// to the broker later by the Relay, at least once, keyed by aggregate id.
package outbox

import (
	"context"
	"errors"
	"fmt"
	"time"
)

type Status string

const (
	StatusPending    Status = "PENDING"
	StatusProcessing Status = "PROCESSING"
	StatusCompleted  Status = "COMPLETED"
	StatusFailed     Status = "FAILED"
)

var (
	ErrNotFound = errors.New("outbox record not found")
	// ErrNotOwner means the relay lost its claim (it expired and another
	// relay instance took the record).
	ErrNotOwner = errors.New("outbox record not claimed by this relay")
)

// Event is what a command handler records. Topic defaults to EventType.
type Event struct {
	AggregateType string
	AggregateID   string
	EventType     string
	Topic         string
	Payload       []byte
}

func (e Event) validate() error {
	if e.AggregateType == "" || e.AggregateID == "" || e.EventType == "" {
		return fmt.Errorf("outbox event requires aggregate type, aggregate id and event type")
	}
	return nil
}

func (e Event) topic() string {
	if e.Topic != "" {
		return e.Topic
	}
	return e.EventType
}

type Record struct {
	ID            string
	Seq           int64
	AggregateType string
	AggregateID   string
	EventType     string
	Topic         string
	Payload       []byte
	Status        Status
	CreatedAt     time.Time
	ProcessedAt   *time.Time
	RetryCount    int
	LastError     string
	ClaimedBy     string
	ClaimedUntil  *time.Time
	Traceparent   string
	Tracestate    string
}

// Writer records events for publishing. Implementations are bound to an open
// transaction; there is no way to record outside one.
type Writer interface {
	Insert(ctx context.Context, evt Event) (Record, error)
}

type ClaimRequest struct {
	Owner      string
	Limit      int
	MaxRetries int
	ClaimTTL   time.Duration
}

// Store is the relay's view of the outbox table.
type Store interface {
	// Claim moves due records (PENDING, FAILED under the retry cap, or
	// PROCESSING with an expired claim) to PROCESSING for req.Owner and
	// returns them in insertion order.
	Claim(ctx context.Context, req ClaimRequest) ([]Record, error)
	MarkCompleted(ctx context.Context, id, owner string, at time.Time) error
	// MarkFailed returns the incremented retry count.
	MarkFailed(ctx context.Context, id, owner, reason string) (int, error)
	// Release hands a claimed record back untouched.
	Release(ctx context.Context, id, owner string) error
	DeleteCompletedBefore(ctx context.Context, cutoff time.Time) (int64, error)
	DeadLetters(ctx context.Context, maxRetries, limit int) ([]Record, error)
	CountDeadLetters(ctx context.Context, maxRetries int) (int64, error)
	// Requeue resets the retry count of a dead-lettered record.
	Requeue(ctx context.Context, id string, maxRetries int) error
}
