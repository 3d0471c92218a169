package outbox

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"

	otelx "github.com/md-rashed-zaman/shopflow/libs/otel"
)

// MemoryStore keeps the outbox in process. It backs STORAGE_DRIVER=memory
// and the relay tests.
type MemoryStore struct {
	mu      sync.Mutex
	records map[string]*Record
	order   []string
	nextSeq int64
	now     func() time.Time
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{records: map[string]*Record{}, now: time.Now}
}

// SetClock replaces the store's clock. Used to expire claims in tests.
func (s *MemoryStore) SetClock(now func() time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.now = now
}

// Insert writes evt immediately. Callers with a unit of work should use
// Prepare and Append so the record appears only when the unit commits.
func (s *MemoryStore) Insert(ctx context.Context, evt Event) (Record, error) {
	rec, err := s.Prepare(ctx, evt)
	if err != nil {
		return Record{}, err
	}
	out := s.Append(rec)
	return out[0], nil
}

// Prepare validates evt and builds its record without storing it.
func (s *MemoryStore) Prepare(ctx context.Context, evt Event) (Record, error) {
	if err := evt.validate(); err != nil {
		return Record{}, err
	}
	traceparent, tracestate := otelx.TraceContextStrings(ctx)
	payload := evt.Payload
	if payload == nil {
		payload = []byte{}
	}
	return Record{
		ID:            uuid.NewString(),
		AggregateType: evt.AggregateType,
		AggregateID:   evt.AggregateID,
		EventType:     evt.EventType,
		Topic:         evt.topic(),
		Payload:       append([]byte(nil), payload...),
		Status:        StatusPending,
		Traceparent:   traceparent,
		Tracestate:    tracestate,
	}, nil
}

// Append stores prepared records in order, assigning sequence numbers.
func (s *MemoryStore) Append(records ...Record) []Record {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]Record, 0, len(records))
	now := s.now()
	for _, rec := range records {
		s.nextSeq++
		rec.Seq = s.nextSeq
		rec.CreatedAt = now
		rec.Status = StatusPending
		stored := rec
		s.records[rec.ID] = &stored
		s.order = append(s.order, rec.ID)
		out = append(out, rec)
	}
	return out
}

func (s *MemoryStore) Claim(_ context.Context, req ClaimRequest) ([]Record, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	until := now.Add(req.ClaimTTL)
	var out []Record
	// An aggregate is blocked once one of its records is outstanding but not
	// part of this batch; its later records wait for it.
	blocked := map[string]bool{}
	for _, id := range s.order {
		if req.Limit > 0 && len(out) >= req.Limit {
			break
		}
		rec := s.records[id]
		if rec == nil || settled(rec, req.MaxRetries) || blocked[rec.AggregateID] {
			continue
		}
		if !due(rec, req.MaxRetries, now) {
			blocked[rec.AggregateID] = true
			continue
		}
		rec.Status = StatusProcessing
		rec.ClaimedBy = req.Owner
		rec.ClaimedUntil = &until
		out = append(out, clone(rec))
	}
	return out, nil
}

// settled records no longer hold back later records of their aggregate.
func settled(rec *Record, maxRetries int) bool {
	return rec.Status == StatusCompleted || (rec.Status == StatusFailed && rec.RetryCount >= maxRetries)
}

func due(rec *Record, maxRetries int, now time.Time) bool {
	switch rec.Status {
	case StatusPending:
		return true
	case StatusFailed:
		return rec.RetryCount < maxRetries
	case StatusProcessing:
		return rec.ClaimedUntil != nil && rec.ClaimedUntil.Before(now)
	}
	return false
}

func (s *MemoryStore) owned(id, owner string) (*Record, error) {
	rec := s.records[id]
	if rec == nil || rec.Status != StatusProcessing || rec.ClaimedBy != owner {
		return nil, ErrNotOwner
	}
	return rec, nil
}

func (s *MemoryStore) MarkCompleted(_ context.Context, id, owner string, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	rec, err := s.owned(id, owner)
	if err != nil {
		return err
	}
	rec.Status = StatusCompleted
	rec.ProcessedAt = &at
	rec.LastError = ""
	rec.ClaimedBy = ""
	rec.ClaimedUntil = nil
	return nil
}

func (s *MemoryStore) MarkFailed(_ context.Context, id, owner, reason string) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	rec, err := s.owned(id, owner)
	if err != nil {
		return 0, err
	}
	rec.Status = StatusFailed
	rec.RetryCount++
	rec.LastError = reason
	rec.ClaimedBy = ""
	rec.ClaimedUntil = nil
	return rec.RetryCount, nil
}

func (s *MemoryStore) Release(_ context.Context, id, owner string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	rec, err := s.owned(id, owner)
	if err != nil {
		return err
	}
	if rec.RetryCount == 0 {
		rec.Status = StatusPending
	} else {
		rec.Status = StatusFailed
	}
	rec.ClaimedBy = ""
	rec.ClaimedUntil = nil
	return nil
}

func (s *MemoryStore) DeleteCompletedBefore(_ context.Context, cutoff time.Time) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var deleted int64
	kept := s.order[:0]
	for _, id := range s.order {
		rec := s.records[id]
		if rec.Status == StatusCompleted && rec.ProcessedAt != nil && rec.ProcessedAt.Before(cutoff) {
			delete(s.records, id)
			deleted++
			continue
		}
		kept = append(kept, id)
	}
	s.order = kept
	return deleted, nil
}

func (s *MemoryStore) DeadLetters(_ context.Context, maxRetries, limit int) ([]Record, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if limit <= 0 {
		limit = 100
	}
	var out []Record
	for _, id := range s.order {
		rec := s.records[id]
		if rec.Status == StatusFailed && rec.RetryCount >= maxRetries {
			out = append(out, clone(rec))
			if len(out) == limit {
				break
			}
		}
	}
	return out, nil
}

func (s *MemoryStore) CountDeadLetters(_ context.Context, maxRetries int) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var n int64
	for _, rec := range s.records {
		if rec.Status == StatusFailed && rec.RetryCount >= maxRetries {
			n++
		}
	}
	return n, nil
}

func (s *MemoryStore) Requeue(_ context.Context, id string, maxRetries int) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	rec := s.records[id]
	if rec == nil || rec.Status != StatusFailed || rec.RetryCount < maxRetries {
		return ErrNotFound
	}
	rec.RetryCount = 0
	return nil
}

func (s *MemoryStore) Get(_ context.Context, id string) (Record, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	rec := s.records[id]
	if rec == nil {
		return Record{}, ErrNotFound
	}
	return clone(rec), nil
}

// All returns every record in insertion order.
func (s *MemoryStore) All() []Record {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]Record, 0, len(s.order))
	for _, id := range s.order {
		out = append(out, clone(s.records[id]))
	}
	return out
}

func clone(rec *Record) Record {
	out := *rec
	out.Payload = append([]byte(nil), rec.Payload...)
	if rec.ProcessedAt != nil {
		t := *rec.ProcessedAt
		out.ProcessedAt = &t
	}
	if rec.ClaimedUntil != nil {
		t := *rec.ClaimedUntil
		out.ClaimedUntil = &t
	}
	return out
}

var (
	_ Store  = (*MemoryStore)(nil)
	_ Writer = (*MemoryStore)(nil)
)
