package eventstore

import (
	"context"
	"sync"
	"time"
)

// MemoryStore keeps streams in process memory. It backs tests and the
// single-process memory storage driver.
type MemoryStore struct {
	mu      sync.RWMutex
	streams map[string][]StoredEvent
	now     func() time.Time
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		streams: make(map[string][]StoredEvent),
		now:     func() time.Time { return time.Now().UTC() },
	}
}

func (s *MemoryStore) Append(_ context.Context, e NewEvent) (StoredEvent, error) {
	evt, err := Build(e, s.now())
	if err != nil {
		return StoredEvent{}, err
	}
	if err := s.Commit(evt); err != nil {
		return StoredEvent{}, err
	}
	return evt, nil
}

// Commit appends already built events atomically: either all of them fit
// their streams' next versions or none is stored.
func (s *MemoryStore) Commit(events ...StoredEvent) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	next := make(map[string]int64, len(events))
	for _, e := range events {
		cur, ok := next[e.AggregateID]
		if !ok {
			cur = int64(len(s.streams[e.AggregateID]))
		}
		if e.Version != cur+1 {
			return &ConflictError{AggregateID: e.AggregateID, Version: e.Version}
		}
		next[e.AggregateID] = e.Version
	}
	for _, e := range events {
		s.streams[e.AggregateID] = append(s.streams[e.AggregateID], e)
	}
	return nil
}

func (s *MemoryStore) ReadFrom(_ context.Context, aggregateID string, fromVersion int64) ([]StoredEvent, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	stream := s.streams[aggregateID]
	if fromVersion < 1 {
		fromVersion = 1
	}
	if fromVersion > int64(len(stream)) {
		return nil, nil
	}
	out := make([]StoredEvent, len(stream)-int(fromVersion-1))
	copy(out, stream[fromVersion-1:])
	return out, nil
}

func (s *MemoryStore) ReadUntil(_ context.Context, aggregateID string, until time.Time) ([]StoredEvent, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []StoredEvent
	for _, e := range s.streams[aggregateID] {
		if e.OccurredAt.After(until) {
			continue
		}
		out = append(out, e)
	}
	return out, nil
}

func (s *MemoryStore) CurrentVersion(_ context.Context, aggregateID string) (int64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return int64(len(s.streams[aggregateID])), nil
}

var (
	_ Appender = (*MemoryStore)(nil)
	_ Reader   = (*MemoryStore)(nil)
)
