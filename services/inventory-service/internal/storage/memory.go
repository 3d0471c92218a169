package storage

import (
	"context"
	"sync"
	"time"

	"github.com/md-rashed-zaman/shopflow/libs/eventstore"
	"github.com/md-rashed-zaman/shopflow/libs/inbox"
	"github.com/md-rashed-zaman/shopflow/libs/outbox"
	"github.com/md-rashed-zaman/shopflow/services/inventory-service/internal/stock"
)

// Memory is a single-process Store. Units of work run one at a time; their
// writes are staged and applied together when fn returns nil.
type Memory struct {
	txMu sync.Mutex

	mu     sync.RWMutex
	stocks map[string]stock.Stock

	EventStore  *eventstore.MemoryStore
	OutboxStore *outbox.MemoryStore
	InboxStore  *inbox.Memory

	// BeforeCommit runs after fn succeeded and before anything is applied.
	// Returning an error aborts the unit as a crash would.
	BeforeCommit func() error
}

func NewMemory() *Memory {
	return &Memory{
		stocks:      map[string]stock.Stock{},
		EventStore:  eventstore.NewMemoryStore(),
		OutboxStore: outbox.NewMemoryStore(),
		InboxStore:  inbox.NewMemory(),
	}
}

func (m *Memory) InTx(ctx context.Context, fn func(ctx context.Context, uow UnitOfWork) error) error {
	m.txMu.Lock()
	defer m.txMu.Unlock()

	u := &memUnit{m: m, stocks: map[string]stock.Stock{}, inbox: map[string]bool{}}
	if err := fn(ctx, u); err != nil {
		return err
	}
	if m.BeforeCommit != nil {
		if err := m.BeforeCommit(); err != nil {
			return err
		}
	}
	if err := m.EventStore.Commit(u.events...); err != nil {
		return err
	}

	m.mu.Lock()
	for id, s := range u.stocks {
		m.stocks[id] = s
	}
	m.mu.Unlock()
	m.OutboxStore.Append(u.outbox...)
	for _, e := range u.inboxOrder {
		_, _ = m.InboxStore.Record(ctx, e.id, e.eventType)
	}
	return nil
}

func (m *Memory) GetStock(_ context.Context, productID string) (stock.Stock, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	s, ok := m.stocks[productID]
	if !ok {
		return stock.Stock{}, ErrNotFound
	}
	return s, nil
}

func (m *Memory) Events() eventstore.Reader { return m.EventStore }

func (m *Memory) Outbox() outbox.Store { return m.OutboxStore }

type memUnit struct {
	m          *Memory
	stocks     map[string]stock.Stock
	events     []eventstore.StoredEvent
	outbox     []outbox.Record
	inbox      map[string]bool
	inboxOrder []inboxEntry
}

type inboxEntry struct {
	id, eventType string
}

func (u *memUnit) Stocks() StockRepository     { return memStocks{u} }
func (u *memUnit) Events() eventstore.Appender { return memEvents{u} }
func (u *memUnit) Outbox() outbox.Writer       { return memOutbox{u} }
func (u *memUnit) Inbox() inbox.Recorder       { return memInbox{u} }

func (u *memUnit) current(productID string) (stock.Stock, bool) {
	if s, ok := u.stocks[productID]; ok {
		return s, true
	}
	u.m.mu.RLock()
	defer u.m.mu.RUnlock()
	s, ok := u.m.stocks[productID]
	return s, ok
}

type memStocks struct{ u *memUnit }

func (r memStocks) GetForUpdate(_ context.Context, productID string) (stock.Stock, error) {
	s, ok := r.u.current(productID)
	if !ok {
		return stock.Stock{}, ErrNotFound
	}
	return s, nil
}

func (r memStocks) Insert(_ context.Context, s stock.Stock) error {
	if _, ok := r.u.current(s.ProductID); ok {
		return ErrAlreadyExists
	}
	r.u.stocks[s.ProductID] = s
	return nil
}

func (r memStocks) Update(_ context.Context, s stock.Stock, previousVersion int64) error {
	cur, ok := r.u.current(s.ProductID)
	if !ok {
		return ErrNotFound
	}
	if cur.Version != previousVersion {
		return &eventstore.ConflictError{AggregateID: s.ProductID, Version: s.Version}
	}
	r.u.stocks[s.ProductID] = s
	return nil
}

type memEvents struct{ u *memUnit }

func (a memEvents) Append(ctx context.Context, e eventstore.NewEvent) (eventstore.StoredEvent, error) {
	evt, err := eventstore.Build(e, time.Now())
	if err != nil {
		return eventstore.StoredEvent{}, err
	}
	cur, err := a.u.m.EventStore.CurrentVersion(ctx, e.AggregateID)
	if err != nil {
		return eventstore.StoredEvent{}, err
	}
	for _, staged := range a.u.events {
		if staged.AggregateID == e.AggregateID {
			cur = staged.Version
		}
	}
	if evt.Version != cur+1 {
		return eventstore.StoredEvent{}, &eventstore.ConflictError{AggregateID: e.AggregateID, Version: evt.Version}
	}
	a.u.events = append(a.u.events, evt)
	return evt, nil
}

type memOutbox struct{ u *memUnit }

func (w memOutbox) Insert(ctx context.Context, evt outbox.Event) (outbox.Record, error) {
	rec, err := w.u.m.OutboxStore.Prepare(ctx, evt)
	if err != nil {
		return outbox.Record{}, err
	}
	w.u.outbox = append(w.u.outbox, rec)
	return rec, nil
}

type memInbox struct{ u *memUnit }

func (r memInbox) Record(_ context.Context, eventID, eventType string) (bool, error) {
	if eventID == "" {
		return false, inbox.ErrMissingEventID
	}
	if r.u.inbox[eventID] || r.u.m.InboxStore.Has(eventID) {
		return false, nil
	}
	r.u.inbox[eventID] = true
	r.u.inboxOrder = append(r.u.inboxOrder, inboxEntry{id: eventID, eventType: eventType})
	return true, nil
}

var _ Store = (*Memory)(nil)
