// Package inventory runs stock commands through the consistency chain:
// idempotency guard, rate limit, per-product mutex, then one unit of work
// that saves the stock row, appends the stored event and records the outbox
// event together.
package inventory

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/md-rashed-zaman/shopflow/libs/command"
	"github.com/md-rashed-zaman/shopflow/libs/dlock"
	"github.com/md-rashed-zaman/shopflow/libs/eventstore"
	"github.com/md-rashed-zaman/shopflow/libs/idempotency"
	"github.com/md-rashed-zaman/shopflow/libs/metrics"
	"github.com/md-rashed-zaman/shopflow/libs/outbox"
	"github.com/md-rashed-zaman/shopflow/libs/ratelimit"
	"github.com/md-rashed-zaman/shopflow/services/inventory-service/internal/stock"
	"github.com/md-rashed-zaman/shopflow/services/inventory-service/internal/storage"
)

const lockNamespace = "stock"

// Deps are the collaborators of the service. Guard, Mutex and Limiter are
// optional; without a Mutex the storage row lock still serializes writers.
type Deps struct {
	Store   storage.Store
	Guard   *idempotency.Guard
	Mutex   *dlock.Mutex
	Limiter *ratelimit.Limiter
	Logger  *slog.Logger
}

type Service struct {
	store  storage.Store
	logger *slog.Logger
	cfg    Config
	now    func() time.Time

	register    command.Handler[RegisterCommand, stock.Stock]
	reserve     command.Handler[StockCommand, stock.Stock]
	confirm     command.Handler[StockCommand, stock.Stock]
	cancel      command.Handler[StockCommand, stock.Stock]
	restock     command.Handler[StockCommand, stock.Stock]
	discontinue command.Handler[StockCommand, stock.Stock]
	orderEvent  command.Handler[OrderEvent, bool]
}

func NewService(deps Deps, cfg Config) *Service {
	s := &Service{
		store:  deps.Store,
		logger: deps.Logger,
		cfg:    cfg.withDefaults(),
		now:    time.Now,
	}
	if s.logger == nil {
		s.logger = slog.Default()
	}

	s.register = command.Chain(s.doRegister,
		guarded[RegisterCommand](deps.Guard, s.cfg, "register", func(c RegisterCommand) string { return c.IdempotencyKey }),
		limited[RegisterCommand](deps.Limiter, func(c RegisterCommand) string { return c.ClientID }),
		locked[RegisterCommand, stock.Stock](deps.Mutex, s.cfg, func(c RegisterCommand) string { return c.ProductID }),
	)
	s.reserve = s.stockChain(deps, "reserve", stock.EventReserved, (*stock.Stock).Reserve)
	s.confirm = s.stockChain(deps, "confirm", stock.EventReservationConfirmed, (*stock.Stock).Confirm)
	s.cancel = s.stockChain(deps, "cancel", stock.EventReservationCancelled, (*stock.Stock).Cancel)
	s.restock = s.stockChain(deps, "restock", stock.EventRestocked, (*stock.Stock).Restock)
	s.discontinue = s.stockChain(deps, "discontinue", stock.EventDiscontinued, func(st *stock.Stock, _ int, now time.Time) error {
		return st.Discontinue(now)
	})
	s.orderEvent = command.Chain(s.doOrderEvent,
		locked[OrderEvent, bool](deps.Mutex, s.cfg, func(e OrderEvent) string { return e.ProductID }),
	)
	return s
}

type transition func(s *stock.Stock, qty int, now time.Time) error

func (s *Service) stockChain(deps Deps, name, eventType string, apply transition) command.Handler[StockCommand, stock.Stock] {
	core := func(ctx context.Context, cmd StockCommand) (stock.Stock, error) {
		var out stock.Stock
		err := s.store.InTx(ctx, func(ctx context.Context, uow storage.UnitOfWork) error {
			var err error
			out, err = s.mutate(ctx, uow, cmd, eventType, apply)
			return err
		})
		metrics.StockCommands.WithLabelValues(name, outcome(err)).Inc()
		return out, err
	}
	return command.Chain(core,
		guarded[StockCommand](deps.Guard, s.cfg, name, func(c StockCommand) string { return c.IdempotencyKey }),
		limited[StockCommand](deps.Limiter, func(c StockCommand) string { return c.ClientID }),
		locked[StockCommand, stock.Stock](deps.Mutex, s.cfg, func(c StockCommand) string { return c.ProductID }),
	)
}

func guarded[C any](g *idempotency.Guard, cfg Config, name string, keyOf command.KeyFunc[C]) command.Middleware[C, stock.Stock] {
	if g == nil {
		return nil
	}
	return idempotency.Middleware[C, stock.Stock](g, idempotency.Config{
		Namespace: "inventory:" + name,
		TTL:       cfg.IdempotencyTTL,
	}, keyOf)
}

func limited[C any](l *ratelimit.Limiter, keyOf command.KeyFunc[C]) command.Middleware[C, stock.Stock] {
	if l == nil {
		return nil
	}
	return ratelimit.Middleware[C, stock.Stock](l, keyOf)
}

func locked[C, R any](m *dlock.Mutex, cfg Config, keyOf command.KeyFunc[C]) command.Middleware[C, R] {
	if m == nil {
		return nil
	}
	return dlock.Middleware[C, R](m, dlock.LockConfig{
		Namespace:    lockNamespace,
		WaitTimeout:  cfg.LockWait,
		LeaseTimeout: cfg.LockLease,
	}, keyOf)
}

func (s *Service) Register(ctx context.Context, cmd RegisterCommand) (stock.Stock, error) {
	cmd.ProductID = strings.TrimSpace(cmd.ProductID)
	if cmd.ProductID == "" {
		return stock.Stock{}, stock.ErrInvalidProduct
	}
	return s.register(ctx, cmd)
}

func (s *Service) Reserve(ctx context.Context, cmd StockCommand) (stock.Stock, error) {
	return s.run(ctx, s.reserve, cmd)
}

func (s *Service) ConfirmReservation(ctx context.Context, cmd StockCommand) (stock.Stock, error) {
	return s.run(ctx, s.confirm, cmd)
}

func (s *Service) CancelReservation(ctx context.Context, cmd StockCommand) (stock.Stock, error) {
	return s.run(ctx, s.cancel, cmd)
}

func (s *Service) Restock(ctx context.Context, cmd StockCommand) (stock.Stock, error) {
	return s.run(ctx, s.restock, cmd)
}

func (s *Service) Discontinue(ctx context.Context, cmd StockCommand) (stock.Stock, error) {
	return s.run(ctx, s.discontinue, cmd)
}

func (s *Service) run(ctx context.Context, h command.Handler[StockCommand, stock.Stock], cmd StockCommand) (stock.Stock, error) {
	cmd.ProductID = strings.TrimSpace(cmd.ProductID)
	if cmd.ProductID == "" {
		return stock.Stock{}, stock.ErrInvalidProduct
	}
	return h(ctx, cmd)
}

func (s *Service) Get(ctx context.Context, productID string) (stock.Stock, error) {
	return s.store.GetStock(ctx, productID)
}

// StateAt rebuilds the stock as it was at t from its stored events.
func (s *Service) StateAt(ctx context.Context, productID string, t time.Time) (stock.Stock, error) {
	events, err := s.store.Events().ReadUntil(ctx, productID, t)
	if err != nil {
		return stock.Stock{}, err
	}
	if len(events) == 0 {
		return stock.Stock{}, storage.ErrNotFound
	}
	return stock.Rebuild(events)
}

// History returns the stored events of a product from version from on.
func (s *Service) History(ctx context.Context, productID string, from int64) ([]eventstore.StoredEvent, error) {
	return s.store.Events().ReadFrom(ctx, productID, from)
}

// ApplyOrderEvent settles a reservation from an order event. It reports
// false when the event was already applied.
func (s *Service) ApplyOrderEvent(ctx context.Context, evt OrderEvent) (bool, error) {
	if evt.EventID == "" {
		return false, errors.New("order event without id")
	}
	evt.ProductID = strings.TrimSpace(evt.ProductID)
	if evt.ProductID == "" {
		return false, stock.ErrInvalidProduct
	}
	return s.orderEvent(ctx, evt)
}

func (s *Service) doOrderEvent(ctx context.Context, evt OrderEvent) (bool, error) {
	var eventType string
	var apply transition
	switch evt.EventType {
	case OrderReservationConfirmed:
		eventType, apply = stock.EventReservationConfirmed, (*stock.Stock).Confirm
	case OrderCancelled:
		eventType, apply = stock.EventReservationCancelled, (*stock.Stock).Cancel
	default:
		return false, fmt.Errorf("unsupported order event type %q", evt.EventType)
	}

	applied := false
	err := s.store.InTx(ctx, func(ctx context.Context, uow storage.UnitOfWork) error {
		fresh, err := uow.Inbox().Record(ctx, evt.EventID, evt.EventType)
		if err != nil {
			return err
		}
		if !fresh {
			return nil
		}
		_, err = s.mutate(ctx, uow, StockCommand{
			Meta:      Meta{CorrelationID: evt.OrderID, CausationID: evt.EventID},
			ProductID: evt.ProductID,
			Quantity:  evt.Quantity,
			OrderID:   evt.OrderID,
		}, eventType, apply)
		applied = err == nil
		return err
	})
	if err == nil && !applied {
		metrics.InboxDuplicates.Inc()
	}
	return applied, err
}

func (s *Service) doRegister(ctx context.Context, cmd RegisterCommand) (stock.Stock, error) {
	var out stock.Stock
	err := s.store.InTx(ctx, func(ctx context.Context, uow storage.UnitOfWork) error {
		now := s.now()
		st, err := stock.New(cmd.ProductID, cmd.Initial, cmd.ReorderPoint, cmd.SafetyStock, now)
		if err != nil {
			return err
		}
		st.Version = 1
		if err := uow.Stocks().Insert(ctx, st); err != nil {
			return err
		}
		if err := s.record(ctx, uow, cmd.Meta, st, stock.EventRegistered, st.Snapshot(cmd.Initial, ""), now); err != nil {
			return err
		}
		out = st
		return nil
	})
	metrics.StockCommands.WithLabelValues("register", outcome(err)).Inc()
	return out, err
}

// mutate runs one transition inside uow. The row lock taken by
// GetForUpdate and the version check in Update both guard against a writer
// that bypassed the mutex.
func (s *Service) mutate(ctx context.Context, uow storage.UnitOfWork, cmd StockCommand, eventType string, apply transition) (stock.Stock, error) {
	cur, err := uow.Stocks().GetForUpdate(ctx, cmd.ProductID)
	if err != nil {
		return stock.Stock{}, err
	}
	now := s.now()
	next := cur
	if err := apply(&next, cmd.Quantity, now); err != nil {
		return stock.Stock{}, err
	}
	next.Version = cur.Version + 1
	if err := uow.Stocks().Update(ctx, next, cur.Version); err != nil {
		return stock.Stock{}, err
	}
	if err := s.record(ctx, uow, cmd.Meta, next, eventType, next.Snapshot(cmd.Quantity, cmd.OrderID), now); err != nil {
		return stock.Stock{}, err
	}
	if dropped(cur.Status, next.Status) {
		if err := s.publish(ctx, uow, next, stock.EventLow, next.Snapshot(0, cmd.OrderID)); err != nil {
			return stock.Stock{}, err
		}
	}
	return next, nil
}

// record appends the stored event at st.Version and queues it for relay.
func (s *Service) record(ctx context.Context, uow storage.UnitOfWork, meta Meta, st stock.Stock, eventType string, p stock.Payload, now time.Time) error {
	payload, err := json.Marshal(p)
	if err != nil {
		return err
	}
	if _, err := uow.Events().Append(ctx, eventstore.NewEvent{
		AggregateID:     st.ProductID,
		AggregateType:   stock.AggregateType,
		EventType:       eventType,
		ExpectedVersion: st.Version,
		Payload:         payload,
		OccurredAt:      now,
		CorrelationID:   meta.CorrelationID,
		CausationID:     meta.CausationID,
	}); err != nil {
		return err
	}
	_, err = uow.Outbox().Insert(ctx, outbox.Event{
		AggregateType: stock.AggregateType,
		AggregateID:   st.ProductID,
		EventType:     eventType,
		Payload:       payload,
	})
	return err
}

func (s *Service) publish(ctx context.Context, uow storage.UnitOfWork, st stock.Stock, eventType string, p stock.Payload) error {
	payload, err := json.Marshal(p)
	if err != nil {
		return err
	}
	_, err = uow.Outbox().Insert(ctx, outbox.Event{
		AggregateType: stock.AggregateType,
		AggregateID:   st.ProductID,
		EventType:     eventType,
		Payload:       payload,
	})
	return err
}

var statusRank = map[stock.Status]int{
	stock.StatusInStock:    2,
	stock.StatusLowStock:   1,
	stock.StatusOutOfStock: 0,
}

func dropped(before, after stock.Status) bool {
	return statusRank[after] < statusRank[before]
}

func outcome(err error) string {
	var ise *stock.InsufficientStockError
	switch {
	case err == nil:
		return "ok"
	case errors.As(err, &ise):
		return "insufficient"
	case eventstore.IsConflict(err):
		return "conflict"
	default:
		return "error"
	}
}
