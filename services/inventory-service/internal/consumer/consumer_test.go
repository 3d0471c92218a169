package consumer

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/segmentio/kafka-go"

	"github.com/md-rashed-zaman/shopflow/libs/kafkax"
	"github.com/md-rashed-zaman/shopflow/services/inventory-service/internal/inventory"
	"github.com/md-rashed-zaman/shopflow/services/inventory-service/internal/stock"
	"github.com/md-rashed-zaman/shopflow/services/inventory-service/internal/storage"
)

type scriptedApplier struct {
	errs  []error
	calls int
	last  inventory.OrderEvent
}

func (a *scriptedApplier) ApplyOrderEvent(_ context.Context, evt inventory.OrderEvent) (bool, error) {
	a.calls++
	a.last = evt
	if len(a.errs) > 0 {
		err := a.errs[0]
		a.errs = a.errs[1:]
		return false, err
	}
	return true, nil
}

func testConsumer(svc Applier, retryFor time.Duration) *Consumer {
	return &Consumer{
		logger: slog.New(slog.NewTextHandler(io.Discard, nil)),
		svc:    svc,
		cfg:    Config{RetryFor: retryFor, RetryInitial: time.Millisecond}.withDefaults(),
	}
}

func orderMessage(eventID, eventType, body string) kafka.Message {
	return kafka.Message{
		Topic: eventType,
		Key:   []byte("o-1"),
		Value: []byte(body),
		Headers: kafkax.HeadersFromMap(map[string]string{
			kafkax.HeaderEventID:   eventID,
			kafkax.HeaderEventType: eventType,
		}),
	}
}

func TestDispatchDecodesOrderEvent(t *testing.T) {
	a := &scriptedApplier{}
	msg := orderMessage("evt-1", inventory.OrderCancelled, `{"order_id":"o-1","product_id":"sku-1","quantity":2}`)
	ok, err := Dispatch(context.Background(), a, msg)
	if err != nil || !ok {
		t.Fatalf("dispatch: ok=%v err=%v", ok, err)
	}
	want := inventory.OrderEvent{EventID: "evt-1", EventType: inventory.OrderCancelled, OrderID: "o-1", ProductID: "sku-1", Quantity: 2}
	if a.last != want {
		t.Fatalf("got %+v, want %+v", a.last, want)
	}
}

func TestDispatchRejectsMalformed(t *testing.T) {
	cases := []kafka.Message{
		orderMessage("", inventory.OrderCancelled, `{}`),
		orderMessage("evt-1", "order.created.v1", `{}`),
		orderMessage("evt-1", inventory.OrderCancelled, `{not json`),
	}
	for i, msg := range cases {
		a := &scriptedApplier{}
		if _, err := Dispatch(context.Background(), a, msg); !errors.Is(err, ErrMalformed) {
			t.Fatalf("case %d: expected ErrMalformed, got %v", i, err)
		}
		if a.calls != 0 {
			t.Fatalf("case %d: applier should not be called", i)
		}
	}
}

func TestHandleRetriesTransientErrors(t *testing.T) {
	a := &scriptedApplier{errs: []error{errors.New("db down"), errors.New("db down")}}
	c := testConsumer(a, time.Second)
	msg := orderMessage("evt-1", inventory.OrderReservationConfirmed, `{"order_id":"o-1","product_id":"sku-1","quantity":1}`)
	if err := c.Handle(context.Background(), msg); err != nil {
		t.Fatalf("handle: %v", err)
	}
	if a.calls != 3 {
		t.Fatalf("expected 3 attempts, got %d", a.calls)
	}
}

func TestHandleCommitsPoisonWithoutRetry(t *testing.T) {
	a := &scriptedApplier{errs: []error{stock.ErrInsufficientReserved}}
	c := testConsumer(a, time.Second)
	msg := orderMessage("evt-1", inventory.OrderReservationConfirmed, `{"order_id":"o-1","product_id":"sku-1","quantity":9}`)
	if err := c.Handle(context.Background(), msg); err != nil {
		t.Fatalf("poison message should be committed, got %v", err)
	}
	if a.calls != 1 {
		t.Fatalf("poison message retried %d times", a.calls)
	}
}

func TestHandleGivesUpOnPersistentFailure(t *testing.T) {
	errs := make([]error, 1000)
	for i := range errs {
		errs[i] = errors.New("db down")
	}
	a := &scriptedApplier{errs: errs}
	c := testConsumer(a, 50*time.Millisecond)
	msg := orderMessage("evt-1", inventory.OrderCancelled, `{"order_id":"o-1","product_id":"sku-1","quantity":1}`)
	if err := c.Handle(context.Background(), msg); err == nil {
		t.Fatalf("expected error after retry window")
	}
}

func TestHandleAppliesOnceAgainstService(t *testing.T) {
	ctx := context.Background()
	svc := inventory.NewService(inventory.Deps{
		Store:  storage.NewMemory(),
		Logger: slog.New(slog.NewTextHandler(io.Discard, nil)),
	}, inventory.Config{})
	if _, err := svc.Register(ctx, inventory.RegisterCommand{ProductID: "sku-1", Initial: 5}); err != nil {
		t.Fatalf("register: %v", err)
	}
	if _, err := svc.Reserve(ctx, inventory.StockCommand{ProductID: "sku-1", Quantity: 2, OrderID: "o-1"}); err != nil {
		t.Fatalf("reserve: %v", err)
	}

	c := testConsumer(svc, time.Second)
	msg := orderMessage("evt-1", inventory.OrderReservationConfirmed, `{"order_id":"o-1","product_id":"sku-1","quantity":2}`)
	for i := 0; i < 3; i++ {
		if err := c.Handle(ctx, msg); err != nil {
			t.Fatalf("handle %d: %v", i, err)
		}
	}
	s, err := svc.Get(ctx, "sku-1")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if s.Available != 3 || s.Reserved != 0 || s.Version != 3 {
		t.Fatalf("expected confirm applied once, got %+v", s)
	}
}
