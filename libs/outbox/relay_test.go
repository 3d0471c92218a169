package outbox

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"

	"github.com/md-rashed-zaman/shopflow/libs/metrics"
)

type fakePublisher struct {
	mu   sync.Mutex
	sent []Message
	fail func(Message) error
}

func (p *fakePublisher) Publish(_ context.Context, msg Message) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.fail != nil {
		if err := p.fail(msg); err != nil {
			return err
		}
	}
	p.sent = append(p.sent, msg)
	return nil
}

func (p *fakePublisher) Close() error { return nil }

func (p *fakePublisher) messages() []Message {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]Message(nil), p.sent...)
}

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newTestRelay(store Store, pub Publisher, owner string) *Relay {
	return NewRelay(store, pub, quietLogger(), RelayConfig{
		BatchSize:       10,
		MaxRetries:      2,
		ClaimTTL:        time.Minute,
		PublishAttempts: 2,
		RetryInitial:    time.Millisecond,
		Owner:           owner,
	})
}

func TestRelayPublishesInOrderAndSurvivesRestart(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()
	var ids []string
	for _, agg := range []string{"sku-1", "sku-2", "sku-1"} {
		rec, err := store.Insert(ctx, stockEvent(agg))
		if err != nil {
			t.Fatalf("insert: %v", err)
		}
		ids = append(ids, rec.ID)
	}

	pub := &fakePublisher{}
	res, err := newTestRelay(store, pub, "relay-a").RunOnce(ctx)
	if err != nil {
		t.Fatalf("run once: %v", err)
	}
	if res.Claimed != 3 || res.Published != 3 {
		t.Fatalf("unexpected result %+v", res)
	}
	sent := pub.messages()
	for i, msg := range sent {
		if msg.Headers["event_id"] != ids[i] {
			t.Fatalf("message %d out of order: %s", i, msg.Headers["event_id"])
		}
	}
	if sent[0].Key != "sku-1" || sent[0].Headers["aggregate_type"] != "stock" {
		t.Fatalf("unexpected message %+v", sent[0])
	}
	for _, rec := range store.All() {
		if rec.Status != StatusCompleted || rec.ProcessedAt == nil {
			t.Fatalf("record not completed: %+v", rec)
		}
	}

	// A fresh relay sees nothing to do.
	res, err = newTestRelay(store, pub, "relay-b").RunOnce(ctx)
	if err != nil || res.Claimed != 0 {
		t.Fatalf("restart republished: %+v %v", res, err)
	}
	if len(pub.messages()) != 3 {
		t.Fatalf("expected 3 deliveries, got %d", len(pub.messages()))
	}
}

func TestRelayCrashAfterClaimIsRedeliveredAfterExpiry(t *testing.T) {
	store := NewMemoryStore()
	now := time.Now()
	store.SetClock(func() time.Time { return now })
	ctx := context.Background()
	rec, _ := store.Insert(ctx, stockEvent("sku-1"))

	// relay-a claims and dies before marking anything.
	if got, _ := store.Claim(ctx, ClaimRequest{Owner: "relay-a", Limit: 10, MaxRetries: 2, ClaimTTL: time.Minute}); len(got) != 1 {
		t.Fatalf("claim failed")
	}

	pub := &fakePublisher{}
	relay := newTestRelay(store, pub, "relay-b")
	if res, _ := relay.RunOnce(ctx); res.Claimed != 0 {
		t.Fatalf("claim stolen before expiry: %+v", res)
	}

	now = now.Add(2 * time.Minute)
	res, err := relay.RunOnce(ctx)
	if err != nil || res.Published != 1 {
		t.Fatalf("expected redelivery: %+v %v", res, err)
	}
	got, _ := store.Get(ctx, rec.ID)
	if got.Status != StatusCompleted {
		t.Fatalf("record not completed: %+v", got)
	}
}

func TestRelayWaitsForAnotherRelaysClaimOnSameAggregate(t *testing.T) {
	store := NewMemoryStore()
	now := time.Now()
	store.SetClock(func() time.Time { return now })
	ctx := context.Background()
	first, _ := store.Insert(ctx, stockEvent("sku-1"))
	second, _ := store.Insert(ctx, stockEvent("sku-1"))
	other, _ := store.Insert(ctx, stockEvent("sku-2"))

	// relay-a takes only the head of sku-1 and dies.
	if got, _ := store.Claim(ctx, ClaimRequest{Owner: "relay-a", Limit: 1, MaxRetries: 2, ClaimTTL: time.Minute}); len(got) != 1 || got[0].ID != first.ID {
		t.Fatalf("claim failed: %+v", got)
	}

	pub := &fakePublisher{}
	relay := newTestRelay(store, pub, "relay-b")
	res, err := relay.RunOnce(ctx)
	if err != nil || res.Claimed != 1 || res.Published != 1 {
		t.Fatalf("unexpected result %+v %v", res, err)
	}
	if sent := pub.messages(); sent[0].Headers["event_id"] != other.ID {
		t.Fatalf("delivered %s ahead of its predecessor", sent[0].Headers["event_id"])
	}
	if got, _ := store.Get(ctx, second.ID); got.Status != StatusPending {
		t.Fatalf("successor claimed while predecessor in flight: %+v", got)
	}

	now = now.Add(2 * time.Minute)
	if _, err := relay.RunOnce(ctx); err != nil {
		t.Fatalf("second run: %v", err)
	}
	sent := pub.messages()
	if len(sent) != 3 || sent[1].Headers["event_id"] != first.ID || sent[2].Headers["event_id"] != second.ID {
		t.Fatalf("per-aggregate order broken after expiry: %d deliveries", len(sent))
	}
}

func TestRelayHoldsBackLaterEventsOfFailedAggregate(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()
	first, _ := store.Insert(ctx, stockEvent("sku-1"))
	second, _ := store.Insert(ctx, stockEvent("sku-1"))
	other, _ := store.Insert(ctx, stockEvent("sku-2"))

	broken := true
	pub := &fakePublisher{fail: func(m Message) error {
		if broken && m.Headers["event_id"] == first.ID {
			return errors.New("broker unavailable")
		}
		return nil
	}}
	relay := newTestRelay(store, pub, "relay-a")

	res, err := relay.RunOnce(ctx)
	if err != nil {
		t.Fatalf("run once: %v", err)
	}
	if res.Failed != 1 || res.Released != 1 || res.Published != 1 {
		t.Fatalf("unexpected result %+v", res)
	}
	if got, _ := store.Get(ctx, second.ID); got.Status != StatusPending {
		t.Fatalf("later event of failed aggregate was not held back: %+v", got)
	}
	if got, _ := store.Get(ctx, other.ID); got.Status != StatusCompleted {
		t.Fatalf("unrelated aggregate blocked: %+v", got)
	}
	failed, _ := store.Get(ctx, first.ID)
	if failed.Status != StatusFailed || failed.RetryCount != 1 || failed.LastError == "" {
		t.Fatalf("failed record not recorded: %+v", failed)
	}

	broken = false
	if _, err := relay.RunOnce(ctx); err != nil {
		t.Fatalf("second run: %v", err)
	}
	sent := pub.messages()
	if len(sent) != 3 {
		t.Fatalf("expected 3 deliveries, got %d", len(sent))
	}
	if sent[1].Headers["event_id"] != first.ID || sent[2].Headers["event_id"] != second.ID {
		t.Fatalf("per-aggregate order broken")
	}
}

func TestRelayDeadLettersAfterMaxRetries(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()
	rec, _ := store.Insert(ctx, stockEvent("sku-9"))

	attempts := 0
	pub := &fakePublisher{fail: func(Message) error {
		attempts++
		return errors.New("rejected")
	}}
	relay := newTestRelay(store, pub, "relay-a")

	for i := 0; i < 2; i++ {
		if _, err := relay.RunOnce(ctx); err != nil {
			t.Fatalf("run %d: %v", i, err)
		}
	}
	if attempts != 4 {
		t.Fatalf("expected 2 attempts per cycle, got %d", attempts)
	}
	got, _ := store.Get(ctx, rec.ID)
	if got.Status != StatusFailed || got.RetryCount != 2 {
		t.Fatalf("expected dead letter, got %+v", got)
	}
	if v := testutil.ToFloat64(metrics.OutboxDeadLetters); v != 1 {
		t.Fatalf("dead letter gauge = %v", v)
	}
	if res, _ := relay.RunOnce(ctx); res.Claimed != 0 {
		t.Fatalf("dead letter retried: %+v", res)
	}

	pub.fail = nil
	if err := store.Requeue(ctx, rec.ID, 2); err != nil {
		t.Fatalf("requeue: %v", err)
	}
	if res, _ := relay.RunOnce(ctx); res.Published != 1 {
		t.Fatalf("requeued record not delivered: %+v", res)
	}
}

func TestDeliveryErrorUnwraps(t *testing.T) {
	cause := errors.New("boom")
	err := error(&DeliveryError{RecordID: "r1", Topic: "t", Attempts: 3, Err: cause})
	var de *DeliveryError
	if !errors.As(err, &de) || !errors.Is(err, cause) {
		t.Fatalf("delivery error does not unwrap: %v", err)
	}
}

func TestRelayRunStopsOnCancel(t *testing.T) {
	store := NewMemoryStore()
	relay := NewRelay(store, &fakePublisher{}, quietLogger(), RelayConfig{PollEvery: 5 * time.Millisecond})
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- relay.Run(ctx) }()

	if _, err := store.Insert(context.Background(), stockEvent("sku-1")); err != nil {
		t.Fatalf("insert: %v", err)
	}
	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) {
		if store.All()[0].Status == StatusCompleted {
			break
		}
		time.Sleep(5 * time.Millisecond)
	}
	cancel()
	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("run: %v", err)
		}
	case <-time.After(time.Second):
		t.Fatal("relay did not stop")
	}
	if store.All()[0].Status != StatusCompleted {
		t.Fatal("relay loop did not deliver")
	}
}

func TestSweeperDeletesOnlyOldCompleted(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()
	old, _ := store.Insert(ctx, stockEvent("sku-1"))
	recent, _ := store.Insert(ctx, stockEvent("sku-2"))
	pending, _ := store.Insert(ctx, stockEvent("sku-3"))

	now := time.Now()
	claimed, _ := store.Claim(ctx, ClaimRequest{Owner: "r", Limit: 2, MaxRetries: 1, ClaimTTL: time.Minute})
	if len(claimed) != 2 {
		t.Fatalf("claim: %d", len(claimed))
	}
	_ = store.MarkCompleted(ctx, old.ID, "r", now.Add(-8*24*time.Hour))
	_ = store.MarkCompleted(ctx, recent.ID, "r", now.Add(-time.Hour))

	sweeper := NewSweeper(store, quietLogger(), SweeperConfig{})
	sweeper.now = func() time.Time { return now }
	n, err := sweeper.SweepOnce(ctx)
	if err != nil || n != 1 {
		t.Fatalf("sweep: %d %v", n, err)
	}
	if _, err := store.Get(ctx, old.ID); !errors.Is(err, ErrNotFound) {
		t.Fatalf("old record kept: %v", err)
	}
	for _, id := range []string{recent.ID, pending.ID} {
		if _, err := store.Get(ctx, id); err != nil {
			t.Fatalf("record %s swept: %v", id, err)
		}
	}
}
