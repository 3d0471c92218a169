package idempotency

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"

	"github.com/md-rashed-zaman/shopflow/libs/command"
	"github.com/md-rashed-zaman/shopflow/libs/lease"
)

func newGuard(t *testing.T) (*Guard, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	return NewGuard(lease.NewRedis(client, ""), nil), mr
}

var reserveCfg = Config{Namespace: "inventory:reserve", TTL: time.Minute}

func TestDoWithoutKeyAlwaysRuns(t *testing.T) {
	g, _ := newGuard(t)
	var calls int
	for i := 0; i < 3; i++ {
		if err := g.Do(context.Background(), reserveCfg, "  ", func(context.Context) error {
			calls++
			return nil
		}); err != nil {
			t.Fatalf("do: %v", err)
		}
	}
	if calls != 3 {
		t.Fatalf("expected 3 calls, got %d", calls)
	}
}

func TestRepeatAfterSuccessIsCompletedDuplicate(t *testing.T) {
	g, mr := newGuard(t)
	ctx := context.Background()
	var calls int
	fn := func(context.Context) error { calls++; return nil }

	if err := g.Do(ctx, reserveCfg, "k1", fn); err != nil {
		t.Fatalf("first: %v", err)
	}
	err := g.Do(ctx, reserveCfg, "k1", fn)
	var dup *DuplicateRequestError
	if !errors.As(err, &dup) {
		t.Fatalf("expected DuplicateRequestError, got %v", err)
	}
	if dup.State != StateCompleted || dup.Key != "k1" || dup.Namespace != reserveCfg.Namespace {
		t.Fatalf("unexpected duplicate %+v", dup)
	}
	if calls != 1 {
		t.Fatalf("expected 1 call, got %d", calls)
	}
	if ttl := mr.TTL("inventory:reserve:k1"); ttl != time.Minute {
		t.Fatalf("completed lease should keep the configured ttl, got %s", ttl)
	}

	mr.FastForward(2 * time.Minute)
	if err := g.Do(ctx, reserveCfg, "k1", fn); err != nil {
		t.Fatalf("after ttl: %v", err)
	}
	if calls != 2 {
		t.Fatalf("expected key to be reusable after ttl, calls=%d", calls)
	}
}

func TestFailureReleasesKey(t *testing.T) {
	g, mr := newGuard(t)
	ctx := context.Background()
	boom := errors.New("boom")

	err := g.Do(ctx, reserveCfg, "k2", func(context.Context) error { return boom })
	if !errors.Is(err, boom) {
		t.Fatalf("expected boom, got %v", err)
	}
	if mr.Exists("inventory:reserve:k2") {
		t.Fatal("lease must be deleted after failure")
	}
	var ran bool
	if err := g.Do(ctx, reserveCfg, "k2", func(context.Context) error { ran = true; return nil }); err != nil {
		t.Fatalf("retry: %v", err)
	}
	if !ran {
		t.Fatal("retry after failure must execute")
	}
}

func TestConcurrentSameKeyRunsOnce(t *testing.T) {
	g, _ := newGuard(t)
	ctx := context.Background()
	const m = 16

	var executions int32
	var duplicates int32
	start := make(chan struct{})
	var wg sync.WaitGroup
	for i := 0; i < m; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			<-start
			err := g.Do(ctx, reserveCfg, "same", func(context.Context) error {
				atomic.AddInt32(&executions, 1)
				time.Sleep(20 * time.Millisecond)
				return nil
			})
			if IsDuplicate(err) {
				atomic.AddInt32(&duplicates, 1)
				return
			}
			if err != nil {
				t.Errorf("unexpected error: %v", err)
			}
		}()
	}
	close(start)
	wg.Wait()

	if executions != 1 {
		t.Fatalf("expected one execution, got %d", executions)
	}
	if duplicates != m-1 {
		t.Fatalf("expected %d duplicates, got %d", m-1, duplicates)
	}
}

func TestInFlightDuplicateReportsProcessing(t *testing.T) {
	g, _ := newGuard(t)
	ctx := context.Background()

	entered := make(chan struct{})
	release := make(chan struct{})
	done := make(chan error, 1)
	go func() {
		done <- g.Do(ctx, reserveCfg, "slow", func(context.Context) error {
			close(entered)
			<-release
			return nil
		})
	}()
	<-entered

	err := g.Do(ctx, reserveCfg, "slow", func(context.Context) error { return nil })
	var dup *DuplicateRequestError
	if !errors.As(err, &dup) || dup.State != StateProcessing {
		t.Fatalf("expected PROCESSING duplicate, got %v", err)
	}
	close(release)
	if err := <-done; err != nil {
		t.Fatalf("first call: %v", err)
	}
}

func TestStoreErrorFailsClosed(t *testing.T) {
	g, mr := newGuard(t)
	mr.SetError("READONLY")
	var ran bool
	err := g.Do(context.Background(), reserveCfg, "k", func(context.Context) error { ran = true; return nil })
	if err == nil || ran {
		t.Fatalf("expected failure without running, err=%v ran=%v", err, ran)
	}
}

func TestMiddleware(t *testing.T) {
	g, _ := newGuard(t)
	type cmd struct{ Key string }
	var calls int
	core := func(_ context.Context, c cmd) (int, error) {
		calls++
		return 7, nil
	}
	h := command.Chain(core, Middleware[cmd, int](g, reserveCfg, func(c cmd) string { return c.Key }))

	res, err := h(context.Background(), cmd{Key: "abc"})
	if err != nil || res != 7 {
		t.Fatalf("first: %d %v", res, err)
	}
	if _, err := h(context.Background(), cmd{Key: "abc"}); !IsDuplicate(err) {
		t.Fatalf("expected duplicate, got %v", err)
	}
	if calls != 1 {
		t.Fatalf("expected 1 core call, got %d", calls)
	}
}
