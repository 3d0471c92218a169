package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"

	"github.com/md-rashed-zaman/shopflow/libs/dlock"
	"github.com/md-rashed-zaman/shopflow/libs/eventstore"
	"github.com/md-rashed-zaman/shopflow/libs/httpx"
	"github.com/md-rashed-zaman/shopflow/libs/idempotency"
	"github.com/md-rashed-zaman/shopflow/libs/lease"
	"github.com/md-rashed-zaman/shopflow/libs/outbox"
	"github.com/md-rashed-zaman/shopflow/libs/ratelimit"
	"github.com/md-rashed-zaman/shopflow/services/inventory-service/internal/inventory"
	"github.com/md-rashed-zaman/shopflow/services/inventory-service/internal/stock"
	"github.com/md-rashed-zaman/shopflow/services/inventory-service/internal/storage"
)

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newServer(t *testing.T) (*httptest.Server, *storage.Memory) {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })
	leases := lease.NewRedis(rdb, "")

	mem := storage.NewMemory()
	svc := inventory.NewService(inventory.Deps{
		Store:  mem,
		Guard:  idempotency.NewGuard(leases, quietLogger()),
		Mutex:  dlock.New(leases, dlock.Options{Logger: quietLogger()}),
		Logger: quietLogger(),
	}, inventory.Config{})

	mux := http.NewServeMux()
	NewStockHandler(svc, quietLogger()).Routes(mux)
	NewOutboxHandler(mem.OutboxStore, 2, quietLogger()).Routes(mux)
	srv := httptest.NewServer(httpx.Chain(mux, httpx.WithRequestID))
	t.Cleanup(srv.Close)
	return srv, mem
}

func do(t *testing.T, method, url, body string, headers map[string]string) (*http.Response, []byte) {
	t.Helper()
	req, err := http.NewRequest(method, url, strings.NewReader(body))
	if err != nil {
		t.Fatalf("new request: %v", err)
	}
	req.Header.Set("Content-Type", "application/json")
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("do: %v", err)
	}
	defer resp.Body.Close()
	b, _ := io.ReadAll(resp.Body)
	return resp, b
}

func TestStockLifecycleOverHTTP(t *testing.T) {
	srv, _ := newServer(t)

	resp, body := do(t, http.MethodPost, srv.URL+"/api/v1/stocks", `{"product_id":"sku-1","quantity":5,"reorder_point":3,"safety_stock":1}`, nil)
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("register: %d %s", resp.StatusCode, body)
	}

	key := map[string]string{"Idempotency-Key": "order-1"}
	resp, body = do(t, http.MethodPost, srv.URL+"/api/v1/stocks/reserve", `{"product_id":"sku-1","quantity":3,"order_id":"o-1"}`, key)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("reserve: %d %s", resp.StatusCode, body)
	}
	var got stockResponse
	_ = json.Unmarshal(body, &got)
	if got.Available != 2 || got.Reserved != 3 || got.Version != 2 || !got.NeedsReorder {
		t.Fatalf("unexpected stock %+v", got)
	}

	resp, body = do(t, http.MethodPost, srv.URL+"/api/v1/stocks/reserve", `{"product_id":"sku-1","quantity":3,"order_id":"o-1"}`, key)
	var er errorResponse
	_ = json.Unmarshal(body, &er)
	if resp.StatusCode != http.StatusConflict || er.Code != "duplicate_request" || er.State != "COMPLETED" {
		t.Fatalf("duplicate: %d %s", resp.StatusCode, body)
	}

	resp, body = do(t, http.MethodPost, srv.URL+"/api/v1/stocks/reserve", `{"product_id":"sku-1","quantity":4}`, nil)
	er = errorResponse{}
	_ = json.Unmarshal(body, &er)
	if resp.StatusCode != http.StatusUnprocessableEntity || er.Code != "insufficient_stock" || er.Available == nil || *er.Available != 2 {
		t.Fatalf("oversell: %d %s", resp.StatusCode, body)
	}

	resp, body = do(t, http.MethodGet, srv.URL+"/api/v1/stocks?product_id=sku-1", "", nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("get: %d %s", resp.StatusCode, body)
	}

	resp, body = do(t, http.MethodGet, srv.URL+"/api/v1/stocks/history?product_id=sku-1", "", map[string]string{httpx.RequestIDHeader: "req-9"})
	var items []eventItem
	_ = json.Unmarshal(body, &items)
	if resp.StatusCode != http.StatusOK || len(items) != 2 || items[1].EventType != stock.EventReserved {
		t.Fatalf("history: %d %s", resp.StatusCode, body)
	}

	future := time.Now().Add(time.Hour).UTC().Format(time.RFC3339)
	resp, body = do(t, http.MethodGet, srv.URL+"/api/v1/stocks?product_id=sku-1&at="+future, "", nil)
	got = stockResponse{}
	_ = json.Unmarshal(body, &got)
	if resp.StatusCode != http.StatusOK || got.Reserved != 3 {
		t.Fatalf("state at: %d %s", resp.StatusCode, body)
	}
}

func TestBadRequests(t *testing.T) {
	srv, _ := newServer(t)
	cases := []struct {
		method, path, body string
		want               int
	}{
		{http.MethodGet, "/api/v1/stocks/reserve", "", http.StatusMethodNotAllowed},
		{http.MethodPost, "/api/v1/stocks/reserve", "{", http.StatusBadRequest},
		{http.MethodPost, "/api/v1/stocks/reserve", `{"product_id":"sku-x","quantity":1}`, http.StatusNotFound},
		{http.MethodPost, "/api/v1/stocks/reserve", `{"product_id":"","quantity":1}`, http.StatusBadRequest},
		{http.MethodGet, "/api/v1/stocks", "", http.StatusBadRequest},
		{http.MethodGet, "/api/v1/stocks?product_id=p&at=yesterday", "", http.StatusBadRequest},
		{http.MethodDelete, "/api/v1/stocks", "", http.StatusMethodNotAllowed},
	}
	for _, c := range cases {
		resp, body := do(t, c.method, srv.URL+c.path, c.body, nil)
		if resp.StatusCode != c.want {
			t.Fatalf("%s %s: got %d (%s), want %d", c.method, c.path, resp.StatusCode, body, c.want)
		}
	}
}

func TestRestockBeyondCapacityIsRejected(t *testing.T) {
	srv, _ := newServer(t)
	resp, body := do(t, http.MethodPost, srv.URL+"/api/v1/stocks", `{"product_id":"sku-1","quantity":5}`, nil)
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("register: %d %s", resp.StatusCode, body)
	}

	resp, body = do(t, http.MethodPost, srv.URL+"/api/v1/stocks/restock", `{"product_id":"sku-1","quantity":2147483647}`, nil)
	var er errorResponse
	_ = json.Unmarshal(body, &er)
	if resp.StatusCode != http.StatusBadRequest || er.Code != "invalid_request" {
		t.Fatalf("oversized restock: %d %s", resp.StatusCode, body)
	}

	resp, body = do(t, http.MethodPost, srv.URL+"/api/v1/stocks", `{"product_id":"sku-2","quantity":2147483648}`, nil)
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("oversized register: %d %s", resp.StatusCode, body)
	}

	resp, body = do(t, http.MethodGet, srv.URL+"/api/v1/stocks?product_id=sku-1", "", nil)
	var got stockResponse
	_ = json.Unmarshal(body, &got)
	if resp.StatusCode != http.StatusOK || got.Available != 5 || got.Version != 1 {
		t.Fatalf("stock changed by rejected restock: %d %s", resp.StatusCode, body)
	}
}

func TestDeadLetterEndpoints(t *testing.T) {
	srv, mem := newServer(t)
	ctx := context.Background()
	rec, _ := mem.OutboxStore.Insert(ctx, outbox.Event{AggregateType: "stock", AggregateID: "sku-1", EventType: stock.EventReserved})
	for i := 0; i < 2; i++ {
		_, _ = mem.OutboxStore.Claim(ctx, outbox.ClaimRequest{Owner: "r", Limit: 1, MaxRetries: 2, ClaimTTL: time.Minute})
		_, _ = mem.OutboxStore.MarkFailed(ctx, rec.ID, "r", "broker down")
	}

	resp, body := do(t, http.MethodGet, srv.URL+"/api/v1/admin/outbox/dead-letters", "", nil)
	var items []deadLetterItem
	_ = json.Unmarshal(body, &items)
	if resp.StatusCode != http.StatusOK || len(items) != 1 || items[0].ID != rec.ID || items[0].LastError != "broker down" {
		t.Fatalf("dead letters: %d %s", resp.StatusCode, body)
	}

	resp, body = do(t, http.MethodPost, srv.URL+"/api/v1/admin/outbox/requeue", fmt.Sprintf(`{"id":%q}`, rec.ID), nil)
	if resp.StatusCode != http.StatusNoContent {
		t.Fatalf("requeue: %d %s", resp.StatusCode, body)
	}
	resp, _ = do(t, http.MethodPost, srv.URL+"/api/v1/admin/outbox/requeue", fmt.Sprintf(`{"id":%q}`, rec.ID), nil)
	if resp.StatusCode != http.StatusNotFound {
		t.Fatalf("second requeue: %d", resp.StatusCode)
	}
	resp, _ = do(t, http.MethodGet, srv.URL+"/api/v1/admin/outbox/dead-letters?limit=0", "", nil)
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("invalid limit: %d", resp.StatusCode)
	}
}

func TestWriteErrorMapping(t *testing.T) {
	cases := []struct {
		err        error
		status     int
		code       string
		retryAfter string
	}{
		{&idempotency.DuplicateRequestError{Namespace: "n", Key: "k", State: idempotency.StateProcessing}, http.StatusConflict, "duplicate_request", ""},
		{&eventstore.ConflictError{AggregateID: "a", Version: 2}, http.StatusConflict, "version_conflict", ""},
		{&dlock.LockTimeoutError{Key: "stock:a", Wait: time.Second}, http.StatusServiceUnavailable, "lock_timeout", "1"},
		{&stock.InsufficientStockError{ProductID: "a", Requested: 2, Available: 1}, http.StatusUnprocessableEntity, "insufficient_stock", ""},
		{&ratelimit.LimitedError{Key: "c", RetryAfter: 30 * time.Second}, http.StatusTooManyRequests, "rate_limited", "30"},
		{fmt.Errorf("wrapped: %w", storage.ErrNotFound), http.StatusNotFound, "not_found", ""},
		{storage.ErrAlreadyExists, http.StatusConflict, "already_exists", ""},
		{stock.ErrInsufficientReserved, http.StatusUnprocessableEntity, "invalid_transition", ""},
		{errors.New("db down"), http.StatusInternalServerError, "internal", ""},
	}
	for _, c := range cases {
		rec := httptest.NewRecorder()
		writeError(rec, c.err)
		var resp errorResponse
		_ = json.Unmarshal(rec.Body.Bytes(), &resp)
		if rec.Code != c.status || resp.Code != c.code {
			t.Fatalf("%v: got %d/%s, want %d/%s", c.err, rec.Code, resp.Code, c.status, c.code)
		}
		if got := rec.Header().Get("Retry-After"); got != c.retryAfter {
			t.Fatalf("%v: Retry-After %q, want %q", c.err, got, c.retryAfter)
		}
	}
}
