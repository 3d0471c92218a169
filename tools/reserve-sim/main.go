package main

import (
	"bytes"
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"net/http"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"
)

type stockView struct {
	Available int   `json:"available"`
	Reserved  int   `json:"reserved"`
	Version   int64 `json:"version"`
}

func main() {
	var (
		baseURL  = flag.String("base-url", getenv("BASE_URL", "http://localhost:8085"), "inventory service base url")
		product  = flag.String("product", getenv("PRODUCT_ID", ""), "product id; a fresh one is registered when empty")
		initial  = flag.Int("initial", 10, "initial quantity for a freshly registered product")
		callers  = flag.Int("callers", 25, "concurrent reservation requests")
		qty      = flag.Int("qty", 1, "units per reservation")
		replays  = flag.Int("replays", 3, "times each request is re-sent with the same Idempotency-Key")
		parallel = flag.Int("parallel", 16, "max in-flight requests")
	)
	flag.Parse()

	base := strings.TrimRight(*baseURL, "/")
	client := &http.Client{Timeout: 10 * time.Second}
	ctx := context.Background()

	productID := strings.TrimSpace(*product)
	if productID == "" {
		productID = "sim-" + uuid.NewString()[:8]
		status, body, err := post(ctx, client, base+"/api/v1/stocks", "", map[string]any{
			"product_id": productID,
			"quantity":   *initial,
		})
		if err != nil || status != http.StatusCreated {
			fatal(fmt.Sprintf("register failed: status=%d err=%v body=%s", status, err, body))
		}
	}
	before, err := get(ctx, client, base, productID)
	if err != nil {
		fatal(err.Error())
	}

	var mu sync.Mutex
	statuses := map[int]int{}
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(*parallel)
	for i := 0; i < *callers; i++ {
		key := uuid.NewString()
		orderID := fmt.Sprintf("sim-order-%d", i)
		for r := 0; r <= *replays; r++ {
			g.Go(func() error {
				status, _, err := post(gctx, client, base+"/api/v1/stocks/reserve", key, map[string]any{
					"product_id": productID,
					"quantity":   *qty,
					"order_id":   orderID,
				})
				if err != nil {
					return err
				}
				mu.Lock()
				statuses[status]++
				mu.Unlock()
				return nil
			})
		}
	}
	if err := g.Wait(); err != nil {
		fatal(err.Error())
	}

	after, err := get(ctx, client, base, productID)
	if err != nil {
		fatal(err.Error())
	}
	reserved := after.Reserved - before.Reserved
	fmt.Printf("product=%s statuses=%v\n", productID, statuses)
	fmt.Printf("before available=%d reserved=%d; after available=%d reserved=%d version=%d\n",
		before.Available, before.Reserved, after.Available, after.Reserved, after.Version)

	switch {
	case after.Available < 0:
		fatal("oversold: available went negative")
	case before.Available+before.Reserved != after.Available+after.Reserved:
		fatal("total units changed during reservations")
	case reserved != statuses[http.StatusOK]*(*qty):
		fatal(fmt.Sprintf("reserved %d units but %d requests succeeded", reserved, statuses[http.StatusOK]))
	}
	fmt.Println("ok: no overselling and each idempotency key applied at most once")
}

func post(ctx context.Context, client *http.Client, url, idemKey string, body any) (int, []byte, error) {
	payload, err := json.Marshal(body)
	if err != nil {
		return 0, nil, err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(payload))
	if err != nil {
		return 0, nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Client-Id", "reserve-sim")
	if idemKey != "" {
		req.Header.Set("Idempotency-Key", idemKey)
	}
	resp, err := client.Do(req)
	if err != nil {
		return 0, nil, err
	}
	defer resp.Body.Close()
	b, _ := io.ReadAll(resp.Body)
	return resp.StatusCode, b, nil
}

func get(ctx context.Context, client *http.Client, base, productID string) (stockView, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, base+"/api/v1/stocks?product_id="+productID, nil)
	if err != nil {
		return stockView{}, err
	}
	resp, err := client.Do(req)
	if err != nil {
		return stockView{}, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return stockView{}, fmt.Errorf("get stock: status=%d", resp.StatusCode)
	}
	var v stockView
	if err := json.NewDecoder(resp.Body).Decode(&v); err != nil {
		return stockView{}, err
	}
	return v, nil
}

func getenv(k, def string) string {
	if v := os.Getenv(k); v != "" {
		return v
	}
	return def
}

func fatal(msg string) {
	fmt.Fprintln(os.Stderr, msg)
	os.Exit(2)
}
