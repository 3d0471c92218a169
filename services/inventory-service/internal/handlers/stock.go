package handlers

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/md-rashed-zaman/shopflow/libs/httpx"
	"github.com/md-rashed-zaman/shopflow/services/inventory-service/internal/inventory"
	"github.com/md-rashed-zaman/shopflow/services/inventory-service/internal/stock"
)

type StockHandler struct {
	svc    *inventory.Service
	logger *slog.Logger
}

func NewStockHandler(svc *inventory.Service, logger *slog.Logger) *StockHandler {
	return &StockHandler{svc: svc, logger: logger}
}

// Routes registers the stock endpoints on mux.
func (h *StockHandler) Routes(mux *http.ServeMux) {
	mux.HandleFunc("/api/v1/stocks", h.Stocks)
	mux.HandleFunc("/api/v1/stocks/reserve", h.command(h.svc.Reserve))
	mux.HandleFunc("/api/v1/stocks/confirm", h.command(h.svc.ConfirmReservation))
	mux.HandleFunc("/api/v1/stocks/cancel", h.command(h.svc.CancelReservation))
	mux.HandleFunc("/api/v1/stocks/restock", h.command(h.svc.Restock))
	mux.HandleFunc("/api/v1/stocks/discontinue", h.command(h.svc.Discontinue))
	mux.HandleFunc("/api/v1/stocks/history", h.History)
}

type registerRequest struct {
	ProductID    string `json:"product_id"`
	Quantity     int    `json:"quantity"`
	ReorderPoint int    `json:"reorder_point"`
	SafetyStock  int    `json:"safety_stock"`
}

type stockRequest struct {
	ProductID string `json:"product_id"`
	Quantity  int    `json:"quantity"`
	OrderID   string `json:"order_id"`
}

type stockResponse struct {
	ProductID       string `json:"product_id"`
	Available       int    `json:"available"`
	Reserved        int    `json:"reserved"`
	ReorderPoint    int    `json:"reorder_point"`
	SafetyStock     int    `json:"safety_stock"`
	Status          string `json:"status"`
	Discontinued    bool   `json:"discontinued"`
	NeedsReorder    bool   `json:"needs_reorder"`
	Version         int64  `json:"version"`
	LastRestockedAt string `json:"last_restocked_at,omitempty"`
	UpdatedAt       string `json:"updated_at"`
}

type eventItem struct {
	EventID       string          `json:"event_id"`
	EventType     string          `json:"event_type"`
	Version       int64           `json:"version"`
	OccurredAt    string          `json:"occurred_at"`
	CorrelationID string          `json:"correlation_id,omitempty"`
	Payload       json.RawMessage `json:"payload"`
}

func toResponse(s stock.Stock) stockResponse {
	resp := stockResponse{
		ProductID:    s.ProductID,
		Available:    s.Available,
		Reserved:     s.Reserved,
		ReorderPoint: s.ReorderPoint,
		SafetyStock:  s.SafetyStock,
		Status:       string(s.Status),
		Discontinued: s.Discontinued,
		NeedsReorder: s.NeedsReorder(),
		Version:      s.Version,
		UpdatedAt:    s.UpdatedAt.UTC().Format(time.RFC3339),
	}
	if s.LastRestockedAt != nil {
		resp.LastRestockedAt = s.LastRestockedAt.UTC().Format(time.RFC3339)
	}
	return resp
}

func meta(r *http.Request) inventory.Meta {
	return inventory.Meta{
		IdempotencyKey: httpx.IdempotencyKey(r),
		ClientID:       httpx.ClientKey(r),
		CorrelationID:  httpx.RequestIDFromContext(r.Context()),
	}
}

// Stocks registers a product on POST and reads one on GET. GET accepts
// at=RFC3339 to rebuild the stock as it was at that time.
func (h *StockHandler) Stocks(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodPost:
		h.register(w, r)
	case http.MethodGet:
		h.get(w, r)
	default:
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
	}
}

func (h *StockHandler) register(w http.ResponseWriter, r *http.Request) {
	var req registerRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid json body", http.StatusBadRequest)
		return
	}
	s, err := h.svc.Register(r.Context(), inventory.RegisterCommand{
		Meta:         meta(r),
		ProductID:    req.ProductID,
		Initial:      req.Quantity,
		ReorderPoint: req.ReorderPoint,
		SafetyStock:  req.SafetyStock,
	})
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, toResponse(s))
}

func (h *StockHandler) get(w http.ResponseWriter, r *http.Request) {
	productID := strings.TrimSpace(r.URL.Query().Get("product_id"))
	if productID == "" {
		http.Error(w, "product_id is required", http.StatusBadRequest)
		return
	}

	var s stock.Stock
	var err error
	if at := strings.TrimSpace(r.URL.Query().Get("at")); at != "" {
		t, perr := time.Parse(time.RFC3339, at)
		if perr != nil {
			http.Error(w, "invalid at", http.StatusBadRequest)
			return
		}
		s, err = h.svc.StateAt(r.Context(), productID, t)
	} else {
		s, err = h.svc.Get(r.Context(), productID)
	}
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toResponse(s))
}

func (h *StockHandler) command(run func(context.Context, inventory.StockCommand) (stock.Stock, error)) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
			return
		}
		var req stockRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			http.Error(w, "invalid json body", http.StatusBadRequest)
			return
		}
		s, err := run(r.Context(), inventory.StockCommand{
			Meta:      meta(r),
			ProductID: req.ProductID,
			Quantity:  req.Quantity,
			OrderID:   strings.TrimSpace(req.OrderID),
		})
		if err != nil {
			h.fail(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, toResponse(s))
	}
}

func (h *StockHandler) History(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	productID := strings.TrimSpace(r.URL.Query().Get("product_id"))
	if productID == "" {
		http.Error(w, "product_id is required", http.StatusBadRequest)
		return
	}
	events, err := h.svc.History(r.Context(), productID, 1)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	items := make([]eventItem, 0, len(events))
	for _, e := range events {
		items = append(items, eventItem{
			EventID:       e.ID,
			EventType:     e.EventType,
			Version:       e.Version,
			OccurredAt:    e.OccurredAt.UTC().Format(time.RFC3339Nano),
			CorrelationID: e.CorrelationID,
			Payload:       json.RawMessage(e.Payload),
		})
	}
	writeJSON(w, http.StatusOK, items)
}

func (h *StockHandler) fail(w http.ResponseWriter, r *http.Request, err error) {
	status, _ := statusFor(err)
	if status >= http.StatusInternalServerError && status != http.StatusServiceUnavailable {
		h.logger.Error("stock command failed",
			"request_id", httpx.RequestIDFromContext(r.Context()),
			"path", r.URL.Path,
			"err", err)
	}
	writeError(w, err)
}
