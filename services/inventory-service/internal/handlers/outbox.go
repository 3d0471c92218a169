package handlers

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/md-rashed-zaman/shopflow/libs/metrics"
	"github.com/md-rashed-zaman/shopflow/libs/outbox"
)

// OutboxHandler gives operators visibility into dead-lettered records and a
// way to re-arm them.
type OutboxHandler struct {
	store      outbox.Store
	maxRetries int
	logger     *slog.Logger
}

func NewOutboxHandler(store outbox.Store, maxRetries int, logger *slog.Logger) *OutboxHandler {
	return &OutboxHandler{store: store, maxRetries: maxRetries, logger: logger}
}

func (h *OutboxHandler) Routes(mux *http.ServeMux) {
	mux.HandleFunc("/api/v1/admin/outbox/dead-letters", h.DeadLetters)
	mux.HandleFunc("/api/v1/admin/outbox/requeue", h.Requeue)
}

type deadLetterItem struct {
	ID            string `json:"id"`
	AggregateType string `json:"aggregate_type"`
	AggregateID   string `json:"aggregate_id"`
	EventType     string `json:"event_type"`
	Topic         string `json:"topic"`
	RetryCount    int    `json:"retry_count"`
	LastError     string `json:"last_error"`
	CreatedAt     string `json:"created_at"`
}

func (h *OutboxHandler) DeadLetters(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	limit := 100
	if raw := strings.TrimSpace(r.URL.Query().Get("limit")); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 || n > 1000 {
			http.Error(w, "invalid limit", http.StatusBadRequest)
			return
		}
		limit = n
	}
	records, err := h.store.DeadLetters(r.Context(), h.maxRetries, limit)
	if err != nil {
		h.logger.Error("list dead letters failed", "err", err)
		writeError(w, err)
		return
	}
	items := make([]deadLetterItem, 0, len(records))
	for _, rec := range records {
		items = append(items, deadLetterItem{
			ID:            rec.ID,
			AggregateType: rec.AggregateType,
			AggregateID:   rec.AggregateID,
			EventType:     rec.EventType,
			Topic:         rec.Topic,
			RetryCount:    rec.RetryCount,
			LastError:     rec.LastError,
			CreatedAt:     rec.CreatedAt.UTC().Format(time.RFC3339),
		})
	}
	writeJSON(w, http.StatusOK, items)
}

type requeueRequest struct {
	ID string `json:"id"`
}

func (h *OutboxHandler) Requeue(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	var req requeueRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || strings.TrimSpace(req.ID) == "" {
		http.Error(w, "id is required", http.StatusBadRequest)
		return
	}
	if err := h.store.Requeue(r.Context(), strings.TrimSpace(req.ID), h.maxRetries); err != nil {
		writeError(w, err)
		return
	}
	if n, err := h.store.CountDeadLetters(r.Context(), h.maxRetries); err == nil {
		metrics.OutboxDeadLetters.Set(float64(n))
	}
	h.logger.Info("outbox record requeued", "id", req.ID)
	w.WriteHeader(http.StatusNoContent)
}
