package handlers

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"

	"github.com/md-rashed-zaman/shopflow/libs/dlock"
	"github.com/md-rashed-zaman/shopflow/libs/eventstore"
	"github.com/md-rashed-zaman/shopflow/libs/idempotency"
	"github.com/md-rashed-zaman/shopflow/libs/outbox"
	"github.com/md-rashed-zaman/shopflow/libs/ratelimit"
	"github.com/md-rashed-zaman/shopflow/services/inventory-service/internal/stock"
	"github.com/md-rashed-zaman/shopflow/services/inventory-service/internal/storage"
)

type errorResponse struct {
	Error     string `json:"error"`
	Code      string `json:"code"`
	State     string `json:"state,omitempty"`
	Available *int   `json:"available,omitempty"`
}

// statusFor maps a command error to its HTTP status and a stable code.
func statusFor(err error) (int, errorResponse) {
	resp := errorResponse{Error: err.Error()}
	var (
		dup     *idempotency.DuplicateRequestError
		timeout *dlock.LockTimeoutError
		short   *stock.InsufficientStockError
	)
	switch {
	case errors.As(err, &dup):
		resp.Code = "duplicate_request"
		resp.State = string(dup.State)
		return http.StatusConflict, resp
	case eventstore.IsConflict(err):
		resp.Code = "version_conflict"
		return http.StatusConflict, resp
	case errors.Is(err, storage.ErrAlreadyExists):
		resp.Code = "already_exists"
		return http.StatusConflict, resp
	case errors.As(err, &timeout):
		resp.Code = "lock_timeout"
		return http.StatusServiceUnavailable, resp
	case errors.As(err, &short):
		resp.Code = "insufficient_stock"
		resp.Available = &short.Available
		return http.StatusUnprocessableEntity, resp
	case errors.Is(err, stock.ErrInsufficientReserved), errors.Is(err, stock.ErrDiscontinued):
		resp.Code = "invalid_transition"
		return http.StatusUnprocessableEntity, resp
	case errors.Is(err, stock.ErrInvalidQuantity), errors.Is(err, stock.ErrInvalidProduct), errors.Is(err, stock.ErrInvalidThresholds):
		resp.Code = "invalid_request"
		return http.StatusBadRequest, resp
	case errors.Is(err, ratelimit.ErrLimited):
		resp.Code = "rate_limited"
		return http.StatusTooManyRequests, resp
	case errors.Is(err, storage.ErrNotFound), errors.Is(err, outbox.ErrNotFound):
		resp.Code = "not_found"
		return http.StatusNotFound, resp
	default:
		return http.StatusInternalServerError, errorResponse{Error: "internal error", Code: "internal"}
	}
}

func writeError(w http.ResponseWriter, err error) {
	status, resp := statusFor(err)
	var timeout *dlock.LockTimeoutError
	var limited *ratelimit.LimitedError
	switch {
	case errors.As(err, &timeout):
		w.Header().Set("Retry-After", "1")
	case errors.As(err, &limited):
		secs := int(limited.RetryAfter.Seconds())
		if secs < 1 {
			secs = 1
		}
		w.Header().Set("Retry-After", strconv.Itoa(secs))
	}
	writeJSON(w, status, resp)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	body, err := json.Marshal(v)
	if err != nil {
		http.Error(w, "failed to build response", http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_, _ = w.Write(body)
}
