package stock

import (
	"errors"
	"fmt"
	"math"
	"strings"
	"time"
)

type Status string

const (
	StatusInStock    Status = "IN_STOCK"
	StatusLowStock   Status = "LOW_STOCK"
	StatusOutOfStock Status = "OUT_OF_STOCK"
)

// MaxQuantity bounds every quantity and threshold a stock can hold. It matches
// the width of the stored columns.
const MaxQuantity = math.MaxInt32

var (
	ErrInvalidQuantity      = errors.New("quantity must be positive")
	ErrInsufficientReserved = errors.New("quantity exceeds reserved stock")
	ErrDiscontinued         = errors.New("product is discontinued")
	ErrInvalidProduct       = errors.New("product id is required")
	ErrInvalidThresholds    = errors.New("reorder point and safety stock must be between 0 and 2147483647")
	ErrQuantityTooLarge     = fmt.Errorf("%w: total would exceed %d", ErrInvalidQuantity, MaxQuantity)
)

// InsufficientStockError is returned by Reserve when fewer units are
// available than requested. It is a business rule violation and not
// retryable.
type InsufficientStockError struct {
	ProductID string
	Requested int
	Available int
}

func (e *InsufficientStockError) Error() string {
	return fmt.Sprintf("insufficient stock for %s: requested %d, available %d", e.ProductID, e.Requested, e.Available)
}

// Stock is the quantity pool of one product. Available+Reserved only changes
// through Restock and Confirm.
type Stock struct {
	ProductID       string
	Available       int
	Reserved        int
	ReorderPoint    int
	SafetyStock     int
	Status          Status
	Discontinued    bool
	Version         int64
	LastRestockedAt *time.Time
	UpdatedAt       time.Time
}

// New registers a product with its opening quantity. Version stays 0 until
// the registration event is stored.
func New(productID string, initial, reorderPoint, safetyStock int, now time.Time) (Stock, error) {
	productID = strings.TrimSpace(productID)
	if productID == "" {
		return Stock{}, ErrInvalidProduct
	}
	if initial < 0 {
		return Stock{}, ErrInvalidQuantity
	}
	if initial > MaxQuantity {
		return Stock{}, ErrQuantityTooLarge
	}
	if reorderPoint < 0 || safetyStock < 0 || reorderPoint > MaxQuantity || safetyStock > MaxQuantity {
		return Stock{}, ErrInvalidThresholds
	}
	s := Stock{
		ProductID:    productID,
		Available:    initial,
		ReorderPoint: reorderPoint,
		SafetyStock:  safetyStock,
	}
	s.touch(now)
	return s, nil
}

func (s *Stock) Total() int {
	return s.Available + s.Reserved
}

func (s *Stock) NeedsReorder() bool {
	return !s.Discontinued && s.Available <= s.ReorderPoint
}

func (s *Stock) Reserve(qty int, now time.Time) error {
	if qty <= 0 {
		return ErrInvalidQuantity
	}
	if s.Discontinued {
		return ErrDiscontinued
	}
	if s.Available < qty {
		return &InsufficientStockError{ProductID: s.ProductID, Requested: qty, Available: s.Available}
	}
	s.Available -= qty
	s.Reserved += qty
	s.touch(now)
	return nil
}

// Confirm turns reserved units into a permanent deduction.
func (s *Stock) Confirm(qty int, now time.Time) error {
	if qty <= 0 {
		return ErrInvalidQuantity
	}
	if s.Reserved < qty {
		return ErrInsufficientReserved
	}
	s.Reserved -= qty
	s.touch(now)
	return nil
}

// Cancel returns reserved units to the available pool. The total is unchanged.
func (s *Stock) Cancel(qty int, now time.Time) error {
	if qty <= 0 {
		return ErrInvalidQuantity
	}
	if s.Reserved < qty {
		return ErrInsufficientReserved
	}
	s.Reserved -= qty
	s.Available += qty
	s.touch(now)
	return nil
}

func (s *Stock) Restock(qty int, now time.Time) error {
	if qty <= 0 {
		return ErrInvalidQuantity
	}
	if s.Discontinued {
		return ErrDiscontinued
	}
	if qty > MaxQuantity-s.Total() {
		return ErrQuantityTooLarge
	}
	s.Available += qty
	at := now.UTC()
	s.LastRestockedAt = &at
	s.touch(now)
	return nil
}

// Discontinue soft-deletes the product. Outstanding reservations can still be
// confirmed or cancelled.
func (s *Stock) Discontinue(now time.Time) error {
	if s.Discontinued {
		return ErrDiscontinued
	}
	s.Discontinued = true
	s.touch(now)
	return nil
}

func (s *Stock) touch(now time.Time) {
	s.Status = StatusFor(s.Available, s.SafetyStock)
	s.UpdatedAt = now.UTC()
}

// StatusFor derives the stock status from the available quantity.
func StatusFor(available, safetyStock int) Status {
	switch {
	case available <= 0:
		return StatusOutOfStock
	case available <= safetyStock:
		return StatusLowStock
	default:
		return StatusInStock
	}
}
