package inventory

import "time"

// Meta is carried by every command. IdempotencyKey and ClientID are optional.
type Meta struct {
	IdempotencyKey string
	ClientID       string
	CorrelationID  string
	CausationID    string
}

type RegisterCommand struct {
	Meta
	ProductID    string
	Initial      int
	ReorderPoint int
	SafetyStock  int
}

// StockCommand drives Reserve, Confirm, Cancel, Restock and Discontinue.
// Quantity is ignored by Discontinue.
type StockCommand struct {
	Meta
	ProductID string
	Quantity  int
	OrderID   string
}

// OrderEvent is an order-service event that settles a reservation.
type OrderEvent struct {
	EventID   string
	EventType string
	OrderID   string
	ProductID string
	Quantity  int
}

// Order event types consumed by the inventory service.
const (
	OrderReservationConfirmed = "order.reservation.confirmed.v1"
	OrderCancelled            = "order.cancelled.v1"
)

type Config struct {
	IdempotencyTTL time.Duration
	LockWait       time.Duration
	LockLease      time.Duration
}

func (c Config) withDefaults() Config {
	if c.IdempotencyTTL <= 0 {
		c.IdempotencyTTL = 24 * time.Hour
	}
	if c.LockWait <= 0 {
		c.LockWait = 3 * time.Second
	}
	if c.LockLease <= 0 {
		c.LockLease = 10 * time.Second
	}
	return c
}
