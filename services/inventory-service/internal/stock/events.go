package stock

import (
	"encoding/json"
	"fmt"

	"github.com/md-rashed-zaman/shopflow/libs/eventstore"
)

const AggregateType = "stock"

// Event types stored for the stock aggregate and relayed to the broker.
const (
	EventRegistered           = "inventory.stock.registered.v1"
	EventReserved             = "inventory.stock.reserved.v1"
	EventReservationConfirmed = "inventory.stock.reservation_confirmed.v1"
	EventReservationCancelled = "inventory.stock.reservation_cancelled.v1"
	EventRestocked            = "inventory.stock.restocked.v1"
	EventDiscontinued         = "inventory.stock.discontinued.v1"
)

// EventLow is relayed, not stored: it is derived from a status drop.
const EventLow = "inventory.stock.low.v1"

// Payload is the body of every stock event. Quantity is the amount the
// transition moved; the remaining fields are the state after it.
type Payload struct {
	ProductID    string `json:"product_id"`
	Quantity     int    `json:"quantity,omitempty"`
	Available    int    `json:"available"`
	Reserved     int    `json:"reserved"`
	ReorderPoint int    `json:"reorder_point"`
	SafetyStock  int    `json:"safety_stock"`
	Status       Status `json:"status"`
	OrderID      string `json:"order_id,omitempty"`
	NeedsReorder bool   `json:"needs_reorder,omitempty"`
}

// Snapshot describes s after a transition that moved qty units.
func (s *Stock) Snapshot(qty int, orderID string) Payload {
	return Payload{
		ProductID:    s.ProductID,
		Quantity:     qty,
		Available:    s.Available,
		Reserved:     s.Reserved,
		ReorderPoint: s.ReorderPoint,
		SafetyStock:  s.SafetyStock,
		Status:       s.Status,
		OrderID:      orderID,
		NeedsReorder: s.NeedsReorder(),
	}
}

// Rebuild folds an ordered history into the stock it describes.
func Rebuild(events []eventstore.StoredEvent) (Stock, error) {
	var s Stock
	for i, e := range events {
		if e.Version != int64(i+1) {
			return Stock{}, fmt.Errorf("stock history has a gap: event %d has version %d", i+1, e.Version)
		}
		var p Payload
		if err := json.Unmarshal(e.Payload, &p); err != nil {
			return Stock{}, fmt.Errorf("decode %s v%d: %w", e.EventType, e.Version, err)
		}
		var err error
		switch e.EventType {
		case EventRegistered:
			s, err = New(e.AggregateID, p.Quantity, p.ReorderPoint, p.SafetyStock, e.OccurredAt)
		case EventReserved:
			err = s.Reserve(p.Quantity, e.OccurredAt)
		case EventReservationConfirmed:
			err = s.Confirm(p.Quantity, e.OccurredAt)
		case EventReservationCancelled:
			err = s.Cancel(p.Quantity, e.OccurredAt)
		case EventRestocked:
			err = s.Restock(p.Quantity, e.OccurredAt)
		case EventDiscontinued:
			err = s.Discontinue(e.OccurredAt)
		default:
			err = fmt.Errorf("unknown stock event type %q", e.EventType)
		}
		if err != nil {
			return Stock{}, fmt.Errorf("replay %s v%d: %w", e.EventType, e.Version, err)
		}
		s.Version = e.Version
	}
	return s, nil
}
