package outbox

import (
	"context"

	"github.com/md-rashed-zaman/shopflow/libs/kafkax"
)

// Message is a broker-neutral rendition of a record.
type Message struct {
	Topic   string
	Key     string
	Value   []byte
	Headers map[string]string
}

// Publisher delivers one message and returns once the broker acknowledged
// it. Trace context is taken from ctx.
type Publisher interface {
	Publish(ctx context.Context, msg Message) error
	Close() error
}

// MessageFor builds the message relayed for rec. The key is the aggregate
// id so a partitioned broker keeps per-aggregate order.
func MessageFor(rec Record) Message {
	return Message{
		Topic: rec.Topic,
		Key:   rec.AggregateID,
		Value: rec.Payload,
		Headers: map[string]string{
			kafkax.HeaderEventID:       rec.ID,
			kafkax.HeaderEventType:     rec.EventType,
			kafkax.HeaderAggregateType: rec.AggregateType,
			kafkax.HeaderAggregateID:   rec.AggregateID,
		},
	}
}
