package consumer

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/segmentio/kafka-go"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/md-rashed-zaman/shopflow/libs/kafkax"
	"github.com/md-rashed-zaman/shopflow/libs/metrics"
	"github.com/md-rashed-zaman/shopflow/services/inventory-service/internal/inventory"
	"github.com/md-rashed-zaman/shopflow/services/inventory-service/internal/stock"
	"github.com/md-rashed-zaman/shopflow/services/inventory-service/internal/storage"
)

// ErrMalformed marks a message that can never be applied.
var ErrMalformed = errors.New("malformed order event")

// Applier settles order events against stock.
type Applier interface {
	ApplyOrderEvent(ctx context.Context, evt inventory.OrderEvent) (bool, error)
}

type Config struct {
	Brokers string
	GroupID string
	Topics  []string
	// RetryFor bounds how long a transiently failing message is retried
	// before Run gives up without committing it.
	RetryFor     time.Duration
	RetryInitial time.Duration
}

func (c Config) withDefaults() Config {
	if c.GroupID == "" {
		c.GroupID = "inventory-service"
	}
	if len(c.Topics) == 0 {
		c.Topics = []string{inventory.OrderReservationConfirmed, inventory.OrderCancelled}
	}
	if c.RetryFor <= 0 {
		c.RetryFor = 2 * time.Minute
	}
	if c.RetryInitial <= 0 {
		c.RetryInitial = 200 * time.Millisecond
	}
	return c
}

type Consumer struct {
	reader *kafka.Reader
	logger *slog.Logger
	svc    Applier
	cfg    Config
}

func New(logger *slog.Logger, svc Applier, cfg Config) *Consumer {
	cfg = cfg.withDefaults()
	reader := kafka.NewReader(kafka.ReaderConfig{
		Brokers:     kafkax.SplitBrokers(cfg.Brokers),
		GroupID:     cfg.GroupID,
		GroupTopics: cfg.Topics,
		MinBytes:    1,
		MaxBytes:    10e6,
	})
	return &Consumer{reader: reader, logger: logger, svc: svc, cfg: cfg}
}

// Run fetches messages and commits each one only after it has been applied
// or recognised as poison. A message that keeps failing transiently stops
// the consumer uncommitted so it is redelivered on restart.
func (c *Consumer) Run(ctx context.Context) error {
	defer c.reader.Close()

	for {
		msg, err := c.reader.FetchMessage(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			c.logger.Error("kafka fetch error", "err", err)
			select {
			case <-ctx.Done():
				return nil
			case <-time.After(time.Second):
			}
			continue
		}

		if err := c.Handle(ctx, msg); err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return fmt.Errorf("consume %s/%d@%d: %w", msg.Topic, msg.Partition, msg.Offset, err)
		}
		if err := c.reader.CommitMessages(ctx, msg); err != nil {
			if ctx.Err() != nil {
				return nil
			}
			c.logger.Error("kafka commit error", "err", err, "topic", msg.Topic, "offset", msg.Offset)
		}
	}
}

// Handle applies one message, retrying transient failures. A nil return
// means the message may be committed.
func (c *Consumer) Handle(ctx context.Context, msg kafka.Message) error {
	ctxMsg := kafkax.ExtractTraceContext(ctx, msg)
	ctxSpan, span := otel.Tracer("kafka").Start(ctxMsg, "kafka.consume",
		trace.WithSpanKind(trace.SpanKindConsumer),
		trace.WithAttributes(
			attribute.String("messaging.system", "kafka"),
			attribute.String("messaging.destination", msg.Topic),
		),
	)
	defer span.End()

	b := backoff.NewExponentialBackOff()
	b.InitialInterval = c.cfg.RetryInitial
	applied, err := backoff.Retry(ctxSpan, func() (bool, error) {
		ok, err := Dispatch(ctxSpan, c.svc, msg)
		if err != nil && poison(err) {
			return false, backoff.Permanent(err)
		}
		return ok, err
	},
		backoff.WithBackOff(b),
		backoff.WithMaxElapsedTime(c.cfg.RetryFor),
		backoff.WithNotify(func(err error, next time.Duration) {
			c.logger.Warn("order event apply failed, retrying", "err", err, "topic", msg.Topic, "retry_in", next)
		}),
	)

	meta := kafkax.ExtractEventMeta(msg)
	switch {
	case err == nil && applied:
		metrics.ConsumedEvents.WithLabelValues(msg.Topic, "applied").Inc()
		return nil
	case err == nil:
		c.logger.Info("duplicate event ignored", "event_id", meta.EventID, "event_type", meta.EventType)
		metrics.ConsumedEvents.WithLabelValues(msg.Topic, "duplicate").Inc()
		return nil
	case poison(err):
		c.logger.Warn("order event rejected", "err", err, "event_id", meta.EventID, "event_type", meta.EventType)
		span.RecordError(err)
		metrics.ConsumedEvents.WithLabelValues(msg.Topic, "rejected").Inc()
		return nil
	default:
		span.RecordError(err)
		span.SetStatus(codes.Error, "apply failed")
		metrics.ConsumedEvents.WithLabelValues(msg.Topic, "failed").Inc()
		return err
	}
}

type orderPayload struct {
	OrderID   string `json:"order_id"`
	ProductID string `json:"product_id"`
	Quantity  int    `json:"quantity"`
}

// Dispatch decodes msg into an order event and applies it once.
func Dispatch(ctx context.Context, svc Applier, msg kafka.Message) (bool, error) {
	meta := kafkax.ExtractEventMeta(msg)
	if meta.EventID == "" {
		return false, fmt.Errorf("%w: missing %s header", ErrMalformed, kafkax.HeaderEventID)
	}
	switch meta.EventType {
	case inventory.OrderReservationConfirmed, inventory.OrderCancelled:
	default:
		return false, fmt.Errorf("%w: unsupported event type %q", ErrMalformed, meta.EventType)
	}
	var p orderPayload
	if err := json.Unmarshal(msg.Value, &p); err != nil {
		return false, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	return svc.ApplyOrderEvent(ctx, inventory.OrderEvent{
		EventID:   meta.EventID,
		EventType: meta.EventType,
		OrderID:   p.OrderID,
		ProductID: p.ProductID,
		Quantity:  p.Quantity,
	})
}

// poison reports errors that no retry can fix.
func poison(err error) bool {
	var short *stock.InsufficientStockError
	return errors.Is(err, ErrMalformed) ||
		errors.As(err, &short) ||
		errors.Is(err, stock.ErrInsufficientReserved) ||
		errors.Is(err, stock.ErrDiscontinued) ||
		errors.Is(err, stock.ErrInvalidQuantity) ||
		errors.Is(err, stock.ErrInvalidProduct) ||
		errors.Is(err, storage.ErrNotFound)
}
