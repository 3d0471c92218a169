package outbox

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	"github.com/md-rashed-zaman/shopflow/libs/metrics"
	otelx "github.com/md-rashed-zaman/shopflow/libs/otel"
)

// DeliveryError is a broker failure for one record after the local retries.
type DeliveryError struct {
	RecordID string
	Topic    string
	Attempts int
	Err      error
}

func (e *DeliveryError) Error() string {
	return fmt.Sprintf("deliver outbox record %s to %s after %d attempts: %v", e.RecordID, e.Topic, e.Attempts, e.Err)
}

func (e *DeliveryError) Unwrap() error { return e.Err }

type RelayConfig struct {
	PollEvery  time.Duration
	BatchSize  int
	MaxRetries int
	// ClaimTTL bounds how long a crashed relay can hold records.
	ClaimTTL time.Duration
	// PublishAttempts is the number of tries per record within one cycle.
	PublishAttempts uint
	// RetryInitial is the first backoff between publish attempts.
	RetryInitial time.Duration
	// Owner identifies this relay instance in claimed_by.
	Owner string
}

// Result summarizes one relay cycle.
type Result struct {
	Claimed      int
	Published    int
	Failed       int
	Released     int
	DeadLettered int
}

// Relay forwards claimed outbox records to a Publisher. Several relays may
// run against one store; claims keep them off each other's records.
type Relay struct {
	store     Store
	publisher Publisher
	logger    *slog.Logger
	cfg       RelayConfig
	now       func() time.Time
}

func NewRelay(store Store, publisher Publisher, logger *slog.Logger, cfg RelayConfig) *Relay {
	if cfg.PollEvery <= 0 {
		cfg.PollEvery = time.Second
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 50
	}
	if cfg.MaxRetries <= 0 {
		cfg.MaxRetries = 5
	}
	if cfg.ClaimTTL <= 0 {
		cfg.ClaimTTL = 30 * time.Second
	}
	if cfg.PublishAttempts == 0 {
		cfg.PublishAttempts = 3
	}
	if cfg.RetryInitial <= 0 {
		cfg.RetryInitial = 100 * time.Millisecond
	}
	if cfg.Owner == "" {
		cfg.Owner = "relay-" + uuid.NewString()
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Relay{store: store, publisher: publisher, logger: logger, cfg: cfg, now: time.Now}
}

func (r *Relay) Config() RelayConfig {
	return r.cfg
}

// Run polls until ctx is cancelled.
func (r *Relay) Run(ctx context.Context) error {
	r.logger.Info("outbox relay started", "owner", r.cfg.Owner, "poll_every", r.cfg.PollEvery.String())
	ticker := time.NewTicker(r.cfg.PollEvery)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			res, err := r.RunOnce(ctx)
			if err != nil {
				if ctx.Err() != nil {
					return nil
				}
				r.logger.Error("outbox relay cycle failed", "err", err)
				continue
			}
			if res.Claimed > 0 {
				r.logger.Debug("outbox relay cycle",
					"claimed", res.Claimed, "published", res.Published,
					"failed", res.Failed, "released", res.Released)
			}
		}
	}
}

// RunOnce claims and delivers one batch.
func (r *Relay) RunOnce(ctx context.Context) (Result, error) {
	records, err := r.store.Claim(ctx, ClaimRequest{
		Owner:      r.cfg.Owner,
		Limit:      r.cfg.BatchSize,
		MaxRetries: r.cfg.MaxRetries,
		ClaimTTL:   r.cfg.ClaimTTL,
	})
	if err != nil {
		return Result{}, err
	}
	res := Result{Claimed: len(records)}

	blocked := map[string]bool{}
	for _, rec := range records {
		if blocked[rec.AggregateID] {
			if err := r.store.Release(ctx, rec.ID, r.cfg.Owner); err != nil && !errors.Is(err, ErrNotOwner) {
				return res, err
			}
			res.Released++
			continue
		}

		deliveryErr := r.deliver(ctx, rec)
		if deliveryErr == nil {
			err := r.store.MarkCompleted(ctx, rec.ID, r.cfg.Owner, r.now().UTC())
			if errors.Is(err, ErrNotOwner) {
				r.logger.Warn("outbox claim lost after publish", "id", rec.ID)
				continue
			}
			if err != nil {
				return res, err
			}
			res.Published++
			metrics.OutboxPublished.WithLabelValues(rec.Topic).Inc()
			continue
		}
		if ctx.Err() != nil {
			return res, ctx.Err()
		}

		blocked[rec.AggregateID] = true
		res.Failed++
		metrics.OutboxFailed.WithLabelValues(rec.Topic).Inc()
		retries, err := r.store.MarkFailed(ctx, rec.ID, r.cfg.Owner, deliveryErr.Error())
		if errors.Is(err, ErrNotOwner) {
			continue
		}
		if err != nil {
			return res, err
		}
		if retries >= r.cfg.MaxRetries {
			res.DeadLettered++
			r.logger.Error("outbox record dead-lettered",
				"id", rec.ID,
				"topic", rec.Topic,
				"aggregate_id", rec.AggregateID,
				"retries", retries,
				"err", deliveryErr)
		} else {
			r.logger.Warn("outbox delivery failed", "id", rec.ID, "retries", retries, "err", deliveryErr)
		}
	}

	if res.Failed > 0 || res.DeadLettered > 0 {
		r.refreshDeadLetterGauge(ctx)
	}
	return res, nil
}

func (r *Relay) deliver(ctx context.Context, rec Record) error {
	msgCtx := otelx.ContextWithTraceContext(ctx, rec.Traceparent, rec.Tracestate)
	msgCtx, span := otel.Tracer("outbox").Start(msgCtx, "outbox.publish")
	defer span.End()
	span.SetAttributes(
		attribute.String("messaging.destination.name", rec.Topic),
		attribute.String("outbox.id", rec.ID),
		attribute.String("outbox.aggregate_id", rec.AggregateID),
	)

	msg := MessageFor(rec)
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = r.cfg.RetryInitial
	var attempts int
	_, err := backoff.Retry(msgCtx, func() (struct{}, error) {
		attempts++
		return struct{}{}, r.publisher.Publish(msgCtx, msg)
	},
		backoff.WithBackOff(b),
		backoff.WithMaxTries(r.cfg.PublishAttempts),
	)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "publish failed")
		return &DeliveryError{RecordID: rec.ID, Topic: rec.Topic, Attempts: attempts, Err: err}
	}
	return nil
}

func (r *Relay) refreshDeadLetterGauge(ctx context.Context) {
	n, err := r.store.CountDeadLetters(ctx, r.cfg.MaxRetries)
	if err != nil {
		r.logger.Warn("count dead letters failed", "err", err)
		return
	}
	metrics.OutboxDeadLetters.Set(float64(n))
}
