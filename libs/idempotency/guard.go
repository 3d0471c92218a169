// Package idempotency collapses client retries of the same command into a
// single effect. A caller-supplied key is claimed in the lease store before
// the command runs; a second claim within the TTL is rejected as a duplicate.
package idempotency

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/md-rashed-zaman/shopflow/libs/command"
	"github.com/md-rashed-zaman/shopflow/libs/lease"
	"github.com/md-rashed-zaman/shopflow/libs/metrics"
)

// State is the lifecycle stage recorded on an idempotency lease.
type State string

const (
	StateProcessing State = "PROCESSING"
	StateCompleted  State = "COMPLETED"
)

const DefaultTTL = 24 * time.Hour

// Config is declared once per guarded operation.
type Config struct {
	Namespace string
	TTL       time.Duration
}

// DuplicateRequestError reports a key that is already claimed. State tells
// the caller whether the first attempt is still running or already succeeded.
type DuplicateRequestError struct {
	Namespace string
	Key       string
	State     State
}

func (e *DuplicateRequestError) Error() string {
	if e.State == StateCompleted {
		return fmt.Sprintf("duplicate request %s:%s: already processed", e.Namespace, e.Key)
	}
	return fmt.Sprintf("duplicate request %s:%s: in progress", e.Namespace, e.Key)
}

// IsDuplicate reports whether err carries a DuplicateRequestError.
func IsDuplicate(err error) bool {
	var dup *DuplicateRequestError
	return errors.As(err, &dup)
}

type Guard struct {
	store  lease.Store
	logger *slog.Logger
}

func NewGuard(store lease.Store, logger *slog.Logger) *Guard {
	if logger == nil {
		logger = slog.Default()
	}
	return &Guard{store: store, logger: logger}
}

// Do runs fn at most once per (cfg.Namespace, key) within cfg.TTL. An empty
// key bypasses the guard.
func (g *Guard) Do(ctx context.Context, cfg Config, key string, fn func(ctx context.Context) error) error {
	key = strings.TrimSpace(key)
	if key == "" {
		return fn(ctx)
	}
	if cfg.TTL <= 0 {
		cfg.TTL = DefaultTTL
	}
	leaseKey := cfg.Namespace + ":" + key
	token := uuid.NewString()
	processing := encode(StateProcessing, token)

	ok, err := g.store.Claim(ctx, leaseKey, processing, cfg.TTL)
	if err != nil {
		return fmt.Errorf("idempotency claim: %w", err)
	}
	if !ok {
		state := g.currentState(ctx, leaseKey)
		metrics.IdempotencyDuplicates.WithLabelValues(cfg.Namespace, string(state)).Inc()
		return &DuplicateRequestError{Namespace: cfg.Namespace, Key: key, State: state}
	}

	if err := fn(ctx); err != nil {
		// Release so a legitimate retry is not blocked. Use a fresh context:
		// the caller's may already be cancelled.
		relCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 2*time.Second)
		defer cancel()
		if _, delErr := g.store.CompareAndDelete(relCtx, leaseKey, processing); delErr != nil {
			g.logger.Warn("idempotency release failed", "key", leaseKey, "err", delErr)
		}
		return err
	}

	done, err := g.store.CompareAndSet(ctx, leaseKey, processing, encode(StateCompleted, token), cfg.TTL)
	if err != nil {
		// The effect happened; the lease still says PROCESSING and expires on
		// its own, so repeats keep being rejected until then.
		g.logger.Warn("idempotency completion failed", "key", leaseKey, "err", err)
		return nil
	}
	if !done {
		g.logger.Warn("idempotency lease lost before completion", "key", leaseKey)
	}
	return nil
}

func (g *Guard) currentState(ctx context.Context, leaseKey string) State {
	v, err := g.store.Get(ctx, leaseKey)
	if err != nil {
		// Expired between claim and read, or the store hiccupped; a claim just
		// failed so someone held it a moment ago.
		return StateProcessing
	}
	state, _ := decode(v)
	return state
}

// Middleware guards a command handler. keyOf extracts the client key from the
// command; commands without a key pass through unguarded.
func Middleware[C, R any](g *Guard, cfg Config, keyOf command.KeyFunc[C]) command.Middleware[C, R] {
	return func(next command.Handler[C, R]) command.Handler[C, R] {
		return func(ctx context.Context, cmd C) (R, error) {
			var res R
			err := g.Do(ctx, cfg, keyOf(cmd), func(ctx context.Context) error {
				var err error
				res, err = next(ctx, cmd)
				return err
			})
			return res, err
		}
	}
}

func encode(state State, token string) string {
	return string(state) + ":" + token
}

func decode(v string) (State, string) {
	state, token, _ := strings.Cut(v, ":")
	switch State(state) {
	case StateCompleted:
		return StateCompleted, token
	default:
		return StateProcessing, token
	}
}
