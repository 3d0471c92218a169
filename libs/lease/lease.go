// Package lease is the shared key-value lease store behind the idempotency
// guard and the distributed mutex. Every claim is atomic and every entry
// carries a TTL enforced by the store, so a crashed holder only blocks a key
// until its lease expires.
package lease

import (
	"context"
	"errors"
	"time"
)

var ErrNotFound = errors.New("lease not found")

type Store interface {
	// Claim sets key to value only if key is absent (check-and-set).
	Claim(ctx context.Context, key, value string, ttl time.Duration) (bool, error)
	// Get returns the current value or ErrNotFound.
	Get(ctx context.Context, key string) (string, error)
	// CompareAndSet replaces the value and TTL only while key holds expected.
	CompareAndSet(ctx context.Context, key, expected, value string, ttl time.Duration) (bool, error)
	// CompareAndDelete removes key only while it holds expected.
	CompareAndDelete(ctx context.Context, key, expected string) (bool, error)
}
