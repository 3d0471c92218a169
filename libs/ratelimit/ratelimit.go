// Package ratelimit is a fixed-window rate limiter backed by Redis, shared by
// every instance of a service.
package ratelimit

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/md-rashed-zaman/shopflow/libs/command"
	"github.com/md-rashed-zaman/shopflow/libs/metrics"
)

var ErrLimited = errors.New("rate limit exceeded")

// LimitedError reports a rejected call and when its window resets.
type LimitedError struct {
	Key        string
	RetryAfter time.Duration
}

func (e *LimitedError) Error() string {
	return fmt.Sprintf("rate limit exceeded for %s, retry after %s", e.Key, e.RetryAfter)
}

func (e *LimitedError) Is(target error) bool { return target == ErrLimited }

// Returns {count, pttl}.
var fixedWindowScript = redis.NewScript(`
local current = redis.call("INCR", KEYS[1])
if current == 1 then
  redis.call("PEXPIRE", KEYS[1], ARGV[1])
end
return {current, redis.call("PTTL", KEYS[1])}
`)

type Config struct {
	Limit  int
	Window time.Duration
	Prefix string
	// FailOpen lets calls through when Redis is unavailable.
	FailOpen bool
}

type Limiter struct {
	rdb    redis.UniversalClient
	cfg    Config
	logger *slog.Logger
}

func New(rdb redis.UniversalClient, cfg Config, logger *slog.Logger) *Limiter {
	if cfg.Limit <= 0 {
		cfg.Limit = 60
	}
	if cfg.Window <= 0 {
		cfg.Window = time.Minute
	}
	cfg.Prefix = strings.TrimSpace(cfg.Prefix)
	if cfg.Prefix == "" {
		cfg.Prefix = "rl"
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Limiter{rdb: rdb, cfg: cfg, logger: logger}
}

// Allow counts one call against key. It returns a *LimitedError once the
// window's budget is spent.
func (l *Limiter) Allow(ctx context.Context, key string) error {
	fullKey := l.cfg.Prefix + ":" + key
	count, pttl, err := l.incr(ctx, fullKey)
	if err != nil {
		if l.cfg.FailOpen {
			l.logger.Warn("redis rate limiter error", "err", err)
			return nil
		}
		return fmt.Errorf("rate limiter unavailable: %w", err)
	}
	if count > int64(l.cfg.Limit) {
		metrics.RateLimited.WithLabelValues(l.cfg.Prefix).Inc()
		retry := time.Duration(pttl) * time.Millisecond
		if retry <= 0 {
			retry = l.cfg.Window
		}
		return &LimitedError{Key: key, RetryAfter: retry}
	}
	return nil
}

func (l *Limiter) incr(ctx context.Context, key string) (int64, int64, error) {
	res, err := fixedWindowScript.Run(ctx, l.rdb, []string{key}, l.cfg.Window.Milliseconds()).Slice()
	if err != nil {
		return 0, 0, err
	}
	if len(res) != 2 {
		return 0, 0, fmt.Errorf("unexpected redis script result %v", res)
	}
	count, err := toInt64(res[0])
	if err != nil {
		return 0, 0, err
	}
	pttl, err := toInt64(res[1])
	if err != nil {
		return 0, 0, err
	}
	return count, pttl, nil
}

func toInt64(v any) (int64, error) {
	switch n := v.(type) {
	case int64:
		return n, nil
	case int:
		return int64(n), nil
	case string:
		return strconv.ParseInt(n, 10, 64)
	default:
		return 0, fmt.Errorf("unexpected redis script result type %T", v)
	}
}

// Middleware rejects commands over budget before they reach next. Commands
// whose key is empty are not limited.
func Middleware[C, R any](l *Limiter, keyOf command.KeyFunc[C]) command.Middleware[C, R] {
	return func(next command.Handler[C, R]) command.Handler[C, R] {
		return func(ctx context.Context, cmd C) (R, error) {
			if key := keyOf(cmd); key != "" {
				if err := l.Allow(ctx, key); err != nil {
					var zero R
					return zero, err
				}
			}
			return next(ctx, cmd)
		}
	}
}
