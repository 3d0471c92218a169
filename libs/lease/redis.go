package lease

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
)

var compareAndSetScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
  redis.call("SET", KEYS[1], ARGV[2], "PX", ARGV[3])
  return 1
end
return 0
`)

var compareAndDeleteScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
  return redis.call("DEL", KEYS[1])
end
return 0
`)

// Redis implements Store on a single Redis primary.
type Redis struct {
	rdb    redis.UniversalClient
	prefix string
}

// NewRedis returns a Store that namespaces every key with prefix (may be empty).
func NewRedis(rdb redis.UniversalClient, prefix string) *Redis {
	prefix = strings.TrimSpace(prefix)
	if prefix != "" && !strings.HasSuffix(prefix, ":") {
		prefix += ":"
	}
	return &Redis{rdb: rdb, prefix: prefix}
}

func (r *Redis) Claim(ctx context.Context, key, value string, ttl time.Duration) (bool, error) {
	if ttl <= 0 {
		return false, fmt.Errorf("lease %q: ttl must be positive", key)
	}
	ok, err := r.rdb.SetNX(ctx, r.prefix+key, value, ttl).Result()
	if err != nil {
		return false, fmt.Errorf("lease claim %q: %w", key, err)
	}
	return ok, nil
}

func (r *Redis) Get(ctx context.Context, key string) (string, error) {
	v, err := r.rdb.Get(ctx, r.prefix+key).Result()
	if errors.Is(err, redis.Nil) {
		return "", ErrNotFound
	}
	if err != nil {
		return "", fmt.Errorf("lease get %q: %w", key, err)
	}
	return v, nil
}

func (r *Redis) CompareAndSet(ctx context.Context, key, expected, value string, ttl time.Duration) (bool, error) {
	if ttl <= 0 {
		return false, fmt.Errorf("lease %q: ttl must be positive", key)
	}
	n, err := compareAndSetScript.Run(ctx, r.rdb, []string{r.prefix + key}, expected, value, ttl.Milliseconds()).Int64()
	if err != nil {
		return false, fmt.Errorf("lease cas %q: %w", key, err)
	}
	return n == 1, nil
}

func (r *Redis) CompareAndDelete(ctx context.Context, key, expected string) (bool, error) {
	n, err := compareAndDeleteScript.Run(ctx, r.rdb, []string{r.prefix + key}, expected).Int64()
	if err != nil {
		return false, fmt.Errorf("lease cad %q: %w", key, err)
	}
	return n == 1, nil
}
