package dlock

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/google/uuid"

	"github.com/md-rashed-zaman/shopflow/libs/lease"
	"github.com/md-rashed-zaman/shopflow/libs/metrics"
)

var (
	// ErrNotHeld is returned when releasing a lock this handle no longer owns,
	// either because it was already released or because the lease expired and
	// another holder took over.
	ErrNotHeld      = errors.New("lock not held")
	ErrTooManyLocks = errors.New("too many locks held by this process")
	ErrEmptyKey     = errors.New("lock key is empty")
	// ErrLeaseLost is the cancellation cause WithLock gives fn's context when
	// the lease could not be kept alive.
	ErrLeaseLost    = errors.New("lock lease lost")

	errContended = errors.New("lock contended")
)

// LockTimeoutError means the lock could not be acquired within the wait
// timeout. It is transient: callers may retry with backoff.
type LockTimeoutError struct {
	Key  string
	Wait time.Duration
}

func (e *LockTimeoutError) Error() string {
	return fmt.Sprintf("lock %q not acquired within %s", e.Key, e.Wait)
}

func IsTimeout(err error) bool {
	var te *LockTimeoutError
	return errors.As(err, &te)
}

type Options struct {
	// MaxHeld bounds the number of locks this process may hold at once.
	MaxHeld int
	// RetryInitial and RetryMax shape the exponential backoff between claims.
	RetryInitial time.Duration
	RetryMax     time.Duration
	Logger       *slog.Logger
}

type Mutex struct {
	store        lease.Store
	logger       *slog.Logger
	maxHeld      int
	retryInitial time.Duration
	retryMax     time.Duration

	mu      sync.Mutex
	held    map[string]string
	pending int
}

func New(store lease.Store, opts Options) *Mutex {
	if opts.MaxHeld <= 0 {
		opts.MaxHeld = 1024
	}
	if opts.RetryInitial <= 0 {
		opts.RetryInitial = 10 * time.Millisecond
	}
	if opts.RetryMax <= 0 {
		opts.RetryMax = 200 * time.Millisecond
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	return &Mutex{
		store:        store,
		logger:       opts.Logger,
		maxHeld:      opts.MaxHeld,
		retryInitial: opts.RetryInitial,
		retryMax:     opts.RetryMax,
		held:         make(map[string]string),
	}
}

// Lock is a held lease. Release it exactly once.
type Lock struct {
	m        *Mutex
	key      string
	token    string
	released atomic.Bool
}

func (l *Lock) Key() string { return l.key }

// Acquire claims key, retrying until wait elapses. The lease expires after
// leaseFor even if the holder never releases it.
func (m *Mutex) Acquire(ctx context.Context, key string, wait, leaseFor time.Duration) (*Lock, error) {
	if strings.TrimSpace(key) == "" {
		return nil, ErrEmptyKey
	}
	// Held locks plus in-flight claims never exceed maxHeld.
	m.mu.Lock()
	if len(m.held)+m.pending >= m.maxHeld {
		m.mu.Unlock()
		return nil, ErrTooManyLocks
	}
	m.pending++
	m.mu.Unlock()

	token := uuid.NewString()
	claim := func(c context.Context) backoff.Operation[struct{}] {
		return func() (struct{}, error) {
			ok, err := m.store.Claim(c, key, token, leaseFor)
			if err != nil {
				return struct{}{}, backoff.Permanent(err)
			}
			if !ok {
				return struct{}{}, errContended
			}
			return struct{}{}, nil
		}
	}

	var err error
	var waitExpired bool
	if wait <= 0 {
		_, err = claim(ctx)()
		var perm *backoff.PermanentError
		if errors.As(err, &perm) {
			err = perm.Unwrap()
		}
	} else {
		waitCtx, cancel := context.WithTimeout(ctx, wait)
		b := backoff.NewExponentialBackOff()
		b.InitialInterval = m.retryInitial
		b.MaxInterval = m.retryMax
		_, err = backoff.Retry(waitCtx, claim(waitCtx),
			backoff.WithBackOff(b),
			backoff.WithMaxElapsedTime(wait),
		)
		waitExpired = waitCtx.Err() != nil
		cancel()
	}

	m.mu.Lock()
	m.pending--
	if err == nil {
		m.held[key] = token
	}
	m.mu.Unlock()

	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		if errors.Is(err, errContended) || waitExpired {
			metrics.LockTimeouts.WithLabelValues(namespaceOf(key)).Inc()
			return nil, &LockTimeoutError{Key: key, Wait: wait}
		}
		return nil, fmt.Errorf("acquire lock %q: %w", key, err)
	}

	metrics.LockAcquired.WithLabelValues(namespaceOf(key)).Inc()
	return &Lock{m: m, key: key, token: token}, nil
}

// Release deletes the lease only if this handle still owns it.
func (l *Lock) Release(ctx context.Context) error {
	if !l.released.CompareAndSwap(false, true) {
		return ErrNotHeld
	}
	l.m.forget(l.key, l.token)
	ok, err := l.m.store.CompareAndDelete(ctx, l.key, l.token)
	if err != nil {
		return fmt.Errorf("release lock %q: %w", l.key, err)
	}
	if !ok {
		return ErrNotHeld
	}
	return nil
}

// Extend pushes the lease expiry to d from now while still owned.
func (l *Lock) Extend(ctx context.Context, d time.Duration) error {
	if l.released.Load() {
		return ErrNotHeld
	}
	ok, err := l.m.store.CompareAndSet(ctx, l.key, l.token, l.token, d)
	if err != nil {
		return fmt.Errorf("extend lock %q: %w", l.key, err)
	}
	if !ok {
		return ErrNotHeld
	}
	return nil
}

// WithLock runs fn while holding key. The lease is extended every third of
// leaseFor until fn returns. If an extension is refused, or the lease would
// run out before one succeeds, fn's context is cancelled with ErrLeaseLost.
// The lock is released on every return path.
func (m *Mutex) WithLock(ctx context.Context, key string, wait, leaseFor time.Duration, fn func(ctx context.Context) error) error {
	l, err := m.Acquire(ctx, key, wait, leaseFor)
	if err != nil {
		return err
	}
	defer func() {
		relCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 2*time.Second)
		defer cancel()
		if err := l.Release(relCtx); err != nil {
			m.logger.Warn("lock release failed", "key", key, "err", err)
		}
	}()

	fnCtx, cancel := context.WithCancelCause(ctx)
	defer cancel(nil)
	stop := l.keepAlive(fnCtx, leaseFor, cancel)
	defer stop()

	err = fn(fnCtx)
	if err != nil && errors.Is(context.Cause(fnCtx), ErrLeaseLost) && !errors.Is(err, ErrLeaseLost) {
		return fmt.Errorf("%w: %w", ErrLeaseLost, err)
	}
	return err
}

// keepAlive extends the lease in the background. stop waits for the
// refresher to exit so no extension races the release.
func (l *Lock) keepAlive(ctx context.Context, leaseFor time.Duration, lost context.CancelCauseFunc) (stop func()) {
	every := leaseFor / 3
	if every <= 0 {
		return func() {}
	}
	done := make(chan struct{})
	exited := make(chan struct{})
	go func() {
		defer close(exited)
		t := time.NewTicker(every)
		defer t.Stop()
		expires := time.Now().Add(leaseFor)
		for {
			select {
			case <-done:
				return
			case <-ctx.Done():
				return
			case <-t.C:
			}
			start := time.Now()
			extCtx, cancel := context.WithTimeout(ctx, every)
			err := l.Extend(extCtx, leaseFor)
			cancel()
			switch {
			case err == nil:
				expires = start.Add(leaseFor)
			case ctx.Err() != nil:
				return
			case errors.Is(err, ErrNotHeld):
				l.m.logger.Warn("lock lease lost", "key", l.key)
				lost(ErrLeaseLost)
				return
			default:
				l.m.logger.Warn("lock extend failed", "key", l.key, "err", err)
				if !time.Now().Add(every).Before(expires) {
					lost(ErrLeaseLost)
					return
				}
			}
		}
	}()
	return func() {
		close(done)
		<-exited
	}
}

func (m *Mutex) forget(key, token string) {
	m.mu.Lock()
	if m.held[key] == token {
		delete(m.held, key)
	}
	m.mu.Unlock()
}

func namespaceOf(key string) string {
	ns, _, found := strings.Cut(key, ":")
	if !found {
		return "default"
	}
	return ns
}
