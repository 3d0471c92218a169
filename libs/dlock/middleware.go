package dlock

import (
	"context"
	"time"

	"github.com/md-rashed-zaman/shopflow/libs/command"
)

type LockConfig struct {
	Namespace    string
	WaitTimeout  time.Duration
	LeaseTimeout time.Duration
}

// Middleware serializes commands that resolve to the same key. Commands on
// different keys never contend.
func Middleware[C, R any](m *Mutex, cfg LockConfig, keyOf command.KeyFunc[C]) command.Middleware[C, R] {
	return func(next command.Handler[C, R]) command.Handler[C, R] {
		return func(ctx context.Context, cmd C) (R, error) {
			var res R
			key := keyOf(cmd)
			if key == "" {
				return res, ErrEmptyKey
			}
			err := m.WithLock(ctx, cfg.Namespace+":"+key, cfg.WaitTimeout, cfg.LeaseTimeout, func(ctx context.Context) error {
				var err error
				res, err = next(ctx, cmd)
				return err
			})
			return res, err
		}
	}
}
