package outbox

import (
	"context"
	"log/slog"
	"time"

	"github.com/md-rashed-zaman/shopflow/libs/metrics"
)

type SweeperConfig struct {
	Retention  time.Duration
	SweepEvery time.Duration
}

// Sweeper deletes completed records once they are older than the retention
// window. Pending and failed records are never touched.
type Sweeper struct {
	store  Store
	logger *slog.Logger
	cfg    SweeperConfig
	now    func() time.Time
}

func NewSweeper(store Store, logger *slog.Logger, cfg SweeperConfig) *Sweeper {
	if cfg.Retention <= 0 {
		cfg.Retention = 7 * 24 * time.Hour
	}
	if cfg.SweepEvery <= 0 {
		cfg.SweepEvery = time.Hour
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Sweeper{store: store, logger: logger, cfg: cfg, now: time.Now}
}

func (s *Sweeper) Run(ctx context.Context) error {
	ticker := time.NewTicker(s.cfg.SweepEvery)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			if _, err := s.SweepOnce(ctx); err != nil && ctx.Err() == nil {
				s.logger.Error("outbox sweep failed", "err", err)
			}
		}
	}
}

func (s *Sweeper) SweepOnce(ctx context.Context) (int64, error) {
	cutoff := s.now().Add(-s.cfg.Retention)
	n, err := s.store.DeleteCompletedBefore(ctx, cutoff)
	if err != nil {
		return 0, err
	}
	if n > 0 {
		metrics.OutboxSwept.Add(float64(n))
		s.logger.Info("outbox swept", "deleted", n, "cutoff", cutoff)
	}
	return n, nil
}
