package idempotency

import (
	"context"
	"time"

	"go.uber.org/zap"
)

// Sweeper periodically removes expired records from a Store.
type Sweeper struct {
	store     Store
	interval  time.Duration
	batchSize int
	clock     func() time.Time
	logger    *zap.Logger
}

// NewSweeper returns nil when interval is not positive; a nil Sweeper's Run returns immediately.
func NewSweeper(store Store, interval time.Duration, batchSize int, logger *zap.Logger) *Sweeper {
	if store == nil || interval <= 0 {
		return nil
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Sweeper{store: store, interval: interval, batchSize: batchSize, clock: time.Now, logger: logger}
}

// Run sweeps on every tick until ctx is cancelled.
func (s *Sweeper) Run(ctx context.Context) {
	if s == nil {
		return
	}
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.sweep(ctx)
		}
	}
}

func (s *Sweeper) sweep(ctx context.Context) int {
	runCtx, cancel := context.WithTimeout(ctx, time.Minute)
	defer cancel()
	removed, err := s.store.CleanupExpired(runCtx, s.clock().UTC(), s.batchSize)
	if err != nil {
		s.logger.Error("idempotency cleanup error", zap.Error(err))
		return removed
	}
	if removed > 0 {
		s.logger.Info("idempotency cleanup removed records", zap.Int("count", removed))
	}
	return removed
}
