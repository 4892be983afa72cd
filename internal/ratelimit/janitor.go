package ratelimit

import (
	"context"
	"time"

	"go.uber.org/zap"
)

// CounterPruner removes counters whose window started before a cutoff.
type CounterPruner interface {
	DeleteBefore(ctx context.Context, t time.Time) (int64, error)
}

// RunJanitor prunes expired SQL counters every interval until ctx is done.
// Counters older than the longest window are never read again.
func RunJanitor(ctx context.Context, pruner CounterPruner, interval time.Duration, logger *zap.Logger) {
	if interval <= 0 {
		interval = time.Hour
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			cutoff := Day.Start(time.Now()).Add(-Day.Duration())
			n, err := pruner.DeleteBefore(ctx, cutoff)
			if err != nil {
				logger.Warn("Failed to prune rate limit counters", zap.Error(err))
				continue
			}
			if n > 0 {
				logger.Debug("Pruned rate limit counters", zap.Int64("rows", n))
			}
		}
	}
}
