package idempotency

import (
	"context"
	"time"

	"go.uber.org/zap"
)

// Purger deletes records that expired before now.
type Purger interface {
	Purge(ctx context.Context, now time.Time) (int64, error)
}

// RunPurger purges every interval until ctx is done.
func RunPurger(ctx context.Context, p Purger, every time.Duration, log *zap.Logger) {
	if log == nil {
		log = zap.NewNop()
	}
	ticker := time.NewTicker(every)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
		n, err := p.Purge(ctx, time.Now())
		if err != nil {
			if ctx.Err() == nil {
				log.Warn("purge idempotency records", zap.Error(err))
			}
			continue
		}
		if n > 0 {
			log.Info("purged idempotency records", zap.Int64("count", n))
		}
	}
}
