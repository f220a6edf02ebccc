package authcore

import (
	"context"
	"time"

	"github.com/robfig/cron/v3"
)

const cleanupTimeout = 5 * time.Minute

// startCleanup schedules the periodic purge of records whose retention
// window has lapsed. Rotated and revoked records stay queryable until
// then so replays remain recognizable; after it, they are dead weight.
func (e *Engine) startCleanup(cfg CleanupConfig) error {
	c := cron.New()
	_, err := c.AddFunc(cfg.Schedule, func() {
		ctx, cancel := context.WithTimeout(context.Background(), cleanupTimeout)
		defer cancel()

		n, err := e.store.PurgeExpired(ctx, time.Now())
		if err != nil {
			e.logger.Warn().Err(err).Msg("expired record purge failed")
			return
		}
		if n > 0 {
			e.metrics.Add(MetricRecordsPurged, uint64(n))
			e.logger.Debug().Int64("purged", n).Msg("expired records purged")
		}
	})
	if err != nil {
		return err
	}

	c.Start()
	e.cron = c
	return nil
}

// PurgeExpired removes bookkeeping for records past their retention
// window. The cron schedule calls this automatically when cleanup is
// enabled; it is exported for callers that run their own scheduler.
func (e *Engine) PurgeExpired(ctx context.Context) (int64, error) {
	if e == nil {
		return 0, ErrEngineNotReady
	}
	return e.store.PurgeExpired(ctx, time.Now())
}
