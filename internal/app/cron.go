package app

import (
	"context"
	"time"

	"go.uber.org/zap"

	pkgcron "github.com/Aryakoste/redis-captions-overlay/internal/pkg/cron"
)

const (
	projectorInterval = 30 * time.Second
	reaperInterval    = 10 * time.Minute
)

// registerCronJobs registers all scheduled background jobs.
func (a *App) registerCronJobs() {
	cronLogger := a.logger.Named("CronService")

	a.sched.Register(pkgcron.Job{
		Name:        "caption_projector",
		Description: "Index captions that reached the log but not the search index",
		Interval:    projectorInterval,
		RunOnStart:  true,
		Timeout:     projectorInterval,
		Fn: func(ctx context.Context) error {
			stats, err := a.captions.Project(ctx)
			if err != nil {
				return err
			}
			if stats.Repaired > 0 || stats.Failed > 0 {
				cronLogger.Info("caption projector pass",
					zap.Int("scanned", stats.Scanned),
					zap.Int("repaired", stats.Repaired),
					zap.Int("failed", stats.Failed))
			}
			return nil
		},
	})

	a.sched.Register(pkgcron.Job{
		Name:        "result_reaper",
		Description: "Delete worker results past the retention window",
		Interval:    reaperInterval,
		Timeout:     time.Minute,
		Fn: func(ctx context.Context) error {
			n, err := a.correlator.Reap(ctx, a.cfg.Correlation.ResultRetention)
			if err != nil {
				return err
			}
			if n > 0 {
				cronLogger.Info("reaped worker results", zap.Int("deleted", n))
			}
			return nil
		},
	})

	if a.archiver == nil {
		return
	}
	a.sched.Register(pkgcron.Job{
		Name:        "caption_archive",
		Description: "Upload the previous day's captions to object storage",
		Interval:    a.cfg.Archive.Interval,
		Fn: func(ctx context.Context) error {
			res, err := a.archiver.ArchivePreviousDay(ctx, time.Now())
			if err != nil {
				return err
			}
			cronLogger.Info("captions archived",
				zap.String("day", res.Day),
				zap.String("key", res.Key),
				zap.Int("count", res.Count))
			return nil
		},
	})
}
