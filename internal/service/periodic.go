package service

import (
	"context"
	"time"

	"github.com/atinyakov/bicicletario/internal/backup"
	"github.com/atinyakov/bicicletario/internal/jobs"
	"go.uber.org/zap"
)

// JobJanitor removes finished jobs older than maxAge and fails running jobs
// idle for longer than staleAfter, every interval, until ctx is done.
func JobJanitor(
	ctx context.Context,
	tracker *jobs.Tracker,
	interval time.Duration,
	maxAge time.Duration,
	staleAfter time.Duration,
	log *zap.Logger,
) error {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			if n := tracker.FailStale(staleAfter); n > 0 {
				log.Warn("failed stale jobs", zap.Int("count", n))
			}
			if n := tracker.CleanupOld(maxAge); n > 0 {
				log.Info("cleaned old jobs", zap.Int("removed", n))
			}
		}
	}
}

// AutoBackup checks the automatic backup settings every interval until ctx
// is done.
func AutoBackup(ctx context.Context, engine *backup.Engine, interval time.Duration, log *zap.Logger) error {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			if _, _, err := engine.CheckAutomaticBackup(ctx); err != nil {
				log.Error("automatic backup failed", zap.Error(err))
			}
		}
	}
}
