// Package cleanup removes refresh token revocations that can no longer
// matter: once a token's own expiry has passed it is rejected anyway, so its
// revoked_tokens row is dead weight.
package cleanup

import (
	"context"
	"fmt"
	"log/slog"
	"time"
)

// Purger deletes revocations that expired before now.
type Purger interface {
	PurgeExpired(ctx context.Context, now time.Time) (int64, error)
}

// Job runs the purge on a fixed interval.
type Job struct {
	store    Purger
	logger   *slog.Logger
	Interval time.Duration
	now      func() time.Time
}

// NewJob returns a Job running every interval (default 1h).
func NewJob(store Purger, interval time.Duration, logger *slog.Logger) *Job {
	if interval <= 0 {
		interval = time.Hour
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Job{store: store, logger: logger, Interval: interval, now: time.Now}
}

// RunOnce purges once. It is idempotent.
func (j *Job) RunOnce(ctx context.Context) error {
	start := j.now()
	n, err := j.store.PurgeExpired(ctx, start)
	if err != nil {
		j.logger.Error("revocation purge failed", slog.String("error", err.Error()))
		return fmt.Errorf("purge revoked tokens: %w", err)
	}
	j.logger.Info("revocation purge finished",
		slog.Int64("deleted_count", n),
		slog.Float64("duration_ms", float64(time.Since(start).Milliseconds())),
	)
	return nil
}

// Start purges immediately and then every Interval until ctx is cancelled.
func (j *Job) Start(ctx context.Context) {
	_ = j.RunOnce(ctx)
	ticker := time.NewTicker(j.Interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			_ = j.RunOnce(ctx)
		}
	}
}
