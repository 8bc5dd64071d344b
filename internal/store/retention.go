package store

import (
	"context"
	"log/slog"
	"time"
)

// DefaultRetentionInterval is how often the retention worker sweeps.
const DefaultRetentionInterval = time.Hour

// StartRetentionWorker runs a background goroutine that periodically deletes
// attempts older than retention. It stops when ctx is done.
func StartRetentionWorker(ctx context.Context, repo Repository, retention, interval time.Duration) {
	if retention <= 0 {
		slog.Info("Retention worker disabled")
		return
	}
	if interval <= 0 {
		interval = DefaultRetentionInterval
	}

	ticker := time.NewTicker(interval)
	go func() {
		defer ticker.Stop()
		slog.Info("Retention worker started", "interval", interval, "retention", retention)

		pruneAttempts(ctx, repo, retention)
		for {
			select {
			case <-ticker.C:
				pruneAttempts(ctx, repo, retention)
			case <-ctx.Done():
				slog.Info("Retention worker shutting down", "reason", ctx.Err())
				return
			}
		}
	}()
}

func pruneAttempts(ctx context.Context, repo Repository, retention time.Duration) {
	deleted, err := repo.DeleteAttemptsBefore(ctx, time.Now().Add(-retention))
	if err != nil {
		if ctx.Err() != nil {
			return
		}
		slog.Error("Retention worker failed to prune attempts", "error", err)
		return
	}
	if deleted > 0 {
		slog.Info("Retention worker pruned attempts", "count", deleted)
	}
}
