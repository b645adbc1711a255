package cleanup

import (
	"context"
	"time"

	"github.com/italolelis/playlist_sync/internal/logctx"
	"github.com/italolelis/playlist_sync/internal/storage"
)

// PruneExpiredOutcomes deletes history entries recorded more than retention
// before now.
func PruneExpiredOutcomes(ctx context.Context, repo storage.OutcomeWriteRepository, retention time.Duration, now time.Time) (int64, error) {
	logger := logctx.LoggerFromContext(ctx)

	removed, err := repo.PruneBefore(ctx, now.Add(-retention))
	if err != nil {
		logger.ErrorContext(ctx, "failed to prune download history", "err", err)

		return 0, err
	}

	if removed > 0 {
		logger.InfoContext(ctx, "pruned download history", "removed", removed, "retention", retention.String())
	}

	return removed, nil
}

// Run prunes the history every interval until ctx is done.
func Run(ctx context.Context, repo storage.OutcomeWriteRepository, retention, interval time.Duration) {
	logger := logctx.LoggerFromContext(ctx)

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			logger.Info("cleanup goroutine shutting down")

			return
		case now := <-ticker.C:
			_, _ = PruneExpiredOutcomes(ctx, repo, retention, now)
		}
	}
}
