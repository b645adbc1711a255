// Package history persists terminal download outcomes and announces them.
package history

import (
	"context"
	"time"

	"github.com/italolelis/playlist_sync/internal/engine"
	"github.com/italolelis/playlist_sync/internal/logctx"
	"github.com/italolelis/playlist_sync/internal/media"
	"github.com/italolelis/playlist_sync/internal/notifier"
	"github.com/italolelis/playlist_sync/internal/storage"
)

const queueSize = 64

// Recorder receives engine notifications on the engine's goroutine and hands
// terminal records to Run, which does the slow work.
type Recorder struct {
	repo     storage.OutcomeWriteRepository
	notifier notifier.Notifier
	now      func() time.Time

	OnOutcome chan media.DownloadRecord
}

// NewRecorder creates a recorder. notif may be nil.
func NewRecorder(repo storage.OutcomeWriteRepository, notif notifier.Notifier) *Recorder {
	return &Recorder{
		repo:      repo,
		notifier:  notif,
		now:       time.Now,
		OnOutcome: make(chan media.DownloadRecord, queueSize),
	}
}

// Observe is an engine.Listener for DownloadStateChanged. It never blocks:
// when the queue is full the outcome is dropped.
func (r *Recorder) Observe(ev engine.Event) {
	if ev.Kind != engine.DownloadStateChanged || !ev.Record.State.IsTerminal() {
		return
	}

	select {
	case r.OnOutcome <- ev.Record:
	default:
	}
}

// Run records queued outcomes until ctx is done.
func (r *Recorder) Run(ctx context.Context) {
	logger := logctx.LoggerFromContext(ctx)

	for {
		select {
		case <-ctx.Done():
			logger.Info("history recorder shutting down")

			return
		case rec := <-r.OnOutcome:
			r.record(ctx, rec)
		}
	}
}

func (r *Recorder) record(ctx context.Context, rec media.DownloadRecord) {
	logger := logctx.LoggerFromContext(ctx).With("track_id", rec.Track.ID, "state", rec.State)

	if rec.State == media.DownloadStateError {
		logger.Error("download failed", "title", rec.Track.Title, "err", rec.Error)
	} else {
		logger.Info("download finished", "title", rec.Track.Title)
	}

	if err := r.repo.RecordOutcome(ctx, storage.NewOutcome(rec, r.now())); err != nil {
		logger.Error("failed to record download outcome", "err", err)
	}

	if r.notifier == nil {
		return
	}

	if err := r.notifier.Notify(ctx, notifier.DownloadMessage(rec)); err != nil {
		logger.Error("failed to send notification", "err", err)
	}
}
