package storage

import (
	"context"
	"time"

	"github.com/italolelis/playlist_sync/internal/media"
)

// Outcome is a terminal download record as persisted for history.
type Outcome struct {
	ID         int64               `json:"id"`
	TrackID    media.TrackID       `json:"track_id"`
	Title      string              `json:"title"`
	Author     string              `json:"author"`
	Platform   string              `json:"platform"`
	SourceURL  string              `json:"source_url"`
	State      media.DownloadState `json:"state"`
	Error      string              `json:"error,omitempty"`
	Downloaded uint64              `json:"downloaded"`
	Total      uint64              `json:"total"`
	RecordedAt time.Time           `json:"recorded_at"`
}

// NewOutcome captures rec at time at.
func NewOutcome(rec media.DownloadRecord, at time.Time) Outcome {
	o := Outcome{
		TrackID:    rec.Track.ID,
		Title:      rec.Track.Title,
		Author:     rec.Track.Author,
		Platform:   rec.Track.Source.Platform,
		SourceURL:  rec.Track.Source.URL,
		State:      rec.State,
		Error:      rec.Error,
		RecordedAt: at.UTC(),
	}

	if rec.Progress != nil {
		o.Downloaded = rec.Progress.Downloaded
		o.Total = rec.Progress.Total
	}

	return o
}

type OutcomeWriteRepository interface {
	RecordOutcome(ctx context.Context, o Outcome) error
	PruneBefore(ctx context.Context, cutoff time.Time) (int64, error)
}

type OutcomeReadRepository interface {
	GetOutcomes(ctx context.Context, limit int) ([]Outcome, error)
}

type OutcomeRepository interface {
	OutcomeWriteRepository
	OutcomeReadRepository
}
