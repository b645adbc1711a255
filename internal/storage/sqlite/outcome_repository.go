package sqlite

import (
	"context"
	"database/sql"
	"time"

	"github.com/italolelis/playlist_sync/internal/media"
	"github.com/italolelis/playlist_sync/internal/storage"
)

// OutcomeRepository stores terminal download outcomes in SQLite.
type OutcomeRepository struct {
	db *sql.DB
}

func NewOutcomeRepository(dbConn *sql.DB) *OutcomeRepository {
	return &OutcomeRepository{db: dbConn}
}

var _ storage.OutcomeRepository = (*OutcomeRepository)(nil)

func (r *OutcomeRepository) RecordOutcome(ctx context.Context, o storage.Outcome) error {
	_, err := r.db.ExecContext(ctx,
		`INSERT INTO download_outcomes
			(track_id, title, author, platform, source_url, state, error, downloaded, total, recorded_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		o.TrackID, o.Title, o.Author, o.Platform, o.SourceURL, string(o.State), o.Error,
		o.Downloaded, o.Total, o.RecordedAt.UnixNano(),
	)

	return err
}

// GetOutcomes returns the most recent outcomes first, at most limit of them.
func (r *OutcomeRepository) GetOutcomes(ctx context.Context, limit int) ([]storage.Outcome, error) {
	rows, err := r.db.QueryContext(ctx,
		`SELECT
			id,
			track_id,
			title,
			author,
			platform,
			source_url,
			state,
			error,
			downloaded,
			total,
			recorded_at
		FROM download_outcomes
		ORDER BY recorded_at DESC, id DESC
		LIMIT ?`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var outcomes []storage.Outcome

	for rows.Next() {
		var (
			o          storage.Outcome
			state      string
			platform   sql.NullString
			sourceURL  sql.NullString
			errMsg     sql.NullString
			recordedAt int64
		)

		if err := rows.Scan(&o.ID, &o.TrackID, &o.Title, &o.Author, &platform, &sourceURL, &state, &errMsg,
			&o.Downloaded, &o.Total, &recordedAt); err != nil {
			return nil, err
		}

		o.State = media.DownloadState(state)
		o.Platform = platform.String
		o.SourceURL = sourceURL.String
		o.Error = errMsg.String

		o.RecordedAt = time.Unix(0, recordedAt).UTC()

		outcomes = append(outcomes, o)
	}

	return outcomes, rows.Err()
}

// PruneBefore deletes outcomes recorded before cutoff and returns how many
// were removed.
func (r *OutcomeRepository) PruneBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	res, err := r.db.ExecContext(ctx,
		`DELETE FROM download_outcomes WHERE recorded_at < ?`,
		cutoff.UnixNano(),
	)
	if err != nil {
		return 0, err
	}

	return res.RowsAffected()
}
