package sqlite

import (
	"context"
	"database/sql"
	"time"

	"github.com/italolelis/playlist_sync/internal/storage"
	"github.com/italolelis/playlist_sync/internal/telemetry"
)

// InstrumentedOutcomeRepository wraps OutcomeRepository with telemetry.
type InstrumentedOutcomeRepository struct {
	repo      *OutcomeRepository
	telemetry *telemetry.Telemetry
}

func NewInstrumentedOutcomeRepository(dbConn *sql.DB, tel *telemetry.Telemetry) *InstrumentedOutcomeRepository {
	return &InstrumentedOutcomeRepository{
		repo:      NewOutcomeRepository(dbConn),
		telemetry: tel,
	}
}

var _ storage.OutcomeRepository = (*InstrumentedOutcomeRepository)(nil)

func (r *InstrumentedOutcomeRepository) RecordOutcome(ctx context.Context, o storage.Outcome) error {
	return r.telemetry.InstrumentDBOperation(ctx, "record_outcome", func(ctx context.Context) error {
		return r.repo.RecordOutcome(ctx, o)
	})
}

func (r *InstrumentedOutcomeRepository) GetOutcomes(ctx context.Context, limit int) ([]storage.Outcome, error) {
	var result []storage.Outcome

	err := r.telemetry.InstrumentDBOperation(ctx, "get_outcomes", func(ctx context.Context) error {
		var err error
		result, err = r.repo.GetOutcomes(ctx, limit)

		return err
	})
	if err != nil {
		return nil, err
	}

	return result, nil
}

func (r *InstrumentedOutcomeRepository) PruneBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	var removed int64

	err := r.telemetry.InstrumentDBOperation(ctx, "prune_outcomes", func(ctx context.Context) error {
		var err error
		removed, err = r.repo.PruneBefore(ctx, cutoff)

		return err
	})

	return removed, err
}
