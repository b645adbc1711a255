package cleanup

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/italolelis/playlist_sync/internal/storage"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeRepo struct {
	mu      sync.Mutex
	cutoffs []time.Time
	removed int64
	err     error
}

func (f *fakeRepo) RecordOutcome(context.Context, storage.Outcome) error { return nil }

func (f *fakeRepo) PruneBefore(_ context.Context, cutoff time.Time) (int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.cutoffs = append(f.cutoffs, cutoff)

	return f.removed, f.err
}

func (f *fakeRepo) calls() int {
	f.mu.Lock()
	defer f.mu.Unlock()

	return len(f.cutoffs)
}

func TestPruneExpiredOutcomes(t *testing.T) {
	repo := &fakeRepo{removed: 3}
	now := time.Date(2025, 3, 10, 0, 0, 0, 0, time.UTC)

	removed, err := PruneExpiredOutcomes(context.Background(), repo, 72*time.Hour, now)
	require.NoError(t, err)

	assert.Equal(t, int64(3), removed)
	assert.Equal(t, []time.Time{now.Add(-72 * time.Hour)}, repo.cutoffs)
}

func TestPruneExpiredOutcomesError(t *testing.T) {
	repo := &fakeRepo{err: errors.New("database is locked")}

	_, err := PruneExpiredOutcomes(context.Background(), repo, time.Hour, time.Now())
	assert.EqualError(t, err, "database is locked")
}

func TestRunStopsWithContext(t *testing.T) {
	repo := &fakeRepo{}
	ctx, cancel := context.WithCancel(context.Background())

	done := make(chan struct{})

	go func() {
		defer close(done)

		Run(ctx, repo, time.Hour, 5*time.Millisecond)
	}()

	require.Eventually(t, func() bool { return repo.calls() >= 2 }, 5*time.Second, 5*time.Millisecond)

	cancel()

	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("cleanup did not stop")
	}
}
