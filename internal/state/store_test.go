package state

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mercerlabs/futures-engine/internal/models"
	"github.com/mercerlabs/futures-engine/internal/storage"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	s, _ := newTestStoreWithRepo(t)
	return s
}

func newTestStoreWithRepo(t *testing.T) (*Store, *storage.FileStore) {
	t.Helper()
	repo, err := storage.NewFileStore(filepath.Join(t.TempDir(), "engine.json"), nil)
	require.NoError(t, err)
	s, err := NewStore(repo, nil, nil)
	require.NoError(t, err)
	return s, repo
}

func TestNextMarketClose(t *testing.T) {
	s := newTestStore(t)
	loc, err := time.LoadLocation("America/New_York")
	require.NoError(t, err)

	// Before the close: today at 16:00.
	s.now = func() time.Time { return time.Date(2026, 3, 9, 10, 0, 0, 0, loc) }
	assert.Equal(t, time.Date(2026, 3, 9, 16, 0, 0, 0, loc), s.NextMarketClose())

	// At or after the close: tomorrow.
	s.now = func() time.Time { return time.Date(2026, 3, 9, 16, 0, 0, 0, loc) }
	assert.Equal(t, time.Date(2026, 3, 10, 16, 0, 0, 0, loc), s.NextMarketClose())
}

func TestOpeningRangeRoundTrip(t *testing.T) {
	s := newTestStore(t)

	missing, err := s.GetOpeningRange("s-1")
	require.NoError(t, err)
	assert.Nil(t, missing)

	or := models.OpeningRange{
		High: 5010, Low: 4990,
		StartTime:  time.Date(2026, 3, 9, 9, 30, 0, 0, time.UTC),
		EndTime:    time.Date(2026, 3, 9, 9, 45, 0, 0, time.UTC),
		IsComplete: true,
	}
	require.NoError(t, s.SaveOpeningRange("s-1", or))

	got, err := s.GetOpeningRange("s-1")
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, 5010.0, got.High)
	assert.True(t, got.IsComplete)
}

func TestSavedStateExpiresAtNextMarketClose(t *testing.T) {
	s, repo := newTestStoreWithRepo(t)
	loc, err := time.LoadLocation("America/New_York")
	require.NoError(t, err)

	morning := time.Date(2026, 3, 9, 10, 0, 0, 0, loc)
	s.now = func() time.Time { return morning }
	require.NoError(t, s.SaveLastEntry("s-1", LastEntry{
		SetupID: "x", Direction: models.DirectionLong, Price: 5001, Timestamp: morning,
	}))

	row, err := repo.GetActiveStrategyState("s-1", models.StateLastEntry)
	require.NoError(t, err)
	require.NotNil(t, row)
	require.NotNil(t, row.ExpiresAt)
	assert.True(t, row.ExpiresAt.Equal(time.Date(2026, 3, 9, 16, 0, 0, 0, loc)))
}

func TestCooldownLifecycle(t *testing.T) {
	s := newTestStore(t)
	now := time.Now()

	cd, err := s.ActiveCooldown("s-1")
	require.NoError(t, err)
	assert.Nil(t, cd)

	loss := -250.0
	require.NoError(t, s.StartCooldown("s-1", CooldownLoss, now.Add(30*time.Minute), &loss))

	cd, err = s.ActiveCooldown("s-1")
	require.NoError(t, err)
	require.NotNil(t, cd)
	assert.Equal(t, CooldownLoss, cd.Reason)
	require.NotNil(t, cd.PreviousLoss)
	assert.Equal(t, -250.0, *cd.PreviousLoss)

	// A cooldown whose end already passed reads as inactive.
	require.NoError(t, s.StartCooldown("s-2", CooldownManual, now.Add(-time.Minute), nil))
	cd, err = s.ActiveCooldown("s-2")
	require.NoError(t, err)
	assert.Nil(t, cd)
}

func TestSessionStatsDefaultsToZero(t *testing.T) {
	s := newTestStore(t)

	stats, err := s.GetSessionStats("s-1")
	require.NoError(t, err)
	assert.Zero(t, stats.Trades)

	require.NoError(t, s.SaveSessionStats("s-1", SessionStats{Trades: 3, Wins: 2, Losses: 1, RealizedPnl: 120}))
	stats, err = s.GetSessionStats("s-1")
	require.NoError(t, err)
	assert.Equal(t, 3, stats.Trades)
	assert.InDelta(t, 120.0, stats.RealizedPnl, 1e-9)
}

func TestRestoreAllGroupsByStrategy(t *testing.T) {
	s := newTestStore(t)

	require.NoError(t, s.SaveOpeningRange("s-1", models.OpeningRange{High: 1, Low: 0, IsComplete: true}))
	require.NoError(t, s.SaveSessionStats("s-1", SessionStats{Trades: 1}))
	require.NoError(t, s.SaveLastEntry("s-2", LastEntry{SetupID: "y"}))

	restored, err := s.RestoreAll([]string{"s-1", "s-2", "s-3"})
	require.NoError(t, err)
	assert.Len(t, restored["s-1"], 2)
	assert.Len(t, restored["s-2"], 1)
	assert.NotContains(t, restored, "s-3")
	assert.Contains(t, restored["s-1"], models.StateOpeningRange)
}
