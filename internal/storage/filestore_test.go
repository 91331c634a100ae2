package storage

import (
	"encoding/json"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mercerlabs/futures-engine/internal/models"
)

func newTestStore(t *testing.T) *FileStore {
	t.Helper()
	s, err := NewFileStore(filepath.Join(t.TempDir(), "engine.json"), nil)
	require.NoError(t, err)
	return s
}

func TestOrderSetupIDUniqueness(t *testing.T) {
	s := newTestStore(t)

	o := models.Order{ID: "o-1", AccountID: "a", SetupID: "setup-1",
		Symbol: "ESM6", Action: models.ActionBuy, Qty: 1, Status: models.OrderPending,
		CreatedAt: time.Now()}
	require.NoError(t, s.InsertOrder(o))

	dup := o
	dup.ID = "o-2"
	assert.Error(t, s.InsertOrder(dup), "second row with same setup id must be rejected")

	got, err := s.FindOrderBySetupID("setup-1")
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, "o-1", got.ID)

	missing, err := s.FindOrderBySetupID("nope")
	require.NoError(t, err)
	assert.Nil(t, missing)
}

func TestFillBrokerFillIDUniqueness(t *testing.T) {
	s := newTestStore(t)

	f := models.Fill{ID: "f-1", OrderID: "o-1", BrokerFillID: "bf-1", Qty: 1, Price: 5000}
	require.NoError(t, s.InsertFill(f))

	dup := f
	dup.ID = "f-2"
	assert.Error(t, s.InsertFill(dup))

	got, err := s.FindFillByBrokerFillID("bf-1")
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, "f-1", got.ID)
}

func TestPersistenceSurvivesReopen(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "engine.json")

	s, err := NewFileStore(path, nil)
	require.NoError(t, err)
	require.NoError(t, s.InsertOrder(models.Order{
		ID: "o-1", AccountID: "a", Symbol: "ESM6", Action: models.ActionBuy,
		Qty: 2, Status: models.OrderPending, CreatedAt: time.Now(),
	}))
	require.NoError(t, s.InsertPosition(models.Position{
		ID: "p-1", AccountID: "a", Symbol: "ESM6",
		Direction: models.DirectionLong, NetQty: 2, AvgEntryPrice: 5001,
		Status: models.PositionOpen, OpenedAt: time.Now(),
	}))

	reopened, err := NewFileStore(path, nil)
	require.NoError(t, err)

	o, err := reopened.GetOrder("o-1")
	require.NoError(t, err)
	require.NotNil(t, o)
	assert.Equal(t, 2, o.Qty)

	open, err := reopened.ListOpenPositions("a")
	require.NoError(t, err)
	require.Len(t, open, 1)
	assert.Equal(t, "p-1", open[0].ID)
}

func TestListActiveStrategiesFilters(t *testing.T) {
	s := newTestStore(t)

	rules := json.RawMessage(`{"pattern":"breakout"}`)
	require.NoError(t, s.UpdateStrategy(models.StrategyConfig{
		ID: "s-1", UserID: "u", AccountID: "a", IsActive: true,
		AutonomyLevel: models.AutonomyAutopilot, Rules: rules,
	}))
	require.NoError(t, s.UpdateStrategy(models.StrategyConfig{
		ID: "s-2", UserID: "u", AccountID: "a", IsActive: false, Rules: rules,
	}))
	require.NoError(t, s.UpdateStrategy(models.StrategyConfig{
		ID: "s-3", UserID: "other", AccountID: "a", IsActive: true, Rules: rules,
	}))

	active, err := s.ListActiveStrategies("u", "a")
	require.NoError(t, err)
	require.Len(t, active, 1)
	assert.Equal(t, "s-1", active[0].ID)
}

func TestUpdateStrategyDeactivates(t *testing.T) {
	s := newTestStore(t)
	cfg := models.StrategyConfig{ID: "s-1", UserID: "u", AccountID: "a", IsActive: true}
	require.NoError(t, s.UpdateStrategy(cfg))

	cfg.IsActive = false
	require.NoError(t, s.UpdateStrategy(cfg))

	active, err := s.ListActiveStrategies("u", "a")
	require.NoError(t, err)
	assert.Empty(t, active)
}

func TestCountOrdersSince(t *testing.T) {
	s := newTestStore(t)
	midnight := time.Date(2026, 3, 9, 0, 0, 0, 0, time.UTC)

	for i, ts := range []time.Time{
		midnight.Add(-time.Hour), // yesterday
		midnight.Add(time.Hour),
		midnight.Add(2 * time.Hour),
	} {
		require.NoError(t, s.InsertOrder(models.Order{
			ID: string(rune('a' + i)), AccountID: "acct", Symbol: "ESM6",
			Action: models.ActionBuy, Qty: 1, Status: models.OrderFilled, CreatedAt: ts,
		}))
	}

	n, err := s.CountOrdersSince("acct", midnight)
	require.NoError(t, err)
	assert.Equal(t, 2, n)
}

func TestStrategyStateUpsertAndExpiry(t *testing.T) {
	s := newTestStore(t)
	now := time.Date(2026, 3, 9, 12, 0, 0, 0, time.UTC)
	s.now = func() time.Time { return now }

	future := now.Add(4 * time.Hour)
	require.NoError(t, s.UpsertStrategyState(models.StrategyState{
		StrategyID: "s-1", Type: models.StateOpeningRange,
		Payload: json.RawMessage(`{"high":5010,"low":4990}`), CalculatedAt: now, ExpiresAt: &future,
	}))

	// Upsert on the composite key replaces.
	require.NoError(t, s.UpsertStrategyState(models.StrategyState{
		StrategyID: "s-1", Type: models.StateOpeningRange,
		Payload: json.RawMessage(`{"high":5012,"low":4990}`), CalculatedAt: now, ExpiresAt: &future,
	}))

	st, err := s.GetActiveStrategyState("s-1", models.StateOpeningRange)
	require.NoError(t, err)
	require.NotNil(t, st)
	assert.JSONEq(t, `{"high":5012,"low":4990}`, string(st.Payload))

	// Reads past expiry delete the row and return nil.
	s.now = func() time.Time { return future.Add(time.Minute) }
	st, err = s.GetActiveStrategyState("s-1", models.StateOpeningRange)
	require.NoError(t, err)
	assert.Nil(t, st)

	st, err = s.GetActiveStrategyState("s-1", models.StateOpeningRange)
	require.NoError(t, err)
	assert.Nil(t, st, "row was deleted by the expired read")
}

func TestListActiveStrategyStates(t *testing.T) {
	s := newTestStore(t)
	now := time.Date(2026, 3, 9, 12, 0, 0, 0, time.UTC)
	s.now = func() time.Time { return now }

	future := now.Add(time.Hour)
	past := now.Add(-time.Hour)
	require.NoError(t, s.UpsertStrategyState(models.StrategyState{
		StrategyID: "s-1", Type: models.StateOpeningRange, ExpiresAt: &future,
	}))
	require.NoError(t, s.UpsertStrategyState(models.StrategyState{
		StrategyID: "s-1", Type: models.StateCooldown, ExpiresAt: &past,
	}))
	require.NoError(t, s.UpsertStrategyState(models.StrategyState{
		StrategyID: "s-2", Type: models.StateLastEntry, ExpiresAt: &future,
	}))

	got, err := s.ListActiveStrategyStates([]string{"s-1", "s-2"})
	require.NoError(t, err)
	require.Contains(t, got, "s-1")
	require.Contains(t, got, "s-2")
	assert.Len(t, got["s-1"], 1, "expired cooldown row filtered out")
	assert.Contains(t, got["s-1"], models.StateOpeningRange)
}

func TestDeleteExpiredStrategyStates(t *testing.T) {
	s := newTestStore(t)
	now := time.Date(2026, 3, 9, 12, 0, 0, 0, time.UTC)
	s.now = func() time.Time { return now }

	past := now.Add(-time.Minute)
	future := now.Add(time.Minute)
	require.NoError(t, s.UpsertStrategyState(models.StrategyState{
		StrategyID: "s-1", Type: models.StateCooldown, ExpiresAt: &past,
	}))
	require.NoError(t, s.UpsertStrategyState(models.StrategyState{
		StrategyID: "s-2", Type: models.StateCooldown, ExpiresAt: &future,
	}))

	removed, err := s.DeleteExpiredStrategyStates()
	require.NoError(t, err)
	assert.Equal(t, 1, removed)

	removed, err = s.DeleteExpiredStrategyStates()
	require.NoError(t, err)
	assert.Zero(t, removed)
}

func TestSafetyLimitsScopes(t *testing.T) {
	s := newTestStore(t)

	l, err := s.GetAccountSafetyLimits("acct")
	require.NoError(t, err)
	assert.Nil(t, l)

	require.NoError(t, s.SetAccountSafetyLimits("acct", models.SafetyLimits{
		MaxPositionSize: 5, MaxDailyTrades: 10,
	}))
	require.NoError(t, s.SetStrategySafetyLimits("s-1", models.SafetyLimits{
		MaxPositionSize: 2,
	}))

	l, err = s.GetAccountSafetyLimits("acct")
	require.NoError(t, err)
	require.NotNil(t, l)
	assert.Equal(t, 5, l.MaxPositionSize)

	l, err = s.GetStrategySafetyLimits("s-1")
	require.NoError(t, err)
	require.NotNil(t, l)
	assert.Equal(t, 2, l.MaxPositionSize)
}

func TestPositionsClosedSince(t *testing.T) {
	s := newTestStore(t)
	midnight := time.Date(2026, 3, 9, 0, 0, 0, 0, time.UTC)
	yesterday := midnight.Add(-2 * time.Hour)
	today := midnight.Add(3 * time.Hour)

	require.NoError(t, s.InsertPosition(models.Position{
		ID: "p-1", AccountID: "a", Status: models.PositionClosed,
		RealizedPnl: -100, ClosedAt: &yesterday,
	}))
	require.NoError(t, s.InsertPosition(models.Position{
		ID: "p-2", AccountID: "a", Status: models.PositionClosed,
		RealizedPnl: 50, ClosedAt: &today,
	}))

	got, err := s.ListPositionsClosedSince("a", midnight)
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, "p-2", got[0].ID)
}
