package engine

import (
	"context"
	"encoding/json"
	"fmt"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mercerlabs/futures-engine/internal/broker"
	"github.com/mercerlabs/futures-engine/internal/marketdata"
	"github.com/mercerlabs/futures-engine/internal/models"
	"github.com/mercerlabs/futures-engine/internal/orders"
	"github.com/mercerlabs/futures-engine/internal/positions"
	"github.com/mercerlabs/futures-engine/internal/rules"
	"github.com/mercerlabs/futures-engine/internal/safety"
	"github.com/mercerlabs/futures-engine/internal/state"
	"github.com/mercerlabs/futures-engine/internal/storage"
)

type engineBroker struct {
	placed     []broker.PlaceOrderRequest
	placeErr   error
	balanceErr error
}

func (b *engineBroker) PlaceOrder(_ context.Context, req broker.PlaceOrderRequest) (*broker.PlaceOrderResponse, error) {
	b.placed = append(b.placed, req)
	if b.placeErr != nil {
		return nil, b.placeErr
	}
	return &broker.PlaceOrderResponse{OrderID: fmt.Sprintf("b-%d", len(b.placed))}, nil
}

func (b *engineBroker) CancelOrder(context.Context, string) error { return nil }

func (b *engineBroker) ModifyOrder(context.Context, string, broker.ModifyOrderRequest) error {
	return nil
}

func (b *engineBroker) GetOrderStatus(context.Context, string) (*broker.OrderSnapshot, error) {
	return nil, nil
}

func (b *engineBroker) GetPositions(context.Context) ([]broker.PositionSnapshot, error) {
	return nil, nil
}

func (b *engineBroker) ClosePosition(context.Context, string) (*broker.PlaceOrderResponse, error) {
	return nil, nil
}

func (b *engineBroker) FindContracts(context.Context, string) ([]broker.Contract, error) {
	return []broker.Contract{
		{Symbol: "ESM6", ExpirationDate: time.Now().AddDate(0, 0, 90), DailyVolume: 1_000_000},
	}, nil
}

func (b *engineBroker) GetHistoricalBars(context.Context, string, int, int) ([]models.Candle, error) {
	return nil, nil
}

func (b *engineBroker) GetCashBalance(context.Context) (*broker.CashBalance, error) {
	if b.balanceErr != nil {
		return nil, b.balanceErr
	}
	return &broker.CashBalance{TotalCash: 50_000}, nil
}

// failingStateStore makes every cooldown lookup fail, which surfaces as a
// strategy check error.
type failingStateStore struct {
	storage.Interface
}

func (f *failingStateStore) GetActiveStrategyState(string, models.StateType) (*models.StrategyState, error) {
	return nil, fmt.Errorf("state backend unavailable")
}

func breakoutRules(t *testing.T) json.RawMessage {
	t.Helper()
	return json.RawMessage(`{
		"version": 1,
		"pattern": "breakout",
		"direction": "long",
		"instrument": {"symbol": "ES", "contractSize": 1, "tickSize": 0.25, "tickValue": 12.5},
		"exit": {
			"stopLoss": {"type": "fixed_ticks", "value": 8},
			"takeProfit": {"type": "rr_ratio", "value": 2}
		},
		"risk": {"positionSizing": "risk_percent", "riskPercent": 1, "maxContracts": 5},
		"time": {"session": "all"},
		"entry": {"lookbackPeriod": 20, "levelType": "resistance", "confirmation": "none"}
	}`)
}

type testEnv struct {
	engine *Engine
	store  *storage.FileStore
	broker *engineBroker
	agg    *marketdata.Aggregator
	alerts []Alert
}

func newTestEngine(t *testing.T, cfg Config, repo storage.Interface) *testEnv {
	t.Helper()

	fileStore, err := storage.NewFileStore(filepath.Join(t.TempDir(), "engine.json"), nil)
	require.NoError(t, err)
	if repo == nil {
		repo = fileStore
	}

	eb := &engineBroker{}
	agg := marketdata.NewAggregator(nil)
	resolver := broker.NewResolver(eb, nil, nil)
	checker := safety.NewChecker(repo, time.UTC, nil)
	om := orders.NewManager(repo, eb, resolver, checker, nil)
	pm := positions.NewManager(repo, nil)
	st, err := state.NewStore(repo, nil, nil)
	require.NoError(t, err)

	if cfg.UserID == "" {
		cfg.UserID = "u"
	}
	if cfg.AccountID == "" {
		cfg.AccountID = "a"
	}
	env := &testEnv{store: fileStore, broker: eb, agg: agg}
	env.engine = New(cfg, repo, eb, agg, om, pm, st, checker, nil)
	env.engine.OnAlert(func(a Alert) { env.alerts = append(env.alerts, a) })
	return env
}

func (env *testEnv) loadStrategy(t *testing.T, cfg models.StrategyConfig) *runtimeStrategy {
	t.Helper()
	parsed, err := rules.Parse(cfg.Rules)
	require.NoError(t, err)
	rs := &runtimeStrategy{cfg: cfg, compiled: rules.Compile(parsed)}
	env.engine.mu.Lock()
	env.engine.strategies[cfg.ID] = rs
	env.engine.mu.Unlock()
	return rs
}

// seedBreakoutMarket loads 60 flat candles plus a breakout candle and a
// quote above the prior high.
func seedBreakoutMarket(agg *marketdata.Aggregator) {
	base := time.Date(2026, 3, 9, 2, 0, 0, 0, time.UTC)
	bars := make([]models.Candle, 0, 60)
	for i := 0; i < 59; i++ {
		bars = append(bars, models.Candle{
			Timestamp: base.Add(time.Duration(i) * models.CandleInterval),
			Open:      4999, High: 5000, Low: 4998, Close: 4999, Volume: 1000,
		})
	}
	bars = append(bars, models.Candle{
		Timestamp: base.Add(59 * models.CandleInterval),
		Open:      4999, High: 5010, Low: 4998, Close: 5010, Volume: 1500,
	})
	agg.MergeHistorical("ES", bars)
	agg.HandleQuote(models.Quote{
		Symbol: "ES", Bid: 5011.75, Ask: 5012.25, Last: 5012,
		Timestamp: base.Add(60 * models.CandleInterval),
	})
}

func TestQueueCapacityAndDeduplication(t *testing.T) {
	q := newSetupQueue(3)

	mk := func(id, strategy string) *models.SetupDetection {
		return &models.SetupDetection{ID: id, StrategyID: strategy, Status: models.SetupPending}
	}

	assert.Equal(t, enqueued, q.enqueue(mk("a", "s1")))
	assert.Equal(t, duplicate, q.enqueue(mk("a", "s1")))
	assert.Equal(t, enqueued, q.enqueue(mk("b", "s2")))
	assert.Equal(t, enqueued, q.enqueue(mk("c", "s3")))
	assert.Equal(t, dropped, q.enqueue(mk("d", "s4")), "newest is dropped when full")
	assert.Equal(t, 3, q.depth())

	assert.Equal(t, "a", q.pop().ID, "FIFO order")
	assert.True(t, q.hasStrategy("s2"))
	assert.False(t, q.hasStrategy("s4"))

	q.clear()
	assert.Zero(t, q.depth())
	assert.Nil(t, q.pop())
}

func TestCheckStrategyDetectsBreakout(t *testing.T) {
	env := newTestEngine(t, Config{ExecutionEnabled: true}, nil)
	rs := env.loadStrategy(t, models.StrategyConfig{
		ID: "s-1", UserID: "u", AccountID: "a", IsActive: true,
		AutonomyLevel: models.AutonomyAutopilot, Rules: breakoutRules(t),
	})
	seedBreakoutMarket(env.agg)

	require.NoError(t, env.engine.checkStrategy(context.Background(), rs))
	require.Equal(t, 1, env.engine.queue.depth())

	setup := env.engine.queue.pop()
	assert.Equal(t, models.DirectionLong, setup.Direction)
	assert.Equal(t, models.SymbolES, setup.Instrument)
	assert.Equal(t, 5012.0, setup.EntryPrice)
	assert.InDelta(t, 5010.0, setup.StopPrice, 1e-9, "8 ticks of 0.25 below entry")
	assert.Equal(t, 5, setup.ContractQuantity, "1 percent of 50k over 8 ticks at 12.50")
	assert.Equal(t, models.SetupPending, setup.Status)
}

func TestCheckStrategySkipsWithFewCandles(t *testing.T) {
	env := newTestEngine(t, Config{}, nil)
	rs := env.loadStrategy(t, models.StrategyConfig{
		ID: "s-1", IsActive: true, Rules: breakoutRules(t),
	})

	require.NoError(t, env.engine.checkStrategy(context.Background(), rs))
	assert.Zero(t, env.engine.queue.depth())
}

func TestOneWaitingSetupPerStrategy(t *testing.T) {
	env := newTestEngine(t, Config{}, nil)
	rs := env.loadStrategy(t, models.StrategyConfig{
		ID: "s-1", IsActive: true, AutonomyLevel: models.AutonomyAutopilot,
		Rules: breakoutRules(t),
	})
	seedBreakoutMarket(env.agg)

	require.NoError(t, env.engine.checkStrategy(context.Background(), rs))
	require.NoError(t, env.engine.checkStrategy(context.Background(), rs))
	assert.Equal(t, 1, env.engine.queue.depth(), "re-detection while queued is suppressed")
}

func TestQuarantineAfterThreeConsecutiveFailures(t *testing.T) {
	fileStore, err := storage.NewFileStore(filepath.Join(t.TempDir(), "engine.json"), nil)
	require.NoError(t, err)
	env := newTestEngine(t, Config{}, &failingStateStore{Interface: fileStore})

	cfg := models.StrategyConfig{
		ID: "s-1", UserID: "u", AccountID: "a", IsActive: true, Rules: breakoutRules(t),
	}
	require.NoError(t, fileStore.UpdateStrategy(cfg))
	rs := env.loadStrategy(t, cfg)
	seedBreakoutMarket(env.agg)

	ctx := context.Background()
	for i := 0; i < 2; i++ {
		env.engine.runStrategyCheck(ctx, rs)
		assert.True(t, rs.cfg.IsActive, "still active after %d failures", i+1)
	}
	env.engine.runStrategyCheck(ctx, rs)
	assert.False(t, rs.cfg.IsActive, "third failure quarantines the strategy")

	persisted, err := fileStore.ListActiveStrategies("u", "a")
	require.NoError(t, err)
	assert.Empty(t, persisted, "quarantine is persisted")
}

func TestSuccessResetsFailureCounter(t *testing.T) {
	fileStore, err := storage.NewFileStore(filepath.Join(t.TempDir(), "engine.json"), nil)
	require.NoError(t, err)
	env := newTestEngine(t, Config{}, fileStore)
	rs := env.loadStrategy(t, models.StrategyConfig{
		ID: "s-1", IsActive: true, Rules: breakoutRules(t),
	})

	rs.consecutiveFailures = 2
	env.engine.runStrategyCheck(context.Background(), rs)
	assert.Zero(t, rs.consecutiveFailures, "a clean check resets the counter")
	assert.True(t, rs.cfg.IsActive)
}

func TestDispatchExecutionDisabledAlerts(t *testing.T) {
	env := newTestEngine(t, Config{ExecutionEnabled: false}, nil)
	env.loadStrategy(t, models.StrategyConfig{
		ID: "s-1", IsActive: true, AutonomyLevel: models.AutonomyAutopilot,
		Rules: breakoutRules(t),
	})

	setup := &models.SetupDetection{
		ID: "s-1-2026-03-09T14:35:00Z-long-a1b2c3", StrategyID: "s-1",
		Instrument: models.SymbolES, Direction: models.DirectionLong,
		Status: models.SetupPending, ContractQuantity: 1,
	}
	env.engine.handleSetupDetected(setup, "breakout")
	env.engine.ProcessSetupQueue(context.Background())

	assert.Equal(t, models.SetupAlerted, setup.Status)
	assert.Empty(t, env.broker.placed, "no order is placed while execution is disabled")
}

func TestDispatchAutopilotExecutes(t *testing.T) {
	env := newTestEngine(t, Config{ExecutionEnabled: true}, nil)
	env.loadStrategy(t, models.StrategyConfig{
		ID: "s-1", UserID: "u", AccountID: "a", IsActive: true,
		AutonomyLevel: models.AutonomyAutopilot, Rules: breakoutRules(t),
	})

	setup := &models.SetupDetection{
		ID: "s-1-2026-03-09T14:35:00Z-long-a1b2c3", StrategyID: "s-1",
		Instrument: models.SymbolES, Direction: models.DirectionLong,
		Status: models.SetupPending, EntryPrice: 5010, ContractQuantity: 2,
	}
	env.engine.handleSetupDetected(setup, "breakout")
	env.engine.ProcessSetupQueue(context.Background())

	assert.Equal(t, models.SetupExecuted, setup.Status)
	assert.NotEmpty(t, setup.OrderID)
	require.Len(t, env.broker.placed, 1)
	assert.Equal(t, setup.ID, env.broker.placed[0].CustomTag, "setup id rides customTag50")
	assert.Equal(t, "ESM6", env.broker.placed[0].Symbol)
}

func TestDispatchCopilotAwaitsApproval(t *testing.T) {
	env := newTestEngine(t, Config{ExecutionEnabled: true}, nil)
	env.loadStrategy(t, models.StrategyConfig{
		ID: "s-1", UserID: "u", AccountID: "a", IsActive: true,
		AutonomyLevel: models.AutonomyCopilot, Rules: breakoutRules(t),
	})

	setup := &models.SetupDetection{
		ID: "s-1-2026-03-09T14:35:00Z-long-a1b2c3", StrategyID: "s-1",
		Instrument: models.SymbolES, Direction: models.DirectionLong,
		Status: models.SetupPending, ContractQuantity: 1,
	}
	env.engine.handleSetupDetected(setup, "breakout")
	env.engine.ProcessSetupQueue(context.Background())

	assert.Equal(t, models.SetupAwaitingApproval, setup.Status)
	assert.Empty(t, env.broker.placed)

	pending := env.engine.PendingSetups()
	require.Len(t, pending, 1)
	assert.Equal(t, setup.ID, pending[0].ID)

	require.NoError(t, env.engine.ApproveSetup(context.Background(), setup.ID))
	assert.Equal(t, models.SetupExecuted, setup.Status)
	assert.Len(t, env.broker.placed, 1)
	assert.Empty(t, env.engine.PendingSetups())
}

func TestRejectSetup(t *testing.T) {
	env := newTestEngine(t, Config{ExecutionEnabled: true}, nil)
	env.loadStrategy(t, models.StrategyConfig{
		ID: "s-1", IsActive: true, AutonomyLevel: models.AutonomyCopilot,
		Rules: breakoutRules(t),
	})

	setup := &models.SetupDetection{
		ID: "s-1-2026-03-09T14:35:00Z-short-b2c3d4", StrategyID: "s-1",
		Instrument: models.SymbolES, Direction: models.DirectionShort,
		Status: models.SetupPending, ContractQuantity: 1,
	}
	env.engine.handleSetupDetected(setup, "breakout")
	env.engine.ProcessSetupQueue(context.Background())

	require.NoError(t, env.engine.RejectSetup(setup.ID, "spread too wide"))
	assert.Equal(t, models.SetupRejected, setup.Status)
	assert.Equal(t, "spread too wide", setup.Reason)
	assert.Empty(t, env.broker.placed)

	assert.Error(t, env.engine.ApproveSetup(context.Background(), setup.ID),
		"a resolved setup cannot be approved")
}

func TestDailyLossLimitPausesStrategy(t *testing.T) {
	fileStore, err := storage.NewFileStore(filepath.Join(t.TempDir(), "engine.json"), nil)
	require.NoError(t, err)
	env := newTestEngine(t, Config{}, fileStore)

	cfg := models.StrategyConfig{
		ID: "s-1", UserID: "u", AccountID: "a", IsActive: true, Rules: breakoutRules(t),
	}
	require.NoError(t, fileStore.UpdateStrategy(cfg))
	env.loadStrategy(t, cfg)
	require.NoError(t, fileStore.SetStrategySafetyLimits("s-1", models.SafetyLimits{MaxDailyLoss: 500}))

	closedAt := time.Now()
	require.NoError(t, fileStore.InsertPosition(models.Position{
		ID: "p-1", AccountID: "a", Status: models.PositionClosed,
		RealizedPnl: -600, ClosedAt: &closedAt,
	}))

	env.engine.checkSafetyLimits()

	active, err := fileStore.ListActiveStrategies("u", "a")
	require.NoError(t, err)
	assert.Empty(t, active)
	require.NotEmpty(t, env.alerts)
	assert.Contains(t, env.alerts[len(env.alerts)-1].Message, "max daily loss")
}

func TestStartStopLifecycle(t *testing.T) {
	fileStore, err := storage.NewFileStore(filepath.Join(t.TempDir(), "engine.json"), nil)
	require.NoError(t, err)
	env := newTestEngine(t, Config{TickInterval: time.Hour}, fileStore)

	require.NoError(t, fileStore.UpdateStrategy(models.StrategyConfig{
		ID: "s-1", UserID: "u", AccountID: "a", IsActive: true, Rules: breakoutRules(t),
	}))
	// A strategy with invalid rules is skipped, not fatal.
	require.NoError(t, fileStore.UpdateStrategy(models.StrategyConfig{
		ID: "s-bad", UserID: "u", AccountID: "a", IsActive: true,
		Rules: json.RawMessage(`{"pattern":"nope"}`),
	}))

	require.NoError(t, env.engine.Start(context.Background()))
	assert.Equal(t, StateRunning, env.engine.State())
	assert.Equal(t, []string{"ES"}, env.engine.Symbols())

	assert.Error(t, env.engine.Start(context.Background()), "double start rejected")

	env.engine.Stop()
	assert.Equal(t, StateStopped, env.engine.State())
}
