// Package engine orchestrates the trading core: it loads and compiles
// strategies, schedules their evaluation against live market data, queues
// detected setups with backpressure, and routes them to the copilot or
// autopilot execution path under safety quotas.
package engine

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/mercerlabs/futures-engine/internal/broker"
	"github.com/mercerlabs/futures-engine/internal/marketdata"
	"github.com/mercerlabs/futures-engine/internal/metrics"
	"github.com/mercerlabs/futures-engine/internal/models"
	"github.com/mercerlabs/futures-engine/internal/orders"
	"github.com/mercerlabs/futures-engine/internal/positions"
	"github.com/mercerlabs/futures-engine/internal/rules"
	"github.com/mercerlabs/futures-engine/internal/safety"
	"github.com/mercerlabs/futures-engine/internal/state"
	"github.com/mercerlabs/futures-engine/internal/storage"
)

// EngineState is the engine lifecycle state.
type EngineState string

// Engine lifecycle states. Error is absorbing.
const (
	StateStopped  EngineState = "stopped"
	StateStarting EngineState = "starting"
	StateRunning  EngineState = "running"
	StateStopping EngineState = "stopping"
	StateError    EngineState = "error"
)

// Defaults for the scheduler and queue.
const (
	defaultTickInterval  = 5 * time.Second
	defaultQueueCapacity = 10
	minCandlesForCheck   = 50
	// maxConsecutiveFailures quarantines a strategy.
	maxConsecutiveFailures = 3
)

// Config selects the user/account scope and the scheduling knobs.
type Config struct {
	UserID           string
	AccountID        string
	TickInterval     time.Duration
	QueueCapacity    int
	ExecutionEnabled bool
}

// Alert is an operator-facing notification emitted on the alert observer.
type Alert struct {
	Level      string    `json:"level"`
	StrategyID string    `json:"strategy_id,omitempty"`
	Message    string    `json:"message"`
	Time       time.Time `json:"time"`
}

// runtimeStrategy pairs a strategy row with its compiled form and the
// quarantine counter.
type runtimeStrategy struct {
	cfg                 models.StrategyConfig
	compiled            *rules.CompiledStrategy
	consecutiveFailures int
}

// Engine wires market data, compiled strategies, safety checks and the
// order/position managers together.
type Engine struct {
	cfg       Config
	store     storage.Interface
	broker    broker.Broker
	agg       *marketdata.Aggregator
	orders    *orders.Manager
	positions *positions.Manager
	states    *state.Store
	checker   *safety.Checker
	logger    *log.Logger
	now       func() time.Time

	mu         sync.RWMutex
	engState   EngineState
	strategies map[string]*runtimeStrategy
	pending    map[string]*models.SetupDetection

	queue      *setupQueue
	processing atomic.Bool

	onAlert func(Alert)

	cancelTick context.CancelFunc
	wg         sync.WaitGroup
}

// New builds an engine.
func New(cfg Config, store storage.Interface, brk broker.Broker, agg *marketdata.Aggregator,
	om *orders.Manager, pm *positions.Manager, st *state.Store, checker *safety.Checker,
	logger *log.Logger) *Engine {

	if logger == nil {
		logger = log.Default()
	}
	if cfg.TickInterval <= 0 {
		cfg.TickInterval = defaultTickInterval
	}
	if cfg.QueueCapacity <= 0 {
		cfg.QueueCapacity = defaultQueueCapacity
	}
	return &Engine{
		cfg:        cfg,
		store:      store,
		broker:     brk,
		agg:        agg,
		orders:     om,
		positions:  pm,
		states:     st,
		checker:    checker,
		logger:     logger,
		now:        time.Now,
		engState:   StateStopped,
		strategies: make(map[string]*runtimeStrategy),
		pending:    make(map[string]*models.SetupDetection),
		queue:      newSetupQueue(cfg.QueueCapacity),
	}
}

// OnAlert registers the operator alert observer.
func (e *Engine) OnAlert(fn func(Alert)) { e.onAlert = fn }

// State returns the engine lifecycle state.
func (e *Engine) State() EngineState {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.engState
}

func (e *Engine) setState(st EngineState) {
	e.mu.Lock()
	prev := e.engState
	e.engState = st
	e.mu.Unlock()
	if prev != st {
		e.logger.Printf("engine: %s -> %s", prev, st)
	}
}

func (e *Engine) alert(level, strategyID, format string, args ...any) {
	a := Alert{Level: level, StrategyID: strategyID, Message: fmt.Sprintf(format, args...), Time: e.now()}
	e.logger.Printf("engine: alert [%s] %s", a.Level, a.Message)
	if e.onAlert != nil {
		e.onAlert(a)
	}
}

// Start loads and compiles strategies, restores intraday state, registers
// market-data observers and launches the monitoring tick.
func (e *Engine) Start(ctx context.Context) error {
	if st := e.State(); st != StateStopped {
		return fmt.Errorf("engine cannot start from %s", st)
	}
	e.setState(StateStarting)

	if err := e.loadStrategies(); err != nil {
		e.setState(StateError)
		return fmt.Errorf("loading strategies: %w", err)
	}
	e.restoreIntradayState()

	e.agg.OnCandleClose(func(symbol string, _ models.Candle) {
		metrics.IncCandleClosed(symbol)
		go e.evaluateSymbol(context.Background(), symbol)
	})

	tickCtx, cancel := context.WithCancel(context.Background())
	e.cancelTick = cancel
	e.wg.Add(1)
	go e.tickLoop(tickCtx)

	e.setState(StateRunning)
	return nil
}

// Stop cancels the scheduler, drains the queue and parks the engine.
func (e *Engine) Stop() {
	if e.State() != StateRunning {
		return
	}
	e.setState(StateStopping)
	if e.cancelTick != nil {
		e.cancelTick()
	}
	e.wg.Wait()
	e.queue.clear()
	metrics.SetQueueDepth(0)
	e.setState(StateStopped)
}

// loadStrategies fetches active strategies and compiles their rules.
// Strategies whose rules fail validation are skipped, never loaded.
func (e *Engine) loadStrategies() error {
	configs, err := e.store.ListActiveStrategies(e.cfg.UserID, e.cfg.AccountID)
	if err != nil {
		return err
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	for _, cfg := range configs {
		parsed, err := rules.Parse(cfg.Rules)
		if err != nil {
			e.logger.Printf("engine: strategy %s has invalid rules, skipping: %v", cfg.ID, err)
			continue
		}
		e.strategies[cfg.ID] = &runtimeStrategy{cfg: cfg, compiled: rules.Compile(parsed)}
	}
	e.logger.Printf("engine: loaded %d of %d strategies", len(e.strategies), len(configs))
	return nil
}

// restoreIntradayState replays persisted opening ranges into the aggregator
// so strategies do not wait a full session after a restart.
func (e *Engine) restoreIntradayState() {
	e.mu.RLock()
	ids := make([]string, 0, len(e.strategies))
	for id := range e.strategies {
		ids = append(ids, id)
	}
	e.mu.RUnlock()

	restored, err := e.states.RestoreAll(ids)
	if err != nil {
		e.logger.Printf("engine: state restore failed: %v", err)
		return
	}

	for id, byType := range restored {
		raw, ok := byType[models.StateOpeningRange]
		if !ok {
			continue
		}
		var or models.OpeningRange
		if err := json.Unmarshal(raw, &or); err != nil {
			e.logger.Printf("engine: bad opening range state for %s: %v", id, err)
			continue
		}
		e.mu.RLock()
		rs := e.strategies[id]
		e.mu.RUnlock()
		if rs == nil || !rs.compiled.NeedsOpeningRange() {
			continue
		}
		start := rs.compiled.Session.StartMinute
		end := start + rs.compiled.OpeningRangePeriodMinutes()
		e.agg.SetOpeningRange(string(rs.compiled.Rules.Instrument.Symbol), start, end, or)
	}
}

// Symbols returns the distinct instruments the loaded strategies trade.
func (e *Engine) Symbols() []string {
	e.mu.RLock()
	defer e.mu.RUnlock()
	seen := make(map[string]bool)
	out := make([]string, 0, len(e.strategies))
	for _, rs := range e.strategies {
		sym := string(rs.compiled.Rules.Instrument.Symbol)
		if !seen[sym] {
			seen[sym] = true
			out = append(out, sym)
		}
	}
	return out
}

func (e *Engine) tickLoop(ctx context.Context) {
	defer e.wg.Done()
	ticker := time.NewTicker(e.cfg.TickInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			e.monitorTick(ctx)
		}
	}
}

// monitorTick fans strategy checks out concurrently, schedules the queue
// dispatcher without awaiting it, and re-checks daily-loss limits.
func (e *Engine) monitorTick(ctx context.Context) {
	e.mu.RLock()
	active := make([]*runtimeStrategy, 0, len(e.strategies))
	for _, rs := range e.strategies {
		if rs.cfg.IsActive {
			active = append(active, rs)
		}
	}
	e.mu.RUnlock()

	var g errgroup.Group
	for _, rs := range active {
		rs := rs
		g.Go(func() error {
			// One strategy's failure must not propagate to the others;
			// errors feed the quarantine counter instead.
			e.runStrategyCheck(ctx, rs)
			return nil
		})
	}
	g.Wait()

	go e.ProcessSetupQueue(ctx)
	e.checkSafetyLimits()
}

// runStrategyCheck runs one check under panic isolation and maintains the
// quarantine counter.
func (e *Engine) runStrategyCheck(ctx context.Context, rs *runtimeStrategy) {
	err := func() (err error) {
		defer func() {
			if r := recover(); r != nil {
				err = fmt.Errorf("panic: %v", r)
			}
		}()
		return e.checkStrategy(ctx, rs)
	}()

	e.mu.Lock()
	defer e.mu.Unlock()
	if err == nil {
		rs.consecutiveFailures = 0
		return
	}

	rs.consecutiveFailures++
	metrics.IncStrategyFailure(rs.cfg.ID)
	e.logger.Printf("engine: strategy %s check failed (%d/%d): %v",
		rs.cfg.ID, rs.consecutiveFailures, maxConsecutiveFailures, err)

	if rs.consecutiveFailures >= maxConsecutiveFailures {
		rs.cfg.IsActive = false
		if uerr := e.store.UpdateStrategy(rs.cfg); uerr != nil {
			e.logger.Printf("engine: failed to persist quarantine of %s: %v", rs.cfg.ID, uerr)
		}
		go e.alert("error", rs.cfg.ID, "strategy %s auto-paused after %d consecutive failures",
			rs.cfg.ID, maxConsecutiveFailures)
	}
}

// evaluateSymbol re-runs checks for every strategy trading the symbol;
// driven by candle-close and bars-loaded events.
func (e *Engine) evaluateSymbol(ctx context.Context, symbol string) {
	if e.State() != StateRunning {
		return
	}
	e.mu.RLock()
	var matched []*runtimeStrategy
	for _, rs := range e.strategies {
		if rs.cfg.IsActive && string(rs.compiled.Rules.Instrument.Symbol) == symbol {
			matched = append(matched, rs)
		}
	}
	e.mu.RUnlock()

	for _, rs := range matched {
		e.runStrategyCheck(ctx, rs)
	}
	go e.ProcessSetupQueue(ctx)
}

// HandleBarsLoaded is the "historical bars loaded" observer; it drives an
// immediate evaluation for the symbol.
func (e *Engine) HandleBarsLoaded(symbol string) {
	go e.evaluateSymbol(context.Background(), symbol)
}

// checkStrategy evaluates one strategy against current market state and
// hands any detection to the queue.
func (e *Engine) checkStrategy(ctx context.Context, rs *runtimeStrategy) error {
	compiled := rs.compiled
	symbol := string(compiled.Rules.Instrument.Symbol)

	candles := e.agg.Candles(symbol)
	if len(candles) < minCandlesForCheck {
		return nil
	}
	quote, ok := e.agg.LatestQuote(symbol)
	if !ok {
		return nil
	}

	now := e.now()
	if !compiled.IsTimeValid(now) {
		return nil
	}

	cd, err := e.states.ActiveCooldown(rs.cfg.ID)
	if err != nil {
		return fmt.Errorf("cooldown lookup: %w", err)
	}
	if cd != nil {
		return nil
	}

	var or *models.OpeningRange
	if compiled.NeedsOpeningRange() {
		start := compiled.Session.StartMinute
		end := start + compiled.OpeningRangePeriodMinutes()
		or = e.agg.OpeningRange(symbol, start, end, compiled.Session.Location)
		if or != nil && or.IsComplete {
			if err := e.states.SaveOpeningRange(rs.cfg.ID, *or); err != nil {
				e.logger.Printf("engine: persisting opening range for %s: %v", rs.cfg.ID, err)
			}
		}
	}

	indicators := map[string]*float64{
		"ema20":  e.agg.EMA(symbol, 20),
		"ema50":  e.agg.EMA(symbol, 50),
		"ema200": e.agg.EMA(symbol, 200),
		"rsi14":  e.agg.RSI(symbol, 14),
		"atr14":  e.agg.ATR(symbol, 14),
		"vwap":   e.agg.VWAP(symbol),
	}

	ectx := &rules.EvaluationContext{
		Candles:      candles,
		Quote:        &quote,
		Indicators:   indicators,
		OpeningRange: or,
		CurrentTime:  now,
	}

	signal := compiled.ShouldEnter(ectx)
	if signal == nil {
		return nil
	}

	entry := compiled.EntryPrice(ectx)
	stop := compiled.StopPrice(entry, signal.Direction, ectx)
	target := compiled.TargetPrice(entry, stop, signal.Direction, ectx)

	balance, err := e.broker.GetCashBalance(ctx)
	if err != nil {
		return fmt.Errorf("cash balance: %w", err)
	}
	qty := compiled.ContractQuantity(balance.TotalCash, entry, stop)

	setup := &models.SetupDetection{
		ID:               models.NewSetupID(rs.cfg.ID, now, signal.Direction),
		StrategyID:       rs.cfg.ID,
		Instrument:       compiled.Rules.Instrument.Symbol,
		SignalType:       models.SignalEntry,
		Direction:        signal.Direction,
		Price:            quote.Last,
		Timestamp:        now,
		ConditionsMet:    []string{signal.Reason},
		Indicators:       indicators,
		Status:           models.SetupPending,
		EntryPrice:       entry,
		StopPrice:        stop,
		TargetPrice:      target,
		ContractQuantity: qty,
		Confidence:       signal.Confidence,
		Reason:           signal.Reason,
	}
	e.handleSetupDetected(setup, string(compiled.Rules.Pattern))
	return nil
}

// handleSetupDetected enqueues a setup, applying queue backpressure and the
// one-waiting-setup-per-strategy rule.
func (e *Engine) handleSetupDetected(setup *models.SetupDetection, pattern string) {
	if e.queue.hasStrategy(setup.StrategyID) {
		return
	}

	switch e.queue.enqueue(setup) {
	case enqueued:
		metrics.IncSetupDetected(setup.StrategyID, pattern)
		e.recordSetupEvent(setup, "detected")
		e.logger.Printf("engine: setup %s queued (%s %s @ %.2f)",
			setup.ID, setup.Direction, setup.Instrument, setup.EntryPrice)
	case duplicate:
		// Same id offered twice; nothing to do.
	case dropped:
		metrics.IncSetupDropped()
		e.alert("warning", setup.StrategyID, "setup queue full, dropping %s", setup.ID)
	}
	metrics.SetQueueDepth(e.queue.depth())
}

// ProcessSetupQueue dispatches at most one queued setup. It is single-flight:
// a concurrent call returns immediately.
func (e *Engine) ProcessSetupQueue(ctx context.Context) {
	if !e.processing.CompareAndSwap(false, true) {
		return
	}
	defer e.processing.Store(false)

	setup := e.queue.pop()
	metrics.SetQueueDepth(e.queue.depth())
	if setup == nil {
		return
	}

	if !e.cfg.ExecutionEnabled {
		e.transitionSetup(setup, models.SetupAlerted, "")
		e.alert("info", setup.StrategyID, "setup %s alerted (execution disabled)", setup.ID)
		return
	}

	e.mu.RLock()
	rs := e.strategies[setup.StrategyID]
	e.mu.RUnlock()
	if rs == nil {
		e.transitionSetup(setup, models.SetupFailed, "strategy no longer loaded")
		return
	}

	switch rs.cfg.AutonomyLevel {
	case models.AutonomyAutopilot:
		e.executeSetup(ctx, setup)
	default:
		e.transitionSetup(setup, models.SetupAwaitingApproval, "")
		e.mu.Lock()
		e.pending[setup.ID] = setup
		e.mu.Unlock()
		e.alert("info", setup.StrategyID, "setup %s awaiting approval", setup.ID)
	}
}

// executeSetup places the order for a setup and settles its final status.
func (e *Engine) executeSetup(ctx context.Context, setup *models.SetupDetection) {
	action := models.ActionSell
	if setup.Direction == models.DirectionLong {
		action = models.ActionBuy
	}

	order, err := e.orders.CreateOrder(orders.CreateOrderInput{
		UserID:      e.cfg.UserID,
		StrategyID:  setup.StrategyID,
		AccountID:   e.cfg.AccountID,
		SetupID:     setup.ID,
		Symbol:      string(setup.Instrument),
		Action:      action,
		OrderType:   models.OrderTypeMarket,
		Qty:         setup.ContractQuantity,
		TimeInForce: models.TIFDay,
		Bracket:     models.BracketEntry,
	})
	if err != nil {
		e.transitionSetup(setup, models.SetupFailed, err.Error())
		e.alert("error", setup.StrategyID, "setup %s failed: %v", setup.ID, err)
		return
	}

	if err := e.orders.SubmitOrder(ctx, order); err != nil {
		e.transitionSetup(setup, models.SetupFailed, err.Error())
		e.alert("error", setup.StrategyID, "setup %s submission failed: %v", setup.ID, err)
		return
	}

	setup.OrderID = order.ID
	e.transitionSetup(setup, models.SetupExecuted, "")
	if err := e.states.SaveLastEntry(setup.StrategyID, state.LastEntry{
		SetupID:   setup.ID,
		Direction: setup.Direction,
		Price:     setup.EntryPrice,
		Timestamp: setup.Timestamp,
	}); err != nil {
		e.logger.Printf("engine: persisting last entry for %s: %v", setup.StrategyID, err)
	}
}

// transitionSetup applies a setup status change and records it.
func (e *Engine) transitionSetup(setup *models.SetupDetection, to models.SetupStatus, errMsg string) {
	if !models.CanTransitionSetup(setup.Status, to) {
		e.logger.Printf("engine: illegal setup transition %s -> %s for %s", setup.Status, to, setup.ID)
		return
	}
	setup.Status = to
	setup.Error = errMsg
	e.recordSetupEvent(setup, string(to))
}

// recordSetupEvent appends a behavioral audit row for the setup.
func (e *Engine) recordSetupEvent(setup *models.SetupDetection, event string) {
	payload, err := json.Marshal(setup)
	if err != nil {
		e.logger.Printf("engine: marshal setup %s: %v", setup.ID, err)
		return
	}
	rec := models.BehavioralRecord{
		ID:         uuid.NewString(),
		UserID:     e.cfg.UserID,
		StrategyID: setup.StrategyID,
		SetupID:    setup.ID,
		EventType:  event,
		Payload:    payload,
		CreatedAt:  e.now(),
	}
	if err := e.store.InsertBehavioralRecord(rec); err != nil {
		e.logger.Printf("engine: behavioral insert for %s: %v", setup.ID, err)
	}
}

// ApproveSetup executes a setup that was awaiting approval.
func (e *Engine) ApproveSetup(ctx context.Context, setupID string) error {
	e.mu.Lock()
	setup, ok := e.pending[setupID]
	if ok {
		delete(e.pending, setupID)
	}
	e.mu.Unlock()
	if !ok {
		return fmt.Errorf("setup %s is not awaiting approval", setupID)
	}

	e.transitionSetup(setup, models.SetupApproved, "")
	e.executeSetup(ctx, setup)
	if setup.Status == models.SetupFailed {
		return fmt.Errorf("setup %s failed: %s", setupID, setup.Error)
	}
	return nil
}

// RejectSetup discards a setup that was awaiting approval.
func (e *Engine) RejectSetup(setupID, reason string) error {
	e.mu.Lock()
	setup, ok := e.pending[setupID]
	if ok {
		delete(e.pending, setupID)
	}
	e.mu.Unlock()
	if !ok {
		return fmt.Errorf("setup %s is not awaiting approval", setupID)
	}

	if reason != "" {
		setup.Reason = reason
	}
	e.transitionSetup(setup, models.SetupRejected, "")
	return nil
}

// PendingSetups returns the setups awaiting approval, for UIs and external
// TTL policies.
func (e *Engine) PendingSetups() []models.SetupDetection {
	e.mu.RLock()
	defer e.mu.RUnlock()
	out := make([]models.SetupDetection, 0, len(e.pending))
	for _, s := range e.pending {
		out = append(out, *s)
	}
	return out
}

// checkSafetyLimits enforces daily-loss limits on the tick path, pausing
// any strategy whose account breached its budget.
func (e *Engine) checkSafetyLimits() {
	e.mu.RLock()
	active := make([]*runtimeStrategy, 0, len(e.strategies))
	for _, rs := range e.strategies {
		if rs.cfg.IsActive {
			active = append(active, rs)
		}
	}
	e.mu.RUnlock()

	for _, rs := range active {
		limits, err := e.store.GetStrategySafetyLimits(rs.cfg.ID)
		if err != nil || limits == nil || limits.MaxDailyLoss <= 0 {
			continue
		}
		pnl, err := e.checker.DailyPnl(e.cfg.AccountID)
		if err != nil {
			e.logger.Printf("engine: daily pnl check for %s: %v", rs.cfg.ID, err)
			continue
		}
		if pnl > -limits.MaxDailyLoss {
			continue
		}

		e.mu.Lock()
		rs.cfg.IsActive = false
		e.mu.Unlock()
		if err := e.store.UpdateStrategy(rs.cfg); err != nil {
			e.logger.Printf("engine: failed to persist pause of %s: %v", rs.cfg.ID, err)
		}
		e.alert("error", rs.cfg.ID, "strategy %s paused, daily pnl %.2f breached max daily loss %.2f",
			rs.cfg.ID, pnl, limits.MaxDailyLoss)
	}
}
