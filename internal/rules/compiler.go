package rules

import (
	"fmt"
	"math"
	"time"

	"github.com/mercerlabs/futures-engine/internal/models"
)

// Entry signal confidence per pattern.
const (
	confidenceORB         = 0.85
	confidenceEMAPullback = 0.75
	confidenceBreakout    = 0.70
)

// structureLookback is the candle window used for structure stops.
const structureLookback = 10

// fallbackStopTicks is the stop distance when a range-based stop has no
// opening range to anchor to.
const fallbackStopTicks = 20

// EvaluationContext carries everything a compiled strategy reads. All
// operations are pure with respect to it.
type EvaluationContext struct {
	Candles      []models.Candle
	Quote        *models.Quote
	Indicators   map[string]*float64
	OpeningRange *models.OpeningRange
	CurrentTime  time.Time
}

// EntrySignal is a concrete entry trigger emitted by ShouldEnter.
type EntrySignal struct {
	Direction    models.Direction
	Reason       string
	Confidence   float64
	TriggerPrice float64
}

// CompiledStrategy is the executable form of a validated rules record.
// Compilation is total: every validated record compiles.
type CompiledStrategy struct {
	Rules   *CanonicalRules
	Session SessionWindow
}

// Compile turns a validated canonical rules record into a compiled
// strategy. It never fails on input that passed Validate; an unloadable
// custom timezone falls back to UTC rather than failing compilation.
func Compile(r *CanonicalRules) *CompiledStrategy {
	window, err := ResolveSession(r.Time)
	if err != nil {
		window = SessionWindow{StartMinute: 0, EndMinute: minutesPerDay, Location: time.UTC}
	}
	return &CompiledStrategy{Rules: r, Session: window}
}

// NeedsOpeningRange reports whether evaluation requires the opening range.
func (s *CompiledStrategy) NeedsOpeningRange() bool {
	return s.Rules.Pattern == PatternOpeningRangeBreakout ||
		s.Rules.Exit.StopLoss.Type == "opposite_range" ||
		s.Rules.Exit.TakeProfit.Type == "opposite_range"
}

// OpeningRangePeriodMinutes returns the ORB period, or 0 for other patterns.
func (s *CompiledStrategy) OpeningRangePeriodMinutes() int {
	if s.Rules.ORB != nil {
		return s.Rules.ORB.PeriodMinutes
	}
	return 0
}

// IsTimeValid reports whether now falls inside the strategy's session.
func (s *CompiledStrategy) IsTimeValid(now time.Time) bool {
	return s.Session.Contains(now)
}

// EntryPrice returns the price an entry order should work at. Defaults to
// the last trade.
func (s *CompiledStrategy) EntryPrice(ctx *EvaluationContext) float64 {
	if ctx.Quote == nil {
		return 0
	}
	return ctx.Quote.Last
}

// ShouldEnter evaluates the pattern's entry conditions and returns a signal
// or nil.
func (s *CompiledStrategy) ShouldEnter(ctx *EvaluationContext) *EntrySignal {
	if ctx == nil || ctx.Quote == nil {
		return nil
	}
	switch s.Rules.Pattern {
	case PatternOpeningRangeBreakout:
		return s.evaluateORB(ctx)
	case PatternEMAPullback:
		return s.evaluateEMAPullback(ctx)
	case PatternBreakout:
		return s.evaluateBreakout(ctx)
	}
	return nil
}

func (s *CompiledStrategy) allowsLong() bool {
	return s.Rules.Direction == TradeLong || s.Rules.Direction == TradeBoth
}

func (s *CompiledStrategy) allowsShort() bool {
	return s.Rules.Direction == TradeShort || s.Rules.Direction == TradeBoth
}

func (s *CompiledStrategy) evaluateORB(ctx *EvaluationContext) *EntrySignal {
	entry := s.Rules.ORB
	or := ctx.OpeningRange
	if entry == nil || or == nil || !or.IsComplete {
		return nil
	}
	// No signal before the range window has fully elapsed, even if price has
	// already crossed the level.
	minute := s.Session.MinuteOfDay(ctx.CurrentTime)
	if minute < s.Session.StartMinute+entry.PeriodMinutes {
		return nil
	}
	if len(ctx.Candles) < 2 {
		return nil
	}
	prev := ctx.Candles[len(ctx.Candles)-2]
	last := ctx.Quote.Last

	breakHigh := entry.EntryOn == "break_high" || entry.EntryOn == "both"
	breakLow := entry.EntryOn == "break_low" || entry.EntryOn == "both"

	if s.allowsLong() && breakHigh && prev.Close <= or.High && last > or.High {
		return &EntrySignal{
			Direction:    models.DirectionLong,
			Reason:       fmt.Sprintf("price %.2f broke above opening range high %.2f", last, or.High),
			Confidence:   confidenceORB,
			TriggerPrice: or.High,
		}
	}
	if s.allowsShort() && breakLow && prev.Close >= or.Low && last < or.Low {
		return &EntrySignal{
			Direction:    models.DirectionShort,
			Reason:       fmt.Sprintf("price %.2f broke below opening range low %.2f", last, or.Low),
			Confidence:   confidenceORB,
			TriggerPrice: or.Low,
		}
	}
	return nil
}

func (s *CompiledStrategy) evaluateEMAPullback(ctx *EvaluationContext) *EntrySignal {
	entry := s.Rules.EMAPullback
	if entry == nil || len(ctx.Candles) < 5 {
		return nil
	}
	emaPtr := ctx.Indicators[fmt.Sprintf("ema%d", entry.EMAPeriod)]
	if emaPtr == nil {
		return nil
	}
	ema := *emaPtr

	candles := ctx.Candles
	prev := candles[len(candles)-2]
	current := candles[len(candles)-1]
	last := ctx.Quote.Last

	var dir models.Direction
	switch {
	case last > ema && prev.Close > ema:
		dir = models.DirectionLong
	case last < ema && prev.Close < ema:
		dir = models.DirectionShort
	default:
		return nil
	}
	if dir == models.DirectionLong && !s.allowsLong() {
		return nil
	}
	if dir == models.DirectionShort && !s.allowsShort() {
		return nil
	}

	// Pullback gate: some candle in the last 5 must have traded through the EMA.
	touched := false
	for _, c := range candles[len(candles)-5:] {
		if c.Low <= ema && ema <= c.High {
			touched = true
			break
		}
	}
	if !touched {
		return nil
	}

	if entry.RSI != nil {
		rsiPtr := ctx.Indicators[fmt.Sprintf("rsi%d", entry.RSI.Period)]
		if rsiPtr == nil {
			return nil
		}
		switch entry.RSI.Direction {
		case "above":
			if !(*rsiPtr > entry.RSI.Threshold) {
				return nil
			}
		case "below":
			if !(*rsiPtr < entry.RSI.Threshold) {
				return nil
			}
		}
	}

	if !s.pullbackConfirmed(entry.PullbackConfirmation, dir, ema, prev, current) {
		return nil
	}

	return &EntrySignal{
		Direction:    dir,
		Reason:       fmt.Sprintf("%s pullback to ema%d at %.2f confirmed (%s)", dir, entry.EMAPeriod, ema, entry.PullbackConfirmation),
		Confidence:   confidenceEMAPullback,
		TriggerPrice: ema,
	}
}

func (s *CompiledStrategy) pullbackConfirmed(mode string, dir models.Direction, ema float64, prev, current models.Candle) bool {
	switch mode {
	case "touch":
		return true
	case "close_above":
		if dir == models.DirectionLong {
			return prev.Low <= ema && current.Close > ema
		}
		return prev.High >= ema && current.Close < ema
	case "bounce":
		if dir == models.DirectionLong {
			return prev.Low <= ema && current.Close > ema && current.Close > prev.Close
		}
		return prev.High >= ema && current.Close < ema && current.Close < prev.Close
	}
	return false
}

func (s *CompiledStrategy) evaluateBreakout(ctx *EvaluationContext) *EntrySignal {
	entry := s.Rules.Breakout
	if entry == nil {
		return nil
	}
	lookback := entry.LookbackPeriod
	if lookback <= 0 {
		lookback = DefaultBreakoutLookback
	}
	candles := ctx.Candles
	if len(candles) < lookback || len(candles) < 2 {
		return nil
	}

	window := candles[len(candles)-lookback:]
	periodHigh := window[0].High
	periodLow := window[0].Low
	for _, c := range window[1:] {
		periodHigh = math.Max(periodHigh, c.High)
		periodLow = math.Min(periodLow, c.Low)
	}

	prev := candles[len(candles)-2]
	current := candles[len(candles)-1]
	last := ctx.Quote.Last

	resistance := entry.LevelType == "resistance" || entry.LevelType == "both"
	support := entry.LevelType == "support" || entry.LevelType == "both"

	if s.allowsLong() && resistance && prev.High < periodHigh && last > periodHigh &&
		s.breakoutConfirmed(entry.Confirmation, models.DirectionLong, periodHigh, periodLow, current, candles) {
		return &EntrySignal{
			Direction:    models.DirectionLong,
			Reason:       fmt.Sprintf("price %.2f broke %d-bar resistance %.2f", last, lookback, periodHigh),
			Confidence:   confidenceBreakout,
			TriggerPrice: periodHigh,
		}
	}
	if s.allowsShort() && support && prev.Low > periodLow && last < periodLow &&
		s.breakoutConfirmed(entry.Confirmation, models.DirectionShort, periodHigh, periodLow, current, candles) {
		return &EntrySignal{
			Direction:    models.DirectionShort,
			Reason:       fmt.Sprintf("price %.2f broke %d-bar support %.2f", last, lookback, periodLow),
			Confidence:   confidenceBreakout,
			TriggerPrice: periodLow,
		}
	}
	return nil
}

func (s *CompiledStrategy) breakoutConfirmed(mode string, dir models.Direction, periodHigh, periodLow float64, current models.Candle, candles []models.Candle) bool {
	switch mode {
	case "none":
		return true
	case "close":
		if dir == models.DirectionLong {
			return current.Close > periodHigh
		}
		return current.Close < periodLow
	case "volume":
		n := 20
		if len(candles) < n {
			n = len(candles)
		}
		if n == 0 {
			return false
		}
		var sum float64
		for _, c := range candles[len(candles)-n:] {
			sum += c.Volume
		}
		avg := sum / float64(n)
		return current.Volume > 1.5*avg
	}
	return false
}

// StopPrice derives the protective stop for an entry at entry price,
// dispatching on the stop-loss type.
func (s *CompiledStrategy) StopPrice(entry float64, dir models.Direction, ctx *EvaluationContext) float64 {
	tick := s.Rules.Instrument.TickSize
	sl := s.Rules.Exit.StopLoss
	sign := 1.0
	if dir == models.DirectionShort {
		sign = -1.0
	}

	switch sl.Type {
	case "fixed_ticks":
		return entry - sign*sl.Value*tick

	case "atr_multiple":
		atr := 10 * tick
		if ctx != nil {
			if p := ctx.Indicators["atr14"]; p != nil {
				atr = *p
			}
		}
		return entry - sign*sl.Value*atr

	case "structure":
		if ctx == nil || len(ctx.Candles) == 0 {
			return entry - sign*fallbackStopTicks*tick
		}
		n := structureLookback
		if len(ctx.Candles) < n {
			n = len(ctx.Candles)
		}
		window := ctx.Candles[len(ctx.Candles)-n:]
		if dir == models.DirectionLong {
			low := window[0].Low
			for _, c := range window[1:] {
				low = math.Min(low, c.Low)
			}
			return low - tick
		}
		high := window[0].High
		for _, c := range window[1:] {
			high = math.Max(high, c.High)
		}
		return high + tick

	case "opposite_range":
		if ctx != nil && ctx.OpeningRange != nil && ctx.OpeningRange.IsComplete {
			if dir == models.DirectionLong {
				return ctx.OpeningRange.Low - tick
			}
			return ctx.OpeningRange.High + tick
		}
		return entry - sign*fallbackStopTicks*tick
	}

	return entry - sign*fallbackStopTicks*tick
}

// TargetPrice derives the profit target for an entry/stop pair, dispatching
// on the take-profit type.
func (s *CompiledStrategy) TargetPrice(entry, stop float64, dir models.Direction, ctx *EvaluationContext) float64 {
	tick := s.Rules.Instrument.TickSize
	tp := s.Rules.Exit.TakeProfit
	risk := math.Abs(entry - stop)
	sign := 1.0
	if dir == models.DirectionShort {
		sign = -1.0
	}

	switch tp.Type {
	case "rr_ratio":
		return entry + sign*tp.Value*risk

	case "fixed_ticks":
		return entry + sign*tp.Value*tick

	case "opposite_range":
		if ctx != nil && ctx.OpeningRange != nil && ctx.OpeningRange.IsComplete {
			or := ctx.OpeningRange
			extension := or.High - or.Low
			if dir == models.DirectionLong {
				return or.High + extension
			}
			return or.Low - extension
		}
		return entry + sign*2*risk

	case "structure":
		// No structure-level projection yet; fall back to 2R.
		return entry + sign*2*risk
	}

	return entry + sign*2*risk
}

// ContractQuantity sizes the position from account balance and stop
// distance, clamped to [1, maxContracts].
func (s *CompiledStrategy) ContractQuantity(accountBalance, entry, stop float64) int {
	risk := s.Rules.Risk
	if risk.PositionSizing == "fixed_contracts" {
		return risk.MaxContracts
	}

	tick := s.Rules.Instrument.TickSize
	tickValue := s.Rules.Instrument.TickValue
	ticksAtRisk := math.Abs(entry-stop) / tick
	dollarRisk := ticksAtRisk * tickValue

	qty := 0
	if dollarRisk > 0 {
		qty = int(math.Floor((accountBalance * risk.RiskPercent / 100) / dollarRisk))
	}
	if qty < 1 {
		qty = 1
	}
	if qty > risk.MaxContracts {
		qty = risk.MaxContracts
	}
	return qty
}
