// Package safety evaluates pre-trade limits. The order manager consults it
// before every insert and the engine re-checks daily-loss limits on its
// monitoring tick.
package safety

import (
	"fmt"
	"log"
	"time"

	"github.com/mercerlabs/futures-engine/internal/models"
	"github.com/mercerlabs/futures-engine/internal/storage"
)

// Severity classifies a violation. Only blocked violations stop a trade.
type Severity string

// Violation severities.
const (
	SeverityBlocked Severity = "blocked"
	SeverityWarning Severity = "warning"
)

// Violation is one breached limit.
type Violation struct {
	Rule     string   `json:"rule"`
	Severity Severity `json:"severity"`
	Message  string   `json:"message"`
	Limit    float64  `json:"limit"`
	Actual   float64  `json:"actual"`
}

// CheckInput describes the trade under evaluation.
type CheckInput struct {
	AccountID  string
	StrategyID string
	OrderQty   int
}

// Checker evaluates all limits for an account/strategy pair. Violations are
// collected, never short-circuited, so callers can report every breach.
type Checker struct {
	store  storage.Interface
	logger *log.Logger
	loc    *time.Location
	now    func() time.Time
}

// NewChecker builds a checker. loc is the account-local timezone used for
// the daily midnight boundary; nil falls back to UTC.
func NewChecker(store storage.Interface, loc *time.Location, logger *log.Logger) *Checker {
	if logger == nil {
		logger = log.Default()
	}
	if loc == nil {
		loc = time.UTC
	}
	return &Checker{store: store, logger: logger, loc: loc, now: time.Now}
}

// Check evaluates the four limit rules in order and returns every violation.
// A trade is permitted iff FirstBlocked returns nil.
func (c *Checker) Check(in CheckInput) ([]Violation, error) {
	acct, err := c.store.GetAccountSafetyLimits(in.AccountID)
	if err != nil {
		return nil, fmt.Errorf("account limits: %w", err)
	}
	var strat *models.SafetyLimits
	if in.StrategyID != "" {
		strat, err = c.store.GetStrategySafetyLimits(in.StrategyID)
		if err != nil {
			return nil, fmt.Errorf("strategy limits: %w", err)
		}
	}

	limits := effectiveLimits(acct, strat)
	var violations []Violation

	if limits.MaxPositionSize > 0 && in.OrderQty > limits.MaxPositionSize {
		violations = append(violations, Violation{
			Rule:     "max_position_size",
			Severity: SeverityBlocked,
			Message:  fmt.Sprintf("order quantity %d exceeds max position size %d", in.OrderQty, limits.MaxPositionSize),
			Limit:    float64(limits.MaxPositionSize),
			Actual:   float64(in.OrderQty),
		})
	}

	if limits.MaxConcurrentPositions > 0 {
		open, err := c.store.ListOpenPositions(in.AccountID)
		if err != nil {
			return nil, fmt.Errorf("open positions: %w", err)
		}
		if len(open) >= limits.MaxConcurrentPositions {
			violations = append(violations, Violation{
				Rule:     "max_concurrent_positions",
				Severity: SeverityBlocked,
				Message:  fmt.Sprintf("%d open positions at the limit of %d", len(open), limits.MaxConcurrentPositions),
				Limit:    float64(limits.MaxConcurrentPositions),
				Actual:   float64(len(open)),
			})
		}
	}

	if limits.MaxDailyTrades > 0 {
		count, err := c.store.CountOrdersSince(in.AccountID, c.midnight())
		if err != nil {
			return nil, fmt.Errorf("daily trade count: %w", err)
		}
		if count >= limits.MaxDailyTrades {
			violations = append(violations, Violation{
				Rule:     "max_daily_trades",
				Severity: SeverityBlocked,
				Message:  fmt.Sprintf("%d trades today at the limit of %d", count, limits.MaxDailyTrades),
				Limit:    float64(limits.MaxDailyTrades),
				Actual:   float64(count),
			})
		}
	}

	if limits.MaxDailyLoss > 0 {
		pnl, err := c.DailyPnl(in.AccountID)
		if err != nil {
			return nil, fmt.Errorf("daily pnl: %w", err)
		}
		if pnl <= -limits.MaxDailyLoss {
			violations = append(violations, Violation{
				Rule:     "max_daily_loss",
				Severity: SeverityBlocked,
				Message:  fmt.Sprintf("daily pnl %.2f breaches max daily loss %.2f", pnl, limits.MaxDailyLoss),
				Limit:    limits.MaxDailyLoss,
				Actual:   pnl,
			})
		}
	}

	return violations, nil
}

// DailyPnl sums today's realized results with the open positions' unrealized
// value, in the units the position rows carry.
func (c *Checker) DailyPnl(accountID string) (float64, error) {
	closed, err := c.store.ListPositionsClosedSince(accountID, c.midnight())
	if err != nil {
		return 0, err
	}
	open, err := c.store.ListOpenPositions(accountID)
	if err != nil {
		return 0, err
	}

	var pnl float64
	for _, p := range closed {
		pnl += p.RealizedPnl
	}
	for _, p := range open {
		pnl += p.UnrealizedPnl
	}
	return pnl, nil
}

// midnight returns the start of the current account-local day.
func (c *Checker) midnight() time.Time {
	now := c.now().In(c.loc)
	return time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, c.loc)
}

// FirstBlocked returns the first blocked violation, or nil.
func FirstBlocked(violations []Violation) *Violation {
	for i := range violations {
		if violations[i].Severity == SeverityBlocked {
			return &violations[i]
		}
	}
	return nil
}

// effectiveLimits merges account and strategy scopes, taking the most
// restrictive set value per field.
func effectiveLimits(acct, strat *models.SafetyLimits) models.SafetyLimits {
	var out models.SafetyLimits
	for _, l := range []*models.SafetyLimits{acct, strat} {
		if l == nil {
			continue
		}
		out.MaxPositionSize = tighterInt(out.MaxPositionSize, l.MaxPositionSize)
		out.MaxConcurrentPositions = tighterInt(out.MaxConcurrentPositions, l.MaxConcurrentPositions)
		out.MaxDailyTrades = tighterInt(out.MaxDailyTrades, l.MaxDailyTrades)
		out.MaxDailyLoss = tighterFloat(out.MaxDailyLoss, l.MaxDailyLoss)
	}
	return out
}

func tighterInt(cur, candidate int) int {
	if candidate <= 0 {
		return cur
	}
	if cur <= 0 || candidate < cur {
		return candidate
	}
	return cur
}

func tighterFloat(cur, candidate float64) float64 {
	if candidate <= 0 {
		return cur
	}
	if cur <= 0 || candidate < cur {
		return candidate
	}
	return cur
}
