package broker

import (
	"context"
	"fmt"
	"log"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/mercerlabs/futures-engine/internal/models"
)

// RolloverStatus tracks how close the front contract is to expiry.
type RolloverStatus string

// Rollover states, ordered by proximity to expiry.
const (
	RolloverNormal    RolloverStatus = "normal"    // > 7 days
	RolloverSwitching RolloverStatus = "switching" // (5, 7]
	RolloverWarning   RolloverStatus = "warning"   // (2, 5]
	RolloverImminent  RolloverStatus = "imminent"  // <= 2 days
)

// RolloverSeverity is the alert level returned by CheckRollover.
type RolloverSeverity string

// Rollover alert severities.
const (
	SeverityNone      RolloverSeverity = "none"
	SeverityWarning   RolloverSeverity = "warning"   // <= 7 days
	SeverityCritical  RolloverSeverity = "critical"  // <= 3 days
	SeverityEmergency RolloverSeverity = "emergency" // <= 1 day
)

// RolloverState is the per-base-instrument rollover snapshot.
type RolloverState struct {
	BaseInstrument string
	CurrentSymbol  string
	NextSymbol     string
	RolloverDate   time.Time
	Status         RolloverStatus
}

// StatusForDays maps days-until-expiry to a rollover status.
func StatusForDays(days int) RolloverStatus {
	switch {
	case days > 7:
		return RolloverNormal
	case days > 5:
		return RolloverSwitching
	case days > 2:
		return RolloverWarning
	default:
		return RolloverImminent
	}
}

// SeverityForDays maps days-until-expiry to an alert severity.
func SeverityForDays(days int) RolloverSeverity {
	switch {
	case days <= 1:
		return SeverityEmergency
	case days <= 3:
		return SeverityCritical
	case days <= 7:
		return SeverityWarning
	default:
		return SeverityNone
	}
}

// ContractLister is the slice of the broker API the resolver needs.
type ContractLister interface {
	FindContracts(ctx context.Context, baseInstrument string) ([]Contract, error)
}

// PositionSource reports the engine's open positions so the resolver never
// switches symbols underneath one.
type PositionSource interface {
	OpenPositions(ctx context.Context) ([]models.Position, error)
}

// Resolver maps base instruments to tradable contract symbols and tracks
// rollover state per base.
type Resolver struct {
	contracts ContractLister
	positions PositionSource
	logger    *log.Logger
	now       func() time.Time

	mu     sync.RWMutex
	states map[string]RolloverState
}

// NewResolver builds a resolver. positions may be nil when no position
// source exists (resolution then never applies the position hold).
func NewResolver(contracts ContractLister, positions PositionSource, logger *log.Logger) *Resolver {
	if logger == nil {
		logger = log.Default()
	}
	return &Resolver{
		contracts: contracts,
		positions: positions,
		logger:    logger,
		now:       time.Now,
		states:    make(map[string]RolloverState),
	}
}

// State returns the tracked rollover state for a base instrument.
func (r *Resolver) State(baseInstrument string) (RolloverState, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	st, ok := r.states[baseInstrument]
	return st, ok
}

// ResolveSymbol returns the tradable contract symbol for a base instrument.
// When checkPositions is set and an open position's contract is within three
// days of expiry, the position's symbol is returned unchanged and the state
// marked imminent; a symbol switch under an open position is never allowed.
func (r *Resolver) ResolveSymbol(ctx context.Context, baseInstrument string, checkPositions bool) (string, error) {
	if baseInstrument == "" {
		return "", fmt.Errorf("resolve symbol: empty base instrument")
	}

	contracts, err := r.contracts.FindContracts(ctx, baseInstrument)
	if err != nil {
		return "", fmt.Errorf("list contracts for %s: %w", baseInstrument, err)
	}
	if len(contracts) == 0 {
		return "", fmt.Errorf("no live contracts for %s", baseInstrument)
	}

	now := r.now()

	if checkPositions && r.positions != nil {
		held, err := r.heldSymbol(ctx, baseInstrument)
		if err != nil {
			return "", err
		}
		if held != "" {
			if c, ok := findContract(contracts, held); ok && c.DaysUntilExpiry(now) < 3 {
				r.setState(baseInstrument, RolloverState{
					BaseInstrument: baseInstrument,
					CurrentSymbol:  held,
					NextSymbol:     r.candidateAfter(contracts, held, now),
					RolloverDate:   c.ExpirationDate,
					Status:         RolloverImminent,
				})
				r.logger.Printf("broker: holding %s through rollover, open position with %d days to expiry",
					held, c.DaysUntilExpiry(now))
				return held, nil
			}
		}
	}

	candidates := filterByExpiry(contracts, now, 7)
	if len(candidates) == 0 {
		r.logger.Printf("broker: no %s contract beyond 7 days to expiry, relaxing to 2", baseInstrument)
		candidates = filterByExpiry(contracts, now, 2)
	}
	if len(candidates) == 0 {
		return "", fmt.Errorf("no %s contract with more than 2 days to expiry", baseInstrument)
	}

	sort.SliceStable(candidates, func(i, j int) bool {
		if candidates[i].DailyVolume != candidates[j].DailyVolume {
			return candidates[i].DailyVolume > candidates[j].DailyVolume
		}
		return candidates[i].ExpirationDate.Before(candidates[j].ExpirationDate)
	})

	top := candidates[0]
	st := RolloverState{
		BaseInstrument: baseInstrument,
		CurrentSymbol:  top.Symbol,
		RolloverDate:   top.ExpirationDate,
		Status:         StatusForDays(top.DaysUntilExpiry(now)),
	}
	if len(candidates) > 1 {
		st.NextSymbol = candidates[1].Symbol
	}
	r.setState(baseInstrument, st)
	return top.Symbol, nil
}

// CheckRollover reports the alert severity for a specific contract symbol
// and the candidate symbol to roll into.
func (r *Resolver) CheckRollover(ctx context.Context, symbol string) (RolloverSeverity, string, error) {
	base := baseOf(symbol)
	contracts, err := r.contracts.FindContracts(ctx, base)
	if err != nil {
		return SeverityNone, "", fmt.Errorf("list contracts for %s: %w", base, err)
	}

	c, ok := findContract(contracts, symbol)
	if !ok {
		return SeverityNone, "", fmt.Errorf("contract %s not found", symbol)
	}

	now := r.now()
	next := r.candidateAfter(contracts, symbol, now)
	return SeverityForDays(c.DaysUntilExpiry(now)), next, nil
}

func (r *Resolver) setState(base string, st RolloverState) {
	r.mu.Lock()
	r.states[base] = st
	r.mu.Unlock()
}

// heldSymbol returns the symbol of an open position on the base instrument,
// or empty when no position exists.
func (r *Resolver) heldSymbol(ctx context.Context, baseInstrument string) (string, error) {
	open, err := r.positions.OpenPositions(ctx)
	if err != nil {
		return "", fmt.Errorf("list open positions: %w", err)
	}
	for _, p := range open {
		if baseOf(p.Symbol) == baseInstrument {
			return p.Symbol, nil
		}
	}
	return "", nil
}

// candidateAfter picks the highest-volume contract expiring after the named
// symbol's contract.
func (r *Resolver) candidateAfter(contracts []Contract, symbol string, now time.Time) string {
	cur, ok := findContract(contracts, symbol)
	if !ok {
		return ""
	}
	best := Contract{}
	for _, c := range contracts {
		if !c.ExpirationDate.After(cur.ExpirationDate) {
			continue
		}
		if best.Symbol == "" || c.DailyVolume > best.DailyVolume {
			best = c
		}
	}
	return best.Symbol
}

func findContract(contracts []Contract, symbol string) (Contract, bool) {
	for _, c := range contracts {
		if c.Symbol == symbol {
			return c, true
		}
	}
	return Contract{}, false
}

func filterByExpiry(contracts []Contract, now time.Time, minDays int) []Contract {
	out := make([]Contract, 0, len(contracts))
	for _, c := range contracts {
		if c.DaysUntilExpiry(now) > minDays {
			out = append(out, c)
		}
	}
	return out
}

// baseOf strips the month/year suffix from a contract symbol. Futures
// symbols are base plus a month code letter and year digit, e.g. ESH6.
func baseOf(symbol string) string {
	s := strings.TrimSpace(symbol)
	for len(s) > 0 {
		last := s[len(s)-1]
		if last >= '0' && last <= '9' {
			s = s[:len(s)-1]
			continue
		}
		break
	}
	// The remaining trailing letter is the month code when the original
	// symbol carried digits.
	if len(s) < len(strings.TrimSpace(symbol)) && len(s) > 1 {
		s = s[:len(s)-1]
	}
	return s
}
