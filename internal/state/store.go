// Package state provides typed per-strategy intraday state on top of the
// repository's (strategyId, stateType) primitive. Rows default to expiring
// at the next market close so stale intraday values never leak into the
// following session.
package state

import (
	"encoding/json"
	"fmt"
	"log"
	"time"

	"github.com/mercerlabs/futures-engine/internal/models"
	"github.com/mercerlabs/futures-engine/internal/storage"
)

// Market close used for default expiry.
const (
	marketCloseHour   = 16
	marketCloseMinute = 0
)

// CooldownReason records why a strategy was put on cooldown.
type CooldownReason string

// Cooldown reasons.
const (
	CooldownLoss                CooldownReason = "loss"
	CooldownManual              CooldownReason = "manual"
	CooldownDailyLimit          CooldownReason = "daily_limit"
	CooldownConsecutiveFailures CooldownReason = "consecutive_failures"
)

// Cooldown pauses a strategy until EndTime.
type Cooldown struct {
	Reason       CooldownReason `json:"reason"`
	StartTime    time.Time      `json:"start_time"`
	EndTime      time.Time      `json:"end_time"`
	PreviousLoss *float64       `json:"previous_loss,omitempty"`
}

// SessionStats accumulates per-session trade results.
type SessionStats struct {
	Trades      int     `json:"trades"`
	Wins        int     `json:"wins"`
	Losses      int     `json:"losses"`
	RealizedPnl float64 `json:"realized_pnl"`
}

// LastEntry records the most recent entry taken by a strategy.
type LastEntry struct {
	SetupID   string           `json:"setup_id"`
	Direction models.Direction `json:"direction"`
	Price     float64          `json:"price"`
	Timestamp time.Time        `json:"timestamp"`
}

// Store wraps the repository with typed accessors and default expiry.
type Store struct {
	repo   storage.Interface
	loc    *time.Location
	logger *log.Logger
	now    func() time.Time
}

// NewStore builds a state store. loc is the market timezone used for the
// next-close expiry; nil loads Eastern time.
func NewStore(repo storage.Interface, loc *time.Location, logger *log.Logger) (*Store, error) {
	if logger == nil {
		logger = log.Default()
	}
	if loc == nil {
		var err error
		loc, err = time.LoadLocation("America/New_York")
		if err != nil {
			return nil, fmt.Errorf("loading market timezone: %w", err)
		}
	}
	return &Store{repo: repo, loc: loc, logger: logger, now: time.Now}, nil
}

// NextMarketClose returns the next 16:00 in the market timezone: today's
// close when it is still ahead, otherwise tomorrow's.
func (s *Store) NextMarketClose() time.Time {
	now := s.now().In(s.loc)
	closeAt := time.Date(now.Year(), now.Month(), now.Day(), marketCloseHour, marketCloseMinute, 0, 0, s.loc)
	if !now.Before(closeAt) {
		closeAt = closeAt.AddDate(0, 0, 1)
	}
	return closeAt
}

// save upserts one typed payload with the default next-close expiry.
func (s *Store) save(strategyID string, stateType models.StateType, payload any) error {
	raw, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal %s state: %w", stateType, err)
	}
	expires := s.NextMarketClose()
	return s.repo.UpsertStrategyState(models.StrategyState{
		StrategyID:   strategyID,
		Type:         stateType,
		Payload:      raw,
		CalculatedAt: s.now(),
		ExpiresAt:    &expires,
	})
}

// load reads one typed payload; found is false for missing or expired rows.
func (s *Store) load(strategyID string, stateType models.StateType, out any) (bool, error) {
	row, err := s.repo.GetActiveStrategyState(strategyID, stateType)
	if err != nil {
		return false, err
	}
	if row == nil {
		return false, nil
	}
	if err := json.Unmarshal(row.Payload, out); err != nil {
		return false, fmt.Errorf("unmarshal %s state: %w", stateType, err)
	}
	return true, nil
}

// SaveOpeningRange persists a completed opening range for restart recovery.
func (s *Store) SaveOpeningRange(strategyID string, or models.OpeningRange) error {
	return s.save(strategyID, models.StateOpeningRange, or)
}

// GetOpeningRange returns the persisted opening range, or nil.
func (s *Store) GetOpeningRange(strategyID string) (*models.OpeningRange, error) {
	var or models.OpeningRange
	ok, err := s.load(strategyID, models.StateOpeningRange, &or)
	if err != nil || !ok {
		return nil, err
	}
	return &or, nil
}

// SaveSessionStats persists session statistics.
func (s *Store) SaveSessionStats(strategyID string, stats SessionStats) error {
	return s.save(strategyID, models.StateSessionStats, stats)
}

// GetSessionStats returns the session statistics, or a zero value when none
// exist.
func (s *Store) GetSessionStats(strategyID string) (SessionStats, error) {
	var stats SessionStats
	_, err := s.load(strategyID, models.StateSessionStats, &stats)
	return stats, err
}

// SaveLastEntry persists the most recent entry.
func (s *Store) SaveLastEntry(strategyID string, entry LastEntry) error {
	return s.save(strategyID, models.StateLastEntry, entry)
}

// GetLastEntry returns the most recent entry, or nil.
func (s *Store) GetLastEntry(strategyID string) (*LastEntry, error) {
	var entry LastEntry
	ok, err := s.load(strategyID, models.StateLastEntry, &entry)
	if err != nil || !ok {
		return nil, err
	}
	return &entry, nil
}

// StartCooldown puts a strategy on cooldown until end.
func (s *Store) StartCooldown(strategyID string, reason CooldownReason, end time.Time, previousLoss *float64) error {
	s.logger.Printf("state: cooldown for %s (%s) until %s", strategyID, reason, end.Format(time.RFC3339))
	return s.save(strategyID, models.StateCooldown, Cooldown{
		Reason:       reason,
		StartTime:    s.now(),
		EndTime:      end,
		PreviousLoss: previousLoss,
	})
}

// ActiveCooldown returns the cooldown in effect right now, or nil.
func (s *Store) ActiveCooldown(strategyID string) (*Cooldown, error) {
	var cd Cooldown
	ok, err := s.load(strategyID, models.StateCooldown, &cd)
	if err != nil || !ok {
		return nil, err
	}
	if !s.now().Before(cd.EndTime) {
		return nil, nil
	}
	return &cd, nil
}

// RestoreAll returns all non-expired state rows for the given strategies,
// grouped by strategy and state type. Used at engine start.
func (s *Store) RestoreAll(strategyIDs []string) (map[string]map[models.StateType]json.RawMessage, error) {
	rows, err := s.repo.ListActiveStrategyStates(strategyIDs)
	if err != nil {
		return nil, err
	}
	out := make(map[string]map[models.StateType]json.RawMessage, len(rows))
	for id, byType := range rows {
		out[id] = make(map[models.StateType]json.RawMessage, len(byType))
		for st, row := range byType {
			out[id][st] = row.Payload
		}
	}
	return out, nil
}

// CleanupExpired batch-deletes expired rows and reports the count removed.
func (s *Store) CleanupExpired() (int, error) {
	n, err := s.repo.DeleteExpiredStrategyStates()
	if err != nil {
		return 0, err
	}
	if n > 0 {
		s.logger.Printf("state: removed %d expired rows", n)
	}
	return n, nil
}
