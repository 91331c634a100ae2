package models

import (
	"encoding/json"
	"time"
)

// AutonomyLevel controls whether detected setups execute automatically or
// wait for an external approval.
type AutonomyLevel string

// Autonomy levels.
const (
	AutonomyCopilot   AutonomyLevel = "copilot"
	AutonomyAutopilot AutonomyLevel = "autopilot"
)

// StrategyConfig is a persisted strategy row. Rules holds the canonical
// parsed-rules document; the engine compiles it at load time.
type StrategyConfig struct {
	ID        string `json:"id"`
	UserID    string `json:"user_id"`
	AccountID string `json:"account_id"`
	Name      string `json:"name"`

	IsActive      bool            `json:"is_active"`
	AutonomyLevel AutonomyLevel   `json:"autonomy_level"`
	Rules         json.RawMessage `json:"rules"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// SafetyLimits caps trading activity for an account or a single strategy.
// Zero-valued fields mean the limit is not set.
type SafetyLimits struct {
	MaxPositionSize        int     `json:"max_position_size"`
	MaxConcurrentPositions int     `json:"max_concurrent_positions"`
	MaxDailyTrades         int     `json:"max_daily_trades"`
	MaxDailyLoss           float64 `json:"max_daily_loss"`
}

// StateType names one kind of per-strategy intraday state.
type StateType string

// Strategy state types.
const (
	StateOpeningRange StateType = "opening_range"
	StateEMAAnchor    StateType = "ema_anchor"
	StateSessionStats StateType = "session_stats"
	StateLastEntry    StateType = "last_entry"
	StateCooldown     StateType = "cooldown"
)

// StrategyState is one row of intraday strategy state, keyed by
// (StrategyID, Type). A row past ExpiresAt is treated as absent.
type StrategyState struct {
	StrategyID   string          `json:"strategy_id"`
	Type         StateType       `json:"state_type"`
	Payload      json.RawMessage `json:"payload"`
	CalculatedAt time.Time       `json:"calculated_at"`
	ExpiresAt    *time.Time      `json:"expires_at,omitempty"`
}

// Expired reports whether the row is past its expiry at the given instant.
func (s StrategyState) Expired(now time.Time) bool {
	return s.ExpiresAt != nil && now.After(*s.ExpiresAt)
}

// BehavioralRecord is one append-only audit row describing a setup event.
type BehavioralRecord struct {
	ID         string          `json:"id"`
	UserID     string          `json:"user_id"`
	StrategyID string          `json:"strategy_id"`
	SetupID    string          `json:"setup_id"`
	EventType  string          `json:"event_type"`
	Payload    json.RawMessage `json:"payload,omitempty"`
	CreatedAt  time.Time       `json:"created_at"`
}
