package models

import "time"

// Direction is the side of a position or signal.
type Direction string

// Position directions.
const (
	DirectionLong  Direction = "long"
	DirectionShort Direction = "short"
)

// Opposite returns the other side.
func (d Direction) Opposite() Direction {
	if d == DirectionLong {
		return DirectionShort
	}
	return DirectionLong
}

// PositionStatus is the position lifecycle state.
type PositionStatus string

// Position lifecycle states.
const (
	PositionOpen    PositionStatus = "open"
	PositionClosing PositionStatus = "closing"
	PositionClosed  PositionStatus = "closed"
)

// CloseReason records why a position was closed.
type CloseReason string

// Close reasons.
const (
	CloseStopLoss   CloseReason = "stop_loss"
	CloseTakeProfit CloseReason = "take_profit"
	CloseManual     CloseReason = "manual"
	CloseEmergency  CloseReason = "emergency"
	CloseEOD        CloseReason = "eod"
)

// Position is a persisted open or closed position. Unrealized PnL and the
// excursion fields are in price points times contracts; dollar conversion is
// the caller's responsibility via Instrument.PointValue.
type Position struct {
	ID         string `json:"id"`
	UserID     string `json:"user_id"`
	StrategyID string `json:"strategy_id,omitempty"`
	AccountID  string `json:"account_id"`

	Symbol        string    `json:"symbol"`
	Direction     Direction `json:"direction"`
	NetQty        int       `json:"net_qty"`
	AvgEntryPrice float64   `json:"avg_entry_price"`

	StopPrice     float64 `json:"stop_price,omitempty"`
	TargetPrice   float64 `json:"target_price,omitempty"`
	StopOrderID   string  `json:"stop_order_id,omitempty"`
	TargetOrderID string  `json:"target_order_id,omitempty"`

	UnrealizedPnl         float64 `json:"unrealized_pnl"`
	RealizedPnl           float64 `json:"realized_pnl"`
	MaxFavorableExcursion float64 `json:"max_favorable_excursion"`
	MaxAdverseExcursion   float64 `json:"max_adverse_excursion"`

	Status      PositionStatus `json:"status"`
	CloseReason CloseReason    `json:"close_reason,omitempty"`

	OpenedAt time.Time  `json:"opened_at"`
	ClosedAt *time.Time `json:"closed_at,omitempty"`
}

// PriceDiff returns the signed favorable move from entry to current price.
func (p *Position) PriceDiff(currentPrice float64) float64 {
	if p.Direction == DirectionLong {
		return currentPrice - p.AvgEntryPrice
	}
	return p.AvgEntryPrice - currentPrice
}
