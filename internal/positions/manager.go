// Package positions owns Position row mutations: opening from filled
// orders, live PnL and excursion tracking, and closing with a reason.
package positions

import (
	"fmt"
	"log"
	"math"
	"time"

	"github.com/google/uuid"

	"github.com/mercerlabs/futures-engine/internal/models"
	"github.com/mercerlabs/futures-engine/internal/storage"
)

// Manager is the single owner of Position row mutations. PnL values stay in
// price points times contracts; dollar conversion is up to the caller via
// the instrument's point value.
type Manager struct {
	store  storage.Interface
	logger *log.Logger
	now    func() time.Time
	newID  func() string
}

// NewManager builds a position manager.
func NewManager(store storage.Interface, logger *log.Logger) *Manager {
	if logger == nil {
		logger = log.Default()
	}
	return &Manager{store: store, logger: logger, now: time.Now, newID: uuid.NewString}
}

// OpenPosition creates an open position from a filled (or partially filled)
// entry order.
func (m *Manager) OpenPosition(order models.Order, stopPrice, targetPrice float64) (*models.Position, error) {
	if order.FilledQty <= 0 {
		return nil, fmt.Errorf("open position: order %s has no filled quantity", order.ID)
	}

	direction := models.DirectionShort
	if order.Action == models.ActionBuy {
		direction = models.DirectionLong
	}

	pos := models.Position{
		ID:            m.newID(),
		UserID:        order.UserID,
		StrategyID:    order.StrategyID,
		AccountID:     order.AccountID,
		Symbol:        order.Symbol,
		Direction:     direction,
		NetQty:        order.FilledQty,
		AvgEntryPrice: order.AvgFillPrice,
		StopPrice:     stopPrice,
		TargetPrice:   targetPrice,
		Status:        models.PositionOpen,
		OpenedAt:      m.now(),
	}
	if err := m.store.InsertPosition(pos); err != nil {
		return nil, fmt.Errorf("insert position: %w", err)
	}
	m.logger.Printf("positions: opened %s %s x%d %s @ %.2f",
		pos.ID, direction, pos.NetQty, pos.Symbol, pos.AvgEntryPrice)
	return &pos, nil
}

// UpdatePnl recomputes unrealized PnL at the current price and advances the
// excursion watermarks.
func (m *Manager) UpdatePnl(positionID string, currentPrice float64) (*models.Position, error) {
	pos, err := m.store.GetPosition(positionID)
	if err != nil {
		return nil, err
	}
	if pos == nil {
		return nil, fmt.Errorf("position %s not found", positionID)
	}
	if pos.Status == models.PositionClosed {
		return nil, fmt.Errorf("position %s already closed", positionID)
	}

	pos.UnrealizedPnl = pos.PriceDiff(currentPrice) * float64(pos.NetQty)
	pos.MaxFavorableExcursion = math.Max(pos.MaxFavorableExcursion, pos.UnrealizedPnl)
	pos.MaxAdverseExcursion = math.Min(pos.MaxAdverseExcursion, pos.UnrealizedPnl)

	if err := m.store.UpdatePosition(*pos); err != nil {
		return nil, err
	}
	return pos, nil
}

// ClosePosition settles the position at closePrice, moving unrealized into
// realized PnL.
func (m *Manager) ClosePosition(positionID string, closePrice float64, reason models.CloseReason) (*models.Position, error) {
	pos, err := m.store.GetPosition(positionID)
	if err != nil {
		return nil, err
	}
	if pos == nil {
		return nil, fmt.Errorf("position %s not found", positionID)
	}
	if pos.Status == models.PositionClosed {
		return nil, fmt.Errorf("position %s already closed", positionID)
	}

	now := m.now()
	pos.RealizedPnl = pos.PriceDiff(closePrice) * float64(pos.NetQty)
	pos.UnrealizedPnl = 0
	pos.Status = models.PositionClosed
	pos.CloseReason = reason
	pos.ClosedAt = &now

	if err := m.store.UpdatePosition(*pos); err != nil {
		return nil, err
	}
	m.logger.Printf("positions: closed %s (%s) realized %.2f", pos.ID, reason, pos.RealizedPnl)
	return pos, nil
}

// AccountRisk sums |entry - stop| * netQty over the account's open
// positions, bucketed by strategy id. Positions without a stop contribute
// nothing.
func (m *Manager) AccountRisk(accountID string) (map[string]float64, error) {
	open, err := m.store.ListOpenPositions(accountID)
	if err != nil {
		return nil, err
	}

	risk := make(map[string]float64)
	for _, p := range open {
		if p.StopPrice == 0 {
			continue
		}
		risk[p.StrategyID] += math.Abs(p.AvgEntryPrice-p.StopPrice) * float64(p.NetQty)
	}
	return risk, nil
}
