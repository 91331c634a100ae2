// Package storage is the persistence layer: a typed repository interface the
// engine components call into, backed by an atomically written JSON file.
package storage

import (
	"time"

	"github.com/mercerlabs/futures-engine/internal/models"
)

// Interface is the repository contract. Lookups that find nothing return
// (nil, nil); errors are reserved for storage failures and constraint
// violations.
type Interface interface {
	// Strategies.
	ListActiveStrategies(userID, accountID string) ([]models.StrategyConfig, error)
	UpdateStrategy(s models.StrategyConfig) error

	// Orders. InsertOrder enforces at most one row per setup id.
	FindOrderBySetupID(setupID string) (*models.Order, error)
	GetOrder(orderID string) (*models.Order, error)
	InsertOrder(o models.Order) error
	UpdateOrder(o models.Order) error
	ListActiveOrders(accountID string) ([]models.Order, error)
	CountOrdersSince(accountID string, since time.Time) (int, error)

	// Fills. InsertFill enforces brokerFillId uniqueness.
	FindFillByBrokerFillID(brokerFillID string) (*models.Fill, error)
	InsertFill(f models.Fill) error
	ListFillsByOrder(orderID string) ([]models.Fill, error)

	// Positions.
	GetPosition(positionID string) (*models.Position, error)
	InsertPosition(p models.Position) error
	UpdatePosition(p models.Position) error
	ListOpenPositions(accountID string) ([]models.Position, error)
	ListPositionsClosedSince(accountID string, since time.Time) ([]models.Position, error)

	// Safety limits; nil when none configured for the scope.
	GetAccountSafetyLimits(accountID string) (*models.SafetyLimits, error)
	GetStrategySafetyLimits(strategyID string) (*models.SafetyLimits, error)

	// Strategy intraday state, keyed by (strategyId, stateType).
	UpsertStrategyState(st models.StrategyState) error
	GetActiveStrategyState(strategyID string, stateType models.StateType) (*models.StrategyState, error)
	ListActiveStrategyStates(strategyIDs []string) (map[string]map[models.StateType]models.StrategyState, error)
	DeleteExpiredStrategyStates() (int, error)

	// Append-only audit log.
	InsertBehavioralRecord(rec models.BehavioralRecord) error
}
