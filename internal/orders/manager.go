// Package orders owns the order and fill lifecycle: idempotent creation,
// broker submission, fill reconciliation and broker-side status reconcile.
package orders

import (
	"context"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/google/uuid"

	"github.com/mercerlabs/futures-engine/internal/broker"
	"github.com/mercerlabs/futures-engine/internal/models"
	"github.com/mercerlabs/futures-engine/internal/safety"
	"github.com/mercerlabs/futures-engine/internal/storage"
)

// CreateOrderInput describes a new order. Symbol is the base instrument;
// resolution to a tradable contract happens at submit time.
type CreateOrderInput struct {
	UserID     string
	StrategyID string
	AccountID  string
	SetupID    string

	Symbol      string
	Action      models.OrderAction
	OrderType   models.OrderType
	Qty         int
	Price       float64
	StopPrice   float64
	TimeInForce models.TimeInForce

	ParentOrderID string
	Bracket       models.BracketType
}

// Manager is the single owner of Order and Fill row mutations.
type Manager struct {
	store    storage.Interface
	broker   broker.Broker
	resolver *broker.Resolver
	checker  *safety.Checker
	logger   *log.Logger
	now      func() time.Time
	newID    func() string

	// onLatency observes the place-order round trip; wired to metrics.
	onLatency func(d time.Duration)
}

// NewManager builds an order manager.
func NewManager(store storage.Interface, brk broker.Broker, resolver *broker.Resolver, checker *safety.Checker, logger *log.Logger) *Manager {
	if logger == nil {
		logger = log.Default()
	}
	return &Manager{
		store:    store,
		broker:   brk,
		resolver: resolver,
		checker:  checker,
		logger:   logger,
		now:      time.Now,
		newID:    uuid.NewString,
	}
}

// OnSubmitLatency registers an observer for the broker round-trip duration.
func (m *Manager) OnSubmitLatency(fn func(d time.Duration)) { m.onLatency = fn }

// CreateOrder inserts a Pending order row. When input.SetupID already has a
// row the existing row is returned unchanged; otherwise pre-trade safety
// runs and a blocked violation aborts the create.
func (m *Manager) CreateOrder(input CreateOrderInput) (*models.Order, error) {
	if input.Qty <= 0 {
		return nil, fmt.Errorf("create order: quantity must be positive")
	}

	if input.SetupID != "" {
		existing, err := m.store.FindOrderBySetupID(input.SetupID)
		if err != nil {
			return nil, fmt.Errorf("setup lookup: %w", err)
		}
		if existing != nil {
			m.logger.Printf("orders: reusing order %s for setup %s", existing.ID, input.SetupID)
			return existing, nil
		}
	}

	violations, err := m.checker.Check(safety.CheckInput{
		AccountID:  input.AccountID,
		StrategyID: input.StrategyID,
		OrderQty:   input.Qty,
	})
	if err != nil {
		return nil, fmt.Errorf("safety check: %w", err)
	}
	if blocked := safety.FirstBlocked(violations); blocked != nil {
		return nil, &SafetyLimitError{Violation: *blocked}
	}

	now := m.now()
	order := models.Order{
		ID:            m.newID(),
		UserID:        input.UserID,
		StrategyID:    input.StrategyID,
		AccountID:     input.AccountID,
		SetupID:       input.SetupID,
		Symbol:        input.Symbol,
		Action:        input.Action,
		Type:          input.OrderType,
		Qty:           input.Qty,
		Price:         input.Price,
		StopPrice:     input.StopPrice,
		TimeInForce:   input.TimeInForce,
		Status:        models.OrderPending,
		ParentOrderID: input.ParentOrderID,
		Bracket:       input.Bracket,
		CreatedAt:     now,
		UpdatedAt:     now,
	}
	if err := m.store.InsertOrder(order); err != nil {
		return nil, fmt.Errorf("insert order: %w", err)
	}
	return &order, nil
}

// SubmitOrder resolves the order's base instrument to a tradable contract
// and places it with the broker. On failure the row is marked Rejected and
// an ExecutionError surfaces.
func (m *Manager) SubmitOrder(ctx context.Context, order *models.Order) error {
	contract, err := m.resolver.ResolveSymbol(ctx, order.Symbol, true)
	if err != nil {
		return m.reject(order, err, RecoveryAlert)
	}

	start := m.now()
	resp, err := m.broker.PlaceOrder(ctx, broker.PlaceOrderRequest{
		Symbol:      contract,
		Action:      order.Action,
		OrderType:   order.Type,
		Qty:         order.Qty,
		Price:       order.Price,
		StopPrice:   order.StopPrice,
		TimeInForce: order.TimeInForce,
		CustomTag:   order.SetupID,
	})
	if m.onLatency != nil {
		m.onLatency(m.now().Sub(start))
	}
	if err != nil {
		return m.reject(order, err, recoveryFor(err))
	}

	now := m.now()
	order.Symbol = contract
	order.BrokerOrderID = resp.OrderID
	order.Status = models.OrderWorking
	order.SubmittedAt = &now
	order.UpdatedAt = now
	if err := m.store.UpdateOrder(*order); err != nil {
		return fmt.Errorf("update order after submit: %w", err)
	}
	m.logger.Printf("orders: submitted %s as broker order %s on %s", order.ID, resp.OrderID, contract)
	return nil
}

// reject marks the order Rejected and wraps the cause in an ExecutionError.
func (m *Manager) reject(order *models.Order, cause error, action RecoveryAction) error {
	now := m.now()
	order.Status = models.OrderRejected
	order.RejectReason = cause.Error()
	order.UpdatedAt = now
	if uerr := m.store.UpdateOrder(*order); uerr != nil {
		m.logger.Printf("orders: failed to persist rejection of %s: %v", order.ID, uerr)
	}
	return &ExecutionError{OrderID: order.ID, RecoveryAction: action, Err: cause}
}

// recoveryFor maps broker failures to recovery actions: server-side faults
// are retryable, everything else is skipped.
func recoveryFor(err error) RecoveryAction {
	var apiErr *broker.APIError
	if errors.As(err, &apiErr) && apiErr.Retryable {
		return RecoveryRetry
	}
	return RecoverySkip
}

// UpdateOrderStatus applies a status change, rejecting illegal transitions,
// and stamps filledAt when the order completes.
func (m *Manager) UpdateOrderStatus(orderID string, status models.OrderStatus, filledQty *int, avgFillPrice *float64) (*models.Order, error) {
	order, err := m.store.GetOrder(orderID)
	if err != nil {
		return nil, err
	}
	if order == nil {
		return nil, fmt.Errorf("order %s not found", orderID)
	}
	if !models.CanTransitionOrder(order.Status, status) {
		return nil, fmt.Errorf("illegal order transition %s -> %s for %s", order.Status, status, orderID)
	}

	now := m.now()
	order.Status = status
	if filledQty != nil {
		order.FilledQty = *filledQty
	}
	if avgFillPrice != nil {
		order.AvgFillPrice = *avgFillPrice
	}
	if status == models.OrderFilled && order.FilledAt == nil {
		order.FilledAt = &now
	}
	order.UpdatedAt = now

	if err := m.store.UpdateOrder(*order); err != nil {
		return nil, err
	}
	return order, nil
}

// RecordFill records one broker execution, idempotent on brokerFillID, and
// recomputes the order's aggregate fill state.
func (m *Manager) RecordFill(orderID, brokerFillID string, qty int, price, commission float64, ts time.Time) (*models.Fill, error) {
	if brokerFillID != "" {
		existing, err := m.store.FindFillByBrokerFillID(brokerFillID)
		if err != nil {
			return nil, err
		}
		if existing != nil {
			return existing, nil
		}
	}

	fill := models.Fill{
		ID:            m.newID(),
		OrderID:       orderID,
		BrokerFillID:  brokerFillID,
		Qty:           qty,
		Price:         price,
		Commission:    commission,
		FillTimestamp: ts,
	}
	if err := m.store.InsertFill(fill); err != nil {
		return nil, fmt.Errorf("insert fill: %w", err)
	}
	if err := m.recalculateOrderFills(orderID); err != nil {
		return nil, err
	}
	return &fill, nil
}

// recalculateOrderFills derives filledQty, avgFillPrice and status from the
// full fill set of the order.
func (m *Manager) recalculateOrderFills(orderID string) error {
	order, err := m.store.GetOrder(orderID)
	if err != nil {
		return err
	}
	if order == nil {
		return fmt.Errorf("order %s not found", orderID)
	}

	fills, err := m.store.ListFillsByOrder(orderID)
	if err != nil {
		return err
	}

	totalQty := 0
	weighted := 0.0
	for _, f := range fills {
		totalQty += f.Qty
		weighted += float64(f.Qty) * f.Price
	}

	now := m.now()
	order.FilledQty = totalQty
	if totalQty > 0 {
		order.AvgFillPrice = weighted / float64(totalQty)
	}
	switch {
	case totalQty >= order.Qty:
		order.Status = models.OrderFilled
		if order.FilledAt == nil {
			order.FilledAt = &now
		}
	case totalQty > 0:
		order.Status = models.OrderPartialFill
	default:
		order.Status = models.OrderWorking
	}
	order.UpdatedAt = now

	return m.store.UpdateOrder(*order)
}

// ReconcileOrders fetches broker-side status for every non-terminal order
// with a broker id and applies any drift. Invoked after market-data
// reconnection.
func (m *Manager) ReconcileOrders(ctx context.Context, accountID string) error {
	active, err := m.store.ListActiveOrders(accountID)
	if err != nil {
		return err
	}

	for _, order := range active {
		if order.BrokerOrderID == "" {
			continue
		}
		snap, err := m.broker.GetOrderStatus(ctx, order.BrokerOrderID)
		if err != nil {
			m.logger.Printf("orders: reconcile %s failed: %v", order.ID, err)
			continue
		}
		if snap.Status == order.Status && snap.FilledQty == order.FilledQty {
			continue
		}
		qty := snap.FilledQty
		price := snap.AvgFillPrice
		if _, err := m.UpdateOrderStatus(order.ID, snap.Status, &qty, &price); err != nil {
			m.logger.Printf("orders: reconcile %s apply failed: %v", order.ID, err)
		}
	}
	return nil
}
