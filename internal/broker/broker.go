// Package broker implements the authenticated broker request layer: token
// lifecycle, order RPCs, contract discovery with rollover tracking, cash
// balance and historical-bar fetches.
package broker

import (
	"context"
	"time"

	"github.com/mercerlabs/futures-engine/internal/models"
)

// Broker is the full broker API surface the engine depends on. Production
// code uses *Client; tests substitute a mock.
type Broker interface {
	// PlaceOrder submits a new order. req.CustomTag carries the engine
	// setup id so broker-side records can be tied back to a detection.
	PlaceOrder(ctx context.Context, req PlaceOrderRequest) (*PlaceOrderResponse, error)

	// CancelOrder cancels a working order by broker order id.
	CancelOrder(ctx context.Context, brokerOrderID string) error

	// ModifyOrder adjusts price, stop price or quantity on a working order.
	ModifyOrder(ctx context.Context, brokerOrderID string, req ModifyOrderRequest) error

	// GetOrderStatus fetches the broker-side snapshot of one order.
	GetOrderStatus(ctx context.Context, brokerOrderID string) (*OrderSnapshot, error)

	// GetPositions lists the broker-side open positions.
	GetPositions(ctx context.Context) ([]PositionSnapshot, error)

	// ClosePosition flattens the net quantity in symbol with a market order
	// in the opposite direction.
	ClosePosition(ctx context.Context, symbol string) (*PlaceOrderResponse, error)

	// FindContracts lists the live contracts for a base instrument.
	FindContracts(ctx context.Context, baseInstrument string) ([]Contract, error)

	// GetHistoricalBars returns the most recent barCount bars.
	GetHistoricalBars(ctx context.Context, symbol string, barCount, timeframeMinutes int) ([]models.Candle, error)

	// GetCashBalance returns the account's cash balance snapshot.
	GetCashBalance(ctx context.Context) (*CashBalance, error)
}

// PlaceOrderRequest is the payload for POST /order/placeorder.
type PlaceOrderRequest struct {
	Symbol      string             `json:"symbol"`
	Action      models.OrderAction `json:"action"`
	OrderType   models.OrderType   `json:"orderType"`
	Qty         int                `json:"orderQty"`
	Price       float64            `json:"price,omitempty"`
	StopPrice   float64            `json:"stopPrice,omitempty"`
	TimeInForce models.TimeInForce `json:"timeInForce"`
	// CustomTag is forwarded as customTag50 and carries the setup id.
	CustomTag string `json:"customTag50,omitempty"`
}

// PlaceOrderResponse is the broker's acknowledgement of a placed order.
type PlaceOrderResponse struct {
	OrderID     string `json:"orderId"`
	FailureText string `json:"failureText,omitempty"`
	FailureCode string `json:"failureReason,omitempty"`
}

// ModifyOrderRequest adjusts a working order.
type ModifyOrderRequest struct {
	Qty       int     `json:"orderQty,omitempty"`
	Price     float64 `json:"price,omitempty"`
	StopPrice float64 `json:"stopPrice,omitempty"`
}

// OrderSnapshot is the broker-side view of an order, used by status polls
// and reconciliation.
type OrderSnapshot struct {
	OrderID      string             `json:"orderId"`
	Symbol       string             `json:"symbol"`
	Status       models.OrderStatus `json:"status"`
	FilledQty    int                `json:"filledQty"`
	AvgFillPrice float64            `json:"avgFillPrice"`
	Timestamp    time.Time          `json:"timestamp"`
}

// PositionSnapshot is the broker-side view of an open position.
type PositionSnapshot struct {
	Symbol   string  `json:"symbol"`
	NetQty   int     `json:"netPos"`
	NetPrice float64 `json:"netPrice"`
}

// Contract describes one listed futures contract for a base instrument.
type Contract struct {
	ID             int       `json:"id"`
	Symbol         string    `json:"name"`
	BaseInstrument string    `json:"baseInstrument"`
	ExpirationDate time.Time `json:"expirationDate"`
	DailyVolume    float64   `json:"dailyVolume"`
}

// DaysUntilExpiry returns whole days from now until contract expiration,
// rounded down.
func (c Contract) DaysUntilExpiry(now time.Time) int {
	return int(c.ExpirationDate.Sub(now).Hours() / 24)
}

// CashBalance is the account cash snapshot.
type CashBalance struct {
	AccountID    string  `json:"accountId"`
	TotalCash    float64 `json:"totalCashValue"`
	RealizedPnl  float64 `json:"realizedPnL"`
	OpenPnl      float64 `json:"openPnL"`
	WeekRealized float64 `json:"weekRealizedPnL"`
}
