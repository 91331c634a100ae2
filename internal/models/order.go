package models

import "time"

// OrderAction is the side of an order.
type OrderAction string

// Order sides.
const (
	ActionBuy  OrderAction = "Buy"
	ActionSell OrderAction = "Sell"
)

// OrderType is the broker order type.
type OrderType string

// Order types.
const (
	OrderTypeMarket    OrderType = "Market"
	OrderTypeLimit     OrderType = "Limit"
	OrderTypeStop      OrderType = "Stop"
	OrderTypeStopLimit OrderType = "StopLimit"
)

// TimeInForce controls how long an order stays working.
type TimeInForce string

// Time-in-force values.
const (
	TIFDay TimeInForce = "Day"
	TIFGTC TimeInForce = "GTC"
	TIFIOC TimeInForce = "IOC"
	TIFFOK TimeInForce = "FOK"
)

// OrderStatus is the order lifecycle state.
type OrderStatus string

// Order lifecycle states.
const (
	OrderPending     OrderStatus = "Pending"
	OrderWorking     OrderStatus = "Working"
	OrderPartialFill OrderStatus = "PartialFill"
	OrderFilled      OrderStatus = "Filled"
	OrderCancelled   OrderStatus = "Cancelled"
	OrderRejected    OrderStatus = "Rejected"
	OrderExpired     OrderStatus = "Expired"
)

// IsTerminal reports whether the status admits no further transitions.
func (s OrderStatus) IsTerminal() bool {
	switch s {
	case OrderFilled, OrderCancelled, OrderRejected, OrderExpired:
		return true
	}
	return false
}

// OrderTransition defines a valid order status transition.
type OrderTransition struct {
	From OrderStatus
	To   OrderStatus
}

// ValidOrderTransitions is the full order status transition table.
var ValidOrderTransitions = []OrderTransition{
	{OrderPending, OrderWorking},
	{OrderPending, OrderRejected},
	{OrderPending, OrderCancelled},
	{OrderPending, OrderFilled},
	{OrderWorking, OrderPartialFill},
	{OrderWorking, OrderFilled},
	{OrderWorking, OrderCancelled},
	{OrderWorking, OrderRejected},
	{OrderWorking, OrderExpired},
	{OrderPartialFill, OrderFilled},
	{OrderPartialFill, OrderCancelled},
	{OrderPartialFill, OrderRejected},
	{OrderPartialFill, OrderExpired},
}

// CanTransitionOrder reports whether from -> to is a legal status change.
// A no-op transition is always allowed.
func CanTransitionOrder(from, to OrderStatus) bool {
	if from == to {
		return true
	}
	for _, t := range ValidOrderTransitions {
		if t.From == from && t.To == to {
			return true
		}
	}
	return false
}

// BracketType labels an order's role inside a bracket group.
type BracketType string

// Bracket roles.
const (
	BracketEntry      BracketType = "entry"
	BracketStopLoss   BracketType = "stop_loss"
	BracketTakeProfit BracketType = "take_profit"
)

// Order is a persisted order row. SetupID, when present, is the engine-side
// idempotency key; the repository enforces at most one row per setup id.
type Order struct {
	ID            string `json:"id"`
	UserID        string `json:"user_id"`
	StrategyID    string `json:"strategy_id,omitempty"`
	AccountID     string `json:"account_id"`
	SetupID       string `json:"setup_id,omitempty"`
	BrokerOrderID string `json:"broker_order_id,omitempty"`

	Symbol      string      `json:"symbol"`
	Action      OrderAction `json:"action"`
	Type        OrderType   `json:"order_type"`
	Qty         int         `json:"order_qty"`
	Price       float64     `json:"price,omitempty"`
	StopPrice   float64     `json:"stop_price,omitempty"`
	TimeInForce TimeInForce `json:"time_in_force"`

	FilledQty    int     `json:"filled_qty"`
	AvgFillPrice float64 `json:"avg_fill_price,omitempty"`

	Status       OrderStatus `json:"status"`
	RejectReason string      `json:"reject_reason,omitempty"`

	ParentOrderID string      `json:"parent_order_id,omitempty"`
	Bracket       BracketType `json:"bracket_type,omitempty"`

	CreatedAt   time.Time  `json:"created_at"`
	SubmittedAt *time.Time `json:"submitted_at,omitempty"`
	FilledAt    *time.Time `json:"filled_at,omitempty"`
	UpdatedAt   time.Time  `json:"updated_at"`
}

// Fill is a single execution against an order. BrokerFillID is the
// idempotency key; recording the same broker fill twice is a no-op.
type Fill struct {
	ID            string    `json:"id"`
	OrderID       string    `json:"order_id"`
	BrokerFillID  string    `json:"broker_fill_id,omitempty"`
	Qty           int       `json:"qty"`
	Price         float64   `json:"price"`
	Commission    float64   `json:"commission"`
	FillTimestamp time.Time `json:"fill_timestamp"`
}
