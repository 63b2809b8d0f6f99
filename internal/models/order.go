package models

import "time"

// OrderSide is the exchange-facing buy/sell direction.
type OrderSide string

const (
	// OrderSideBuy buys contracts.
	OrderSideBuy OrderSide = "buy"
	// OrderSideSell sells contracts.
	OrderSideSell OrderSide = "sell"
)

// Opposite returns the other side.
func (s OrderSide) Opposite() OrderSide {
	if s == OrderSideBuy {
		return OrderSideSell
	}
	return OrderSideBuy
}

// SideForSignal maps a signal direction to an entry order side.
func SideForSignal(t SignalType) OrderSide {
	if t == SignalShort {
		return OrderSideSell
	}
	return OrderSideBuy
}

// OrderType is the venue order type.
type OrderType string

const (
	// OrderTypeMarket is an immediate market order.
	OrderTypeMarket OrderType = "MARKET"
	// OrderTypeLimit is a resting limit order.
	OrderTypeLimit OrderType = "LIMIT"
	// OrderTypeStopLoss is a stop-trigger reduce order.
	OrderTypeStopLoss OrderType = "STOP_LOSS"
	// OrderTypeTakeProfit is a take-profit trigger reduce order.
	OrderTypeTakeProfit OrderType = "TAKE_PROFIT"
)

// OrderStatus is the lifecycle status of an order.
type OrderStatus string

const (
	// OrderStatusPending means not yet submitted to the venue.
	OrderStatusPending OrderStatus = "PENDING"
	// OrderStatusSubmitted means accepted by the venue, not filled.
	OrderStatusSubmitted OrderStatus = "SUBMITTED"
	// OrderStatusFilled means completely filled.
	OrderStatusFilled OrderStatus = "FILLED"
	// OrderStatusCancelled means cancelled before a complete fill.
	OrderStatusCancelled OrderStatus = "CANCELLED"
	// OrderStatusRejected means refused by the venue.
	OrderStatusRejected OrderStatus = "REJECTED"
)

// Terminal reports whether the status can no longer change.
func (s OrderStatus) Terminal() bool {
	return s == OrderStatusFilled || s == OrderStatusCancelled || s == OrderStatusRejected
}

// Order is a standalone order value. Positions reference orders by id only;
// there are no pointer cycles between the two.
type Order struct {
	OrderID       string      `json:"order_id"`
	ClientOrderID string      `json:"client_order_id"`
	Timestamp     time.Time   `json:"timestamp"`
	Symbol        string      `json:"symbol"`
	Side          OrderSide   `json:"side"`
	Type          OrderType   `json:"order_type"`
	Size          float64     `json:"size"` // contracts
	Price         float64     `json:"price,omitempty"`
	StopPrice     float64     `json:"stop_price,omitempty"`
	Status        OrderStatus `json:"status"`
	FilledSize    float64     `json:"filled_size"`
	FilledPrice   float64     `json:"filled_price,omitempty"`
	FilledAt      time.Time   `json:"filled_at,omitempty"`
	ParentOrderID string      `json:"parent_order_id,omitempty"`
	ReduceOnly    bool        `json:"reduce_only"`
}

// OrderIntent is a pre-conversion trade proposal produced by the risk gate.
// Spot-anchored prices are carried until the executor converts them to the
// futures mark.
type OrderIntent struct {
	Signal       Signal    `json:"signal"`
	Side         OrderSide `json:"side"`
	SizeNotional float64   `json:"size_notional"`
	Leverage     float64   `json:"leverage"`
	SpotEntry    float64   `json:"spot_entry"`
	SpotStop     float64   `json:"spot_stop"`
	SpotTP       float64   `json:"spot_tp,omitempty"`
	FuturesEntry float64   `json:"futures_entry,omitempty"`
	FuturesStop  float64   `json:"futures_stop,omitempty"`
	FuturesTP    float64   `json:"futures_tp,omitempty"`
}

// FillRecord is one execution against an order.
type FillRecord struct {
	OrderID   string    `json:"order_id"`
	Timestamp time.Time `json:"timestamp"`
	Size      float64   `json:"size"` // contracts
	Price     float64   `json:"price"`
}
