package schema

import (
	"time"

	"github.com/shopspring/decimal"
)

// Direction is the side of an order or position.
type Direction uint8

const (
	DirectionUnknown Direction = iota
	DirectionBuy
	DirectionSell
)

func (d Direction) String() string {
	switch d {
	case DirectionBuy:
		return "BUY"
	case DirectionSell:
		return "SELL"
	default:
		return "UNKNOWN"
	}
}

// Opposite returns the closing direction.
func (d Direction) Opposite() Direction {
	switch d {
	case DirectionBuy:
		return DirectionSell
	case DirectionSell:
		return DirectionBuy
	default:
		return DirectionUnknown
	}
}

// OrderType describes how the venue prices an order.
type OrderType uint8

const (
	OrderTypeUnknown OrderType = iota
	OrderTypeMarket
	OrderTypeLimit
	OrderTypeStop
)

func (t OrderType) String() string {
	switch t {
	case OrderTypeMarket:
		return "MKT"
	case OrderTypeLimit:
		return "LMT"
	case OrderTypeStop:
		return "STP"
	default:
		return "UNKNOWN"
	}
}

// OrderRole is the purpose of an order within its position.
type OrderRole uint8

const (
	OrderRoleUnknown OrderRole = iota
	OrderRoleEntry
	OrderRoleStop
	OrderRoleTarget
	OrderRoleExit
)

func (r OrderRole) String() string {
	switch r {
	case OrderRoleEntry:
		return "entry"
	case OrderRoleStop:
		return "stop"
	case OrderRoleTarget:
		return "target"
	case OrderRoleExit:
		return "exit"
	default:
		return "unknown"
	}
}

// OrderStatus is the venue status of an order.
type OrderStatus uint8

const (
	OrderStatusUnknown OrderStatus = iota
	OrderStatusPending
	OrderStatusWorking
	OrderStatusPartiallyFilled
	OrderStatusFilled
	OrderStatusCancelled
	OrderStatusRejected
)

func (s OrderStatus) String() string {
	switch s {
	case OrderStatusPending:
		return "pending"
	case OrderStatusWorking:
		return "working"
	case OrderStatusPartiallyFilled:
		return "partially-filled"
	case OrderStatusFilled:
		return "filled"
	case OrderStatusCancelled:
		return "cancelled"
	case OrderStatusRejected:
		return "rejected"
	default:
		return "unknown"
	}
}

// Terminal reports whether no further events are expected for the order.
func (s OrderStatus) Terminal() bool {
	switch s {
	case OrderStatusFilled, OrderStatusCancelled, OrderStatusRejected:
		return true
	default:
		return false
	}
}

// Live reports whether the order may still fill.
func (s OrderStatus) Live() bool {
	switch s {
	case OrderStatusPending, OrderStatusWorking, OrderStatusPartiallyFilled:
		return true
	default:
		return false
	}
}

// OrderRequest is what gets submitted to the gateway.
type OrderRequest struct {
	ClientOrderID string          `json:"clientOrderId"`
	Instrument    Instrument      `json:"instrument"`
	Direction     Direction       `json:"direction"`
	Type          OrderType       `json:"type"`
	Qty           int64           `json:"qty"`
	Price         decimal.Decimal `json:"price"`
}

// Order is the engine's view of one order. Owned by its trade.
type Order struct {
	ClientOrderID string          `json:"clientOrderId"`
	VenueOrderID  string          `json:"venueOrderId"`
	PositionID    string          `json:"positionId"`
	Role          OrderRole       `json:"role"`
	Direction     Direction       `json:"direction"`
	Type          OrderType       `json:"type"`
	Price         decimal.Decimal `json:"price"`
	Qty           int64           `json:"qty"`
	FilledQty     int64           `json:"filledQty"`
	AvgFillPrice  decimal.Decimal `json:"avgFillPrice"`
	Status        OrderStatus     `json:"status"`
}

// Remaining returns the unfilled quantity.
func (o Order) Remaining() int64 {
	if left := o.Qty - o.FilledQty; left > 0 {
		return left
	}
	return 0
}

// OrderUpdate is a status notification from the gateway.
type OrderUpdate struct {
	ClientOrderID string          `json:"clientOrderId"`
	VenueOrderID  string          `json:"venueOrderId"`
	Status        OrderStatus     `json:"status"`
	FilledQty     int64           `json:"filledQty"`
	AvgFillPrice  decimal.Decimal `json:"avgFillPrice"`
	Reason        string          `json:"reason,omitempty"`
}

// Fill is one execution reported by the gateway.
type Fill struct {
	ExecID        string          `json:"execId"`
	ClientOrderID string          `json:"clientOrderId"`
	Qty           int64           `json:"qty"`
	Price         decimal.Decimal `json:"price"`
	Time          time.Time       `json:"time"`
}

// OrderReport is the gateway's current record of an order, used for reconciliation.
type OrderReport struct {
	ClientOrderID string          `json:"clientOrderId"`
	VenueOrderID  string          `json:"venueOrderId"`
	Instrument    Instrument      `json:"instrument"`
	Status        OrderStatus     `json:"status"`
	Qty           int64           `json:"qty"`
	FilledQty     int64           `json:"filledQty"`
	AvgFillPrice  decimal.Decimal `json:"avgFillPrice"`
}

// Holding is a position as reported by the gateway account.
type Holding struct {
	Instrument Instrument      `json:"instrument"`
	Qty        int64           `json:"qty"`
	AvgCost    decimal.Decimal `json:"avgCost"`
}
