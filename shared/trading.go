package shared

import (
	"fmt"
	"strings"
	"time"
)

// Side represents an order side.
type Side int

const (
	Buy Side = iota
	Sell
)

// String stringifies the provided side.
func (s Side) String() string {
	switch s {
	case Buy:
		return "BUY"
	case Sell:
		return "SELL"
	default:
		return "unknown"
	}
}

// ParseSide parses the provided order side string.
func ParseSide(s string) (Side, error) {
	switch strings.ToUpper(s) {
	case "BUY":
		return Buy, nil
	case "SELL":
		return Sell, nil
	default:
		return 0, fmt.Errorf("unknown side provided: %s", s)
	}
}

// Sign returns 1 for buys and -1 for sells.
func (s Side) Sign() float64 {
	if s == Sell {
		return -1
	}

	return 1
}

// OrderType represents the execution type of an order.
type OrderType int

const (
	Limit OrderType = iota
	Market
)

// String stringifies the provided order type.
func (t OrderType) String() string {
	switch t {
	case Limit:
		return "LIMIT"
	case Market:
		return "MARKET"
	default:
		return "unknown"
	}
}

// ParseOrderType parses the provided order type string.
func ParseOrderType(s string) (OrderType, error) {
	switch strings.ToUpper(s) {
	case "LIMIT":
		return Limit, nil
	case "MARKET":
		return Market, nil
	default:
		return 0, fmt.Errorf("unknown order type provided: %s", s)
	}
}

// OrderStatus represents the lifecycle status of an order.
type OrderStatus int

const (
	New OrderStatus = iota
	PartiallyFilled
	Filled
	Cancelled
)

// String stringifies the provided order status.
func (s OrderStatus) String() string {
	switch s {
	case New:
		return "NEW"
	case PartiallyFilled:
		return "PARTIALLY_FILLED"
	case Filled:
		return "FILLED"
	case Cancelled:
		return "CANCELED"
	default:
		return "unknown"
	}
}

// ParseOrderStatus parses the provided order status string.
func ParseOrderStatus(s string) (OrderStatus, error) {
	switch strings.ToUpper(s) {
	case "NEW":
		return New, nil
	case "PARTIALLY_FILLED":
		return PartiallyFilled, nil
	case "FILLED":
		return Filled, nil
	case "CANCELED", "CANCELLED":
		return Cancelled, nil
	default:
		return 0, fmt.Errorf("unknown order status provided: %s", s)
	}
}

// Resting reports whether an order with the status is still unfilled on the book.
func (s OrderStatus) Resting() bool {
	return s == New || s == PartiallyFilled
}

// Position represents an open position. Quantity is signed, negative for shorts. Zero take
// profit or stop loss values are unset.
type Position struct {
	ID            string
	Symbol        string
	Quantity      float64
	EntryPrice    float64
	StopLoss      float64
	TakeProfit    float64
	Leverage      float64
	UnrealizedPNL *float64
}

// Account represents the trading account state.
type Account struct {
	Balance   float64
	Positions []Position
}

// Order represents an exchange order. Zero take profit or stop loss values are unset.
type Order struct {
	ID           string
	Symbol       string
	Side         Side
	Type         OrderType
	Status       OrderStatus
	Price        float64
	Quantity     float64
	TakeProfit   float64
	StopLoss     float64
	AveragePrice float64
	UpdatedAt    time.Time
}

// OrderRequest represents a new order submission.
type OrderRequest struct {
	ClientID string
	Symbol   string
	Side     Side
	Type     OrderType
	Quantity float64
	Price    float64
}

// OrderPatch represents a partial order update. Nil fields are left untouched, zero clears.
type OrderPatch struct {
	Price      *float64
	TakeProfit *float64
	StopLoss   *float64
}

// PositionPatch represents a partial position update. Nil fields are left untouched, zero clears.
type PositionPatch struct {
	TakeProfit *float64
	StopLoss   *float64
}

// ActionResult represents the backend acknowledgement of a trading action.
type ActionResult struct {
	Success bool
	Message string
}
