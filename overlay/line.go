package overlay

import (
	"fmt"
	"math"
	"strconv"

	"github.com/dnldd/chartdesk/shared"
)

const (
	bullishColor = "#26a69a"
	bearishColor = "#ef5350"
	targetColor  = "#4caf50"
	stopColor    = "#f44336"
	orderColor   = "#2196f3"
	markerColor  = "#9e9e9e"
)

// EntityKind represents the trading entity a price line is bound to.
type EntityKind int

const (
	PositionEntity EntityKind = iota
	OrderEntity
	PositionTakeProfit
	PositionStopLoss
	OrderTakeProfit
	OrderStopLoss
	HistoryMarker
)

// String stringifies the provided entity kind.
func (k EntityKind) String() string {
	switch k {
	case PositionEntity:
		return "position"
	case OrderEntity:
		return "order"
	case PositionTakeProfit:
		return "position-tp"
	case PositionStopLoss:
		return "position-sl"
	case OrderTakeProfit:
		return "order-tp"
	case OrderStopLoss:
		return "order-sl"
	case HistoryMarker:
		return "marker"
	default:
		return "unknown"
	}
}

// Style represents the stroke style of a price line.
type Style int

const (
	Solid Style = iota
	Dashed
	Dotted
)

// BoundEntity identifies the trading entity behind a price line.
type BoundEntity struct {
	Kind EntityKind
	ID   string
}

// LineID returns the id of the price line bound to the entity.
func (e BoundEntity) LineID() string {
	return e.Kind.String() + ":" + e.ID
}

// PriceLine represents a horizontal line drawn across the chart at a price.
type PriceLine struct {
	ID        string
	Price     float64
	Color     string
	Style     Style
	Label     string
	Entity    BoundEntity
	Draggable bool
	// Spawned lines are materialized locally and not yet committed to the backend.
	Spawned bool
}

// formatQuantity formats a quantity without trailing zeros.
func formatQuantity(qty float64) string {
	return strconv.FormatFloat(qty, 'f', -1, 64)
}

// formatPNL formats a profit and loss value with an explicit sign.
func formatPNL(pnl float64) string {
	return fmt.Sprintf("%+.2f", pnl)
}

// newLine creates a price line bound to the provided entity.
func newLine(kind EntityKind, id string, price float64, color string, style Style, label string, draggable bool) PriceLine {
	entity := BoundEntity{Kind: kind, ID: id}
	return PriceLine{
		ID:        entity.LineID(),
		Price:     price,
		Color:     color,
		Style:     style,
		Label:     label,
		Entity:    entity,
		Draggable: draggable,
	}
}

// positionLines returns the lines of an open position: its entry and any take profit or stop
// loss. Protective labels project the P&L realized at that price.
func positionLines(pos *shared.Position) []PriceLine {
	color := bullishColor
	if pos.Quantity < 0 {
		color = bearishColor
	}

	label := "POS " + formatQuantity(pos.Quantity)
	if pos.Quantity > 0 {
		label = "POS +" + formatQuantity(pos.Quantity)
	}
	if pos.UnrealizedPNL != nil {
		label += " | " + formatPNL(*pos.UnrealizedPNL)
	}

	lines := []PriceLine{newLine(PositionEntity, pos.ID, pos.EntryPrice, color, Solid, label, false)}

	if pos.TakeProfit != 0 {
		pnl := (pos.TakeProfit - pos.EntryPrice) * pos.Quantity
		lines = append(lines, newLine(PositionTakeProfit, pos.ID, pos.TakeProfit, targetColor, Solid,
			"TP "+formatPNL(pnl), true))
	}
	if pos.StopLoss != 0 {
		pnl := (pos.StopLoss - pos.EntryPrice) * pos.Quantity
		lines = append(lines, newLine(PositionStopLoss, pos.ID, pos.StopLoss, stopColor, Solid,
			"SL "+formatPNL(pnl), true))
	}

	return lines
}

// orderLines returns the lines of a resting limit order: its limit price and dashed lines for
// any attached take profit or stop loss.
func orderLines(order *shared.Order) []PriceLine {
	label := order.Side.String() + " " + formatQuantity(order.Quantity)
	lines := []PriceLine{newLine(OrderEntity, order.ID, order.Price, orderColor, Solid, label, true)}

	sign := order.Side.Sign()
	if order.TakeProfit != 0 {
		pnl := (order.TakeProfit - order.Price) * order.Quantity * sign
		lines = append(lines, newLine(OrderTakeProfit, order.ID, order.TakeProfit, targetColor, Dashed,
			"TP "+formatPNL(pnl), true))
	}
	if order.StopLoss != 0 {
		pnl := (order.StopLoss - order.Price) * order.Quantity * sign
		lines = append(lines, newLine(OrderStopLoss, order.ID, order.StopLoss, stopColor, Dashed,
			"SL "+formatPNL(pnl), true))
	}

	return lines
}

// BuildLines returns the price lines of the symbol's open positions and resting limit orders.
func BuildLines(symbol string, account *shared.Account, orders []shared.Order) []PriceLine {
	var lines []PriceLine
	if account != nil {
		for idx := range account.Positions {
			pos := &account.Positions[idx]
			if pos.Symbol != symbol || pos.Quantity == 0 {
				continue
			}
			lines = append(lines, positionLines(pos)...)
		}
	}

	for idx := range orders {
		order := &orders[idx]
		if order.Symbol != symbol || order.Type != shared.Limit || !order.Status.Resting() {
			continue
		}
		lines = append(lines, orderLines(order)...)
	}

	return lines
}

// nearestLine returns the index of the line closest to y within tolerance, or -1.
func nearestLine(lines []PriceLine, y float64, toY func(price float64) (float64, bool), draggableOnly bool) int {
	best := -1
	bestDist := math.Inf(1)
	for idx := range lines {
		if draggableOnly && !lines[idx].Draggable {
			continue
		}

		ly, ok := toY(lines[idx].Price)
		if !ok {
			continue
		}

		dist := math.Abs(ly - y)
		if dist <= dragTolerance && dist < bestDist {
			best = idx
			bestDist = dist
		}
	}

	return best
}
