package overlay

import (
	"fmt"
	"sort"

	"github.com/dnldd/chartdesk/shared"
	"github.com/shopspring/decimal"
)

// Marker represents the filled orders of one side within a single bar.
type Marker struct {
	BarTime      int64
	Side         shared.Side
	Quantity     decimal.Decimal
	AveragePrice float64
}

// Key returns the identifier of the marker.
func (m *Marker) Key() string {
	return fmt.Sprintf("%d:%s", m.BarTime, m.Side.String())
}

type markerKey struct {
	bar  int64
	side shared.Side
}

type markerTotals struct {
	quantity decimal.Decimal
	notional decimal.Decimal
}

// AggregateFills groups filled orders into markers by containing bar and side. Fill times are
// floored to the bar start in UTC and then shifted to display time. Quantities are summed
// exactly and the average price is quantity weighted.
func AggregateFills(fills []shared.Order, timeframe shared.Timeframe, shift shared.TimeShift) []Marker {
	if timeframe.Seconds() <= 0 {
		return nil
	}

	totals := make(map[markerKey]*markerTotals)
	for idx := range fills {
		fill := &fills[idx]
		if fill.Status != shared.Filled && fill.Status != shared.PartiallyFilled {
			continue
		}

		price := fill.AveragePrice
		if price == 0 {
			price = fill.Price
		}
		if price == 0 || fill.Quantity == 0 || fill.UpdatedAt.IsZero() {
			continue
		}

		bar := shift.ToDisplay(timeframe.BarStart(fill.UpdatedAt.Unix()))

		key := markerKey{bar: bar, side: fill.Side}
		entry, ok := totals[key]
		if !ok {
			entry = &markerTotals{}
			totals[key] = entry
		}

		qty := decimal.NewFromFloat(fill.Quantity)
		entry.quantity = entry.quantity.Add(qty)
		entry.notional = entry.notional.Add(qty.Mul(decimal.NewFromFloat(price)))
	}

	markers := make([]Marker, 0, len(totals))
	for key, entry := range totals {
		if entry.quantity.IsZero() {
			continue
		}

		markers = append(markers, Marker{
			BarTime:      key.bar,
			Side:         key.side,
			Quantity:     entry.quantity,
			AveragePrice: entry.notional.Div(entry.quantity).InexactFloat64(),
		})
	}

	sort.Slice(markers, func(i, j int) bool {
		if markers[i].BarTime != markers[j].BarTime {
			return markers[i].BarTime < markers[j].BarTime
		}
		return markers[i].Side < markers[j].Side
	})

	return markers
}
