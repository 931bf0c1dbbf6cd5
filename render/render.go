package render

import (
	"fmt"
	"math"
	"strconv"
	"time"

	"github.com/dnldd/chartdesk/drawing"
	"github.com/dnldd/chartdesk/imbalance"
	"github.com/dnldd/chartdesk/overlay"
	"github.com/dnldd/chartdesk/shared"
)

const (
	lineColor      = "#2962ff"
	fibColor       = "#787b86"
	rectFill       = "rgba(41,98,255,0.2)"
	profitFill     = "rgba(38,166,154,0.25)"
	lossFill       = "rgba(239,83,80,0.25)"
	bullishFill    = "rgba(38,166,154,0.15)"
	bearishFill    = "rgba(239,83,80,0.15)"
	buyColor       = "#26a69a"
	sellColor      = "#ef5350"
	anchorColor    = "#ffffff"
	labelColor     = "#d1d4dc"
	anchorRadius   = 4
	markerRadius   = 4
	labelPadding   = 4
	countdownColor = "#ffffff"
)

// FibLevels are the retracement ratios drawn by fib drawings.
var FibLevels = []float64{0, 0.236, 0.382, 0.5, 0.618, 0.786, 1}

// Projector converts domain values to pixel space.
type Projector interface {
	ToPixel(pt shared.DomainPoint) (shared.Point, bool)
	PriceToY(price float64) (float64, bool)
	TimeToX(t int64) (float64, bool)
}

// FibPrice returns the price of a retracement level between the drawing's points. Level 0
// sits at the second point and level 1 at the first.
func FibPrice(d *drawing.Drawing, level float64) float64 {
	return d.P2.Price - (d.P2.Price-d.P1.Price)*level
}

// RiskReward returns the reward to risk ratio of a long or short drawing.
func RiskReward(d *drawing.Drawing) float64 {
	risk := math.Abs(d.P1.Price - d.P2.Price)
	if risk == 0 {
		return 0
	}

	return math.Abs(d.Target().Price-d.P1.Price) / risk
}

// Drawings paints the provided drawings, with the anchors of the selected one. Drawings that
// cannot be mapped are skipped for the frame.
func Drawings(c Canvas, p Projector, drawings []*drawing.Drawing, selected drawing.ID) {
	for _, d := range drawings {
		if !paintDrawing(c, p, d) {
			continue
		}

		if selected != nil && d.ID == selected {
			for _, anchor := range drawing.Anchors(d, p.ToPixel) {
				c.Circle(anchor.Point, anchorRadius, anchorColor)
			}
		}
	}
}

// paintDrawing paints a single drawing, reporting whether it was mappable.
func paintDrawing(c Canvas, p Projector, d *drawing.Drawing) bool {
	p1, ok := p.ToPixel(d.P1)
	if !ok {
		return false
	}
	p2, ok := p.ToPixel(d.P2)
	if !ok {
		return false
	}

	switch d.Kind {
	case drawing.Line:
		c.Line(p1, p2, lineColor, false)

	case drawing.Rect:
		c.Rect(minPoint(p1, p2), maxPoint(p1, p2), rectFill)

	case drawing.Fib:
		left, right := math.Min(p1.X, p2.X), math.Max(p1.X, p2.X)
		for _, level := range FibLevels {
			price := FibPrice(d, level)
			y, ok := p.PriceToY(price)
			if !ok {
				continue
			}
			c.Line(shared.Point{X: left, Y: y}, shared.Point{X: right, Y: y}, fibColor, false)
			c.Text(shared.Point{X: left, Y: y - labelPadding},
				fmt.Sprintf("%s (%s)", strconv.FormatFloat(level, 'f', -1, 64),
					strconv.FormatFloat(price, 'f', 2, 64)), fibColor)
		}
		c.Line(p1, p2, fibColor, true)

	case drawing.Long, drawing.Short:
		p3, ok := p.ToPixel(d.Target())
		if !ok {
			return false
		}
		entryRight := shared.Point{X: p2.X, Y: p1.Y}
		c.Rect(minPoint(p1, p3), maxPoint(p1, p3), profitFill)
		c.Rect(minPoint(p1, p2), maxPoint(p1, p2), lossFill)
		c.Line(p1, entryRight, labelColor, false)
		c.Text(shared.Point{X: p1.X, Y: p1.Y - labelPadding},
			"R:R "+strconv.FormatFloat(RiskReward(d), 'f', 2, 64), labelColor)

	default:
		return false
	}

	return true
}

func minPoint(a, b shared.Point) shared.Point {
	return shared.Point{X: math.Min(a.X, b.X), Y: math.Min(a.Y, b.Y)}
}

func maxPoint(a, b shared.Point) shared.Point {
	return shared.Point{X: math.Max(a.X, b.X), Y: math.Max(a.Y, b.Y)}
}

// Zones paints fair value gaps from their anchor to the right edge of the chart.
func Zones(c Canvas, p Projector, zones []imbalance.Zone, width float64) {
	for idx := range zones {
		zone := &zones[idx]
		x, ok := p.TimeToX(zone.AnchorTime)
		if !ok {
			continue
		}
		top, ok := p.PriceToY(zone.Top)
		if !ok {
			continue
		}
		bottom, ok := p.PriceToY(zone.Bottom)
		if !ok {
			continue
		}

		fill := bullishFill
		if zone.Sentiment == shared.Bearish {
			fill = bearishFill
		}

		c.Rect(shared.Point{X: x, Y: math.Min(top, bottom)},
			shared.Point{X: width, Y: math.Max(top, bottom)}, fill)
	}
}

// PriceLines paints horizontal price lines across the chart with their labels.
func PriceLines(c Canvas, p Projector, lines []overlay.PriceLine, width float64) {
	for idx := range lines {
		line := &lines[idx]
		y, ok := p.PriceToY(line.Price)
		if !ok {
			continue
		}

		c.Line(shared.Point{X: 0, Y: y}, shared.Point{X: width, Y: y}, line.Color, line.Style != overlay.Solid)
		if line.Label != "" {
			c.Text(shared.Point{X: labelPadding, Y: y - labelPadding}, line.Label, line.Color)
		}
	}
}

// Markers paints historical fill markers at their bar and average price.
func Markers(c Canvas, p Projector, markers []overlay.Marker) {
	for idx := range markers {
		marker := &markers[idx]
		pt, ok := p.ToPixel(shared.DomainPoint{Time: marker.BarTime, Price: marker.AveragePrice})
		if !ok {
			continue
		}

		color := buyColor
		if marker.Side == shared.Sell {
			color = sellColor
		}

		c.Circle(pt, markerRadius, color)
	}
}

// FormatCountdown formats the time remaining until a bar closes as mm:ss, or hh:mm:ss for an
// hour or more.
func FormatCountdown(remaining time.Duration) string {
	if remaining < 0 {
		remaining = 0
	}

	secs := int64(remaining / time.Second)
	hours := secs / 3600
	mins := (secs % 3600) / 60
	secs %= 60

	if hours > 0 {
		return fmt.Sprintf("%02d:%02d:%02d", hours, mins, secs)
	}

	return fmt.Sprintf("%02d:%02d", mins, secs)
}

// Countdown paints the time remaining until the last bar closes beside its close price. The
// last bar time is display shifted; now is converted with the same shift.
func Countdown(c Canvas, p Projector, last shared.Candle, timeframe shared.Timeframe, shift shared.TimeShift, now time.Time, width float64) {
	y, ok := p.PriceToY(last.Close)
	if !ok {
		return
	}

	current := shift.ToDisplay(now.Unix())
	closeAt := last.Time + timeframe.Seconds()
	remaining := time.Duration(closeAt-current) * time.Second

	c.Text(shared.Point{X: width, Y: y}, FormatCountdown(remaining), countdownColor)
}
