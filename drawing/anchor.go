package drawing

import (
	"math"

	"github.com/dnldd/chartdesk/shared"
)

const (
	// HitTolerance is the pixel distance within which anchors and bodies are hit.
	HitTolerance = 10
)

// Role represents the function of an anchor on its drawing.
type Role int

const (
	Endpoint Role = iota
	Corner
	Entry
	Stop
	Target
	Width
)

// Project converts a domain point to pixel space.
type Project func(pt shared.DomainPoint) (shared.Point, bool)

// Anchor represents a draggable control point of a selected drawing.
type Anchor struct {
	Index int
	Role  Role
	Point shared.Point
}

// Anchors returns the anchors of the provided drawing. Anchors that cannot be projected are
// omitted; the index of the remaining anchors is stable.
//
// Lines and fibs expose their two endpoints, rects their four corners starting at P1 and going
// through (P2.Time, P1.Price), P2 and (P1.Time, P2.Price). Long and short drawings expose entry,
// stop, target and a width control at the stop's x and the entry's y.
func Anchors(d *Drawing, project Project) []Anchor {
	var anchors []Anchor
	add := func(idx int, role Role, pt shared.DomainPoint) {
		px, ok := project(pt)
		if !ok {
			return
		}
		anchors = append(anchors, Anchor{Index: idx, Role: role, Point: px})
	}

	switch d.Kind {
	case Line, Fib:
		add(0, Endpoint, d.P1)
		add(1, Endpoint, d.P2)

	case Rect:
		add(0, Corner, d.P1)
		add(1, Corner, shared.DomainPoint{Time: d.P2.Time, Price: d.P1.Price})
		add(2, Corner, d.P2)
		add(3, Corner, shared.DomainPoint{Time: d.P1.Time, Price: d.P2.Price})

	case Long, Short:
		add(0, Entry, d.P1)
		add(1, Stop, d.P2)
		add(2, Target, d.Target())
		add(3, Width, shared.DomainPoint{Time: d.P2.Time, Price: d.P1.Price})
	}

	return anchors
}

// HitAnchor returns the index of the anchor closest to the provided pixel within tolerance.
func HitAnchor(d *Drawing, project Project, pt shared.Point) (int, bool) {
	best := -1
	bestDist := math.Inf(1)
	for _, anchor := range Anchors(d, project) {
		dist := math.Hypot(anchor.Point.X-pt.X, anchor.Point.Y-pt.Y)
		if dist <= HitTolerance && dist < bestDist {
			best = anchor.Index
			bestDist = dist
		}
	}

	return best, best >= 0
}

// MoveAnchor applies a drag of the provided anchor to the domain point. A horizontal lock pins
// stop and width edits of long and short drawings to the entry price.
func MoveAnchor(d *Drawing, idx int, pt shared.DomainPoint, horizontal bool) {
	switch d.Kind {
	case Line, Fib:
		switch idx {
		case 0:
			d.P1 = pt
		case 1:
			d.P2 = pt
		}

	case Rect:
		switch idx {
		case 0:
			d.P1 = pt
		case 1:
			d.P2.Time = pt.Time
			d.P1.Price = pt.Price
		case 2:
			d.P2 = pt
		case 3:
			d.P1.Time = pt.Time
			d.P2.Price = pt.Price
		}

	case Long, Short:
		switch idx {
		case 0:
			d.P1 = pt
		case 1:
			d.P2 = pt
			if horizontal {
				d.P2.Price = d.P1.Price
			}
			if d.P3 != nil {
				d.P3.Time = d.P2.Time
			}
		case 2:
			d.P3 = &shared.DomainPoint{Time: pt.Time, Price: pt.Price}
			d.P2.Time = pt.Time
		case 3:
			d.P2.Time = pt.Time
			if horizontal {
				d.P2.Price = d.P1.Price
			}
			if d.P3 != nil {
				d.P3.Time = pt.Time
			}
		}
	}
}

// segmentDistance returns the distance from p to the segment ab.
func segmentDistance(p, a, b shared.Point) float64 {
	dx := b.X - a.X
	dy := b.Y - a.Y
	lenSq := dx*dx + dy*dy
	if lenSq == 0 {
		return math.Hypot(p.X-a.X, p.Y-a.Y)
	}

	t := ((p.X-a.X)*dx + (p.Y-a.Y)*dy) / lenSq
	t = math.Max(0, math.Min(1, t))

	return math.Hypot(p.X-(a.X+t*dx), p.Y-(a.Y+t*dy))
}

// boxDistance returns the distance from p to the axis-aligned box spanned by the provided
// points. Points inside the box are at distance zero.
func boxDistance(p shared.Point, corners ...shared.Point) float64 {
	minX, maxX := math.Inf(1), math.Inf(-1)
	minY, maxY := math.Inf(1), math.Inf(-1)
	for _, c := range corners {
		minX = math.Min(minX, c.X)
		maxX = math.Max(maxX, c.X)
		minY = math.Min(minY, c.Y)
		maxY = math.Max(maxY, c.Y)
	}

	dx := math.Max(0, math.Max(minX-p.X, p.X-maxX))
	dy := math.Max(0, math.Max(minY-p.Y, p.Y-maxY))

	return math.Hypot(dx, dy)
}

// Distance returns the pixel distance from the provided point to the body of the drawing.
func Distance(d *Drawing, project Project, pt shared.Point) (float64, bool) {
	p1, ok := project(d.P1)
	if !ok {
		return 0, false
	}
	p2, ok := project(d.P2)
	if !ok {
		return 0, false
	}

	switch d.Kind {
	case Line, Fib:
		return segmentDistance(pt, p1, p2), true
	case Rect:
		return boxDistance(pt, p1, p2), true
	case Long, Short:
		p3, ok := project(d.Target())
		if !ok {
			return boxDistance(pt, p1, p2), true
		}
		return boxDistance(pt, p1, p2, p3), true
	default:
		return 0, false
	}
}

// Snap replaces the provided point's time with the nearest candle's time and its price with
// the closest of that candle's open, high, low and close.
func Snap(pt shared.DomainPoint, nearest func(t int64) (shared.Candle, bool)) shared.DomainPoint {
	c, ok := nearest(pt.Time)
	if !ok {
		return pt
	}

	price := c.Open
	for _, v := range []float64{c.High, c.Low, c.Close} {
		if math.Abs(v-pt.Price) < math.Abs(price-pt.Price) {
			price = v
		}
	}

	return shared.DomainPoint{Time: c.Time, Price: price}
}
