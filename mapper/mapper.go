package mapper

import (
	"math"
	"sort"
	"sync"

	"github.com/dnldd/chartdesk/shared"
)

// Mapper converts between (time, price) domain coordinates and pixel space. It defers to the
// host chart wherever the host can answer and extrapolates from the spacing of the last two
// buffered bars past the loaded data window. All conversions report false when the result is
// currently unrenderable; callers skip such geometry for the frame.
type Mapper struct {
	host     shared.HostChart
	candles  []shared.Candle
	interval int64
	mtx      sync.RWMutex
}

// NewMapper initializes a new mapper over the provided host chart. The interval is the bar
// length in seconds; zero derives it from the last two buffered bars.
func NewMapper(host shared.HostChart, interval int64) *Mapper {
	return &Mapper{
		host:     host,
		interval: interval,
	}
}

// Update replaces the candle snapshot the mapper extrapolates from.
func (m *Mapper) Update(candles []shared.Candle) {
	m.mtx.Lock()
	m.candles = candles
	m.mtx.Unlock()
}

// SetInterval sets the bar length in seconds.
func (m *Mapper) SetInterval(interval int64) {
	m.mtx.Lock()
	m.interval = interval
	m.mtx.Unlock()
}

// snapshot returns the current candles and the effective bar interval.
func (m *Mapper) snapshot() ([]shared.Candle, int64) {
	m.mtx.RLock()
	defer m.mtx.RUnlock()

	interval := m.interval
	n := len(m.candles)
	if interval <= 0 && n >= 2 {
		interval = m.candles[n-1].Time - m.candles[n-2].Time
	}

	return m.candles, interval
}

// Interval returns the effective bar interval in seconds.
func (m *Mapper) Interval() int64 {
	_, interval := m.snapshot()
	return interval
}

// hostX returns the host x coordinate of a bar time.
func (m *Mapper) hostX(t int64) (float64, bool) {
	x, ok := m.host.TimeToCoordinate(t)
	if !ok || !shared.Finite(x) {
		return 0, false
	}

	return x, true
}

// tail returns the coordinate of the last bar and the per-bar pixel delta.
func (m *Mapper) tail(candles []shared.Candle) (float64, float64, bool) {
	n := len(candles)
	if n < 2 {
		return 0, 0, false
	}

	lastX, ok := m.hostX(candles[n-1].Time)
	if !ok {
		return 0, 0, false
	}
	prevX, ok := m.hostX(candles[n-2].Time)
	if !ok {
		return 0, 0, false
	}

	return lastX, lastX - prevX, true
}

// PixelsPerBar returns the pixel width of a single bar.
func (m *Mapper) PixelsPerBar() (float64, bool) {
	candles, _ := m.snapshot()
	_, ppb, ok := m.tail(candles)
	return ppb, ok
}

// floorIndex returns the index of the bar with the largest time <= target, or -1.
func floorIndex(candles []shared.Candle, target int64) int {
	idx := sort.Search(len(candles), func(i int) bool {
		return candles[i].Time > target
	})

	return idx - 1
}

// nearestIndex returns the index of the bar closest in time to the target. An exact match
// short-circuits the search.
func nearestIndex(candles []shared.Candle, target int64) int {
	lo, hi := 0, len(candles)-1
	for lo < hi {
		mid := (lo + hi) / 2
		switch {
		case candles[mid].Time == target:
			return mid
		case candles[mid].Time < target:
			lo = mid + 1
		default:
			hi = mid
		}
	}

	if lo > 0 && abs64(candles[lo-1].Time-target) <= abs64(candles[lo].Time-target) {
		return lo - 1
	}

	return lo
}

// abs64 returns the absolute value of the provided integer.
func abs64(v int64) int64 {
	if v < 0 {
		return -v
	}

	return v
}

// TimeToX converts a domain time to an x coordinate. Fewer than two buffered bars leave
// the mapping undefined.
func (m *Mapper) TimeToX(t int64) (float64, bool) {
	candles, interval := m.snapshot()
	if len(candles) < 2 {
		return 0, false
	}

	x, ok := m.hostX(t)
	if ok {
		return x, true
	}

	lastX, ppb, ok := m.tail(candles)
	if !ok || interval <= 0 {
		return 0, false
	}

	n := len(candles)
	last := candles[n-1]
	first := candles[0]

	switch {
	case t > last.Time:
		if t-last.Time < interval {
			// The still-open current bar occupies the last bar's slot.
			return lastX, true
		}

		return lastX + float64(t-last.Time)/float64(interval)*ppb, true

	case t < first.Time:
		firstX, ok := m.hostX(first.Time)
		if ok {
			return firstX - float64(first.Time-t)/float64(interval)*ppb, true
		}

		return lastX - float64(last.Time-t)/float64(interval)*ppb, true

	default:
		idx := floorIndex(candles, t)
		if idx < 0 || t-candles[idx].Time >= interval {
			idx = nearestIndex(candles, t)
		}

		x, ok := m.hostX(candles[idx].Time)
		if ok {
			return x, true
		}

		return lastX - float64(n-1-idx)*ppb, true
	}
}

// XToTime converts an x coordinate to a domain time.
func (m *Mapper) XToTime(x float64) (int64, bool) {
	if !shared.Finite(x) {
		return 0, false
	}

	candles, interval := m.snapshot()
	if len(candles) < 2 {
		return 0, false
	}

	t, ok := m.host.CoordinateToTime(x)
	if ok {
		return t, true
	}

	lastX, ppb, ok := m.tail(candles)
	if !ok || interval <= 0 || ppb == 0 {
		return 0, false
	}

	n := len(candles)
	bars := (x - lastX) / ppb
	if bars >= 0 {
		return candles[n-1].Time + int64(math.Round(bars*float64(interval))), true
	}

	logical := float64(n-1) + bars
	if logical < 0 {
		return candles[0].Time + int64(math.Round(logical*float64(interval))), true
	}

	return candles[int(math.Round(logical))].Time, true
}

// PriceToY converts a price to a y coordinate.
func (m *Mapper) PriceToY(price float64) (float64, bool) {
	if !shared.Finite(price) {
		return 0, false
	}

	y, ok := m.host.PriceToCoordinate(price)
	if !ok || !shared.Finite(y) {
		return 0, false
	}

	return y, true
}

// YToPrice converts a y coordinate to a price.
func (m *Mapper) YToPrice(y float64) (float64, bool) {
	if !shared.Finite(y) {
		return 0, false
	}

	price, ok := m.host.CoordinateToPrice(y)
	if !ok || !shared.Finite(price) {
		return 0, false
	}

	return price, true
}

// ToPixel converts a domain point to pixel space.
func (m *Mapper) ToPixel(pt shared.DomainPoint) (shared.Point, bool) {
	y, ok := m.PriceToY(pt.Price)
	if !ok {
		return shared.Point{}, false
	}

	x, ok := m.TimeToX(pt.Time)
	if !ok {
		return shared.Point{}, false
	}

	return shared.Point{X: x, Y: y}, true
}

// ToDomain converts a pixel position to a domain point.
func (m *Mapper) ToDomain(x float64, y float64) (shared.DomainPoint, bool) {
	price, ok := m.YToPrice(y)
	if !ok {
		return shared.DomainPoint{}, false
	}

	t, ok := m.XToTime(x)
	if !ok {
		return shared.DomainPoint{}, false
	}

	return shared.DomainPoint{Time: t, Price: price}, true
}

// Nearest returns the buffered candle closest in time to the provided time.
func (m *Mapper) Nearest(t int64) (shared.Candle, bool) {
	candles, _ := m.snapshot()
	if len(candles) == 0 {
		return shared.Candle{}, false
	}

	return candles[nearestIndex(candles, t)], true
}
