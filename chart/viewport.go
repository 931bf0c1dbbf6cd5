package chart

import (
	"math"
	"sync"

	"github.com/dnldd/chartdesk/shared"
	"go.uber.org/atomic"
)

const (
	// DefaultBarSpacing is the default horizontal distance between bars in pixels.
	DefaultBarSpacing = 10
	// pricePadding is the share of the visible price range padded above and below.
	pricePadding = 0.05
	// rightMargin is the number of empty bars kept right of the last bar.
	rightMargin = 5
)

// Viewport is a headless host chart. It lays the series out at a fixed bar spacing from a
// scrollable logical offset and fits the price axis to the visible bars. Embedders with a
// real chart widget supply their own shared.HostChart instead.
type Viewport struct {
	width       float64
	height      float64
	spacing     float64
	offset      float64
	top         float64
	bottom      float64
	times       []int64
	index       map[int64]int
	candles     []shared.Candle
	follow      bool
	mtx         sync.RWMutex
	interactive atomic.Bool
	frames      atomic.Uint64
	onRedraw    func()
}

// Ensure the viewport implements the HostChart interface.
var _ shared.HostChart = (*Viewport)(nil)

// NewViewport initializes a headless viewport of the provided pixel size. The optional
// redraw function is invoked on every repaint request.
func NewViewport(width float64, height float64, onRedraw func()) *Viewport {
	v := &Viewport{
		width:    width,
		height:   height,
		spacing:  DefaultBarSpacing,
		index:    make(map[int64]int),
		follow:   true,
		onRedraw: onRedraw,
	}
	v.interactive.Store(true)

	return v
}

// visibleBars returns the number of bars that fit the viewport width.
func (v *Viewport) visibleBars() float64 {
	return v.width / v.spacing
}

// SetSeries replaces the rendered series. The view stays anchored on the bars it showed:
// prepended history shifts the offset, and a view following the last bar keeps following it.
func (v *Viewport) SetSeries(candles []shared.Candle) {
	v.mtx.Lock()
	defer v.mtx.Unlock()

	if len(v.times) > 0 && len(candles) > 0 {
		first := v.times[0]
		for idx := range candles {
			if candles[idx].Time == first {
				v.offset += float64(idx)
				break
			}
		}
	}

	v.candles = candles
	v.times = make([]int64, len(candles))
	clear(v.index)
	for idx := range candles {
		v.times[idx] = candles[idx].Time
		v.index[candles[idx].Time] = idx
	}

	if v.follow {
		v.offset = float64(len(candles)) + rightMargin - v.visibleBars()
	}

	v.fitLocked()
}

// fitLocked fits the price axis to the visible bars.
func (v *Viewport) fitLocked() {
	low, high := math.Inf(1), math.Inf(-1)
	from := int(math.Max(0, math.Floor(v.offset)))
	to := int(math.Min(float64(len(v.candles)), math.Ceil(v.offset+v.visibleBars())))
	for idx := from; idx < to; idx++ {
		low = math.Min(low, v.candles[idx].Low)
		high = math.Max(high, v.candles[idx].High)
	}

	if math.IsInf(low, 0) || math.IsInf(high, 0) {
		return
	}

	pad := (high - low) * pricePadding
	if pad == 0 {
		pad = math.Max(math.Abs(high)*pricePadding, 1)
	}
	v.top = high + pad
	v.bottom = low - pad
}

// Scroll moves the view by the provided number of bars, negative towards older data. It is
// a no-op while interaction is disabled.
func (v *Viewport) Scroll(bars float64) {
	if !v.interactive.Load() {
		return
	}

	v.mtx.Lock()
	v.offset += bars
	v.follow = v.offset+v.visibleBars() >= float64(len(v.times))+rightMargin
	v.fitLocked()
	v.mtx.Unlock()

	v.RequestRedraw()
}

// Zoom scales the bar spacing by the provided factor. It is a no-op while interaction is
// disabled.
func (v *Viewport) Zoom(factor float64) {
	if !v.interactive.Load() || factor <= 0 {
		return
	}

	v.mtx.Lock()
	end := v.offset + v.visibleBars()
	v.spacing = math.Max(1, v.spacing*factor)
	v.offset = end - v.visibleBars()
	v.fitLocked()
	v.mtx.Unlock()

	v.RequestRedraw()
}

// VisibleFrom returns the logical index of the leftmost visible bar.
func (v *Viewport) VisibleFrom() float64 {
	v.mtx.RLock()
	defer v.mtx.RUnlock()

	return v.offset
}

// TimeToCoordinate returns the x coordinate of a bar time present in the series.
func (v *Viewport) TimeToCoordinate(t int64) (float64, bool) {
	v.mtx.RLock()
	defer v.mtx.RUnlock()

	idx, ok := v.index[t]
	if !ok {
		return 0, false
	}

	return (float64(idx) - v.offset) * v.spacing, true
}

// CoordinateToTime returns the time of the bar at the provided x coordinate.
func (v *Viewport) CoordinateToTime(x float64) (int64, bool) {
	v.mtx.RLock()
	defer v.mtx.RUnlock()

	idx := int(math.Round(x/v.spacing + v.offset))
	if idx < 0 || idx >= len(v.times) {
		return 0, false
	}

	return v.times[idx], true
}

// PriceToCoordinate returns the y coordinate of the provided price.
func (v *Viewport) PriceToCoordinate(price float64) (float64, bool) {
	v.mtx.RLock()
	defer v.mtx.RUnlock()

	if v.top == v.bottom {
		return 0, false
	}

	return (v.top - price) / (v.top - v.bottom) * v.height, true
}

// CoordinateToPrice returns the price at the provided y coordinate.
func (v *Viewport) CoordinateToPrice(y float64) (float64, bool) {
	v.mtx.RLock()
	defer v.mtx.RUnlock()

	if v.top == v.bottom || v.height == 0 {
		return 0, false
	}

	return v.top - y/v.height*(v.top-v.bottom), true
}

// Width returns the viewport width in pixels.
func (v *Viewport) Width() float64 {
	return v.width
}

// RequestRedraw records a repaint request.
func (v *Viewport) RequestRedraw() {
	v.frames.Inc()
	if v.onRedraw != nil {
		v.onRedraw()
	}
}

// Frames returns the number of repaint requests received.
func (v *Viewport) Frames() uint64 {
	return v.frames.Load()
}

// SetInteractive enables or disables scrolling and zooming.
func (v *Viewport) SetInteractive(enabled bool) {
	v.interactive.Store(enabled)
}

// Interactive reports whether scrolling and zooming are enabled.
func (v *Viewport) Interactive() bool {
	return v.interactive.Load()
}
