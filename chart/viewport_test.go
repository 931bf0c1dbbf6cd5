package chart

import (
	"math"
	"testing"

	"github.com/dnldd/chartdesk/shared"
	"github.com/peterldowns/testy/assert"
	"go.uber.org/atomic"
)

// series returns count one minute candles starting at the provided time, the nth ranging
// from base+n to base+n+10.
func series(start int64, count int, base float64) []shared.Candle {
	candles := make([]shared.Candle, count)
	for idx := range candles {
		low := base + float64(idx)
		candles[idx] = shared.Candle{
			Time:  start + int64(idx)*60,
			Open:  low + 2,
			High:  low + 10,
			Low:   low,
			Close: low + 8,
		}
	}

	return candles
}

func TestViewport(t *testing.T) {
	var redraws atomic.Int64
	v := NewViewport(100, 200, func() { redraws.Inc() })

	// Ensure an empty viewport maps nothing.
	_, ok := v.TimeToCoordinate(60)
	assert.False(t, ok)
	_, ok = v.CoordinateToTime(0)
	assert.False(t, ok)
	_, ok = v.PriceToCoordinate(10)
	assert.False(t, ok)

	// Ensure a followed series keeps the right margin after the last bar.
	candles := series(600, 20, 0)
	v.SetSeries(candles)
	assert.Equal(t, v.VisibleFrom(), float64(15))

	x, ok := v.TimeToCoordinate(candles[15].Time)
	assert.True(t, ok)
	assert.Equal(t, x, float64(0))
	x, ok = v.TimeToCoordinate(candles[19].Time)
	assert.True(t, ok)
	assert.Equal(t, x, float64(40))

	ts, ok := v.CoordinateToTime(41)
	assert.True(t, ok)
	assert.Equal(t, ts, candles[19].Time)
	_, ok = v.CoordinateToTime(100)
	assert.False(t, ok)

	// Ensure the price axis fits the visible bars with padding.
	y, ok := v.PriceToCoordinate(29.7)
	assert.True(t, ok)
	assert.True(t, math.Abs(y) < 1e-9)
	y, ok = v.PriceToCoordinate(14.3)
	assert.True(t, ok)
	assert.True(t, math.Abs(y-200) < 1e-9)
	price, ok := v.CoordinateToPrice(100)
	assert.True(t, ok)
	assert.True(t, math.Abs(price-22) < 1e-9)

	// Ensure scrolling away from the end stops following.
	v.Scroll(-10)
	assert.Equal(t, v.VisibleFrom(), float64(5))
	assert.Equal(t, redraws.Load(), int64(1))
	assert.Equal(t, v.Frames(), uint64(1))

	// Ensure prepended history keeps the visible bars anchored.
	older := series(300, 5, 0)
	v.SetSeries(append(older, candles...))
	assert.Equal(t, v.VisibleFrom(), float64(10))
	x, ok = v.TimeToCoordinate(candles[5].Time)
	assert.True(t, ok)
	assert.Equal(t, x, float64(0))

	// Ensure interaction can be disabled.
	v.SetInteractive(false)
	assert.False(t, v.Interactive())
	v.Scroll(3)
	v.Zoom(2)
	assert.Equal(t, v.VisibleFrom(), float64(10))
	assert.Equal(t, v.Frames(), uint64(1))

	// Ensure zooming keeps the right edge in place.
	v.SetInteractive(true)
	v.Zoom(2)
	assert.Equal(t, v.VisibleFrom(), float64(15))
	x, ok = v.TimeToCoordinate(candles[15].Time)
	assert.True(t, ok)
	assert.Equal(t, x, float64(100))
	assert.Equal(t, v.Frames(), uint64(2))
}
