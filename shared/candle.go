package shared

import (
	"errors"
	"math"
)

// ErrMalformedPayload is returned when a server payload cannot be decoded into the expected shape.
var ErrMalformedPayload = errors.New("malformed payload")

// Sentiment represents the direction of a price imbalance or candle.
type Sentiment int

const (
	Neutral Sentiment = iota
	Bullish
	Bearish
)

// String stringifies the provided sentiment.
func (s Sentiment) String() string {
	switch s {
	case Bullish:
		return "bullish"
	case Bearish:
		return "bearish"
	default:
		return "neutral"
	}
}

// Candle represents a unit candlestick. Time is in display-shifted unix seconds.
type Candle struct {
	Time   int64
	Open   float64
	High   float64
	Low    float64
	Close  float64
	Volume float64
}

// BodyLow returns the lower bound of the candle body.
func (c *Candle) BodyLow() float64 {
	return math.Min(c.Open, c.Close)
}

// BodyHigh returns the upper bound of the candle body.
func (c *Candle) BodyHigh() float64 {
	return math.Max(c.Open, c.Close)
}

// DomainPoint is a (time, price) pair in chart data space.
type DomainPoint struct {
	Time  int64
	Price float64
}

// Point is a position in pixel space.
type Point struct {
	X float64
	Y float64
}

// Finite reports whether all provided values are usable coordinates.
func Finite(vals ...float64) bool {
	for _, v := range vals {
		if math.IsNaN(v) || math.IsInf(v, 0) {
			return false
		}
	}

	return true
}
