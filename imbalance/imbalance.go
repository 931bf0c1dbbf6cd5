package imbalance

import (
	"math"

	"github.com/dnldd/chartdesk/shared"
)

// Zone represents an unfilled fair value gap: a three-candle price imbalance left by a
// directional move.
type Zone struct {
	// AnchorTime is the time of the middle candle of the formation.
	AnchorTime int64
	// OriginTime is the time of the first candle of the formation.
	OriginTime int64
	Top        float64
	Bottom     float64
	Sentiment  shared.Sentiment
}

// Detect returns the unfilled fair value gaps of the provided ascending candle series.
//
// A bullish gap exists when a candle's low is above the high two candles earlier, a bearish
// gap when its high is below the low two candles earlier. A gap is filled once any later
// candle body reaches its inner boundary: a body low at or below the bottom of a bullish gap,
// or a body high at or above the top of a bearish gap.
func Detect(candles []shared.Candle) []Zone {
	n := len(candles)
	if n < 3 {
		return nil
	}

	// minBody[j] and maxBody[j] hold the body extremes of candles j..n-1.
	minBody := make([]float64, n+1)
	maxBody := make([]float64, n+1)
	minBody[n] = math.Inf(1)
	maxBody[n] = math.Inf(-1)
	for j := n - 1; j >= 0; j-- {
		minBody[j] = math.Min(minBody[j+1], candles[j].BodyLow())
		maxBody[j] = math.Max(maxBody[j+1], candles[j].BodyHigh())
	}

	var zones []Zone
	for i := 2; i < n; i++ {
		first := candles[i-2]
		last := candles[i]

		switch {
		case last.Low > first.High:
			if minBody[i+1] <= first.High {
				continue
			}

			zones = append(zones, Zone{
				AnchorTime: candles[i-1].Time,
				OriginTime: first.Time,
				Top:        last.Low,
				Bottom:     first.High,
				Sentiment:  shared.Bullish,
			})

		case last.High < first.Low:
			if maxBody[i+1] >= first.Low {
				continue
			}

			zones = append(zones, Zone{
				AnchorTime: candles[i-1].Time,
				OriginTime: first.Time,
				Top:        first.Low,
				Bottom:     last.High,
				Sentiment:  shared.Bearish,
			})
		}
	}

	return zones
}
