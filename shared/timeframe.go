package shared

import (
	"fmt"
	"time"
)

const (
	// NewYorkLocation is the default display timezone.
	NewYorkLocation = "America/New_York"
)

// Timeframe represents the market data time period.
type Timeframe int

const (
	OneMinute Timeframe = iota
	FiveMinute
	FifteenMinute
	OneHour
	FourHour
	OneDay
)

// String stringifies the provided timeframe.
func (t Timeframe) String() string {
	switch t {
	case OneMinute:
		return "1m"
	case FiveMinute:
		return "5m"
	case FifteenMinute:
		return "15m"
	case OneHour:
		return "1h"
	case FourHour:
		return "4h"
	case OneDay:
		return "1d"
	default:
		return "unknown"
	}
}

// Duration returns the length of a single bar of the timeframe.
func (t Timeframe) Duration() time.Duration {
	switch t {
	case OneMinute:
		return time.Minute
	case FiveMinute:
		return time.Minute * 5
	case FifteenMinute:
		return time.Minute * 15
	case OneHour:
		return time.Hour
	case FourHour:
		return time.Hour * 4
	case OneDay:
		return time.Hour * 24
	default:
		return 0
	}
}

// Seconds returns the length of a single bar of the timeframe in seconds.
func (t Timeframe) Seconds() int64 {
	return int64(t.Duration() / time.Second)
}

// BarStart rounds the provided unix time (seconds) down to the start of its containing bar.
func (t Timeframe) BarStart(ts int64) int64 {
	secs := t.Seconds()
	if secs == 0 {
		return ts
	}

	start := ts - ts%secs
	if ts < 0 && ts%secs != 0 {
		start -= secs
	}

	return start
}

// ParseTimeframe parses the provided timeframe string.
func ParseTimeframe(s string) (Timeframe, error) {
	switch s {
	case "1m":
		return OneMinute, nil
	case "5m":
		return FiveMinute, nil
	case "15m":
		return FifteenMinute, nil
	case "1h", "1H":
		return OneHour, nil
	case "4h", "4H":
		return FourHour, nil
	case "1d", "1D":
		return OneDay, nil
	default:
		return 0, fmt.Errorf("unknown timeframe provided: %s", s)
	}
}
