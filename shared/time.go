package shared

import (
	"fmt"
	"time"
)

// TimeShift converts absolute UTC seconds to display-timezone seconds and back. Chart domain
// times are display-shifted so that bar labels read in the display timezone; the shift is
// undone only at persistence and transport boundaries.
type TimeShift struct {
	// Offset is the display timezone offset from UTC in seconds.
	Offset int64
}

// NewTimeShift initializes a time shift for the provided location name, evaluated at the
// provided instant.
func NewTimeShift(location string, at time.Time) (TimeShift, error) {
	if location == "" || location == "UTC" {
		return TimeShift{}, nil
	}

	loc, err := time.LoadLocation(location)
	if err != nil {
		return TimeShift{}, fmt.Errorf("loading %s timezone: %w", location, err)
	}

	_, offset := at.In(loc).Zone()
	return TimeShift{Offset: int64(offset)}, nil
}

// ToDisplay converts UTC seconds to display-shifted seconds.
func (s TimeShift) ToDisplay(utc int64) int64 {
	return utc + s.Offset
}

// ToUTC converts display-shifted seconds to UTC seconds.
func (s TimeShift) ToUTC(display int64) int64 {
	return display - s.Offset
}
