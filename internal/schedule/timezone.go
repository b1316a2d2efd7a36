package schedule

import (
	"errors"
	"strings"
	"time"
)

var ErrInvalidTime = errors.New("schedule: invalid schedule time")

// ZonedDateHourToUTC converts a calendar date (YYYY-MM-DD) and hour of day in
// loc to the matching UTC instant.
func ZonedDateHourToUTC(date string, hour int, loc *time.Location) (time.Time, error) {
	if loc == nil {
		loc = time.UTC
	}
	if hour < 0 || hour > 23 {
		return time.Time{}, ErrInvalidTime
	}
	day, err := time.Parse("2006-01-02", strings.TrimSpace(date))
	if err != nil {
		return time.Time{}, ErrInvalidTime
	}
	return time.Date(day.Year(), day.Month(), day.Day(), hour, 0, 0, 0, loc).UTC(), nil
}
