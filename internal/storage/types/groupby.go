package types

import (
	"fmt"
	"time"

	verrors "github.com/avessar/vitaldb/internal/errors"
)

// GroupBy is a fixed bucket width for grouped aggregation.
type GroupBy int

const (
	GroupByNone GroupBy = iota
	GroupByHour
	GroupByDay
	GroupByWeek
)

// String returns a human-readable representation of the GroupBy.
func (g GroupBy) String() string {
	switch g {
	case GroupByNone:
		return "none"
	case GroupByHour:
		return "hour"
	case GroupByDay:
		return "day"
	case GroupByWeek:
		return "week"
	default:
		return "unknown"
	}
}

// ParseGroupBy parses a group-by keyword.
func ParseGroupBy(s string) (GroupBy, error) {
	switch s {
	case "", "none":
		return GroupByNone, nil
	case "hour", "hourly":
		return GroupByHour, nil
	case "day", "daily":
		return GroupByDay, nil
	case "week", "weekly":
		return GroupByWeek, nil
	default:
		return GroupByNone, fmt.Errorf("%q: %w", s, verrors.ErrInvalidGroupBy)
	}
}

// Valid reports whether g is one of the defined bucket widths.
func (g GroupBy) Valid() bool {
	return g >= GroupByNone && g <= GroupByWeek
}

// BucketStart truncates ts (Unix milliseconds) to its bucket boundary in UTC.
// Week buckets start on Monday.
func (g GroupBy) BucketStart(ts int64) int64 {
	t := time.UnixMilli(ts).UTC()
	switch g {
	case GroupByHour:
		return t.Truncate(time.Hour).UnixMilli()
	case GroupByDay:
		return time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, time.UTC).UnixMilli()
	case GroupByWeek:
		day := time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, time.UTC)
		// Weekday() is Sunday=0; shift so Monday starts the week.
		back := (int(day.Weekday()) + 6) % 7
		return day.AddDate(0, 0, -back).UnixMilli()
	default:
		return ts
	}
}
