package types

import "time"

// TimeRange is a half-open interval [StartMs, EndMs) in Unix milliseconds.
// Invariant: StartMs <= EndMs. A range with StartMs == EndMs is empty,
// not an error.
type TimeRange struct {
	StartMs int64
	EndMs   int64
}

// NewTimeRange creates a range from two times.
func NewTimeRange(start, end time.Time) TimeRange {
	return TimeRange{StartMs: start.UnixMilli(), EndMs: end.UnixMilli()}
}

// LastHours returns a range covering the last n hours ending now.
func LastHours(n int) TimeRange {
	now := time.Now()
	return NewTimeRange(now.Add(-time.Duration(n)*time.Hour), now)
}

// LastDays returns a range covering the last n days ending now.
func LastDays(n int) TimeRange {
	now := time.Now()
	return NewTimeRange(now.Add(-time.Duration(n)*24*time.Hour), now)
}

// Valid reports whether the range is well-formed (start <= end).
func (r TimeRange) Valid() bool {
	return r.StartMs <= r.EndMs
}

// Empty reports whether the range contains no instants.
func (r TimeRange) Empty() bool {
	return r.StartMs >= r.EndMs
}

// Contains reports whether ts falls inside the range.
func (r TimeRange) Contains(ts int64) bool {
	return ts >= r.StartMs && ts < r.EndMs
}

// Overlaps reports whether the two ranges share any instant.
func (r TimeRange) Overlaps(o TimeRange) bool {
	return r.StartMs < o.EndMs && o.StartMs < r.EndMs
}

// Intersect returns the overlap of the two ranges, empty if disjoint.
func (r TimeRange) Intersect(o TimeRange) TimeRange {
	out := TimeRange{StartMs: max64(r.StartMs, o.StartMs), EndMs: min64(r.EndMs, o.EndMs)}
	if out.StartMs > out.EndMs {
		out.EndMs = out.StartMs
	}
	return out
}

// Duration returns the span of the range.
func (r TimeRange) Duration() time.Duration {
	if r.Empty() {
		return 0
	}
	return time.Duration(r.EndMs-r.StartMs) * time.Millisecond
}

func max64(a, b int64) int64 {
	if a > b {
		return a
	}
	return b
}

func min64(a, b int64) int64 {
	if a < b {
		return a
	}
	return b
}
