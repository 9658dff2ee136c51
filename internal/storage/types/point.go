package types

import "time"

// MetricID is the stable numeric identifier for a metric.
// Assigned by the registry, never reused.
type MetricID uint32

// Point represents a single measurement.
// This is the primary data unit flowing through the storage system.
// Immutable once recorded.
type Point struct {
	// TimestampMs is the measurement time in Unix milliseconds.
	TimestampMs int64

	// MetricID identifies which metric this point belongs to.
	MetricID MetricID

	// Value is the measured value.
	Value float64

	// Tags are arbitrary key/value labels attached for filtering.
	// Keys are unique; the map may be nil.
	Tags map[string]string
}

// TimestampTime returns the timestamp as a time.Time.
func (p *Point) TimestampTime() time.Time {
	return time.UnixMilli(p.TimestampMs)
}

// MatchesTags reports whether every key/value pair in filter is present
// in the point's tags. An empty filter matches everything.
func (p *Point) MatchesTags(filter map[string]string) bool {
	if len(filter) == 0 {
		return true
	}
	if len(p.Tags) < len(filter) {
		return false
	}
	for k, v := range filter {
		if p.Tags[k] != v {
			return false
		}
	}
	return true
}
