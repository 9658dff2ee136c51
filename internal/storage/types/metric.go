package types

import (
	"fmt"

	verrors "github.com/avessar/vitaldb/internal/errors"
)

// Category classifies a metric. Closed set.
type Category int

const (
	CategoryHealth Category = iota
	CategoryProductivity
	CategoryMood
	CategoryHabit
	CategoryCustom
)

// String returns a human-readable representation of the Category.
func (c Category) String() string {
	switch c {
	case CategoryHealth:
		return "health"
	case CategoryProductivity:
		return "productivity"
	case CategoryMood:
		return "mood"
	case CategoryHabit:
		return "habit"
	case CategoryCustom:
		return "custom"
	default:
		return "unknown"
	}
}

// ParseCategory parses a category string. Unknown strings map to custom.
func ParseCategory(s string) (Category, error) {
	switch s {
	case "health":
		return CategoryHealth, nil
	case "productivity":
		return CategoryProductivity, nil
	case "mood":
		return CategoryMood, nil
	case "habit":
		return CategoryHabit, nil
	case "custom", "":
		return CategoryCustom, nil
	default:
		return CategoryCustom, verrors.NewValidation("category", fmt.Sprintf("unknown keyword %q", s))
	}
}

// Aggregation is a combining function applied per bucket in grouped queries.
type Aggregation int

const (
	AggregationAverage Aggregation = iota
	AggregationSum
	AggregationMin
	AggregationMax
	AggregationLast
	AggregationCount
	AggregationP50
	AggregationP90
	AggregationP95
	AggregationP99
)

// String returns a human-readable representation of the Aggregation.
func (a Aggregation) String() string {
	switch a {
	case AggregationAverage:
		return "avg"
	case AggregationSum:
		return "sum"
	case AggregationMin:
		return "min"
	case AggregationMax:
		return "max"
	case AggregationLast:
		return "last"
	case AggregationCount:
		return "count"
	case AggregationP50:
		return "p50"
	case AggregationP90:
		return "p90"
	case AggregationP95:
		return "p95"
	case AggregationP99:
		return "p99"
	default:
		return "unknown"
	}
}

// ParseAggregation parses an aggregation keyword.
func ParseAggregation(s string) (Aggregation, error) {
	switch s {
	case "avg", "average":
		return AggregationAverage, nil
	case "sum":
		return AggregationSum, nil
	case "min":
		return AggregationMin, nil
	case "max":
		return AggregationMax, nil
	case "last":
		return AggregationLast, nil
	case "count":
		return AggregationCount, nil
	case "p50":
		return AggregationP50, nil
	case "p90":
		return AggregationP90, nil
	case "p95":
		return AggregationP95, nil
	case "p99":
		return AggregationP99, nil
	default:
		return AggregationAverage, fmt.Errorf("%q: %w", s, verrors.ErrInvalidAggregate)
	}
}

// Valid reports whether a is one of the defined aggregations.
func (a Aggregation) Valid() bool {
	return a >= AggregationAverage && a <= AggregationP99
}

// IsPercentile reports whether the aggregation is sketch-backed.
func (a Aggregation) IsPercentile() bool {
	switch a {
	case AggregationP50, AggregationP90, AggregationP95, AggregationP99:
		return true
	}
	return false
}

// Quantile returns the quantile for percentile aggregations, 0 otherwise.
func (a Aggregation) Quantile() float64 {
	switch a {
	case AggregationP50:
		return 0.50
	case AggregationP90:
		return 0.90
	case AggregationP95:
		return 0.95
	case AggregationP99:
		return 0.99
	}
	return 0
}

// Metric describes a registered metric series.
//
// Mutated only by registry update operations. Never deleted while
// referenced data exists.
type Metric struct {
	// ID is assigned by the registry and never reused.
	ID MetricID

	// Name is unique and case-sensitive.
	Name string

	// Unit is a free-form unit label (e.g. "bpm", "hours").
	Unit string

	// Category classifies the metric.
	Category Category

	// Aggregation is the default combining function for grouped queries.
	Aggregation Aggregation

	// Description is optional.
	Description string

	// MinValue/MaxValue are optional ingest validation bounds.
	// Nil means unbounded on that side.
	MinValue *float64
	MaxValue *float64
}

// InBounds reports whether v satisfies the metric's configured bounds.
func (m *Metric) InBounds(v float64) bool {
	if m.MinValue != nil && v < *m.MinValue {
		return false
	}
	if m.MaxValue != nil && v > *m.MaxValue {
		return false
	}
	return true
}
