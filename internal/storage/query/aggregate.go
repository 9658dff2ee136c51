package query

import (
	"math"

	"github.com/DataDog/sketches-go/ddsketch"

	"github.com/avessar/vitaldb/internal/storage/types"
)

// accumulator maintains running statistics for a single time bucket.
// Percentile aggregations are backed by a DDSketch.
type accumulator struct {
	count     int64
	sum       float64
	min       float64
	max       float64
	lastTs    int64
	lastValue float64

	sketch *ddsketch.DDSketch
}

// newAccumulator creates an accumulator. accuracy > 0 enables the
// sketch; pass 0 when the requested aggregation needs no percentiles.
func newAccumulator(accuracy float64) *accumulator {
	a := &accumulator{
		min: math.MaxFloat64,
		max: -math.MaxFloat64,
	}

	if accuracy > 0 {
		if sketch, err := ddsketch.NewDefaultDDSketch(accuracy); err == nil {
			a.sketch = sketch
		}
	}

	return a
}

// add folds one point into the bucket. Points arrive in ascending
// timestamp order, so last-by-time tracking is a plain overwrite on
// ts >= lastTs.
func (a *accumulator) add(value float64, ts int64) {
	a.count++
	a.sum += value

	if value < a.min {
		a.min = value
	}
	if value > a.max {
		a.max = value
	}

	if a.count == 1 || ts >= a.lastTs {
		a.lastTs = ts
		a.lastValue = value
	}

	if a.sketch != nil {
		a.sketch.Add(value)
	}
}

// result applies the combining function to the bucket.
func (a *accumulator) result(agg types.Aggregation) float64 {
	if a.count == 0 {
		return 0
	}

	switch agg {
	case types.AggregationAverage:
		return a.sum / float64(a.count)
	case types.AggregationSum:
		return a.sum
	case types.AggregationMin:
		return a.min
	case types.AggregationMax:
		return a.max
	case types.AggregationLast:
		return a.lastValue
	case types.AggregationCount:
		return float64(a.count)
	default:
		if agg.IsPercentile() && a.sketch != nil {
			if v, err := a.sketch.GetValueAtQuantile(agg.Quantile()); err == nil {
				return v
			}
		}
		return a.sum / float64(a.count)
	}
}
