package types

import (
	"testing"
	"time"

	verrors "github.com/avessar/vitaldb/internal/errors"
)

func TestTimeRangeHalfOpen(t *testing.T) {
	r := TimeRange{StartMs: 100, EndMs: 200}

	if !r.Contains(100) {
		t.Error("start should be inclusive")
	}
	if r.Contains(200) {
		t.Error("end should be exclusive")
	}
	if !r.Valid() || r.Empty() {
		t.Errorf("Valid=%v Empty=%v", r.Valid(), r.Empty())
	}

	empty := TimeRange{StartMs: 100, EndMs: 100}
	if !empty.Empty() || !empty.Valid() {
		t.Error("start==end is empty but well-formed")
	}
	if empty.Contains(100) {
		t.Error("empty range contains nothing")
	}
}

func TestTimeRangeOverlapsAndIntersect(t *testing.T) {
	a := TimeRange{StartMs: 0, EndMs: 100}
	b := TimeRange{StartMs: 50, EndMs: 150}
	c := TimeRange{StartMs: 100, EndMs: 200}

	if !a.Overlaps(b) || !b.Overlaps(a) {
		t.Error("a and b overlap")
	}
	// Half-open: [0,100) and [100,200) share nothing.
	if a.Overlaps(c) {
		t.Error("adjacent ranges do not overlap")
	}

	got := a.Intersect(b)
	if got.StartMs != 50 || got.EndMs != 100 {
		t.Errorf("intersect = %+v", got)
	}
	if !a.Intersect(c).Empty() {
		t.Error("disjoint intersect should be empty")
	}
}

func TestBucketStart(t *testing.T) {
	// Wednesday 2025-03-12 14:35:27.891 UTC
	ts := time.Date(2025, 3, 12, 14, 35, 27, 891e6, time.UTC).UnixMilli()

	cases := []struct {
		g    GroupBy
		want time.Time
	}{
		{GroupByHour, time.Date(2025, 3, 12, 14, 0, 0, 0, time.UTC)},
		{GroupByDay, time.Date(2025, 3, 12, 0, 0, 0, 0, time.UTC)},
		// Week starts on the preceding Monday.
		{GroupByWeek, time.Date(2025, 3, 10, 0, 0, 0, 0, time.UTC)},
	}
	for _, tc := range cases {
		if got := tc.g.BucketStart(ts); got != tc.want.UnixMilli() {
			t.Errorf("%s bucket = %d, want %d", tc.g, got, tc.want.UnixMilli())
		}
	}

	if got := GroupByNone.BucketStart(ts); got != ts {
		t.Errorf("none bucket should be identity, got %d", got)
	}

	// A Monday is its own week start.
	monday := time.Date(2025, 3, 10, 9, 0, 0, 0, time.UTC).UnixMilli()
	if got := GroupByWeek.BucketStart(monday); got != time.Date(2025, 3, 10, 0, 0, 0, 0, time.UTC).UnixMilli() {
		t.Errorf("monday week bucket = %d", got)
	}
}

func TestMatchesTags(t *testing.T) {
	p := Point{Tags: map[string]string{"kind": "run", "outdoor": "yes"}}

	if !p.MatchesTags(nil) {
		t.Error("nil filter matches everything")
	}
	if !p.MatchesTags(map[string]string{"kind": "run"}) {
		t.Error("subset filter should match")
	}
	if p.MatchesTags(map[string]string{"kind": "swim"}) {
		t.Error("value mismatch should not match")
	}
	if p.MatchesTags(map[string]string{"kind": "run", "shoes": "new"}) {
		t.Error("missing key should not match")
	}

	bare := Point{}
	if bare.MatchesTags(map[string]string{"any": "x"}) {
		t.Error("untagged point matches only the empty filter")
	}
}

func TestMetricInBounds(t *testing.T) {
	lo, hi := 0.0, 10.0
	m := Metric{MinValue: &lo, MaxValue: &hi}

	for _, v := range []float64{0, 5, 10} {
		if !m.InBounds(v) {
			t.Errorf("%g should be in bounds", v)
		}
	}
	if m.InBounds(-0.1) || m.InBounds(10.1) {
		t.Error("out-of-bounds values accepted")
	}

	unbounded := Metric{}
	if !unbounded.InBounds(1e300) || !unbounded.InBounds(-1e300) {
		t.Error("nil bounds mean unbounded")
	}
}

func TestParseRoundTrips(t *testing.T) {
	for _, a := range []Aggregation{
		AggregationAverage, AggregationSum, AggregationMin, AggregationMax,
		AggregationLast, AggregationCount, AggregationP50, AggregationP90,
		AggregationP95, AggregationP99,
	} {
		got, err := ParseAggregation(a.String())
		if err != nil || got != a {
			t.Errorf("ParseAggregation(%q) = %v, %v", a.String(), got, err)
		}
	}
	if _, err := ParseAggregation("median"); err == nil {
		t.Error("unknown aggregation should fail")
	}

	for _, g := range []GroupBy{GroupByNone, GroupByHour, GroupByDay, GroupByWeek} {
		got, err := ParseGroupBy(g.String())
		if err != nil || got != g {
			t.Errorf("ParseGroupBy(%q) = %v, %v", g.String(), got, err)
		}
	}

	for _, c := range []Category{CategoryHealth, CategoryProductivity, CategoryMood, CategoryHabit, CategoryCustom} {
		got, err := ParseCategory(c.String())
		if err != nil || got != c {
			t.Errorf("ParseCategory(%q) = %v, %v", c.String(), got, err)
		}
	}
}

func TestParseErrorsAreValidationErrors(t *testing.T) {
	if _, err := ParseGroupBy("fortnight"); !verrors.IsValidation(err) {
		t.Errorf("ParseGroupBy error = %v, want validation error", err)
	}
	if _, err := ParseGroupBy("fortnight"); !verrors.Is(err, verrors.ErrInvalidGroupBy) {
		t.Errorf("ParseGroupBy error should wrap ErrInvalidGroupBy")
	}
	if _, err := ParseAggregation("median"); !verrors.IsValidation(err) {
		t.Errorf("ParseAggregation error = %v, want validation error", err)
	}
	if _, err := ParseAggregation("median"); !verrors.Is(err, verrors.ErrInvalidAggregate) {
		t.Errorf("ParseAggregation error should wrap ErrInvalidAggregate")
	}
	if _, err := ParseCategory("finance"); !verrors.IsValidation(err) {
		t.Errorf("ParseCategory error = %v, want validation error", err)
	}
}

func TestEnumValid(t *testing.T) {
	for _, g := range []GroupBy{GroupByNone, GroupByHour, GroupByDay, GroupByWeek} {
		if !g.Valid() {
			t.Errorf("%s should be valid", g)
		}
	}
	if GroupBy(9).Valid() || GroupBy(-1).Valid() {
		t.Error("out-of-range GroupBy accepted")
	}

	if !AggregationAverage.Valid() || !AggregationP99.Valid() {
		t.Error("defined aggregations should be valid")
	}
	if Aggregation(42).Valid() || Aggregation(-1).Valid() {
		t.Error("out-of-range Aggregation accepted")
	}
}

func TestAggregationPercentiles(t *testing.T) {
	if AggregationAverage.IsPercentile() || AggregationCount.IsPercentile() {
		t.Error("non-percentile flagged as percentile")
	}
	if q := AggregationP95.Quantile(); q != 0.95 {
		t.Errorf("p95 quantile = %v", q)
	}
	if q := AggregationSum.Quantile(); q != 0 {
		t.Errorf("sum quantile = %v", q)
	}
}
