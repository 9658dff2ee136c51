// Package query implements the query executor: it combines the range
// index, the segment store, and the live memtable to answer time-range
// queries with optional grouping and aggregation.
package query

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"strings"

	verrors "github.com/avessar/vitaldb/internal/errors"
	"github.com/avessar/vitaldb/internal/logging"
	"github.com/avessar/vitaldb/internal/storage/index"
	"github.com/avessar/vitaldb/internal/storage/segment"
	"github.com/avessar/vitaldb/internal/storage/types"
)

// MetricResolver resolves metric names for query validation. Resolution
// during a query never auto-creates metrics.
type MetricResolver interface {
	Lookup(ctx context.Context, name string) (*types.Metric, error)
}

// Request describes one query.
type Request struct {
	// Select lists the metric names to query.
	Select []string

	// Range is the half-open time range [start, end).
	Range types.TimeRange

	// GroupBy buckets points by hour, day, or week. GroupByNone emits
	// raw rows.
	GroupBy types.GroupBy

	// Aggregation combines each bucket. Nil falls back to each metric's
	// configured default. Ignored when GroupBy is GroupByNone.
	Aggregation *types.Aggregation

	// TagFilter keeps only points carrying every listed tag pair.
	TagFilter map[string]string
}

// Series is one metric's portion of a result: parallel timestamp and
// value columns. For grouped queries the timestamps are bucket starts.
type Series struct {
	Metric      string
	MetricID    types.MetricID
	Timestamps  []int64
	Values      []float64
	Grouped     bool
	Aggregation types.Aggregation
}

// MetricError reports a per-metric failure alongside partial results.
type MetricError struct {
	Metric string
	Err    error
}

// Result is a columnar query result.
type Result struct {
	Series []Series
	Errors []MetricError
}

// Options configures the executor.
type Options struct {
	// MaxRows caps the number of rows returned per metric.
	MaxRows int

	// PercentileAccuracy is the DDSketch relative accuracy.
	PercentileAccuracy float64
}

// DefaultOptions returns default executor options.
func DefaultOptions() Options {
	return Options{
		MaxRows:            1000000,
		PercentileAccuracy: 0.01,
	}
}

// Executor answers queries. The index, segment store, and memtable are
// owned by the enclosing store and passed by reference; the executor
// never mutates them.
type Executor struct {
	resolver MetricResolver
	index    *index.Index
	segments *segment.Store
	memtable *segment.Memtable
	opts     Options

	log *slog.Logger
}

// New creates an executor.
func New(resolver MetricResolver, idx *index.Index, segments *segment.Store, memtable *segment.Memtable, opts Options) *Executor {
	if opts.MaxRows <= 0 {
		opts.MaxRows = DefaultOptions().MaxRows
	}
	if opts.PercentileAccuracy <= 0 {
		opts.PercentileAccuracy = DefaultOptions().PercentileAccuracy
	}

	return &Executor{
		resolver: resolver,
		index:    idx,
		segments: segments,
		memtable: memtable,
		opts:     opts,
		log:      logging.Component("query"),
	}
}

// Execute runs a query.
//
// Validation failures (unknown metric names, a malformed range) are
// reported before any scan work begins. After that, a failure in one
// metric does not fail the call unless every selected metric fails;
// per-metric errors ride along in Result.Errors.
func (e *Executor) Execute(ctx context.Context, req Request) (*Result, error) {
	metrics, err := e.validate(ctx, req)
	if err != nil {
		return nil, err
	}

	if req.Range.Empty() {
		return &Result{}, nil
	}

	// One stable snapshot of the live buffer serves the whole query.
	live := e.memtable.Snapshot()

	result := &Result{}
	var failed int

	for _, metric := range metrics {
		series, err := e.executeMetric(ctx, req, metric, live)
		if err != nil {
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			e.log.Warn("metric query failed", "metric", metric.Name, "error", err)
			result.Errors = append(result.Errors, MetricError{Metric: metric.Name, Err: err})
			failed++
			continue
		}
		result.Series = append(result.Series, series)
	}

	if failed == len(metrics) && failed > 0 {
		return result, fmt.Errorf("all %d selected metrics failed: %w",
			failed, result.Errors[0].Err)
	}

	return result, nil
}

// validate fails fast before any scan work.
func (e *Executor) validate(ctx context.Context, req Request) ([]*types.Metric, error) {
	if len(req.Select) == 0 {
		return nil, verrors.NewValidation("select", "no metrics selected")
	}

	if !req.Range.Valid() {
		return nil, fmt.Errorf("end %d before start %d: %w",
			req.Range.EndMs, req.Range.StartMs, verrors.ErrInvalidTimeRange)
	}

	if !req.GroupBy.Valid() {
		return nil, fmt.Errorf("group-by %d: %w", int(req.GroupBy), verrors.ErrInvalidGroupBy)
	}
	if req.Aggregation != nil && !req.Aggregation.Valid() {
		return nil, fmt.Errorf("aggregation %d: %w", int(*req.Aggregation), verrors.ErrInvalidAggregate)
	}

	metrics := make([]*types.Metric, 0, len(req.Select))
	var unknown []string
	for _, name := range req.Select {
		m, err := e.resolver.Lookup(ctx, name)
		if err != nil {
			if verrors.IsNotFound(err) {
				unknown = append(unknown, name)
				continue
			}
			return nil, err
		}
		metrics = append(metrics, m)
	}
	if len(unknown) > 0 {
		return nil, fmt.Errorf("unknown metrics [%s]: %w",
			strings.Join(unknown, ", "), verrors.ErrMetricNotFound)
	}

	return metrics, nil
}

// executeMetric produces one metric's series.
func (e *Executor) executeMetric(ctx context.Context, req Request, metric *types.Metric, live []types.Point) (Series, error) {
	points, err := e.collect(ctx, req, metric.ID, live)
	if err != nil {
		return Series{}, err
	}

	series := Series{Metric: metric.Name, MetricID: metric.ID}

	if req.GroupBy == types.GroupByNone {
		n := len(points)
		if n > e.opts.MaxRows {
			n = e.opts.MaxRows
		}
		series.Timestamps = make([]int64, n)
		series.Values = make([]float64, n)
		for i := 0; i < n; i++ {
			series.Timestamps[i] = points[i].TimestampMs
			series.Values[i] = points[i].Value
		}
		return series, nil
	}

	agg := metric.Aggregation
	if req.Aggregation != nil {
		agg = *req.Aggregation
	}

	accuracy := 0.0
	if agg.IsPercentile() {
		accuracy = e.opts.PercentileAccuracy
	}

	// Points are ascending, so buckets fill in order; empty buckets are
	// simply never created.
	buckets := make(map[int64]*accumulator)
	var order []int64
	for _, p := range points {
		start := req.GroupBy.BucketStart(p.TimestampMs)
		acc, ok := buckets[start]
		if !ok {
			acc = newAccumulator(accuracy)
			buckets[start] = acc
			order = append(order, start)
		}
		acc.add(p.Value, p.TimestampMs)
	}
	sort.Slice(order, func(i, j int) bool { return order[i] < order[j] })

	series.Grouped = true
	series.Aggregation = agg
	series.Timestamps = make([]int64, len(order))
	series.Values = make([]float64, len(order))
	for i, start := range order {
		series.Timestamps[i] = start
		series.Values[i] = buckets[start].result(agg)
	}

	return series, nil
}

// collect merges sealed and live points for one metric, ascending by
// timestamp, sealed preferred on ties, tag filter applied.
func (e *Executor) collect(ctx context.Context, req Request, metricID types.MetricID, live []types.Point) ([]types.Point, error) {
	entries := e.index.Range(metricID, req.Range.StartMs, req.Range.EndMs)

	sealed := make([]types.Point, 0, len(entries))
	for i, entry := range entries {
		// Cancellation is honored between block reads.
		if i%256 == 0 {
			if err := ctx.Err(); err != nil {
				return nil, err
			}
		}
		p, err := e.segments.Read(entry.SegmentID, entry.Offset)
		if err != nil {
			return nil, err
		}
		sealed = append(sealed, p)
	}

	// The live buffer is in arrival order; a stable sort by timestamp
	// preserves arrival order among ties.
	var unsealed []types.Point
	for _, p := range live {
		if p.MetricID == metricID && req.Range.Contains(p.TimestampMs) {
			unsealed = append(unsealed, p)
		}
	}
	sort.SliceStable(unsealed, func(i, j int) bool {
		return unsealed[i].TimestampMs < unsealed[j].TimestampMs
	})

	merged := mergePreferSealed(sealed, unsealed)

	if len(req.TagFilter) == 0 {
		return merged, nil
	}

	filtered := merged[:0]
	for _, p := range merged {
		if p.MatchesTags(req.TagFilter) {
			filtered = append(filtered, p)
		}
	}
	return filtered, nil
}

// pointKey identifies a point for seal-race dedup: timestamp, value,
// and the canonical tag encoding. Two points differing only in tags
// are distinct.
type pointKey struct {
	ts    int64
	value float64
	tags  string
}

func makePointKey(p types.Point) pointKey {
	return pointKey{p.TimestampMs, p.Value, canonicalTags(p.Tags)}
}

// canonicalTags renders a tag map in sorted key order so equal maps
// always produce equal strings.
func canonicalTags(tags map[string]string) string {
	if len(tags) == 0 {
		return ""
	}
	keys := make([]string, 0, len(tags))
	for k := range tags {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var b strings.Builder
	for _, k := range keys {
		b.WriteString(k)
		b.WriteByte('=')
		b.WriteString(tags[k])
		b.WriteByte('\x00')
	}
	return b.String()
}

// mergePreferSealed merges two timestamp-ascending point slices. On
// equal timestamps sealed points come first, and a live point that is
// an exact copy of a sealed point (timestamp, value, and tags) is
// dropped: a point caught by a seal racing the query appears once.
func mergePreferSealed(sealed, live []types.Point) []types.Point {
	if len(live) == 0 {
		return sealed
	}
	if len(sealed) == 0 {
		return live
	}

	seen := make(map[pointKey]int, len(sealed))
	for _, p := range sealed {
		seen[makePointKey(p)]++
	}

	out := make([]types.Point, 0, len(sealed)+len(live))
	appendLive := func(p types.Point) {
		if k := makePointKey(p); seen[k] > 0 {
			seen[k]--
			return
		}
		out = append(out, p)
	}

	i, j := 0, 0
	for i < len(sealed) && j < len(live) {
		if sealed[i].TimestampMs <= live[j].TimestampMs {
			out = append(out, sealed[i])
			i++
			continue
		}
		appendLive(live[j])
		j++
	}
	out = append(out, sealed[i:]...)
	for ; j < len(live); j++ {
		appendLive(live[j])
	}

	return out
}
