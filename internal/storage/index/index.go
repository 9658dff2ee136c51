// Package index implements the per-metric time-ordered range index.
//
// The index holds only back-references into sealed segments, never point
// data. It lives in memory and is rebuilt from the segment files at
// startup, so a crash can never leave it claiming data the segments do
// not have.
package index

import (
	"context"
	"runtime"
	"sort"
	"sync"

	"golang.org/x/sync/errgroup"

	"github.com/avessar/vitaldb/internal/storage/types"
)

// Entry locates one sealed point: its timestamp and where it lives.
type Entry struct {
	TimestampMs int64
	SegmentID   uint64
	Offset      uint32
}

// segmentScanner is the piece of the segment store the rebuild needs.
type segmentScanner interface {
	IDs() []uint64
	Scan(segmentID uint64, fn func(offset uint32, p types.Point) bool) error
}

// Index maps each metric to its ordered entries.
//
// Entries are ascending by timestamp; equal timestamps keep insertion
// order. Safe for concurrent use: reads take a shared lock, inserts an
// exclusive one.
type Index struct {
	mu      sync.RWMutex
	metrics map[types.MetricID][]Entry
}

// New creates an empty index.
func New() *Index {
	return &Index{
		metrics: make(map[types.MetricID][]Entry),
	}
}

// Insert adds one entry. Called once per point immediately after that
// point's segment is sealed; never for buffered points.
func (x *Index) Insert(metricID types.MetricID, ts int64, segmentID uint64, offset uint32) {
	x.mu.Lock()
	defer x.mu.Unlock()
	x.insertLocked(metricID, Entry{TimestampMs: ts, SegmentID: segmentID, Offset: offset})
}

// InsertSealed adds entries for a freshly sealed segment. points must be
// the seal output: sorted by timestamp, point i at segment offset i.
func (x *Index) InsertSealed(segmentID uint64, points []types.Point) {
	x.mu.Lock()
	defer x.mu.Unlock()

	for i, p := range points {
		x.insertLocked(p.MetricID, Entry{
			TimestampMs: p.TimestampMs,
			SegmentID:   segmentID,
			Offset:      uint32(i),
		})
	}
}

// insertLocked places e after all existing entries with a timestamp at
// or below e's, keeping ties in insertion order.
func (x *Index) insertLocked(metricID types.MetricID, e Entry) {
	entries := x.metrics[metricID]

	// Seals arrive in time order, so the common case is a pure append.
	if n := len(entries); n == 0 || entries[n-1].TimestampMs <= e.TimestampMs {
		x.metrics[metricID] = append(entries, e)
		return
	}

	i := sort.Search(len(entries), func(i int) bool {
		return entries[i].TimestampMs > e.TimestampMs
	})
	entries = append(entries, Entry{})
	copy(entries[i+1:], entries[i:])
	entries[i] = e
	x.metrics[metricID] = entries
}

// Range returns entries with start <= timestamp < end, ascending by
// timestamp, ties in insertion order. Runs in O(log n + k).
func (x *Index) Range(metricID types.MetricID, start, end int64) []Entry {
	x.mu.RLock()
	defer x.mu.RUnlock()

	entries := x.metrics[metricID]
	if len(entries) == 0 || start >= end {
		return nil
	}

	lo := sort.Search(len(entries), func(i int) bool {
		return entries[i].TimestampMs >= start
	})
	hi := sort.Search(len(entries), func(i int) bool {
		return entries[i].TimestampMs >= end
	})
	if lo >= hi {
		return nil
	}

	out := make([]Entry, hi-lo)
	copy(out, entries[lo:hi])
	return out
}

// EntryCount returns the number of entries for a metric.
func (x *Index) EntryCount(metricID types.MetricID) int {
	x.mu.RLock()
	defer x.mu.RUnlock()
	return len(x.metrics[metricID])
}

// TotalEntries returns the number of entries across all metrics.
func (x *Index) TotalEntries() int64 {
	x.mu.RLock()
	defer x.mu.RUnlock()

	var total int64
	for _, entries := range x.metrics {
		total += int64(len(entries))
	}
	return total
}

// Metrics returns the ids that have at least one entry.
func (x *Index) Metrics() []types.MetricID {
	x.mu.RLock()
	defer x.mu.RUnlock()

	ids := make([]types.MetricID, 0, len(x.metrics))
	for id := range x.metrics {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids
}

// Rebuild repopulates the index from sealed segments, replacing any
// existing contents. Segments are scanned in parallel; entries are then
// ordered by (timestamp, segment id, offset) so ties keep seal order.
func (x *Index) Rebuild(ctx context.Context, store segmentScanner) error {
	ids := store.IDs()

	perSegment := make([]map[types.MetricID][]Entry, len(ids))

	g, ctx := errgroup.WithContext(ctx)
	g.SetLimit(runtime.NumCPU())

	for i, segID := range ids {
		i, segID := i, segID
		g.Go(func() error {
			if err := ctx.Err(); err != nil {
				return err
			}

			local := make(map[types.MetricID][]Entry)
			err := store.Scan(segID, func(offset uint32, p types.Point) bool {
				local[p.MetricID] = append(local[p.MetricID], Entry{
					TimestampMs: p.TimestampMs,
					SegmentID:   segID,
					Offset:      offset,
				})
				return true
			})
			if err != nil {
				return err
			}

			perSegment[i] = local
			return nil
		})
	}

	if err := g.Wait(); err != nil {
		return err
	}

	merged := make(map[types.MetricID][]Entry)
	for _, local := range perSegment {
		for metricID, entries := range local {
			merged[metricID] = append(merged[metricID], entries...)
		}
	}

	// Appended in ascending segment id and offset order, so a stable
	// sort by timestamp reproduces the original insertion order.
	for _, entries := range merged {
		sort.SliceStable(entries, func(i, j int) bool {
			return entries[i].TimestampMs < entries[j].TimestampMs
		})
	}

	x.mu.Lock()
	x.metrics = merged
	x.mu.Unlock()

	return nil
}
