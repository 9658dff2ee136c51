package segment

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"sync"

	verrors "github.com/avessar/vitaldb/internal/errors"
	"github.com/avessar/vitaldb/internal/logging"
	"github.com/avessar/vitaldb/internal/storage/codec"
	"github.com/avessar/vitaldb/internal/storage/types"
)

// Options configures the segment store.
type Options struct {
	// BlockPoints is the number of points per compressed block.
	BlockPoints int

	// Compression is the block codec: zstd, none.
	Compression string

	// CompressionLevel is the zstd level.
	CompressionLevel int

	// BlockCacheSize is the number of decompressed blocks kept in memory.
	BlockCacheSize int
}

// DefaultOptions returns default segment store options.
func DefaultOptions() Options {
	return Options{
		BlockPoints:      1024,
		Compression:      "zstd",
		CompressionLevel: 3,
		BlockCacheSize:   64,
	}
}

// Store owns the segment directory: it seals point batches into
// immutable files, opens them at startup, and serves point reads.
type Store struct {
	mu sync.RWMutex

	dir      string
	opts     Options
	codec    codec.Codec
	segments map[uint64]*Segment
	nextID   uint64

	cache *blockCache

	log *slog.Logger

	stats Stats
}

// Stats holds segment store statistics.
type Stats struct {
	SegmentsSealed  int64
	SegmentsSkipped int64
	PointsSealed    int64
	BlockReads      int64
	CacheHits       int64
}

// OpenStore opens the segment store, scanning dir for sealed segments.
// Files that fail validation (a crash during seal) are skipped and left
// in place; their points are still recoverable from the WAL.
func OpenStore(dir string, opts Options) (*Store, error) {
	if opts.BlockPoints <= 0 {
		opts.BlockPoints = DefaultOptions().BlockPoints
	}

	c, err := codec.New(opts.Compression, opts.CompressionLevel)
	if err != nil {
		return nil, err
	}

	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("create segment dir: %w", err)
	}

	s := &Store{
		dir:      dir,
		opts:     opts,
		codec:    c,
		segments: make(map[uint64]*Segment),
		nextID:   1,
		cache:    newBlockCache(opts.BlockCacheSize),
		log:      logging.Component("segment"),
	}

	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("read segment dir: %w", err)
	}

	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		var id uint64
		if _, err := fmt.Sscanf(entry.Name(), "%08d.seg", &id); err != nil {
			continue
		}

		// Ids are never reused, even when the file is unreadable.
		if id >= s.nextID {
			s.nextID = id + 1
		}

		seg, err := Open(s.path(id), id)
		if err != nil {
			// Left in place: a partial seal's points are still in the
			// WAL, and mid-file damage is preserved for inspection.
			s.log.Warn("skipping unreadable segment", "file", entry.Name(), "error", err)
			s.stats.SegmentsSkipped++
			continue
		}

		s.segments[id] = seg
	}

	return s, nil
}

// Seal sorts points by (timestamp, arrival) and writes them into a new
// immutable segment. walSeq is the highest WAL sequence number the
// batch covers and is recorded in the segment header. Returns the
// segment id and the sorted points; the point at index i of the
// returned slice lives at segment offset i. The file is durably synced
// before Seal returns.
func (s *Store) Seal(points []types.Point, walSeq uint64) (uint64, []types.Point, error) {
	if len(points) == 0 {
		return 0, nil, verrors.NewValidation("points", "empty seal")
	}

	sorted := make([]types.Point, len(points))
	copy(sorted, points)
	sort.SliceStable(sorted, func(i, j int) bool {
		return sorted[i].TimestampMs < sorted[j].TimestampMs
	})

	s.mu.Lock()
	id := s.nextID
	s.nextID++
	s.mu.Unlock()

	path, err := write(s.dir, id, sorted, walSeq, s.codec, s.opts.BlockPoints)
	if err != nil {
		return 0, nil, fmt.Errorf("seal segment %d: %w", id, err)
	}

	seg, err := Open(path, id)
	if err != nil {
		return 0, nil, fmt.Errorf("reopen sealed segment %d: %w", id, err)
	}

	s.mu.Lock()
	s.segments[id] = seg
	s.stats.SegmentsSealed++
	s.stats.PointsSealed += int64(len(sorted))
	s.mu.Unlock()

	s.log.Debug("sealed segment", "id", id, "points", len(sorted),
		"blocks", seg.BlockCount())

	return id, sorted, nil
}

// Read returns the point at a segment-global offset, decompressing only
// the containing block.
func (s *Store) Read(segmentID uint64, offset uint32) (types.Point, error) {
	seg, err := s.segment(segmentID)
	if err != nil {
		return types.Point{}, err
	}

	blockIdx, err := seg.blockFor(offset)
	if err != nil {
		return types.Point{}, err
	}

	points, err := s.block(seg, blockIdx)
	if err != nil {
		return types.Point{}, err
	}

	return points[offset-seg.metas[blockIdx].firstPoint], nil
}

// block returns a decoded block, consulting the cache first.
func (s *Store) block(seg *Segment, idx int) ([]types.Point, error) {
	if points, ok := s.cache.get(seg.ID, idx); ok {
		s.mu.Lock()
		s.stats.CacheHits++
		s.mu.Unlock()
		return points, nil
	}

	points, err := seg.DecodeBlock(idx)
	if err != nil {
		return nil, err
	}

	s.mu.Lock()
	s.stats.BlockReads++
	s.mu.Unlock()

	s.cache.put(seg.ID, idx, points)
	return points, nil
}

// Scan streams every point of one segment in stored order.
func (s *Store) Scan(segmentID uint64, fn func(offset uint32, p types.Point) bool) error {
	seg, err := s.segment(segmentID)
	if err != nil {
		return err
	}
	return seg.Scan(fn)
}

// IDs returns all sealed segment ids in ascending order.
func (s *Store) IDs() []uint64 {
	s.mu.RLock()
	defer s.mu.RUnlock()

	ids := make([]uint64, 0, len(s.segments))
	for id := range s.segments {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids
}

// Count returns the number of sealed segments.
func (s *Store) Count() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.segments)
}

// MaxWALSeq returns the highest WAL sequence number covered by any
// open segment, zero when there are none. WAL replay at startup skips
// records at or below it in addition to the seal checkpoint; the
// segment files themselves are the authority on what has been sealed.
func (s *Store) MaxWALSeq() uint64 {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var max uint64
	for _, seg := range s.segments {
		if seq := seg.WALSeq(); seq > max {
			max = seq
		}
	}
	return max
}

// TotalPoints returns the number of points across all sealed segments.
func (s *Store) TotalPoints() int64 {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var total int64
	for _, seg := range s.segments {
		total += int64(seg.PointCount())
	}
	return total
}

// Stats returns store statistics.
func (s *Store) Stats() Stats {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.stats
}

// Close closes all open segments.
func (s *Store) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	var firstErr error
	for _, seg := range s.segments {
		if err := seg.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	s.segments = make(map[uint64]*Segment)
	return firstErr
}

func (s *Store) segment(id uint64) (*Segment, error) {
	s.mu.RLock()
	seg, ok := s.segments[id]
	s.mu.RUnlock()
	if !ok {
		return nil, verrors.NewSegmentNotFound(id)
	}
	return seg, nil
}

func (s *Store) path(id uint64) string {
	return filepath.Join(s.dir, FileName(id))
}

// blockCache is a small FIFO cache of decoded blocks.
type blockCache struct {
	mu    sync.Mutex
	max   int
	items map[blockKey][]types.Point
	order []blockKey
}

type blockKey struct {
	segmentID uint64
	block     int
}

func newBlockCache(max int) *blockCache {
	return &blockCache{
		max:   max,
		items: make(map[blockKey][]types.Point),
	}
}

func (c *blockCache) get(segmentID uint64, block int) ([]types.Point, bool) {
	if c.max <= 0 {
		return nil, false
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	points, ok := c.items[blockKey{segmentID, block}]
	return points, ok
}

func (c *blockCache) put(segmentID uint64, block int, points []types.Point) {
	if c.max <= 0 {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()

	key := blockKey{segmentID, block}
	if _, ok := c.items[key]; ok {
		return
	}

	for len(c.order) >= c.max {
		oldest := c.order[0]
		c.order = c.order[1:]
		delete(c.items, oldest)
	}

	c.items[key] = points
	c.order = append(c.order, key)
}
