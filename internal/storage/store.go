package storage

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	verrors "github.com/avessar/vitaldb/internal/errors"
	"github.com/avessar/vitaldb/internal/logging"
	"github.com/avessar/vitaldb/internal/metastore"
	"github.com/avessar/vitaldb/internal/notify"
	"github.com/avessar/vitaldb/internal/storage/config"
	"github.com/avessar/vitaldb/internal/storage/export"
	"github.com/avessar/vitaldb/internal/storage/index"
	"github.com/avessar/vitaldb/internal/storage/query"
	"github.com/avessar/vitaldb/internal/storage/segment"
	"github.com/avessar/vitaldb/internal/storage/types"
	"github.com/avessar/vitaldb/internal/storage/wal"
)

// sealedSeqKey is the metastore checkpoint recording the highest WAL
// sequence number covered by a durable seal. Replay skips records at or
// below it, so a crash between seal and WAL truncation cannot double
// the sealed points.
const sealedSeqKey = "sealed_wal_seq"

// Store is the storage engine: WAL-durable ingest, a double-buffered
// live memtable, immutable sealed segments with a rebuildable range
// index, the metric registry, and the query executor on top.
type Store struct {
	cfg *config.Config

	meta     *metastore.Store
	registry *registry
	wal      *wal.Log
	segments *segment.Store
	memtable *segment.Memtable
	index    *index.Index
	executor *query.Executor
	hub      *notify.Hub

	// ingestMu serializes the single writer: one WAL append plus the
	// matching memtable insert at a time.
	ingestMu sync.Mutex

	// sealMu serializes seals (background, manual, shutdown).
	sealMu sync.Mutex

	sealCh chan struct{}
	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	closed    atomic.Bool
	startTime time.Time

	log *slog.Logger
}

// IngestRequest is one point to ingest.
type IngestRequest struct {
	// Metric is the metric name. Unknown names are auto-created when
	// the registry is configured to do so.
	Metric string

	// Value is the measurement.
	Value float64

	// TimestampMs is the point time in Unix milliseconds. Zero means now.
	TimestampMs int64

	// Tags are optional key/value labels.
	Tags map[string]string
}

// IngestAck acknowledges a durable ingest.
type IngestAck struct {
	Seq         uint64
	MetricID    types.MetricID
	TimestampMs int64
}

// PointResult is the per-point outcome of a batch ingest.
type PointResult struct {
	Ack IngestAck
	Err error
}

// Stats is a point-in-time snapshot of engine counters.
type Stats struct {
	Uptime       time.Duration
	Metrics      int
	BufferPoints int
	IndexEntries int64
	WAL          wal.Stats
	Segments     segment.Stats
}

// Open opens (or creates) the store at cfg.DataDir and recovers any
// unsealed points from the write-ahead log.
func Open(cfg *config.Config) (*Store, error) {
	if cfg == nil {
		cfg = config.DefaultConfig()
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	if err := cfg.EnsureDirectories(); err != nil {
		return nil, fmt.Errorf("ensure directories: %w", err)
	}

	log := logging.Component("store")

	metaCfg := metastore.DefaultConfig()
	metaCfg.Path = cfg.MetastorePath()
	meta, err := metastore.New(metaCfg)
	if err != nil {
		return nil, fmt.Errorf("open metastore: %w", err)
	}

	ctx, cancel := context.WithCancel(context.Background())

	s := &Store{
		cfg:       cfg,
		meta:      meta,
		memtable:  segment.NewMemtable(),
		index:     index.New(),
		hub:       notify.NewHub(),
		sealCh:    make(chan struct{}, 1),
		ctx:       ctx,
		cancel:    cancel,
		startTime: time.Now(),
		log:       log,
	}

	fail := func(err error) (*Store, error) {
		cancel()
		if s.wal != nil {
			s.wal.Close()
		}
		if s.segments != nil {
			s.segments.Close()
		}
		meta.Close()
		return nil, err
	}

	s.registry, err = newRegistry(ctx, meta, cfg.Registry.AutoCreateMetrics)
	if err != nil {
		return fail(fmt.Errorf("open registry: %w", err))
	}

	s.segments, err = segment.OpenStore(cfg.SegmentDir(), segment.Options{
		BlockPoints:      cfg.Segment.BlockPoints,
		Compression:      cfg.Segment.Compression,
		CompressionLevel: cfg.Segment.CompressionLevel,
		BlockCacheSize:   cfg.Segment.BlockCacheSize,
	})
	if err != nil {
		return fail(fmt.Errorf("open segments: %w", err))
	}

	if err := s.index.Rebuild(ctx, s.segments); err != nil {
		return fail(fmt.Errorf("rebuild index: %w", err))
	}

	s.wal, err = wal.Open(cfg.WALDir(), wal.Options{
		MaxFileSize:  cfg.WAL.MaxFileSize,
		SyncMode:     cfg.WAL.SyncMode,
		SyncInterval: cfg.WAL.SyncInterval,
	})
	if err != nil {
		return fail(fmt.Errorf("open wal: %w", err))
	}
	if path, n := s.wal.TailTrimmed(); n > 0 {
		log.Warn("trimmed corrupt record file tail", "file", path, "bytes", n)
	}

	if err := s.recover(ctx); err != nil {
		return fail(fmt.Errorf("recover: %w", err))
	}

	s.executor = query.New(s.registry, s.index, s.segments, s.memtable, query.Options{
		MaxRows:            cfg.Query.MaxRows,
		PercentileAccuracy: cfg.Query.PercentileAccuracy,
	})

	s.wg.Add(1)
	go s.sealWorker()

	log.Info("store open",
		"data_dir", cfg.DataDir,
		"metrics", s.registry.Count(),
		"segments", s.segments.Count(),
		"sealed_points", s.segments.TotalPoints())

	return s, nil
}

// recover replays unsealed WAL records into the memtable and seals them
// immediately, so recovered data is durable in segment form before the
// store accepts new writes. Running recovery twice yields the same
// state: replay skips everything at or below the seal floor.
//
// The floor is the larger of the metastore checkpoint and the highest
// WAL sequence recorded in a valid segment header. A crash between the
// segment rename and the checkpoint write leaves the checkpoint stale;
// the segment header still proves those records are sealed.
func (s *Store) recover(ctx context.Context) error {
	sealedSeq, _, err := s.meta.GetCheckpoint(ctx, sealedSeqKey)
	if err != nil {
		return fmt.Errorf("read seal checkpoint: %w", err)
	}

	floor := uint64(sealedSeq)
	if segSeq := s.segments.MaxWALSeq(); segSeq > floor {
		floor = segSeq
	}

	r, err := s.wal.Replay()
	if err != nil {
		return fmt.Errorf("replay: %w", err)
	}
	defer r.Close()

	var recovered int
	for r.Next() {
		rec := r.Record()
		if rec.Seq <= floor {
			continue
		}
		s.memtable.InsertBatch(rec.Points)
		recovered += len(rec.Points)
	}
	if err := r.Err(); err != nil {
		// A mid-file checksum failure ends replay; everything before it
		// was recovered. The damaged file stays for inspection.
		if !verrors.IsCorruption(err) {
			return fmt.Errorf("replay: %w", err)
		}
		s.log.Warn("replay stopped at corrupt record", "error", err,
			"records_read", r.RecordsRead())
	}

	if recovered == 0 {
		return nil
	}

	s.log.Info("recovered unsealed points", "points", recovered)
	if err := s.seal(ctx); err != nil {
		return fmt.Errorf("seal recovered points: %w", err)
	}
	return nil
}

// Ingest validates, persists, and buffers one point. The returned ack
// is only issued once the point is durable in the WAL.
func (s *Store) Ingest(ctx context.Context, req IngestRequest) (IngestAck, error) {
	if s.closed.Load() {
		return IngestAck{}, verrors.ErrClosed
	}

	metric, err := s.registry.Resolve(ctx, req.Metric)
	if err != nil {
		return IngestAck{}, err
	}
	if err := validateValue(metric, req.Value); err != nil {
		return IngestAck{}, err
	}

	ts := req.TimestampMs
	if ts == 0 {
		ts = time.Now().UnixMilli()
	}

	point := types.Point{
		TimestampMs: ts,
		MetricID:    metric.ID,
		Value:       req.Value,
		Tags:        req.Tags,
	}

	s.ingestMu.Lock()
	seq, err := s.wal.Append([]types.Point{point})
	if err != nil {
		s.ingestMu.Unlock()
		return IngestAck{}, err
	}
	s.memtable.Insert(point)
	bufLen := s.memtable.Len()
	s.ingestMu.Unlock()

	s.hub.Publish(notify.Event{
		Seq:         seq,
		MetricIDs:   []types.MetricID{metric.ID},
		Points:      1,
		TimestampMs: ts,
	})
	s.maybeTriggerSeal(bufLen)

	return IngestAck{Seq: seq, MetricID: metric.ID, TimestampMs: ts}, nil
}

// BatchIngest ingests many points with per-point outcomes. Points that
// fail validation are rejected individually; the surviving points are
// made durable together in one WAL record and share its sequence
// number.
func (s *Store) BatchIngest(ctx context.Context, reqs []IngestRequest) []PointResult {
	results := make([]PointResult, len(reqs))
	if s.closed.Load() {
		for i := range results {
			results[i].Err = verrors.ErrClosed
		}
		return results
	}

	now := time.Now().UnixMilli()
	points := make([]types.Point, 0, len(reqs))
	accepted := make([]int, 0, len(reqs))
	var metricIDs []types.MetricID
	seen := make(map[types.MetricID]bool)
	var maxTs int64

	for i, req := range reqs {
		metric, err := s.registry.Resolve(ctx, req.Metric)
		if err != nil {
			results[i].Err = err
			continue
		}
		if err := validateValue(metric, req.Value); err != nil {
			results[i].Err = err
			continue
		}

		ts := req.TimestampMs
		if ts == 0 {
			ts = now
		}
		if ts > maxTs {
			maxTs = ts
		}

		points = append(points, types.Point{
			TimestampMs: ts,
			MetricID:    metric.ID,
			Value:       req.Value,
			Tags:        req.Tags,
		})
		accepted = append(accepted, i)
		if !seen[metric.ID] {
			seen[metric.ID] = true
			metricIDs = append(metricIDs, metric.ID)
		}
	}

	if len(points) == 0 {
		return results
	}

	s.ingestMu.Lock()
	seq, err := s.wal.Append(points)
	if err != nil {
		s.ingestMu.Unlock()
		for _, i := range accepted {
			results[i].Err = err
		}
		return results
	}
	s.memtable.InsertBatch(points)
	bufLen := s.memtable.Len()
	s.ingestMu.Unlock()

	for n, i := range accepted {
		results[i].Ack = IngestAck{
			Seq:         seq,
			MetricID:    points[n].MetricID,
			TimestampMs: points[n].TimestampMs,
		}
	}

	s.hub.Publish(notify.Event{
		Seq:         seq,
		MetricIDs:   metricIDs,
		Points:      len(points),
		TimestampMs: maxTs,
	})
	s.maybeTriggerSeal(bufLen)

	return results
}

// Query executes a query under the configured timeout.
func (s *Store) Query(ctx context.Context, req query.Request) (*query.Result, error) {
	if s.closed.Load() {
		return nil, verrors.ErrClosed
	}

	if s.cfg.Query.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.cfg.Query.Timeout)
		defer cancel()
	}
	return s.executor.Execute(ctx, req)
}

// Export runs a query and renders the result to w.
func (s *Store) Export(ctx context.Context, w io.Writer, req query.Request, format export.Format) error {
	result, err := s.Query(ctx, req)
	if err != nil {
		return err
	}
	return export.Write(w, result, format)
}

// RegisterMetric creates a metric with explicit settings.
func (s *Store) RegisterMetric(ctx context.Context, m *types.Metric) (*types.Metric, error) {
	if s.closed.Load() {
		return nil, verrors.ErrClosed
	}
	return s.registry.Register(ctx, m)
}

// UpdateMetric changes a metric's unit, category, aggregation,
// description, or bounds. Name and id are immutable.
func (s *Store) UpdateMetric(ctx context.Context, m *types.Metric) (*types.Metric, error) {
	if s.closed.Load() {
		return nil, verrors.ErrClosed
	}
	return s.registry.Update(ctx, m)
}

// GetMetric looks up a metric by name.
func (s *Store) GetMetric(ctx context.Context, name string) (*types.Metric, error) {
	return s.registry.Lookup(ctx, name)
}

// ListMetrics returns all registered metrics ordered by name.
func (s *Store) ListMetrics(ctx context.Context) ([]types.Metric, error) {
	return s.registry.List(ctx)
}

// Subscribe registers for ingest-completion events. The cancel function
// releases the subscription.
func (s *Store) Subscribe() (<-chan notify.Event, func()) {
	return s.hub.Subscribe()
}

// Seal flushes the live buffer into a sealed segment immediately.
// Returns ErrBusy if a seal is already in flight.
func (s *Store) Seal(ctx context.Context) error {
	if s.closed.Load() {
		return verrors.ErrClosed
	}
	if !s.sealMu.TryLock() {
		return fmt.Errorf("seal in flight: %w", verrors.ErrBusy)
	}
	defer s.sealMu.Unlock()
	return s.sealLocked(ctx)
}

// seal acquires the seal lock and runs one seal cycle.
func (s *Store) seal(ctx context.Context) error {
	s.sealMu.Lock()
	defer s.sealMu.Unlock()
	return s.sealLocked(ctx)
}

// sealLocked turns the live buffer into a durable segment:
//
//  1. rotate the WAL so the batch lies entirely in closed files
//  2. swap the memtable buffers (writers continue into the fresh slot)
//  3. write the segment (the rename after fsync is the commit point)
//  4. index the sealed points
//  5. checkpoint the covered WAL sequence, then delete the closed files
//
// A failure after step 2 aborts the swap, putting the batch back in
// front of the live buffer; the WAL still has everything.
func (s *Store) sealLocked(ctx context.Context) error {
	// Rotate and swap under the ingest lock so the swapped batch is
	// exactly the set of points with sequence <= lastSeq.
	s.ingestMu.Lock()
	lastSeq := s.wal.NextSeq() - 1
	if err := s.wal.Rotate(); err != nil {
		s.ingestMu.Unlock()
		return fmt.Errorf("rotate wal: %w", err)
	}
	batch, err := s.memtable.Swap()
	s.ingestMu.Unlock()
	if err != nil {
		return err
	}
	if batch == nil {
		return nil
	}

	segID, sorted, err := s.segments.Seal(batch, lastSeq)
	if err != nil {
		s.memtable.Abort()
		return fmt.Errorf("seal segment: %w", err)
	}

	s.index.InsertSealed(segID, sorted)

	// The segment is durable and its header records lastSeq; from here
	// failures cost only replay work on the next open, never data. The
	// checkpoint is kept as a second replay floor so startup does not
	// depend on any single segment file.
	if err := s.meta.SetCheckpoint(ctx, sealedSeqKey, int64(lastSeq)); err != nil {
		s.log.Warn("seal checkpoint failed", "error", err, "seq", lastSeq)
	}
	if _, err := s.wal.Truncate(lastSeq); err != nil {
		s.log.Warn("wal truncate failed", "error", err, "seq", lastSeq)
	}

	s.memtable.Commit()

	s.log.Info("sealed segment",
		"segment", segID,
		"points", len(sorted),
		"wal_seq", lastSeq)
	return nil
}

// maybeTriggerSeal nudges the background worker when the live buffer
// passes the configured threshold. Non-blocking.
func (s *Store) maybeTriggerSeal(bufLen int) {
	if s.cfg.Seal.MaxBufferPoints <= 0 || bufLen < s.cfg.Seal.MaxBufferPoints {
		return
	}
	select {
	case s.sealCh <- struct{}{}:
	default:
	}
}

// sealWorker seals on a timer and on threshold nudges.
func (s *Store) sealWorker() {
	defer s.wg.Done()

	ticker := time.NewTicker(s.cfg.Seal.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-s.ctx.Done():
			return
		case <-ticker.C:
		case <-s.sealCh:
		}

		if s.memtable.Len() == 0 {
			continue
		}
		if err := s.seal(s.ctx); err != nil && s.ctx.Err() == nil {
			s.log.Error("background seal failed", "error", err)
		}
	}
}

// Stats returns a snapshot of engine counters.
func (s *Store) Stats() Stats {
	return Stats{
		Uptime:       time.Since(s.startTime),
		Metrics:      s.registry.Count(),
		BufferPoints: s.memtable.Len(),
		IndexEntries: s.index.TotalEntries(),
		WAL:          s.wal.Stats(),
		Segments:     s.segments.Stats(),
	}
}

// Close seals remaining buffered points and shuts everything down.
// Safe to call more than once.
func (s *Store) Close() error {
	if !s.closed.CompareAndSwap(false, true) {
		return nil
	}

	s.cancel()
	s.wg.Wait()

	var errs []error
	if s.memtable.Len() > 0 {
		if err := s.seal(context.Background()); err != nil {
			// Points remain in the WAL and come back on the next open.
			errs = append(errs, fmt.Errorf("final seal: %w", err))
		}
	}

	s.hub.Close()
	if err := s.wal.Close(); err != nil {
		errs = append(errs, fmt.Errorf("close wal: %w", err))
	}
	if err := s.segments.Close(); err != nil {
		errs = append(errs, fmt.Errorf("close segments: %w", err))
	}
	if err := s.meta.Close(); err != nil {
		errs = append(errs, fmt.Errorf("close metastore: %w", err))
	}

	if len(errs) > 0 {
		return fmt.Errorf("close: %v", errs)
	}
	s.log.Info("store closed")
	return nil
}
