package storage

import (
	"bytes"
	"context"
	"strings"
	"testing"
	"time"

	verrors "github.com/avessar/vitaldb/internal/errors"
	"github.com/avessar/vitaldb/internal/metastore"
	"github.com/avessar/vitaldb/internal/storage/config"
	"github.com/avessar/vitaldb/internal/storage/export"
	"github.com/avessar/vitaldb/internal/storage/query"
	"github.com/avessar/vitaldb/internal/storage/segment"
	"github.com/avessar/vitaldb/internal/storage/types"
	"github.com/avessar/vitaldb/internal/storage/wal"
)

func testConfig(dir string) *config.Config {
	cfg := config.DefaultConfig()
	cfg.DataDir = dir
	// Seals happen only when the tests ask for them.
	cfg.Seal.Interval = time.Hour
	cfg.Seal.MaxBufferPoints = 1 << 20
	return cfg
}

func openTestStore(t *testing.T, cfg *config.Config) *Store {
	t.Helper()
	s, err := Open(cfg)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func TestIngestAndQueryEndToEnd(t *testing.T) {
	s := openTestStore(t, testConfig(t.TempDir()))
	ctx := context.Background()

	maxVal := 10.0
	if _, err := s.RegisterMetric(ctx, &types.Metric{
		Name:        "mood",
		Unit:        "score",
		Category:    types.CategoryMood,
		Aggregation: types.AggregationAverage,
		MaxValue:    &maxVal,
	}); err != nil {
		t.Fatalf("RegisterMetric: %v", err)
	}

	morning := time.Date(2025, 6, 1, 9, 0, 0, 0, time.UTC).UnixMilli()
	evening := time.Date(2025, 6, 1, 21, 0, 0, 0, time.UTC).UnixMilli()

	ack1, err := s.Ingest(ctx, IngestRequest{Metric: "mood", Value: 7.5, TimestampMs: morning})
	if err != nil {
		t.Fatalf("Ingest: %v", err)
	}
	ack2, err := s.Ingest(ctx, IngestRequest{Metric: "mood", Value: 8.0, TimestampMs: evening})
	if err != nil {
		t.Fatalf("Ingest: %v", err)
	}
	if ack2.Seq <= ack1.Seq {
		t.Errorf("sequences not ascending: %d then %d", ack1.Seq, ack2.Seq)
	}

	day := types.TimeRange{
		StartMs: time.Date(2025, 6, 1, 0, 0, 0, 0, time.UTC).UnixMilli(),
		EndMs:   time.Date(2025, 6, 2, 0, 0, 0, 0, time.UTC).UnixMilli(),
	}

	res, err := s.Query(ctx, query.Request{Select: []string{"mood"}, Range: day})
	if err != nil {
		t.Fatalf("Query: %v", err)
	}
	got := res.Series[0]
	if len(got.Values) != 2 || got.Values[0] != 7.5 || got.Values[1] != 8.0 {
		t.Errorf("raw values = %v", got.Values)
	}

	// Same data grouped by day: one bucket, averaged.
	res, err = s.Query(ctx, query.Request{
		Select:  []string{"mood"},
		Range:   day,
		GroupBy: types.GroupByDay,
	})
	if err != nil {
		t.Fatalf("grouped Query: %v", err)
	}
	if v := res.Series[0].Values; len(v) != 1 || v[0] != 7.75 {
		t.Errorf("day average = %v, want [7.75]", v)
	}
}

func TestOutOfBoundsRejectedBeforeDurability(t *testing.T) {
	s := openTestStore(t, testConfig(t.TempDir()))
	ctx := context.Background()

	maxVal := 100.0
	if _, err := s.RegisterMetric(ctx, &types.Metric{
		Name:     "battery",
		MaxValue: &maxVal,
	}); err != nil {
		t.Fatalf("RegisterMetric: %v", err)
	}

	before := s.Stats().WAL.RecordsWritten
	_, err := s.Ingest(ctx, IngestRequest{Metric: "battery", Value: 150})
	if !verrors.IsValidation(err) {
		t.Fatalf("err = %v, want validation error", err)
	}

	st := s.Stats()
	if st.WAL.RecordsWritten != before {
		t.Error("rejected point reached the WAL")
	}
	if st.BufferPoints != 0 {
		t.Error("rejected point reached the live buffer")
	}
}

func TestSealThenQuery(t *testing.T) {
	s := openTestStore(t, testConfig(t.TempDir()))
	ctx := context.Background()

	for i := 0; i < 10; i++ {
		if _, err := s.Ingest(ctx, IngestRequest{
			Metric: "steps", Value: float64(1000 + i), TimestampMs: int64(1000 + i),
		}); err != nil {
			t.Fatalf("Ingest: %v", err)
		}
	}

	if err := s.Seal(ctx); err != nil {
		t.Fatalf("Seal: %v", err)
	}
	st := s.Stats()
	if st.BufferPoints != 0 {
		t.Errorf("buffer points after seal = %d", st.BufferPoints)
	}
	if st.Segments.SegmentsSealed != 1 || st.IndexEntries != 10 {
		t.Errorf("sealed = %d index entries = %d", st.Segments.SegmentsSealed, st.IndexEntries)
	}

	res, err := s.Query(ctx, query.Request{
		Select: []string{"steps"},
		Range:  types.TimeRange{StartMs: 0, EndMs: 2000},
	})
	if err != nil {
		t.Fatalf("Query: %v", err)
	}
	if len(res.Series[0].Values) != 10 {
		t.Errorf("rows after seal = %d", len(res.Series[0].Values))
	}

	// Sealing an empty buffer is a no-op, not an error.
	if err := s.Seal(ctx); err != nil {
		t.Fatalf("empty Seal: %v", err)
	}
}

func TestDataSurvivesReopen(t *testing.T) {
	dir := t.TempDir()
	ctx := context.Background()

	s, err := Open(testConfig(dir))
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	if _, err := s.Ingest(ctx, IngestRequest{Metric: "sleep", Value: 7.2, TimestampMs: 5000}); err != nil {
		t.Fatalf("Ingest: %v", err)
	}
	if err := s.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	s2 := openTestStore(t, testConfig(dir))
	res, err := s2.Query(ctx, query.Request{
		Select: []string{"sleep"},
		Range:  types.TimeRange{StartMs: 0, EndMs: 10000},
	})
	if err != nil {
		t.Fatalf("Query after reopen: %v", err)
	}
	if v := res.Series[0].Values; len(v) != 1 || v[0] != 7.2 {
		t.Errorf("values after reopen = %v", v)
	}
}

func TestRecoveryFromUnsealedRecords(t *testing.T) {
	dir := t.TempDir()
	cfg := testConfig(dir)
	ctx := context.Background()

	s, err := Open(cfg)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	ack, err := s.Ingest(ctx, IngestRequest{Metric: "hr", Value: 60, TimestampMs: 1000})
	if err != nil {
		t.Fatalf("Ingest: %v", err)
	}
	metricID := ack.MetricID
	if err := s.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	// Simulate a crash after acknowledged writes: append records the
	// store never saw sealed.
	l, err := wal.Open(cfg.WALDir(), wal.DefaultOptions())
	if err != nil {
		t.Fatalf("wal.Open: %v", err)
	}
	if _, err := l.Append([]types.Point{
		{TimestampMs: 2000, MetricID: metricID, Value: 61},
		{TimestampMs: 3000, MetricID: metricID, Value: 62},
	}); err != nil {
		t.Fatalf("Append: %v", err)
	}
	if err := l.Close(); err != nil {
		t.Fatalf("wal.Close: %v", err)
	}

	s2, err := Open(cfg)
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	defer s2.Close()

	// Recovery seals immediately, so the buffer is empty again.
	if bp := s2.Stats().BufferPoints; bp != 0 {
		t.Errorf("buffer points after recovery = %d", bp)
	}

	res, err := s2.Query(ctx, query.Request{
		Select: []string{"hr"},
		Range:  types.TimeRange{StartMs: 0, EndMs: 10000},
	})
	if err != nil {
		t.Fatalf("Query: %v", err)
	}
	if n := len(res.Series[0].Values); n != 3 {
		t.Fatalf("points after recovery = %d, want 3", n)
	}

	// Recovery is idempotent: another reopen must not duplicate points.
	s2.Close()
	s3 := openTestStore(t, cfg)
	res, err = s3.Query(ctx, query.Request{
		Select: []string{"hr"},
		Range:  types.TimeRange{StartMs: 0, EndMs: 10000},
	})
	if err != nil {
		t.Fatalf("Query after second reopen: %v", err)
	}
	if n := len(res.Series[0].Values); n != 3 {
		t.Errorf("points after second recovery = %d, want 3", n)
	}
}

func TestRecoverySkipsSealedButUncheckpointedRecords(t *testing.T) {
	dir := t.TempDir()
	cfg := testConfig(dir)
	ctx := context.Background()

	if err := cfg.EnsureDirectories(); err != nil {
		t.Fatalf("EnsureDirectories: %v", err)
	}

	// Build the state a crash between the segment rename and the
	// checkpoint write leaves behind: the segment is durable, the WAL
	// records it covers are still on disk, and the checkpoint was never
	// advanced.
	metaCfg := metastore.DefaultConfig()
	metaCfg.Path = cfg.MetastorePath()
	meta, err := metastore.New(metaCfg)
	if err != nil {
		t.Fatalf("metastore.New: %v", err)
	}
	m := &types.Metric{Name: "hr", Aggregation: types.AggregationAverage}
	metricID, err := meta.CreateMetric(ctx, m)
	if err != nil {
		t.Fatalf("CreateMetric: %v", err)
	}
	if err := meta.Close(); err != nil {
		t.Fatalf("meta.Close: %v", err)
	}

	points := []types.Point{
		{TimestampMs: 1000, MetricID: metricID, Value: 60},
		{TimestampMs: 2000, MetricID: metricID, Value: 61},
	}

	l, err := wal.Open(cfg.WALDir(), wal.DefaultOptions())
	if err != nil {
		t.Fatalf("wal.Open: %v", err)
	}
	var lastSeq uint64
	for _, p := range points {
		if lastSeq, err = l.Append([]types.Point{p}); err != nil {
			t.Fatalf("Append: %v", err)
		}
	}
	if err := l.Close(); err != nil {
		t.Fatalf("wal.Close: %v", err)
	}

	segs, err := segment.OpenStore(cfg.SegmentDir(), segment.DefaultOptions())
	if err != nil {
		t.Fatalf("segment.OpenStore: %v", err)
	}
	if _, _, err := segs.Seal(points, lastSeq); err != nil {
		t.Fatalf("Seal: %v", err)
	}
	if err := segs.Close(); err != nil {
		t.Fatalf("segs.Close: %v", err)
	}

	// The segment header proves the records are sealed; replay must not
	// re-ingest them even though the checkpoint is stale.
	s := openTestStore(t, cfg)
	res, err := s.Query(ctx, query.Request{
		Select: []string{"hr"},
		Range:  types.TimeRange{StartMs: 0, EndMs: 10000},
	})
	if err != nil {
		t.Fatalf("Query: %v", err)
	}
	if n := len(res.Series[0].Values); n != 2 {
		t.Fatalf("points after recovery = %d, want 2", n)
	}

	// And a second open sees the same state.
	s.Close()
	s2 := openTestStore(t, cfg)
	res, err = s2.Query(ctx, query.Request{
		Select: []string{"hr"},
		Range:  types.TimeRange{StartMs: 0, EndMs: 10000},
	})
	if err != nil {
		t.Fatalf("Query after reopen: %v", err)
	}
	if n := len(res.Series[0].Values); n != 2 {
		t.Errorf("points after reopen = %d, want 2", n)
	}
}

func TestBatchIngestPerPointResults(t *testing.T) {
	s := openTestStore(t, testConfig(t.TempDir()))
	ctx := context.Background()

	maxVal := 10.0
	if _, err := s.RegisterMetric(ctx, &types.Metric{Name: "mood", MaxValue: &maxVal}); err != nil {
		t.Fatalf("RegisterMetric: %v", err)
	}

	results := s.BatchIngest(ctx, []IngestRequest{
		{Metric: "mood", Value: 6, TimestampMs: 1000},
		{Metric: "mood", Value: 15, TimestampMs: 2000}, // above max
		{Metric: "mood", Value: 8, TimestampMs: 3000},
	})

	if results[0].Err != nil || results[2].Err != nil {
		t.Fatalf("valid points rejected: %v, %v", results[0].Err, results[2].Err)
	}
	if !verrors.IsValidation(results[1].Err) {
		t.Errorf("out-of-bounds point: %v", results[1].Err)
	}
	// The surviving points share one durable record.
	if results[0].Ack.Seq != results[2].Ack.Seq {
		t.Errorf("batch seqs differ: %d vs %d", results[0].Ack.Seq, results[2].Ack.Seq)
	}
	if bp := s.Stats().BufferPoints; bp != 2 {
		t.Errorf("buffer points = %d, want 2", bp)
	}
}

func TestAutoCreateMetric(t *testing.T) {
	cfg := testConfig(t.TempDir())
	s := openTestStore(t, cfg)
	ctx := context.Background()

	if _, err := s.Ingest(ctx, IngestRequest{Metric: "water", Value: 1.5}); err != nil {
		t.Fatalf("Ingest with unknown metric: %v", err)
	}

	m, err := s.GetMetric(ctx, "water")
	if err != nil {
		t.Fatalf("GetMetric: %v", err)
	}
	if m.Category != types.CategoryCustom || m.Aggregation != types.AggregationAverage {
		t.Errorf("auto-created metric = %+v", m)
	}
}

func TestUnknownMetricRejectedWithoutAutoCreate(t *testing.T) {
	cfg := testConfig(t.TempDir())
	cfg.Registry.AutoCreateMetrics = false
	s := openTestStore(t, cfg)

	_, err := s.Ingest(context.Background(), IngestRequest{Metric: "ghost", Value: 1})
	if !verrors.IsNotFound(err) {
		t.Errorf("err = %v, want not-found", err)
	}
}

func TestSubscribeSeesDurableIngest(t *testing.T) {
	s := openTestStore(t, testConfig(t.TempDir()))
	ctx := context.Background()

	events, cancel := s.Subscribe()
	defer cancel()

	ack, err := s.Ingest(ctx, IngestRequest{Metric: "m", Value: 1, TimestampMs: 42})
	if err != nil {
		t.Fatalf("Ingest: %v", err)
	}

	select {
	case ev := <-events:
		if ev.Seq != ack.Seq || ev.Points != 1 || ev.TimestampMs != 42 {
			t.Errorf("event = %+v, ack = %+v", ev, ack)
		}
	case <-time.After(time.Second):
		t.Fatal("no event delivered")
	}
}

func TestRegisterMetricRejectsBadNames(t *testing.T) {
	s := openTestStore(t, testConfig(t.TempDir()))
	ctx := context.Background()

	for _, name := range []string{"my mood", "mood\tscore", "mood\n"} {
		_, err := s.RegisterMetric(ctx, &types.Metric{Name: name})
		if !verrors.IsValidation(err) || !verrors.Is(err, verrors.ErrInvalidName) {
			t.Errorf("Register(%q): %v, want invalid-name error", name, err)
		}
	}

	// Several problems are reported together, not one at a time.
	lo, hi := 5.0, 1.0
	_, err := s.RegisterMetric(ctx, &types.Metric{Name: "bad name", MinValue: &lo, MaxValue: &hi})
	if !verrors.IsValidation(err) {
		t.Fatalf("err = %v, want validation error", err)
	}
	msg := err.Error()
	if !strings.Contains(msg, "bad name") || !strings.Contains(msg, "min_value") {
		t.Errorf("error should list every field: %v", msg)
	}
}

func TestUpdateMetric(t *testing.T) {
	s := openTestStore(t, testConfig(t.TempDir()))
	ctx := context.Background()

	m, err := s.RegisterMetric(ctx, &types.Metric{Name: "weight", Aggregation: types.AggregationLast})
	if err != nil {
		t.Fatalf("RegisterMetric: %v", err)
	}

	m.Unit = "kg"
	updated, err := s.UpdateMetric(ctx, m)
	if err != nil {
		t.Fatalf("UpdateMetric: %v", err)
	}
	if updated.Unit != "kg" {
		t.Errorf("unit = %q", updated.Unit)
	}

	// Renaming is refused.
	renamed := *updated
	renamed.Name = "mass"
	if _, err := s.UpdateMetric(ctx, &renamed); !verrors.IsValidation(err) {
		t.Errorf("rename: %v", err)
	}
}

func TestExportCSV(t *testing.T) {
	s := openTestStore(t, testConfig(t.TempDir()))
	ctx := context.Background()

	for i, v := range []float64{7.5, 8.0} {
		if _, err := s.Ingest(ctx, IngestRequest{
			Metric: "mood", Value: v, TimestampMs: int64(1000 * (i + 1)),
		}); err != nil {
			t.Fatalf("Ingest: %v", err)
		}
	}

	var buf bytes.Buffer
	err := s.Export(ctx, &buf, query.Request{
		Select: []string{"mood"},
		Range:  types.TimeRange{StartMs: 0, EndMs: 10000},
	}, export.FormatCSV)
	if err != nil {
		t.Fatalf("Export: %v", err)
	}

	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	if len(lines) != 3 {
		t.Fatalf("exported lines = %d:\n%s", len(lines), buf.String())
	}
	if !strings.HasPrefix(lines[1], "mood,1000,7.5") {
		t.Errorf("row = %q", lines[1])
	}
}

func TestClosedStoreRejectsOperations(t *testing.T) {
	s, err := Open(testConfig(t.TempDir()))
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	if err := s.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if err := s.Close(); err != nil {
		t.Fatalf("second Close: %v", err)
	}

	ctx := context.Background()
	if _, err := s.Ingest(ctx, IngestRequest{Metric: "m", Value: 1}); !verrors.Is(err, verrors.ErrClosed) {
		t.Errorf("Ingest after close: %v", err)
	}
	if _, err := s.Query(ctx, query.Request{}); !verrors.Is(err, verrors.ErrClosed) {
		t.Errorf("Query after close: %v", err)
	}
}
