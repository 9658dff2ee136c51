package segment

import (
	"os"
	"path/filepath"
	"testing"

	verrors "github.com/avessar/vitaldb/internal/errors"
	"github.com/avessar/vitaldb/internal/storage/types"
)

func testOptions() Options {
	opts := DefaultOptions()
	opts.BlockPoints = 4 // Small blocks to exercise block boundaries
	return opts
}

func makePoints(n int) []types.Point {
	points := make([]types.Point, n)
	for i := range points {
		points[i] = types.Point{
			TimestampMs: int64(n-i) * 1000, // Reverse order; Seal must sort
			MetricID:    types.MetricID(i%2 + 1),
			Value:       float64(i),
		}
	}
	return points
}

func TestSealAndRead(t *testing.T) {
	store, err := OpenStore(t.TempDir(), testOptions())
	if err != nil {
		t.Fatalf("OpenStore: %v", err)
	}
	defer store.Close()

	id, sorted, err := store.Seal(makePoints(10), 10)
	if err != nil {
		t.Fatalf("Seal: %v", err)
	}

	// Sorted ascending by timestamp.
	for i := 1; i < len(sorted); i++ {
		if sorted[i].TimestampMs < sorted[i-1].TimestampMs {
			t.Fatalf("seal output not sorted at %d", i)
		}
	}

	// Every offset reads back the sorted point.
	for i, want := range sorted {
		got, err := store.Read(id, uint32(i))
		if err != nil {
			t.Fatalf("Read(%d, %d): %v", id, i, err)
		}
		if got.TimestampMs != want.TimestampMs || got.Value != want.Value || got.MetricID != want.MetricID {
			t.Errorf("offset %d: got %+v, want %+v", i, got, want)
		}
	}
}

func TestReadInvalidOffsets(t *testing.T) {
	store, err := OpenStore(t.TempDir(), testOptions())
	if err != nil {
		t.Fatalf("OpenStore: %v", err)
	}
	defer store.Close()

	id, _, err := store.Seal(makePoints(3), 3)
	if err != nil {
		t.Fatalf("Seal: %v", err)
	}

	if _, err := store.Read(id, 3); !verrors.IsNotFound(err) {
		t.Errorf("out-of-range offset: %v", err)
	}
	if _, err := store.Read(999, 0); !verrors.IsNotFound(err) {
		t.Errorf("unknown segment: %v", err)
	}
}

func TestSegmentsSurviveReopen(t *testing.T) {
	dir := t.TempDir()

	store, err := OpenStore(dir, testOptions())
	if err != nil {
		t.Fatalf("OpenStore: %v", err)
	}
	id1, sorted, err := store.Seal(makePoints(6), 6)
	if err != nil {
		t.Fatalf("Seal: %v", err)
	}
	store.Close()

	store2, err := OpenStore(dir, testOptions())
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	defer store2.Close()

	if store2.Count() != 1 {
		t.Fatalf("reopened with %d segments, want 1", store2.Count())
	}

	got, err := store2.Read(id1, 2)
	if err != nil {
		t.Fatalf("Read after reopen: %v", err)
	}
	if got.TimestampMs != sorted[2].TimestampMs {
		t.Errorf("point mismatch after reopen")
	}

	// Ids continue after the highest existing segment.
	id2, _, err := store2.Seal(makePoints(2), 8)
	if err != nil {
		t.Fatalf("Seal after reopen: %v", err)
	}
	if id2 <= id1 {
		t.Errorf("segment id %d not greater than %d after reopen", id2, id1)
	}
}

func TestPartialSegmentSkippedOnOpen(t *testing.T) {
	dir := t.TempDir()

	store, err := OpenStore(dir, testOptions())
	if err != nil {
		t.Fatalf("OpenStore: %v", err)
	}
	if _, _, err := store.Seal(makePoints(5), 5); err != nil {
		t.Fatalf("Seal: %v", err)
	}
	store.Close()

	// Simulate a crash mid-seal: a segment file missing its footer.
	data, err := os.ReadFile(filepath.Join(dir, FileName(1)))
	if err != nil {
		t.Fatalf("read segment: %v", err)
	}
	partial := data[:len(data)-20]
	if err := os.WriteFile(filepath.Join(dir, FileName(2)), partial, 0644); err != nil {
		t.Fatalf("write partial segment: %v", err)
	}

	store2, err := OpenStore(dir, testOptions())
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	defer store2.Close()

	if store2.Count() != 1 {
		t.Errorf("reopened with %d segments, want 1 (partial skipped)", store2.Count())
	}
	if store2.Stats().SegmentsSkipped != 1 {
		t.Errorf("SegmentsSkipped = %d, want 1", store2.Stats().SegmentsSkipped)
	}

	// The next seal does not reuse the damaged file's id.
	id, _, err := store2.Seal(makePoints(2), 7)
	if err != nil {
		t.Fatalf("Seal: %v", err)
	}
	if id <= 2 {
		t.Errorf("new segment id %d should be beyond the damaged file", id)
	}
}

func TestCorruptBlockIsDetected(t *testing.T) {
	dir := t.TempDir()

	store, err := OpenStore(dir, testOptions())
	if err != nil {
		t.Fatalf("OpenStore: %v", err)
	}
	id, _, err := store.Seal(makePoints(8), 8)
	if err != nil {
		t.Fatalf("Seal: %v", err)
	}
	store.Close()

	// Flip a byte inside the first block's compressed payload.
	path := filepath.Join(dir, FileName(id))
	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	data[headerSize+blockHeaderSize+2] ^= 0xff
	if err := os.WriteFile(path, data, 0644); err != nil {
		t.Fatalf("write: %v", err)
	}

	store2, err := OpenStore(dir, testOptions())
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	defer store2.Close()

	// Header and footer are intact, so the segment opens; the damaged
	// block fails its checksum on read.
	if _, err := store2.Read(id, 0); !verrors.IsCorruption(err) {
		t.Errorf("expected corruption error, got %v", err)
	}

	// Blocks past the damage are still readable.
	if _, err := store2.Read(id, 6); err != nil {
		t.Errorf("undamaged block should read: %v", err)
	}
}

func TestScan(t *testing.T) {
	store, err := OpenStore(t.TempDir(), testOptions())
	if err != nil {
		t.Fatalf("OpenStore: %v", err)
	}
	defer store.Close()

	id, sorted, err := store.Seal(makePoints(9), 9)
	if err != nil {
		t.Fatalf("Seal: %v", err)
	}

	var offsets []uint32
	err = store.Scan(id, func(offset uint32, p types.Point) bool {
		if p.TimestampMs != sorted[offset].TimestampMs {
			t.Errorf("offset %d: scan point mismatch", offset)
		}
		offsets = append(offsets, offset)
		return true
	})
	if err != nil {
		t.Fatalf("Scan: %v", err)
	}

	if len(offsets) != 9 {
		t.Fatalf("scanned %d points, want 9", len(offsets))
	}
	for i, off := range offsets {
		if off != uint32(i) {
			t.Errorf("offset %d at position %d", off, i)
		}
	}
}

func TestSealPreservesTagsAndTies(t *testing.T) {
	store, err := OpenStore(t.TempDir(), testOptions())
	if err != nil {
		t.Fatalf("OpenStore: %v", err)
	}
	defer store.Close()

	points := []types.Point{
		{TimestampMs: 1000, MetricID: 1, Value: 1, Tags: map[string]string{"n": "first"}},
		{TimestampMs: 1000, MetricID: 1, Value: 2, Tags: map[string]string{"n": "second"}},
		{TimestampMs: 500, MetricID: 1, Value: 0},
	}

	id, sorted, err := store.Seal(points, 3)
	if err != nil {
		t.Fatalf("Seal: %v", err)
	}

	// Stable sort: the two ts=1000 points keep arrival order.
	if sorted[0].Value != 0 || sorted[1].Value != 1 || sorted[2].Value != 2 {
		t.Fatalf("tie order not preserved: %+v", sorted)
	}

	got, err := store.Read(id, 1)
	if err != nil {
		t.Fatalf("Read: %v", err)
	}
	if got.Tags["n"] != "first" {
		t.Errorf("tags not preserved: %v", got.Tags)
	}
}

func TestWALSeqSurvivesReopen(t *testing.T) {
	dir := t.TempDir()

	store, err := OpenStore(dir, testOptions())
	if err != nil {
		t.Fatalf("OpenStore: %v", err)
	}
	if _, _, err := store.Seal(makePoints(3), 7); err != nil {
		t.Fatalf("Seal: %v", err)
	}
	if _, _, err := store.Seal(makePoints(3), 12); err != nil {
		t.Fatalf("Seal: %v", err)
	}
	if got := store.MaxWALSeq(); got != 12 {
		t.Errorf("MaxWALSeq = %d, want 12", got)
	}
	store.Close()

	// The covered sequence is read back from the segment headers, not
	// from any external state.
	store2, err := OpenStore(dir, testOptions())
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	defer store2.Close()

	if got := store2.MaxWALSeq(); got != 12 {
		t.Errorf("MaxWALSeq after reopen = %d, want 12", got)
	}
}

func TestTotalPoints(t *testing.T) {
	store, err := OpenStore(t.TempDir(), testOptions())
	if err != nil {
		t.Fatalf("OpenStore: %v", err)
	}
	defer store.Close()

	store.Seal(makePoints(5), 5)
	store.Seal(makePoints(7), 12)

	if got := store.TotalPoints(); got != 12 {
		t.Errorf("TotalPoints = %d, want 12", got)
	}
	if ids := store.IDs(); len(ids) != 2 || ids[0] != 1 || ids[1] != 2 {
		t.Errorf("IDs = %v", ids)
	}
}
