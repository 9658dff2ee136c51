package codec

import (
	"bytes"
	"math"
	"testing"

	verrors "github.com/avessar/vitaldb/internal/errors"
	"github.com/avessar/vitaldb/internal/storage/types"
)

func TestZstdRoundTrip(t *testing.T) {
	c, err := NewZstd(3)
	if err != nil {
		t.Fatalf("NewZstd: %v", err)
	}

	payloads := [][]byte{
		[]byte("hello"),
		bytes.Repeat([]byte("vitaldb"), 1000),
		{0x00},
		make([]byte, 64*1024),
	}

	for _, payload := range payloads {
		compressed, err := c.Compress(payload)
		if err != nil {
			t.Fatalf("Compress: %v", err)
		}

		out, err := c.Decompress(compressed, len(payload))
		if err != nil {
			t.Fatalf("Decompress: %v", err)
		}

		if !bytes.Equal(out, payload) {
			t.Fatalf("round trip mismatch for %d byte payload", len(payload))
		}
	}
}

func TestZstdCompresses(t *testing.T) {
	c, err := NewZstd(3)
	if err != nil {
		t.Fatalf("NewZstd: %v", err)
	}

	payload := bytes.Repeat([]byte("repetitive data "), 4096)
	compressed, err := c.Compress(payload)
	if err != nil {
		t.Fatalf("Compress: %v", err)
	}

	if len(compressed) >= len(payload) {
		t.Errorf("compressed %d bytes to %d, expected reduction",
			len(payload), len(compressed))
	}
}

func TestZstdDecompressGarbageIsCorruption(t *testing.T) {
	c, err := NewZstd(0)
	if err != nil {
		t.Fatalf("NewZstd: %v", err)
	}

	if _, err := c.Decompress([]byte("not zstd at all"), 100); !verrors.IsCorruption(err) {
		t.Errorf("expected corruption error, got %v", err)
	}
}

func TestZstdLengthMismatchIsCorruption(t *testing.T) {
	c, err := NewZstd(0)
	if err != nil {
		t.Fatalf("NewZstd: %v", err)
	}

	compressed, err := c.Compress([]byte("payload"))
	if err != nil {
		t.Fatalf("Compress: %v", err)
	}

	if _, err := c.Decompress(compressed, 999); !verrors.IsCorruption(err) {
		t.Errorf("expected corruption error, got %v", err)
	}
}

func TestNoneCodec(t *testing.T) {
	c := None{}

	payload := []byte("unchanged")
	out, err := c.Compress(payload)
	if err != nil {
		t.Fatalf("Compress: %v", err)
	}
	if !bytes.Equal(out, payload) {
		t.Error("None codec should not modify data")
	}

	if _, err := c.Decompress(payload, len(payload)+1); !verrors.IsCorruption(err) {
		t.Errorf("expected corruption error on length mismatch, got %v", err)
	}
}

func TestByID(t *testing.T) {
	for _, id := range []byte{IDNone, IDZstd} {
		c, err := ByID(id)
		if err != nil {
			t.Fatalf("ByID(%d): %v", id, err)
		}
		if c.ID() != id {
			t.Errorf("ByID(%d).ID() = %d", id, c.ID())
		}
	}

	if _, err := ByID(99); !verrors.IsCorruption(err) {
		t.Errorf("expected corruption error for unknown id, got %v", err)
	}
}

func TestNewByName(t *testing.T) {
	if _, err := New("zstd", 3); err != nil {
		t.Errorf("New(zstd): %v", err)
	}
	if _, err := New("none", 0); err != nil {
		t.Errorf("New(none): %v", err)
	}
	if _, err := New("lzma", 0); err == nil {
		t.Error("expected error for unknown algorithm")
	}
}

func TestEncodePointsRoundTrip(t *testing.T) {
	points := []types.Point{
		{TimestampMs: 1000, MetricID: 1, Value: 7.5},
		{TimestampMs: 2000, MetricID: 1, Value: 8.0, Tags: map[string]string{"source": "manual"}},
		{TimestampMs: 2000, MetricID: 2, Value: -3.25, Tags: map[string]string{"a": "b", "c": "d"}},
		{TimestampMs: 1500, MetricID: 3, Value: math.MaxFloat64},
		{TimestampMs: 1500, MetricID: 3, Value: math.SmallestNonzeroFloat64},
	}

	data := EncodePoints(points)
	decoded, err := DecodePoints(data)
	if err != nil {
		t.Fatalf("DecodePoints: %v", err)
	}

	if len(decoded) != len(points) {
		t.Fatalf("decoded %d points, want %d", len(decoded), len(points))
	}

	for i, p := range points {
		d := decoded[i]
		if d.TimestampMs != p.TimestampMs || d.MetricID != p.MetricID || d.Value != p.Value {
			t.Errorf("point %d: got %+v, want %+v", i, d, p)
		}
		if len(d.Tags) != len(p.Tags) {
			t.Errorf("point %d: tag count %d, want %d", i, len(d.Tags), len(p.Tags))
		}
		for k, v := range p.Tags {
			if d.Tags[k] != v {
				t.Errorf("point %d: tag %s = %q, want %q", i, k, d.Tags[k], v)
			}
		}
	}
}

func TestEncodePointsEmpty(t *testing.T) {
	if data := EncodePoints(nil); data != nil {
		t.Errorf("EncodePoints(nil) = %v", data)
	}

	points, err := DecodePoints(nil)
	if err != nil {
		t.Fatalf("DecodePoints(nil): %v", err)
	}
	if points != nil {
		t.Errorf("DecodePoints(nil) = %v", points)
	}
}

func TestDecodePointsRejectsTruncation(t *testing.T) {
	points := []types.Point{
		{TimestampMs: 1000, MetricID: 1, Value: 1.0, Tags: map[string]string{"k": "v"}},
		{TimestampMs: 2000, MetricID: 2, Value: 2.0},
	}
	data := EncodePoints(points)

	for cut := 1; cut < len(data); cut++ {
		if _, err := DecodePoints(data[:cut]); err == nil {
			t.Errorf("truncation at %d bytes not detected", cut)
		}
	}
}
