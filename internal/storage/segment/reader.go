package segment

import (
	"encoding/binary"
	"fmt"
	"hash/crc32"
	"os"
	"sort"

	verrors "github.com/avessar/vitaldb/internal/errors"
	"github.com/avessar/vitaldb/internal/storage/codec"
	"github.com/avessar/vitaldb/internal/storage/types"
)

// Segment is an opened sealed segment. Immutable; safe for concurrent
// reads (block reads use ReadAt on the shared file handle).
type Segment struct {
	ID   uint64
	Path string

	file  *os.File
	hdr   header
	metas []blockMeta
	codec codec.Codec
}

// Open opens and validates a sealed segment file. A partially written
// segment (crash during seal) fails header or footer validation here
// and is reported as corruption; callers skip such files during startup
// because their points are still recoverable from the WAL.
func Open(path string, id uint64) (*Segment, error) {
	f, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, verrors.NewSegmentNotFound(id)
		}
		return nil, fmt.Errorf("open segment: %w", err)
	}

	info, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, fmt.Errorf("stat segment: %w", err)
	}

	if info.Size() < headerSize+footerTrailer {
		f.Close()
		return nil, fmt.Errorf("segment %d too short (%d bytes): %w",
			id, info.Size(), verrors.ErrCorruption)
	}

	hbuf := make([]byte, headerSize)
	if _, err := f.ReadAt(hbuf, 0); err != nil {
		f.Close()
		return nil, fmt.Errorf("read header: %v: %w", err, verrors.ErrCorruption)
	}

	hdr, err := decodeHeader(hbuf)
	if err != nil {
		f.Close()
		return nil, fmt.Errorf("segment %d: %w", id, err)
	}

	footerSize := int64(hdr.blockCount)*footerMetaSize + footerTrailer
	if info.Size() < headerSize+footerSize {
		f.Close()
		return nil, fmt.Errorf("segment %d truncated: %w", id, verrors.ErrCorruption)
	}

	tail := make([]byte, footerSize)
	if _, err := f.ReadAt(tail, info.Size()-footerSize); err != nil {
		f.Close()
		return nil, fmt.Errorf("read footer: %v: %w", err, verrors.ErrCorruption)
	}

	metas, err := decodeFooter(tail, hdr.blockCount)
	if err != nil {
		f.Close()
		return nil, fmt.Errorf("segment %d: %w", id, err)
	}

	c, err := codec.ByID(hdr.codecID)
	if err != nil {
		f.Close()
		return nil, fmt.Errorf("segment %d: %w", id, err)
	}

	return &Segment{
		ID:    id,
		Path:  path,
		file:  f,
		hdr:   hdr,
		metas: metas,
		codec: c,
	}, nil
}

// PointCount returns the number of points in the segment.
func (s *Segment) PointCount() uint32 { return s.hdr.pointCount }

// MinTs returns the smallest timestamp covered.
func (s *Segment) MinTs() int64 { return s.hdr.minTs }

// MaxTs returns the largest timestamp covered.
func (s *Segment) MaxTs() int64 { return s.hdr.maxTs }

// WALSeq returns the highest WAL sequence number covered by the
// segment's points.
func (s *Segment) WALSeq() uint64 { return s.hdr.walSeq }

// BlockCount returns the number of compressed blocks.
func (s *Segment) BlockCount() int { return len(s.metas) }

// blockFor locates the block containing the segment-global point offset.
func (s *Segment) blockFor(offset uint32) (int, error) {
	if offset >= s.hdr.pointCount {
		return 0, fmt.Errorf("offset %d of %d in segment %d: %w",
			offset, s.hdr.pointCount, s.ID, verrors.ErrOffsetNotFound)
	}

	i := sort.Search(len(s.metas), func(i int) bool {
		return s.metas[i].firstPoint+s.metas[i].pointCount > offset
	})
	if i >= len(s.metas) {
		return 0, fmt.Errorf("offset %d in segment %d: %w",
			offset, s.ID, verrors.ErrOffsetNotFound)
	}
	return i, nil
}

// DecodeBlock reads, verifies, and decompresses one block.
// Corruption inside a sealed segment is never expected; it is surfaced,
// not repaired, so the damaged file is preserved for inspection.
func (s *Segment) DecodeBlock(i int) ([]types.Point, error) {
	if i < 0 || i >= len(s.metas) {
		return nil, fmt.Errorf("block %d of %d in segment %d: %w",
			i, len(s.metas), s.ID, verrors.ErrOffsetNotFound)
	}
	m := s.metas[i]

	buf := make([]byte, blockHeaderSize+m.compressedSize+blockTrailerLen)
	if _, err := s.file.ReadAt(buf, int64(m.fileOffset)); err != nil {
		return nil, fmt.Errorf("read block %d of segment %d: %v: %w",
			i, s.ID, err, verrors.ErrCorruption)
	}

	compressedSize := binary.LittleEndian.Uint32(buf[0:4])
	rawSize := binary.LittleEndian.Uint32(buf[4:8])
	if compressedSize != m.compressedSize || rawSize != m.rawSize {
		return nil, fmt.Errorf("block %d of segment %d size mismatch: %w",
			i, s.ID, verrors.ErrCorruption)
	}

	compressed := buf[blockHeaderSize : blockHeaderSize+compressedSize]
	expected := binary.LittleEndian.Uint32(buf[len(buf)-blockTrailerLen:])
	if actual := crc32.ChecksumIEEE(compressed); actual != expected {
		return nil, fmt.Errorf("block %d of segment %d: %w",
			i, s.ID, verrors.NewChecksumMismatch(expected, actual))
	}

	raw, err := s.codec.Decompress(compressed, int(rawSize))
	if err != nil {
		return nil, fmt.Errorf("block %d of segment %d: %w", i, s.ID, err)
	}

	points, err := codec.DecodePoints(raw)
	if err != nil {
		return nil, fmt.Errorf("block %d of segment %d: %v: %w",
			i, s.ID, err, verrors.ErrCorruption)
	}
	if uint32(len(points)) != m.pointCount {
		return nil, fmt.Errorf("block %d of segment %d: %d points, meta says %d: %w",
			i, s.ID, len(points), m.pointCount, verrors.ErrCorruption)
	}

	return points, nil
}

// Scan streams every point in the segment in stored order. fn receives
// the segment-global offset of each point; returning false stops the
// scan early.
func (s *Segment) Scan(fn func(offset uint32, p types.Point) bool) error {
	for i := range s.metas {
		points, err := s.DecodeBlock(i)
		if err != nil {
			return err
		}
		base := s.metas[i].firstPoint
		for j, p := range points {
			if !fn(base+uint32(j), p) {
				return nil
			}
		}
	}
	return nil
}

// Close closes the segment file.
func (s *Segment) Close() error {
	if s.file != nil {
		return s.file.Close()
	}
	return nil
}
