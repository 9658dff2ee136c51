// Package segment implements immutable sealed segment files and the
// double-buffered live memtable that feeds them.
//
// File format:
//   - Header (48 bytes): magic, version, codec id, point count,
//     min/max timestamp, covered WAL sequence, block count, header crc
//   - Blocks: [4 bytes compressed size][4 bytes raw size]
//     [compressed bytes][4 bytes crc32 of compressed bytes]
//   - Footer: per-block metadata records, then
//     [4 bytes footer length][4 bytes footer crc32]
//
// Once sealed, a segment's bytes never change.
package segment

import (
	"encoding/binary"
	"fmt"
	"hash/crc32"

	verrors "github.com/avessar/vitaldb/internal/errors"
)

const (
	segmentMagic   = 0x56534547 // "VSEG"
	segmentVersion = 1

	headerSize      = 48
	blockHeaderSize = 8 // compressed size + raw size
	blockTrailerLen = 4 // crc32
	footerMetaSize  = 40
	footerTrailer   = 8 // footer length + footer crc
)

// header is the fixed-size segment file header. walSeq is the highest
// WAL sequence number covered by the sealed points; replay at open
// skips records at or below the maximum walSeq across valid segments,
// so a crash between the segment rename and the checkpoint write
// cannot double the sealed points.
type header struct {
	codecID    byte
	pointCount uint32
	minTs      int64
	maxTs      int64
	walSeq     uint64
	blockCount uint32
}

// encodeHeader encodes the header with its trailing crc.
func encodeHeader(h header) []byte {
	buf := make([]byte, headerSize)
	binary.LittleEndian.PutUint32(buf[0:4], segmentMagic)
	binary.LittleEndian.PutUint32(buf[4:8], segmentVersion)
	binary.LittleEndian.PutUint32(buf[8:12], uint32(h.codecID))
	binary.LittleEndian.PutUint32(buf[12:16], h.pointCount)
	binary.LittleEndian.PutUint64(buf[16:24], uint64(h.minTs))
	binary.LittleEndian.PutUint64(buf[24:32], uint64(h.maxTs))
	binary.LittleEndian.PutUint64(buf[32:40], h.walSeq)
	binary.LittleEndian.PutUint32(buf[40:44], h.blockCount)
	binary.LittleEndian.PutUint32(buf[44:48], crc32.ChecksumIEEE(buf[:44]))
	return buf
}

// decodeHeader validates and decodes the header.
func decodeHeader(buf []byte) (header, error) {
	var h header

	if len(buf) < headerSize {
		return h, fmt.Errorf("header too short: %d bytes: %w", len(buf), verrors.ErrCorruption)
	}

	if magic := binary.LittleEndian.Uint32(buf[0:4]); magic != segmentMagic {
		return h, fmt.Errorf("magic %x: %w", magic, verrors.ErrBadMagic)
	}
	if version := binary.LittleEndian.Uint32(buf[4:8]); version != segmentVersion {
		return h, fmt.Errorf("version %d: %w", version, verrors.ErrBadVersion)
	}

	expected := binary.LittleEndian.Uint32(buf[44:48])
	if actual := crc32.ChecksumIEEE(buf[:44]); actual != expected {
		return h, fmt.Errorf("header: %w", verrors.NewChecksumMismatch(expected, actual))
	}

	h.codecID = byte(binary.LittleEndian.Uint32(buf[8:12]))
	h.pointCount = binary.LittleEndian.Uint32(buf[12:16])
	h.minTs = int64(binary.LittleEndian.Uint64(buf[16:24]))
	h.maxTs = int64(binary.LittleEndian.Uint64(buf[24:32]))
	h.walSeq = binary.LittleEndian.Uint64(buf[32:40])
	h.blockCount = binary.LittleEndian.Uint32(buf[40:44])

	return h, nil
}

// blockMeta locates one compressed block inside a segment file.
type blockMeta struct {
	// fileOffset is the byte offset of the block header in the file.
	fileOffset uint64

	// compressedSize and rawSize are the block's sizes in bytes.
	compressedSize uint32
	rawSize        uint32

	// pointCount is the number of points in the block.
	pointCount uint32

	// firstPoint is the segment-global offset of the block's first point.
	firstPoint uint32

	// minTs and maxTs cover the block's points.
	minTs int64
	maxTs int64
}

// encodeFooter encodes block metadata plus the footer trailer.
func encodeFooter(metas []blockMeta) []byte {
	buf := make([]byte, 0, len(metas)*footerMetaSize+footerTrailer)

	for _, m := range metas {
		buf = binary.LittleEndian.AppendUint64(buf, m.fileOffset)
		buf = binary.LittleEndian.AppendUint32(buf, m.compressedSize)
		buf = binary.LittleEndian.AppendUint32(buf, m.rawSize)
		buf = binary.LittleEndian.AppendUint32(buf, m.pointCount)
		buf = binary.LittleEndian.AppendUint32(buf, m.firstPoint)
		buf = binary.LittleEndian.AppendUint64(buf, uint64(m.minTs))
		buf = binary.LittleEndian.AppendUint64(buf, uint64(m.maxTs))
	}

	crc := crc32.ChecksumIEEE(buf)
	buf = binary.LittleEndian.AppendUint32(buf, uint32(len(metas)*footerMetaSize))
	buf = binary.LittleEndian.AppendUint32(buf, crc)

	return buf
}

// decodeFooter validates the footer crc and decodes block metadata.
// tail holds the end of the file including the footer trailer.
func decodeFooter(tail []byte, blockCount uint32) ([]blockMeta, error) {
	if len(tail) < footerTrailer {
		return nil, fmt.Errorf("footer trailer missing: %w", verrors.ErrCorruption)
	}

	footerLen := binary.LittleEndian.Uint32(tail[len(tail)-8 : len(tail)-4])
	expected := binary.LittleEndian.Uint32(tail[len(tail)-4:])

	if int(footerLen) != len(tail)-footerTrailer {
		return nil, fmt.Errorf("footer length %d, have %d bytes: %w",
			footerLen, len(tail)-footerTrailer, verrors.ErrCorruption)
	}
	if footerLen != blockCount*footerMetaSize {
		return nil, fmt.Errorf("footer length %d for %d blocks: %w",
			footerLen, blockCount, verrors.ErrCorruption)
	}

	body := tail[:footerLen]
	if actual := crc32.ChecksumIEEE(body); actual != expected {
		return nil, fmt.Errorf("footer: %w", verrors.NewChecksumMismatch(expected, actual))
	}

	metas := make([]blockMeta, blockCount)
	for i := range metas {
		off := i * footerMetaSize
		metas[i] = blockMeta{
			fileOffset:     binary.LittleEndian.Uint64(body[off : off+8]),
			compressedSize: binary.LittleEndian.Uint32(body[off+8 : off+12]),
			rawSize:        binary.LittleEndian.Uint32(body[off+12 : off+16]),
			pointCount:     binary.LittleEndian.Uint32(body[off+16 : off+20]),
			firstPoint:     binary.LittleEndian.Uint32(body[off+20 : off+24]),
			minTs:          int64(binary.LittleEndian.Uint64(body[off+24 : off+32])),
			maxTs:          int64(binary.LittleEndian.Uint64(body[off+32 : off+40])),
		}
	}

	return metas, nil
}
