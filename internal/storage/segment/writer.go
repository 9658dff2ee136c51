package segment

import (
	"encoding/binary"
	"fmt"
	"hash/crc32"
	"os"
	"path/filepath"

	"github.com/avessar/vitaldb/internal/storage/codec"
	"github.com/avessar/vitaldb/internal/storage/types"
)

// write seals points into a new segment file. Points must already be
// sorted by (timestamp, arrival); walSeq is the highest WAL sequence
// the batch covers. The file and its directory are fsynced before
// returning; that fsync is the confirmation signal that gates WAL
// truncation. A crash mid-write leaves a file whose footer checksum
// fails on open, so it is skipped and the points stay recoverable from
// the WAL.
func write(dir string, id uint64, points []types.Point, walSeq uint64, c codec.Codec, blockPoints int) (string, error) {
	if len(points) == 0 {
		return "", fmt.Errorf("empty segment")
	}
	if blockPoints <= 0 {
		blockPoints = 1024
	}

	minTs, maxTs := points[0].TimestampMs, points[0].TimestampMs
	for _, p := range points {
		if p.TimestampMs < minTs {
			minTs = p.TimestampMs
		}
		if p.TimestampMs > maxTs {
			maxTs = p.TimestampMs
		}
	}

	path := filepath.Join(dir, FileName(id))
	tmp := path + ".tmp"

	f, err := os.OpenFile(tmp, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0644)
	if err != nil {
		return "", fmt.Errorf("create segment file: %w", err)
	}
	defer func() {
		if f != nil {
			f.Close()
			os.Remove(tmp)
		}
	}()

	blockCount := (len(points) + blockPoints - 1) / blockPoints

	hdr := encodeHeader(header{
		codecID:    c.ID(),
		pointCount: uint32(len(points)),
		minTs:      minTs,
		maxTs:      maxTs,
		walSeq:     walSeq,
		blockCount: uint32(blockCount),
	})
	if _, err := f.Write(hdr); err != nil {
		return "", fmt.Errorf("write header: %w", err)
	}

	metas := make([]blockMeta, 0, blockCount)
	fileOffset := uint64(headerSize)

	for first := 0; first < len(points); first += blockPoints {
		end := first + blockPoints
		if end > len(points) {
			end = len(points)
		}
		block := points[first:end]

		raw := codec.EncodePoints(block)
		compressed, err := c.Compress(raw)
		if err != nil {
			return "", fmt.Errorf("compress block: %w", err)
		}

		var bh [blockHeaderSize]byte
		binary.LittleEndian.PutUint32(bh[0:4], uint32(len(compressed)))
		binary.LittleEndian.PutUint32(bh[4:8], uint32(len(raw)))
		if _, err := f.Write(bh[:]); err != nil {
			return "", fmt.Errorf("write block header: %w", err)
		}
		if _, err := f.Write(compressed); err != nil {
			return "", fmt.Errorf("write block: %w", err)
		}

		var crc [blockTrailerLen]byte
		binary.LittleEndian.PutUint32(crc[:], crc32.ChecksumIEEE(compressed))
		if _, err := f.Write(crc[:]); err != nil {
			return "", fmt.Errorf("write block crc: %w", err)
		}

		metas = append(metas, blockMeta{
			fileOffset:     fileOffset,
			compressedSize: uint32(len(compressed)),
			rawSize:        uint32(len(raw)),
			pointCount:     uint32(len(block)),
			firstPoint:     uint32(first),
			minTs:          block[0].TimestampMs,
			maxTs:          block[len(block)-1].TimestampMs,
		})
		fileOffset += uint64(blockHeaderSize + len(compressed) + blockTrailerLen)
	}

	if _, err := f.Write(encodeFooter(metas)); err != nil {
		return "", fmt.Errorf("write footer: %w", err)
	}

	if err := f.Sync(); err != nil {
		return "", fmt.Errorf("sync segment file: %w", err)
	}
	if err := f.Close(); err != nil {
		f = nil
		os.Remove(tmp)
		return "", fmt.Errorf("close segment file: %w", err)
	}
	f = nil

	if err := os.Rename(tmp, path); err != nil {
		os.Remove(tmp)
		return "", fmt.Errorf("rename segment file: %w", err)
	}

	if err := syncDir(dir); err != nil {
		return "", fmt.Errorf("sync segment dir: %w", err)
	}

	return path, nil
}

// FileName returns the file name for a segment id.
func FileName(id uint64) string {
	return fmt.Sprintf("%08d.seg", id)
}

// syncDir fsyncs a directory so renames in it are durable.
func syncDir(dir string) error {
	d, err := os.Open(dir)
	if err != nil {
		return err
	}
	defer d.Close()
	return d.Sync()
}
