package wal

import (
	"encoding/binary"
	"fmt"
	"hash/crc32"
	"io"
	"os"

	verrors "github.com/avessar/vitaldb/internal/errors"
	"github.com/avessar/vitaldb/internal/storage/codec"
	"github.com/avessar/vitaldb/internal/storage/types"
)

// Record is one replayed log record.
type Record struct {
	Seq    uint64
	Points []types.Point
}

// Replayer iterates log records in ascending sequence order.
//
// A record whose checksum fails or that was truncated mid-write marks
// the end of valid history: iteration stops there and Err reports the
// corruption, while all prior records have already been delivered.
type Replayer struct {
	paths   []string
	pathIdx int
	file    *os.File

	record Record
	err    error
	done   bool

	// Statistics
	recordsRead int64
	pointsRead  int64
}

// Replay returns a replayer over all records currently on disk.
// Used only at startup, before ingestion begins.
func (l *Log) Replay() (*Replayer, error) {
	l.mu.Lock()
	files, err := l.listFiles()
	l.mu.Unlock()
	if err != nil {
		return nil, fmt.Errorf("list wal files: %w", err)
	}

	paths := make([]string, len(files))
	for i, f := range files {
		paths[i] = f.path
	}

	return &Replayer{paths: paths}, nil
}

// Next advances to the next record. It returns false at the end of valid
// history; check Err to distinguish a clean end from a corrupt tail.
func (r *Replayer) Next() bool {
	if r.done || r.err != nil {
		return false
	}

	for {
		if r.file == nil {
			if r.pathIdx >= len(r.paths) {
				r.done = true
				return false
			}
			f, err := openRecordFile(r.paths[r.pathIdx])
			if err != nil {
				r.err = fmt.Errorf("open %s: %w", r.paths[r.pathIdx], err)
				return false
			}
			r.file = f
		}

		payload, err := readRecord(r.file)
		if err == io.EOF {
			r.file.Close()
			r.file = nil
			r.pathIdx++
			continue
		}
		if err != nil {
			r.err = fmt.Errorf("replay %s: %w", r.paths[r.pathIdx], err)
			r.file.Close()
			r.file = nil
			return false
		}

		seq, points, err := decodeRecord(payload)
		if err != nil {
			r.err = fmt.Errorf("replay %s: decode: %v: %w",
				r.paths[r.pathIdx], err, verrors.ErrCorruption)
			r.file.Close()
			r.file = nil
			return false
		}

		r.record = Record{Seq: seq, Points: points}
		r.recordsRead++
		r.pointsRead += int64(len(points))
		return true
	}
}

// Record returns the current record.
func (r *Replayer) Record() Record {
	return r.record
}

// Err returns the corruption error that ended iteration, if any.
func (r *Replayer) Err() error {
	return r.err
}

// Close releases the replayer.
func (r *Replayer) Close() error {
	if r.file != nil {
		err := r.file.Close()
		r.file = nil
		return err
	}
	return nil
}

// RecordsRead returns the number of records delivered.
func (r *Replayer) RecordsRead() int64 { return r.recordsRead }

// PointsRead returns the number of points delivered.
func (r *Replayer) PointsRead() int64 { return r.pointsRead }

// openRecordFile opens a record file and verifies its header.
func openRecordFile(path string) (*os.File, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}

	var header [headerSize]byte
	if _, err := io.ReadFull(f, header[:]); err != nil {
		f.Close()
		return nil, fmt.Errorf("read header: %v: %w", err, verrors.ErrCorruption)
	}

	magic := binary.LittleEndian.Uint64(header[0:8])
	if magic != logMagic {
		f.Close()
		return nil, fmt.Errorf("magic %x: %w", magic, verrors.ErrBadMagic)
	}

	version := binary.LittleEndian.Uint32(header[8:12])
	if version != logVersion {
		f.Close()
		return nil, fmt.Errorf("version %d: %w", version, verrors.ErrBadVersion)
	}

	return f, nil
}

// readRecord reads the next record payload. Returns io.EOF at a clean
// end of file and a corruption error for a truncated or damaged record.
func readRecord(f *os.File) ([]byte, error) {
	var header [recordHeaderSize]byte
	if _, err := io.ReadFull(f, header[:]); err != nil {
		if err == io.EOF {
			return nil, io.EOF
		}
		return nil, fmt.Errorf("record header: %v: %w", err, verrors.ErrTruncatedRecord)
	}

	length := binary.LittleEndian.Uint32(header[0:4])
	expectedCRC := binary.LittleEndian.Uint32(header[4:8])

	if length > maxRecordSize {
		return nil, fmt.Errorf("record length %d: %w", length, verrors.ErrCorruption)
	}

	payload := make([]byte, length)
	if _, err := io.ReadFull(f, payload); err != nil {
		return nil, fmt.Errorf("record payload: %v: %w", err, verrors.ErrTruncatedRecord)
	}

	if actual := crc32.ChecksumIEEE(payload); actual != expectedCRC {
		return nil, verrors.NewChecksumMismatch(expectedCRC, actual)
	}

	return payload, nil
}

// decodeRecord splits a payload into sequence number and points.
func decodeRecord(payload []byte) (uint64, []types.Point, error) {
	if len(payload) < seqSize {
		return 0, nil, fmt.Errorf("payload too short: %d bytes", len(payload))
	}

	seq := binary.LittleEndian.Uint64(payload[0:seqSize])
	points, err := codec.DecodePoints(payload[seqSize:])
	if err != nil {
		return 0, nil, err
	}

	return seq, points, nil
}

// scanTail scans a record file and returns the sequence number of its
// last valid record (0 if none) and the byte offset where valid data
// ends. Used at open to resume the sequence and trim a corrupt tail.
func scanTail(path string) (lastSeq uint64, validEnd int64, err error) {
	f, err := openRecordFile(path)
	if err != nil {
		if verrors.IsCorruption(err) {
			// Unreadable header: no valid data in this file.
			return 0, 0, nil
		}
		return 0, 0, err
	}
	defer f.Close()

	validEnd = headerSize
	for {
		payload, err := readRecord(f)
		if err == io.EOF {
			return lastSeq, validEnd, nil
		}
		if err != nil {
			// Corrupt tail: valid history ends at the previous record.
			return lastSeq, validEnd, nil
		}

		seq, _, err := decodeRecord(payload)
		if err != nil {
			return lastSeq, validEnd, nil
		}

		lastSeq = seq
		validEnd += int64(recordHeaderSize + len(payload))
	}
}
