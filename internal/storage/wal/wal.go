// Package wal implements the write-ahead log.
//
// The log is a directory of record files named by the sequence number of
// their first record. Every acknowledged append is forced to durable
// storage before returning; a point is committed if and only if its
// Append call returned success.
package wal

import (
	"bufio"
	"encoding/binary"
	"fmt"
	"hash/crc32"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	verrors "github.com/avessar/vitaldb/internal/errors"
	"github.com/avessar/vitaldb/internal/storage/codec"
	"github.com/avessar/vitaldb/internal/storage/types"
)

// Log is a sequenced, checksummed write-ahead log.
//
// File format:
//   - Header: 8 bytes magic + 4 bytes version
//   - Records: [4 bytes length][4 bytes crc32][payload]
//   - Payload: [8 bytes sequence][encoded points]
type Log struct {
	mu sync.Mutex

	dir         string
	currentFile *os.File
	currentPath string
	currentSize int64
	nextSeq     uint64

	writer *bufio.Writer

	opts Options

	closed bool

	// Corrupt tail trimmed at open, for the recovery log.
	trimmed     int64
	trimmedPath string

	// Statistics
	stats Stats
}

// Options configures the log.
type Options struct {
	// MaxFileSize is the maximum size of a record file before rotation.
	// Default: 64MB
	MaxFileSize int64

	// SyncMode controls how writes are synced to disk.
	// "async" - buffered, sync on interval (caller-driven)
	// "sync" - flush after each append
	// "fsync" - flush and fsync after each append
	SyncMode string

	// SyncInterval is the interval for async sync mode.
	SyncInterval time.Duration

	// BufferSize is the size of the write buffer.
	// Default: 64KB
	BufferSize int
}

// DefaultOptions returns default log options.
func DefaultOptions() Options {
	return Options{
		MaxFileSize:  64 * 1024 * 1024, // 64MB
		SyncMode:     "fsync",
		SyncInterval: time.Second,
		BufferSize:   64 * 1024, // 64KB
	}
}

// Stats holds log statistics.
type Stats struct {
	FilesCreated   int64
	RecordsWritten int64
	PointsWritten  int64
	BytesWritten   int64
	SyncsPerformed int64
	FilesDeleted   int64
	Errors         int64
}

const (
	logMagic         = 0x56544C57414C0001 // "VTLWAL" + version 1
	logVersion       = 1
	headerSize       = 12 // 8 bytes magic + 4 bytes version
	recordHeaderSize = 8  // 4 bytes length + 4 bytes crc
	seqSize          = 8
	maxRecordSize    = 64 * 1024 * 1024
)

// Open opens the log in dir, creating it if necessary. The next sequence
// number continues from the highest valid record found on disk.
func Open(dir string, opts Options) (*Log, error) {
	if opts.MaxFileSize <= 0 {
		opts.MaxFileSize = DefaultOptions().MaxFileSize
	}
	if opts.BufferSize <= 0 {
		opts.BufferSize = DefaultOptions().BufferSize
	}
	if opts.SyncMode == "" {
		opts.SyncMode = "fsync"
	}

	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("create wal dir: %w", err)
	}

	l := &Log{
		dir:     dir,
		opts:    opts,
		nextSeq: 1,
	}

	files, err := l.listFiles()
	if err != nil {
		return nil, fmt.Errorf("list wal files: %w", err)
	}

	// Continue after the last valid record of the newest file. A corrupt
	// tail (crash mid-write) is trimmed so new appends start clean; the
	// trim is recorded for the recovery log.
	if len(files) > 0 {
		last := files[len(files)-1]
		lastSeq, validEnd, err := scanTail(last.path)
		if err != nil {
			return nil, fmt.Errorf("scan %s: %w", last.path, err)
		}
		if validEnd < last.size {
			if err := os.Truncate(last.path, validEnd); err != nil {
				return nil, fmt.Errorf("trim corrupt tail of %s: %w", last.path, err)
			}
			l.trimmed = last.size - validEnd
			l.trimmedPath = last.path
		}
		if lastSeq > 0 {
			l.nextSeq = lastSeq + 1
		} else {
			// File holds no valid records; its name is the intended next.
			l.nextSeq = last.firstSeq
		}
	}

	if err := l.rotateUnlocked(); err != nil {
		return nil, fmt.Errorf("create initial wal file: %w", err)
	}

	return l, nil
}

// Append writes points as a single record and returns the assigned
// sequence number. The record is forced to durable storage per the sync
// mode before the call returns; on failure nothing is acknowledged.
func (l *Log) Append(points []types.Point) (uint64, error) {
	if len(points) == 0 {
		return 0, verrors.NewValidation("points", "empty batch")
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	if l.closed {
		return 0, verrors.ErrClosed
	}

	seq := l.nextSeq

	payload := make([]byte, 0, seqSize+len(points)*40)
	payload = binary.LittleEndian.AppendUint64(payload, seq)
	payload = append(payload, codec.EncodePoints(points)...)

	recordSize := int64(recordHeaderSize + len(payload))
	if l.currentSize+recordSize > l.opts.MaxFileSize && l.currentSize > headerSize {
		if err := l.rotateUnlocked(); err != nil {
			l.stats.Errors++
			return 0, fmt.Errorf("rotate wal file: %v: %w", err, verrors.ErrDurability)
		}
	}

	if err := l.writeRecord(payload); err != nil {
		l.stats.Errors++
		return 0, fmt.Errorf("write record: %v: %w", err, verrors.ErrDurability)
	}

	if l.opts.SyncMode == "sync" || l.opts.SyncMode == "fsync" {
		if err := l.syncUnlocked(); err != nil {
			l.stats.Errors++
			return 0, err
		}
	}

	l.nextSeq++
	l.stats.RecordsWritten++
	l.stats.PointsWritten += int64(len(points))
	l.stats.BytesWritten += recordSize

	return seq, nil
}

// writeRecord writes a single record to the current file.
func (l *Log) writeRecord(payload []byte) error {
	crc := crc32.ChecksumIEEE(payload)

	var header [recordHeaderSize]byte
	binary.LittleEndian.PutUint32(header[0:4], uint32(len(payload)))
	binary.LittleEndian.PutUint32(header[4:8], crc)

	if _, err := l.writer.Write(header[:]); err != nil {
		return err
	}
	if _, err := l.writer.Write(payload); err != nil {
		return err
	}

	l.currentSize += int64(recordHeaderSize + len(payload))
	return nil
}

// Sync flushes buffered data to disk.
func (l *Log) Sync() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.syncUnlocked()
}

func (l *Log) syncUnlocked() error {
	if l.writer == nil {
		return nil
	}

	if err := l.writer.Flush(); err != nil {
		return fmt.Errorf("flush: %v: %w", err, verrors.ErrSyncFailed)
	}

	if l.opts.SyncMode == "fsync" {
		if err := l.currentFile.Sync(); err != nil {
			return fmt.Errorf("fsync %s: %v: %w", l.currentPath, err, verrors.ErrSyncFailed)
		}
	}

	l.stats.SyncsPerformed++
	return nil
}

// Rotate closes the current file and starts a new one. Sealing rotates
// before snapshotting the buffer so that the sealed batch lies entirely
// in files older than the active one.
func (l *Log) Rotate() error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.closed {
		return verrors.ErrClosed
	}
	return l.rotateUnlocked()
}

func (l *Log) rotateUnlocked() error {
	if l.currentFile != nil {
		if l.writer != nil {
			if err := l.writer.Flush(); err != nil {
				return fmt.Errorf("flush before rotate: %w", err)
			}
		}
		if err := l.currentFile.Sync(); err != nil {
			return fmt.Errorf("sync before rotate: %w", err)
		}
		l.currentFile.Close()
	}

	name := fmt.Sprintf("%016d.wal", l.nextSeq)
	path := filepath.Join(l.dir, name)

	// Reopen after a crash between rotate and first append.
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
	if err != nil {
		return fmt.Errorf("create wal file %s: %w", path, err)
	}

	info, err := f.Stat()
	if err != nil {
		f.Close()
		return fmt.Errorf("stat wal file: %w", err)
	}

	if info.Size() == 0 {
		var header [headerSize]byte
		binary.LittleEndian.PutUint64(header[0:8], logMagic)
		binary.LittleEndian.PutUint32(header[8:12], logVersion)

		if _, err := f.Write(header[:]); err != nil {
			f.Close()
			os.Remove(path)
			return fmt.Errorf("write header: %w", err)
		}
		l.currentSize = headerSize
	} else {
		l.currentSize = info.Size()
	}

	l.currentFile = f
	l.currentPath = path
	l.writer = bufio.NewWriterSize(f, l.opts.BufferSize)
	l.stats.FilesCreated++

	return nil
}

// Truncate deletes record files whose contents are entirely at or below
// upToSeq. This is the sole deletion path for log records and is called
// only after the covered points survive in a durably sealed segment.
func (l *Log) Truncate(upToSeq uint64) (int, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.closed {
		return 0, verrors.ErrClosed
	}

	files, err := l.listFiles()
	if err != nil {
		return 0, err
	}

	deleted := 0
	for i, f := range files {
		if f.path == l.currentPath {
			break
		}
		// A file's records end where the next file begins.
		if i+1 >= len(files) || files[i+1].firstSeq > upToSeq+1 {
			break
		}
		if err := os.Remove(f.path); err != nil {
			return deleted, fmt.Errorf("remove %s: %w", f.path, err)
		}
		deleted++
		l.stats.FilesDeleted++
	}

	return deleted, nil
}

// TailTrimmed reports the corrupt tail removed at open: the file it was
// trimmed from and the number of bytes discarded. Zero bytes means the
// log was clean.
func (l *Log) TailTrimmed() (string, int64) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.trimmedPath, l.trimmed
}

// NextSeq returns the next sequence number to be assigned.
func (l *Log) NextSeq() uint64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.nextSeq
}

// Close closes the log.
func (l *Log) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.closed {
		return nil
	}
	l.closed = true

	if l.writer != nil {
		l.writer.Flush()
	}
	if l.currentFile != nil {
		l.currentFile.Sync()
		return l.currentFile.Close()
	}
	return nil
}

// Stats returns log statistics.
func (l *Log) Stats() Stats {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.stats
}

// CurrentFile returns the active record file path.
func (l *Log) CurrentFile() string {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.currentPath
}

// fileInfo holds information about a record file.
type fileInfo struct {
	path     string
	firstSeq uint64
	size     int64
}

// listFiles returns all record files ordered by first sequence number.
func (l *Log) listFiles() ([]fileInfo, error) {
	entries, err := os.ReadDir(l.dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}

	var files []fileInfo
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}

		name := entry.Name()
		if len(name) != 20 || name[16:] != ".wal" {
			continue
		}

		var seq uint64
		if _, err := fmt.Sscanf(name, "%016d.wal", &seq); err != nil {
			continue
		}

		info, err := entry.Info()
		if err != nil {
			continue
		}

		files = append(files, fileInfo{
			path:     filepath.Join(l.dir, name),
			firstSeq: seq,
			size:     info.Size(),
		})
	}

	sort.Slice(files, func(i, j int) bool {
		return files[i].firstSeq < files[j].firstSeq
	})

	return files, nil
}
