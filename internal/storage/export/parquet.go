package export

import (
	"fmt"
	"io"

	"github.com/parquet-go/parquet-go"
	"github.com/parquet-go/parquet-go/compress"

	"github.com/avessar/vitaldb/internal/storage/query"
)

// ParquetOptions configures the Parquet export.
type ParquetOptions struct {
	// Compression algorithm for data pages.
	Compression CompressionType
}

// CompressionType represents a Parquet compression algorithm.
type CompressionType int

const (
	CompressionNone CompressionType = iota
	CompressionSnappy
	CompressionZstd
	CompressionGzip
)

// DefaultParquetOptions returns default Parquet export options.
func DefaultParquetOptions() ParquetOptions {
	return ParquetOptions{
		Compression: CompressionZstd,
	}
}

// ParseCompressionType parses a compression type string.
func ParseCompressionType(s string) CompressionType {
	switch s {
	case "snappy":
		return CompressionSnappy
	case "zstd":
		return CompressionZstd
	case "gzip":
		return CompressionGzip
	case "none", "":
		return CompressionNone
	default:
		return CompressionZstd
	}
}

func getCompression(ct CompressionType) compress.Codec {
	switch ct {
	case CompressionSnappy:
		return &parquet.Snappy
	case CompressionZstd:
		return &parquet.Zstd
	case CompressionGzip:
		return &parquet.Gzip
	default:
		return &parquet.Uncompressed
	}
}

// Row is one exported point (or bucket) in Parquet format.
type Row struct {
	Metric      string  `parquet:"metric,zstd"`
	TimestampMs int64   `parquet:"timestamp_ms"`
	Value       float64 `parquet:"value"`
	Aggregation string  `parquet:"aggregation,optional,zstd"`
}

func writeParquet(w io.Writer, result *query.Result, opts ParquetOptions) error {
	writerOpts := []parquet.WriterOption{
		parquet.Compression(getCompression(opts.Compression)),
	}

	pw := parquet.NewGenericWriter[Row](w, writerOpts...)

	for _, s := range result.Series {
		agg := ""
		if s.Grouped {
			agg = s.Aggregation.String()
		}

		rows := make([]Row, len(s.Timestamps))
		for i := range s.Timestamps {
			rows[i] = Row{
				Metric:      s.Metric,
				TimestampMs: s.Timestamps[i],
				Value:       s.Values[i],
				Aggregation: agg,
			}
		}
		if len(rows) == 0 {
			continue
		}
		if _, err := pw.Write(rows); err != nil {
			pw.Close()
			return fmt.Errorf("write rows: %w", err)
		}
	}

	if err := pw.Close(); err != nil {
		return fmt.Errorf("close writer: %w", err)
	}
	return nil
}

// WriteParquet renders a query result as Parquet with explicit options.
func WriteParquet(w io.Writer, result *query.Result, opts ParquetOptions) error {
	return writeParquet(w, result, opts)
}
