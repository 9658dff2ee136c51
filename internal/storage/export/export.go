// Package export renders query results as CSV, TSV, or Parquet.
package export

import (
	"encoding/csv"
	"fmt"
	"io"
	"strconv"

	"github.com/avessar/vitaldb/internal/storage/query"
)

// Format is an export output format.
type Format int

const (
	FormatCSV Format = iota
	FormatTSV
	FormatParquet
)

// String returns a human-readable representation of the Format.
func (f Format) String() string {
	switch f {
	case FormatCSV:
		return "csv"
	case FormatTSV:
		return "tsv"
	case FormatParquet:
		return "parquet"
	default:
		return "unknown"
	}
}

// ParseFormat parses a format keyword.
func ParseFormat(s string) (Format, error) {
	switch s {
	case "csv", "":
		return FormatCSV, nil
	case "tsv":
		return FormatTSV, nil
	case "parquet":
		return FormatParquet, nil
	default:
		return FormatCSV, fmt.Errorf("unknown export format %q", s)
	}
}

// Write renders a query result to w in the given format. Rows carry one
// point (or one bucket for grouped series) each, series in result order.
func Write(w io.Writer, result *query.Result, format Format) error {
	switch format {
	case FormatCSV:
		return writeText(w, result, ',')
	case FormatTSV:
		return writeText(w, result, '\t')
	case FormatParquet:
		return writeParquet(w, result, DefaultParquetOptions())
	default:
		return fmt.Errorf("unknown export format %d", format)
	}
}

func writeText(w io.Writer, result *query.Result, comma rune) error {
	cw := csv.NewWriter(w)
	cw.Comma = comma

	if err := cw.Write([]string{"metric", "timestamp_ms", "value", "aggregation"}); err != nil {
		return fmt.Errorf("write header: %w", err)
	}

	for _, s := range result.Series {
		agg := ""
		if s.Grouped {
			agg = s.Aggregation.String()
		}
		for i := range s.Timestamps {
			record := []string{
				s.Metric,
				strconv.FormatInt(s.Timestamps[i], 10),
				strconv.FormatFloat(s.Values[i], 'g', -1, 64),
				agg,
			}
			if err := cw.Write(record); err != nil {
				return fmt.Errorf("write row: %w", err)
			}
		}
	}

	cw.Flush()
	return cw.Error()
}
