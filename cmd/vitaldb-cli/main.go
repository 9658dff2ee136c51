// vitaldb-cli is an interactive console for a vitaldb data directory.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/c-bata/go-prompt"

	"github.com/avessar/vitaldb/internal/logging"
	"github.com/avessar/vitaldb/internal/storage"
	"github.com/avessar/vitaldb/internal/storage/config"
	"github.com/avessar/vitaldb/internal/storage/export"
	"github.com/avessar/vitaldb/internal/storage/query"
	"github.com/avessar/vitaldb/internal/storage/types"
)

// Version is set at build time via ldflags
var Version = "dev"

type console struct {
	store *storage.Store
}

func main() {
	cfgPath := flag.String("config", "config.yaml", "config file path")
	dataDir := flag.String("data-dir", "", "data directory (overrides config)")
	flag.Parse()

	// The console is for humans; keep the engine quiet unless it hurts.
	logging.Init(slog.LevelWarn, false)

	cfg, err := config.Load(*cfgPath)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			cfg = config.DefaultConfig()
		} else {
			fmt.Fprintf(os.Stderr, "load config: %v\n", err)
			os.Exit(1)
		}
	}
	if *dataDir != "" {
		cfg.DataDir = *dataDir
	}

	store, err := storage.Open(cfg)
	if err != nil {
		fmt.Fprintf(os.Stderr, "open store: %v\n", err)
		os.Exit(1)
	}

	c := &console{store: store}
	fmt.Printf("vitaldb %s — %s\ntype 'help' for commands, 'exit' to leave\n", Version, cfg.DataDir)

	p := prompt.New(
		c.execute,
		c.complete,
		prompt.OptionPrefix("vitaldb> "),
		prompt.OptionTitle("vitaldb-cli"),
	)
	p.Run()
}

func (c *console) execute(line string) {
	args := strings.Fields(line)
	if len(args) == 0 {
		return
	}

	ctx := context.Background()
	var err error

	switch args[0] {
	case "help":
		c.help()
	case "exit", "quit":
		c.store.Close()
		os.Exit(0)
	case "ingest":
		err = c.ingest(ctx, args[1:])
	case "query":
		err = c.query(ctx, args[1:])
	case "metrics":
		err = c.metrics(ctx)
	case "register":
		err = c.register(ctx, args[1:])
	case "update":
		err = c.update(ctx, args[1:])
	case "export":
		err = c.export(ctx, args[1:])
	case "seal":
		err = c.store.Seal(ctx)
	case "stats":
		c.stats()
	default:
		err = fmt.Errorf("unknown command %q (try 'help')", args[0])
	}

	if err != nil {
		fmt.Printf("error: %v\n", err)
	}
}

func (c *console) complete(d prompt.Document) []prompt.Suggest {
	line := d.TextBeforeCursor()
	word := d.GetWordBeforeCursor()

	if !strings.Contains(strings.TrimSpace(line), " ") {
		return prompt.FilterHasPrefix([]prompt.Suggest{
			{Text: "ingest", Description: "record one measurement"},
			{Text: "query", Description: "query a time range"},
			{Text: "metrics", Description: "list registered metrics"},
			{Text: "register", Description: "register a metric"},
			{Text: "update", Description: "update a metric"},
			{Text: "export", Description: "export query results"},
			{Text: "seal", Description: "seal the live buffer now"},
			{Text: "stats", Description: "engine counters"},
			{Text: "help", Description: "command reference"},
			{Text: "exit", Description: "close and leave"},
		}, word, true)
	}

	// Later words complete to metric names.
	metrics, err := c.store.ListMetrics(context.Background())
	if err != nil {
		return nil
	}
	suggests := make([]prompt.Suggest, 0, len(metrics))
	for _, m := range metrics {
		suggests = append(suggests, prompt.Suggest{Text: m.Name, Description: m.Unit})
	}
	return prompt.FilterHasPrefix(suggests, word, true)
}

func (c *console) help() {
	fmt.Print(`commands:
  ingest <metric> <value> [timestamp_ms] [k=v ...]   record one measurement
  query <metric[,metric...]> [last Nh|Nd] [group hour|day|week] [agg <fn>] [tag k=v]
  metrics                                            list registered metrics
  register <name> [unit=U] [category=C] [agg=F] [min=N] [max=N]
  update <name> [unit=U] [category=C] [agg=F] [min=N] [max=N]
  export <csv|tsv|parquet> <file> <metric[,...]> [last Nh|Nd] [group ...] [agg ...]
  seal                                               seal the live buffer now
  stats                                              engine counters
  exit                                               close and leave
`)
}

func (c *console) ingest(ctx context.Context, args []string) error {
	if len(args) < 2 {
		return fmt.Errorf("usage: ingest <metric> <value> [timestamp_ms] [k=v ...]")
	}
	value, err := strconv.ParseFloat(args[1], 64)
	if err != nil {
		return fmt.Errorf("bad value %q", args[1])
	}

	req := storage.IngestRequest{Metric: args[0], Value: value}
	for _, arg := range args[2:] {
		if k, v, ok := strings.Cut(arg, "="); ok {
			if req.Tags == nil {
				req.Tags = map[string]string{}
			}
			req.Tags[k] = v
			continue
		}
		ts, err := strconv.ParseInt(arg, 10, 64)
		if err != nil {
			return fmt.Errorf("bad timestamp %q", arg)
		}
		req.TimestampMs = ts
	}

	ack, err := c.store.Ingest(ctx, req)
	if err != nil {
		return err
	}
	fmt.Printf("ok seq=%d ts=%d\n", ack.Seq, ack.TimestampMs)
	return nil
}

// parseQueryArgs builds a query request from console words.
func parseQueryArgs(args []string) (query.Request, []string, error) {
	req := query.Request{Range: types.LastDays(7)}
	if len(args) == 0 {
		return req, nil, fmt.Errorf("no metrics given")
	}
	req.Select = strings.Split(args[0], ",")

	rest := args[1:]
	for i := 0; i < len(rest); i++ {
		switch rest[i] {
		case "last":
			i++
			if i >= len(rest) {
				return req, nil, fmt.Errorf("last needs a window like 24h or 30d")
			}
			r, err := parseWindow(rest[i])
			if err != nil {
				return req, nil, err
			}
			req.Range = r
		case "group":
			i++
			if i >= len(rest) {
				return req, nil, fmt.Errorf("group needs hour, day, or week")
			}
			g, err := types.ParseGroupBy(rest[i])
			if err != nil {
				return req, nil, err
			}
			req.GroupBy = g
		case "agg":
			i++
			if i >= len(rest) {
				return req, nil, fmt.Errorf("agg needs a function name")
			}
			a, err := types.ParseAggregation(rest[i])
			if err != nil {
				return req, nil, err
			}
			req.Aggregation = &a
		case "tag":
			i++
			if i >= len(rest) {
				return req, nil, fmt.Errorf("tag needs k=v")
			}
			k, v, ok := strings.Cut(rest[i], "=")
			if !ok {
				return req, nil, fmt.Errorf("tag needs k=v")
			}
			if req.TagFilter == nil {
				req.TagFilter = map[string]string{}
			}
			req.TagFilter[k] = v
		default:
			return req, rest[i:], nil
		}
	}
	return req, nil, nil
}

func parseWindow(s string) (types.TimeRange, error) {
	if len(s) < 2 {
		return types.TimeRange{}, fmt.Errorf("bad window %q", s)
	}
	n, err := strconv.Atoi(s[:len(s)-1])
	if err != nil || n <= 0 {
		return types.TimeRange{}, fmt.Errorf("bad window %q", s)
	}
	switch s[len(s)-1] {
	case 'h':
		return types.LastHours(n), nil
	case 'd':
		return types.LastDays(n), nil
	}
	return types.TimeRange{}, fmt.Errorf("bad window %q (use h or d)", s)
}

func (c *console) query(ctx context.Context, args []string) error {
	req, extra, err := parseQueryArgs(args)
	if err != nil {
		return err
	}
	if len(extra) > 0 {
		return fmt.Errorf("unexpected argument %q", extra[0])
	}

	res, err := c.store.Query(ctx, req)
	if err != nil {
		return err
	}

	for _, s := range res.Series {
		if s.Grouped {
			fmt.Printf("%s (%s):\n", s.Metric, s.Aggregation)
		} else {
			fmt.Printf("%s:\n", s.Metric)
		}
		for i := range s.Timestamps {
			t := time.UnixMilli(s.Timestamps[i]).UTC().Format(time.RFC3339)
			fmt.Printf("  %s  %g\n", t, s.Values[i])
		}
		if len(s.Timestamps) == 0 {
			fmt.Println("  (no data)")
		}
	}
	for _, e := range res.Errors {
		fmt.Printf("%s: error: %v\n", e.Metric, e.Err)
	}
	return nil
}

func (c *console) metrics(ctx context.Context) error {
	metrics, err := c.store.ListMetrics(ctx)
	if err != nil {
		return err
	}
	for _, m := range metrics {
		bounds := ""
		if m.MinValue != nil || m.MaxValue != nil {
			lo, hi := "-inf", "+inf"
			if m.MinValue != nil {
				lo = strconv.FormatFloat(*m.MinValue, 'g', -1, 64)
			}
			if m.MaxValue != nil {
				hi = strconv.FormatFloat(*m.MaxValue, 'g', -1, 64)
			}
			bounds = fmt.Sprintf(" [%s, %s]", lo, hi)
		}
		fmt.Printf("  %-4d %-20s %-12s %s/%s%s\n",
			m.ID, m.Name, m.Unit, m.Category, m.Aggregation, bounds)
	}
	if len(metrics) == 0 {
		fmt.Println("  (none)")
	}
	return nil
}

// applyMetricArgs fills metric fields from k=v console words.
func applyMetricArgs(m *types.Metric, args []string) error {
	for _, arg := range args {
		k, v, ok := strings.Cut(arg, "=")
		if !ok {
			return fmt.Errorf("expected k=v, got %q", arg)
		}
		switch k {
		case "unit":
			m.Unit = v
		case "category":
			cat, err := types.ParseCategory(v)
			if err != nil {
				return err
			}
			m.Category = cat
		case "agg":
			agg, err := types.ParseAggregation(v)
			if err != nil {
				return err
			}
			m.Aggregation = agg
		case "min", "max":
			f, err := strconv.ParseFloat(v, 64)
			if err != nil {
				return fmt.Errorf("bad %s %q", k, v)
			}
			if k == "min" {
				m.MinValue = &f
			} else {
				m.MaxValue = &f
			}
		case "desc":
			m.Description = v
		default:
			return fmt.Errorf("unknown field %q", k)
		}
	}
	return nil
}

func (c *console) register(ctx context.Context, args []string) error {
	if len(args) < 1 {
		return fmt.Errorf("usage: register <name> [unit=U] [category=C] [agg=F] [min=N] [max=N]")
	}
	m := &types.Metric{Name: args[0], Category: types.CategoryCustom}
	if err := applyMetricArgs(m, args[1:]); err != nil {
		return err
	}
	created, err := c.store.RegisterMetric(ctx, m)
	if err != nil {
		return err
	}
	fmt.Printf("registered %s id=%d\n", created.Name, created.ID)
	return nil
}

func (c *console) update(ctx context.Context, args []string) error {
	if len(args) < 2 {
		return fmt.Errorf("usage: update <name> [unit=U] [category=C] [agg=F] [min=N] [max=N]")
	}
	existing, err := c.store.GetMetric(ctx, args[0])
	if err != nil {
		return err
	}
	m := *existing
	if err := applyMetricArgs(&m, args[1:]); err != nil {
		return err
	}
	if _, err := c.store.UpdateMetric(ctx, &m); err != nil {
		return err
	}
	fmt.Println("updated")
	return nil
}

func (c *console) export(ctx context.Context, args []string) error {
	if len(args) < 3 {
		return fmt.Errorf("usage: export <csv|tsv|parquet> <file> <metric[,...]> [last ...]")
	}
	format, err := export.ParseFormat(args[0])
	if err != nil {
		return err
	}
	req, extra, err := parseQueryArgs(args[2:])
	if err != nil {
		return err
	}
	if len(extra) > 0 {
		return fmt.Errorf("unexpected argument %q", extra[0])
	}

	f, err := os.Create(args[1])
	if err != nil {
		return err
	}
	if err := c.store.Export(ctx, f, req, format); err != nil {
		f.Close()
		return err
	}
	if err := f.Close(); err != nil {
		return err
	}
	fmt.Printf("wrote %s\n", args[1])
	return nil
}

func (c *console) stats() {
	st := c.store.Stats()
	fmt.Printf("uptime          %s\n", st.Uptime.Round(time.Second))
	fmt.Printf("metrics         %d\n", st.Metrics)
	fmt.Printf("buffer points   %d\n", st.BufferPoints)
	fmt.Printf("index entries   %d\n", st.IndexEntries)
	fmt.Printf("segments sealed %d (skipped %d)\n", st.Segments.SegmentsSealed, st.Segments.SegmentsSkipped)
	fmt.Printf("points sealed   %d\n", st.Segments.PointsSealed)
	fmt.Printf("wal records     %d (synced %d)\n", st.WAL.RecordsWritten, st.WAL.SyncsPerformed)
}
