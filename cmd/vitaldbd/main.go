// vitaldbd is the vitaldb storage daemon.
package main

import (
	"errors"
	"flag"
	"io/fs"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/avessar/vitaldb/internal/logging"
	"github.com/avessar/vitaldb/internal/storage"
	"github.com/avessar/vitaldb/internal/storage/config"
)

// Version is set at build time via ldflags
var Version = "dev"

func main() {
	cfgPath := flag.String("config", "config.yaml", "config file path")
	dataDir := flag.String("data-dir", "", "data directory (overrides config)")
	logLevel := flag.String("log-level", "info", "log level: debug, info, warn, error")
	logJSON := flag.Bool("log-json", false, "log in JSON format")
	statsEvery := flag.Duration("stats-interval", 5*time.Minute, "stats log interval (0 disables)")
	flag.Parse()

	logging.Init(parseLevel(*logLevel), *logJSON)
	log := logging.Component("vitaldbd")
	log.Info("starting", "version", Version)

	cfg, err := config.Load(*cfgPath)
	if err != nil {
		// Load wraps the read error, so unwrap-aware matching is needed.
		if errors.Is(err, fs.ErrNotExist) {
			log.Info("no config file found, using defaults", "path", *cfgPath)
			cfg = config.DefaultConfig()
		} else {
			log.Error("load config", "error", err)
			os.Exit(1)
		}
	}
	if *dataDir != "" {
		cfg.DataDir = *dataDir
	}

	store, err := storage.Open(cfg)
	if err != nil {
		log.Error("open store", "error", err)
		os.Exit(1)
	}

	done := make(chan struct{})
	if *statsEvery > 0 {
		go func() {
			ticker := time.NewTicker(*statsEvery)
			defer ticker.Stop()
			for {
				select {
				case <-done:
					return
				case <-ticker.C:
					st := store.Stats()
					log.Info("stats",
						"metrics", st.Metrics,
						"buffer_points", st.BufferPoints,
						"index_entries", st.IndexEntries,
						"segments_sealed", st.Segments.SegmentsSealed,
						"wal_records", st.WAL.RecordsWritten)
				}
			}
		}()
	}

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
	s := <-sig
	log.Info("shutting down", "signal", s.String())

	close(done)
	if err := store.Close(); err != nil {
		log.Error("close store", "error", err)
		os.Exit(1)
	}
	log.Info("stopped")
}

func parseLevel(s string) slog.Level {
	switch s {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
