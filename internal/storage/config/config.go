package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Config represents the complete storage configuration.
type Config struct {
	// DataDir is the root directory for all storage files.
	DataDir string `yaml:"data_dir"`

	// WAL configures the write-ahead log.
	WAL WALConfig `yaml:"wal"`

	// Seal configures when the live buffer is sealed into a segment.
	Seal SealConfig `yaml:"seal"`

	// Segment configures sealed segment files.
	Segment SegmentConfig `yaml:"segment"`

	// Registry configures the metric registry.
	Registry RegistryConfig `yaml:"registry"`

	// Query configures the query executor.
	Query QueryConfig `yaml:"query"`
}

// WALConfig configures the write-ahead log.
type WALConfig struct {
	// Dir is the WAL directory. Defaults to {DataDir}/wal.
	Dir string `yaml:"dir"`

	// SyncMode is the sync mode: async, sync, fsync.
	// fsync is the default; it is the durability gate for acknowledged writes.
	SyncMode string `yaml:"sync_mode"`

	// SyncInterval is the sync interval for async mode.
	SyncInterval time.Duration `yaml:"sync_interval"`

	// MaxFileSize is the maximum record file size before rotation.
	MaxFileSize int64 `yaml:"max_file_size"`
}

// SealConfig configures when the live buffer is sealed into a segment.
type SealConfig struct {
	// Interval is how often the background worker checks for sealable data.
	Interval time.Duration `yaml:"interval"`

	// MaxBufferPoints triggers a seal when the live buffer reaches this size.
	MaxBufferPoints int `yaml:"max_buffer_points"`
}

// SegmentConfig configures sealed segment files.
type SegmentConfig struct {
	// Dir is the segment directory. Defaults to {DataDir}/segments.
	Dir string `yaml:"dir"`

	// BlockPoints is the number of points per compressed block.
	BlockPoints int `yaml:"block_points"`

	// Compression is the block compression algorithm: zstd, none.
	Compression string `yaml:"compression"`

	// CompressionLevel is the zstd level (1-22).
	CompressionLevel int `yaml:"compression_level"`

	// BlockCacheSize is the number of decompressed blocks cached per store.
	BlockCacheSize int `yaml:"block_cache_size"`
}

// RegistryConfig configures the metric registry.
type RegistryConfig struct {
	// MetastorePath is the DuckDB database path.
	// Defaults to {DataDir}/metastore.db.
	MetastorePath string `yaml:"metastore_path"`

	// AutoCreateMetrics creates a default metric record on first use
	// of an unknown name instead of rejecting the ingest.
	AutoCreateMetrics bool `yaml:"auto_create_metrics"`
}

// QueryConfig configures the query executor.
type QueryConfig struct {
	// Timeout is the per-query timeout.
	Timeout time.Duration `yaml:"timeout"`

	// MaxRows is the maximum number of rows returned.
	MaxRows int `yaml:"max_rows"`

	// PercentileAccuracy is the DDSketch relative accuracy (0.01 = 1% error).
	PercentileAccuracy float64 `yaml:"percentile_accuracy"`
}

// Load loads configuration from a YAML file.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config file: %w", err)
	}

	config := DefaultConfig()
	if err := yaml.Unmarshal(data, config); err != nil {
		return nil, fmt.Errorf("parse config file: %w", err)
	}

	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("validate config: %w", err)
	}

	return config, nil
}

// DefaultConfig returns a configuration with sensible defaults.
func DefaultConfig() *Config {
	return &Config{
		DataDir: "/var/lib/vitaldb",
		WAL: WALConfig{
			SyncMode:    "fsync",
			MaxFileSize: 64 * 1024 * 1024, // 64MB
		},
		Seal: SealConfig{
			Interval:        time.Minute,
			MaxBufferPoints: 10000,
		},
		Segment: SegmentConfig{
			BlockPoints:      1024,
			Compression:      "zstd",
			CompressionLevel: 3,
			BlockCacheSize:   64,
		},
		Registry: RegistryConfig{
			AutoCreateMetrics: true,
		},
		Query: QueryConfig{
			Timeout:            30 * time.Second,
			MaxRows:            1000000,
			PercentileAccuracy: 0.01,
		},
	}
}
