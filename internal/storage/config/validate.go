package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
)

// Validate checks the configuration for errors.
func (c *Config) Validate() error {
	var errs []error

	if c.DataDir == "" {
		errs = append(errs, errors.New("data_dir is required"))
	}

	if err := c.WAL.Validate(); err != nil {
		errs = append(errs, fmt.Errorf("wal: %w", err))
	}

	if err := c.Seal.Validate(); err != nil {
		errs = append(errs, fmt.Errorf("seal: %w", err))
	}

	if err := c.Segment.Validate(); err != nil {
		errs = append(errs, fmt.Errorf("segment: %w", err))
	}

	if err := c.Query.Validate(); err != nil {
		errs = append(errs, fmt.Errorf("query: %w", err))
	}

	if len(errs) > 0 {
		return errors.Join(errs...)
	}
	return nil
}

// Validate checks the WAL configuration.
func (c *WALConfig) Validate() error {
	var errs []error

	validSyncModes := map[string]bool{
		"async": true,
		"sync":  true,
		"fsync": true,
		"":      true, // Empty defaults to fsync
	}
	if !validSyncModes[c.SyncMode] {
		errs = append(errs, errors.New("sync_mode must be one of: async, sync, fsync"))
	}

	if c.SyncMode == "async" && c.SyncInterval <= 0 {
		errs = append(errs, errors.New("sync_interval must be positive for async mode"))
	}

	if c.MaxFileSize < 0 {
		errs = append(errs, errors.New("max_file_size must be non-negative"))
	}

	if len(errs) > 0 {
		return errors.Join(errs...)
	}
	return nil
}

// Validate checks the seal configuration.
func (c *SealConfig) Validate() error {
	var errs []error

	if c.Interval <= 0 {
		errs = append(errs, errors.New("interval must be positive"))
	}

	if c.MaxBufferPoints <= 0 {
		errs = append(errs, errors.New("max_buffer_points must be positive"))
	}

	if len(errs) > 0 {
		return errors.Join(errs...)
	}
	return nil
}

// Validate checks the segment configuration.
func (c *SegmentConfig) Validate() error {
	var errs []error

	if c.BlockPoints <= 0 {
		errs = append(errs, errors.New("block_points must be positive"))
	}

	validAlgorithms := map[string]bool{
		"zstd": true,
		"none": true,
		"":     true, // Empty defaults to zstd
	}
	if !validAlgorithms[c.Compression] {
		errs = append(errs, errors.New("compression must be one of: zstd, none"))
	}

	if c.Compression == "zstd" && (c.CompressionLevel < 0 || c.CompressionLevel > 22) {
		errs = append(errs, errors.New("compression_level for zstd must be between 0 and 22"))
	}

	if c.BlockCacheSize < 0 {
		errs = append(errs, errors.New("block_cache_size must be non-negative"))
	}

	if len(errs) > 0 {
		return errors.Join(errs...)
	}
	return nil
}

// Validate checks the query configuration.
func (c *QueryConfig) Validate() error {
	var errs []error

	if c.Timeout <= 0 {
		errs = append(errs, errors.New("timeout must be positive"))
	}

	if c.MaxRows <= 0 {
		errs = append(errs, errors.New("max_rows must be positive"))
	}

	if c.PercentileAccuracy <= 0 || c.PercentileAccuracy > 1 {
		errs = append(errs, errors.New("percentile_accuracy must be between 0 and 1"))
	}

	if len(errs) > 0 {
		return errors.Join(errs...)
	}
	return nil
}

// EnsureDirectories creates all required directories.
func (c *Config) EnsureDirectories() error {
	dirs := []string{
		c.DataDir,
		c.WALDir(),
		c.SegmentDir(),
	}

	for _, dir := range dirs {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return fmt.Errorf("create directory %s: %w", dir, err)
		}
	}

	return nil
}

// WALDir returns the WAL directory path.
func (c *Config) WALDir() string {
	if c.WAL.Dir != "" {
		return c.WAL.Dir
	}
	return filepath.Join(c.DataDir, "wal")
}

// SegmentDir returns the segment directory path.
func (c *Config) SegmentDir() string {
	if c.Segment.Dir != "" {
		return c.Segment.Dir
	}
	return filepath.Join(c.DataDir, "segments")
}

// MetastorePath returns the metastore database path.
func (c *Config) MetastorePath() string {
	if c.Registry.MetastorePath != "" {
		return c.Registry.MetastorePath
	}
	return filepath.Join(c.DataDir, "metastore.db")
}
