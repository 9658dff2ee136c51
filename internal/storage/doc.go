// Package storage implements the vitaldb storage engine: a single-node
// time-series store for personal measurements.
//
// Write path:
//
//	┌────────┐     ┌──────────────┐     ┌───────────────┐
//	│ Ingest │────▶│ WAL (fsync)  │────▶│   Memtable    │
//	└────────┘     └──────────────┘     │ (double buf)  │
//	                                    └───────┬───────┘
//	                                       seal │
//	                                            ▼
//	                                    ┌───────────────┐
//	                                    │   Segments    │──▶ Index
//	                                    │ (zstd blocks) │
//	                                    └───────────────┘
//
// A point is acknowledged only after the write-ahead log has made it
// durable. The background seal worker periodically turns the live
// buffer into an immutable, compressed, checksummed segment file;
// queries merge sealed segments (through the range index) with the
// live buffer. Metric definitions and seal checkpoints live in a small
// DuckDB metastore.
package storage
