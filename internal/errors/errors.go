// Package errors defines the error taxonomy for vitaldb.
//
// This package provides:
// - Sentinel errors for all error conditions
// - Error category checking functions
// - Error wrapping utilities and constructors with context
package errors

import (
	"errors"
	"fmt"
)

// ============================================================================
// Sentinel errors for common conditions
// ============================================================================

var (
	// Validation errors - recoverable, surfaced immediately, no state mutated
	ErrValidation       = errors.New("validation failed")
	ErrInvalidName      = errors.New("invalid metric name")
	ErrInvalidTimeRange = errors.New("invalid time range")
	ErrInvalidGroupBy   = errors.New("invalid group-by keyword")
	ErrInvalidAggregate = errors.New("invalid aggregation keyword")
	ErrValueOutOfBounds = errors.New("value out of bounds")
	ErrInvalidConfig    = errors.New("invalid configuration")
	ErrMissingField     = errors.New("missing required field")

	// Durability errors - ingestion rejected, caller must retry, no partial commit
	ErrDurability = errors.New("durability failure")
	ErrSyncFailed = errors.New("sync to durable storage failed")

	// Corruption errors - checksum mismatch in log replay or segment read
	ErrCorruption       = errors.New("data corruption detected")
	ErrChecksumMismatch = errors.New("checksum mismatch")
	ErrBadMagic         = errors.New("bad magic number")
	ErrBadVersion       = errors.New("unsupported format version")
	ErrTruncatedRecord  = errors.New("truncated record")

	// Not found errors
	ErrNotFound        = errors.New("not found")
	ErrMetricNotFound  = errors.New("metric not found")
	ErrSegmentNotFound = errors.New("segment not found")
	ErrOffsetNotFound  = errors.New("offset not found in segment")

	// Already exists errors
	ErrAlreadyExists       = errors.New("already exists")
	ErrMetricAlreadyExists = errors.New("metric already exists")

	// State errors
	ErrClosed  = errors.New("store is closed")
	ErrBusy    = errors.New("writer busy")
	ErrSealing = errors.New("seal already in progress")

	// Database errors - a metastore operation failed
	ErrDatabase = errors.New("database error")
)

// ============================================================================
// Helper functions for error checking
// ============================================================================

// Is is a convenience wrapper for errors.Is
var Is = errors.Is

// As is a convenience wrapper for errors.As
var As = errors.As

// IsValidation returns true if err is a validation error.
func IsValidation(err error) bool {
	return errors.Is(err, ErrValidation) ||
		errors.Is(err, ErrInvalidName) ||
		errors.Is(err, ErrInvalidTimeRange) ||
		errors.Is(err, ErrInvalidGroupBy) ||
		errors.Is(err, ErrInvalidAggregate) ||
		errors.Is(err, ErrValueOutOfBounds) ||
		errors.Is(err, ErrInvalidConfig) ||
		errors.Is(err, ErrMissingField)
}

// IsDurability returns true if err is a durability error.
func IsDurability(err error) bool {
	return errors.Is(err, ErrDurability) ||
		errors.Is(err, ErrSyncFailed)
}

// IsCorruption returns true if err is a corruption error.
func IsCorruption(err error) bool {
	return errors.Is(err, ErrCorruption) ||
		errors.Is(err, ErrChecksumMismatch) ||
		errors.Is(err, ErrBadMagic) ||
		errors.Is(err, ErrBadVersion) ||
		errors.Is(err, ErrTruncatedRecord)
}

// IsNotFound returns true if err is a not-found error.
func IsNotFound(err error) bool {
	return errors.Is(err, ErrNotFound) ||
		errors.Is(err, ErrMetricNotFound) ||
		errors.Is(err, ErrSegmentNotFound) ||
		errors.Is(err, ErrOffsetNotFound)
}

// IsAlreadyExists returns true if err is an already-exists error.
func IsAlreadyExists(err error) bool {
	return errors.Is(err, ErrAlreadyExists) ||
		errors.Is(err, ErrMetricAlreadyExists)
}

// IsRetriable returns true if the error is potentially retriable.
func IsRetriable(err error) bool {
	return errors.Is(err, ErrBusy) ||
		errors.Is(err, ErrSealing) ||
		IsDurability(err)
}

// ============================================================================
// Error wrapping utilities
// ============================================================================

// Wrap wraps an error with additional context.
func Wrap(err error, message string) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%s: %w", message, err)
}

// Wrapf wraps an error with formatted context.
func Wrapf(err error, format string, args ...interface{}) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%s: %w", fmt.Sprintf(format, args...), err)
}

// ============================================================================
// Error constructors with context
// ============================================================================

// NewMetricNotFound creates a metric not-found error with the offending name.
func NewMetricNotFound(name string) error {
	return fmt.Errorf("metric '%s': %w", name, ErrMetricNotFound)
}

// NewSegmentNotFound creates a segment not-found error.
func NewSegmentNotFound(id uint64) error {
	return fmt.Errorf("segment %d: %w", id, ErrSegmentNotFound)
}

// NewValidation creates a validation error with context.
func NewValidation(field, reason string) error {
	return fmt.Errorf("invalid %s: %s: %w", field, reason, ErrValidation)
}

// NewOutOfBounds creates a bounds validation error.
func NewOutOfBounds(metric string, value, bound float64, which string) error {
	return fmt.Errorf("metric '%s': value %g violates %s bound %g: %w",
		metric, value, which, bound, ErrValueOutOfBounds)
}

// NewMissingField creates a missing field error.
func NewMissingField(field string) error {
	return fmt.Errorf("%s: %w", field, ErrMissingField)
}

// NewChecksumMismatch creates a checksum corruption error with both sums.
func NewChecksumMismatch(expected, actual uint32) error {
	return fmt.Errorf("expected %08x, got %08x: %w", expected, actual, ErrChecksumMismatch)
}

// ============================================================================
// Validation Errors Collection
// ============================================================================

// ValidationErrors collects multiple validation errors.
type ValidationErrors struct {
	Errors []error
}

// NewValidationErrors creates a new ValidationErrors collector.
func NewValidationErrors() *ValidationErrors {
	return &ValidationErrors{}
}

// Add adds an error to the collection.
func (v *ValidationErrors) Add(err error) {
	if err != nil {
		v.Errors = append(v.Errors, err)
	}
}

// AddField adds a field validation error.
func (v *ValidationErrors) AddField(field, reason string) {
	v.Errors = append(v.Errors, NewValidation(field, reason))
}

// HasErrors returns true if there are any errors.
func (v *ValidationErrors) HasErrors() bool {
	return len(v.Errors) > 0
}

// Error implements the error interface.
func (v *ValidationErrors) Error() string {
	if len(v.Errors) == 0 {
		return ""
	}
	if len(v.Errors) == 1 {
		return v.Errors[0].Error()
	}

	msg := fmt.Sprintf("validation failed with %d errors:", len(v.Errors))
	for _, err := range v.Errors {
		msg += "\n  - " + err.Error()
	}
	return msg
}

// Err returns nil if no errors, otherwise returns the ValidationErrors.
func (v *ValidationErrors) Err() error {
	if len(v.Errors) == 0 {
		return nil
	}
	return v
}

// Unwrap returns the first error for errors.Is/As support.
func (v *ValidationErrors) Unwrap() error {
	if len(v.Errors) == 0 {
		return nil
	}
	return v.Errors[0]
}
