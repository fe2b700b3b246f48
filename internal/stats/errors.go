package stats

import (
	"errors"
	"time"
)

// errInvalidInterval is returned by Start for non-positive intervals.
var errInvalidInterval = errors.New("collection interval must be positive")

// ErrorKind classifies collection-level conditions. These are transient by
// design: the collector absorbs them with retry and backoff and only surfaces
// them as non-fatal status updates.
type ErrorKind string

const (
	// ErrNone indicates no error.
	ErrNone ErrorKind = "none"
	// ErrCollectionFailed indicates a tick exhausted its immediate retries
	// without a successful counter read.
	ErrCollectionFailed ErrorKind = "collection_failed"
	// ErrMaxRetriesExceeded indicates several consecutive ticks failed; the
	// engine's reporting surface looks stalled.
	ErrMaxRetriesExceeded ErrorKind = "max_retries_exceeded"
	// ErrEngineNotRunning indicates a tick was skipped because the engine is
	// down. This is a condition, not a failure.
	ErrEngineNotRunning ErrorKind = "engine_not_running"
	// ErrProcessingError indicates a counter read succeeded but the sample
	// could not be processed (for example a non-increasing timestamp).
	ErrProcessingError ErrorKind = "processing_error"
)

// ErrorInfo describes one recorded collection condition.
type ErrorInfo struct {
	Kind       ErrorKind
	Message    string
	Timestamp  time.Time
	RetryCount int
}
