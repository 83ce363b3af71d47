package syncerr

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

// SyncError represents a synchronization error with additional context for
// troubleshooting and retry classification.
type SyncError struct {
	// Code identifies the error class in the retry taxonomy
	Code ErrorCode

	// Message is the primary error message
	Message string

	// Context provides additional details
	Context map[string]interface{}

	// Cause is the underlying error (if any)
	Cause error

	// Suggestion provides actionable guidance for resolving the error
	Suggestion string

	// RetryAfter carries the source's cooldown hint for rate-limited errors
	RetryAfter time.Duration
}

// ErrorCode identifies categories of errors
type ErrorCode string

const (
	// Retryable transport/storage errors
	ErrorCodeTransient     ErrorCode = "TRANSIENT"
	ErrorCodeRateLimited   ErrorCode = "RATE_LIMITED"
	ErrorCodeTimeout       ErrorCode = "TIMEOUT"
	ErrorCodeWriteConflict ErrorCode = "WRITE_CONFLICT"

	// Permanent errors
	ErrorCodePermanentRecord ErrorCode = "PERMANENT_RECORD"
	ErrorCodePermanentJob    ErrorCode = "PERMANENT_JOB"

	// Resource errors
	ErrorCodeResourceExhausted ErrorCode = "RESOURCE_EXHAUSTED"

	// Configuration and internal errors
	ErrorCodeInvalidConfiguration ErrorCode = "INVALID_CONFIGURATION"
	ErrorCodeCheckpointCorrupt    ErrorCode = "CHECKPOINT_CORRUPT"
	ErrorCodeStoreUnavailable     ErrorCode = "STORE_UNAVAILABLE"
	ErrorCodeInternalError        ErrorCode = "INTERNAL_ERROR"
)

// Error implements the error interface
func (e *SyncError) Error() string {
	var parts []string

	parts = append(parts, fmt.Sprintf("[%s] %s", e.Code, e.Message))

	if len(e.Context) > 0 {
		var contextParts []string
		for k, v := range e.Context {
			contextParts = append(contextParts, fmt.Sprintf("%s=%v", k, v))
		}
		parts = append(parts, fmt.Sprintf("Context: %s", strings.Join(contextParts, ", ")))
	}

	if e.Cause != nil {
		parts = append(parts, fmt.Sprintf("Cause: %v", e.Cause))
	}

	if e.Suggestion != "" {
		parts = append(parts, fmt.Sprintf("Suggestion: %s", e.Suggestion))
	}

	return strings.Join(parts, "; ")
}

// Unwrap returns the underlying error for errors.Is/As compatibility
func (e *SyncError) Unwrap() error {
	return e.Cause
}

// NewError creates a new SyncError with the given code and message
func NewError(code ErrorCode, message string) *SyncError {
	return &SyncError{
		Code:    code,
		Message: message,
		Context: make(map[string]interface{}),
	}
}

// WithContext adds context information to the error
func (e *SyncError) WithContext(key string, value interface{}) *SyncError {
	if e.Context == nil {
		e.Context = make(map[string]interface{})
	}
	e.Context[key] = value
	return e
}

// WithCause adds the underlying cause to the error
func (e *SyncError) WithCause(cause error) *SyncError {
	e.Cause = cause
	return e
}

// WithSuggestion adds an actionable suggestion to the error
func (e *SyncError) WithSuggestion(suggestion string) *SyncError {
	e.Suggestion = suggestion
	return e
}

// WithRetryAfter records the cooldown hint supplied by a rate-limiting source
func (e *SyncError) WithRetryAfter(d time.Duration) *SyncError {
	e.RetryAfter = d
	return e
}

// Common error constructors

// ErrTransient creates an error for retryable transport failures
// (timeouts, 5xx responses, connection resets).
func ErrTransient(sourceID string, cause error) *SyncError {
	return NewError(ErrorCodeTransient,
		fmt.Sprintf("transient failure fetching from source '%s'", sourceID)).
		WithContext("source_id", sourceID).
		WithCause(cause).
		WithSuggestion("The fetch will be retried with backoff. No action needed unless failures persist.")
}

// ErrRateLimited creates an error for sources that responded with 429/503.
// retryAfter is zero when the source gave no hint.
func ErrRateLimited(sourceID string, retryAfter time.Duration) *SyncError {
	e := NewError(ErrorCodeRateLimited,
		fmt.Sprintf("source '%s' rate limited the mirror", sourceID)).
		WithContext("source_id", sourceID).
		WithRetryAfter(retryAfter).
		WithSuggestion(
			"The job backs off and resumes automatically.\n" +
				"If this recurs constantly, lower the source's configured rate_per_sec.")
	if retryAfter > 0 {
		e = e.WithContext("retry_after", retryAfter.String())
	}
	return e
}

// ErrTimeout creates an error for deadline expiry while waiting on a
// rate token or network read.
func ErrTimeout(sourceID string, op string) *SyncError {
	return NewError(ErrorCodeTimeout,
		fmt.Sprintf("timed out during %s for source '%s'", op, sourceID)).
		WithContext("source_id", sourceID).
		WithContext("operation", op)
}

// ErrPermanentRecord creates an error for a single unusable record or page.
// The job skips the unit, logs it, and continues.
func ErrPermanentRecord(sourceID string, unit string, reason string) *SyncError {
	return NewError(ErrorCodePermanentRecord,
		fmt.Sprintf("record/page '%s' from source '%s' is not ingestible: %s", unit, sourceID, reason)).
		WithContext("source_id", sourceID).
		WithContext("unit", unit).
		WithContext("reason", reason)
}

// ErrPermanentJob creates an error for an exhausted consecutive-failure budget.
// The job transitions to Failed and requires a manual restart.
func ErrPermanentJob(sourceID string, consecutiveFailures int, cause error) *SyncError {
	return NewError(ErrorCodePermanentJob,
		fmt.Sprintf("source '%s' exceeded its consecutive page-failure budget", sourceID)).
		WithContext("source_id", sourceID).
		WithContext("consecutive_failures", consecutiveFailures).
		WithCause(cause).
		WithSuggestion(
			"The job is stopped and will not restart on its own.\n" +
				"Investigate the source endpoint, then restart via POST /api/sources/" + sourceID + "/start")
}

// ErrResourceExhausted creates an error for storage-pressure pauses.
func ErrResourceExhausted(volume string, freeBytes, pauseBelow uint64) *SyncError {
	return NewError(ErrorCodeResourceExhausted,
		fmt.Sprintf("free space on '%s' dropped below the pause threshold", volume)).
		WithContext("volume", volume).
		WithContext("free_bytes", freeBytes).
		WithContext("pause_below_bytes", pauseBelow).
		WithSuggestion(
			"Jobs pause automatically and resume once cleanup frees space.\n" +
				"If the condition persists, grow the volume or lower retention.")
}

// ErrWriteConflict creates an error for a detected deadlock or serialization
// failure while committing a batch.
func ErrWriteConflict(kind string, cause error) *SyncError {
	return NewError(ErrorCodeWriteConflict,
		fmt.Sprintf("write conflict committing a '%s' batch", kind)).
		WithContext("dataset_kind", kind).
		WithCause(cause)
}

// ErrInvalidConfiguration creates an error for configuration validation failures
func ErrInvalidConfiguration(field string, value interface{}, reason string) *SyncError {
	return NewError(ErrorCodeInvalidConfiguration,
		fmt.Sprintf("invalid configuration: %s", reason)).
		WithContext("field", field).
		WithContext("value", value).
		WithSuggestion("Review the catalog file and daemon flags for the named field.")
}

// ErrCheckpointCorrupt creates an error for unreadable checkpoint state.
func ErrCheckpointCorrupt(sourceID string, cause error) *SyncError {
	return NewError(ErrorCodeCheckpointCorrupt,
		fmt.Sprintf("checkpoint for source '%s' could not be decoded", sourceID)).
		WithContext("source_id", sourceID).
		WithCause(cause).
		WithSuggestion(
			"Clear the checkpoint to force a full resync:\n" +
				"  medmirrord checkpoint clear " + sourceID)
}

// IsErrorCode checks if an error (or any error it wraps) has the specified code
func IsErrorCode(err error, code ErrorCode) bool {
	var se *SyncError
	if errors.As(err, &se) {
		return se.Code == code
	}
	return false
}

// GetErrorCode returns the error code from an error chain, or empty string
// if no SyncError is present.
func GetErrorCode(err error) ErrorCode {
	var se *SyncError
	if errors.As(err, &se) {
		return se.Code
	}
	return ""
}

// GetSuggestion returns the suggestion from an error, or empty string if not available
func GetSuggestion(err error) string {
	var se *SyncError
	if errors.As(err, &se) {
		return se.Suggestion
	}
	return ""
}

// RetryAfterHint extracts the cooldown hint from a rate-limited error chain.
// The second return is false when the error carries no hint.
func RetryAfterHint(err error) (time.Duration, bool) {
	var se *SyncError
	if errors.As(err, &se) && se.RetryAfter > 0 {
		return se.RetryAfter, true
	}
	return 0, false
}

// IsRetryable reports whether the error class permits another attempt of the
// same operation. Rate-limited errors are retryable without bound; the others
// are bounded by the caller's retry policy.
func IsRetryable(err error) bool {
	switch GetErrorCode(err) {
	case ErrorCodeTransient, ErrorCodeRateLimited, ErrorCodeTimeout, ErrorCodeWriteConflict:
		return true
	}
	return false
}
