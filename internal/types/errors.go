package types

import (
	"errors"
	"fmt"
)

// Domain error kinds. Stage boundaries translate these into queue-level
// outcomes: transient errors are retried, logic errors are not, and every
// failure is recorded on the owning episode.

// ErrNotFound is the result-style sentinel for lookups that legitimately
// miss. It is never a pipeline failure.
var ErrNotFound = errors.New("not found")

// IsNotFound reports whether err is (or wraps) ErrNotFound.
func IsNotFound(err error) bool { return errors.Is(err, ErrNotFound) }

// ErrQueueFull signals backpressure: the named queue is at bounded depth and
// the enqueue was rejected fast. Maps to HTTP 429 at the API surface.
var ErrQueueFull = errors.New("queue full")

// ValidationError rejects a request before anything is enqueued.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("validation failed: %s: %s", e.Field, e.Reason)
}

// TransientStoreError wraps a graph/vector call that failed in a way known
// to be retryable (timeout, connection reset, busy database).
type TransientStoreError struct {
	Op  string
	Err error
}

func (e *TransientStoreError) Error() string {
	return fmt.Sprintf("transient store error in %s: %v", e.Op, e.Err)
}

func (e *TransientStoreError) Unwrap() error { return e.Err }

// PermanentStoreError wraps a constraint violation or schema mismatch. The
// episode is marked FAILED and the job is not retried.
type PermanentStoreError struct {
	Op  string
	Err error
}

func (e *PermanentStoreError) Error() string {
	return fmt.Sprintf("permanent store error in %s: %v", e.Op, e.Err)
}

func (e *PermanentStoreError) Unwrap() error { return e.Err }

// ExtractionError means the model returned no schema-valid payload after
// bounded retries. The last model message is surfaced to the user on the
// episode.
type ExtractionError struct {
	Attempts    int
	LastMessage string
	Err         error
}

func (e *ExtractionError) Error() string {
	return fmt.Sprintf("extraction failed after %d attempts: %s", e.Attempts, e.LastMessage)
}

func (e *ExtractionError) Unwrap() error { return e.Err }

// AdjudicationError means the adjudicator call failed. The pipeline falls
// back to the conservative default (not-a-duplicate, not-a-contradiction)
// and logs a warning; it is never fatal.
type AdjudicationError struct {
	Err error
}

func (e *AdjudicationError) Error() string {
	return fmt.Sprintf("adjudication failed: %v", e.Err)
}

func (e *AdjudicationError) Unwrap() error { return e.Err }

// CancelledError records a deadline exceeded or explicit cancel. Partial
// writes remain but are consistent; the episode is marked FAILED with a
// cancellation reason.
type CancelledError struct {
	Reason string
}

func (e *CancelledError) Error() string {
	return fmt.Sprintf("cancelled: %s", e.Reason)
}

// IsRetryable reports whether the queue substrate should retry a job that
// failed with err. Validation, permanent store and extraction failures are
// final; infrastructure failures are not.
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}
	var ve *ValidationError
	var pe *PermanentStoreError
	var xe *ExtractionError
	var ce *CancelledError
	if errors.As(err, &ve) || errors.As(err, &pe) || errors.As(err, &xe) || errors.As(err, &ce) {
		return false
	}
	var te *TransientStoreError
	if errors.As(err, &te) {
		return true
	}
	// Unknown infrastructure errors get the benefit of the doubt.
	return true
}
