package stage

import (
	"context"
	"errors"
	"fmt"
)

// ErrorKind classifies stage failures for the orchestrator's retry policy.
type ErrorKind string

const (
	// KindRetryable covers timeouts, rate limits and transport failures.
	// The orchestrator retries these with backoff up to a ceiling.
	KindRetryable ErrorKind = "retryable"

	// KindFatal means the stage declared the work cannot succeed. Never
	// retried; the run fails immediately.
	KindFatal ErrorKind = "fatal"
)

// Error is a classified stage failure.
type Error struct {
	StageID string
	Kind    ErrorKind
	Err     error
}

func (e *Error) Error() string {
	return fmt.Sprintf("stage %s (%s): %v", e.StageID, e.Kind, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// Retryable wraps err as a transient failure of stageID.
func Retryable(stageID string, err error) *Error {
	return &Error{StageID: stageID, Kind: KindRetryable, Err: err}
}

// Fatal wraps err as a permanent failure of stageID.
func Fatal(stageID string, err error) *Error {
	return &Error{StageID: stageID, Kind: KindFatal, Err: err}
}

// IsFatal reports whether err carries a fatal classification.
func IsFatal(err error) bool {
	var se *Error
	return errors.As(err, &se) && se.Kind == KindFatal
}

// IsRetryable reports whether err should be retried. Unclassified errors
// count as retryable; the attempt ceiling bounds the damage, and treating
// an unknown transport condition as fatal would lose recoverable runs.
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}
	return !IsFatal(err)
}

// Classify normalizes an arbitrary invoker error into a stage.Error.
func Classify(stageID string, err error) *Error {
	var se *Error
	if errors.As(err, &se) {
		return se
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return Retryable(stageID, fmt.Errorf("stage timed out: %w", err))
	}
	return Retryable(stageID, err)
}
