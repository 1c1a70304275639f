package core

import (
	"errors"
	"fmt"
)

// ErrorCode is the closed taxonomy from spec.md §7. It is also the wire
// value returned in {error: {code, ...}} responses.
type ErrorCode string

const (
	ErrCodeTimeout             ErrorCode = "timeout"
	ErrCodeUpstreamUnavailable ErrorCode = "upstream_unavailable"
	ErrCodeValidationFailed    ErrorCode = "validation_failed"
	ErrCodeOverloaded          ErrorCode = "overloaded"
	ErrCodeBadRequest          ErrorCode = "bad_request"
	ErrCodeInternal            ErrorCode = "internal"
	ErrCodeCancelled           ErrorCode = "cancelled_by_client"
)

// Sentinel errors. Stage handlers wrap these with fmt.Errorf("...: %w", ...)
// so callers can still errors.Is against the sentinel after wrapping.
var (
	ErrBudgetExceeded     = errors.New("stage budget exceeded")
	ErrUpstreamUnavailable = errors.New("upstream unavailable")
	ErrParseFailure       = errors.New("could not parse structured reply")
	ErrValidationFailed   = errors.New("validation failed")
	ErrCancelledByClient  = errors.New("request cancelled by client")
	ErrOverloaded         = errors.New("inbound concurrency limit reached")
	ErrConfigUnavailable  = errors.New("config backend unavailable and no cached value")
	ErrCircuitOpen        = errors.New("circuit breaker is open")
)

// StageError attaches the stage name and a retryable hint to an underlying
// error. The orchestrator uses it to decide whether a stage's failure
// degrades the response (retryable) or must escape to the HTTP surface.
type StageError struct {
	Stage     string
	Code      ErrorCode
	Retryable bool
	Err       error
}

func (e *StageError) Error() string {
	return fmt.Sprintf("stage %s: %s: %v", e.Stage, e.Code, e.Err)
}

func (e *StageError) Unwrap() error {
	return e.Err
}

// NewStageError builds a StageError, the standard way every stage in the
// orchestrator reports a recoverable failure.
func NewStageError(stage string, code ErrorCode, retryable bool, err error) *StageError {
	return &StageError{Stage: stage, Code: code, Retryable: retryable, Err: err}
}

// Escapes reports whether this error must surface as a non-200 HTTP
// response rather than degrade into a best-effort answer, per spec.md §7's
// propagation policy: only CancelledByClient, Overloaded and Internal
// escape.
func (e *StageError) Escapes() bool {
	switch e.Code {
	case ErrCodeOverloaded, ErrCodeInternal, ErrCodeCancelled:
		return true
	default:
		return errors.Is(e.Err, ErrCancelledByClient)
	}
}
