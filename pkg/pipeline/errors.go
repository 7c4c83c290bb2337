package pipeline

import (
	"errors"
	"fmt"
)

// ErrorKind classifies stage failures for the recovery policy.
type ErrorKind string

const (
	ErrTransientNetwork    ErrorKind = "transient_network"
	ErrProviderUnavailable ErrorKind = "provider_unavailable"
	ErrBadInput            ErrorKind = "bad_input"
	ErrPolicyViolation     ErrorKind = "policy_violation"
	ErrDeadlineExceeded    ErrorKind = "deadline_exceeded"
	ErrInternalInvariant   ErrorKind = "internal_invariant"
)

// StageError wraps an underlying error with its recovery classification.
type StageError struct {
	Stage string
	Kind  ErrorKind
	Err   error
}

func (e *StageError) Error() string {
	return fmt.Sprintf("%s: %s: %v", e.Stage, e.Kind, e.Err)
}

func (e *StageError) Unwrap() error { return e.Err }

// Retryable reports whether the per-stage backoff policy applies.
func (e *StageError) Retryable() bool {
	return e.Kind == ErrTransientNetwork || e.Kind == ErrDeadlineExceeded
}

// Fatal reports whether the session should end.
func (e *StageError) Fatal() bool {
	return e.Kind == ErrInternalInvariant
}

// NewStageError builds a classified stage error.
func NewStageError(stage string, kind ErrorKind, err error) *StageError {
	return &StageError{Stage: stage, Kind: kind, Err: err}
}

// KindOf extracts the classification from err, defaulting to
// transient_network for plain errors so callers fail toward retry.
func KindOf(err error) ErrorKind {
	var se *StageError
	if errors.As(err, &se) {
		return se.Kind
	}
	return ErrTransientNetwork
}
