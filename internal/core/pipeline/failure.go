package pipeline

import (
	"errors"
	"fmt"
)

// Stage failures carry exactly one bit of classification the orchestrator
// acts on: retryable (transient collaborator trouble) or terminal
// (structurally bad input, validation failure). Anything else about the
// underlying error is opaque to the core.

// RetryableError marks a failure worth re-queueing within the retry budget.
type RetryableError struct {
	Err error
}

func (e *RetryableError) Error() string { return fmt.Sprintf("retryable: %v", e.Err) }
func (e *RetryableError) Unwrap() error { return e.Err }

// TerminalError marks a failure that must not be retried.
type TerminalError struct {
	Err error
}

func (e *TerminalError) Error() string { return fmt.Sprintf("terminal: %v", e.Err) }
func (e *TerminalError) Unwrap() error { return e.Err }

// Retryable wraps err as a retryable stage failure.
func Retryable(err error) error {
	if err == nil {
		return nil
	}
	return &RetryableError{Err: err}
}

// Terminal wraps err as a terminal stage failure.
func Terminal(err error) error {
	if err == nil {
		return nil
	}
	return &TerminalError{Err: err}
}

// IsRetryable reports whether err is classified retryable. Unclassified
// errors are treated as terminal: a stage that cannot say its failure is
// transient must not be silently retried.
func IsRetryable(err error) bool {
	var re *RetryableError
	return errors.As(err, &re)
}
