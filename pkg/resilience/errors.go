package resilience

import (
	"errors"
	"fmt"
	"time"
)

// CircuitOpenError is returned when a call is rejected because the circuit
// breaker is open and the recovery timeout has not elapsed.
type CircuitOpenError struct {
	Name            string
	NextAttemptTime time.Time
}

func (e *CircuitOpenError) Error() string {
	return fmt.Sprintf("circuit breaker '%s' is open, next attempt at %s",
		e.Name, e.NextAttemptTime.Format(time.RFC3339))
}

// IsCircuitOpen checks if an error is a circuit-open rejection
func IsCircuitOpen(err error) bool {
	var coErr *CircuitOpenError
	return errors.As(err, &coErr)
}

// RetryExhaustedError is returned after the final failed attempt when no more
// retries are permitted. It wraps the last underlying error and carries the
// full ordered attempt log.
type RetryExhaustedError struct {
	Name     string
	Attempts []RetryAttempt
	LastErr  error
}

func (e *RetryExhaustedError) Error() string {
	return fmt.Sprintf("retry policy '%s' exhausted after %d attempts: %v",
		e.Name, len(e.Attempts), e.LastErr)
}

// Unwrap returns the last underlying error
func (e *RetryExhaustedError) Unwrap() error {
	return e.LastErr
}

// IsRetryExhausted checks if an error is a retry-exhausted error
func IsRetryExhausted(err error) bool {
	var reErr *RetryExhaustedError
	return errors.As(err, &reErr)
}

// AttemptTimeoutError is returned when a single retry attempt exceeds its
// configured per-attempt budget. It is distinct from the overall operation
// timeout so callers can tell "this one try was slow" from "we're out of tries".
type AttemptTimeoutError struct {
	Attempt int
	Timeout time.Duration
}

func (e *AttemptTimeoutError) Error() string {
	return fmt.Sprintf("attempt %d timed out after %s", e.Attempt, e.Timeout)
}

// IsAttemptTimeout checks if an error is a per-attempt timeout
func IsAttemptTimeout(err error) bool {
	var atErr *AttemptTimeoutError
	return errors.As(err, &atErr)
}

// OperationTimeoutError is returned by a timeout manager when the overall
// deadline elapses before the operation settles.
type OperationTimeoutError struct {
	Name     string
	Duration time.Duration
}

func (e *OperationTimeoutError) Error() string {
	return fmt.Sprintf("operation '%s' timed out after %s", e.Name, e.Duration)
}

// IsOperationTimeout checks if an error is an overall operation timeout
func IsOperationTimeout(err error) bool {
	var otErr *OperationTimeoutError
	return errors.As(err, &otErr)
}

// OperationCancelledError is returned when cancellation originates from an
// explicit Cancel call or from parent propagation rather than from the
// manager's own timer.
type OperationCancelledError struct {
	Name string
}

func (e *OperationCancelledError) Error() string {
	return fmt.Sprintf("operation '%s' was cancelled", e.Name)
}

// IsOperationCancelled checks if an error is an explicit or propagated cancellation
func IsOperationCancelled(err error) bool {
	var ocErr *OperationCancelledError
	return errors.As(err, &ocErr)
}
