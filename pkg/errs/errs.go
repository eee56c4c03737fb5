// Package errs defines the error taxonomy for the resolution pipeline.
//
// ConfigurationError and ValidationError are raised at construction time and
// are never retried. TransientStoreError marks store calls that are safe to
// retry; once retries are exhausted the failure is recorded as a BatchError in
// run statistics and the batch is skipped, not the run.
package errs

import (
	"context"
	"database/sql/driver"
	"errors"
	"fmt"
	"io"
	"net"
	"syscall"
)

// ConfigurationError indicates an invalid component configuration (zero field
// weights, malformed thresholds, unknown algorithm names). Raised by
// constructors so a misconfigured pipeline fails before touching data.
type ConfigurationError struct {
	Component string
	Reason    string
}

func NewConfigurationError(component string, format string, args ...any) *ConfigurationError {
	return &ConfigurationError{
		Component: component,
		Reason:    fmt.Sprintf(format, args...),
	}
}

func (e *ConfigurationError) Error() string {
	return fmt.Sprintf("invalid %s configuration: %s", e.Component, e.Reason)
}

// ValidationError indicates a collection or field name that failed the
// allow-list check. Treated as a caller bug and never retried.
type ValidationError struct {
	Field  string
	Value  string
	Reason string
}

func NewValidationError(field string, value string, reason string) *ValidationError {
	return &ValidationError{
		Field:  field,
		Value:  value,
		Reason: reason,
	}
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid %s %q: %s", e.Field, e.Value, e.Reason)
}

// TransientStoreError wraps a store call failure that is safe to retry, such
// as a timeout or a dropped connection.
type TransientStoreError struct {
	Op  string
	Err error
}

func NewTransientStoreError(op string, err error) *TransientStoreError {
	return &TransientStoreError{Op: op, Err: err}
}

func (e *TransientStoreError) Error() string {
	return fmt.Sprintf("transient store error in %s: %v", e.Op, e.Err)
}

func (e *TransientStoreError) Unwrap() error {
	return e.Err
}

// BatchError records a batch that failed after retries were exhausted. The
// batch is skipped and the failure surfaces in run statistics.
type BatchError struct {
	Stage string
	Batch int
	Err   error
}

func NewBatchError(stage string, batch int, err error) *BatchError {
	return &BatchError{Stage: stage, Batch: batch, Err: err}
}

func (e *BatchError) Error() string {
	return fmt.Sprintf("%s batch %d failed: %v", e.Stage, e.Batch, e.Err)
}

func (e *BatchError) Unwrap() error {
	return e.Err
}

func IsConfiguration(err error) bool {
	var target *ConfigurationError
	return errors.As(err, &target)
}

func IsValidation(err error) bool {
	var target *ValidationError
	return errors.As(err, &target)
}

func IsTransient(err error) bool {
	var target *TransientStoreError
	if errors.As(err, &target) {
		return true
	}
	return isRetryable(err)
}

func IsBatch(err error) bool {
	var target *BatchError
	return errors.As(err, &target)
}

// ClassifyStore wraps retryable driver failures as TransientStoreError so the
// retry helper can recognize them; anything else passes through unchanged.
func ClassifyStore(op string, err error) error {
	if err == nil {
		return nil
	}
	if isRetryable(err) {
		return NewTransientStoreError(op, err)
	}
	return err
}

func isRetryable(err error) bool {
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	if errors.Is(err, driver.ErrBadConn) {
		return true
	}
	if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
		return true
	}
	if errors.Is(err, syscall.ECONNRESET) || errors.Is(err, syscall.ECONNREFUSED) || errors.Is(err, syscall.EPIPE) {
		return true
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return true
	}
	return false
}
