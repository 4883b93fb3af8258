// Package agent provides the capability registry and the runner that invokes
// planning agents with caching, classified retries, and cost accounting.
package agent

import (
	"context"
	"errors"
	"fmt"

	"github.com/tripsmith-ai/tripsmith/pkg/models"
)

// Error wraps an invocation failure with its classification. The kind drives
// the retry decision; the wrapped error is preserved for logs and records.
type Error struct {
	Kind models.ErrorKind
	Err  error
}

// Error returns a human-readable representation of the classified error.
func (e *Error) Error() string {
	return fmt.Sprintf("%s: %v", e.Kind, e.Err)
}

// Unwrap returns the underlying error.
func (e *Error) Unwrap() error {
	return e.Err
}

// Transient wraps an error as retryable.
func Transient(err error) *Error {
	return &Error{Kind: models.ErrorKindTransient, Err: err}
}

// Permanent wraps an error as non-retryable.
func Permanent(err error) *Error {
	return &Error{Kind: models.ErrorKindPermanent, Err: err}
}

// Timeout wraps an error as a per-attempt timeout.
func Timeout(err error) *Error {
	return &Error{Kind: models.ErrorKindTimeout, Err: err}
}

// Quota wraps an error as a provider quota rejection.
func Quota(err error) *Error {
	return &Error{Kind: models.ErrorKindQuotaExceeded, Err: err}
}

// Classify maps an error to its kind. Context expiry maps to timeout or
// cancelled; an unclassified error from a capability is treated as transient,
// since external lookups fail far more often from flakiness than from bad input.
func Classify(err error) models.ErrorKind {
	var agentErr *Error
	if errors.As(err, &agentErr) {
		return agentErr.Kind
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return models.ErrorKindTimeout
	}
	if errors.Is(err, context.Canceled) {
		return models.ErrorKindCancelled
	}
	return models.ErrorKindTransient
}
