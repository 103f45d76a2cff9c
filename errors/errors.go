// Package errors provides error handling for Mezzanine.
//
// This package re-exports github.com/cockroachdb/errors, providing:
//   - Stack traces for debugging
//   - Error wrapping and context
//   - PII-safe error formatting
//
// Usage:
//
//	// Create new error
//	err := errors.New("something went wrong")
//
//	// Wrap with context
//	if err := doSomething(); err != nil {
//	    return errors.Wrap(err, "failed to do something")
//	}
//
//	// Check errors
//	if errors.Is(err, errors.ErrInvalidStatus) {
//	    // handle illegal transition
//	}
//
// For full documentation see: https://pkg.go.dev/github.com/cockroachdb/errors
package errors

import (
	crdb "github.com/cockroachdb/errors"
)

// Core error creation and wrapping
var (
	New          = crdb.New
	Newf         = crdb.Newf
	Wrap         = crdb.Wrap
	Wrapf        = crdb.Wrapf
	WithStack    = crdb.WithStack
	WithMessage  = crdb.WithMessage
	WithMessagef = crdb.WithMessagef
)

// User-facing messages and details
var (
	WithHint    = crdb.WithHint
	WithHintf   = crdb.WithHintf
	WithDetail  = crdb.WithDetail
	WithDetailf = crdb.WithDetailf
)

// Error inspection
var (
	Is            = crdb.Is
	IsAny         = crdb.IsAny
	As            = crdb.As
	Unwrap        = crdb.Unwrap
	GetAllDetails = crdb.GetAllDetails
)

// Sentinel errors for the failure kinds the orchestrator distinguishes.
// Use these with errors.Is() and wrap them with errors.Wrap() to add
// context while preserving the kind.
var (
	// ErrNotFound indicates the requested resource does not exist
	ErrNotFound = New("not found")

	// ErrInvalidStatus indicates an illegal task status transition
	ErrInvalidStatus = New("invalid status transition")

	// ErrContextNotBound indicates a runner-state write was attempted
	// without a bound runner context
	ErrContextNotBound = New("runner context not bound")

	// ErrResourceMissing indicates an input the task depends on is gone
	// (cache artifact, library, plugin). Terminal for the affected task.
	ErrResourceMissing = New("resource missing")

	// ErrTokenInvalid indicates a malformed, tampered, or revoked token
	ErrTokenInvalid = New("invalid token")

	// ErrTokenExpired indicates a token past its expiry
	ErrTokenExpired = New("token expired")

	// ErrWorkerNotRegistered indicates a token for an unknown or
	// deactivated worker
	ErrWorkerNotRegistered = New("worker not registered")

	// ErrForbidden indicates an authenticated caller without the
	// required role
	ErrForbidden = New("forbidden")

	// ErrInvalidMessage indicates a push message missing required fields
	ErrInvalidMessage = New("invalid message")

	// ErrConflict indicates a resource conflict (e.g., duplicate key)
	ErrConflict = New("resource conflict")
)

// IsNotFoundError checks if an error is or wraps ErrNotFound.
func IsNotFoundError(err error) bool {
	return err != nil && Is(err, ErrNotFound)
}

// IsAuthError reports whether the error is any of the token/worker
// authentication failures (mapped to 401 at the HTTP layer).
func IsAuthError(err error) bool {
	return err != nil && IsAny(err, ErrTokenInvalid, ErrTokenExpired, ErrWorkerNotRegistered)
}

// NewNotFoundError creates a not-found error with a formatted message
func NewNotFoundError(format string, args ...interface{}) error {
	return Wrap(ErrNotFound, Newf(format, args...).Error())
}
