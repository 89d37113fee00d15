// Package errors provides error handling for almasync.
//
// This package re-exports github.com/cockroachdb/errors (stack traces, wrapping,
// hints and details) and defines the sentinel taxonomy shared by the scheduler,
// the job runtime and the HTTP layer.
//
// Usage:
//
//	if err := store.Update(ctx, id, patch); err != nil {
//	    return errors.Wrap(err, "failed to update schedule")
//	}
//
//	// Classify a failure while keeping its message intact
//	return errors.NewConfigurationError("dhis2 instance %q is not configured", name)
//
//	// Check classification anywhere up the stack
//	if errors.IsConfigurationError(err) { ... }
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
	Mark         = crdb.Mark
)

// User-facing messages and details
var (
	WithHint       = crdb.WithHint
	WithHintf      = crdb.WithHintf
	WithDetail     = crdb.WithDetail
	WithDetailf    = crdb.WithDetailf
	GetAllHints    = crdb.GetAllHints
	GetAllDetails  = crdb.GetAllDetails
	FlattenHints   = crdb.FlattenHints
	FlattenDetails = crdb.FlattenDetails
)

// Error inspection
var (
	Is         = crdb.Is
	IsAny      = crdb.IsAny
	As         = crdb.As
	Unwrap     = crdb.Unwrap
	UnwrapOnce = crdb.UnwrapOnce
	UnwrapAll  = crdb.UnwrapAll
)

// Sentinels. Classified errors keep their own message and are matched with errors.Is.
var (
	// ErrNotFound indicates a schedule or job id does not exist
	ErrNotFound = New("not found")

	// ErrInvalidRequest indicates the request was malformed
	ErrInvalidRequest = New("invalid request")

	// ErrConfiguration indicates a missing instance, processor or sync parameter
	ErrConfiguration = New("configuration error")

	// ErrExternalService indicates a DHIS2 or ALMA call failed
	ErrExternalService = New("external service error")

	// ErrExhaustedRetries indicates the job runtime gave up on a job
	ErrExhaustedRetries = New("retries exhausted")

	// ErrRecoveryInconsistency marks a disagreement between the schedule store and the job runtime found at startup
	ErrRecoveryInconsistency = New("recovery inconsistency")

	// ErrConflict indicates a resource conflict (e.g., duplicate id)
	ErrConflict = New("resource conflict")
)

// IsNotFoundError checks if an error is or wraps ErrNotFound.
func IsNotFoundError(err error) bool {
	return err != nil && Is(err, ErrNotFound)
}

// IsInvalidRequestError checks if an error is or wraps ErrInvalidRequest
func IsInvalidRequestError(err error) bool {
	return err != nil && Is(err, ErrInvalidRequest)
}

// IsConfigurationError checks if an error is or wraps ErrConfiguration
func IsConfigurationError(err error) bool {
	return err != nil && Is(err, ErrConfiguration)
}

// IsExternalServiceError checks if an error is or wraps ErrExternalService
func IsExternalServiceError(err error) bool {
	return err != nil && Is(err, ErrExternalService)
}

// IsConflictError checks if an error is or wraps ErrConflict
func IsConflictError(err error) bool {
	return err != nil && Is(err, ErrConflict)
}

// NewNotFoundError creates a not-found error with a formatted message
func NewNotFoundError(format string, args ...interface{}) error {
	return Mark(Newf(format, args...), ErrNotFound)
}

// NewInvalidRequestError creates an invalid-request error with a formatted message
func NewInvalidRequestError(format string, args ...interface{}) error {
	return Mark(Newf(format, args...), ErrInvalidRequest)
}

// NewConfigurationError creates a configuration error with a formatted message
func NewConfigurationError(format string, args ...interface{}) error {
	return Mark(Newf(format, args...), ErrConfiguration)
}

// NewExternalServiceError creates an external-service error with a formatted message
func NewExternalServiceError(format string, args ...interface{}) error {
	return Mark(Newf(format, args...), ErrExternalService)
}

// MarkExternalService classifies an existing error (network, timeout, non-2xx) as external.
func MarkExternalService(err error, context string) error {
	if err == nil {
		return nil
	}
	return Mark(Wrap(err, context), ErrExternalService)
}
