// Package errors provides the consolidated error definitions for trucklog.
//
// This file provides:
//   - Wire protocol error codes
//   - Sentinel errors for all error conditions
//   - Error category checking functions
//   - ErrorToCode and CodeToError mapping
//   - Error wrapping utilities
package errors

import (
	"errors"
	"fmt"
)

// ============================================================================
// Wire protocol error codes - used in Error envelopes
// ============================================================================

const (
	CodeUnknown          int32 = 1
	CodeNotAuthenticated int32 = 2
	CodeInvalidRequest   int32 = 3
	CodeInternal         int32 = 4
	CodeStorage          int32 = 5
	CodeTimeout          int32 = 6
	CodeProtocol         int32 = 7
	CodeFrameTooLarge    int32 = 8
)

// CodeName returns a human-readable name for an error code.
func CodeName(code int32) string {
	switch code {
	case CodeUnknown:
		return "Unknown"
	case CodeNotAuthenticated:
		return "NotAuthenticated"
	case CodeInvalidRequest:
		return "InvalidRequest"
	case CodeInternal:
		return "Internal"
	case CodeStorage:
		return "Storage"
	case CodeTimeout:
		return "Timeout"
	case CodeProtocol:
		return "Protocol"
	case CodeFrameTooLarge:
		return "FrameTooLarge"
	default:
		return fmt.Sprintf("Code(%d)", code)
	}
}

// ============================================================================
// Sentinel errors
// ============================================================================

var (
	// Sensor errors. Recoverable per cycle.
	ErrSensorNotReady = errors.New("sensor not ready")

	// Storage errors. Never absorbed; they mean a potential data loss window.
	ErrPersistence      = errors.New("persistence error")
	ErrStoreUnavailable = errors.New("store unavailable")
	ErrStoreClosed      = errors.New("store is closed")
	ErrUnknownRow       = errors.New("unknown row")

	// ErrSequenceExhausted means a device used every sequence number. It is
	// always marked ErrPersistence.
	ErrSequenceExhausted = errors.New("sequence numbers exhausted")

	// Relay errors. Treated as zero acknowledgments and retried.
	ErrRelayTransport   = errors.New("relay transport error")
	ErrTimeout          = errors.New("timeout")
	ErrNotConnected     = errors.New("not connected")
	ErrNotAuthenticated = errors.New("not authenticated")
	ErrProtocol         = errors.New("protocol error")
	ErrFrameTooLarge    = errors.New("frame too large")

	// Codec errors.
	ErrInvalidStatusWord = errors.New("invalid status word")
	ErrInvalidKind       = errors.New("invalid row kind")
	ErrPayloadMismatch   = errors.New("payload does not match row kind")
	ErrNonFiniteValue    = errors.New("non-finite value")

	// Validation errors.
	ErrInvalidConfig   = errors.New("invalid configuration")
	ErrMissingField    = errors.New("missing required field")
	ErrInvalidDeviceID = errors.New("invalid device id")

	// Internal errors.
	ErrInternal = errors.New("internal error")
)

// ============================================================================
// Helper functions for error checking
// ============================================================================

// Is is a convenience wrapper for errors.Is
var Is = errors.Is

// As is a convenience wrapper for errors.As
var As = errors.As

// New is a convenience wrapper for errors.New
var New = errors.New

// IsStorage returns true if err came from the local store.
func IsStorage(err error) bool {
	return errors.Is(err, ErrPersistence) ||
		errors.Is(err, ErrStoreUnavailable) ||
		errors.Is(err, ErrStoreClosed)
}

// IsRelay returns true if err is a relay transport level error.
func IsRelay(err error) bool {
	return errors.Is(err, ErrRelayTransport) ||
		errors.Is(err, ErrTimeout) ||
		errors.Is(err, ErrNotConnected) ||
		errors.Is(err, ErrNotAuthenticated) ||
		errors.Is(err, ErrProtocol) ||
		errors.Is(err, ErrFrameTooLarge)
}

// IsValidation returns true if err is a validation error.
func IsValidation(err error) bool {
	return errors.Is(err, ErrInvalidConfig) ||
		errors.Is(err, ErrMissingField) ||
		errors.Is(err, ErrInvalidDeviceID)
}

// IsRetriable returns true if the error is potentially retriable.
// Storage errors are never retriable here: they must reach the operator.
func IsRetriable(err error) bool {
	if IsStorage(err) {
		return false
	}
	return errors.Is(err, ErrSensorNotReady) || IsRelay(err)
}

// ============================================================================
// Error to wire code mapping
// ============================================================================

// ErrorToCode maps a sentinel error to its wire protocol code.
func ErrorToCode(err error) int32 {
	if err == nil {
		return CodeUnknown
	}

	switch {
	case Is(err, ErrNotAuthenticated):
		return CodeNotAuthenticated
	case Is(err, ErrFrameTooLarge):
		return CodeFrameTooLarge
	case Is(err, ErrProtocol), Is(err, ErrInvalidKind), Is(err, ErrPayloadMismatch):
		return CodeProtocol
	case IsValidation(err):
		return CodeInvalidRequest
	case IsStorage(err):
		return CodeStorage
	case Is(err, ErrTimeout):
		return CodeTimeout
	default:
		return CodeInternal
	}
}

// CodeToError maps a wire code to a sentinel error (for clients).
func CodeToError(code int32) error {
	switch code {
	case CodeNotAuthenticated:
		return ErrNotAuthenticated
	case CodeInvalidRequest:
		return ErrInvalidConfig
	case CodeStorage:
		return ErrPersistence
	case CodeTimeout:
		return ErrTimeout
	case CodeProtocol:
		return ErrProtocol
	case CodeFrameTooLarge:
		return ErrFrameTooLarge
	default:
		return ErrInternal
	}
}

// ============================================================================
// Error wrapping utilities
// ============================================================================

// Mark attaches sentinel to err so that errors.Is matches both.
// The message keeps err's text.
func Mark(err, sentinel error) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%w: %w", sentinel, err)
}

// ============================================================================
// Error constructors with context
// ============================================================================

// NewValidation creates a validation error with context.
func NewValidation(field, reason string) error {
	return fmt.Errorf("invalid %s: %s: %w", field, reason, ErrInvalidConfig)
}

// NewMissingField creates a missing field error.
func NewMissingField(field string) error {
	return fmt.Errorf("%s: %w", field, ErrMissingField)
}

// NewUnknownRow creates an unknown-row error for a table and line number.
func NewUnknownRow(table string, lineNo int64) error {
	return fmt.Errorf("%s line %d: %w", table, lineNo, ErrUnknownRow)
}

// ============================================================================
// Validation Errors Collection
// ============================================================================

// ValidationErrors collects multiple validation errors.
type ValidationErrors struct {
	Errors []error
}

// NewValidationErrors creates a new ValidationErrors collector.
func NewValidationErrors() *ValidationErrors {
	return &ValidationErrors{}
}

// Add adds an error to the collection.
func (v *ValidationErrors) Add(err error) {
	if err != nil {
		v.Errors = append(v.Errors, err)
	}
}

// AddField adds a field validation error.
func (v *ValidationErrors) AddField(field, reason string) {
	v.Errors = append(v.Errors, NewValidation(field, reason))
}

// AddMissing adds a missing field error.
func (v *ValidationErrors) AddMissing(field string) {
	v.Errors = append(v.Errors, NewMissingField(field))
}

// HasErrors returns true if there are any errors.
func (v *ValidationErrors) HasErrors() bool {
	return len(v.Errors) > 0
}

// Error implements the error interface.
func (v *ValidationErrors) Error() string {
	if len(v.Errors) == 0 {
		return ""
	}
	if len(v.Errors) == 1 {
		return v.Errors[0].Error()
	}

	msg := fmt.Sprintf("validation failed with %d errors:", len(v.Errors))
	for _, err := range v.Errors {
		msg += "\n  - " + err.Error()
	}
	return msg
}

// Err returns nil if no errors, otherwise returns the ValidationErrors.
func (v *ValidationErrors) Err() error {
	if len(v.Errors) == 0 {
		return nil
	}
	return v
}

// Unwrap returns the collected errors for errors.Is/As support.
func (v *ValidationErrors) Unwrap() []error {
	return v.Errors
}
