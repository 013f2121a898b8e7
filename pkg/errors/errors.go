// Package errors provides structured error types for the segmentation
// representation pipeline.
//
// Errors carry a machine-readable [Code] so callers can distinguish the three
// failure classes of the pipeline:
//   - configuration errors (INVALID_*, MISSING_VIEWPORT, UNCACHED_IMAGES),
//     raised before any background work is dispatched
//   - computation errors (COMPUTE_FAILED), raised when a background task rejects
//   - render errors (RENDER_FAILED), logged per representation by the scheduler
//
// # Usage
//
//	err := errors.New(errors.ErrCodeInvalidKind, "unknown representation kind %q", name)
//	if errors.Is(err, errors.ErrCodeInvalidKind) {
//	    // Handle configuration error
//	}
//
//	// Wrap existing errors
//	err := errors.Wrap(errors.ErrCodeComputeFailed, origErr, "contour for %s", segID)
package errors

import (
	"errors"
	"fmt"
)

// Code represents a machine-readable error code.
type Code string

// Error codes for different error categories.
const (
	// Configuration errors
	ErrCodeInvalidInput    Code = "INVALID_INPUT"
	ErrCodeInvalidKind     Code = "INVALID_KIND"
	ErrCodeInvalidData     Code = "INVALID_DATA"
	ErrCodeInvalidStyle    Code = "INVALID_STYLE"
	ErrCodeInvalidConfig   Code = "INVALID_CONFIG"
	ErrCodeMissingViewport Code = "MISSING_VIEWPORT"
	ErrCodeUncachedImages  Code = "UNCACHED_IMAGES"

	// Resource not found errors
	ErrCodeNotFound             Code = "NOT_FOUND"
	ErrCodeSegmentationNotFound Code = "SEGMENTATION_NOT_FOUND"
	ErrCodeTaskNotFound         Code = "TASK_NOT_FOUND"

	// Computation and render errors
	ErrCodeComputeFailed Code = "COMPUTE_FAILED"
	ErrCodeRenderFailed  Code = "RENDER_FAILED"

	// Internal errors
	ErrCodeInternal    Code = "INTERNAL_ERROR"
	ErrCodeUnsupported Code = "UNSUPPORTED"
)

// Error is a structured error with a code and optional cause.
type Error struct {
	Code    Code   // Machine-readable error code
	Message string // Human-readable message
	Cause   error  // Underlying error (optional)
}

// Error implements the error interface.
func (e *Error) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Code, e.Message, e.Cause)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// Unwrap returns the underlying cause for errors.Is/As compatibility.
func (e *Error) Unwrap() error {
	return e.Cause
}

// New creates a new Error with the given code and formatted message.
func New(code Code, format string, args ...any) *Error {
	return &Error{
		Code:    code,
		Message: fmt.Sprintf(format, args...),
	}
}

// Wrap creates a new Error wrapping an existing error.
func Wrap(code Code, cause error, format string, args ...any) *Error {
	return &Error{
		Code:    code,
		Message: fmt.Sprintf(format, args...),
		Cause:   cause,
	}
}

// Is reports whether err has the given error code.
// It unwraps the error chain looking for an *Error with a matching code.
func Is(err error, code Code) bool {
	for err != nil {
		var e *Error
		if !errors.As(err, &e) {
			return false
		}
		if e.Code == code {
			return true
		}
		err = e.Cause
	}
	return false
}

// GetCode extracts the outermost error code from an error, if available.
// Returns empty string if the error is not an *Error.
func GetCode(err error) Code {
	var e *Error
	if errors.As(err, &e) {
		return e.Code
	}
	return ""
}

// UserMessage returns a user-friendly message for the error.
// For *Error types, returns the message without the code prefix.
// For other errors, returns the error string as-is.
func UserMessage(err error) string {
	var e *Error
	if errors.As(err, &e) {
		return e.Message
	}
	return err.Error()
}

// IsConfiguration reports whether err belongs to the configuration class,
// i.e. it was raised before any background work was dispatched.
func IsConfiguration(err error) bool {
	switch GetCode(err) {
	case ErrCodeInvalidInput, ErrCodeInvalidKind, ErrCodeInvalidData,
		ErrCodeInvalidStyle, ErrCodeInvalidConfig,
		ErrCodeMissingViewport, ErrCodeUncachedImages:
		return true
	}
	return false
}
