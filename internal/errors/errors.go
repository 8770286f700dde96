// Package errors provides structured error types for warcdb.
// Every error carries a category, a code and a message so the import driver
// can decide whether a failure ends the run or is absorbed locally.
package errors

import (
	"errors"
	"fmt"
)

// ErrorCategory classifies errors by the kind of failure.
type ErrorCategory string

const (
	ErrCategoryDecode         ErrorCategory = "DECODE"
	ErrCategoryClassification ErrorCategory = "CLASSIFICATION"
	ErrCategorySchemaVersion  ErrorCategory = "SCHEMA_VERSION"
	ErrCategoryCoercion       ErrorCategory = "COERCION"
	ErrCategoryStorage        ErrorCategory = "STORAGE"
	ErrCategorySource         ErrorCategory = "SOURCE"
	ErrCategoryConfig         ErrorCategory = "CONFIG"
	ErrCategoryInternal       ErrorCategory = "INTERNAL"
)

// Error codes for each category.
const (
	// Decode codes
	CodeUnknownFormat   = "UNKNOWN_FORMAT"
	CodeMalformedRecord = "MALFORMED_RECORD"
	CodeTruncatedRecord = "TRUNCATED_RECORD"
	CodeMissingRecordID = "MISSING_RECORD_ID"
	CodePayloadRead     = "PAYLOAD_READ_FAILED"

	// Classification codes
	CodeUnsupportedType = "UNSUPPORTED_RECORD_TYPE"

	// Schema version codes
	CodeUnknownMigration = "UNKNOWN_MIGRATION"
	CodeMigrationFailed  = "MIGRATION_FAILED"

	// Coercion codes
	CodeNotCoerced = "VALUE_NOT_COERCED"

	// Storage codes
	CodeOpenFailed   = "OPEN_FAILED"
	CodeWriteFailed  = "WRITE_FAILED"
	CodeWidenFailed  = "WIDEN_FAILED"
	CodeTableMissing = "TABLE_MISSING"
	CodeStoreMissing = "STORE_MISSING"

	// Source codes
	CodeInvalidLocator = "INVALID_LOCATOR"
	CodeFetchFailed    = "FETCH_FAILED"
	CodeObjectNotFound = "OBJECT_NOT_FOUND"
	CodeBadContainer   = "BAD_CONTAINER"

	// Config codes
	CodeInvalidConfig = "INVALID_CONFIG"

	// Internal codes
	CodeUnexpected = "UNEXPECTED"
)

// Error is the structured error type used throughout warcdb.
type Error struct {
	Category  ErrorCategory
	Code      string
	Message   string
	Details   map[string]interface{}
	Cause     error
	Retryable bool
}

// Error returns a formatted error string.
func (e *Error) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("[%s:%s] %s: %v", e.Category, e.Code, e.Message, e.Cause)
	}
	return fmt.Sprintf("[%s:%s] %s", e.Category, e.Code, e.Message)
}

// Unwrap returns the underlying cause for errors.Is/As compatibility.
func (e *Error) Unwrap() error {
	return e.Cause
}

// Is reports whether the target matches this error's category and code.
func (e *Error) Is(target error) bool {
	var t *Error
	if errors.As(target, &t) {
		return e.Category == t.Category && e.Code == t.Code
	}
	return false
}

// New creates a new Error.
func New(category ErrorCategory, code, message string) *Error {
	return &Error{
		Category:  category,
		Code:      code,
		Message:   message,
		Retryable: isRetryable(category, code),
	}
}

// Wrap creates a new Error wrapping an existing error.
func Wrap(category ErrorCategory, code, message string, cause error) *Error {
	return &Error{
		Category:  category,
		Code:      code,
		Message:   message,
		Cause:     cause,
		Retryable: isRetryable(category, code),
	}
}

// WithDetails returns a copy of the error with additional details.
func (e *Error) WithDetails(details map[string]interface{}) *Error {
	cp := *e
	cp.Details = details
	return &cp
}

// IsRetryable checks whether an error (or its chain) is retryable.
func IsRetryable(err error) bool {
	var e *Error
	if errors.As(err, &e) {
		return e.Retryable
	}
	return false
}

// IsFatal reports whether an error must end an import run.
// Coercion failures are the only kind that never does; classification
// errors are fatal unless the caller's policy says to skip them.
// Errors outside this package are treated as fatal.
func IsFatal(err error) bool {
	if err == nil {
		return false
	}
	return GetCategory(err) != ErrCategoryCoercion
}

// GetCategory extracts the error category from an error chain.
// Returns empty string if the error is not an *Error.
func GetCategory(err error) ErrorCategory {
	var e *Error
	if errors.As(err, &e) {
		return e.Category
	}
	return ""
}

// GetCode extracts the error code from an error chain.
// Returns empty string if the error is not an *Error.
func GetCode(err error) string {
	var e *Error
	if errors.As(err, &e) {
		return e.Code
	}
	return ""
}

func isRetryable(category ErrorCategory, code string) bool {
	switch {
	case category == ErrCategorySource && code == CodeFetchFailed:
		return true
	case category == ErrCategoryStorage && code == CodeWriteFailed:
		return true
	default:
		return false
	}
}

// Convenience constructors for common errors.

func NewDecodeError(code, message string, cause error) *Error {
	return Wrap(ErrCategoryDecode, code, message, cause)
}

func NewClassificationError(recordType string) *Error {
	return New(ErrCategoryClassification, CodeUnsupportedType,
		fmt.Sprintf("record type <%s> is not supported; only warcinfo, request, response, metadata and resource are", recordType)).
		WithDetails(map[string]interface{}{"record_type": recordType})
}

func NewSchemaVersionError(code, message string, cause error) *Error {
	return Wrap(ErrCategorySchemaVersion, code, message, cause)
}

func NewCoercionError(column, value, target string) *Error {
	return New(ErrCategoryCoercion, CodeNotCoerced,
		fmt.Sprintf("column %s: value %q is not a valid %s, stored as text", column, value, target))
}

func NewStorageError(code, message string, cause error) *Error {
	return Wrap(ErrCategoryStorage, code, message, cause)
}

func NewSourceError(code, message string, cause error) *Error {
	return Wrap(ErrCategorySource, code, message, cause)
}

func NewConfigError(message string) *Error {
	return New(ErrCategoryConfig, CodeInvalidConfig, message)
}

func NewInternalError(message string, cause error) *Error {
	return Wrap(ErrCategoryInternal, CodeUnexpected, message, cause)
}
