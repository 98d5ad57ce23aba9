package errors

import (
	stderrors "errors"
	"fmt"
)

// YianaError is the structured error type for Yiana.
// It provides rich context for error handling, logging, and user presentation.
type YianaError struct {
	// Code is the unique error code (e.g., "ERR_201_CORRUPT_HEADER").
	Code string

	// Message is the human-readable error message.
	Message string

	// Category is the error category (Config, IO, Import, etc.).
	Category Category

	// Severity is the error severity level.
	Severity Severity

	// Details contains additional context as key-value pairs.
	Details map[string]string

	// Cause is the underlying error that caused this error.
	Cause error

	// Retryable indicates if the operation can be retried.
	Retryable bool

	// Suggestion is an actionable suggestion for the user.
	Suggestion string
}

// Error implements the error interface.
func (e *YianaError) Error() string {
	return fmt.Sprintf("[%s] %s", e.Code, e.Message)
}

// Unwrap returns the underlying cause for error chain support.
func (e *YianaError) Unwrap() error {
	return e.Cause
}

// Is checks if this error matches the target error by code.
// This enables errors.Is() to work with YianaError.
func (e *YianaError) Is(target error) bool {
	if t, ok := target.(*YianaError); ok {
		return e.Code == t.Code
	}
	return false
}

// WithDetail adds a key-value detail to the error.
// Returns the error for method chaining.
func (e *YianaError) WithDetail(key, value string) *YianaError {
	if e.Details == nil {
		e.Details = make(map[string]string)
	}
	e.Details[key] = value
	return e
}

// WithSuggestion adds an actionable suggestion for the user.
func (e *YianaError) WithSuggestion(suggestion string) *YianaError {
	e.Suggestion = suggestion
	return e
}

// New creates a new YianaError with the given code and message.
// Category, severity, and retryable flag are derived from the code.
func New(code string, message string, cause error) *YianaError {
	return &YianaError{
		Code:      code,
		Message:   message,
		Category:  categoryFromCode(code),
		Severity:  severityFromCode(code),
		Cause:     cause,
		Retryable: isRetryableCode(code),
	}
}

// Wrap creates a YianaError from an existing error.
// The error's message becomes the YianaError message.
func Wrap(code string, err error) *YianaError {
	if err == nil {
		return nil
	}
	return New(code, err.Error(), err)
}

// Sentinels for errors.Is matching. Only Code is compared.
var (
	ErrCorruptHeader        = &YianaError{Code: ErrCodeCorruptHeader}
	ErrUnsupportedVersion   = &YianaError{Code: ErrCodeUnsupportedVersion}
	ErrTruncatedPayload     = &YianaError{Code: ErrCodeTruncatedPayload}
	ErrImportFailed         = &YianaError{Code: ErrCodeImportFailed}
	ErrImportTimedOut       = &YianaError{Code: ErrCodeImportTimedOut}
	ErrImportCancelled      = &YianaError{Code: ErrCodeImportCancelled}
	ErrIndexUnavailable     = &YianaError{Code: ErrCodeIndexUnavailable}
	ErrIndexBusy            = &YianaError{Code: ErrCodeIndexBusy}
	ErrCloudNotYetAvailable = &YianaError{Code: ErrCodeCloudNotYetAvailable}
)

// CorruptHeader reports a container whose header cannot be parsed.
func CorruptHeader(message string, cause error) *YianaError {
	return New(ErrCodeCorruptHeader, message, cause)
}

// UnsupportedVersion reports a container written by a newer format version.
func UnsupportedVersion(version, supported uint16) *YianaError {
	return New(ErrCodeUnsupportedVersion,
		fmt.Sprintf("container format version %d is newer than supported version %d", version, supported), nil).
		WithDetail("version", fmt.Sprint(version)).
		WithSuggestion("Upgrade yiana to read this document")
}

// TruncatedPayload reports a buffer shorter than its header declares.
func TruncatedPayload(declared, available int) *YianaError {
	return New(ErrCodeTruncatedPayload,
		fmt.Sprintf("container declares %d bytes but only %d are present", declared, available), nil)
}

// ImportFailed reports a per-item import failure.
func ImportFailed(reason string, cause error) *YianaError {
	return New(ErrCodeImportFailed, reason, cause)
}

// ImportTimedOut reports an item whose unit of work exceeded its timeout.
func ImportTimedOut(source string) *YianaError {
	return New(ErrCodeImportTimedOut, "import timed out: "+source, nil).
		WithDetail("source", source)
}

// IndexUnavailable reports a corrupt or unreachable index store.
func IndexUnavailable(message string, cause error) *YianaError {
	return New(ErrCodeIndexUnavailable, message, cause).
		WithSuggestion("Run 'yiana index reset' to rebuild the search index")
}

// CloudNotYetAvailable reports a file whose bytes are not yet local.
func CloudNotYetAvailable(path string) *YianaError {
	return New(ErrCodeCloudNotYetAvailable, "file not yet downloaded: "+path, nil).
		WithDetail("path", path)
}

// ConfigError creates a configuration-related error.
func ConfigError(message string, cause error) *YianaError {
	return New(ErrCodeConfigInvalid, message, cause)
}

// ValidationError creates a validation-related error.
func ValidationError(message string, cause error) *YianaError {
	return New(ErrCodeInvalidInput, message, cause)
}

// InternalError creates an internal error.
func InternalError(message string, cause error) *YianaError {
	return New(ErrCodeInternal, message, cause)
}

// IsRetryable checks if an error is retryable.
func IsRetryable(err error) bool {
	var ye *YianaError
	if stderrors.As(err, &ye) {
		return ye.Retryable
	}
	return false
}

// IsFatal checks if an error has fatal severity.
// Fatal errors should abort the current operation.
func IsFatal(err error) bool {
	var ye *YianaError
	if stderrors.As(err, &ye) {
		return ye.Severity == SeverityFatal
	}
	return false
}

// GetCode extracts the error code from the first YianaError in the chain.
// Returns empty string if there is none.
func GetCode(err error) string {
	var ye *YianaError
	if stderrors.As(err, &ye) {
		return ye.Code
	}
	return ""
}

// GetCategory extracts the category from the first YianaError in the chain.
func GetCategory(err error) Category {
	var ye *YianaError
	if stderrors.As(err, &ye) {
		return ye.Category
	}
	return ""
}
