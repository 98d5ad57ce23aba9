// Package errors provides structured error handling for Yiana.
//
// Error codes follow the pattern ERR_XXX_DESCRIPTION where:
//   - 1XX: Configuration errors
//   - 2XX: Container and file I/O errors
//   - 3XX: Import errors
//   - 4XX: Validation errors
//   - 5XX: Search index errors
//   - 6XX: Cloud availability
//   - 9XX: Internal errors
package errors

// Category defines error categories for classification.
type Category string

const (
	// CategoryConfig indicates configuration-related errors.
	CategoryConfig Category = "CONFIG"
	// CategoryIO indicates container decoding and file I/O errors.
	CategoryIO Category = "IO"
	// CategoryImport indicates per-item bulk import errors.
	CategoryImport Category = "IMPORT"
	// CategoryValidation indicates input validation errors.
	CategoryValidation Category = "VALIDATION"
	// CategoryIndex indicates search index errors.
	CategoryIndex Category = "INDEX"
	// CategoryCloud indicates cloud provider availability conditions.
	CategoryCloud Category = "CLOUD"
	// CategoryInternal indicates unexpected internal errors.
	CategoryInternal Category = "INTERNAL"
)

// Severity defines error severity levels.
type Severity string

const (
	// SeverityFatal indicates unrecoverable error, must abort.
	SeverityFatal Severity = "FATAL"
	// SeverityError indicates operation failed but can continue.
	SeverityError Severity = "ERROR"
	// SeverityWarning indicates degraded operation, continuing.
	SeverityWarning Severity = "WARNING"
	// SeverityInfo indicates informational only.
	SeverityInfo Severity = "INFO"
)

// Error codes organized by category.
const (
	// Config errors (100-199)
	ErrCodeConfigNotFound = "ERR_101_CONFIG_NOT_FOUND"
	ErrCodeConfigInvalid  = "ERR_102_CONFIG_INVALID"

	// Container and IO errors (200-299)
	ErrCodeCorruptHeader      = "ERR_201_CORRUPT_HEADER"
	ErrCodeUnsupportedVersion = "ERR_202_UNSUPPORTED_VERSION"
	ErrCodeTruncatedPayload   = "ERR_203_TRUNCATED_PAYLOAD"
	ErrCodeFileNotFound       = "ERR_210_FILE_NOT_FOUND"
	ErrCodeFilePermission     = "ERR_211_FILE_PERMISSION"
	ErrCodeWriteFailed        = "ERR_212_WRITE_FAILED"

	// Import errors (300-399)
	ErrCodeImportFailed    = "ERR_301_IMPORT_FAILED"
	ErrCodeImportTimedOut  = "ERR_302_IMPORT_TIMED_OUT"
	ErrCodeImportCancelled = "ERR_303_IMPORT_CANCELLED"

	// Validation errors (400-499)
	ErrCodeInvalidInput = "ERR_401_INVALID_INPUT"
	ErrCodeInvalidQuery = "ERR_402_INVALID_QUERY"
	ErrCodeNotPDF       = "ERR_403_NOT_PDF"

	// Index errors (500-599)
	ErrCodeIndexUnavailable = "ERR_501_INDEX_UNAVAILABLE"
	ErrCodeIndexBusy        = "ERR_502_INDEX_BUSY"
	ErrCodeIndexFailed      = "ERR_503_INDEX_FAILED"

	// Cloud errors (600-699)
	ErrCodeCloudNotYetAvailable = "ERR_601_CLOUD_NOT_YET_AVAILABLE"
	ErrCodeCloudProbeFailed     = "ERR_602_CLOUD_PROBE_FAILED"

	// Internal errors (900-999)
	ErrCodeInternal = "ERR_901_INTERNAL"
)

// categoryFromCode extracts category from error code.
func categoryFromCode(code string) Category {
	if len(code) < 7 {
		return CategoryInternal
	}

	// Extract numeric portion (e.g., "201" from "ERR_201_CORRUPT_HEADER")
	switch code[4] {
	case '1':
		return CategoryConfig
	case '2':
		return CategoryIO
	case '3':
		return CategoryImport
	case '4':
		return CategoryValidation
	case '5':
		return CategoryIndex
	case '6':
		return CategoryCloud
	default:
		return CategoryInternal
	}
}

// severityFromCode determines severity based on error code.
func severityFromCode(code string) Severity {
	switch code {
	case ErrCodeIndexUnavailable:
		return SeverityFatal
	case ErrCodeCloudNotYetAvailable:
		// Deferred, not failed.
		return SeverityInfo
	case ErrCodeImportTimedOut, ErrCodeIndexBusy:
		return SeverityWarning
	}

	return SeverityError
}

// isRetryableCode checks if an error code represents a retryable error.
func isRetryableCode(code string) bool {
	switch code {
	case ErrCodeCloudNotYetAvailable, ErrCodeIndexBusy, ErrCodeImportTimedOut:
		return true
	default:
		return false
	}
}
