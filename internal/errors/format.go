package errors

import (
	"encoding/json"
	stderrors "errors"
	"fmt"
	"strings"
)

func asYianaError(err error) *YianaError {
	var ye *YianaError
	if stderrors.As(err, &ye) {
		return ye
	}
	return Wrap(ErrCodeInternal, err)
}

// FormatForCLI formats an error for CLI output.
// Uses a concise format suitable for terminal display.
func FormatForCLI(err error) string {
	if err == nil {
		return ""
	}

	ye := asYianaError(err)

	var sb strings.Builder
	sb.WriteString(fmt.Sprintf("Error: %s\n", ye.Message))
	if ye.Suggestion != "" {
		sb.WriteString(fmt.Sprintf("  Hint: %s\n", ye.Suggestion))
	}
	sb.WriteString(fmt.Sprintf("  Code: %s\n", ye.Code))

	return sb.String()
}

// jsonError is the JSON representation of an error.
type jsonError struct {
	Code       string            `json:"code"`
	Message    string            `json:"message"`
	Category   string            `json:"category"`
	Severity   string            `json:"severity"`
	Details    map[string]string `json:"details,omitempty"`
	Suggestion string            `json:"suggestion,omitempty"`
	Cause      string            `json:"cause,omitempty"`
	Retryable  bool              `json:"retryable"`
}

// FormatJSON returns a JSON representation of the error.
// Suitable for HTTP responses and machine consumption.
func FormatJSON(err error) ([]byte, error) {
	if err == nil {
		return json.Marshal(nil)
	}

	ye := asYianaError(err)

	je := jsonError{
		Code:       ye.Code,
		Message:    ye.Message,
		Category:   string(ye.Category),
		Severity:   string(ye.Severity),
		Details:    ye.Details,
		Suggestion: ye.Suggestion,
		Retryable:  ye.Retryable,
	}
	if ye.Cause != nil {
		je.Cause = ye.Cause.Error()
	}

	return json.Marshal(je)
}

// FormatForLog formats an error for structured logging.
// Returns key-value pairs suitable for slog attributes.
func FormatForLog(err error) map[string]any {
	if err == nil {
		return nil
	}

	var ye *YianaError
	if !stderrors.As(err, &ye) {
		return map[string]any{
			"error": err.Error(),
		}
	}

	result := map[string]any{
		"error_code": ye.Code,
		"message":    ye.Message,
		"category":   string(ye.Category),
		"severity":   string(ye.Severity),
		"retryable":  ye.Retryable,
	}
	if ye.Cause != nil {
		result["cause"] = ye.Cause.Error()
	}
	if ye.Suggestion != "" {
		result["suggestion"] = ye.Suggestion
	}
	for k, v := range ye.Details {
		result["detail_"+k] = v
	}

	return result
}
