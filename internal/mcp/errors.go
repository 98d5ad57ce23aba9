// Package mcp implements the Model Context Protocol server that exposes the
// document search index to AI clients.
package mcp

import (
	"context"
	"errors"
	"fmt"

	yerrors "github.com/lh/yiana/internal/errors"
)

// MCP error codes. Negative values above -32099 are server defined.
const (
	// ErrCodeIndexUnavailable indicates the index cannot be opened or read.
	ErrCodeIndexUnavailable = -32001

	// ErrCodeIndexBusy indicates another process holds the index lock.
	ErrCodeIndexBusy = -32002

	// ErrCodeTimeout indicates the request timed out or was cancelled.
	ErrCodeTimeout = -32003

	// ErrCodeFileNotFound indicates a container no longer exists on disk.
	ErrCodeFileNotFound = -32004

	// Standard JSON-RPC error codes.
	ErrCodeInvalidRequest = -32600
	ErrCodeMethodNotFound = -32601
	ErrCodeInvalidParams  = -32602
	ErrCodeInternalError  = -32603
)

// MCPError represents an MCP protocol error with code and message.
type MCPError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

// Error implements the error interface.
func (e *MCPError) Error() string {
	return fmt.Sprintf("MCP error %d: %s", e.Code, e.Message)
}

// MapError converts internal errors to MCP errors.
func MapError(err error) *MCPError {
	if err == nil {
		return nil
	}

	var mcpErr *MCPError
	if errors.As(err, &mcpErr) {
		return mcpErr
	}

	var ye *yerrors.YianaError
	if errors.As(err, &ye) {
		return mapYianaError(ye)
	}

	switch {
	case errors.Is(err, context.DeadlineExceeded):
		return &MCPError{Code: ErrCodeTimeout, Message: "Request timed out."}
	case errors.Is(err, context.Canceled):
		return &MCPError{Code: ErrCodeTimeout, Message: "Request was canceled."}
	default:
		return &MCPError{Code: ErrCodeInternalError, Message: "Internal server error."}
	}
}

// NewInvalidParamsError creates an error for invalid parameters with a custom message.
func NewInvalidParamsError(msg string) *MCPError {
	return &MCPError{Code: ErrCodeInvalidParams, Message: msg}
}

// NewMethodNotFoundError creates an error for unknown tools.
func NewMethodNotFoundError(name string) *MCPError {
	return &MCPError{
		Code:    ErrCodeMethodNotFound,
		Message: fmt.Sprintf("Tool '%s' not found.", name),
	}
}

func mapYianaError(ye *yerrors.YianaError) *MCPError {
	message := ye.Message
	if ye.Suggestion != "" {
		message = fmt.Sprintf("%s. %s", ye.Message, ye.Suggestion)
	}

	switch ye.Code {
	case yerrors.ErrCodeIndexUnavailable:
		return &MCPError{Code: ErrCodeIndexUnavailable, Message: message}
	case yerrors.ErrCodeIndexBusy:
		return &MCPError{Code: ErrCodeIndexBusy, Message: message}
	case yerrors.ErrCodeFileNotFound:
		return &MCPError{Code: ErrCodeFileNotFound, Message: message}
	}

	if ye.Category == yerrors.CategoryValidation {
		return &MCPError{Code: ErrCodeInvalidParams, Message: message}
	}
	return &MCPError{Code: ErrCodeInternalError, Message: message}
}
