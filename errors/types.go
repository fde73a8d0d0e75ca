package errors

import (
	"encoding/json"
	"fmt"
)

// ErrorCode represents a specific error condition
type ErrorCode string

const (
	// Session / event lookup errors
	ErrCodeNotFound ErrorCode = "NOT_FOUND"

	// Wrapper supervisor errors
	ErrCodeSpawnFailure ErrorCode = "SPAWN_FAILURE"

	// Transport errors
	ErrCodeTransportUnavailable ErrorCode = "TRANSPORT_UNAVAILABLE"
	ErrCodeMalformedMessage     ErrorCode = "MALFORMED_MESSAGE"
	ErrCodeConnectTimeout       ErrorCode = "CONNECT_TIMEOUT"

	// Persistence errors
	ErrCodeIOFailure ErrorCode = "IO_FAILURE"

	// Daemon lifecycle errors
	ErrCodeAlreadyRunning ErrorCode = "DAEMON_ALREADY_RUNNING"

	// General errors
	ErrCodeInternal     ErrorCode = "INTERNAL_ERROR"
	ErrCodeInvalidInput ErrorCode = "INVALID_INPUT"
)

// MonitorError represents a structured error with context
type MonitorError struct {
	Code    ErrorCode              `json:"code"`
	Message string                 `json:"message"`
	Details map[string]interface{} `json:"details,omitempty"`
	Cause   error                  `json:"-"`
}

// Error implements the error interface
func (e *MonitorError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s (caused by: %v)", e.Code, e.Message, e.Cause)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// Unwrap implements the errors.Unwrap interface
func (e *MonitorError) Unwrap() error {
	return e.Cause
}

// WithDetail adds a detail to the error
func (e *MonitorError) WithDetail(key string, value interface{}) *MonitorError {
	if e.Details == nil {
		e.Details = make(map[string]interface{})
	}
	e.Details[key] = value
	return e
}

// ToJSON converts the error to JSON
func (e *MonitorError) ToJSON() string {
	data, _ := json.MarshalIndent(e, "", "  ")
	return string(data)
}

// New creates a new MonitorError
func New(code ErrorCode, message string) *MonitorError {
	return &MonitorError{
		Code:    code,
		Message: message,
	}
}

// Wrap wraps an existing error with a MonitorError
func Wrap(err error, code ErrorCode, message string) *MonitorError {
	return &MonitorError{
		Code:    code,
		Message: message,
		Cause:   err,
	}
}

// Is checks if an error is a specific MonitorError code
func Is(err error, code ErrorCode) bool {
	if err == nil {
		return false
	}

	monErr, ok := err.(*MonitorError)
	if !ok {
		// Try to unwrap
		if unwrapper, ok := err.(interface{ Unwrap() error }); ok {
			return Is(unwrapper.Unwrap(), code)
		}
		return false
	}

	return monErr.Code == code
}

// GetCode extracts the error code from an error
func GetCode(err error) ErrorCode {
	if err == nil {
		return ""
	}

	monErr, ok := err.(*MonitorError)
	if !ok {
		// Try to unwrap
		if unwrapper, ok := err.(interface{ Unwrap() error }); ok {
			return GetCode(unwrapper.Unwrap())
		}
		return ""
	}

	return monErr.Code
}
