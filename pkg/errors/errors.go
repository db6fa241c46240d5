package errors

import (
	"errors"
	"fmt"
	"runtime"
	"strings"
)

// Standard error types that can be used throughout the application
var (
	// Standard error sentinel values
	ErrNotFound      = errors.New("resource not found")
	ErrInvalidInput  = errors.New("invalid input")
	ErrInternalError = errors.New("internal error")
	ErrTimeout       = errors.New("operation timed out")
	ErrUnavailable   = errors.New("service unavailable")

	// Domain-specific error sentinel values
	ErrAuthenticationFailed    = errors.New("authentication failed")
	ErrUnregisteredMethod      = errors.New("no handler registered for method")
	ErrUnregisteredCommand     = errors.New("no handler registered for command")
	ErrCorrelationTimeout      = errors.New("no response before deadline")
	ErrUpstreamProvisionFailed = errors.New("media server channel provisioning failed")
	ErrDialogNotFound          = errors.New("dialog not found")
	ErrDeviceNotFound          = errors.New("device not found")
	ErrDeviceOffline           = errors.New("device offline")
	ErrInvalidSIPMessage       = errors.New("invalid SIP message")
	ErrInvalidMANSCDP          = errors.New("invalid MANSCDP body")
)

// Error represents a structured error with location and additional context
type Error struct {
	// original is the underlying error
	original error

	// message is the error message
	message string

	// fields contains contextual information
	fields map[string]interface{}

	// file and line record where the error was created
	file string
	line int
}

// New creates a new structured error
func New(message string, fields ...map[string]interface{}) *Error {
	e := &Error{
		message: message,
		fields:  mergeFields(fields...),
	}
	e.captureLocation(2)
	return e
}

// Wrap wraps an existing error with a message and optional context fields.
// Wrapping nil returns nil so call sites can wrap unconditionally.
func Wrap(err error, message string, fields ...map[string]interface{}) *Error {
	if err == nil {
		return nil
	}
	e := &Error{
		original: err,
		message:  message,
		fields:   mergeFields(fields...),
	}
	e.captureLocation(2)
	return e
}

// Wrapf wraps an existing error with a formatted message
func Wrapf(err error, format string, args ...interface{}) *Error {
	if err == nil {
		return nil
	}
	e := &Error{
		original: err,
		message:  fmt.Sprintf(format, args...),
	}
	e.captureLocation(2)
	return e
}

// WithField adds a single context field to the error
func (e *Error) WithField(key string, value interface{}) *Error {
	if e.fields == nil {
		e.fields = make(map[string]interface{})
	}
	e.fields[key] = value
	return e
}

// WithFields adds multiple context fields to the error
func (e *Error) WithFields(fields map[string]interface{}) *Error {
	if e.fields == nil {
		e.fields = make(map[string]interface{}, len(fields))
	}
	for k, v := range fields {
		e.fields[k] = v
	}
	return e
}

// Error implements the error interface
func (e *Error) Error() string {
	if e.original != nil {
		return fmt.Sprintf("%s: %s", e.message, e.original.Error())
	}
	return e.message
}

// Unwrap returns the underlying error
func (e *Error) Unwrap() error {
	return e.original
}

// Is reports whether any error in the chain matches target
func (e *Error) Is(target error) bool {
	if e == target {
		return true
	}
	return errors.Is(e.original, target)
}

// Location returns the file:line where the error was created
func (e *Error) Location() string {
	if e.file == "" {
		return "unknown"
	}
	return fmt.Sprintf("%s:%d", e.file, e.line)
}

// GetFields returns the context fields attached to the error
func (e *Error) GetFields() map[string]interface{} {
	return e.fields
}

func (e *Error) captureLocation(skip int) {
	if _, file, line, ok := runtime.Caller(skip); ok {
		// Trim the module path prefix to keep log output short
		if idx := strings.LastIndex(file, "/pkg/"); idx >= 0 {
			file = file[idx+1:]
		}
		e.file = file
		e.line = line
	}
}

func mergeFields(fields ...map[string]interface{}) map[string]interface{} {
	if len(fields) == 0 {
		return nil
	}
	merged := make(map[string]interface{})
	for _, f := range fields {
		for k, v := range f {
			merged[k] = v
		}
	}
	return merged
}

// GetErrorFields extracts context fields from an error chain, if any
func GetErrorFields(err error) map[string]interface{} {
	var e *Error
	if errors.As(err, &e) {
		return e.GetFields()
	}
	return nil
}

// Is is a convenience re-export of errors.Is
func Is(err, target error) bool {
	return errors.Is(err, target)
}

// As is a convenience re-export of errors.As
func As(err error, target interface{}) bool {
	return errors.As(err, target)
}
