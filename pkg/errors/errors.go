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
	ErrNotFound          = errors.New("resource not found")
	ErrInvalidInput      = errors.New("invalid input")
	ErrInternalError     = errors.New("internal error")
	ErrTimeout           = errors.New("operation timed out")
	ErrUnavailable       = errors.New("service unavailable")
	ErrAlreadyExists     = errors.New("resource already exists")
	ErrUnauthenticated   = errors.New("unauthenticated")
	ErrResourceExhausted = errors.New("resource exhausted")

	// Domain-specific error sentinel values
	ErrSessionNotFound      = errors.New("voice session not found")
	ErrSessionAlreadyExists = errors.New("voice session already exists")
	ErrCallNotFound         = errors.New("call record not found")
	ErrDuplicateEvent       = errors.New("event already processed")
	ErrInvalidSignature     = errors.New("invalid webhook signature")
	ErrStaleEvent           = errors.New("event outside replay window")
	ErrBridgeClosed         = errors.New("speech bridge closed")
	ErrRecordingNotFound    = errors.New("recording not found")
)

// Error represents a structured error with caller location and context fields.
type Error struct {
	original error
	message  string
	fields   map[string]interface{}
	file     string
	line     int

	// Code is an optional error code for categorization
	Code string
}

// New creates a new structured error with the given message.
func New(message string, fields ...map[string]interface{}) *Error {
	_, file, line, _ := runtime.Caller(1)
	return &Error{
		original: errors.New(message),
		message:  message,
		fields:   firstFieldMap(fields),
		file:     file,
		line:     line,
	}
}

// Wrap wraps an existing error with additional context.
func Wrap(err error, message string, fields ...map[string]interface{}) *Error {
	if err == nil {
		return nil
	}
	_, file, line, _ := runtime.Caller(1)
	return &Error{
		original: err,
		message:  message,
		fields:   firstFieldMap(fields),
		file:     file,
		line:     line,
	}
}

func firstFieldMap(fields []map[string]interface{}) map[string]interface{} {
	if len(fields) > 0 && fields[0] != nil {
		return fields[0]
	}
	return make(map[string]interface{})
}

// WithField adds a single field to the error context.
func (e *Error) WithField(key string, value interface{}) *Error {
	if e == nil {
		return nil
	}
	result := e.clone()
	result.fields[key] = value
	return result
}

// WithFields adds multiple fields to the error context.
func (e *Error) WithFields(fields map[string]interface{}) *Error {
	if e == nil {
		return nil
	}
	result := e.clone()
	for k, v := range fields {
		result.fields[k] = v
	}
	return result
}

// WithCode adds an error code to the error.
func (e *Error) WithCode(code string) *Error {
	if e == nil {
		return nil
	}
	result := e.clone()
	result.Code = code
	return result
}

func (e *Error) clone() *Error {
	fields := make(map[string]interface{}, len(e.fields)+1)
	for k, v := range e.fields {
		fields[k] = v
	}
	return &Error{
		original: e.original,
		message:  e.message,
		fields:   fields,
		file:     e.file,
		line:     e.line,
		Code:     e.Code,
	}
}

// Error implements the error interface.
func (e *Error) Error() string {
	if e == nil || e.original == nil {
		return ""
	}
	if e.message == "" {
		return e.original.Error()
	}
	return fmt.Sprintf("%s: %v", e.message, e.original)
}

// Unwrap implements the errors.Unwrap interface.
func (e *Error) Unwrap() error {
	if e == nil {
		return nil
	}
	return e.original
}

// Location returns the file:line where the error was created.
func (e *Error) Location() string {
	if e == nil {
		return ""
	}
	parts := strings.Split(e.file, "/")
	return fmt.Sprintf("%s:%d", parts[len(parts)-1], e.line)
}

// GetFields returns the error's context fields.
func (e *Error) GetFields() map[string]interface{} {
	if e == nil {
		return nil
	}
	return e.fields
}

// Is reports whether any error in err's tree matches target.
func (e *Error) Is(target error) bool {
	if e == nil || target == nil {
		return false
	}
	if errors.Is(e.original, target) {
		return true
	}
	return e == target
}

// NewDuplicateEvent creates an ErrDuplicateEvent for an event ledger collision.
func NewDuplicateEvent(callSID, eventType string, eventTimestamp int64) *Error {
	_, file, line, _ := runtime.Caller(1)
	return &Error{
		original: ErrDuplicateEvent,
		message:  fmt.Sprintf("event already processed: %s/%s", callSID, eventType),
		fields: map[string]interface{}{
			"call_sid":        callSID,
			"event_type":      eventType,
			"event_timestamp": eventTimestamp,
		},
		file: file,
		line: line,
		Code: "DUPLICATE_EVENT",
	}
}

// NewSessionNotFound creates an ErrSessionNotFound with additional context.
func NewSessionNotFound(callSID string) *Error {
	_, file, line, _ := runtime.Caller(1)
	return &Error{
		original: ErrSessionNotFound,
		message:  fmt.Sprintf("voice session not found: %s", callSID),
		fields:   map[string]interface{}{"call_sid": callSID},
		file:     file,
		line:     line,
		Code:     "SESSION_NOT_FOUND",
	}
}

// NewCallNotFound creates an ErrCallNotFound with additional context.
func NewCallNotFound(callSID string) *Error {
	_, file, line, _ := runtime.Caller(1)
	return &Error{
		original: ErrCallNotFound,
		message:  fmt.Sprintf("call record not found: %s", callSID),
		fields:   map[string]interface{}{"call_sid": callSID},
		file:     file,
		line:     line,
		Code:     "CALL_NOT_FOUND",
	}
}

// IsErrorType checks if an error is of a specific error type.
func IsErrorType(err, target error) bool {
	return errors.Is(err, target)
}

// GetErrorFields extracts fields from an error if it's a structured error.
func GetErrorFields(err error) map[string]interface{} {
	var serr *Error
	if errors.As(err, &serr) {
		return serr.GetFields()
	}
	return nil
}
