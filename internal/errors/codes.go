package errors

import "fmt"

// ErrorCode classifies failures inside the pipeline. The taxonomy mirrors how
// the dispatch engine treats them: producer-side errors drop the event,
// infrastructure errors are retried, corruption is discarded.
type ErrorCode int

const (
	ErrCodeOK ErrorCode = 0

	// Producer-side errors. Events carrying these never enter the store.
	ErrCodeInvalidEvent        ErrorCode = 1000
	ErrCodeSerializationFailed ErrorCode = 1001
	ErrCodeEventTypeTooLarge   ErrorCode = 1002
	ErrCodePayloadTooLarge     ErrorCode = 1003

	// Infrastructure errors.
	ErrCodeStoreClosed         ErrorCode = 2000
	ErrCodeStoreFailed         ErrorCode = 2001
	ErrCodeCorruptedRecord     ErrorCode = 2002
	ErrCodeStateUnavailable    ErrorCode = 2003
	ErrCodeStateSlotsExhausted ErrorCode = 2004
	ErrCodeLockBusy            ErrorCode = 2005
	ErrCodeNoTransport         ErrorCode = 2006
)

// PipelineError is a structured error carrying a code, a message and an
// optional cause.
type PipelineError struct {
	Code    ErrorCode
	Message string
	Cause   error
}

// Error implements the error interface.
func (e *PipelineError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %v", e.Message, e.Cause)
	}
	return e.Message
}

// Unwrap returns the underlying error.
func (e *PipelineError) Unwrap() error {
	return e.Cause
}

// New creates a PipelineError.
func New(code ErrorCode, message string, cause error) *PipelineError {
	return &PipelineError{Code: code, Message: message, Cause: cause}
}

// InvalidEvent builds a producer-side validation error.
func InvalidEvent(reason string) *PipelineError {
	return New(ErrCodeInvalidEvent, fmt.Sprintf("invalid event: %s", reason), nil)
}

// SerializationFailed builds the insert-time drop error.
func SerializationFailed(eventType string, cause error) *PipelineError {
	return New(ErrCodeSerializationFailed, fmt.Sprintf("failed to serialize %q event", eventType), cause)
}

// CorruptedRecord builds the error for an undeserializable stored row.
func CorruptedRecord(id int64) *PipelineError {
	return New(ErrCodeCorruptedRecord, fmt.Sprintf("corrupted event record %d", id), nil)
}

// StateUnavailable builds the error returned when the shared state store
// failed to map its backing file.
func StateUnavailable(cause error) *PipelineError {
	return New(ErrCodeStateUnavailable, "shared state store unavailable", cause)
}

// SlotsExhausted is returned when the shared state store has no free slot
// for a new key.
func SlotsExhausted(key string) *PipelineError {
	return New(ErrCodeStateSlotsExhausted, fmt.Sprintf("no free slot for key %q", key), nil)
}

// NoTransport is returned by a delivery pass attempted without a registered
// network sender.
func NoTransport() *PipelineError {
	return New(ErrCodeNoTransport, "no network transport registered", nil)
}

// CodeOf extracts the ErrorCode from err, or ErrCodeOK for nil and
// ErrCodeStoreFailed for foreign errors.
func CodeOf(err error) ErrorCode {
	if err == nil {
		return ErrCodeOK
	}
	if pe, ok := err.(*PipelineError); ok {
		return pe.Code
	}
	return ErrCodeStoreFailed
}
