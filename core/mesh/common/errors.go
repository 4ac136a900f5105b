package common

import (
	"errors"
	"fmt"
	"time"
)

// Error codes for mesh operations
const (
	// Content errors
	ErrCodeIntegrity       = "INTEGRITY"
	ErrCodeNotFound        = "NOT_FOUND"
	ErrCodeIO              = "IO"
	ErrCodeCorruptTransfer = "CORRUPT_TRANSFER"
	ErrCodeContent         = "CONTENT"

	// Connection errors
	ErrCodeConnection = "CONNECTION"
	ErrCodeTimeout    = "TIMEOUT"

	// Scheduling errors
	ErrCodeCapacity         = "CAPACITY"
	ErrCodeExhaustedRetries = "EXHAUSTED_RETRIES"
	ErrCodeCancelled        = "CANCELLED"
	ErrCodeConflict         = "CONFLICT"

	// State and validation errors
	ErrCodeInvalidTransition = "INVALID_TRANSITION"
	ErrCodeInvalidArgument   = "INVALID_ARGUMENT"
	ErrCodeRateLimited       = "RATE_LIMITED"
	ErrCodeInternal          = "INTERNAL"
)

// MeshError is the error type shared by every coordinator component
type MeshError struct {
	Code    string                 // Error code for programmatic handling
	Message string                 // Human-readable message
	Context map[string]interface{} // Identifiers only (cid, peer_id, job_id)
	Cause   error                  // Underlying error
}

// Error implements the error interface
func (e *MeshError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("[%s] %s: %v", e.Code, e.Message, e.Cause)
	}
	return fmt.Sprintf("[%s] %s", e.Code, e.Message)
}

// Unwrap returns the underlying error
func (e *MeshError) Unwrap() error {
	return e.Cause
}

// Is matches another *MeshError carrying the same code, so errors.Is(err, &MeshError{Code: X}) works.
func (e *MeshError) Is(target error) bool {
	t, ok := target.(*MeshError)
	if !ok {
		return false
	}
	return t.Code == e.Code
}

// WithContext adds context to the error
func (e *MeshError) WithContext(key string, value interface{}) *MeshError {
	if e.Context == nil {
		e.Context = make(map[string]interface{})
	}
	e.Context[key] = value
	return e
}

// ContextString returns a context value as a string, or "".
func (e *MeshError) ContextString(key string) string {
	if e.Context == nil {
		return ""
	}
	if v, ok := e.Context[key]; ok {
		return fmt.Sprint(v)
	}
	return ""
}

// NewMeshError creates a new mesh error
func NewMeshError(code, message string) *MeshError {
	return &MeshError{
		Code:    code,
		Message: message,
		Context: make(map[string]interface{}),
	}
}

// WrapError wraps an existing error with mesh error context
func WrapError(code, message string, cause error) *MeshError {
	return &MeshError{
		Code:    code,
		Message: message,
		Cause:   cause,
		Context: make(map[string]interface{}),
	}
}

// AsMeshError extracts the outermost *MeshError from err.
func AsMeshError(err error) (*MeshError, bool) {
	var me *MeshError
	if errors.As(err, &me) {
		return me, true
	}
	return nil, false
}

// CodeOf returns the mesh error code of err, or ErrCodeInternal for foreign errors.
func CodeOf(err error) string {
	if me, ok := AsMeshError(err); ok {
		return me.Code
	}
	return ErrCodeInternal
}

// IsCode reports whether any MeshError in err's chain carries code.
func IsCode(err error, code string) bool {
	return errors.Is(err, &MeshError{Code: code})
}

// IsTransient reports whether a failure may succeed on another attempt.
// Connection loss and timeouts are transient. Content problems are not.
func IsTransient(err error) bool {
	if err == nil {
		return false
	}
	switch CodeOf(err) {
	case ErrCodeConnection, ErrCodeTimeout:
		return true
	default:
		return false
	}
}

// Common error constructors

func ErrNotFound(kind, key string) *MeshError {
	return NewMeshError(ErrCodeNotFound, kind+" not found").
		WithContext(kind, key)
}

func ErrChunkNotFound(cid string, index int) *MeshError {
	return NewMeshError(ErrCodeNotFound, "chunk not found").
		WithContext("cid", cid).
		WithContext("chunk_index", index)
}

func ErrIntegrity(message string) *MeshError {
	return NewMeshError(ErrCodeIntegrity, message)
}

func ErrIO(operation string, cause error) *MeshError {
	return WrapError(ErrCodeIO, operation+" failed", cause).
		WithContext("operation", operation)
}

func ErrConnection(address string, cause error) *MeshError {
	return WrapError(ErrCodeConnection, "peer connection failed", cause).
		WithContext("address", address)
}

func ErrTimeout(operation string, d time.Duration) *MeshError {
	return NewMeshError(ErrCodeTimeout, "operation timed out").
		WithContext("operation", operation).
		WithContext("duration", d.String())
}

func ErrCapacity(jobID string, waited time.Duration) *MeshError {
	return NewMeshError(ErrCodeCapacity, "no eligible peer became available").
		WithContext("job_id", jobID).
		WithContext("waited", waited.String())
}

func ErrExhaustedRetries(jobID string, attempts int, cause error) *MeshError {
	return WrapError(ErrCodeExhaustedRetries, "job exhausted its retries", cause).
		WithContext("job_id", jobID).
		WithContext("attempts", attempts)
}

func ErrCorruptTransfer(cid string, index int, peerID string, attempts int) *MeshError {
	return NewMeshError(ErrCodeCorruptTransfer, "chunk failed verification repeatedly").
		WithContext("cid", cid).
		WithContext("chunk_index", index).
		WithContext("peer_id", peerID).
		WithContext("attempts", attempts)
}

func ErrInvalidTransition(peerID string, from, to fmt.Stringer) *MeshError {
	return NewMeshError(ErrCodeInvalidTransition, fmt.Sprintf("invalid transition %s -> %s", from, to)).
		WithContext("peer_id", peerID)
}

func ErrInvalidArgument(message string) *MeshError {
	return NewMeshError(ErrCodeInvalidArgument, message)
}

func ErrCancelled(jobID string) *MeshError {
	return NewMeshError(ErrCodeCancelled, "job cancelled").
		WithContext("job_id", jobID)
}

func ErrContent(jobID, peerID, message string) *MeshError {
	return NewMeshError(ErrCodeContent, message).
		WithContext("job_id", jobID).
		WithContext("peer_id", peerID)
}
