// Package errors provides standardized error handling for the task-queue
// packages.
package errors

import (
	"fmt"
	"strings"
	"time"
)

// ErrorCode represents standardized internal error codes.
type ErrorCode string

const (
	ErrCodeBrokerConnectionFailed ErrorCode = "BROKER_CONNECTION_FAILED"
	ErrCodeEnqueueFailed          ErrorCode = "ENQUEUE_FAILED"
	ErrCodeReserveFailed          ErrorCode = "RESERVE_FAILED"
	ErrCodeAckFailed              ErrorCode = "ACK_FAILED"

	ErrCodeSerializationFailed ErrorCode = "SERIALIZATION_FAILED"
	ErrCodeContentTypeRejected ErrorCode = "CONTENT_TYPE_REJECTED"
	ErrCodeMessageInvalid      ErrorCode = "MESSAGE_INVALID"
	ErrCodeUnknownTask         ErrorCode = "UNKNOWN_TASK"
	ErrCodeTaskTimeout         ErrorCode = "TASK_TIMEOUT"
	ErrCodeTaskFailed          ErrorCode = "TASK_FAILED"

	ErrCodeResultStoreFailed ErrorCode = "RESULT_STORE_FAILED"
	ErrCodeResultNotFound    ErrorCode = "RESULT_NOT_FOUND"

	ErrCodeBeatStoreFailed  ErrorCode = "BEAT_STORE_FAILED"
	ErrCodeBeatEntryInvalid ErrorCode = "BEAT_ENTRY_INVALID"

	ErrCodeAlertPublishFailed ErrorCode = "ALERT_PUBLISH_FAILED"
)

// StandardError represents a structured application error.
type StandardError struct {
	Code      ErrorCode              `json:"code"`
	Message   string                 `json:"message"`
	Details   string                 `json:"details,omitempty"`
	Retryable bool                   `json:"retryable"`
	Metadata  map[string]interface{} `json:"metadata,omitempty"`
	Timestamp time.Time              `json:"timestamp"`
}

func (e *StandardError) Error() string {
	return fmt.Sprintf("StandardError[%s]: %s", e.Code, e.Message)
}

// --- Constructors ---

// NewBrokerConnectionFailedError creates a retryable broker connection error.
func NewBrokerConnectionFailedError(err error) *StandardError {
	return &StandardError{
		Code:      ErrCodeBrokerConnectionFailed,
		Message:   "Broker connection error",
		Details:   err.Error(),
		Retryable: true,
		Timestamp: time.Now().UTC(),
	}
}

// NewEnqueueFailedError creates a retryable enqueue error.
func NewEnqueueFailedError(queue string, err error) *StandardError {
	return &StandardError{
		Code:      ErrCodeEnqueueFailed,
		Message:   "Failed to enqueue task message",
		Details:   fmt.Sprintf("queue: %s, error: %s", queue, err.Error()),
		Retryable: true,
		Timestamp: time.Now().UTC(),
	}
}

// NewReserveFailedError creates a retryable reserve error.
func NewReserveFailedError(queue string, err error) *StandardError {
	return &StandardError{
		Code:      ErrCodeReserveFailed,
		Message:   "Failed to reserve task message",
		Details:   fmt.Sprintf("queue: %s, error: %s", queue, err.Error()),
		Retryable: true,
		Timestamp: time.Now().UTC(),
	}
}

// NewSerializationFailedError creates a non-retryable serialization error.
func NewSerializationFailedError(serializer string, err error) *StandardError {
	return &StandardError{
		Code:      ErrCodeSerializationFailed,
		Message:   "Task payload serialization failed",
		Details:   fmt.Sprintf("serializer: %s, error: %s", serializer, err.Error()),
		Retryable: false,
		Timestamp: time.Now().UTC(),
	}
}

// NewContentTypeRejectedError creates a non-retryable accept-content error.
func NewContentTypeRejectedError(contentType string) *StandardError {
	return &StandardError{
		Code:      ErrCodeContentTypeRejected,
		Message:   "Message content type is not accepted",
		Details:   fmt.Sprintf("contentType: %s", contentType),
		Retryable: false,
		Timestamp: time.Now().UTC(),
	}
}

// NewMessageInvalidError creates a non-retryable envelope validation error.
func NewMessageInvalidError(details string) *StandardError {
	return &StandardError{
		Code:      ErrCodeMessageInvalid,
		Message:   "Task message failed envelope validation",
		Details:   details,
		Retryable: false,
		Timestamp: time.Now().UTC(),
	}
}

// NewUnknownTaskError creates a non-retryable unknown task error.
func NewUnknownTaskError(task string) *StandardError {
	return &StandardError{
		Code:      ErrCodeUnknownTask,
		Message:   "No handler registered for task",
		Details:   fmt.Sprintf("task: %s", task),
		Retryable: false,
		Timestamp: time.Now().UTC(),
	}
}

// NewTaskTimeoutError creates a retryable task timeout error.
func NewTaskTimeoutError(task string) *StandardError {
	return &StandardError{
		Code:      ErrCodeTaskTimeout,
		Message:   "Task execution timed out",
		Details:   fmt.Sprintf("task: %s", task),
		Retryable: true,
		Timestamp: time.Now().UTC(),
	}
}

// NewTaskFailedError creates a retryable task execution error.
func NewTaskFailedError(task string, err error) *StandardError {
	return &StandardError{
		Code:      ErrCodeTaskFailed,
		Message:   "Task handler returned an error",
		Details:   fmt.Sprintf("task: %s, error: %s", task, err.Error()),
		Retryable: true,
		Timestamp: time.Now().UTC(),
	}
}

// NewResultStoreFailedError creates a retryable result backend error.
func NewResultStoreFailedError(err error) *StandardError {
	return &StandardError{
		Code:      ErrCodeResultStoreFailed,
		Message:   "Result backend write failed",
		Details:   err.Error(),
		Retryable: true,
		Timestamp: time.Now().UTC(),
	}
}

// NewResultNotFoundError creates a non-retryable missing result error.
func NewResultNotFoundError(taskID string) *StandardError {
	return &StandardError{
		Code:      ErrCodeResultNotFound,
		Message:   "No result stored for task",
		Details:   fmt.Sprintf("taskId: %s", taskID),
		Retryable: false,
		Timestamp: time.Now().UTC(),
	}
}

// NewBeatStoreFailedError creates a retryable beat store error.
func NewBeatStoreFailedError(err error) *StandardError {
	return &StandardError{
		Code:      ErrCodeBeatStoreFailed,
		Message:   "Beat schedule store error",
		Details:   err.Error(),
		Retryable: true,
		Timestamp: time.Now().UTC(),
	}
}

// NewBeatEntryInvalidError creates a non-retryable beat entry error.
func NewBeatEntryInvalidError(name, details string) *StandardError {
	return &StandardError{
		Code:      ErrCodeBeatEntryInvalid,
		Message:   "Periodic task entry is invalid",
		Details:   fmt.Sprintf("entry: %s, %s", name, details),
		Retryable: false,
		Timestamp: time.Now().UTC(),
	}
}

// NewAlertPublishFailedError creates a retryable alert publish error.
func NewAlertPublishFailedError(err error) *StandardError {
	return &StandardError{
		Code:      ErrCodeAlertPublishFailed,
		Message:   "Dead-letter alert publish failed",
		Details:   err.Error(),
		Retryable: true,
		Timestamp: time.Now().UTC(),
	}
}

// GetRetryCount returns the recommended retry count per error class.
func GetRetryCount(code ErrorCode) int {
	switch code {
	case ErrCodeBrokerConnectionFailed,
		ErrCodeEnqueueFailed,
		ErrCodeReserveFailed,
		ErrCodeTaskFailed,
		ErrCodeResultStoreFailed,
		ErrCodeBeatStoreFailed,
		ErrCodeAlertPublishFailed:
		return 3

	case ErrCodeTaskTimeout,
		ErrCodeAckFailed:
		return 2

	default:
		return 0 // validation and routing errors: no retry
	}
}

// IsRetryableErrorCode checks if an error code is retryable.
func IsRetryableErrorCode(code ErrorCode) bool {
	return GetRetryCount(code) > 0
}

// GetErrorCategory returns the category of the error code.
func GetErrorCategory(code ErrorCode) string {
	codeStr := string(code)
	switch {
	case strings.Contains(codeStr, "BROKER") || strings.Contains(codeStr, "ENQUEUE") ||
		strings.Contains(codeStr, "RESERVE") || strings.Contains(codeStr, "ACK"):
		return "BROKER"
	case strings.Contains(codeStr, "RESULT"):
		return "RESULTS"
	case strings.Contains(codeStr, "BEAT"):
		return "BEAT"
	case strings.Contains(codeStr, "TASK"):
		return "TASK"
	case strings.Contains(codeStr, "SERIALIZATION") || strings.Contains(codeStr, "CONTENT") ||
		strings.Contains(codeStr, "MESSAGE"):
		return "SERIALIZATION"
	case strings.Contains(codeStr, "ALERT"):
		return "ALERTS"
	default:
		return "OTHER"
	}
}
