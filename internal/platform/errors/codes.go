package errors

import "net/http"

// Code is a machine-readable error code.
type Code string

const (
	// CodeUnknown represents an unknown error.
	CodeUnknown Code = "UNKNOWN"

	// Task validation errors
	CodeTaskOwnerRequired    Code = "TASK_OWNER_REQUIRED"
	CodeTaskEmptyBatch       Code = "TASK_EMPTY_BATCH"
	CodeTaskInvalidDate      Code = "TASK_INVALID_DATE"
	CodeTaskUnknownPeriod    Code = "TASK_UNKNOWN_PERIOD"
	CodeTaskUnknownType      Code = "TASK_UNKNOWN_TYPE"
	CodeTaskUnknownSource    Code = "TASK_UNKNOWN_SOURCE"
	CodeTaskInvalidPosition  Code = "TASK_INVALID_POSITION"
	CodeRangeInvalid         Code = "RANGE_INVALID"

	// Conflict errors
	CodeDayConflict   Code = "DAY_CONFLICT"
	CodeOrderConflict Code = "ORDER_CONFLICT"

	// Lookup errors
	CodeNotFound Code = "NOT_FOUND"

	// Infrastructure errors
	CodeStorageFailure Code = "STORAGE_FAILURE"
	CodeCanceled       Code = "CANCELED"
)

// HTTPStatus maps domain codes to HTTP status codes.
func (c Code) HTTPStatus() int {
	switch c {
	// Bad request - validation failures, bad input
	case CodeTaskOwnerRequired,
		CodeTaskEmptyBatch,
		CodeTaskInvalidDate,
		CodeTaskUnknownPeriod,
		CodeTaskUnknownType,
		CodeTaskUnknownSource,
		CodeTaskInvalidPosition,
		CodeRangeInvalid:
		return http.StatusBadRequest

	// Conflict - a concurrent writer won the race; retryable
	case CodeDayConflict,
		CodeOrderConflict:
		return http.StatusConflict

	case CodeNotFound:
		return http.StatusNotFound

	case CodeStorageFailure:
		return http.StatusServiceUnavailable

	default:
		return http.StatusInternalServerError
	}
}

// Retryable reports whether callers may retry the failed operation as-is.
func (c Code) Retryable() bool {
	switch c {
	case CodeDayConflict, CodeOrderConflict, CodeStorageFailure:
		return true
	default:
		return false
	}
}
