package errutil

import "net/http"

// CoreStatus is the transport-agnostic error kind carried by every BaseError.
// Callers use it to decide whether retrying is sensible.
type CoreStatus string

const (
	StatusInvalidInput           CoreStatus = "invalid_input"
	StatusInvalidTransition      CoreStatus = "invalid_transition"
	StatusConcurrentModification CoreStatus = "concurrent_modification"
	StatusFraudAutoLock          CoreStatus = "fraud_auto_lock"
	StatusInsufficientFunds      CoreStatus = "insufficient_funds"
	StatusBusy                   CoreStatus = "busy"
	StatusNotFound               CoreStatus = "not_found"
	StatusConflict               CoreStatus = "conflict"
	StatusInternal               CoreStatus = "internal"
)

// Retryable reports whether a caller may retry the failed request.
func (s CoreStatus) Retryable() bool {
	switch s {
	case StatusConcurrentModification, StatusBusy:
		return true
	default:
		return false
	}
}

// HTTPStatus maps the status to its closest HTTP status code equivalent.
func (s CoreStatus) HTTPStatus() int {
	switch s {
	case StatusInvalidInput:
		return http.StatusBadRequest
	case StatusInvalidTransition, StatusConflict, StatusConcurrentModification:
		return http.StatusConflict
	case StatusFraudAutoLock:
		return http.StatusLocked
	case StatusInsufficientFunds:
		return http.StatusUnprocessableEntity
	case StatusBusy:
		return http.StatusServiceUnavailable
	case StatusNotFound:
		return http.StatusNotFound
	default:
		return http.StatusInternalServerError
	}
}
