package errutil

import (
	"errors"
	"fmt"
)

type Detail struct {
	Field   string `json:"field"`
	Message string `json:"message"`
}

type BaseError struct {
	Code    CoreStatus `json:"code"`
	Message string     `json:"message"`
	Details []Detail   `json:"details,omitempty"`
	Err     error      `json:"-"`
}

func (e BaseError) Status() CoreStatus {
	return e.Code
}

func (e BaseError) JSON() interface{} {
	return map[string]interface{}{
		"error": map[string]interface{}{
			"code":    e.Code,
			"message": e.Message,
			"details": e.Details,
		},
	}
}

func (e BaseError) Unwrap() error {
	return e.Err
}

func (e BaseError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("[%s] %s", e.Code, e.messageWithErr())
	}
	return fmt.Sprintf("[%s] %s", e.Code, e.Message)
}

func (e BaseError) messageWithErr() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %v", e.Message, e.Err)
	}
	return e.Message
}

// Code reports the CoreStatus carried by err, StatusInternal when err is not
// a BaseError.
func Code(err error) CoreStatus {
	var be BaseError
	if errors.As(err, &be) {
		return be.Code
	}
	return StatusInternal
}

type Option func(*BaseError)

func WithDetails(details ...Detail) Option {
	return func(be *BaseError) { be.Details = details }
}

func WithErr(err error) Option {
	return func(be *BaseError) { be.Err = err }
}

func New(code CoreStatus, message string, opts ...Option) error {
	be := BaseError{Code: code, Message: message}
	for _, opt := range opts {
		opt(&be)
	}
	return be
}

// InvalidInput marks malformed or out-of-range request data. Never retried.
func InvalidInput(msg string, options ...Option) error {
	return New(StatusInvalidInput, msg, options...)
}

// InvalidTransition marks a state machine violation. Surfaced, not retried.
func InvalidTransition(msg string, options ...Option) error {
	return New(StatusInvalidTransition, msg, options...)
}

// ConcurrentModification marks a lost optimistic-concurrency race. Transient,
// the caller may retry.
func ConcurrentModification(msg string, options ...Option) error {
	return New(StatusConcurrentModification, msg, options...)
}

// FraudAutoLock marks a token terminally locked by a fraud rule. The triggering
// rule id travels in the details.
func FraudAutoLock(msg string, options ...Option) error {
	return New(StatusFraudAutoLock, msg, options...)
}

// InsufficientFunds marks a balance that cannot cover the requested amount.
func InsufficientFunds(msg string, options ...Option) error {
	return New(StatusInsufficientFunds, msg, options...)
}

// Busy marks a bounded lock-acquisition timeout. Retry with backoff.
func Busy(msg string, options ...Option) error {
	return New(StatusBusy, msg, options...)
}

func NotFound(msg string, options ...Option) error {
	return New(StatusNotFound, msg, options...)
}

func Conflict(msg string, options ...Option) error {
	return New(StatusConflict, msg, options...)
}

func Internal(msg string, options ...Option) error {
	return New(StatusInternal, msg, options...)
}
