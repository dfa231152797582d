package core

import "errors"

// Error is a coded error. Code is stable and machine-readable; Message is for humans.
type Error struct {
	Code    string
	Message string
	Err     error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return e.Message + ": " + e.Err.Error()
	}
	return e.Message
}

func (e *Error) Unwrap() error {
	return e.Err
}

// Is matches another *Error by code so sentinels work with errors.Is
// even after the error has been re-created on the other side of a process boundary.
func (e *Error) Is(target error) bool {
	var t *Error
	if !errors.As(target, &t) {
		return false
	}
	return t.Code != "" && t.Code == e.Code
}

// Wrap returns a copy of sentinel carrying err as its cause.
func Wrap(sentinel *Error, err error) *Error {
	return &Error{Code: sentinel.Code, Message: sentinel.Message, Err: err}
}

// Error codes surfaced to callers
const (
	CodeInvalidConfig     = "INVALID_CONFIG"
	CodeInvalidInput      = "INVALID_INPUT"
	CodeWorkerUnavailable = "WORKER_UNAVAILABLE"
	CodeTimeout           = "TIMEOUT"
	CodeInitialization    = "INITIALIZATION_FAILURE"
	CodeQueryFailure      = "QUERY_FAILURE"
	CodeTransaction       = "TRANSACTION_FAILURE"
)

var (
	// ErrWorkerUnavailable means there is no live worker process to route a call to.
	ErrWorkerUnavailable = &Error{Code: CodeWorkerUnavailable, Message: "worker unavailable"}

	// ErrRequestTimeout means no correlated response arrived within the call's bound.
	ErrRequestTimeout = &Error{Code: CodeTimeout, Message: "request timeout"}

	// ErrInitialization means storage could not be opened when the worker started.
	ErrInitialization = &Error{Code: CodeInitialization, Message: "initialization failure"}

	// ErrQueryFailure covers malformed predicates and storage errors during a query.
	ErrQueryFailure = &Error{Code: CodeQueryFailure, Message: "query failure"}

	// ErrTransaction means a poll batch was rolled back.
	ErrTransaction = &Error{Code: CodeTransaction, Message: "transaction failure"}
)
