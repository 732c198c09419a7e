package types

import (
	"errors"
	"fmt"
)

// ErrorKind classifies failures crossing component boundaries. Kinds are
// short stable strings; they surface verbatim in sentinel files and the
// notification log.
type ErrorKind string

const (
	ErrKindTransient         ErrorKind = "transient"          // retried locally, then degraded
	ErrKindWorkerFailure     ErrorKind = "worker_failure"     // non-zero exit / abnormal termination
	ErrKindDeadline          ErrorKind = "deadline"           // task exceeded its timeout
	ErrKindCancelled         ErrorKind = "cancelled"          // explicit cancellation, not a fault
	ErrKindAdmissionRejected ErrorKind = "admission_rejected" // strategy flipped mid-dispatch
	ErrKindLockConflict      ErrorKind = "lock_conflict"      // lock request denied
	ErrKindConfig            ErrorKind = "config"             // refuse to start, report field
	ErrKindPersistence       ErrorKind = "persistence"        // store archived and reset
	ErrKindSessionConflict   ErrorKind = "session_conflict"   // arbitration resolved against caller
	ErrKindFatalHost         ErrorKind = "fatal_host"         // repeated emergency, quiescent mode
	ErrKindInternal          ErrorKind = "internal"           // programming error / unclassified
)

// Error is the typed error carried across component boundaries
type Error struct {
	Kind    ErrorKind
	Message string
	Cause   error
}

func (e *Error) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Message, e.Cause)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

func (e *Error) Unwrap() error {
	return e.Cause
}

// NewError builds a typed error with a formatted message
func NewError(kind ErrorKind, format string, args ...interface{}) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...)}
}

// WrapError attaches a kind and message to an underlying cause
func WrapError(kind ErrorKind, cause error, format string, args ...interface{}) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...), Cause: cause}
}

// KindOf extracts the kind from any error chain; unclassified errors
// report ErrKindInternal, nil reports empty.
func KindOf(err error) ErrorKind {
	if err == nil {
		return ""
	}
	var te *Error
	if errors.As(err, &te) {
		return te.Kind
	}
	return ErrKindInternal
}

// IsKind reports whether err carries the given kind anywhere in its chain
func IsKind(err error, kind ErrorKind) bool {
	return KindOf(err) == kind
}
