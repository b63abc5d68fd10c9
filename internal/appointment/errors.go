package appointment

import (
	"errors"
	"fmt"
)

type Kind string

const (
	KindValidation           Kind = "validation_error"
	KindVersionConflict      Kind = "version_conflict"
	KindIdempotencyKeyReused Kind = "idempotency_key_reused"
	KindAlreadyUndone        Kind = "already_undone"
	KindSystemUnsafe         Kind = "system_unsafe"
	KindTransactionFailed    Kind = "transaction_failed"
)

// Sentinels for errors.Is. Every *Error matches the sentinel of its Kind.
var (
	ErrValidation           = &Error{Kind: KindValidation, Code: string(KindValidation)}
	ErrVersionConflict      = &Error{Kind: KindVersionConflict, Code: string(KindVersionConflict)}
	ErrIdempotencyKeyReused = &Error{Kind: KindIdempotencyKeyReused, Code: string(KindIdempotencyKeyReused)}
	ErrAlreadyUndone        = &Error{Kind: KindAlreadyUndone, Code: string(KindAlreadyUndone)}
	ErrSystemUnsafe         = &Error{Kind: KindSystemUnsafe, Code: string(KindSystemUnsafe), Retryable: true}
	ErrTransactionFailed    = &Error{Kind: KindTransactionFailed, Code: string(KindTransactionFailed), Retryable: true}
)

// Storage-level sentinels returned by Store implementations.
var (
	ErrAppointmentNotFound = errors.New("appointment not found")
	ErrEventNotFound       = errors.New("event not found")
	ErrAppointmentExists   = errors.New("appointment already exists")
)

// Error is the machine readable failure every engine operation returns.
type Error struct {
	Kind      Kind
	Code      string
	Message   string
	Retryable bool
	Err       error

	// Current is the authoritative snapshot, set on AlreadyUndone.
	Current *Appointment
}

func (e *Error) Error() string {
	msg := e.Message
	if msg == "" {
		msg = string(e.Kind)
	}
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Code, msg, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Code, msg)
}

func (e *Error) Unwrap() error { return e.Err }

func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return t.Kind == e.Kind && (t.Code == string(t.Kind) || t.Code == e.Code)
}

func newError(kind Kind, code, msg string) *Error {
	return &Error{
		Kind:      kind,
		Code:      code,
		Message:   msg,
		Retryable: kind == KindSystemUnsafe || kind == KindTransactionFailed,
	}
}

func validationError(code, msg string) *Error {
	return newError(KindValidation, code, msg)
}

func conflictError(current, expected int) *Error {
	return newError(KindVersionConflict, string(KindVersionConflict),
		fmt.Sprintf("appointment is at version %d, expected %d", current, expected))
}

func transactionFailed(err error) *Error {
	e := newError(KindTransactionFailed, string(KindTransactionFailed), "storage transaction rolled back")
	e.Err = err
	return e
}

// AsError extracts the *Error from err, if any.
func AsError(err error) (*Error, bool) {
	var e *Error
	if errors.As(err, &e) {
		return e, true
	}
	return nil, false
}

// Retryable reports whether the caller may retry with the same idempotency key.
func Retryable(err error) bool {
	if e, ok := AsError(err); ok {
		return e.Retryable
	}
	return false
}

// NewError builds an *Error of the given kind. Used by transports that need to
// rebuild engine errors from a wire code.
func NewError(kind Kind, code, msg string) *Error {
	if code == "" {
		code = string(kind)
	}
	return newError(kind, code, msg)
}
