package exam

import (
	"errors"
	"fmt"
)

type Kind int

const (
	KindValidation Kind = iota + 1
	KindAuthentication
	KindAuthorization
	KindNotFound
	KindState
	KindWindowClosed
	KindAttemptsExhausted
)

func (k Kind) String() string {
	switch k {
	case KindValidation:
		return "validation"
	case KindAuthentication:
		return "authentication"
	case KindAuthorization:
		return "authorization"
	case KindNotFound:
		return "not_found"
	case KindState:
		return "state"
	case KindWindowClosed:
		return "window_closed"
	case KindAttemptsExhausted:
		return "attempts_exhausted"
	}
	return "unknown"
}

// Error is a domain failure detected before any mutation. Reason is a stable
// snake_case code for clients; Msg is for humans.
type Error struct {
	Kind   Kind
	Reason string
	Msg    string
}

func (e *Error) Error() string {
	if e.Msg == "" {
		return e.Reason
	}
	return e.Reason + ": " + e.Msg
}

// Is matches any *Error of the same kind, so errors.Is(err, ErrNotFound)
// works regardless of reason.
func (e *Error) Is(target error) bool {
	var t *Error
	if !errors.As(target, &t) {
		return false
	}
	return t.Kind == e.Kind && (t.Reason == "" || t.Reason == e.Reason)
}

var (
	ErrValidation        = &Error{Kind: KindValidation}
	ErrAuthentication    = &Error{Kind: KindAuthentication}
	ErrAuthorization     = &Error{Kind: KindAuthorization}
	ErrNotFound          = &Error{Kind: KindNotFound}
	ErrState             = &Error{Kind: KindState}
	ErrWindowClosed      = &Error{Kind: KindWindowClosed}
	ErrAttemptsExhausted = &Error{Kind: KindAttemptsExhausted}
)

func newErr(k Kind, reason, format string, args ...any) *Error {
	return &Error{Kind: k, Reason: reason, Msg: fmt.Sprintf(format, args...)}
}

func Validation(reason, format string, args ...any) error {
	return newErr(KindValidation, reason, format, args...)
}

func errPaperNotFound(id string) error {
	return newErr(KindNotFound, "paper_not_found", "paper %s not found", id)
}

func errAttemptNotFound(id string) error {
	return newErr(KindNotFound, "attempt_not_found", "attempt %s not found", id)
}

func errNotInProgress(id string, st AttemptStatus) error {
	return newErr(KindState, "attempt_not_in_progress", "attempt %s is %s", id, st)
}

// KindOf returns the domain kind of err, or 0 for infrastructure failures.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return 0
}
