// Package autherr defines the error kinds the credential and session
// protocol distinguishes. Callers branch on the kind, never on the message,
// except for the "Session revoked" sub-reason of TokenInvalid.
package autherr

import (
	"errors"
	"fmt"
)

// Kind classifies an authentication error.
type Kind int

const (
	KindUnknown Kind = iota
	KindInvalidCredentials
	KindTokenExpired
	KindTokenInvalid
	KindTokenNotProvided
	KindInvalidCode
	KindUserNotFound
	KindForbidden
	KindConflict
	KindNotFound
	KindBadRequest
	KindUnavailable
)

var kindNames = map[Kind]string{
	KindUnknown:            "unknown",
	KindInvalidCredentials: "invalid_credentials",
	KindTokenExpired:       "token_expired",
	KindTokenInvalid:       "token_invalid",
	KindTokenNotProvided:   "token_not_provided",
	KindInvalidCode:        "invalid_code",
	KindUserNotFound:       "user_not_found",
	KindForbidden:          "forbidden",
	KindConflict:           "conflict",
	KindNotFound:           "not_found",
	KindBadRequest:         "bad_request",
	KindUnavailable:        "unavailable",
}

func (k Kind) String() string {
	if n, ok := kindNames[k]; ok {
		return n
	}
	return "unknown"
}

// Error is a classified error. Msg is safe to show to clients.
type Error struct {
	Kind Kind
	Msg  string
	Err  error
}

func (e *Error) Error() string {
	return e.Msg
}

func (e *Error) Unwrap() error {
	return e.Err
}

// Is matches any *Error of the same kind, so errors.Is(err, ErrTokenInvalid)
// holds for every TokenInvalid regardless of its message.
func (e *Error) Is(target error) bool {
	var t *Error
	if !errors.As(target, &t) {
		return false
	}
	return t.Kind == e.Kind
}

// New returns an error of the given kind.
func New(kind Kind, msg string) *Error {
	return &Error{Kind: kind, Msg: msg}
}

// Newf returns an error of the given kind with a formatted message.
func Newf(kind Kind, format string, args ...any) *Error {
	return &Error{Kind: kind, Msg: fmt.Sprintf(format, args...)}
}

// Wrap classifies cause under kind. The cause is kept for logging but its
// text is not part of Error().
func Wrap(kind Kind, msg string, cause error) *Error {
	return &Error{Kind: kind, Msg: msg, Err: cause}
}

var (
	ErrInvalidCredentials = New(KindInvalidCredentials, "Invalid email or password")
	ErrTokenExpired       = New(KindTokenExpired, "Token expired")
	ErrTokenInvalid       = New(KindTokenInvalid, "Invalid token")
	ErrTokenNotProvided   = New(KindTokenNotProvided, "Token not provided")
	ErrInvalidCode        = New(KindInvalidCode, "Invalid 2FA code")
	ErrUserNotFound       = New(KindUserNotFound, "User not found")
	ErrForbidden          = New(KindForbidden, "Forbidden")
	ErrConflict           = New(KindConflict, "Conflict")
	ErrNotFound           = New(KindNotFound, "Not found")
	ErrBadRequest         = New(KindBadRequest, "Bad request")
	ErrUnavailable        = New(KindUnavailable, "Service temporarily unavailable")

	// ErrSessionRevoked is the TokenInvalid sub-reason for a revoked jti.
	ErrSessionRevoked = New(KindTokenInvalid, "Session revoked")
)

// KindOf returns the kind of err, or KindUnknown.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindUnknown
}

// Retryable reports whether the caller may retry the operation unchanged.
// Only transient storage failures qualify.
func Retryable(err error) bool {
	return KindOf(err) == KindUnavailable
}
