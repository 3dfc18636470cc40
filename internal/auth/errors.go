package auth

import (
	"errors"
	"net/http"
)

// Kind is the closed set of authentication failure classes. Each kind maps
// to exactly one HTTP status.
type Kind int

const (
	KindBadRequest Kind = iota + 1
	KindUnauthorized
	KindForbidden
	KindNotFound
	KindConflict
)

// Status returns the HTTP status code for k.
func (k Kind) Status() int {
	switch k {
	case KindBadRequest:
		return http.StatusBadRequest
	case KindUnauthorized:
		return http.StatusUnauthorized
	case KindForbidden:
		return http.StatusForbidden
	case KindNotFound:
		return http.StatusNotFound
	case KindConflict:
		return http.StatusConflict
	}
	return http.StatusInternalServerError
}

func (k Kind) String() string {
	switch k {
	case KindBadRequest:
		return "bad_request"
	case KindUnauthorized:
		return "unauthorized"
	case KindForbidden:
		return "forbidden"
	case KindNotFound:
		return "not_found"
	case KindConflict:
		return "conflict"
	}
	return "unknown"
}

// Error is an authentication failure safe to show to the client. Message
// is the client-facing text; Err, when set, is the internal cause and is
// only logged.
type Error struct {
	Kind    Kind
	Message string
	Err     error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return e.Kind.String() + ": " + e.Message + ": " + e.Err.Error()
	}
	return e.Kind.String() + ": " + e.Message
}

func (e *Error) Unwrap() error { return e.Err }

// Status is shorthand for e.Kind.Status().
func (e *Error) Status() int { return e.Kind.Status() }

func BadRequest(msg string) *Error   { return &Error{Kind: KindBadRequest, Message: msg} }
func Unauthorized(msg string) *Error { return &Error{Kind: KindUnauthorized, Message: msg} }
func Forbidden(msg string) *Error    { return &Error{Kind: KindForbidden, Message: msg} }
func NotFound(msg string) *Error     { return &Error{Kind: KindNotFound, Message: msg} }
func Conflict(msg string) *Error     { return &Error{Kind: KindConflict, Message: msg} }

// KindOf returns the kind of err, or 0 when err is not an *Error.
func KindOf(err error) Kind {
	var ae *Error
	if errors.As(err, &ae) {
		return ae.Kind
	}
	return 0
}

// Client-facing messages shared by the handlers and tests.
const (
	MsgInvalidCredentials = "invalid credentials"
	MsgMissingCredentials = "email and password are required"
	MsgAccountBlocked     = "account is blocked"
	MsgAccountInactive    = "account is inactive"
	MsgNoRefreshToken     = "No Refresh token received from cookies"
	MsgInvalidRefresh     = "invalid refresh token"
	MsgExpiredRefresh     = "refresh token expired"
	MsgUnknownRole        = "account role is not recognized"
)
