package auth

import "fmt"

// Code identifies the class of authentication failure. It is surfaced
// verbatim in JSON error bodies, so values are stable.
type Code string

const (
	CodeMalformed    Code = "AuthMalformed"
	CodeUnrecognized Code = "AuthUnrecognized"
	CodeInvalid      Code = "AuthInvalid"
	CodeReplay       Code = "AuthReplay"
	CodeStale        Code = "AuthStale"
	CodeRequired     Code = "AuthRequired"
)

// Error is the typed authentication failure returned by Authenticate.
// All codes map to HTTP 401 at the transport layer.
type Error struct {
	Code    Code
	Message string
}

func (e *Error) Error() string {
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func errMalformed(format string, args ...interface{}) *Error {
	return &Error{Code: CodeMalformed, Message: fmt.Sprintf(format, args...)}
}

func errUnrecognized(scheme string) *Error {
	return &Error{Code: CodeUnrecognized, Message: fmt.Sprintf("unrecognized authorization scheme %q", scheme)}
}

func errInvalid(format string, args ...interface{}) *Error {
	return &Error{Code: CodeInvalid, Message: fmt.Sprintf(format, args...)}
}

func errReplay(message string) *Error {
	return &Error{Code: CodeReplay, Message: message}
}

func errStale(format string, args ...interface{}) *Error {
	return &Error{Code: CodeStale, Message: fmt.Sprintf(format, args...)}
}

// ErrRequired is returned when authentication is mandatory and the
// request carries no usable credential.
var ErrRequired = &Error{Code: CodeRequired, Message: "authentication required"}
