package apperr

import (
	"errors"
	"fmt"
)

// Code classifies a failure so callers can react without parsing messages.
type Code string

const (
	CodeSessionNotFound      Code = "SessionNotFound"
	CodePageNotFound         Code = "PageNotFound"
	CodeBrowserCrashed       Code = "BrowserCrashed"
	CodeSessionClosed        Code = "SessionClosed"
	CodeCommandTimeout       Code = "CommandTimeout"
	CodeCrossOriginBlocked   Code = "CrossOriginBlocked"
	CodeDimensionUnavailable Code = "DimensionUnavailable"
	CodeResourceExhausted    Code = "ResourceExhausted"
	CodeUnknownCommand       Code = "UnknownCommand"
	CodeValidation           Code = "ValidationError"
	CodeInternal             Code = "Internal"
)

// Sentinels for errors.Is. Any *Error with the same code matches.
var (
	ErrSessionNotFound      = &Error{Code: CodeSessionNotFound}
	ErrPageNotFound         = &Error{Code: CodePageNotFound}
	ErrBrowserCrashed       = &Error{Code: CodeBrowserCrashed}
	ErrSessionClosed        = &Error{Code: CodeSessionClosed}
	ErrCommandTimeout       = &Error{Code: CodeCommandTimeout}
	ErrCrossOriginBlocked   = &Error{Code: CodeCrossOriginBlocked}
	ErrDimensionUnavailable = &Error{Code: CodeDimensionUnavailable}
	ErrResourceExhausted    = &Error{Code: CodeResourceExhausted}
	ErrUnknownCommand       = &Error{Code: CodeUnknownCommand}
	ErrValidation           = &Error{Code: CodeValidation}
)

// Error is the structured error carried across package boundaries.
type Error struct {
	Op   string
	Code Code
	Msg  string
	Err  error
}

func (e *Error) Error() string {
	msg := e.Msg
	if msg == "" && e.Err != nil {
		msg = e.Err.Error()
	} else if e.Err != nil {
		msg = msg + ": " + e.Err.Error()
	}
	if msg == "" {
		msg = string(e.Code)
	}
	if e.Op != "" {
		return fmt.Sprintf("%s: %s", e.Op, msg)
	}
	return msg
}

func (e *Error) Unwrap() error { return e.Err }

// Is matches any *Error carrying the same code.
func (e *Error) Is(target error) bool {
	var t *Error
	if !errors.As(target, &t) {
		return false
	}
	return t.Code == e.Code
}

// New builds an error with a formatted message.
func New(op string, code Code, format string, args ...any) *Error {
	return &Error{Op: op, Code: code, Msg: fmt.Sprintf(format, args...)}
}

// Wrap attaches a code to an underlying error. A nil err yields nil.
func Wrap(op string, code Code, err error) error {
	if err == nil {
		return nil
	}
	return &Error{Op: op, Code: code, Err: err}
}

// CodeOf returns the code of the first *Error in err's chain, or CodeInternal.
func CodeOf(err error) Code {
	if err == nil {
		return ""
	}
	var e *Error
	if errors.As(err, &e) {
		return e.Code
	}
	return CodeInternal
}
