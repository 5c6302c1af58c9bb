// Package apperr defines the error taxonomy shared by every engine component.
//
// Callers match by code with errors.Is against the exported sentinels:
//
//	if errors.Is(err, apperr.ErrInvalidContext) { ... }
package apperr

import "fmt"

type Code string

const (
	CodePersistence     Code = "persistence"
	CodeInvalidContext  Code = "invalid_context"
	CodeScoring         Code = "scoring"
	CodeHandler         Code = "handler"
	CodeNotFound        Code = "not_found"
	CodeInvalidArgument Code = "invalid_argument"
)

// Error carries a machine-readable code and the wrapped cause.
type Error struct {
	Code    Code
	Message string
	Cause   error
}

func (e *Error) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %v", e.Message, e.Cause)
	}
	return e.Message
}

func (e *Error) Unwrap() error {
	return e.Cause
}

// Is matches any *Error with the same code.
func (e *Error) Is(target error) bool {
	if t, ok := target.(*Error); ok {
		return e.Code == t.Code
	}
	return false
}

var (
	ErrPersistence     = &Error{Code: CodePersistence, Message: "persistence error"}
	ErrInvalidContext  = &Error{Code: CodeInvalidContext, Message: "invalid context"}
	ErrScoring         = &Error{Code: CodeScoring, Message: "scoring error"}
	ErrHandler         = &Error{Code: CodeHandler, Message: "handler error"}
	ErrNotFound        = &Error{Code: CodeNotFound, Message: "not found"}
	ErrInvalidArgument = &Error{Code: CodeInvalidArgument, Message: "invalid argument"}
)

// Persistence wraps a durable store failure for operation op.
func Persistence(op string, cause error) *Error {
	return &Error{Code: CodePersistence, Message: op, Cause: cause}
}

func InvalidContext(contextKey string) *Error {
	return &Error{Code: CodeInvalidContext, Message: fmt.Sprintf("no weights configured for context %q", contextKey)}
}

func Scoring(msg string) *Error {
	return &Error{Code: CodeScoring, Message: msg}
}

// Handler wraps a failure raised by a signal handler or task executor.
func Handler(kind string, cause error) *Error {
	return &Error{Code: CodeHandler, Message: fmt.Sprintf("handler %s", kind), Cause: cause}
}

func NotFound(what string) *Error {
	return &Error{Code: CodeNotFound, Message: what + " not found"}
}

func InvalidArgument(msg string) *Error {
	return &Error{Code: CodeInvalidArgument, Message: msg}
}

// CodeOf returns the code of the first *Error in err's chain, or "" if none.
func CodeOf(err error) Code {
	for err != nil {
		if e, ok := err.(*Error); ok {
			return e.Code
		}
		u, ok := err.(interface{ Unwrap() error })
		if !ok {
			return ""
		}
		err = u.Unwrap()
	}
	return ""
}
