package ejdb

import (
	"fmt"
	"runtime"
)

// ErrorKind classifies an *Error for programmatic handling, independent of
// its human-readable message.
type ErrorKind int

const (
	ErrKindUnknown ErrorKind = iota
	ErrKindNotFound
	ErrKindInvalidArgument
	ErrKindAlreadyExists
	ErrKindIO
	ErrKindCorrupt
	ErrKindReadOnly
	ErrKindQuery
)

func (k ErrorKind) String() string {
	switch k {
	case ErrKindNotFound:
		return "not_found"
	case ErrKindInvalidArgument:
		return "invalid_argument"
	case ErrKindAlreadyExists:
		return "already_exists"
	case ErrKindIO:
		return "io"
	case ErrKindCorrupt:
		return "corrupt"
	case ErrKindReadOnly:
		return "read_only"
	case ErrKindQuery:
		return "query"
	default:
		return "unknown"
	}
}

// Error is the error type every exported ejdb operation returns, carrying
// enough to log or branch on without parsing a message string: a Kind for
// programmatic handling, the call site that raised it, and any wrapped
// Cause.
type Error struct {
	Kind  ErrorKind
	Msg   string
	File  string
	Line  int
	Func  string
	Cause error
}

func (e *Error) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("ejdb: %s: %s: %v", e.Kind, e.Msg, e.Cause)
	}
	return fmt.Sprintf("ejdb: %s: %s", e.Kind, e.Msg)
}

func (e *Error) Unwrap() error { return e.Cause }

// newError builds an *Error tagged with its caller's file/line/function,
// skipping newError's own frame plus one more for the exported
// constructor that called it.
func newError(kind ErrorKind, cause error, format string, args ...interface{}) *Error {
	e := &Error{Kind: kind, Msg: fmt.Sprintf(format, args...), Cause: cause}
	if pc, file, line, ok := runtime.Caller(2); ok {
		e.File = file
		e.Line = line
		if fn := runtime.FuncForPC(pc); fn != nil {
			e.Func = fn.Name()
		}
	}
	return e
}

func errNotFound(format string, args ...interface{}) *Error {
	return newError(ErrKindNotFound, nil, format, args...)
}

func errInvalid(format string, args ...interface{}) *Error {
	return newError(ErrKindInvalidArgument, nil, format, args...)
}

func errExists(format string, args ...interface{}) *Error {
	return newError(ErrKindAlreadyExists, nil, format, args...)
}

func errIO(cause error, format string, args ...interface{}) *Error {
	return newError(ErrKindIO, cause, format, args...)
}

func errQuery(cause error, format string, args ...interface{}) *Error {
	return newError(ErrKindQuery, cause, format, args...)
}
