package vfs

import (
	"errors"
	"fmt"
)

// Error is a domain error carrying an engine result code.
//
// Backends return *Error (or wrap one); the dispatch facade converts
// whatever reaches the boundary into the numeric code the engine expects
// and caches the message for GetLastError. Infrastructure failures from
// below (disk, index store) are wrapped into CodeIOErr variants at the
// backend boundary.
type Error struct {
	// Code is the engine result code
	Code Code

	// Message is a human-readable description
	Message string

	// Path is the file path related to the error, if any
	Path string
}

// Error implements the error interface.
func (e *Error) Error() string {
	if e.Path != "" {
		return e.Message + ": " + e.Path
	}
	return e.Message
}

// Is reports whether target is a *Error with the same code, so callers can
// match with errors.Is against the canned values below.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	return ok && t.Code == e.Code
}

// NewError builds a *Error with a formatted message.
func NewError(code Code, format string, args ...any) *Error {
	return &Error{Code: code, Message: fmt.Sprintf(format, args...)}
}

// Canned errors for the common cases. Compare with errors.Is.
var (
	ErrBusy      = &Error{Code: CodeBusy, Message: "resource busy"}
	ErrReadOnly  = &Error{Code: CodeReadOnly, Message: "attempt to write a readonly file"}
	ErrCantOpen  = &Error{Code: CodeCantOpen, Message: "unable to open file"}
	ErrNotFound  = &Error{Code: CodeNotFound, Message: "no such file"}
	ErrMisuse    = &Error{Code: CodeMisuse, Message: "interface misuse"}
	ErrShortRead = &Error{Code: CodeIOErrShortRead, Message: "short read"}
	ErrIO        = &Error{Code: CodeIOErr, Message: "disk I/O error"}
)

// CodeOf extracts the engine result code from any error. Non-domain errors
// map to the generic I/O error; nil maps to OK.
func CodeOf(err error) Code {
	if err == nil {
		return CodeOK
	}
	var e *Error
	if errors.As(err, &e) {
		return e.Code
	}
	return CodeIOErr
}
