// Package errors defines the coded application error used at connection boundaries.
package errors

import (
	stderrors "errors"
	"fmt"
)

// Codes for failures that end a single proxied session.
const (
	CodeTargetFetch         = "TARGET_FETCH_FAILED"
	CodeUpstreamConnect     = "UPSTREAM_CONNECT_FAILED"
	CodeUpstreamHandshake   = "UPSTREAM_HANDSHAKE_FAILED"
	CodeDownstreamHandshake = "DOWNSTREAM_HANDSHAKE_FAILED"
	CodeProtocolMismatch    = "PROTOCOL_MISMATCH"
	CodeConfigInvalid       = "CONFIG_INVALID"
)

// AppError represents an application error
type AppError struct {
	Code    string
	Message string
	Err     error
}

func (e *AppError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s (caused by: %v)", e.Code, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func (e *AppError) Unwrap() error {
	return e.Err
}

// New creates a new AppError
func New(code, message string) *AppError {
	return &AppError{
		Code:    code,
		Message: message,
	}
}

// Wrap creates a new AppError wrapping another error
func Wrap(code, message string, err error) *AppError {
	return &AppError{
		Code:    code,
		Message: message,
		Err:     err,
	}
}

// CodeOf returns the code of the first AppError in err's chain, or "".
func CodeOf(err error) string {
	var ae *AppError
	if stderrors.As(err, &ae) {
		return ae.Code
	}
	return ""
}

// HasCode reports whether err carries an AppError with the given code.
func HasCode(err error, code string) bool {
	return CodeOf(err) == code
}
