package domain

import (
	"errors"
	"fmt"
)

// ErrorCode is the fixed numeric code reported for a failed registry operation.
type ErrorCode uint8

// Fixed error codes. The numeric values are part of the external contract.
const (
	CodeUnauthorized         ErrorCode = 1
	CodeInvalidDevice        ErrorCode = 2
	CodeStatusUpdateFailed   ErrorCode = 3
	CodeInvalidStatus        ErrorCode = 4
	CodeInvalidCertification ErrorCode = 5
	CodeCertificationExists  ErrorCode = 6
)

var codeNames = map[ErrorCode]string{
	CodeUnauthorized:         "Unauthorized",
	CodeInvalidDevice:        "InvalidDevice",
	CodeStatusUpdateFailed:   "StatusUpdateFailed",
	CodeInvalidStatus:        "InvalidStatus",
	CodeInvalidCertification: "InvalidCertification",
	CodeCertificationExists:  "CertificationExists",
}

func (c ErrorCode) String() string {
	if name, ok := codeNames[c]; ok {
		return name
	}
	return fmt.Sprintf("ErrorCode(%d)", uint8(c))
}

// Error is a terminal registry failure. Two errors match under errors.Is when their
// codes are equal, so callers compare against the sentinels below.
type Error struct {
	Code    ErrorCode
	Message string
}

func (e *Error) Error() string {
	if e.Message == "" {
		return e.Code.String()
	}
	return e.Code.String() + ": " + e.Message
}

// Is matches any *Error carrying the same code.
func (e *Error) Is(target error) bool {
	var other *Error
	if !errors.As(target, &other) {
		return false
	}
	return other.Code == e.Code
}

// Sentinels for errors.Is comparisons.
var (
	ErrUnauthorized         = &Error{Code: CodeUnauthorized}
	ErrInvalidDevice        = &Error{Code: CodeInvalidDevice}
	ErrStatusUpdateFailed   = &Error{Code: CodeStatusUpdateFailed}
	ErrInvalidStatus        = &Error{Code: CodeInvalidStatus}
	ErrInvalidCertification = &Error{Code: CodeInvalidCertification}
	ErrCertificationExists  = &Error{Code: CodeCertificationExists}
)

// Errorf builds an *Error with a formatted message.
func Errorf(code ErrorCode, format string, args ...any) *Error {
	return &Error{Code: code, Message: fmt.Sprintf(format, args...)}
}

// CodeOf extracts the registry error code from err. It returns 0 for nil and for
// errors that did not originate in the registry (infrastructure failures).
func CodeOf(err error) ErrorCode {
	var e *Error
	if errors.As(err, &e) {
		return e.Code
	}
	return 0
}
