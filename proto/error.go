package proto

import (
	"fmt"
	"net/http"
)

// ErrorInfo is the error shape used on the wire and throughout the client.
// Code is a stable numeric code; StatusCode is the HTTP-like category callers
// classify on.
type ErrorInfo struct {
	Code       int    `json:"code,omitempty" msgpack:"code,omitempty"`
	StatusCode int    `json:"statusCode,omitempty" msgpack:"statusCode,omitempty"`
	Message    string `json:"message,omitempty" msgpack:"message,omitempty"`
	Href       string `json:"href,omitempty" msgpack:"href,omitempty"`

	// Cause is the local error this one was raised from. It is never sent.
	Cause error `json:"-" msgpack:"-"`
}

// NewErrorInfo returns an ErrorInfo with the given code, category and message.
func NewErrorInfo(code, statusCode int, message string) *ErrorInfo {
	return &ErrorInfo{Code: code, StatusCode: statusCode, Message: message}
}

// Error implements error.
func (e *ErrorInfo) Error() string {
	if e == nil {
		return "<nil>"
	}
	msg := fmt.Sprintf("[ErrorInfo code=%d statusCode=%d] %s", e.Code, e.StatusCode, e.Message)
	if e.Cause != nil {
		msg += ": " + e.Cause.Error()
	}
	return msg
}

// Unwrap returns the local cause, if any.
func (e *ErrorInfo) Unwrap() error {
	if e == nil {
		return nil
	}
	return e.Cause
}

// WithCause returns a copy of e that wraps cause.
func (e *ErrorInfo) WithCause(cause error) *ErrorInfo {
	if e == nil {
		return nil
	}
	cp := *e
	cp.Cause = cause
	return &cp
}

// IsTokenError reports whether the server rejected the credentials because
// the token is expired, revoked or otherwise unusable; such errors are
// recoverable by obtaining a fresh token.
func (e *ErrorInfo) IsTokenError() bool {
	return e != nil && e.Code >= 40140 && e.Code < 40150
}

// IsServerError reports whether the category is a 5xx.
func (e *ErrorInfo) IsServerError() bool {
	return e != nil && e.StatusCode >= http.StatusInternalServerError
}
