package protocol

import (
	"errors"
	"fmt"
	"net/http"
)

// Error codes synthesized locally or interpreted from the service.
const (
	CodeBadRequest                  = 40000
	CodeInvalidClientID             = 40012
	CodeUnauthorized                = 40100
	CodeTokenErrorMin               = 40140
	CodeTokenExpired                = 40142
	CodeTokenErrorMax               = 40149
	CodeForbidden                   = 40160
	CodeInternal                    = 50000
	CodeTimeout                     = 50003
	CodeConnectionFailed            = 80000
	CodeConnectionSuspended         = 80002
	CodeDisconnected                = 80003
	CodeUnableToRecover             = 80008
	CodeConnectionClosed            = 80017
	CodeAuthConnectFailed           = 80019
	CodeChannelInvalidState         = 90001
	CodeChannelOperationNoResponse  = 90007
	CodePresenceInvalidChannelState = 91001
	CodePresenceReenterFailed       = 91004
	CodePresenceOutOfSync           = 91005
)

// ErrorInfo is the error representation shared with the service.
type ErrorInfo struct {
	Code       int    `json:"code"`
	StatusCode int    `json:"statusCode,omitempty"`
	Message    string `json:"message,omitempty"`
	Href       string `json:"href,omitempty"`
	// Cause is local-only and never serialized.
	Cause error `json:"-"`
}

// NewErrorInfo creates an ErrorInfo with a status code derived from code.
func NewErrorInfo(code int, format string, args ...interface{}) *ErrorInfo {
	return &ErrorInfo{
		Code:       code,
		StatusCode: statusCodeFor(code),
		Message:    fmt.Sprintf(format, args...),
	}
}

// WrapError creates an ErrorInfo around cause.
func WrapError(code int, cause error) *ErrorInfo {
	info := NewErrorInfo(code, "%s", cause.Error())
	info.Cause = cause
	return info
}

func (e *ErrorInfo) Error() string {
	return fmt.Sprintf("[ErrorInfo code=%d statusCode=%d] %s", e.Code, e.StatusCode, e.Message)
}

func (e *ErrorInfo) Unwrap() error {
	return e.Cause
}

// IsTokenError reports whether the error indicates an expired or invalid token.
func (e *ErrorInfo) IsTokenError() bool {
	return e != nil && e.StatusCode == http.StatusUnauthorized &&
		e.Code >= CodeTokenErrorMin && e.Code <= CodeTokenErrorMax
}

// IsRetryable reports whether the service signalled a server-side condition
// that warrants trying another host.
func (e *ErrorInfo) IsRetryable() bool {
	return e == nil || e.StatusCode >= http.StatusInternalServerError
}

// Code extracts the ErrorInfo code from err, or 0 when err carries none.
func Code(err error) int {
	var info *ErrorInfo
	if errors.As(err, &info) {
		return info.Code
	}
	return 0
}

// AsErrorInfo converts err into an ErrorInfo, wrapping unknown errors with fallbackCode.
func AsErrorInfo(err error, fallbackCode int) *ErrorInfo {
	if err == nil {
		return nil
	}
	var info *ErrorInfo
	if errors.As(err, &info) {
		return info
	}
	return WrapError(fallbackCode, err)
}

func statusCodeFor(code int) int {
	switch {
	case code >= 10000 && code < 60000:
		return code / 100
	case code == CodeConnectionSuspended || code == CodeDisconnected || code == CodeUnableToRecover ||
		code == CodeConnectionClosed || code == CodeConnectionFailed:
		return http.StatusBadRequest
	case code == CodeAuthConnectFailed:
		return http.StatusUnauthorized
	case code == CodeChannelOperationNoResponse:
		return http.StatusInternalServerError
	default:
		return http.StatusBadRequest
	}
}
