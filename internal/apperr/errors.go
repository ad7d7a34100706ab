// Package apperr defines the error kinds surfaced by the history services.
package apperr

import (
	"errors"
	"fmt"
	"net/http"

	"github.com/zhouzirui/emochat/backend/pkg/api"
)

// Error is a classified failure. Code decides the HTTP status; Reason is only
// set for FORBIDDEN.
type Error struct {
	Code    api.Code
	Reason  api.Reason
	Message string
	Cause   error
}

func (e *Error) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("[%s] %s: %v", e.Code, e.Message, e.Cause)
	}
	return fmt.Sprintf("[%s] %s", e.Code, e.Message)
}

func (e *Error) Unwrap() error {
	return e.Cause
}

// Is matches another *Error with the same code and reason, so callers can
// compare against the sentinel values below with errors.Is.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return t.Code == e.Code && (t.Reason == "" || t.Reason == e.Reason)
}

var (
	ErrNotFound         = &Error{Code: api.CodeNotFound, Message: "not found"}
	ErrForbidden        = &Error{Code: api.CodeForbidden, Message: "forbidden"}
	ErrInvalidArgument  = &Error{Code: api.CodeInvalidArgument, Message: "invalid argument"}
	ErrGenerationFailed = &Error{Code: api.CodeGenerationFailed, Message: "generation failed"}
	ErrInternal         = &Error{Code: api.CodeInternal, Message: "internal error"}
)

func NotFound(format string, args ...any) *Error {
	return &Error{Code: api.CodeNotFound, Message: fmt.Sprintf(format, args...)}
}

func Forbidden(reason api.Reason, msg string) *Error {
	return &Error{Code: api.CodeForbidden, Reason: reason, Message: msg}
}

func InvalidArgument(format string, args ...any) *Error {
	return &Error{Code: api.CodeInvalidArgument, Message: fmt.Sprintf(format, args...)}
}

func GenerationFailed(cause error) *Error {
	return &Error{Code: api.CodeGenerationFailed, Message: "reply generation failed", Cause: cause}
}

func RateLimited(msg string) *Error {
	return &Error{Code: api.CodeRateLimited, Message: msg}
}

// Internal wraps an unexpected failure. A nil cause yields nil.
func Internal(msg string, cause error) error {
	if cause == nil {
		return nil
	}
	return &Error{Code: api.CodeInternal, Message: msg, Cause: cause}
}

// CodeOf returns the code of the first *Error in err's chain, or INTERNAL.
func CodeOf(err error) api.Code {
	var e *Error
	if errors.As(err, &e) {
		return e.Code
	}
	return api.CodeInternal
}

// HTTPStatus maps a code onto the response status used by the handlers.
func HTTPStatus(code api.Code) int {
	switch code {
	case api.CodeNotFound:
		return http.StatusNotFound
	case api.CodeForbidden:
		return http.StatusForbidden
	case api.CodeInvalidArgument:
		return http.StatusBadRequest
	case api.CodeGenerationFailed:
		return http.StatusBadGateway
	case api.CodeRateLimited:
		return http.StatusTooManyRequests
	default:
		return http.StatusInternalServerError
	}
}

// Response renders err as the wire error body. Internal causes are not exposed.
func Response(err error) api.ErrorResponse {
	var e *Error
	if !errors.As(err, &e) {
		return api.ErrorResponse{Error: "internal error", Code: api.CodeInternal}
	}
	msg := e.Message
	if e.Code == api.CodeInternal {
		msg = "internal error"
	}
	return api.ErrorResponse{Error: msg, Code: e.Code, Reason: e.Reason}
}
