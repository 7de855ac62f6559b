// Package apperr defines the tagged outcomes reported to API callers.
package apperr

import (
	"errors"
	"fmt"
	"net/http"
)

// Code is a stable, machine-checkable outcome tag.
type Code string

const (
	InvalidField      Code = "INVALID_FIELD"
	InvalidQuery      Code = "INVALID_QUERY"
	InvalidBody       Code = "INVALID_BODY"
	InvalidID         Code = "INVALID_ID"
	InvalidAIResponse Code = "INVALID_AI_RESPONSE"
	UpstreamTimeout   Code = "UPSTREAM_TIMEOUT"
	UpstreamError     Code = "UPSTREAM_ERROR"
	Unauthorized      Code = "UNAUTHORIZED"
	Forbidden         Code = "FORBIDDEN"
	NotFound          Code = "NOT_FOUND"
	Conflict          Code = "CONFLICT"
	RateLimited       Code = "RATE_LIMITED"
	AIUnavailable     Code = "AI_UNAVAILABLE"
	Internal          Code = "INTERNAL_ERROR"
)

var statusByCode = map[Code]int{
	InvalidField:      http.StatusBadRequest,
	InvalidQuery:      http.StatusBadRequest,
	InvalidBody:       http.StatusBadRequest,
	InvalidID:         http.StatusBadRequest,
	InvalidAIResponse: http.StatusBadGateway,
	UpstreamTimeout:   http.StatusGatewayTimeout,
	UpstreamError:     http.StatusBadGateway,
	Unauthorized:      http.StatusUnauthorized,
	Forbidden:         http.StatusForbidden,
	NotFound:          http.StatusNotFound,
	Conflict:          http.StatusConflict,
	RateLimited:       http.StatusTooManyRequests,
	AIUnavailable:     http.StatusServiceUnavailable,
	Internal:          http.StatusInternalServerError,
}

// Status returns the HTTP status for the code.
func (c Code) Status() int {
	if s, ok := statusByCode[c]; ok {
		return s
	}
	return http.StatusInternalServerError
}

// Error tags an underlying error with an outcome code.
type Error struct {
	Code Code
	Err  error
}

func (e *Error) Error() string {
	if e == nil {
		return ""
	}
	if e.Err != nil {
		return string(e.Code) + ": " + e.Err.Error()
	}
	return string(e.Code)
}

func (e *Error) Unwrap() error { return e.Err }

// New tags err with code.
func New(code Code, err error) *Error {
	return &Error{Code: code, Err: err}
}

// Errorf tags a formatted error with code.
func Errorf(code Code, format string, args ...any) *Error {
	return &Error{Code: code, Err: fmt.Errorf(format, args...)}
}

// CodeOf returns the code carried by err, or Internal when err is untagged.
func CodeOf(err error) Code {
	var e *Error
	if errors.As(err, &e) {
		return e.Code
	}
	return Internal
}

// Is reports whether err carries code.
func Is(err error, code Code) bool {
	var e *Error
	return errors.As(err, &e) && e.Code == code
}
