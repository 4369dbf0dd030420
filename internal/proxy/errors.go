package proxy

import (
	"errors"
	"net/http"
)

// Kind classifies a request-time failure.
type Kind int

const (
	Internal Kind = iota
	BadTarget
	UpstreamUnreachable
	BodyTooLarge
)

func (k Kind) String() string {
	switch k {
	case BadTarget:
		return "bad_target"
	case UpstreamUnreachable:
		return "upstream_unreachable"
	case BodyTooLarge:
		return "body_too_large"
	default:
		return "internal"
	}
}

// Status returns the HTTP status reported to the caller.
func (k Kind) Status() int {
	switch k {
	case BadTarget:
		return http.StatusBadRequest
	case UpstreamUnreachable, BodyTooLarge:
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

// Message returns the fixed response body. It never carries upstream or
// internal detail.
func (k Kind) Message() string {
	switch k {
	case BadTarget:
		return "bad target"
	case UpstreamUnreachable:
		return "upstream unreachable"
	case BodyTooLarge:
		return "upstream response too large"
	default:
		return "internal error"
	}
}

// Error is a request-time failure. Err holds the detail for logs only.
type Error struct {
	Kind Kind
	Err  error
}

func (e *Error) Error() string {
	if e.Err == nil {
		return e.Kind.String()
	}
	return e.Kind.String() + ": " + e.Err.Error()
}

func (e *Error) Unwrap() error {
	return e.Err
}

// Status returns the HTTP status for e. An oversized request body is 413;
// an oversized upstream response stays 502.
func (e *Error) Status() int {
	if e.requestTooLarge() {
		return http.StatusRequestEntityTooLarge
	}
	return e.Kind.Status()
}

// Message returns the fixed response body for e.
func (e *Error) Message() string {
	if e.requestTooLarge() {
		return "request body too large"
	}
	return e.Kind.Message()
}

func (e *Error) requestTooLarge() bool {
	var mbe *http.MaxBytesError
	return e.Kind == BodyTooLarge && errors.As(e.Err, &mbe)
}

// AsError returns err as an *Error, classifying anything unknown as
// Internal.
func AsError(err error) *Error {
	var pe *Error
	if errors.As(err, &pe) {
		return pe
	}
	return &Error{Kind: Internal, Err: err}
}
