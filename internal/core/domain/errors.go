// Package domain provides the core types shared across the CGI gateway.
package domain

import (
	"errors"
	"fmt"
	"net/http"
)

// ErrorKind represents the category of a gateway failure.
type ErrorKind string

const (
	// ErrorKindSpawn indicates the executable could not be started.
	ErrorKindSpawn ErrorKind = "spawn_error"

	// ErrorKindTimeout indicates the invocation deadline elapsed.
	ErrorKindTimeout ErrorKind = "gateway_timeout"

	// ErrorKindMalformedOutput indicates the child produced output that is not a CGI response.
	ErrorKindMalformedOutput ErrorKind = "malformed_output"

	// ErrorKindBrokenPipe indicates the child stopped reading its stdin early.
	ErrorKindBrokenPipe ErrorKind = "broken_pipe"

	// ErrorKindCanceled indicates the upstream client went away.
	ErrorKindCanceled ErrorKind = "canceled"

	// ErrorKindNotFound indicates no script matched the request path.
	ErrorKindNotFound ErrorKind = "not_found"

	// ErrorKindForbidden indicates a script matched but may not be executed.
	ErrorKindForbidden ErrorKind = "forbidden"

	// ErrorKindRedirectLoop indicates too many local redirects.
	ErrorKindRedirectLoop ErrorKind = "redirect_loop"

	// ErrorKindExitStatus indicates a non-zero exit rejected by a strict exit policy.
	ErrorKindExitStatus ErrorKind = "exit_status"
)

// StatusClientClosedRequest is the non-standard status recorded for canceled invocations.
const StatusClientClosedRequest = 499

// GatewayError is a failure local to one CGI invocation.
// Captured holds raw child output for diagnostics; it is never written to a client.
type GatewayError struct {
	Kind     ErrorKind
	Message  string
	Path     string
	Captured []byte
	Err      error
}

// Error implements the error interface.
func (e *GatewayError) Error() string {
	msg := fmt.Sprintf("%s: %s", e.Kind, e.Message)
	if e.Path != "" {
		msg += " (" + e.Path + ")"
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

// Unwrap returns the underlying cause.
func (e *GatewayError) Unwrap() error {
	return e.Err
}

// HTTPStatusCode returns the HTTP status used when this error is rendered.
func (e *GatewayError) HTTPStatusCode() int {
	switch e.Kind {
	case ErrorKindSpawn, ErrorKindMalformedOutput, ErrorKindBrokenPipe, ErrorKindExitStatus:
		return http.StatusBadGateway
	case ErrorKindTimeout:
		return http.StatusGatewayTimeout
	case ErrorKindNotFound:
		return http.StatusNotFound
	case ErrorKindForbidden:
		return http.StatusForbidden
	case ErrorKindCanceled:
		return StatusClientClosedRequest
	default:
		return http.StatusInternalServerError
	}
}

// WithPath records the executable or script path involved.
func (e *GatewayError) WithPath(path string) *GatewayError {
	e.Path = path
	return e
}

// WithCaptured attaches raw child output for logging.
func (e *GatewayError) WithCaptured(b []byte) *GatewayError {
	e.Captured = b
	return e
}

// NewGatewayError creates a new gateway error.
func NewGatewayError(kind ErrorKind, message string, err error) *GatewayError {
	return &GatewayError{Kind: kind, Message: message, Err: err}
}

// ErrSpawn creates a spawn error for the given executable.
func ErrSpawn(path string, err error) *GatewayError {
	return NewGatewayError(ErrorKindSpawn, "cannot start executable", err).WithPath(path)
}

// ErrGatewayTimeout creates a timeout error.
func ErrGatewayTimeout(message string) *GatewayError {
	return NewGatewayError(ErrorKindTimeout, message, nil)
}

// ErrMalformedOutput creates a malformed output error.
func ErrMalformedOutput(message string, captured []byte) *GatewayError {
	return NewGatewayError(ErrorKindMalformedOutput, message, nil).WithCaptured(captured)
}

// ErrBrokenPipe creates a broken pipe error for stdin writes.
func ErrBrokenPipe(err error) *GatewayError {
	return NewGatewayError(ErrorKindBrokenPipe, "child closed stdin early", err)
}

// ErrCanceled creates a cancellation error.
func ErrCanceled(err error) *GatewayError {
	return NewGatewayError(ErrorKindCanceled, "invocation canceled", err)
}

// ErrNotFound creates a not found error.
func ErrNotFound(message string) *GatewayError {
	return NewGatewayError(ErrorKindNotFound, message, nil)
}

// ErrForbidden creates a forbidden error.
func ErrForbidden(message string) *GatewayError {
	return NewGatewayError(ErrorKindForbidden, message, nil)
}

// ErrRedirectLoop creates a redirect loop error.
func ErrRedirectLoop(limit int) *GatewayError {
	return NewGatewayError(ErrorKindRedirectLoop, fmt.Sprintf("more than %d local redirects", limit), nil)
}

// ErrExitStatus creates an exit status error.
func ErrExitStatus(code int) *GatewayError {
	return NewGatewayError(ErrorKindExitStatus, fmt.Sprintf("child exited with status %d", code), nil)
}

// AsGatewayError extracts a GatewayError from err, if any.
func AsGatewayError(err error) (*GatewayError, bool) {
	var ge *GatewayError
	if errors.As(err, &ge) {
		return ge, true
	}
	return nil, false
}

// IsKind reports whether err is a GatewayError of the given kind.
func IsKind(err error, kind ErrorKind) bool {
	ge, ok := AsGatewayError(err)
	return ok && ge.Kind == kind
}
