package retry

import (
	"context"
	"errors"
	"net"
	"net/url"
	"strings"
)

// RecoverableError is implemented by stage and store errors that know whether
// calling the tool again could succeed.
type RecoverableError interface {
	error
	IsRecoverable() bool
}

// transientMarkers are substrings of error messages from OCR, LLM, graph and
// database backends that indicate the backend, not the invoice, is at fault.
var transientMarkers = []string{
	"connection refused",
	"connection reset",
	"broken pipe",
	"timeout",
	"temporary failure",
	"too many requests",
	"rate limit",
	"service unavailable",
	"internal server error",
	"bad gateway",
	"gateway timeout",
}

// IsRecoverable reports whether err is worth another attempt. Errors that
// implement RecoverableError decide for themselves. Otherwise deadlines and
// network failures are recoverable, a canceled context is not, and anything
// else is judged by its message.
func IsRecoverable(err error) bool {
	if err == nil {
		return false
	}
	var marked RecoverableError
	if errors.As(err, &marked) {
		return marked.IsRecoverable()
	}

	switch {
	case errors.Is(err, context.Canceled):
		return false
	case errors.Is(err, context.DeadlineExceeded):
		return true
	}

	var opErr *net.OpError
	if errors.As(err, &opErr) && (opErr.Timeout() || opErr.Op == "dial" || opErr.Op == "read") {
		return true
	}
	var urlErr *url.Error
	if errors.As(err, &urlErr) && urlErr.Err != nil && IsRecoverable(urlErr.Err) {
		return true
	}

	msg := strings.ToLower(err.Error())
	for _, marker := range transientMarkers {
		if strings.Contains(msg, marker) {
			return true
		}
	}
	return false
}

type markedError struct {
	err         error
	recoverable bool
}

func (e *markedError) Error() string       { return e.err.Error() }
func (e *markedError) Unwrap() error       { return e.err }
func (e *markedError) IsRecoverable() bool { return e.recoverable }

// NewRecoverableError marks err as transient, e.g. a database that is still
// starting up.
func NewRecoverableError(err error) error {
	return &markedError{err: err, recoverable: true}
}

// NonRecoverableError marks a failure that repeating will not fix, such as a
// malformed document or a 4xx answer from a stage service. The engine routes
// it as a terminal error.
type NonRecoverableError struct {
	err error
}

func (e *NonRecoverableError) Error() string       { return e.err.Error() }
func (e *NonRecoverableError) Unwrap() error       { return e.err }
func (e *NonRecoverableError) IsRecoverable() bool { return false }

// NewNonRecoverableError wraps err as a NonRecoverableError.
func NewNonRecoverableError(err error) *NonRecoverableError {
	return &NonRecoverableError{err: err}
}
